package gc

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
)

// Error is the panic value raised on a fatal collector inconsistency.
// These are bugs in the collector or in the embedder's shape callbacks,
// never conditions a caller is expected to handle.
type Error struct {
	msg string
}

func (e *Error) Error() string {
	return "gc: " + e.msg
}

func fatalf(format string, args ...interface{}) {
	panic(&Error{msg: fmt.Sprintf(format, args...)})
}

// ANSI SGR codes used for collection banners.
const (
	colorReset   = "\x1b[0m"
	colorCyan    = "\x1b[36m"
	colorMagenta = "\x1b[35m"
	colorYellow  = "\x1b[33m"
	colorGreen   = "\x1b[32m"
)

// A Logger writes leveled collector diagnostics. It is carried explicitly
// by the Heap rather than living in package state, so two heaps can log
// with different verbosity to different destinations.
//
// A nil Logger is valid and silent.
type Logger struct {
	w         io.Writer
	verbosity int
	color     bool
}

// NewLogger returns a logger writing to w. Messages with a level above
// verbosity are dropped. When w is a terminal the writer is wrapped for
// color output; otherwise banners are emitted uncolored.
func NewLogger(w io.Writer, verbosity int) *Logger {
	l := &Logger{w: w, verbosity: verbosity}
	if f, ok := w.(*os.File); ok {
		if isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd()) {
			l.w = colorable.NewColorable(f)
			l.color = true
		} else {
			l.w = colorable.NewNonColorable(w)
		}
	}
	return l
}

// DefaultLogger logs to standard error.
func DefaultLogger(verbosity int) *Logger {
	return NewLogger(os.Stderr, verbosity)
}

// Logf writes one formatted message if level is within the verbosity.
// Level 0 messages are emitted by any non-nil logger. A newline is
// supplied if the format does not end in one.
func (l *Logger) Logf(level int, format string, args ...interface{}) {
	if l == nil || level > l.verbosity {
		return
	}
	if !strings.HasSuffix(format, "\n") {
		format += "\n"
	}
	fmt.Fprintf(l.w, format, args...)
}

// Tracef logs at the scavenger trace level, the most verbose one.
func (l *Logger) Tracef(format string, args ...interface{}) {
	l.Logf(8, format, args...)
}

// bannerf writes a colored one-line banner, used at collection start.
func (l *Logger) bannerf(color string, level int, format string, args ...interface{}) {
	if l == nil || level > l.verbosity {
		return
	}
	if !strings.HasSuffix(format, "\n") {
		format += "\n"
	}
	if l.color {
		fmt.Fprintf(l.w, color+strings.TrimSuffix(format, "\n")+colorReset+"\n",
			args...)
		return
	}
	fmt.Fprintf(l.w, format, args...)
}

func (l *Logger) enabled(level int) bool {
	return l != nil && level <= l.verbosity
}
