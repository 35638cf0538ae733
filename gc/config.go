package gc

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/google/shlex"
	"github.com/inhies/go-bytesize"
	"gopkg.in/yaml.v2"
)

// Size is a byte count. In YAML profiles and POKEGC options it accepts
// either a plain integer or a human-readable string such as "64MB".
type Size uint64

func (s Size) String() string {
	return bytesize.New(float64(s)).String()
}

// MarshalYAML renders the size human-readable.
func (s Size) MarshalYAML() (interface{}, error) {
	return s.String(), nil
}

// UnmarshalYAML accepts integers and bytesize strings.
func (s *Size) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var n uint64
	if err := unmarshal(&n); err == nil {
		*s = Size(n)
		return nil
	}
	var text string
	if err := unmarshal(&text); err != nil {
		return err
	}
	return s.set(text)
}

func (s *Size) set(text string) error {
	bs, err := bytesize.Parse(text)
	if err != nil {
		return fmt.Errorf("invalid size %q: %w", text, err)
	}
	*s = Size(bs)
	return nil
}

// Config holds every collector tuning knob. A Heap takes its own copy at
// creation; later changes to the source Config have no effect.
type Config struct {
	// Debug enables internal consistency checking: allocation size and
	// header validation, payload invalidation of released blocks, root
	// deduplication. Expensive, intended for torture testing.
	Debug bool `yaml:"debug"`

	// ExpensiveStatistics additionally measures SSB flush time,
	// finalization time and per-root accounting.
	ExpensiveStatistics bool `yaml:"expensive-statistics"`

	// Verbosity of the collection log, 0 for quiet.
	Verbosity int `yaml:"verbosity"`

	// AgeingStepNo is the number of young ageing steps between the
	// nursery and the old generation. Zero promotes nursery survivors
	// directly.
	AgeingStepNo int `yaml:"ageing-steps"`

	// Nursery occupancy thresholds, in payload bytes. The threshold
	// starts at the minimum and moves within [minimum, maximum]
	// according to the observed survival rate.
	NurseryMinimum Size `yaml:"nursery-minimum"`
	NurseryMaximum Size `yaml:"nursery-maximum"`

	// Old-generation occupancy thresholds, in payload bytes.
	OldspaceMinimum Size `yaml:"oldspace-minimum"`
	OldspaceMaximum Size `yaml:"oldspace-maximum"`

	// TargetMajorSurvival is the oldspace occupancy ratio the heuristics
	// aim for right after a major collection.
	TargetMajorSurvival float64 `yaml:"target-major-survival"`

	// InitialSurvivalEstimate seeds the survival estimate before any
	// collection has been measured.
	InitialSurvivalEstimate float64 `yaml:"initial-survival-estimate"`

	// UnusedBlockRetention is the number of unused blocks the heap
	// reserve keeps mapped after a major collection; blocks beyond it
	// are returned to the operating system.
	UnusedBlockRetention int `yaml:"unused-block-retention"`
}

// DefaultConfig returns the production tuning.
func DefaultConfig() *Config {
	return &Config{
		AgeingStepNo:            0,
		NurseryMinimum:          Size(blockPayloadSize),
		NurseryMaximum:          128 << 20,
		OldspaceMinimum:         16 << 20,
		OldspaceMaximum:         256 << 20,
		TargetMajorSurvival:     0.1,
		InitialSurvivalEstimate: 0.5,
		UnusedBlockRetention:    32,
	}
}

// StressConfig returns a torture tuning: one-block nursery, three ageing
// steps, tiny oldspace, debug checks and expensive statistics enabled.
// Collections happen orders of magnitude more often than in production,
// which is the point.
func StressConfig() *Config {
	c := DefaultConfig()
	c.Debug = true
	c.ExpensiveStatistics = true
	c.AgeingStepNo = 3
	c.NurseryMinimum = Size(blockPayloadSize)
	c.NurseryMaximum = Size(blockPayloadSize)
	c.OldspaceMinimum = 1 << 20
	c.OldspaceMaximum = 32 << 20
	c.TargetMajorSurvival = 0.99
	c.UnusedBlockRetention = 0
	return c
}

// ApplyProfile overlays a YAML profile file onto c.
func (c *Config) ApplyProfile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading profile: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parsing profile %s: %w", path, err)
	}
	return nil
}

// EnvVar is the environment variable read by ApplyEnvDefault.
const EnvVar = "POKEGC"

// ApplyEnv overlays an option string, normally taken from the POKEGC
// environment variable. Options are shell-like words, each "key" or
// "key=value" with the keys of the YAML profile schema, plus
// "profile=PATH" to load a profile file and "stress" to switch to the
// torture tuning. Quoting works as in a shell, so profile paths may
// contain spaces.
func (c *Config) ApplyEnv(options string) error {
	words, err := shlex.Split(options)
	if err != nil {
		return fmt.Errorf("splitting options: %w", err)
	}
	for _, word := range words {
		key, value, hasValue := strings.Cut(word, "=")
		if err := c.applyOption(key, value, hasValue); err != nil {
			return err
		}
	}
	return nil
}

// ApplyEnvDefault applies the POKEGC environment variable if set.
func (c *Config) ApplyEnvDefault() error {
	if options := os.Getenv(EnvVar); options != "" {
		return c.ApplyEnv(options)
	}
	return nil
}

func (c *Config) applyOption(key, value string, hasValue bool) error {
	parseBool := func() (bool, error) {
		if !hasValue {
			return true, nil
		}
		b, err := strconv.ParseBool(value)
		if err != nil {
			return false, fmt.Errorf("option %s: %w", key, err)
		}
		return b, nil
	}
	parseInt := func() (int, error) {
		n, err := strconv.Atoi(value)
		if err != nil {
			return 0, fmt.Errorf("option %s: %w", key, err)
		}
		return n, nil
	}
	parseFloat := func() (float64, error) {
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return 0, fmt.Errorf("option %s: %w", key, err)
		}
		return f, nil
	}

	var err error
	switch key {
	case "stress":
		*c = *StressConfig()
	case "profile":
		err = c.ApplyProfile(value)
	case "debug":
		c.Debug, err = parseBool()
	case "expensive-statistics":
		c.ExpensiveStatistics, err = parseBool()
	case "verbosity":
		c.Verbosity, err = parseInt()
	case "ageing-steps":
		c.AgeingStepNo, err = parseInt()
	case "nursery-minimum":
		err = c.NurseryMinimum.set(value)
	case "nursery-maximum":
		err = c.NurseryMaximum.set(value)
	case "oldspace-minimum":
		err = c.OldspaceMinimum.set(value)
	case "oldspace-maximum":
		err = c.OldspaceMaximum.set(value)
	case "target-major-survival":
		c.TargetMajorSurvival, err = parseFloat()
	case "initial-survival-estimate":
		c.InitialSurvivalEstimate, err = parseFloat()
	case "unused-block-retention":
		c.UnusedBlockRetention, err = parseInt()
	default:
		err = fmt.Errorf("unknown option %q", key)
	}
	return err
}

// Validate checks ordering and granularity constraints.
func (c *Config) Validate() error {
	if c.AgeingStepNo < 0 {
		return fmt.Errorf("ageing-steps is negative: %d", c.AgeingStepNo)
	}
	if c.NurseryMinimum < Size(blockPayloadSize) {
		return fmt.Errorf("nursery-minimum %v is below one block payload (%v)",
			c.NurseryMinimum, Size(blockPayloadSize))
	}
	if c.NurseryMinimum > c.NurseryMaximum {
		return fmt.Errorf("nursery-minimum %v exceeds nursery-maximum %v",
			c.NurseryMinimum, c.NurseryMaximum)
	}
	if c.OldspaceMinimum > c.OldspaceMaximum {
		return fmt.Errorf("oldspace-minimum %v exceeds oldspace-maximum %v",
			c.OldspaceMinimum, c.OldspaceMaximum)
	}
	if c.TargetMajorSurvival <= 0 || c.TargetMajorSurvival > 1 {
		return fmt.Errorf("target-major-survival %v is not in (0, 1]",
			c.TargetMajorSurvival)
	}
	if c.UnusedBlockRetention < 0 {
		return fmt.Errorf("unused-block-retention is negative: %d",
			c.UnusedBlockRetention)
	}
	return nil
}
