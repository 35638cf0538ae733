package gc

import (
	"fmt"
	"io"
	"time"
	"unsafe"

	"github.com/inhies/go-bytesize"
)

// heapletStats accumulates per-heaplet counters. The cheap ones are
// always maintained; the ones guarded by ExpensiveStatistics pay for
// clock reads or extra work on fast paths.
type heapletStats struct {
	createdAt       time.Time
	collectionStart time.Time

	collectionNo   [kindNo]uint64
	collectionTime [kindNo]time.Duration

	minorSurvival      survivalRing
	majorSurvival      survivalRing
	lastMinorSurvival  float64
	totalMinorSurvival float64
	totalMajorSurvival float64

	// Mutator allocation is accounted in phases: the bytes used grow
	// monotonically between collections, so the difference between a
	// collection's initial used size and the previous collection's
	// final one is exactly what the mutator allocated in between.
	usedAtPhaseStart uintptr
	totalAllocated   float64

	totalCopied   [kindNo]float64
	totalPromoted float64

	rootWordNo     uint64
	totalRootWords float64

	totalInitialRemembered float64
	totalFinalRemembered   float64

	ssbFlushNo     uint64
	totalSSBLength float64

	finalizedNo uint64

	// Maintained only under ExpensiveStatistics.
	ssbFlushBegin         time.Time
	totalSSBFlushTime     time.Duration
	finalizationBegin     time.Time
	totalFinalizationTime time.Duration
}

func (st *heapletStats) beginCollection(used uintptr) {
	st.collectionStart = time.Now()
	st.totalAllocated += float64(used - st.usedAtPhaseStart)
	st.rootWordNo = 0
}

func (st *heapletStats) endCollection(kind CollectionKind, used uintptr) time.Duration {
	d := time.Since(st.collectionStart)
	st.collectionNo[kind]++
	st.collectionTime[kind] += d
	st.usedAtPhaseStart = used
	st.totalRootWords += float64(st.rootWordNo)
	return d
}

func (a *Heaplet) finalizationTimeBegin() {
	if a.expensive {
		a.stats.finalizationBegin = time.Now()
	}
}

func (a *Heaplet) finalizationTimeEnd() {
	if a.expensive {
		a.stats.totalFinalizationTime += time.Since(a.stats.finalizationBegin)
	}
}

func (a *Heaplet) ssbFlushTimeBegin() {
	if a.expensive {
		a.stats.ssbFlushBegin = time.Now()
	}
}

func (a *Heaplet) ssbFlushTimeEnd() {
	if a.expensive {
		a.stats.totalSSBFlushTime += time.Since(a.stats.ssbFlushBegin)
	}
}

func size(f float64) string {
	if f < 0 {
		f = 0
	}
	return bytesize.New(f).String()
}

func mean(total float64, n uint64) float64 {
	if n == 0 {
		return 0
	}
	return total / float64(n)
}

// PrintStatistics writes a human-readable statistics report.
func (a *Heaplet) PrintStatistics(w io.Writer) {
	st := &a.stats
	up := time.Since(st.createdAt)
	fmt.Fprintf(w, "heaplet statistics after %v:\n", up.Round(time.Millisecond))

	var collections uint64
	var collecting time.Duration
	for k := KindMinor; k <= KindShare; k++ {
		collections += st.collectionNo[k]
		collecting += st.collectionTime[k]
	}
	fmt.Fprintf(w, "  collections:       %d (%d minor, %d major, %d global, %d share) in %v\n",
		collections, st.collectionNo[KindMinor], st.collectionNo[KindMajor],
		st.collectionNo[KindGlobal], st.collectionNo[KindShare],
		collecting.Round(time.Microsecond))
	rate := 0.0
	if s := up.Seconds(); s > 0 {
		rate = st.totalAllocated / s
	}
	fmt.Fprintf(w, "  allocated:         %s (%s/s)\n", size(st.totalAllocated), size(rate))
	fmt.Fprintf(w, "  copied:            %s minor, %s major, %s global, %s share\n",
		size(st.totalCopied[KindMinor]), size(st.totalCopied[KindMajor]),
		size(st.totalCopied[KindGlobal]), size(st.totalCopied[KindShare]))
	fmt.Fprintf(w, "  promoted:          %s\n", size(st.totalPromoted))

	if n := st.collectionNo[KindMinor]; n > 0 {
		fmt.Fprintf(w, "  minor survival:    last %.1f%%, mean %.1f%%, estimate %.1f%%\n",
			st.lastMinorSurvival*100, mean(st.totalMinorSurvival, n)*100,
			st.minorSurvival.estimate(a.conf.InitialSurvivalEstimate)*100)
	}
	if n := st.collectionNo[KindMajor] + st.collectionNo[KindGlobal]; n > 0 {
		fmt.Fprintf(w, "  major survival:    mean %.1f%%, estimate %.1f%%\n",
			mean(st.totalMajorSurvival, n)*100,
			st.majorSurvival.estimate(a.conf.InitialSurvivalEstimate)*100)
	}
	if collections > 0 {
		fmt.Fprintf(w, "  remembered set:    mean %.1f entries before, %.1f after\n",
			mean(st.totalInitialRemembered, collections),
			mean(st.totalFinalRemembered, collections))
	}
	fmt.Fprintf(w, "  ssb flushes:       %d (mean length %.1f)\n",
		st.ssbFlushNo, mean(st.totalSSBLength, st.ssbFlushNo))
	fmt.Fprintf(w, "  finalized objects: %d\n", st.finalizedNo)
	fmt.Fprintf(w, "  nursery threshold: %s\n", size(float64(a.nurseryThreshold)))
	fmt.Fprintf(w, "  oldspace threshold: %s\n", size(float64(a.oldspaceThreshold)))
	if a.expensive {
		fmt.Fprintf(w, "  root words:        mean %.1f per collection\n",
			mean(st.totalRootWords, collections))
		fmt.Fprintf(w, "  ssb flush time:    %v\n",
			st.totalSSBFlushTime.Round(time.Microsecond))
		fmt.Fprintf(w, "  finalization time: %v\n",
			st.totalFinalizationTime.Round(time.Microsecond))
	}
}

// DebugDump writes the per-space block lists and cursors, for debugging
// the collector itself.
func (a *Heaplet) DebugDump(w io.Writer) {
	fmt.Fprintf(w, "heaplet %p:\n", a)
	for _, s := range a.allSpaces {
		fmt.Fprintf(w, "  %-14s %-9s used %10s allocated %10s",
			s.name, s.generation, size(float64(s.usedSize())),
			size(float64(s.allocatedSize())))
		if s.destinationSpace != nil {
			fmt.Fprintf(w, " -> %s", s.destinationSpace.name)
		}
		fmt.Fprintln(w)
		for b := s.blocks.first; b != nil; b = b.next {
			mark := " "
			if b == s.allocationBlock {
				mark = " allocation, ap=" +
					fmt.Sprintf("%#x", s.allocationPointer)
			}
			fmt.Fprintf(w, "    block %#x usedLimit %#x%s\n",
				uintptr(unsafe.Pointer(b)), b.usedLimit, mark)
		}
		if n := s.finalizables.length(a.heap.fin); n > 0 {
			fmt.Fprintf(w, "    %d at-rest finalizables\n", n)
		}
	}
	fmt.Fprintf(w, "  remembered set: %d entries\n", a.remembered.Len())
	fmt.Fprintf(w, "  ssb: %d entries\n", a.ssbLength())
	if n := a.candidateDead.length(a.heap.fin); n > 0 {
		fmt.Fprintf(w, "  candidate-dead finalizables: %d\n", n)
	}
	fmt.Fprintf(w, "  temporary roots: %d, global roots: %d\n",
		len(a.temporaries.roots), len(a.globals.roots))
}
