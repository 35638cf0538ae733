package gc

import "math"

// Survival-rate heuristics. Thresholds on the used size of the nursery
// and the oldspace decide when to collect; after each collection the
// thresholds are resized from observed survival so that collection work
// tracks the mutator's actual retention.

const (
	survivalRingCapacity = 4

	// Weight of the most recent sample; each older sample gets the
	// same share of what remains, and the oldest takes the rest.
	recentBias = 0.5

	lowNurserySurvival    = 0.01
	highNurserySurvival   = 0.2
	nurseryGrowthRatio    = 4.0
	nurseryShrinkageRatio = 0.75

	initialOldspaceThresholdMinimumWeight = 0.95
)

// A survivalRing holds the most recent survival ratios. The index
// advances before each write, so the slot at the index holds the most
// recent sample.
type survivalRing struct {
	ratios   [survivalRingCapacity]float64
	index    int
	sampleNo int
}

func (r *survivalRing) add(ratio float64) {
	r.index = (r.index + 1) % survivalRingCapacity
	r.ratios[r.index] = ratio
	r.sampleNo++
}

// estimate returns a weighted average biased towards recent samples.
// Slots never written count as zero survival, treating an under-observed
// heap as large: it grows only on demonstrated need. Before the first
// sample the configured initial estimate is returned instead.
func (r *survivalRing) estimate(initial float64) float64 {
	if r.sampleNo == 0 {
		return initial
	}
	average := 0.0
	remaining := 1.0
	for i := 0; i < survivalRingCapacity; i++ {
		slot := (r.index + survivalRingCapacity - i) % survivalRingCapacity
		weight := remaining
		if i != survivalRingCapacity-1 {
			weight = remaining * recentBias
			remaining -= weight
		}
		average += weight * r.ratios[slot]
	}
	return average
}

// roundThreshold rounds a byte threshold up to whole block payloads,
// the granularity at which spaces actually grow.
func roundThreshold(threshold float64) uintptr {
	if threshold <= 0 {
		return 0
	}
	blockNo := (uintptr(threshold) + blockPayloadSize - 1) / blockPayloadSize
	return blockNo * blockPayloadSize
}

func (a *Heaplet) initializeHeuristics() {
	a.nurseryThreshold = roundThreshold(float64(a.conf.NurseryMinimum))
	w := initialOldspaceThresholdMinimumWeight
	a.oldspaceThreshold = roundThreshold(w*float64(a.conf.OldspaceMinimum) +
		(1-w)*float64(a.conf.OldspaceMaximum))
}

func (a *Heaplet) updateNurseryHeuristics() {
	estimate := a.stats.minorSurvival.estimate(a.conf.InitialSurvivalEstimate)
	good := float64(a.nurseryThreshold)
	switch {
	case estimate < lowNurserySurvival:
		good *= nurseryShrinkageRatio
	case estimate > highNurserySurvival:
		good *= nurseryGrowthRatio
	}
	good = math.Max(good, float64(a.conf.NurseryMinimum))
	good = math.Min(good, float64(a.conf.NurseryMaximum))
	a.nurseryThreshold = roundThreshold(good)
	a.log.Logf(4, "  nursery survival estimate %.3f, threshold %s",
		estimate, size(float64(a.nurseryThreshold)))
}

func (a *Heaplet) updateMajorHeuristics() {
	alive := float64(a.oldspace.usedSize())
	good := alive / a.conf.TargetMajorSurvival
	good = math.Max(good, float64(a.conf.OldspaceMinimum))
	// Cap growth regardless of the survival target, but never set the
	// threshold below what is currently alive.
	good = math.Min(good, float64(a.conf.OldspaceMaximum))
	good = math.Max(good, alive)
	a.oldspaceThreshold = roundThreshold(good)
	a.log.Logf(4, "  oldspace alive %s, threshold %s",
		size(alive), size(float64(a.oldspaceThreshold)))
}

func (a *Heaplet) updateHeuristics(kind CollectionKind) {
	switch kind {
	case KindMinor:
		a.updateNurseryHeuristics()
	case KindMajor, KindGlobal:
		a.updateMajorHeuristics()
	case KindShare:
		// Sharing moves data out of the generations; there is nothing
		// to resize from it.
	default:
		fatalf("invalid collection kind %s", kind)
	}
}

// shouldCollectMinor reports whether the nursery has grown past its
// threshold. Checked after shouldCollectMajor: major collections are
// more urgent and collect young objects anyway.
func (a *Heaplet) shouldCollectMinor() bool {
	return a.nursery.usedSize() >= a.nurseryThreshold
}

// shouldCollectMajor reports whether a major collection is due. Never
// true while usable young space remains: when memory is tight a major
// collection should not make the situation worse.
func (a *Heaplet) shouldCollectMajor() bool {
	if !a.shouldCollectMinor() {
		return false
	}
	return a.oldspace.usedSize() >= a.oldspaceThreshold
}
