package gc

import "testing"

// The ring samples below are all small dyadics, so every weighted sum
// is exact in a float64 and the comparisons can be strict.

func TestSurvivalRingEstimate(t *testing.T) {
	var r survivalRing

	if got := r.estimate(0.5); got != 0.5 {
		t.Errorf("empty ring estimates %v, want the initial 0.5", got)
	}
	if got := r.estimate(0.125); got != 0.125 {
		t.Errorf("empty ring estimates %v, want the initial 0.125", got)
	}

	// One sample: half the weight, unwritten slots count as zero.
	r.add(0.5)
	if got := r.estimate(0.99); got != 0.25 {
		t.Errorf("one-sample estimate is %v, want 0.25", got)
	}

	r.add(1.0)
	if got := r.estimate(0); got != 0.625 {
		t.Errorf("two-sample estimate is %v, want 0.625", got)
	}

	// Full ring, newest first: 0.5, 0.25, 0.125 and the remaining
	// 0.125 on the oldest.
	r.add(0.25)
	r.add(1.0)
	if got := r.estimate(0); got != 0.75 {
		t.Errorf("full-ring estimate is %v, want 0.75", got)
	}

	// A fifth sample evicts the oldest.
	r.add(0.5)
	if got := r.estimate(0); got != 0.65625 {
		t.Errorf("estimate after eviction is %v, want 0.65625", got)
	}
}

func TestRoundThreshold(t *testing.T) {
	bp := float64(blockPayloadSize)
	for _, c := range []struct {
		threshold float64
		want      uintptr
	}{
		{0, 0},
		{-3, 0},
		{1, blockPayloadSize},
		{bp, blockPayloadSize},
		{bp + 1, 2 * blockPayloadSize},
		{5 * bp / 2, 3 * blockPayloadSize},
	} {
		if got := roundThreshold(c.threshold); got != c.want {
			t.Errorf("roundThreshold(%v) = %d, want %d", c.threshold, got, c.want)
		}
	}
}

func TestInitialThresholds(t *testing.T) {
	e := new(testEmbedder)
	heap := newTestHeap(e, nil)
	a := NewHeaplet(heap)

	if got := a.nurseryThreshold; got != blockPayloadSize {
		t.Errorf("initial nursery threshold is %d B, want one block", got)
	}
	// The initial oldspace threshold blends the configured bounds,
	// weighted towards the minimum, and is block-aligned.
	cfg := heap.Config()
	switch got := a.oldspaceThreshold; {
	case got%blockPayloadSize != 0:
		t.Errorf("initial oldspace threshold %d B is not block-aligned", got)
	case got <= uintptr(cfg.OldspaceMinimum):
		t.Errorf("initial oldspace threshold %d B not above the minimum", got)
	case got >= uintptr(cfg.OldspaceMaximum):
		t.Errorf("initial oldspace threshold %d B not below the maximum", got)
	case got >= uintptr(4<<20):
		t.Errorf("initial oldspace threshold %d B far from the minimum", got)
	}

	a.Destroy()
	heap.Destroy()
}

// TestNurseryThresholdTrajectory drives the nursery resizing through a
// growth phase, a clamped phase, a stable phase and a shrink. The
// survival samples are exactly 1 and 0, so every estimate and every
// resulting threshold is exact.
func TestNurseryThresholdTrajectory(t *testing.T) {
	e := new(testEmbedder)
	cfg := StressConfig()
	cfg.NurseryMaximum = Size(8 * blockPayloadSize)
	heap := newTestHeap(e, cfg)
	a := NewHeaplet(heap)

	list := consList(a, 4000)
	height := a.TemporaryRootHeight()
	a.PushTemporaryRoot1(&list)

	// Everything in the nursery survives: estimate 0.5, grow fourfold.
	a.CollectMinor()
	if got := a.stats.lastMinorSurvival; got != 1.0 {
		t.Errorf("first minor survival is %v, want 1", got)
	}
	if got := a.nurseryThreshold; got != 4*blockPayloadSize {
		t.Errorf("threshold after one full-survival minor is %d B, "+
			"want 4 blocks", got)
	}

	// An empty nursery samples 0; the estimate 0.25 still grows, but the
	// maximum caps the threshold.
	a.CollectMinor()
	if got := a.nurseryThreshold; got != 8*blockPayloadSize {
		t.Errorf("threshold after the second minor is %d B, want the "+
			"8-block maximum", got)
	}

	// Estimates of 0.125 sit between the shrink and growth bounds.
	a.CollectMinor()
	a.CollectMinor()
	if got := a.nurseryThreshold; got != 8*blockPayloadSize {
		t.Errorf("threshold moved to %d B on a mid-range estimate", got)
	}

	// The full-survival sample ages out of the ring: estimate 0, shrink
	// by a quarter.
	a.CollectMinor()
	if got := a.nurseryThreshold; got != 6*blockPayloadSize {
		t.Errorf("threshold after the shrink is %d B, want 6 blocks", got)
	}

	checkList(t, list, 4000)
	a.ResetTemporaryRootHeight(height)
	a.Destroy()
	heap.Destroy()
}
