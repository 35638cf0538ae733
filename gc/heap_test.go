package gc

import (
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
)

// listHolds reports whether o is the list (0 1 ... n-1). Worker
// goroutines use it with t.Errorf, which unlike t.Fatalf may be called
// off the test goroutine.
func listHolds(o TaggedObject, n int) bool {
	values := listValues(o)
	if len(values) != n {
		return false
	}
	for i, v := range values {
		if v != i {
			return false
		}
	}
	return true
}

func TestNewHeapNilConfigUsesDefaults(t *testing.T) {
	t.Setenv(EnvVar, "")
	heap := NewHeap(new(testEmbedder).shapeTable(false), nil, quietLogger())
	if got, want := heap.Config(), *DefaultConfig(); got != want {
		t.Errorf("heap configuration is %+v, want %+v", got, want)
	}

	a := NewHeaplet(heap)
	list := consList(a, 3)
	checkList(t, list, 3)
	a.Destroy()
	heap.Destroy()
}

func TestNewHeapRejectsBadConfiguration(t *testing.T) {
	cfg := StressConfig()
	cfg.TargetMajorSurvival = 2
	wantFatal(t, "heap configuration", func() {
		NewHeap(new(testEmbedder).shapeTable(false), cfg, quietLogger())
	})
}

func TestHeapDestroyRequiresDestroyedHeaplets(t *testing.T) {
	e := new(testEmbedder)
	heap := newTestHeap(e, nil)
	a := NewHeaplet(heap)

	wantFatal(t, "still in use", heap.Destroy)

	a.Destroy()
	heap.Destroy()
}

func TestHeapFoldsDestroyedHeapletStatistics(t *testing.T) {
	e := new(testEmbedder)
	heap := newTestHeap(e, nil)

	a := NewHeaplet(heap)
	consList(a, 50)
	newHandle(a, 3)
	a.CollectMinor()
	a.Destroy()

	if got := heap.destroyedNo; got != 1 {
		t.Errorf("%d destroyed heaplets, want 1", got)
	}
	if got := heap.destroyedCollectionNo; got != 1 {
		t.Errorf("%d folded collections, want 1", got)
	}
	// 50 pairs plus one handle, all allocated before the one collection.
	if got, want := heap.destroyedAllocated, float64(51*2*wordSize); got != want {
		t.Errorf("folded allocation is %.0f B, want %.0f B", got, want)
	}
	if got := heap.destroyedFinalizedNo; got != 1 {
		t.Errorf("%d folded finalizations, want 1", got)
	}

	b := NewHeaplet(heap)
	b.Destroy()
	if got := heap.destroyedNo; got != 2 {
		t.Errorf("%d destroyed heaplets, want 2", got)
	}

	heap.Destroy()
}

func TestGlobalCollectionWithASoleHeaplet(t *testing.T) {
	e := new(testEmbedder)
	heap := newTestHeap(e, nil)
	a := NewHeaplet(heap)

	list := consList(a, 9)
	height := a.TemporaryRootHeight()
	a.PushTemporaryRoot1(&list)

	// The requester is the only registered mutator, so it collects on
	// the spot and returns with the collection done.
	heap.RequestGlobalCollection(a)

	if got := a.stats.collectionNo[KindGlobal]; got != 1 {
		t.Errorf("%d global collections, want 1", got)
	}
	checkList(t, list, 9)
	if g := a.GenerationOf(list); g != GenerationOld {
		t.Errorf("the list is %s after a global collection, want old", g)
	}

	a.ResetTemporaryRootHeight(height)
	a.Destroy()
	heap.Destroy()
}

func TestGlobalCollectionRendezvous(t *testing.T) {
	e := new(testEmbedder)
	heap := newTestHeap(e, nil)

	const workerNo = 4
	var (
		ready sync.WaitGroup
		wg    sync.WaitGroup
		done  atomic.Bool
	)
	ready.Add(workerNo)
	wg.Add(workerNo)
	for i := 0; i < workerNo; i++ {
		go func(i int) {
			defer wg.Done()
			a := NewHeaplet(heap)
			list := consList(a, 10+i)
			height := a.TemporaryRootHeight()
			a.PushTemporaryRoot1(&list)
			ready.Done()

			if i == 0 {
				// Request once every worker is registered; the last
				// one to reach a safe point runs the collection.
				ready.Wait()
				heap.RequestGlobalCollection(a)
				done.Store(true)
			} else {
				for !done.Load() {
					a.SafePoint()
					runtime.Gosched()
				}
			}

			if got := a.stats.collectionNo[KindGlobal]; got != 1 {
				t.Errorf("worker %d ran %d global collections, want 1", i, got)
			}
			if !listHolds(list, 10+i) {
				t.Errorf("worker %d: list damaged by the global collection", i)
			}
			a.ResetTemporaryRootHeight(height)
			a.Destroy()
		}(i)
	}
	wg.Wait()
	heap.Destroy()
}

func TestGlobalCollectionOfABlockedHeaplet(t *testing.T) {
	e := new(testEmbedder)
	heap := newTestHeap(e, nil)

	blocked := make(chan struct{})
	resume := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		a := NewHeaplet(heap)
		list := consList(a, 7)
		height := a.TemporaryRootHeight()
		a.PushTemporaryRoot1(&list)

		a.BeforeBlocking()
		close(blocked)
		<-resume
		a.AfterBlocking()

		// The requester collected this heaplet in absentia.
		if got := a.stats.collectionNo[KindGlobal]; got != 1 {
			t.Errorf("the blocked heaplet ran %d global collections, want 1",
				got)
		}
		if !listHolds(list, 7) {
			t.Errorf("the blocked heaplet's list was damaged")
		}
		a.ResetTemporaryRootHeight(height)
		a.Destroy()
	}()

	requester := NewHeaplet(heap)
	<-blocked
	heap.RequestGlobalCollection(requester)
	close(resume)
	wg.Wait()

	if got := requester.stats.collectionNo[KindGlobal]; got != 1 {
		t.Errorf("the requester ran %d global collections, want 1", got)
	}

	requester.Destroy()
	heap.Destroy()
}

func TestBlockReserveRetention(t *testing.T) {
	e := new(testEmbedder)
	cfg := StressConfig()
	cfg.AgeingStepNo = 0
	cfg.OldspaceMinimum = Size(minObjectSize)
	cfg.OldspaceMaximum = Size(blockPayloadSize)
	cfg.UnusedBlockRetention = 4
	heap := newTestHeap(e, cfg)
	a := NewHeaplet(heap)

	// Grow the nursery to four blocks of garbage, then let the major
	// collection shrink the working set back to one nursery block plus
	// one oldspace block. The surplus blocks flow into the heap
	// reserve, which retains at most four.
	a.DisableCollection()
	words := int(blockPayloadSize / wordSize / 2)
	for i := 0; i < 8; i++ {
		p := uintptr(a.Allocate(roundSizeUp(uintptr(words) * wordSize)))
		setWordAt(p, TaggedObject(codeTuple|(words-1)<<8))
		for w := 1; w < words; w++ {
			setWordAt(p+uintptr(w)*wordSize, fixnum(w))
		}
	}
	a.EnableCollection()
	a.CollectMajor()

	if got, want := heap.unused.allocatedBytes, 4*blockPayloadSize; got != want {
		t.Errorf("heap reserve holds %d B, want %d B", got, want)
	}

	// A new heaplet draws its three initial blocks from the reserve.
	b := NewHeaplet(heap)
	if got, want := heap.unused.allocatedBytes, blockPayloadSize; got != want {
		t.Errorf("heap reserve holds %d B after a heaplet creation, "+
			"want %d B", got, want)
	}
	b.Destroy()

	a.Destroy()
	heap.Destroy()
}

func TestZeroRetentionPoolsNoBlocks(t *testing.T) {
	e := new(testEmbedder)
	cfg := StressConfig()
	cfg.AgeingStepNo = 0
	cfg.OldspaceMinimum = Size(minObjectSize)
	cfg.OldspaceMaximum = Size(blockPayloadSize)
	heap := newTestHeap(e, cfg)
	a := NewHeaplet(heap)

	a.DisableCollection()
	words := int(blockPayloadSize / wordSize / 2)
	for i := 0; i < 8; i++ {
		p := uintptr(a.Allocate(roundSizeUp(uintptr(words) * wordSize)))
		setWordAt(p, TaggedObject(codeTuple|(words-1)<<8))
		for w := 1; w < words; w++ {
			setWordAt(p+uintptr(w)*wordSize, fixnum(w))
		}
	}
	a.EnableCollection()
	a.CollectMajor()

	if got := heap.unused.allocatedBytes; got != 0 {
		t.Errorf("heap reserve holds %d B with zero retention", got)
	}

	a.Destroy()
	heap.Destroy()
}
