package gc

import "testing"

func TestShareMovesTheWholeClosure(t *testing.T) {
	e := new(testEmbedder)
	heap := newTestHeap(e, nil)
	a := NewHeaplet(heap)

	list := consList(a, 8)
	list = a.Share(list)

	checkList(t, list, 8)
	for o := list; o != 0; o = cdrOf(o) {
		if g := a.GenerationOf(o); g != GenerationShared {
			t.Fatalf("shared pair at %#x is %s", untag(o), g)
		}
		if s := blockOf(untag(o)).space; s != a.sharedOwn {
			t.Fatalf("shared pair at %#x is in %s", untag(o), s.name)
		}
	}
	if got := a.sharedOwn.usedSize(); got != 8*2*wordSize {
		t.Errorf("shared-own holds %d B, want %d B", got, 8*2*wordSize)
	}

	// The share itself ran, and so did the follow-up collection that
	// repairs the private fromspaces; after it the nursery is clean.
	if got := a.stats.collectionNo[KindShare]; got != 1 {
		t.Errorf("%d share collections, want 1", got)
	}
	if got := a.stats.collectionNo[KindMinor]; got != 1 {
		t.Errorf("%d minor collections, want the one follow-up", got)
	}
	if got := a.nursery.usedSize(); got != 0 {
		t.Errorf("nursery holds %d B after the follow-up", got)
	}

	a.Destroy()
	heap.Destroy()
}

func TestShareFromOldspaceTriggersMajorFollowUp(t *testing.T) {
	e := new(testEmbedder)
	heap := noStepsHeap(e)
	a := NewHeaplet(heap)

	list := promote(t, a, consList(a, 4))
	list = a.Share(list)
	checkList(t, list, 4)
	if g := a.GenerationOf(list); g != GenerationShared {
		t.Fatalf("shared list is %s", g)
	}
	// Sharing out of oldspace leaves broken hearts there; only a major
	// collection repairs those.
	if got := a.stats.collectionNo[KindMajor]; got != 1 {
		t.Errorf("%d major collections, want the one follow-up", got)
	}

	a.Destroy()
	heap.Destroy()
}

func TestShareLeavesImmediatesAndSharedAlone(t *testing.T) {
	e := new(testEmbedder)
	heap := newTestHeap(e, nil)
	a := NewHeaplet(heap)

	if got := a.Share(fixnum(5)); got != fixnum(5) {
		t.Errorf("sharing a fixnum returned %#x", uintptr(got))
	}
	if got := a.Share(0); got != 0 {
		t.Errorf("sharing the empty list returned %#x", uintptr(got))
	}
	shared := a.Share(newPair(a, fixnum(1), 0))
	if got := a.Share(shared); got != shared {
		t.Errorf("re-sharing moved the object from %#x to %#x",
			untag(shared), untag(got))
	}

	a.Destroy()
	heap.Destroy()
}

func TestSharedObjectVisibleToAnotherHeaplet(t *testing.T) {
	e := new(testEmbedder)
	heap := newTestHeap(e, nil)
	owner := NewHeaplet(heap)
	reader := NewHeaplet(heap)

	list := owner.Share(consList(owner, 12))

	// The reader sees the shared chain without going through the
	// owner, and its own collections leave shared memory alone.
	checkList(t, list, 12)
	if g := reader.GenerationOf(list); g != GenerationShared {
		t.Fatalf("the reader sees generation %s", g)
	}
	reader.CollectMinor()
	owner.CollectMinor()
	for o := list; o != 0; o = cdrOf(o) {
		if wordAt(untag(o)) == heartCode {
			t.Fatalf("reachable broken heart at %#x", untag(o))
		}
	}
	checkList(t, list, 12)

	reader.Destroy()
	owner.Destroy()
	heap.Destroy()
}

func TestShareBarrierExtendsTheClosure(t *testing.T) {
	e := new(testEmbedder)
	heap := newTestHeap(e, nil)
	a := NewHeaplet(heap)

	container := a.Share(newPair(a, fixnum(1), 0))
	sharesBefore := a.stats.collectionNo[KindShare]

	young := consList(a, 5)
	container, young = a.WriteBarrier(container, cdrSlot(container), young)
	if g := a.GenerationOf(young); g != GenerationShared {
		t.Fatalf("the stored list is %s, want shared: every heaplet may "+
			"read a shared container", g)
	}
	if cdrOf(container) != young {
		t.Fatal("the barrier did not store the shared copy")
	}
	checkList(t, young, 5)
	if got := a.stats.collectionNo[KindShare]; got != sharesBefore+1 {
		t.Errorf("%d share collections, want %d", got, sharesBefore+1)
	}

	// Storing an immediate into a shared container moves nothing.
	container, _ = a.WriteBarrier(container, cdrSlot(container), fixnum(9))
	if got := a.stats.collectionNo[KindShare]; got != sharesBefore+1 {
		t.Errorf("storing a fixnum ran a share collection")
	}
	if got := fixnumValue(cdrOf(container)); got != 9 {
		t.Errorf("the container holds %d, want 9", got)
	}

	a.Destroy()
	heap.Destroy()
}

func TestShareRejectsCompleteObjectFinalizableTables(t *testing.T) {
	e := new(testEmbedder)
	heap := newCompleteTestHeap(e, nil)
	a := NewHeaplet(heap)

	p := newPair(a, fixnum(1), 0)
	wantFatal(t, "complete-object", func() { a.Share(p) })

	a.Destroy()
	heap.Destroy()
}

func TestSharedFinalizableDiesWithTheHeap(t *testing.T) {
	e := new(testEmbedder)
	heap := newTestHeap(e, nil)
	a := NewHeaplet(heap)

	h := a.Share(newHandle(a, 6))
	if g := a.GenerationOf(h); g != GenerationShared {
		t.Fatalf("shared handle is %s", g)
	}

	// Destroying the heaplet finalizes its private objects only; the
	// shared handle lives on in the heap.
	a.Destroy()
	if len(e.handleFinalized) != 0 {
		t.Fatalf("finalized %v at heaplet destruction, want nothing",
			e.handleFinalized)
	}

	heap.Destroy()
	if len(e.handleFinalized) != 1 || e.handleFinalized[0] != 6 {
		t.Fatalf("finalized %v at heap destruction, want [6]", e.handleFinalized)
	}
}
