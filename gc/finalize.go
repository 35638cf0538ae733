package gc

import (
	"sync"
	"sync/atomic"
	"unsafe"
)

// Finalization bookkeeping lives outside the objects, in a heap-level
// slab of nodes addressed by stable int32 handles. A finalizable
// object's header stores its handle in the word after the type code;
// the node points back at the object and is rebound every time the
// object moves.

// finHandle indexes a node in a finArena. Zero is nil.
type finHandle int32

type finNode struct {
	prev, next finHandle

	// object is the untagged address of the finalizable object, kept
	// current across copies.
	object uintptr

	// needRun is cleared when the embedder disarms the finalizer.
	needRun bool
}

const (
	finChunkShift = 8
	finChunkSize  = 1 << finChunkShift
)

type finChunk [finChunkSize]finNode

// A finArena allocates finalization nodes in chunks that never move,
// so handles stay valid across growth. The directory is republished
// atomically on growth; node addresses read through an old directory
// remain correct since chunks are shared between versions. Handle 0 is
// burned as the nil handle.
type finArena struct {
	mu        sync.Mutex
	dir       atomic.Pointer[[]*finChunk]
	freeList  finHandle
	nextFresh finHandle
	liveNo    int
}

func newFinArena() *finArena {
	fa := &finArena{nextFresh: 1}
	dir := []*finChunk{}
	fa.dir.Store(&dir)
	return fa
}

func (fa *finArena) node(hd finHandle) *finNode {
	if hd <= 0 {
		fatalf("invalid finalization handle %d", hd)
	}
	dir := *fa.dir.Load()
	return &dir[hd>>finChunkShift][hd&(finChunkSize-1)]
}

func (fa *finArena) alloc() finHandle {
	fa.mu.Lock()
	hd := fa.freeList
	if hd != 0 {
		fa.freeList = fa.node(hd).next
	} else {
		hd = fa.nextFresh
		fa.nextFresh++
		dir := fa.dir.Load()
		if int(hd)>>finChunkShift >= len(*dir) {
			grown := make([]*finChunk, len(*dir)+1)
			copy(grown, *dir)
			grown[len(*dir)] = new(finChunk)
			fa.dir.Store(&grown)
		}
	}
	fa.liveNo++
	fa.mu.Unlock()
	n := fa.node(hd)
	*n = finNode{}
	return hd
}

func (fa *finArena) free(hd finHandle) {
	fa.mu.Lock()
	n := fa.node(hd)
	*n = finNode{next: fa.freeList}
	fa.freeList = hd
	fa.liveNo--
	fa.mu.Unlock()
}

func (fa *finArena) liveNodeNo() int {
	fa.mu.Lock()
	n := fa.liveNo
	fa.mu.Unlock()
	return n
}

// A finList is a doubly-linked list of finalization nodes, threaded
// through handles. Splicing and unlinking are O(1).
type finList struct {
	first, last finHandle
}

func (l *finList) empty() bool {
	return l.first == 0
}

func (l *finList) length(fa *finArena) int {
	n := 0
	for hd := l.first; hd != 0; hd = fa.node(hd).next {
		n++
	}
	return n
}

func (l *finList) linkLast(fa *finArena, hd finHandle) {
	n := fa.node(hd)
	n.prev = l.last
	n.next = 0
	if l.last != 0 {
		fa.node(l.last).next = hd
	} else {
		l.first = hd
	}
	l.last = hd
}

func (l *finList) unlink(fa *finArena, hd finHandle) {
	n := fa.node(hd)
	if n.prev != 0 {
		fa.node(n.prev).next = n.next
	} else {
		l.first = n.next
	}
	if n.next != 0 {
		fa.node(n.next).prev = n.prev
	} else {
		l.last = n.prev
	}
	n.prev, n.next = 0, 0
}

// appendList moves every node of other to the end of l, leaving other
// empty.
func (l *finList) appendList(fa *finArena, other *finList) {
	if other.first == 0 {
		return
	}
	if l.last != 0 {
		fa.node(l.last).next = other.first
		fa.node(other.first).prev = l.last
	} else {
		l.first = other.first
	}
	l.last = other.last
	other.first, other.last = 0, 0
}

// finHandleOf reads the handle stored in a finalizable object's second
// header word.
func finHandleOf(untagged uintptr) finHandle {
	return finHandle(wordAt(untagged + wordSize))
}

// FinalizableInitialize registers a finalizable object right after
// allocation. The word after the type code is overwritten with the
// finalization handle and must be left alone by the embedder from then
// on. Must be called before the object can be reached by a collection.
func (a *Heaplet) FinalizableInitialize(untagged unsafe.Pointer) {
	addr := uintptr(untagged)
	fa := a.heap.fin
	hd := fa.alloc()
	n := fa.node(hd)
	n.object = addr
	n.needRun = true
	setWordAt(addr+wordSize, TaggedObject(hd))
	s := blockOf(addr).space
	s.finalizables.linkLast(fa, hd)
	a.log.Tracef("finalizable %#x registered in %s, handle %d", addr, s.name, hd)
}

// FinalizableCopy rebinds the finalization node of an object being
// copied. Shape Copy callbacks of finalizable shapes call it after
// copying the payload and before returning: the survivor leaves the
// candidate-dead list and joins the at-rest list of the space it was
// copied into.
func (a *Heaplet) FinalizableCopy(from, to unsafe.Pointer) {
	fa := a.heap.fin
	hd := finHandleOf(uintptr(to))
	n := fa.node(hd)
	if a.debug && n.object != uintptr(from) {
		fatalf("finalization handle %d bound to %#x, copied from %#x",
			hd, n.object, uintptr(from))
	}
	a.candidateDead.unlink(fa, hd)
	n.object = uintptr(to)
	dst := blockOf(uintptr(to)).space
	dst.finalizables.linkLast(fa, hd)
	a.log.Tracef("finalizable %#x survives into %s", uintptr(to), dst.name)
}

// SetToBeFinalized arms or disarms the object's finalizer. New
// finalizable objects start armed; a disarmed object is still tracked
// and its node reclaimed when it dies, but its Finalize callback is
// not run.
func (a *Heaplet) SetToBeFinalized(untagged unsafe.Pointer, need bool) {
	a.heap.fin.node(finHandleOf(uintptr(untagged))).needRun = need
}

// joinFromspaceFinalizables moves the at-rest finalizables of every
// fromspace onto the candidate-dead list. Must run before any object is
// copied: from then on FinalizableCopy relinks each survivor from
// candidate-dead back to a space list, and whatever remains at
// finalization time is provably dead.
func (a *Heaplet) joinFromspaceFinalizables() {
	fa := a.heap.fin
	for _, s := range a.allSpaces {
		if s.destinationSpace == nil || s.finalizables.empty() {
			continue
		}
		a.log.Logf(6, "  joining %d finalizables from %s",
			s.finalizables.length(fa), s.name)
		a.candidateDead.appendList(fa, &s.finalizables)
	}
}

// handleFinalization finalizes the provably dead finalizable objects,
// near the end of a collection and after scavenging. Returns how many
// finalizers ran.
func (a *Heaplet) handleFinalization() int {
	if a.candidateDead.empty() {
		a.log.Logf(6, "  no dead finalizable objects")
		return 0
	}
	if !a.heap.shapes.hasCompleteObjectFinalizable() {
		return a.finalizeDeadQuick()
	}
	return a.finalizeDeadAny()
}

// finalizeDeadQuick runs when every finalizable shape is quickly
// finalizable: dead objects are finalized as they lie in fromspace,
// fields untraced.
func (a *Heaplet) finalizeDeadQuick() int {
	st := a.heap.shapes
	fa := a.heap.fin
	finalized := 0
	hd := a.candidateDead.first
	for hd != 0 {
		n := fa.node(hd)
		next := n.next
		addr := n.object
		first := wordAt(addr)
		if a.debug && first == st.brokenHeartCode {
			fatalf("dead quickly-finalizable at %#x is a broken heart", addr)
		}
		shape := st.findQuicklyFinalizable(first)
		if shape == nil {
			fatalf("no quickly-finalizable shape matches first word %#x at %#x",
				uintptr(first), addr)
		}
		if n.needRun {
			a.log.Tracef("finalize %s at %#x", shape.Name, addr)
			shape.Finalize(a.heap, a, unsafe.Pointer(addr))
			finalized++
		}
		a.candidateDead.unlink(fa, hd)
		fa.free(hd)
		hd = next
	}
	a.log.Logf(6, "  finalized %d quickly-finalizable objects", finalized)
	return finalized
}

// finalizeDeadAny runs when at least one complete-object finalizable
// shape exists. Every object reachable from the dead set is scavenged
// first so finalizers see consistent fields; objects reached this way
// survive the collection.
func (a *Heaplet) finalizeDeadAny() int {
	st := a.heap.shapes
	fa := a.heap.fin

	// Tracing fields relinks surviving nodes in ways a live list walk
	// cannot tolerate. Snapshot the candidate addresses first.
	candidates := make([]uintptr, 0, a.candidateDead.length(fa))
	for hd := a.candidateDead.first; hd != 0; hd = fa.node(hd).next {
		candidates = append(candidates, fa.node(hd).object)
	}

	a.log.Logf(6, "  updating fields of %d dead finalizable objects",
		len(candidates))
	for _, addr := range candidates {
		first := wordAt(addr)
		if first == st.brokenHeartCode {
			// Already reached from an earlier candidate and copied.
			continue
		}
		shape := st.findFinalizable(first)
		if shape == nil {
			fatalf("no finalizable shape matches first word %#x at %#x",
				uintptr(first), addr)
		}
		shape.UpdateFields(a, unsafe.Pointer(addr))
	}

	// Complete the transitive copy. This is what resurrects objects
	// reachable from the dead set.
	a.scavenge()

	finalized := 0
	for !a.candidateDead.empty() {
		hd := a.candidateDead.first
		n := fa.node(hd)
		addr := n.object
		first := wordAt(addr)
		if a.debug && first == st.brokenHeartCode {
			fatalf("broken heart on the dead finalizable list at %#x", addr)
		}
		shape := st.findFinalizable(first)
		if shape == nil {
			fatalf("no finalizable shape matches first word %#x at %#x",
				uintptr(first), addr)
		}
		if n.needRun {
			a.log.Tracef("finalize %s at %#x", shape.Name, addr)
			shape.Finalize(a.heap, a, unsafe.Pointer(addr))
			finalized++
		}
		a.candidateDead.unlink(fa, hd)
		fa.free(hd)
	}
	a.log.Logf(6, "  finalized %d of %d initially dead finalizable objects",
		finalized, len(candidates))
	return finalized
}

// finalizeAllInSpace finalizes every at-rest finalizable of a space
// without collecting, assuming no broken hearts. Used at teardown; the
// heaplet is nil when the space belongs to the heap. Each node is
// unlinked before its finalizer runs since finalizers may register or
// disarm other finalizables.
func finalizeAllInSpace(st *ShapeTable, fa *finArena, h *Heap, a *Heaplet, s *space) int {
	finalized := 0
	for !s.finalizables.empty() {
		hd := s.finalizables.first
		n := fa.node(hd)
		addr := n.object
		s.finalizables.unlink(fa, hd)
		first := wordAt(addr)
		shape := st.findFinalizable(first)
		if shape == nil {
			fatalf("no finalizable shape matches first word %#x at %#x",
				uintptr(first), addr)
		}
		if n.needRun {
			shape.Finalize(h, a, unsafe.Pointer(addr))
			finalized++
		}
		fa.free(hd)
	}
	return finalized
}
