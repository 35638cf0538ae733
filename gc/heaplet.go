package gc

import (
	"fmt"
	"sync"
	"time"
	"unsafe"

	"github.com/GitMirroring/poke-sub000/internal/wordset"
)

// A Heaplet is a single-mutator heap: exactly one goroutine allocates
// from it and triggers its collections, with no synchronization on any
// fast path. Heaplets attached to the same Heap communicate only
// through the shared generation, and meet only at global collection
// rendezvous.
type Heaplet struct {
	heap *Heap
	log  *Logger
	conf Config

	// Cached out of conf: both are read on fast paths.
	debug     bool
	expensive bool

	name string

	// Spaces. ageing[i] and reserves[i] exchange roles at every flip,
	// as do oldspace and oldReserve; the space structs themselves
	// never move, since every block points back to its space.
	unused     *space
	nursery    *space
	ageing     []*space
	reserves   []*space
	oldspace   *space
	oldReserve *space
	sharedOwn  *space
	allSpaces  []*space

	// Per-collection wiring, rebuilt by setUpSpaces.
	tospaces    []*space
	cleanBefore []*space
	cleanAfter  []*space

	globals            globalRoots
	temporaries        rootStack
	objectsBeingShared rootStack

	remembered *wordset.Set

	// Finalizable objects of the current fromspaces, parked here while
	// a collection decides their fate.
	candidateDead finList

	preCollection  hookList
	postCollection hookList
	preSSBFlush    hookList
	postSSBFlush   hookList

	nurseryThreshold  uintptr
	oldspaceThreshold uintptr

	stats heapletStats

	collectionDisabled int

	// Global-protocol state, guarded by the heap mutex.
	usedState heapletState
	cond      *sync.Cond

	// Debug-only.
	rootWords          *wordset.Set
	runtimeFieldsOwned bool
}

func newSpace(name string, g Generation) *space {
	s := new(space)
	s.initialize(name, g)
	return s
}

// NewHeaplet creates a heaplet attached to h and registers it as in
// use. The calling goroutine becomes its mutator. If a global
// collection is pending the new heaplet takes part in it before
// returning.
func NewHeaplet(h *Heap) *Heaplet {
	a := &Heaplet{
		heap:       h,
		log:        h.log,
		conf:       h.conf,
		debug:      h.conf.Debug,
		expensive:  h.conf.ExpensiveStatistics,
		name:       fmt.Sprintf("heaplet-%d", h.heapletNo.Add(1)-1),
		remembered: wordset.New(),
	}
	a.log.Logf(2, "%s: create", a.name)

	steps := a.conf.AgeingStepNo
	a.unused = newSpace("unused-own", GenerationUnused)
	a.nursery = newSpace("nursery", GenerationYoung)
	a.ageing = make([]*space, steps)
	a.reserves = make([]*space, steps)
	for i := 0; i < steps; i++ {
		a.ageing[i] = newSpace(fmt.Sprintf("young-a-%d", i), GenerationYoung)
		a.reserves[i] = newSpace(fmt.Sprintf("young-b-%d", i), GenerationYoung)
	}
	a.oldspace = newSpace("old-a", GenerationOld)
	a.oldReserve = newSpace("old-b", GenerationOld)
	a.sharedOwn = newSpace("shared-own", GenerationShared)
	a.allSpaces = append(a.allSpaces, a.unused, a.nursery)
	a.allSpaces = append(a.allSpaces, a.ageing...)
	a.allSpaces = append(a.allSpaces, a.reserves...)
	a.allSpaces = append(a.allSpaces, a.oldspace, a.oldReserve, a.sharedOwn)

	// The spaces allocated into from the very start get their first
	// block now; reserves receive theirs at each collection set-up.
	a.procureAllocationBlock(a.nursery)
	a.procureAllocationBlock(a.oldspace)
	a.procureAllocationBlock(a.sharedOwn)

	a.initializeHeuristics()
	if a.debug {
		a.rootWords = wordset.New()
	}
	a.runtimeFieldsOwned = true
	a.stats.createdAt = time.Now()

	a.cond = sync.NewCond(&h.mu)
	a.usedState = heapletInUse
	h.mu.Lock()
	h.heapletsInUse = append(h.heapletsInUse, a)
	h.globalGCIfNeededAndUnlock(a)
	return a
}

// Destroy finalizes the heaplet's private finalizable objects, donates
// its shared-own blocks to the heap and releases everything else.
// Shared objects the heaplet created live on; every private object is
// dead now, reachable or not, so finalizers run without any proof of
// unreachability.
func (a *Heaplet) Destroy() {
	h := a.heap
	a.log.Logf(2, "%s: destroy", a.name)

	// Donate the shared-own blocks. Only the splice needs the heap
	// lock; the source space dies with the heaplet and is not reset.
	a.sharedOwn.movePart1(h.shared, true, false, false, h.shapes.invalid)
	h.mu.Lock()
	a.sharedOwn.movePart2(h.shared, h.fin)
	switch a.usedState {
	case heapletInUse:
		h.unlinkInUse(a)
	case heapletToBeWokenUp, heapletNotToBeWokenUp:
		h.unlinkNotInUse(a)
	default:
		fatalf("%s: destroyed in state %s", a.name, a.usedState)
	}
	h.foldDestroyedStats(&a.stats)
	// This heaplet may have been the last one a pending global
	// collection was waiting for.
	h.globalGCIfNeededAndUnlock(nil)

	// Finalize private finalizables. No roots are traced and nothing
	// is collected.
	st := h.shapes
	n := finalizeAllInSpace(st, h.fin, h, a, a.nursery)
	for _, s := range a.ageing {
		n += finalizeAllInSpace(st, h.fin, h, a, s)
	}
	n += finalizeAllInSpace(st, h.fin, h, a, a.oldspace)
	if n != 0 {
		a.log.Logf(4, "%s: finalized %d objects at destruction", a.name, n)
	}
	if a.debug {
		if !a.unused.finalizables.empty() {
			fatalf("%s: finalizable objects linked to the unused space",
				a.name)
		}
		for _, s := range a.reserves {
			if !s.finalizables.empty() {
				fatalf("%s: finalizable objects linked to reserve %s",
					a.name, s.name)
			}
		}
		if !a.oldReserve.finalizables.empty() {
			fatalf("%s: finalizable objects linked to %s",
				a.name, a.oldReserve.name)
		}
		if !a.candidateDead.empty() {
			fatalf("%s: candidate-dead finalizables at destruction", a.name)
		}
	}

	for _, s := range a.allSpaces {
		a.releaseBlocks(s)
		s.destroy()
	}
}

// releaseBlocks unmaps every block of s, leaving the space empty.
func (a *Heaplet) releaseBlocks(s *space) {
	for b := s.blocks.popFirst(); b != nil; b = s.blocks.popFirst() {
		unmapBlock(b)
	}
	s.allocationBlock = nil
	s.scanBlock = nil
	s.allocationPointer = 0
	s.limit = 0
	s.allocatedBytes = 0
	s.usedBytes = 0
}

// Heap returns the heap this heaplet belongs to.
func (a *Heaplet) Heap() *Heap { return a.heap }

// ShapeTable returns the heap's shape table.
func (a *Heaplet) ShapeTable() *ShapeTable { return a.heap.shapes }

// Name returns the heaplet's diagnostic name.
func (a *Heaplet) Name() string { return a.name }

func (a *Heaplet) assertRuntimeFieldsOwned() {
	if a.debug && !a.runtimeFieldsOwned {
		fatalf("%s: the embedder holds the runtime fields", a.name)
	}
}

// UpdateRuntimeFields gives the cached nursery allocation pointer and
// limit back to the heaplet, draining the store buffer, and returns the
// restored limit for the embedder to cache anew. Every collector entry
// point requires the heaplet to own its runtime fields.
func (a *Heaplet) UpdateRuntimeFields(ap, limit uintptr) uintptr {
	a.nursery.allocationPointer = ap
	a.nursery.limit = a.ssbFlush0(limit)
	a.runtimeFieldsOwned = true
	return a.nursery.limit
}

// RuntimeFields hands the nursery allocation pointer and limit out to
// the embedder, which owns them until the next UpdateRuntimeFields. An
// embedder keeping these in machine registers bumps ap itself and
// pushes write-barrier entries down from limit, calling back in when
// they meet.
func (a *Heaplet) RuntimeFields() (ap, limit uintptr) {
	ap, limit = a.nursery.allocationPointer, a.nursery.limit
	a.runtimeFieldsOwned = false
	return ap, limit
}

// Allocate returns a fresh uninitialized object of the given size in
// bytes, which must be a positive multiple of the allocation
// granularity and no larger than a block payload. The result is
// untagged and object-aligned. Allocation may collect: objects
// reachable only through naked pointers across a call are lost.
func (a *Heaplet) Allocate(size uintptr) unsafe.Pointer {
	a.assertRuntimeFieldsOwned()
	if a.debug && (size == 0 || size != roundSizeUp(size)) {
		fatalf("%s: allocating %d B, not a positive multiple of %d B",
			a.name, size, minObjectSize)
	}
	n := a.nursery
	res := n.allocationPointer
	if res+size > n.limit {
		// Flushing the store buffer restores the limit to the block
		// end, which may alone make enough room.
		a.FlushSSB()
		if n.allocationPointer+size > n.limit {
			a.allocateSlowPath(size, actionDefault)
		}
		res = n.allocationPointer
		if a.debug && res+size > n.limit {
			fatalf("%s: allocating %d B fails after the slow path",
				a.name, size)
		}
	}
	n.allocationPointer = res + size
	if a.debug {
		for p := res; p < res+size; p += wordSize {
			setWordAt(p, a.heap.shapes.uninitialized)
		}
	}
	return unsafe.Pointer(res)
}

// AllocateWords allocates n words, rounded up to the allocation
// granularity.
func (a *Heaplet) AllocateWords(n int) unsafe.Pointer {
	return a.Allocate(roundSizeUp(uintptr(n) * wordSize))
}

// allocateFrom bump-allocates size bytes in s at collection time,
// appending a block when the current one is full. This never triggers
// another collection.
func (a *Heaplet) allocateFrom(s *space, size uintptr) uintptr {
	if a.debug && size != roundSizeUp(size) {
		fatalf("copying %d B, not a multiple of the %d B granularity",
			size, minObjectSize)
	}
	res := s.allocationPointer
	s.allocationPointer += size
	if s.allocationPointer <= s.limit {
		return res
	}
	s.allocationPointer = res
	a.changeAllocationBlock(s)
	res = s.allocationPointer
	s.allocationPointer += size
	if a.debug && s.allocationPointer > s.limit {
		fatalf("copying %d B into %s fails after a block change",
			size, s.name)
	}
	return res
}

// changeAllocationBlock retires the current allocation block of s and
// makes a fresh one current. The allocation block is always the last
// of its space's list: procuring appends.
func (a *Heaplet) changeAllocationBlock(s *space) {
	if a.debug && s.allocationBlock == nil {
		fatalf("%s has no current allocation block", s.name)
	}
	if b := s.allocationBlock; b != nil && b.next != nil {
		fatalf("the allocation block of %s is not its last block", s.name)
	}
	a.procureAllocationBlock(s)
}

// procureAllocationBlock appends an empty block to s and makes it
// current for allocation. Blocks come from the heaplet's own unused
// pool first, then from the heap's reserve, then from the operating
// system.
func (a *Heaplet) procureAllocationBlock(s *space) {
	b := a.unused.blocks.popFirst()
	if b != nil {
		a.unused.allocatedBytes -= blockPayloadSize
	} else if b = a.heap.takeReserveBlock(); b == nil {
		b = mapAlignedBlock()
		a.log.Logf(6, "    %s: mapped a new block for %s", a.name, s.name)
	}
	if a.debug {
		b.fill(a.heap.shapes.uninitialized)
	}
	s.appendBlock(b)
}

// freeUnusedMemory gives own unused blocks beyond the working set back
// to the heap's reserve. The working set sizes each mutation-time
// space at its threshold: the nursery and both spaces of every young
// step at the nursery threshold, plus the oldspace threshold.
func (a *Heaplet) freeUnusedMemory() {
	workingSet := a.oldspaceThreshold +
		uintptr(1+2*len(a.ageing))*a.nurseryThreshold
	allocated := a.nursery.allocatedSize() +
		a.oldspace.allocatedSize() + a.oldReserve.allocatedSize()
	for _, s := range a.ageing {
		allocated += s.allocatedSize()
	}
	for _, s := range a.reserves {
		allocated += s.allocatedSize()
	}

	var desiredUnused uintptr
	if workingSet > allocated {
		desiredUnused = workingSet - allocated
	}
	pooled := a.unused.allocatedSize()
	if pooled <= desiredUnused {
		return
	}
	toFree := pooled - desiredUnused
	a.log.Logf(4, "  give back %s of pooled blocks", size(float64(toFree)))

	var give blockList
	given := 0
	for toFree >= blockPayloadSize {
		b := a.unused.blocks.last
		if b == nil {
			break
		}
		a.unused.blocks.unlink(b)
		a.unused.allocatedBytes -= blockPayloadSize
		give.linkLast(b)
		toFree -= blockPayloadSize
		given++
	}
	if given != 0 {
		a.heap.addReserveBlocks(&give, given)
	}
}
