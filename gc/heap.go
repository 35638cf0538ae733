package gc

import (
	"sync"
	"sync/atomic"
	"time"
)

// heapletState is a heaplet's position in the global rendezvous
// protocol, guarded by the heap mutex.
type heapletState int8

const (
	heapletInvalid heapletState = iota

	// The mutator runs and may touch the heaplet at any time.
	heapletInUse

	// The mutator is parked inside the collector until a global
	// collection finishes.
	heapletToBeWokenUp

	// The mutator is away in embedder code between BeforeBlocking and
	// AfterBlocking. The collector works on the heaplet in absentia
	// and never wakes it.
	heapletNotToBeWokenUp

	// The heaplet's mutator is the one running the global collection.
	heapletCollecting
)

func (s heapletState) String() string {
	switch s {
	case heapletInvalid:
		return "invalid"
	case heapletInUse:
		return "in-use"
	case heapletToBeWokenUp:
		return "to-be-woken-up"
	case heapletNotToBeWokenUp:
		return "not-to-be-woken-up"
	case heapletCollecting:
		return "collecting"
	default:
		return "unknown"
	}
}

// Pending-request values for Heap.request.
const (
	requestNone int32 = iota
	requestGlobal
)

// A Heap is what a family of heaplets has in common: the shape table,
// the configuration, the shared generation, a reserve of pooled blocks
// and the rendezvous state for global collections. A single heap can
// serve any number of heaplets, each driven by its own goroutine.
//
// mu guards the heaplet lists, the shared space and the rendezvous
// state; a heaplet's cond uses mu as its locker. The block reserve has
// its own short-lived lock so that block procurement inside a running
// collection never deadlocks against the rendezvous, which holds mu
// for the whole global collection. request is also read without any
// lock on the safe-point fast path.
type Heap struct {
	shapes *ShapeTable
	conf   Config
	log    *Logger
	fin    *finArena

	request   atomic.Int32
	heapletNo atomic.Uint64

	mu               sync.Mutex
	heapletsInUse    []*Heaplet
	heapletsNotInUse []*Heaplet
	shared           *space

	// Totals carried over from destroyed heaplets, so that heap-wide
	// accounting survives heaplet turnover.
	destroyedNo           uint64
	destroyedCollectionNo uint64
	destroyedTime         time.Duration
	destroyedAllocated    float64
	destroyedFinalizedNo  uint64

	reserveMu sync.Mutex
	unused    *space
}

// NewHeap creates a heap for objects described by st. cfg may be nil
// for the default configuration adjusted by the POKEGC environment
// variable; the heap keeps a copy, so later changes to cfg have no
// effect. lg may be nil for a standard-error logger at the configured
// verbosity.
func NewHeap(st *ShapeTable, cfg *Config, lg *Logger) *Heap {
	if cfg == nil {
		cfg = DefaultConfig()
		if err := cfg.ApplyEnvDefault(); err != nil {
			fatalf("POKEGC: %v", err)
		}
	}
	if err := cfg.Validate(); err != nil {
		fatalf("heap configuration: %v", err)
	}
	if lg == nil {
		lg = DefaultLogger(cfg.Verbosity)
	}
	h := &Heap{
		shapes: st,
		conf:   *cfg,
		log:    lg,
		fin:    newFinArena(),
		shared: newSpace("shared-heap", GenerationShared),
		unused: newSpace("unused-heap", GenerationUnused),
	}
	lg.Logf(2, "heap: create")
	return h
}

// Destroy finalizes every finalizable shared object and releases the
// heap's memory. All heaplets must have been destroyed first. Shared
// objects die with the heap, reachable or not, so their finalizers run
// without any proof of unreachability.
func (h *Heap) Destroy() {
	h.log.Logf(2, "heap: destroy")
	if n := len(h.heapletsInUse); n != 0 {
		fatalf("heap destroyed with %d heaplets still in use", n)
	}
	if n := len(h.heapletsNotInUse); n != 0 {
		fatalf("heap destroyed with %d heaplets not in use", n)
	}

	n := finalizeAllInSpace(h.shapes, h.fin, h, nil, h.shared)
	if n != 0 {
		h.log.Logf(4, "heap: finalized %d shared objects at destruction", n)
	}
	if h.destroyedNo != 0 {
		h.log.Logf(2, "heap: %d destroyed heaplets ran %d collections in %v,"+
			" allocated %s, finalized %d objects",
			h.destroyedNo, h.destroyedCollectionNo,
			h.destroyedTime.Round(time.Millisecond),
			size(h.destroyedAllocated), h.destroyedFinalizedNo)
	}

	for _, s := range []*space{h.shared, h.unused} {
		for b := s.blocks.popFirst(); b != nil; b = s.blocks.popFirst() {
			unmapBlock(b)
		}
		s.destroy()
	}
}

// ShapeTable returns the table the heap was created with.
func (h *Heap) ShapeTable() *ShapeTable { return h.shapes }

// Config returns a copy of the heap's configuration.
func (h *Heap) Config() Config { return h.conf }

// foldDestroyedStats accumulates a dying heaplet's totals. Called with
// mu held.
func (h *Heap) foldDestroyedStats(st *heapletStats) {
	h.destroyedNo++
	for k := KindMinor; k <= KindShare; k++ {
		h.destroyedCollectionNo += st.collectionNo[k]
		h.destroyedTime += st.collectionTime[k]
	}
	h.destroyedAllocated += st.totalAllocated
	h.destroyedFinalizedNo += st.finalizedNo
}

// unlinkInUse removes a from the in-use list. Called with mu held.
func (h *Heap) unlinkInUse(a *Heaplet) {
	for i, x := range h.heapletsInUse {
		if x == a {
			h.heapletsInUse = append(h.heapletsInUse[:i],
				h.heapletsInUse[i+1:]...)
			return
		}
	}
	fatalf("%s: not in the in-use list", a.name)
}

// unlinkNotInUse removes a from the not-in-use list. Called with mu
// held.
func (h *Heap) unlinkNotInUse(a *Heaplet) {
	for i, x := range h.heapletsNotInUse {
		if x == a {
			h.heapletsNotInUse = append(h.heapletsNotInUse[:i],
				h.heapletsNotInUse[i+1:]...)
			return
		}
	}
	fatalf("%s: not in the not-in-use list", a.name)
}

// takeReserveBlock pops one pooled block from the heap reserve, or
// returns nil when the reserve is empty.
func (h *Heap) takeReserveBlock() *block {
	h.reserveMu.Lock()
	b := h.unused.blocks.popFirst()
	if b != nil {
		h.unused.allocatedBytes -= blockPayloadSize
	}
	h.reserveMu.Unlock()
	return b
}

// addReserveBlocks donates n pooled blocks to the heap reserve. Blocks
// beyond the configured retention are unmapped, outside the lock.
func (h *Heap) addReserveBlocks(l *blockList, n int) {
	for b := l.first; b != nil; b = b.next {
		b.space = h.unused
	}
	var excess blockList
	h.reserveMu.Lock()
	h.unused.blocks.append(l)
	h.unused.allocatedBytes += uintptr(n) * blockPayloadSize
	keep := uintptr(h.conf.UnusedBlockRetention) * blockPayloadSize
	for h.unused.allocatedBytes > keep {
		b := h.unused.blocks.last
		if b == nil {
			break
		}
		h.unused.blocks.unlink(b)
		h.unused.allocatedBytes -= blockPayloadSize
		excess.linkLast(b)
	}
	h.reserveMu.Unlock()
	for b := excess.popFirst(); b != nil; b = excess.popFirst() {
		unmapBlock(b)
	}
}

// globalGCIfNeededAndUnlock is the heart of the rendezvous protocol.
// Called with mu held; returns with mu released. thisA is the calling
// mutator's heaplet, already linked into the list matching its state,
// or nil when the caller has just destroyed its heaplet.
//
// With a global collection pending, a registered caller either parks
// until the collection is over or, if it is the last registered
// mutator to arrive, becomes the collector: it collects every heaplet,
// its own included, then wakes the parked mutators. A deregistered
// caller never parks; its heaplet is collected in absentia.
func (h *Heap) globalGCIfNeededAndUnlock(thisA *Heaplet) {
	if thisA != nil &&
		thisA.usedState != heapletInUse &&
		thisA.usedState != heapletNotToBeWokenUp {
		fatalf("%s: rendezvous entered in state %s", thisA.name,
			thisA.usedState)
	}

	switch h.request.Load() {
	case requestNone:
		h.mu.Unlock()
		return
	case requestGlobal:
	default:
		fatalf("unexpected pending request %d", h.request.Load())
	}

	originalState := heapletInvalid
	if thisA != nil {
		originalState = thisA.usedState
		if originalState == heapletInUse {
			h.unlinkInUse(thisA)
			h.heapletsNotInUse = append(h.heapletsNotInUse, thisA)
		}
		if len(h.heapletsInUse) != 0 {
			if originalState != heapletInUse {
				// Already deregistered; the last registered mutator to
				// arrive collects this heaplet in absentia.
				h.mu.Unlock()
				return
			}
			// Park until the collection is over. The collector moves
			// the heaplet back to the in-use list before waking it.
			thisA.usedState = heapletToBeWokenUp
			h.log.Logf(4, "%s: parked for a global collection", thisA.name)
			for thisA.usedState == heapletToBeWokenUp {
				thisA.cond.Wait()
			}
			h.log.Logf(4, "%s: woken after the global collection", thisA.name)
			h.mu.Unlock()
			return
		}
		thisA.usedState = heapletCollecting
	} else if len(h.heapletsInUse) != 0 {
		// The destroyed heaplet was not the last registered one; the
		// request stays pending for the others.
		h.mu.Unlock()
		return
	}

	// Every mutator is parked or away in embedder code. This goroutine
	// collects all heaplets by itself, holding mu throughout.
	h.log.bannerf(colorYellow, 2, "=== global collection over %d heaplets ===",
		len(h.heapletsNotInUse))
	for _, some := range h.heapletsNotInUse {
		// A parked mutator cannot drain its own store buffer.
		some.FlushSSB()
		some.collect(KindGlobal)
	}

	// Wake pass. Heaplets move between lists as they wake, so walk a
	// snapshot.
	notInUse := append([]*Heaplet(nil), h.heapletsNotInUse...)
	for _, some := range notInUse {
		switch some.usedState {
		case heapletToBeWokenUp:
			h.unlinkNotInUse(some)
			h.heapletsInUse = append(h.heapletsInUse, some)
			some.usedState = heapletInUse
			some.cond.Signal()
		case heapletNotToBeWokenUp:
			// Away in embedder code; it re-registers via AfterBlocking.
		case heapletCollecting:
			if some != thisA {
				fatalf("%s: collecting but not the collector", some.name)
			}
			if originalState == heapletInUse {
				h.unlinkNotInUse(some)
				h.heapletsInUse = append(h.heapletsInUse, some)
			}
			some.usedState = originalState
		default:
			fatalf("%s: state %s after a global collection", some.name,
				some.usedState)
		}
	}
	h.request.Store(requestNone)
	h.log.Logf(2, "global collection ended")
	h.mu.Unlock()
}

// RequestGlobalCollection asks for a collection of every heaplet on
// the heap and takes part in it. The calling goroutine must be a's
// mutator. The collection happens once every registered mutator
// reaches a rendezvous point: an allocation slow path, an explicit
// collection, a safe point, BeforeBlocking or AfterBlocking.
func (h *Heap) RequestGlobalCollection(a *Heaplet) {
	a.assertRuntimeFieldsOwned()
	a.FlushSSB()
	h.log.Logf(2, "%s: requesting a global collection", a.name)
	h.mu.Lock()
	h.request.Store(requestGlobal)
	h.globalGCIfNeededAndUnlock(a)
}

// SafePoint gives a pending global collection the chance to run. A
// mutator that neither allocates nor blocks for long stretches must
// call it periodically; with no request pending it costs one atomic
// load.
func (a *Heaplet) SafePoint() {
	h := a.heap
	if h.request.Load() == requestNone {
		return
	}
	a.assertRuntimeFieldsOwned()
	a.FlushSSB()
	h.mu.Lock()
	h.globalGCIfNeededAndUnlock(a)
}

// BeforeBlocking deregisters the heaplet from the rendezvous protocol
// while its mutator blocks outside the collector, in a system call or
// on a channel. A deregistered heaplet never holds up a global
// collection: the collector works on it in absentia and does not wake
// anybody. The mutator must not touch the heaplet again until
// AfterBlocking.
func (a *Heaplet) BeforeBlocking() {
	a.assertRuntimeFieldsOwned()
	a.FlushSSB()
	h := a.heap
	h.log.Logf(4, "%s: deregistering to block in embedder code", a.name)
	h.mu.Lock()
	if a.usedState != heapletInUse {
		fatalf("%s: not in use before blocking", a.name)
	}
	h.unlinkInUse(a)
	h.heapletsNotInUse = append(h.heapletsNotInUse, a)
	a.usedState = heapletNotToBeWokenUp
	h.globalGCIfNeededAndUnlock(a)
}

// AfterBlocking re-registers the heaplet after BeforeBlocking. If a
// global collection is pending, the heaplet takes part in it before
// the mutator resumes.
func (a *Heaplet) AfterBlocking() {
	h := a.heap
	h.log.Logf(4, "%s: re-registering after embedder code", a.name)
	h.mu.Lock()
	switch a.usedState {
	case heapletNotToBeWokenUp:
	case heapletInUse:
		fatalf("%s: already in use after blocking", a.name)
	default:
		fatalf("%s: in state %s after blocking", a.name, a.usedState)
	}
	h.unlinkNotInUse(a)
	h.heapletsInUse = append(h.heapletsInUse, a)
	a.usedState = heapletInUse
	h.globalGCIfNeededAndUnlock(a)
}
