package gc

import (
	"unsafe"

	"github.com/GitMirroring/poke-sub000/internal/wordset"
)

// CollectionKind distinguishes the collections a heaplet can run, plus
// the pseudo-kind identifying store-buffer flushes in hooks and
// statistics.
type CollectionKind int

const (
	// KindSSBFlush is not a collection. It is passed to SSB flush
	// hooks and indexes flush time in the per-kind statistics.
	KindSSBFlush CollectionKind = iota

	// KindMinor copies the live part of the young generation one step
	// onward, promoting the oldest step into oldspace.
	KindMinor

	// KindMajor is a minor collection that also copies the live part
	// of oldspace.
	KindMajor

	// KindGlobal is a major collection run on every heaplet of the
	// heap during a global rendezvous, the only occasion on which
	// dead shared objects stop keeping private objects alive.
	KindGlobal

	// KindShare moves one object and everything it reaches into the
	// shared generation, ignoring liveness entirely.
	KindShare

	kindNo = int(KindShare) + 1
)

func (k CollectionKind) String() string {
	switch k {
	case KindSSBFlush:
		return "ssb-flush"
	case KindMinor:
		return "minor"
	case KindMajor:
		return "major"
	case KindGlobal:
		return "global"
	case KindShare:
		return "share"
	}
	return "invalid"
}

func kindColor(k CollectionKind) string {
	switch k {
	case KindMinor:
		return colorCyan
	case KindMajor:
		return colorMagenta
	case KindGlobal:
		return colorYellow
	case KindShare:
		return colorGreen
	}
	return colorReset
}

// action tells the allocation slow path what to do. The default leaves
// the choice to the heuristics; every other action is a demand.
type action int

const (
	actionDefault action = iota
	actionBlockChange
	actionForceMinor
	actionForceMajor
	actionForceEither
	actionForceGlobal
	actionShare
)

func (ac action) String() string {
	switch ac {
	case actionDefault:
		return "default"
	case actionBlockChange:
		return "block-change"
	case actionForceMinor:
		return "force-minor"
	case actionForceMajor:
		return "force-major"
	case actionForceEither:
		return "force-either"
	case actionForceGlobal:
		return "force-global"
	case actionShare:
		return "share"
	}
	return "invalid"
}

// mandatoryCollection reports whether ac demands an actual collection,
// as opposed to leaving the decision to the heuristics.
func mandatoryCollection(ac action) bool {
	switch ac {
	case actionForceMinor, actionForceMajor, actionForceEither,
		actionForceGlobal, actionShare:
		return true
	}
	return false
}

// DisableCollection forbids collections until the matching
// EnableCollection; calls nest. While collection is disabled the
// heaplet satisfies allocation by growing the nursery block by block,
// and every operation that cannot proceed without collecting, such as
// an explicit collection request or a share, becomes fatal.
func (a *Heaplet) DisableCollection() {
	a.collectionDisabled++
}

// EnableCollection undoes one DisableCollection.
func (a *Heaplet) EnableCollection() {
	if a.collectionDisabled == 0 {
		fatalf("%s: enabling collection, which is not disabled", a.name)
	}
	a.collectionDisabled--
}

func (a *Heaplet) collectionEnabled() bool {
	return a.collectionDisabled == 0
}

// failIfCollectionDisabled aborts when ac demands a collection that
// cannot run right now. Non-mandatory actions degrade instead.
func (a *Heaplet) failIfCollectionDisabled(ac action, context string) {
	if a.collectionDisabled != 0 && mandatoryCollection(ac) {
		fatalf("%s: %s (action %s) while collection is disabled",
			a.name, context, ac)
	}
}

// Collection space set-up.

func (a *Heaplet) addCleanBefore(s *space, completely bool) {
	s.cleanCompletelyBefore = completely
	a.cleanBefore = append(a.cleanBefore, s)
}

func (a *Heaplet) addCleanAfter(s *space, completely bool) {
	s.cleanCompletelyAfter = completely
	a.cleanAfter = append(a.cleanAfter, s)
}

// bindFromTo directs the scavenger to evacuate from into to. Several
// fromspaces may share one tospace; the tospace is registered once. No
// space is ever both a fromspace and a tospace in the same collection.
func (a *Heaplet) bindFromTo(from, to *space) {
	from.destinationSpace = to
	for _, s := range a.tospaces {
		if s == to {
			return
		}
	}
	a.tospaces = append(a.tospaces, to)
}

// setUpSpaces decides, for one collection, which spaces are evacuated
// where, which must hold a block before scanning starts, and which are
// emptied once the survivors have moved out.
func (a *Heaplet) setUpSpaces(kind CollectionKind) {
	a.tospaces = a.tospaces[:0]
	a.cleanBefore = a.cleanBefore[:0]
	a.cleanAfter = a.cleanAfter[:0]
	for _, s := range a.allSpaces {
		s.scavengedFrom = false
		s.destinationSpace = nil
	}

	steps := len(a.ageing)
	if kind != KindShare {
		// The young reserves start empty but are tospaces, so each
		// must retain one block. The nursery is emptied at the end
		// and needs a block back for mutation; the ageing spaces
		// become reserves and may stay completely empty.
		for _, s := range a.reserves {
			a.addCleanBefore(s, false)
		}
		a.addCleanAfter(a.nursery, false)
		for _, s := range a.ageing {
			a.addCleanAfter(s, true)
		}
	}

	switch kind {
	case KindMinor, KindMajor, KindGlobal:
		// Promotion target for the oldest step. A minor collection
		// appends to the live oldspace; the others evacuate oldspace
		// as well, so promotion joins the old survivors in the
		// reserve.
		oldTarget := a.oldspace
		if kind != KindMinor {
			oldTarget = a.oldReserve
		}
		if steps == 0 {
			a.bindFromTo(a.nursery, oldTarget)
		} else {
			a.bindFromTo(a.nursery, a.reserves[0])
			for i := 0; i < steps-1; i++ {
				a.bindFromTo(a.ageing[i], a.reserves[i+1])
			}
			a.bindFromTo(a.ageing[steps-1], oldTarget)
		}
		if kind != KindMinor {
			a.bindFromTo(a.oldspace, a.oldReserve)
			a.addCleanBefore(a.oldReserve, false)
			a.addCleanAfter(a.oldspace, true)
		}

	case KindShare:
		// Everything reachable from the object being shared moves to
		// shared-own, wherever it lives now. The reserves play no
		// part and are only kept empty.
		a.bindFromTo(a.nursery, a.sharedOwn)
		for _, s := range a.ageing {
			a.bindFromTo(s, a.sharedOwn)
		}
		a.bindFromTo(a.oldspace, a.sharedOwn)
		for _, s := range a.reserves {
			a.addCleanBefore(s, true)
		}
		a.addCleanBefore(a.oldReserve, true)

	default:
		fatalf("setting up spaces for collection kind %s", kind)
	}
}

// spaceClean returns every block of s to the heaplet's own unused
// pool in constant time. Unless the space is to be left completely
// empty, one block is procured back and made current for allocation,
// so the space is immediately usable. Debug runs pay for a walk that
// restamps and poisons each block.
func (a *Heaplet) spaceClean(s *space, completely bool) {
	a.log.Logf(6, "    clean %s (completely: %v)", s.name, completely)
	s.moveAllBlocksTo(a.unused, a.debug, a.debug, a.debug,
		a.heap.shapes.invalid, a.heap.fin)
	if !completely {
		a.procureAllocationBlock(s)
	}
}

func (a *Heaplet) cleanSpacesBefore() {
	a.log.Logf(4, "  clean spaces before scavenging:")
	for _, s := range a.cleanBefore {
		a.spaceClean(s, s.cleanCompletelyBefore)
	}
}

func (a *Heaplet) cleanSpacesAfter() {
	a.log.Logf(4, "  clean spaces after scavenging:")
	for _, s := range a.cleanAfter {
		a.spaceClean(s, s.cleanCompletelyAfter)
	}
}

func (a *Heaplet) resetTospacesForScanning() {
	for _, s := range a.tospaces {
		if a.debug && s.allocationBlock == nil {
			fatalf("tospace %s has no allocation block at collection time",
				s.name)
		}
		s.resetForScanning()
	}
}

// flip exchanges the roles of the space pairs once a collection is
// over. The new fromspaces keep their allocation pointers right after
// the last copied object; the new reserves were just emptied.
func (a *Heaplet) flip(kind CollectionKind) {
	if kind != KindShare {
		for i := range a.ageing {
			a.ageing[i], a.reserves[i] = a.reserves[i], a.ageing[i]
		}
	}
	switch kind {
	case KindMinor, KindShare:
	case KindMajor, KindGlobal:
		a.oldspace, a.oldReserve = a.oldReserve, a.oldspace
	default:
		fatalf("flipping spaces for collection kind %s", kind)
	}
}

// Root handling.

func (a *Heaplet) handleGlobalRoots() {
	a.log.Logf(4, "  handle %d global roots:", len(a.globals.roots))
	for _, r := range a.globals.roots {
		a.handleRoot(r)
	}
}

func (a *Heaplet) handleTemporaryRoots(rs *rootStack) {
	a.log.Logf(4, "  handle %d temporary roots:", len(rs.roots))
	for _, r := range rs.roots {
		a.handleRoot(r)
	}
}

// handleInterGenerationalRoots treats each remembered container as a
// root, updating its fields in place. The containers themselves are
// never copied here: only minor collections use the remembered set,
// and minor collections do not move old objects.
func (a *Heaplet) handleInterGenerationalRoots() {
	if a.remembered.Len() == 0 {
		a.log.Logf(4, "  remembered set empty: no inter-generational roots")
		return
	}
	a.log.Logf(4, "  handle %d inter-generational roots:", a.remembered.Len())
	st := a.heap.shapes
	a.remembered.Foreach(func(w uintptr) bool {
		o := TaggedObject(w)
		if a.debug {
			if st.isUnboxed(o) {
				fatalf("the remembered set contains the unboxed object %#x", w)
			}
			if g := blockOf(uintptr(o)).generation; g != GenerationOld {
				fatalf("the remembered set contains %#x, whose generation "+
					"is %s", w, g)
			}
		}
		sh := st.findShape(o)
		if sh == nil {
			fatalf("remembered object %#x matches no shape", w)
		}
		untagged := untag(o)
		if sh.UpdateFields != nil {
			sh.UpdateFields(a, unsafe.Pointer(untagged))
		} else {
			// A headerless container is as small as an object can be;
			// push each of its words.
			for i := uintptr(0); i < minObjectWords; i++ {
				a.handleWord((*TaggedObject)(unsafe.Pointer(untagged + i*wordSize)))
			}
		}
		return true
	})
}

// updateInterGenerationalRoots rebuilds the remembered set after a
// collection that moved old objects. An entry not overwritten by a
// broken heart was dead and is dropped; a forwarded entry re-enters
// the set at its new address. Its fields were already updated when the
// container was copied.
func (a *Heaplet) updateInterGenerationalRoots() {
	if a.remembered.Len() == 0 {
		a.log.Logf(4, "  remembered set empty: nothing to update")
		return
	}
	a.log.Logf(4, "  rebuild the remembered set from %d entries:",
		a.remembered.Len())
	st := a.heap.shapes
	old := a.remembered
	a.remembered = wordset.New()
	old.Foreach(func(w uintptr) bool {
		o := TaggedObject(w)
		if a.debug {
			if st.isUnboxed(o) {
				fatalf("the old remembered set contains the unboxed "+
					"object %#x", w)
			}
			if g := blockOf(uintptr(o)).generation; g != GenerationOld {
				fatalf("the old remembered set contains %#x, whose "+
					"generation is %s", w, g)
			}
		}
		untagged := untag(o)
		if wordAt(untagged) != st.brokenHeartCode {
			a.log.Logf(6, "    container %#x is now dead", w)
			return true
		}
		newRoot := wordAt(untagged + wordSize)
		if blockOf(untag(newRoot)).generation == GenerationShared {
			// A container that moved to the shared generation holds
			// no private pointers: it is not an inter-generational
			// root anymore.
			a.log.Logf(6, "    container %#x is now shared", w)
			return true
		}
		a.log.Logf(6, "    container %#x is now %#x", w, uintptr(newRoot))
		a.addToRememberedSet(newRoot)
		return true
	})
	a.log.Logf(4, "  the new remembered set has %d entries", a.remembered.Len())
}

func (a *Heaplet) handleRootsEnd() {
	if a.debug {
		a.rootWords.Clear()
	}
}

// handleRoots copies everything directly reachable from roots, seeding
// the scavenger. A share has exactly one root, the object being
// shared; it deliberately ignores every other root, since reachability
// plays no part in sharing.
func (a *Heaplet) handleRoots(kind CollectionKind) {
	switch kind {
	case KindShare:
		a.handleTemporaryRoots(&a.objectsBeingShared)
	case KindMinor, KindMajor, KindGlobal:
		a.log.Logf(4, "  run pre-collection hooks:")
		a.preCollection.run(a, kind)
		a.handleGlobalRoots()
		a.handleTemporaryRoots(&a.temporaries)
		if kind == KindMinor {
			a.handleInterGenerationalRoots()
		} else {
			// Old containers are moving too; the remembered set is
			// rebuilt once scavenging is over.
			a.log.Logf(4, "  not using the remembered set as roots")
		}
	default:
		fatalf("handling roots for collection kind %s", kind)
	}
	a.handleRootsEnd()
}

// collect runs one collection of the given kind. On return every
// surviving object has moved to its destination space, the emptied
// spaces have flipped back into service and the heuristic thresholds
// reflect the measured survival.
func (a *Heaplet) collect(kind CollectionKind) {
	a.assertRuntimeFieldsOwned()
	a.log.bannerf(kindColor(kind), 2, "=== %s collection no. %d in %s ===",
		kind, a.stats.collectionNo[kind]+1, a.name)

	initialNursery := a.nursery.usedSize()
	var initialSteps uintptr
	for _, s := range a.ageing {
		initialSteps += s.usedSize()
	}
	initialOldspace := a.oldspace.usedSize()
	initialSharedOwn := a.sharedOwn.usedSize()
	initialUsed := initialNursery + initialSteps + initialOldspace
	a.stats.beginCollection(initialUsed)

	a.setUpSpaces(kind)
	if a.log.enabled(8) {
		for _, s := range a.allSpaces {
			if s.destinationSpace != nil {
				a.log.Tracef("  evacuate %s into %s", s.name,
					s.destinationSpace.name)
			}
		}
	}
	a.cleanSpacesBefore()
	a.resetTospacesForScanning()
	a.joinFromspaceFinalizables()
	initialRemembered := a.remembered.Len()

	a.handleRoots(kind)
	a.scavenge()

	if kind == KindShare {
		a.log.Logf(4, "  nothing dies in a share: no finalization")
	} else {
		a.finalizationTimeBegin()
		for {
			n := a.handleFinalization()
			a.stats.finalizedNo += uint64(n)
			if n == 0 {
				break
			}
			a.log.Logf(4, "  finalization incomplete: run another round")
		}
		a.finalizationTimeEnd()
	}

	switch kind {
	case KindMinor, KindShare:
	case KindMajor, KindGlobal:
		a.updateInterGenerationalRoots()
	default:
		fatalf("collecting with kind %s", kind)
	}

	// Final sizes, measured before flipping: the space roles are still
	// the ones the collection started with.
	var finalSteps uintptr
	for _, s := range a.reserves {
		finalSteps += s.usedSize()
	}
	finalOldspace := a.oldspace.usedSize()
	finalOldReserve := a.oldReserve.usedSize()
	copiedToOldspace := finalOldspace - initialOldspace
	survivedFromNursery := copiedToOldspace
	if len(a.reserves) > 0 {
		survivedFromNursery = a.reserves[0].usedSize()
	}

	a.cleanSpacesAfter()
	a.flip(kind)
	a.updateHeuristics(kind)

	if kind != KindShare {
		a.log.Logf(4, "  run post-collection hooks:")
		a.postCollection.run(a, kind)
	}
	a.postCollectionCleanup(kind)

	var copied, finalUsed uintptr
	switch kind {
	case KindMinor:
		copied = finalSteps + copiedToOldspace
		finalUsed = finalSteps + finalOldspace
		a.stats.totalCopied[KindMinor] += float64(copied)
		a.stats.totalPromoted += float64(copiedToOldspace)
		// An empty nursery survives at ratio 0. Survival drives the
		// resizing heuristics, and an empty space is an under-used
		// space.
		survival := 0.0
		if initialNursery != 0 {
			survival = float64(survivedFromNursery) / float64(initialNursery)
		}
		a.stats.minorSurvival.add(survival)
		a.stats.lastMinorSurvival = survival
		a.stats.totalMinorSurvival += survival
	case KindMajor, KindGlobal:
		copied = finalOldReserve
		finalUsed = finalOldReserve
		a.stats.totalCopied[kind] += float64(copied)
		survival := 0.0
		if initialUsed != 0 {
			survival = float64(finalOldReserve) / float64(initialUsed)
		}
		a.stats.majorSurvival.add(survival)
		a.stats.totalMajorSurvival += survival
	case KindShare:
		// Nothing died; the fromspaces keep their used sizes, with
		// broken hearts standing where the moved objects were.
		copied = a.sharedOwn.usedSize() - initialSharedOwn
		finalUsed = initialUsed
		a.stats.totalCopied[KindShare] += float64(copied)
	}
	a.stats.totalInitialRemembered += float64(initialRemembered)
	a.stats.totalFinalRemembered += float64(a.remembered.Len())

	d := a.stats.endCollection(kind, finalUsed)
	a.log.bannerf(kindColor(kind), 2,
		"=== %s collection in %s: copied %s of %s in %v ===",
		kind, a.name, size(float64(copied)), size(float64(initialUsed)), d)
}

// postCollectionCleanup compacts the temporary root stack and, after a
// major collection, gives memory beyond the working set back.
func (a *Heaplet) postCollectionCleanup(kind CollectionKind) {
	a.temporaries.compact()
	if kind == KindMajor {
		a.freeUnusedMemory()
	}
}

// allocateSlowPath collects or grows the nursery so that the next
// allocation of size bytes is guaranteed to succeed. The store buffer
// must already be flushed. ac is resolved against the heuristics when
// it leaves the choice open; with collection disabled the default
// degrades to appending a nursery block.
func (a *Heaplet) allocateSlowPath(size uintptr, ac action) {
	a.assertRuntimeFieldsOwned()
	a.failIfCollectionDisabled(ac, "allocation slow path")
	if size > blockPayloadSize {
		fatalf("%s: allocating %d B, more than the %d B block payload",
			a.name, size, blockPayloadSize)
	}
	if a.debug && size != roundSizeUp(size) {
		fatalf("%s: slow-path size %d B not a multiple of the %d B "+
			"granularity", a.name, size, minObjectSize)
	}

	resolved := ac
	switch ac {
	case actionDefault:
		switch {
		case !a.collectionEnabled():
			resolved = actionBlockChange
		case a.shouldCollectMajor():
			resolved = actionForceMajor
		case a.shouldCollectMinor():
			resolved = actionForceMinor
		default:
			resolved = actionBlockChange
		}
	case actionForceEither:
		if a.shouldCollectMajor() {
			resolved = actionForceMajor
		} else {
			resolved = actionForceMinor
		}
	}

	a.log.Logf(4, "%s: slow path for %d B: %s", a.name, size, resolved)
	switch resolved {
	case actionBlockChange:
		a.changeAllocationBlock(a.nursery)
	case actionForceMinor:
		a.collect(KindMinor)
	case actionForceMajor:
		a.collect(KindMajor)
	case actionForceGlobal:
		a.heap.RequestGlobalCollection(a)
	default:
		fatalf("%s: unresolved slow-path action %s", a.name, resolved)
	}
}

func (a *Heaplet) explicitCollect(ac action) {
	a.FlushSSB()
	a.allocateSlowPath(0, ac)
}

// CollectMinor runs a minor collection now, regardless of any
// heuristic threshold.
func (a *Heaplet) CollectMinor() { a.explicitCollect(actionForceMinor) }

// CollectMajor runs a major collection now.
func (a *Heaplet) CollectMajor() { a.explicitCollect(actionForceMajor) }

// CollectEither lets the heuristics pick between a minor and a major
// collection, but one of the two runs now.
func (a *Heaplet) CollectEither() { a.explicitCollect(actionForceEither) }

// CollectGlobal requests a global collection over the whole heap. The
// calling heaplet takes part in the rendezvous immediately; the
// request completes once every heaplet has participated.
func (a *Heaplet) CollectGlobal() { a.explicitCollect(actionForceGlobal) }
