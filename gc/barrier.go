package gc

// The write barrier. Every store of a reference into a boxed container
// that can happen between collections must go through WriteBarrier, so
// that old-to-young references are found at the next minor collection
// and stores into shared containers extend the shared closure first.
//
// Recorded containers accumulate in a sequential store buffer sharing
// storage with the nursery allocation block: the buffer grows downward
// from the payload end and the nursery limit is both the allocation
// limit and the buffer top. A full buffer is flushed into the
// remembered set, which filters and dedups.

// recordWrite pushes the updated container onto the store buffer,
// flushing first when the buffer would collide with the allocation
// pointer.
func (a *Heaplet) recordWrite(updated TaggedObject) {
	n := a.nursery
	newLimit := n.limit - wordSize
	if newLimit < n.allocationPointer {
		n.limit = a.ssbFlush1(n.limit, updated)
		return
	}
	n.limit = newLimit
	setWordAt(newLimit, updated)
}

// addToRememberedSet inserts an updated container into the remembered
// set unless it is young. Only the container's address matters here:
// the same slot may be overwritten many times before a flush and the
// set dedups; the slot's eventual content is examined at collection
// time.
func (a *Heaplet) addToRememberedSet(updated TaggedObject) {
	if a.debug {
		if a.heap.shapes.isUnboxed(updated) {
			fatalf("unboxed object %#x recorded by the write barrier",
				uintptr(updated))
		}
		if blockOf(untag(updated)).generation == GenerationShared {
			fatalf("shared object %#x recorded for the remembered set",
				uintptr(updated))
		}
	}
	if blockOf(untag(updated)).generation == GenerationOld {
		if a.remembered.Add(uintptr(updated)) {
			a.log.Tracef("remembered set gains %#x", uintptr(updated))
		}
	}
}

// ssbFlushEntries drains the buffer entries in [limit, payload end)
// into the remembered set, oldest first, and returns the restored
// limit.
func (a *Heaplet) ssbFlushEntries(limit uintptr) uintptr {
	end := a.nursery.allocationBlock.limit()
	entryNo := (end - limit) / wordSize
	a.log.Logf(6, "ssb flush: %d entries", entryNo)
	a.preSSBFlush.run(a, KindSSBFlush)
	for addr := end - wordSize; addr >= limit; addr -= wordSize {
		a.addToRememberedSet(wordAt(addr))
		if a.debug {
			// Poison the drained slot: a stale entry showing up again
			// means an allocation with a bad pointer or limit.
			setWordAt(addr, a.heap.shapes.invalid)
		}
	}
	a.stats.ssbFlushNo++
	a.stats.totalSSBLength += float64(entryNo)
	a.postSSBFlush.run(a, KindSSBFlush)
	return end
}

func (a *Heaplet) ssbFlush0(limit uintptr) uintptr {
	a.ssbFlushTimeBegin()
	restored := a.ssbFlushEntries(limit)
	a.ssbFlushTimeEnd()
	return restored
}

// ssbFlush1 flushes the buffer plus one entry that did not fit,
// considered last to preserve push order.
func (a *Heaplet) ssbFlush1(limit uintptr, extra TaggedObject) uintptr {
	a.ssbFlushTimeBegin()
	restored := a.ssbFlushEntries(limit)
	a.addToRememberedSet(extra)
	a.stats.totalSSBLength++
	a.ssbFlushTimeEnd()
	return restored
}

// FlushSSB drains the store buffer early. The collector flushes on its
// own when the buffer fills and at collection starts; embedders call
// this before parking a heaplet.
func (a *Heaplet) FlushSSB() {
	a.nursery.limit = a.ssbFlush0(a.nursery.limit)
}

// ssbLength returns the number of buffered entries.
func (a *Heaplet) ssbLength() int {
	b := a.nursery.allocationBlock
	if b == nil {
		return 0
	}
	return int((b.limit() - a.nursery.limit) / wordSize)
}

// WriteBarrier stores newPointed into slot, a field of the boxed
// container updated, with the bookkeeping the generations require. A
// store into a shared container may trigger collections that move
// newPointed; the returned pair replaces the caller's copies of both
// objects.
func (a *Heaplet) WriteBarrier(updated TaggedObject, slot *TaggedObject,
	newPointed TaggedObject) (TaggedObject, TaggedObject) {
	if blockOf(untag(updated)).generation == GenerationShared {
		return a.shareBarrier(updated, slot, newPointed)
	}
	*slot = newPointed
	a.recordWrite(updated)
	return updated, newPointed
}

// shareBarrier handles a store into a shared container. Shared objects
// are visible to every heaplet, so whatever they point at must be
// shared too before the store lands.
func (a *Heaplet) shareBarrier(updated TaggedObject, slot *TaggedObject,
	newPointed TaggedObject) (TaggedObject, TaggedObject) {
	a.assertRuntimeFieldsOwned()
	a.failIfCollectionDisabled(actionShare,
		"write barrier, writing to a shared object")
	if a.debug {
		if a.heap.shapes.isUnboxed(updated) {
			fatalf("share barrier: the updated object is unboxed")
		}
	}
	switch g := a.GenerationOf(newPointed); g {
	case GenerationImmortal, GenerationShared:
		// Unboxed or already shared: nothing to extend.
		*slot = newPointed
		return updated, newPointed
	case GenerationYoung, GenerationOld:
		break
	default:
		fatalf("share barrier: pointed object in unexpected generation %s", g)
	}

	height := a.TemporaryRootHeight()
	a.PushTemporaryRoot1(&updated)
	a.shareYoungOrOld(&newPointed)
	a.ResetTemporaryRootHeight(height)
	*slot = newPointed
	return updated, newPointed
}
