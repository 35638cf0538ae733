package gc

import "unsafe"

// The copying core. handleWord migrates one referenced object out of a
// space being collected, scanNext walks one object already copied into
// a tospace, and scavenge drives both until no finger moves.

// checkNonHeader fatals if a word that should be an object value looks
// like a header type code, which means serious corruption.
func (a *Heaplet) checkNonHeader(p *TaggedObject) {
	if name := a.heap.shapes.isBoxedHeader(*p); name != "" {
		fatalf("%s header %#x found as the value of the word at %#x",
			name, uintptr(*p), uintptr(unsafe.Pointer(p)))
	}
}

// inTospaceOrShared reports whether an untagged address lies in one of
// the current tospaces or in shared memory. Forwarding pointers left by
// an earlier sharing collection refer shared memory rather than a
// tospace of this collection.
func (a *Heaplet) inTospaceOrShared(addr uintptr) bool {
	b := blockOf(addr)
	if b.generation == GenerationShared {
		return true
	}
	for _, t := range a.tospaces {
		if b.space == t {
			return true
		}
	}
	return false
}

// handleWord examines one tagged word. An unboxed word is left alone; a
// reference to an already copied object is redirected through the
// forwarding pointer; a reference into a space with a destination
// copies the object there, leaves a broken heart behind and redirects;
// anything else is not this collection's business.
func (a *Heaplet) handleWord(p *TaggedObject) {
	o := *p
	st := a.heap.shapes
	if a.debug {
		a.checkNonHeader(p)
	}
	if st.isUnboxed(o) {
		return
	}

	addr := untag(o)
	if wordAt(addr) == st.brokenHeartCode {
		// The copy's tagged address sits right after the broken-heart
		// header, possibly with a different tag: Copy may change the
		// object's shape.
		destination := wordAt(addr + wordSize)
		if a.debug && !a.inTospaceOrShared(untag(destination)) {
			fatalf("pointer %#x following the broken heart at %#x refers %s "+
				"instead of a tospace", uintptr(destination), addr,
				blockOf(untag(destination)).space.name)
		}
		a.log.Tracef("%#x: follow broken heart to %#x",
			uintptr(unsafe.Pointer(p)), uintptr(destination))
		*p = destination
		return
	}

	sourceSpace := blockOf(addr).space
	destinationSpace := sourceSpace.destinationSpace
	if destinationSpace == nil {
		// Not being collected from. This is how young-to-old references
		// survive minor collections untouched.
		return
	}

	sourceSpace.scavengedFrom = true
	for _, shape := range st.shapes {
		if !shape.HasShape(o) {
			continue
		}
		oldSize := shape.SizeInBytes(o)
		newAddr := a.allocateFrom(destinationSpace, oldSize)
		newTagged, newSize := shape.Copy(a, unsafe.Pointer(addr),
			unsafe.Pointer(newAddr))
		if newSize != oldSize {
			if a.debug && newSize > oldSize {
				fatalf("a %s grew from %d to %d bytes at copy",
					shape.Name, oldSize, newSize)
			}
			// The copy shrank: give back the tail. This never crosses a
			// block boundary.
			destinationSpace.allocationPointer -= oldSize - newSize
		}
		setWordAt(addr, st.brokenHeartCode)
		setWordAt(addr+wordSize, newTagged)
		a.log.Tracef("%#x: move %s from %s to %s",
			uintptr(unsafe.Pointer(p)), shape.Name, sourceSpace.name,
			destinationSpace.name)
		*p = newTagged
		return
	}

	fatalf("invalid object %#x at %#x: no shape matches",
		uintptr(o), uintptr(unsafe.Pointer(p)))
}

// HandleFieldPointer migrates the object referred by one field word and
// redirects the word. UpdateFields callbacks call this on the address
// of each tagged field of the object being scanned.
func (a *Heaplet) HandleFieldPointer(p *TaggedObject) {
	a.handleWord(p)
}

// scanNext scans one object at the scan pointer of a tospace, advancing
// the pointer past it. A first word matching a headerful shape hands
// the whole object to its UpdateFields; any other word belongs to a
// headerless object and is handled a granule at a time.
func (a *Heaplet) scanNext(s *space) {
	// The allocation block keeps usedLimit zero precisely so that this
	// one compare covers the block-change test without also comparing
	// against the allocation block itself.
	if a.debug && s.scanBlock == s.allocationBlock && s.scanBlock.usedLimit != 0 {
		fatalf("used limit %#x in the allocation block of %s instead of zero",
			s.scanBlock.usedLimit, s.name)
	}
	if s.scanPointer == s.scanBlock.usedLimit {
		s.changeScanBlock()
	}

	addr := s.scanPointer
	first := wordAt(addr)
	st := a.heap.shapes
	if a.debug && first == st.brokenHeartCode {
		fatalf("broken heart type code at %#x while scanning %s", addr, s.name)
	}

	if shape := st.findHeaderful(first); shape != nil {
		s.scanPointer += shape.UpdateFields(a, unsafe.Pointer(addr))
		return
	}

	if a.debug {
		// One word at a time, so every word gets the consistency
		// checks.
		a.handleWord((*TaggedObject)(unsafe.Pointer(addr)))
		s.scanPointer += wordSize
		return
	}
	// A headerless object's length is unknown but always a multiple of
	// the allocation granule; handling a whole granule per call skips
	// the header checks on every word but the first.
	for i := uintptr(0); i < minObjectWords; i++ {
		a.handleWord((*TaggedObject)(unsafe.Pointer(addr + i*wordSize)))
	}
	s.scanPointer += minObjectSize
}

// scavenge runs the copying loop to completion. The scan pointer is
// Cheney's left finger and the allocation pointer the right one; with
// several tospaces the loop keeps passing over all of them for as long
// as any finger moves, since scanning one space can copy objects into
// another.
func (a *Heaplet) scavenge() {
	for {
		fingerMoved := false
		for _, s := range a.tospaces {
			// Draining one space completely before moving on keeps
			// locality better than strict round-robin.
			for s.scanPointer != s.allocationPointer {
				a.scanNext(s)
				fingerMoved = true
			}
		}
		if !fingerMoved {
			return
		}
	}
}
