package gc

// A space is an ordered collection of blocks belonging to one generation.
// Spaces segregate objects by age; each object belongs to exactly one
// space and therefore exactly one generation. The only fields touched by
// the mutator's allocation fast path are allocationPointer and limit; the
// rest is collection-time state.
type space struct {
	generation Generation

	// scavengedFrom records whether at least one object was copied out
	// of this space during the current collection. Cleared at setup,
	// set by the scavenger; sharing uses it to decide what follow-up
	// collection repairs the broken hearts it leaves behind.
	scavengedFrom bool

	// Runtime fields. The limit pointer doubles as the top of the
	// write-barrier SSB in the nursery.
	allocationPointer uintptr
	limit             uintptr

	// Collection-time scan cursor.
	scanPointer uintptr
	scanBlock   *block

	// destinationSpace is where live objects from this space are copied
	// during the current collection, or nil when the space is not
	// scavenged from.
	destinationSpace *space

	blocks          blockList
	allocationBlock *block

	// allocatedBytes counts payload capacity. usedBytes counts object
	// bytes in retired blocks only; the live tail of the allocation
	// block is added lazily by usedSize.
	allocatedBytes uintptr
	usedBytes      uintptr

	cleanCompletelyBefore bool
	cleanCompletelyAfter  bool

	// At-rest list of finalizable objects residing in this space.
	finalizables finList

	name string
}

func (s *space) initialize(name string, g Generation) {
	*s = space{name: name, generation: g}
}

// usedSize returns the number of object bytes in the space, including
// the live tail of the current allocation block.
func (s *space) usedSize() uintptr {
	used := s.usedBytes
	if s.allocationBlock != nil {
		used += s.allocationPointer - s.allocationBlock.payload()
	}
	return used
}

func (s *space) allocatedSize() uintptr {
	return s.allocatedBytes
}

// appendBlock makes b the space's current allocation block. The previous
// allocation block, if any, is retired: its used limit is recorded and
// its object bytes enter the used count.
func (s *space) appendBlock(b *block) {
	if old := s.allocationBlock; old != nil {
		old.usedLimit = s.allocationPointer
		s.usedBytes += s.allocationPointer - old.payload()
	}
	s.blocks.linkLast(b)
	b.space = s
	b.generation = s.generation
	b.usedLimit = 0
	s.allocationBlock = b
	s.allocationPointer = b.payload()
	s.limit = b.limit()
	s.allocatedBytes += blockPayloadSize
}

// resetForScanning points the scan cursor at the current allocation
// frontier, so that only objects copied in from now on are scanned. The
// allocation block's used limit is cleared to keep the scanner's
// block-change test a single comparison.
func (s *space) resetForScanning() {
	s.scanBlock = s.allocationBlock
	s.scanPointer = s.allocationPointer
	if s.allocationBlock != nil {
		s.allocationBlock.usedLimit = 0
	}
}

// changeScanBlock advances the scan cursor to the next block.
func (s *space) changeScanBlock() {
	next := s.scanBlock.next
	if next == nil {
		fatalf("scan past the last block of %s", s.name)
	}
	s.scanBlock = next
	s.scanPointer = next.payload()
}

// moveAllBlocksTo transfers every block, the aggregated byte counts and
// the at-rest finalizable list from s to dst in constant time (unless a
// per-block flag forces a walk). The work is split in three parts so
// that callers moving blocks into a heap-owned space can hold the heap
// lock only around part 2.
func (s *space) moveAllBlocksTo(dst *space, setSpace, setGeneration, clear bool, invalid TaggedObject, fa *finArena) {
	s.movePart1(dst, setSpace, setGeneration, clear, invalid)
	s.movePart2(dst, fa)
	s.movePart3(dst)
}

// movePart1 prepares the source blocks without touching dst. Requires no
// synchronization.
func (s *space) movePart1(dst *space, setSpace, setGeneration, clear bool, invalid TaggedObject) {
	if s == dst {
		fatalf("moving blocks from %s to itself", s.name)
	}
	// Materialize the allocation-block tail into the used count now;
	// part 2 detaches the blocks and loses track of which one was the
	// allocation block.
	s.usedBytes = s.usedSize()
	if s.allocationBlock != nil {
		s.allocationBlock.usedLimit = s.allocationPointer
	}

	if !setSpace && !setGeneration && !clear {
		return
	}
	g := dst.generation
	for b := s.blocks.first; b != nil; b = b.next {
		if setSpace {
			b.space = dst
		}
		if setGeneration {
			b.generation = g
		}
		if clear {
			b.fill(invalid)
		}
	}
}

// movePart2 splices the prepared blocks onto dst. When dst is heap-owned
// this is the only part that must run under the heap lock. Moves into an
// unused-generation space drop the used count (the contents are dead)
// and must not carry finalizables.
func (s *space) movePart2(dst *space, fa *finArena) {
	toUnused := dst.generation == GenerationUnused
	dst.blocks.append(&s.blocks)
	dst.allocatedBytes += s.allocatedBytes
	if !toUnused {
		dst.usedBytes += s.usedBytes
		dst.finalizables.appendList(fa, &s.finalizables)
	}
}

// movePart3 resets the now-empty source. Requires no synchronization.
// Skipped when the source space is being destroyed.
func (s *space) movePart3(dst *space) {
	if dst.generation == GenerationUnused && !s.finalizables.empty() {
		fatalf("finalizable objects in %s while moving its blocks to %s",
			s.name, dst.name)
	}
	s.allocatedBytes = 0
	s.usedBytes = 0
	s.allocationBlock = nil
	s.allocationPointer = 0
	s.limit = 0
	s.scanBlock = nil
	s.finalizables = finList{}
}

func (s *space) destroy() {
	if !s.finalizables.empty() {
		fatalf("destroying %s with finalizable objects still linked", s.name)
	}
	if !s.blocks.empty() {
		fatalf("destroying %s with blocks still linked", s.name)
	}
}
