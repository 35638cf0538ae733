package gc

import "testing"

func TestBlockHeaderKeepsObjectAlignment(t *testing.T) {
	if blockHeaderSize%minObjectSize != 0 {
		t.Errorf("block header of %d B breaks the %d B granularity",
			blockHeaderSize, minObjectSize)
	}
	if blockHeaderSize+blockPayloadSize != BlockSize {
		t.Errorf("header %d B and payload %d B do not fill a block",
			blockHeaderSize, blockPayloadSize)
	}
}

func TestBlockOfMasksTagsAndOffsets(t *testing.T) {
	e := new(testEmbedder)
	heap := newTestHeap(e, nil)
	a := NewHeaplet(heap)

	p := newPair(a, fixnum(1), fixnum(2))
	b := blockOf(untag(p))
	if b != a.nursery.allocationBlock {
		t.Fatalf("the fresh pair is not in the nursery allocation block")
	}
	// The tag bits and any interior offset vanish under the mask.
	if got := blockOf(uintptr(p)); got != b {
		t.Errorf("tagged lookup found %p, want %p", got, b)
	}
	if got := blockOf(untag(p) + wordSize); got != b {
		t.Errorf("interior lookup found %p, want %p", got, b)
	}
	if g := b.generation; g != GenerationYoung {
		t.Errorf("nursery block has generation %s", g)
	}

	a.Destroy()
	heap.Destroy()
}

func TestBlockListOps(t *testing.T) {
	var l blockList
	if !l.empty() {
		t.Fatal("a zero list is not empty")
	}

	blocks := make([]*block, 4)
	for i := range blocks {
		blocks[i] = new(block)
		l.linkLast(blocks[i])
	}
	if l.empty() || l.first != blocks[0] || l.last != blocks[3] {
		t.Fatalf("links broken after linkLast")
	}

	// Unlink from the middle, the front and the back.
	l.unlink(blocks[1])
	if blocks[0].next != blocks[2] || blocks[2].prev != blocks[0] {
		t.Errorf("middle unlink did not rejoin the neighbours")
	}
	l.unlink(blocks[0])
	if l.first != blocks[2] || blocks[2].prev != nil {
		t.Errorf("front unlink did not advance first")
	}
	l.unlink(blocks[3])
	if l.last != blocks[2] || blocks[2].next != nil {
		t.Errorf("back unlink did not retreat last")
	}

	if got := l.popFirst(); got != blocks[2] {
		t.Errorf("popFirst returned %p, want the only block", got)
	}
	if got := l.popFirst(); got != nil {
		t.Errorf("popFirst on an empty list returned %p", got)
	}
}

func TestBlockListAppendSplices(t *testing.T) {
	var l, other blockList
	a, b, c := new(block), new(block), new(block)
	l.linkLast(a)
	other.linkLast(b)
	other.linkLast(c)

	l.append(&other)
	if !other.empty() {
		t.Error("the source list is not empty after the splice")
	}
	if l.first != a || a.next != b || b.next != c || l.last != c {
		t.Error("splice order broken")
	}
	if c.prev != b || b.prev != a {
		t.Error("back links broken after the splice")
	}

	// Appending an empty list changes nothing.
	var empty blockList
	l.append(&empty)
	if l.first != a || l.last != c {
		t.Error("appending an empty list moved the ends")
	}

	// Appending onto an empty list adopts the source wholesale.
	var fresh blockList
	fresh.append(&l)
	if fresh.first != a || fresh.last != c || !l.empty() {
		t.Error("appending onto an empty list did not adopt the blocks")
	}
}
