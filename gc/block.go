package gc

import "unsafe"

// BlockSize is the size and alignment of every block. It is a
// compile-time constant so that the masked block lookup compiles to a
// single and operation.
const BlockSize = 128 * 1024

// block is the header written at the beginning of every aligned block.
// The payload follows the header, rounded up to the object granularity.
//
// The space back-pointer is a non-owning lookup reference: the block's
// lifetime is governed by the list it is linked into. For blocks sitting
// in an unused pool the space and generation fields are stale; they are
// refreshed when the block is handed to a space again.
type block struct {
	generation Generation

	// usedLimit is zero while this block is its space's current
	// allocation block, and holds the final allocation pointer once the
	// space has moved on to another block. Scanning relies on the zero:
	// the scan pointer can never equal it inside the current allocation
	// block, so the block-change test stays one comparison.
	usedLimit uintptr

	// OS handle of the enclosing mapping, for unmapping.
	mapBase uintptr
	mapLen  uintptr

	space      *space
	prev, next *block
}

const (
	blockHeaderSize  = (unsafe.Sizeof(block{}) + minObjectSize - 1) &^ (minObjectSize - 1)
	blockPayloadSize = BlockSize - blockHeaderSize
	blockMask        = ^uintptr(BlockSize - 1)
)

// blockOf finds the block containing an address. The argument may carry
// tag bits; they are masked off together with the offset.
func blockOf(addr uintptr) *block {
	return (*block)(unsafe.Pointer(addr & blockMask))
}

func (b *block) payload() uintptr {
	return uintptr(unsafe.Pointer(b)) + blockHeaderSize
}

func (b *block) limit() uintptr {
	return uintptr(unsafe.Pointer(b)) + BlockSize
}

// fill overwrites the whole payload with a sentinel word, making stale
// pointers into this block fail loudly instead of silently resurrecting
// dead data.
func (b *block) fill(sentinel TaggedObject) {
	for p := b.payload(); p < b.limit(); p += wordSize {
		setWordAt(p, sentinel)
	}
}

// blockList is a doubly-linked list of blocks threaded through their
// headers.
type blockList struct {
	first, last *block
}

func (l *blockList) empty() bool {
	return l.first == nil
}

func (l *blockList) linkLast(b *block) {
	b.prev = l.last
	b.next = nil
	if l.last != nil {
		l.last.next = b
	} else {
		l.first = b
	}
	l.last = b
}

func (l *blockList) unlink(b *block) {
	if b.prev != nil {
		b.prev.next = b.next
	} else {
		l.first = b.next
	}
	if b.next != nil {
		b.next.prev = b.prev
	} else {
		l.last = b.prev
	}
	b.prev = nil
	b.next = nil
}

// popFirst unlinks and returns the first block, or nil.
func (l *blockList) popFirst() *block {
	b := l.first
	if b != nil {
		l.unlink(b)
	}
	return b
}

// append splices every block of other onto the end of l in constant
// time, leaving other empty.
func (l *blockList) append(other *blockList) {
	if other.first == nil {
		return
	}
	if l.last == nil {
		l.first = other.first
		l.last = other.last
	} else {
		l.last.next = other.first
		other.first.prev = l.last
		l.last = other.last
	}
	other.first = nil
	other.last = nil
}
