package gc

import (
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Blocks must be aligned to their own size so that masking the low bits
// of any interior pointer finds the block header. mmap only guarantees
// page alignment, so each block is carved out of a larger anonymous
// mapping; the whole mapping is kept as the block's OS handle and
// unmapped in one piece when the block is released.

func mapAlignedBlock() *block {
	length := 2*BlockSize - os.Getpagesize()
	mem, err := unix.Mmap(-1, 0, length,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		fatalf("mapping a %d-byte block: %v", BlockSize, err)
	}
	base := uintptr(unsafe.Pointer(&mem[0]))
	aligned := (base + BlockSize - 1) &^ uintptr(BlockSize-1)
	b := (*block)(unsafe.Pointer(aligned))
	// The mapping is fresh, so every other header field is already zero.
	b.mapBase = base
	b.mapLen = uintptr(len(mem))
	return b
}

func unmapBlock(b *block) {
	mem := unsafe.Slice((*byte)(unsafe.Pointer(b.mapBase)), b.mapLen)
	if err := unix.Munmap(mem); err != nil {
		fatalf("unmapping block %p: %v", b, err)
	}
}
