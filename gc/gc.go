// Package gc implements a generational copying garbage collector for an
// embeddable language runtime.
//
// The collector manages objects allocated in fixed-size aligned blocks,
// grouped into spaces by generation. Each native thread owns one Heaplet
// with a private nursery, so the allocation and write-barrier fast paths
// run with no synchronization; heaplets share one Heap which coordinates
// global collections and holds the shared generation.
//
// Object layout is entirely up to the embedder, described to the collector
// through a ShapeTable of callbacks. The collector only assumes that the
// low tag bits of a boxed word can be masked off to recover the object's
// initial address, and that objects are allocated at two-word granularity.
package gc

import "unsafe"

// TaggedObject is one machine word holding an embedder value: either an
// unboxed immediate or a tagged pointer to an object in collector memory.
// The collector never interprets tag bits beyond masking them off.
type TaggedObject uintptr

const (
	wordSize       = unsafe.Sizeof(uintptr(0))
	minObjectWords = 2
	// Objects are allocated at this granularity, and every object size
	// must be a multiple of it.
	minObjectSize = minObjectWords * wordSize
)

// lgWordSize is 2 on 32-bit targets and 3 on 64-bit ones.
const lgWordSize = 2 + wordSize/8

// Low bits of a boxed word that are guaranteed to be tag bits: word
// alignment gives lgWordSize of them, two-word object alignment one more.
const (
	boxedTagBitNo = lgWordSize + 1
	boxedTagMask  = 1<<boxedTagBitNo - 1
)

// untag recovers the untagged initial pointer from a boxed tagged word.
func untag(o TaggedObject) uintptr {
	return uintptr(o) &^ boxedTagMask
}

// roundSizeUp rounds a size in bytes up to the allocation granularity.
func roundSizeUp(size uintptr) uintptr {
	return (size + minObjectSize - 1) &^ (minObjectSize - 1)
}

// Generation identifies the age class of a space or block. The numeric
// order is semantic: a smaller generation is collected at least as often
// as a larger one.
type Generation int8

const (
	GenerationYoung    Generation = -2
	GenerationOld      Generation = -1
	GenerationShared   Generation = 0
	GenerationUnused   Generation = 1
	GenerationImmortal Generation = 2
)

func (g Generation) String() string {
	switch g {
	case GenerationYoung:
		return "young"
	case GenerationOld:
		return "old"
	case GenerationShared:
		return "shared"
	case GenerationUnused:
		return "unused"
	case GenerationImmortal:
		return "immortal"
	}
	return "invalid"
}

// GenerationOf returns the generation of a tagged object: immortal for
// unboxed values, the containing block's generation otherwise.
func (a *Heaplet) GenerationOf(o TaggedObject) Generation {
	if a.heap.shapes.isUnboxed(o) {
		return GenerationImmortal
	}
	return blockOf(uintptr(o)).generation
}

func wordAt(addr uintptr) TaggedObject {
	return *(*TaggedObject)(unsafe.Pointer(addr))
}

func setWordAt(addr uintptr, w TaggedObject) {
	*(*TaggedObject)(unsafe.Pointer(addr)) = w
}
