package gc

import "unsafe"

// A Root is a contiguous run of words allowed to hold tagged
// references.
type Root struct {
	Pointer *TaggedObject
	WordNo  int
}

func (r Root) word(i int) *TaggedObject {
	return (*TaggedObject)(unsafe.Add(unsafe.Pointer(r.Pointer), uintptr(i)*wordSize))
}

// GlobalRoot is an opaque token identifying a registered global root.
type GlobalRoot int32

// Global roots are long-lived and deregistrable in any order. The
// registry is a compact slice; deregistration moves the last entry into
// the hole and the id map keeps tokens stable across that.
type globalRoots struct {
	roots  []Root
	ids    []GlobalRoot
	index  map[GlobalRoot]int
	nextID GlobalRoot
}

// RegisterGlobalRoot registers wordNo words starting at p as a root
// that stays live until deregistered. Returns the token to deregister
// with.
func (a *Heaplet) RegisterGlobalRoot(p *TaggedObject, wordNo int) GlobalRoot {
	if wordNo <= 0 {
		fatalf("global root of %d words", wordNo)
	}
	g := &a.globals
	if g.index == nil {
		g.index = make(map[GlobalRoot]int)
	}
	g.nextID++
	id := g.nextID
	g.index[id] = len(g.roots)
	g.roots = append(g.roots, Root{Pointer: p, WordNo: wordNo})
	g.ids = append(g.ids, id)
	return id
}

// RegisterGlobalRoot1 registers a one-word global root.
func (a *Heaplet) RegisterGlobalRoot1(p *TaggedObject) GlobalRoot {
	return a.RegisterGlobalRoot(p, 1)
}

// DeregisterGlobalRoot removes a previously registered global root.
// Every global root is also removed automatically when the heaplet is
// destroyed.
func (a *Heaplet) DeregisterGlobalRoot(token GlobalRoot) {
	g := &a.globals
	i, ok := g.index[token]
	if !ok {
		fatalf("deregistering unknown global root %d", token)
	}
	delete(g.index, token)
	last := len(g.roots) - 1
	if i != last {
		g.roots[i] = g.roots[last]
		g.ids[i] = g.ids[last]
		g.index[g.ids[i]] = i
	}
	g.roots = g.roots[:last]
	g.ids = g.ids[:last]
}

// A rootStack holds roots removable only in LIFO order. Pushing and
// popping are cheap; this is meant for locals and arguments around code
// that can trigger a collection.
type rootStack struct {
	roots []Root
}

// Height is a rootStack watermark.
type Height int

func (rs *rootStack) push(p *TaggedObject, wordNo int) {
	rs.roots = append(rs.roots, Root{Pointer: p, WordNo: wordNo})
}

func (rs *rootStack) pop() Root {
	if len(rs.roots) == 0 {
		fatalf("popping from an empty root stack")
	}
	r := rs.roots[len(rs.roots)-1]
	rs.roots = rs.roots[:len(rs.roots)-1]
	return r
}

func (rs *rootStack) height() Height {
	return Height(len(rs.roots))
}

func (rs *rootStack) resetHeight(h Height) {
	if h < 0 || int(h) > len(rs.roots) {
		fatalf("resetting root stack of height %d to %d", len(rs.roots), h)
	}
	rs.roots = rs.roots[:h]
}

// compact gives storage back when the stack has shrunk well below its
// high-water mark. Called after collections, where a reallocation
// cannot hurt a fast path.
func (rs *rootStack) compact() {
	if cap(rs.roots) > 64 && len(rs.roots) < cap(rs.roots)/4 {
		shrunk := make([]Root, len(rs.roots))
		copy(shrunk, rs.roots)
		rs.roots = shrunk
	}
}

// PushTemporaryRoot pushes wordNo words starting at p onto the
// temporary root stack.
func (a *Heaplet) PushTemporaryRoot(p *TaggedObject, wordNo int) {
	if wordNo <= 0 {
		fatalf("temporary root of %d words", wordNo)
	}
	a.temporaries.push(p, wordNo)
}

// PushTemporaryRoot1 pushes a one-word temporary root.
func (a *Heaplet) PushTemporaryRoot1(p *TaggedObject) {
	a.temporaries.push(p, 1)
}

// PopTemporaryRoot removes and returns the most recently pushed
// temporary root.
func (a *Heaplet) PopTemporaryRoot() Root {
	return a.temporaries.pop()
}

// RemoveAllTemporaryRoots empties the temporary root stack.
func (a *Heaplet) RemoveAllTemporaryRoots() {
	a.temporaries.resetHeight(0)
}

// TemporaryRootHeight returns the current stack height, to be restored
// later with ResetTemporaryRootHeight. The pair brackets a block of
// code pushing any number of temporary roots.
func (a *Heaplet) TemporaryRootHeight() Height {
	return a.temporaries.height()
}

// ResetTemporaryRootHeight pops every temporary root pushed since the
// matching TemporaryRootHeight call.
func (a *Heaplet) ResetTemporaryRootHeight(h Height) {
	a.temporaries.resetHeight(h)
}

// HandleRootPointer migrates the object referred by one root word and
// redirects the word. Embedders call this from pre-collection hooks for
// roots the registries do not cover. Under Debug, a word visited twice
// in the same collection is detected and skipped.
func (a *Heaplet) HandleRootPointer(p *TaggedObject) {
	if a.debug {
		w := uintptr(unsafe.Pointer(p))
		if a.rootWords.Has(w) {
			a.log.Tracef("root word %#x seen twice in this collection", w)
			return
		}
		a.rootWords.Add(w)
	}
	a.handleWord(p)
	if a.expensive {
		a.stats.rootWordNo++
	}
}

// handleRoot treats every word of a root as a root pointer.
func (a *Heaplet) handleRoot(r Root) {
	for i := 0; i < r.WordNo; i++ {
		a.HandleRootPointer(r.word(i))
	}
}
