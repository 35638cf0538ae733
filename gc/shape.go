package gc

import "unsafe"

// FinalizationKind selects how a shape's dead objects are finalized.
type FinalizationKind uint8

const (
	// FinalizationNone marks shapes without a finalizer.
	FinalizationNone FinalizationKind = iota

	// FinalizationQuick finalizers run on the dead object as it was
	// left in fromspace; they must not read other heap objects through
	// its fields, which may be stale.
	FinalizationQuick

	// FinalizationCompleteObject finalizers require the object's fields
	// to be consistent first; the collector traces and re-scavenges the
	// dead set before running them, which may resurrect objects.
	FinalizationCompleteObject
)

func (k FinalizationKind) String() string {
	switch k {
	case FinalizationNone:
		return "none"
	case FinalizationQuick:
		return "quick"
	case FinalizationCompleteObject:
		return "complete-object"
	}
	return "invalid"
}

// Shape describes one embedder object layout to the collector. All
// callbacks receive tagged or untagged references exactly as documented
// per field; the collector never interprets object contents itself.
type Shape struct {
	Name string

	// HasShape reports whether a tagged boxed word refers to an object
	// of this shape. Shapes are consulted in registration order, and
	// the first match wins.
	HasShape func(o TaggedObject) bool

	// SizeInBytes returns the object's size, a multiple of the
	// allocation granularity.
	SizeInBytes func(o TaggedObject) uintptr

	// IsTypeCode reports whether a word is this shape's header type
	// code. Nil for headerless shapes, non-nil for headered ones.
	IsTypeCode func(w TaggedObject) bool

	// Copy copies the object from one untagged address to another and
	// returns the new tagged reference and the new size, which may be
	// smaller than the original but never larger. Copies of finalizable
	// objects must call Heaplet.FinalizableCopy.
	Copy func(a *Heaplet, from, to unsafe.Pointer) (TaggedObject, uintptr)

	// UpdateFields points the collector at every tagged word inside the
	// object (via Heaplet.HandleFieldPointer) and returns the object's
	// size. Nil exactly when IsTypeCode is nil.
	UpdateFields func(a *Heaplet, untagged unsafe.Pointer) uintptr

	// Finalize runs on a provably dead object. The heaplet is nil when
	// finalization happens at heap teardown.
	Finalize func(h *Heap, a *Heaplet, untagged unsafe.Pointer)

	finalization FinalizationKind
}

// FinalizationKind returns how objects of this shape are finalized.
func (s *Shape) FinalizationKind() FinalizationKind {
	return s.finalization
}

// A ShapeTable is the registry of every shape the embedder can allocate,
// populated before the first heap is created and immutable afterwards.
// Registration order is priority: predicates are consulted first to
// last.
type ShapeTable struct {
	isUnboxed func(o TaggedObject) bool

	// Sentinels. invalid fills released memory under debug;
	// uninitialized fills fresh objects under debug. Neither may be a
	// legal first word of a live object.
	invalid       TaggedObject
	uninitialized TaggedObject

	// brokenHeartCode overwrites the first word of a copied object. It
	// must never appear as the first word of a live object of any
	// shape.
	brokenHeartCode TaggedObject

	shapes []*Shape

	// Pre-partitioned subsets, scanned separately for performance.
	headerful          []*Shape
	finalizable        []*Shape
	quicklyFinalizable []*Shape
	completeObject     []*Shape
}

// NewShapeTable returns an empty table with the embedder's unboxedness
// predicate and sentinel words.
func NewShapeTable(invalid, uninitialized, brokenHeartCode TaggedObject, isUnboxed func(TaggedObject) bool) *ShapeTable {
	if isUnboxed == nil {
		fatalf("nil is-unboxed predicate")
	}
	return &ShapeTable{
		isUnboxed:       isUnboxed,
		invalid:         invalid,
		uninitialized:   uninitialized,
		brokenHeartCode: brokenHeartCode,
	}
}

// BrokenHeartCode returns the forwarding type code, for embedder debug
// tooling.
func (st *ShapeTable) BrokenHeartCode() TaggedObject {
	return st.brokenHeartCode
}

func (st *ShapeTable) add(s Shape, headered bool, k FinalizationKind) *Shape {
	if s.HasShape == nil || s.SizeInBytes == nil || s.Copy == nil {
		fatalf("shape %s: HasShape, SizeInBytes and Copy are all required",
			s.Name)
	}
	if (s.IsTypeCode == nil) != (s.UpdateFields == nil) {
		fatalf("shape %s: IsTypeCode and UpdateFields must both be set "+
			"or both be nil", s.Name)
	}
	if headered != (s.IsTypeCode != nil) {
		if headered {
			fatalf("headered shape %s has no IsTypeCode", s.Name)
		}
		fatalf("headerless shape %s has an IsTypeCode", s.Name)
	}
	if (k != FinalizationNone) != (s.Finalize != nil) {
		if k == FinalizationNone {
			fatalf("non-finalizable shape %s has a Finalize callback", s.Name)
		}
		fatalf("%s-finalizable shape %s has no Finalize callback", k, s.Name)
	}
	s.finalization = k

	p := new(Shape)
	*p = s
	st.shapes = append(st.shapes, p)
	if headered {
		st.headerful = append(st.headerful, p)
	}
	switch k {
	case FinalizationQuick:
		st.finalizable = append(st.finalizable, p)
		st.quicklyFinalizable = append(st.quicklyFinalizable, p)
	case FinalizationCompleteObject:
		st.finalizable = append(st.finalizable, p)
		st.completeObject = append(st.completeObject, p)
	}
	return p
}

// AddHeaderless registers a shape without a header word. Headerless
// objects are traced one granule at a time and cannot be finalizable.
func (st *ShapeTable) AddHeaderless(s Shape) *Shape {
	return st.add(s, false, FinalizationNone)
}

// AddHeaderedNonFinalizable registers a headered shape without a
// finalizer.
func (st *ShapeTable) AddHeaderedNonFinalizable(s Shape) *Shape {
	return st.add(s, true, FinalizationNone)
}

// AddHeaderedQuicklyFinalizable registers a headered shape whose dead
// objects are finalized without resurrecting their fields first.
func (st *ShapeTable) AddHeaderedQuicklyFinalizable(s Shape) *Shape {
	return st.add(s, true, FinalizationQuick)
}

// AddHeaderedCompleteObjectFinalizable registers a headered shape whose
// finalizer needs the object's reachable closure consistent.
func (st *ShapeTable) AddHeaderedCompleteObjectFinalizable(s Shape) *Shape {
	return st.add(s, true, FinalizationCompleteObject)
}

func (st *ShapeTable) hasCompleteObjectFinalizable() bool {
	return len(st.completeObject) > 0
}

// findShape returns the first registered shape matching a tagged boxed
// word, or nil.
func (st *ShapeTable) findShape(o TaggedObject) *Shape {
	for _, s := range st.shapes {
		if s.HasShape(o) {
			return s
		}
	}
	return nil
}

// findHeaderful returns the headerful shape whose type code matches a
// first word, or nil.
func (st *ShapeTable) findHeaderful(first TaggedObject) *Shape {
	for _, s := range st.headerful {
		if s.IsTypeCode(first) {
			return s
		}
	}
	return nil
}

func (st *ShapeTable) findQuicklyFinalizable(first TaggedObject) *Shape {
	for _, s := range st.quicklyFinalizable {
		if s.IsTypeCode(first) {
			return s
		}
	}
	return nil
}

func (st *ShapeTable) findFinalizable(first TaggedObject) *Shape {
	for _, s := range st.finalizable {
		if s.IsTypeCode(first) {
			return s
		}
	}
	return nil
}

// isBoxedHeader returns the name of the headerful shape whose type code
// equals w, or "". Debug helper: a header value showing up as an object
// word means serious corruption.
func (st *ShapeTable) isBoxedHeader(w TaggedObject) string {
	for _, s := range st.headerful {
		if s.IsTypeCode(w) {
			return s.Name
		}
	}
	return ""
}
