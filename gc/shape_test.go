package gc

import (
	"testing"
	"unsafe"
)

func TestFinalizationKindStrings(t *testing.T) {
	for _, c := range []struct {
		k    FinalizationKind
		want string
	}{
		{FinalizationNone, "none"},
		{FinalizationQuick, "quick"},
		{FinalizationCompleteObject, "complete-object"},
		{FinalizationKind(9), "invalid"},
	} {
		if got := c.k.String(); got != c.want {
			t.Errorf("FinalizationKind(%d).String() = %q, want %q", c.k, got, c.want)
		}
	}
}

func TestNewShapeTableRequiresUnboxedPredicate(t *testing.T) {
	wantFatal(t, "is-unboxed predicate", func() {
		NewShapeTable(sentinelInvalid, sentinelUninitialized, heartCode, nil)
	})
}

func TestShapeTablePartitions(t *testing.T) {
	e := new(testEmbedder)
	st := e.shapeTable(true)

	names := func(shapes []*Shape) []string {
		var ns []string
		for _, s := range shapes {
			ns = append(ns, s.Name)
		}
		return ns
	}
	equal := func(got, want []string) bool {
		if len(got) != len(want) {
			return false
		}
		for i := range got {
			if got[i] != want[i] {
				return false
			}
		}
		return true
	}

	if got := names(st.shapes); !equal(got, []string{"pair", "tuple", "handle", "node"}) {
		t.Errorf("registered shapes are %v", got)
	}
	if got := names(st.headerful); !equal(got, []string{"tuple", "handle", "node"}) {
		t.Errorf("headerful shapes are %v", got)
	}
	if got := names(st.finalizable); !equal(got, []string{"handle", "node"}) {
		t.Errorf("finalizable shapes are %v", got)
	}
	if got := names(st.quicklyFinalizable); !equal(got, []string{"handle"}) {
		t.Errorf("quickly finalizable shapes are %v", got)
	}
	if got := names(st.completeObject); !equal(got, []string{"node"}) {
		t.Errorf("complete-object shapes are %v", got)
	}

	kinds := []FinalizationKind{
		FinalizationNone, FinalizationNone, FinalizationQuick,
		FinalizationCompleteObject,
	}
	for i, s := range st.shapes {
		if got := s.FinalizationKind(); got != kinds[i] {
			t.Errorf("shape %s finalization is %s, want %s", s.Name, got, kinds[i])
		}
	}

	if !st.hasCompleteObjectFinalizable() {
		t.Error("table with a node shape reports no complete-object finalizables")
	}
	if e.shapeTable(false).hasCompleteObjectFinalizable() {
		t.Error("table without a node shape reports complete-object finalizables")
	}
}

func TestShapeTableSentinels(t *testing.T) {
	e := new(testEmbedder)
	st := e.shapeTable(false)
	if st.BrokenHeartCode() != heartCode {
		t.Errorf("broken heart code is %#x, want %#x", st.BrokenHeartCode(), heartCode)
	}
	if st.invalid != sentinelInvalid || st.uninitialized != sentinelUninitialized {
		t.Errorf("sentinels are %#x/%#x, want %#x/%#x",
			st.invalid, st.uninitialized, sentinelInvalid, sentinelUninitialized)
	}
}

// Two shapes whose predicates overlap: the one registered first must
// win for the words both match.
func TestFindShapeUsesRegistrationOrder(t *testing.T) {
	st := NewShapeTable(sentinelInvalid, sentinelUninitialized, heartCode,
		func(o TaggedObject) bool { return o == 0 || o&1 != 0 })
	size := func(o TaggedObject) uintptr { return 2 * wordSize }
	copier := func(a *Heaplet, from, to unsafe.Pointer) (TaggedObject, uintptr) {
		copyObjectBytes(to, from, 2*wordSize)
		return TaggedObject(uintptr(to) | tagPair), 2 * wordSize
	}

	narrow := st.AddHeaderless(Shape{
		Name:        "narrow",
		HasShape:    func(o TaggedObject) bool { return o&boxedTagMask == tagPair },
		SizeInBytes: size,
		Copy:        copier,
	})
	wide := st.AddHeaderless(Shape{
		Name:        "wide",
		HasShape:    func(o TaggedObject) bool { return true },
		SizeInBytes: size,
		Copy:        copier,
	})

	base := TaggedObject(uintptr(0x10000) &^ uintptr(boxedTagMask))
	if got := st.findShape(base | tagPair); got != narrow {
		t.Errorf("pair-tagged word finds %s, want narrow", got.Name)
	}
	if got := st.findShape(base | tagTuple); got != wide {
		t.Errorf("tuple-tagged word finds %s, want wide", got.Name)
	}
}

func TestFindShapeMissing(t *testing.T) {
	e := new(testEmbedder)
	st := e.shapeTable(false)
	base := TaggedObject(uintptr(0x10000) &^ uintptr(boxedTagMask))
	if got := st.findShape(base | tagNode); got != nil {
		t.Errorf("unregistered tag finds shape %s", got.Name)
	}
}

func TestFindByTypeCode(t *testing.T) {
	e := new(testEmbedder)
	st := e.shapeTable(true)

	for _, c := range []struct {
		find  func(TaggedObject) *Shape
		first TaggedObject
		want  string
	}{
		{st.findHeaderful, TaggedObject(codeTuple | 3<<8), "tuple"},
		{st.findHeaderful, TaggedObject(codeHandle | 5<<8), "handle"},
		{st.findHeaderful, codeNode, "node"},
		{st.findHeaderful, fixnum(3), ""},
		{st.findQuicklyFinalizable, TaggedObject(codeHandle | 1<<8), "handle"},
		{st.findQuicklyFinalizable, codeNode, ""},
		{st.findFinalizable, TaggedObject(codeHandle | 1<<8), "handle"},
		{st.findFinalizable, codeNode, "node"},
		{st.findFinalizable, TaggedObject(codeTuple | 1<<8), ""},
	} {
		s := c.find(c.first)
		name := ""
		if s != nil {
			name = s.Name
		}
		if name != c.want {
			t.Errorf("first word %#x finds %q, want %q", c.first, name, c.want)
		}
	}

	if got := st.isBoxedHeader(TaggedObject(codeTuple | 2<<8)); got != "tuple" {
		t.Errorf("isBoxedHeader(tuple code) = %q", got)
	}
	if got := st.isBoxedHeader(fixnum(9)); got != "" {
		t.Errorf("isBoxedHeader(fixnum) = %q, want empty", got)
	}
}

func TestShapeRegistrationRejectsBadShapes(t *testing.T) {
	size := func(o TaggedObject) uintptr { return 2 * wordSize }
	copier := func(a *Heaplet, from, to unsafe.Pointer) (TaggedObject, uintptr) {
		return TaggedObject(uintptr(to)), 2 * wordSize
	}
	has := func(o TaggedObject) bool { return false }
	isCode := func(w TaggedObject) bool { return false }
	update := func(a *Heaplet, untagged unsafe.Pointer) uintptr { return 2 * wordSize }
	finalize := func(h *Heap, a *Heaplet, untagged unsafe.Pointer) {}

	for _, c := range []struct {
		name   string
		substr string
		reg    func(st *ShapeTable)
	}{
		{"no copy", "are all required", func(st *ShapeTable) {
			st.AddHeaderless(Shape{Name: "box", HasShape: has, SizeInBytes: size})
		}},
		{"type code alone", "both be set or both be nil", func(st *ShapeTable) {
			st.AddHeaderedNonFinalizable(Shape{Name: "box", HasShape: has,
				SizeInBytes: size, Copy: copier, IsTypeCode: isCode})
		}},
		{"headered without code", "has no IsTypeCode", func(st *ShapeTable) {
			st.AddHeaderedNonFinalizable(Shape{Name: "box", HasShape: has,
				SizeInBytes: size, Copy: copier})
		}},
		{"headerless with code", "has an IsTypeCode", func(st *ShapeTable) {
			st.AddHeaderless(Shape{Name: "box", HasShape: has, SizeInBytes: size,
				Copy: copier, IsTypeCode: isCode, UpdateFields: update})
		}},
		{"stray finalizer", "has a Finalize callback", func(st *ShapeTable) {
			st.AddHeaderless(Shape{Name: "box", HasShape: has, SizeInBytes: size,
				Copy: copier, Finalize: finalize})
		}},
		{"quick without finalizer", "quick-finalizable shape box has no Finalize",
			func(st *ShapeTable) {
				st.AddHeaderedQuicklyFinalizable(Shape{Name: "box", HasShape: has,
					SizeInBytes: size, Copy: copier, IsTypeCode: isCode,
					UpdateFields: update})
			}},
		{"complete without finalizer",
			"complete-object-finalizable shape box has no Finalize",
			func(st *ShapeTable) {
				st.AddHeaderedCompleteObjectFinalizable(Shape{Name: "box",
					HasShape: has, SizeInBytes: size, Copy: copier,
					IsTypeCode: isCode, UpdateFields: update})
			}},
	} {
		t.Run(c.name, func(t *testing.T) {
			st := NewShapeTable(sentinelInvalid, sentinelUninitialized, heartCode,
				func(o TaggedObject) bool { return o == 0 || o&1 != 0 })
			wantFatal(t, c.substr, func() { c.reg(st) })
		})
	}
}
