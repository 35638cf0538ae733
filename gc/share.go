package gc

// generationScavengedFrom reports whether at least one object moved
// out of a space of generation g during the collection that just ran.
func (a *Heaplet) generationScavengedFrom(g Generation) bool {
	for _, s := range a.allSpaces {
		if s.generation == g && s.scavengedFrom {
			return true
		}
	}
	return false
}

// shareYoungOrOld moves the object *p, which must be private, together
// with everything it reaches into the shared generation, updating *p
// to the shared copy. The broken hearts the share leaves in private
// fromspaces are repaired right away by a follow-up collection.
func (a *Heaplet) shareYoungOrOld(p *TaggedObject) {
	a.assertRuntimeFieldsOwned()
	// No collection may begin with entries parked in the store buffer:
	// the follow-up minor collection reads the remembered set.
	a.FlushSSB()
	if a.debug {
		switch g := a.GenerationOf(*p); g {
		case GenerationYoung, GenerationOld:
		default:
			fatalf("%s: sharing an object of generation %s", a.name, g)
		}
	}

	a.objectsBeingShared.push(p, 1)
	a.collect(KindShare)
	a.objectsBeingShared.resetHeight(0)

	// The scavenged-from spaces still count the moved objects as used
	// bytes, and their broken hearts must not survive into mutation.
	// One collection evacuating those spaces repairs both; it must be
	// major when any old space was scavenged from.
	if a.generationScavengedFrom(GenerationOld) {
		a.collect(KindMajor)
	} else if a.generationScavengedFrom(GenerationYoung) {
		a.collect(KindMinor)
	} else {
		fatalf("%s: the share moved nothing, not even %#x",
			a.name, uintptr(*p))
	}
}

// Share moves o and everything it reaches into the shared generation
// and returns the relocated object, which every heaplet of the heap
// may access from then on. Unboxed, already shared and immortal
// objects are returned unchanged.
//
// Shared objects die only with their heap, so sharing cannot be used
// while a complete-object finalizable shape is registered.
func (a *Heaplet) Share(o TaggedObject) TaggedObject {
	a.assertRuntimeFieldsOwned()
	a.failIfCollectionDisabled(actionShare, "share")
	if a.heap.shapes.hasCompleteObjectFinalizable() {
		fatalf("%s: sharing with a complete-object finalizable shape "+
			"registered", a.name)
	}
	switch a.GenerationOf(o) {
	case GenerationYoung, GenerationOld:
	default:
		return o
	}
	a.shareYoungOrOld(&o)
	return o
}
