package gc

// A HookFunc runs at one of the four hook points. Pre-collection hooks
// are the place to hand roots from dynamic structures such as VM stacks
// to HandleRootPointer; flush hooks bracket write barrier buffer
// flushes and receive the collection kind that triggered the flush, or
// KindSSBFlush for a flush outside a collection.
type HookFunc func(a *Heaplet, kind CollectionKind)

// Hook is an opaque token identifying a registered hook.
type Hook int32

// Hooks run in registration order; deregistration preserves the order
// of the survivors.
type hookList struct {
	funcs  []HookFunc
	ids    []Hook
	nextID Hook
}

func (hl *hookList) register(f HookFunc) Hook {
	if f == nil {
		fatalf("nil hook function")
	}
	hl.nextID++
	hl.funcs = append(hl.funcs, f)
	hl.ids = append(hl.ids, hl.nextID)
	return hl.nextID
}

func (hl *hookList) deregister(token Hook) {
	for i, id := range hl.ids {
		if id == token {
			hl.funcs = append(hl.funcs[:i], hl.funcs[i+1:]...)
			hl.ids = append(hl.ids[:i], hl.ids[i+1:]...)
			return
		}
	}
	fatalf("deregistering unknown hook %d", token)
}

func (hl *hookList) run(a *Heaplet, kind CollectionKind) {
	for _, f := range hl.funcs {
		f(a, kind)
	}
}

// RegisterPreCollectionHook registers f to run at the beginning of root
// handling of every collection except sharing ones. Returns the token
// to deregister with; every hook is also deregistered automatically
// when the heaplet is destroyed.
func (a *Heaplet) RegisterPreCollectionHook(f HookFunc) Hook {
	return a.preCollection.register(f)
}

// RegisterPostCollectionHook registers f to run at the end of every
// collection except sharing ones.
func (a *Heaplet) RegisterPostCollectionHook(f HookFunc) Hook {
	return a.postCollection.register(f)
}

// RegisterPreSSBFlushHook registers f to run right before each write
// barrier buffer flush.
func (a *Heaplet) RegisterPreSSBFlushHook(f HookFunc) Hook {
	return a.preSSBFlush.register(f)
}

// RegisterPostSSBFlushHook registers f to run right after each write
// barrier buffer flush.
func (a *Heaplet) RegisterPostSSBFlushHook(f HookFunc) Hook {
	return a.postSSBFlush.register(f)
}

// DeregisterPreCollectionHook removes a pre-collection hook.
func (a *Heaplet) DeregisterPreCollectionHook(token Hook) {
	a.preCollection.deregister(token)
}

// DeregisterPostCollectionHook removes a post-collection hook.
func (a *Heaplet) DeregisterPostCollectionHook(token Hook) {
	a.postCollection.deregister(token)
}

// DeregisterPreSSBFlushHook removes a pre-flush hook.
func (a *Heaplet) DeregisterPreSSBFlushHook(token Hook) {
	a.preSSBFlush.deregister(token)
}

// DeregisterPostSSBFlushHook removes a post-flush hook.
func (a *Heaplet) DeregisterPostSSBFlushHook(token Hook) {
	a.postSSBFlush.deregister(token)
}
