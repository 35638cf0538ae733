// Command gcstress tortures the collector. Several heaplets, one per
// goroutine, build and mutate linked structures of cons pairs, tuples
// and finalizable handles against a shadow model, forcing collections
// of every kind and sharing lists across heaplets, then verify that
// nothing was lost, reordered or finalized early.
package main

import (
	"flag"
	"fmt"
	"math/rand"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/mattn/go-tty"

	"github.com/GitMirroring/poke-sub000/gc"
)

// Tagging scheme. Odd words are fixnums and zero is the empty list;
// boxed words carry the object kind in their low four bits, which the
// collector masks off to recover the address.
const (
	wordSize = unsafe.Sizeof(gc.TaggedObject(0))
	granule  = 2 * wordSize

	tagMask   = 0xF
	tagPair   = 0x2
	tagTuple  = 0x4
	tagHandle = 0x6

	codeTuple  = 0xA8 // first tuple word: codeTuple | elementNo<<8
	codeHandle = 0xC8 // first handle word: codeHandle | id<<8

	wordBrokenHeart   = 0xb0
	wordInvalid       = 0xdead0
	wordUninitialized = 0xca0
)

func fixnum(n int64) gc.TaggedObject { return gc.TaggedObject(n<<1 | 1) }

func fixnumValue(o gc.TaggedObject) int64 { return int64(o) >> 1 }

func isFixnum(o gc.TaggedObject) bool { return o&1 != 0 }

func untag(o gc.TaggedObject) uintptr { return uintptr(o) &^ tagMask }

func wordPtr(addr uintptr) *gc.TaggedObject {
	return (*gc.TaggedObject)(unsafe.Pointer(addr))
}

func carOf(o gc.TaggedObject) gc.TaggedObject { return *wordPtr(untag(o)) }

func cdrOf(o gc.TaggedObject) gc.TaggedObject {
	return *wordPtr(untag(o) + wordSize)
}

func roundUp(size uintptr) uintptr {
	return (size + granule - 1) &^ (granule - 1)
}

func tupleSizeAt(base uintptr) uintptr {
	n := uintptr(*wordPtr(base) >> 8)
	return roundUp((1 + n) * wordSize)
}

func tupleSlot(base uintptr, i int) *gc.TaggedObject {
	return wordPtr(base + uintptr(i)*wordSize)
}

func copyBytes(to, from unsafe.Pointer, size uintptr) {
	copy(unsafe.Slice((*byte)(to), size), unsafe.Slice((*byte)(from), size))
}

// stressCounters is shared by every worker and by the shape table's
// finalizer.
type stressCounters struct {
	handlesMade      atomic.Int64
	handlesFinalized atomic.Int64
}

func newShapeTable(counters *stressCounters) *gc.ShapeTable {
	st := gc.NewShapeTable(wordInvalid, wordUninitialized, wordBrokenHeart,
		func(o gc.TaggedObject) bool { return o&1 != 0 || o == 0 })

	st.AddHeaderless(gc.Shape{
		Name:        "pair",
		HasShape:    func(o gc.TaggedObject) bool { return o&tagMask == tagPair },
		SizeInBytes: func(o gc.TaggedObject) uintptr { return 2 * wordSize },
		Copy: func(a *gc.Heaplet, from, to unsafe.Pointer) (gc.TaggedObject, uintptr) {
			copyBytes(to, from, 2*wordSize)
			return gc.TaggedObject(uintptr(to) | tagPair), 2 * wordSize
		},
	})

	st.AddHeaderedNonFinalizable(gc.Shape{
		Name:        "tuple",
		HasShape:    func(o gc.TaggedObject) bool { return o&tagMask == tagTuple },
		SizeInBytes: func(o gc.TaggedObject) uintptr { return tupleSizeAt(untag(o)) },
		IsTypeCode:  func(w gc.TaggedObject) bool { return w&0xFF == codeTuple },
		Copy: func(a *gc.Heaplet, from, to unsafe.Pointer) (gc.TaggedObject, uintptr) {
			size := tupleSizeAt(uintptr(from))
			copyBytes(to, from, size)
			return gc.TaggedObject(uintptr(to) | tagTuple), size
		},
		UpdateFields: func(a *gc.Heaplet, untagged unsafe.Pointer) uintptr {
			base := uintptr(untagged)
			n := int(*wordPtr(base) >> 8)
			for i := 1; i <= n; i++ {
				a.HandleFieldPointer(tupleSlot(base, i))
			}
			return tupleSizeAt(base)
		},
	})

	st.AddHeaderedQuicklyFinalizable(gc.Shape{
		Name:        "handle",
		HasShape:    func(o gc.TaggedObject) bool { return o&tagMask == tagHandle },
		SizeInBytes: func(o gc.TaggedObject) uintptr { return 2 * wordSize },
		IsTypeCode:  func(w gc.TaggedObject) bool { return w&0xFF == codeHandle },
		Copy: func(a *gc.Heaplet, from, to unsafe.Pointer) (gc.TaggedObject, uintptr) {
			copyBytes(to, from, 2*wordSize)
			a.FinalizableCopy(from, to)
			return gc.TaggedObject(uintptr(to) | tagHandle), 2 * wordSize
		},
		UpdateFields: func(a *gc.Heaplet, untagged unsafe.Pointer) uintptr {
			// The word after the code holds the finalization handle.
			return 2 * wordSize
		},
		Finalize: func(h *gc.Heap, a *gc.Heaplet, untagged unsafe.Pointer) {
			counters.handlesFinalized.Add(1)
		},
	})
	return st
}

// A mailbox publishes shared list heads between heaplets. Published
// lists are frozen by their owners, so readers need no further
// synchronization; shared objects never move.
type mailbox struct {
	mu    sync.Mutex
	heads []gc.TaggedObject
}

func (m *mailbox) publish(o gc.TaggedObject) {
	m.mu.Lock()
	m.heads = append(m.heads, o)
	if len(m.heads) > 64 {
		m.heads = m.heads[len(m.heads)-64:]
	}
	m.mu.Unlock()
}

func (m *mailbox) pick(rng *rand.Rand) (gc.TaggedObject, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.heads) == 0 {
		return 0, false
	}
	return m.heads[rng.Intn(len(m.heads))], true
}

const windowSlots = 32

// A worker drives one heaplet. window is the root set: every slot
// holds the head of a list of pairs mirrored by shadow, or a tuple
// (shadow nil). Frozen slots hold shared lists and are verified but no
// longer mutated.
type worker struct {
	a        *gc.Heaplet
	rng      *rand.Rand
	counters *stressCounters
	box      *mailbox

	window [windowSlots]gc.TaggedObject
	shadow [windowSlots][]int64
	frozen [windowSlots]bool
	root   gc.GlobalRoot
}

func newWorker(a *gc.Heaplet, counters *stressCounters, box *mailbox,
	seed int64) *worker {
	w := &worker{
		a:        a,
		rng:      rand.New(rand.NewSource(seed)),
		counters: counters,
		box:      box,
	}
	for i := range w.shadow {
		w.shadow[i] = []int64{}
	}
	w.root = a.RegisterGlobalRoot(&w.window[0], windowSlots)
	return w
}

func (w *worker) close() {
	w.a.DeregisterGlobalRoot(w.root)
}

// newPair conses car onto cdr. Allocating may collect, so both
// arguments ride as temporary roots and come back relocated.
func (w *worker) newPair(car, cdr gc.TaggedObject) gc.TaggedObject {
	height := w.a.TemporaryRootHeight()
	w.a.PushTemporaryRoot1(&car)
	w.a.PushTemporaryRoot1(&cdr)
	p := w.a.AllocateWords(2)
	w.a.ResetTemporaryRootHeight(height)
	dst := (*[2]gc.TaggedObject)(p)
	dst[0], dst[1] = car, cdr
	return gc.TaggedObject(uintptr(p) | tagPair)
}

func (w *worker) randomValue() int64 {
	return w.rng.Int63n(1 << 40)
}

// newList binds slot to a fresh list of n random fixnums.
func (w *worker) newList(slot, n int) {
	vals := make([]int64, n)
	head := gc.TaggedObject(0)
	for i := n - 1; i >= 0; i-- {
		vals[i] = w.randomValue()
		head = w.newPair(fixnum(vals[i]), head)
	}
	w.window[slot] = head
	w.shadow[slot] = vals
	w.frozen[slot] = false
}

// newTuple binds a random slot to a tuple referencing other slots.
func (w *worker) newTuple() {
	n := 1 + w.rng.Intn(3)
	p := w.a.AllocateWords(1 + n)
	base := uintptr(p)
	*wordPtr(base) = codeTuple | gc.TaggedObject(n)<<8
	for i := 1; i <= n; i++ {
		*tupleSlot(base, i) = w.window[w.rng.Intn(windowSlots)]
	}
	slot := w.rng.Intn(windowSlots)
	w.window[slot] = gc.TaggedObject(base | tagTuple)
	w.shadow[slot] = nil
	w.frozen[slot] = false
}

// newHandle allocates a finalizable handle and drops it on the floor;
// some future collection must finalize it exactly once.
func (w *worker) newHandle() {
	id := w.counters.handlesMade.Add(1)
	p := w.a.AllocateWords(2)
	*wordPtr(uintptr(p)) = codeHandle | gc.TaggedObject(id)<<8
	w.a.FinalizableInitialize(p)
}

func (w *worker) dropSlot() {
	slot := w.rng.Intn(windowSlots)
	w.window[slot] = 0
	w.shadow[slot] = []int64{}
	w.frozen[slot] = false
}

// mutate overwrites the car of a random pair through the write
// barrier.
func (w *worker) mutate(slot int) {
	if w.frozen[slot] || len(w.shadow[slot]) == 0 {
		return
	}
	k := w.rng.Intn(len(w.shadow[slot]))
	o := w.window[slot]
	for i := 0; i < k; i++ {
		o = cdrOf(o)
	}
	v := w.randomValue()
	w.a.WriteBarrier(o, wordPtr(untag(o)), fixnum(v))
	w.shadow[slot][k] = v
}

// splice hangs a fresh young tail behind a random pair. When the pair
// is old this lands in the store buffer and must reach the remembered
// set before the tail can survive a minor collection.
func (w *worker) splice(slot int) {
	if w.frozen[slot] {
		return
	}
	n := len(w.shadow[slot])
	if n == 0 {
		w.newList(slot, 1+w.rng.Intn(8))
		return
	}
	k := w.rng.Intn(n)
	o := w.window[slot]
	for i := 0; i < k; i++ {
		o = cdrOf(o)
	}
	m := w.rng.Intn(8)
	vals := make([]int64, m)
	tail := gc.TaggedObject(0)
	height := w.a.TemporaryRootHeight()
	w.a.PushTemporaryRoot1(&o)
	for i := m - 1; i >= 0; i-- {
		vals[i] = w.randomValue()
		tail = w.newPair(fixnum(vals[i]), tail)
	}
	w.a.ResetTemporaryRootHeight(height)
	w.a.WriteBarrier(o, wordPtr(untag(o) + wordSize), tail)
	w.shadow[slot] = append(append([]int64{}, w.shadow[slot][:k+1]...), vals...)
}

// shareSlot publishes a list to the other heaplets and freezes it.
func (w *worker) shareSlot() {
	slot := w.rng.Intn(windowSlots)
	if w.frozen[slot] || len(w.shadow[slot]) == 0 {
		return
	}
	shared := w.a.Share(w.window[slot])
	w.window[slot] = shared
	w.frozen[slot] = true
	w.box.publish(shared)
}

// sharedStore writes a private young list into a shared tuple, which
// must drag the list into the shared generation.
func (w *worker) sharedStore() {
	p := w.a.AllocateWords(2)
	base := uintptr(p)
	*wordPtr(base) = codeTuple | gc.TaggedObject(1)<<8
	*wordPtr(base + wordSize) = 0
	t := w.a.Share(gc.TaggedObject(base | tagTuple))

	n := 1 + w.rng.Intn(4)
	lst := gc.TaggedObject(0)
	height := w.a.TemporaryRootHeight()
	w.a.PushTemporaryRoot1(&t)
	for i := 0; i < n; i++ {
		lst = w.newPair(fixnum(w.randomValue()), lst)
	}
	w.a.ResetTemporaryRootHeight(height)
	t, lst = w.a.WriteBarrier(t, wordPtr(untag(t) + wordSize), lst)
	if g := w.a.GenerationOf(lst); g != gc.GenerationShared {
		panic(fmt.Sprintf("list stored into a shared tuple is %s", g))
	}
}

// verify walks a list slot against its shadow.
func (w *worker) verify(slot int) error {
	if w.shadow[slot] == nil {
		return nil
	}
	o := w.window[slot]
	for i, want := range w.shadow[slot] {
		if o&tagMask != tagPair {
			return fmt.Errorf("slot %d element %d: not a pair: %#x",
				slot, i, uintptr(o))
		}
		if got := fixnumValue(carOf(o)); got != want {
			return fmt.Errorf("slot %d element %d: got %d, want %d",
				slot, i, got, want)
		}
		o = cdrOf(o)
	}
	if o != 0 {
		return fmt.Errorf("slot %d: trailing %#x after %d elements",
			slot, uintptr(o), len(w.shadow[slot]))
	}
	return nil
}

func (w *worker) verifyAll() error {
	for slot := range w.window {
		if err := w.verify(slot); err != nil {
			return err
		}
	}
	return nil
}

// readShared walks a list published by any heaplet.
func (w *worker) readShared() error {
	head, ok := w.box.pick(w.rng)
	if !ok {
		return nil
	}
	n := 0
	for o := head; o != 0; o = cdrOf(o) {
		if o&tagMask != tagPair {
			return fmt.Errorf("shared list: unexpected word %#x", uintptr(o))
		}
		if !isFixnum(carOf(o)) {
			return fmt.Errorf("shared list: boxed element %#x",
				uintptr(carOf(o)))
		}
		if n++; n > 1<<20 {
			return fmt.Errorf("shared list: no terminator after %d pairs", n)
		}
	}
	return nil
}

// pause deregisters around a sleep, as an embedder does around a
// blocking system call.
func (w *worker) pause() {
	d := time.Duration(w.rng.Intn(200)) * time.Microsecond
	w.a.BeforeBlocking()
	time.Sleep(d)
	w.a.AfterBlocking()
}

func (w *worker) step() error {
	w.a.SafePoint()
	switch w.rng.Intn(20) {
	case 0, 1, 2:
		w.newList(w.rng.Intn(windowSlots), w.rng.Intn(64))
	case 3, 4, 5:
		w.splice(w.rng.Intn(windowSlots))
	case 6, 7:
		w.mutate(w.rng.Intn(windowSlots))
	case 8, 9:
		w.newTuple()
	case 10, 11, 12:
		w.newHandle()
	case 13:
		w.dropSlot()
	case 14:
		return w.verify(w.rng.Intn(windowSlots))
	case 15:
		return w.readShared()
	case 16:
		if w.rng.Intn(4) == 0 {
			w.shareSlot()
		}
	case 17:
		if w.rng.Intn(4) == 0 {
			w.sharedStore()
		}
	case 18:
		w.pause()
	case 19:
		switch w.rng.Intn(24) {
		case 0:
			w.a.CollectMajor()
		case 1:
			w.a.CollectEither()
		case 2:
			w.a.CollectGlobal()
		default:
			w.a.CollectMinor()
		}
	}
	return nil
}

func dumpFormatFor(path string) gc.DumpFormat {
	if strings.HasSuffix(path, ".hex") {
		return gc.DumpFormatIHex
	}
	return gc.DumpFormatArchive
}

func runWorker(h *gc.Heap, counters *stressCounters, box *mailbox,
	seed int64, iterations int, dumpPath string, printStats bool) error {
	a := gc.NewHeaplet(h)
	w := newWorker(a, counters, box, seed)
	for i := 0; i < iterations; i++ {
		if err := w.step(); err != nil {
			return fmt.Errorf("%s step %d: %w", a.Name(), i, err)
		}
	}
	if err := w.verifyAll(); err != nil {
		return fmt.Errorf("%s: %w", a.Name(), err)
	}
	if dumpPath != "" {
		if err := a.WriteHeapDump(dumpPath, dumpFormatFor(dumpPath)); err != nil {
			return err
		}
	}
	if printStats {
		a.PrintStatistics(os.Stdout)
	}
	w.close()
	a.Destroy()
	return nil
}

func runInteractive(h *gc.Heap, counters *stressCounters, box *mailbox,
	seed int64, dumpPath string) error {
	t, err := tty.Open()
	if err != nil {
		return fmt.Errorf("opening the terminal: %w", err)
	}
	defer t.Close()

	a := gc.NewHeaplet(h)
	w := newWorker(a, counters, box, seed)
	fmt.Println("keys: m minor, M major, g global, s share, p statistics," +
		" d dump, q quit; anything else runs 100 workload steps")
	for {
		r, err := t.ReadRune()
		if err != nil {
			return err
		}
		switch r {
		case 'm':
			a.CollectMinor()
		case 'M':
			a.CollectMajor()
		case 'g':
			a.CollectGlobal()
		case 's':
			w.shareSlot()
		case 'p':
			a.PrintStatistics(os.Stdout)
		case 'd':
			path := dumpPath
			if path == "" {
				path = "gcstress.dump"
			}
			if err := a.WriteHeapDump(path, dumpFormatFor(path)); err != nil {
				fmt.Fprintf(os.Stderr, "dump: %v\n", err)
			}
		case 'q':
			w.close()
			a.Destroy()
			return nil
		default:
			for i := 0; i < 100; i++ {
				if err := w.step(); err != nil {
					return err
				}
			}
			fmt.Printf("%d handles made, %d finalized\n",
				counters.handlesMade.Load(),
				counters.handlesFinalized.Load())
		}
	}
}

func main() {
	var (
		profile     = flag.String("profile", "", "YAML configuration profile")
		stress      = flag.Bool("stress", false, "start from the stress configuration")
		iterations  = flag.Int("iterations", 20000, "workload steps per heaplet")
		heaplets    = flag.Int("heaplets", 4, "concurrent heaplets")
		seed        = flag.Int64("seed", 1, "workload random seed")
		interactive = flag.Bool("interactive", false, "drive collections from the keyboard")
		dump        = flag.String("dump", "", "write a heap dump here at the end (.hex for Intel HEX)")
		verbosity   = flag.Int("v", 0, "collection log verbosity")
	)
	flag.Parse()

	cfg := gc.DefaultConfig()
	if *stress {
		cfg = gc.StressConfig()
	}
	if *profile != "" {
		if err := cfg.ApplyProfile(*profile); err != nil {
			fmt.Fprintf(os.Stderr, "gcstress: %v\n", err)
			os.Exit(1)
		}
	}
	if *verbosity != 0 {
		cfg.Verbosity = *verbosity
	}
	// POKEGC has the last word.
	if err := cfg.ApplyEnvDefault(); err != nil {
		fmt.Fprintf(os.Stderr, "gcstress: %v\n", err)
		os.Exit(1)
	}

	counters := new(stressCounters)
	h := gc.NewHeap(newShapeTable(counters), cfg, nil)
	box := new(mailbox)

	if *interactive {
		if err := runInteractive(h, counters, box, *seed, *dump); err != nil {
			fmt.Fprintf(os.Stderr, "gcstress: %v\n", err)
			os.Exit(1)
		}
		h.Destroy()
		return
	}

	var wg sync.WaitGroup
	errs := make(chan error, *heaplets)
	for i := 0; i < *heaplets; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			dumpPath := ""
			if n == 0 {
				dumpPath = *dump
			}
			errs <- runWorker(h, counters, box, *seed+int64(n), *iterations,
				dumpPath, n == 0 && cfg.Verbosity > 0)
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			fmt.Fprintf(os.Stderr, "gcstress: %v\n", err)
			os.Exit(1)
		}
	}
	h.Destroy()

	made := counters.handlesMade.Load()
	finalized := counters.handlesFinalized.Load()
	if made != finalized {
		fmt.Fprintf(os.Stderr,
			"gcstress: %d handles allocated but %d finalized\n",
			made, finalized)
		os.Exit(1)
	}
	fmt.Printf("gcstress: %d heaplets x %d steps ok; %d handles allocated"+
		" and finalized\n", *heaplets, *iterations, made)
}
