// Package wordset implements a small open-addressing hash set of machine
// words. It backs the collector's remembered set and a few debug tables,
// where insertion and membership must not allocate on the common path and
// where iteration order does not matter.
//
// The zero word is reserved as the empty-bucket marker and is not a legal
// member. There is no deletion; sets are either grown or cleared whole.
package wordset

const (
	initialLog2 = 6 // 64 buckets
	// Grow when the set is more than 2/3 full. Open addressing with
	// linear probing degrades quickly past that point.
	fillNum, fillDen = 2, 3
)

// Set is a set of nonzero uintptr words. The zero value is not ready for
// use; call New.
type Set struct {
	buckets []uintptr
	used    int
}

// New returns an empty set with room for a few members before the first
// grow.
func New() *Set {
	return &Set{buckets: make([]uintptr, 1<<initialLog2)}
}

func hashWord(w uintptr) uintptr {
	// Fibonacci hashing. Member words are usually aligned addresses, so
	// the low bits carry no entropy; multiplication spreads the high
	// bits everywhere.
	const multiplier = 0x9e3779b97f4a7c15 & (1<<(32<<(^uint(0)>>63)) - 1)
	return w * multiplier
}

// Len returns the number of members.
func (s *Set) Len() int {
	return s.used
}

// Has reports whether w is a member.
func (s *Set) Has(w uintptr) bool {
	mask := uintptr(len(s.buckets) - 1)
	i := hashWord(w) & mask
	for {
		b := s.buckets[i]
		if b == w {
			return true
		}
		if b == 0 {
			return false
		}
		i = (i + 1) & mask
	}
}

// Add inserts w, which must be nonzero. Inserting an existing member is a
// no-op. Returns true if the member is new.
func (s *Set) Add(w uintptr) bool {
	if w == 0 {
		panic("wordset: adding the zero word")
	}
	if (s.used+1)*fillDen > len(s.buckets)*fillNum {
		s.grow()
	}
	mask := uintptr(len(s.buckets) - 1)
	i := hashWord(w) & mask
	for {
		b := s.buckets[i]
		if b == w {
			return false
		}
		if b == 0 {
			s.buckets[i] = w
			s.used++
			return true
		}
		i = (i + 1) & mask
	}
}

// AddNew inserts w, which must not already be a member.
func (s *Set) AddNew(w uintptr) {
	if !s.Add(w) {
		panic("wordset: AddNew on an existing member")
	}
}

// Clear removes every member, keeping the current capacity.
func (s *Set) Clear() {
	for i := range s.buckets {
		s.buckets[i] = 0
	}
	s.used = 0
}

// Foreach calls f on every member until f returns false. Members must not
// be added during iteration.
func (s *Set) Foreach(f func(uintptr) bool) {
	for _, b := range s.buckets {
		if b == 0 {
			continue
		}
		if !f(b) {
			return
		}
	}
}

func (s *Set) grow() {
	old := s.buckets
	s.buckets = make([]uintptr, len(old)*2)
	s.used = 0
	for _, b := range old {
		if b != 0 {
			s.Add(b)
		}
	}
}
