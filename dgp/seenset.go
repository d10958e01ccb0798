package dgp

import "container/heap"

// DefaultMaxSeenEntries bounds the at-most-once receiver's "seen" set
// so a run where cleanup timers are starved cannot grow it without
// bound. Eviction drops the soonest-expiring entry first, via a
// container/heap keyed on logical-time expiry.
const DefaultMaxSeenEntries = 100000

// NewSeenSet creates an empty, capacity-bounded seen-set.
func NewSeenSet(maxEntries int) *SeenSet {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxSeenEntries
	}
	h := make(seqHeap, 0)
	heap.Init(&h)
	return &SeenSet{maxEntries: maxEntries, items: map[uint64]*seqEntry{}, evictionHeap: h}
}

// SeenSet is the at-most-once receiver's bounded record of delivered
// sequence numbers. Entries are normally removed by an explicit
// cleanup timer; the heap only protects against unbounded growth if
// cleanup timers are ever starved.
type SeenSet struct {
	maxEntries   int
	items        map[uint64]*seqEntry
	evictionHeap seqHeap
}

type seqEntry struct {
	seq        uint64
	expiryTime float64
}

// Contains reports whether seq is currently recorded as seen.
func (s *SeenSet) Contains(seq uint64) bool {
	_, ok := s.items[seq]
	return ok
}

// Add records seq as seen with the given logical expiry time, evicting
// the soonest-expiring entry if the set is at capacity.
func (s *SeenSet) Add(seq uint64, expiryTime float64) {
	if _, ok := s.items[seq]; ok {
		return
	}
	if len(s.items) >= s.maxEntries {
		s.evictOne()
	}
	entry := &seqEntry{seq: seq, expiryTime: expiryTime}
	s.items[seq] = entry
	heap.Push(&s.evictionHeap, entry)
}

// Remove deletes seq from the set. Idempotent.
func (s *SeenSet) Remove(seq uint64) {
	entry, ok := s.items[seq]
	if !ok {
		return
	}
	delete(s.items, seq)
	for i, e := range s.evictionHeap {
		if e == entry {
			heap.Remove(&s.evictionHeap, i)
			break
		}
	}
}

func (s *SeenSet) evictOne() {
	if len(s.evictionHeap) == 0 {
		return
	}
	evicted := heap.Pop(&s.evictionHeap).(*seqEntry)
	delete(s.items, evicted.seq)
}

// Len returns the number of entries currently recorded.
func (s *SeenSet) Len() int { return len(s.items) }

type seqHeap []*seqEntry

func (h seqHeap) Len() int            { return len(h) }
func (h seqHeap) Less(i, j int) bool  { return h[i].expiryTime < h[j].expiryTime }
func (h seqHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *seqHeap) Push(v any)         { *h = append(*h, v.(*seqEntry)) }
func (h *seqHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
