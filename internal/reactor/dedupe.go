package reactor

import "sync"

const (
	// DefaultDedupeMax is the ceiling before a seen-set is compacted.
	DefaultDedupeMax = 10000
	// DefaultDedupeKeep is how many of the newest entries survive compaction.
	DefaultDedupeKeep = 5000
)

// SeenSet is a bounded set of recently observed keys, kept in insertion
// order. Once the set grows past max it is compacted down to the newest keep
// entries, so long-running streams cannot grow memory without bound while
// recent duplicates are still caught.
type SeenSet struct {
	mu    sync.Mutex
	keys  map[string]struct{}
	order []string
	max   int
	keep  int
}

func NewSeenSet(max, keep int) *SeenSet {
	if max <= 0 {
		max = DefaultDedupeMax
	}
	if keep <= 0 || keep > max {
		keep = max / 2
	}
	return &SeenSet{
		keys: make(map[string]struct{}, max),
		max:  max,
		keep: keep,
	}
}

// Seen reports whether key was already recorded. New keys are recorded and
// report false.
func (s *SeenSet) Seen(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.keys[key]; ok {
		return true
	}
	s.record(key)
	return false
}

// Has reports whether key was already recorded without recording it. Paired
// with Add when the caller must not consume the key until a side effect
// succeeds.
func (s *SeenSet) Has(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.keys[key]
	return ok
}

// Add records key. Already-recorded keys are a no-op.
func (s *SeenSet) Add(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.keys[key]; ok {
		return
	}
	s.record(key)
}

// record inserts key and compacts if needed. Callers must hold s.mu.
func (s *SeenSet) record(key string) {
	s.keys[key] = struct{}{}
	s.order = append(s.order, key)

	if len(s.order) > s.max {
		cut := len(s.order) - s.keep
		for _, old := range s.order[:cut] {
			delete(s.keys, old)
		}
		s.order = append(s.order[:0:0], s.order[cut:]...)
	}
}

func (s *SeenSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.order)
}
