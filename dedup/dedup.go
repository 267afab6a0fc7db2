// Package dedup remembers which chat message nodes have already been handled so
// each concrete node is processed at most once.
package dedup

import (
	"sync"

	"golang.org/x/net/html"
)

const (
	DefaultMaxSize       = 1000
	DefaultPruneFraction = 0.25
)

// Set is a bounded identity set of message nodes. Once it grows past its cap
// the oldest fraction is dropped in one batch. Safe for concurrent use.
type Set struct {
	mu       sync.Mutex
	max      int
	fraction float64
	seen     map[*html.Node]struct{}
	order    []*html.Node
	onPrune  func(n int)
}

// Option configures a Set.
type Option func(*Set)

// WithPruneHook is called (under no lock) with the batch size after each prune.
func WithPruneHook(fn func(n int)) Option { return func(s *Set) { s.onPrune = fn } }

// New builds a Set. Non-positive arguments fall back to the defaults.
func New(maxSize int, pruneFraction float64, opts ...Option) *Set {
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	if pruneFraction <= 0 || pruneFraction > 1 {
		pruneFraction = DefaultPruneFraction
	}
	s := &Set{max: maxSize, fraction: pruneFraction, seen: make(map[*html.Node]struct{})}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Add records n and reports whether it was new. Callers process the node only
// when Add returns true.
func (s *Set) Add(n *html.Node) bool {
	if n == nil {
		return false
	}
	s.mu.Lock()
	if _, ok := s.seen[n]; ok {
		s.mu.Unlock()
		return false
	}
	s.seen[n] = struct{}{}
	s.order = append(s.order, n)
	pruned := 0
	if len(s.order) > s.max {
		pruned = s.pruneLocked()
	}
	hook := s.onPrune
	s.mu.Unlock()

	if pruned > 0 && hook != nil {
		hook(pruned)
	}
	return true
}

func (s *Set) pruneLocked() int {
	batch := int(float64(s.max) * s.fraction)
	if batch < 1 {
		batch = 1
	}
	if over := len(s.order) - s.max; batch < over {
		batch = over
	}
	for _, n := range s.order[:batch] {
		delete(s.seen, n)
	}
	s.order = append(s.order[:0:0], s.order[batch:]...)
	return batch
}

// Has reports whether n is in the set.
func (s *Set) Has(n *html.Node) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.seen[n]
	return ok
}

// Len is the number of remembered nodes.
func (s *Set) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.order)
}

// Clear forgets everything, e.g. on a pipeline restart.
func (s *Set) Clear() {
	s.mu.Lock()
	s.seen = make(map[*html.Node]struct{})
	s.order = nil
	s.mu.Unlock()
}
