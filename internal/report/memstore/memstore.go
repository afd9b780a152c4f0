// Package memstore provides an in-memory implementation of report.Store.
package memstore

import (
	"context"
	"slices"
	"sync"

	"github.com/linnemanlabs/edrlink/internal/report"
)

// DefaultCapacity is the number of reports kept when New is given zero.
const DefaultCapacity = 500

// Store holds the most recent cycle reports in memory. Oldest reports are
// evicted once capacity is reached.
type Store struct {
	mu       sync.RWMutex
	capacity int
	order    []string                  // report IDs, oldest first
	reports  map[string]*report.Report // report ID -> report
}

// New initializes a new in-memory Store holding at most capacity reports.
func New(capacity int) *Store {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Store{
		capacity: capacity,
		reports:  make(map[string]*report.Report),
	}
}

// Get retrieves a report by its ID. Returns a copy.
func (s *Store) Get(_ context.Context, id string) (*report.Report, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.reports[id]
	if !ok {
		return nil, false, nil
	}
	return clone(r), true, nil
}

// Put stores a copy of the report, replacing any report with the same ID.
func (s *Store) Put(_ context.Context, r *report.Report) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.reports[r.ID]; !ok {
		s.order = append(s.order, r.ID)
	}
	s.reports[r.ID] = clone(r)
	for len(s.order) > s.capacity {
		delete(s.reports, s.order[0])
		s.order = s.order[1:]
	}
	return nil
}

// List returns up to limit reports, newest first. limit <= 0 returns all.
func (s *Store) List(_ context.Context, limit int) ([]*report.Report, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := len(s.order)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]*report.Report, 0, n)
	for i := len(s.order) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, clone(s.reports[s.order[i]]))
	}
	return out, nil
}

// Len returns the number of stored reports.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.order)
}

func clone(r *report.Report) *report.Report {
	cp := *r
	cp.Exceptions = slices.Clone(r.Exceptions)
	return &cp
}
