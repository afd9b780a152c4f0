// Package dedup tracks in-flight analyses keyed by file hash and the set of
// alerts already resolved, so that each distinct file is analyzed once no
// matter how many alerts reference it.
package dedup

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/linnemanlabs/edrlink/internal/analysis"
	"github.com/linnemanlabs/edrlink/internal/edr"
)

var (
	// ErrAlreadyPending is returned by Register when the hash already has an
	// analysis in flight.
	ErrAlreadyPending = errors.New("hash already has a pending analysis")
	// ErrNotPending is returned by Resolve and Drop for an unknown hash.
	ErrNotPending = errors.New("hash has no pending analysis")
)

// SkipReason says why an alert was not dispatched. The zero value means it
// should be processed.
type SkipReason string

const (
	SkipNone          SkipReason = ""
	SkipUnsupportedOS SkipReason = "unsupported_os"
	SkipNoHash        SkipReason = "no_hash"
	SkipHandled       SkipReason = "handled"
	SkipPending       SkipReason = "pending"
)

// Entry is a snapshot of one pending analysis.
type Entry struct {
	FileHash     string          `json:"file_hash"`
	Handle       analysis.Handle `json:"analysis_id"`
	AlertIDs     []string        `json:"alert_ids"`
	RegisteredAt time.Time       `json:"registered_at"`
}

type pending struct {
	handle       analysis.Handle
	alertIDs     []string
	members      map[string]struct{}
	registeredAt time.Time
}

func (p *pending) add(id string) {
	if _, ok := p.members[id]; ok {
		return
	}
	p.members[id] = struct{}{}
	p.alertIDs = append(p.alertIDs, id)
}

// Store is safe for concurrent use. The loop is its only writer; the status
// API reads snapshots.
type Store struct {
	mu      sync.Mutex
	pending map[string]*pending
	handled map[string]struct{}
	now     func() time.Time
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		pending: make(map[string]*pending),
		handled: make(map[string]struct{}),
		now:     time.Now,
	}
}

// ShouldSkip decides whether alert must be left alone this cycle. When its
// hash is already pending, the alert id joins that analysis so the eventual
// note reaches it too.
func (s *Store) ShouldSkip(a edr.Alert) (bool, SkipReason) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case !a.AgentOS.Supported():
		return true, SkipUnsupportedOS
	case a.FileHash == "":
		return true, SkipNoHash
	}
	if _, ok := s.handled[a.ID]; ok {
		return true, SkipHandled
	}
	if p, ok := s.pending[a.FileHash]; ok {
		p.add(a.ID)
		return true, SkipPending
	}
	return false, SkipNone
}

// Register records a new in-flight analysis for fileHash.
func (s *Store) Register(fileHash string, h analysis.Handle, alertID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.pending[fileHash]; ok {
		return fmt.Errorf("register %s: %w", fileHash, ErrAlreadyPending)
	}
	p := &pending{
		handle:       h,
		members:      make(map[string]struct{}),
		registeredAt: s.now(),
	}
	p.add(alertID)
	s.pending[fileHash] = p
	return nil
}

// Resolve removes the pending analysis for fileHash and returns every alert
// id that shared it, in the order they joined.
func (s *Store) Resolve(fileHash string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.pending[fileHash]
	if !ok {
		return nil, fmt.Errorf("resolve %s: %w", fileHash, ErrNotPending)
	}
	delete(s.pending, fileHash)
	return p.alertIDs, nil
}

// Drop forgets a pending analysis without marking its alerts handled, making
// the hash eligible for resubmission.
func (s *Store) Drop(fileHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.pending[fileHash]; !ok {
		return fmt.Errorf("drop %s: %w", fileHash, ErrNotPending)
	}
	delete(s.pending, fileHash)
	return nil
}

// SeedHandled replaces the handled set.
func (s *Store) SeedHandled(alertIDs []string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.handled = make(map[string]struct{}, len(alertIDs))
	for _, id := range alertIDs {
		s.handled[id] = struct{}{}
	}
}

// MarkHandled adds alertIDs to the handled set.
func (s *Store) MarkHandled(alertIDs []string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range alertIDs {
		s.handled[id] = struct{}{}
	}
}

// IsHandled reports whether alertID was already resolved.
func (s *Store) IsHandled(alertID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.handled[alertID]
	return ok
}

// HandledCount is the size of the handled set.
func (s *Store) HandledCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.handled)
}

// IsPending reports whether fileHash has an analysis in flight.
func (s *Store) IsPending(fileHash string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.pending[fileHash]
	return ok
}

// PendingCount is the number of in-flight analyses.
func (s *Store) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Pending returns a copy of the pending table ordered by registration time.
func (s *Store) Pending() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Entry, 0, len(s.pending))
	for hash, p := range s.pending {
		out = append(out, Entry{
			FileHash:     hash,
			Handle:       p.handle,
			AlertIDs:     append([]string(nil), p.alertIDs...),
			RegisteredAt: p.registeredAt,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].RegisteredAt.Equal(out[j].RegisteredAt) {
			return out[i].FileHash < out[j].FileHash
		}
		return out[i].RegisteredAt.Before(out[j].RegisteredAt)
	})
	return out
}
