// Package analysis defines the malware-analysis backend capability.
package analysis

import (
	"context"
	"errors"
	"time"

	"github.com/linnemanlabs/edrlink/internal/report"
)

// ErrNotComposed means a prior analysis exists but is not fully aggregated,
// so it cannot be reused as a cache hit.
var ErrNotComposed = errors.New("analysis is not composed")

// Handle identifies one analysis on the backend.
type Handle string

// Status is the completion state of an analysis.
type Status string

const (
	StatusPending  Status = "pending"
	StatusComplete Status = "complete"
	StatusFailed   Status = "failed"
)

// HashOutcome is the result variant of a by-hash submission.
type HashOutcome int

const (
	// HashSubmitted means a new analysis was started for the hash.
	HashSubmitted HashOutcome = iota
	// HashAlreadyRunning means the backend is already analyzing this hash and
	// returned the running analysis.
	HashAlreadyRunning
	// HashUnknown means the backend has never seen the hash; the caller must
	// fall back to submitting the file itself.
	HashUnknown
)

func (o HashOutcome) String() string {
	switch o {
	case HashSubmitted:
		return "submitted"
	case HashAlreadyRunning:
		return "already_running"
	case HashUnknown:
		return "unknown"
	default:
		return "invalid"
	}
}

// HashSubmission is returned by Backend.SubmitHash. Handle is empty when
// Outcome is HashUnknown.
type HashSubmission struct {
	Outcome HashOutcome
	Handle  Handle
}

// FileSubmission is a passphrase protected archive to analyze.
type FileSubmission struct {
	Data       []byte
	Name       string
	Passphrase string
	Requester  string
}

// Backend is everything the connector needs from the analysis service.
type Backend interface {
	// FindRecentResult returns a private, composed analysis of fileHash that
	// completed within maxAge. ok is false when none qualifies.
	FindRecentResult(ctx context.Context, fileHash string, maxAge time.Duration) (h Handle, ok bool, err error)

	SubmitHash(ctx context.Context, fileHash string) (HashSubmission, error)
	SubmitFile(ctx context.Context, f FileSubmission) (Handle, error)

	// Poll checks completion without waiting.
	Poll(ctx context.Context, h Handle) (Status, error)

	// Summarize renders a human readable summary of a completed analysis.
	Summarize(ctx context.Context, h Handle) (string, error)

	// NoteMarker is the prefix of every summary Summarize renders. An alert
	// note starting with it was written by an earlier run.
	NoteMarker() string

	PostSummaryReport(ctx context.Context, r *report.Report) error
}
