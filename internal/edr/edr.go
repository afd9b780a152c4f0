// Package edr defines the capability edrlink needs from an Endpoint Detection
// & Response platform, and the vendor-neutral types that flow through it.
package edr

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// OS is the operating system family reported for an alert's agent.
type OS string

const (
	OSWindows OS = "windows"
	OSLinux   OS = "linux"
	OSOther   OS = "other"
)

// ParseOS normalizes a vendor OS string. Anything not windows/linux is OSOther.
func ParseOS(s string) OS {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case string(OSWindows):
		return OSWindows
	case string(OSLinux):
		return OSLinux
	default:
		return OSOther
	}
}

// Supported reports whether files from this OS can be analyzed.
func (o OS) Supported() bool {
	return o == OSWindows || o == OSLinux
}

// Alert is a detection event fetched from the EDR. Immutable after creation.
type Alert struct {
	ID          string
	FileHash    string // empty when the vendor reported no hash
	AgentActive bool
	AgentOS     OS
}

// Note is a single note attached to an alert.
type Note struct {
	Text string
}

// Artifact is a file downloaded from an agent. Data is a passphrase protected
// archive; Passphrase is the one-time secret generated for the fetch.
type Artifact struct {
	Data       []byte
	Passphrase string
}

// Gateway is the set of EDR operations the connector depends on.
// Every call returns an error on a non-success vendor response.
type Gateway interface {
	// FetchRecentAlerts returns alerts created within lookback, newest first.
	FetchRecentAlerts(ctx context.Context, lookback time.Duration) ([]Alert, error)

	// DownloadFile fetches the alert's file from its agent. A nil Artifact
	// with a nil error means the file was not made available in time.
	DownloadFile(ctx context.Context, alertID string) (*Artifact, error)

	ReadNotes(ctx context.Context, alertID string) ([]Note, error)

	// WriteNote attaches one note to every alert in alertIDs in a single call.
	WriteNote(ctx context.Context, alertIDs []string, text string) error
}

// Type selects a Gateway implementation.
type Type string

const (
	TypeSentinelOne Type = "S1"
)

// Types lists every supported vendor.
var Types = []Type{TypeSentinelOne}

// ParseType matches s against the known vendors, case-insensitively.
func ParseType(s string) (Type, error) {
	for _, t := range Types {
		if strings.EqualFold(string(t), strings.TrimSpace(s)) {
			return t, nil
		}
	}
	return "", fmt.Errorf("unknown edr type %q", s)
}

// Requester is the tag sent to the analysis backend for file submissions.
func (t Type) Requester() string {
	return strings.ToLower(string(t))
}
