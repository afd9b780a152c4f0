// Package sentinelone implements edr.Gateway against the SentinelOne
// management console REST API (v2.1).
package sentinelone

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/edrlink/internal/edr"
	"github.com/linnemanlabs/edrlink/internal/httpx"
)

const (
	apiPrefix      = "/web/api/v2.1"
	threatsRoute   = apiPrefix + "/threats"
	fetchFileRoute = apiPrefix + "/threats/fetch-file"
	activityRoute  = apiPrefix + "/activities"
	notesRoute     = apiPrefix + "/threats/notes"

	// activityFileUploaded is the activity type emitted once a fetched file
	// is ready for download.
	activityFileUploaded = 86

	pageLimit = 1000
	maxPages  = 10

	// fetchClockSkew widens the activity lower bound so an event stamped
	// slightly before our clock is still matched.
	fetchClockSkew = 5 * time.Second
)

// Config configures the gateway.
type Config struct {
	BaseURL           string
	APIKey            string
	VerifyTLS         bool
	Timeout           time.Duration
	HTTPRetries       int
	HTTPRetryDelay    time.Duration
	RequestsPerSecond float64

	// DownloadRetries is how many times the activity feed is polled for a
	// download URL after a fetch command.
	DownloadRetries int
	// DownloadDelay is the pause before each activity poll.
	DownloadDelay time.Duration

	// Now and Sleep are injectable for tests.
	Now   func() time.Time
	Sleep func(ctx context.Context, d time.Duration) error
}

// Gateway talks to one SentinelOne console.
type Gateway struct {
	client          *httpx.Client
	logger          log.Logger
	downloadRetries int
	downloadDelay   time.Duration
	now             func() time.Time
	sleep           func(ctx context.Context, d time.Duration) error
}

var _ edr.Gateway = (*Gateway)(nil)

// New builds a Gateway. The base address must be https unless VerifyTLS is false.
func New(cfg Config, logger log.Logger) (*Gateway, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("sentinelone: api key is required")
	}
	client, err := httpx.New(httpx.Options{
		BaseURL:           cfg.BaseURL,
		VerifyTLS:         cfg.VerifyTLS,
		Timeout:           cfg.Timeout,
		MaxRetries:        cfg.HTTPRetries,
		RetryDelay:        cfg.HTTPRetryDelay,
		RequestsPerSecond: cfg.RequestsPerSecond,
		Header:            http.Header{"Authorization": {"ApiToken " + cfg.APIKey}},
	})
	if err != nil {
		return nil, fmt.Errorf("sentinelone: %w", err)
	}
	if logger == nil {
		logger = log.Nop()
	}

	g := &Gateway{
		client:          client,
		logger:          logger,
		downloadRetries: cfg.DownloadRetries,
		downloadDelay:   cfg.DownloadDelay,
		now:             cfg.Now,
		sleep:           cfg.Sleep,
	}
	if g.now == nil {
		g.now = time.Now
	}
	if g.sleep == nil {
		g.sleep = sleepCtx
	}
	return g, nil
}

type threat struct {
	ID         string `json:"id"`
	ThreatInfo struct {
		SHA256 string `json:"sha256"`
		SHA1   string `json:"sha1"`
		MD5    string `json:"md5"`
	} `json:"threatInfo"`
	AgentRealtimeInfo struct {
		AgentIsActive bool   `json:"agentIsActive"`
		AgentOSType   string `json:"agentOsType"`
	} `json:"agentRealtimeInfo"`
}

type threatsPage struct {
	Data       []threat `json:"data"`
	Pagination struct {
		NextCursor string `json:"nextCursor"`
	} `json:"pagination"`
}

// FetchRecentAlerts lists threats created within lookback, newest first.
func (g *Gateway) FetchRecentAlerts(ctx context.Context, lookback time.Duration) ([]edr.Alert, error) {
	since := g.now().UTC().Add(-lookback)
	q := url.Values{
		"createdAt__gte": {since.Format(time.RFC3339Nano)},
		"limit":          {strconv.Itoa(pageLimit)},
		"sortOrder":      {"desc"},
	}

	var alerts []edr.Alert
	for range maxPages {
		var page threatsPage
		if err := g.getJSON(ctx, threatsRoute, q, &page); err != nil {
			return nil, fmt.Errorf("fetch threats: %w", err)
		}
		for i := range page.Data {
			alerts = append(alerts, normalizeThreat(&page.Data[i]))
		}
		if page.Pagination.NextCursor == "" {
			break
		}
		q.Set("cursor", page.Pagination.NextCursor)
	}
	return alerts, nil
}

func normalizeThreat(t *threat) edr.Alert {
	hash := t.ThreatInfo.SHA256
	if hash == "" {
		hash = t.ThreatInfo.SHA1
	}
	if hash == "" {
		hash = t.ThreatInfo.MD5
	}
	return edr.Alert{
		ID:          t.ID,
		FileHash:    hash,
		AgentActive: t.AgentRealtimeInfo.AgentIsActive,
		AgentOS:     edr.ParseOS(t.AgentRealtimeInfo.AgentOSType),
	}
}

// DownloadFile asks the agent to upload the threat's file, waits for the
// console to report it ready and downloads the protected archive.
func (g *Gateway) DownloadFile(ctx context.Context, alertID string) (*edr.Artifact, error) {
	downloadURL, passphrase, err := g.fetchFile(ctx, alertID)
	if err != nil {
		return nil, err
	}
	if downloadURL == "" {
		return nil, nil
	}

	resp, err := g.do(ctx, http.MethodGet, apiPrefix+downloadURL, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("download file: %w", err)
	}
	g.logger.Info(ctx, "file downloaded", "alert_id", alertID, "bytes", len(resp.Body))

	return &edr.Artifact{Data: resp.Body, Passphrase: passphrase}, nil
}

type activitiesPage struct {
	Data []struct {
		Data struct {
			DownloadURL string `json:"downloadUrl"`
		} `json:"data"`
	} `json:"data"`
}

func (g *Gateway) fetchFile(ctx context.Context, alertID string) (downloadURL, passphrase string, err error) {
	passphrase, err = newPassphrase()
	if err != nil {
		return "", "", err
	}
	fetchTime := g.now().UTC().Add(-fetchClockSkew)

	body := map[string]any{
		"data":   map[string]any{"password": passphrase},
		"filter": map[string]any{"ids": []string{alertID}},
	}
	if err := g.postJSON(ctx, fetchFileRoute, body); err != nil {
		return "", "", fmt.Errorf("send fetch-file command: %w", err)
	}

	q := url.Values{
		"threatIds":      {alertID},
		"activityTypes":  {strconv.Itoa(activityFileUploaded)},
		"createdAt__gte": {fetchTime.Format(time.RFC3339Nano)},
	}
	for attempt := range g.downloadRetries {
		if err := g.sleep(ctx, g.downloadDelay); err != nil {
			return "", "", err
		}
		var page activitiesPage
		if err := g.getJSON(ctx, activityRoute, q, &page); err != nil {
			return "", "", fmt.Errorf("poll activities: %w", err)
		}
		for _, a := range page.Data {
			if a.Data.DownloadURL != "" {
				return a.Data.DownloadURL, passphrase, nil
			}
		}
		g.logger.Info(ctx, "file not ready yet", "alert_id", alertID, "attempt", attempt+1)
	}

	g.logger.Warn(ctx, "timed out fetching file, the endpoint is most likely powered off or the agent is shut down",
		"alert_id", alertID, "retries", g.downloadRetries)
	return "", "", nil
}

type notesPage struct {
	Data []struct {
		Text string `json:"text"`
	} `json:"data"`
}

// ReadNotes lists the notes attached to a threat.
func (g *Gateway) ReadNotes(ctx context.Context, alertID string) ([]edr.Note, error) {
	var page notesPage
	if err := g.getJSON(ctx, threatsRoute+"/"+url.PathEscape(alertID)+"/notes", nil, &page); err != nil {
		return nil, fmt.Errorf("read notes: %w", err)
	}
	notes := make([]edr.Note, 0, len(page.Data))
	for _, n := range page.Data {
		notes = append(notes, edr.Note{Text: n.Text})
	}
	return notes, nil
}

// WriteNote adds one note to all of alertIDs in a single request.
func (g *Gateway) WriteNote(ctx context.Context, alertIDs []string, text string) error {
	body := map[string]any{
		"data":   map[string]any{"text": text},
		"filter": map[string]any{"ids": alertIDs},
	}
	if err := g.postJSON(ctx, notesRoute, body); err != nil {
		return fmt.Errorf("write note: %w", err)
	}
	g.logger.Info(ctx, "note sent", "alert_ids", alertIDs)
	return nil
}

func (g *Gateway) getJSON(ctx context.Context, path string, q url.Values, out any) error {
	resp, err := g.do(ctx, http.MethodGet, path, q, nil)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(resp.Body, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (g *Gateway) postJSON(ctx context.Context, path string, in any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	_, err = g.do(ctx, http.MethodPost, path, nil, body)
	return err
}

func (g *Gateway) do(ctx context.Context, method, path string, q url.Values, body []byte) (*httpx.Response, error) {
	req := &httpx.Request{Method: method, Path: path, Query: q, Body: body}
	if body != nil {
		req.ContentType = "application/json"
	}
	resp, err := g.client.Do(ctx, req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		se := &httpx.StatusError{StatusCode: resp.StatusCode, Message: formatErrors(resp.Body)}
		g.logger.Error(ctx, se, "sentinelone request failed", "method", method, "path", path)
		return nil, se
	}
	return resp, nil
}

type apiError struct {
	Title   string `json:"title"`
	Details string `json:"details"`
	Code    *int   `json:"code"`
}

// formatErrors renders the console's errors array as "title: details (code:N)"
// lines. An unparseable body yields an empty message.
func formatErrors(body []byte) string {
	var payload struct {
		Errors []apiError `json:"errors"`
	}
	if err := json.Unmarshal(body, &payload); err != nil || len(payload.Errors) == 0 {
		return ""
	}
	lines := make([]string, 0, len(payload.Errors))
	for _, e := range payload.Errors {
		var b strings.Builder
		b.WriteString(e.Title)
		if e.Details != "" {
			b.WriteString(": ")
			b.WriteString(e.Details)
		}
		if e.Code != nil {
			fmt.Fprintf(&b, " (code:%d)", *e.Code)
		}
		lines = append(lines, b.String())
	}
	return strings.Join(lines, "\n")
}

// newPassphrase returns a one-time, URL-safe archive password.
func newPassphrase() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate passphrase: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
