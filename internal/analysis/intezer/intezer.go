// Package intezer implements analysis.Backend against the Intezer Analyze
// REST API.
package intezer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/url"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/edrlink/internal/analysis"
	"github.com/linnemanlabs/edrlink/internal/httpx"
	"github.com/linnemanlabs/edrlink/internal/report"
)

// DefaultBaseURL is the public Intezer Analyze API.
const DefaultBaseURL = "https://analyze.intezer.com/api/v2-0"

// NoteMarker opens every rendered summary.
const NoteMarker = "Intezer Analyze"

// analysisTimeLayout is the backend's RFC 1123 timestamp, always in GMT.
const analysisTimeLayout = time.RFC1123

// Config configures the backend client.
type Config struct {
	BaseURL        string
	APIKey         string
	VerifyTLS      bool
	Timeout        time.Duration
	HTTPRetries    int
	HTTPRetryDelay time.Duration
	Now            func() time.Time
}

// Client is safe for concurrent use.
type Client struct {
	client *httpx.Client
	apiKey string
	logger log.Logger
	now    func() time.Time

	mu    sync.Mutex
	token string
}

var _ analysis.Backend = (*Client)(nil)

// New builds a Client. The access token is fetched lazily on the first call.
func New(cfg Config, logger log.Logger) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("intezer: api key is required")
	}
	base := cfg.BaseURL
	if base == "" {
		base = DefaultBaseURL
	}
	client, err := httpx.New(httpx.Options{
		BaseURL:    base,
		VerifyTLS:  cfg.VerifyTLS,
		Timeout:    cfg.Timeout,
		MaxRetries: cfg.HTTPRetries,
		RetryDelay: cfg.HTTPRetryDelay,
	})
	if err != nil {
		return nil, fmt.Errorf("intezer: %w", err)
	}
	if logger == nil {
		logger = log.Nop()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Client{client: client, apiKey: cfg.APIKey, logger: logger, now: now}, nil
}

type analysisResult struct {
	AnalysisID   string `json:"analysis_id"`
	AnalysisTime string `json:"analysis_time"`
	AnalysisURL  string `json:"analysis_url"`
	SHA256       string `json:"sha256"`
	Verdict      string `json:"verdict"`
	SubVerdict   string `json:"sub_verdict"`
	FamilyName   string `json:"family_name"`
}

type analysisEnvelope struct {
	Status string         `json:"status"`
	Result analysisResult `json:"result"`
}

// FindRecentResult looks up the latest private analysis of fileHash. Results
// that are not composed or older than maxAge are reported as absent.
func (c *Client) FindRecentResult(ctx context.Context, fileHash string, maxAge time.Duration) (analysis.Handle, bool, error) {
	resp, err := c.do(ctx, http.MethodGet, "/files/"+url.PathEscape(fileHash), url.Values{"private_only": {"true"}}, nil, "")
	if err != nil {
		return "", false, err
	}
	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return "", false, nil
	default:
		return "", false, httpx.NewStatusError(resp)
	}

	var env analysisEnvelope
	if err := json.Unmarshal(resp.Body, &env); err != nil {
		return "", false, fmt.Errorf("decode latest analysis: %w", err)
	}
	if env.Result.AnalysisID == "" {
		return "", false, nil
	}
	h := analysis.Handle(env.Result.AnalysisID)

	if err := c.checkComposed(ctx, h); err != nil {
		if errors.Is(err, analysis.ErrNotComposed) {
			c.logger.Info(ctx, "prior analysis is not composed", "analysis_id", h, "file_hash", fileHash)
			return "", false, nil
		}
		return "", false, err
	}

	at, err := time.Parse(analysisTimeLayout, env.Result.AnalysisTime)
	if err != nil {
		return "", false, fmt.Errorf("parse analysis time %q: %w", env.Result.AnalysisTime, err)
	}
	if at.Before(c.now().Add(-maxAge)) {
		return "", false, nil
	}
	return h, true, nil
}

// checkComposed returns analysis.ErrNotComposed unless the analysis exposes
// an aggregated root sub-analysis.
func (c *Client) checkComposed(ctx context.Context, h analysis.Handle) error {
	resp, err := c.do(ctx, http.MethodGet, "/analyses/"+url.PathEscape(string(h))+"/sub-analyses", nil, nil, "")
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return analysis.ErrNotComposed
	}
	var body struct {
		SubAnalyses []struct {
			Source string `json:"source"`
		} `json:"sub_analyses"`
	}
	if err := json.Unmarshal(resp.Body, &body); err != nil {
		return fmt.Errorf("decode sub-analyses: %w", err)
	}
	for _, s := range body.SubAnalyses {
		if s.Source == "root" {
			return nil
		}
	}
	return analysis.ErrNotComposed
}

// SubmitHash starts an analysis by hash. An unknown hash is an ordinary
// outcome, not an error.
func (c *Client) SubmitHash(ctx context.Context, fileHash string) (analysis.HashSubmission, error) {
	body, err := json.Marshal(map[string]string{"hash": fileHash})
	if err != nil {
		return analysis.HashSubmission{}, err
	}
	resp, err := c.do(ctx, http.MethodPost, "/analyze-by-hash", nil, body, "application/json")
	if err != nil {
		return analysis.HashSubmission{}, err
	}

	var outcome analysis.HashOutcome
	switch resp.StatusCode {
	case http.StatusCreated, http.StatusOK:
		outcome = analysis.HashSubmitted
	case http.StatusConflict:
		outcome = analysis.HashAlreadyRunning
	case http.StatusNotFound:
		return analysis.HashSubmission{Outcome: analysis.HashUnknown}, nil
	default:
		return analysis.HashSubmission{}, httpx.NewStatusError(resp)
	}

	h, err := handleFromResultURL(resp.Body)
	if err != nil {
		return analysis.HashSubmission{}, err
	}
	return analysis.HashSubmission{Outcome: outcome, Handle: h}, nil
}

// SubmitFile uploads a passphrase protected archive for analysis.
func (c *Client) SubmitFile(ctx context.Context, f analysis.FileSubmission) (analysis.Handle, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", f.Name)
	if err != nil {
		return "", fmt.Errorf("build upload: %w", err)
	}
	if _, err := fw.Write(f.Data); err != nil {
		return "", fmt.Errorf("build upload: %w", err)
	}
	fields := map[string]string{"zip_password": f.Passphrase, "requester": f.Requester}
	for k, v := range fields {
		if v == "" {
			continue
		}
		if err := mw.WriteField(k, v); err != nil {
			return "", fmt.Errorf("build upload: %w", err)
		}
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("build upload: %w", err)
	}

	resp, err := c.do(ctx, http.MethodPost, "/analyze", nil, buf.Bytes(), mw.FormDataContentType())
	if err != nil {
		return "", err
	}
	switch resp.StatusCode {
	case http.StatusCreated, http.StatusOK, http.StatusConflict:
		return handleFromResultURL(resp.Body)
	default:
		return "", httpx.NewStatusError(resp)
	}
}

func handleFromResultURL(body []byte) (analysis.Handle, error) {
	var r struct {
		ResultURL string `json:"result_url"`
	}
	if err := json.Unmarshal(body, &r); err != nil {
		return "", fmt.Errorf("decode submission: %w", err)
	}
	id := path.Base(strings.TrimRight(r.ResultURL, "/"))
	if r.ResultURL == "" || id == "." || id == "/" {
		return "", fmt.Errorf("submission response has no result_url")
	}
	return analysis.Handle(id), nil
}

// Poll checks an analysis without waiting.
func (c *Client) Poll(ctx context.Context, h analysis.Handle) (analysis.Status, error) {
	resp, env, err := c.getAnalysis(ctx, h)
	if err != nil {
		return "", err
	}
	if resp.StatusCode == http.StatusAccepted {
		return analysis.StatusPending, nil
	}
	switch env.Status {
	case "succeeded":
		return analysis.StatusComplete, nil
	case "failed":
		return analysis.StatusFailed, nil
	default:
		return analysis.StatusPending, nil
	}
}

// Summarize renders the completed analysis as note text.
func (c *Client) Summarize(ctx context.Context, h analysis.Handle) (string, error) {
	resp, env, err := c.getAnalysis(ctx, h)
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK || env.Status != "succeeded" {
		return "", fmt.Errorf("analysis %s is not complete", h)
	}
	return renderSummary(h, &env.Result), nil
}

// NoteMarker returns the prefix Summarize puts on every summary.
func (c *Client) NoteMarker() string { return NoteMarker }

func renderSummary(h analysis.Handle, r *analysisResult) string {
	var b strings.Builder
	b.WriteString(NoteMarker + " File Report\n")
	if r.SHA256 != "" {
		fmt.Fprintf(&b, "SHA256: %s\n", r.SHA256)
	}
	verdict := r.Verdict
	if verdict == "" {
		verdict = "unknown"
	}
	if r.SubVerdict != "" {
		fmt.Fprintf(&b, "Verdict: %s (%s)\n", verdict, r.SubVerdict)
	} else {
		fmt.Fprintf(&b, "Verdict: %s\n", verdict)
	}
	if r.FamilyName != "" {
		fmt.Fprintf(&b, "Family: %s\n", r.FamilyName)
	}
	link := r.AnalysisURL
	if link == "" {
		link = "https://analyze.intezer.com/analyses/" + string(h)
	}
	fmt.Fprintf(&b, "Analysis: %s", link)
	return b.String()
}

func (c *Client) getAnalysis(ctx context.Context, h analysis.Handle) (*httpx.Response, *analysisEnvelope, error) {
	resp, err := c.do(ctx, http.MethodGet, "/analyses/"+url.PathEscape(string(h)), nil, nil, "")
	if err != nil {
		return nil, nil, err
	}
	env := &analysisEnvelope{}
	switch resp.StatusCode {
	case http.StatusAccepted:
		return resp, env, nil
	case http.StatusOK:
		if err := json.Unmarshal(resp.Body, env); err != nil {
			return nil, nil, fmt.Errorf("decode analysis: %w", err)
		}
		return resp, env, nil
	default:
		return nil, nil, httpx.NewStatusError(resp)
	}
}

type summaryBody struct {
	FinishedAnalysesCount int      `json:"finished_analyses_count"`
	HandledAlertsCount    int      `json:"handled_alerts_count"`
	Exceptions            []string `json:"exceptions,omitempty"`
}

// PostSummaryReport sends the cycle counters to the backend.
func (c *Client) PostSummaryReport(ctx context.Context, r *report.Report) error {
	body, err := json.Marshal(summaryBody{
		FinishedAnalysesCount: r.FinishedAnalysisCount,
		HandledAlertsCount:    r.HandledAlertCount,
		Exceptions:            r.Exceptions,
	})
	if err != nil {
		return err
	}
	resp, err := c.do(ctx, http.MethodPost, "/edr-connector/summary", nil, body, "application/json")
	if err != nil {
		return err
	}
	if resp.StatusCode >= 300 {
		return httpx.NewStatusError(resp)
	}
	return nil
}

// do sends an authenticated request, refreshing the access token once when
// the backend rejects it.
func (c *Client) do(ctx context.Context, method, p string, q url.Values, body []byte, contentType string) (*httpx.Response, error) {
	token, err := c.accessToken(ctx, false)
	if err != nil {
		return nil, err
	}
	resp, err := c.send(ctx, method, p, q, body, contentType, token)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusUnauthorized {
		return resp, nil
	}

	c.logger.Info(ctx, "access token rejected, refreshing")
	if token, err = c.accessToken(ctx, true); err != nil {
		return nil, err
	}
	return c.send(ctx, method, p, q, body, contentType, token)
}

func (c *Client) send(ctx context.Context, method, p string, q url.Values, body []byte, contentType, token string) (*httpx.Response, error) {
	return c.client.Do(ctx, &httpx.Request{
		Method:      method,
		Path:        p,
		Query:       q,
		Body:        body,
		ContentType: contentType,
		Header:      http.Header{"Authorization": {"Bearer " + token}},
	})
}

func (c *Client) accessToken(ctx context.Context, refresh bool) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token != "" && !refresh {
		return c.token, nil
	}

	body, err := json.Marshal(map[string]string{"api_key": c.apiKey})
	if err != nil {
		return "", err
	}
	resp, err := c.client.Do(ctx, &httpx.Request{
		Method:      http.MethodPost,
		Path:        "/get-access-token",
		Body:        body,
		ContentType: "application/json",
	})
	if err != nil {
		return "", fmt.Errorf("get access token: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("get access token: %w", httpx.NewStatusError(resp))
	}
	var tok struct {
		Result string `json:"result"`
	}
	if err := json.Unmarshal(resp.Body, &tok); err != nil || tok.Result == "" {
		return "", fmt.Errorf("get access token: malformed response")
	}
	c.token = tok.Result
	return c.token, nil
}
