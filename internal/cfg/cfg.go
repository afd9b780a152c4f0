// Package cfg holds the connector's own configuration: credentials, vendor
// selection, loop timing and the optional status API and report history.
package cfg

import (
	"errors"
	"flag"
	"fmt"
	"time"

	"github.com/linnemanlabs/edrlink/internal/edr"
)

// Config adds connector-specific configuration fields to the
// common cfg.Registerable and cfg.Validatable interfaces
type Config struct {
	ConfigFile            string
	DrainSeconds          int
	ShutdownBudgetSeconds int

	EDRAPIKey       string
	IntezerAPIKey   string
	EDRType         string
	BaseAddress     string
	IntezerBaseURL  string
	SSLVerification bool

	LookbackHours        int
	ReuseDays            int
	CooldownMinutes      int
	HTTPTimeoutSeconds   int
	DownloadRetries      int
	DownloadDelaySeconds int
	WaitCeilingMinutes   int
	PollIntervalSeconds  int
	HTTPRetries          int
	HTTPRetryDelayMs     int
	EDRRequestsPerSecond float64
	ReportHistory        int
	APIPort              int
	APIToken             string
	DatabaseURL          string
	SlackWebhookURL      string
}

// RegisterFlags binds Config fields to the given FlagSet with defaults inline
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.StringVar(&c.ConfigFile, "config", "./config/config.yaml", "YAML config file, applied when it sets config_enabled: true")
	fs.IntVar(&c.DrainSeconds, "drain-seconds", 5, "seconds to wait for in-flight status API requests before shutdown (1..300)")
	fs.IntVar(&c.ShutdownBudgetSeconds, "shutdown-budget-seconds", 30, "total seconds for component shutdown after drain (1..300)")

	fs.StringVar(&c.EDRAPIKey, "edr-api-key", "", "EDR management console API token")
	fs.StringVar(&c.IntezerAPIKey, "intezer-api-key", "", "Intezer Analyze API key")
	fs.StringVar(&c.EDRType, "type", "", "EDR vendor type (S1)")
	fs.StringVar(&c.BaseAddress, "base-address", "", "EDR management console base URL")
	fs.StringVar(&c.IntezerBaseURL, "intezer-base-url", "https://analyze.intezer.com/api/v2-0", "Intezer Analyze API base URL")
	fs.BoolVar(&c.SSLVerification, "ssl-verification", true, "verify the EDR console TLS certificate")

	fs.IntVar(&c.LookbackHours, "latest-edr-alerts", 72, "alert look-back window in hours")
	fs.IntVar(&c.ReuseDays, "latest-analysis-limit", 30, "reuse prior analyses newer than this many days")
	fs.IntVar(&c.CooldownMinutes, "cooldown", 15, "minutes between cycle starts")
	fs.IntVar(&c.HTTPTimeoutSeconds, "http-timeout", 60, "per-call HTTP timeout in seconds")
	fs.IntVar(&c.DownloadRetries, "download-retries", 3, "file fetch readiness polls before giving up")
	fs.IntVar(&c.DownloadDelaySeconds, "download-timeout", 10, "seconds between file fetch readiness polls")
	fs.IntVar(&c.WaitCeilingMinutes, "wait-ceiling", 10, "minutes the wait phase may run per cycle")
	fs.IntVar(&c.PollIntervalSeconds, "poll-interval", 5, "seconds between wait phase sweeps")
	fs.IntVar(&c.HTTPRetries, "http-retries", 3, "retries per HTTP call after a connection failure")
	fs.IntVar(&c.HTTPRetryDelayMs, "http-retry-delay-ms", 500, "milliseconds between HTTP transport retries")
	fs.Float64Var(&c.EDRRequestsPerSecond, "edr-requests-per-second", 0, "EDR API request rate limit (0 = unlimited)")
	fs.IntVar(&c.ReportHistory, "report-history", 500, "cycle reports kept in memory when no database is configured")
	fs.IntVar(&c.APIPort, "api-port", 0, "status API listen TCP port (0 = disabled)")
	fs.StringVar(&c.APIToken, "api-token", "", "comma separated bearer tokens for the status API")
	fs.StringVar(&c.DatabaseURL, "database-url", "", "PostgreSQL connection URL for report history (empty = in-memory store)")
	fs.StringVar(&c.SlackWebhookURL, "slack-webhook-url", "", "Slack webhook URL for cycle report notifications")
}

// Validate checks all configuration fields for correctness.
// It returns an error if any field is invalid, or nil if all fields are valid.
func (c *Config) Validate() error {
	var errs []error

	// Drain and shutdown budgets
	if c.DrainSeconds <= 0 || c.DrainSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid DRAIN_SECONDS %d (must be 1..300)", c.DrainSeconds))
	}
	if c.ShutdownBudgetSeconds <= 0 || c.ShutdownBudgetSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid SHUTDOWN_BUDGET_SECONDS %d (must be 1..300)", c.ShutdownBudgetSeconds))
	}

	// Shutdown budget must be greater than drain time
	if c.ShutdownBudgetSeconds <= c.DrainSeconds {
		errs = append(errs, fmt.Errorf("SHUTDOWN_BUDGET_SECONDS %d must be greater than DRAIN_SECONDS %d", c.ShutdownBudgetSeconds, c.DrainSeconds))
	}

	// Credentials and vendor selection
	if c.EDRAPIKey == "" {
		errs = append(errs, errors.New("EDR_API_KEY is required"))
	}
	if c.IntezerAPIKey == "" {
		errs = append(errs, errors.New("INTEZER_API_KEY is required"))
	}
	if c.BaseAddress == "" {
		errs = append(errs, errors.New("BASE_ADDRESS is required"))
	}
	if c.EDRType == "" {
		errs = append(errs, errors.New("TYPE is required"))
	} else if _, err := edr.ParseType(c.EDRType); err != nil {
		errs = append(errs, fmt.Errorf("invalid TYPE: %w", err))
	}
	if c.IntezerBaseURL == "" {
		errs = append(errs, errors.New("INTEZER_BASE_URL is required"))
	}

	// Loop timing
	positive := []struct {
		name string
		v    int
	}{
		{"LATEST_EDR_ALERTS", c.LookbackHours},
		{"LATEST_ANALYSIS_LIMIT", c.ReuseDays},
		{"HTTP_TIMEOUT", c.HTTPTimeoutSeconds},
		{"WAIT_CEILING", c.WaitCeilingMinutes},
		{"POLL_INTERVAL", c.PollIntervalSeconds},
		{"HTTP_RETRIES", c.HTTPRetries},
		{"DOWNLOAD_RETRIES", c.DownloadRetries},
	}
	for _, p := range positive {
		if p.v <= 0 {
			errs = append(errs, fmt.Errorf("invalid %s %d (must be > 0)", p.name, p.v))
		}
	}
	if c.CooldownMinutes < 0 {
		errs = append(errs, fmt.Errorf("invalid COOLDOWN %d (must be >= 0)", c.CooldownMinutes))
	}
	if c.DownloadDelaySeconds < 0 {
		errs = append(errs, fmt.Errorf("invalid DOWNLOAD_TIMEOUT %d (must be >= 0)", c.DownloadDelaySeconds))
	}
	if c.HTTPRetryDelayMs < 0 {
		errs = append(errs, fmt.Errorf("invalid HTTP_RETRY_DELAY_MS %d (must be >= 0)", c.HTTPRetryDelayMs))
	}
	if c.EDRRequestsPerSecond < 0 {
		errs = append(errs, fmt.Errorf("invalid EDR_REQUESTS_PER_SECOND %g (must be >= 0)", c.EDRRequestsPerSecond))
	}

	// Status API port is optional; 0 disables it
	if c.APIPort < 0 || c.APIPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid API_PORT %d (must be 0..65535)", c.APIPort))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Type returns the parsed EDR vendor. Call after Validate.
func (c *Config) Type() edr.Type {
	t, _ := edr.ParseType(c.EDRType)
	return t
}

// Lookback is the alert look-back window.
func (c *Config) Lookback() time.Duration { return time.Duration(c.LookbackHours) * time.Hour }

// ReuseWindow is the maximum age of a reusable prior analysis.
func (c *Config) ReuseWindow() time.Duration { return time.Duration(c.ReuseDays) * 24 * time.Hour }

// Cooldown is the interval between cycle starts.
func (c *Config) Cooldown() time.Duration { return time.Duration(c.CooldownMinutes) * time.Minute }

// HTTPTimeout is the per-call timeout for outbound requests.
func (c *Config) HTTPTimeout() time.Duration { return time.Duration(c.HTTPTimeoutSeconds) * time.Second }

// DownloadDelay is the wait before each file fetch readiness poll.
func (c *Config) DownloadDelay() time.Duration {
	return time.Duration(c.DownloadDelaySeconds) * time.Second
}

// WaitCeiling bounds the wait phase of one cycle.
func (c *Config) WaitCeiling() time.Duration { return time.Duration(c.WaitCeilingMinutes) * time.Minute }

// PollInterval is the sleep between wait phase sweeps.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSeconds) * time.Second
}

// HTTPRetryDelay is the fixed delay between transport retries.
func (c *Config) HTTPRetryDelay() time.Duration {
	return time.Duration(c.HTTPRetryDelayMs) * time.Millisecond
}
