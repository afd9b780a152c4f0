package cfg

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"gopkg.in/yaml.v3"
)

// File is the YAML config file. Keys left out keep the value from flags or
// environment.
type File struct {
	ConfigEnabled bool `yaml:"config_enabled"`

	EDRAPIKey       *string `yaml:"edr_api_key"`
	IntezerAPIKey   *string `yaml:"intezer_api_key"`
	EDRType         *string `yaml:"type"`
	BaseAddress     *string `yaml:"base_address"`
	IntezerBaseURL  *string `yaml:"intezer_base_url"`
	SSLVerification *bool   `yaml:"ssl_verification"`

	LookbackHours        *int     `yaml:"latest_edr_alerts_limit_in_hours"`
	ReuseDays            *int     `yaml:"latest_analysis_limit_in_days"`
	CooldownMinutes      *int     `yaml:"cooldown_in_minutes"`
	HTTPTimeoutSeconds   *int     `yaml:"http_timeout_in_seconds"`
	DownloadRetries      *int     `yaml:"download_retries"`
	DownloadDelaySeconds *int     `yaml:"download_timeout_in_seconds"`
	WaitCeilingMinutes   *int     `yaml:"wait_ceiling_in_minutes"`
	PollIntervalSeconds  *int     `yaml:"poll_interval_in_seconds"`
	HTTPRetries          *int     `yaml:"http_retries"`
	HTTPRetryDelayMs     *int     `yaml:"http_retry_delay_in_ms"`
	EDRRequestsPerSecond *float64 `yaml:"edr_requests_per_second"`
	ReportHistory        *int     `yaml:"report_history"`
	APIPort              *int     `yaml:"api_port"`
	APIToken             *string  `yaml:"api_token"`
	DatabaseURL          *string  `yaml:"database_url"`
	SlackWebhookURL      *string  `yaml:"slack_webhook_url"`
}

// LoadFile reads the YAML config at path. A missing file is not an error and
// yields (nil, nil).
func LoadFile(path string) (*File, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse config file %s: %w", path, err)
	}
	return &f, nil
}

// ApplyFile overrides c with every key f sets, but only when the file opts
// in with config_enabled. It reports whether the file was applied.
func (c *Config) ApplyFile(f *File) bool {
	if f == nil || !f.ConfigEnabled {
		return false
	}

	set(&c.EDRAPIKey, f.EDRAPIKey)
	set(&c.IntezerAPIKey, f.IntezerAPIKey)
	set(&c.EDRType, f.EDRType)
	set(&c.BaseAddress, f.BaseAddress)
	set(&c.IntezerBaseURL, f.IntezerBaseURL)
	set(&c.SSLVerification, f.SSLVerification)
	set(&c.LookbackHours, f.LookbackHours)
	set(&c.ReuseDays, f.ReuseDays)
	set(&c.CooldownMinutes, f.CooldownMinutes)
	set(&c.HTTPTimeoutSeconds, f.HTTPTimeoutSeconds)
	set(&c.DownloadRetries, f.DownloadRetries)
	set(&c.DownloadDelaySeconds, f.DownloadDelaySeconds)
	set(&c.WaitCeilingMinutes, f.WaitCeilingMinutes)
	set(&c.PollIntervalSeconds, f.PollIntervalSeconds)
	set(&c.HTTPRetries, f.HTTPRetries)
	set(&c.HTTPRetryDelayMs, f.HTTPRetryDelayMs)
	set(&c.EDRRequestsPerSecond, f.EDRRequestsPerSecond)
	set(&c.ReportHistory, f.ReportHistory)
	set(&c.APIPort, f.APIPort)
	set(&c.APIToken, f.APIToken)
	set(&c.DatabaseURL, f.DatabaseURL)
	set(&c.SlackWebhookURL, f.SlackWebhookURL)
	return true
}

func set[T any](dst *T, src *T) {
	if src != nil {
		*dst = *src
	}
}
