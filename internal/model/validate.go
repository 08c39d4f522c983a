package model

import (
	"strings"
	"time"
)

const (
	MinInterval       = 5 * time.Minute
	MaxInterval       = 30 * 24 * time.Hour
	MaxScrapeDelay    = 10 * time.Minute
	MaxRequestTimeout = 5 * time.Minute
	MaxRetries        = 10
)

// Normalize trims names and keyword entries and drops empty ones.
func (c *SourceConfig) Normalize() {
	c.Name = strings.TrimSpace(c.Name)
	c.Keywords = cleanList(c.Keywords)
	c.EnabledSources = cleanList(c.EnabledSources)
	c.NotifyEmail = strings.TrimSpace(c.NotifyEmail)
	c.TelegramChatID = strings.TrimSpace(c.TelegramChatID)
}

// Validate checks the config against the set of known adapter names.
// A nil known set skips the source name check.
func (c SourceConfig) Validate(known map[string]bool) error {
	if c.Name == "" {
		return &ValidationError{Field: "name", Reason: "is required"}
	}
	if len(c.Keywords) == 0 {
		return &ValidationError{Field: "keywords", Reason: "at least one keyword is required"}
	}
	if len(c.EnabledSources) == 0 {
		return &ValidationError{Field: "enabled_sources", Reason: "at least one source must be enabled"}
	}
	seen := make(map[string]bool, len(c.EnabledSources))
	for _, s := range c.EnabledSources {
		if seen[s] {
			return &ValidationError{Field: "enabled_sources", Reason: "duplicate source " + s}
		}
		seen[s] = true
		if known != nil && !known[s] {
			return &ValidationError{Field: "enabled_sources", Reason: "unknown source " + s}
		}
	}
	if c.Interval < MinInterval || c.Interval > MaxInterval {
		return &ValidationError{Field: "interval", Reason: "must be between 5m and 720h"}
	}
	if c.ScrapeDelay < 0 || c.ScrapeDelay > MaxScrapeDelay {
		return &ValidationError{Field: "scrape_delay", Reason: "out of range"}
	}
	if c.MaxRetries < 0 || c.MaxRetries > MaxRetries {
		return &ValidationError{Field: "max_retries", Reason: "must be 0..10"}
	}
	if c.RequestTimeout <= 0 || c.RequestTimeout > MaxRequestTimeout {
		return &ValidationError{Field: "request_timeout", Reason: "must be positive and at most 5m"}
	}
	if c.MinDeadlineLeadDays < 0 || c.MinDeadlineLeadDays > 365 {
		return &ValidationError{Field: "min_deadline_lead_days", Reason: "must be 0..365"}
	}
	if c.NotifyEmail != "" && !strings.Contains(c.NotifyEmail, "@") {
		return &ValidationError{Field: "notify_email", Reason: "not an email address"}
	}
	return nil
}

func cleanList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, v := range in {
		v = strings.TrimSpace(v)
		if v != "" {
			out = append(out, v)
		}
	}
	return out
}
