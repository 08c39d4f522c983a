package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"

	"bandi/internal/model"
)

const defaultAdminSecret = "CHANGEME_STRONG_SECRET"

type Config struct {
	ListenAddress       string             `json:"listen_address"`
	AdminSecret         string             `json:"admin_secret"`
	AdminBindCIDRs      []string           `json:"admin_bind_cidrs"`
	DatabasePath        string             `json:"database_path"`
	LogLevel            string             `json:"log_level"`
	Timezone            string             `json:"timezone"`
	HTTPReadTimeoutSec  int                `json:"http_read_timeout_sec"`
	HTTPWriteTimeoutSec int                `json:"http_write_timeout_sec"`
	HTTPIdleTimeoutSec  int                `json:"http_idle_timeout_sec"`
	MaxBodyBytes        int64              `json:"max_body_bytes"`
	FetchConcurrency    int                `json:"fetch_concurrency"`
	MaxResponseBytes    int64              `json:"max_response_bytes"`
	UserAgent           string             `json:"user_agent"`
	Scheduler           SchedulerConfig    `json:"scheduler"`
	Matcher             MatcherConfig      `json:"matcher"`
	Alerts              AlertConfig        `json:"alerts"`
	Notify              NotifyConfig       `json:"notify"`
	Sources             []SourceDefinition `json:"sources"`
	SourceConfigs       []SeedSourceConfig `json:"source_configs"`
}

type SchedulerConfig struct {
	PollIntervalSec         int    `json:"poll_interval_sec"`
	Workers                 int    `json:"workers"`
	ShutdownGraceSec        int    `json:"shutdown_grace_sec"`
	ArchiveIntervalHours    int    `json:"archive_interval_hours"`
	RetentionDays           int    `json:"retention_days"`
	NewMatchIntervalMinutes int    `json:"new_match_interval_minutes"`
	DeadlineIntervalMinutes int    `json:"deadline_interval_minutes"`
	DigestSchedule          string `json:"digest_schedule"`
	EmbeddingRefreshMinutes int    `json:"embedding_refresh_minutes"`
}

type MatcherConfig struct {
	Provider         string  `json:"provider"`
	Model            string  `json:"model"`
	APIKey           string  `json:"api_key"`
	Dimensions       int     `json:"dimensions"`
	FreshnessHours   int     `json:"freshness_hours"`
	BatchSize        int     `json:"batch_size"`
	DefaultThreshold float64 `json:"default_threshold"`
	DefaultLimit     int     `json:"default_limit"`
}

type AlertConfig struct {
	MinRelevance   float64 `json:"min_relevance"`
	NewWindowHours int     `json:"new_window_hours"`
	NewMatchLimit  int     `json:"new_match_limit"`
	ReminderDays   []int   `json:"reminder_days"`
	DigestTopN     int     `json:"digest_top_n"`
}

type NotifyConfig struct {
	SMTPServer    string `json:"smtp_server"`
	SMTPPort      int    `json:"smtp_port"`
	SMTPUser      string `json:"smtp_user"`
	SMTPPass      string `json:"smtp_pass"`
	FromEmail     string `json:"from_email"`
	TelegramToken string `json:"telegram_token"`
}

func (n NotifyConfig) EmailEnabled() bool {
	return n.SMTPServer != "" && n.SMTPUser != "" && n.SMTPPass != ""
}

func (n NotifyConfig) TelegramEnabled() bool {
	return n.TelegramToken != ""
}

func defaultConfig() Config {
	return Config{
		ListenAddress:       "127.0.0.1:8080",
		AdminSecret:         defaultAdminSecret,
		AdminBindCIDRs:      []string{"127.0.0.1/32", "::1/128", "10.0.0.0/8", "192.168.0.0/16"},
		DatabasePath:        "bandi.db",
		LogLevel:            "info",
		Timezone:            "Europe/Rome",
		HTTPReadTimeoutSec:  10,
		HTTPWriteTimeoutSec: 60,
		HTTPIdleTimeoutSec:  60,
		MaxBodyBytes:        1 << 20,
		FetchConcurrency:    4,
		MaxResponseBytes:    8 << 20,
		UserAgent:           "bandi-monitor/1.0",
		Scheduler: SchedulerConfig{
			PollIntervalSec:         120,
			Workers:                 4,
			ShutdownGraceSec:        30,
			ArchiveIntervalHours:    24,
			RetentionDays:           365,
			NewMatchIntervalMinutes: 60,
			DeadlineIntervalMinutes: 60,
			DigestSchedule:          "0 8 * * 1",
			EmbeddingRefreshMinutes: 60,
		},
		Matcher: MatcherConfig{
			Provider:         "local",
			Dimensions:       384,
			FreshnessHours:   24,
			BatchSize:        256,
			DefaultThreshold: 0.3,
			DefaultLimit:     20,
		},
		Alerts: AlertConfig{
			MinRelevance:   0.3,
			NewWindowHours: 24,
			NewMatchLimit:  5,
			ReminderDays:   []int{7, 3, 1},
			DigestTopN:     3,
		},
		Notify: NotifyConfig{
			SMTPServer: "smtp.gmail.com",
			SMTPPort:   587,
		},
		Sources:       []SourceDefinition{},
		SourceConfigs: []SeedSourceConfig{},
	}
}

func LoadOrInit(path string) (Config, bool, error) {
	path = filepath.Clean(path)
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		cfg := defaultConfig()
		if err := writeConfig(path, cfg); err != nil {
			return Config{}, false, err
		}
		return cfg, true, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, false, fmt.Errorf("read config: %w", err)
	}
	cfg, err := Parse(b)
	if err != nil {
		return Config{}, false, err
	}
	return cfg, false, nil
}

// Parse decodes a config document over the defaults, applies environment overrides and
// validates the result. Unknown keys are rejected.
func Parse(b []byte) (Config, error) {
	cfg := defaultConfig()
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadEnvFile loads KEY=VALUE pairs from a dotenv file into the process environment.
// A missing file is not an error.
func LoadEnvFile(path string) error {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load env file: %w", err)
	}
	return nil
}

func (c *Config) applyEnv() {
	setFromEnv(&c.AdminSecret, "BANDI_ADMIN_SECRET")
	setFromEnv(&c.Notify.SMTPPass, "BANDI_SMTP_PASS")
	setFromEnv(&c.Notify.TelegramToken, "BANDI_TELEGRAM_TOKEN")
	switch c.Matcher.Provider {
	case "openai":
		setFromEnv(&c.Matcher.APIKey, "OPENAI_API_KEY")
	case "gemini":
		setFromEnv(&c.Matcher.APIKey, "GEMINI_API_KEY")
	}
}

func setFromEnv(dst *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*dst = v
	}
}

func writeConfig(path string, cfg Config) error {
	b, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	b = append(b, '\n')
	return os.WriteFile(path, b, 0o600)
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.ListenAddress) == "" {
		return errors.New("listen_address is required")
	}
	if c.AdminSecret == "" || c.AdminSecret == defaultAdminSecret {
		return errors.New("admin_secret must be set to a non-default value")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return errors.New("database_path is required")
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return fmt.Errorf("timezone: %w", err)
	}
	if c.MaxBodyBytes <= 0 {
		return errors.New("max_body_bytes must be positive")
	}
	if c.MaxResponseBytes <= 0 {
		return errors.New("max_response_bytes must be positive")
	}
	if c.FetchConcurrency <= 0 || c.FetchConcurrency > 64 {
		return errors.New("fetch_concurrency must be 1..64")
	}
	if err := c.Scheduler.validate(); err != nil {
		return err
	}
	if err := c.Matcher.validate(); err != nil {
		return err
	}
	if err := c.Alerts.validate(); err != nil {
		return err
	}
	if c.Notify.SMTPPort <= 0 || c.Notify.SMTPPort > 65535 {
		return errors.New("notify.smtp_port out of range")
	}
	known := make(map[string]bool, len(c.Sources))
	for i, def := range c.Sources {
		if err := def.Validate(); err != nil {
			return fmt.Errorf("sources[%d]: %w", i, err)
		}
		if known[def.Name] {
			return fmt.Errorf("sources[%d]: duplicate source name %q", i, def.Name)
		}
		known[def.Name] = true
	}
	names := make(map[string]bool, len(c.SourceConfigs))
	for i, seed := range c.SourceConfigs {
		sc := seed.ToModel()
		if err := sc.Validate(known); err != nil {
			return fmt.Errorf("source_configs[%d]: %w", i, err)
		}
		if names[sc.Name] {
			return fmt.Errorf("source_configs[%d]: duplicate name %q", i, sc.Name)
		}
		names[sc.Name] = true
	}
	return nil
}

// SourceNames returns the set of configured adapter names.
func (c Config) SourceNames() map[string]bool {
	out := make(map[string]bool, len(c.Sources))
	for _, def := range c.Sources {
		out[def.Name] = true
	}
	return out
}

func (c Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

func (s SchedulerConfig) validate() error {
	if s.PollIntervalSec < 5 || s.PollIntervalSec > 3600 {
		return errors.New("scheduler.poll_interval_sec must be 5..3600")
	}
	if s.Workers <= 0 || s.Workers > 64 {
		return errors.New("scheduler.workers must be 1..64")
	}
	if s.ShutdownGraceSec < 0 || s.ShutdownGraceSec > 600 {
		return errors.New("scheduler.shutdown_grace_sec out of range")
	}
	if s.ArchiveIntervalHours <= 0 {
		return errors.New("scheduler.archive_interval_hours must be positive")
	}
	if s.RetentionDays <= 0 {
		return errors.New("scheduler.retention_days must be positive")
	}
	if s.NewMatchIntervalMinutes < 5 || s.DeadlineIntervalMinutes < 5 || s.EmbeddingRefreshMinutes < 5 {
		return errors.New("scheduler job intervals must be >=5 minutes")
	}
	if _, err := cron.ParseStandard(s.DigestSchedule); err != nil {
		return fmt.Errorf("scheduler.digest_schedule: %w", err)
	}
	return nil
}

func (m MatcherConfig) validate() error {
	switch m.Provider {
	case "local":
	case "openai", "gemini":
		if strings.TrimSpace(m.APIKey) == "" {
			return fmt.Errorf("matcher.api_key is required for provider %q", m.Provider)
		}
	default:
		return fmt.Errorf("matcher.provider %q is not supported", m.Provider)
	}
	if m.Dimensions <= 0 || m.Dimensions > 8192 {
		return errors.New("matcher.dimensions must be 1..8192")
	}
	if m.FreshnessHours <= 0 {
		return errors.New("matcher.freshness_hours must be positive")
	}
	if m.BatchSize <= 0 || m.BatchSize > 2048 {
		return errors.New("matcher.batch_size must be 1..2048")
	}
	if m.DefaultThreshold < -1 || m.DefaultThreshold > 1 {
		return errors.New("matcher.default_threshold must be within [-1, 1]")
	}
	if m.DefaultLimit <= 0 || m.DefaultLimit > 500 {
		return errors.New("matcher.default_limit must be 1..500")
	}
	return nil
}

func (a AlertConfig) validate() error {
	if a.MinRelevance < -1 || a.MinRelevance > 1 {
		return errors.New("alerts.min_relevance must be within [-1, 1]")
	}
	if a.NewWindowHours <= 0 {
		return errors.New("alerts.new_window_hours must be positive")
	}
	if a.NewMatchLimit <= 0 || a.DigestTopN <= 0 {
		return errors.New("alerts limits must be positive")
	}
	for _, d := range a.ReminderDays {
		if d <= 0 || d > 90 {
			return errors.New("alerts.reminder_days entries must be 1..90")
		}
	}
	return nil
}

// SeedSourceConfig is a source config declared in the file and created in the store on
// first boot when no config with the same name exists.
type SeedSourceConfig struct {
	Name                string   `json:"name"`
	Keywords            []string `json:"keywords"`
	EnabledSources      []string `json:"enabled_sources"`
	ScrapeDelaySec      int      `json:"scrape_delay_sec"`
	MaxRetries          int      `json:"max_retries"`
	RequestTimeoutSec   int      `json:"request_timeout_sec"`
	MinDeadlineLeadDays int      `json:"min_deadline_lead_days"`
	IntervalMinutes     int      `json:"interval_minutes"`
	Inactive            bool     `json:"inactive"`
	NotifyEmail         string   `json:"notify_email"`
	TelegramChatID      string   `json:"telegram_chat_id"`
}

func (s SeedSourceConfig) ToModel() model.SourceConfig {
	sc := model.SourceConfig{
		Name:                s.Name,
		Keywords:            s.Keywords,
		EnabledSources:      s.EnabledSources,
		ScrapeDelay:         time.Duration(s.ScrapeDelaySec) * time.Second,
		MaxRetries:          s.MaxRetries,
		RequestTimeout:      time.Duration(s.RequestTimeoutSec) * time.Second,
		MinDeadlineLeadDays: s.MinDeadlineLeadDays,
		Interval:            time.Duration(s.IntervalMinutes) * time.Minute,
		Active:              !s.Inactive,
		NotifyEmail:         s.NotifyEmail,
		TelegramChatID:      s.TelegramChatID,
	}
	sc.Normalize()
	return sc
}

// SourceDefinition describes one institutional source adapter.
type SourceDefinition struct {
	Name     string         `json:"name"`
	Kind     string         `json:"kind"`
	URL      string         `json:"url"`
	Issuer   string         `json:"issuer"`
	MaxPages int            `json:"max_pages"`
	HTML     *HTMLSelectors `json:"html,omitempty"`
	JSON     *JSONPaths     `json:"json,omitempty"`
}

type HTMLSelectors struct {
	Item     string `json:"item"`
	Title    string `json:"title"`
	Link     string `json:"link"`
	Body     string `json:"body"`
	Issuer   string `json:"issuer"`
	Category string `json:"category"`
	Amount   string `json:"amount"`
	Deadline string `json:"deadline"`
}

type JSONPaths struct {
	Items    string `json:"items"`
	Title    string `json:"title"`
	Link     string `json:"link"`
	Body     string `json:"body"`
	Issuer   string `json:"issuer"`
	Category string `json:"category"`
	Amount   string `json:"amount"`
	Deadline string `json:"deadline"`
}

func (d SourceDefinition) Validate() error {
	if strings.TrimSpace(d.Name) == "" {
		return errors.New("name is required")
	}
	u, err := url.Parse(d.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("url %q must be an absolute http(s) URL", d.URL)
	}
	if d.MaxPages < 0 || d.MaxPages > 50 {
		return errors.New("max_pages must be 0..50")
	}
	if d.MaxPages > 1 && !strings.Contains(d.URL, "{page}") {
		return errors.New("max_pages > 1 requires a {page} placeholder in url")
	}
	switch d.Kind {
	case "html":
		if d.HTML == nil || d.HTML.Item == "" || d.HTML.Title == "" {
			return errors.New("html sources need item and title selectors")
		}
	case "json":
		if d.JSON == nil || d.JSON.Items == "" || d.JSON.Title == "" {
			return errors.New("json sources need items and title paths")
		}
	default:
		return fmt.Errorf("unsupported kind %q", d.Kind)
	}
	return nil
}
