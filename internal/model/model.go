package model

import (
	"errors"
	"fmt"
	"time"
)

type AnnouncementStatus string

const (
	StatusOpen     AnnouncementStatus = "open"
	StatusExpired  AnnouncementStatus = "expired"
	StatusArchived AnnouncementStatus = "archived"
)

// Rank orders statuses along the lifecycle. Unknown statuses rank below open.
func (s AnnouncementStatus) Rank() int {
	switch s {
	case StatusOpen:
		return 1
	case StatusExpired:
		return 2
	case StatusArchived:
		return 3
	default:
		return 0
	}
}

func (s AnnouncementStatus) Valid() bool { return s.Rank() > 0 }

// CanTransition reports whether an announcement may move from one status to another.
// Status only moves forward; staying in place is not a transition.
func CanTransition(from, to AnnouncementStatus) bool {
	return from.Valid() && to.Valid() && to.Rank() > from.Rank()
}

type Announcement struct {
	ID           int64              `json:"id"`
	Title        string             `json:"title"`
	Issuer       string             `json:"issuer"`
	Description  string             `json:"description"`
	Category     string             `json:"category"`
	Amount       string             `json:"amount"`
	Source       string             `json:"source"`
	Link         string             `json:"link"`
	DeadlineRaw  string             `json:"deadline_raw"`
	Deadline     *time.Time         `json:"deadline,omitempty"`
	Fingerprint  string             `json:"fingerprint"`
	Status       AnnouncementStatus `json:"status"`
	DiscoveredAt time.Time          `json:"discovered_at"`
	UpdatedAt    time.Time          `json:"updated_at"`
	EmailSent    bool               `json:"email_sent"`
	MessageSent  bool               `json:"message_sent"`
}

// RawCandidate is one listing entry extracted by a source adapter, before dedup.
type RawCandidate struct {
	Source      string     `json:"source"`
	Title       string     `json:"title"`
	Body        string     `json:"body"`
	Link        string     `json:"link"`
	Issuer      string     `json:"issuer"`
	Category    string     `json:"category"`
	Amount      string     `json:"amount"`
	DeadlineRaw string     `json:"deadline_raw"`
	Deadline    *time.Time `json:"deadline,omitempty"`
}

type SourceConfig struct {
	ID                  int64         `json:"id"`
	Name                string        `json:"name"`
	Keywords            []string      `json:"keywords"`
	EnabledSources      []string      `json:"enabled_sources"`
	ScrapeDelay         time.Duration `json:"scrape_delay"`
	MaxRetries          int           `json:"max_retries"`
	RequestTimeout      time.Duration `json:"request_timeout"`
	MinDeadlineLeadDays int           `json:"min_deadline_lead_days"`
	Interval            time.Duration `json:"interval"`
	LastRun             *time.Time    `json:"last_run,omitempty"`
	NextRun             *time.Time    `json:"next_run,omitempty"`
	Active              bool          `json:"active"`
	NotifyEmail         string        `json:"notify_email,omitempty"`
	TelegramChatID      string        `json:"telegram_chat_id,omitempty"`
	CreatedAt           time.Time     `json:"created_at"`
	UpdatedAt           time.Time     `json:"updated_at"`
}

// MinDeadlineLead returns the minimum time between now and a candidate's deadline.
func (c SourceConfig) MinDeadlineLead() time.Duration {
	return time.Duration(c.MinDeadlineLeadDays) * 24 * time.Hour
}

// SourceEnabled reports whether the named adapter is enabled for this config.
func (c SourceConfig) SourceEnabled(name string) bool {
	for _, s := range c.EnabledSources {
		if s == name {
			return true
		}
	}
	return false
}

type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
)

type SourceSummary struct {
	Found      int    `json:"found"`
	New        int    `json:"new"`
	Duplicates int    `json:"duplicates"`
	Filtered   int    `json:"filtered"`
	Errors     int    `json:"errors"`
	Err        string `json:"error,omitempty"`
}

type RunSummary struct {
	Found   int                      `json:"bandi_found"`
	New     int                      `json:"bandi_new"`
	Errors  int                      `json:"errors"`
	Sources map[string]SourceSummary `json:"sources,omitempty"`
}

type RunLog struct {
	ID         string                   `json:"id"`
	Job        string                   `json:"job"`
	ConfigID   int64                    `json:"config_id,omitempty"`
	StartedAt  time.Time                `json:"started_at"`
	FinishedAt *time.Time               `json:"finished_at,omitempty"`
	Found      int                      `json:"bandi_found"`
	New        int                      `json:"bandi_new"`
	Errors     int                      `json:"errors"`
	Status     RunStatus                `json:"status"`
	Error      string                   `json:"error,omitempty"`
	Sources    map[string]SourceSummary `json:"sources,omitempty"`
}

type SubscriberProfile struct {
	ID               int64    `json:"id"`
	Name             string   `json:"name"`
	Email            string   `json:"email"`
	TelegramChatID   string   `json:"telegram_chat_id,omitempty"`
	Sectors          []string `json:"sectors"`
	TargetGroups     []string `json:"target_groups"`
	Keywords         []string `json:"keywords"`
	Regions          []string `json:"regions"`
	BudgetCeiling    float64  `json:"budget_ceiling"`
	NotifyNewMatches bool     `json:"notify_new_matches"`
	NotifyDeadlines  bool     `json:"notify_deadlines"`
	NotifyDigest     bool     `json:"notify_digest"`
	Active           bool     `json:"active"`
}

type WatchlistEntry struct {
	SubscriberID   int64     `json:"subscriber_id"`
	AnnouncementID int64     `json:"announcement_id"`
	Priority       int       `json:"priority"`
	MatchScore     *float64  `json:"match_score,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// WatchedAnnouncement joins a watchlist entry with the announcement it tracks.
type WatchedAnnouncement struct {
	WatchlistEntry
	Announcement Announcement `json:"announcement"`
}

type EmbeddingVector struct {
	Fingerprint string    `json:"fingerprint"`
	Vector      []float32 `json:"vector"`
	TextHash    string    `json:"text_hash"`
	GeneratedAt time.Time `json:"generated_at"`
}

type Channel string

const (
	ChannelEmail   Channel = "email"
	ChannelMessage Channel = "message"
)

var ErrInvalidConfig = errors.New("invalid source config")

// ValidationError describes a rejected configuration mutation.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrInvalidConfig }
