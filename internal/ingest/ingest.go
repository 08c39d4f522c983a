package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"bandi/internal/logger"
	"bandi/internal/matcher"
	"bandi/internal/metrics"
	"bandi/internal/model"
	"bandi/internal/notify"
	"bandi/internal/source"
	"bandi/internal/store"
	"bandi/internal/textnorm"
)

const reportKind = "run-report"

// Pipeline turns the candidates of every enabled source into stored announcements.
type Pipeline struct {
	fetcher  *source.Fetcher
	store    *store.Store
	log      logger.Logger
	notifier notify.Notifier
	renderer *notify.Renderer
	metrics  *metrics.Metrics
	onNew    func()
	now      func() time.Time

	mu            sync.Mutex
	lastMessage   string
	lastMessageAt time.Time
}

type Option func(*Pipeline)

// WithNotifier enables the run report sent to a config's own recipients.
func WithNotifier(n notify.Notifier, r *notify.Renderer) Option {
	return func(p *Pipeline) {
		p.notifier = n
		p.renderer = r
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// WithOnNew registers a hook called after a run stored at least one announcement.
func WithOnNew(fn func()) Option {
	return func(p *Pipeline) { p.onNew = fn }
}

func New(fetcher *source.Fetcher, st *store.Store, log logger.Logger, opts ...Option) *Pipeline {
	p := &Pipeline{fetcher: fetcher, store: st, log: log, now: time.Now}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Fingerprint identifies an announcement across runs and sources. Fields are case folded and
// whitespace collapsed before hashing.
func Fingerprint(title, issuer, link string) string {
	h := sha256.New()
	for i, part := range []string{title, issuer, link} {
		if i > 0 {
			h.Write([]byte{0x1f})
		}
		h.Write([]byte(textnorm.Key(part)))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Run fetches every enabled source of cfg and stores the announcements that are new and
// match at least one keyword. Per-candidate failures are counted, never returned. The error
// is non-nil only when every enabled source failed to fetch.
func (p *Pipeline) Run(ctx context.Context, cfg model.SourceConfig) (model.RunSummary, error) {
	runStart := time.Now()
	summary := model.RunSummary{Sources: make(map[string]model.SourceSummary)}
	results := p.fetcher.Fetch(ctx, cfg)

	names := make([]string, 0, len(results))
	for name := range results {
		names = append(names, name)
	}
	sort.Strings(names)

	failedSources := 0
	lastErr := ""
	var inserted []model.Announcement
	for _, name := range names {
		res := results[name]
		ss := model.SourceSummary{Filtered: res.Filtered}
		if res.Err != nil {
			failedSources++
			lastErr = res.Err.Error()
			ss.Err = lastErr
			ss.Errors++
		} else {
			for _, c := range res.Candidates {
				ss.Found++
				a, ok := p.process(ctx, cfg, c, &ss)
				if ok {
					inserted = append(inserted, a)
				}
			}
		}
		summary.Found += ss.Found
		summary.New += ss.New
		summary.Errors += ss.Errors
		summary.Sources[name] = ss
		p.metrics.ObserveIngest(name, ss)
		p.logf("ingest: config=%q source=%q found=%d new=%d duplicates=%d filtered=%d errors=%d",
			cfg.Name, name, ss.Found, ss.New, ss.Duplicates, ss.Filtered, ss.Errors)
	}

	if len(inserted) > 0 {
		if p.onNew != nil {
			p.onNew()
		}
		p.report(ctx, cfg, summary, inserted)
	}
	p.logf("ingest: config=%q done in %s (sources=%d, found=%d, new=%d, failed_sources=%d)",
		cfg.Name, time.Since(runStart).Round(time.Millisecond), len(names), summary.Found, summary.New, failedSources)

	if len(names) > 0 && failedSources == len(names) {
		return summary, fmt.Errorf("all source fetches failed (%d/%d): %s", failedSources, len(names), lastErr)
	}
	if err := ctx.Err(); err != nil {
		return summary, err
	}
	return summary, nil
}

func (p *Pipeline) process(ctx context.Context, cfg model.SourceConfig, c model.RawCandidate, ss *model.SourceSummary) (model.Announcement, bool) {
	a := model.Announcement{
		Title:       textnorm.Clean(c.Title),
		Issuer:      textnorm.Clean(c.Issuer),
		Description: textnorm.Clean(c.Body),
		Category:    textnorm.Clean(c.Category),
		Amount:      textnorm.Clean(c.Amount),
		Source:      c.Source,
		Link:        strings.TrimSpace(c.Link),
		DeadlineRaw: textnorm.Clean(c.DeadlineRaw),
		Deadline:    c.Deadline,
		Status:      model.StatusOpen,
	}
	if a.Title == "" {
		ss.Errors++
		p.log.Debug("candidate without title", logger.String("source", c.Source), logger.String("link", a.Link))
		return a, false
	}
	a.Fingerprint = Fingerprint(a.Title, a.Issuer, a.Link)

	_, found, err := p.store.FindByFingerprint(ctx, a.Fingerprint)
	if err != nil {
		ss.Errors++
		p.log.Warn("fingerprint lookup failed", logger.String("source", c.Source), logger.Error(err))
		return a, false
	}
	if found {
		ss.Duplicates++
		return a, false
	}
	if !matcher.MatchesAny(cfg.Keywords, a.Title, a.Description) {
		ss.Filtered++
		return a, false
	}

	a.DiscoveredAt = p.now().UTC()
	res, err := p.store.InsertAnnouncement(ctx, a)
	if err != nil {
		ss.Errors++
		p.log.Warn("insert announcement failed", logger.String("source", c.Source), logger.Error(err))
		return a, false
	}
	if res.Outcome == store.AlreadyPresent {
		ss.Duplicates++
		return a, false
	}
	a.ID = res.ID
	ss.New++
	return a, true
}

// report sends the new announcements of a run to the config's own recipients. Each
// announcement is claimed in the notification ledger first so it is reported at most once.
func (p *Pipeline) report(ctx context.Context, cfg model.SourceConfig, summary model.RunSummary, inserted []model.Announcement) {
	if p.notifier == nil || p.renderer == nil {
		return
	}
	to := notify.Recipient{Name: cfg.Name, Email: cfg.NotifyEmail, TelegramChatID: cfg.TelegramChatID}
	if to.Email == "" && to.TelegramChatID == "" {
		return
	}
	now := p.now()
	var claimed []model.Announcement
	var claims []store.Notification
	for _, a := range inserted {
		n := store.Notification{Kind: reportKind, Recipient: to.Key(), AnnouncementID: a.ID}
		ok, err := p.store.ClaimNotification(ctx, n, now)
		if err != nil {
			p.log.Warn("claim run report failed", logger.Int64("announcement_id", a.ID), logger.Error(err))
			continue
		}
		if ok {
			claimed = append(claimed, a)
			claims = append(claims, n)
		}
	}
	if len(claimed) == 0 {
		return
	}
	release := func() {
		for _, n := range claims {
			if err := p.store.ReleaseNotification(ctx, n); err != nil {
				p.log.Warn("release run report claim failed", logger.Error(err))
			}
		}
	}

	msg, err := p.renderer.RunReport(notify.RunReportData{Config: cfg.Name, Summary: summary, Announcements: claimed})
	if err != nil {
		p.log.Error("render run report failed", logger.Error(err))
		release()
		return
	}
	delivered, err := p.notifier.Send(ctx, to, msg)
	if len(delivered) == 0 {
		if err == nil {
			err = errors.New("no channel accepted the message")
		}
		p.log.Warn("run report not delivered", logger.String("config", cfg.Name), logger.Error(err))
		p.metrics.Notified(reportKind, "failed")
		release()
		return
	}
	p.metrics.Notified(reportKind, "sent")
	for _, a := range claimed {
		for _, ch := range delivered {
			if _, err := p.store.MarkNotified(ctx, a.ID, ch); err != nil {
				p.log.Warn("mark notified failed", logger.Int64("announcement_id", a.ID), logger.Error(err))
			}
		}
	}
}

func (p *Pipeline) logf(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	p.log.Info(msg)
	p.mu.Lock()
	p.lastMessage = msg
	p.lastMessageAt = time.Now()
	p.mu.Unlock()
}

// LastProgress returns the most recent progress line and when it was logged.
func (p *Pipeline) LastProgress() (string, time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastMessage, p.lastMessageAt
}
