// Package alert selects which subscribers hear about which announcements: new matches,
// deadline reminders for watched announcements and the weekly digest.
package alert

import (
	"context"
	"errors"
	"fmt"
	"time"

	"bandi/internal/logger"
	"bandi/internal/matcher"
	"bandi/internal/metrics"
	"bandi/internal/model"
	"bandi/internal/notify"
	"bandi/internal/store"
)

const (
	KindNewMatch = "new-match"
	KindDeadline = "deadline"
	KindDigest   = "digest"
)

// ProfileMatcher ranks announcements for a subscriber profile.
type ProfileMatcher interface {
	MatchProfile(ctx context.Context, p model.SubscriberProfile, opts matcher.ProfileOptions) ([]matcher.ProfileMatch, error)
}

// Renderer builds the alert messages.
type Renderer interface {
	NewMatches(d notify.NewMatchesData) (*notify.Message, error)
	Deadline(d notify.DeadlineData) (*notify.Message, error)
	Digest(d notify.DigestData) (*notify.Message, error)
}

type Options struct {
	MinRelevance  float64
	NewWindow     time.Duration
	NewMatchLimit int
	ReminderDays  []int
	DigestTopN    int
	Location      *time.Location
}

// ScanReport counts the outcome of one scan. Recipients is the number of subscribers the
// scan considered.
type ScanReport struct {
	Recipients int `json:"recipients"`
	Sent       int `json:"sent"`
	Failed     int `json:"failed"`
	Skipped    int `json:"skipped"`
}

// Summary maps the report onto run log counters.
func (r ScanReport) Summary() model.RunSummary {
	return model.RunSummary{Found: r.Recipients, New: r.Sent, Errors: r.Failed}
}

type Engine struct {
	store    *store.Store
	matcher  ProfileMatcher
	notifier notify.Notifier
	renderer Renderer
	metrics  *metrics.Metrics
	log      logger.Logger
	opts     Options
	now      func() time.Time
}

func New(st *store.Store, m ProfileMatcher, n notify.Notifier, r Renderer, met *metrics.Metrics, log logger.Logger, opts Options) *Engine {
	if opts.NewWindow <= 0 {
		opts.NewWindow = 24 * time.Hour
	}
	if opts.NewMatchLimit <= 0 {
		opts.NewMatchLimit = 5
	}
	if len(opts.ReminderDays) == 0 {
		opts.ReminderDays = []int{7, 3, 1}
	}
	if opts.DigestTopN <= 0 {
		opts.DigestTopN = 3
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	return &Engine{
		store:    st,
		matcher:  m,
		notifier: n,
		renderer: r,
		metrics:  met,
		log:      log,
		opts:     opts,
		now:      time.Now,
	}
}

func subscriberKey(id int64) string { return fmt.Sprintf("subscriber:%d", id) }

func recipientOf(p model.SubscriberProfile) notify.Recipient {
	return notify.Recipient{Name: p.Name, Email: p.Email, TelegramChatID: p.TelegramChatID}
}

// deliver sends msg and settles the ledger claims: released on failure, announcement flags
// set on success.
func (e *Engine) deliver(ctx context.Context, kind string, to notify.Recipient, msg *notify.Message, claims []store.Notification, report *ScanReport) {
	delivered, err := e.notifier.Send(ctx, to, msg)
	if len(delivered) == 0 {
		if err == nil {
			err = errors.New("no channel accepted the message")
		}
		e.log.Warn("alert not delivered", logger.String("kind", kind), logger.String("recipient", to.Key()), logger.Error(err))
		e.release(ctx, claims)
		report.Failed++
		e.metrics.Notified(kind, "failed")
		return
	}
	report.Sent++
	e.metrics.Notified(kind, "sent")
	for _, n := range claims {
		if n.AnnouncementID == 0 {
			continue
		}
		for _, ch := range delivered {
			if _, err := e.store.MarkNotified(ctx, n.AnnouncementID, ch); err != nil {
				e.log.Warn("mark notified failed", logger.Int64("announcement_id", n.AnnouncementID), logger.Error(err))
			}
		}
	}
}

// release drops claims whose alert was never sent so a later scan retries them.
func (e *Engine) release(ctx context.Context, claims []store.Notification) {
	for _, n := range claims {
		if err := e.store.ReleaseNotification(ctx, n); err != nil {
			e.log.Warn("release claim failed", logger.Error(err))
		}
	}
}

// NewMatchScan notifies every opted-in subscriber about recently discovered open
// announcements relevant to their profile, in one batched message per subscriber.
func (e *Engine) NewMatchScan(ctx context.Context) (ScanReport, error) {
	var report ScanReport
	now := e.now()
	since := now.Add(-e.opts.NewWindow)
	fresh, err := e.store.ListAnnouncements(ctx, store.AnnouncementFilter{
		Statuses:        []model.AnnouncementStatus{model.StatusOpen},
		DiscoveredAfter: &since,
	})
	if err != nil {
		return report, fmt.Errorf("list new announcements: %w", err)
	}
	if len(fresh) == 0 {
		return report, nil
	}
	fps := make([]string, len(fresh))
	for i, a := range fresh {
		fps[i] = a.Fingerprint
	}
	subs, err := e.store.ListActiveSubscribers(ctx)
	if err != nil {
		return report, fmt.Errorf("list subscribers: %w", err)
	}

	for _, sub := range subs {
		if !sub.NotifyNewMatches {
			continue
		}
		report.Recipients++
		matches, err := e.matcher.MatchProfile(ctx, sub, matcher.ProfileOptions{
			Threshold:    e.opts.MinRelevance,
			Fingerprints: fps,
		})
		if err != nil {
			e.log.Warn("profile match failed", logger.Int64("subscriber_id", sub.ID), logger.Error(err))
			report.Failed++
			continue
		}
		var items []notify.MatchItem
		var claims []store.Notification
		for _, m := range matches {
			if len(items) == e.opts.NewMatchLimit {
				break
			}
			n := store.Notification{Kind: KindNewMatch, Recipient: subscriberKey(sub.ID), AnnouncementID: m.Announcement.ID}
			ok, err := e.store.ClaimNotification(ctx, n, now)
			if err != nil {
				e.log.Warn("claim notification failed", logger.Error(err))
				continue
			}
			if !ok {
				continue
			}
			claims = append(claims, n)
			items = append(items, notify.MatchItem{Announcement: m.Announcement, Score: m.Score, Reasoning: m.Reasoning})
		}
		if len(items) == 0 {
			report.Skipped++
			continue
		}
		msg, err := e.renderer.NewMatches(notify.NewMatchesData{Recipient: sub.Name, Matches: items})
		if err != nil {
			e.release(ctx, claims)
			return report, fmt.Errorf("render new matches: %w", err)
		}
		e.deliver(ctx, KindNewMatch, recipientOf(sub), msg, claims, &report)
	}
	e.log.Info("new-match scan done",
		logger.Int("announcements", len(fresh)),
		logger.Int("recipients", report.Recipients),
		logger.Int("sent", report.Sent),
		logger.Int("failed", report.Failed))
	return report, nil
}

// civilDate truncates t to its calendar date in loc, expressed as midnight UTC.
func civilDate(t time.Time, loc *time.Location) time.Time {
	y, m, d := t.In(loc).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// DaysUntil is the number of calendar days between today in loc and the deadline's date.
// Deadlines are stored as civil dates in UTC.
func DaysUntil(deadline, now time.Time, loc *time.Location) int {
	return int(civilDate(deadline, time.UTC).Sub(civilDate(now, loc)).Hours() / 24)
}

// DeadlineScan reminds subscribers of watched announcements whose deadline is one of the
// configured number of days away. Each (subscriber, announcement, day) is sent once.
func (e *Engine) DeadlineScan(ctx context.Context) (ScanReport, error) {
	var report ScanReport
	now := e.now()
	reminder := make(map[int]bool, len(e.opts.ReminderDays))
	for _, d := range e.opts.ReminderDays {
		reminder[d] = true
	}
	subs, err := e.store.ListActiveSubscribers(ctx)
	if err != nil {
		return report, fmt.Errorf("list subscribers: %w", err)
	}
	byID := make(map[int64]model.SubscriberProfile, len(subs))
	for _, s := range subs {
		byID[s.ID] = s
	}
	watched, err := e.store.ListWatchlist(ctx, 0, model.StatusOpen)
	if err != nil {
		return report, err
	}

	seen := make(map[int64]bool)
	for _, w := range watched {
		a := w.Announcement
		if a.Deadline == nil {
			continue
		}
		days := DaysUntil(*a.Deadline, now, e.opts.Location)
		if !reminder[days] {
			continue
		}
		sub, ok := byID[w.SubscriberID]
		if !ok || !sub.NotifyDeadlines {
			continue
		}
		if !seen[sub.ID] {
			seen[sub.ID] = true
			report.Recipients++
		}
		n := store.Notification{
			Kind:           KindDeadline,
			Recipient:      subscriberKey(sub.ID),
			AnnouncementID: a.ID,
			Tag:            fmt.Sprintf("d%d:%s", days, a.Deadline.UTC().Format("2006-01-02")),
		}
		claimed, err := e.store.ClaimNotification(ctx, n, now)
		if err != nil {
			e.log.Warn("claim notification failed", logger.Error(err))
			report.Failed++
			continue
		}
		if !claimed {
			report.Skipped++
			continue
		}
		msg, err := e.renderer.Deadline(notify.DeadlineData{Recipient: sub.Name, Announcement: a, DaysLeft: days})
		if err != nil {
			e.release(ctx, []store.Notification{n})
			return report, fmt.Errorf("render deadline reminder: %w", err)
		}
		e.deliver(ctx, KindDeadline, recipientOf(sub), msg, []store.Notification{n}, &report)
	}
	e.log.Info("deadline scan done",
		logger.Int("watched", len(watched)),
		logger.Int("recipients", report.Recipients),
		logger.Int("sent", report.Sent),
		logger.Int("skipped", report.Skipped))
	return report, nil
}

// WeekTag is the ISO week of t in loc, e.g. "2026-W11".
func WeekTag(t time.Time, loc *time.Location) string {
	y, w := t.In(loc).ISOWeek()
	return fmt.Sprintf("%d-W%02d", y, w)
}

// DigestScan sends the weekly digest: overall figures plus the best open matches for each
// opted-in subscriber. One digest per subscriber per ISO week.
func (e *Engine) DigestScan(ctx context.Context) (ScanReport, error) {
	var report ScanReport
	now := e.now()
	week := WeekTag(now, e.opts.Location)

	newCount, err := e.store.CountDiscoveredSince(ctx, now.Add(-7*24*time.Hour))
	if err != nil {
		return report, fmt.Errorf("count new announcements: %w", err)
	}
	open, err := e.store.ListAnnouncements(ctx, store.AnnouncementFilter{Statuses: []model.AnnouncementStatus{model.StatusOpen}})
	if err != nil {
		return report, fmt.Errorf("list open announcements: %w", err)
	}
	var total float64
	for _, a := range open {
		if v, ok := model.ParseAmount(a.Amount); ok {
			total += v
		}
	}
	subs, err := e.store.ListActiveSubscribers(ctx)
	if err != nil {
		return report, fmt.Errorf("list subscribers: %w", err)
	}

	for _, sub := range subs {
		if !sub.NotifyDigest {
			continue
		}
		report.Recipients++
		n := store.Notification{Kind: KindDigest, Recipient: subscriberKey(sub.ID), Tag: week}
		claimed, err := e.store.ClaimNotification(ctx, n, now)
		if err != nil {
			e.log.Warn("claim notification failed", logger.Error(err))
			report.Failed++
			continue
		}
		if !claimed {
			report.Skipped++
			continue
		}
		matches, err := e.matcher.MatchProfile(ctx, sub, matcher.ProfileOptions{
			Threshold: e.opts.MinRelevance,
			Limit:     e.opts.DigestTopN,
		})
		if err != nil {
			e.log.Warn("profile match failed", logger.Int64("subscriber_id", sub.ID), logger.Error(err))
		}
		top := make([]notify.MatchItem, 0, len(matches))
		for _, m := range matches {
			top = append(top, notify.MatchItem{Announcement: m.Announcement, Score: m.Score, Reasoning: m.Reasoning})
		}
		msg, err := e.renderer.Digest(notify.DigestData{
			Recipient:   sub.Name,
			Week:        week,
			NewCount:    newCount,
			OpenCount:   len(open),
			TotalAmount: total,
			Top:         top,
		})
		if err != nil {
			e.release(ctx, []store.Notification{n})
			return report, fmt.Errorf("render digest: %w", err)
		}
		e.deliver(ctx, KindDigest, recipientOf(sub), msg, []store.Notification{n}, &report)
	}
	e.log.Info("digest scan done",
		logger.String("week", week),
		logger.Int("recipients", report.Recipients),
		logger.Int("sent", report.Sent))
	return report, nil
}
