package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"bandi/internal/model"
)

type subscriberRow struct {
	ID               int64   `db:"id"`
	Name             string  `db:"name"`
	Email            string  `db:"email"`
	TelegramChatID   string  `db:"telegram_chat_id"`
	Sectors          string  `db:"sectors"`
	TargetGroups     string  `db:"target_groups"`
	Keywords         string  `db:"keywords"`
	Regions          string  `db:"regions"`
	BudgetCeiling    float64 `db:"budget_ceiling"`
	NotifyNewMatches bool    `db:"notify_new_matches"`
	NotifyDeadlines  bool    `db:"notify_deadlines"`
	NotifyDigest     bool    `db:"notify_digest"`
	Active           bool    `db:"active"`
}

const subscriberColumns = `id, name, email, telegram_chat_id, sectors, target_groups, keywords, regions,
	budget_ceiling, notify_new_matches, notify_deadlines, notify_digest, active`

func (r subscriberRow) toModel() model.SubscriberProfile {
	return model.SubscriberProfile{
		ID:               r.ID,
		Name:             r.Name,
		Email:            r.Email,
		TelegramChatID:   r.TelegramChatID,
		Sectors:          decodeList(r.Sectors),
		TargetGroups:     decodeList(r.TargetGroups),
		Keywords:         decodeList(r.Keywords),
		Regions:          decodeList(r.Regions),
		BudgetCeiling:    r.BudgetCeiling,
		NotifyNewMatches: r.NotifyNewMatches,
		NotifyDeadlines:  r.NotifyDeadlines,
		NotifyDigest:     r.NotifyDigest,
		Active:           r.Active,
	}
}

// UpsertSubscriber creates or updates a subscriber keyed by email.
func (s *Store) UpsertSubscriber(ctx context.Context, p model.SubscriberProfile) (model.SubscriberProfile, error) {
	email := strings.ToLower(strings.TrimSpace(p.Email))
	if email == "" || !strings.Contains(email, "@") {
		return model.SubscriberProfile{}, &model.ValidationError{Field: "email", Reason: "not an email address"}
	}
	if p.BudgetCeiling < 0 {
		return model.SubscriberProfile{}, &model.ValidationError{Field: "budget_ceiling", Reason: "must not be negative"}
	}
	now := dbTime(s.now())
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO subscribers(
			name, email, telegram_chat_id, sectors, target_groups, keywords, regions, budget_ceiling,
			notify_new_matches, notify_deadlines, notify_digest, active, created_at, updated_at
		) VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(email) DO UPDATE SET
			name=excluded.name,
			telegram_chat_id=excluded.telegram_chat_id,
			sectors=excluded.sectors,
			target_groups=excluded.target_groups,
			keywords=excluded.keywords,
			regions=excluded.regions,
			budget_ceiling=excluded.budget_ceiling,
			notify_new_matches=excluded.notify_new_matches,
			notify_deadlines=excluded.notify_deadlines,
			notify_digest=excluded.notify_digest,
			active=excluded.active,
			updated_at=excluded.updated_at
	`, strings.TrimSpace(p.Name), email, strings.TrimSpace(p.TelegramChatID), encodeList(p.Sectors),
		encodeList(p.TargetGroups), encodeList(p.Keywords), encodeList(p.Regions), p.BudgetCeiling,
		boolInt(p.NotifyNewMatches), boolInt(p.NotifyDeadlines), boolInt(p.NotifyDigest), boolInt(p.Active), now, now)
	if err != nil {
		return model.SubscriberProfile{}, fmt.Errorf("upsert subscriber: %w", err)
	}
	var r subscriberRow
	if err := s.db.GetContext(ctx, &r, `SELECT `+subscriberColumns+` FROM subscribers WHERE email=?`, email); err != nil {
		return model.SubscriberProfile{}, err
	}
	return r.toModel(), nil
}

func (s *Store) GetSubscriber(ctx context.Context, id int64) (model.SubscriberProfile, error) {
	var r subscriberRow
	err := s.db.GetContext(ctx, &r, `SELECT `+subscriberColumns+` FROM subscribers WHERE id=?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return model.SubscriberProfile{}, ErrNotFound
	}
	if err != nil {
		return model.SubscriberProfile{}, err
	}
	return r.toModel(), nil
}

func (s *Store) ListActiveSubscribers(ctx context.Context) ([]model.SubscriberProfile, error) {
	var rows []subscriberRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT `+subscriberColumns+` FROM subscribers WHERE active=1 ORDER BY id`); err != nil {
		return nil, err
	}
	out := make([]model.SubscriberProfile, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toModel())
	}
	return out, nil
}

// AddWatch opts a subscriber in to tracking an announcement. Re-adding updates priority and score.
func (s *Store) AddWatch(ctx context.Context, e model.WatchlistEntry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO watchlist(subscriber_id, announcement_id, priority, match_score, created_at)
		VALUES(?,?,?,?,?)
		ON CONFLICT(subscriber_id, announcement_id) DO UPDATE SET
			priority=excluded.priority,
			match_score=COALESCE(excluded.match_score, watchlist.match_score)
	`, e.SubscriberID, e.AnnouncementID, e.Priority, e.MatchScore, dbTime(s.now()))
	if isForeignKeyViolation(err) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("add watch: %w", err)
	}
	return nil
}

func (s *Store) RemoveWatch(ctx context.Context, subscriberID, announcementID int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM watchlist WHERE subscriber_id=? AND announcement_id=?`, subscriberID, announcementID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

type watchRow struct {
	SubscriberID   int64           `db:"w_subscriber_id"`
	AnnouncementID int64           `db:"w_announcement_id"`
	Priority       int             `db:"w_priority"`
	MatchScore     sql.NullFloat64 `db:"w_match_score"`
	CreatedAt      string          `db:"w_created_at"`
	announcementRow
}

// ListWatchlist returns watchlist entries joined with their announcement.
// A zero subscriberID lists every subscriber's entries.
func (s *Store) ListWatchlist(ctx context.Context, subscriberID int64, statuses ...model.AnnouncementStatus) ([]model.WatchedAnnouncement, error) {
	query := `
		SELECT w.subscriber_id AS w_subscriber_id, w.announcement_id AS w_announcement_id,
			w.priority AS w_priority, w.match_score AS w_match_score, w.created_at AS w_created_at,
			a.id, a.fingerprint, a.title, a.issuer, a.description, a.category, a.amount, a.source, a.link,
			a.deadline_raw, a.deadline, a.status, a.discovered_at, a.updated_at, a.email_sent, a.message_sent
		FROM watchlist w
		JOIN announcements a ON a.id = w.announcement_id`
	var where []string
	var args []any
	if subscriberID > 0 {
		where = append(where, "w.subscriber_id=?")
		args = append(args, subscriberID)
	}
	if len(statuses) > 0 {
		q, a := inClause(statusStrings(statuses))
		where = append(where, "a.status IN ("+q+")")
		args = append(args, a...)
	}
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY w.subscriber_id, w.priority DESC, a.deadline`
	var rows []watchRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("list watchlist: %w", err)
	}
	out := make([]model.WatchedAnnouncement, 0, len(rows))
	for _, r := range rows {
		var score *float64
		if r.MatchScore.Valid {
			v := r.MatchScore.Float64
			score = &v
		}
		out = append(out, model.WatchedAnnouncement{
			WatchlistEntry: model.WatchlistEntry{
				SubscriberID:   r.SubscriberID,
				AnnouncementID: r.AnnouncementID,
				Priority:       r.Priority,
				MatchScore:     score,
				CreatedAt:      parseDBTimeString(r.CreatedAt),
			},
			Announcement: r.announcementRow.toModel(),
		})
	}
	return out, nil
}
