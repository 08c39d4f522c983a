package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"bandi/internal/model"
)

type InsertOutcome int

const (
	Inserted InsertOutcome = iota + 1
	AlreadyPresent
)

func (o InsertOutcome) String() string {
	switch o {
	case Inserted:
		return "inserted"
	case AlreadyPresent:
		return "already_present"
	default:
		return "unknown"
	}
}

// InsertResult reports whether an insert created a row or lost to an existing fingerprint.
type InsertResult struct {
	Outcome InsertOutcome
	ID      int64
}

type AnnouncementFilter struct {
	Statuses        []model.AnnouncementStatus
	Source          string
	DeadlineAfter   *time.Time
	DeadlineBefore  *time.Time
	DiscoveredAfter *time.Time
	IDs             []int64
	Fingerprints    []string
	Limit           int
}

type announcementRow struct {
	ID           int64          `db:"id"`
	Fingerprint  string         `db:"fingerprint"`
	Title        string         `db:"title"`
	Issuer       string         `db:"issuer"`
	Description  string         `db:"description"`
	Category     string         `db:"category"`
	Amount       string         `db:"amount"`
	Source       string         `db:"source"`
	Link         string         `db:"link"`
	DeadlineRaw  string         `db:"deadline_raw"`
	Deadline     sql.NullString `db:"deadline"`
	Status       string         `db:"status"`
	DiscoveredAt string         `db:"discovered_at"`
	UpdatedAt    string         `db:"updated_at"`
	EmailSent    bool           `db:"email_sent"`
	MessageSent  bool           `db:"message_sent"`
}

const announcementColumns = `id, fingerprint, title, issuer, description, category, amount, source, link,
	deadline_raw, deadline, status, discovered_at, updated_at, email_sent, message_sent`

func (r announcementRow) toModel() model.Announcement {
	return model.Announcement{
		ID:           r.ID,
		Fingerprint:  r.Fingerprint,
		Title:        r.Title,
		Issuer:       r.Issuer,
		Description:  r.Description,
		Category:     r.Category,
		Amount:       r.Amount,
		Source:       r.Source,
		Link:         r.Link,
		DeadlineRaw:  r.DeadlineRaw,
		Deadline:     parseNullTime(r.Deadline),
		Status:       model.AnnouncementStatus(r.Status),
		DiscoveredAt: parseDBTimeString(r.DiscoveredAt),
		UpdatedAt:    parseDBTimeString(r.UpdatedAt),
		EmailSent:    r.EmailSent,
		MessageSent:  r.MessageSent,
	}
}

// InsertAnnouncement stores a if no announcement with the same fingerprint exists.
// A lost race against a concurrent insert is reported as AlreadyPresent, not as an error.
func (s *Store) InsertAnnouncement(ctx context.Context, a model.Announcement) (InsertResult, error) {
	if strings.TrimSpace(a.Fingerprint) == "" {
		return InsertResult{}, errors.New("empty fingerprint")
	}
	now := s.now()
	if a.DiscoveredAt.IsZero() {
		a.DiscoveredAt = now
	}
	if !a.Status.Valid() {
		a.Status = model.StatusOpen
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO announcements(
			fingerprint, title, issuer, description, category, amount, source, link,
			deadline_raw, deadline, status, discovered_at, updated_at
		) VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(fingerprint) DO NOTHING
	`, a.Fingerprint, a.Title, a.Issuer, a.Description, a.Category, a.Amount, a.Source, a.Link,
		a.DeadlineRaw, dbNullTime(a.Deadline), string(a.Status), dbTime(a.DiscoveredAt), dbTime(now))
	if err != nil {
		return InsertResult{}, fmt.Errorf("insert announcement: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return InsertResult{}, err
	}
	if n == 1 {
		id, err := res.LastInsertId()
		if err != nil {
			return InsertResult{}, err
		}
		return InsertResult{Outcome: Inserted, ID: id}, nil
	}
	var id int64
	if err := s.db.GetContext(ctx, &id, `SELECT id FROM announcements WHERE fingerprint=?`, a.Fingerprint); err != nil {
		return InsertResult{}, fmt.Errorf("lookup existing announcement: %w", err)
	}
	return InsertResult{Outcome: AlreadyPresent, ID: id}, nil
}

func (s *Store) GetAnnouncement(ctx context.Context, id int64) (model.Announcement, error) {
	var r announcementRow
	err := s.db.GetContext(ctx, &r, `SELECT `+announcementColumns+` FROM announcements WHERE id=?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Announcement{}, ErrNotFound
	}
	if err != nil {
		return model.Announcement{}, err
	}
	return r.toModel(), nil
}

func (s *Store) FindByFingerprint(ctx context.Context, fingerprint string) (model.Announcement, bool, error) {
	var r announcementRow
	err := s.db.GetContext(ctx, &r, `SELECT `+announcementColumns+` FROM announcements WHERE fingerprint=?`, fingerprint)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Announcement{}, false, nil
	}
	if err != nil {
		return model.Announcement{}, false, err
	}
	return r.toModel(), true, nil
}

// ListAnnouncements returns announcements matching f, newest discovery first.
func (s *Store) ListAnnouncements(ctx context.Context, f AnnouncementFilter) ([]model.Announcement, error) {
	var where []string
	var args []any
	if len(f.Statuses) > 0 {
		q, a := inClause(statusStrings(f.Statuses))
		where = append(where, "status IN ("+q+")")
		args = append(args, a...)
	}
	if f.Source != "" {
		where = append(where, "source=?")
		args = append(args, f.Source)
	}
	if f.DeadlineAfter != nil {
		where = append(where, "deadline >= ?")
		args = append(args, dbTime(*f.DeadlineAfter))
	}
	if f.DeadlineBefore != nil {
		where = append(where, "deadline < ?")
		args = append(args, dbTime(*f.DeadlineBefore))
	}
	if f.DiscoveredAfter != nil {
		where = append(where, "discovered_at >= ?")
		args = append(args, dbTime(*f.DiscoveredAfter))
	}
	if f.IDs != nil {
		if len(f.IDs) == 0 {
			return []model.Announcement{}, nil
		}
		q, a := inClause(f.IDs)
		where = append(where, "id IN ("+q+")")
		args = append(args, a...)
	}
	if f.Fingerprints != nil {
		if len(f.Fingerprints) == 0 {
			return []model.Announcement{}, nil
		}
		q, a := inClause(f.Fingerprints)
		where = append(where, "fingerprint IN ("+q+")")
		args = append(args, a...)
	}
	query := `SELECT ` + announcementColumns + ` FROM announcements`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY discovered_at DESC, id DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	var rows []announcementRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("list announcements: %w", err)
	}
	out := make([]model.Announcement, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toModel())
	}
	return out, nil
}

// ExpirePastDeadline moves open announcements whose deadline is before now to expired.
func (s *Store) ExpirePastDeadline(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE announcements
		SET status='expired', updated_at=?
		WHERE status='open' AND deadline IS NOT NULL AND deadline < ?
	`, dbTime(now), dbTime(now))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ArchiveOlderThan archives open or expired announcements discovered before cutoff.
func (s *Store) ArchiveOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE announcements
		SET status='archived', updated_at=?
		WHERE status IN ('open','expired') AND discovered_at < ?
	`, dbTime(s.now()), dbTime(cutoff))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// MarkNotified sets the sent flag for channel. It reports false when the flag was already set.
func (s *Store) MarkNotified(ctx context.Context, id int64, channel model.Channel) (bool, error) {
	var column string
	switch channel {
	case model.ChannelEmail:
		column = "email_sent"
	case model.ChannelMessage:
		column = "message_sent"
	default:
		return false, fmt.Errorf("unknown channel %q", channel)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE announcements SET `+column+`=1, updated_at=? WHERE id=? AND `+column+`=0`,
		dbTime(s.now()), id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (s *Store) AnnouncementStatusCounts(ctx context.Context) (StatusCounts, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM announcements GROUP BY status`)
	if err != nil {
		return StatusCounts{}, err
	}
	defer rows.Close()
	var out StatusCounts
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return StatusCounts{}, err
		}
		switch model.AnnouncementStatus(status) {
		case model.StatusOpen:
			out.Open = count
		case model.StatusExpired:
			out.Expired = count
		case model.StatusArchived:
			out.Archived = count
		}
	}
	return out, rows.Err()
}

func statusStrings(statuses []model.AnnouncementStatus) []string {
	out := make([]string, len(statuses))
	for i, st := range statuses {
		out[i] = string(st)
	}
	return out
}

func (s *Store) CountDiscoveredSince(ctx context.Context, since time.Time) (int, error) {
	var n int
	err := s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM announcements WHERE discovered_at >= ?`, dbTime(since))
	return n, err
}
