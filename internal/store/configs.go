package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"bandi/internal/model"
)

type configRow struct {
	ID                  int64          `db:"id"`
	Name                string         `db:"name"`
	Keywords            string         `db:"keywords"`
	EnabledSources      string         `db:"enabled_sources"`
	ScrapeDelayMS       int64          `db:"scrape_delay_ms"`
	MaxRetries          int            `db:"max_retries"`
	RequestTimeoutMS    int64          `db:"request_timeout_ms"`
	MinDeadlineLeadDays int            `db:"min_deadline_lead_days"`
	IntervalSec         int64          `db:"interval_sec"`
	LastRun             sql.NullString `db:"last_run"`
	NextRun             sql.NullString `db:"next_run"`
	Active              bool           `db:"active"`
	NotifyEmail         string         `db:"notify_email"`
	TelegramChatID      string         `db:"telegram_chat_id"`
	CreatedAt           string         `db:"created_at"`
	UpdatedAt           string         `db:"updated_at"`
}

const configColumns = `id, name, keywords, enabled_sources, scrape_delay_ms, max_retries, request_timeout_ms,
	min_deadline_lead_days, interval_sec, last_run, next_run, active, notify_email, telegram_chat_id,
	created_at, updated_at`

func (r configRow) toModel() model.SourceConfig {
	return model.SourceConfig{
		ID:                  r.ID,
		Name:                r.Name,
		Keywords:            decodeList(r.Keywords),
		EnabledSources:      decodeList(r.EnabledSources),
		ScrapeDelay:         time.Duration(r.ScrapeDelayMS) * time.Millisecond,
		MaxRetries:          r.MaxRetries,
		RequestTimeout:      time.Duration(r.RequestTimeoutMS) * time.Millisecond,
		MinDeadlineLeadDays: r.MinDeadlineLeadDays,
		Interval:            time.Duration(r.IntervalSec) * time.Second,
		LastRun:             parseNullTime(r.LastRun),
		NextRun:             parseNullTime(r.NextRun),
		Active:              r.Active,
		NotifyEmail:         r.NotifyEmail,
		TelegramChatID:      r.TelegramChatID,
		CreatedAt:           parseDBTimeString(r.CreatedAt),
		UpdatedAt:           parseDBTimeString(r.UpdatedAt),
	}
}

// CreateConfig inserts a validated config. A duplicate name is a validation error.
func (s *Store) CreateConfig(ctx context.Context, sc model.SourceConfig) (model.SourceConfig, error) {
	now := dbTime(s.now())
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO source_configs(
			name, keywords, enabled_sources, scrape_delay_ms, max_retries, request_timeout_ms,
			min_deadline_lead_days, interval_sec, next_run, active, notify_email, telegram_chat_id,
			created_at, updated_at
		) VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?)
	`, sc.Name, encodeList(sc.Keywords), encodeList(sc.EnabledSources), sc.ScrapeDelay.Milliseconds(),
		sc.MaxRetries, sc.RequestTimeout.Milliseconds(), sc.MinDeadlineLeadDays, int64(sc.Interval/time.Second),
		dbNullTime(sc.NextRun), boolInt(sc.Active), sc.NotifyEmail, sc.TelegramChatID, now, now)
	if isUniqueViolation(err) {
		return model.SourceConfig{}, &model.ValidationError{Field: "name", Reason: "already exists"}
	}
	if err != nil {
		return model.SourceConfig{}, fmt.Errorf("insert source config: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return model.SourceConfig{}, err
	}
	return s.GetConfig(ctx, id)
}

// UpdateConfig replaces the settings of the named config. Schedule state is preserved,
// except that a pending next_run is pushed to last_run + interval when the interval grows.
func (s *Store) UpdateConfig(ctx context.Context, name string, sc model.SourceConfig) (model.SourceConfig, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return model.SourceConfig{}, err
	}
	defer tx.Rollback()

	var cur configRow
	err = tx.GetContext(ctx, &cur, `SELECT `+configColumns+` FROM source_configs WHERE name=?`, name)
	if errors.Is(err, sql.ErrNoRows) {
		return model.SourceConfig{}, ErrNotFound
	}
	if err != nil {
		return model.SourceConfig{}, fmt.Errorf("get source config: %w", err)
	}
	next := parseNullTime(cur.NextRun)
	if last := parseNullTime(cur.LastRun); last != nil {
		if earliest := last.Add(sc.Interval); next == nil || next.Before(earliest) {
			next = &earliest
		}
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE source_configs SET
			keywords=?, enabled_sources=?, scrape_delay_ms=?, max_retries=?, request_timeout_ms=?,
			min_deadline_lead_days=?, interval_sec=?, next_run=?, active=?, notify_email=?,
			telegram_chat_id=?, updated_at=?
		WHERE id=?
	`, encodeList(sc.Keywords), encodeList(sc.EnabledSources), sc.ScrapeDelay.Milliseconds(), sc.MaxRetries,
		sc.RequestTimeout.Milliseconds(), sc.MinDeadlineLeadDays, int64(sc.Interval/time.Second),
		dbNullTime(next), boolInt(sc.Active), sc.NotifyEmail, sc.TelegramChatID, dbTime(s.now()), cur.ID)
	if err != nil {
		return model.SourceConfig{}, fmt.Errorf("update source config: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return model.SourceConfig{}, err
	}
	return s.GetConfig(ctx, cur.ID)
}

func (s *Store) GetConfig(ctx context.Context, id int64) (model.SourceConfig, error) {
	var r configRow
	err := s.db.GetContext(ctx, &r, `SELECT `+configColumns+` FROM source_configs WHERE id=?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return model.SourceConfig{}, ErrNotFound
	}
	if err != nil {
		return model.SourceConfig{}, err
	}
	return r.toModel(), nil
}

func (s *Store) GetConfigByName(ctx context.Context, name string) (model.SourceConfig, error) {
	var r configRow
	err := s.db.GetContext(ctx, &r, `SELECT `+configColumns+` FROM source_configs WHERE name=?`, name)
	if errors.Is(err, sql.ErrNoRows) {
		return model.SourceConfig{}, ErrNotFound
	}
	if err != nil {
		return model.SourceConfig{}, err
	}
	return r.toModel(), nil
}

func (s *Store) ListConfigs(ctx context.Context) ([]model.SourceConfig, error) {
	var rows []configRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT `+configColumns+` FROM source_configs ORDER BY id`); err != nil {
		return nil, err
	}
	out := make([]model.SourceConfig, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toModel())
	}
	return out, nil
}

// SetActive toggles a config. Schedule timestamps and run history are left untouched.
func (s *Store) SetActive(ctx context.Context, name string, active bool) error {
	res, err := s.db.ExecContext(ctx, `UPDATE source_configs SET active=?, updated_at=? WHERE name=?`,
		boolInt(active), dbTime(s.now()), name)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) UpdateSchedule(ctx context.Context, id int64, lastRun, nextRun time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE source_configs SET last_run=?, next_run=?, updated_at=? WHERE id=?`,
		dbTime(lastRun), dbTime(nextRun), dbTime(s.now()), id)
	return err
}

func (s *Store) DeleteConfig(ctx context.Context, name string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM source_configs WHERE name=?`, name)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
