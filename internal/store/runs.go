package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"bandi/internal/model"
)

type runRow struct {
	ID         string         `db:"id"`
	Job        string         `db:"job"`
	ConfigID   sql.NullInt64  `db:"config_id"`
	StartedAt  string         `db:"started_at"`
	FinishedAt sql.NullString `db:"finished_at"`
	Found      int            `db:"found"`
	New        int            `db:"new"`
	Errors     int            `db:"errors"`
	Status     string         `db:"status"`
	Error      string         `db:"error"`
	Sources    string         `db:"sources"`
}

const runColumns = `id, job, config_id, started_at, finished_at, found, new, errors, status, error, sources`

func (r runRow) toModel() model.RunLog {
	out := model.RunLog{
		ID:         r.ID,
		Job:        r.Job,
		ConfigID:   r.ConfigID.Int64,
		StartedAt:  parseDBTimeString(r.StartedAt),
		FinishedAt: parseNullTime(r.FinishedAt),
		Found:      r.Found,
		New:        r.New,
		Errors:     r.Errors,
		Status:     model.RunStatus(r.Status),
		Error:      r.Error,
	}
	if r.Sources != "" && r.Sources != "{}" {
		_ = json.Unmarshal([]byte(r.Sources), &out.Sources)
	}
	return out
}

type RunFilter struct {
	Job   string
	Limit int
}

// StartRun records a run in the running state.
func (s *Store) StartRun(ctx context.Context, run model.RunLog) error {
	var configID any
	if run.ConfigID > 0 {
		configID = run.ConfigID
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO run_logs(id, job, config_id, started_at, status)
		VALUES(?,?,?,?,'running')
	`, run.ID, run.Job, configID, dbTime(run.StartedAt))
	if err != nil {
		return fmt.Errorf("start run: %w", err)
	}
	return nil
}

// FinishRun finalizes a running run log. It reports false if the run was already final.
func (s *Store) FinishRun(ctx context.Context, id string, status model.RunStatus, summary model.RunSummary, errMsg string, finishedAt time.Time) (bool, error) {
	sources := "{}"
	if len(summary.Sources) > 0 {
		b, err := json.Marshal(summary.Sources)
		if err != nil {
			return false, err
		}
		sources = string(b)
	}
	errCount := summary.Errors
	if status == model.RunFailed && errCount == 0 {
		errCount = 1
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE run_logs
		SET finished_at=?, found=?, new=?, errors=?, status=?, error=?, sources=?
		WHERE id=? AND status='running'
	`, dbTime(finishedAt), summary.Found, summary.New, errCount, string(status), errMsg, sources, id)
	if err != nil {
		return false, fmt.Errorf("finish run: %w", err)
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// FailRunning marks every run still in the running state as failed.
func (s *Store) FailRunning(ctx context.Context, msg string, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE run_logs
		SET finished_at=?, status='failed', error=?, errors=MAX(errors, 1)
		WHERE status='running'
	`, dbTime(now), msg)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *Store) LatestRun(ctx context.Context, job string) (model.RunLog, bool, error) {
	var r runRow
	err := s.db.GetContext(ctx, &r, `SELECT `+runColumns+` FROM run_logs WHERE job=? ORDER BY started_at DESC, rowid DESC LIMIT 1`, job)
	if errors.Is(err, sql.ErrNoRows) {
		return model.RunLog{}, false, nil
	}
	if err != nil {
		return model.RunLog{}, false, err
	}
	return r.toModel(), true, nil
}

func (s *Store) GetRun(ctx context.Context, id string) (model.RunLog, error) {
	var r runRow
	err := s.db.GetContext(ctx, &r, `SELECT `+runColumns+` FROM run_logs WHERE id=?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return model.RunLog{}, ErrNotFound
	}
	if err != nil {
		return model.RunLog{}, err
	}
	return r.toModel(), nil
}

func (s *Store) ListRuns(ctx context.Context, f RunFilter) ([]model.RunLog, error) {
	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	query := `SELECT ` + runColumns + ` FROM run_logs`
	var args []any
	if f.Job != "" {
		query += ` WHERE job=?`
		args = append(args, f.Job)
	}
	query += ` ORDER BY started_at DESC, rowid DESC LIMIT ?`
	args = append(args, limit)
	var rows []runRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, err
	}
	out := make([]model.RunLog, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toModel())
	}
	return out, nil
}

// CountErrorsSince sums the error counts of runs of job started at or after since.
func (s *Store) CountErrorsSince(ctx context.Context, job string, since time.Time) (int, error) {
	var n int
	err := s.db.GetContext(ctx, &n, `SELECT COALESCE(SUM(errors), 0) FROM run_logs WHERE job=? AND started_at >= ?`, job, dbTime(since))
	return n, err
}
