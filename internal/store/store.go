package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
)

var ErrNotFound = errors.New("not found")

const tsLayout = "2006-01-02T15:04:05.000000000Z"

type Store struct {
	db  *sqlx.DB
	now func() time.Time
}

type StatusCounts struct {
	Open     int `json:"open"`
	Expired  int `json:"expired"`
	Archived int `json:"archived"`
}

func New(db *sqlx.DB) *Store {
	return &Store{db: db, now: time.Now}
}

func (s *Store) DB() *sqlx.DB { return s.db }

func boolInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

func inClause[T any](vals []T) (string, []any) {
	parts := make([]string, len(vals))
	args := make([]any, len(vals))
	for i, v := range vals {
		parts[i] = "?"
		args[i] = v
	}
	return strings.Join(parts, ","), args
}

func dbTime(t time.Time) string {
	return t.UTC().Format(tsLayout)
}

func dbNullTime(t *time.Time) any {
	if t == nil || t.IsZero() {
		return nil
	}
	return dbTime(*t)
}

func parseNullTime(ns sql.NullString) *time.Time {
	if !ns.Valid {
		return nil
	}
	t := parseDBTimeString(ns.String)
	if t.IsZero() {
		return nil
	}
	return &t
}

func parseDBTimeString(s string) time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}
	}
	layouts := []string{
		tsLayout,
		time.RFC3339Nano,
		"2006-01-02 15:04:05.999999999-07:00",
		"2006-01-02 15:04:05",
	}
	for _, layout := range layouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}

func encodeList(v []string) string {
	if v == nil {
		v = []string{}
	}
	b, _ := json.Marshal(v)
	return string(b)
}

func decodeList(s string) []string {
	var out []string
	if err := json.Unmarshal([]byte(s), &out); err != nil || out == nil {
		return []string{}
	}
	return out
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func isForeignKeyViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "FOREIGN KEY constraint failed")
}
