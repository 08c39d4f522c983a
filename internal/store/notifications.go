package store

import (
	"context"
	"time"
)

// Notification identifies one dispatched notification in the ledger.
type Notification struct {
	Kind           string
	Recipient      string
	AnnouncementID int64
	Tag            string
}

// ClaimNotification records n as sent. It reports false when n was already claimed,
// in which case the caller must not send it again.
func (s *Store) ClaimNotification(ctx context.Context, n Notification, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO notifications(kind, recipient, announcement_id, tag, sent_at)
		VALUES(?,?,?,?,?)
	`, n.Kind, n.Recipient, n.AnnouncementID, n.Tag, dbTime(at))
	if err != nil {
		return false, err
	}
	rows, err := res.RowsAffected()
	return rows == 1, err
}

// ReleaseNotification drops a claim so a failed dispatch can be retried by a later scan.
func (s *Store) ReleaseNotification(ctx context.Context, n Notification) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM notifications WHERE kind=? AND recipient=? AND announcement_id=? AND tag=?
	`, n.Kind, n.Recipient, n.AnnouncementID, n.Tag)
	return err
}

// PurgeNotificationsBefore removes ledger rows older than cutoff.
func (s *Store) PurgeNotificationsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM notifications WHERE sent_at < ?`, dbTime(cutoff))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
