package scheduler

import (
	"context"
	"fmt"
	"time"

	"bandi/internal/alert"
	"bandi/internal/matcher"
	"bandi/internal/metrics"
	"bandi/internal/model"
	"bandi/internal/store"
)

const (
	JobArchive          = "archive"
	JobNewMatches       = "alerts:new-match"
	JobDeadlines        = "alerts:deadline"
	JobDigest           = "alerts:digest"
	JobEmbeddingRefresh = "embeddings:refresh"
)

// ArchiveJob expires announcements past their deadline, archives those older than the
// retention window and purges ledger entries of the same age. onChange runs when any
// announcement changed status.
func ArchiveJob(st *store.Store, every time.Duration, retention time.Duration, now func() time.Time, onChange func()) Job {
	return Job{
		Name:     JobArchive,
		Schedule: Every(every),
		Action: func(ctx context.Context) (model.RunSummary, error) {
			t := now()
			expired, err := st.ExpirePastDeadline(ctx, t)
			if err != nil {
				return model.RunSummary{}, fmt.Errorf("expire: %w", err)
			}
			cutoff := t.Add(-retention)
			archived, err := st.ArchiveOlderThan(ctx, cutoff)
			if err != nil {
				return model.RunSummary{}, fmt.Errorf("archive: %w", err)
			}
			if _, err := st.PurgeNotificationsBefore(ctx, cutoff); err != nil {
				return model.RunSummary{}, fmt.Errorf("purge notifications: %w", err)
			}
			if expired+archived > 0 && onChange != nil {
				onChange()
			}
			// run log counters: found = expired, new = archived
			return model.RunSummary{Found: int(expired), New: int(archived)}, nil
		},
	}
}

// AlertJob wraps one of the alert engine scans.
func AlertJob(name string, sched Schedule, scan func(context.Context) (alert.ScanReport, error)) Job {
	return Job{
		Name:     name,
		Schedule: sched,
		Action: func(ctx context.Context) (model.RunSummary, error) {
			report, err := scan(ctx)
			return report.Summary(), err
		},
	}
}

// EmbeddingRefreshJob keeps the similarity index warm between queries.
func EmbeddingRefreshJob(engine *matcher.Engine, every time.Duration, met *metrics.Metrics) Job {
	return Job{
		Name:     JobEmbeddingRefresh,
		Schedule: Every(every),
		Action: func(ctx context.Context) (model.RunSummary, error) {
			stats, err := engine.Refresh(ctx, false)
			if err != nil {
				return model.RunSummary{Found: stats.Total, New: stats.Embedded, Errors: 1}, err
			}
			met.IndexRefreshed(engine.Size(), stats.Embedded, stats.Reused)
			return model.RunSummary{Found: stats.Total, New: stats.Embedded}, nil
		},
	}
}
