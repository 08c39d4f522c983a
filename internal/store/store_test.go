package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bandi/internal/db"
	"bandi/internal/model"
)

var testNow = time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	conn, err := db.Open(filepath.Join(t.TempDir(), "bandi.db"))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	s := New(conn)
	s.now = func() time.Time { return testNow }
	return s
}

func ptrTime(t time.Time) *time.Time { return &t }

func announcement(fp, title string) model.Announcement {
	return model.Announcement{
		Fingerprint: fp,
		Title:       title,
		Issuer:      "Regione Lazio",
		Source:      "regione",
		Link:        "https://example.org/" + fp,
		Category:    "digitale",
	}
}

func TestInsertAnnouncementIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a := announcement("fp1", "Voucher digitalizzazione")
	a.Deadline = ptrTime(testNow.Add(60 * 24 * time.Hour))

	first, err := s.InsertAnnouncement(ctx, a)
	require.NoError(t, err)
	assert.Equal(t, Inserted, first.Outcome)
	assert.NotZero(t, first.ID)

	a.Title = "changed title"
	second, err := s.InsertAnnouncement(ctx, a)
	require.NoError(t, err)
	assert.Equal(t, AlreadyPresent, second.Outcome)
	assert.Equal(t, first.ID, second.ID)

	got, found, err := s.FindByFingerprint(ctx, "fp1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "Voucher digitalizzazione", got.Title)
	assert.Equal(t, model.StatusOpen, got.Status)
	assert.Equal(t, testNow, got.DiscoveredAt)
	require.NotNil(t, got.Deadline)
	assert.True(t, got.Deadline.Equal(*a.Deadline))

	_, found, err = s.FindByFingerprint(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, found)

	_, err = s.GetAnnouncement(ctx, 9999)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListAnnouncementsFilter(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i, fp := range []string{"a", "b", "c"} {
		a := announcement(fp, "bando "+fp)
		a.DiscoveredAt = testNow.Add(time.Duration(-i) * 48 * time.Hour)
		if fp == "c" {
			a.Source = "eu"
		}
		_, err := s.InsertAnnouncement(ctx, a)
		require.NoError(t, err)
	}

	all, err := s.ListAnnouncements(ctx, AnnouncementFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "a", all[0].Fingerprint)

	since := testNow.Add(-24 * time.Hour)
	recent, err := s.ListAnnouncements(ctx, AnnouncementFilter{DiscoveredAfter: &since})
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, "a", recent[0].Fingerprint)

	eu, err := s.ListAnnouncements(ctx, AnnouncementFilter{Source: "eu", Statuses: []model.AnnouncementStatus{model.StatusOpen}})
	require.NoError(t, err)
	require.Len(t, eu, 1)
	assert.Equal(t, "c", eu[0].Fingerprint)

	byFP, err := s.ListAnnouncements(ctx, AnnouncementFilter{Fingerprints: []string{"b", "c"}, Limit: 1})
	require.NoError(t, err)
	require.Len(t, byFP, 1)
	assert.Equal(t, "b", byFP[0].Fingerprint)

	none, err := s.ListAnnouncements(ctx, AnnouncementFilter{IDs: []int64{}})
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestStatusOnlyMovesForward(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	past := announcement("past", "scaduto")
	past.Deadline = ptrTime(testNow.Add(-time.Hour))
	old := announcement("old", "vecchio")
	old.DiscoveredAt = testNow.Add(-400 * 24 * time.Hour)
	fresh := announcement("fresh", "aperto")
	fresh.Deadline = ptrTime(testNow.Add(24 * time.Hour))
	for _, a := range []model.Announcement{past, old, fresh} {
		_, err := s.InsertAnnouncement(ctx, a)
		require.NoError(t, err)
	}

	n, err := s.ExpirePastDeadline(ctx, testNow)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = s.ArchiveOlderThan(ctx, testNow.Add(-365*24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	// repeated runs are no-ops
	n, err = s.ExpirePastDeadline(ctx, testNow)
	require.NoError(t, err)
	assert.Zero(t, n)
	n, err = s.ArchiveOlderThan(ctx, testNow.Add(-365*24*time.Hour))
	require.NoError(t, err)
	assert.Zero(t, n)

	counts, err := s.AnnouncementStatusCounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, StatusCounts{Open: 1, Expired: 1, Archived: 1}, counts)

	// archiving the expired one later keeps it archived even after the deadline check runs again
	n, err = s.ArchiveOlderThan(ctx, testNow.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	_, err = s.ExpirePastDeadline(ctx, testNow.Add(48*time.Hour))
	require.NoError(t, err)
	counts, err = s.AnnouncementStatusCounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, StatusCounts{Archived: 3}, counts)
}

func TestMarkNotifiedOnce(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	res, err := s.InsertAnnouncement(ctx, announcement("fp", "bando"))
	require.NoError(t, err)

	ok, err := s.MarkNotified(ctx, res.ID, model.ChannelEmail)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = s.MarkNotified(ctx, res.ID, model.ChannelEmail)
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = s.MarkNotified(ctx, res.ID, model.ChannelMessage)
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := s.GetAnnouncement(ctx, res.ID)
	require.NoError(t, err)
	assert.True(t, got.EmailSent)
	assert.True(t, got.MessageSent)
}

func testConfig(name string) model.SourceConfig {
	return model.SourceConfig{
		Name:                name,
		Keywords:            []string{"digitale", "impresa"},
		EnabledSources:      []string{"regione"},
		ScrapeDelay:         1500 * time.Millisecond,
		MaxRetries:          2,
		RequestTimeout:      30 * time.Second,
		MinDeadlineLeadDays: 30,
		Interval:            6 * time.Hour,
		Active:              true,
		NotifyEmail:         "ops@example.org",
	}
}

func TestConfigLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	created, err := s.CreateConfig(ctx, testConfig("lazio"))
	require.NoError(t, err)
	assert.NotZero(t, created.ID)
	assert.Equal(t, []string{"digitale", "impresa"}, created.Keywords)
	assert.Equal(t, 1500*time.Millisecond, created.ScrapeDelay)
	assert.Equal(t, 6*time.Hour, created.Interval)
	assert.Nil(t, created.LastRun)
	assert.Nil(t, created.NextRun)

	_, err = s.CreateConfig(ctx, testConfig("lazio"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, model.ErrInvalidConfig))

	last := testNow
	next := testNow.Add(6 * time.Hour)
	require.NoError(t, s.UpdateSchedule(ctx, created.ID, last, next))

	require.NoError(t, s.SetActive(ctx, "lazio", false))
	got, err := s.GetConfigByName(ctx, "lazio")
	require.NoError(t, err)
	assert.False(t, got.Active)
	require.NotNil(t, got.LastRun)
	require.NotNil(t, got.NextRun)
	assert.True(t, got.NextRun.Equal(next))

	upd := testConfig("lazio")
	upd.Keywords = []string{"sociale"}
	upd.Active = true
	updated, err := s.UpdateConfig(ctx, "lazio", upd)
	require.NoError(t, err)
	assert.Equal(t, []string{"sociale"}, updated.Keywords)
	require.NotNil(t, updated.NextRun)
	assert.True(t, updated.NextRun.Equal(next))

	_, err = s.UpdateConfig(ctx, "missing", upd)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, s.SetActive(ctx, "missing", true), ErrNotFound)

	all, err := s.ListConfigs(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)

	require.NoError(t, s.DeleteConfig(ctx, "lazio"))
	_, err = s.GetConfig(ctx, created.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpdateConfigKeepsNextRunAfterInterval(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sc := testConfig("lazio")
	sc.Interval = 10 * time.Minute
	created, err := s.CreateConfig(ctx, sc)
	require.NoError(t, err)
	last := testNow
	require.NoError(t, s.UpdateSchedule(ctx, created.ID, last, last.Add(10*time.Minute)))

	sc.Interval = 24 * time.Hour
	grown, err := s.UpdateConfig(ctx, "lazio", sc)
	require.NoError(t, err)
	require.NotNil(t, grown.NextRun)
	assert.True(t, grown.NextRun.Equal(last.Add(24*time.Hour)), "next_run = %s", grown.NextRun)

	sc.Interval = time.Hour
	shrunk, err := s.UpdateConfig(ctx, "lazio", sc)
	require.NoError(t, err)
	require.NotNil(t, shrunk.NextRun)
	assert.True(t, shrunk.NextRun.Equal(last.Add(24*time.Hour)), "a later next_run is kept")

	fresh, err := s.CreateConfig(ctx, testConfig("puglia"))
	require.NoError(t, err)
	never, err := s.UpdateConfig(ctx, fresh.Name, testConfig("puglia"))
	require.NoError(t, err)
	assert.Nil(t, never.NextRun)
}

func TestRunLogFinalizedOnce(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	cfg, err := s.CreateConfig(ctx, testConfig("lazio"))
	require.NoError(t, err)

	run := model.RunLog{ID: "run-1", Job: "ingest:lazio", ConfigID: cfg.ID, StartedAt: testNow}
	require.NoError(t, s.StartRun(ctx, run))

	summary := model.RunSummary{Found: 3, New: 1, Errors: 1, Sources: map[string]model.SourceSummary{
		"regione": {Found: 3, New: 1, Duplicates: 1, Filtered: 1},
	}}
	ok, err := s.FinishRun(ctx, "run-1", model.RunCompleted, summary, "", testNow.Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.FinishRun(ctx, "run-1", model.RunFailed, model.RunSummary{}, "late", testNow.Add(2*time.Minute))
	require.NoError(t, err)
	assert.False(t, ok)

	got, found, err := s.LatestRun(ctx, "ingest:lazio")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, model.RunCompleted, got.Status)
	assert.Equal(t, 3, got.Found)
	assert.Equal(t, 1, got.New)
	assert.Equal(t, cfg.ID, got.ConfigID)
	assert.Equal(t, 1, got.Sources["regione"].Duplicates)
	require.NotNil(t, got.FinishedAt)

	require.NoError(t, s.StartRun(ctx, model.RunLog{ID: "run-2", Job: "archive", StartedAt: testNow.Add(time.Hour)}))
	n, err := s.FailRunning(ctx, "interrupted", testNow.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	stale, err := s.GetRun(ctx, "run-2")
	require.NoError(t, err)
	assert.Equal(t, model.RunFailed, stale.Status)
	assert.Equal(t, "interrupted", stale.Error)
	assert.Zero(t, stale.ConfigID)

	errs, err := s.CountErrorsSince(ctx, "ingest:lazio", testNow.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, errs)

	runs, err := s.ListRuns(ctx, RunFilter{})
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "run-2", runs[0].ID)

	_, found, err = s.LatestRun(ctx, "alerts:digest")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestSubscribersAndWatchlist(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sub, err := s.UpsertSubscriber(ctx, model.SubscriberProfile{
		Name: "Coop Sociale", Email: "Info@Coop.it", Sectors: []string{"sociale"},
		NotifyDeadlines: true, Active: true,
	})
	require.NoError(t, err)
	assert.Equal(t, "info@coop.it", sub.Email)

	again, err := s.UpsertSubscriber(ctx, model.SubscriberProfile{Name: "Coop", Email: "info@coop.it", Active: true})
	require.NoError(t, err)
	assert.Equal(t, sub.ID, again.ID)
	assert.Equal(t, "Coop", again.Name)

	_, err = s.UpsertSubscriber(ctx, model.SubscriberProfile{Email: "nope"})
	assert.True(t, errors.Is(err, model.ErrInvalidConfig))

	res, err := s.InsertAnnouncement(ctx, announcement("fp", "bando sociale"))
	require.NoError(t, err)

	score := 0.7
	require.NoError(t, s.AddWatch(ctx, model.WatchlistEntry{SubscriberID: sub.ID, AnnouncementID: res.ID, Priority: 2, MatchScore: &score}))
	require.NoError(t, s.AddWatch(ctx, model.WatchlistEntry{SubscriberID: sub.ID, AnnouncementID: res.ID, Priority: 3}))
	assert.ErrorIs(t, s.AddWatch(ctx, model.WatchlistEntry{SubscriberID: sub.ID, AnnouncementID: 999}), ErrNotFound)

	list, err := s.ListWatchlist(ctx, sub.ID, model.StatusOpen)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, 3, list[0].Priority)
	require.NotNil(t, list[0].MatchScore)
	assert.InDelta(t, 0.7, *list[0].MatchScore, 1e-9)
	assert.Equal(t, "bando sociale", list[0].Announcement.Title)

	require.NoError(t, s.RemoveWatch(ctx, sub.ID, res.ID))
	assert.ErrorIs(t, s.RemoveWatch(ctx, sub.ID, res.ID), ErrNotFound)

	active, err := s.ListActiveSubscribers(ctx)
	require.NoError(t, err)
	assert.Len(t, active, 1)
}

func TestEmbeddingsPersistAndCascade(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, err := s.InsertAnnouncement(ctx, announcement("fp", "bando"))
	require.NoError(t, err)

	vecs := []model.EmbeddingVector{
		{Fingerprint: "fp", Vector: []float32{0.25, -1, 3.5}, TextHash: "h1", GeneratedAt: testNow},
		{Fingerprint: "orphan", Vector: []float32{1}, TextHash: "h2", GeneratedAt: testNow},
	}
	require.NoError(t, s.SaveEmbeddings(ctx, "local", vecs))

	got, err := s.LoadEmbeddings(ctx, "local")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, []float32{0.25, -1, 3.5}, got[0].Vector)
	assert.Equal(t, testNow, got[0].GeneratedAt)

	other, err := s.LoadEmbeddings(ctx, "openai")
	require.NoError(t, err)
	assert.Empty(t, other)

	_, err = s.DB().ExecContext(ctx, `DELETE FROM announcements WHERE fingerprint='fp'`)
	require.NoError(t, err)
	got, err = s.LoadEmbeddings(ctx, "local")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestClaimNotification(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	n := Notification{Kind: "deadline", Recipient: "a@b.it", AnnouncementID: 7, Tag: "d3:2026-03-13"}

	ok, err := s.ClaimNotification(ctx, n, testNow)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = s.ClaimNotification(ctx, n, testNow)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.ReleaseNotification(ctx, n))
	ok, err = s.ClaimNotification(ctx, n, testNow)
	require.NoError(t, err)
	assert.True(t, ok)

	purged, err := s.PurgeNotificationsBefore(ctx, testNow.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), purged)
}

func TestInsertAnnouncementDatabaseError(t *testing.T) {
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer mockDB.Close()
	s := New(sqlx.NewDb(mockDB, "sqlite"))

	mock.ExpectExec("INSERT INTO announcements").WillReturnError(errors.New("disk I/O error"))

	_, err = s.InsertAnnouncement(context.Background(), announcement("fp", "bando"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "insert announcement")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateConfigMapsUniqueViolation(t *testing.T) {
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer mockDB.Close()
	s := New(sqlx.NewDb(mockDB, "sqlite"))

	mock.ExpectExec("INSERT INTO source_configs").
		WillReturnError(errors.New("constraint failed: UNIQUE constraint failed: source_configs.name (2067)"))

	_, err = s.CreateConfig(context.Background(), testConfig("lazio"))
	var verr *model.ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, "name", verr.Field)
	assert.NoError(t, mock.ExpectationsWereMet())
}
