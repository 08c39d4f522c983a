package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bandi/internal/auth"
	"bandi/internal/config"
	"bandi/internal/db"
	"bandi/internal/embedding"
	"bandi/internal/logger"
	"bandi/internal/matcher"
	"bandi/internal/metrics"
	"bandi/internal/model"
	"bandi/internal/scheduler"
	"bandi/internal/store"
)

const secret = "test-secret"

type fixture struct {
	store   *store.Store
	handler http.Handler
	release chan struct{}
}

func newFixture(t *testing.T, blockIngest bool) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	conn, err := db.Open(filepath.Join(t.TempDir(), "bandi.db"))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	st := store.New(conn)

	f := &fixture{store: st, release: make(chan struct{})}
	ingest := func(ctx context.Context, cfg model.SourceConfig) (model.RunSummary, error) {
		if blockIngest {
			select {
			case <-f.release:
			case <-ctx.Done():
				return model.RunSummary{}, ctx.Err()
			}
		}
		return model.RunSummary{Found: 2, New: 1}, nil
	}
	met := metrics.New()
	sched := scheduler.New(st, ingest, met, logger.NewNop(), scheduler.Options{PollInterval: time.Hour, Workers: 2, Grace: 100 * time.Millisecond})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = sched.Stop(ctx)
	})
	engine := matcher.NewEngine(embedding.NewHashing(256), st, matcher.Options{}, logger.NewNop())
	guard, err := auth.New(secret, nil)
	require.NoError(t, err)

	cfg := config.Config{
		MaxBodyBytes: 1 << 20,
		Matcher:      config.MatcherConfig{DefaultThreshold: 0.3, DefaultLimit: 20},
	}
	api := New(cfg, Deps{
		Store:        st,
		Scheduler:    sched,
		Matcher:      engine,
		Guard:        guard,
		Metrics:      met,
		KnownSources: map[string]bool{"regione": true, "ministero": true},
		Log:          logger.NewNop(),
	})
	f.handler = api.Routes()
	return f
}

func (f *fixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set(auth.HeaderSecret, secret)
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

const sociale = `{"name":"sociale","keywords":["inclusione"],"enabled_sources":["regione"],
	"request_timeout_sec":30,"interval_minutes":60}`

func TestHealthAndMetricsArePublic(t *testing.T) {
	f := newFixture(t, false)

	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	f.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")

	rec = httptest.NewRecorder()
	f.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/admin/status", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestConfigLifecycle(t *testing.T) {
	f := newFixture(t, false)

	rec := f.do(t, http.MethodPost, "/admin/configs", sociale)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decode[model.SourceConfig](t, rec)
	assert.Equal(t, time.Hour, created.Interval)
	assert.True(t, created.Active)

	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/admin/configs", sociale).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/admin/configs",
		`{"name":"x","keywords":["a"],"enabled_sources":["nowhere"],"request_timeout_sec":30,"interval_minutes":60}`).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/admin/configs", `{"name":"x","bogus":1}`).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/admin/configs",
		`{"name":"x","keywords":["a"],"enabled_sources":["regione"],"request_timeout_sec":30,"interval_minutes":1}`).Code)

	rec = f.do(t, http.MethodPut, "/admin/configs/sociale",
		`{"keywords":["inclusione","disabilità"],"enabled_sources":["regione","ministero"],"request_timeout_sec":30,"interval_minutes":120}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	updated := decode[model.SourceConfig](t, rec)
	assert.Equal(t, 2*time.Hour, updated.Interval)
	assert.Equal(t, []string{"regione", "ministero"}, updated.EnabledSources)

	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodPut, "/admin/configs/missing",
		`{"keywords":["a"],"enabled_sources":["regione"],"request_timeout_sec":30,"interval_minutes":60}`).Code)

	require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/admin/configs/sociale/deactivate", "").Code)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodPost, "/admin/configs/sociale/run", "").Code)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodPost, "/admin/configs/missing/activate", "").Code)

	require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/admin/configs/sociale/activate", "").Code)
	rec = f.do(t, http.MethodPost, "/admin/configs/sociale/run", "")
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	runID := decode[map[string]string](t, rec)["run_id"]
	require.NotEmpty(t, runID)

	require.Eventually(t, func() bool {
		run, err := f.store.GetRun(context.Background(), runID)
		if err != nil || run.Status != model.RunCompleted {
			return false
		}
		cfg, err := f.store.GetConfigByName(context.Background(), "sociale")
		return err == nil && cfg.NextRun != nil
	}, 2*time.Second, 10*time.Millisecond)

	rec = f.do(t, http.MethodGet, "/admin/runs?job=ingest:sociale", "")
	require.Equal(t, http.StatusOK, rec.Code)
	runs := decode[struct {
		Runs []model.RunLog `json:"runs"`
	}](t, rec)
	require.Len(t, runs.Runs, 1)
	assert.Equal(t, 2, runs.Runs[0].Found)
	assert.Equal(t, 1, runs.Runs[0].New)

	rec = f.do(t, http.MethodGet, "/admin/status", "")
	require.Equal(t, http.StatusOK, rec.Code)
	status := decode[struct {
		Configs []scheduler.ConfigStatus `json:"configs"`
	}](t, rec)
	require.Len(t, status.Configs, 1)
	assert.Equal(t, "sociale", status.Configs[0].Name)
	assert.True(t, status.Configs[0].IsActive)
	assert.Equal(t, model.RunCompleted, status.Configs[0].LastStatus)
	assert.NotNil(t, status.Configs[0].NextRun)
}

func TestIntervalIncreasePushesNextRun(t *testing.T) {
	f := newFixture(t, false)
	require.Equal(t, http.StatusCreated, f.do(t, http.MethodPost, "/admin/configs", sociale).Code)
	require.Equal(t, http.StatusAccepted, f.do(t, http.MethodPost, "/admin/configs/sociale/run", "").Code)
	require.Eventually(t, func() bool {
		cfg, err := f.store.GetConfigByName(context.Background(), "sociale")
		return err == nil && cfg.LastRun != nil && cfg.NextRun != nil
	}, 2*time.Second, 10*time.Millisecond)

	rec := f.do(t, http.MethodPut, "/admin/configs/sociale",
		`{"keywords":["inclusione"],"enabled_sources":["regione"],"request_timeout_sec":30,"interval_minutes":1440}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	updated := decode[model.SourceConfig](t, rec)
	require.NotNil(t, updated.LastRun)
	require.NotNil(t, updated.NextRun)
	assert.False(t, updated.NextRun.Before(updated.LastRun.Add(24*time.Hour)),
		"next_run %s, last_run %s", updated.NextRun, updated.LastRun)
}

func TestRunConflictsWhileRunning(t *testing.T) {
	f := newFixture(t, true)
	require.Equal(t, http.StatusCreated, f.do(t, http.MethodPost, "/admin/configs", sociale).Code)

	require.Equal(t, http.StatusAccepted, f.do(t, http.MethodPost, "/admin/configs/sociale/run", "").Code)
	assert.Equal(t, http.StatusConflict, f.do(t, http.MethodPost, "/admin/configs/sociale/run", "").Code)
	assert.Equal(t, http.StatusConflict, f.do(t, http.MethodPost, "/admin/jobs/ingest:sociale/run", "").Code)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodPost, "/admin/jobs/nope/run", "").Code)
	close(f.release)
}

func TestSearchAndSubscriberMatches(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	for _, a := range []model.Announcement{
		{Fingerprint: "d", Title: "Voucher digitalizzazione imprese", Category: "imprese", Source: "regione"},
		{Fingerprint: "b", Title: "Contributi agricoltura biologica", Category: "agricoltura", Source: "regione"},
	} {
		_, err := f.store.InsertAnnouncement(ctx, a)
		require.NoError(t, err)
	}

	rec := f.do(t, http.MethodPost, "/admin/embeddings/refresh", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	stats := decode[matcher.RefreshStats](t, rec)
	assert.Equal(t, 2, stats.Total)

	rec = f.do(t, http.MethodGet, "/admin/search?q=digitalizzazione+imprese&threshold=0.1&limit=5", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	res := decode[struct {
		Matches []matcher.Match `json:"matches"`
	}](t, rec)
	require.NotEmpty(t, res.Matches)
	assert.Equal(t, "Voucher digitalizzazione imprese", res.Matches[0].Announcement.Title)

	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/admin/search", "").Code)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/admin/search?q=x&threshold=2", "").Code)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/admin/search?q=x&limit=0", "").Code)

	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPut, "/admin/subscribers", `{"name":"no email"}`).Code)
	rec = f.do(t, http.MethodPut, "/admin/subscribers",
		`{"name":"Coop","email":"info@coop.it","keywords":["digitalizzazione"],"sectors":["imprese"],"active":true}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	sub := decode[model.SubscriberProfile](t, rec)
	require.NotZero(t, sub.ID)

	rec = f.do(t, http.MethodGet, "/admin/subscribers/"+itoa(sub.ID)+"/matches?threshold=0.05", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	pm := decode[struct {
		Matches []matcher.ProfileMatch `json:"matches"`
	}](t, rec)
	require.NotEmpty(t, pm.Matches)
	assert.Equal(t, "Voucher digitalizzazione imprese", pm.Matches[0].Announcement.Title)
	assert.True(t, pm.Matches[0].Factors.SectorMatch)

	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/admin/subscribers/999/matches", "").Code)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/admin/subscribers/abc/matches", "").Code)
}

func TestWatchlist(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	res, err := f.store.InsertAnnouncement(ctx, model.Announcement{Fingerprint: "w", Title: "Bando", Source: "regione"})
	require.NoError(t, err)
	sub, err := f.store.UpsertSubscriber(ctx, model.SubscriberProfile{Email: "a@b.it", Active: true})
	require.NoError(t, err)

	body := `{"subscriber_id":` + itoa(sub.ID) + `,"announcement_id":` + itoa(res.ID) + `,"priority":2}`
	require.Equal(t, http.StatusCreated, f.do(t, http.MethodPost, "/admin/watchlist", body).Code)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodPost, "/admin/watchlist",
		`{"subscriber_id":`+itoa(sub.ID)+`,"announcement_id":999}`).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/admin/watchlist", `{}`).Code)

	rec := f.do(t, http.MethodGet, "/admin/watchlist?subscriber_id="+itoa(sub.ID), "")
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[struct {
		Watchlist []model.WatchedAnnouncement `json:"watchlist"`
	}](t, rec)
	require.Len(t, list.Watchlist, 1)
	assert.Equal(t, "Bando", list.Watchlist[0].Announcement.Title)
	assert.Equal(t, 2, list.Watchlist[0].Priority)

	require.Equal(t, http.StatusOK, f.do(t, http.MethodDelete, "/admin/watchlist", body).Code)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodDelete, "/admin/watchlist", body).Code)
}

func itoa(n int64) string { return strconv.FormatInt(n, 10) }
