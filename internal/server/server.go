package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"bandi/internal/auth"
	"bandi/internal/config"
	"bandi/internal/logger"
	"bandi/internal/matcher"
	"bandi/internal/metrics"
	"bandi/internal/model"
	"bandi/internal/scheduler"
	"bandi/internal/store"
)

type progressSource interface {
	LastProgress() (string, time.Time)
}

// API is the administrative HTTP surface.
type API struct {
	cfg       config.Config
	store     *store.Store
	scheduler *scheduler.Scheduler
	matcher   *matcher.Engine
	progress  progressSource
	guard     *auth.Guard
	metrics   *metrics.Metrics
	known     map[string]bool
	log       logger.Logger
}

type Deps struct {
	Store     *store.Store
	Scheduler *scheduler.Scheduler
	Matcher   *matcher.Engine
	Progress  progressSource
	Guard     *auth.Guard
	Metrics   *metrics.Metrics
	// KnownSources is the set of adapter names a config may enable.
	KnownSources map[string]bool
	Log          logger.Logger
}

func New(cfg config.Config, d Deps) *API {
	return &API{
		cfg:       cfg,
		store:     d.Store,
		scheduler: d.Scheduler,
		matcher:   d.Matcher,
		progress:  d.Progress,
		guard:     d.Guard,
		metrics:   d.Metrics,
		known:     d.KnownSources,
		log:       d.Log,
	}
}

// HTTPServer wraps the routes with the configured timeouts.
func (a *API) HTTPServer() *http.Server {
	return &http.Server{
		Addr:         a.cfg.ListenAddress,
		Handler:      a.Routes(),
		ReadTimeout:  time.Duration(a.cfg.HTTPReadTimeoutSec) * time.Second,
		WriteTimeout: time.Duration(a.cfg.HTTPWriteTimeoutSec) * time.Second,
		IdleTimeout:  time.Duration(a.cfg.HTTPIdleTimeoutSec) * time.Second,
	}
}

func (a *API) Routes() *gin.Engine {
	r := gin.New()
	r.Use(a.recovery(), a.requestLogger())

	r.GET("/healthz", a.handleHealth)
	if a.metrics != nil {
		r.GET("/metrics", gin.WrapH(a.metrics.Handler()))
	}

	admin := r.Group("/admin", a.guard.AdminOnly(), a.limitBody())
	admin.GET("/status", a.handleStatus)
	admin.GET("/runs", a.handleRuns)

	admin.GET("/configs", a.handleListConfigs)
	admin.POST("/configs", a.handleCreateConfig)
	admin.PUT("/configs/:name", a.handleUpdateConfig)
	admin.POST("/configs/:name/run", a.handleRunConfig)
	admin.POST("/configs/:name/activate", a.handleSetActive(true))
	admin.POST("/configs/:name/deactivate", a.handleSetActive(false))

	admin.POST("/jobs/:job/run", a.handleRunJob)
	admin.POST("/embeddings/refresh", a.handleRefreshEmbeddings)
	admin.GET("/search", a.handleSearch)

	admin.PUT("/subscribers", a.handleUpsertSubscriber)
	admin.GET("/subscribers/:id/matches", a.handleSubscriberMatches)
	admin.GET("/watchlist", a.handleListWatchlist)
	admin.POST("/watchlist", a.handleAddWatch)
	admin.DELETE("/watchlist", a.handleRemoveWatch)
	return r
}

func (a *API) handleHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()
	if err := a.store.DB().PingContext(ctx); err != nil {
		respondErr(c, http.StatusServiceUnavailable, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (a *API) handleStatus(c *gin.Context) {
	ctx := c.Request.Context()
	report, err := a.scheduler.Status(ctx)
	if err != nil {
		respondErr(c, http.StatusInternalServerError, err)
		return
	}
	counts, err := a.store.AnnouncementStatusCounts(ctx)
	if err != nil {
		respondErr(c, http.StatusInternalServerError, err)
		return
	}
	msg, msgAt := "", time.Time{}
	if a.progress != nil {
		msg, msgAt = a.progress.LastProgress()
	}
	c.JSON(http.StatusOK, gin.H{
		"configs": report.Configs,
		"jobs":    report.Jobs,
		"ingest": gin.H{
			"last_message":    msg,
			"last_message_at": msgAt,
		},
		"announcements": counts,
		"index_size":    a.matcher.Size(),
	})
}

func (a *API) handleRuns(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("limit"))
	runs, err := a.store.ListRuns(c.Request.Context(), store.RunFilter{Job: c.Query("job"), Limit: limit})
	if err != nil {
		respondErr(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"runs": runs})
}

func (a *API) handleListConfigs(c *gin.Context) {
	cfgs, err := a.store.ListConfigs(c.Request.Context())
	if err != nil {
		respondErr(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"configs": cfgs})
}

func (a *API) handleCreateConfig(c *gin.Context) {
	var req config.SeedSourceConfig
	if err := decodeJSON(c, &req); err != nil {
		respondErr(c, http.StatusBadRequest, err)
		return
	}
	sc := req.ToModel()
	if err := sc.Validate(a.known); err != nil {
		respondErr(c, http.StatusBadRequest, err)
		return
	}
	created, err := a.store.CreateConfig(c.Request.Context(), sc)
	if err != nil {
		respondStoreErr(c, err)
		return
	}
	a.log.Info("source config created", logger.String("config", created.Name))
	c.JSON(http.StatusCreated, created)
}

func (a *API) handleUpdateConfig(c *gin.Context) {
	var req config.SeedSourceConfig
	if err := decodeJSON(c, &req); err != nil {
		respondErr(c, http.StatusBadRequest, err)
		return
	}
	req.Name = c.Param("name")
	sc := req.ToModel()
	if err := sc.Validate(a.known); err != nil {
		respondErr(c, http.StatusBadRequest, err)
		return
	}
	updated, err := a.store.UpdateConfig(c.Request.Context(), sc.Name, sc)
	if err != nil {
		respondStoreErr(c, err)
		return
	}
	a.log.Info("source config updated", logger.String("config", updated.Name))
	c.JSON(http.StatusOK, updated)
}

func (a *API) handleSetActive(active bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		name := c.Param("name")
		if err := a.store.SetActive(c.Request.Context(), name, active); err != nil {
			respondStoreErr(c, err)
			return
		}
		a.log.Info("source config toggled", logger.String("config", name), logger.Bool("active", active))
		c.JSON(http.StatusOK, gin.H{"name": name, "is_active": active})
	}
}

func (a *API) handleRunConfig(c *gin.Context) {
	a.runJob(c, scheduler.IngestPrefix+c.Param("name"))
}

func (a *API) handleRunJob(c *gin.Context) {
	a.runJob(c, c.Param("job"))
}

func (a *API) runJob(c *gin.Context, name string) {
	runID, err := a.scheduler.RunNow(c.Request.Context(), name)
	switch {
	case errors.Is(err, scheduler.ErrJobRunning):
		respondErr(c, http.StatusConflict, err)
	case errors.Is(err, scheduler.ErrUnknownJob):
		respondErr(c, http.StatusNotFound, fmt.Errorf("%w: %s", err, name))
	case errors.Is(err, scheduler.ErrPoolSaturated):
		respondErr(c, http.StatusServiceUnavailable, err)
	case err != nil:
		respondErr(c, http.StatusInternalServerError, err)
	default:
		c.JSON(http.StatusAccepted, gin.H{"job": name, "run_id": runID})
	}
}

func (a *API) handleRefreshEmbeddings(c *gin.Context) {
	force, _ := strconv.ParseBool(c.Query("force"))
	stats, err := a.matcher.Refresh(c.Request.Context(), force)
	if errors.Is(err, matcher.ErrEmbeddingUnavailable) {
		respondErr(c, http.StatusServiceUnavailable, err)
		return
	}
	if err != nil {
		respondErr(c, http.StatusInternalServerError, err)
		return
	}
	a.metrics.IndexRefreshed(a.matcher.Size(), stats.Embedded, stats.Reused)
	c.JSON(http.StatusOK, stats)
}

// searchParams reads threshold and limit, falling back to the matcher defaults.
func (a *API) searchParams(c *gin.Context) (float64, int, error) {
	threshold := a.cfg.Matcher.DefaultThreshold
	limit := a.cfg.Matcher.DefaultLimit
	if s := c.Query("threshold"); s != "" {
		v, err := strconv.ParseFloat(s, 64)
		if err != nil || v < -1 || v > 1 {
			return 0, 0, errors.New("threshold must be a number in [-1, 1]")
		}
		threshold = v
	}
	if s := c.Query("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 || n > 500 {
			return 0, 0, errors.New("limit must be in 1..500")
		}
		limit = n
	}
	return threshold, limit, nil
}

func (a *API) handleSearch(c *gin.Context) {
	q := c.Query("q")
	if q == "" {
		respondErr(c, http.StatusBadRequest, errors.New("q is required"))
		return
	}
	threshold, limit, err := a.searchParams(c)
	if err != nil {
		respondErr(c, http.StatusBadRequest, err)
		return
	}
	a.metrics.Searched()
	matches, err := a.matcher.Search(c.Request.Context(), matcher.Query{Text: q, Threshold: threshold, Limit: limit})
	if err != nil {
		respondErr(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"query": q, "matches": matches})
}

func (a *API) handleUpsertSubscriber(c *gin.Context) {
	var req model.SubscriberProfile
	if err := decodeJSON(c, &req); err != nil {
		respondErr(c, http.StatusBadRequest, err)
		return
	}
	saved, err := a.store.UpsertSubscriber(c.Request.Context(), req)
	if err != nil {
		respondStoreErr(c, err)
		return
	}
	c.JSON(http.StatusOK, saved)
}

func (a *API) handleSubscriberMatches(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		respondErr(c, http.StatusBadRequest, errors.New("invalid subscriber id"))
		return
	}
	threshold, limit, err := a.searchParams(c)
	if err != nil {
		respondErr(c, http.StatusBadRequest, err)
		return
	}
	sub, err := a.store.GetSubscriber(c.Request.Context(), id)
	if err != nil {
		respondStoreErr(c, err)
		return
	}
	a.metrics.Searched()
	matches, err := a.matcher.MatchProfile(c.Request.Context(), sub, matcher.ProfileOptions{Threshold: threshold, Limit: limit})
	if err != nil {
		respondErr(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"subscriber_id": id, "matches": matches})
}

type watchRequest struct {
	SubscriberID   int64    `json:"subscriber_id"`
	AnnouncementID int64    `json:"announcement_id"`
	Priority       int      `json:"priority"`
	MatchScore     *float64 `json:"match_score,omitempty"`
}

func (a *API) handleListWatchlist(c *gin.Context) {
	id, _ := strconv.ParseInt(c.Query("subscriber_id"), 10, 64)
	entries, err := a.store.ListWatchlist(c.Request.Context(), id)
	if err != nil {
		respondErr(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"watchlist": entries})
}

func (a *API) handleAddWatch(c *gin.Context) {
	var req watchRequest
	if err := decodeJSON(c, &req); err != nil {
		respondErr(c, http.StatusBadRequest, err)
		return
	}
	if req.SubscriberID <= 0 || req.AnnouncementID <= 0 {
		respondErr(c, http.StatusBadRequest, errors.New("subscriber_id and announcement_id are required"))
		return
	}
	err := a.store.AddWatch(c.Request.Context(), model.WatchlistEntry{
		SubscriberID:   req.SubscriberID,
		AnnouncementID: req.AnnouncementID,
		Priority:       req.Priority,
		MatchScore:     req.MatchScore,
	})
	if err != nil {
		respondStoreErr(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"ok": true})
}

func (a *API) handleRemoveWatch(c *gin.Context) {
	var req watchRequest
	if err := decodeJSON(c, &req); err != nil {
		respondErr(c, http.StatusBadRequest, err)
		return
	}
	if err := a.store.RemoveWatch(c.Request.Context(), req.SubscriberID, req.AnnouncementID); err != nil {
		respondStoreErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func decodeJSON(c *gin.Context, out any) error {
	defer c.Request.Body.Close()
	dec := json.NewDecoder(c.Request.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is empty")
		}
		return err
	}
	return nil
}

func (a *API) limitBody() gin.HandlerFunc {
	maxBody := a.cfg.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = 1 << 20
	}
	return func(c *gin.Context) {
		if c.Request.Body != nil {
			c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBody)
		}
		c.Next()
	}
}

func respondErr(c *gin.Context, code int, err error) {
	_ = c.Error(err)
	c.JSON(code, gin.H{"error": err.Error()})
}

func respondStoreErr(c *gin.Context, err error) {
	switch {
	case errors.Is(err, model.ErrInvalidConfig):
		respondErr(c, http.StatusBadRequest, err)
	case errors.Is(err, store.ErrNotFound):
		respondErr(c, http.StatusNotFound, err)
	default:
		respondErr(c, http.StatusInternalServerError, err)
	}
}
