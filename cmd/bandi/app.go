package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"bandi/internal/alert"
	"bandi/internal/config"
	"bandi/internal/db"
	"bandi/internal/embedding"
	"bandi/internal/ingest"
	"bandi/internal/logger"
	"bandi/internal/matcher"
	"bandi/internal/metrics"
	"bandi/internal/notify"
	"bandi/internal/scheduler"
	"bandi/internal/source"
	"bandi/internal/store"
)

// app holds the wired components shared by every command.
type app struct {
	cfg       config.Config
	log       logger.Logger
	db        *sqlx.DB
	store     *store.Store
	registry  *source.Registry
	metrics   *metrics.Metrics
	matcher   *matcher.Engine
	pipeline  *ingest.Pipeline
	alerts    *alert.Engine
	scheduler *scheduler.Scheduler
}

func newApp(ctx context.Context, cfg config.Config, log logger.Logger) (*app, error) {
	conn, err := db.Open(cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	a := &app{cfg: cfg, log: log, db: conn, store: store.New(conn), metrics: metrics.New()}

	client := source.NewClient(cfg.UserAgent, cfg.MaxResponseBytes)
	if a.registry, err = source.FromConfig(cfg.Sources, client); err != nil {
		conn.Close()
		return nil, fmt.Errorf("source registry: %w", err)
	}

	embedder, err := embedding.New(ctx, cfg.Matcher)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("embedding backend: %w", err)
	}
	a.matcher = matcher.NewEngine(embedder, a.store, matcher.Options{
		Freshness: time.Duration(cfg.Matcher.FreshnessHours) * time.Hour,
		BatchSize: cfg.Matcher.BatchSize,
	}, log.With(logger.String("component", "matcher")))

	dispatcher := a.dispatcher()
	renderer := notify.NewRenderer(cfg.Location())

	fetcher := source.NewFetcher(a.registry, cfg.FetchConcurrency, log.With(logger.String("component", "fetcher")))
	a.pipeline = ingest.New(fetcher, a.store, log.With(logger.String("component", "ingest")),
		ingest.WithNotifier(dispatcher, renderer),
		ingest.WithMetrics(a.metrics),
		ingest.WithOnNew(a.matcher.Invalidate))

	a.alerts = alert.New(a.store, a.matcher, dispatcher, renderer, a.metrics, log.With(logger.String("component", "alerts")), alert.Options{
		MinRelevance:  cfg.Alerts.MinRelevance,
		NewWindow:     time.Duration(cfg.Alerts.NewWindowHours) * time.Hour,
		NewMatchLimit: cfg.Alerts.NewMatchLimit,
		ReminderDays:  cfg.Alerts.ReminderDays,
		DigestTopN:    cfg.Alerts.DigestTopN,
		Location:      cfg.Location(),
	})

	a.scheduler = scheduler.New(a.store, a.pipeline.Run, a.metrics, log.With(logger.String("component", "scheduler")), scheduler.Options{
		PollInterval: time.Duration(cfg.Scheduler.PollIntervalSec) * time.Second,
		Workers:      cfg.Scheduler.Workers,
		Grace:        time.Duration(cfg.Scheduler.ShutdownGraceSec) * time.Second,
	})
	return a, nil
}

func (a *app) dispatcher() *notify.Dispatcher {
	var senders []notify.Sender
	n := a.cfg.Notify
	if n.EmailEnabled() {
		senders = append(senders, notify.NewEmailSender(notify.EmailConfig{
			SMTPServer: n.SMTPServer,
			SMTPPort:   n.SMTPPort,
			SMTPUser:   n.SMTPUser,
			SMTPPass:   n.SMTPPass,
			FromEmail:  n.FromEmail,
		}))
	}
	if n.TelegramEnabled() {
		tg, err := notify.NewTelegramSender(n.TelegramToken)
		if err != nil {
			a.log.Warn("telegram disabled", logger.Error(err))
		} else {
			senders = append(senders, tg)
		}
	}
	if len(senders) == 0 {
		a.log.Warn("no notification channel configured")
	}
	return notify.NewDispatcher(a.log.With(logger.String("component", "notify")), senders...)
}

// seedConfigs creates the source configs declared in the file that the store does not
// know yet. Existing configs are never overwritten.
func (a *app) seedConfigs(ctx context.Context) error {
	known := a.registry.Known()
	for _, seed := range a.cfg.SourceConfigs {
		sc := seed.ToModel()
		if _, err := a.store.GetConfigByName(ctx, sc.Name); err == nil {
			continue
		} else if !errors.Is(err, store.ErrNotFound) {
			return err
		}
		if err := sc.Validate(known); err != nil {
			return fmt.Errorf("seed config %q: %w", sc.Name, err)
		}
		if _, err := a.store.CreateConfig(ctx, sc); err != nil {
			return fmt.Errorf("seed config %q: %w", sc.Name, err)
		}
		a.log.Info("seeded source config", logger.String("config", sc.Name))
	}
	return nil
}

// registerJobs adds the maintenance, alert and index jobs to the scheduler.
func (a *app) registerJobs(ctx context.Context) error {
	sc := a.cfg.Scheduler
	digest, err := scheduler.CronSchedule(sc.DigestSchedule, a.cfg.Location())
	if err != nil {
		return fmt.Errorf("digest schedule: %w", err)
	}
	jobs := []scheduler.Job{
		scheduler.ArchiveJob(a.store,
			time.Duration(sc.ArchiveIntervalHours)*time.Hour,
			time.Duration(sc.RetentionDays)*24*time.Hour,
			time.Now, a.matcher.Invalidate),
		scheduler.AlertJob(scheduler.JobNewMatches, scheduler.Every(time.Duration(sc.NewMatchIntervalMinutes)*time.Minute), a.alerts.NewMatchScan),
		scheduler.AlertJob(scheduler.JobDeadlines, scheduler.Every(time.Duration(sc.DeadlineIntervalMinutes)*time.Minute), a.alerts.DeadlineScan),
		scheduler.AlertJob(scheduler.JobDigest, digest, a.alerts.DigestScan),
		scheduler.EmbeddingRefreshJob(a.matcher, time.Duration(sc.EmbeddingRefreshMinutes)*time.Minute, a.metrics),
	}
	for _, j := range jobs {
		if err := a.scheduler.Register(ctx, j); err != nil {
			return err
		}
	}
	return nil
}

func (a *app) Close() {
	if err := a.db.Close(); err != nil {
		a.log.Warn("closing database", logger.Error(err))
	}
}
