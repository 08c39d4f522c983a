package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"bandi/internal/logger"
	"bandi/internal/metrics"
	"bandi/internal/model"
	"bandi/internal/store"
)

var (
	ErrJobRunning    = errors.New("job already running")
	ErrUnknownJob    = errors.New("unknown job")
	ErrPoolSaturated = errors.New("worker pool saturated")
)

const (
	// IngestPrefix names the job of a source config: "ingest:<config name>".
	IngestPrefix = "ingest:"

	interruptedReason = "interrupted"
)

// State is the lifecycle of a job between two executions.
type State string

const (
	StateIdle      State = "idle"
	StateDue       State = "due"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

var transitions = map[State][]State{
	StateIdle:      {StateDue},
	StateDue:       {StateRunning},
	StateRunning:   {StateCompleted, StateFailed},
	StateCompleted: {StateIdle},
	StateFailed:    {StateIdle},
}

// ValidateTransition reports whether a job may move from one state to the next.
func ValidateTransition(from, to State) error {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return nil
		}
	}
	return fmt.Errorf("invalid job transition %s -> %s", from, to)
}

// Schedule computes the next execution after t.
type Schedule interface {
	Next(t time.Time) time.Time
}

type every time.Duration

// Every runs a job at a fixed interval after its previous run. A job that never ran is due
// immediately.
func Every(d time.Duration) Schedule { return every(d) }

func (e every) Next(t time.Time) time.Time { return t.Add(time.Duration(e)) }

// CronSchedule parses a standard five-field cron expression evaluated in loc.
func CronSchedule(expr string, loc *time.Location) (Schedule, error) {
	if loc != nil && !strings.HasPrefix(expr, "CRON_TZ=") && !strings.HasPrefix(expr, "TZ=") {
		expr = "CRON_TZ=" + loc.String() + " " + expr
	}
	return cron.ParseStandard(expr)
}

// Action is the work of a job. The summary is recorded in the job's run log.
type Action func(ctx context.Context) (model.RunSummary, error)

type Job struct {
	Name     string
	ConfigID int64
	Schedule Schedule
	Action   Action
}

// IngestFunc runs the ingestion pipeline for one source config.
type IngestFunc func(ctx context.Context, cfg model.SourceConfig) (model.RunSummary, error)

type Options struct {
	PollInterval time.Duration
	Workers      int
	Grace        time.Duration
}

type jobState struct {
	job        Job
	state      State
	nextRun    time.Time
	lastRun    time.Time
	lastStatus model.RunStatus
	lastError  string
	runID      string
}

// Scheduler runs named jobs when they are due. At most one execution per job name is in
// flight; distinct jobs share a bounded worker pool.
type Scheduler struct {
	store   *store.Store
	ingest  IngestFunc
	log     logger.Logger
	metrics *metrics.Metrics
	poll    time.Duration
	grace   time.Duration
	slots   chan struct{}
	now     func() time.Time

	mu   sync.Mutex
	jobs map[string]*jobState
	wg   sync.WaitGroup

	runCtx     context.Context
	cancelRuns context.CancelFunc
	stopDriver context.CancelFunc
	driverDone chan struct{}
}

func New(st *store.Store, ingest IngestFunc, met *metrics.Metrics, log logger.Logger, opts Options) *Scheduler {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 2 * time.Minute
	}
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.Grace < 0 {
		opts.Grace = 0
	}
	runCtx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		store:      st,
		ingest:     ingest,
		log:        log,
		metrics:    met,
		poll:       opts.PollInterval,
		grace:      opts.Grace,
		slots:      make(chan struct{}, opts.Workers),
		now:        time.Now,
		jobs:       make(map[string]*jobState),
		runCtx:     runCtx,
		cancelRuns: cancel,
	}
}

// Register adds a system job. Its first run follows the latest recorded run of the same
// name, so restarts do not reset the cadence.
func (s *Scheduler) Register(ctx context.Context, job Job) error {
	if job.Name == "" || job.Action == nil || job.Schedule == nil {
		return errors.New("job needs a name, a schedule and an action")
	}
	next := s.now()
	if _, ok := job.Schedule.(every); !ok {
		next = job.Schedule.Next(next)
	}
	last, found, err := s.store.LatestRun(ctx, job.Name)
	if err != nil {
		return fmt.Errorf("latest run of %s: %w", job.Name, err)
	}
	js := &jobState{job: job, state: StateIdle, nextRun: next}
	if found {
		js.lastRun = last.StartedAt
		js.lastStatus = last.Status
		js.lastError = last.Error
		js.nextRun = job.Schedule.Next(last.StartedAt)
	}
	s.mu.Lock()
	s.jobs[job.Name] = js
	s.mu.Unlock()
	return nil
}

// Start recovers runs interrupted by a previous shutdown and launches the driver loop.
func (s *Scheduler) Start(ctx context.Context) error {
	n, err := s.store.FailRunning(ctx, interruptedReason, s.now())
	if err != nil {
		return fmt.Errorf("recover interrupted runs: %w", err)
	}
	if n > 0 {
		s.log.Warn("marked interrupted runs as failed", logger.Int64("runs", n))
		s.mu.Lock()
		for _, js := range s.jobs {
			if js.state != StateRunning && js.lastStatus == model.RunRunning {
				js.lastStatus = model.RunFailed
				js.lastError = interruptedReason
			}
		}
		s.mu.Unlock()
	}
	if err := s.syncConfigs(ctx); err != nil {
		return err
	}
	driverCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.stopDriver = cancel
	s.driverDone = make(chan struct{})
	s.mu.Unlock()
	go s.loop(driverCtx)
	s.log.Info("scheduler started", logger.Duration("poll_interval", s.poll), logger.Int("workers", cap(s.slots)))
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.driverDone)
	ticker := time.NewTicker(s.poll)
	defer ticker.Stop()
	s.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick submits every due job. Jobs that cannot get a worker stay due for the next tick.
func (s *Scheduler) tick(ctx context.Context) {
	if err := s.syncConfigs(ctx); err != nil {
		s.log.Warn("config sync failed", logger.Error(err))
	}
	now := s.now()
	s.mu.Lock()
	var due []string
	for name, js := range s.jobs {
		if js.nextRun.After(now) {
			continue
		}
		if js.state == StateRunning {
			s.metrics.JobSkipped("running")
			continue
		}
		if js.state == StateIdle {
			js.state = StateDue
		}
		due = append(due, name)
	}
	s.mu.Unlock()
	sort.Strings(due)

	for _, name := range due {
		_, _, err := s.dispatch(name)
		switch {
		case errors.Is(err, ErrPoolSaturated):
			s.metrics.JobSkipped("pool_saturated")
			s.log.Debug("worker pool saturated, job stays due", logger.String("job", name))
		case err != nil:
			s.log.Debug("job not dispatched", logger.String("job", name), logger.Error(err))
		}
	}
}

// syncConfigs mirrors the active source configs as ingest jobs. Jobs of deleted or
// deactivated configs are dropped unless they are running.
func (s *Scheduler) syncConfigs(ctx context.Context) error {
	if s.ingest == nil {
		return nil
	}
	cfgs, err := s.store.ListConfigs(ctx)
	if err != nil {
		return fmt.Errorf("list configs: %w", err)
	}
	now := s.now()
	active := make(map[string]bool, len(cfgs))
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, cfg := range cfgs {
		if !cfg.Active {
			continue
		}
		name := IngestPrefix + cfg.Name
		active[name] = true
		js, ok := s.jobs[name]
		if !ok {
			js = &jobState{state: StateIdle, nextRun: now}
			if cfg.LastRun != nil {
				js.lastRun = *cfg.LastRun
			}
			if cfg.NextRun != nil {
				js.nextRun = *cfg.NextRun
			}
			s.jobs[name] = js
		}
		js.job = s.ingestJob(cfg)
		// The stored value only moves the job later: a failed schedule write must not
		// pull it back to a time that already passed.
		if js.state != StateRunning && cfg.NextRun != nil && cfg.NextRun.After(js.nextRun) {
			js.nextRun = *cfg.NextRun
		}
	}
	for name, js := range s.jobs {
		if strings.HasPrefix(name, IngestPrefix) && !active[name] && js.state != StateRunning {
			delete(s.jobs, name)
		}
	}
	return nil
}

func (s *Scheduler) ingestJob(cfg model.SourceConfig) Job {
	id := cfg.ID
	return Job{
		Name:     IngestPrefix + cfg.Name,
		ConfigID: id,
		Schedule: Every(cfg.Interval),
		Action: func(ctx context.Context) (model.RunSummary, error) {
			fresh, err := s.store.GetConfig(ctx, id)
			if err != nil {
				return model.RunSummary{}, fmt.Errorf("load config: %w", err)
			}
			return s.ingest(ctx, fresh)
		},
	}
}

// dispatch starts name on a worker. It returns the run ID and a channel closed when the
// execution has been finalized.
func (s *Scheduler) dispatch(name string) (string, <-chan struct{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	js, ok := s.jobs[name]
	if !ok {
		return "", nil, ErrUnknownJob
	}
	if js.state == StateRunning {
		return "", nil, ErrJobRunning
	}
	select {
	case s.slots <- struct{}{}:
	default:
		return "", nil, ErrPoolSaturated
	}
	if js.state != StateDue {
		js.state = StateDue
	}
	if err := ValidateTransition(js.state, StateRunning); err != nil {
		<-s.slots
		return "", nil, err
	}
	js.state = StateRunning
	js.runID = uuid.NewString()
	done := make(chan struct{})
	s.wg.Add(1)
	s.metrics.JobStarted()
	go s.execute(js.job, js.runID, done)
	return js.runID, done, nil
}

func (s *Scheduler) execute(job Job, runID string, done chan struct{}) {
	defer s.wg.Done()
	defer close(done)
	defer func() { <-s.slots }()

	log := s.log.With(logger.String("job", job.Name), logger.String("run_id", runID))
	started := s.now()
	bookkeeping, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	recorded := true
	if err := s.store.StartRun(bookkeeping, model.RunLog{ID: runID, Job: job.Name, ConfigID: job.ConfigID, StartedAt: started}); err != nil {
		recorded = false
		log.Error("could not record run start", logger.Error(err))
	}
	log.Info("job started")

	summary, err := invoke(s.runCtx, job.Action)
	finished := s.now()
	status := model.RunCompleted
	errMsg := ""
	if err != nil {
		status = model.RunFailed
		errMsg = err.Error()
		log.Error("job failed", logger.Duration("took", finished.Sub(started)), logger.Error(err))
	} else {
		log.Info("job finished",
			logger.Duration("took", finished.Sub(started)),
			logger.Int("found", summary.Found),
			logger.Int("new", summary.New),
			logger.Int("errors", summary.Errors))
	}
	if recorded {
		if _, ferr := s.store.FinishRun(bookkeeping, runID, status, summary, errMsg, finished); ferr != nil {
			log.Error("could not finalize run", logger.Error(ferr))
		}
	}

	next := job.Schedule.Next(finished)
	if job.ConfigID > 0 {
		if uerr := s.store.UpdateSchedule(bookkeeping, job.ConfigID, started, next); uerr != nil && !errors.Is(uerr, store.ErrNotFound) {
			log.Error("could not persist schedule", logger.Error(uerr))
		}
	}
	s.metrics.JobFinished(job.Name, status, finished.Sub(started))

	s.mu.Lock()
	defer s.mu.Unlock()
	js, ok := s.jobs[job.Name]
	if !ok || js.runID != runID {
		return
	}
	final := StateCompleted
	if status == model.RunFailed {
		final = StateFailed
	}
	if err := ValidateTransition(js.state, final); err != nil {
		log.Error("unexpected job state", logger.Error(err))
	}
	js.lastRun = started
	js.lastStatus = status
	js.lastError = errMsg
	js.nextRun = next
	js.state = StateIdle
}

func invoke(ctx context.Context, action Action) (summary model.RunSummary, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return action(ctx)
}

// RunNow starts name immediately, outside its schedule. It fails with ErrJobRunning while an
// execution of the same job is in flight.
func (s *Scheduler) RunNow(ctx context.Context, name string) (string, error) {
	if strings.HasPrefix(name, IngestPrefix) {
		if err := s.syncConfigs(ctx); err != nil {
			return "", err
		}
	}
	runID, _, err := s.dispatch(name)
	return runID, err
}

// RunAndWait starts name and blocks until its run log is final.
func (s *Scheduler) RunAndWait(ctx context.Context, name string) (model.RunLog, error) {
	if strings.HasPrefix(name, IngestPrefix) {
		if err := s.syncConfigs(ctx); err != nil {
			return model.RunLog{}, err
		}
	}
	runID, done, err := s.dispatch(name)
	if err != nil {
		return model.RunLog{}, err
	}
	select {
	case <-done:
	case <-ctx.Done():
		return model.RunLog{}, ctx.Err()
	}
	return s.store.GetRun(ctx, runID)
}

// Stop halts the driver, waits up to the grace period for running jobs and then cancels
// them. It returns once every execution has been finalized or ctx is done.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	stopDriver, driverDone := s.stopDriver, s.driverDone
	s.stopDriver = nil
	s.mu.Unlock()
	if stopDriver != nil {
		stopDriver()
		<-driverDone
	}

	idle := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(idle)
	}()
	grace := time.NewTimer(s.grace)
	defer grace.Stop()
	select {
	case <-idle:
		s.cancelRuns()
		return nil
	case <-grace.C:
		s.log.Warn("grace period elapsed, cancelling running jobs")
	case <-ctx.Done():
	}
	s.cancelRuns()
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type JobStatus struct {
	Name       string          `json:"name"`
	State      State           `json:"state"`
	NextRun    time.Time       `json:"next_run"`
	LastRun    *time.Time      `json:"last_run,omitempty"`
	LastStatus model.RunStatus `json:"last_status,omitempty"`
	LastError  string          `json:"last_error,omitempty"`
}

type ConfigStatus struct {
	Name          string          `json:"name"`
	IsActive      bool            `json:"is_active"`
	LastRun       *time.Time      `json:"last_run,omitempty"`
	NextRun       *time.Time      `json:"next_run,omitempty"`
	LastStatus    model.RunStatus `json:"last_status,omitempty"`
	ErrorsLast24h int             `json:"errors_in_last_24h"`
	Running       bool            `json:"running"`
}

type StatusReport struct {
	Configs []ConfigStatus `json:"configs"`
	Jobs    []JobStatus    `json:"jobs"`
}

// Status reports every source config, active or not, and every registered job.
func (s *Scheduler) Status(ctx context.Context) (StatusReport, error) {
	cfgs, err := s.store.ListConfigs(ctx)
	if err != nil {
		return StatusReport{}, err
	}
	now := s.now()
	report := StatusReport{Configs: make([]ConfigStatus, 0, len(cfgs))}
	for _, cfg := range cfgs {
		name := IngestPrefix + cfg.Name
		cs := ConfigStatus{Name: cfg.Name, IsActive: cfg.Active, LastRun: cfg.LastRun, NextRun: cfg.NextRun}
		last, found, err := s.store.LatestRun(ctx, name)
		if err != nil {
			return StatusReport{}, err
		}
		if found {
			cs.LastStatus = last.Status
			cs.Running = last.Status == model.RunRunning
		}
		if cs.ErrorsLast24h, err = s.store.CountErrorsSince(ctx, name, now.Add(-24*time.Hour)); err != nil {
			return StatusReport{}, err
		}
		s.mu.Lock()
		if js, ok := s.jobs[name]; ok && js.state == StateRunning {
			cs.Running = true
		}
		s.mu.Unlock()
		report.Configs = append(report.Configs, cs)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for name, js := range s.jobs {
		st := JobStatus{Name: name, State: js.state, NextRun: js.nextRun, LastStatus: js.lastStatus, LastError: js.lastError}
		if !js.lastRun.IsZero() {
			t := js.lastRun
			st.LastRun = &t
		}
		report.Jobs = append(report.Jobs, st)
	}
	sort.Slice(report.Jobs, func(i, j int) bool { return report.Jobs[i].Name < report.Jobs[j].Name })
	return report, nil
}

// Jobs lists the registered job names.
func (s *Scheduler) Jobs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.jobs))
	for name := range s.jobs {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
