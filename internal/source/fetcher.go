package source

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"bandi/internal/logger"
	"bandi/internal/model"
)

var ErrUnknownSource = errors.New("unknown source")

// Result is the outcome of fetching one source.
type Result struct {
	Candidates []model.RawCandidate
	// Filtered counts candidates dropped by the deadline lead-time filter.
	Filtered int
	Err      error
}

// Fetcher runs the enabled adapters of a config concurrently.
type Fetcher struct {
	registry    *Registry
	concurrency int
	log         logger.Logger
	now         func() time.Time
}

func NewFetcher(registry *Registry, concurrency int, log logger.Logger) *Fetcher {
	if concurrency <= 0 {
		concurrency = 4
	}
	return &Fetcher{registry: registry, concurrency: concurrency, log: log, now: time.Now}
}

func (f *Fetcher) Registry() *Registry { return f.registry }

// Fetch runs every enabled source of cfg and returns one Result per source name.
// A failing source never aborts the others.
func (f *Fetcher) Fetch(ctx context.Context, cfg model.SourceConfig) map[string]Result {
	var (
		mu  sync.Mutex
		out = make(map[string]Result, len(cfg.EnabledSources))
		g   errgroup.Group
	)
	g.SetLimit(f.concurrency)
	cutoff := f.now().Add(cfg.MinDeadlineLead())
	for _, name := range cfg.EnabledSources {
		adapter, ok := f.registry.Get(name)
		if !ok {
			out[name] = Result{Err: &FetchError{Source: name, Err: ErrUnknownSource}}
			continue
		}
		g.Go(func() error {
			res := f.fetchOne(ctx, adapter, requestFor(cfg), cutoff)
			mu.Lock()
			out[name] = res
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return out
}

func (f *Fetcher) fetchOne(ctx context.Context, adapter Adapter, req Request, cutoff time.Time) (res Result) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			f.log.Error("source adapter panicked", logger.String("source", adapter.Name()), logger.Any("panic", r))
			res = Result{Err: &FetchError{Source: adapter.Name(), Err: errors.New("adapter panic")}}
		}
	}()
	candidates, err := adapter.Fetch(ctx, req)
	if err != nil {
		f.log.Warn("source fetch failed",
			logger.String("source", adapter.Name()),
			logger.Duration("elapsed", time.Since(start)),
			logger.Error(err))
		return Result{Err: &FetchError{Source: adapter.Name(), Err: err}}
	}
	kept := make([]model.RawCandidate, 0, len(candidates))
	for _, c := range candidates {
		c.Source = adapter.Name()
		if c.Deadline == nil && c.DeadlineRaw != "" {
			if d, ok := ParseDeadline(c.DeadlineRaw); ok {
				c.Deadline = &d
			}
		}
		if c.Deadline != nil && c.Deadline.Before(cutoff) {
			res.Filtered++
			continue
		}
		kept = append(kept, c)
	}
	res.Candidates = kept
	f.log.Debug("source fetched",
		logger.String("source", adapter.Name()),
		logger.Int("candidates", len(candidates)),
		logger.Int("kept", len(kept)),
		logger.Duration("elapsed", time.Since(start)))
	return res
}
