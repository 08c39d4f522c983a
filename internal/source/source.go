// Package source turns institutional listing pages into raw announcement candidates.
package source

import (
	"context"
	"fmt"
	"sort"
	"time"

	"golang.org/x/time/rate"

	"bandi/internal/config"
	"bandi/internal/model"
)

// Adapter fetches and parses one institutional source.
type Adapter interface {
	Name() string
	Fetch(ctx context.Context, req Request) ([]model.RawCandidate, error)
}

// Request carries the per-config fetch policy for a single adapter invocation.
type Request struct {
	Keywords   []string
	Timeout    time.Duration
	MaxRetries int
	Limiter    *rate.Limiter
}

func requestFor(cfg model.SourceConfig) Request {
	limit := rate.Inf
	if cfg.ScrapeDelay > 0 {
		limit = rate.Every(cfg.ScrapeDelay)
	}
	return Request{
		Keywords:   cfg.Keywords,
		Timeout:    cfg.RequestTimeout,
		MaxRetries: cfg.MaxRetries,
		Limiter:    rate.NewLimiter(limit, 1),
	}
}

// FetchError reports a failed fetch for one source.
type FetchError struct {
	Source string
	Err    error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s: %v", e.Source, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// Registry is the catalog of adapters known to the process.
type Registry struct {
	adapters map[string]Adapter
}

func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[string]Adapter, len(adapters))}
	for _, a := range adapters {
		r.adapters[a.Name()] = a
	}
	return r
}

// FromConfig builds adapters for every catalog definition, sharing one HTTP client.
func FromConfig(defs []config.SourceDefinition, client *Client) (*Registry, error) {
	r := NewRegistry()
	for _, def := range defs {
		var a Adapter
		switch def.Kind {
		case "html":
			a = NewHTMLAdapter(def, client)
		case "json":
			a = NewJSONAdapter(def, client)
		default:
			return nil, fmt.Errorf("source %s: unsupported kind %q", def.Name, def.Kind)
		}
		r.Register(a)
	}
	return r, nil
}

func (r *Registry) Register(a Adapter) {
	r.adapters[a.Name()] = a
}

func (r *Registry) Get(name string) (Adapter, bool) {
	a, ok := r.adapters[name]
	return a, ok
}

// Known returns the set of registered adapter names, suitable for config validation.
func (r *Registry) Known() map[string]bool {
	out := make(map[string]bool, len(r.adapters))
	for name := range r.adapters {
		out[name] = true
	}
	return out
}

func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
