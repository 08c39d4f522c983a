package source

import (
	"context"

	"bandi/internal/model"
)

// StaticAdapter serves a fixed candidate list. It backs tests and manual seeding.
type StaticAdapter struct {
	name       string
	candidates []model.RawCandidate
	err        error
}

func NewStaticAdapter(name string, candidates []model.RawCandidate) *StaticAdapter {
	return &StaticAdapter{name: name, candidates: candidates}
}

// NewFailingAdapter returns an adapter whose every fetch fails with err.
func NewFailingAdapter(name string, err error) *StaticAdapter {
	return &StaticAdapter{name: name, err: err}
}

func (a *StaticAdapter) Name() string { return a.name }

func (a *StaticAdapter) Fetch(ctx context.Context, _ Request) ([]model.RawCandidate, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if a.err != nil {
		return nil, a.err
	}
	out := make([]model.RawCandidate, len(a.candidates))
	copy(out, a.candidates)
	return out, nil
}
