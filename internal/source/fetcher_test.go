package source

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bandi/internal/logger"
	"bandi/internal/model"
)

type panickingAdapter struct{}

func (panickingAdapter) Name() string { return "broken" }
func (panickingAdapter) Fetch(context.Context, Request) ([]model.RawCandidate, error) {
	panic("selector exploded")
}

func fetchConfig(lead int, sources ...string) model.SourceConfig {
	return model.SourceConfig{
		Name:                "test",
		Keywords:            []string{"digitale"},
		EnabledSources:      sources,
		MinDeadlineLeadDays: lead,
		RequestTimeout:      time.Second,
	}
}

func TestFetcherDeadlineLeadBoundary(t *testing.T) {
	now := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	lead := 30 * 24 * time.Hour
	justInside := now.Add(lead - 24*time.Hour)
	justOutside := now.Add(lead + 24*time.Hour)

	adapter := NewStaticAdapter("regione", []model.RawCandidate{
		{Title: "too soon", Deadline: &justInside},
		{Title: "far enough", Deadline: &justOutside},
		{Title: "open ended"},
		{Title: "raw date", DeadlineRaw: "scadenza 15/01/2026"},
	})
	f := NewFetcher(NewRegistry(adapter), 2, logger.NewNop())
	f.now = func() time.Time { return now }

	res := f.Fetch(context.Background(), fetchConfig(30, "regione"))
	require.Contains(t, res, "regione")
	r := res["regione"]
	require.NoError(t, r.Err)
	assert.Equal(t, 2, r.Filtered)
	require.Len(t, r.Candidates, 2)
	assert.Equal(t, "far enough", r.Candidates[0].Title)
	assert.Equal(t, "open ended", r.Candidates[1].Title)
	assert.Equal(t, "regione", r.Candidates[0].Source)
}

func TestFetcherIsolatesFailures(t *testing.T) {
	ok := NewStaticAdapter("ok", []model.RawCandidate{{Title: "bando digitale"}})
	bad := NewFailingAdapter("down", errors.New("connection refused"))
	f := NewFetcher(NewRegistry(ok, bad, panickingAdapter{}), 4, logger.NewNop())

	res := f.Fetch(context.Background(), fetchConfig(0, "ok", "down", "broken", "gone"))
	require.Len(t, res, 4)

	assert.NoError(t, res["ok"].Err)
	assert.Len(t, res["ok"].Candidates, 1)

	var fe *FetchError
	require.True(t, errors.As(res["down"].Err, &fe))
	assert.Equal(t, "down", fe.Source)

	assert.Error(t, res["broken"].Err)
	assert.ErrorIs(t, res["gone"].Err, ErrUnknownSource)
}

func TestRegistryKnown(t *testing.T) {
	r := NewRegistry(NewStaticAdapter("b", nil), NewStaticAdapter("a", nil))
	assert.Equal(t, []string{"a", "b"}, r.Names())
	assert.True(t, r.Known()["a"])
	_, found := r.Get("c")
	assert.False(t, found)
}
