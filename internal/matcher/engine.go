package matcher

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"bandi/internal/logger"
	"bandi/internal/model"
	"bandi/internal/store"
	"bandi/internal/textnorm"
)

// ErrEmbeddingUnavailable wraps every failure of the embedding backend.
var ErrEmbeddingUnavailable = errors.New("embedding backend unavailable")

// Embedder turns text into fixed-length vectors.
type Embedder interface {
	Name() string
	Dimensions() int
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedMany(ctx context.Context, texts []string) ([][]float32, error)
}

// Store is the persistence the engine reads announcements from and caches vectors in.
type Store interface {
	ListAnnouncements(ctx context.Context, f store.AnnouncementFilter) ([]model.Announcement, error)
	LoadEmbeddings(ctx context.Context, embedModel string) ([]model.EmbeddingVector, error)
	SaveEmbeddings(ctx context.Context, embedModel string, vecs []model.EmbeddingVector) error
}

type Options struct {
	Freshness time.Duration
	BatchSize int
}

type Query struct {
	Text      string
	Threshold float64
	Limit     int
	// Fingerprints restricts the candidate set when non-nil.
	Fingerprints []string
	OpenOnly     bool
}

type Match struct {
	Announcement model.Announcement `json:"announcement"`
	Score        float64            `json:"score"`
}

type RefreshStats struct {
	Total    int `json:"total"`
	Embedded int `json:"embedded"`
	Reused   int `json:"reused"`
}

type entry struct {
	ann         model.Announcement
	vec         []float32
	textHash    string
	generatedAt time.Time
}

type snapshot struct {
	entries   []entry
	expiresAt time.Time
}

// Engine ranks announcements by cosine similarity against an in-memory vector index.
// Readers use an immutable snapshot; Refresh builds a new one and swaps it in.
type Engine struct {
	embedder  Embedder
	store     Store
	log       logger.Logger
	freshness time.Duration
	batchSize int
	now       func() time.Time

	index   atomic.Pointer[snapshot]
	dirty   atomic.Bool
	refresh sync.Mutex
}

func NewEngine(embedder Embedder, st Store, opts Options, log logger.Logger) *Engine {
	if opts.Freshness <= 0 {
		opts.Freshness = 24 * time.Hour
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 256
	}
	return &Engine{
		embedder:  embedder,
		store:     st,
		log:       log.With(logger.String("embedder", embedder.Name())),
		freshness: opts.Freshness,
		batchSize: opts.BatchSize,
		now:       time.Now,
	}
}

// Invalidate marks the index stale so the next query refreshes it.
func (e *Engine) Invalidate() { e.dirty.Store(true) }

// Size returns the number of vectors in the current index.
func (e *Engine) Size() int {
	if snap := e.index.Load(); snap != nil {
		return len(snap.entries)
	}
	return 0
}

// CanonicalText is the text embedded for an announcement.
func CanonicalText(a model.Announcement) string {
	parts := []string{a.Title, a.Category, a.Issuer, a.Description}
	var b strings.Builder
	for _, p := range parts {
		p = textnorm.Clean(p)
		if p == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString(p)
	}
	return b.String()
}

func textHash(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// Refresh re-embeds every non-archived announcement whose cached vector is missing, stale
// or computed from different text. With force set every announcement is re-embedded.
// Texts are sent to the backend in batches.
func (e *Engine) Refresh(ctx context.Context, force bool) (RefreshStats, error) {
	e.refresh.Lock()
	defer e.refresh.Unlock()

	// Cleared before listing so an Invalidate racing with this refresh survives it.
	wasDirty := e.dirty.Swap(false)
	stats, err := e.rebuild(ctx, force)
	if err != nil && wasDirty {
		e.dirty.Store(true)
	}
	return stats, err
}

func (e *Engine) rebuild(ctx context.Context, force bool) (RefreshStats, error) {
	anns, err := e.store.ListAnnouncements(ctx, store.AnnouncementFilter{
		Statuses: []model.AnnouncementStatus{model.StatusOpen, model.StatusExpired},
	})
	if err != nil {
		return RefreshStats{}, fmt.Errorf("list announcements: %w", err)
	}
	cached, err := e.cachedVectors(ctx)
	if err != nil {
		return RefreshStats{}, err
	}

	now := e.now()
	stats := RefreshStats{Total: len(anns)}
	entries := make([]entry, 0, len(anns))
	var pending []entry
	var texts []string
	for _, a := range anns {
		text := CanonicalText(a)
		h := textHash(text)
		if c, ok := cached[a.Fingerprint]; ok && !force && c.TextHash == h && now.Sub(c.GeneratedAt) < e.freshness &&
			len(c.Vector) == e.embedder.Dimensions() {
			entries = append(entries, entry{ann: a, vec: normalize(c.Vector), textHash: h, generatedAt: c.GeneratedAt})
			stats.Reused++
			continue
		}
		pending = append(pending, entry{ann: a, textHash: h, generatedAt: now})
		texts = append(texts, text)
	}

	for start := 0; start < len(pending); start += e.batchSize {
		end := min(start+e.batchSize, len(pending))
		vecs, err := e.embedder.EmbedMany(ctx, texts[start:end])
		if err != nil {
			return stats, fmt.Errorf("%w: %v", ErrEmbeddingUnavailable, err)
		}
		if len(vecs) != end-start {
			return stats, fmt.Errorf("%w: got %d vectors for %d texts", ErrEmbeddingUnavailable, len(vecs), end-start)
		}
		persist := make([]model.EmbeddingVector, 0, end-start)
		for i, v := range vecs {
			p := &pending[start+i]
			p.vec = normalize(v)
			persist = append(persist, model.EmbeddingVector{
				Fingerprint: p.ann.Fingerprint,
				Vector:      v,
				TextHash:    p.textHash,
				GeneratedAt: p.generatedAt,
			})
		}
		if err := e.store.SaveEmbeddings(ctx, e.embedder.Name(), persist); err != nil {
			e.log.Warn("persisting embeddings failed", logger.Error(err))
		}
		entries = append(entries, pending[start:end]...)
		stats.Embedded += end - start
	}

	expires := now.Add(e.freshness)
	for _, en := range entries {
		if t := en.generatedAt.Add(e.freshness); t.Before(expires) {
			expires = t
		}
	}
	e.index.Store(&snapshot{entries: entries, expiresAt: expires})
	e.log.Info("embedding index refreshed",
		logger.Int("total", stats.Total),
		logger.Int("embedded", stats.Embedded),
		logger.Int("reused", stats.Reused))
	return stats, nil
}

func (e *Engine) cachedVectors(ctx context.Context) (map[string]model.EmbeddingVector, error) {
	out := make(map[string]model.EmbeddingVector)
	if snap := e.index.Load(); snap != nil {
		for _, en := range snap.entries {
			out[en.ann.Fingerprint] = model.EmbeddingVector{
				Fingerprint: en.ann.Fingerprint,
				Vector:      en.vec,
				TextHash:    en.textHash,
				GeneratedAt: en.generatedAt,
			}
		}
		return out, nil
	}
	persisted, err := e.store.LoadEmbeddings(ctx, e.embedder.Name())
	if err != nil {
		return nil, fmt.Errorf("load embeddings: %w", err)
	}
	for _, v := range persisted {
		out[v.Fingerprint] = v
	}
	return out, nil
}

func (e *Engine) current(ctx context.Context) *snapshot {
	snap := e.index.Load()
	if snap != nil && !e.dirty.Load() && e.now().Before(snap.expiresAt) {
		return snap
	}
	if _, err := e.Refresh(ctx, false); err != nil {
		e.log.Warn("lazy index refresh failed", logger.Error(err))
	}
	return e.index.Load()
}

// Search ranks indexed announcements against q.Text. Results have score >= q.Threshold and
// are ordered by score, then newest discovery, then highest ID. Backend failures are logged
// and yield an empty result.
func (e *Engine) Search(ctx context.Context, q Query) ([]Match, error) {
	text := textnorm.Clean(q.Text)
	if text == "" {
		return []Match{}, nil
	}
	snap := e.current(ctx)
	if snap == nil || len(snap.entries) == 0 {
		return []Match{}, nil
	}
	qv, err := e.embedder.Embed(ctx, text)
	if err != nil {
		e.log.Warn("query embedding failed", logger.Error(fmt.Errorf("%w: %v", ErrEmbeddingUnavailable, err)))
		return []Match{}, nil
	}
	qv = normalize(qv)

	var allowed map[string]bool
	if q.Fingerprints != nil {
		allowed = make(map[string]bool, len(q.Fingerprints))
		for _, fp := range q.Fingerprints {
			allowed[fp] = true
		}
	}
	out := make([]Match, 0)
	for _, en := range snap.entries {
		if allowed != nil && !allowed[en.ann.Fingerprint] {
			continue
		}
		if q.OpenOnly && en.ann.Status != model.StatusOpen {
			continue
		}
		if len(en.vec) != len(qv) {
			continue
		}
		score := dot(qv, en.vec)
		if score < q.Threshold {
			continue
		}
		out = append(out, Match{Announcement: en.ann, Score: score})
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if !a.Announcement.DiscoveredAt.Equal(b.Announcement.DiscoveredAt) {
			return a.Announcement.DiscoveredAt.After(b.Announcement.DiscoveredAt)
		}
		return a.Announcement.ID > b.Announcement.ID
	})
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func normalize(v []float32) []float32 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	out := make([]float32, len(v))
	if sum == 0 {
		return out
	}
	inv := 1 / math.Sqrt(sum)
	for i, x := range v {
		out[i] = float32(float64(x) * inv)
	}
	return out
}

func dot(a, b []float32) float64 {
	var s float64
	for i := range a {
		s += float64(a[i]) * float64(b[i])
	}
	return s
}
