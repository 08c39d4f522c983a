package alert

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bandi/internal/db"
	"bandi/internal/logger"
	"bandi/internal/matcher"
	"bandi/internal/model"
	"bandi/internal/notify"
	"bandi/internal/store"
)

// Central European winter time, matching Europe/Rome before the March DST switch.
var (
	rome    = time.FixedZone("CET", 3600)
	testNow = time.Date(2026, 3, 10, 9, 0, 0, 0, rome)
)

type keyedEmbedder struct {
	keys    []string
	vectors map[string][]float32
}

func (k *keyedEmbedder) Name() string    { return "keyed" }
func (k *keyedEmbedder) Dimensions() int { return 3 }

func (k *keyedEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	for _, key := range k.keys {
		if strings.Contains(text, key) {
			return k.vectors[key], nil
		}
	}
	return []float32{0, 0, 1}, nil
}

func (k *keyedEmbedder) EmbedMany(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i], _ = k.Embed(ctx, t)
	}
	return out, nil
}

type fakeNotifier struct {
	mu   sync.Mutex
	fail bool
	sent []*notify.Message
	to   []notify.Recipient
}

func (f *fakeNotifier) Send(_ context.Context, to notify.Recipient, msg *notify.Message) ([]model.Channel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return nil, errors.New("smtp down")
	}
	f.sent = append(f.sent, msg)
	f.to = append(f.to, to)
	return []model.Channel{model.ChannelEmail}, nil
}

// allMatcher scores every announcement in the filter at 0.9, newest first.
type allMatcher struct {
	store *store.Store
}

func (m allMatcher) MatchProfile(ctx context.Context, _ model.SubscriberProfile, opts matcher.ProfileOptions) ([]matcher.ProfileMatch, error) {
	anns, err := m.store.ListAnnouncements(ctx, store.AnnouncementFilter{
		Statuses:     []model.AnnouncementStatus{model.StatusOpen},
		Fingerprints: opts.Fingerprints,
		Limit:        opts.Limit,
	})
	if err != nil {
		return nil, err
	}
	out := make([]matcher.ProfileMatch, 0, len(anns))
	for _, a := range anns {
		out = append(out, matcher.ProfileMatch{Match: matcher.Match{Announcement: a, Score: 0.9}})
	}
	return out, nil
}

func newStore(t *testing.T) *store.Store {
	t.Helper()
	conn, err := db.Open(filepath.Join(t.TempDir(), "bandi.db"))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return store.New(conn)
}

func newEngine(st *store.Store, m ProfileMatcher, n notify.Notifier) *Engine {
	e := New(st, m, n, notify.NewRenderer(rome), nil, logger.NewNop(), Options{
		MinRelevance: 0.3,
		Location:     rome,
	})
	e.now = func() time.Time { return testNow }
	return e
}

func insert(t *testing.T, st *store.Store, a model.Announcement) model.Announcement {
	t.Helper()
	if a.Fingerprint == "" {
		a.Fingerprint = a.Title
	}
	if a.Source == "" {
		a.Source = "test"
	}
	res, err := st.InsertAnnouncement(context.Background(), a)
	require.NoError(t, err)
	a.ID = res.ID
	return a
}

func subscriber(t *testing.T, st *store.Store, p model.SubscriberProfile) model.SubscriberProfile {
	t.Helper()
	p.Active = true
	out, err := st.UpsertSubscriber(context.Background(), p)
	require.NoError(t, err)
	return out
}

func deadlineOn(y int, m time.Month, d int) *time.Time {
	t := time.Date(y, m, d, 23, 59, 59, 0, time.UTC)
	return &t
}

func TestNewMatchScanNotifiesOnce(t *testing.T) {
	st := newStore(t)
	ctx := context.Background()
	social := insert(t, st, model.Announcement{
		Title: "Inclusione sociale", Category: "sociale", Issuer: "Regione Lazio",
		DiscoveredAt: testNow.Add(-time.Hour),
	})
	insert(t, st, model.Announcement{Title: "Trattori", Category: "agricoltura", DiscoveredAt: testNow.Add(-time.Hour)})
	insert(t, st, model.Announcement{Title: "Inclusione vecchia", Category: "sociale", DiscoveredAt: testNow.Add(-72 * time.Hour)})
	sub := subscriber(t, st, model.SubscriberProfile{
		Name: "Coop Sociale", Email: "coop@example.org", Sectors: []string{"sociale"}, NotifyNewMatches: true,
	})
	subscriber(t, st, model.SubscriberProfile{Name: "Muto", Email: "muto@example.org", Sectors: []string{"sociale"}})

	emb := &keyedEmbedder{
		keys: []string{"Settori", "Inclusione", "Trattori"},
		vectors: map[string][]float32{
			"Settori":    {1, 0, 0},
			"Inclusione": {0.62, 0.7846, 0},
			"Trattori":   {0, 1, 0},
		},
	}
	m := matcher.NewEngine(emb, st, matcher.Options{}, logger.NewNop())
	n := &fakeNotifier{}
	e := newEngine(st, m, n)

	report, err := e.NewMatchScan(ctx)
	require.NoError(t, err)
	assert.Equal(t, ScanReport{Recipients: 1, Sent: 1}, report)
	require.Len(t, n.sent, 1)
	assert.Equal(t, sub.Email, n.to[0].Email)
	assert.Equal(t, "Nuovo bando: Inclusione sociale", n.sent[0].Subject)
	assert.NotContains(t, n.sent[0].Text, "Trattori")
	assert.NotContains(t, n.sent[0].Text, "Inclusione vecchia")
	assert.Contains(t, n.sent[0].Text, "sector match (sociale)")

	got, err := st.GetAnnouncement(ctx, social.ID)
	require.NoError(t, err)
	assert.True(t, got.EmailSent)

	report, err = e.NewMatchScan(ctx)
	require.NoError(t, err)
	assert.Equal(t, ScanReport{Recipients: 1, Skipped: 1}, report)
	assert.Len(t, n.sent, 1)
}

func TestNewMatchScanBatchesUpToLimit(t *testing.T) {
	st := newStore(t)
	for i := 0; i < 7; i++ {
		insert(t, st, model.Announcement{
			Title:        "Bando " + string(rune('A'+i)),
			DiscoveredAt: testNow.Add(-time.Duration(i+1) * time.Minute),
		})
	}
	subscriber(t, st, model.SubscriberProfile{Name: "Ente", Email: "ente@example.org", Keywords: []string{"bando"}, NotifyNewMatches: true})
	n := &fakeNotifier{}
	e := newEngine(st, allMatcher{store: st}, n)

	report, err := e.NewMatchScan(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Sent)
	require.Len(t, n.sent, 1)
	assert.Equal(t, "5 nuovi bandi in linea con il tuo profilo", n.sent[0].Subject)

	report, err = e.NewMatchScan(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Sent)
	assert.Equal(t, "2 nuovi bandi in linea con il tuo profilo", n.sent[1].Subject)
}

func TestNewMatchScanReleasesOnFailure(t *testing.T) {
	st := newStore(t)
	insert(t, st, model.Announcement{Title: "Bando A", DiscoveredAt: testNow.Add(-time.Minute)})
	subscriber(t, st, model.SubscriberProfile{Name: "Ente", Email: "ente@example.org", Keywords: []string{"bando"}, NotifyNewMatches: true})
	n := &fakeNotifier{fail: true}
	e := newEngine(st, allMatcher{store: st}, n)

	report, err := e.NewMatchScan(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ScanReport{Recipients: 1, Failed: 1}, report)

	n.fail = false
	report, err = e.NewMatchScan(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Sent)
	assert.Len(t, n.sent, 1)
}

func TestDeadlineScanRemindsOncePerDay(t *testing.T) {
	st := newStore(t)
	ctx := context.Background()
	inThree := insert(t, st, model.Announcement{Title: "Scade tra tre giorni", Deadline: deadlineOn(2026, 3, 13)})
	inFive := insert(t, st, model.Announcement{Title: "Scade tra cinque giorni", Deadline: deadlineOn(2026, 3, 15)})
	tomorrow := insert(t, st, model.Announcement{Title: "Scade domani", Deadline: deadlineOn(2026, 3, 11)})
	insert(t, st, model.Announcement{Title: "Senza scadenza"})

	watcher := subscriber(t, st, model.SubscriberProfile{Name: "Ente", Email: "ente@example.org", NotifyDeadlines: true})
	optedOut := subscriber(t, st, model.SubscriberProfile{Name: "Altro", Email: "altro@example.org"})
	require.NoError(t, st.AddWatch(ctx, model.WatchlistEntry{SubscriberID: watcher.ID, AnnouncementID: inThree.ID}))
	require.NoError(t, st.AddWatch(ctx, model.WatchlistEntry{SubscriberID: watcher.ID, AnnouncementID: inFive.ID}))
	require.NoError(t, st.AddWatch(ctx, model.WatchlistEntry{SubscriberID: optedOut.ID, AnnouncementID: tomorrow.ID}))

	n := &fakeNotifier{}
	e := newEngine(st, allMatcher{store: st}, n)

	report, err := e.DeadlineScan(ctx)
	require.NoError(t, err)
	assert.Equal(t, ScanReport{Recipients: 1, Sent: 1}, report)
	require.Len(t, n.sent, 1)
	assert.Equal(t, "Scadenza tra 3 giorni: Scade tra tre giorni", n.sent[0].Subject)

	report, err = e.DeadlineScan(ctx)
	require.NoError(t, err)
	assert.Equal(t, ScanReport{Recipients: 1, Skipped: 1}, report)
	assert.Len(t, n.sent, 1)

	// two days later the first is one day away and the second three
	e.now = func() time.Time { return testNow.Add(48 * time.Hour) }
	report, err = e.DeadlineScan(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Sent)
	require.Len(t, n.sent, 3)
	assert.Equal(t, "Scadenza domani: Scade tra tre giorni", n.sent[1].Subject)
	assert.Equal(t, "Scadenza tra 3 giorni: Scade tra cinque giorni", n.sent[2].Subject)
}

func TestDigestScanOncePerWeek(t *testing.T) {
	st := newStore(t)
	ctx := context.Background()
	insert(t, st, model.Announcement{Title: "Bando grande", Amount: "1.000.000 €", DiscoveredAt: testNow.Add(-24 * time.Hour)})
	insert(t, st, model.Announcement{Title: "Bando piccolo", Amount: "50.000 euro", DiscoveredAt: testNow.Add(-30 * 24 * time.Hour)})
	subscriber(t, st, model.SubscriberProfile{Name: "Ente", Email: "ente@example.org", Keywords: []string{"bando"}, NotifyDigest: true})
	subscriber(t, st, model.SubscriberProfile{Name: "Silenzioso", Email: "muto@example.org", Keywords: []string{"bando"}})

	n := &fakeNotifier{}
	e := newEngine(st, allMatcher{store: st}, n)

	report, err := e.DigestScan(ctx)
	require.NoError(t, err)
	assert.Equal(t, ScanReport{Recipients: 1, Sent: 1}, report)
	require.Len(t, n.sent, 1)
	assert.Equal(t, "Riepilogo settimanale bandi 2026-W11", n.sent[0].Subject)
	assert.Contains(t, n.sent[0].Text, "Nuovi bandi: 1")
	assert.Contains(t, n.sent[0].Text, "Bandi aperti: 2")
	assert.Contains(t, n.sent[0].Text, "Bando grande")

	report, err = e.DigestScan(ctx)
	require.NoError(t, err)
	assert.Equal(t, ScanReport{Recipients: 1, Skipped: 1}, report)
	assert.Len(t, n.sent, 1)

	e.now = func() time.Time { return testNow.Add(7 * 24 * time.Hour) }
	report, err = e.DigestScan(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Sent)
}

// flakyRenderer fails every render while broken is set.
type flakyRenderer struct {
	*notify.Renderer
	broken bool
}

func (r *flakyRenderer) NewMatches(d notify.NewMatchesData) (*notify.Message, error) {
	if r.broken {
		return nil, errors.New("template exploded")
	}
	return r.Renderer.NewMatches(d)
}

func (r *flakyRenderer) Deadline(d notify.DeadlineData) (*notify.Message, error) {
	if r.broken {
		return nil, errors.New("template exploded")
	}
	return r.Renderer.Deadline(d)
}

func (r *flakyRenderer) Digest(d notify.DigestData) (*notify.Message, error) {
	if r.broken {
		return nil, errors.New("template exploded")
	}
	return r.Renderer.Digest(d)
}

func TestRenderFailureReleasesClaims(t *testing.T) {
	st := newStore(t)
	ctx := context.Background()
	a := insert(t, st, model.Announcement{Title: "Bando A", DiscoveredAt: testNow.Add(-time.Minute), Deadline: deadlineOn(2026, 3, 13)})
	sub := subscriber(t, st, model.SubscriberProfile{
		Name: "Ente", Email: "ente@example.org", Keywords: []string{"bando"},
		NotifyNewMatches: true, NotifyDeadlines: true, NotifyDigest: true,
	})
	require.NoError(t, st.AddWatch(ctx, model.WatchlistEntry{SubscriberID: sub.ID, AnnouncementID: a.ID}))

	n := &fakeNotifier{}
	r := &flakyRenderer{Renderer: notify.NewRenderer(rome), broken: true}
	e := New(st, allMatcher{store: st}, n, r, nil, logger.NewNop(), Options{MinRelevance: 0.3, Location: rome})
	e.now = func() time.Time { return testNow }

	scans := map[string]func(context.Context) (ScanReport, error){
		KindNewMatch: e.NewMatchScan,
		KindDeadline: e.DeadlineScan,
		KindDigest:   e.DigestScan,
	}
	for kind, scan := range scans {
		r.broken = true
		_, err := scan(ctx)
		require.Error(t, err, kind)

		r.broken = false
		report, err := scan(ctx)
		require.NoError(t, err, kind)
		assert.Equal(t, 1, report.Sent, kind)
	}
	assert.Len(t, n.sent, 3)
}

func TestDaysUntil(t *testing.T) {
	deadline := time.Date(2026, 3, 13, 23, 59, 59, 0, time.UTC)
	assert.Equal(t, 3, DaysUntil(deadline, time.Date(2026, 3, 10, 9, 0, 0, 0, rome), rome))
	// 23:30 UTC is already the next day in Rome
	assert.Equal(t, 2, DaysUntil(deadline, time.Date(2026, 3, 10, 23, 30, 0, 0, time.UTC), rome))
	assert.Equal(t, 0, DaysUntil(deadline, time.Date(2026, 3, 13, 8, 0, 0, 0, rome), rome))
}

func TestWeekTag(t *testing.T) {
	assert.Equal(t, "2026-W11", WeekTag(testNow, rome))
	assert.Equal(t, "2026-W53", WeekTag(time.Date(2027, 1, 1, 12, 0, 0, 0, rome), rome))
}

func TestScanReportSummary(t *testing.T) {
	s := ScanReport{Recipients: 4, Sent: 3, Failed: 1, Skipped: 0}.Summary()
	assert.Equal(t, model.RunSummary{Found: 4, New: 3, Errors: 1}, s)
}
