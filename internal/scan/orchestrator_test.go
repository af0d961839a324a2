package scan

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/text/language"

	"github.com/tracelight/marketscan/internal/adapter"
	"github.com/tracelight/marketscan/internal/config"
	"github.com/tracelight/marketscan/internal/keyword"
	"github.com/tracelight/marketscan/internal/model"
	"github.com/tracelight/marketscan/internal/resilience"
	"github.com/tracelight/marketscan/internal/score"
	"github.com/tracelight/marketscan/internal/store"
)

// fakeAdapter scripts one platform's behavior for a cycle.
type fakeAdapter struct {
	platform model.Platform
	scan     func(ctx context.Context, attempt int) ([]model.RawListing, error)
	fallback func(ctx context.Context) ([]model.RawListing, error)

	mu           sync.Mutex
	scanCalls    int
	fallbackCall int
}

func (f *fakeAdapter) Platform() model.Platform    { return f.platform }
func (f *fakeAdapter) Class() adapter.TimeoutClass { return adapter.ClassAPI }

func (f *fakeAdapter) Scan(ctx context.Context, _ []model.Keyword, _ *adapter.Client) ([]model.RawListing, error) {
	f.mu.Lock()
	f.scanCalls++
	n := f.scanCalls
	f.mu.Unlock()
	return f.scan(ctx, n)
}

func (f *fakeAdapter) FallbackScan(ctx context.Context, _ model.Keyword, _ *adapter.Client) ([]model.RawListing, error) {
	f.mu.Lock()
	f.fallbackCall++
	f.mu.Unlock()
	if f.fallback == nil {
		return nil, errors.New("fallback unavailable")
	}
	return f.fallback(ctx)
}

func (f *fakeAdapter) calls() (scans, fallbacks int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.scanCalls, f.fallbackCall
}

// memStore is an in-memory Store recording upserts.
type memStore struct {
	mu       sync.Mutex
	seen     map[string]*model.StoredDetection
	upserts  int
	failWith error
}

func newMemStore() *memStore {
	return &memStore{seen: map[string]*model.StoredDetection{}}
}

func (m *memStore) UpsertDetection(_ context.Context, l model.NormalizedListing, sc score.Result) (*model.StoredDetection, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.upserts++
	if m.failWith != nil {
		return nil, false, m.failWith
	}
	if d, ok := m.seen[l.NormalizedURL]; ok {
		return d, false, nil
	}
	d := &model.StoredDetection{
		NormalizedURL: l.NormalizedURL,
		Platform:      l.Platform,
		Title:         l.Title,
		ThreatScore:   sc.Score,
		ThreatLevel:   sc.Level,
		Status:        model.DetectionNew,
	}
	m.seen[l.NormalizedURL] = d
	return d, true, nil
}

func (m *memStore) ListRecent(context.Context, store.Filter) ([]model.StoredDetection, error) {
	return nil, nil
}
func (m *memStore) FindByURL(context.Context, string) (*model.StoredDetection, error) {
	return nil, store.ErrNotFound
}
func (m *memStore) CountByLevel(context.Context, time.Time) (map[model.ThreatLevel]int, error) {
	return nil, nil
}
func (m *memStore) UpdateStatus(context.Context, string, model.DetectionStatus) error { return nil }
func (m *memStore) DeleteByURL(context.Context, string) error                         { return nil }
func (m *memStore) Migrate(context.Context) error                                     { return nil }
func (m *memStore) Close() error                                                      { return nil }

func (m *memStore) upsertCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.upserts
}

func testBatch() keyword.Source {
	return keyword.StaticSource{
		{Term: "designer watch", Language: language.English, Category: model.CategoryDirect},
		{Term: "mirror shoes", Language: language.English, Category: model.CategoryCoded},
	}
}

func testScanConfig() config.ScanConfig {
	return config.ScanConfig{
		MaxConcurrent:   4,
		MaxAttempts:     3,
		InitialBackoff:  time.Millisecond,
		MaxBackoff:      5 * time.Millisecond,
		FallbackTimeout: time.Second,
		APITimeout:      time.Second,
	}
}

func rawListings(platform model.Platform, urls ...string) []model.RawListing {
	out := make([]model.RawListing, 0, len(urls))
	for _, u := range urls {
		out = append(out, model.RawListing{
			Platform:  platform,
			Title:     "Listing " + u,
			URL:       u,
			FetchedAt: time.Now(),
			MatchedTerm: model.Keyword{
				Term: "designer watch", Language: language.English, Category: model.CategoryDirect,
			},
		})
	}
	return out
}

func newTestOrchestrator(st store.Store, adapters ...adapter.PlatformAdapter) *Orchestrator {
	reg, err := adapter.NewRegistry(adapters...)
	if err != nil {
		panic(err)
	}
	return NewOrchestrator(testScanConfig(), reg, testBatch(), nil, st)
}

func TestRunCycle_PersistsAndDeduplicates(t *testing.T) {
	st := newMemStore()
	ad := &fakeAdapter{
		platform: model.PlatformGridbay,
		scan: func(_ context.Context, _ int) ([]model.RawListing, error) {
			// Two spellings of the same listing plus a distinct one.
			return rawListings(model.PlatformGridbay,
				"https://gridbay.example/item/1?utm_source=x",
				"https://gridbay.example/item/1/",
				"https://gridbay.example/item/2",
			), nil
		},
	}

	report, err := newTestOrchestrator(st, ad).RunCycle(context.Background())
	require.NoError(t, err)
	assert.False(t, report.Aborted)

	res, ok := report.ResultFor(model.PlatformGridbay)
	require.True(t, ok)
	assert.Equal(t, model.StatusSuccess, res.Status)
	assert.Equal(t, 3, res.ListingCount)
	assert.Equal(t, 2, res.Stored)
	assert.Equal(t, 1, res.Duplicates)
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, 2, report.Stored)
	assert.Equal(t, 1, report.Duplicates)
}

func TestRunCycle_EmptySuccessIsNotFailure(t *testing.T) {
	st := newMemStore()
	ad := &fakeAdapter{
		platform: model.PlatformGridbay,
		scan: func(_ context.Context, _ int) ([]model.RawListing, error) {
			return nil, nil
		},
	}

	report, err := newTestOrchestrator(st, ad).RunCycle(context.Background())
	require.NoError(t, err)

	res, _ := report.ResultFor(model.PlatformGridbay)
	assert.Equal(t, model.StatusSuccess, res.Status)
	assert.Zero(t, res.ListingCount)
	assert.Zero(t, st.upsertCount())
}

func TestRunCycle_TransientFailureRecoversWithinBudget(t *testing.T) {
	st := newMemStore()
	ad := &fakeAdapter{
		platform: model.PlatformGridbay,
		scan: func(_ context.Context, attempt int) ([]model.RawListing, error) {
			if attempt < 3 {
				return nil, resilience.NewTransientError(errors.New("rate limited"), 429)
			}
			return rawListings(model.PlatformGridbay, "https://gridbay.example/item/1"), nil
		},
	}

	report, err := newTestOrchestrator(st, ad).RunCycle(context.Background())
	require.NoError(t, err)

	res, _ := report.ResultFor(model.PlatformGridbay)
	assert.Equal(t, model.StatusSuccess, res.Status)
	assert.Equal(t, 3, res.Attempts)
	assert.Equal(t, 1, res.Stored)
}

func TestRunCycle_StructuralErrorNotRetriedNoFallback(t *testing.T) {
	st := newMemStore()
	ad := &fakeAdapter{
		platform: model.PlatformLokalmart,
		scan: func(_ context.Context, _ int) ([]model.RawListing, error) {
			return nil, adapter.NewStructuralError(model.PlatformLokalmart, "container missing")
		},
	}

	report, err := newTestOrchestrator(st, ad).RunCycle(context.Background())
	require.NoError(t, err)

	res, _ := report.ResultFor(model.PlatformLokalmart)
	assert.Equal(t, model.StatusError, res.Status)
	assert.True(t, res.Degraded)
	assert.Contains(t, res.Err, "extraction drift")

	scans, fallbacks := ad.calls()
	assert.Equal(t, 1, scans, "structural drift must not be retried")
	assert.Zero(t, fallbacks)
	assert.Zero(t, st.upsertCount())
}

func TestRunCycle_FallbackListingsNeverPersisted(t *testing.T) {
	st := newMemStore()
	ad := &fakeAdapter{
		platform: model.PlatformGridbay,
		scan: func(_ context.Context, _ int) ([]model.RawListing, error) {
			return nil, resilience.NewTransientError(errors.New("upstream down"), 503)
		},
		fallback: func(_ context.Context) ([]model.RawListing, error) {
			return rawListings(model.PlatformGridbay, "https://gridbay.example/item/probe"), nil
		},
	}

	report, err := newTestOrchestrator(st, ad).RunCycle(context.Background())
	require.NoError(t, err)

	res, _ := report.ResultFor(model.PlatformGridbay)
	assert.Equal(t, model.StatusFallback, res.Status)
	assert.Equal(t, 1, res.FallbackCount)
	assert.Zero(t, res.ListingCount)
	assert.Empty(t, res.Listings)
	assert.Zero(t, res.Stored)
	assert.Zero(t, st.upsertCount(), "fallback output must never reach the store")

	scans, fallbacks := ad.calls()
	assert.Equal(t, 3, scans, "primary retries exhausted before fallback")
	assert.Equal(t, 1, fallbacks)
}

func TestRunCycle_TimeoutAfterFailedFallback(t *testing.T) {
	st := newMemStore()
	ad := &fakeAdapter{
		platform: model.PlatformGridbay,
		scan: func(_ context.Context, _ int) ([]model.RawListing, error) {
			return nil, context.DeadlineExceeded
		},
		fallback: func(_ context.Context) ([]model.RawListing, error) {
			return nil, context.DeadlineExceeded
		},
	}

	report, err := newTestOrchestrator(st, ad).RunCycle(context.Background())
	require.NoError(t, err)

	res, _ := report.ResultFor(model.PlatformGridbay)
	assert.Equal(t, model.StatusTimeout, res.Status)
	assert.Equal(t, 3, res.Attempts)
}

func TestRunCycle_ErrorAfterEmptyFallback(t *testing.T) {
	st := newMemStore()
	ad := &fakeAdapter{
		platform: model.PlatformGridbay,
		scan: func(_ context.Context, _ int) ([]model.RawListing, error) {
			return nil, resilience.NewTransientError(errors.New("connection reset"), 0)
		},
		fallback: func(_ context.Context) ([]model.RawListing, error) {
			// Zero listings from the probe means the adapter is not
			// demonstrably alive.
			return nil, nil
		},
	}

	report, err := newTestOrchestrator(st, ad).RunCycle(context.Background())
	require.NoError(t, err)

	res, _ := report.ResultFor(model.PlatformGridbay)
	assert.Equal(t, model.StatusError, res.Status)
	assert.NotEmpty(t, res.Err)
}

func TestRunCycle_OneAdapterFailureDoesNotAffectOthers(t *testing.T) {
	st := newMemStore()
	good := &fakeAdapter{
		platform: model.PlatformGridbay,
		scan: func(_ context.Context, _ int) ([]model.RawListing, error) {
			return rawListings(model.PlatformGridbay, "https://gridbay.example/item/1"), nil
		},
	}
	bad := &fakeAdapter{
		platform: model.PlatformLokalmart,
		scan: func(_ context.Context, _ int) ([]model.RawListing, error) {
			return nil, adapter.NewStructuralError(model.PlatformLokalmart, "drift")
		},
	}

	report, err := newTestOrchestrator(st, good, bad).RunCycle(context.Background())
	require.NoError(t, err)
	assert.False(t, report.Aborted)

	goodRes, _ := report.ResultFor(model.PlatformGridbay)
	assert.Equal(t, model.StatusSuccess, goodRes.Status)
	assert.Equal(t, 1, goodRes.Stored)

	badRes, _ := report.ResultFor(model.PlatformLokalmart)
	assert.Equal(t, model.StatusError, badRes.Status)
}

func TestRunCycle_StoreUnavailableAborts(t *testing.T) {
	st := newMemStore()
	st.failWith = store.ErrUnavailable

	ad := &fakeAdapter{
		platform: model.PlatformGridbay,
		scan: func(_ context.Context, _ int) ([]model.RawListing, error) {
			return rawListings(model.PlatformGridbay, "https://gridbay.example/item/1"), nil
		},
	}

	report, err := newTestOrchestrator(st, ad).RunCycle(context.Background())
	require.Error(t, err)
	assert.True(t, store.IsUnavailable(err))
	assert.True(t, report.Aborted)
}

func TestRunCycle_UpsertCancellationDoesNotAbort(t *testing.T) {
	// The deadline catches an upsert in flight: the store surfaces the ctx
	// error, which must read as a clean stop, not a store outage.
	st := newMemStore()
	st.failWith = context.DeadlineExceeded

	ad := &fakeAdapter{
		platform: model.PlatformGridbay,
		scan: func(_ context.Context, _ int) ([]model.RawListing, error) {
			return rawListings(model.PlatformGridbay,
				"https://gridbay.example/item/1",
				"https://gridbay.example/item/2",
			), nil
		},
	}

	report, err := newTestOrchestrator(st, ad).RunCycle(context.Background())
	require.NoError(t, err)
	assert.False(t, report.Aborted)
	assert.Equal(t, 1, st.upsertCount(), "writes stop at the first cancelled statement")

	res, _ := report.ResultFor(model.PlatformGridbay)
	assert.Equal(t, model.StatusSuccess, res.Status)
	assert.Zero(t, res.Stored)
}

func TestRunCycle_CancellationStopsUpserts(t *testing.T) {
	st := newMemStore()
	ctx, cancel := context.WithCancel(context.Background())

	ad := &fakeAdapter{
		platform: model.PlatformGridbay,
		scan: func(_ context.Context, _ int) ([]model.RawListing, error) {
			// Cancel between extraction and persistence.
			cancel()
			return rawListings(model.PlatformGridbay,
				"https://gridbay.example/item/1",
				"https://gridbay.example/item/2",
			), nil
		},
	}

	report, err := newTestOrchestrator(st, ad).RunCycle(ctx)
	require.NoError(t, err)
	assert.False(t, report.Aborted)
	assert.Zero(t, st.upsertCount(), "no writes after cancellation")
}

func TestRunCycle_SequentialCyclesAdvanceKeywordWindow(t *testing.T) {
	st := newMemStore()
	var mu sync.Mutex
	var batches [][]model.Keyword

	reg, err := adapter.NewRegistry(&fakeAdapter{
		platform: model.PlatformGridbay,
		scan: func(_ context.Context, _ int) ([]model.RawListing, error) {
			return nil, nil
		},
	})
	require.NoError(t, err)

	src := recordingSource{inner: testBatch(), record: func(b []model.Keyword) {
		mu.Lock()
		batches = append(batches, b)
		mu.Unlock()
	}}
	orch := NewOrchestrator(testScanConfig(), reg, src, nil, st)

	first, err := orch.RunCycle(context.Background())
	require.NoError(t, err)
	second, err := orch.RunCycle(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 0, first.Cycle)
	assert.Equal(t, 1, second.Cycle)
	assert.Len(t, batches, 2)
	assert.Same(t, second, orch.LastReport())
}

type recordingSource struct {
	inner  keyword.Source
	record func([]model.Keyword)
}

func (r recordingSource) Batch(cycle int) []model.Keyword {
	b := r.inner.Batch(cycle)
	r.record(b)
	return b
}

func TestRunCycle_LastReportNilBeforeFirstCycle(t *testing.T) {
	orch := newTestOrchestrator(newMemStore(), &fakeAdapter{
		platform: model.PlatformGridbay,
		scan: func(_ context.Context, _ int) ([]model.RawListing, error) {
			return nil, nil
		},
	})
	assert.Nil(t, orch.LastReport())
}
