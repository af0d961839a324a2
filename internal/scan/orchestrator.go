// Package scan runs one scan cycle across every registered platform adapter
// under a per-platform timeout, bounded retry, and tiered-fallback policy.
package scan

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/tracelight/marketscan/internal/adapter"
	"github.com/tracelight/marketscan/internal/config"
	"github.com/tracelight/marketscan/internal/keyword"
	"github.com/tracelight/marketscan/internal/model"
	"github.com/tracelight/marketscan/internal/normalize"
	"github.com/tracelight/marketscan/internal/resilience"
	"github.com/tracelight/marketscan/internal/score"
	"github.com/tracelight/marketscan/internal/store"
)

// Orchestrator drives scan cycles. Adapter failures are recorded per
// platform and never fail the cycle; only a store-unreachable condition
// aborts it. Cycles run sequentially even if RunCycle is called concurrently.
type Orchestrator struct {
	cfg      config.ScanConfig
	registry *adapter.Registry
	source   keyword.Source
	client   *adapter.Client
	store    store.Store

	mu     sync.Mutex // serializes cycles
	cycle  int
	lastMu sync.RWMutex
	last   *model.CycleReport
}

// NewOrchestrator wires a scan orchestrator. All collaborators are passed in
// explicitly; there is no process-global state.
func NewOrchestrator(cfg config.ScanConfig, reg *adapter.Registry, src keyword.Source, client *adapter.Client, st store.Store) *Orchestrator {
	return &Orchestrator{
		cfg:      cfg,
		registry: reg,
		source:   src,
		client:   client,
		store:    st,
	}
}

// LastReport returns the most recent cycle report, or nil before the first
// cycle completes.
func (o *Orchestrator) LastReport() *model.CycleReport {
	o.lastMu.RLock()
	defer o.lastMu.RUnlock()
	return o.last
}

// RunCycle executes one full scan cycle: load the keyword batch once, fan
// out across all adapters bounded by the global concurrency ceiling, fan
// back in once every adapter reaches a terminal state or the cycle deadline
// elapses. The returned report is always non-nil; the error is non-nil only
// when the store became unreachable and the cycle aborted.
func (o *Orchestrator) RunCycle(ctx context.Context) (*model.CycleReport, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	cycleNum := o.cycle
	o.cycle++

	batch := o.source.Batch(cycleNum)
	started := time.Now()

	log := zap.L().With(zap.Int("cycle", cycleNum))
	log.Info("scan: cycle starting",
		zap.Int("keywords", len(batch)),
		zap.Int("adapters", o.registry.Len()),
	)

	cycleCtx := ctx
	var cancel context.CancelFunc
	if o.cfg.CycleDeadline > 0 {
		cycleCtx, cancel = context.WithTimeout(ctx, o.cfg.CycleDeadline)
		defer cancel()
	}

	adapters := o.registry.All()
	results := make([]model.ScanCycleResult, len(adapters))

	g, gctx := errgroup.WithContext(cycleCtx)
	limit := o.cfg.MaxConcurrent
	if limit <= 0 {
		limit = len(adapters)
	}
	g.SetLimit(limit)

	for i, ad := range adapters {
		g.Go(func() error {
			res, storeErr := o.scanPlatform(gctx, ad, batch)
			results[i] = res
			if storeErr != nil {
				// Cancel the remaining adapters; nothing can be persisted.
				return eris.Wrapf(storeErr, "platform %s", ad.Platform())
			}
			return nil
		})
	}

	err := g.Wait()

	report := &model.CycleReport{
		Cycle:     cycleNum,
		StartedAt: started.UTC(),
		Duration:  time.Since(started),
		Keywords:  len(batch),
		Results:   results,
	}
	for _, r := range results {
		report.Stored += r.Stored
		report.Duplicates += r.Duplicates
	}

	if err != nil {
		report.Aborted = true
		log.Error("scan: cycle aborted, store unreachable", zap.Error(err))
	} else {
		log.Info("scan: cycle complete",
			zap.Duration("duration", report.Duration),
			zap.Int("stored", report.Stored),
			zap.Int("duplicates", report.Duplicates),
		)
	}

	o.lastMu.Lock()
	o.last = report
	o.lastMu.Unlock()

	return report, err
}

// scanPlatform takes one adapter to a terminal state: primary attempts with
// bounded retry and capped backoff, then a single degraded fallback probe.
// The returned error is non-nil only when the store became unreachable.
func (o *Orchestrator) scanPlatform(ctx context.Context, ad adapter.PlatformAdapter, batch []model.Keyword) (model.ScanCycleResult, error) {
	platform := ad.Platform()
	timeout := o.timeoutFor(ad)
	started := time.Now()

	res := model.ScanCycleResult{Platform: platform}

	attempts := 0
	retryCfg := resilience.RetryConfig{
		MaxAttempts:    o.cfg.MaxAttempts,
		InitialBackoff: o.cfg.InitialBackoff,
		MaxBackoff:     o.cfg.MaxBackoff,
		ShouldRetry: func(err error) bool {
			// Structural drift never improves with retries.
			return !adapter.IsStructural(err) && resilience.IsTransient(err)
		},
		OnRetry: resilience.RetryLogger(string(platform), "scan"),
	}

	raw, err := resilience.DoVal(ctx, retryCfg, func(ctx context.Context) ([]model.RawListing, error) {
		attempts++
		attemptCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		return ad.Scan(attemptCtx, batch, o.client)
	})
	res.Attempts = attempts

	var storeErr error
	switch {
	case err == nil:
		storeErr = o.persist(ctx, &res, raw)

	case adapter.IsStructural(err):
		// Extraction drift: surfaced distinctly so operators know the
		// adapter needs an update, not another retry.
		res.Status = model.StatusError
		res.Degraded = true
		res.Err = err.Error()
		zap.L().Warn("scan: adapter degraded",
			zap.String("platform", string(platform)),
			zap.Error(err),
		)

	default:
		o.fallback(ctx, ad, batch, &res, err)
	}

	res.Duration = time.Since(started)
	return res, storeErr
}

// persist normalizes, scores, and upserts real observations. Upserts stop as
// soon as cancellation is observed. A store-unreachable error is returned so
// the cycle can abort.
func (o *Orchestrator) persist(ctx context.Context, res *model.ScanCycleResult, raw []model.RawListing) error {
	listings, dropped := normalize.All(raw)
	if dropped > 0 {
		zap.L().Debug("scan: dropped malformed listings",
			zap.String("platform", string(res.Platform)),
			zap.Int("dropped", dropped),
		)
	}

	res.Status = model.StatusSuccess
	res.Listings = listings
	res.ListingCount = len(listings)

	for _, l := range listings {
		// No writes once the cycle is cancelled.
		if ctx.Err() != nil {
			return nil
		}
		_, created, err := o.store.UpsertDetection(ctx, l, score.Listing(l))
		if err != nil {
			// Cancellation caught the statement in flight: stop writing,
			// nothing is wrong with the store.
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			if store.IsUnavailable(err) {
				res.Status = model.StatusError
				res.Err = err.Error()
				return err
			}
			zap.L().Warn("scan: upsert failed",
				zap.String("platform", string(res.Platform)),
				zap.String("url", l.NormalizedURL),
				zap.Error(err),
			)
			continue
		}
		if created {
			res.Stored++
		} else {
			res.Duplicates++
		}
	}
	return nil
}

// fallback runs the degraded single-keyword probe after primary retries are
// exhausted. A fallback success keeps the adapter visible as degraded-but-
// alive; its listings exist only for operational health and are never
// normalized or persisted.
func (o *Orchestrator) fallback(ctx context.Context, ad adapter.PlatformAdapter, batch []model.Keyword, res *model.ScanCycleResult, primaryErr error) {
	probe, ok := fallbackKeyword(batch)
	if ok && ctx.Err() == nil {
		fbTimeout := o.cfg.FallbackTimeout
		if fbTimeout <= 0 {
			fbTimeout = o.timeoutFor(ad)
		}
		fbCtx, cancel := context.WithTimeout(ctx, fbTimeout)
		synthetic, fbErr := ad.FallbackScan(fbCtx, probe, o.client)
		cancel()

		if fbErr == nil && len(synthetic) > 0 {
			res.Status = model.StatusFallback
			res.FallbackCount = len(synthetic)
			res.Err = primaryErr.Error()
			zap.L().Warn("scan: adapter recovered via fallback probe",
				zap.String("platform", string(res.Platform)),
				zap.Int("fallback_listings", len(synthetic)),
				zap.String("primary_error", primaryErr.Error()),
			)
			return
		}
	}

	if errors.Is(primaryErr, context.DeadlineExceeded) {
		res.Status = model.StatusTimeout
	} else {
		res.Status = model.StatusError
	}
	res.Err = primaryErr.Error()
	zap.L().Warn("scan: adapter failed",
		zap.String("platform", string(res.Platform)),
		zap.String("status", string(res.Status)),
		zap.Error(primaryErr),
	)
}

// fallbackKeyword picks the probe term: the first direct-category keyword,
// the narrowest query the site will answer.
func fallbackKeyword(batch []model.Keyword) (model.Keyword, bool) {
	for _, kw := range batch {
		if kw.Category == model.CategoryDirect {
			return kw, true
		}
	}
	if len(batch) > 0 {
		return batch[0], true
	}
	return model.Keyword{}, false
}

func (o *Orchestrator) timeoutFor(ad adapter.PlatformAdapter) time.Duration {
	if t, ok := o.cfg.PlatformTimeouts[string(ad.Platform())]; ok && t > 0 {
		return t
	}
	switch ad.Class() {
	case adapter.ClassBrowser:
		if o.cfg.BrowserTimeout > 0 {
			return o.cfg.BrowserTimeout
		}
		return 90 * time.Second
	case adapter.ClassHTML:
		if o.cfg.HTMLTimeout > 0 {
			return o.cfg.HTMLTimeout
		}
		return 30 * time.Second
	default:
		if o.cfg.APITimeout > 0 {
			return o.cfg.APITimeout
		}
		return 15 * time.Second
	}
}
