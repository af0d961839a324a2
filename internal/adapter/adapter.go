// Package adapter defines the per-marketplace extraction contract and the
// shared network/browser client driven by the scan orchestrator.
//
// Adapters implement extraction only. Retry, timeout, fallback, and
// concurrency policy live in the orchestrator, so each new marketplace costs
// one Scan implementation rather than another copy of the plumbing.
package adapter

import (
	"context"
	"errors"
	"fmt"

	"github.com/tracelight/marketscan/internal/model"
)

// TimeoutClass groups platforms by latency tolerance. Browser-automation
// sites get longer budgets than API-backed ones.
type TimeoutClass string

const (
	ClassAPI     TimeoutClass = "api"
	ClassHTML    TimeoutClass = "html"
	ClassBrowser TimeoutClass = "browser"
)

// PlatformAdapter extracts listings from one target marketplace.
//
// Scan returns real observations only: an adapter must never fabricate
// listings to mask failure. If it cannot extract real data it returns zero
// listings and an error — *StructuralError when the page layout no longer
// matches its extraction rules, a transient error (see resilience.IsTransient)
// when the site is temporarily unreachable or blocking.
type PlatformAdapter interface {
	Platform() model.Platform
	Class() TimeoutClass

	// Scan searches the site for the keyword batch. Adapters for
	// rate-sensitive sites may use only a prefix of the batch.
	Scan(ctx context.Context, keywords []model.Keyword, client *Client) ([]model.RawListing, error)

	// FallbackScan is the degraded single-keyword probe attempted after
	// primary retries are exhausted. Its output is used for operational
	// health only and never persisted.
	FallbackScan(ctx context.Context, kw model.Keyword, client *Client) ([]model.RawListing, error)
}

// StructuralError signals extraction drift: the site's markup or payload no
// longer matches the adapter's rules. Retrying will not help; the adapter
// needs an update.
type StructuralError struct {
	Platform model.Platform
	Reason   string
}

func (e *StructuralError) Error() string {
	return fmt.Sprintf("%s: extraction drift: %s", e.Platform, e.Reason)
}

// NewStructuralError creates a StructuralError for the given platform.
func NewStructuralError(platform model.Platform, reason string) *StructuralError {
	return &StructuralError{Platform: platform, Reason: reason}
}

// IsStructural reports whether err signals extraction drift.
func IsStructural(err error) bool {
	var se *StructuralError
	return errors.As(err, &se)
}

// Registry is the static composition of platform adapters for one process.
// It is built once at startup and passed by reference into the orchestrator;
// there is no module-level registration.
type Registry struct {
	adapters []PlatformAdapter
	byName   map[model.Platform]PlatformAdapter
}

// NewRegistry creates a Registry. Duplicate platforms are rejected.
func NewRegistry(adapters ...PlatformAdapter) (*Registry, error) {
	r := &Registry{
		byName: make(map[model.Platform]PlatformAdapter, len(adapters)),
	}
	for _, a := range adapters {
		if _, dup := r.byName[a.Platform()]; dup {
			return nil, fmt.Errorf("adapter: duplicate platform %q", a.Platform())
		}
		r.byName[a.Platform()] = a
		r.adapters = append(r.adapters, a)
	}
	return r, nil
}

// All returns the registered adapters in registration order.
func (r *Registry) All() []PlatformAdapter {
	return r.adapters
}

// Get returns the adapter for a platform, if registered.
func (r *Registry) Get(p model.Platform) (PlatformAdapter, bool) {
	a, ok := r.byName[p]
	return a, ok
}

// Len reports the number of registered adapters.
func (r *Registry) Len() int { return len(r.adapters) }
