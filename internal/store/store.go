// Package store persists deduplicated detections. The database uniqueness
// constraint on normalized_url is the sole correctness mechanism under
// concurrent upserts; no application-level locking is involved.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/tracelight/marketscan/internal/model"
	"github.com/tracelight/marketscan/internal/score"
)

// ErrUnavailable marks store infrastructure failures (connection refused,
// database gone). A cycle observing it aborts; uniqueness conflicts are
// expected and never produce it.
var ErrUnavailable = errors.New("store unavailable")

// ErrNotFound is returned by lookups for unknown keys.
var ErrNotFound = errors.New("detection not found")

// IsUnavailable reports whether err indicates store infrastructure failure.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}

// Filter specifies criteria for listing detections.
type Filter struct {
	Platform model.Platform    `json:"platform,omitempty"`
	Level    model.ThreatLevel `json:"level,omitempty"`
	Since    time.Time         `json:"since,omitempty"`
	Limit    int               `json:"limit,omitempty"`
	Offset   int               `json:"offset,omitempty"`
}

// Store is the persistence contract for the scan pipeline.
//
// UpsertDetection must guarantee at most one StoredDetection per
// normalized_url even under concurrent calls within a cycle or across
// overlapping observations from different adapters.
type Store interface {
	// UpsertDetection inserts the listing if its normalized URL has never
	// been seen, returning created=true. On a uniqueness conflict it reads
	// the existing record back and returns created=false.
	UpsertDetection(ctx context.Context, l model.NormalizedListing, s score.Result) (*model.StoredDetection, bool, error)

	// Read API for alerting, evidence-packaging, and dashboard consumers.
	ListRecent(ctx context.Context, f Filter) ([]model.StoredDetection, error)
	FindByURL(ctx context.Context, normalizedURL string) (*model.StoredDetection, error)
	CountByLevel(ctx context.Context, since time.Time) (map[model.ThreatLevel]int, error)

	// UpdateStatus mutates the review status, the only non-identity field
	// operators may change.
	UpdateStatus(ctx context.Context, normalizedURL string, status model.DetectionStatus) error

	// DeleteByURL removes a detection, e.g. after evidence hand-off.
	DeleteByURL(ctx context.Context, normalizedURL string) error

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
