// Package health gathers operational snapshots for status tooling and the
// read API. It is the sole surface through which the pipeline's internal
// state is reported outward.
package health

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/tracelight/marketscan/internal/model"
	"github.com/tracelight/marketscan/internal/store"
)

// PlatformHealth summarizes one adapter's outcome in the last cycle.
type PlatformHealth struct {
	Platform      model.Platform      `json:"platform"`
	Status        model.AdapterStatus `json:"status"`
	ListingCount  int                 `json:"listing_count"`
	FallbackCount int                 `json:"fallback_count,omitempty"`
	Attempts      int                 `json:"attempts"`
	Degraded      bool                `json:"degraded,omitempty"`
	Duration      time.Duration       `json:"duration"`
}

// Snapshot is a point-in-time view of pipeline health.
type Snapshot struct {
	// Detection counts by threat level within the lookback window.
	DetectionsByLevel map[model.ThreatLevel]int `json:"detections_by_level"`
	DetectionsTotal   int                       `json:"detections_total"`

	// Last completed cycle, if any.
	LastCycle    *int             `json:"last_cycle,omitempty"`
	LastCycleAt  *time.Time       `json:"last_cycle_at,omitempty"`
	CycleAborted bool             `json:"cycle_aborted,omitempty"`
	Platforms    []PlatformHealth `json:"platforms,omitempty"`

	LookbackHours int       `json:"lookback_hours"`
	CollectedAt   time.Time `json:"collected_at"`
}

// ReportSource provides the most recent cycle report. The orchestrator
// satisfies it; status-only tooling may pass nil.
type ReportSource interface {
	LastReport() *model.CycleReport
}

// Collector gathers health snapshots from the store and the orchestrator.
type Collector struct {
	store   store.Store
	reports ReportSource
}

// NewCollector creates a Collector. reports may be nil when no orchestrator
// runs in this process.
func NewCollector(st store.Store, reports ReportSource) *Collector {
	return &Collector{store: st, reports: reports}
}

// Collect builds a snapshot over the given lookback window.
func (c *Collector) Collect(ctx context.Context, lookbackHours int) (*Snapshot, error) {
	snap := &Snapshot{
		LookbackHours: lookbackHours,
		CollectedAt:   time.Now().UTC(),
	}

	cutoff := time.Now().UTC().Add(-time.Duration(lookbackHours) * time.Hour)
	counts, err := c.store.CountByLevel(ctx, cutoff)
	if err != nil {
		return nil, eris.Wrap(err, "health: count detections")
	}
	snap.DetectionsByLevel = counts
	for _, n := range counts {
		snap.DetectionsTotal += n
	}

	if c.reports != nil {
		if report := c.reports.LastReport(); report != nil {
			cycle := report.Cycle
			at := report.StartedAt
			snap.LastCycle = &cycle
			snap.LastCycleAt = &at
			snap.CycleAborted = report.Aborted
			for _, r := range report.Results {
				snap.Platforms = append(snap.Platforms, PlatformHealth{
					Platform:      r.Platform,
					Status:        r.Status,
					ListingCount:  r.ListingCount,
					FallbackCount: r.FallbackCount,
					Attempts:      r.Attempts,
					Degraded:      r.Degraded,
					Duration:      r.Duration,
				})
			}
		}
	}

	return snap, nil
}
