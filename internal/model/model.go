// Package model defines the shared data types for the scan pipeline.
package model

import (
	"time"

	"golang.org/x/text/language"
)

// Platform identifies one target marketplace.
type Platform string

const (
	PlatformGridbay   Platform = "gridbay"
	PlatformLokalmart Platform = "lokalmart"
	PlatformSouqplaza Platform = "souqplaza"
)

// KeywordCategory distinguishes plain product terms from coded slang used to
// evade marketplace moderation.
type KeywordCategory string

const (
	CategoryDirect KeywordCategory = "direct"
	CategoryCoded  KeywordCategory = "coded"
)

// Keyword is one search term for a scan cycle. Batches are immutable for the
// duration of a cycle.
type Keyword struct {
	Term     string          `json:"term"`
	Language language.Tag    `json:"language"`
	Category KeywordCategory `json:"category"`
}

// RawListing is the site-specific shape returned by an adapter before
// normalization. It is cycle-scoped and never persisted directly.
type RawListing struct {
	Platform    Platform  `json:"platform"`
	Title       string    `json:"title"`
	PriceText   string    `json:"price_text"`
	URL         string    `json:"url"`
	Location    string    `json:"location,omitempty"`
	ImageURL    string    `json:"image_url,omitempty"`
	MatchedTerm Keyword   `json:"matched_term"`
	FetchedAt   time.Time `json:"fetched_at"`
}

// NormalizedListing is a RawListing that passed normalization. NormalizedURL
// is the dedup key: lower-cased scheme and host, tracking parameters
// stripped, trailing slash trimmed.
type NormalizedListing struct {
	RawListing
	NormalizedURL string `json:"normalized_url"`
}

// AdapterStatus is the terminal state of one adapter within a cycle.
type AdapterStatus string

const (
	StatusSuccess  AdapterStatus = "success"
	StatusFallback AdapterStatus = "fallback"
	StatusTimeout  AdapterStatus = "timeout"
	StatusError    AdapterStatus = "error"
)

// Terminal reports whether s is a valid terminal adapter state.
func (s AdapterStatus) Terminal() bool {
	switch s {
	case StatusSuccess, StatusFallback, StatusTimeout, StatusError:
		return true
	}
	return false
}

// ScanCycleResult records the outcome of one adapter within one cycle.
//
// Listings carries real observations only. Output from a degraded fallback
// probe is counted in FallbackCount and never enters Listings, so it cannot
// reach normalization or the store.
type ScanCycleResult struct {
	Platform      Platform            `json:"platform"`
	Status        AdapterStatus       `json:"status"`
	Listings      []NormalizedListing `json:"-"`
	ListingCount  int                 `json:"listing_count"`
	FallbackCount int                 `json:"fallback_count,omitempty"`
	Stored        int                 `json:"stored"`
	Duplicates    int                 `json:"duplicates"`
	Attempts      int                 `json:"attempts"`
	Degraded      bool                `json:"degraded,omitempty"`
	Duration      time.Duration       `json:"duration"`
	Err           string              `json:"error,omitempty"`
}

// ThreatLevel buckets a heuristic threat score.
type ThreatLevel string

const (
	LevelLow      ThreatLevel = "low"
	LevelMedium   ThreatLevel = "medium"
	LevelHigh     ThreatLevel = "high"
	LevelCritical ThreatLevel = "critical"
)

// DetectionStatus tracks the review lifecycle of a stored detection.
// Identity fields (EvidenceID, NormalizedURL, Platform, FirstSeenAt) are
// immutable; Status is the only operator-mutable field.
type DetectionStatus string

const (
	DetectionNew       DetectionStatus = "new"
	DetectionReviewed  DetectionStatus = "reviewed"
	DetectionDismissed DetectionStatus = "dismissed"
)

// StoredDetection is the durable, deduplicated record of one uniquely
// observed listing. NormalizedURL is unique across all platforms and cycles.
type StoredDetection struct {
	EvidenceID    string          `json:"evidence_id"`
	NormalizedURL string          `json:"normalized_url"`
	Platform      Platform        `json:"platform"`
	Title         string          `json:"title"`
	PriceText     string          `json:"price_text,omitempty"`
	URL           string          `json:"url"`
	Location      string          `json:"location,omitempty"`
	ImageURL      string          `json:"image_url,omitempty"`
	MatchedTerm   string          `json:"matched_term"`
	MatchedLang   string          `json:"matched_lang"`
	Category      KeywordCategory `json:"category"`
	FirstSeenAt   time.Time       `json:"first_seen_at"`
	ThreatScore   int             `json:"threat_score"`
	ThreatLevel   ThreatLevel     `json:"threat_level"`
	Status        DetectionStatus `json:"status"`
}

// CycleReport is the per-cycle summary surfaced to operational tooling.
type CycleReport struct {
	Cycle      int               `json:"cycle"`
	StartedAt  time.Time         `json:"started_at"`
	Duration   time.Duration     `json:"duration"`
	Keywords   int               `json:"keywords"`
	Results    []ScanCycleResult `json:"results"`
	Stored     int               `json:"stored"`
	Duplicates int               `json:"duplicates"`
	Aborted    bool              `json:"aborted,omitempty"`
}

// ResultFor returns the result for a platform, if present.
func (r *CycleReport) ResultFor(p Platform) (ScanCycleResult, bool) {
	for _, res := range r.Results {
		if res.Platform == p {
			return res, true
		}
	}
	return ScanCycleResult{}, false
}
