// Package score assigns a coarse heuristic threat score to normalized
// listings. Rules are deterministic and explainable: identical input always
// yields identical output, so detections can be re-scored without re-scanning.
package score

import (
	"strings"

	"github.com/tracelight/marketscan/internal/model"
)

// Result is the outcome of scoring one listing.
type Result struct {
	Score   int               `json:"score"`
	Level   model.ThreatLevel `json:"level"`
	Reasons []string          `json:"reasons,omitempty"`
}

// rule is one entry of the ordered rule table. Rules apply cumulatively in
// declaration order.
type rule struct {
	name    string
	points  int
	applies func(kw model.Keyword, title string, platform model.Platform) bool
}

// titleMarkers are phrases in listing titles that correlate with counterfeit
// or illicit offers across the monitored marketplaces.
var titleMarkers = []string{
	"replica",
	"1:1",
	"aaa quality",
	"mirror grade",
	"no box",
	"no receipt",
	"unlocked bulk",
	"custom batch",
	"dm for price",
}

var ruleTable = []rule{
	{
		name:   "direct keyword match",
		points: 20,
		applies: func(kw model.Keyword, _ string, _ model.Platform) bool {
			return kw.Category == model.CategoryDirect
		},
	},
	{
		name:   "coded keyword match",
		points: 45,
		applies: func(kw model.Keyword, _ string, _ model.Platform) bool {
			return kw.Category == model.CategoryCoded
		},
	},
	{
		name:   "title marker",
		points: 25,
		applies: func(_ model.Keyword, title string, _ model.Platform) bool {
			lower := strings.ToLower(title)
			for _, m := range titleMarkers {
				if strings.Contains(lower, m) {
					return true
				}
			}
			return false
		},
	},
	{
		name:   "anti-automation platform",
		points: 10,
		applies: func(_ model.Keyword, _ string, platform model.Platform) bool {
			// Listings on the platform requiring browser automation skew
			// toward sellers actively avoiding scrutiny.
			return platform == model.PlatformSouqplaza
		},
	},
	{
		name:   "coded term on local classifieds",
		points: 10,
		applies: func(kw model.Keyword, _ string, platform model.Platform) bool {
			return kw.Category == model.CategoryCoded && platform == model.PlatformLokalmart
		},
	},
}

// Listing evaluates the rule table over the listing's matched term, title,
// and platform. No network calls, no randomness.
func Listing(l model.NormalizedListing) Result {
	return Evaluate(l.MatchedTerm, l.Title, l.Platform)
}

// Evaluate scores the (matchedTerm, title, platform) triple directly. Scores
// are clamped to [0, 100].
func Evaluate(kw model.Keyword, title string, platform model.Platform) Result {
	var res Result
	for _, r := range ruleTable {
		if r.applies(kw, title, platform) {
			res.Score += r.points
			res.Reasons = append(res.Reasons, r.name)
		}
	}
	if res.Score > 100 {
		res.Score = 100
	}
	res.Level = levelFor(res.Score)
	return res
}

func levelFor(score int) model.ThreatLevel {
	switch {
	case score >= 80:
		return model.LevelCritical
	case score >= 55:
		return model.LevelHigh
	case score >= 30:
		return model.LevelMedium
	default:
		return model.LevelLow
	}
}
