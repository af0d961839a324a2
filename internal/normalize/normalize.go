// Package normalize converts raw adapter output into canonical listings and
// computes the dedup key that collapses cosmetic URL variants.
package normalize

import (
	"net/url"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/tracelight/marketscan/internal/model"
)

// trackingParams are query parameters that never identify a listing and are
// stripped when computing the dedup key.
var trackingParams = map[string]struct{}{
	"gclid":      {},
	"fbclid":     {},
	"yclid":      {},
	"msclkid":    {},
	"gbraid":     {},
	"wbraid":     {},
	"igshid":     {},
	"mc_cid":     {},
	"mc_eid":     {},
	"ref":        {},
	"referrer":   {},
	"spm":        {},
	"src":        {},
	"campaignid": {},
}

// Listing validates a raw listing and computes its dedup key. It returns
// ok=false for listings missing a URL or title, or with an unparseable URL.
func Listing(raw model.RawListing) (model.NormalizedListing, bool) {
	if strings.TrimSpace(raw.Title) == "" || strings.TrimSpace(raw.URL) == "" {
		return model.NormalizedListing{}, false
	}

	canon, err := CanonicalURL(raw.URL)
	if err != nil {
		return model.NormalizedListing{}, false
	}

	raw.Title = strings.TrimSpace(raw.Title)
	raw.PriceText = strings.TrimSpace(raw.PriceText)
	return model.NormalizedListing{
		RawListing:    raw,
		NormalizedURL: canon,
	}, true
}

// CanonicalURL computes the dedup key for a listing URL: scheme and host are
// lower-cased, known tracking parameters are stripped, the fragment is
// dropped, and trailing slashes are trimmed, so cosmetic variants of the
// same listing collapse to one key.
func CanonicalURL(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", err
	}
	if u.Scheme == "" || u.Host == "" {
		return "", eris.Errorf("normalize: not an absolute url: %q", raw)
	}

	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	u.Fragment = ""

	q := u.Query()
	for param := range q {
		lower := strings.ToLower(param)
		if _, tracked := trackingParams[lower]; tracked || strings.HasPrefix(lower, "utm_") {
			q.Del(param)
		}
	}
	u.RawQuery = q.Encode() // sorted by key, deterministic

	u.Path = strings.TrimRight(u.Path, "/")

	return u.String(), nil
}

// All normalizes a slice of raw listings, discarding malformed records and
// reporting how many were dropped.
func All(raw []model.RawListing) (listings []model.NormalizedListing, dropped int) {
	listings = make([]model.NormalizedListing, 0, len(raw))
	for _, r := range raw {
		n, ok := Listing(r)
		if !ok {
			dropped++
			continue
		}
		listings = append(listings, n)
	}
	return listings, dropped
}
