// Package gridbay scans the Gridbay marketplace through its JSON search API.
package gridbay

import (
	"context"
	"encoding/json"
	"net/url"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/tracelight/marketscan/internal/adapter"
	"github.com/tracelight/marketscan/internal/model"
	"github.com/tracelight/marketscan/internal/resilience"
)

// Adapter extracts listings from Gridbay's search API.
type Adapter struct {
	baseURL string
}

// New creates a Gridbay adapter for the given API base URL.
func New(baseURL string) *Adapter {
	return &Adapter{baseURL: strings.TrimRight(baseURL, "/")}
}

func (a *Adapter) Platform() model.Platform    { return model.PlatformGridbay }
func (a *Adapter) Class() adapter.TimeoutClass { return adapter.ClassAPI }

// searchResponse is the documented shape of /api/search.
type searchResponse struct {
	Listings []struct {
		Title    string `json:"title"`
		Price    string `json:"price"`
		URL      string `json:"url"`
		City     string `json:"city"`
		ImageURL string `json:"image_url"`
	} `json:"listings"`
}

// Scan searches every keyword in the batch.
func (a *Adapter) Scan(ctx context.Context, keywords []model.Keyword, client *adapter.Client) ([]model.RawListing, error) {
	var out []model.RawListing
	for _, kw := range keywords {
		listings, err := a.search(ctx, kw, client)
		if err != nil {
			return nil, err
		}
		out = append(out, listings...)
	}
	return out, nil
}

// FallbackScan probes a single keyword.
func (a *Adapter) FallbackScan(ctx context.Context, kw model.Keyword, client *adapter.Client) ([]model.RawListing, error) {
	return a.search(ctx, kw, client)
}

func (a *Adapter) search(ctx context.Context, kw model.Keyword, client *adapter.Client) ([]model.RawListing, error) {
	q := url.Values{}
	q.Set("q", kw.Term)
	q.Set("lang", kw.Language.String())

	body, status, err := client.Get(ctx, a.baseURL+"/api/search?"+q.Encode())
	if err != nil {
		if status == 404 || status == 410 {
			// The search endpoint itself is gone: the API surface moved.
			return nil, adapter.NewStructuralError(a.Platform(), "search endpoint missing")
		}
		if status == 403 {
			// Temporary anti-automation block; worth a retry after backoff.
			return nil, resilience.NewTransientError(eris.Wrap(err, "gridbay: blocked"), status)
		}
		return nil, eris.Wrapf(err, "gridbay: search %q", kw.Term)
	}

	var resp searchResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, adapter.NewStructuralError(a.Platform(), "search payload no longer parses: "+err.Error())
	}

	now := time.Now().UTC()
	out := make([]model.RawListing, 0, len(resp.Listings))
	for _, l := range resp.Listings {
		if l.Title == "" || l.URL == "" {
			continue
		}
		out = append(out, model.RawListing{
			Platform:    a.Platform(),
			Title:       l.Title,
			PriceText:   l.Price,
			URL:         a.absolute(l.URL),
			Location:    l.City,
			ImageURL:    l.ImageURL,
			MatchedTerm: kw,
			FetchedAt:   now,
		})
	}
	return out, nil
}

// absolute resolves API-relative listing paths against the site base.
func (a *Adapter) absolute(raw string) string {
	if strings.HasPrefix(raw, "http://") || strings.HasPrefix(raw, "https://") {
		return raw
	}
	return a.baseURL + "/" + strings.TrimLeft(raw, "/")
}
