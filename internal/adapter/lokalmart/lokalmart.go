// Package lokalmart scans the Lokalmart classifieds site by parsing its
// server-rendered listing grid.
package lokalmart

import (
	"bytes"
	"context"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/rotisserie/eris"

	"github.com/tracelight/marketscan/internal/adapter"
	"github.com/tracelight/marketscan/internal/model"
	"github.com/tracelight/marketscan/internal/resilience"
)

// maxKeywords bounds how much of the batch this adapter searches. Lokalmart
// rate-limits aggressively, so only a prefix of the batch is used.
const maxKeywords = 3

// Adapter extracts listings from Lokalmart's HTML search results.
type Adapter struct {
	baseURL string
}

// New creates a Lokalmart adapter for the given site base URL.
func New(baseURL string) *Adapter {
	return &Adapter{baseURL: strings.TrimRight(baseURL, "/")}
}

func (a *Adapter) Platform() model.Platform    { return model.PlatformLokalmart }
func (a *Adapter) Class() adapter.TimeoutClass { return adapter.ClassHTML }

// Scan searches a prefix of the keyword batch.
func (a *Adapter) Scan(ctx context.Context, keywords []model.Keyword, client *adapter.Client) ([]model.RawListing, error) {
	if len(keywords) > maxKeywords {
		keywords = keywords[:maxKeywords]
	}
	var out []model.RawListing
	for _, kw := range keywords {
		listings, err := a.search(ctx, kw, client, "")
		if err != nil {
			return nil, err
		}
		out = append(out, listings...)
	}
	return out, nil
}

// FallbackScan probes a single keyword sorted by newest, the cheapest query
// the site serves.
func (a *Adapter) FallbackScan(ctx context.Context, kw model.Keyword, client *adapter.Client) ([]model.RawListing, error) {
	return a.search(ctx, kw, client, "new")
}

func (a *Adapter) search(ctx context.Context, kw model.Keyword, client *adapter.Client, sort string) ([]model.RawListing, error) {
	q := url.Values{}
	q.Set("query", kw.Term)
	if sort != "" {
		q.Set("sort", sort)
	}

	body, status, err := client.Get(ctx, a.baseURL+"/search?"+q.Encode())
	if err != nil {
		if status == 403 || isChallenge(body) {
			return nil, resilience.NewTransientError(eris.Wrap(err, "lokalmart: challenge page"), status)
		}
		return nil, eris.Wrapf(err, "lokalmart: search %q", kw.Term)
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, eris.Wrap(err, "lokalmart: parse html")
	}

	// The results container must exist even for zero-match queries. Its
	// absence means the markup changed under us.
	container := doc.Find("div.search-results")
	if container.Length() == 0 {
		return nil, adapter.NewStructuralError(a.Platform(), "search-results container missing")
	}

	now := time.Now().UTC()
	var out []model.RawListing
	container.Find("article.listing-card").Each(func(_ int, card *goquery.Selection) {
		link := card.Find("a.listing-link").First()
		href, ok := link.Attr("href")
		if !ok {
			return
		}
		title := strings.TrimSpace(card.Find("h3.listing-title").Text())
		if title == "" {
			title = strings.TrimSpace(link.Text())
		}
		img, _ := card.Find("img.listing-thumb").Attr("src")

		out = append(out, model.RawListing{
			Platform:    a.Platform(),
			Title:       title,
			PriceText:   strings.TrimSpace(card.Find("span.listing-price").Text()),
			URL:         a.absolute(href),
			Location:    strings.TrimSpace(card.Find("span.listing-location").Text()),
			ImageURL:    img,
			MatchedTerm: kw,
			FetchedAt:   now,
		})
	})
	return out, nil
}

func (a *Adapter) absolute(href string) string {
	if strings.HasPrefix(href, "http://") || strings.HasPrefix(href, "https://") {
		return href
	}
	return a.baseURL + "/" + strings.TrimLeft(href, "/")
}

// isChallenge detects interstitial block pages served with 2xx-adjacent
// statuses by some CDN configurations.
func isChallenge(body []byte) bool {
	lower := strings.ToLower(string(body))
	for _, sig := range []string{
		"checking your browser",
		"just a moment",
		"access denied",
		"attention required",
	} {
		if strings.Contains(lower, sig) {
			return true
		}
	}
	return false
}
