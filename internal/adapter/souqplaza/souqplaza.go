// Package souqplaza scans the Souqplaza marketplace, which renders its
// search results client-side behind anti-automation checks, through the
// shared headless browser.
package souqplaza

import (
	"context"
	"encoding/json"
	"net/url"
	"strings"
	"time"

	"github.com/go-rod/rod/lib/proto"
	"github.com/rotisserie/eris"

	"github.com/tracelight/marketscan/internal/adapter"
	"github.com/tracelight/marketscan/internal/model"
	"github.com/tracelight/marketscan/internal/resilience"
)

// maxKeywords bounds the batch prefix: each search costs a full page load in
// the browser, so the heaviest platform samples the fewest terms.
const maxKeywords = 2

// Adapter extracts listings from Souqplaza's JS-rendered result grid.
type Adapter struct {
	baseURL string
}

// New creates a Souqplaza adapter for the given site base URL.
func New(baseURL string) *Adapter {
	return &Adapter{baseURL: strings.TrimRight(baseURL, "/")}
}

func (a *Adapter) Platform() model.Platform    { return model.PlatformSouqplaza }
func (a *Adapter) Class() adapter.TimeoutClass { return adapter.ClassBrowser }

// Scan searches a prefix of the keyword batch through the shared browser.
func (a *Adapter) Scan(ctx context.Context, keywords []model.Keyword, client *adapter.Client) ([]model.RawListing, error) {
	if len(keywords) > maxKeywords {
		keywords = keywords[:maxKeywords]
	}
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

// extractScript pulls the result grid in a single evaluation; per-element
// rod calls return empty strings for elements the site keeps off-viewport.
const extractScript = `() => {
	const cards = document.querySelectorAll('div.results-grid div.item-card');
	return Array.from(cards).map(card => {
		const a = card.querySelector('a.item-link');
		const img = card.querySelector('img.item-photo');
		return {
			title:    a ? a.textContent.trim() : '',
			url:      a ? (a.getAttribute('href') || '') : '',
			price:    (card.querySelector('.item-price') || {textContent: ''}).textContent.trim(),
			location: (card.querySelector('.item-city') || {textContent: ''}).textContent.trim(),
			image:    img ? (img.getAttribute('src') || '') : '',
		};
	}).filter(r => r.title !== '');
}`

func (a *Adapter) search(ctx context.Context, kw model.Keyword, client *adapter.Client) ([]model.RawListing, error) {
	browser, err := client.Browser()
	if err != nil {
		return nil, resilience.NewTransientError(eris.Wrap(err, "souqplaza: browser"), 0)
	}

	page, err := browser.Page(proto.TargetCreateTarget{})
	if err != nil {
		return nil, resilience.NewTransientError(eris.Wrap(err, "souqplaza: new page"), 0)
	}
	defer func() { _ = page.Close() }()
	page = page.Context(ctx)

	_ = page.SetUserAgent(&proto.NetworkSetUserAgentOverride{UserAgent: client.UserAgent()})
	_, _ = page.EvalOnNewDocument(`Object.defineProperty(navigator, 'webdriver', {get: () => undefined});`)

	searchURL := a.baseURL + "/search?q=" + url.QueryEscape(kw.Term)
	if err := page.Navigate(searchURL); err != nil {
		return nil, resilience.NewTransientError(eris.Wrapf(err, "souqplaza: navigate %q", kw.Term), 0)
	}
	if err := page.WaitLoad(); err != nil {
		return nil, resilience.NewTransientError(eris.Wrap(err, "souqplaza: wait load"), 0)
	}

	// Settle JS-rendered results; images and media excluded from idleness.
	wait := page.WaitRequestIdle(
		500*time.Millisecond, nil, nil,
		[]proto.NetworkResourceType{proto.NetworkResourceTypeImage, proto.NetworkResourceTypeMedia},
	)
	wait()

	val, err := page.Eval(extractScript)
	if err != nil {
		return nil, resilience.NewTransientError(eris.Wrap(err, "souqplaza: extract"), 0)
	}

	type jsListing struct {
		Title    string `json:"title"`
		URL      string `json:"url"`
		Price    string `json:"price"`
		Location string `json:"location"`
		Image    string `json:"image"`
	}
	var rowsJS []jsListing
	raw, _ := val.Value.MarshalJSON()
	if err := json.Unmarshal(raw, &rowsJS); err != nil {
		return nil, adapter.NewStructuralError(a.Platform(), "result grid payload no longer parses")
	}

	// An empty grid is only trustworthy when the grid container itself is
	// present; otherwise the markup drifted and we must not report a clean
	// zero-match.
	if len(rowsJS) == 0 {
		hasGrid, _, gridErr := page.Has("div.results-grid")
		if gridErr != nil || !hasGrid {
			return nil, adapter.NewStructuralError(a.Platform(), "results grid missing")
		}
	}

	now := time.Now().UTC()
	out := make([]model.RawListing, 0, len(rowsJS))
	for _, r := range rowsJS {
		if r.URL == "" {
			continue
		}
		out = append(out, model.RawListing{
			Platform:    a.Platform(),
			Title:       r.Title,
			PriceText:   r.Price,
			URL:         a.absolute(r.URL),
			Location:    r.Location,
			ImageURL:    r.Image,
			MatchedTerm: kw,
			FetchedAt:   now,
		})
	}
	return out, nil
}

func (a *Adapter) absolute(href string) string {
	if strings.HasPrefix(href, "http://") || strings.HasPrefix(href, "https://") {
		return href
	}
	return a.baseURL + "/" + strings.TrimLeft(href, "/")
}
