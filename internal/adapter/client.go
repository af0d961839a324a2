package adapter

import (
	"context"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/tracelight/marketscan/internal/resilience"
)

// ClientConfig tunes the shared client.
type ClientConfig struct {
	MaxConns       int
	RequestsPerSec float64
	UserAgent      string
	BrowserProxy   string
}

// Client is the pooled HTTP and headless-browser client shared by all
// adapters within a process. Connection limits are global, not per-adapter,
// so a cycle cannot exhaust sockets no matter how many adapters run.
type Client struct {
	http      *http.Client
	limiter   *rate.Limiter
	userAgent string
	proxy     string

	browserMu sync.Mutex
	browser   *rod.Browser
	launch    *launcher.Launcher
}

// NewClient creates a shared client with a bounded connection pool and a
// global request rate limit.
func NewClient(cfg ClientConfig) *Client {
	maxConns := cfg.MaxConns
	if maxConns <= 0 {
		maxConns = 8
	}
	rps := cfg.RequestsPerSec
	if rps <= 0 {
		rps = 2.0
	}
	ua := cfg.UserAgent
	if ua == "" {
		ua = "Mozilla/5.0 (compatible; marketscan/1.0)"
	}

	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout: 10 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout: 10 * time.Second,
		MaxIdleConns:        maxConns,
		MaxConnsPerHost:     maxConns,
		MaxIdleConnsPerHost: maxConns,
		IdleConnTimeout:     90 * time.Second,
	}

	return &Client{
		http:      &http.Client{Transport: transport},
		limiter:   rate.NewLimiter(rate.Limit(rps), maxConns),
		userAgent: ua,
		proxy:     cfg.BrowserProxy,
	}
}

// Get performs a rate-limited GET with the shared identity headers. The body
// is capped at 2 MiB. Non-2xx statuses are returned as errors: transient for
// retryable statuses, plain otherwise (the adapter decides whether a 404 is
// structural for its site).
func (c *Client) Get(ctx context.Context, url string) ([]byte, int, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, 0, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, 0, eris.Wrap(err, "client: create request")
	}
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept-Language", "*")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, 0, eris.Wrap(err, "client: fetch")
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 2<<20))
	if err != nil {
		return nil, resp.StatusCode, eris.Wrap(err, "client: read body")
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		statusErr := eris.Errorf("client: http status %d", resp.StatusCode)
		if resilience.IsTransientHTTPStatus(resp.StatusCode) {
			return body, resp.StatusCode, resilience.NewTransientError(statusErr, resp.StatusCode)
		}
		return body, resp.StatusCode, statusErr
	}
	return body, resp.StatusCode, nil
}

// Browser returns the shared headless browser, launching it on first use.
func (c *Client) Browser() (*rod.Browser, error) {
	c.browserMu.Lock()
	defer c.browserMu.Unlock()

	if c.browser != nil {
		return c.browser, nil
	}

	l := launcher.New().Headless(true)
	if c.proxy != "" {
		l = l.Proxy(c.proxy)
	}
	controlURL, err := l.Launch()
	if err != nil {
		return nil, eris.Wrap(err, "client: launch browser")
	}

	b := rod.New().ControlURL(controlURL)
	if err := b.Connect(); err != nil {
		l.Kill()
		return nil, eris.Wrap(err, "client: connect browser")
	}

	c.browser = b
	c.launch = l
	zap.L().Info("client: headless browser launched")
	return c.browser, nil
}

// UserAgent returns the identity string adapters should present.
func (c *Client) UserAgent() string { return c.userAgent }

// Close releases the browser and idle connections. Safe to call when the
// browser was never launched.
func (c *Client) Close() error {
	c.http.CloseIdleConnections()

	c.browserMu.Lock()
	defer c.browserMu.Unlock()
	if c.browser == nil {
		return nil
	}
	err := c.browser.Close()
	if c.launch != nil {
		c.launch.Kill()
	}
	c.browser = nil
	c.launch = nil
	return eris.Wrap(err, "client: close browser")
}
