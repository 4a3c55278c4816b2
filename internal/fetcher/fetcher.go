// Package fetcher downloads web pages with per-host rate limiting, retry
// with exponential backoff, and a hard body size cap.
package fetcher

import (
	"context"
	"io"
	"math"
	"math/rand/v2"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Options configures the page fetcher.
type Options struct {
	UserAgent        string
	Timeout          time.Duration
	MaxBodyBytes     int64
	MaxRetries       int
	PerHostRate      float64
	PerHostBurst     int
	FollowRedirect   bool
	BreakerThreshold int
	BreakerReset     time.Duration
}

func (o Options) withDefaults() Options {
	if o.UserAgent == "" {
		o.UserAgent = "fundscope-crawler/1.0"
	}
	if o.Timeout == 0 {
		o.Timeout = 40 * time.Second
	}
	if o.MaxBodyBytes == 0 {
		o.MaxBodyBytes = 5 << 20
	}
	if o.MaxRetries == 0 {
		o.MaxRetries = 3
	}
	if o.PerHostRate == 0 {
		o.PerHostRate = 2
	}
	if o.PerHostBurst == 0 {
		o.PerHostBurst = 4
	}
	if o.BreakerThreshold == 0 {
		o.BreakerThreshold = 5
	}
	if o.BreakerReset == 0 {
		o.BreakerReset = 60 * time.Second
	}
	return o
}

// Page is one fetched document.
type Page struct {
	URL         string
	FinalURL    string
	StatusCode  int
	ContentType string
	Body        string
	Links       []string
	FetchedAt   time.Time
}

// Fetcher fetches HTML pages over HTTP.
type Fetcher struct {
	client *http.Client
	opts   Options

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	breakers map[string]*hostBreaker
}

// New creates a Fetcher with the given options.
func New(opts Options) *Fetcher {
	opts = opts.withDefaults()
	transport := &http.Transport{
		MaxIdleConnsPerHost: 10,
		MaxConnsPerHost:     20,
		IdleConnTimeout:     90 * time.Second,
	}
	client := &http.Client{
		Timeout:   opts.Timeout,
		Transport: transport,
	}
	if !opts.FollowRedirect {
		client.CheckRedirect = func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		}
	}
	return &Fetcher{
		client:   client,
		opts:     opts,
		limiters: make(map[string]*rate.Limiter),
		breakers: make(map[string]*hostBreaker),
	}
}

// limiterFor returns the rate limiter for a host, creating it on first use.
func (f *Fetcher) limiterFor(host string) *rate.Limiter {
	f.mu.Lock()
	defer f.mu.Unlock()
	lim, ok := f.limiters[host]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(f.opts.PerHostRate), f.opts.PerHostBurst)
		f.limiters[host] = lim
	}
	return lim
}

// Fetch downloads a single page, extracts same-host links, and returns the
// result. Non-HTML responses come back without a body or links.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (*Page, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, eris.Wrapf(err, "fetcher: parsing %s", rawURL)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, eris.Errorf("fetcher: unsupported scheme %q in %s", u.Scheme, rawURL)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, eris.Wrap(err, "fetcher: creating request")
	}
	req.Header.Set("User-Agent", f.opts.UserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml")

	resp, err := f.doWithRetry(ctx, req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close() //nolint:errcheck

	page := &Page{
		URL:         rawURL,
		FinalURL:    resp.Request.URL.String(),
		StatusCode:  resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
		FetchedAt:   time.Now().UTC(),
	}

	if resp.StatusCode != http.StatusOK {
		return nil, eris.Errorf("fetcher: status %d from %s", resp.StatusCode, rawURL)
	}
	if !isHTML(page.ContentType) {
		zap.L().Debug("fetcher: skipping non-html body",
			zap.String("url", rawURL),
			zap.String("content_type", page.ContentType))
		return page, nil
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.opts.MaxBodyBytes))
	if err != nil {
		return nil, eris.Wrapf(err, "fetcher: reading body of %s", rawURL)
	}
	page.Body = string(body)

	links, err := ExtractLinks(page.Body, page.FinalURL)
	if err != nil {
		zap.L().Warn("fetcher: link extraction failed",
			zap.String("url", rawURL), zap.Error(err))
	} else {
		page.Links = links
	}
	return page, nil
}

func (f *Fetcher) doWithRetry(ctx context.Context, req *http.Request) (*http.Response, error) {
	host := req.URL.Host
	br := f.breakerFor(host)
	if !br.allow() {
		return nil, eris.Wrapf(ErrHostOpen, "fetcher: skipping %s", host)
	}
	lim := f.limiterFor(host)

	var lastErr error
	for attempt := range f.opts.MaxRetries {
		if err := lim.Wait(ctx); err != nil {
			return nil, eris.Wrap(err, "fetcher: rate limiter wait")
		}

		cloned := req.Clone(ctx)
		resp, err := f.client.Do(cloned)
		if err != nil {
			lastErr = err
			zap.L().Warn("fetcher: request failed, retrying",
				zap.String("url", req.URL.String()),
				zap.Int("attempt", attempt+1),
				zap.Error(err))
			f.backoff(ctx, attempt)
			continue
		}

		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			_ = resp.Body.Close()
			lastErr = eris.Errorf("fetcher: http %d from %s", resp.StatusCode, req.URL.String())
			zap.L().Warn("fetcher: retryable status",
				zap.String("url", req.URL.String()),
				zap.Int("status", resp.StatusCode),
				zap.Int("attempt", attempt+1))
			f.backoff(ctx, attempt)
			continue
		}

		// Any answer from the host, even a client error, means it is up.
		br.record(host, nil)
		return resp, nil
	}

	br.record(host, lastErr)
	return nil, eris.Wrap(lastErr, "fetcher: all retries exhausted")
}

func (f *Fetcher) backoff(ctx context.Context, attempt int) {
	base := time.Second
	maxBackoff := 30 * time.Second
	d := time.Duration(float64(base) * math.Pow(2, float64(attempt)))
	if d > maxBackoff {
		d = maxBackoff
	}
	d += time.Duration(rand.Int64N(int64(d) / 2))

	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

func isHTML(contentType string) bool {
	ct := strings.ToLower(contentType)
	return strings.Contains(ct, "text/html") || strings.Contains(ct, "application/xhtml")
}
