package fetcher

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// ErrTooLarge is returned by Download when the body exceeds the cap.
var ErrTooLarge = eris.New("fetcher: body exceeds size cap")

// ErrUnsupportedScheme is returned for URLs that are not http or https.
var ErrUnsupportedScheme = eris.New("fetcher: unsupported scheme")

// StatusError is returned by Download for a non-2xx answer.
type StatusError struct {
	StatusCode int
	URL        string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d from %s", e.StatusCode, e.URL)
}

// HTTPOptions configures the HTTP fetcher.
type HTTPOptions struct {
	UserAgent string
	Timeout   time.Duration
	// PerHostRPS is the starting request rate for every host. Zero means 10.
	PerHostRPS float64
	// RateLimiters pins the limiter for specific hosts.
	RateLimiters map[string]*AdaptiveLimiter
}

// AdaptiveLimiter wraps a rate.Limiter with adaptive rate adjustment.
// On success it increases the rate by 20% (up to 2x initial).
// On 429 it halves the rate (down to initial/4 minimum).
type AdaptiveLimiter struct {
	mu          sync.Mutex
	limiter     *rate.Limiter
	maxRate     rate.Limit
	minRate     rate.Limit
	currentRate rate.Limit
}

// NewAdaptiveLimiter creates an adaptive rate limiter that auto-tunes.
func NewAdaptiveLimiter(initialRate rate.Limit, burst int) *AdaptiveLimiter {
	return &AdaptiveLimiter{
		limiter:     rate.NewLimiter(initialRate, burst),
		maxRate:     initialRate * 2,
		minRate:     initialRate / 4,
		currentRate: initialRate,
	}
}

// Wait blocks until the limiter allows an event.
func (a *AdaptiveLimiter) Wait(ctx context.Context) error {
	return a.limiter.Wait(ctx)
}

// OnSuccess increases the rate by 20%, up to 2x initial.
func (a *AdaptiveLimiter) OnSuccess() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.currentRate = min(a.currentRate*1.2, a.maxRate)
	a.limiter.SetLimit(a.currentRate)
}

// OnRateLimit halves the rate on 429 responses.
func (a *AdaptiveLimiter) OnRateLimit(host string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.currentRate = max(a.currentRate*0.5, a.minRate)
	a.limiter.SetLimit(a.currentRate)
	zap.L().Warn("adaptive rate limit: reducing rate after 429",
		zap.String("host", host),
		zap.Float64("new_rate", float64(a.currentRate)),
	)
}

// Limit returns the current rate limit.
func (a *AdaptiveLimiter) Limit() rate.Limit {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.currentRate
}

// HTTPFetcher implements Fetcher using net/http with per-host rate limiting.
// Listing images are spread over thousands of hosts, so limiters are created
// lazily the first time a host is seen.
type HTTPFetcher struct {
	client *http.Client
	opts   HTTPOptions

	mu       sync.Mutex
	limiters map[string]*AdaptiveLimiter
}

// NewHTTPFetcher creates a new HTTPFetcher with the given options.
func NewHTTPFetcher(opts HTTPOptions) *HTTPFetcher {
	if opts.Timeout == 0 {
		opts.Timeout = 8 * time.Second
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "listing-images/1.0"
	}
	if opts.PerHostRPS <= 0 {
		opts.PerHostRPS = 10
	}
	limiters := make(map[string]*AdaptiveLimiter, len(opts.RateLimiters))
	for k, v := range opts.RateLimiters {
		limiters[k] = v
	}
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConnsPerHost: 4,
		MaxConnsPerHost:     8,
		IdleConnTimeout:     90 * time.Second,
	}
	return &HTTPFetcher{
		client: &http.Client{
			Timeout:   opts.Timeout,
			Transport: transport,
		},
		opts:     opts,
		limiters: limiters,
	}
}

func (f *HTTPFetcher) limiterFor(host string) *AdaptiveLimiter {
	f.mu.Lock()
	defer f.mu.Unlock()
	lim, ok := f.limiters[host]
	if !ok {
		burst := max(int(f.opts.PerHostRPS), 1)
		lim = NewAdaptiveLimiter(rate.Limit(f.opts.PerHostRPS), burst)
		f.limiters[host] = lim
	}
	return lim
}

// do sends one request through the host's limiter. Every call is bounded by
// the configured timeout on top of whatever deadline ctx carries.
func (f *HTTPFetcher) do(ctx context.Context, method, rawURL string, header http.Header) (*http.Response, context.CancelFunc, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, nil, eris.Wrapf(err, "fetcher: parse url %q", rawURL)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, nil, eris.Wrapf(ErrUnsupportedScheme, "fetcher: %q", u.Scheme)
	}

	ctx, cancel := context.WithTimeout(ctx, f.opts.Timeout)

	lim := f.limiterFor(u.Host)
	if err := lim.Wait(ctx); err != nil {
		cancel()
		return nil, nil, eris.Wrap(err, "fetcher: rate limiter wait")
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), nil)
	if err != nil {
		cancel()
		return nil, nil, eris.Wrap(err, "fetcher: create request")
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("User-Agent", f.opts.UserAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		cancel()
		return nil, nil, eris.Wrapf(err, "fetcher: %s %s", method, rawURL)
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		lim.OnRateLimit(u.Host)
	} else {
		lim.OnSuccess()
	}
	return resp, cancel, nil
}

// Head issues a HEAD request and reports status and content headers.
func (f *HTTPFetcher) Head(ctx context.Context, rawURL string) (*Response, error) {
	resp, cancel, err := f.do(ctx, http.MethodHead, rawURL, nil)
	if err != nil {
		return nil, err
	}
	defer cancel()
	defer resp.Body.Close() //nolint:errcheck

	return &Response{
		StatusCode:    resp.StatusCode,
		ContentType:   resp.Header.Get("Content-Type"),
		ContentLength: resp.ContentLength,
	}, nil
}

// GetPrefix fetches at most n bytes from the start of the body.
func (f *HTTPFetcher) GetPrefix(ctx context.Context, rawURL string, n int64) (*Response, error) {
	if n <= 0 {
		return nil, eris.Errorf("fetcher: invalid prefix length %d", n)
	}
	h := http.Header{}
	h.Set("Range", fmt.Sprintf("bytes=0-%d", n-1))

	resp, cancel, err := f.do(ctx, http.MethodGet, rawURL, h)
	if err != nil {
		return nil, err
	}
	defer cancel()
	defer resp.Body.Close() //nolint:errcheck

	out := &Response{
		StatusCode:    resp.StatusCode,
		ContentType:   resp.Header.Get("Content-Type"),
		ContentLength: resp.ContentLength,
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return out, nil
	}

	// A short read on a server that ignores Range is fine: we only need the prefix.
	body, err := io.ReadAll(io.LimitReader(resp.Body, n))
	if err != nil && len(body) == 0 {
		return nil, eris.Wrapf(err, "fetcher: read prefix of %s", rawURL)
	}
	out.Body = body
	return out, nil
}

// Download fetches the full body, failing with ErrTooLarge past max bytes.
func (f *HTTPFetcher) Download(ctx context.Context, rawURL string, maxBytes int64) (*Response, error) {
	resp, cancel, err := f.do(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	defer cancel()
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, eris.Wrap(&StatusError{StatusCode: resp.StatusCode, URL: rawURL}, "fetcher: download")
	}
	if maxBytes > 0 && resp.ContentLength > maxBytes {
		return nil, eris.Wrapf(ErrTooLarge, "fetcher: %s declares %d bytes", rawURL, resp.ContentLength)
	}

	limit := maxBytes
	if limit > 0 {
		limit++
	} else {
		limit = 1 << 62
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, limit))
	if err != nil {
		return nil, eris.Wrapf(err, "fetcher: read body of %s", rawURL)
	}
	if maxBytes > 0 && int64(len(body)) > maxBytes {
		return nil, eris.Wrapf(ErrTooLarge, "fetcher: %s", rawURL)
	}

	return &Response{
		StatusCode:    resp.StatusCode,
		ContentType:   resp.Header.Get("Content-Type"),
		ContentLength: resp.ContentLength,
		Body:          body,
	}, nil
}
