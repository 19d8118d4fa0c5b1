package fetcher

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/pems-cli/internal/resilience"
)

// HTTPOptions configures the HTTP fetcher.
type HTTPOptions struct {
	UserAgent string
	// Timeout bounds a single request. Zero means no timeout.
	Timeout    time.Duration
	MaxRetries int
	// RequestsPerSecond is the initial per-host rate for hosts without an
	// explicit limiter. Default: 5.
	RequestsPerSecond int
	RateLimiters      map[string]*rate.Limiter
	// Jar keeps session cookies between requests. Nil disables cookies.
	Jar http.CookieJar
	// Backoff overrides the retry delay schedule (tests use a tiny value).
	Backoff resilience.RetryConfig
}

// AdaptiveLimiter wraps a rate.Limiter with adaptive rate adjustment.
// On success it increases the rate by 20% (up to 2x initial).
// On 429 it halves the rate (down to initial/4 minimum).
type AdaptiveLimiter struct {
	mu          sync.Mutex
	limiter     *rate.Limiter
	initialRate rate.Limit
	maxRate     rate.Limit
	minRate     rate.Limit
	currentRate rate.Limit
}

// NewAdaptiveLimiter creates an adaptive rate limiter that auto-tunes.
func NewAdaptiveLimiter(initialRate rate.Limit, burst int) *AdaptiveLimiter {
	return &AdaptiveLimiter{
		limiter:     rate.NewLimiter(initialRate, burst),
		initialRate: initialRate,
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
	newRate := a.currentRate * 1.2
	if newRate > a.maxRate {
		newRate = a.maxRate
	}
	a.currentRate = newRate
	a.limiter.SetLimit(newRate)
}

// OnRateLimit halves the rate on 429 responses.
func (a *AdaptiveLimiter) OnRateLimit() {
	a.mu.Lock()
	defer a.mu.Unlock()
	newRate := a.currentRate * 0.5
	if newRate < a.minRate {
		newRate = a.minRate
	}
	a.currentRate = newRate
	a.limiter.SetLimit(newRate)
	zap.L().Warn("adaptive rate limit: reducing rate after 429",
		zap.Float64("new_rate", float64(newRate)),
	)
}

// HTTPFetcher implements Browser using net/http with retry and rate limiting.
type HTTPFetcher struct {
	client *http.Client
	opts   HTTPOptions

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	adaptive map[string]*AdaptiveLimiter
}

var _ Browser = (*HTTPFetcher)(nil)

// NewHTTPFetcher creates a new HTTPFetcher with the given options.
func NewHTTPFetcher(opts HTTPOptions) *HTTPFetcher {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}
	if opts.RequestsPerSecond <= 0 {
		opts.RequestsPerSecond = 5
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "pems-cli/1.0"
	}
	if opts.Backoff.InitialBackoff == 0 {
		opts.Backoff = resilience.DefaultRetryConfig()
	}
	limiters := make(map[string]*rate.Limiter, len(opts.RateLimiters))
	for k, v := range opts.RateLimiters {
		limiters[k] = v
	}
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConnsPerHost: 4,
		IdleConnTimeout:     90 * time.Second,
	}
	return &HTTPFetcher{
		client: &http.Client{
			Timeout:   opts.Timeout,
			Transport: transport,
			Jar:       opts.Jar,
		},
		opts:     opts,
		limiters: limiters,
		adaptive: make(map[string]*AdaptiveLimiter),
	}
}

// wait blocks on the fixed limiter for the host if one was configured,
// otherwise on the host's adaptive limiter.
func (f *HTTPFetcher) wait(ctx context.Context, u *url.URL) (*AdaptiveLimiter, error) {
	f.mu.Lock()
	lim, fixed := f.limiters[u.Host]
	var adaptive *AdaptiveLimiter
	if !fixed {
		adaptive = f.adaptive[u.Host]
		if adaptive == nil {
			rps := f.opts.RequestsPerSecond
			adaptive = NewAdaptiveLimiter(rate.Limit(rps), rps)
			f.adaptive[u.Host] = adaptive
		}
	}
	f.mu.Unlock()

	if fixed {
		return nil, eris.Wrap(lim.Wait(ctx), "rate limiter wait")
	}
	return adaptive, eris.Wrap(adaptive.Wait(ctx), "rate limiter wait")
}

// doWithRetry sends the request built by newReq, retrying transport errors,
// 429 and 5xx responses. Any other response is returned to the caller.
func (f *HTTPFetcher) doWithRetry(ctx context.Context, newReq func() (*http.Request, error)) (*http.Response, error) {
	cfg := f.opts.Backoff
	cfg.MaxAttempts = f.opts.MaxRetries
	cfg.ShouldRetry = func(err error) bool {
		return !resilience.IsPermanent(err) && resilience.IsTransient(err)
	}

	res := resilience.DoVal(ctx, cfg, func(ctx context.Context) (*http.Response, error) {
		req, err := newReq()
		if err != nil {
			return nil, resilience.Permanent(eris.Wrap(err, "create request"))
		}
		req.Header.Set("User-Agent", f.opts.UserAgent)

		adaptive, err := f.wait(ctx, req.URL)
		if err != nil {
			return nil, resilience.Permanent(err)
		}

		resp, err := f.client.Do(req)
		if err != nil {
			zap.L().Warn("http request failed",
				zap.String("url", req.URL.String()),
				zap.Error(err),
			)
			if resilience.IsTransient(err) {
				return nil, err
			}
			return nil, resilience.Permanent(err)
		}

		if resp.StatusCode == http.StatusTooManyRequests && adaptive != nil {
			adaptive.OnRateLimit()
		}
		if resilience.IsTransientHTTPStatus(resp.StatusCode) {
			_ = resp.Body.Close()
			zap.L().Warn("server error, retrying",
				zap.String("url", req.URL.String()),
				zap.Int("status", resp.StatusCode),
			)
			return nil, resilience.NewTransientError(
				eris.Errorf("http %d from %s", resp.StatusCode, req.URL.String()), resp.StatusCode)
		}

		if adaptive != nil {
			adaptive.OnSuccess()
		}
		return resp, nil
	})
	if res.Err != nil {
		return nil, eris.Wrapf(res.Err, "after %d attempts", res.Attempts)
	}
	return res.Value, nil
}

func (f *HTTPFetcher) get(ctx context.Context, rawURL string) (*http.Response, error) {
	return f.doWithRetry(ctx, func() (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	})
}

// Download fetches the URL and returns the response body.
func (f *HTTPFetcher) Download(ctx context.Context, rawURL string) (io.ReadCloser, error) {
	resp, err := f.get(ctx, rawURL)
	if err != nil {
		return nil, eris.Wrap(err, "download")
	}

	if resp.StatusCode != http.StatusOK {
		_ = resp.Body.Close()
		return nil, eris.Errorf("download: unexpected status %d from %s", resp.StatusCode, rawURL)
	}

	return resp.Body, nil
}

// DownloadToFile fetches the URL and writes it to the given path. The body is
// staged under a dot-prefixed temporary name and renamed into place once complete.
func (f *HTTPFetcher) DownloadToFile(ctx context.Context, rawURL string, path string) (int64, error) {
	body, err := f.Download(ctx, rawURL)
	if err != nil {
		return 0, err
	}
	defer body.Close() //nolint:errcheck

	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return 0, eris.Wrap(err, "create file")
	}
	defer os.Remove(tmp.Name()) //nolint:errcheck

	n, err := io.Copy(tmp, body)
	if err != nil {
		_ = tmp.Close()
		return n, eris.Wrap(err, "write file")
	}
	if err := tmp.Close(); err != nil {
		return n, eris.Wrap(err, "close file")
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return n, eris.Wrap(err, "rename file")
	}

	return n, nil
}

// Open issues a GET and reads the full page. Non-2xx statuses are returned,
// not treated as errors; only transport failures and exhausted retries are.
func (f *HTTPFetcher) Open(ctx context.Context, rawURL string) (*Page, error) {
	resp, err := f.get(ctx, rawURL)
	if err != nil {
		return nil, eris.Wrap(err, "open")
	}
	return readPage(resp)
}

// Submit posts form values as application/x-www-form-urlencoded.
func (f *HTTPFetcher) Submit(ctx context.Context, rawURL string, form url.Values) (*Page, error) {
	encoded := form.Encode()
	resp, err := f.doWithRetry(ctx, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, rawURL, strings.NewReader(encoded))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		return req, nil
	})
	if err != nil {
		return nil, eris.Wrap(err, "submit")
	}
	return readPage(resp)
}

func readPage(resp *http.Response) (*Page, error) {
	defer resp.Body.Close() //nolint:errcheck

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, eris.Wrap(err, "read body")
	}
	return &Page{
		URL:        resp.Request.URL.String(),
		StatusCode: resp.StatusCode,
		Body:       body,
	}, nil
}
