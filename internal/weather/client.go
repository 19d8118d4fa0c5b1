// Package weather pulls hourly observations from a Visual Crossing style
// timeline API and loads them into a dynamically typed table.
package weather

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/pems-cli/internal/fetcher"
	"github.com/sells-group/pems-cli/internal/resilience"
)

// StatusError is a non-200 answer from the weather API. The free tier answers
// this way once the daily record quota is spent.
type StatusError struct {
	StatusCode int
	URL        string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("weather: status %d from %s", e.StatusCode, e.URL)
}

// Options configures a Client.
type Options struct {
	Endpoint   string
	APIKey     string
	UnitGroup  string
	Include    string
	Timeout    time.Duration
	MaxRetries int
	// RequestsPerSecond pins the endpoint host to a fixed rate. Defaults to 1.
	RequestsPerSecond float64
	Backoff           resilience.RetryConfig
}

// Response is the part of the timeline payload the loader reads. Hours are
// kept raw so their key order survives.
type Response struct {
	Days []Day `json:"days"`
}

// Day is one day of the timeline.
type Day struct {
	Datetime string            `json:"datetime"`
	Hours    []json.RawMessage `json:"hours"`
}

type pageOpener interface {
	Open(ctx context.Context, rawURL string) (*fetcher.Page, error)
}

// Client fetches timeline data behind a circuit breaker.
type Client struct {
	endpoint  string
	key       string
	unitGroup string
	include   string
	http      pageOpener
	breaker   *gobreaker.CircuitBreaker
	log       *zap.Logger
}

// NewClient creates a Client. Endpoint is required.
func NewClient(opts Options) (*Client, error) {
	if opts.Endpoint == "" {
		return nil, eris.New("weather: endpoint is required")
	}
	if opts.UnitGroup == "" {
		opts.UnitGroup = "metric"
	}
	if opts.Include == "" {
		opts.Include = "hours"
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 2
	}
	if opts.RequestsPerSecond <= 0 {
		opts.RequestsPerSecond = 1
	}
	limiters, err := hostLimiters(opts.Endpoint, opts.RequestsPerSecond)
	if err != nil {
		return nil, err
	}
	f := fetcher.NewHTTPFetcher(fetcher.HTTPOptions{
		Timeout:      opts.Timeout,
		MaxRetries:   opts.MaxRetries,
		RateLimiters: limiters,
		Backoff:      opts.Backoff,
	})
	return newClientWith(opts, f), nil
}

// hostLimiters keys a fixed limiter by the endpoint host. The metered API
// does not back off gracefully, so the adaptive limiter is bypassed.
func hostLimiters(endpoint string, rps float64) (map[string]*rate.Limiter, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, eris.Wrap(err, "weather: parse endpoint")
	}
	if u.Host == "" {
		return nil, eris.Errorf("weather: endpoint %q has no host", endpoint)
	}
	return map[string]*rate.Limiter{u.Host: rate.NewLimiter(rate.Limit(rps), 1)}, nil
}

func newClientWith(opts Options, h pageOpener) *Client {
	log := zap.L().With(zap.String("component", "weather"))
	return &Client{
		endpoint:  strings.TrimRight(opts.Endpoint, "/"),
		key:       opts.APIKey,
		unitGroup: opts.UnitGroup,
		include:   opts.Include,
		http:      h,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "weather",
			MaxRequests: 1,
			Interval:    time.Minute,
			Timeout:     2 * time.Minute,
			OnStateChange: func(name string, from, to gobreaker.State) {
				log.Warn("weather: circuit breaker state change",
					zap.String("breaker", name),
					zap.String("from", from.String()),
					zap.String("to", to.String()),
				)
			},
		}),
		log: log,
	}
}

// URL builds the timeline request URL for a location and date window.
func (c *Client) URL(location, start, end string) string {
	q := url.Values{}
	q.Set("key", c.key)
	q.Set("unitGroup", c.unitGroup)
	q.Set("include", c.include)
	return fmt.Sprintf("%s/%s/%s/%s?%s", c.endpoint, strings.ReplaceAll(location, " ", "%20"), start, end, q.Encode())
}

// Fetch requests the timeline for location between start and end, both
// YYYY-MM-DD. Any non-200 answer is a *StatusError.
func (c *Client) Fetch(ctx context.Context, location, start, end string) (*Response, error) {
	u := c.URL(location, start, end)

	out, err := c.breaker.Execute(func() (interface{}, error) {
		page, err := c.http.Open(ctx, u)
		if err != nil {
			var te *resilience.TransientError
			if errors.As(err, &te) && te.StatusCode > 0 {
				return nil, &StatusError{StatusCode: te.StatusCode, URL: redact(u)}
			}
			return nil, err
		}
		if page.StatusCode != http.StatusOK {
			return nil, &StatusError{StatusCode: page.StatusCode, URL: redact(u)}
		}
		return page, nil
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, eris.Wrap(err, "weather: circuit open")
		}
		var se *StatusError
		if errors.As(err, &se) {
			return nil, se
		}
		return nil, eris.Wrap(err, "weather: fetch timeline")
	}

	resp, err := fetcher.DecodeJSONBytes[Response](out.(*fetcher.Page).Body)
	if err != nil {
		return nil, eris.Wrap(err, "weather: decode timeline")
	}
	c.log.Info("weather: timeline fetched",
		zap.String("location", location),
		zap.Int("days", len(resp.Days)),
	)
	return resp, nil
}

// redact drops the API key from a URL before it is logged or returned.
func redact(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	q := u.Query()
	if q.Has("key") {
		q.Set("key", "REDACTED")
		u.RawQuery = q.Encode()
	}
	return u.String()
}
