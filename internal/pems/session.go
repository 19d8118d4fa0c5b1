package pems

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/net/html"
	"golang.org/x/net/publicsuffix"

	"github.com/sells-group/pems-cli/internal/fetcher"
	"github.com/sells-group/pems-cli/internal/resilience"
)

// DefaultUserAgent mimics a desktop browser; the clearinghouse serves a
// different page to unknown clients.
const DefaultUserAgent = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/114.0.0.0 Safari/537.36"

// AuthError is returned when every login attempt failed.
type AuthError struct {
	Attempts int
	Err      error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("pems: login failed after %d attempts: %v", e.Attempts, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// SessionOptions configures the HTTP client behind a Session.
type SessionOptions struct {
	BaseURL           string
	UserAgent         string
	Timeout           time.Duration
	MaxRetries        int // transport retries per request
	RequestsPerSecond int
	Backoff           resilience.RetryConfig
}

// Session is an authenticated clearinghouse browser. It is valid for the
// lifetime of the process and is safe for concurrent use.
type Session struct {
	BaseURL string
	browser fetcher.Browser
	backoff resilience.RetryConfig
	log     *zap.Logger
}

// NewSession builds an unauthenticated session with its own cookie jar.
func NewSession(opts SessionOptions) (*Session, error) {
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultBaseURL
	}
	if opts.UserAgent == "" {
		opts.UserAgent = DefaultUserAgent
	}

	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, eris.Wrap(err, "pems: create cookie jar")
	}

	b := fetcher.NewHTTPFetcher(fetcher.HTTPOptions{
		UserAgent:         opts.UserAgent,
		Timeout:           opts.Timeout,
		MaxRetries:        opts.MaxRetries,
		RequestsPerSecond: opts.RequestsPerSecond,
		Jar:               jar,
		Backoff:           opts.Backoff,
	})
	s := newSessionWith(strings.TrimRight(opts.BaseURL, "/"), b)
	s.backoff = opts.Backoff
	return s, nil
}

func newSessionWith(baseURL string, b fetcher.Browser) *Session {
	return &Session{
		BaseURL: baseURL,
		browser: b,
		log:     zap.L().With(zap.String("component", "pems.session")),
	}
}

// Browser returns the cookie-carrying client used for all clearinghouse calls.
func (s *Session) Browser() fetcher.Browser { return s.browser }

// Establish creates a session and logs in. loginAttempts bounds the number of
// form submissions.
func Establish(ctx context.Context, creds Credentials, loginAttempts int, opts SessionOptions) (*Session, error) {
	s, err := NewSession(opts)
	if err != nil {
		return nil, err
	}
	if err := s.Login(ctx, creds, loginAttempts); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Session) loginURL() string {
	return s.BaseURL + "/?dnode=Clearinghouse"
}

// Login submits the first form on the clearinghouse page. An attempt counts as
// successful when the login page, reopened afterwards, answers 200 with a body
// different from the anonymous one. Failing to reach the login page at all is
// returned as is; running out of attempts returns *AuthError.
func (s *Session) Login(ctx context.Context, creds Credentials, attempts int) error {
	s.log.Info("connecting to clearinghouse", zap.String("url", s.loginURL()))

	baseline, err := s.browser.Open(ctx, s.loginURL())
	if err != nil {
		return eris.Wrap(err, "pems: open login page")
	}

	form, err := parseLoginForm(baseline)
	if err != nil {
		return &AuthError{Attempts: 0, Err: err}
	}
	form.values.Set("username", creds.Username)
	form.values.Set("password", creds.Password)

	cfg := s.backoff
	if cfg.InitialBackoff == 0 {
		cfg = resilience.DefaultRetryConfig()
	}
	cfg.MaxAttempts = max(attempts, 1)
	cfg.OnRetry = resilience.RetryLogger("pems.session", "login")

	res := resilience.DoVal(ctx, cfg, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, s.tryLogin(ctx, form, baseline.Body)
	})
	if !res.OK() {
		return &AuthError{Attempts: res.Attempts, Err: res.Err}
	}

	s.log.Info("logged in", zap.Int("attempts", res.Attempts))
	return nil
}

func (s *Session) tryLogin(ctx context.Context, form *loginForm, baseline []byte) error {
	if _, err := s.browser.Submit(ctx, form.action, form.values); err != nil {
		// A failed submit can still have set the session cookie.
		s.log.Debug("login submit failed", zap.Error(err))
	}

	page, err := s.browser.Open(ctx, s.loginURL())
	if err != nil {
		return eris.Wrap(err, "reopen login page")
	}
	if page.StatusCode != http.StatusOK {
		return eris.Errorf("login page returned status %d", page.StatusCode)
	}
	if bytes.Equal(page.Body, baseline) {
		return eris.New("login page unchanged after submit")
	}
	return nil
}

type loginForm struct {
	action string
	values url.Values
}

// parseLoginForm reads the first <form> of the page: its resolved action and
// the default values of its inputs, including the first named submit button.
func parseLoginForm(page *fetcher.Page) (*loginForm, error) {
	doc, err := html.Parse(bytes.NewReader(page.Body))
	if err != nil {
		return nil, eris.Wrap(err, "parse login page")
	}

	formNode := findElement(doc, "form")
	if formNode == nil {
		return nil, eris.New("login page has no form")
	}

	base, err := url.Parse(page.URL)
	if err != nil {
		return nil, eris.Wrap(err, "parse login page url")
	}
	action := base
	if a := attr(formNode, "action"); a != "" {
		ref, err := url.Parse(a)
		if err != nil {
			return nil, eris.Wrapf(err, "parse form action %q", a)
		}
		action = base.ResolveReference(ref)
	}

	f := &loginForm{action: action.String(), values: url.Values{}}
	submitted := false
	walk(formNode, func(n *html.Node) {
		if n.Data != "input" {
			return
		}
		name := attr(n, "name")
		if name == "" {
			return
		}
		switch strings.ToLower(attr(n, "type")) {
		case "submit", "image":
			if !submitted {
				f.values.Set(name, attr(n, "value"))
				submitted = true
			}
		case "checkbox", "radio":
			if hasAttr(n, "checked") {
				f.values.Add(name, attr(n, "value"))
			}
		default:
			f.values.Set(name, attr(n, "value"))
		}
	})
	return f, nil
}

func findElement(n *html.Node, tag string) *html.Node {
	if n.Type == html.ElementNode && n.Data == tag {
		return n
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if found := findElement(c, tag); found != nil {
			return found
		}
	}
	return nil
}

func walk(n *html.Node, fn func(*html.Node)) {
	if n.Type == html.ElementNode {
		fn(n)
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		walk(c, fn)
	}
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func hasAttr(n *html.Node, key string) bool {
	for _, a := range n.Attr {
		if a.Key == key {
			return true
		}
	}
	return false
}
