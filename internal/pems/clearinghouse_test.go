package pems

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sells-group/pems-cli/internal/resilience"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

const loginPage = `<html><body>
<form method="post" action="/">
  <input type="hidden" name="redirect" value="">
  <input type="text" name="username">
  <input type="password" name="password">
  <input type="submit" name="login" value="Login">
</form>
</body></html>`

// fakeClearinghouse serves the login form, listings and file downloads the
// way the PeMS clearinghouse does.
type fakeClearinghouse struct {
	user, pass string

	mu            sync.Mutex
	rejectLogins  int
	submissions   int
	listings      map[string]string
	files         map[string]string
	failDownloads map[string]bool
	listCalls     []string
	downloads     []string
}

func newFakeClearinghouse() *fakeClearinghouse {
	return &fakeClearinghouse{
		user:          "alice",
		pass:          "s3cret",
		listings:      make(map[string]string),
		files:         make(map[string]string),
		failDownloads: make(map[string]bool),
	}
}

func listingKey(region, year int, kind string) string {
	return fmt.Sprintf("%d/%d/%s", region, year, kind)
}

// addListing registers entries by month name, each entry being a file name
// that is also served for download.
func (c *fakeClearinghouse) addListing(region, year int, kind string, months map[string][]string) {
	var parts []string
	for month, names := range months {
		var entries []string
		for _, n := range names {
			entries = append(entries, fmt.Sprintf(`{"file_name":%q,"url":"/?download=%s"}`, n, n))
			c.files[n] = "content of " + n
		}
		parts = append(parts, fmt.Sprintf("%q:[%s]", month, strings.Join(entries, ",")))
	}
	c.listings[listingKey(region, year, kind)] = `{"data":{` + strings.Join(parts, ",") + `}}`
}

func (c *fakeClearinghouse) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	c.mu.Lock()
	defer c.mu.Unlock()

	q := r.URL.Query()
	switch {
	case r.Method == http.MethodPost:
		_ = r.ParseForm()
		c.submissions++
		if c.rejectLogins > 0 {
			c.rejectLogins--
			_, _ = w.Write([]byte(loginPage))
			return
		}
		if r.PostForm.Get("username") == c.user && r.PostForm.Get("password") == c.pass &&
			r.PostForm.Get("login") == "Login" {
			http.SetCookie(w, &http.Cookie{Name: "PHPSESSID", Value: "ok", Path: "/"})
		}
		_, _ = w.Write([]byte("redirecting"))

	case q.Get("dnode") == "Clearinghouse":
		if ck, err := r.Cookie("PHPSESSID"); err == nil && ck.Value == "ok" {
			_, _ = w.Write([]byte("<html>Welcome to the clearinghouse</html>"))
			return
		}
		_, _ = w.Write([]byte(loginPage))

	case q.Get("srq") == "clearinghouse":
		key := fmt.Sprintf("%s/%s/%s", q.Get("district_id"), q.Get("yy"), q.Get("type"))
		c.listCalls = append(c.listCalls, key)
		if body, ok := c.listings[key]; ok {
			_, _ = w.Write([]byte(body))
			return
		}
		_, _ = w.Write([]byte(`{"error":"no files"}`))

	case q.Get("download") != "":
		name := q.Get("download")
		c.downloads = append(c.downloads, name)
		if c.failDownloads[name] {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		body, ok := c.files[name]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = w.Write([]byte(body))

	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (c *fakeClearinghouse) calls() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.listCalls...)
}

func testSessionOptions(baseURL string) SessionOptions {
	return SessionOptions{
		BaseURL:           baseURL,
		RequestsPerSecond: 1000,
		Backoff: resilience.RetryConfig{
			InitialBackoff: time.Millisecond,
			MaxBackoff:     5 * time.Millisecond,
			Multiplier:     2,
		},
	}
}

func newTestSession(t *testing.T, fake *fakeClearinghouse) (*Session, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	s, err := NewSession(testSessionOptions(srv.URL))
	require.NoError(t, err)
	return s, srv
}

func (c *fakeClearinghouse) submitted() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.submissions
}
