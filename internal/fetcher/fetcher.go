package fetcher

import (
	"context"
	"io"
	"net/url"
)

// Fetcher defines the interface for downloading remote data.
type Fetcher interface {
	// Download fetches the URL and returns the response body.
	Download(ctx context.Context, rawURL string) (io.ReadCloser, error)

	// DownloadToFile fetches the URL and writes it to the given path. Returns bytes written.
	DownloadToFile(ctx context.Context, rawURL string, path string) (int64, error)
}

// Page is a fully read HTTP response, used where the caller inspects the
// status and body together (e.g. login detection).
type Page struct {
	URL        string
	StatusCode int
	Body       []byte
}

// Browser is a Fetcher that also keeps cookie state across requests and can
// submit forms.
type Browser interface {
	Fetcher

	// Open issues a GET and returns the full page regardless of status.
	Open(ctx context.Context, rawURL string) (*Page, error)

	// Submit posts form values to the given URL and returns the resulting page.
	Submit(ctx context.Context, rawURL string, form url.Values) (*Page, error)
}
