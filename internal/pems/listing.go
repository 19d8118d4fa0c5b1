package pems

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/pems-cli/internal/fetcher"
)

// ListingEntry is one downloadable file in a clearinghouse listing.
type ListingEntry struct {
	FileName string `json:"file_name"`
	URL      string `json:"url"`
}

// Listing maps each published month to its files. A nil Listing means the
// clearinghouse had no data for the request.
type Listing map[time.Month][]ListingEntry

// Latest returns the most recent populated month and its entries.
func (l Listing) Latest() (time.Month, []ListingEntry, bool) {
	for m := time.December; m >= time.January; m-- {
		if entries := l[m]; len(entries) > 0 {
			return m, entries, true
		}
	}
	return 0, nil, false
}

type listingResponse struct {
	Data json.RawMessage `json:"data"`
}

func (s *Session) listingURL(region, year int, kind string) string {
	return fmt.Sprintf("%s/?srq=clearinghouse&district_id=%d&yy=%d&type=%s&returnformat=text",
		s.BaseURL, region, year, kind)
}

// List fetches the clearinghouse listing for one district, year and kind.
// A response without a usable "data" object is reported as no data.
func (s *Session) List(ctx context.Context, region, year int, kind string) (Listing, error) {
	u := s.listingURL(region, year, kind)
	page, err := s.browser.Open(ctx, u)
	if err != nil {
		return nil, eris.Wrapf(err, "pems: list %s d%d %d", kind, region, year)
	}
	if page.StatusCode != http.StatusOK {
		return nil, eris.Errorf("pems: list %s d%d %d: status %d", kind, region, year, page.StatusCode)
	}

	log := s.log.With(zap.String("kind", kind), zap.Int("region", region), zap.Int("year", year))

	resp, err := fetcher.DecodeJSONBytes[listingResponse](page.Body)
	if err != nil {
		log.Warn("listing is not json, treating as no data", zap.Error(err))
		return nil, nil
	}
	data := bytes.TrimSpace(resp.Data)
	if len(data) == 0 || data[0] != '{' {
		log.Info("data not available")
		return nil, nil
	}

	var byName map[string][]ListingEntry
	if err := json.Unmarshal(data, &byName); err != nil {
		log.Warn("listing data malformed, treating as no data", zap.Error(err))
		return nil, nil
	}

	out := make(Listing, len(byName))
	for name, entries := range byName {
		m, ok := parseMonth(name)
		if !ok {
			log.Debug("ignoring listing key", zap.String("key", name))
			continue
		}
		out[m] = entries
	}
	return out, nil
}

func parseMonth(name string) (time.Month, bool) {
	t, err := time.Parse("January", name)
	if err != nil {
		return 0, false
	}
	return t.Month(), true
}
