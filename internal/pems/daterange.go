package pems

import (
	"time"

	"github.com/rotisserie/eris"
)

const dateLayout = "2006-01-02"

// ExpandDateRange turns an inclusive YYYY-MM-DD window into the (year, months)
// pairs it touches. Days only matter for ordering: a start after the end
// yields an empty range without error, even within one month.
func ExpandDateRange(start, end string) (DateRange, error) {
	s, err := time.Parse(dateLayout, start)
	if err != nil {
		return DateRange{}, eris.Wrapf(err, "pems: parse start date %q", start)
	}
	e, err := time.Parse(dateLayout, end)
	if err != nil {
		return DateRange{}, eris.Wrapf(err, "pems: parse end date %q", end)
	}
	if s.After(e) {
		return DateRange{}, nil
	}
	return expand(s, e), nil
}

func expand(s, e time.Time) DateRange {
	var r DateRange
	for year := s.Year(); year <= e.Year(); year++ {
		first, last := time.January, time.December
		if year == s.Year() {
			first = s.Month()
		}
		if year == e.Year() {
			last = e.Month()
		}
		if first > last {
			continue
		}

		months := make([]time.Month, 0, last-first+1)
		for m := first; m <= last; m++ {
			months = append(months, m)
		}
		r.Years = append(r.Years, YearMonths{Year: year, Months: months})
	}
	return r
}
