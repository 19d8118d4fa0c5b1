// Package pems talks to the Caltrans PeMS clearinghouse: it logs in with a
// single credential pair, lists the published files for a district, year and
// file kind, and stages them on local disk.
package pems

import (
	"fmt"
	"time"
)

// DefaultBaseURL is the public clearinghouse host.
const DefaultBaseURL = "http://pems.dot.ca.gov"

// KindMeta is the station metadata kind, which is resolved by walking back
// through earlier years.
const KindMeta = "meta"

// Credentials is the single clearinghouse account used for a run.
type Credentials struct {
	Username string
	Password string
}

// YearMonths is one year of a DateRange with its months in calendar order.
type YearMonths struct {
	Year   int
	Months []time.Month
}

// DateRange is an ordered list of years, each with the months to fetch.
type DateRange struct {
	Years []YearMonths
}

// Empty reports whether the range covers no months.
func (r DateRange) Empty() bool {
	return len(r.Years) == 0
}

// Months returns the months requested for year, or nil.
func (r DateRange) Months(year int) []time.Month {
	for _, ym := range r.Years {
		if ym.Year == year {
			return ym.Months
		}
	}
	return nil
}

// FileSpec selects one file kind for a set of districts.
type FileSpec struct {
	Regions []int
	Kind    string
}

// FileDescriptor is one clearinghouse file queued for download.
type FileDescriptor struct {
	Region    int
	Year      int
	Month     time.Month
	Kind      string
	FileName  string
	URL       string
	LocalPath string
}

func (d FileDescriptor) String() string {
	return fmt.Sprintf("%s/%s (d%d %d %s)", d.Kind, d.FileName, d.Region, d.Year, d.Month)
}
