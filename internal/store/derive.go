package store

import (
	"fmt"
	"strings"
	"time"
)

// DerivedTimestampColumn is the generated column added after a load.
const DerivedTimestampColumn = "iso_timestamp"

const (
	rawTimestampLayout = "01/02/2006 15:04:05"
	isoTimestampLayout = "2006-01-02 15:04:05"
)

// TimestampError reports a raw clearinghouse timestamp that is not
// MM/DD/YYYY HH:MM:SS.
type TimestampError struct {
	Value  string
	Reason string
}

func (e *TimestampError) Error() string {
	return fmt.Sprintf("store: malformed timestamp %q: %s", e.Value, e.Reason)
}

// ISOTimestamp rewrites a clearinghouse timestamp, MM/DD/YYYY HH:MM:SS, as
// YYYY-MM-DD HH:MM:SS. Fields must be zero padded.
func ISOTimestamp(raw string) (string, error) {
	if len(raw) != len(rawTimestampLayout) {
		return "", &TimestampError{Value: raw, Reason: fmt.Sprintf("want %d characters, got %d", len(rawTimestampLayout), len(raw))}
	}
	for i, sep := range map[int]byte{2: '/', 5: '/', 10: ' ', 13: ':', 16: ':'} {
		if raw[i] != sep {
			return "", &TimestampError{Value: raw, Reason: fmt.Sprintf("want %q at offset %d", sep, i)}
		}
	}
	t, err := time.Parse(rawTimestampLayout, raw)
	if err != nil {
		return "", &TimestampError{Value: raw, Reason: err.Error()}
	}
	return t.Format(isoTimestampLayout), nil
}

// isoTimestampExpr is the SQL twin of ISOTimestamp over a quoted column,
// built from fixed 1-based substring offsets.
func isoTimestampExpr(quotedCol string) string {
	part := func(start, n int) string {
		return fmt.Sprintf("substr(%s, %d, %d)", quotedCol, start, n)
	}
	return strings.Join([]string{
		part(7, 4), "'-'", part(1, 2), "'-'", part(4, 2), "' '",
		part(12, 2), "':'", part(15, 2), "':'", part(18, 2),
	}, " || ")
}

// IndexName is the name CreateIndex gives an index on column.
func IndexName(column string) string {
	return "idx_" + column
}
