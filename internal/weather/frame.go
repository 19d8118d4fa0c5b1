package weather

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/pems-cli/internal/store"
)

// DatetimeColumn carries "{day} {hour}" for every flattened hour.
const DatetimeColumn = "datetime"

// textColumns hold lists in the payload and are always stored as text.
var textColumns = map[string]bool{"preciptype": true, "stations": true}

// Frame is the flattened hourly table: one column list and one value slice
// per hour, typed per column.
type Frame struct {
	Columns []store.ColumnDef
	Rows    [][]any
}

// Schema names the frame's columns as a table.
func (f *Frame) Schema(table string) store.TableSchema {
	return store.TableSchema{Name: table, Columns: f.Columns}
}

// ColumnNames returns the column names in order.
func (f *Frame) ColumnNames() []string {
	return f.Schema("").ColumnNames()
}

// Flatten turns days[].hours[] into a Frame. Column order is the order keys
// first appear. Each hour's datetime is prefixed with its day's date.
func Flatten(resp *Response) (*Frame, error) {
	var (
		names   []string
		seen    = make(map[string]bool)
		records []map[string]any
	)
	for _, day := range resp.Days {
		for i, raw := range day.Hours {
			keys, rec, err := decodeOrdered(raw)
			if err != nil {
				return nil, eris.Wrapf(err, "weather: hour %d of %s", i, day.Datetime)
			}
			hour, ok := rec[DatetimeColumn].(string)
			if !ok {
				return nil, eris.Errorf("weather: hour %d of %s has no datetime", i, day.Datetime)
			}
			rec[DatetimeColumn] = day.Datetime + " " + hour
			for _, k := range keys {
				if !seen[k] {
					seen[k] = true
					names = append(names, k)
				}
			}
			records = append(records, rec)
		}
	}

	f := &Frame{Columns: make([]store.ColumnDef, len(names))}
	for i, name := range names {
		f.Columns[i] = store.ColumnDef{Name: name, Type: inferType(name, records)}
	}
	f.Rows = make([][]any, len(records))
	for r, rec := range records {
		row := make([]any, len(names))
		for i, c := range f.Columns {
			row[i] = convert(rec[c.Name], c.Type)
		}
		f.Rows[r] = row
	}
	return f, nil
}

// decodeOrdered decodes one JSON object keeping its key order. Numbers stay
// json.Number so integers and reals can be told apart.
func decodeOrdered(raw json.RawMessage) ([]string, map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	tok, err := dec.Token()
	if err != nil {
		return nil, nil, eris.Wrap(err, "decode hour")
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return nil, nil, eris.Errorf("hour is not an object: %v", tok)
	}

	var keys []string
	rec := make(map[string]any)
	for dec.More() {
		kt, err := dec.Token()
		if err != nil {
			return nil, nil, eris.Wrap(err, "decode hour key")
		}
		key := kt.(string)
		var v any
		if err := dec.Decode(&v); err != nil {
			return nil, nil, eris.Wrapf(err, "decode hour field %s", key)
		}
		if _, dup := rec[key]; !dup {
			keys = append(keys, key)
		}
		rec[key] = v
	}
	return keys, rec, nil
}

func isInteger(n json.Number) bool {
	return !strings.ContainsAny(string(n), ".eE")
}

// inferType picks INTEGER when every value is an integer, REAL when every
// non-null value is a number, TIMESTAMP for the datetime column and TEXT
// otherwise. A missing key counts as null, so an integer column with gaps
// is REAL.
func inferType(name string, records []map[string]any) string {
	if name == DatetimeColumn {
		return store.TypeTimestamp
	}
	if textColumns[name] {
		return store.TypeText
	}

	ints, numbers, nulls := 0, 0, 0
	for _, rec := range records {
		switch v := rec[name].(type) {
		case nil:
			nulls++
		case json.Number:
			numbers++
			if isInteger(v) {
				ints++
			}
		default:
			return store.TypeText
		}
	}
	switch {
	case numbers == 0:
		return store.TypeText
	case ints == numbers && nulls == 0:
		return store.TypeInteger
	default:
		return store.TypeReal
	}
}

func convert(v any, typ string) any {
	if v == nil {
		return nil
	}
	switch typ {
	case store.TypeInteger:
		if i, err := v.(json.Number).Int64(); err == nil {
			return i
		}
	case store.TypeReal:
		if f, err := v.(json.Number).Float64(); err == nil {
			return f
		}
	}
	switch x := v.(type) {
	case string:
		return x
	case json.Number:
		return x.String()
	case bool:
		return strconv.FormatBool(x)
	default:
		b, err := json.Marshal(x)
		if err != nil {
			return nil
		}
		return string(b)
	}
}
