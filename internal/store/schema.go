package store

import (
	"slices"

	"github.com/rotisserie/eris"
)

// Table names. The clearinghouse file kind doubles as the table name.
const (
	TableStation5Min  = "station_5min"
	TableMeta         = "meta"
	TableCHPIncidents = "chp_incidents_month"
	TableWeather      = "weather"
)

// Column types understood by both backends.
const (
	TypeInteger   = "INTEGER"
	TypeReal      = "REAL"
	TypeText      = "TEXT"
	TypeTimestamp = "TIMESTAMP"
)

// ColumnDef describes one column.
type ColumnDef struct {
	Name          string
	Type          string
	PrimaryKey    bool
	AutoIncrement bool
}

// TableSchema is an ordered column list for one table.
type TableSchema struct {
	Name    string
	Columns []ColumnDef
}

// ColumnNames returns every column name in order.
func (t TableSchema) ColumnNames() []string {
	names := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		names[i] = c.Name
	}
	return names
}

// Type returns the declared type of a column.
func (t TableSchema) Type(column string) (string, bool) {
	for _, c := range t.Columns {
		if c.Name == column {
			return c.Type, true
		}
	}
	return "", false
}

func pk(autoIncrement bool) ColumnDef {
	return ColumnDef{Name: "id", Type: TypeInteger, PrimaryKey: true, AutoIncrement: autoIncrement}
}

func cols(pairs ...string) []ColumnDef {
	out := make([]ColumnDef, 0, len(pairs)/2)
	for i := 0; i+1 < len(pairs); i += 2 {
		out = append(out, ColumnDef{Name: pairs[i], Type: pairs[i+1]})
	}
	return out
}

// Station5Min holds 5-minute station readings.
var Station5Min = TableSchema{
	Name: TableStation5Min,
	Columns: append([]ColumnDef{pk(true)}, cols(
		"timestamp", TypeText,
		"station", TypeInteger,
		"district", TypeInteger,
		"freeway", TypeInteger,
		"direction_of_travel", TypeText,
		"lane_type", TypeText,
		"station_length", TypeReal,
		"samples", TypeInteger,
		"pct_observed", TypeReal,
		"total_flow", TypeInteger,
		"avg_occupancy", TypeReal,
		"avg_speed", TypeReal,
		"lane_n_samples", TypeInteger,
		"lane_n_flow", TypeInteger,
		"lane_n_avg_occupancy", TypeReal,
		"lane_n_avg_speed", TypeReal,
		"lane_n_observed", TypeInteger,
	)...),
}

// Meta holds station metadata snapshots.
var Meta = TableSchema{
	Name: TableMeta,
	Columns: append([]ColumnDef{pk(false)}, cols(
		"freeway_id", TypeInteger,
		"freeway", TypeInteger,
		"freeway_direction", TypeText,
		"district", TypeText,
		"county", TypeText,
		"city", TypeText,
		"state_pm", TypeText,
		"absolute_pm", TypeText,
		"latitude", TypeReal,
		"longitude", TypeReal,
		"length", TypeReal,
		"type", TypeText,
		"lanes", TypeInteger,
		"name", TypeText,
		"user_id1", TypeText,
		"user_id2", TypeText,
		"user_id3", TypeText,
	)...),
}

// CHPIncidents holds monthly CHP incident records.
var CHPIncidents = TableSchema{
	Name: TableCHPIncidents,
	Columns: append([]ColumnDef{pk(true)}, cols(
		"incident_id", TypeInteger,
		"cc_code", TypeText,
		"incident_no", TypeInteger,
		"timestamp", TypeText,
		"description", TypeText,
		"location", TypeText,
		"area", TypeText,
		"zoom_map", TypeText,
		"tb_xy", TypeText,
		"latitude", TypeReal,
		"longitude", TypeReal,
		"district", TypeInteger,
		"county_id", TypeInteger,
		"city_id", TypeInteger,
		"freeway_no", TypeInteger,
		"freeway_direction", TypeText,
		"state_pm", TypeText,
		"absolute_pm", TypeText,
		"severity", TypeText,
		"duration", TypeReal,
	)...),
}

// Tables lists the tables ResetSchema drops and recreates.
var Tables = []TableSchema{Station5Min, Meta, CHPIncidents}

// Lookup returns the fixed schema for a file kind.
func Lookup(kind string) (TableSchema, error) {
	i := slices.IndexFunc(Tables, func(t TableSchema) bool { return t.Name == kind })
	if i < 0 {
		return TableSchema{}, eris.Wrapf(ErrUnknownTable, "store: %q", kind)
	}
	return Tables[i], nil
}
