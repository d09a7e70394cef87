package ingestion

import "sort"

// Table is a columnar view of raw records: one value slice per column, all of
// equal length. A missing key in a row is stored as absent (see Present) so a
// round trip through Records keeps "absent" and "explicit null" distinct.
type Table struct {
	columns map[string][]any
	present map[string][]bool
	rows    int
}

// NewTable builds a columnar table from row-oriented records.
func NewTable(records []Record) *Table {
	t := &Table{
		columns: make(map[string][]any),
		present: make(map[string][]bool),
		rows:    len(records),
	}
	for i, rec := range records {
		for k, v := range rec {
			col, ok := t.columns[k]
			if !ok {
				col = make([]any, len(records))
				t.columns[k] = col
				t.present[k] = make([]bool, len(records))
			}
			col[i] = v
			t.present[k][i] = true
		}
	}
	return t
}

func (t *Table) NumRows() int {
	if t == nil {
		return 0
	}
	return t.rows
}

// ColumnNames returns the column names in lexical order.
func (t *Table) ColumnNames() []string {
	if t == nil {
		return nil
	}
	names := make([]string, 0, len(t.columns))
	for k := range t.columns {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Column returns the values of one column, or nil if the column is unknown.
func (t *Table) Column(name string) []any {
	if t == nil {
		return nil
	}
	return t.columns[name]
}

// Present reports whether row i carried the key at all.
func (t *Table) Present(name string, i int) bool {
	p, ok := t.present[name]
	return ok && i >= 0 && i < len(p) && p[i]
}

// RawRecords materialises the table back into records; satisfies RawInput.
func (t *Table) RawRecords() []Record {
	if t == nil {
		return nil
	}
	out := make([]Record, t.rows)
	for i := range out {
		out[i] = make(Record, len(t.columns))
	}
	for name, col := range t.columns {
		p := t.present[name]
		for i, v := range col {
			if p[i] {
				out[i][name] = v
			}
		}
	}
	return out
}
