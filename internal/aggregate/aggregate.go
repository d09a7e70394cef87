// Package aggregate rolls the curated table up into grouped counts.
package aggregate

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/acme-corp/brewery-pipeline/internal/transform"
)

// CountColumn is the name of the count column in every aggregation.
const CountColumn = "brewery_count"

// DefaultLocationColumns is the grouping key of the main aggregation.
var DefaultLocationColumns = []string{transform.ColCountry, transform.ColStateProvince, transform.ColBreweryType}

// locationColumns sort ascending ahead of the count in ByTypeAndLocation.
var locationColumns = map[string]bool{
	transform.ColCountry:       true,
	transform.ColStateProvince: true,
	transform.ColCity:          true,
	transform.ColPostalCode:    true,
}

// CountRow is one group and its size.
type CountRow struct {
	Keys         map[string]string
	BreweryCount int64
}

// MarshalJSON flattens the keys next to brewery_count.
func (r CountRow) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(r.Keys)+1)
	for k, v := range r.Keys {
		out[k] = v
	}
	out[CountColumn] = r.BreweryCount
	return json.Marshal(out)
}

func (r *CountRow) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	dec := json.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&raw); err != nil {
		return err
	}
	r.Keys = make(map[string]string, len(raw))
	for k, v := range raw {
		if k == CountColumn {
			if err := json.Unmarshal(v, &r.BreweryCount); err != nil {
				return fmt.Errorf("%s: %w", CountColumn, err)
			}
			continue
		}
		var s string
		if err := json.Unmarshal(v, &s); err != nil {
			return fmt.Errorf("%s: %w", k, err)
		}
		r.Keys[k] = s
	}
	return nil
}

// Result is an ordered aggregation. Columns lists the grouping key followed
// by CountColumn.
type Result struct {
	Columns []string
	Rows    []CountRow
}

// Total sums brewery_count over all rows.
func (r Result) Total() int64 {
	var n int64
	for _, row := range r.Rows {
		n += row.BreweryCount
	}
	return n
}

func (r Result) Len() int { return len(r.Rows) }

// GroupColumns returns Columns without the trailing count column.
func (r Result) GroupColumns() []string {
	if len(r.Columns) == 0 {
		return nil
	}
	return r.Columns[:len(r.Columns)-1]
}

// MarshalJSON encodes the rows as an array; an empty result is [].
func (r Result) MarshalJSON() ([]byte, error) {
	if r.Rows == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(r.Rows)
}

func (r *Result) UnmarshalJSON(data []byte) error {
	return json.Unmarshal(data, &r.Rows)
}

// group counts rows by the values of cols. Rows with a nil value in any of
// the columns are skipped. keep filters rows before grouping.
func group(t *transform.Table, cols []string, keep func(transform.Row) bool) Result {
	counts := make(map[string]*CountRow)
	t.Each(func(_ int, r transform.Row) {
		if keep != nil && !keep(r) {
			return
		}
		vals := make([]string, len(cols))
		for i, c := range cols {
			v := r.Get(c)
			if v == nil {
				return
			}
			vals[i] = *v
		}
		k := compositeKey(vals)
		cr, ok := counts[k]
		if !ok {
			cr = &CountRow{Keys: make(map[string]string, len(cols))}
			for i, c := range cols {
				cr.Keys[c] = vals[i]
			}
			counts[k] = cr
		}
		cr.BreweryCount++
	})

	res := Result{
		Columns: append(append([]string(nil), cols...), CountColumn),
		Rows:    make([]CountRow, 0, len(counts)),
	}
	for _, cr := range counts {
		res.Rows = append(res.Rows, *cr)
	}
	return res
}

func compositeKey(vals []string) string {
	var b bytes.Buffer
	for _, v := range vals {
		fmt.Fprintf(&b, "%d:%s|", len(v), v)
	}
	return b.String()
}

// sortRows orders rows by asc columns, then count descending, then the
// remaining columns ascending.
func sortRows(rows []CountRow, asc, tail []string) {
	sort.SliceStable(rows, func(i, j int) bool {
		a, b := rows[i], rows[j]
		for _, c := range asc {
			if a.Keys[c] != b.Keys[c] {
				return a.Keys[c] < b.Keys[c]
			}
		}
		if a.BreweryCount != b.BreweryCount {
			return a.BreweryCount > b.BreweryCount
		}
		for _, c := range tail {
			if a.Keys[c] != b.Keys[c] {
				return a.Keys[c] < b.Keys[c]
			}
		}
		return false
	})
}

// ByTypeAndLocation counts rows per groupColumns, which default to
// DefaultLocationColumns. Location columns sort ascending, then the count
// descending, then the other columns ascending.
func ByTypeAndLocation(t *transform.Table, groupColumns ...string) (Result, error) {
	if len(groupColumns) == 0 {
		groupColumns = DefaultLocationColumns
	}
	seen := make(map[string]bool, len(groupColumns))
	var asc, tail []string
	for _, c := range groupColumns {
		if !transform.HasColumn(c) {
			return Result{}, fmt.Errorf("unknown group column %q", c)
		}
		if seen[c] {
			return Result{}, fmt.Errorf("group column %q listed twice", c)
		}
		seen[c] = true
		if locationColumns[c] {
			asc = append(asc, c)
		} else {
			tail = append(tail, c)
		}
	}

	res := group(t, groupColumns, nil)
	sortRows(res.Rows, asc, tail)
	return res, nil
}

// ByType counts rows per brewery type, largest first; ties by type name.
func ByType(t *transform.Table) Result {
	res := group(t, []string{transform.ColBreweryType}, nil)
	sortRows(res.Rows, nil, []string{transform.ColBreweryType})
	return res
}

// ByCountry counts rows per country, largest first; ties by country name.
func ByCountry(t *transform.Table) Result {
	res := group(t, []string{transform.ColCountry}, nil)
	sortRows(res.Rows, nil, []string{transform.ColCountry})
	return res
}

// ByState counts rows per (country, state_province), largest first. A
// non-empty countryFilter restricts the rows to that country; a filter that
// matches nothing gives an empty result. The filter is an exact,
// case-sensitive match against the curated value, so rows without a country
// are selected with transform.UnknownPartition ("Unknown"), not "unknown".
func ByState(t *transform.Table, countryFilter string) Result {
	var keep func(transform.Row) bool
	if countryFilter != "" {
		keep = func(r transform.Row) bool {
			return r.Country != nil && *r.Country == countryFilter
		}
	}
	cols := []string{transform.ColCountry, transform.ColStateProvince}
	res := group(t, cols, keep)
	sortRows(res.Rows, nil, cols)
	return res
}
