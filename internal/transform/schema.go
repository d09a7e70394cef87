package transform

import (
	"strconv"
)

// Curated column names.
const (
	ColID            = "id"
	ColName          = "name"
	ColBreweryType   = "brewery_type"
	ColAddress1      = "address_1"
	ColAddress2      = "address_2"
	ColAddress3      = "address_3"
	ColCity          = "city"
	ColStateProvince = "state_province"
	ColPostalCode    = "postal_code"
	ColCountry       = "country"
	ColLongitude     = "longitude"
	ColLatitude      = "latitude"
	ColPhone         = "phone"
	ColWebsiteURL    = "website_url"

	// UnknownPartition replaces a missing country or state_province.
	UnknownPartition = "Unknown"
)

// ColumnType is the physical type of a curated column.
type ColumnType string

const (
	TypeString  ColumnType = "string"
	TypeFloat64 ColumnType = "float64"
)

type Column struct {
	Name string     `json:"name"`
	Type ColumnType `json:"type"`
}

// Schema is the fixed curated schema, in output order.
var Schema = []Column{
	{ColID, TypeString},
	{ColName, TypeString},
	{ColBreweryType, TypeString},
	{ColAddress1, TypeString},
	{ColAddress2, TypeString},
	{ColAddress3, TypeString},
	{ColCity, TypeString},
	{ColStateProvince, TypeString},
	{ColPostalCode, TypeString},
	{ColCountry, TypeString},
	{ColLongitude, TypeFloat64},
	{ColLatitude, TypeFloat64},
	{ColPhone, TypeString},
	{ColWebsiteURL, TypeString},
}

// ColumnNames returns the schema column names in order.
func ColumnNames() []string {
	out := make([]string, len(Schema))
	for i, c := range Schema {
		out[i] = c.Name
	}
	return out
}

// HasColumn reports whether name belongs to the curated schema.
func HasColumn(name string) bool {
	for _, c := range Schema {
		if c.Name == name {
			return true
		}
	}
	return false
}

// ValidBreweryTypes is the accepted category set.
var ValidBreweryTypes = map[string]bool{
	"micro":      true,
	"nano":       true,
	"regional":   true,
	"brewpub":    true,
	"large":      true,
	"planning":   true,
	"bar":        true,
	"contract":   true,
	"proprietor": true,
	"closed":     true,
}

// Row is one curated entity. Nil means null.
type Row struct {
	ID            *string  `json:"id"`
	Name          *string  `json:"name"`
	BreweryType   *string  `json:"brewery_type"`
	Address1      *string  `json:"address_1"`
	Address2      *string  `json:"address_2"`
	Address3      *string  `json:"address_3"`
	City          *string  `json:"city"`
	StateProvince *string  `json:"state_province"`
	PostalCode    *string  `json:"postal_code"`
	Country       *string  `json:"country"`
	Longitude     *float64 `json:"longitude"`
	Latitude      *float64 `json:"latitude"`
	Phone         *string  `json:"phone"`
	WebsiteURL    *string  `json:"website_url"`
}

// textFields lists pointers to every string column, in schema order.
func (r *Row) textFields() []**string {
	return []**string{
		&r.ID, &r.Name, &r.BreweryType, &r.Address1, &r.Address2, &r.Address3,
		&r.City, &r.StateProvince, &r.PostalCode, &r.Country, &r.Phone, &r.WebsiteURL,
	}
}

// Get returns the value of a column rendered as text, or nil for null and
// for unknown columns. Coordinates are formatted with the shortest exact
// representation.
func (r Row) Get(column string) *string {
	switch column {
	case ColID:
		return r.ID
	case ColName:
		return r.Name
	case ColBreweryType:
		return r.BreweryType
	case ColAddress1:
		return r.Address1
	case ColAddress2:
		return r.Address2
	case ColAddress3:
		return r.Address3
	case ColCity:
		return r.City
	case ColStateProvince:
		return r.StateProvince
	case ColPostalCode:
		return r.PostalCode
	case ColCountry:
		return r.Country
	case ColPhone:
		return r.Phone
	case ColWebsiteURL:
		return r.WebsiteURL
	case ColLongitude:
		return formatCoord(r.Longitude)
	case ColLatitude:
		return formatCoord(r.Latitude)
	}
	return nil
}

// Identifier returns the id, or "" when null.
func (r Row) Identifier() string {
	if r.ID == nil {
		return ""
	}
	return *r.ID
}

func formatCoord(f *float64) *string {
	if f == nil {
		return nil
	}
	s := strconv.FormatFloat(*f, 'f', -1, 64)
	return &s
}

func strPtr(s string) *string { return &s }

func floatPtr(f float64) *float64 { return &f }

// Table is the curated table handed to the aggregation engine. It owns a
// private copy of its rows and is never modified after construction.
type Table struct {
	rows []Row
}

// NewTable copies rows into a new table.
func NewTable(rows []Row) *Table {
	return &Table{rows: append([]Row(nil), rows...)}
}

// EmptyTable returns a table with the curated schema and no rows.
func EmptyTable() *Table { return &Table{} }

func (t *Table) Len() int {
	if t == nil {
		return 0
	}
	return len(t.rows)
}

// Rows returns a copy of the rows.
func (t *Table) Rows() []Row {
	if t == nil {
		return nil
	}
	return append([]Row(nil), t.rows...)
}

// Each calls fn for every row in order without copying the slice.
func (t *Table) Each(fn func(i int, r Row)) {
	if t == nil {
		return
	}
	for i, r := range t.rows {
		fn(i, r)
	}
}

// Column returns one column rendered as text.
func (t *Table) Column(name string) []*string {
	out := make([]*string, t.Len())
	t.Each(func(i int, r Row) { out[i] = r.Get(name) })
	return out
}

// Schema returns the fixed curated schema.
func (t *Table) Schema() []Column {
	return append([]Column(nil), Schema...)
}
