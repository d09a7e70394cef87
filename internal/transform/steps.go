package transform

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/acme-corp/brewery-pipeline/internal/ingestion"
)

// RawBrewery is a raw record narrowed to the curated columns. Each field
// holds the value exactly as decoded; nil covers both a missing key and an
// explicit null. Deprecated keys (state, street) and ingestion metadata
// (anything prefixed with "_") have no field here and are dropped.
type RawBrewery struct {
	ID            any
	Name          any
	BreweryType   any
	Address1      any
	Address2      any
	Address3      any
	City          any
	StateProvince any
	PostalCode    any
	Country       any
	Longitude     any
	Latitude      any
	Phone         any
	WebsiteURL    any
}

// SelectColumns keeps only the curated columns of each record.
func SelectColumns(records []ingestion.Record) []RawBrewery {
	out := make([]RawBrewery, len(records))
	for i, rec := range records {
		out[i] = RawBrewery{
			ID:            rec[ColID],
			Name:          rec[ColName],
			BreweryType:   rec[ColBreweryType],
			Address1:      rec[ColAddress1],
			Address2:      rec[ColAddress2],
			Address3:      rec[ColAddress3],
			City:          rec[ColCity],
			StateProvince: rec[ColStateProvince],
			PostalCode:    rec[ColPostalCode],
			Country:       rec[ColCountry],
			Longitude:     rec[ColLongitude],
			Latitude:      rec[ColLatitude],
			Phone:         rec[ColPhone],
			WebsiteURL:    rec[ColWebsiteURL],
		}
	}
	return out
}

// StandardizeTypes coerces coordinates to float64 and every other column to
// text. Unparseable coordinates become null.
func StandardizeTypes(raw []RawBrewery) []Row {
	out := make([]Row, len(raw))
	for i, r := range raw {
		out[i] = Row{
			ID:            toText(r.ID),
			Name:          toText(r.Name),
			BreweryType:   toText(r.BreweryType),
			Address1:      toText(r.Address1),
			Address2:      toText(r.Address2),
			Address3:      toText(r.Address3),
			City:          toText(r.City),
			StateProvince: toText(r.StateProvince),
			PostalCode:    toText(r.PostalCode),
			Country:       toText(r.Country),
			Longitude:     toFloat(r.Longitude),
			Latitude:      toFloat(r.Latitude),
			Phone:         toText(r.Phone),
			WebsiteURL:    toText(r.WebsiteURL),
		}
	}
	return out
}

func toText(v any) *string {
	switch x := v.(type) {
	case nil:
		return nil
	case string:
		return strPtr(x)
	case json.Number:
		return strPtr(x.String())
	case float64:
		return strPtr(strconv.FormatFloat(x, 'f', -1, 64))
	case float32:
		return strPtr(strconv.FormatFloat(float64(x), 'f', -1, 32))
	case int:
		return strPtr(strconv.Itoa(x))
	case int64:
		return strPtr(strconv.FormatInt(x, 10))
	case bool:
		return strPtr(strconv.FormatBool(x))
	case fmt.Stringer:
		return strPtr(x.String())
	}
	b, err := json.Marshal(v)
	if err != nil {
		return strPtr(fmt.Sprint(v))
	}
	return strPtr(string(b))
}

func toFloat(v any) *float64 {
	var f float64
	switch x := v.(type) {
	case nil:
		return nil
	case string:
		p, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		if err != nil {
			return nil
		}
		f = p
	case json.Number:
		p, err := strconv.ParseFloat(x.String(), 64)
		if err != nil {
			return nil
		}
		f = p
	case float64:
		f = x
	case float32:
		f = float64(x)
	case int:
		f = float64(x)
	case int64:
		f = float64(x)
	default:
		return nil
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil
	}
	return floatPtr(f)
}

// HandleNulls maps empty strings to null. Absent keys and explicit nulls are
// already nil after StandardizeTypes.
func HandleNulls(rows []Row) []Row {
	out := make([]Row, len(rows))
	for i, r := range rows {
		for _, f := range r.textFields() {
			if *f != nil && **f == "" {
				*f = nil
			}
		}
		out[i] = r
	}
	return out
}

// CleanStrings trims every text column; blank values become null.
func CleanStrings(rows []Row) []Row {
	out := make([]Row, len(rows))
	for i, r := range rows {
		for _, f := range r.textFields() {
			if *f == nil {
				continue
			}
			trimmed := strings.TrimSpace(**f)
			switch {
			case trimmed == "":
				*f = nil
			case trimmed != **f:
				*f = strPtr(trimmed)
			}
		}
		out[i] = r
	}
	return out
}

// ValidateCoordinates nulls latitudes outside [-90, 90] and longitudes
// outside [-180, 180]. Bounds are inclusive.
func ValidateCoordinates(rows []Row) []Row {
	out := make([]Row, len(rows))
	for i, r := range rows {
		if r.Latitude != nil && (*r.Latitude < -90 || *r.Latitude > 90) {
			r.Latitude = nil
		}
		if r.Longitude != nil && (*r.Longitude < -180 || *r.Longitude > 180) {
			r.Longitude = nil
		}
		out[i] = r
	}
	return out
}

// ValidationWarning flags a value that was kept but is outside the accepted
// domain. It is a data-quality note, never an error.
type ValidationWarning struct {
	Row    int    `json:"row"`
	ID     string `json:"id,omitempty"`
	Column string `json:"column"`
	Value  string `json:"value"`
	Reason string `json:"reason"`
}

func (w ValidationWarning) String() string {
	return fmt.Sprintf("row %d (id=%q): %s=%q %s", w.Row, w.ID, w.Column, w.Value, w.Reason)
}

// ValidateCategories lower-cases brewery_type and flags values outside
// ValidBreweryTypes. Flagged rows are kept unchanged apart from the case fold.
func ValidateCategories(rows []Row) ([]Row, []ValidationWarning) {
	out := make([]Row, len(rows))
	var warnings []ValidationWarning
	for i, r := range rows {
		if r.BreweryType != nil {
			lower := strings.ToLower(*r.BreweryType)
			if lower != *r.BreweryType {
				r.BreweryType = strPtr(lower)
			}
			if !ValidBreweryTypes[lower] {
				warnings = append(warnings, ValidationWarning{
					Row:    i,
					ID:     r.Identifier(),
					Column: ColBreweryType,
					Value:  lower,
					Reason: "not an accepted brewery type",
				})
			}
		}
		out[i] = r
	}
	return out, warnings
}

// CheckKeys rejects dedup keys outside the curated schema and keys listed
// twice. An empty list is valid and means the id column.
func CheckKeys(keys []string) error {
	seen := make(map[string]bool, len(keys))
	for _, k := range keys {
		if !HasColumn(k) {
			return fmt.Errorf("unknown dedup key %q", k)
		}
		if seen[k] {
			return fmt.Errorf("dedup key %q listed twice", k)
		}
		seen[k] = true
	}
	return nil
}

// Deduplicate keeps the first row for each key and drops rows whose id is
// null. keys defaults to the id column. A null key component is distinct
// from every text value, including the empty string.
//
// Ids stay unique whatever the keys: with alternate keys a row whose id was
// already kept is dropped as a duplicate too.
func Deduplicate(rows []Row, keys ...string) ([]Row, error) {
	if err := CheckKeys(keys); err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		keys = []string{ColID}
	}
	seen := make(map[string]struct{}, len(rows))
	ids := make(map[string]struct{}, len(rows))
	out := make([]Row, 0, len(rows))
	var sb strings.Builder
	for _, r := range rows {
		if r.ID == nil {
			continue
		}
		if _, dup := ids[*r.ID]; dup {
			continue
		}
		sb.Reset()
		for _, k := range keys {
			if v := r.Get(k); v != nil {
				sb.WriteByte('v')
				sb.WriteString(strconv.Quote(*v))
			} else {
				sb.WriteByte('n')
			}
			sb.WriteByte('|')
		}
		key := sb.String()
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		ids[*r.ID] = struct{}{}
		out = append(out, r)
	}
	return out, nil
}

// PreparePartitions fills null or blank country and state_province with
// UnknownPartition so every row lands in a partition.
func PreparePartitions(rows []Row) []Row {
	out := make([]Row, len(rows))
	for i, r := range rows {
		if r.Country == nil || strings.TrimSpace(*r.Country) == "" {
			r.Country = strPtr(UnknownPartition)
		}
		if r.StateProvince == nil || strings.TrimSpace(*r.StateProvince) == "" {
			r.StateProvince = strPtr(UnknownPartition)
		}
		out[i] = r
	}
	return out
}
