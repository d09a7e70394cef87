package transform

// TransformationSummary is the fixed-key observability record for one
// curation run.
type TransformationSummary struct {
	InputCount         int `json:"input_count"`
	OutputCount        int `json:"output_count"`
	RecordsRemoved     int `json:"records_removed"`
	DuplicatesRemoved  int `json:"duplicates_removed"`
	NullIDsRemoved     int `json:"null_ids_removed"`
	InvalidCoordinates int `json:"invalid_coordinates"`
	UnknownCategories  int `json:"unknown_categories"`
	UniqueCountries    int `json:"unique_countries"`
	UniqueStates       int `json:"unique_states"`
	UniqueTypes        int `json:"unique_types"`
}

type SummaryOption func(*TransformationSummary)

// FromReport copies the step observations of a run into the summary.
func FromReport(rep Report) SummaryOption {
	return func(s *TransformationSummary) {
		s.DuplicatesRemoved = rep.DuplicatesRemoved
		s.NullIDsRemoved = rep.NullIDsRemoved
		s.InvalidCoordinates = rep.InvalidCoordinates
		s.UnknownCategories = len(rep.Warnings)
	}
}

// FromTable fills the distinct-value counts from the curated table.
func FromTable(t *Table) SummaryOption {
	return func(s *TransformationSummary) {
		s.UniqueCountries = distinct(t, ColCountry)
		s.UniqueStates = distinct(t, ColStateProvince)
		s.UniqueTypes = distinct(t, ColBreweryType)
	}
}

// GetTransformationSummary reports the row delta of a run. Without options
// only the counts derived from inputCount and outputCount are set.
func GetTransformationSummary(inputCount, outputCount int, opts ...SummaryOption) TransformationSummary {
	s := TransformationSummary{
		InputCount:     inputCount,
		OutputCount:    outputCount,
		RecordsRemoved: inputCount - outputCount,
	}
	for _, opt := range opts {
		opt(&s)
	}
	return s
}

func distinct(t *Table, column string) int {
	seen := make(map[string]struct{})
	t.Each(func(_ int, r Row) {
		if v := r.Get(column); v != nil {
			seen[*v] = struct{}{}
		}
	})
	return len(seen)
}
