package ingestion

import (
	"encoding/json"
	"fmt"
	"path/filepath"
)

const (
	ManifestFile     = "_manifest.json"
	pageFilePattern  = "page=*.jsonl.gz"
	dateDirPrefix    = "ingestion_date="
	runDirPrefix     = "run_id="
	IngestionDateFmt = "2006-01-02"
	RunIDFmt         = "20060102_150405"

	// Metadata keys added to each raw record when tagging is on.
	MetaIngestionDate = "_ingestion_date"
	MetaRunID         = "_run_id"
	MetaIngestedAt    = "_ingested_at"
)

// PageEntry is one ledger line in a run manifest.
type PageEntry struct {
	Page        int    `json:"page"`
	File        string `json:"file"`
	RecordCount int    `json:"record_count"`
	ByteSize    int64  `json:"byte_size"`
}

// Manifest is the per-run ledger written once the run is complete. Its
// presence is the only signal that a run finished.
type Manifest struct {
	IngestionDate string         `json:"ingestion_date"`
	RunID         string         `json:"run_id"`
	TotalRecords  int            `json:"total_records"`
	TotalPages    int            `json:"total_pages"`
	Pages         []PageEntry    `json:"pages"`
	WrittenAt     string         `json:"written_at"`
	Extra         map[string]any `json:"-"`
}

// RunDir is the deterministic directory for one run.
func RunDir(root, ingestionDate, runID string) string {
	return filepath.Join(root, dateDirPrefix+ingestionDate, runDirPrefix+runID)
}

// PageFileName pads to four digits; beyond 9999 pages the name widens and
// lexical order is no longer page order.
func PageFileName(page int) string {
	return fmt.Sprintf("page=%04d.jsonl.gz", page)
}

var manifestCoreKeys = map[string]bool{
	"ingestion_date": true,
	"run_id":         true,
	"total_records":  true,
	"total_pages":    true,
	"pages":          true,
	"written_at":     true,
}

// MarshalJSON flattens Extra into the top-level object. Extra never
// overrides a core key.
func (m Manifest) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(manifestCoreKeys)+len(m.Extra))
	for k, v := range m.Extra {
		if !manifestCoreKeys[k] {
			out[k] = v
		}
	}
	pages := m.Pages
	if pages == nil {
		pages = []PageEntry{}
	}
	out["ingestion_date"] = m.IngestionDate
	out["run_id"] = m.RunID
	out["total_records"] = m.TotalRecords
	out["total_pages"] = m.TotalPages
	out["pages"] = pages
	out["written_at"] = m.WrittenAt
	return json.Marshal(out)
}

func (m *Manifest) UnmarshalJSON(b []byte) error {
	type core Manifest
	var c core
	if err := json.Unmarshal(b, &c); err != nil {
		return err
	}
	var all map[string]any
	if err := json.Unmarshal(b, &all); err != nil {
		return err
	}
	*m = Manifest(c)
	for k, v := range all {
		if manifestCoreKeys[k] {
			continue
		}
		if m.Extra == nil {
			m.Extra = make(map[string]any)
		}
		m.Extra[k] = v
	}
	return nil
}
