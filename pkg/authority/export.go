package authority

import (
	"encoding/json"
	"fmt"
	"io"
)

// Export formats.
const (
	FormatJSON   = "json"
	FormatNDJSON = "ndjson"
)

// ExportResult reports what an export wrote.
type ExportResult struct {
	EntryCount int    `json:"entry_count"`
	Format     string `json:"format"`
}

// Export serializes the full chain to w. The json format wraps the entries
// with their count; ndjson writes one entry per line for stream consumers.
func Export(entries []Entry, w io.Writer, format string) (ExportResult, error) {
	switch format {
	case FormatJSON:
		doc := struct {
			SchemaVersion string  `json:"schema_version"`
			EntryCount    int     `json:"entry_count"`
			Entries       []Entry `json:"entries"`
		}{
			SchemaVersion: SchemaVersion,
			EntryCount:    len(entries),
			Entries:       entries,
		}
		if doc.Entries == nil {
			doc.Entries = []Entry{}
		}
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(doc); err != nil {
			return ExportResult{}, fmt.Errorf("export json: %w", err)
		}
	case FormatNDJSON:
		enc := json.NewEncoder(w)
		for i, e := range entries {
			if err := enc.Encode(e); err != nil {
				return ExportResult{}, fmt.Errorf("export ndjson entry %d: %w", i, err)
			}
		}
	default:
		return ExportResult{}, fmt.Errorf("unknown export format %q (want %s or %s)", format, FormatJSON, FormatNDJSON)
	}
	return ExportResult{EntryCount: len(entries), Format: format}, nil
}
