package pipeline

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path"

	"github.com/Sternrassler/persons-etl/pkg/record"
	"github.com/Sternrassler/persons-etl/pkg/report"
)

// Payload file names below the run directory.
const (
	RecordsFile = "records.ndjson"
	ReportFile  = "report.json"
)

// RecordsLocation returns the sink location of a run's records.
func RecordsLocation(runID string) string {
	return path.Join(runID, RecordsFile)
}

// ReportLocation returns the sink location of a run's report.
func ReportLocation(runID string) string {
	return path.Join(runID, ReportFile)
}

// EncodeRecords serializes records as NDJSON, one object per line with
// sorted keys.
func EncodeRecords(set *record.AnonymizedSet) ([]byte, error) {
	var buf bytes.Buffer
	if set == nil {
		return buf.Bytes(), nil
	}
	enc := json.NewEncoder(&buf)
	for _, rec := range set.Records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("encode record %s: %w", rec.ID, err)
		}
	}
	return buf.Bytes(), nil
}

// EncodeReport serializes a report as indented JSON with a trailing newline.
func EncodeReport(r *report.Result) ([]byte, error) {
	data, err := r.MarshalIndent()
	if err != nil {
		return nil, fmt.Errorf("encode report: %w", err)
	}
	return append(data, '\n'), nil
}
