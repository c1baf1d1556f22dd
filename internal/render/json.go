package render

import (
	"encoding/json"
	"io"
	"time"

	"github.com/Sternrassler/persons-etl/pkg/pipeline"
	"github.com/Sternrassler/persons-etl/pkg/record"
	"github.com/Sternrassler/persons-etl/pkg/report"
)

// JSONWriter outputs the run summary and report as indented JSON.
type JSONWriter struct {
	output io.Writer
}

// NewJSONWriter creates a JSONWriter.
func NewJSONWriter(output io.Writer) *JSONWriter {
	return &JSONWriter{output: output}
}

type jsonRun struct {
	RunID      string             `json:"run_id"`
	StartedAt  time.Time          `json:"started_at"`
	Records    int                `json:"records"`
	Duplicates []record.Duplicate `json:"duplicates"`
	Issues     []record.Issue     `json:"issues"`
	Durations  map[string]float64 `json:"durations_seconds"`
	Report     *report.Result     `json:"report"`
}

// Write implements Writer.
func (w *JSONWriter) Write(res *pipeline.RunResult) error {
	out := jsonRun{
		RunID:      res.RunID,
		StartedAt:  res.StartedAt,
		Records:    res.Records,
		Duplicates: res.Duplicates,
		Issues:     res.Issues,
		Durations:  make(map[string]float64, len(res.Durations)),
		Report:     res.Report,
	}
	if out.Duplicates == nil {
		out.Duplicates = []record.Duplicate{}
	}
	if out.Issues == nil {
		out.Issues = []record.Issue{}
	}
	for stage, d := range res.Durations {
		out.Durations[string(stage)] = d.Seconds()
	}

	enc := json.NewEncoder(w.output)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}
