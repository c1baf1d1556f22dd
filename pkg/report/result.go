package report

import (
	"encoding/json"
	"sort"
)

// Result is the report of one run: metric name to aggregate.
type Result struct {
	Records int                     `json:"records"`
	Metrics map[string]MetricResult `json:"metrics"`
}

// MetricResult holds the groups of one metric in deterministic order.
type MetricResult struct {
	Func    Func     `json:"func"`
	GroupBy []string `json:"group_by"`
	Groups  []Group  `json:"groups"`
}

// Group is one aggregate value. Value is nil exactly when Undefined is set.
type Group struct {
	Key       []string `json:"key"`
	Value     *float64 `json:"value"`
	Count     int64    `json:"count"`
	Undefined bool     `json:"undefined,omitempty"`
	Rank      int      `json:"rank,omitempty"`
}

// Scalar returns the value of an ungrouped metric.
func (m MetricResult) Scalar() (float64, bool) {
	if len(m.Groups) != 1 || m.Groups[0].Value == nil {
		return 0, false
	}
	return *m.Groups[0].Value, true
}

// Names returns metric names in sorted order.
func (r *Result) Names() []string {
	names := make([]string, 0, len(r.Metrics))
	for name := range r.Metrics {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// MarshalIndent encodes the result as indented JSON. Map keys are sorted,
// so equal results encode to identical bytes.
func (r *Result) MarshalIndent() ([]byte, error) {
	return json.MarshalIndent(r, "", "  ")
}
