package report

import (
	"regexp"
	"strings"

	"github.com/spf13/cast"
)

// Func is an aggregation function.
type Func string

// Aggregation functions.
const (
	FuncCount         Func = "count"
	FuncDistinctCount Func = "distinct_count"
	FuncMean          Func = "mean"
	FuncMin           Func = "min"
	FuncMax           Func = "max"
	// FuncPercentage is 100 * matching group records / all records.
	FuncPercentage Func = "percentage"
)

// Op is a condition operator.
type Op string

// Condition operators. gt, gte, lt and lte compare numerically.
const (
	OpEq       Op = "eq"
	OpNe       Op = "ne"
	OpPrefix   Op = "prefix"
	OpContains Op = "contains"
	OpGt       Op = "gt"
	OpGte      Op = "gte"
	OpLt       Op = "lt"
	OpLte      Op = "lte"
)

// Condition filters the records a metric sees.
type Condition struct {
	Field    string `yaml:"field" json:"field"`
	Op       Op     `yaml:"op" json:"op"`
	Value    string `yaml:"value" json:"value"`
	FoldCase bool   `yaml:"fold_case" json:"fold_case,omitempty"`
}

// MetricSpec declares one aggregate: a function over the records passing
// Where, grouped by the GroupBy tuple.
type MetricSpec struct {
	Name    string      `yaml:"name" json:"name"`
	Func    Func        `yaml:"func" json:"func"`
	Field   string      `yaml:"field" json:"field,omitempty"`
	GroupBy []string    `yaml:"group_by" json:"group_by,omitempty"`
	Where   []Condition `yaml:"where" json:"where,omitempty"`
	// FoldCase lowercases group key values and distinct values.
	FoldCase bool `yaml:"fold_case" json:"fold_case,omitempty"`
	// Top keeps the highest-valued groups and ranks them.
	Top int `yaml:"top" json:"top,omitempty"`
	// KeepTies ranks with gaps (1, 1, 3) and keeps every group ranked
	// within Top instead of truncating to exactly Top groups.
	KeepTies bool `yaml:"keep_ties" json:"keep_ties,omitempty"`
}

func (f Func) valid() bool {
	switch f {
	case FuncCount, FuncDistinctCount, FuncMean, FuncMin, FuncMax, FuncPercentage:
		return true
	}
	return false
}

// needsField reports whether the function aggregates a field value.
func (f Func) needsField() bool {
	switch f {
	case FuncDistinctCount, FuncMean, FuncMin, FuncMax:
		return true
	}
	return false
}

func (o Op) valid() bool {
	switch o {
	case OpEq, OpNe, OpPrefix, OpContains, OpGt, OpGte, OpLt, OpLte:
		return true
	}
	return false
}

func (o Op) numeric() bool {
	switch o {
	case OpGt, OpGte, OpLt, OpLte:
		return true
	}
	return false
}

var bandPattern = regexp.MustCompile(`^\[\s*(\d+)\s*-\s*\d+\s*\]$`)

// numericValue parses a number, reading an age band such as "[61-70]" as its
// lower bound.
func numericValue(s string) (float64, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	if m := bandPattern.FindStringSubmatch(s); m != nil {
		s = m[1]
	}
	v, err := cast.ToFloat64E(s)
	if err != nil {
		return 0, false
	}
	return v, true
}
