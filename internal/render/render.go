// Package render formats run results for people and tools: plain text for a
// terminal, Markdown for sharing and JSON for downstream processing.
package render

import (
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"

	"github.com/Sternrassler/persons-etl/pkg/pipeline"
	"github.com/Sternrassler/persons-etl/pkg/report"
)

// Output formats.
const (
	FormatText     = "text"
	FormatMarkdown = "markdown"
	FormatJSON     = "json"
)

// Writer outputs a run result.
type Writer interface {
	Write(res *pipeline.RunResult) error
}

// New returns the writer for format.
func New(format string, output io.Writer) (Writer, error) {
	switch strings.ToLower(format) {
	case "", FormatText:
		return NewConsoleWriter(output), nil
	case FormatMarkdown, "md":
		return NewMarkdownWriter(output), nil
	case FormatJSON:
		return NewJSONWriter(output), nil
	}
	return nil, fmt.Errorf("unknown output format %q (want text, markdown or json)", format)
}

// FormatValue renders a group value. Whole numbers print without decimals,
// other values with four.
func FormatValue(g report.Group) string {
	if g.Undefined || g.Value == nil {
		return "undefined"
	}
	v := *g.Value
	if v == math.Trunc(v) && math.Abs(v) < 1e15 {
		return strconv.FormatInt(int64(v), 10)
	}
	return strconv.FormatFloat(v, 'f', 4, 64)
}

// KeyLabel joins a group key for display.
func KeyLabel(key []string) string {
	if len(key) == 0 {
		return "(all)"
	}
	parts := make([]string, len(key))
	for i, k := range key {
		if k == "" {
			k = "(missing)"
		}
		parts[i] = k
	}
	return strings.Join(parts, " / ")
}

func describe(name string, m report.MetricResult) string {
	if len(m.GroupBy) == 0 {
		return fmt.Sprintf("%s (%s)", name, m.Func)
	}
	return fmt.Sprintf("%s (%s by %s)", name, m.Func, strings.Join(m.GroupBy, ", "))
}

func ranked(m report.MetricResult) bool {
	for _, g := range m.Groups {
		if g.Rank > 0 {
			return true
		}
	}
	return false
}
