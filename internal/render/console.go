package render

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/Sternrassler/persons-etl/pkg/pipeline"
	"github.com/mattn/go-runewidth"
)

// ConsoleWriter prints an aligned plain-text summary.
type ConsoleWriter struct {
	output io.Writer
}

// NewConsoleWriter creates a ConsoleWriter.
func NewConsoleWriter(output io.Writer) *ConsoleWriter {
	return &ConsoleWriter{output: output}
}

// Write implements Writer.
func (w *ConsoleWriter) Write(res *pipeline.RunResult) error {
	var b strings.Builder

	fmt.Fprintf(&b, "Run %s (started %s)\n", res.RunID, res.StartedAt.Format(time.RFC3339))
	fmt.Fprintf(&b, "Records: %d  Duplicates: %d  Issues: %d\n", res.Records, len(res.Duplicates), len(res.Issues))

	if res.Report != nil {
		for _, name := range res.Report.Names() {
			m := res.Report.Metrics[name]
			fmt.Fprintf(&b, "\n%s\n", describe(name, m))

			rows := make([][]string, 0, len(m.Groups))
			withRank := ranked(m)
			for _, g := range m.Groups {
				row := []string{KeyLabel(g.Key), FormatValue(g)}
				if withRank {
					row = append([]string{strconv.Itoa(g.Rank) + "."}, row...)
				}
				rows = append(rows, row)
			}
			writeAligned(&b, rows)
		}
	}

	_, err := io.WriteString(w.output, b.String())
	return err
}

// writeAligned pads columns to their display width.
func writeAligned(b *strings.Builder, rows [][]string) {
	if len(rows) == 0 {
		b.WriteString("  (no groups)\n")
		return
	}

	widths := make([]int, len(rows[0]))
	for _, row := range rows {
		for i, cell := range row {
			if w := runewidth.StringWidth(cell); w > widths[i] {
				widths[i] = w
			}
		}
	}

	for _, row := range rows {
		b.WriteString("  ")
		for i, cell := range row {
			if i == len(row)-1 {
				b.WriteString(cell)
				continue
			}
			b.WriteString(runewidth.FillRight(cell, widths[i]))
			b.WriteString("  ")
		}
		b.WriteString("\n")
	}
}
