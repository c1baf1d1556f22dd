package render

import (
	"io"
	"strconv"
	"time"

	"github.com/Sternrassler/persons-etl/pkg/pipeline"
	"github.com/nao1215/markdown"
)

// MarkdownWriter outputs the run as GitHub-flavored Markdown.
type MarkdownWriter struct {
	output io.Writer
}

// NewMarkdownWriter creates a MarkdownWriter.
func NewMarkdownWriter(output io.Writer) *MarkdownWriter {
	return &MarkdownWriter{output: output}
}

// Write implements Writer.
func (w *MarkdownWriter) Write(res *pipeline.RunResult) error {
	md := markdown.NewMarkdown(w.output)

	md.H1("Persons ETL Report")
	md.PlainText("")
	md.Table(markdown.TableSet{
		Header: []string{"Property", "Value"},
		Rows: [][]string{
			{"Run", "`" + res.RunID + "`"},
			{"Started", res.StartedAt.Format(time.RFC3339)},
			{"Records", strconv.Itoa(res.Records)},
			{"Duplicates", strconv.Itoa(len(res.Duplicates))},
			{"Anonymization issues", strconv.Itoa(len(res.Issues))},
		},
	})
	md.PlainText("")

	switch {
	case len(res.Duplicates) > 0:
		md.Warningf("%d duplicate record(s) were dropped after their first occurrence.", len(res.Duplicates))
		md.PlainText("")
	case len(res.Issues) > 0:
		md.Note("Some records lacked policy fields; placeholders were substituted.")
		md.PlainText("")
	}

	if res.Report == nil {
		return md.Build()
	}

	for _, name := range res.Report.Names() {
		m := res.Report.Metrics[name]
		md.H2(describe(name, m))
		md.PlainText("")

		withRank := ranked(m)
		header := []string{"Group", "Value", "Records"}
		if withRank {
			header = append([]string{"Rank"}, header...)
		}

		rows := make([][]string, 0, len(m.Groups))
		for _, g := range m.Groups {
			row := []string{KeyLabel(g.Key), FormatValue(g), strconv.FormatInt(g.Count, 10)}
			if withRank {
				row = append([]string{strconv.Itoa(g.Rank)}, row...)
			}
			rows = append(rows, row)
		}

		if len(rows) == 0 {
			md.PlainText("No groups.")
		} else {
			md.Table(markdown.TableSet{Header: header, Rows: rows})
		}
		md.PlainText("")
	}

	return md.Build()
}
