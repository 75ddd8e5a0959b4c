package cli

import (
	"io"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/muesli/reflow/ansi"
	"github.com/muesli/reflow/truncate"
)

// DefaultColumnWidth bounds text-mode cells.
const DefaultColumnWidth = 40

// Table renders tabular data using go-pretty.
// Created via Output.Table().
type Table struct {
	out      *Output
	meta     Meta
	headers  []string
	rows     [][]string
	maxWidth int
}

// AddRow adds a row of values. Should match header count.
func (t *Table) AddRow(values ...string) *Table {
	t.rows = append(t.rows, values)
	return t
}

// MaxWidth truncates text-mode cells longer than n. Zero disables it.
func (t *Table) MaxWidth(n int) *Table {
	t.maxWidth = n
	return t
}

// Len returns the number of rows.
func (t *Table) Len() int {
	return len(t.rows)
}

// Render outputs the table in the configured format.
func (t *Table) Render() error {
	return t.out.Render(t)
}

// Meta returns the table metadata.
func (t *Table) Meta() Meta {
	return t.meta
}

// RenderText writes an ASCII table using go-pretty.
func (t *Table) RenderText(w io.Writer) error {
	tw := t.newTableWriter(t.maxWidth)
	tw.SetStyle(table.StyleLight)
	_, err := io.WriteString(w, tw.Render()+"\n")
	return err
}

// RenderJSON returns the data as an array of objects.
func (t *Table) RenderJSON() any {
	result := make([]map[string]string, 0, len(t.rows))
	for _, row := range t.rows {
		obj := make(map[string]string)
		for i, h := range t.headers {
			if i < len(row) {
				obj[toJSONKey(h)] = row[i]
			}
		}
		result = append(result, obj)
	}
	return result
}

// RenderMarkdown writes a markdown table using go-pretty.
func (t *Table) RenderMarkdown(w io.Writer) error {
	tw := t.newTableWriter(0)
	_, err := io.WriteString(w, tw.RenderMarkdown()+"\n")
	return err
}

func (t *Table) newTableWriter(maxWidth int) table.Writer {
	tw := table.NewWriter()

	headerRow := make(table.Row, len(t.headers))
	for i, h := range t.headers {
		headerRow[i] = h
	}
	tw.AppendHeader(headerRow)

	for _, row := range t.rows {
		tableRow := make(table.Row, len(row))
		for i, cell := range row {
			tableRow[i] = Truncate(cell, maxWidth)
		}
		tw.AppendRow(tableRow)
	}

	return tw
}

// Truncate shortens s to at most width cells, ending in "…". A width of
// zero or less returns s unchanged.
func Truncate(s string, width int) string {
	if width <= 0 || ansi.PrintableRuneWidth(s) <= width {
		return s
	}
	return truncate.StringWithTail(s, uint(width), "…")
}

// toJSONKey converts a header to a JSON key (lowercase, underscores).
func toJSONKey(s string) string {
	return strings.ToLower(strings.ReplaceAll(s, " ", "_"))
}
