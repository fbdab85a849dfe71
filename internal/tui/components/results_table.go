package components

import (
	"fmt"
	"io"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"github.com/ridekit/testexec/internal/results"
	"github.com/ridekit/testexec/internal/testrun"
)

const maxMessageWidth = 72

// TableOpt configures RenderResultsTable.
type TableOpt func(*tableOptions)

type tableOptions struct {
	color bool
}

// WithTableColor toggles ANSI colour in the rendered table.
func WithTableColor(enabled bool) TableOpt {
	return func(options *tableOptions) {
		options.color = enabled
	}
}

// RenderResultsTable writes one row per test in the order the run selected them.
func RenderResultsTable(w io.Writer, rows []results.Result, opts ...TableOpt) {
	options := tableOptions{color: true}
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}

	if len(rows) == 0 {
		fmt.Fprintln(w, paint(options, text.FgYellow, "No tests selected"))
		return
	}

	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleRounded)
	t.AppendHeader(table.Row{"SUITE", "TEST", "STATUS", "MESSAGE"})
	for _, row := range rows {
		status := row.Status.String()
		if options.color {
			status = RenderStatusBadge(status, WithBadgeBold(true))
		}
		t.AppendRow(table.Row{row.ID.Suite, row.ID.Name, status, truncate(row.Message, maxMessageWidth)})
	}
	t.Render()
}

// SummaryLine renders the pass/fail tally of a run.
func SummaryLine(counts map[testrun.TestStatus]int, exitCode int, color bool) string {
	options := tableOptions{color: color}
	parts := []string{
		paint(options, text.FgGreen, fmt.Sprintf("%d passed", counts[testrun.StatusPassed])),
		paint(options, text.FgRed, fmt.Sprintf("%d failed", counts[testrun.StatusFailed])),
		paint(options, text.FgHiBlack, fmt.Sprintf("%d skipped", counts[testrun.StatusSkipped])),
	}
	if notRun := counts[testrun.StatusNotRun]; notRun > 0 {
		parts = append(parts, paint(options, text.FgYellow, fmt.Sprintf("%d not run", notRun)))
	}
	return fmt.Sprintf("%s (exit code %d)", strings.Join(parts, ", "), exitCode)
}

func paint(options tableOptions, color text.Color, value string) string {
	if !options.color {
		return value
	}
	return color.Sprint(value)
}

func truncate(value string, limit int) string {
	value = strings.Join(strings.Fields(value), " ")
	runes := []rune(value)
	if len(runes) <= limit {
		return value
	}
	return string(runes[:limit-3]) + "..."
}
