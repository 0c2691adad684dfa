// Package notify posts the aggregate run report to chat platforms. Posting
// only; the tool never listens for messages.
package notify

import (
	"context"
	"fmt"

	"github.com/hartmut-co-uk/pg-reindex-concurrently/internal/reindex"
)

// Notifier delivers a finished run's report to one destination.
type Notifier interface {
	Post(ctx context.Context, rep *reindex.Report) error
}

// Field is a key-value pair rendered in the report message.
type Field struct {
	Name  string
	Value string
	Short bool // hint: render side-by-side with another field
}

// Sidebar colors by run outcome.
const (
	colorSuccess = "#36a64f"
	colorWarning = "#daa038"
	colorError   = "#a30200"
)

// reportTitle is the message headline for a run report.
func reportTitle(rep *reindex.Report) string {
	return "Reindex Concurrently: " + rep.Summary()
}

// reportColor picks the sidebar color for the report.
func reportColor(rep *reindex.Report) string {
	switch {
	case rep.Count(reindex.StatusFailed) > 0:
		return colorError
	case rep.Interrupted:
		return colorWarning
	default:
		return colorSuccess
	}
}

// reportFields renders the report's numbers as message fields.
func reportFields(rep *reindex.Report) []Field {
	return []Field{
		{Name: "Reindexed", Value: fmt.Sprintf("%d/%d", rep.Count(reindex.StatusSwapped), len(rep.Results)), Short: true},
		{Name: "Failed", Value: fmt.Sprintf("%d", rep.Count(reindex.StatusFailed)), Short: true},
		{Name: "Skipped", Value: fmt.Sprintf("%d", rep.Count(reindex.StatusSkipped)), Short: true},
		{Name: "Took", Value: reindex.FormatDuration(rep.Elapsed), Short: true},
		{Name: "Bloat reduced", Value: reindex.BloatStats(rep.SizeBefore, rep.SizeAfter), Short: false},
	}
}
