package reindex

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/hartmut-co-uk/pg-reindex-concurrently/internal/catalog"
	"github.com/hartmut-co-uk/pg-reindex-concurrently/internal/logx"
)

// Report aggregates the outcome of one batch run. Always produced, even
// when the run halts early.
type Report struct {
	Results     []Result
	NotFound    []string // named targets that failed resolution
	Ignored     []string // indexes excluded by the ignore list
	Started     time.Time
	Elapsed     time.Duration
	SizeBefore  int64 // total, swapped indexes only
	SizeAfter   int64
	Interrupted bool // halted by the deadline before all descriptors ran
}

// Count returns the number of results with the given status.
func (r *Report) Count(st Status) int {
	n := 0
	for _, res := range r.Results {
		if res.Status == st {
			n++
		}
	}
	return n
}

// Reclaimed returns the total bytes freed by swapped indexes. Negative when
// replacements came out larger.
func (r *Report) Reclaimed() int64 {
	return r.SizeBefore - r.SizeAfter
}

// Print writes the human-readable aggregate report.
func (r *Report) Print(w io.Writer) {
	fmt.Fprintf(w, "Took %s\n", FormatDuration(r.Elapsed))
	fmt.Fprintf(w, "Total index bloat reduced: %s\n", BloatStats(r.SizeBefore, r.SizeAfter))

	for _, res := range r.Results {
		switch res.Status {
		case StatusSwapped, StatusDryRun:
			fmt.Fprintf(w, "  %s.%s: %s, attempts=%d, %s\n",
				res.Table, res.Index, res.Status, res.Attempts,
				BloatStats(res.SizeBefore, res.SizeAfter))
		default:
			fmt.Fprintf(w, "  %s.%s: %s, attempts=%d\n",
				res.Table, res.Index, res.Status, res.Attempts)
		}
	}

	fmt.Fprintf(w, "...%d/%d indexes reindexed\n", r.Count(StatusSwapped), len(r.Results))
	fmt.Fprintf(w, "...%d indexes failed\n", r.Count(StatusFailed))
	fmt.Fprintf(w, "...%d indexes skipped due to time limit\n", r.Count(StatusSkipped))
	fmt.Fprintf(w, "...%d indexes skipped cause ignored\n", len(r.Ignored))
	fmt.Fprintf(w, "...%d indexes omitted cause not found\n", len(r.NotFound))
	if n := r.Count(StatusDryRun); n > 0 {
		fmt.Fprintf(w, "...%d indexes dry-run only\n", n)
	}
}

// Summary returns the one-line closing verdict for the run.
func (r *Report) Summary() string {
	switch {
	case len(r.Results) == 0:
		return "No indexes were found to reindex"
	case r.Interrupted:
		return "Reindexing interrupted early (time limit reached)"
	default:
		return "All indexes/tables reindexed"
	}
}

// BatchOpts holds parameters for creating a Batch.
type BatchOpts struct {
	Engine *Engine
	Budget *Budget
	Log    *logx.Logger
	Pause  time.Duration // pause between descriptors
}

// Batch iterates a resolved descriptor list in order, one index at a time.
// Concurrent builds are resource-intensive; running them in parallel
// against a live database would defeat the point.
type Batch struct {
	engine *Engine
	budget *Budget
	log    *logx.Logger
	pause  time.Duration

	sleep func(time.Duration)
}

// NewBatch creates a Batch with the given options.
func NewBatch(opts BatchOpts) (*Batch, error) {
	if opts.Engine == nil {
		return nil, fmt.Errorf("reindex: engine is required")
	}
	if opts.Budget == nil {
		return nil, fmt.Errorf("reindex: budget is required")
	}
	if opts.Log == nil {
		return nil, fmt.Errorf("reindex: log is required")
	}
	return &Batch{
		engine: opts.Engine,
		budget: opts.Budget,
		log:    opts.Log,
		pause:  opts.Pause,
		sleep:  time.Sleep,
	}, nil
}

// Run processes the resolution's descriptors and returns the aggregate
// Report. The Report is valid even when Run returns an error: a fatal
// session error aborts the remaining work but keeps what completed.
func (b *Batch) Run(ctx context.Context, res *catalog.Resolution) (*Report, error) {
	rep := &Report{
		Started:  time.Now(),
		NotFound: res.NotFound,
		Ignored:  res.Ignored,
	}
	defer func() { rep.Elapsed = time.Since(rep.Started) }()

	for _, name := range res.NotFound {
		b.log.Warnf("Target %s does not exist, omit", name)
	}
	for _, name := range res.Ignored {
		b.log.Infof("Skipping %s (index in 'ignore-indexes' list)", name)
	}

	for i, desc := range res.Descriptors {
		if b.budget.Expired() {
			b.log.Verbosef("Reached time limit. Exiting.")
			b.skipRemaining(rep, res.Descriptors[i:])
			rep.Interrupted = true
			break
		}

		b.log.Infof("Working on index %s", desc.Name)
		result := b.engine.Process(ctx, desc)
		rep.Results = append(rep.Results, result)

		if result.Status == StatusSwapped || result.Status == StatusDryRun {
			rep.SizeBefore += result.SizeBefore
			rep.SizeAfter += result.SizeAfter
		}
		if result.Err != nil {
			b.skipRemaining(rep, res.Descriptors[i+1:])
			rep.Interrupted = true
			return rep, fmt.Errorf("reindex: index %s: %w", desc.Name, result.Err)
		}

		if i < len(res.Descriptors)-1 && b.pause > 0 && !b.budget.Expired() {
			b.log.Verbosef("Completed, sleeping for %s.", b.pause)
			b.sleep(b.pause)
		}
	}
	return rep, nil
}

// skipRemaining records not-yet-started descriptors as skipped without
// invoking the engine.
func (b *Batch) skipRemaining(rep *Report, descs []catalog.IndexDescriptor) {
	for _, desc := range descs {
		rep.Results = append(rep.Results, Result{
			Table:  desc.Table,
			Index:  desc.Name,
			Status: StatusSkipped,
		})
	}
}
