// Package reindex implements the online index rebuild workflow: a per-index
// state machine that builds a replacement index concurrently, validates it,
// retries or cleans up on failure, and atomically swaps it in, all under a
// shared wall-clock budget.
package reindex

import (
	"context"
	"fmt"
	"time"

	"github.com/hartmut-co-uk/pg-reindex-concurrently/internal/catalog"
	"github.com/hartmut-co-uk/pg-reindex-concurrently/internal/db"
	"github.com/hartmut-co-uk/pg-reindex-concurrently/internal/logx"
)

// enforceGrace extends the enforce-time cutoff so an abandoned invalid
// build can still be cleaned up before the run ends.
const enforceGrace = 30 * time.Second

// Session is the database capability the engine drives.
type Session interface {
	db.Executor
	db.Canceller
}

// Status is the terminal outcome for one descriptor.
type Status string

const (
	StatusSwapped Status = "swapped"
	StatusSkipped Status = "skipped"
	StatusFailed  Status = "failed"
	StatusDryRun  Status = "dry-run"
)

// state is the engine's position in the per-index workflow.
type state int

const (
	statePending state = iota
	stateBuilding
	stateValidating
	stateSwapping
	stateCleaningUp
	stateDone
)

// Result is the terminal outcome for one descriptor. Err is set only for
// fatal session errors, which abort the whole batch.
type Result struct {
	Table      string
	Index      string
	Status     Status
	Attempts   int
	SizeBefore int64
	SizeAfter  int64
	Elapsed    time.Duration
	Err        error
}

// EngineOpts holds parameters for creating an Engine.
type EngineOpts struct {
	Session   Session
	Inspector *catalog.Inspector
	Budget    *Budget
	Log       *logx.Logger
	Retries   int           // rebuild attempts after the first, per index
	Pause     time.Duration // pause between attempts
	DryRun    bool
}

// Engine drives the rebuild state machine for one index at a time.
type Engine struct {
	session Session
	insp    *catalog.Inspector
	budget  *Budget
	log     *logx.Logger
	retries int
	pause   time.Duration
	dryRun  bool

	grace time.Duration
	sleep func(time.Duration)
}

// NewEngine creates an Engine with the given options.
func NewEngine(opts EngineOpts) (*Engine, error) {
	if opts.Session == nil {
		return nil, fmt.Errorf("reindex: session is required")
	}
	if opts.Inspector == nil {
		return nil, fmt.Errorf("reindex: inspector is required")
	}
	if opts.Budget == nil {
		return nil, fmt.Errorf("reindex: budget is required")
	}
	if opts.Log == nil {
		return nil, fmt.Errorf("reindex: log is required")
	}
	if opts.Retries < 0 {
		return nil, fmt.Errorf("reindex: retries must not be negative")
	}
	return &Engine{
		session: opts.Session,
		insp:    opts.Inspector,
		budget:  opts.Budget,
		log:     opts.Log,
		retries: opts.Retries,
		pause:   opts.Pause,
		dryRun:  opts.DryRun,
		grace:   enforceGrace,
		sleep:   time.Sleep,
	}, nil
}

// Process runs the state machine for one descriptor and returns its
// terminal Result. The database is the single source of truth: every
// transition that matters is a statement against it, and each statement is
// logged before it runs.
func (e *Engine) Process(ctx context.Context, desc catalog.IndexDescriptor) Result {
	start := time.Now()
	res := Result{Table: desc.Table, Index: desc.Name}

	st := statePending
	for st != stateDone {
		switch st {
		case statePending:
			st = e.pending(ctx, desc, &res)
		case stateBuilding:
			st = e.building(ctx, desc, &res)
		case stateValidating:
			st = e.validating(ctx, desc, &res)
		case stateCleaningUp:
			st = e.cleaningUp(ctx, desc, &res)
		case stateSwapping:
			st = e.swapping(ctx, desc, &res)
		}
	}

	res.Elapsed = time.Since(start)
	return res
}

// pending checks the budget, captures the before-size, and short-circuits
// dry runs before any mutating statement is issued.
func (e *Engine) pending(ctx context.Context, desc catalog.IndexDescriptor, res *Result) state {
	if e.budget.Expired() {
		e.log.Verbosef("Reached time limit before starting %s, skipping.", desc.Name)
		res.Status = StatusSkipped
		return stateDone
	}

	size, err := e.insp.IndexSize(ctx, desc.Name)
	if err != nil {
		return e.fatal(res, err)
	}
	res.SizeBefore = size

	if e.dryRun {
		for _, stmt := range buildStatements(desc) {
			e.log.DryRunSQL(stmt)
		}
		for _, stmt := range swapStatements(desc) {
			e.log.DryRunSQL(stmt)
		}
		res.Status = StatusDryRun
		res.SizeAfter = size
		return stateDone
	}
	return stateBuilding
}

// building runs one concurrent build attempt. A statement error here is not
// conclusive: the build may have left an invalid index behind, or none at
// all, so the machine always proceeds to validation.
func (e *Engine) building(ctx context.Context, desc catalog.IndexDescriptor, res *Result) state {
	res.Attempts++
	e.log.Verbosef("Attempt #%d to create index concurrently", res.Attempts)

	for _, stmt := range buildStatements(desc) {
		e.log.SQL(stmt)
		err := e.execBuild(ctx, stmt)
		if err == nil {
			continue
		}
		if db.IsQueryCanceled(err) {
			e.log.Notef("Query cancelled due to enforced timeout")
		} else if db.IsServerError(err) {
			e.log.Errorf("DB query error: %v", err)
		} else {
			return e.fatal(res, err)
		}
		break
	}
	return stateValidating
}

// execBuild executes one build statement. Under enforce-time, a watchdog
// cancels the in-flight statement once the deadline (plus grace) passes.
func (e *Engine) execBuild(ctx context.Context, stmt string) error {
	if e.budget.Enforced() {
		watchdog := time.AfterFunc(e.budget.Remaining()+e.grace, func() {
			if err := e.session.Cancel(context.Background()); err != nil {
				e.log.Errorf("cancel in-flight statement: %v", err)
			}
		})
		defer watchdog.Stop()
	}
	return e.session.Exec(ctx, stmt)
}

// validating asks the catalog whether the candidate came out valid.
func (e *Engine) validating(ctx context.Context, desc catalog.IndexDescriptor, res *Result) state {
	valid, err := e.insp.IndexValid(ctx, desc.Candidate)
	if err != nil {
		return e.fatal(res, err)
	}
	if valid {
		e.log.Verbosef("Valid replacement index has been created, replacing existing.")
		return stateSwapping
	}
	e.log.Verbosef("Invalid replacement index, cleaning up.")
	return stateCleaningUp
}

// cleaningUp drops the invalid candidate, then either retries the build or
// gives up. An invalid candidate is never left behind, whichever way this
// attempt concludes.
func (e *Engine) cleaningUp(ctx context.Context, desc catalog.IndexDescriptor, res *Result) state {
	stmt := "DROP INDEX CONCURRENTLY IF EXISTS " + db.QuoteIdentifier(desc.Candidate)
	e.log.SQL(stmt)
	if err := e.session.Exec(ctx, stmt); err != nil {
		if !db.IsServerError(err) {
			return e.fatal(res, err)
		}
		e.log.Errorf("DB query error: %v", err)
	}

	if res.Attempts <= e.retries && !e.budget.Expired() {
		e.pauseBetweenAttempts()
		return stateBuilding
	}
	res.Status = StatusFailed
	return stateDone
}

// swapping replaces the original index with the validated candidate. The
// statement pair runs back to back with no intervening work, keeping the
// window where the name briefly has no index as narrow as possible. A
// failure mid-swap is fatal: retrying could leave two indexes competing for
// the original name.
func (e *Engine) swapping(ctx context.Context, desc catalog.IndexDescriptor, res *Result) state {
	for _, stmt := range swapStatements(desc) {
		e.log.SQL(stmt)
		if err := e.session.Exec(ctx, stmt); err != nil {
			return e.fatal(res, err)
		}
	}

	size, err := e.insp.IndexSize(ctx, desc.Name)
	if err != nil {
		return e.fatal(res, err)
	}
	res.SizeAfter = size
	e.log.Verbosef("Index bloat reduced: %s", BloatStats(res.SizeBefore, res.SizeAfter))

	res.Status = StatusSwapped
	return stateDone
}

// fatal records an unrecoverable session error and terminates the machine.
func (e *Engine) fatal(res *Result, err error) state {
	e.log.Errorf("fatal error on index %s: %v", res.Index, err)
	res.Status = StatusFailed
	res.Err = err
	return stateDone
}

func (e *Engine) pauseBetweenAttempts() {
	if e.pause <= 0 {
		return
	}
	e.log.Verbosef("Completed, sleeping for %s.", e.pause)
	e.sleep(e.pause)
}

// buildStatements returns the statement sequence for one build attempt:
// clear any stray candidate left by a crashed prior run, then create the
// replacement concurrently.
func buildStatements(desc catalog.IndexDescriptor) []string {
	return []string{
		"DROP INDEX CONCURRENTLY IF EXISTS " + db.QuoteIdentifier(desc.Candidate),
		desc.CreateCandidate,
	}
}

// swapStatements returns the statement sequence that makes the candidate
// take over the original's name. Constraint-backing indexes go through
// constraint management; a bare rename would orphan the constraint.
func swapStatements(desc catalog.IndexDescriptor) []string {
	table := db.QuoteIdentifier(desc.Table)
	oldName := db.QuoteIdentifier(desc.Name)
	candidate := db.QuoteIdentifier(desc.Candidate)
	analyze := "ANALYZE " + table

	if desc.BacksConstraint() {
		attach := "ALTER TABLE " + table + " ADD PRIMARY KEY USING INDEX " + oldName
		if !desc.IsPrimary {
			attach = "ALTER TABLE " + table + " ADD CONSTRAINT " + oldName + " UNIQUE USING INDEX " + oldName
		}
		return []string{
			analyze,
			"BEGIN",
			"ALTER TABLE " + table + " DROP CONSTRAINT " + oldName,
			"ALTER INDEX " + candidate + " RENAME TO " + oldName,
			attach,
			"COMMIT",
			analyze,
		}
	}
	return []string{
		analyze,
		"DROP INDEX CONCURRENTLY " + oldName,
		"ALTER INDEX " + candidate + " RENAME TO " + oldName,
		analyze,
	}
}
