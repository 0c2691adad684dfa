// Package logx provides the leveled operator log for pgreindex. Every SQL
// statement the tool executes (or would execute under dry-run) goes through
// here, so the full action sequence can be reconstructed from logs alone.
package logx

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

// Log mode labels, padded to a fixed width so columns line up.
const (
	modeInfo    = "INFO   "
	modeVerbose = "VERBOSE"
	modeDebug   = "DEBUG  "
	modeWarn    = "WARN   "
	modeError   = "ERROR  "
	modeNote    = "NOTE   "
	modeDryRun  = "DRY-RUN"
)

// Options configures a Logger.
type Options struct {
	Out        io.Writer // defaults to os.Stdout; ignored when File is set
	File       string    // append to this path instead of Out
	Verbose    bool
	Debug      bool
	Timestamps bool // prefix each line with mode + ISO timestamp
}

// Logger writes leveled, optionally timestamped log lines. Safe for
// concurrent use; the enforce-time watchdog logs from its own goroutine.
type Logger struct {
	mu         sync.Mutex
	out        io.Writer
	file       *os.File
	verbose    bool
	debug      bool
	timestamps bool
}

// New creates a Logger. When opts.File is set the file is opened in append
// mode and a run banner is written, so consecutive runs are separated.
func New(opts Options) (*Logger, error) {
	l := &Logger{
		out:        opts.Out,
		verbose:    opts.Verbose || opts.Debug,
		debug:      opts.Debug,
		timestamps: opts.Timestamps,
	}
	if l.out == nil {
		l.out = os.Stdout
	}
	if opts.File != "" {
		f, err := os.OpenFile(opts.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("logx: open log file %s: %w", opts.File, err)
		}
		l.file = f
		l.out = f
		l.print(modeInfo, "")
		l.print(modeInfo, strings.Repeat("=", 40))
		l.print(modeInfo, "reindex concurrently started "+time.Now().Format(time.RFC3339))
	}
	return l, nil
}

// Writer returns the destination log lines are written to, for output that
// should land next to the log (e.g. the final report).
func (l *Logger) Writer() io.Writer {
	return l.out
}

// Close closes the log file, if any.
func (l *Logger) Close() error {
	if l.file == nil {
		return nil
	}
	return l.file.Close()
}

func (l *Logger) print(mode, msg string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.timestamps {
		fmt.Fprintf(l.out, "%s %s: %s\n", mode, time.Now().Format(time.RFC3339), msg)
		return
	}
	fmt.Fprintln(l.out, msg)
}

// Infof logs at the default level.
func (l *Logger) Infof(format string, args ...any) {
	l.print(modeInfo, fmt.Sprintf(format, args...))
}

// Verbosef logs only when verbose (or debug) is enabled.
func (l *Logger) Verbosef(format string, args ...any) {
	if !l.verbose {
		return
	}
	l.print(modeVerbose, fmt.Sprintf(format, args...))
}

// Debugf logs only when debug is enabled.
func (l *Logger) Debugf(format string, args ...any) {
	if !l.debug {
		return
	}
	l.print(modeDebug, fmt.Sprintf(format, args...))
}

// Warnf logs a warning.
func (l *Logger) Warnf(format string, args ...any) {
	l.print(modeWarn, fmt.Sprintf(format, args...))
}

// Errorf logs an error.
func (l *Logger) Errorf(format string, args ...any) {
	l.print(modeError, fmt.Sprintf(format, args...))
}

// Notef logs a notable non-error event, such as an enforced cancellation.
func (l *Logger) Notef(format string, args ...any) {
	l.print(modeNote, fmt.Sprintf(format, args...))
}

// SQL logs a statement about to be executed. Statements are debug-level:
// they are high-volume and only needed when reconstructing a run.
func (l *Logger) SQL(stmt string) {
	l.Debugf("SQL: %s", stmt)
}

// DryRunSQL logs a statement that would have been executed. Always printed,
// since showing the statements is the whole point of a dry run.
func (l *Logger) DryRunSQL(stmt string) {
	l.print(modeDryRun, "SQL: "+stmt)
}
