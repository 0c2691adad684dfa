// Package db manages the single database session a reindex run operates on.
//
// The whole tool runs on one dedicated connection: CREATE INDEX CONCURRENTLY
// holds session-level state, and enforce-time cancellation must target the
// exact connection the build statement is running on. A pool would hide that
// connection, so Session wraps a bare *pgx.Conn.
package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// applicationName identifies the tool in pg_stat_activity.
const applicationName = "pg_reindex_concurrently"

// Row is the single-row scan interface returned by QueryRow.
type Row interface {
	Scan(dest ...any) error
}

// Rows is the multi-row result interface returned by Query.
type Rows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
	Close()
}

// Executor is the query-execution capability consumed by the catalog
// inspector and the reindex engine. *Session implements it; tests provide
// scripted fakes.
type Executor interface {
	Exec(ctx context.Context, sql string) error
	Query(ctx context.Context, sql string, args ...any) (Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) Row
}

// Canceller is the capability to terminate the statement currently running
// on the session. Cancellation is cooperative: the server aborts the
// statement and performs its own cleanup bookkeeping, which may leave an
// invalid index behind.
type Canceller interface {
	Cancel(ctx context.Context) error
}

// Options holds connection parameters for the target database.
type Options struct {
	Host     string
	Port     int
	Database string
	User     string
	Password string
}

// DSN builds a keyword/value connection string from the options. Only set
// fields are included, so libpq defaults (socket path, current user) apply.
func DSN(o Options) string {
	dsn := fmt.Sprintf("dbname=%s application_name=%s", o.Database, applicationName)
	if o.Host != "" {
		dsn += fmt.Sprintf(" host=%s", o.Host)
	}
	if o.User != "" {
		dsn += fmt.Sprintf(" user=%s", o.User)
	}
	if o.Password != "" {
		dsn += fmt.Sprintf(" password=%s", o.Password)
	}
	if o.Port != 0 {
		dsn += fmt.Sprintf(" port=%d", o.Port)
	}
	return dsn
}

// Session is one dedicated connection to the target database.
type Session struct {
	conn *pgx.Conn
}

// Connect opens a Session to the target database.
func Connect(ctx context.Context, o Options) (*Session, error) {
	if o.Database == "" {
		return nil, fmt.Errorf("db: a target database is required")
	}
	conn, err := pgx.Connect(ctx, DSN(o))
	if err != nil {
		return nil, fmt.Errorf("db: connect to %s: %w", o.Database, err)
	}
	return &Session{conn: conn}, nil
}

// Exec runs a statement and discards the result.
func (s *Session) Exec(ctx context.Context, sql string) error {
	if _, err := s.conn.Exec(ctx, sql); err != nil {
		return fmt.Errorf("db: exec: %w", err)
	}
	return nil
}

// Query runs a multi-row query.
func (s *Session) Query(ctx context.Context, sql string, args ...any) (Rows, error) {
	rows, err := s.conn.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("db: query: %w", err)
	}
	return rows, nil
}

// QueryRow runs a single-row query. Errors surface from Row.Scan.
func (s *Session) QueryRow(ctx context.Context, sql string, args ...any) Row {
	return s.conn.QueryRow(ctx, sql, args...)
}

// Cancel sends a cancel request for the statement currently running on this
// session. The cancelled statement fails with SQLSTATE 57014.
func (s *Session) Cancel(ctx context.Context) error {
	if err := s.conn.PgConn().CancelRequest(ctx); err != nil {
		return fmt.Errorf("db: cancel request: %w", err)
	}
	return nil
}

// Close terminates the session.
func (s *Session) Close(ctx context.Context) error {
	return s.conn.Close(ctx)
}

// QuoteIdentifier quotes a SQL identifier for safe interpolation into DDL,
// which cannot take bind parameters.
func QuoteIdentifier(name string) string {
	return pgx.Identifier{name}.Sanitize()
}

// sqlStateQueryCanceled is raised when a statement is cancelled, including
// by an enforce-time cancel request.
const sqlStateQueryCanceled = "57014"

// IsQueryCanceled reports whether err is a server-side statement
// cancellation.
func IsQueryCanceled(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == sqlStateQueryCanceled
}

// IsServerError reports whether err is an error the server returned for a
// single statement, as opposed to a connection-level failure. Statement
// errors are recoverable (the session survives); anything else is fatal to
// the run.
func IsServerError(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr)
}
