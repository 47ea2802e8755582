// Package executor runs validated read-only queries on a fresh database
// session and bounds what comes back.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/pebble/pebble-agent/internal/agenterr"
	"github.com/pebble/pebble-agent/internal/guard"
	"github.com/pebble/pebble-agent/internal/result"
	"github.com/pebble/pebble-agent/internal/session"
)

const (
	defaultStatementTimeout = 60 * time.Second
	// clientGrace lets the server-side statement timeout fire first so the
	// caller sees the database's own error.
	clientGrace = 5 * time.Second

	pgQueryCanceled = "57014"
)

type Config struct {
	Limits         result.Limits
	ConnectTimeout time.Duration
}

type Executor struct {
	Sessions session.Provider
	Config   Config
	Logger   *slog.Logger
}

func New(sessions session.Provider, cfg Config, logger *slog.Logger) *Executor {
	return &Executor{Sessions: sessions, Config: cfg, Logger: logger}
}

// Execute validates sqlText, runs it with a server-side statement timeout of
// timeoutSeconds (60 when not positive) and returns the bounded rows. Errors
// carry an agenterr kind: Validation, Connection or Query.
func (e *Executor) Execute(ctx context.Context, sqlText string, timeoutSeconds int) (result.ExecutionResult, error) {
	cfg := e.settings()

	if outcome := guard.Validate(sqlText); !outcome.Valid {
		return result.ExecutionResult{}, agenterr.New(agenterr.Validation, "query validation failed: "+outcome.Reason)
	}

	statementTimeout := defaultStatementTimeout
	if timeoutSeconds > 0 {
		statementTimeout = time.Duration(timeoutSeconds) * time.Second
	}

	s, err := e.acquire(ctx, cfg.ConnectTimeout)
	if err != nil {
		return result.ExecutionResult{}, err
	}
	defer func() {
		if closeErr := s.Close(); closeErr != nil && e.Logger != nil {
			e.Logger.WarnContext(ctx, "close database session failed", slog.Any("error", closeErr))
		}
	}()

	queryCtx, cancel := context.WithTimeout(ctx, statementTimeout+clientGrace)
	defer cancel()

	if _, err := s.ExecContext(queryCtx, fmt.Sprintf("SET statement_timeout = %d", statementTimeout.Milliseconds())); err != nil {
		return result.ExecutionResult{}, agenterr.Wrap(agenterr.Query, "set statement timeout", err)
	}
	if _, err := s.ExecContext(queryCtx, "SET default_transaction_read_only = on"); err != nil {
		return result.ExecutionResult{}, agenterr.Wrap(agenterr.Query, "set read-only session", err)
	}

	rows, err := s.QueryContext(queryCtx, sqlText)
	if err != nil {
		return result.ExecutionResult{}, queryError(err, statementTimeout)
	}
	defer func() { _ = rows.Close() }()

	columns, err := rows.Columns()
	if err != nil {
		return result.ExecutionResult{}, agenterr.Wrap(agenterr.Query, "query columns", err)
	}

	bounder := result.NewBounder(columns, cfg.Limits)
	for rows.Next() {
		values := make([]any, len(columns))
		scanTargets := make([]any, len(columns))
		for i := range values {
			scanTargets[i] = &values[i]
		}
		if err := rows.Scan(scanTargets...); err != nil {
			return result.ExecutionResult{}, agenterr.Wrap(agenterr.Query, "scan row", err)
		}
		accepted, err := bounder.Add(values)
		if err != nil {
			return result.ExecutionResult{}, agenterr.Wrap(agenterr.Query, "serialize row", err)
		}
		if !accepted {
			// Abort the statement instead of draining the rest of the result.
			cancel()
			return e.finish(ctx, bounder.Result()), nil
		}
	}
	if err := rows.Err(); err != nil {
		return result.ExecutionResult{}, queryError(err, statementTimeout)
	}
	return e.finish(ctx, bounder.Result()), nil
}

func (e *Executor) finish(ctx context.Context, res result.ExecutionResult) result.ExecutionResult {
	if e.Logger != nil {
		e.Logger.DebugContext(ctx, "query executed",
			slog.Int("row_count", res.RowCount),
			slog.Int("bytes", res.ByteSize),
			slog.Bool("truncated", res.Truncated),
		)
	}
	return res
}

type acquired struct {
	session session.Session
	err     error
}

// acquire enforces ConnectTimeout even when the provider ignores its context;
// a session that shows up after the deadline is closed in the background.
func (e *Executor) acquire(ctx context.Context, timeout time.Duration) (session.Session, error) {
	acquireCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan acquired, 1)
	go func() {
		s, err := e.Sessions.Acquire(acquireCtx)
		done <- acquired{session: s, err: err}
	}()

	select {
	case got := <-done:
		if got.err != nil {
			if errors.Is(got.err, context.DeadlineExceeded) {
				return nil, agenterr.Wrap(agenterr.Connection, fmt.Sprintf("connection timed out after %s", timeout), got.err)
			}
			return nil, agenterr.Wrap(agenterr.Connection, "connection failed", got.err)
		}
		return got.session, nil
	case <-acquireCtx.Done():
		go func() {
			if late := <-done; late.session != nil {
				_ = late.session.Close()
			}
		}()
		if errors.Is(acquireCtx.Err(), context.DeadlineExceeded) {
			return nil, agenterr.Wrap(agenterr.Connection, fmt.Sprintf("connection timed out after %s", timeout), acquireCtx.Err())
		}
		return nil, agenterr.Wrap(agenterr.Connection, "connection aborted", acquireCtx.Err())
	}
}

// settings returns Config with defaults filled in. Execute is called from
// several workers at once and must not write to e.
func (e *Executor) settings() Config {
	cfg := e.Config
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 30 * time.Second
	}
	if cfg.Limits.MaxRows <= 0 {
		cfg.Limits.MaxRows = 1000
	}
	if cfg.Limits.MaxBytes <= 0 {
		cfg.Limits.MaxBytes = 262144
	}
	return cfg
}

func queryError(err error, statementTimeout time.Duration) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgQueryCanceled {
		return agenterr.Wrap(agenterr.Query, fmt.Sprintf("query exceeded statement timeout of %s", statementTimeout), err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return agenterr.Wrap(agenterr.Query, fmt.Sprintf("query timed out after %s", statementTimeout), err)
	}
	return agenterr.Wrap(agenterr.Query, "query failed", err)
}
