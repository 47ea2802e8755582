// Package session hands out short-lived database sessions. Every job gets a
// freshly authenticated connection that is closed as soon as the job is done;
// nothing is pooled across jobs so identity-delegated credentials stay fresh.
package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// Session is a single pinned database connection.
type Session interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	Close() error
}

type Provider interface {
	Acquire(ctx context.Context) (Session, error)
}

type ProviderFunc func(ctx context.Context) (Session, error)

func (f ProviderFunc) Acquire(ctx context.Context) (Session, error) { return f(ctx) }

type pinnedSession struct {
	*sql.Conn
	db *sql.DB
}

// Close releases the pinned connection and then the handle that owns it.
func (s *pinnedSession) Close() error {
	return errors.Join(s.Conn.Close(), s.db.Close())
}

// Pin takes ownership of db and returns a session bound to one of its
// connections. The handle is closed when the session is closed, or
// immediately when no connection can be obtained.
func Pin(ctx context.Context, db *sql.DB) (Session, error) {
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	conn, err := db.Conn(ctx)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("open connection: %w", err)
	}
	if err := conn.PingContext(ctx); err != nil {
		_ = conn.Close()
		_ = db.Close()
		return nil, fmt.Errorf("ping connection: %w", err)
	}
	return &pinnedSession{Conn: conn, db: db}, nil
}
