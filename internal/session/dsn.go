package session

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	_ "github.com/jackc/pgx/v5/stdlib"
)

// DSN opens sessions from a plain PostgreSQL connection string. It is meant
// for local development and integration tests where no Cloud SQL instance
// exists.
type DSN struct {
	dsn string
}

func NewDSN(dsn string) (*DSN, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("database dsn is required")
	}
	if _, err := pgx.ParseConfig(dsn); err != nil {
		return nil, fmt.Errorf("parse database dsn: %w", err)
	}
	return &DSN{dsn: dsn}, nil
}

func (p *DSN) Acquire(ctx context.Context) (Session, error) {
	db, err := sql.Open("pgx", p.dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	return Pin(ctx, db)
}

func (p *DSN) Close() error { return nil }
