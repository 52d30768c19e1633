package audit

import (
	"context"
	"database/sql"
	"fmt"

	"go.uber.org/zap"
)

type sqliteSink struct {
	db     *sql.DB
	logger *zap.Logger
}

func (s *sqliteSink) migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS relay_decisions (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			hash       TEXT NOT NULL,
			source     TEXT NOT NULL,
			outcome    TEXT NOT NULL,
			reason     TEXT NOT NULL DEFAULT '',
			observed_at DATETIME NOT NULL
		)`)
	if err != nil {
		return fmt.Errorf("audit: migrate sqlite schema: %w", err)
	}
	return nil
}

func (s *sqliteSink) Record(ctx context.Context, d Decision) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO relay_decisions (hash, source, outcome, reason, observed_at) VALUES (?, ?, ?, ?, ?)`,
		d.Hash, d.Source, d.Outcome, d.Reason, d.Timestamp)
	if err != nil {
		s.logger.Warn("audit: record decision failed", zap.Error(err))
	}
	return err
}

func (s *sqliteSink) Close() error {
	return s.db.Close()
}
