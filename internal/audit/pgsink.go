package audit

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

type pgSink struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

func (s *pgSink) migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS relay_decisions (
			id         BIGSERIAL PRIMARY KEY,
			hash       TEXT NOT NULL,
			source     TEXT NOT NULL,
			outcome    TEXT NOT NULL,
			reason     TEXT NOT NULL DEFAULT '',
			observed_at TIMESTAMPTZ NOT NULL
		)`)
	if err != nil {
		return fmt.Errorf("audit: migrate postgres schema: %w", err)
	}
	return nil
}

func (s *pgSink) Record(ctx context.Context, d Decision) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO relay_decisions (hash, source, outcome, reason, observed_at) VALUES ($1, $2, $3, $4, $5)`,
		d.Hash, d.Source, d.Outcome, d.Reason, d.Timestamp)
	if err != nil {
		s.logger.Warn("audit: record decision failed", zap.Error(err))
	}
	return err
}

func (s *pgSink) Close() error {
	s.pool.Close()
	return nil
}
