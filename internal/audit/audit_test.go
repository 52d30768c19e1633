package audit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestOpenEmptyDSNReturnsNopSink(t *testing.T) {
	s, err := Open(context.Background(), "", zap.NewNop())
	require.NoError(t, err)
	require.Equal(t, NopSink, s)
	require.NoError(t, s.Record(context.Background(), Decision{}))
	require.NoError(t, s.Close())
}

func TestOpenSqliteMigratesAndRecords(t *testing.T) {
	dsn := t.TempDir() + "/audit.db"
	s, err := Open(context.Background(), dsn, zap.NewNop())
	require.NoError(t, err)
	defer s.Close()

	err = s.Record(context.Background(), Decision{
		Hash:      "00112233",
		Source:    "TRUSTEDP2P",
		Outcome:   "relayed",
		Timestamp: time.Now(),
	})
	require.NoError(t, err)
}

func TestIsPostgresDSN(t *testing.T) {
	require.True(t, isPostgresDSN("postgres://user@host/db"))
	require.True(t, isPostgresDSN("postgresql://user@host/db"))
	require.False(t, isPostgresDSN("./relay.db"))
	require.False(t, isPostgresDSN("p"))
	require.False(t, isPostgresDSN(""))
}
