package flaggedarrayset

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func tx(i int) []byte { return []byte(fmt.Sprintf("tx-%06d", i)) }

func TestAddIsIdempotentWrtContains(t *testing.T) {
	s := New("")
	s.Add(tx(1), false)
	s.Add(tx(1), false)
	require.Equal(t, 1, s.Len())

	idx, ok := s.IndexOf(tx(1))
	require.True(t, ok)
	require.Equal(t, uint16(0), idx)
}

func TestGetIndexOfRoundTrip(t *testing.T) {
	s := New("")
	for i := 0; i < 10; i++ {
		s.Add(tx(i), false)
	}
	for i := 0; i < 10; i++ {
		idx, ok := s.IndexOf(tx(i))
		require.True(t, ok)
		got, ok := s.Get(idx)
		require.True(t, ok)
		require.Equal(t, tx(i), got)
	}
}

// S3 — FAS eviction: insert 526 distinct non-oversize transactions.
func TestEvictionFIFO(t *testing.T) {
	s := New("")
	for i := 1; i <= 526; i++ {
		s.Add(tx(i), false)
	}

	require.Equal(t, MaxTotal, s.Len())
	require.False(t, s.Contains(tx(1)))
	require.True(t, s.Contains(tx(2)))

	idx, ok := s.IndexOf(tx(2))
	require.True(t, ok)
	require.Equal(t, uint16(0), idx)
}

func TestOversizeQuotaEvictsBeforeTotalQuota(t *testing.T) {
	s := New("")
	for i := 0; i < MaxExtraOversize; i++ {
		s.Add(tx(i), true)
	}
	require.Equal(t, MaxExtraOversize, s.FlagCount())

	// One more oversize entry must evict the oldest oversize entry,
	// even though total size is far below MaxTotal.
	s.Add(tx(1000), true)
	require.Equal(t, MaxExtraOversize, s.FlagCount())
	require.False(t, s.Contains(tx(0)))
	require.True(t, s.Contains(tx(1000)))
}

func TestInvariantsHoldAfterRandomSequence(t *testing.T) {
	s := New("")
	for i := 0; i < 1000; i++ {
		oversize := i%13 == 0
		s.Add(tx(i), oversize)

		require.LessOrEqual(t, s.Len(), MaxTotal)
		require.LessOrEqual(t, s.FlagCount(), MaxExtraOversize)
	}

	for i := 0; i < 1000; i++ {
		if idx, ok := s.IndexOf(tx(i)); ok {
			got, ok := s.Get(idx)
			require.True(t, ok)
			require.Equal(t, tx(i), got)
		}
	}
}

func TestClear(t *testing.T) {
	s := New("")
	s.Add(tx(1), true)
	s.Clear()
	require.Equal(t, 0, s.Len())
	require.Equal(t, 0, s.FlagCount())
	require.False(t, s.Contains(tx(1)))
}
