package dedup

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestInsertIfAbsentOnlyTrueOnce(t *testing.T) {
	h := NewHashSet(10, "test")
	var hash [32]byte
	hash[0] = 0x01

	require.True(t, h.InsertIfAbsent(hash))
	require.False(t, h.InsertIfAbsent(hash))
	require.True(t, h.Contains(hash))
	require.Equal(t, 1, h.Len())
}

func TestInsertIfAbsentEvictsOldestPastCapacity(t *testing.T) {
	h := NewHashSet(2, "test")
	var a, b, c [32]byte
	a[0], b[0], c[0] = 0x01, 0x02, 0x03

	require.True(t, h.InsertIfAbsent(a))
	require.True(t, h.InsertIfAbsent(b))
	require.True(t, h.InsertIfAbsent(c))

	require.False(t, h.Contains(a))
	require.True(t, h.Contains(b))
	require.True(t, h.Contains(c))
	require.Equal(t, 2, h.Len())
}
