package historical

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
)

func root(n byte) common.Hash {
	var h common.Hash
	h[0] = n
	return h
}

func TestPutGetAndLRUOrder(t *testing.T) {
	s := New(2)
	defer s.Close()

	s.Put(1, root(1))
	s.Put(2, root(2))

	got, ok := s.Get(1)
	require.True(t, ok)
	require.Equal(t, root(1), got)

	// 1 was just used, so inserting a third entry evicts 2 instead.
	s.Put(3, root(3))
	_, ok = s.Get(2)
	require.False(t, ok)
	_, ok = s.Get(1)
	require.True(t, ok)
}

func TestEvictionSpillsToDisk(t *testing.T) {
	s := New(1, WithDiskSpill(t.TempDir()))
	defer s.Close()

	s.Put(1, root(1))
	s.Put(2, root(2)) // evicts 1 to disk

	got, ok := s.Get(1)
	require.True(t, ok)
	require.Equal(t, root(1), got)
}

func TestEvictionWithoutDiskDrops(t *testing.T) {
	s := New(1)
	defer s.Close()

	s.Put(1, root(1))
	s.Put(2, root(2))

	_, ok := s.Get(1)
	require.False(t, ok)
}

func TestResizeEvictsImmediately(t *testing.T) {
	s := New(4)
	defer s.Close()

	for i := byte(1); i <= 4; i++ {
		s.Put(uint64(i), root(i))
	}
	s.Resize(2)

	_, ok := s.Get(1)
	require.False(t, ok)
	_, ok = s.Get(2)
	require.False(t, ok)
	_, ok = s.Get(4)
	require.True(t, ok)
}

func TestForgetDropsAboveNumber(t *testing.T) {
	s := New(8, WithDiskSpill(t.TempDir()))
	defer s.Close()

	for i := byte(1); i <= 5; i++ {
		s.Put(uint64(i), root(i))
	}
	s.Forget(3)

	_, ok := s.Get(4)
	require.False(t, ok)
	_, ok = s.Get(5)
	require.False(t, ok)
	got, ok := s.Get(3)
	require.True(t, ok)
	require.Equal(t, root(3), got)
}
