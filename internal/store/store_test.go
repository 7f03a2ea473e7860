package store_test

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/bridgevalidator/node/internal/log"
	"github.com/bridgevalidator/node/internal/store"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "validator.db")
	s, err := store.Open(log.DefaultLogger(), path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestDKGArtifactRoundTrip(t *testing.T) {
	s := openTestStore(t)
	a := store.DKGArtifact{
		CeremonyID:     "c1",
		GroupPublicKey: []byte{1, 2, 3},
		Commitments:    map[uint32][][]byte{1: {{9}}},
		Participants:   []uint32{1, 2, 3},
	}
	require.NoError(t, s.PutDKGArtifact(a))

	got, ok, err := s.GetDKGArtifact("c1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, a.GroupPublicKey, got.GroupPublicKey)

	_, ok, err = s.GetDKGArtifact("missing")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestDedupRingAdmitsOnceThenEvicts(t *testing.T) {
	s := openTestStore(t)
	ring := store.NewDedupRing(s, 4)

	dup, err := ring.Admit("eth", "sig-1")
	require.NoError(t, err)
	require.False(t, dup)

	dup, err = ring.Admit("eth", "sig-1")
	require.NoError(t, err)
	require.True(t, dup)

	for i := 0; i < 4; i++ {
		_, err := ring.Admit("eth", fmt.Sprintf("filler-%d", i))
		require.NoError(t, err)
	}

	dup, err = ring.Admit("eth", "sig-1")
	require.NoError(t, err)
	require.False(t, dup, "sig-1 should have been evicted from a size-4 ring after 4 more insertions")
}

func TestDedupRingIsolatesChains(t *testing.T) {
	s := openTestStore(t)
	ring := store.NewDedupRing(s, 10)

	dup, err := ring.Admit("eth", "sig-1")
	require.NoError(t, err)
	require.False(t, dup)

	dup, err = ring.Admit("bsc", "sig-1")
	require.NoError(t, err)
	require.False(t, dup)
}
