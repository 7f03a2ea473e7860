package memory_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/bridgevalidator/node/internal/crypto/curve"
	"github.com/bridgevalidator/node/internal/keystore"
	"github.com/bridgevalidator/node/internal/keystore/memory"
)

func TestMemoryBackendRoundTrip(t *testing.T) {
	b := memory.New()
	share, err := curve.RandomScalar()
	require.NoError(t, err)
	meta := keystore.Metadata{Algorithm: keystore.AlgorithmSchnorr, CreatedAt: time.Now()}
	require.NoError(t, b.Put("k1", share, meta, false))

	_, err = b.PublicKey("nope")
	require.ErrorIs(t, err, keystore.ErrKeyNotFound)

	pub, err := b.PublicKey("k1")
	require.NoError(t, err)
	require.True(t, pub.Equal(share.BasePointMul()))
}

func TestMemoryBackendOverwriteGuard(t *testing.T) {
	b := memory.New()
	share, _ := curve.RandomScalar()
	meta := keystore.Metadata{Algorithm: keystore.AlgorithmSchnorr}
	require.NoError(t, b.Put("k", share, meta, false))
	require.ErrorIs(t, b.Put("k", share, meta, false), keystore.ErrKeyExists)
	require.NoError(t, b.Put("k", share, meta, true))
}
