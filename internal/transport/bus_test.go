package transport_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/bridgevalidator/node/internal/log"
	"github.com/bridgevalidator/node/internal/transport"
	"github.com/bridgevalidator/node/pkg/wire"
)

func env(seq uint64) wire.Envelope {
	return wire.Envelope{
		Type:          wire.TypeDKGCommitment,
		SenderPartyID: 2,
		CorrelationID: "ceremony-1",
		Sequence:      seq,
	}
}

func TestDedupDropsRepeatedEnvelope(t *testing.T) {
	d := transport.NewDedup(log.DefaultLogger())
	ready := d.Admit(env(0))
	require.Len(t, ready, 1)
	ready = d.Admit(env(0))
	require.Empty(t, ready)
}

func TestDedupBuffersOutOfOrderThenFlushes(t *testing.T) {
	d := transport.NewDedup(log.DefaultLogger())
	require.Empty(t, d.Admit(env(2)))
	require.Empty(t, d.Admit(env(1)))
	ready := d.Admit(env(0))
	require.Len(t, ready, 3)
	require.Equal(t, uint64(0), ready[0].Sequence)
	require.Equal(t, uint64(1), ready[1].Sequence)
	require.Equal(t, uint64(2), ready[2].Sequence)
}

func TestDedupIsolatesDifferentCeremonies(t *testing.T) {
	d := transport.NewDedup(log.DefaultLogger())
	e1 := env(0)
	e2 := env(0)
	e2.CorrelationID = "ceremony-2"
	require.Len(t, d.Admit(e1), 1)
	require.Len(t, d.Admit(e2), 1)
}
