package signer_test

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/bridgevalidator/node/internal/chainmon"
	"github.com/bridgevalidator/node/internal/crypto/curve"
	"github.com/bridgevalidator/node/internal/crypto/vss"
	"github.com/bridgevalidator/node/internal/keystore"
	"github.com/bridgevalidator/node/internal/keystore/memory"
	"github.com/bridgevalidator/node/internal/log"
	"github.com/bridgevalidator/node/internal/signer"
	"github.com/bridgevalidator/node/internal/transport"
	"github.com/bridgevalidator/node/pkg/wire"
)

// inProcessBus mirrors internal/dkg's test double: an in-memory mesh
// standing in for grpcbus's network transport.
type inProcessBus struct {
	mu       sync.Mutex
	selfID   uint32
	peers    map[uint32]*inProcessBus
	handlers map[wire.Type][]transport.Handler
	seq      uint64
}

func newMesh(ids []uint32) map[uint32]*inProcessBus {
	buses := make(map[uint32]*inProcessBus, len(ids))
	for _, id := range ids {
		buses[id] = &inProcessBus{selfID: id, peers: make(map[uint32]*inProcessBus), handlers: make(map[wire.Type][]transport.Handler)}
	}
	for _, b := range buses {
		for id, peer := range buses {
			if id != b.selfID {
				b.peers[id] = peer
			}
		}
	}
	return buses
}

func (b *inProcessBus) Send(ctx context.Context, toPartyID uint32, env wire.Envelope) error {
	peer, ok := b.peers[toPartyID]
	if !ok {
		return nil
	}
	b.mu.Lock()
	b.seq++
	env.SenderPartyID = b.selfID
	env.Sequence = b.seq
	b.mu.Unlock()
	peer.deliver(ctx, env)
	return nil
}

func (b *inProcessBus) Broadcast(ctx context.Context, env wire.Envelope) error {
	for id := range b.peers {
		if err := b.Send(ctx, id, env); err != nil {
			return err
		}
	}
	return nil
}

func (b *inProcessBus) Subscribe(t wire.Type, fn transport.Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[t] = append(b.handlers[t], fn)
}

func (b *inProcessBus) Close() error { return nil }

func (b *inProcessBus) deliver(ctx context.Context, env wire.Envelope) {
	b.mu.Lock()
	hs := append([]transport.Handler{}, b.handlers[env.Type]...)
	b.mu.Unlock()
	for _, h := range hs {
		h(ctx, env)
	}
}

var _ transport.Bus = (*inProcessBus)(nil)

const testKeyID = "bridge-key"

func setupGroup(t *testing.T, ids []uint32, threshold int) (curve.Point, map[uint32]curve.Point, map[uint32]keystore.Backend) {
	t.Helper()
	poly, err := vss.NewRandomPolynomial(threshold)
	require.NoError(t, err)

	groupPublicKey := poly.Secret().BasePointMul()
	pubShares := make(map[uint32]curve.Point, len(ids))
	stores := make(map[uint32]keystore.Backend, len(ids))
	for _, id := range ids {
		share := poly.EvaluateAt(id)
		pubShares[id] = share.BasePointMul()
		backend := memory.New()
		require.NoError(t, backend.Put(testKeyID, share, keystore.Metadata{Algorithm: keystore.AlgorithmSchnorr, CreatedAt: time.Now()}, false))
		stores[id] = backend
	}
	return groupPublicKey, pubShares, stores
}

func wireUpCoordinators(ids []uint32, threshold int, groupPublicKey curve.Point, pubShares map[uint32]curve.Point, stores map[uint32]keystore.Backend, onComplete func(uint32, wire.SignatureComplete)) (map[uint32]*signer.Coordinator, map[uint32]*inProcessBus) {
	buses := newMesh(ids)
	coords := make(map[uint32]*signer.Coordinator, len(ids))
	for _, id := range ids {
		id := id
		coord := signer.New(signer.Config{
			SelfID:         id,
			Threshold:      threshold,
			KeyID:          testKeyID,
			Store:          stores[id],
			Bus:            buses[id],
			GroupPublicKey: groupPublicKey,
			PubShares:      pubShares,
			Log:            log.DefaultLogger(),
			Clock:          clockwork.NewRealClock(),
			RequestTimeout: 2 * time.Second,
			OnComplete: func(sc wire.SignatureComplete) {
				if onComplete != nil {
					onComplete(id, sc)
				}
			},
		})
		coords[id] = coord
		bus := buses[id]
		bus.Subscribe(wire.TypeNonceCommitment, coord.OnEnvelope)
		bus.Subscribe(wire.TypeNonceReveal, coord.OnEnvelope)
		bus.Subscribe(wire.TypePartialSignature, coord.OnEnvelope)
	}
	return coords, buses
}

// markAllAvailable feeds every coordinator a synthetic heartbeat from every
// other party, standing in for the heartbeat exchange spec §4.E's
// availability window relies on.
func markAllAvailable(ctx context.Context, ids []uint32, coords map[uint32]*signer.Coordinator) {
	for _, receiver := range ids {
		for _, sender := range ids {
			if sender == receiver {
				continue
			}
			coords[receiver].OnEnvelope(ctx, wire.Envelope{Type: wire.TypeHeartbeat, SenderPartyID: sender, Timestamp: time.Now()})
		}
	}
}

func sampleSignalID() string {
	return "1111111111111111111111111111111111111111111111111111111111111111"[:64]
}

func TestSigningRequestReachesQuorumAndVerifies(t *testing.T) {
	ids := []uint32{1, 2, 3, 4, 5}
	threshold := 3
	groupPublicKey, pubShares, stores := setupGroup(t, ids, threshold)

	var mu sync.Mutex
	completions := make(map[uint32]wire.SignatureComplete)
	coords, _ := wireUpCoordinators(ids, threshold, groupPublicKey, pubShares, stores, func(id uint32, sc wire.SignatureComplete) {
		mu.Lock()
		completions[id] = sc
		mu.Unlock()
	})

	ev := chainmon.Log{
		SignalID:   sampleSignalID(),
		SrcChainID: 1,
		DstChainID: 2,
		Nonce:      7,
		Payload:    []byte("bridge-payload"),
		TxHash:     "0xabc123",
		BlockNum:   100,
		IsSent:     true,
	}

	ctx := context.Background()
	markAllAvailable(ctx, ids, coords)
	for _, id := range ids {
		require.NoError(t, coords[id].OnSignalEvent(ctx, ev))
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(completions) >= threshold
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	var sig string
	for _, sc := range completions {
		if sig == "" {
			sig = sc.Signature
		} else {
			require.Equal(t, sig, sc.Signature, "every participant must agree on the final signature")
		}
	}
}

func TestSignalEventIsIdempotent(t *testing.T) {
	ids := []uint32{1, 2, 3}
	threshold := 2
	groupPublicKey, pubShares, stores := setupGroup(t, ids, threshold)
	coords, _ := wireUpCoordinators(ids, threshold, groupPublicKey, pubShares, stores, nil)

	ev := chainmon.Log{SignalID: sampleSignalID(), SrcChainID: 1, DstChainID: 2, Nonce: 1, Payload: []byte("p"), TxHash: "0xdead", IsSent: true}
	ctx := context.Background()
	markAllAvailable(ctx, ids, coords)

	require.NoError(t, coords[1].OnSignalEvent(ctx, ev))
	before := coords[1].Pending()
	require.NoError(t, coords[1].OnSignalEvent(ctx, ev))
	after := coords[1].Pending()
	require.Equal(t, before, after, "redelivering the same event must not create a second request")
}

func TestNonceCommitmentFromNonSelectedPartyIsRejected(t *testing.T) {
	ids := []uint32{1, 2, 3, 4, 5}
	threshold := 3
	groupPublicKey, pubShares, stores := setupGroup(t, ids, threshold)

	buses := newMesh(ids)
	var revealSeen int32
	buses[2].Subscribe(wire.TypeNonceReveal, func(ctx context.Context, env wire.Envelope) {
		atomic.AddInt32(&revealSeen, 1)
	})

	coord := signer.New(signer.Config{
		SelfID:         1,
		Threshold:      threshold,
		KeyID:          testKeyID,
		Store:          stores[1],
		Bus:            buses[1],
		GroupPublicKey: groupPublicKey,
		PubShares:      pubShares,
		Log:            log.DefaultLogger(),
		Clock:          clockwork.NewRealClock(),
		RequestTimeout: 2 * time.Second,
	})

	ctx := context.Background()
	coord.OnEnvelope(ctx, wire.Envelope{Type: wire.TypeHeartbeat, SenderPartyID: 2, Timestamp: time.Now()})
	coord.OnEnvelope(ctx, wire.Envelope{Type: wire.TypeHeartbeat, SenderPartyID: 3, Timestamp: time.Now()})

	ev := chainmon.Log{SignalID: sampleSignalID(), SrcChainID: 1, DstChainID: 2, Nonce: 1, Payload: []byte("p"), TxHash: "0xaaaa", IsSent: true}
	require.NoError(t, coord.OnSignalEvent(ctx, ev))
	rid := signer.RequestID(ev.SignalID, ev.TxHash)

	// Self (party 1) has committed. Feed a genuine commitment from party 2,
	// the other selected participant, leaving party 3's still outstanding.
	commitFrom := func(partyID uint32) []byte {
		b, err := json.Marshal(wire.NonceCommitment{RequestID: rid, PartyID: partyID, Commitment: strings.Repeat("ab", 32)})
		require.NoError(t, err)
		return b
	}
	coord.OnEnvelope(ctx, wire.Envelope{Type: wire.TypeNonceCommitment, SenderPartyID: 2, Payload: commitFrom(2)})

	// Party 4 was never selected (participants are {1,2,3}). Its commitment
	// must not be folded into the quorum count; if it were, two real
	// commitments (1, 2) plus this bogus one would wrongly satisfy
	// hasQuorumCommitments and trigger a premature reveal broadcast before
	// party 3 ever committed.
	coord.OnEnvelope(ctx, wire.Envelope{Type: wire.TypeNonceCommitment, SenderPartyID: 4, Payload: commitFrom(4)})

	require.Never(t, func() bool {
		return atomic.LoadInt32(&revealSeen) > 0
	}, 200*time.Millisecond, 20*time.Millisecond, "commitment from a non-selected party must not advance the request")

	// The legitimate third participant now commits, which should be the
	// only thing that reaches quorum and triggers the reveal broadcast.
	coord.OnEnvelope(ctx, wire.Envelope{Type: wire.TypeNonceCommitment, SenderPartyID: 3, Payload: commitFrom(3)})
	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&revealSeen) > 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSweepTimeoutsFailsStalledRequest(t *testing.T) {
	ids := []uint32{1, 2, 3}
	threshold := 2
	groupPublicKey, pubShares, stores := setupGroup(t, ids, threshold)

	clock := clockwork.NewFakeClock()
	buses := newMesh(ids)
	coord := signer.New(signer.Config{
		SelfID:         1,
		Threshold:      threshold,
		KeyID:          testKeyID,
		Store:          stores[1],
		Bus:            buses[1],
		GroupPublicKey: groupPublicKey,
		PubShares:      pubShares,
		Log:            log.DefaultLogger(),
		Clock:          clock,
		RequestTimeout: 30 * time.Second,
	})

	coord.OnEnvelope(context.Background(), wire.Envelope{Type: wire.TypeHeartbeat, SenderPartyID: 2, Timestamp: clock.Now()})
	coord.OnEnvelope(context.Background(), wire.Envelope{Type: wire.TypeHeartbeat, SenderPartyID: 3, Timestamp: clock.Now()})

	ev := chainmon.Log{SignalID: sampleSignalID(), SrcChainID: 1, DstChainID: 2, Nonce: 1, Payload: []byte("p"), TxHash: "0xfeed", IsSent: true}
	require.NoError(t, coord.OnSignalEvent(context.Background(), ev))
	require.Len(t, coord.Pending(), 1)

	clock.Advance(31 * time.Second)
	coord.SweepTimeouts()
	require.Empty(t, coord.Pending(), "a stalled request past its deadline must be swept out of pending")
}
