package dkg_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/bridgevalidator/node/internal/dkg"
	"github.com/bridgevalidator/node/internal/keystore/memory"
	"github.com/bridgevalidator/node/internal/log"
	"github.com/bridgevalidator/node/internal/transport"
	"github.com/bridgevalidator/node/pkg/wire"
)

// inProcessBus wires N ceremonies together in-memory for tests, standing in
// for grpcbus's network transport.
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

func TestHappyDKGAllPartiesAgreeOnGroupKey(t *testing.T) {
	ids := []uint32{1, 2, 3, 4, 5}
	threshold := 3
	buses := newMesh(ids)
	stores := make(map[uint32]*memory.Backend, len(ids))
	ceremonies := make(map[uint32]*dkg.Ceremony, len(ids))

	for _, id := range ids {
		store := memory.New()
		stores[id] = store
		c := dkg.New(dkg.Config{
			SelfID:       id,
			Threshold:    threshold,
			Participants: ids,
			CeremonyID:   "ceremony-happy",
			RoundTimeout: 2 * time.Second,
			Bus:          buses[id],
			Store:        store,
			Log:          log.DefaultLogger(),
		})
		ceremonies[id] = c
		bus := buses[id]
		bus.Subscribe(wire.TypeDKGCommitment, c.OnEnvelope)
		bus.Subscribe(wire.TypeDKGShare, c.OnEnvelope)
		bus.Subscribe(wire.TypeDKGPublicKeyShare, c.OnEnvelope)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	results := make(map[uint32]dkg.Result, len(ids))
	errs := make(map[uint32]error, len(ids))
	var resMu sync.Mutex
	for _, id := range ids {
		wg.Add(1)
		go func(id uint32) {
			defer wg.Done()
			go ceremonies[id].Run(ctx)
			res, err := ceremonies[id].Wait(ctx)
			resMu.Lock()
			results[id] = res
			errs[id] = err
			resMu.Unlock()
		}(id)
	}
	wg.Wait()

	var groupKeyBytes []byte
	for _, id := range ids {
		require.NoError(t, errs[id], "party %d", id)
		if groupKeyBytes == nil {
			groupKeyBytes = results[id].GroupPublicKey.Bytes()
		} else {
			require.Equal(t, groupKeyBytes, results[id].GroupPublicKey.Bytes(), "party %d disagrees on Y", id)
		}
		require.False(t, results[id].KeyShare.IsZero())

		pub, err := stores[id].PublicKey("ceremony-happy")
		require.NoError(t, err)
		require.True(t, pub.Equal(results[id].PubShare))
	}
}

func TestDKGTimesOutWhenAPartyIsOffline(t *testing.T) {
	ids := []uint32{1, 2, 3, 4, 5}
	threshold := 3
	buses := newMesh(ids)
	active := []uint32{1, 2, 3, 5} // party 4 never starts: it sends no commitment, so the others time out waiting for it

	ceremonies := make(map[uint32]*dkg.Ceremony, len(active))
	for _, id := range active {
		c := dkg.New(dkg.Config{
			SelfID:       id,
			Threshold:    threshold,
			Participants: ids,
			CeremonyID:   "ceremony-timeout",
			RoundTimeout: 150 * time.Millisecond,
			Bus:          buses[id],
			Store:        memory.New(),
			Log:          log.DefaultLogger(),
		})
		ceremonies[id] = c
		bus := buses[id]
		bus.Subscribe(wire.TypeDKGCommitment, c.OnEnvelope)
		bus.Subscribe(wire.TypeDKGShare, c.OnEnvelope)
		bus.Subscribe(wire.TypeDKGPublicKeyShare, c.OnEnvelope)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	for _, id := range active {
		wg.Add(1)
		go func(id uint32) {
			defer wg.Done()
			go ceremonies[id].Run(ctx)
			_, err := ceremonies[id].Wait(ctx)
			require.Error(t, err)
			failure, ok := err.(dkg.Failure)
			require.True(t, ok)
			require.Equal(t, dkg.FailureTimeout, failure.Reason)
			require.Contains(t, failure.Missing, uint32(4))
		}(id)
	}
	wg.Wait()
}
