package chainmon_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/bridgevalidator/node/internal/chainmon"
	"github.com/bridgevalidator/node/internal/log"
	"github.com/bridgevalidator/node/internal/store"
)

type fakeProvider struct {
	mu   sync.Mutex
	logs chan chainmon.Log
	head uint64
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{logs: make(chan chainmon.Log, 16)}
}

func (p *fakeProvider) Subscribe(ctx context.Context) (<-chan chainmon.Log, error) {
	return p.logs, nil
}

func (p *fakeProvider) HeadHeight(ctx context.Context) (uint64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.head, nil
}

func (p *fakeProvider) setHead(h uint64) {
	p.mu.Lock()
	p.head = h
	p.mu.Unlock()
}

func (p *fakeProvider) Close() error { return nil }

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	path := t.TempDir() + "/chainmon.db"
	s, err := store.Open(log.DefaultLogger(), path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestMonitorWaitsForConfirmationDepth(t *testing.T) {
	provider := newFakeProvider()
	provider.setHead(100)
	clock := clockwork.NewFakeClock()
	s := newTestStore(t)
	ring := store.NewDedupRing(s, 100)

	m := chainmon.New(chainmon.Config{
		ChainName:         "eth",
		Provider:          provider,
		ConfirmationDepth: 12,
		Log:               log.DefaultLogger(),
		Clock:             clock,
	}, ring)

	var mu sync.Mutex
	var received []chainmon.Log
	handler := func(ctx context.Context, l chainmon.Log) {
		mu.Lock()
		received = append(received, l)
		mu.Unlock()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Start(ctx, handler)

	provider.logs <- chainmon.Log{SignalID: "sig-1", BlockNum: 95, IsSent: true}
	clock.BlockUntil(1)
	clock.Advance(2 * time.Second)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 0
	}, time.Second, 10*time.Millisecond, "log at depth 5 should not yet be confirmed at depth-12 requirement")

	provider.setHead(110)
	clock.Advance(2 * time.Second)
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 1
	}, time.Second, 10*time.Millisecond)

	m.Stop()
}

func TestMonitorDedupsRedeliveredSignal(t *testing.T) {
	provider := newFakeProvider()
	provider.setHead(1000)
	clock := clockwork.NewFakeClock()
	s := newTestStore(t)
	ring := store.NewDedupRing(s, 100)

	m := chainmon.New(chainmon.Config{
		ChainName:         "eth",
		Provider:          provider,
		ConfirmationDepth: 1,
		Log:               log.DefaultLogger(),
		Clock:             clock,
	}, ring)

	var mu sync.Mutex
	count := 0
	handler := func(ctx context.Context, l chainmon.Log) {
		mu.Lock()
		count++
		mu.Unlock()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Start(ctx, handler)

	provider.logs <- chainmon.Log{SignalID: "dup-1", BlockNum: 1, IsSent: true}
	clock.BlockUntil(1)
	clock.Advance(2 * time.Second)
	require.Eventually(t, func() bool { mu.Lock(); defer mu.Unlock(); return count == 1 }, time.Second, 10*time.Millisecond)

	provider.logs <- chainmon.Log{SignalID: "dup-1", BlockNum: 1, IsSent: true}
	clock.Advance(2 * time.Second)
	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	require.Equal(t, 1, count, "redelivered signalId must not be handled twice")
	mu.Unlock()

	m.Stop()
}
