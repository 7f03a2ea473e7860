package chainmon

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/bridgevalidator/node/internal/log"
	"github.com/bridgevalidator/node/internal/store"
)

const (
	backoffBase = time.Second
	backoffCap  = 30 * time.Second
	jitterFrac  = 0.2
)

// EventHandler is called for every SignalSent log that has cleared its
// chain's confirmation depth and passed dedup.
type EventHandler func(ctx context.Context, l Log)

// Config parameterizes one chain's worker.
type Config struct {
	ChainName         string
	Provider          Provider
	ConfirmationDepth uint64
	RingSize          int
	Log               log.Logger
	Clock             clockwork.Clock
}

// Monitor is a single chain's worker (spec §4.D): one per configured
// chain, independent of the others.
type Monitor struct {
	cfg   Config
	dedup *dedupRing
	clock clockwork.Clock

	mu          sync.RWMutex
	healthy     bool
	lastLatency time.Duration

	pendingMu sync.Mutex
	pending   []Log

	stopCh chan struct{}
	doneCh chan struct{}
}

// New builds a chain worker. It does not start watching until Start is
// called.
func New(cfg Config, ring *store.DedupRing) *Monitor {
	clock := cfg.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Monitor{
		cfg:    cfg,
		dedup:  newDedupRing(ring, cfg.ChainName),
		clock:  clock,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Start runs the worker loop until the context is cancelled or Stop is
// called. handler is invoked for every event that clears confirmation depth
// and dedup.
func (m *Monitor) Start(ctx context.Context, handler EventHandler) {
	defer close(m.doneCh)

	backoff := backoffBase
	for {
		logCh, err := m.cfg.Provider.Subscribe(ctx)
		if err != nil {
			m.setHealthy(false, 0)
			m.cfg.Log.Warnw("subscribing to chain failed, backing off", "chain", m.cfg.ChainName, "err", err, "backoff", backoff)
			if !m.sleep(ctx, withJitter(backoff)) {
				return
			}
			backoff = nextBackoff(backoff)
			continue
		}
		backoff = backoffBase
		m.setHealthy(true, 0)

		if !m.watch(ctx, logCh, handler) {
			return
		}
		// Subscribe's channel closed (transient transport failure, spec §7);
		// wait out the backoff delay, then loop around to retry the connection.
		if !m.sleep(ctx, withJitter(backoff)) {
			return
		}
	}
}

// watch consumes logCh and periodically sweeps the confirmation-depth
// buffer until logCh closes or the monitor is asked to stop. It returns
// false if the caller should stop entirely (context done / Stop called).
func (m *Monitor) watch(ctx context.Context, logCh <-chan Log, handler EventHandler) bool {
	ticker := m.clock.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return false
		case <-m.stopCh:
			return false
		case l, ok := <-logCh:
			if !ok {
				return true
			}
			m.handleLog(l)
		case <-ticker.Chan():
			m.sweepConfirmed(ctx, handler)
		}
	}
}

func (m *Monitor) handleLog(l Log) {
	if !l.IsSent {
		return // SignalReceived is observational only (spec §4.D)
	}
	m.pendingMu.Lock()
	m.pending = append(m.pending, l)
	m.pendingMu.Unlock()
}

// sweepConfirmed promotes any pending log whose block has reached the
// chain's confirmation depth (spec §4.D "Reorg policy") to the handler,
// deduplicating on signalId first.
func (m *Monitor) sweepConfirmed(ctx context.Context, handler EventHandler) {
	start := m.clock.Now()
	head, err := m.cfg.Provider.HeadHeight(ctx)
	latency := m.clock.Since(start)
	if err != nil {
		m.setHealthy(false, latency)
		m.cfg.Log.Warnw("querying head height failed", "chain", m.cfg.ChainName, "err", err)
		return
	}
	m.setHealthy(true, latency)

	m.pendingMu.Lock()
	var remaining []Log
	var ready []Log
	for _, l := range m.pending {
		if head >= l.BlockNum+m.cfg.ConfirmationDepth {
			ready = append(ready, l)
		} else {
			remaining = append(remaining, l)
		}
	}
	m.pending = remaining
	m.pendingMu.Unlock()

	for _, l := range ready {
		dup, err := m.dedup.admit(l.SignalID)
		if err != nil {
			m.cfg.Log.Errorw("dedup ring write failed", "chain", m.cfg.ChainName, "signalId", l.SignalID, "err", err)
			continue
		}
		if dup {
			m.cfg.Log.Debugw("dropping redelivered signal", "chain", m.cfg.ChainName, "signalId", l.SignalID)
			continue
		}
		handler(ctx, l)
	}
}

func (m *Monitor) sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-m.stopCh:
		return false
	case <-m.clock.After(d):
		return true
	}
}

// Stop detaches the subscription and drains in-flight events, returning
// once done or after a 5s grace period (spec §4.D "Termination").
func (m *Monitor) Stop() {
	close(m.stopCh)
	select {
	case <-m.doneCh:
	case <-time.After(5 * time.Second):
		m.cfg.Log.Warnw("monitor did not drain within grace period", "chain", m.cfg.ChainName)
	}
	_ = m.cfg.Provider.Close()
}

func (m *Monitor) setHealthy(healthy bool, latency time.Duration) {
	m.mu.Lock()
	m.healthy = healthy
	if latency > 0 {
		m.lastLatency = latency
	}
	m.mu.Unlock()
}

// HealthCheck reports this chain's current health and last-observed RPC
// latency, consumed by the /health endpoint (spec §4.D, §6).
func (m *Monitor) HealthCheck() (healthy bool, latencyMs int64) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.healthy, m.lastLatency.Milliseconds()
}

func nextBackoff(d time.Duration) time.Duration {
	next := d * 2
	if next > backoffCap {
		next = backoffCap
	}
	return next
}

func withJitter(d time.Duration) time.Duration {
	delta := float64(d) * jitterFrac
	offset := (rand.Float64()*2 - 1) * delta
	return time.Duration(float64(d) + offset)
}
