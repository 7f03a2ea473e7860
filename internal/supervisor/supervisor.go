// Package supervisor wires the validator's components together in the
// order spec §2 mandates (Key Store, Transport Bus, Chain Event Monitor,
// Signing Coordinator) and runs the DKG Engine on demand, guarded so at
// most one ceremony runs per process (spec §5). It is the only package
// that imports every component package at once; no component imports it
// back.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/jonboulle/clockwork"

	"github.com/bridgevalidator/node/internal/chainmon"
	"github.com/bridgevalidator/node/internal/crypto/curve"
	"github.com/bridgevalidator/node/internal/dkg"
	"github.com/bridgevalidator/node/internal/keystore"
	"github.com/bridgevalidator/node/internal/log"
	"github.com/bridgevalidator/node/internal/metrics"
	"github.com/bridgevalidator/node/internal/signer"
	"github.com/bridgevalidator/node/internal/store"
	"github.com/bridgevalidator/node/internal/transport"
	"github.com/bridgevalidator/node/pkg/wire"
)

// ErrDKGAlreadyRunning is returned by StartDKG while a ceremony from a
// previous call has not yet reached DONE or FAILED (spec §5: "the DKG
// engine is strictly single-instance").
var ErrDKGAlreadyRunning = errors.New("supervisor: a DKG ceremony is already running")

// ErrKeyMaterialMissing is returned by a signing-related call made before
// any DKG ceremony has ever completed for this process.
var ErrKeyMaterialMissing = errors.New("supervisor: no group key material available yet")

const sweepInterval = time.Second

// ChainSetup is the per-chain wiring a caller supplies: a concrete
// Provider (built from that chain's RPC endpoint, out of this package's
// concern) plus the reorg confirmation depth and dedup ring capacity spec
// §4.D requires per chain.
type ChainSetup struct {
	Provider          chainmon.Provider
	ConfirmationDepth uint64
	RingSize          int
}

// Config parameterizes the supervisor. Key Store and Transport Bus are
// supplied already-constructed (their concrete backend/transport choice is
// a deployment concern, spec §6), but the supervisor owns their lifecycle
// from here on, along with the Chain Event Monitor and Signing Coordinator
// it builds internally.
type Config struct {
	SelfID       uint32
	Threshold    int
	Participants []uint32
	KeyID        string

	Keystore keystore.Backend
	Bus      transport.Bus
	Store    *store.Store

	Chains map[string]ChainSetup

	RoundTimeout    time.Duration
	HeartbeatWindow time.Duration
	RequestTimeout  time.Duration

	// OnSignatureComplete, if set, is invoked for every aggregated signature
	// this process helped produce, in addition to the structured log line
	// the supervisor always emits (spec §4.E "emit the aggregated result").
	OnSignatureComplete func(wire.SignatureComplete)

	Log   log.Logger
	Clock clockwork.Clock
}

// Supervisor owns every long-lived component's lifecycle for one process.
type Supervisor struct {
	cfg   Config
	log   log.Logger
	clock clockwork.Clock

	mu             sync.Mutex
	dkgCeremony    *dkg.Ceremony
	keyed          bool
	groupPublicKey curve.Point
	pubShares      map[uint32]curve.Point
	coordinator    *signer.Coordinator

	monitors  map[string]*chainmon.Monitor
	monWG     sync.WaitGroup
	monCancel context.CancelFunc

	sweepStop chan struct{}
	sweepDone chan struct{}

	stoppers []func() error // LIFO shutdown stack (spec §5 "Shutdown")
}

// New builds a Supervisor. Call Start to bring components up.
func New(cfg Config) *Supervisor {
	clock := cfg.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Supervisor{
		cfg:       cfg,
		log:       cfg.Log.Named("supervisor"),
		clock:     clock,
		pubShares: make(map[uint32]curve.Point),
		monitors:  make(map[string]*chainmon.Monitor),
	}
}

// Start brings up components A→B→D→E in order (spec §2). Component C, the
// DKG engine, is never started here; it runs only via StartDKG. If this
// process already completed a DKG ceremony in a previous run (its artifact
// and key share are both persisted), the Signing Coordinator comes up
// already keyed; otherwise it waits idle until StartDKG succeeds.
func (s *Supervisor) Start(ctx context.Context) error {
	if s.cfg.Keystore == nil {
		return fmt.Errorf("supervisor: no key store configured")
	}
	s.log.Infow("key store ready")

	if s.cfg.Bus == nil {
		return fmt.Errorf("supervisor: no transport bus configured")
	}
	s.cfg.Bus.Subscribe(wire.TypeDKGCommitment, s.dispatchToDKG)
	s.cfg.Bus.Subscribe(wire.TypeDKGShare, s.dispatchToDKG)
	s.cfg.Bus.Subscribe(wire.TypeDKGPublicKeyShare, s.dispatchToDKG)
	s.cfg.Bus.Subscribe(wire.TypeHeartbeat, s.dispatchToCoordinator)
	s.cfg.Bus.Subscribe(wire.TypeNonceCommitment, s.dispatchToCoordinator)
	s.cfg.Bus.Subscribe(wire.TypeNonceReveal, s.dispatchToCoordinator)
	s.cfg.Bus.Subscribe(wire.TypePartialSignature, s.dispatchToCoordinator)
	s.pushStopper(s.cfg.Bus.Close)
	s.log.Infow("transport bus ready")

	if err := s.restoreKeyMaterial(); err != nil {
		s.log.Warnw("no prior DKG artifact restored, signing coordinator stays unkeyed", "err", err)
	}

	monCtx, cancel := context.WithCancel(ctx)
	s.monCancel = cancel
	for name, setup := range s.cfg.Chains {
		s.startMonitor(monCtx, name, setup)
	}
	s.pushStopper(s.stopMonitors)
	s.log.Infow("chain event monitors started", "count", len(s.cfg.Chains))

	s.mu.Lock()
	s.rebuildCoordinatorLocked()
	s.mu.Unlock()
	s.sweepStop = make(chan struct{})
	s.sweepDone = make(chan struct{})
	go s.sweepLoop()
	s.pushStopper(s.stopSweeper)
	s.log.Infow("signing coordinator ready")

	return nil
}

func (s *Supervisor) startMonitor(ctx context.Context, name string, setup ChainSetup) {
	ringSize := setup.RingSize
	if ringSize <= 0 {
		ringSize = 10000
	}
	ring := store.NewDedupRing(s.cfg.Store, ringSize)
	mon := chainmon.New(chainmon.Config{
		ChainName:         name,
		Provider:          setup.Provider,
		ConfirmationDepth: setup.ConfirmationDepth,
		RingSize:          ringSize,
		Log:               s.log.Named("chainmon").With("chain", name),
		Clock:             s.clock,
	}, ring)

	s.mu.Lock()
	s.monitors[name] = mon
	s.mu.Unlock()

	s.monWG.Add(1)
	go func() {
		defer s.monWG.Done()
		mon.Start(ctx, func(ctx context.Context, l chainmon.Log) { s.onSignalEvent(ctx, name, l) })
	}()
}

func (s *Supervisor) onSignalEvent(ctx context.Context, chainName string, l chainmon.Log) {
	s.mu.Lock()
	coord := s.coordinator
	s.mu.Unlock()
	if coord == nil {
		s.log.Warnw("dropping signal event, no signing coordinator keyed yet", "signalId", l.SignalID)
		return
	}
	metrics.SignalsObservedTotal.WithLabelValues(chainName).Inc()
	if err := coord.OnSignalEvent(ctx, l); err != nil {
		s.log.Errorw("signing coordinator rejected signal event", "signalId", l.SignalID, "err", err)
	}
}

func (s *Supervisor) dispatchToDKG(ctx context.Context, env wire.Envelope) {
	s.mu.Lock()
	ceremony := s.dkgCeremony
	s.mu.Unlock()
	if ceremony != nil {
		ceremony.OnEnvelope(ctx, env)
	}
}

func (s *Supervisor) dispatchToCoordinator(ctx context.Context, env wire.Envelope) {
	s.mu.Lock()
	coord := s.coordinator
	s.mu.Unlock()
	if coord != nil {
		coord.OnEnvelope(ctx, env)
	}
}

// DKGStatus reports the running ceremony's round, or "IDLE"/"DONE" when
// none is in flight, consumed by the /status endpoint (spec §6).
func (s *Supervisor) DKGStatus() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dkgCeremony != nil {
		return s.dkgCeremony.Status().String()
	}
	if s.keyed {
		return "DONE"
	}
	return "IDLE"
}

// StartDKG launches a new ceremony in the background, guarded against a
// second concurrent run (spec §5). It returns once the ceremony has been
// started, not once it completes; callers poll DKGStatus or watch
// OnComplete-style side effects for the result.
func (s *Supervisor) StartDKG(ctx context.Context) error {
	s.mu.Lock()
	if s.dkgCeremony != nil {
		s.mu.Unlock()
		return ErrDKGAlreadyRunning
	}
	ceremony := dkg.New(dkg.Config{
		SelfID:       s.cfg.SelfID,
		Threshold:    s.cfg.Threshold,
		Participants: s.cfg.Participants,
		CeremonyID:   s.cfg.KeyID,
		RoundTimeout: s.cfg.RoundTimeout,
		Bus:          s.cfg.Bus,
		Store:        s.cfg.Keystore,
		Log:          s.log,
	})
	s.dkgCeremony = ceremony
	s.mu.Unlock()

	s.log.Infow("dkg ceremony starting", "ceremonyId", s.cfg.KeyID, "participants", s.cfg.Participants)
	go func() {
		ceremony.Run(ctx)
		result, err := ceremony.Wait(ctx)

		s.mu.Lock()
		s.dkgCeremony = nil
		s.mu.Unlock()

		if err != nil {
			metrics.DKGCeremoniesTotal.WithLabelValues("failed").Inc()
			s.log.Errorw("dkg ceremony failed", "err", err)
			return
		}
		metrics.DKGCeremoniesTotal.WithLabelValues("done").Inc()
		s.onDKGComplete(result)
	}()
	return nil
}

func (s *Supervisor) onDKGComplete(result dkg.Result) {
	commitments := make(map[uint32][][]byte, len(result.Commitments))
	for id, points := range result.Commitments {
		encoded := make([][]byte, 0, len(points))
		for _, p := range points {
			encoded = append(encoded, p.Bytes())
		}
		commitments[id] = encoded
	}
	artifact := store.DKGArtifact{
		CeremonyID:     s.cfg.KeyID,
		GroupPublicKey: result.GroupPublicKey.Bytes(),
		Commitments:    commitments,
		Participants:   result.Participants,
	}
	if err := s.cfg.Store.PutDKGArtifact(artifact); err != nil {
		s.log.Errorw("persisting dkg artifact failed", "err", err)
	}

	s.mu.Lock()
	s.groupPublicKey = result.GroupPublicKey
	s.pubShares[s.cfg.SelfID] = result.PubShare
	s.keyed = true
	s.rebuildCoordinatorLocked()
	s.mu.Unlock()

	s.log.Infow("dkg ceremony complete, signing coordinator keyed", "ceremonyId", s.cfg.KeyID)
}

// restoreKeyMaterial reloads a previously-completed ceremony's group public
// key from the artifact store, so a restarted process doesn't need to
// re-run DKG to resume signing.
func (s *Supervisor) restoreKeyMaterial() error {
	artifact, found, err := s.cfg.Store.GetDKGArtifact(s.cfg.KeyID)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("supervisor: %w", ErrKeyMaterialMissing)
	}
	groupKey, err := curve.PointFromBytes(artifact.GroupPublicKey)
	if err != nil {
		return fmt.Errorf("supervisor: decoding persisted group public key: %w", err)
	}
	selfPub, err := s.cfg.Keystore.PublicKey(s.cfg.KeyID)
	if err != nil {
		return fmt.Errorf("supervisor: loading own public key share: %w", err)
	}

	s.mu.Lock()
	s.groupPublicKey = groupKey
	s.keyed = true
	s.pubShares[s.cfg.SelfID] = selfPub
	for id, encoded := range artifact.Commitments {
		if id == s.cfg.SelfID || len(encoded) == 0 {
			continue
		}
		// The party's own pubShare is its commitment constant term
		// (commitments[0] == pubShare * G's first coefficient point, i.e.
		// the share's own public commitment; spec §4.C round 6).
		p, err := curve.PointFromBytes(encoded[0])
		if err == nil {
			s.pubShares[id] = p
		}
	}
	s.mu.Unlock()
	return nil
}

// rebuildCoordinatorLocked (re)builds the Signing Coordinator once group
// key material is available. Must be called with s.mu held.
func (s *Supervisor) rebuildCoordinatorLocked() {
	if !s.keyed {
		return
	}
	s.coordinator = signer.New(signer.Config{
		SelfID:          s.cfg.SelfID,
		Threshold:       s.cfg.Threshold,
		KeyID:           s.cfg.KeyID,
		Store:           s.cfg.Keystore,
		Bus:             s.cfg.Bus,
		GroupPublicKey:  s.groupPublicKey,
		PubShares:       s.pubShares,
		HeartbeatWindow: s.cfg.HeartbeatWindow,
		RequestTimeout:  s.cfg.RequestTimeout,
		Log:             s.log.Named("signer"),
		Clock:           s.clock,
		OnComplete: func(sc wire.SignatureComplete) {
			s.log.Infow("aggregated signature produced", "requestId", sc.RequestID, "participants", sc.Participants)
			if s.cfg.OnSignatureComplete != nil {
				s.cfg.OnSignatureComplete(sc)
			}
		},
	})
}

// Pending proxies the Signing Coordinator's in-flight requestIds, or an
// empty slice before any key material exists.
func (s *Supervisor) Pending() []string {
	s.mu.Lock()
	coord := s.coordinator
	s.mu.Unlock()
	if coord == nil {
		return nil
	}
	return coord.Pending()
}

// HealthChecks exposes the live monitors' HealthCheck results, satisfying
// the narrow api.ChainHealth contract per chain.
func (s *Supervisor) HealthChecks() map[string]*chainmon.Monitor {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]*chainmon.Monitor, len(s.monitors))
	for name, m := range s.monitors {
		out[name] = m
	}
	return out
}

func (s *Supervisor) sweepLoop() {
	defer close(s.sweepDone)
	ticker := s.clock.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.sweepStop:
			return
		case <-ticker.Chan():
			s.mu.Lock()
			coord := s.coordinator
			s.mu.Unlock()
			if coord != nil {
				coord.SweepTimeouts()
			}
		}
	}
}

func (s *Supervisor) pushStopper(fn func() error) {
	s.mu.Lock()
	s.stoppers = append(s.stoppers, fn)
	s.mu.Unlock()
}

func (s *Supervisor) stopMonitors() error {
	if s.monCancel != nil {
		s.monCancel()
	}
	s.mu.Lock()
	monitors := make([]*chainmon.Monitor, 0, len(s.monitors))
	for _, m := range s.monitors {
		monitors = append(monitors, m)
	}
	s.mu.Unlock()
	for _, m := range monitors {
		m.Stop()
	}
	s.monWG.Wait()
	return nil
}

func (s *Supervisor) stopSweeper() error {
	if s.sweepStop == nil {
		return nil
	}
	close(s.sweepStop)
	select {
	case <-s.sweepDone:
	case <-time.After(5 * time.Second):
		return fmt.Errorf("supervisor: sweeper did not stop within grace period")
	}
	return nil
}

// Shutdown drains every started component in LIFO order, each given up to
// a 5s grace period (spec §5 "Shutdown"), and returns every component's
// stop error aggregated into one (nil if all stopped cleanly).
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	stoppers := append([]func() error{}, s.stoppers...)
	s.mu.Unlock()

	var result *multierror.Error
	for i := len(stoppers) - 1; i >= 0; i-- {
		done := make(chan error, 1)
		go func(stop func() error) {
			done <- stop()
		}(stoppers[i])
		select {
		case err := <-done:
			if err != nil {
				result = multierror.Append(result, err)
			}
		case <-time.After(5 * time.Second):
			result = multierror.Append(result, fmt.Errorf("supervisor: component did not shut down within grace period"))
		case <-ctx.Done():
			result = multierror.Append(result, ctx.Err())
			return result.ErrorOrNil()
		}
	}
	return result.ErrorOrNil()
}
