// Package dkg drives the Feldman-VSS Pedersen DKG (spec §4.C): seven
// logical rounds, one ceremony at a time per process (spec §5: "the DKG
// engine is strictly single-instance"), state persisted through the Key
// Store on success.
package dkg

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/bridgevalidator/node/internal/crypto/curve"
	"github.com/bridgevalidator/node/internal/crypto/schnorr"
	"github.com/bridgevalidator/node/internal/crypto/vss"
	"github.com/bridgevalidator/node/internal/keystore"
	"github.com/bridgevalidator/node/internal/log"
	"github.com/bridgevalidator/node/internal/transport"
	"github.com/bridgevalidator/node/pkg/wire"
)

// Status is the ceremony's position in the ten-state machine
// INIT..DONE/FAILED.
type Status uint32

const (
	StatusInit Status = iota
	StatusR1Commit
	StatusR2Verify
	StatusR3Share
	StatusR4Verify
	StatusR5Assemble
	StatusR6PubShare
	StatusR7Aggregate
	StatusDone
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusInit:
		return "INIT"
	case StatusR1Commit:
		return "R1_COMMIT"
	case StatusR2Verify:
		return "R2_VERIFY"
	case StatusR3Share:
		return "R3_SHARE"
	case StatusR4Verify:
		return "R4_VERIFY"
	case StatusR5Assemble:
		return "R5_ASSEMBLE"
	case StatusR6PubShare:
		return "R6_PUBSHARE"
	case StatusR7Aggregate:
		return "R7_AGGREGATE"
	case StatusDone:
		return "DONE"
	case StatusFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// FailureReason is a typed DKG failure cause (spec §7: "internal components
// expose typed failure kinds, never string-panic").
type FailureReason string

const (
	FailureTimeout             FailureReason = "DKG_TIMEOUT"
	FailureBadCommitment       FailureReason = "BAD_COMMITMENT"
	FailureBadShare            FailureReason = "BAD_SHARE"
	FailureKeyStoreUnavailable FailureReason = "KEY_STORE_UNAVAILABLE"
)

// Failure records why a ceremony failed and which parties are to blame, if
// known (spec §8 scenario 2: "DKG_TIMEOUT(round=3, missing=[4])").
type Failure struct {
	Reason  FailureReason
	Round   Status
	Missing []uint32
	Detail  string
}

func (f Failure) Error() string {
	return fmt.Sprintf("%s at round %s (missing=%v): %s", f.Reason, f.Round, f.Missing, f.Detail)
}

// Result is what a successfully completed ceremony persists (spec §4.C
// round 7).
type Result struct {
	KeyShare       curve.Scalar
	PubShare       curve.Point
	GroupPublicKey curve.Point
	Commitments    map[uint32][]curve.Point
	Participants   []uint32
}

// Ceremony drives one DKG instance from INIT to DONE or FAILED. The
// engine-wide single-instance guard (spec §5) lives one level up, in
// internal/supervisor; Ceremony itself is safe to construct fresh per run.
type Ceremony struct {
	mu sync.Mutex

	selfID       uint32
	threshold    int
	participants []uint32
	ceremonyID   string
	roundTimeout time.Duration

	bus   transport.Bus
	store keystore.Backend
	log   log.Logger

	status Status

	poly         vss.Polynomial
	commitments  map[uint32][]curve.Point // partyID -> commitments
	proofs       map[uint32]schnorr.ProofOfKnowledge
	sharesToMe   map[uint32]curve.Scalar // partyID(from) -> s_{from->self}
	pubShares    map[uint32]curve.Point

	buffered map[Status][]wire.Envelope

	resultCh chan Result
	failCh   chan Failure
}

// Config parameterizes a single ceremony run.
type Config struct {
	SelfID       uint32
	Threshold    int
	Participants []uint32
	CeremonyID   string
	RoundTimeout time.Duration
	Bus          transport.Bus
	Store        keystore.Backend
	Log          log.Logger
}

// New builds a ceremony ready to Run. Participants must include SelfID.
func New(cfg Config) *Ceremony {
	return &Ceremony{
		selfID:       cfg.SelfID,
		threshold:    cfg.Threshold,
		participants: cfg.Participants,
		ceremonyID:   cfg.CeremonyID,
		roundTimeout: cfg.RoundTimeout,
		bus:          cfg.Bus,
		store:        cfg.Store,
		log:          cfg.Log.Named("dkg").With("ceremonyId", cfg.CeremonyID),
		status:       StatusInit,
		commitments:  make(map[uint32][]curve.Point),
		proofs:       make(map[uint32]schnorr.ProofOfKnowledge),
		sharesToMe:   make(map[uint32]curve.Scalar),
		pubShares:    make(map[uint32]curve.Point),
		buffered:     make(map[Status][]wire.Envelope),
		resultCh:     make(chan Result, 1),
		failCh:       make(chan Failure, 1),
	}
}

// Status returns the ceremony's current round under lock, for inspection by
// the operator API.
func (c *Ceremony) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

func (c *Ceremony) setStatus(s Status) {
	c.mu.Lock()
	c.status = s
	c.mu.Unlock()
	c.log.Infow("round transition", "round", s.String())
}

// OnEnvelope feeds one inbound wire envelope into the ceremony. Messages
// naming an earlier round than the ceremony is currently in are rejected
// (spec §8 invariant 6: "round boundaries are monotone"); messages naming a
// future round are buffered until the ceremony reaches it.
func (c *Ceremony) OnEnvelope(ctx context.Context, env wire.Envelope) {
	round, ok := envelopeRound(env.Type)
	if !ok {
		return
	}
	c.mu.Lock()
	current := c.status
	if round < current {
		c.mu.Unlock()
		c.log.Warnw("dropping envelope for an earlier round than current", "msgRound", round, "current", current)
		return
	}
	if round > current {
		c.buffered[round] = append(c.buffered[round], env)
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	c.applyEnvelope(ctx, env)
}

func (c *Ceremony) drainBuffered(ctx context.Context, round Status) {
	c.mu.Lock()
	pending := c.buffered[round]
	delete(c.buffered, round)
	c.mu.Unlock()
	for _, env := range pending {
		c.applyEnvelope(ctx, env)
	}
}

func envelopeRound(t wire.Type) (Status, bool) {
	switch t {
	case wire.TypeDKGCommitment:
		return StatusR2Verify, true
	case wire.TypeDKGShare:
		return StatusR4Verify, true
	case wire.TypeDKGPublicKeyShare:
		return StatusR6PubShare, true
	default:
		return 0, false
	}
}

// Wait blocks until the ceremony finishes, returning either a Result or a
// Failure.
func (c *Ceremony) Wait(ctx context.Context) (Result, error) {
	select {
	case r := <-c.resultCh:
		return r, nil
	case f := <-c.failCh:
		return Result{}, f
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

func (c *Ceremony) fail(f Failure) {
	c.setStatus(StatusFailed)
	c.log.Errorw("ceremony failed", "reason", f.Reason, "round", f.Round, "missing", f.Missing)
	select {
	case c.failCh <- f:
	default:
	}
}

func (c *Ceremony) succeed(r Result) {
	c.setStatus(StatusDone)
	select {
	case c.resultCh <- r:
	default:
	}
}
