package signer

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/bridgevalidator/node/internal/chainmon"
	"github.com/bridgevalidator/node/internal/crypto/curve"
	"github.com/bridgevalidator/node/internal/crypto/nonce"
	"github.com/bridgevalidator/node/internal/crypto/schnorr"
	"github.com/bridgevalidator/node/internal/keystore"
	"github.com/bridgevalidator/node/internal/log"
	"github.com/bridgevalidator/node/internal/transport"
	"github.com/bridgevalidator/node/pkg/wire"
)

const defaultHeartbeatWindow = 10 * time.Second
const defaultRequestTimeout = 30 * time.Second

// Config parameterizes one Signing Coordinator instance.
type Config struct {
	SelfID          uint32
	Threshold       int
	KeyID           string
	Store           keystore.Backend
	Bus             transport.Bus
	GroupPublicKey  curve.Point
	PubShares       map[uint32]curve.Point
	Selection       SelectionStrategy
	HeartbeatWindow time.Duration
	RequestTimeout  time.Duration
	Log             log.Logger
	Clock           clockwork.Clock
	OnComplete      func(wire.SignatureComplete)
}

// Coordinator drives spec §4.E: turning SignalEvents into signing
// ceremonies, running the commit-reveal nonce sub-protocol, collecting and
// verifying partial signatures, and emitting the aggregated result.
type Coordinator struct {
	cfg   Config
	clock clockwork.Clock

	mu           sync.Mutex
	availability map[uint32]time.Time
	requests     map[string]*request
}

// New builds a Coordinator. The caller is responsible for registering
// Coordinator.OnEnvelope against the bus for every wire type this package
// handles (heartbeats, the two nonce rounds, and partial signatures).
func New(cfg Config) *Coordinator {
	if cfg.Selection == nil {
		cfg.Selection = AscendingStrategy{}
	}
	if cfg.HeartbeatWindow == 0 {
		cfg.HeartbeatWindow = defaultHeartbeatWindow
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	clock := cfg.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Coordinator{
		cfg:          cfg,
		clock:        clock,
		availability: make(map[uint32]time.Time),
		requests:     make(map[string]*request),
	}
}

// OnSignalEvent is the chain monitor's callback (spec §4.E). Idempotent in
// ev.SignalID: a redelivered event for a requestId already tracked is a
// no-op.
func (c *Coordinator) OnSignalEvent(ctx context.Context, ev chainmon.Log) error {
	rid := RequestID(ev.SignalID, ev.TxHash)

	c.mu.Lock()
	if _, exists := c.requests[rid]; exists {
		c.mu.Unlock()
		return nil
	}

	signalID, err := DecodeSignalID(ev.SignalID)
	if err != nil {
		c.mu.Unlock()
		return fmt.Errorf("signer: %w", err)
	}
	message := Canonical(signalID, ev.SrcChainID, ev.DstChainID, ev.Nonce, ev.Payload)

	available := c.availableLocked()
	participants := c.cfg.Selection.Select(c.cfg.Threshold, available, ev.SignalID)

	deadline := c.clock.Now().Add(c.cfg.RequestTimeout)
	r := newRequest(rid, ev.SignalID, message, c.cfg.KeyID, c.cfg.Threshold, c.cfg.SelfID, deadline)
	c.requests[rid] = r

	if len(participants) < c.cfg.Threshold {
		r.status = StatusFailed
		r.reason = FailureInsufficientPartial
		c.mu.Unlock()
		c.cfg.Log.Warnw("not enough available parties to start signing request", "requestId", rid, "available", len(available), "threshold", c.cfg.Threshold)
		return nil
	}
	r.participants = participants
	r.selected = containsParty(participants, c.cfg.SelfID)
	r.status = StatusAwaitingPartials

	if !r.selected {
		c.mu.Unlock()
		c.cfg.Log.Debugw("not selected for signing request", "requestId", rid, "participants", participants)
		return nil
	}

	share, err := nonce.NewShare()
	if err != nil {
		r.status = StatusFailed
		r.reason = FailureKeyStoreUnavailable
		c.mu.Unlock()
		return fmt.Errorf("signer: sampling nonce share: %w", err)
	}
	r.nonceShare = share
	commitment := share.Commit()
	r.commitments[c.cfg.SelfID] = commitment
	c.mu.Unlock()

	c.cfg.Log.Infow("starting signing request", "requestId", rid, "participants", participants)
	return c.broadcastToParticipants(ctx, participants, wire.TypeNonceCommitment, rid, wire.NonceCommitment{
		RequestID:  rid,
		PartyID:    c.cfg.SelfID,
		Commitment: fmt.Sprintf("%x", commitment),
	})
}

// OnEnvelope dispatches an inbound wire message to the handler for its type.
// Envelopes this package does not own are ignored.
func (c *Coordinator) OnEnvelope(ctx context.Context, env wire.Envelope) {
	switch env.Type {
	case wire.TypeHeartbeat:
		c.onHeartbeat(env)
	case wire.TypeNonceCommitment:
		c.onNonceCommitment(ctx, env)
	case wire.TypeNonceReveal:
		c.onNonceReveal(ctx, env)
	case wire.TypePartialSignature:
		c.onPartialSignature(ctx, env)
	}
}

func (c *Coordinator) onHeartbeat(env wire.Envelope) {
	c.mu.Lock()
	c.availability[env.SenderPartyID] = c.clock.Now()
	c.mu.Unlock()
}

func (c *Coordinator) onNonceCommitment(ctx context.Context, env wire.Envelope) {
	var payload wire.NonceCommitment
	if err := fromJSON(env.Payload, &payload); err != nil {
		c.cfg.Log.Warnw("malformed nonce commitment", "err", err)
		return
	}
	commitment, err := decodeCommitment(payload.Commitment)
	if err != nil {
		c.cfg.Log.Warnw("malformed nonce commitment hex", "requestId", payload.RequestID, "err", err)
		return
	}

	c.mu.Lock()
	r, ok := c.requests[payload.RequestID]
	if !ok || !r.selected {
		c.mu.Unlock()
		return
	}
	if !containsParty(r.participants, payload.PartyID) {
		c.mu.Unlock()
		c.cfg.Log.Warnw("nonce commitment from non-selected party, rejecting", "requestId", payload.RequestID, "partyId", payload.PartyID, "reason", FailureUnexpectedParty)
		return
	}
	if _, dup := r.commitments[payload.PartyID]; dup {
		c.mu.Unlock()
		return
	}
	r.commitments[payload.PartyID] = commitment
	ready := r.hasQuorumCommitments()
	participants := r.participants
	rid := r.requestID
	share := r.nonceShare
	c.mu.Unlock()

	if !ready {
		return
	}
	_ = c.broadcastToParticipants(ctx, participants, wire.TypeNonceReveal, rid, wire.NonceReveal{
		RequestID: rid,
		PartyID:   c.cfg.SelfID,
		Point:     hexPoint(share.Point),
	})
}

func (c *Coordinator) onNonceReveal(ctx context.Context, env wire.Envelope) {
	var payload wire.NonceReveal
	if err := fromJSON(env.Payload, &payload); err != nil {
		c.cfg.Log.Warnw("malformed nonce reveal", "err", err)
		return
	}
	point, err := decodeHexPoint(payload.Point)
	if err != nil {
		c.cfg.Log.Warnw("malformed nonce reveal point", "requestId", payload.RequestID, "err", err)
		return
	}

	c.mu.Lock()
	r, ok := c.requests[payload.RequestID]
	if !ok || !r.selected {
		c.mu.Unlock()
		return
	}
	if !containsParty(r.participants, payload.PartyID) {
		c.mu.Unlock()
		c.cfg.Log.Warnw("nonce reveal from non-selected party, rejecting", "requestId", payload.RequestID, "partyId", payload.PartyID, "reason", FailureUnexpectedParty)
		return
	}
	commitment, hasCommitment := r.commitments[payload.PartyID]
	if !hasCommitment {
		c.mu.Unlock()
		c.cfg.Log.Warnw("nonce reveal arrived before its commitment", "requestId", payload.RequestID, "partyId", payload.PartyID)
		return
	}
	if err := nonce.VerifyReveal(commitment, point); err != nil {
		c.mu.Unlock()
		c.cfg.Log.Warnw("nonce reveal does not match prior commitment, dropping", "requestId", payload.RequestID, "partyId", payload.PartyID)
		return
	}
	if _, dup := r.revealedPoints[payload.PartyID]; dup {
		c.mu.Unlock()
		return
	}
	r.revealedPoints[payload.PartyID] = point
	ready := r.hasQuorumReveals() && !r.nonceAggregated
	var points []curve.Point
	if ready {
		points = sortedPoints(r.revealedPoints, r.participants)
	}
	c.mu.Unlock()

	if !ready {
		return
	}
	aggregated, err := nonce.Aggregate(points)
	if err != nil {
		c.failRequest(payload.RequestID, FailureVerification)
		return
	}

	c.mu.Lock()
	r, ok = c.requests[payload.RequestID]
	if !ok {
		c.mu.Unlock()
		return
	}
	r.aggregatedNonce = aggregated
	r.nonceAggregated = true
	c.mu.Unlock()

	c.signLocalPartial(ctx, payload.RequestID)
}

func (c *Coordinator) signLocalPartial(ctx context.Context, requestID string) {
	c.mu.Lock()
	r, ok := c.requests[requestID]
	if !ok || r.status == StatusDone || r.status == StatusFailed {
		c.mu.Unlock()
		return
	}
	message := r.message
	aggregatedNonce := r.aggregatedNonce
	nonceShareScalar := r.nonceShare.Scalar
	keyID := r.keyID
	participants := r.participants
	rid := r.requestID
	c.mu.Unlock()

	challenge := schnorr.Challenge(c.cfg.GroupPublicKey, aggregatedNonce, message)
	z, err := c.cfg.Store.Sign(keyID, challenge, nonceShareScalar)
	if err != nil {
		c.failRequest(requestID, FailureKeyStoreUnavailable)
		c.cfg.Log.Errorw("key store sign failed", "requestId", requestID, "err", err)
		return
	}

	c.mu.Lock()
	r, ok = c.requests[requestID]
	if !ok {
		c.mu.Unlock()
		return
	}
	r.partials[c.cfg.SelfID] = z
	c.mu.Unlock()

	pubShare := c.cfg.PubShares[c.cfg.SelfID]
	_ = c.broadcastToParticipants(ctx, participants, wire.TypePartialSignature, rid, wire.PartialSignature{
		RequestID:      rid,
		PartyID:        c.cfg.SelfID,
		Signature:      encodeSignature(aggregatedNonce, z),
		PublicKeyShare: hexPoint(pubShare),
	})

	c.tryAggregate(requestID)
}

func (c *Coordinator) onPartialSignature(ctx context.Context, env wire.Envelope) {
	var payload wire.PartialSignature
	if err := fromJSON(env.Payload, &payload); err != nil {
		c.cfg.Log.Warnw("malformed partial signature", "err", err)
		return
	}
	_, z, err := decodeSignature(payload.Signature)
	if err != nil {
		c.cfg.Log.Warnw("malformed partial signature encoding", "requestId", payload.RequestID, "err", err)
		return
	}

	c.mu.Lock()
	r, ok := c.requests[payload.RequestID]
	if !ok || r.status == StatusDone || r.status == StatusFailed {
		c.mu.Unlock()
		return
	}
	if !containsParty(r.participants, payload.PartyID) {
		c.mu.Unlock()
		c.cfg.Log.Warnw("partial signature from non-selected party, rejecting", "requestId", payload.RequestID, "partyId", payload.PartyID, "reason", FailureUnexpectedParty)
		return
	}
	if _, dup := r.partials[payload.PartyID]; dup {
		c.mu.Unlock()
		return
	}
	r.partials[payload.PartyID] = z
	c.mu.Unlock()

	c.tryAggregate(payload.RequestID)
	_ = ctx
}

// tryAggregate runs spec §4.E's "Aggregation" step once the partial map
// reaches the threshold (and, if this party was selected, includes its own
// contribution).
func (c *Coordinator) tryAggregate(requestID string) {
	c.mu.Lock()
	r, ok := c.requests[requestID]
	if !ok || r.status == StatusDone || r.status == StatusFailed {
		c.mu.Unlock()
		return
	}
	if len(r.partials) < r.threshold {
		c.mu.Unlock()
		return
	}
	if r.selected && !r.hasOwnPartial() {
		c.mu.Unlock()
		return
	}
	if !r.nonceAggregated {
		c.mu.Unlock()
		return
	}
	r.status = StatusAggregating
	message := r.message
	aggregatedNonce := r.aggregatedNonce
	partials := make(map[uint32]curve.Scalar, len(r.partials))
	for id, z := range r.partials {
		partials[id] = z
	}
	revealed := r.revealedPoints
	c.mu.Unlock()

	type verified struct {
		id uint32
		z  curve.Scalar
	}
	var good []verified
	for id, z := range partials {
		rj, ok := revealed[id]
		if !ok {
			continue
		}
		pubShare, ok := c.cfg.PubShares[id]
		if !ok {
			c.cfg.Log.Warnw("no pubShare on record for party, rejecting its partial", "requestId", requestID, "partyId", id)
			continue
		}
		if !schnorr.VerifyPartial(pubShare, rj, aggregatedNonce, c.cfg.GroupPublicKey, message, z) {
			c.cfg.Log.Warnw("partial signature failed verification, rejecting", "requestId", requestID, "partyId", id)
			continue
		}
		good = append(good, verified{id: id, z: z})
	}

	threshold := r.threshold
	if len(good) < threshold {
		c.failRequest(requestID, FailureInsufficientPartial)
		return
	}
	sort.Slice(good, func(i, j int) bool { return good[i].id < good[j].id })
	zs := make([]curve.Scalar, 0, len(good))
	for _, v := range good {
		zs = append(zs, v.z)
	}
	sig := schnorr.Aggregate(aggregatedNonce, zs)
	if !schnorr.VerifyAggregate(c.cfg.GroupPublicKey, message, sig) {
		c.failRequest(requestID, FailureVerification)
		return
	}

	participantIDs := make([]uint32, 0, len(good))
	for _, v := range good {
		participantIDs = append(participantIDs, v.id)
	}
	complete := wire.SignatureComplete{
		RequestID:    requestID,
		Signature:    encodeSignature(sig.R, sig.Z),
		Participants: participantIDs,
	}

	c.mu.Lock()
	r, ok = c.requests[requestID]
	if ok {
		r.status = StatusDone
		r.finalSignature = []byte(complete.Signature)
	}
	c.mu.Unlock()

	c.cfg.Log.Infow("signing request complete", "requestId", requestID, "participants", participantIDs)
	if c.cfg.OnComplete != nil {
		c.cfg.OnComplete(complete)
	}
}

func (c *Coordinator) failRequest(requestID string, reason FailureReason) {
	c.mu.Lock()
	r, ok := c.requests[requestID]
	if ok && r.status != StatusDone {
		r.status = StatusFailed
		r.reason = reason
	}
	c.mu.Unlock()
	if ok {
		c.cfg.Log.Warnw("signing request failed", "requestId", requestID, "reason", reason)
	}
}

// SweepTimeouts fails every AWAITING_PARTIALS/AGGREGATING request whose
// deadline has passed (spec §4.E "Failure causes: timeout"). Intended to be
// called periodically by the supervisor, the same pattern the chain
// monitor uses for its own sweep ticker.
func (c *Coordinator) SweepTimeouts() {
	now := c.clock.Now()
	var expired []string
	c.mu.Lock()
	for id, r := range c.requests {
		if (r.status == StatusAwaitingPartials || r.status == StatusAggregating) && now.After(r.deadline) {
			expired = append(expired, id)
		}
	}
	c.mu.Unlock()
	for _, id := range expired {
		c.failRequest(id, FailureTimeout)
	}
}

// Pending returns the requestIds currently in flight (spec §4.E
// "pending() -> [requestId]").
func (c *Coordinator) Pending() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.requests))
	for id, r := range c.requests {
		if r.status != StatusDone && r.status != StatusFailed {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

func (c *Coordinator) availableLocked() []uint32 {
	out := []uint32{c.cfg.SelfID}
	cutoff := c.clock.Now().Add(-c.cfg.HeartbeatWindow)
	for id, last := range c.availability {
		if id == c.cfg.SelfID {
			continue
		}
		if last.After(cutoff) {
			out = append(out, id)
		}
	}
	return out
}

func (c *Coordinator) broadcastToParticipants(ctx context.Context, participants []uint32, msgType wire.Type, correlationID string, payload interface{}) error {
	env := wire.Envelope{
		Type:          msgType,
		SenderPartyID: c.cfg.SelfID,
		CorrelationID: correlationID,
		Timestamp:     c.clock.Now(),
		Payload:       mustJSON(payload),
	}
	var firstErr error
	for _, id := range participants {
		if id == c.cfg.SelfID {
			continue
		}
		if err := c.cfg.Bus.Send(ctx, id, env); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// RequestID derives spec §3's requestId = signalId || observedTxHash_prefix.
func RequestID(signalID, txHash string) string {
	prefix := txHash
	if len(prefix) > 10 {
		prefix = prefix[:10]
	}
	return signalID + ":" + prefix
}

func containsParty(ids []uint32, target uint32) bool {
	for _, id := range ids {
		if id == target {
			return true
		}
	}
	return false
}

func sortedPoints(points map[uint32]curve.Point, order []uint32) []curve.Point {
	sortedIDs := append([]uint32(nil), order...)
	sort.Slice(sortedIDs, func(i, j int) bool { return sortedIDs[i] < sortedIDs[j] })
	out := make([]curve.Point, 0, len(sortedIDs))
	for _, id := range sortedIDs {
		if p, ok := points[id]; ok {
			out = append(out, p)
		}
	}
	return out
}
