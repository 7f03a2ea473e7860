package dkg

import (
	"context"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/bridgevalidator/node/internal/crypto/curve"
	"github.com/bridgevalidator/node/internal/crypto/schnorr"
	"github.com/bridgevalidator/node/internal/crypto/vss"
	"github.com/bridgevalidator/node/internal/keystore"
	"github.com/bridgevalidator/node/pkg/wire"
)

// Run drives the ceremony through all seven rounds (spec §4.C), emitting
// onto resultCh/failCh on completion. Callers read the outcome with Wait.
func (c *Ceremony) Run(ctx context.Context) {
	c.setStatus(StatusR1Commit)

	poly, err := vss.NewRandomPolynomial(c.threshold)
	if err != nil {
		c.fail(Failure{Reason: FailureKeyStoreUnavailable, Round: StatusR1Commit, Detail: err.Error()})
		return
	}
	c.mu.Lock()
	c.poly = poly
	c.mu.Unlock()

	commitments := poly.Commitments()
	proof, err := schnorr.Prove(c.selfID, poly.Secret(), commitments[0])
	if err != nil {
		c.fail(Failure{Reason: FailureKeyStoreUnavailable, Round: StatusR1Commit, Detail: err.Error()})
		return
	}

	c.mu.Lock()
	c.commitments[c.selfID] = commitments
	c.proofs[c.selfID] = proof
	c.mu.Unlock()

	if err := c.broadcastCommitment(ctx, commitments, proof); err != nil {
		c.log.Warnw("broadcasting commitment had partial failures", "err", err)
	}

	c.setStatus(StatusR2Verify)
	c.drainBuffered(ctx, StatusR2Verify)
	if f := c.awaitRound(ctx, StatusR2Verify, func() (int, []uint32) { return c.countCommitments() }); f != nil {
		c.fail(*f)
		return
	}
	if f := c.verifyCommitments(); f != nil {
		c.fail(*f)
		return
	}

	c.setStatus(StatusR3Share)
	c.mu.Lock()
	c.sharesToMe[c.selfID] = poly.EvaluateAt(c.selfID)
	c.mu.Unlock()
	if err := c.distributeShares(ctx, poly); err != nil {
		c.log.Warnw("distributing shares had partial failures", "err", err)
	}

	c.setStatus(StatusR4Verify)
	c.drainBuffered(ctx, StatusR4Verify)
	if f := c.awaitRound(ctx, StatusR4Verify, func() (int, []uint32) { return c.countShares() }); f != nil {
		c.fail(*f)
		return
	}
	if f := c.verifyShares(); f != nil {
		c.fail(*f)
		return
	}

	c.setStatus(StatusR5Assemble)
	keyShare := c.assembleKeyShare()
	pubShare := keyShare.BasePointMul()
	c.mu.Lock()
	c.pubShares[c.selfID] = pubShare
	c.mu.Unlock()

	c.setStatus(StatusR6PubShare)
	if err := c.broadcastPubShare(ctx, pubShare); err != nil {
		c.log.Warnw("broadcasting public key share had partial failures", "err", err)
	}
	c.drainBuffered(ctx, StatusR6PubShare)
	if f := c.awaitRound(ctx, StatusR6PubShare, func() (int, []uint32) { return c.countPubShares() }); f != nil {
		c.fail(*f)
		return
	}

	c.setStatus(StatusR7Aggregate)
	groupKey, err := c.aggregateGroupKey()
	if err != nil {
		c.fail(Failure{Reason: FailureBadShare, Round: StatusR7Aggregate, Detail: err.Error()})
		return
	}

	meta := keystore.Metadata{Algorithm: keystore.AlgorithmSchnorr, CreatedAt: timeNow(), Usages: []string{"sign"}}
	if err := c.store.Put(c.ceremonyID, keyShare, meta, false); err != nil {
		c.fail(Failure{Reason: FailureKeyStoreUnavailable, Round: StatusR7Aggregate, Detail: err.Error()})
		return
	}

	c.mu.Lock()
	committedCopy := make(map[uint32][]curve.Point, len(c.commitments))
	for k, v := range c.commitments {
		committedCopy[k] = v
	}
	c.mu.Unlock()

	c.succeed(Result{
		KeyShare:       keyShare,
		PubShare:       pubShare,
		GroupPublicKey: groupKey,
		Commitments:    committedCopy,
		Participants:   c.participants,
	})
}

// timeNow is a thin seam so tests can stamp deterministic metadata; the
// ceremony itself only needs "now" for bookkeeping, never for cryptography.
var timeNow = time.Now

func (c *Ceremony) applyEnvelope(_ context.Context, env wire.Envelope) {
	switch env.Type {
	case wire.TypeDKGCommitment:
		c.handleCommitment(env)
	case wire.TypeDKGShare:
		c.handleShare(env)
	case wire.TypeDKGPublicKeyShare:
		c.handlePubShare(env)
	}
}

// awaitRound blocks until collected() reports every other participant
// present, or until c.roundTimeout elapses, in which case it returns a
// DKG_TIMEOUT Failure naming the still-missing parties (spec §8 scenario 2).
func (c *Ceremony) awaitRound(ctx context.Context, round Status, collected func() (int, []uint32)) *Failure {
	deadline := time.NewTimer(c.roundTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()

	want := len(c.participants)
	for {
		if n, _ := collected(); n >= want {
			return nil
		}
		select {
		case <-ctx.Done():
			_, missing := collected()
			return &Failure{Reason: FailureTimeout, Round: round, Missing: missing, Detail: ctx.Err().Error()}
		case <-deadline.C:
			_, missing := collected()
			return &Failure{Reason: FailureTimeout, Round: round, Missing: missing, Detail: fmt.Sprintf("round timed out after %s", c.roundTimeout)}
		case <-ticker.C:
		}
	}
}

func (c *Ceremony) countCommitments() (int, []uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.commitments), c.missingFrom(c.commitments)
}

func (c *Ceremony) countShares() (int, []uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sharesToMe), c.missingFrom(c.sharesToMe)
}

func (c *Ceremony) countPubShares() (int, []uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pubShares), c.missingFromPoints(c.pubShares)
}

func (c *Ceremony) missingFrom(m map[uint32][]curve.Point) []uint32 {
	var missing []uint32
	for _, id := range c.participants {
		if _, ok := m[id]; !ok {
			missing = append(missing, id)
		}
	}
	return missing
}

func (c *Ceremony) missingFromPoints(m map[uint32]curve.Point) []uint32 {
	var missing []uint32
	for _, id := range c.participants {
		if _, ok := m[id]; !ok {
			missing = append(missing, id)
		}
	}
	return missing
}

func (c *Ceremony) broadcastCommitment(ctx context.Context, commitments []curve.Point, proof schnorr.ProofOfKnowledge) error {
	hexCommitments := make([]string, len(commitments))
	for i, pt := range commitments {
		hexCommitments[i] = hex.EncodeToString(pt.Bytes())
	}
	payload := wire.DKGCommitment{
		CeremonyID:  c.ceremonyID,
		PartyID:     c.selfID,
		Commitments: hexCommitments,
		Proof: wire.Proof{
			R: hex.EncodeToString(proof.R.Bytes()),
			Z: hex.EncodeToString(proof.Z.Bytes()),
		},
	}
	return c.bus.Broadcast(ctx, wire.Envelope{Type: wire.TypeDKGCommitment, CorrelationID: c.ceremonyID, Timestamp: timeNow(), Payload: mustJSON(payload)})
}

func (c *Ceremony) handleCommitment(env wire.Envelope) {
	var payload wire.DKGCommitment
	if err := fromJSON(env.Payload, &payload); err != nil {
		c.log.Warnw("malformed commitment payload", "err", err)
		return
	}
	if len(payload.Commitments) != c.threshold {
		c.log.Warnw("rejecting commitment set of wrong length", "from", payload.PartyID, "got", len(payload.Commitments), "want", c.threshold)
		return
	}
	points := make([]curve.Point, len(payload.Commitments))
	for i, h := range payload.Commitments {
		raw, err := hex.DecodeString(h)
		if err != nil {
			c.log.Warnw("malformed commitment hex", "from", payload.PartyID, "err", err)
			return
		}
		pt, err := curve.PointFromBytes(raw)
		if err != nil {
			c.log.Warnw("malformed commitment point", "from", payload.PartyID, "err", err)
			return
		}
		points[i] = pt
	}
	rRaw, err1 := hex.DecodeString(payload.Proof.R)
	zRaw, err2 := hex.DecodeString(payload.Proof.Z)
	if err1 != nil || err2 != nil {
		c.log.Warnw("malformed proof hex", "from", payload.PartyID)
		return
	}
	rPoint, err3 := curve.PointFromBytes(rRaw)
	zScalar, err4 := curve.ScalarFromBytes(zRaw)
	if err3 != nil || err4 != nil {
		c.log.Warnw("malformed proof contents", "from", payload.PartyID)
		return
	}

	c.mu.Lock()
	if _, dup := c.commitments[payload.PartyID]; dup {
		c.mu.Unlock()
		c.log.Debugw("dropping duplicate commitment within round", "from", payload.PartyID)
		return
	}
	c.commitments[payload.PartyID] = points
	c.proofs[payload.PartyID] = schnorr.ProofOfKnowledge{R: rPoint, Z: zScalar}
	c.mu.Unlock()
}

// verifyCommitments checks every received proof of knowledge (spec §4.C
// round 3), rejecting the ceremony and naming the faulting party on the
// first failure.
func (c *Ceremony) verifyCommitments() *Failure {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range c.participants {
		points, ok := c.commitments[id]
		if !ok {
			continue // already reported missing by awaitRound's timeout path
		}
		proof, ok := c.proofs[id]
		if !ok {
			return &Failure{Reason: FailureBadCommitment, Round: StatusR2Verify, Missing: []uint32{id}, Detail: "commitment received without accompanying proof"}
		}
		if !schnorr.Verify(id, points[0], proof) {
			return &Failure{Reason: FailureBadCommitment, Round: StatusR2Verify, Missing: []uint32{id}, Detail: "proof of knowledge did not verify"}
		}
	}
	return nil
}

func (c *Ceremony) distributeShares(ctx context.Context, poly vss.Polynomial) error {
	var lastErr error
	for _, id := range c.participants {
		if id == c.selfID {
			continue
		}
		share := poly.EvaluateAt(id)
		payload := wire.DKGShare{
			CeremonyID: c.ceremonyID,
			FromParty:  c.selfID,
			ToParty:    id,
			ShareBytes: share.Bytes(), // confidentiality relies entirely on the mutual-TLS channel, not payload encryption
		}
		env := wire.Envelope{Type: wire.TypeDKGShare, CorrelationID: c.ceremonyID, Timestamp: timeNow(), Payload: mustJSON(payload)}
		if err := c.bus.Send(ctx, id, env); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

func (c *Ceremony) handleShare(env wire.Envelope) {
	var payload wire.DKGShare
	if err := fromJSON(env.Payload, &payload); err != nil {
		c.log.Warnw("malformed share payload", "err", err)
		return
	}
	if payload.ToParty != c.selfID {
		return
	}
	share, err := curve.ScalarFromBytes(payload.ShareBytes)
	if err != nil {
		c.log.Warnw("malformed share scalar", "from", payload.FromParty, "err", err)
		return
	}
	c.mu.Lock()
	if _, dup := c.sharesToMe[payload.FromParty]; dup {
		c.mu.Unlock()
		c.log.Debugw("dropping duplicate share within round", "from", payload.FromParty)
		return
	}
	c.sharesToMe[payload.FromParty] = share
	c.mu.Unlock()
}

// verifyShares runs the Feldman check from spec §4.C round 5 on every
// received share, broadcasting nothing itself (the complaint protocol is a
// ceremony abort, per spec §4.C(3)'s "reject the ceremony on any failure,
// identifying the faulting party" policy applied uniformly to rounds 3 and 5).
func (c *Ceremony) verifyShares() *Failure {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range c.participants {
		share, ok := c.sharesToMe[id]
		if !ok {
			continue
		}
		commitments, ok := c.commitments[id]
		if !ok {
			continue
		}
		if !vss.VerifyShare(share, c.selfID, commitments) {
			return &Failure{Reason: FailureBadShare, Round: StatusR4Verify, Missing: []uint32{id}, Detail: "share failed Feldman verification"}
		}
	}
	return nil
}

func (c *Ceremony) assembleKeyShare() curve.Scalar {
	c.mu.Lock()
	defer c.mu.Unlock()
	var total curve.Scalar
	first := true
	for _, id := range c.participants {
		s, ok := c.sharesToMe[id]
		if !ok {
			continue
		}
		if first {
			total = s
			first = false
			continue
		}
		total = total.Add(s)
	}
	return total
}

func (c *Ceremony) broadcastPubShare(ctx context.Context, pubShare curve.Point) error {
	payload := wire.DKGPublicKeyShare{
		CeremonyID:     c.ceremonyID,
		PartyID:        c.selfID,
		PublicKeyShare: hex.EncodeToString(pubShare.Bytes()),
	}
	return c.bus.Broadcast(ctx, wire.Envelope{Type: wire.TypeDKGPublicKeyShare, CorrelationID: c.ceremonyID, Timestamp: timeNow(), Payload: mustJSON(payload)})
}

func (c *Ceremony) handlePubShare(env wire.Envelope) {
	var payload wire.DKGPublicKeyShare
	if err := fromJSON(env.Payload, &payload); err != nil {
		c.log.Warnw("malformed public key share payload", "err", err)
		return
	}
	raw, err := hex.DecodeString(payload.PublicKeyShare)
	if err != nil {
		c.log.Warnw("malformed public key share hex", "from", payload.PartyID, "err", err)
		return
	}
	pt, err := curve.PointFromBytes(raw)
	if err != nil {
		c.log.Warnw("malformed public key share point", "from", payload.PartyID, "err", err)
		return
	}
	c.mu.Lock()
	if _, dup := c.pubShares[payload.PartyID]; dup {
		c.mu.Unlock()
		c.log.Debugw("dropping duplicate public key share within round", "from", payload.PartyID)
		return
	}
	c.pubShares[payload.PartyID] = pt
	c.mu.Unlock()
}

// aggregateGroupKey computes Y = Sum PubShare_j (spec §4.C round 7).
func (c *Ceremony) aggregateGroupKey() (curve.Point, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	points := make([]curve.Point, 0, len(c.pubShares))
	for _, id := range c.participants {
		p, ok := c.pubShares[id]
		if !ok {
			return curve.Point{}, fmt.Errorf("missing public key share from party %d", id)
		}
		points = append(points, p)
	}
	return curve.Sum(points)
}
