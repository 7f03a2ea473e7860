package signer

import (
	"time"

	"github.com/bridgevalidator/node/internal/crypto/curve"
	"github.com/bridgevalidator/node/internal/crypto/nonce"
)

// Status is a signing request's position in spec §4.E's state machine:
// NEW -> AWAITING_PARTIALS -> AGGREGATING -> DONE | FAILED.
type Status int

const (
	StatusNew Status = iota
	StatusAwaitingPartials
	StatusAggregating
	StatusDone
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusNew:
		return "NEW"
	case StatusAwaitingPartials:
		return "AWAITING_PARTIALS"
	case StatusAggregating:
		return "AGGREGATING"
	case StatusDone:
		return "DONE"
	case StatusFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// FailureReason names why a request reached StatusFailed (spec §4.E
// "State machine per request").
type FailureReason string

const (
	FailureTimeout             FailureReason = "TIMEOUT"
	FailureVerification        FailureReason = "CRYPTO_VERIFICATION_FAILURE"
	FailureKeyStoreUnavailable FailureReason = "KEY_STORE_UNAVAILABLE"
	FailureInsufficientPartial FailureReason = "INSUFFICIENT_PARTIALS"
	FailureNotSelected         FailureReason = "NOT_SELECTED"
	FailureUnexpectedParty     FailureReason = "UNEXPECTED_PARTICIPANT"
)

// request holds one signalId's full signing-ceremony state. Every field is
// guarded by the Coordinator's single mutex (Coordinator.mu), which covers
// every request the Coordinator tracks.
type request struct {
	requestID  string
	signalID   string
	message    []byte
	keyID      string
	threshold  int
	selfID     uint32
	selected   bool
	participants []uint32
	deadline   time.Time

	status Status
	reason FailureReason

	nonceShare      nonce.Share
	commitments     map[uint32][32]byte
	revealedPoints  map[uint32]curve.Point
	nonceAggregated bool
	aggregatedNonce curve.Point

	partials map[uint32]curve.Scalar
	pubShares map[uint32]curve.Point

	finalSignature []byte
}

func newRequest(requestID, signalID string, message []byte, keyID string, threshold int, selfID uint32, deadline time.Time) *request {
	return &request{
		requestID:      requestID,
		signalID:       signalID,
		message:        message,
		keyID:          keyID,
		threshold:      threshold,
		selfID:         selfID,
		deadline:       deadline,
		status:         StatusNew,
		commitments:    make(map[uint32][32]byte),
		revealedPoints: make(map[uint32]curve.Point),
		partials:       make(map[uint32]curve.Scalar),
		pubShares:      make(map[uint32]curve.Point),
	}
}

func (r *request) hasQuorumCommitments() bool {
	return len(r.commitments) >= len(r.participants)
}

func (r *request) hasQuorumReveals() bool {
	return len(r.revealedPoints) >= len(r.participants)
}

func (r *request) hasOwnPartial() bool {
	_, ok := r.partials[r.selfID]
	return ok
}
