// Package nonce implements the two-round commit-reveal sub-protocol spec §4.E
// requires before a party emits its Schnorr partial signature: each party
// commits to a random nonce point, waits for all commitments, then reveals
// the point, so no party's nonce choice can be biased by seeing others'
// nonces first. This is what spec §9 calls out as the part the source
// hand-waves — deterministic per-party nonces reused across requests would
// leak the key share, so every signing request samples a fresh nonce here.
package nonce

import (
	"crypto/sha256"
	"errors"

	"github.com/bridgevalidator/node/internal/crypto/curve"
)

// ErrCommitmentMismatch is returned when a revealed nonce point does not
// hash to the commitment the party broadcast earlier in the same request.
var ErrCommitmentMismatch = errors.New("nonce: revealed point does not match prior commitment")

// Share is a party's private nonce contribution for one signing request.
// It must never be reused across requests (spec §9).
type Share struct {
	Scalar curve.Scalar
	Point  curve.Point
}

// NewShare samples a fresh per-request nonce k_i and its public point R_i.
func NewShare() (Share, error) {
	k, err := curve.RandomScalar()
	if err != nil {
		return Share{}, err
	}
	return Share{Scalar: k, Point: k.BasePointMul()}, nil
}

// Commit returns H(R_i), broadcast in round one of the commit-reveal
// exchange before any party learns another's R_i.
func (s Share) Commit() [32]byte {
	return sha256.Sum256(s.Point.Bytes())
}

// VerifyReveal checks that a later-revealed point matches a commitment
// collected in round one.
func VerifyReveal(commitment [32]byte, revealed curve.Point) error {
	if sha256.Sum256(revealed.Bytes()) != commitment {
		return ErrCommitmentMismatch
	}
	return nil
}

// Aggregate sums the revealed nonce points from every participant into the
// ceremony's shared aggregated nonce R = Sum R_i (spec §4.E "Local signing").
func Aggregate(points []curve.Point) (curve.Point, error) {
	return curve.Sum(points)
}
