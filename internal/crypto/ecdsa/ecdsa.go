// Package ecdsa provides the ECDSA-flavored canonical message hash (spec §6:
// "keccak256 for ECDSA") and a textbook verification helper for (r, s)
// signatures. No other package of this repository calls it: the Signing
// Coordinator produces and verifies Schnorr signatures only, whatever a key
// id's Metadata.Algorithm says. The multi-party ECDSA signing protocol
// itself (MtA, Paillier, ...) is not implemented in this repository.
package ecdsa

import (
	"golang.org/x/crypto/sha3"

	"github.com/bridgevalidator/node/internal/crypto/curve"
)

// CanonicalDigest hashes the wire-format message bytes with keccak256, the
// domain-separated hash the ECDSA signing scheme in spec §6 specifies.
func CanonicalDigest(message []byte) [32]byte {
	var out [32]byte
	h := sha3.NewLegacyKeccak256()
	_, _ = h.Write(message)
	copy(out[:], h.Sum(nil))
	return out
}

// Signature is the (r, s) pair a fully-aggregated multi-party ECDSA
// signature produces.
type Signature struct {
	R curve.Scalar
	S curve.Scalar
}

// Verify checks an ECDSA signature against a public key and digest using
// textbook verification: r == x-coordinate of (digest*s^-1*G + r*s^-1*Y).
func Verify(groupPublicKey curve.Point, digest [32]byte, sig Signature) bool {
	if sig.R.IsZero() || sig.S.IsZero() {
		return false
	}
	digestScalar, err := curve.ScalarFromBytes(digest[:])
	if err != nil {
		return false
	}
	sInv := sig.S.Inverse()
	u1 := digestScalar.Mul(sInv)
	u2 := sig.R.Mul(sInv)
	recovered := u1.BasePointMul().Add(curve.ScalarMul(groupPublicKey, u2))
	return recovered.XCoordScalar().Equal(sig.R)
}
