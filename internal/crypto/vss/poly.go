// Package vss implements the Feldman verifiable-secret-sharing polynomial
// machinery that the DKG engine's rounds 1, 4 and 5 drive: coefficient
// sampling, Horner's-rule evaluation at a party's index, and commitment
// verification (spec §4.C).
//
// Polynomial evaluation is done with github.com/cronokirby/saferith's
// constant-time modular big integers rather than ad hoc big.Int math, so
// that the one place the spec calls out "modular arithmetic... over the
// curve order q" is not timing-sensitive to the coefficients involved.
package vss

import (
	"encoding/hex"

	"github.com/cronokirby/saferith"

	"github.com/bridgevalidator/node/internal/crypto/curve"
)

// secp256k1Order is the order q of the secp256k1 group, matching
// btcec/v2's curve parameters.
var secp256k1Order = mustModulus("fffffffffffffffffffffffffffffffebaaedce6af48a03bbfd25e8cd0364141")

func mustModulus(hexOrder string) *saferith.Modulus {
	raw, err := hex.DecodeString(hexOrder)
	if err != nil {
		panic("vss: invalid curve order constant: " + err.Error())
	}
	return saferith.ModulusFromBytes(raw)
}

// Polynomial is a_{i,0} + a_{i,1} X + ... + a_{i,t-1} X^{t-1} mod q, the
// degree-(t-1) polynomial a party samples in DKG round 1. Coefficient 0 is
// the party's secret.
type Polynomial struct {
	coeffs []*saferith.Nat
}

// Secret returns a_{i,0}, the constant term.
func (p Polynomial) Secret() curve.Scalar {
	return natToScalar(p.coeffs[0])
}

// Degree returns t-1.
func (p Polynomial) Degree() int {
	return len(p.coeffs) - 1
}

// NewRandomPolynomial samples t random coefficients in [1, q-1] (spec §4.C
// round 1; a_{i,0} is never zero since the secret must be invertible for
// Shamir reconstruction, and the spec requires all scalars in [1, q-1]).
func NewRandomPolynomial(t int) (Polynomial, error) {
	coeffs := make([]*saferith.Nat, t)
	for k := 0; k < t; k++ {
		s, err := curve.RandomScalar()
		if err != nil {
			return Polynomial{}, err
		}
		coeffs[k] = scalarToNat(s)
	}
	return Polynomial{coeffs: coeffs}, nil
}

// PolynomialFromScalars builds a polynomial from already-sampled
// coefficients (used by tests needing deterministic polynomials, and by
// complaint-response reconstruction).
func PolynomialFromScalars(coeffs []curve.Scalar) Polynomial {
	nats := make([]*saferith.Nat, len(coeffs))
	for i, c := range coeffs {
		nats[i] = scalarToNat(c)
	}
	return Polynomial{coeffs: nats}
}

// EvaluateAt computes f(j) mod q using Horner's rule, j being the evaluation
// point (a PartyId, never zero per spec §3).
func (p Polynomial) EvaluateAt(j uint32) curve.Scalar {
	x := new(saferith.Nat).SetUint64(uint64(j))
	acc := new(saferith.Nat).SetUint64(0)
	for k := len(p.coeffs) - 1; k >= 0; k-- {
		acc = new(saferith.Nat).ModMul(acc, x, secp256k1Order)
		acc = new(saferith.Nat).ModAdd(acc, p.coeffs[k], secp256k1Order)
	}
	return natToScalar(acc)
}

// Commitments returns C_{i,k} = a_{i,k} * G for k in [0, t-1] (spec §4.C
// round 1), the Feldman commitments broadcast in round 2.
func (p Polynomial) Commitments() []curve.Point {
	out := make([]curve.Point, len(p.coeffs))
	for k, c := range p.coeffs {
		out[k] = natToScalar(c).BasePointMul()
	}
	return out
}

// VerifyShare checks the Feldman condition from spec §4.C round 5:
// share*G == Sum_k (j^k) * C_k, where share is s_{sender->receiver} and j is
// the receiver's party index.
func VerifyShare(share curve.Scalar, j uint32, commitments []curve.Point) bool {
	lhs := share.BasePointMul()
	rhs := evaluateCommitments(j, commitments)
	return lhs.Equal(rhs)
}

// evaluateCommitments computes Sum_k (j^k) * C_k by Horner's rule in the
// exponent: acc = ((C_{t-1})*j + C_{t-2})*j + ... + C_0.
func evaluateCommitments(j uint32, commitments []curve.Point) curve.Point {
	jScalar := curve.ScalarFromUint32(j)
	acc := commitments[len(commitments)-1]
	for k := len(commitments) - 2; k >= 0; k-- {
		acc = curve.ScalarMul(acc, jScalar).Add(commitments[k])
	}
	return acc
}

func scalarToNat(s curve.Scalar) *saferith.Nat {
	n := new(saferith.Nat)
	n.SetBytes(s.Bytes())
	return n
}

func natToScalar(n *saferith.Nat) curve.Scalar {
	b := n.Bytes()
	buf := make([]byte, 32)
	copy(buf[32-len(b):], b)
	s, err := curve.ScalarFromBytes(buf)
	if err != nil {
		// n is always reduced mod q by ModAdd/ModMul, so this cannot happen
		// for any value produced inside this package.
		panic(err)
	}
	return s
}
