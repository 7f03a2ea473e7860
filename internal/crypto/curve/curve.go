// Package curve wraps secp256k1 scalar and point arithmetic for the DKG and
// signing packages, built on github.com/btcsuite/btcd/btcec/v2. It exists so
// that the rest of the module never imports btcec directly, matching the
// teacher's key package's thin wrapping of kyber's group interface.
package curve

import (
	"crypto/rand"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
)

// ErrInvalidScalar is returned when a byte slice to decode as a scalar is
// not exactly 32 bytes long.
var ErrInvalidScalar = errors.New("curve: invalid scalar encoding")

// ErrInvalidPoint is returned when a byte slice does not decode to a valid
// curve point.
var ErrInvalidPoint = errors.New("curve: invalid point encoding")

// Scalar is an element of Z_q, q the order of the secp256k1 group.
type Scalar struct {
	v btcec.ModNScalar
}

// Point is a point on the secp256k1 curve, represented in Jacobian form
// internally for cheap addition, and affine at the API boundary.
type Point struct {
	v btcec.JacobianPoint
}

// RandomScalar samples a_i,k uniformly from [1, q-1] (spec §4.C round 1).
func RandomScalar() (Scalar, error) {
	var buf [32]byte
	for {
		if _, err := rand.Read(buf[:]); err != nil {
			return Scalar{}, err
		}
		var s btcec.ModNScalar
		overflow := s.SetBytes(&buf)
		if overflow == 0 && !s.IsZero() {
			return Scalar{v: s}, nil
		}
	}
}

// ScalarFromUint32 builds a small scalar, used for evaluation points j in
// Shamir's scheme (PartyId is never zero, spec §3).
func ScalarFromUint32(n uint32) Scalar {
	var s btcec.ModNScalar
	s.SetInt(n)
	return Scalar{v: s}
}

// ScalarFromBytes decodes a big-endian 32-byte scalar. Values of q or more
// are reduced mod q rather than rejected.
func ScalarFromBytes(b []byte) (Scalar, error) {
	if len(b) != 32 {
		return Scalar{}, ErrInvalidScalar
	}
	var arr [32]byte
	copy(arr[:], b)
	var s btcec.ModNScalar
	s.SetBytes(&arr)
	return Scalar{v: s}, nil
}

// Bytes returns the big-endian 32-byte encoding.
func (s Scalar) Bytes() []byte {
	b := s.v.Bytes()
	out := make([]byte, 32)
	copy(out, b[:])
	return out
}

// Add returns s + other mod q.
func (s Scalar) Add(other Scalar) Scalar {
	var out btcec.ModNScalar
	out.Add2(&s.v, &other.v)
	return Scalar{v: out}
}

// Mul returns s * other mod q.
func (s Scalar) Mul(other Scalar) Scalar {
	var out btcec.ModNScalar
	out.Mul2(&s.v, &other.v)
	return Scalar{v: out}
}

// Inverse returns s^-1 mod q.
func (s Scalar) Inverse() Scalar {
	out := s.v
	out.InverseNonConst()
	return Scalar{v: out}
}

// IsZero reports whether s is the additive identity.
func (s Scalar) IsZero() bool {
	return s.v.IsZero()
}

// Equal reports whether two scalars are the same residue mod q.
func (s Scalar) Equal(other Scalar) bool {
	return s.v.Equals(&other.v)
}

// BasePoint returns the secp256k1 generator G.
func BasePoint() Point {
	one := ScalarFromUint32(1)
	return one.BasePointMul()
}

// BasePointMul returns s * G.
func (s Scalar) BasePointMul() Point {
	var result btcec.JacobianPoint
	btcec.ScalarBaseMultNonConst(&s.v, &result)
	return Point{v: result}
}

// ScalarMul returns s * p.
func ScalarMul(p Point, s Scalar) Point {
	var result btcec.JacobianPoint
	pp := p.v
	pp.ToAffine()
	btcec.ScalarMultNonConst(&s.v, &pp, &result)
	return Point{v: result}
}

// Add returns p + q on the curve.
func (p Point) Add(q Point) Point {
	var result btcec.JacobianPoint
	p1 := p.v
	p2 := q.v
	p1.ToAffine()
	p2.ToAffine()
	btcec.AddNonConst(&p1, &p2, &result)
	return Point{v: result}
}

// IsIdentity reports whether p is the point at infinity.
func (p Point) IsIdentity() bool {
	affine := p.v
	affine.ToAffine()
	return affine.X.IsZero() && affine.Y.IsZero()
}

// Equal reports whether two points are the same affine point.
func (p Point) Equal(q Point) bool {
	p1 := p.v
	p2 := q.v
	p1.ToAffine()
	p2.ToAffine()
	return p1.X.Equals(&p2.X) && p1.Y.Equals(&p2.Y)
}

// Bytes returns the 33-byte SEC1 compressed encoding.
func (p Point) Bytes() []byte {
	affine := p.v
	affine.ToAffine()
	x, y := affine.X, affine.Y
	pub := btcec.NewPublicKey(&x, &y)
	return pub.SerializeCompressed()
}

// XCoordScalar returns the point's x-coordinate reduced mod q, the quantity
// ECDSA verification compares the recomputed curve point against.
func (p Point) XCoordScalar() Scalar {
	affine := p.v
	affine.ToAffine()
	xBytes := affine.X.Bytes()
	var s btcec.ModNScalar
	s.SetBytes(&xBytes)
	return Scalar{v: s}
}

// PointFromBytes decodes a 33-byte SEC1 compressed point.
func PointFromBytes(b []byte) (Point, error) {
	pub, err := btcec.ParsePubKey(b)
	if err != nil {
		return Point{}, fmt.Errorf("%w: %s", ErrInvalidPoint, err)
	}
	var jac btcec.JacobianPoint
	pub.AsJacobian(&jac)
	return Point{v: jac}, nil
}

// Sum adds a non-empty slice of points.
func Sum(points []Point) (Point, error) {
	if len(points) == 0 {
		return Point{}, errors.New("curve: cannot sum zero points")
	}
	acc := points[0]
	for _, p := range points[1:] {
		acc = acc.Add(p)
	}
	return acc, nil
}
