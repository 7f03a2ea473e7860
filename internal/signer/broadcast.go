package signer

import (
	"encoding/hex"
	"encoding/json"

	"github.com/bridgevalidator/node/internal/crypto/curve"
)

// mustJSON marshals a wire payload struct; see internal/dkg/broadcast.go for
// why a marshal failure here is treated as a programming-error panic rather
// than a returned error.
func mustJSON(v interface{}) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		panic("signer: marshaling wire payload: " + err.Error())
	}
	return b
}

func fromJSON(data []byte, v interface{}) error {
	return json.Unmarshal(data, v)
}

func decodeCommitment(s string) ([32]byte, error) {
	var out [32]byte
	b, err := hex.DecodeString(s)
	if err != nil {
		return out, err
	}
	if len(b) != 32 {
		return out, errShortSignature
	}
	copy(out[:], b)
	return out, nil
}

func hexPoint(p curve.Point) string {
	return hex.EncodeToString(p.Bytes())
}

func decodeHexPoint(s string) (curve.Point, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return curve.Point{}, err
	}
	return curve.PointFromBytes(b)
}

func hexScalar(s curve.Scalar) string {
	return hex.EncodeToString(s.Bytes())
}

func decodeHexScalar(s string) (curve.Scalar, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return curve.Scalar{}, err
	}
	return curve.ScalarFromBytes(b)
}

// encodeSignature packs a Schnorr (R, z) pair as "R||z" hex, the single
// string the PARTIAL_SIGNATURE and SIGNATURE_COMPLETE wire payloads carry
// (spec §6's wire table).
func encodeSignature(r curve.Point, z curve.Scalar) string {
	return hexPoint(r) + hexScalar(z)
}

func decodeSignature(s string) (curve.Point, curve.Scalar, error) {
	rLen := len(hexPoint(curve.BasePoint()))
	if len(s) < rLen {
		return curve.Point{}, curve.Scalar{}, errShortSignature
	}
	r, err := decodeHexPoint(s[:rLen])
	if err != nil {
		return curve.Point{}, curve.Scalar{}, err
	}
	z, err := decodeHexScalar(s[rLen:])
	if err != nil {
		return curve.Point{}, curve.Scalar{}, err
	}
	return r, z, nil
}
