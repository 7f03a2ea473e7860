// Package signer implements the Signing Coordinator (spec §4.E): turning
// each deduplicated chain event into a signing request, selecting
// participants, running the commit-reveal nonce exchange and the partial
// signature collection/aggregation, and emitting the final signature.
package signer

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
)

// Canonical builds the exact byte layout spec §6 mandates:
// signalId(32) ‖ srcChainId_be(4) ‖ dstChainId_be(4) ‖ nonce_be(4) ‖ payload.
// Both this validator and the destination contract must agree bit-for-bit,
// so this function performs no hashing itself — schnorr.Challenge and
// ecdsa.CanonicalDigest apply the scheme-specific domain-separated hash on
// top of these bytes.
func Canonical(signalID [32]byte, srcChainID, dstChainID, nonce uint32, payload []byte) []byte {
	buf := make([]byte, 0, 32+4+4+4+len(payload))
	buf = append(buf, signalID[:]...)
	buf = appendUint32BE(buf, srcChainID)
	buf = appendUint32BE(buf, dstChainID)
	buf = appendUint32BE(buf, nonce)
	buf = append(buf, payload...)
	return buf
}

func appendUint32BE(buf []byte, v uint32) []byte {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	return append(buf, tmp[:]...)
}

// DecodeSignalID parses the hex-encoded 32-byte signalId carried in a
// SignalEvent/chainmon.Log into the fixed-size array Canonical expects.
func DecodeSignalID(hexID string) ([32]byte, error) {
	var out [32]byte
	b, err := hex.DecodeString(trimHexPrefix(hexID))
	if err != nil {
		return out, fmt.Errorf("signer: decoding signalId: %w", err)
	}
	if len(b) != 32 {
		return out, fmt.Errorf("signer: signalId must be 32 bytes, got %d", len(b))
	}
	copy(out[:], b)
	return out, nil
}

func trimHexPrefix(s string) string {
	if len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		return s[2:]
	}
	return s
}
