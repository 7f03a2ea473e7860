// Package keystore defines the pluggable oracle over a party's long-lived
// key share (spec §4.A): one contract, three backends (remote KMS, encrypted
// local file, in-memory for tests). Core components depend only on the
// Backend interface, never on a concrete backend, so tests substitute the
// memory backend the way the teacher substitutes an in-memory group store.
package keystore

import (
	"errors"
	"time"

	"github.com/bridgevalidator/node/internal/crypto/curve"
)

// Algorithm identifies which signing scheme a key id was provisioned for.
type Algorithm string

const (
	AlgorithmSchnorr Algorithm = "schnorr"
	AlgorithmECDSA   Algorithm = "ecdsa"
)

// ErrKeyNotFound is returned by sign/publicKey/delete for an unknown key id.
var ErrKeyNotFound = errors.New("keystore: key not found")

// ErrAlgoMismatch is returned when sign is asked to use a scheme other than
// the one recorded in the key's metadata.
var ErrAlgoMismatch = errors.New("keystore: algorithm mismatch")

// ErrBackendUnavailable is returned when the backend cannot currently serve
// requests (e.g. a remote KMS connection is down).
var ErrBackendUnavailable = errors.New("keystore: backend unavailable")

// ErrKeyExists is returned by Put when keyId already has a share and
// overwrite was not requested.
var ErrKeyExists = errors.New("keystore: key already exists")

// Metadata records the algorithm tag, creation time, and permitted usages
// recorded alongside a share at put() time (spec §4.A).
type Metadata struct {
	Algorithm Algorithm
	CreatedAt time.Time
	Usages    []string
}

// PartialSigner is the narrow signing capability a keystore exposes.
// KeyShare_i never leaves the backend's control domain in plaintext (spec
// §3 invariant 5): the caller supplies the per-request challenge and its own
// ephemeral nonce share, and the backend folds in s_i internally, returning
// only z_i = nonceShare + challenge*s_i. This linear combination is the
// Schnorr partial signature share (internal/crypto/schnorr); no ECDSA share
// is computed through it (internal/crypto/ecdsa only verifies).
type PartialSigner interface {
	Sign(keyID string, challenge, nonceShare curve.Scalar) (curve.Scalar, error)
}

// Backend is the full contract every key store implementation satisfies
// (spec §4.A): put, sign, publicKey, list, delete.
type Backend interface {
	PartialSigner

	// Put writes share atomically under keyId. It fails with ErrKeyExists
	// unless overwrite is true.
	Put(keyID string, share curve.Scalar, meta Metadata, overwrite bool) error

	// PublicKey returns PubShare_i = share * G for keyId.
	PublicKey(keyID string) (curve.Point, error)

	// List returns the key ids currently held.
	List() ([]string, error)

	// Delete removes keyId. Idempotent backends may choose to return
	// ErrKeyNotFound or nil for a second delete; this contract requires
	// ErrKeyNotFound so callers can detect a no-op.
	Delete(keyID string) error
}
