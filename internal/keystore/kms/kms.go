// Package kms implements the remote-HSM/KMS keystore.Backend (spec §4.A):
// the production backend, which never holds KeyShare_i in this process's
// memory longer than a single RPC round trip. Client is the narrow RPC
// surface a concrete provider (cloud KMS, HSM appliance) implements;
// Backend adapts it to keystore.Backend.
package kms

import (
	"context"
	"fmt"

	"github.com/bridgevalidator/node/internal/crypto/curve"
	"github.com/bridgevalidator/node/internal/keystore"
)

// Client is the transport-level contract a remote key management provider
// implements. A concrete provider (e.g. a vendor's KMS SDK) is adapted to
// this interface at the edge of the module; nothing in this package assumes
// a specific vendor wire protocol.
type Client interface {
	PutShare(ctx context.Context, keyID string, share []byte, meta keystore.Metadata, overwrite bool) error
	SignPartial(ctx context.Context, keyID string, challenge, nonceShare []byte) ([]byte, error)
	PublicKey(ctx context.Context, keyID string) ([]byte, error)
	ListKeys(ctx context.Context) ([]string, error)
	DeleteKey(ctx context.Context, keyID string) error
}

// Backend adapts a remote Client to keystore.Backend, translating transport
// errors into the store's typed failure semantics (spec §4.A: KEY_NOT_FOUND,
// ALGO_MISMATCH, BACKEND_UNAVAILABLE).
type Backend struct {
	client Client
	ctx    context.Context
}

// New wraps client. ctx bounds every RPC issued through Backend; callers
// that want per-call timeouts should wrap client accordingly, since
// keystore.Backend's methods do not themselves take a context (matching the
// rest of the Key Store contract in spec §4.A).
func New(ctx context.Context, client Client) *Backend {
	return &Backend{client: client, ctx: ctx}
}

func (b *Backend) Put(keyID string, share curve.Scalar, meta keystore.Metadata, overwrite bool) error {
	if err := b.client.PutShare(b.ctx, keyID, share.Bytes(), meta, overwrite); err != nil {
		return classify(err)
	}
	return nil
}

func (b *Backend) Sign(keyID string, challenge, nonceShare curve.Scalar) (curve.Scalar, error) {
	out, err := b.client.SignPartial(b.ctx, keyID, challenge.Bytes(), nonceShare.Bytes())
	if err != nil {
		return curve.Scalar{}, classify(err)
	}
	s, err := curve.ScalarFromBytes(out)
	if err != nil {
		return curve.Scalar{}, fmt.Errorf("kms: malformed partial signature scalar: %w", err)
	}
	return s, nil
}

func (b *Backend) PublicKey(keyID string) (curve.Point, error) {
	out, err := b.client.PublicKey(b.ctx, keyID)
	if err != nil {
		return curve.Point{}, classify(err)
	}
	p, err := curve.PointFromBytes(out)
	if err != nil {
		return curve.Point{}, fmt.Errorf("kms: malformed public key point: %w", err)
	}
	return p, nil
}

func (b *Backend) List() ([]string, error) {
	ids, err := b.client.ListKeys(b.ctx)
	if err != nil {
		return nil, classify(err)
	}
	return ids, nil
}

func (b *Backend) Delete(keyID string) error {
	if err := b.client.DeleteKey(b.ctx, keyID); err != nil {
		return classify(err)
	}
	return nil
}

// classify maps an unstructured transport error onto the Key Store's three
// non-retryable failure classes, defaulting to BACKEND_UNAVAILABLE when the
// provider gives no more specific signal.
func classify(err error) error {
	switch {
	case err == nil:
		return nil
	case isNotFound(err):
		return fmt.Errorf("%w: %s", keystore.ErrKeyNotFound, err)
	case isAlgoMismatch(err):
		return fmt.Errorf("%w: %s", keystore.ErrAlgoMismatch, err)
	default:
		return fmt.Errorf("%w: %s", keystore.ErrBackendUnavailable, err)
	}
}

// notFounder and algoMismatcher let a concrete Client's error type opt into
// precise classification without this package importing any vendor SDK.
type notFounder interface{ NotFound() bool }
type algoMismatcher interface{ AlgoMismatch() bool }

func isNotFound(err error) bool {
	nf, ok := err.(notFounder)
	return ok && nf.NotFound()
}

func isAlgoMismatch(err error) bool {
	am, ok := err.(algoMismatcher)
	return ok && am.AlgoMismatch()
}

var _ keystore.Backend = (*Backend)(nil)
