// Package memory implements an in-memory keystore.Backend for tests and for
// local multi-party simulation harnesses. cmd/validator also selects it when
// config.KeystoreBackend is "memory"; shares held in it do not survive a
// process restart.
package memory

import (
	"sort"
	"sync"

	"github.com/bridgevalidator/node/internal/crypto/curve"
	"github.com/bridgevalidator/node/internal/keystore"
)

type entry struct {
	share curve.Scalar
	meta  keystore.Metadata
}

// Backend is a mutex-guarded map-backed keystore.Backend.
type Backend struct {
	mu      sync.RWMutex
	entries map[string]entry
}

// New returns an empty in-memory backend.
func New() *Backend {
	return &Backend{entries: make(map[string]entry)}
}

func (b *Backend) Put(keyID string, share curve.Scalar, meta keystore.Metadata, overwrite bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.entries[keyID]; exists && !overwrite {
		return keystore.ErrKeyExists
	}
	b.entries[keyID] = entry{share: share, meta: meta}
	return nil
}

func (b *Backend) Sign(keyID string, challenge, nonceShare curve.Scalar) (curve.Scalar, error) {
	b.mu.RLock()
	e, ok := b.entries[keyID]
	b.mu.RUnlock()
	if !ok {
		return curve.Scalar{}, keystore.ErrKeyNotFound
	}
	return nonceShare.Add(challenge.Mul(e.share)), nil
}

func (b *Backend) PublicKey(keyID string) (curve.Point, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	e, ok := b.entries[keyID]
	if !ok {
		return curve.Point{}, keystore.ErrKeyNotFound
	}
	return e.share.BasePointMul(), nil
}

func (b *Backend) List() ([]string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]string, 0, len(b.entries))
	for id := range b.entries {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

func (b *Backend) Delete(keyID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.entries[keyID]; !ok {
		return keystore.ErrKeyNotFound
	}
	delete(b.entries, keyID)
	return nil
}

var _ keystore.Backend = (*Backend)(nil)
