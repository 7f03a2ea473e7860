// Package store persists the two pieces of ceremony-adjacent state spec
// §6 requires to survive a restart beyond the Key Store itself: DKG
// artifacts (commitments and group public key, for audit) and the Chain
// Event Monitor's dedup ring. Both live in one bbolt file, one bucket each,
// following the mutex-guarded-struct-around-a-bolt.DB shape the teacher
// uses for its beacon store.
package store

import (
	"encoding/json"
	"fmt"
	"sync"

	bolt "go.etcd.io/bbolt"

	"github.com/bridgevalidator/node/internal/log"
)

var (
	dkgArtifactsBucket = []byte("dkg_artifacts")
	dedupRingBucket    = []byte("dedup_ring")
)

// FilePerm is the permission bboltdb's file is opened with.
const FilePerm = 0o600

// Store wraps a single bbolt database file backing both the DKG artifact
// ledger and the dedup ring.
type Store struct {
	mu  sync.Mutex
	db  *bolt.DB
	log log.Logger
}

// Open creates or opens the store's bbolt file at path, creating both
// buckets if absent.
func Open(l log.Logger, path string) (*Store, error) {
	db, err := bolt.Open(path, FilePerm, nil)
	if err != nil {
		return nil, fmt.Errorf("store: opening %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(dkgArtifactsBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(dedupRingBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: creating buckets: %w", err)
	}
	return &Store{db: db, log: l}, nil
}

// Close closes the underlying bbolt file.
func (s *Store) Close() error {
	return s.db.Close()
}

// DKGArtifact is what persists from a completed ceremony for audit (spec
// §4.C round 7, §6 "Persisted state"): the group public key and the
// commitment sets every party published, but never the key share itself
// (that lives only in the Key Store).
type DKGArtifact struct {
	CeremonyID     string              `json:"ceremonyId"`
	GroupPublicKey []byte              `json:"groupPublicKey"`
	Commitments    map[uint32][][]byte `json:"commitments"`
	Participants   []uint32            `json:"participants"`
}

// PutDKGArtifact writes a, overwriting any prior artifact for the same
// ceremony id.
func (s *Store) PutDKGArtifact(a DKGArtifact) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	buf, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("store: marshaling dkg artifact: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(dkgArtifactsBucket).Put([]byte(a.CeremonyID), buf)
	})
}

// GetDKGArtifact returns the artifact for ceremonyID, or ok=false if none
// was persisted.
func (s *Store) GetDKGArtifact(ceremonyID string) (DKGArtifact, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var a DKGArtifact
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		buf := tx.Bucket(dkgArtifactsBucket).Get([]byte(ceremonyID))
		if buf == nil {
			return nil
		}
		found = true
		return json.Unmarshal(buf, &a)
	})
	if err != nil {
		return DKGArtifact{}, false, fmt.Errorf("store: reading dkg artifact: %w", err)
	}
	return a, found, nil
}
