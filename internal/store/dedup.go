package store

import (
	"fmt"

	bolt "go.etcd.io/bbolt"
)

// DefaultRingSize is the minimum K spec §4.D requires ("K >= 10000").
const DefaultRingSize = 10_000

// DedupRing is a bounded, persistent set of the last K signalIds observed
// per chain (spec §4.D), tolerating provider re-delivery and short reorgs.
// It is a true ring: once K entries have been recorded for a chain, the
// oldest is evicted to make room for the newest, keeping both memory and
// the bbolt bucket bounded regardless of uptime.
type DedupRing struct {
	store *Store
	size  int
}

// NewDedupRing returns a ring capped at size entries per chain, backed by
// store's bbolt file.
func NewDedupRing(s *Store, size int) *DedupRing {
	if size <= 0 {
		size = DefaultRingSize
	}
	return &DedupRing{store: s, size: size}
}

func cursorKey(chain string) []byte {
	return []byte(chain + "/cursor")
}

func slotKey(chain string, pos int) []byte {
	return []byte(fmt.Sprintf("%s/slot/%d", chain, pos))
}

func seenKey(chain, signalID string) []byte {
	return []byte(chain + "/seen/" + signalID)
}

// Admit reports whether signalID has already been recorded for chain
// (dup, ok was false to admit) and records it if not, evicting the oldest
// entry in the ring to keep the set's size bounded.
func (r *DedupRing) Admit(chain, signalID string) (alreadySeen bool, err error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	err = r.store.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(dedupRingBucket)

		if v := b.Get(seenKey(chain, signalID)); v != nil {
			alreadySeen = true
			return nil
		}

		cursor := 0
		if v := b.Get(cursorKey(chain)); v != nil {
			cursor = decodeInt(v)
		}

		if old := b.Get(slotKey(chain, cursor)); old != nil {
			if err := b.Delete(seenKey(chain, string(old))); err != nil {
				return err
			}
		}

		if err := b.Put(slotKey(chain, cursor), []byte(signalID)); err != nil {
			return err
		}
		if err := b.Put(seenKey(chain, signalID), []byte{1}); err != nil {
			return err
		}

		next := (cursor + 1) % r.size
		return b.Put(cursorKey(chain), encodeInt(next))
	})
	return alreadySeen, err
}

func encodeInt(n int) []byte {
	b := make([]byte, 8)
	for i := 7; i >= 0; i-- {
		b[i] = byte(n)
		n >>= 8
	}
	return b
}

func decodeInt(b []byte) int {
	n := 0
	for _, v := range b {
		n = n<<8 | int(v)
	}
	return n
}
