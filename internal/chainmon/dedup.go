package chainmon

import "github.com/bridgevalidator/node/internal/store"

// dedupRing scopes store.DedupRing's per-chain keying to a single chain
// name, so callers in this package never have to pass the chain string
// alongside every signal id.
type dedupRing struct {
	ring  *store.DedupRing
	chain string
}

func newDedupRing(ring *store.DedupRing, chain string) *dedupRing {
	return &dedupRing{ring: ring, chain: chain}
}

func (d *dedupRing) admit(signalID string) (alreadySeen bool, err error) {
	return d.ring.Admit(d.chain, signalID)
}
