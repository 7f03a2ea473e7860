// Package chainmon implements the Chain Event Monitor (spec §4.D): one
// worker per configured chain, watching the Signal contract's two log
// topics, applying a confirmation-depth policy, deduplicating via a bounded
// persistent ring, and handing SignalSent events to the Signing
// Coordinator.
package chainmon

import "context"

// Log is one decoded SignalSent or SignalReceived event off a chain's
// Signal contract (spec §6's ABI).
type Log struct {
	SignalID   string
	SrcChainID uint32
	DstChainID uint32
	SrcAddress string
	DstAddress string
	Nonce      uint32
	Payload    []byte
	TxHash     string
	BlockNum   uint64
	IsSent     bool // true: SignalSent, false: SignalReceived (observational only)
}

// Provider abstracts a chain RPC connection: subscribing to the Signal
// contract's logs and reporting the chain's current confirmed head height,
// so the monitor can apply the per-chain confirmation depth itself (spec
// §4.D "Reorg policy") rather than trusting the provider's own notion of
// finality.
type Provider interface {
	// Subscribe streams every SignalSent/SignalReceived log as it is mined,
	// unfiltered by confirmation depth; the monitor applies that filter.
	Subscribe(ctx context.Context) (<-chan Log, error)

	// HeadHeight returns the chain's latest known block height.
	HeadHeight(ctx context.Context) (uint64, error)

	// Close releases the provider's connection (websocket, RPC client).
	Close() error
}
