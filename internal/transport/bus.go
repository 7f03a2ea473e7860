// Package transport abstracts "reliable message passing between the N
// parties" (spec §4.B): a Bus the DKG engine and Signing Coordinator send
// Envelopes through and register a Handler callback on, independent of
// whether the concrete implementation is a star (central coordinator) or a
// mesh (direct peer connections). The core only depends on the properties
// this package enforces: FIFO per sender per ceremony, and at-least-once
// delivery with receiver-side dedup.
package transport

import (
	"context"
	"sync"

	"github.com/bridgevalidator/node/internal/log"
	"github.com/bridgevalidator/node/pkg/wire"
)

// Handler is the narrow callback a Bus invokes for every envelope it
// delivers. The coordinator registers a Handler at startup rather than the
// bus holding a reference to the coordinator type, breaking the cyclic
// coordinator/bus reference the source has in languages without automatic
// cyclic collection (spec §9).
type Handler func(ctx context.Context, env wire.Envelope)

// Bus is the contract every transport realization (gRPC, in-process for
// tests) satisfies.
type Bus interface {
	// Send delivers env to a single recipient party (a unicast leg of a
	// broadcast, or a direct reply).
	Send(ctx context.Context, toPartyID uint32, env wire.Envelope) error

	// Broadcast fans env out as N-1 unicasts. The bus does not guarantee
	// all-or-none delivery for a single call (spec §4.B); callers must
	// tolerate partial broadcasts.
	Broadcast(ctx context.Context, env wire.Envelope) error

	// Subscribe registers fn to receive every envelope of the given type
	// this bus delivers, after FIFO ordering and dedup have been applied.
	Subscribe(t wire.Type, fn Handler)

	// Close detaches the bus's connections and stops delivering.
	Close() error
}

// dedupKey is the tuple spec §4.B names: (senderPartyId, ceremonyId, type,
// sequence).
type dedupKey struct {
	sender        uint32
	correlationID string
	msgType       wire.Type
	sequence      uint64
}

// perSenderState tracks, for one (sender, ceremonyId) pair, the next
// sequence number this receiver is willing to deliver. Anything arriving
// out of order is buffered until its turn comes, enforcing per-sender FIFO
// even when the underlying transport reorders or retries deliveries.
type perSenderState struct {
	nextSeq uint64
	pending map[uint64]wire.Envelope
}

// Dedup is the receiver-side FIFO-and-dedup layer shared by every Bus
// implementation: a concrete transport (grpcbus, an in-process test bus)
// calls Admit for every envelope it receives off the wire and only
// redelivers the ones Admit returns, in the order Admit returns them.
type Dedup struct {
	mu       sync.Mutex
	seen     map[dedupKey]struct{}
	bySender map[string]*perSenderState // key: fmt.Sprintf("%d/%s", sender, ceremonyId)
	log      log.Logger
}

// NewDedup returns an empty dedup/FIFO tracker.
func NewDedup(l log.Logger) *Dedup {
	return &Dedup{
		seen:     make(map[dedupKey]struct{}),
		bySender: make(map[string]*perSenderState),
		log:      l,
	}
}

func senderKey(sender uint32, correlationID string) string {
	return correlationIDSeparator(sender, correlationID)
}

func correlationIDSeparator(sender uint32, correlationID string) string {
	buf := make([]byte, 0, len(correlationID)+11)
	buf = appendUint32(buf, sender)
	buf = append(buf, '/')
	buf = append(buf, correlationID...)
	return string(buf)
}

func appendUint32(buf []byte, v uint32) []byte {
	if v == 0 {
		return append(buf, '0')
	}
	var digits [10]byte
	n := len(digits)
	for v > 0 {
		n--
		digits[n] = byte('0' + v%10)
		v /= 10
	}
	return append(buf, digits[n:]...)
}

// Admit applies dedup and FIFO reordering to one incoming envelope,
// returning the in-order, not-previously-seen envelopes now ready for
// delivery (zero, one, or many if this envelope fills a gap in the buffer).
func (d *Dedup) Admit(env wire.Envelope) []wire.Envelope {
	d.mu.Lock()
	defer d.mu.Unlock()

	key := dedupKey{sender: env.SenderPartyID, correlationID: env.CorrelationID, msgType: env.Type, sequence: env.Sequence}
	if _, dup := d.seen[key]; dup {
		d.log.Debugw("dropping duplicate envelope", "sender", env.SenderPartyID, "correlationId", env.CorrelationID, "sequence", env.Sequence)
		return nil
	}
	d.seen[key] = struct{}{}

	sk := senderKey(env.SenderPartyID, env.CorrelationID)
	st, ok := d.bySender[sk]
	if !ok {
		st = &perSenderState{nextSeq: 0, pending: make(map[uint64]wire.Envelope)}
		d.bySender[sk] = st
	}

	if env.Sequence < st.nextSeq {
		// A sequence number below the cursor was already delivered for this
		// (sender, correlation id), so this is a stale retransmit.
		return nil
	}
	st.pending[env.Sequence] = env

	var ready []wire.Envelope
	for {
		next, ok := st.pending[st.nextSeq]
		if !ok {
			break
		}
		ready = append(ready, next)
		delete(st.pending, st.nextSeq)
		st.nextSeq++
	}
	return ready
}
