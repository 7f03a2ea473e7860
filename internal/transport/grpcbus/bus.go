// Package grpcbus realizes transport.Bus over gRPC with mutual TLS (spec
// §4.B, §6): a mesh topology where every party dials every other party
// directly, Envelope.Send as the single RPC, and the package-level
// jsonCodec standing in for protoc-generated marshaling.
package grpcbus

import (
	"context"
	"fmt"
	"sync"

	grpc_middleware "github.com/grpc-ecosystem/go-grpc-middleware"
	grpc_prometheus "github.com/grpc-ecosystem/go-grpc-prometheus"
	"github.com/hashicorp/go-multierror"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"

	"github.com/bridgevalidator/node/internal/log"
	"github.com/bridgevalidator/node/internal/transport"
	"github.com/bridgevalidator/node/internal/transport/certs"
	"github.com/bridgevalidator/node/pkg/wire"
)

// PeerAddr maps a party id to its dial address.
type PeerAddr struct {
	PartyID uint32
	Address string
	TLSName string
}

// Bus is the gRPC Transport Bus implementation.
type Bus struct {
	selfID  uint32
	log     log.Logger
	dedup   *transport.Dedup
	bundle  *certs.Bundle
	server  *grpc.Server
	peers   map[uint32]*grpc.ClientConn
	mu      sync.RWMutex
	seq     map[string]uint64 // "<toPartyID>/<correlationID>" -> next sequence
	seqMu   sync.Mutex
	handlers map[wire.Type][]transport.Handler
	handlersMu sync.RWMutex
}

// New builds a Bus with a client connection to every peer in peerList other
// than selfID; grpc.Dial does not wait for the handshake. New does not
// listen: Serve starts the listener.
func New(selfID uint32, l log.Logger, bundle *certs.Bundle, peerList []PeerAddr) (*Bus, error) {
	b := &Bus{
		selfID:   selfID,
		log:      l,
		dedup:    transport.NewDedup(l),
		bundle:   bundle,
		seq:      make(map[string]uint64),
		peers:    make(map[uint32]*grpc.ClientConn),
		handlers: make(map[wire.Type][]transport.Handler),
	}
	for _, p := range peerList {
		if p.PartyID == selfID {
			continue
		}
		creds := credentials.NewTLS(bundle.ClientConfig(p.TLSName))
		cc, err := grpc.Dial(p.Address,
			grpc.WithTransportCredentials(creds),
			grpc.WithDefaultCallOptions(grpc.CallCustomCodec(jsonCodec{})),
		)
		if err != nil {
			return nil, fmt.Errorf("grpcbus: dialing party %d at %s: %w", p.PartyID, p.Address, err)
		}
		b.peers[p.PartyID] = cc
	}
	return b, nil
}

// Serve starts the gRPC listener accepting peer connections on listenAddr,
// enforcing mutual TLS (reject any connection without a valid client
// certificate, spec §6).
func (b *Bus) Serve(listenAddr string) error {
	creds := credentials.NewTLS(b.bundle.ServerConfig())
	b.server = grpc.NewServer(
		grpc.Creds(creds),
		grpc.CustomCodec(jsonCodec{}), //nolint:staticcheck // no protoc-generated codec is available to this module
		grpc.UnaryInterceptor(grpc_middleware.ChainUnaryServer(grpc_prometheus.UnaryServerInterceptor)),
		grpc.StreamInterceptor(grpc_middleware.ChainStreamServer(grpc_prometheus.StreamServerInterceptor)),
	)
	RegisterEnvelopeServer(b.server, b)
	grpc_prometheus.Register(b.server)

	lis, err := newListener(listenAddr)
	if err != nil {
		return err
	}
	return b.server.Serve(lis)
}

// Send implements EnvelopeServer: the inbound RPC handler every peer's
// Send call lands on. It runs the envelope through dedup/FIFO before
// dispatching to registered handlers.
func (b *Bus) Send(ctx context.Context, env *wire.Envelope) (*Ack, error) {
	for _, ready := range b.dedup.Admit(*env) {
		b.dispatch(ctx, ready)
	}
	return &Ack{}, nil
}

func (b *Bus) dispatch(ctx context.Context, env wire.Envelope) {
	b.handlersMu.RLock()
	hs := append([]transport.Handler{}, b.handlers[env.Type]...)
	b.handlersMu.RUnlock()
	for _, h := range hs {
		h(ctx, env)
	}
}

// Subscribe implements transport.Bus.
func (b *Bus) Subscribe(t wire.Type, fn transport.Handler) {
	b.handlersMu.Lock()
	defer b.handlersMu.Unlock()
	b.handlers[t] = append(b.handlers[t], fn)
}

// nextSequence assigns the next sequence number for an envelope this party
// sends to toPartyID under correlationID, the counter the receiver's
// FIFO/dedup layer keys on. Each (recipient, correlation id) pair counts
// from 0, matching Dedup's perSenderState{nextSeq: 0} kept per (sender,
// correlation id), so no envelope is buffered forever waiting on a
// sequence number that was spent on another peer or another ceremony.
func (b *Bus) nextSequence(toPartyID uint32, correlationID string) uint64 {
	b.seqMu.Lock()
	defer b.seqMu.Unlock()
	key := fmt.Sprintf("%d/%s", toPartyID, correlationID)
	seq := b.seq[key]
	b.seq[key] = seq + 1
	return seq
}

// SendEnvelope delivers env to a single peer, stamping this party's id and
// the next outbound sequence number before the wire send.
func (b *Bus) SendEnvelope(ctx context.Context, toPartyID uint32, env wire.Envelope) error {
	b.mu.RLock()
	cc, ok := b.peers[toPartyID]
	b.mu.RUnlock()
	if !ok {
		return fmt.Errorf("grpcbus: no connection to party %d", toPartyID)
	}
	env.SenderPartyID = b.selfID
	env.Sequence = b.nextSequence(toPartyID, env.CorrelationID)
	client := NewEnvelopeClient(cc)
	_, err := client.Send(ctx, &env)
	return err
}

// Broadcast implements transport.Bus as N-1 unicasts. A send failure to one
// peer does not abort sends to the others; every peer is attempted and the
// returned error aggregates every failed leg (spec §4.B: no all-or-none
// guarantee).
func (b *Bus) Broadcast(ctx context.Context, env wire.Envelope) error {
	b.mu.RLock()
	targets := make([]uint32, 0, len(b.peers))
	for id := range b.peers {
		targets = append(targets, id)
	}
	b.mu.RUnlock()

	var result *multierror.Error
	for _, id := range targets {
		if err := b.SendEnvelope(ctx, id, env); err != nil {
			b.log.Warnw("broadcast leg failed", "to", id, "type", env.Type, "err", err)
			result = multierror.Append(result, fmt.Errorf("party %d: %w", id, err))
		}
	}
	return result.ErrorOrNil()
}

// Close detaches every peer connection and stops the server.
func (b *Bus) Close() error {
	if b.server != nil {
		b.server.GracefulStop()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	var result *multierror.Error
	for id, cc := range b.peers {
		if err := cc.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("party %d: %w", id, err))
		}
	}
	return result.ErrorOrNil()
}

var _ transport.Bus = (*wrappedBus)(nil)

// wrappedBus adapts Bus, whose Send method is the gRPC-facing
// EnvelopeServer.Send, onto the transport.Bus.Send signature, which needs a
// destination party id (SendEnvelope).
type wrappedBus struct {
	*Bus
}

// AsBus returns b adapted to the transport.Bus interface.
func AsBus(b *Bus) transport.Bus {
	return wrappedBus{b}
}

func (w wrappedBus) Send(ctx context.Context, toPartyID uint32, env wire.Envelope) error {
	return w.SendEnvelope(ctx, toPartyID, env)
}
