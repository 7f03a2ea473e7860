// Package wire defines the JSON envelope and per-type payloads every party
// exchanges over the Transport Bus (spec §6). Messages are JSON "for
// clarity"; the wire format is deliberately textual, the same choice the
// teacher's net.HexJSON marshaller makes for its REST gateway, rather than a
// protoc-generated binary schema this module cannot regenerate.
package wire

import "time"

// Type identifies the payload shape carried in an Envelope.
type Type string

const (
	TypeValidatorRegister Type = "VALIDATOR_REGISTER"
	TypeHeartbeat         Type = "HEARTBEAT"
	TypeDKGStart          Type = "DKG_START"
	TypeDKGCommitment     Type = "DKG_COMMITMENT"
	TypeDKGShare          Type = "DKG_SHARE"
	TypeDKGPublicKeyShare Type = "DKG_PUBLIC_KEY_SHARE"
	TypeSignalEvent       Type = "SIGNAL_EVENT"
	TypeSigningRequest    Type = "SIGNING_REQUEST"
	TypeNonceCommitment   Type = "NONCE_COMMITMENT"
	TypeNonceReveal       Type = "NONCE_REVEAL"
	TypePartialSignature  Type = "PARTIAL_SIGNATURE"
	TypeSignatureComplete Type = "SIGNATURE_COMPLETE"
)

// Envelope is the outer wrapper every wire message travels in (spec §4.B):
// type, sender, the ceremony or request it belongs to, an opaque payload,
// and the sequence number the bus's FIFO/dedup logic keys on.
type Envelope struct {
	Type          Type      `json:"type"`
	SenderPartyID uint32    `json:"senderPartyId"`
	CorrelationID string    `json:"ceremonyOrRequestId"`
	Sequence      uint64    `json:"sequence"`
	Timestamp     time.Time `json:"timestamp"`
	Payload       []byte    `json:"payload"`
}

// ValidatorRegister is the VALIDATOR_REGISTER payload.
type ValidatorRegister struct {
	ValidatorID string    `json:"validatorId"`
	Timestamp   time.Time `json:"timestamp"`
}

// Heartbeat is the HEARTBEAT payload, used by participant selection (spec
// §4.E) to decide which parties are "available".
type Heartbeat struct {
	UptimeSeconds int64    `json:"uptime"`
	ActiveChains  []string `json:"activeChains"`
	Pending       int      `json:"pending"`
	HasKeyShare   bool     `json:"hasKeyShare"`
}

// DKGStart is the DKG_START payload.
type DKGStart struct {
	CeremonyID string `json:"ceremonyId"`
	Threshold  int    `json:"t"`
	N          int    `json:"N"`
}

// DKGCommitment is the DKG_COMMITMENT payload (spec §4.C round 2).
// Commitments are hex-encoded compressed curve points; Proof is the
// Schnorr proof of knowledge's wire encoding.
type DKGCommitment struct {
	CeremonyID  string   `json:"ceremonyId"`
	PartyID     uint32   `json:"partyId"`
	Commitments []string `json:"commitments"`
	Proof       Proof    `json:"proof"`
}

// Proof is the wire encoding of a schnorr.ProofOfKnowledge.
type Proof struct {
	R string `json:"r"`
	Z string `json:"z"`
}

// DKGShare is the DKG_SHARE payload (spec §4.C round 4). ShareBytes carries
// the share s_{from->to} in the clear; its confidentiality in transit comes
// entirely from the mutual-TLS channel between the two parties (spec §6),
// not from any payload-level encryption. Proof carries nothing additional
// here, the share's correctness is instead checked against the sender's
// earlier commitments (round 5).
type DKGShare struct {
	CeremonyID string `json:"ceremonyId"`
	FromParty  uint32 `json:"fromParty"`
	ToParty    uint32 `json:"toParty"`
	ShareBytes []byte `json:"shareBytes"`
}

// DKGPublicKeyShare is the DKG_PUBLIC_KEY_SHARE payload (spec §4.C round 6).
type DKGPublicKeyShare struct {
	CeremonyID     string `json:"ceremonyId"`
	PartyID        uint32 `json:"partyId"`
	PublicKeyShare string `json:"publicKeyShare"`
}

// SignalEvent is the SIGNAL_EVENT payload, the Chain Event Monitor's
// handoff to the Signing Coordinator (spec §4.D, §4.E).
type SignalEvent struct {
	SignalID   string `json:"signalId"`
	SrcChainID uint32 `json:"srcChainId"`
	DstChainID uint32 `json:"dstChainId"`
	Nonce      uint32 `json:"nonce"`
	Payload    []byte `json:"-"`
	TxHash     string `json:"txHash"`
	RequestID  string `json:"requestId"`
}

// SigningRequest is the SIGNING_REQUEST payload.
type SigningRequest struct {
	RequestID    string   `json:"requestId"`
	MessageHex   string   `json:"message"`
	Participants []uint32 `json:"participants"`
}

// NonceCommitment is the NONCE_COMMITMENT payload, round one of the
// commit-reveal sub-protocol spec §4.E requires before any party's nonce
// point is revealed (spec §9).
type NonceCommitment struct {
	RequestID  string `json:"requestId"`
	PartyID    uint32 `json:"partyId"`
	Commitment string `json:"commitment"`
}

// NonceReveal is the NONCE_REVEAL payload, round two of the commit-reveal
// sub-protocol.
type NonceReveal struct {
	RequestID string `json:"requestId"`
	PartyID   uint32 `json:"partyId"`
	Point     string `json:"point"`
}

// PartialSignature is the PARTIAL_SIGNATURE payload (spec §4.E "Partial
// collection"). Signature is the scheme-specific (R, z) or (r, s) pair
// hex-encoded; PublicKeyShare lets the receiver verify without a second
// round trip.
type PartialSignature struct {
	RequestID      string `json:"requestId"`
	PartyID        uint32 `json:"partyId"`
	Signature      string `json:"signature"`
	PublicKeyShare string `json:"publicKeyShare"`
}

// SignatureComplete is the SIGNATURE_COMPLETE payload emitted once (spec
// §8 invariant 4) per signalId.
type SignatureComplete struct {
	RequestID    string   `json:"requestId"`
	Signature    string   `json:"signature"`
	Participants []uint32 `json:"participants"`
}
