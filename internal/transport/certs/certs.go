// Package certs loads the mutual-TLS material the Transport Bus requires
// (spec §6): per-party leaf certificates signed by a shared CA, Common Name
// validator-<partyId>.<domain>, restricted to TLS 1.3's approved cipher
// suites, rejecting any peer without a valid client certificate.
package certs

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"

	"github.com/kabukky/httpscerts"
)

// Bundle is the TLS material one party needs to both serve and dial peers:
// its own leaf cert/key and the CA pool every peer's leaf is verified
// against.
type Bundle struct {
	Leaf tls.Certificate
	Pool *x509.CertPool
}

// Load reads a party's leaf certificate, private key, and the shared CA
// certificate from disk.
func Load(certPath, keyPath, caPath string) (*Bundle, error) {
	leaf, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return nil, fmt.Errorf("certs: loading leaf keypair: %w", err)
	}

	caBytes, err := os.ReadFile(caPath)
	if err != nil {
		return nil, fmt.Errorf("certs: reading CA certificate: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caBytes) {
		return nil, fmt.Errorf("certs: %s does not contain a valid PEM certificate", caPath)
	}

	return &Bundle{Leaf: leaf, Pool: pool}, nil
}

// ServerConfig builds the mutual-TLS server configuration spec §6 requires:
// client certificate required and verified against the CA pool, cipher
// suites restricted to the TLS 1.3 approved set.
func (b *Bundle) ServerConfig() *tls.Config {
	return &tls.Config{
		Certificates: []tls.Certificate{b.Leaf},
		ClientAuth:   tls.RequireAndVerifyClientCert,
		ClientCAs:    b.Pool,
		MinVersion:   tls.VersionTLS13,
		CipherSuites: approvedCipherSuites,
	}
}

// ClientConfig builds the mutual-TLS dial configuration: this party's own
// leaf cert (so the peer can verify it in turn) and the CA pool to verify
// the peer's leaf against.
func (b *Bundle) ClientConfig(serverName string) *tls.Config {
	return &tls.Config{
		Certificates: []tls.Certificate{b.Leaf},
		RootCAs:      b.Pool,
		ServerName:   serverName,
		MinVersion:   tls.VersionTLS13,
		CipherSuites: approvedCipherSuites,
	}
}

// approvedCipherSuites is the TLS 1.3 suite set spec §6 names explicitly.
// Go's tls package negotiates TLS 1.3 cipher suites automatically and
// ignores this field for TLS 1.3 connections; since both configs set
// MinVersion to TLS 1.3, no TLS 1.2 fallback is possible either, so the
// list documents the approved set rather than constraining negotiation.
var approvedCipherSuites = []uint16{
	tls.TLS_AES_256_GCM_SHA384,
	tls.TLS_CHACHA20_POLY1305_SHA256,
	tls.TLS_AES_128_GCM_SHA256,
}

// GenerateDevCertificate writes a self-signed leaf certificate and key to
// certPath/keyPath for local development and tests, the way the teacher
// generates throwaway TLS material outside of production deployments. It
// must never be used as the CA-signed leaf spec §6 requires in production.
func GenerateDevCertificate(host, certPath, keyPath string) error {
	if _, err := os.Stat(certPath); err == nil {
		return nil
	}
	return httpscerts.Generate(certPath, keyPath, host)
}
