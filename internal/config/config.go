// Package config loads the validator's configuration: a TOML file with
// environment-variable overrides, following the recognized keys in spec §6.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// ChainConfig describes one monitored source/destination chain.
type ChainConfig struct {
	Name              string `toml:"name"`
	ChainID           uint32 `toml:"chain_id"`
	RPC               string `toml:"rpc"`
	SignalAddress     string `toml:"signal_address"`
	ConfirmationDepth uint64 `toml:"confirmation_depth"`
	RingSize          int    `toml:"ring_size"`
}

// PeerConfig describes one other party's dial address for the gRPC
// Transport Bus (spec §3.B).
type PeerConfig struct {
	PartyID uint32 `toml:"party_id"`
	Address string `toml:"address"`
	TLSName string `toml:"tls_name"`
}

// Config is the full validator configuration.
type Config struct {
	PartyID           int           `toml:"party_id"`
	Threshold         int           `toml:"threshold"`
	TotalParties      int           `toml:"total_parties"`
	TransportEndpoint string        `toml:"transport_endpoint"`
	KeystoreBackend   string        `toml:"keystore_backend"`
	RoundTimeoutMS    int           `toml:"round_timeout_ms"`
	HeartbeatWindowMS int           `toml:"heartbeat_window_ms"`
	RequestTimeoutMS  int           `toml:"request_timeout_ms"`
	Chains            []ChainConfig `toml:"chains"`

	KeyID    string `toml:"key_id"`
	DataDir  string `toml:"data_dir"`

	APIListen     string `toml:"api_listen"`
	MetricsListen string `toml:"metrics_listen"`

	KeystoreDir           string `toml:"keystore_dir"`
	KeystorePassphraseEnv string `toml:"keystore_passphrase_env"`

	TLSCertFile string       `toml:"tls_cert_file"`
	TLSKeyFile  string       `toml:"tls_key_file"`
	TLSCAFile   string       `toml:"tls_ca_file"`
	Peers       []PeerConfig `toml:"peers"`
}

// RoundTimeout returns the configured per-round DKG/signing deadline.
func (c Config) RoundTimeout() time.Duration {
	if c.RoundTimeoutMS <= 0 {
		return 60 * time.Second
	}
	return time.Duration(c.RoundTimeoutMS) * time.Millisecond
}

// HeartbeatWindow returns the availability window used by participant selection.
func (c Config) HeartbeatWindow() time.Duration {
	if c.HeartbeatWindowMS <= 0 {
		return 10 * time.Second
	}
	return time.Duration(c.HeartbeatWindowMS) * time.Millisecond
}

// RequestTimeout returns the configured per-signing-request deadline
// (spec §4.E, default 30s).
func (c Config) RequestTimeout() time.Duration {
	if c.RequestTimeoutMS <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.RequestTimeoutMS) * time.Millisecond
}

// Error is a typed configuration failure. Load returns it when validation
// fails; cmd/validator then exits with it before starting any component,
// so it is not reported at /health.
type Error struct {
	Field  string
	Reason string
}

func (e *Error) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Reason)
}

// Load reads a TOML file at path, then applies environment overrides, then validates.
func Load(path string) (*Config, error) {
	var c Config
	if path != "" {
		if _, err := toml.DecodeFile(path, &c); err != nil {
			return nil, &Error{Field: "file", Reason: err.Error()}
		}
	}
	applyEnvOverrides(&c)
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func applyEnvOverrides(c *Config) {
	if v, ok := os.LookupEnv("PARTY_ID"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			c.PartyID = n
		}
	}
	if v, ok := os.LookupEnv("THRESHOLD"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			c.Threshold = n
		}
	}
	if v, ok := os.LookupEnv("TOTAL_PARTIES"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			c.TotalParties = n
		}
	}
	if v, ok := os.LookupEnv("TRANSPORT_ENDPOINT"); ok {
		c.TransportEndpoint = v
	}
	if v, ok := os.LookupEnv("KEYSTORE_BACKEND"); ok {
		c.KeystoreBackend = v
	}
	if v, ok := os.LookupEnv("ROUND_TIMEOUT_MS"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			c.RoundTimeoutMS = n
		}
	}
	if v, ok := os.LookupEnv("HEARTBEAT_WINDOW_MS"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			c.HeartbeatWindowMS = n
		}
	}
	for i := range c.Chains {
		prefix := strings.ToUpper(c.Chains[i].Name)
		if v, ok := os.LookupEnv(prefix + "_RPC"); ok {
			c.Chains[i].RPC = v
		}
		if v, ok := os.LookupEnv(prefix + "_SIGNAL_ADDRESS"); ok {
			c.Chains[i].SignalAddress = v
		}
	}
}

// Validate checks the threshold parameters and required fields, returning a
// typed *Error on the first problem found.
func (c Config) Validate() error {
	if c.PartyID <= 0 {
		return &Error{Field: "party_id", Reason: "must be a positive integer, party ids are never zero"}
	}
	if c.TotalParties < 2 {
		return &Error{Field: "total_parties", Reason: "must be at least 2"}
	}
	if c.Threshold < 2 || c.Threshold > c.TotalParties {
		return &Error{Field: "threshold", Reason: "must satisfy 2 <= t <= N"}
	}
	if c.PartyID > c.TotalParties {
		return &Error{Field: "party_id", Reason: "out of range [1, N]"}
	}
	if c.TransportEndpoint == "" {
		return &Error{Field: "transport_endpoint", Reason: "required"}
	}
	if c.KeystoreBackend == "" {
		return &Error{Field: "keystore_backend", Reason: "required"}
	}
	for _, ch := range c.Chains {
		if ch.Name == "" || ch.RPC == "" {
			return &Error{Field: "chains", Reason: "each configured chain needs a name and rpc endpoint"}
		}
	}
	return nil
}
