// Command validator runs one party of a threshold-signature bridge
// validator set: it brings up the Key Store, Transport Bus, Chain Event
// Monitors, and Signing Coordinator in the order spec §2 mandates, and
// exposes DKG as an on-demand operation over HTTP or this CLI.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/jonboulle/clockwork"
	"github.com/urfave/cli/v2"

	"github.com/bridgevalidator/node/internal/api"
	"github.com/bridgevalidator/node/internal/chainmon/jsonrpc"
	"github.com/bridgevalidator/node/internal/config"
	"github.com/bridgevalidator/node/internal/keystore"
	"github.com/bridgevalidator/node/internal/keystore/file"
	"github.com/bridgevalidator/node/internal/keystore/memory"
	"github.com/bridgevalidator/node/internal/log"
	"github.com/bridgevalidator/node/internal/metrics"
	"github.com/bridgevalidator/node/internal/store"
	"github.com/bridgevalidator/node/internal/supervisor"
	"github.com/bridgevalidator/node/internal/transport"
	"github.com/bridgevalidator/node/internal/transport/certs"
	"github.com/bridgevalidator/node/internal/transport/grpcbus"
)

// Automatically set through -ldflags, e.g.
// go install -ldflags "-X main.version=`git describe --tags` -X main.buildDate=`date -u +%d/%m/%Y@%H:%M:%S` -X main.gitCommit=`git rev-parse HEAD`"
var (
	version   = "master"
	gitCommit = "none"
	buildDate = "unknown"
)

func banner() {
	fmt.Printf("bridge validator %v (date %v, commit %v)\n", version, buildDate, gitCommit)
}

var configFlag = &cli.StringFlag{
	Name:     "config",
	Aliases:  []string{"c"},
	Usage:    "Path to the validator's TOML configuration file.",
	Required: true,
}

var verboseFlag = &cli.BoolFlag{
	Name:  "verbose",
	Usage: "If set, logs at debug level instead of info.",
}

// CLI builds the command tree. main's only job is to run it.
func CLI() *cli.App {
	app := cli.NewApp()
	app.Name = "validator"
	app.Version = version
	app.Usage = "threshold-signature bridge validator node"
	cli.VersionPrinter = func(c *cli.Context) {
		fmt.Printf("validator %v (date %v, commit %v)\n", version, buildDate, gitCommit)
	}

	app.Commands = []*cli.Command{
		{
			Name:  "start",
			Usage: "Start the validator daemon: key store, transport bus, chain monitors, signing coordinator.",
			Flags: []cli.Flag{configFlag, verboseFlag},
			Action: func(c *cli.Context) error {
				banner()
				return startCmd(c)
			},
		},
		{
			Name:  "dkg",
			Usage: "Operate on this process's DKG ceremony over its HTTP control surface.",
			Subcommands: []*cli.Command{
				{
					Name:  "start",
					Usage: "Trigger a new DKG ceremony (equivalent to POST /api/dkg/start).",
					Flags: []cli.Flag{
						&cli.StringFlag{Name: "api", Value: "http://127.0.0.1:8081", Usage: "Base URL of the running validator's API."},
					},
					Action: func(c *cli.Context) error {
						banner()
						return dkgStartCmd(c)
					},
				},
			},
		},
	}
	app.Flags = []cli.Flag{verboseFlag}
	return app
}

func main() {
	if err := CLI().Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "validator: %v\n", err)
		os.Exit(1)
	}
}

func startCmd(c *cli.Context) error {
	level := log.InfoLevel
	if c.Bool("verbose") {
		level = log.DebugLevel
	}
	log.ConfigureDefaultLogger(nil, level, true)
	l := log.DefaultLogger().Named("validator")

	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	ks, err := buildKeystore(l, cfg)
	if err != nil {
		return fmt.Errorf("building key store: %w", err)
	}

	dataDir := cfg.DataDir
	if dataDir == "" {
		dataDir = "./data"
	}
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return fmt.Errorf("creating data dir: %w", err)
	}
	st, err := store.Open(l, dataDir+"/validator.db")
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}

	bus, err := buildBus(l, cfg)
	if err != nil {
		return fmt.Errorf("building transport bus: %w", err)
	}

	chains := buildChains(l, cfg)

	participants := make([]uint32, cfg.TotalParties)
	for i := range participants {
		participants[i] = uint32(i + 1)
	}
	keyID := cfg.KeyID
	if keyID == "" {
		keyID = "bridge-key"
	}

	sup := supervisor.New(supervisor.Config{
		SelfID:          uint32(cfg.PartyID),
		Threshold:       cfg.Threshold,
		Participants:    participants,
		KeyID:           keyID,
		Keystore:        ks,
		Bus:             bus,
		Store:           st,
		Chains:          chains,
		RoundTimeout:    cfg.RoundTimeout(),
		HeartbeatWindow: cfg.HeartbeatWindow(),
		RequestTimeout:  cfg.RequestTimeout(),
		Log:             l,
		Clock:           clockwork.NewRealClock(),
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := sup.Start(ctx); err != nil {
		return fmt.Errorf("starting supervisor: %w", err)
	}

	apiChains := make(map[string]api.ChainHealth, len(sup.HealthChecks()))
	for name, m := range sup.HealthChecks() {
		apiChains[name] = m
	}
	apiSrv := api.New(api.Config{
		Chains:      apiChains,
		Coordinator: sup,
		DKGStatus:   sup.DKGStatus,
		StartDKG:    sup.StartDKG,
		Log:         l,
	})
	apiListen := cfg.APIListen
	if apiListen == "" {
		apiListen = "127.0.0.1:8081"
	}
	if _, err := apiSrv.Serve(apiListen); err != nil {
		return fmt.Errorf("binding api listener: %w", err)
	}
	l.Infow("api listener bound", "addr", apiListen)

	if cfg.MetricsListen != "" {
		metrics.Start(l, cfg.MetricsListen)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	l.Infow("shutdown signal received, draining components")

	shutdownCtx, shutdownCancel := context.WithCancel(context.Background())
	defer shutdownCancel()
	if err := sup.Shutdown(shutdownCtx); err != nil {
		l.Warnw("one or more components reported errors during shutdown", "err", err)
	}
	return st.Close()
}

func buildKeystore(l log.Logger, cfg *config.Config) (keystore.Backend, error) {
	switch cfg.KeystoreBackend {
	case "memory":
		return memory.New(), nil
	case "file":
		passphrase := []byte(os.Getenv(cfg.KeystorePassphraseEnv))
		if len(passphrase) == 0 {
			return nil, fmt.Errorf("keystore_passphrase_env %q is unset or empty", cfg.KeystorePassphraseEnv)
		}
		dir := cfg.KeystoreDir
		if dir == "" {
			dir = "./keystore"
		}
		return file.New(l, dir, passphrase)
	case "kms":
		return nil, fmt.Errorf("keystore_backend \"kms\" needs a vendor-specific kms.Client wired in at the deployment layer; this binary only wires memory and file")
	default:
		return nil, fmt.Errorf("unsupported keystore_backend %q (want memory, file, or kms)", cfg.KeystoreBackend)
	}
}

func buildBus(l log.Logger, cfg *config.Config) (transport.Bus, error) {
	if cfg.TLSCertFile == "" {
		return nil, fmt.Errorf("tls_cert_file/tls_key_file/tls_ca_file are required: the transport bus is mutual-TLS-only (spec §3.B)")
	}
	bundle, err := certs.Load(cfg.TLSCertFile, cfg.TLSKeyFile, cfg.TLSCAFile)
	if err != nil {
		return nil, fmt.Errorf("loading TLS bundle: %w", err)
	}

	peers := make([]grpcbus.PeerAddr, 0, len(cfg.Peers))
	for _, p := range cfg.Peers {
		peers = append(peers, grpcbus.PeerAddr{PartyID: p.PartyID, Address: p.Address, TLSName: p.TLSName})
	}
	bus, err := grpcbus.New(uint32(cfg.PartyID), l, bundle, peers)
	if err != nil {
		return nil, err
	}
	go func() {
		if err := bus.Serve(cfg.TransportEndpoint); err != nil {
			l.Warnw("transport bus listener stopped", "err", err)
		}
	}()
	return grpcbus.AsBus(bus), nil
}

func buildChains(l log.Logger, cfg *config.Config) map[string]supervisor.ChainSetup {
	chains := make(map[string]supervisor.ChainSetup, len(cfg.Chains))
	for _, ch := range cfg.Chains {
		provider := jsonrpc.New(l.Named("chainmon").With("chain", ch.Name), ch.RPC, ch.SignalAddress, ch.ChainID)
		chains[ch.Name] = supervisor.ChainSetup{
			Provider:          provider,
			ConfirmationDepth: ch.ConfirmationDepth,
			RingSize:          ch.RingSize,
		}
	}
	return chains
}

func dkgStartCmd(c *cli.Context) error {
	l := log.DefaultLogger().Named("validator")
	apiBase := c.String("api")
	req, err := http.NewRequest(http.MethodPost, apiBase+"/api/dkg/start", nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("calling %s: %w", apiBase, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("dkg start rejected: status %d", resp.StatusCode)
	}
	l.Infow("dkg ceremony start accepted")
	return nil
}
