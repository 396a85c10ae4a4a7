// Command consensusd runs one validator of the adaptive consensus core: it
// joins the gossip relay, drives the orchestrator and serves the consensus
// HTTP API.
package main

import (
	"context"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"adaptivechain/cmd/internal/passphrase"
	"adaptivechain/config"
	"adaptivechain/consensus/engine"
	"adaptivechain/consensus/service"
	"adaptivechain/crypto"
	"adaptivechain/network"
	"adaptivechain/observability/logging"
	telemetry "adaptivechain/observability/otel"
)

const (
	validatorKeyEnv = "ADAPTIVECHAIN_VALIDATOR_KEY"
	shutdownTimeout = 10 * time.Second
)

func main() {
	if err := run(os.Args[1:], os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "consensusd: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string, stderr io.Writer) error {
	fs := flag.NewFlagSet("consensusd", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configFile := fs.String("config", "./config.toml", "Path to the configuration file")
	genesisFlag := fs.String("genesis", "", "Path to the genesis YAML (overrides GenesisFile)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	key, pass, err := resolveKeyMaterial(os.LookupEnv)
	if err != nil {
		return err
	}
	cfg, err := config.Load(*configFile, config.WithKeystorePassphrase(pass))
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if strings.TrimSpace(*genesisFlag) != "" {
		cfg.GenesisFile = *genesisFlag
	}
	if err := config.ValidateConfig(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	baseDir := filepath.Dir(*configFile)
	if key == nil {
		key, err = crypto.LoadFromKeystore(cfg.ValidatorKeystorePath, pass)
		if err != nil {
			return fmt.Errorf("unlock keystore %s: %w", cfg.ValidatorKeystorePath, err)
		}
	}
	genesis, err := config.LoadGenesis(config.ResolvePath(baseDir, cfg.GenesisFile))
	if err != nil {
		return err
	}

	var logOpts []logging.Option
	if cfg.LogFile != "" {
		logOpts = append(logOpts, logging.WithFile(config.ResolvePath(baseDir, cfg.LogFile)))
	}
	logger, logCloser := logging.Setup("consensusd", cfg.Environment, logOpts...)
	defer logCloser.Close()
	logger = logger.With(slog.String("node", cfg.NodeName))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName: "consensusd",
		Environment: cfg.Environment,
		NodeName:    cfg.NodeName,
		Endpoint:    cfg.Telemetry.OTLPEndpoint,
		Insecure:    cfg.Telemetry.Insecure,
		Headers:     cfg.Telemetry.Headers,
		Metrics:     cfg.Telemetry.Metrics && cfg.Telemetry.OTLPEndpoint != "",
		Traces:      cfg.Telemetry.Traces && cfg.Telemetry.OTLPEndpoint != "",
		SampleRatio: cfg.Telemetry.SampleRatio,
	})
	if err != nil {
		return err
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = shutdownTelemetry(flushCtx)
	}()

	tlsConfig, writeAuth, readAuth, err := network.BuildServerSecurity(&cfg.NetworkSecurity, baseDir, os.LookupEnv)
	if err != nil {
		return fmt.Errorf("api security: %w", err)
	}
	clientOpts, err := network.BuildClientOptions(&cfg.NetworkSecurity, baseDir, os.LookupEnv)
	if err != nil {
		return fmt.Errorf("relay security: %w", err)
	}
	clientOpts = append(clientOpts, network.WithClientLogger(logger))

	broadcaster := newResilientBroadcaster(ctx)
	n, err := assembleNode(cfg, genesis, key, broadcaster, logger)
	if err != nil {
		return err
	}
	defer n.Close()

	srv, err := service.New(service.Config{
		Consensus:    n.orch,
		Epochs:       n.epochs,
		Certificates: n.finality,
		Index:        indexOrNil(n),
		Logger:       logger,
	}, service.WithAuthorizer(writeAuth), service.WithReadAuthorizer(readAuth))
	if err != nil {
		return err
	}
	httpServer := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           srv.Handler(),
		TLSConfig:         tlsConfig,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("consensus api listening", slog.String("listen", cfg.ListenAddress))
		var err error
		if tlsConfig != nil {
			err = httpServer.ListenAndServeTLS("", "")
		} else {
			err = httpServer.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	if cfg.RelayURL != "" {
		g.Go(func() error {
			maintainRelay(gctx, func() (*network.Client, error) {
				return network.NewClient(cfg.RelayURL, cfg.NodeName, clientOpts...)
			}, broadcaster, n.orch, logger)
			return nil
		})
	}
	g.Go(func() error {
		err := n.run(gctx)
		if err != nil {
			logger.Error("consensus stopped", slog.Any("error", err))
		}
		return err
	})

	logger.Info("consensus node running",
		slog.String("relay", cfg.RelayURL),
		slog.String("validator", engine.LocalID(key).String()),
		logging.MaskField("audit_dsn", cfg.AuditDSN))
	err = g.Wait()
	logger.Info("consensus node shutting down")
	return err
}

func indexOrNil(n *node) service.Index {
	if n.audit == nil {
		return nil
	}
	return n.audit
}

// resolveKeyMaterial returns the validator key from hex environment material
// when present. Otherwise it resolves the keystore passphrase.
func resolveKeyMaterial(lookup func(string) (string, bool)) (*crypto.PrivateKey, string, error) {
	if raw, ok := lookup(validatorKeyEnv); ok && strings.TrimSpace(raw) != "" {
		key, err := parsePrivateKeyMaterial(raw)
		if err != nil {
			return nil, "", fmt.Errorf("%s: %w", validatorKeyEnv, err)
		}
		pass, _ := lookup(config.KeystorePassphraseEnv)
		return key, pass, nil
	}
	pass, err := passphrase.NewSource(config.KeystorePassphraseEnv, passphrase.WithLookup(lookup)).Get()
	if err != nil {
		return nil, "", err
	}
	return nil, pass, nil
}

func parsePrivateKeyMaterial(material string) (*crypto.PrivateKey, error) {
	trimmed := strings.TrimPrefix(strings.TrimSpace(material), "0x")
	if trimmed == "" {
		return nil, errors.New("empty private key material")
	}
	raw, err := hex.DecodeString(trimmed)
	if err != nil {
		return nil, fmt.Errorf("decode hex private key: %w", err)
	}
	return crypto.PrivateKeyFromBytes(raw)
}
