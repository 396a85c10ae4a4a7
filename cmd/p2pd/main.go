// Command p2pd runs the websocket gossip relay consensus nodes connect to.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"adaptivechain/config"
	"adaptivechain/network"
	"adaptivechain/observability/logging"
	telemetry "adaptivechain/observability/otel"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := run(os.Args[1:], os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "p2pd: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string, stderr io.Writer) error {
	fs := flag.NewFlagSet("p2pd", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configFile := fs.String("config", "./config.toml", "Path to the configuration file")
	listen := fs.String("listen", "", "Relay listen address (overrides RelayListenAddress)")
	heartbeat := fs.Duration("heartbeat", 5*time.Second, "Interval between relay heartbeats")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(*configFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	addr := cfg.RelayListenAddress
	if *listen != "" {
		addr = *listen
	}
	baseDir := filepath.Dir(*configFile)

	var logOpts []logging.Option
	if cfg.LogFile != "" {
		logOpts = append(logOpts, logging.WithFile(config.ResolvePath(baseDir, cfg.LogFile)))
	}
	logger, logCloser := logging.Setup("p2pd", cfg.Environment, logOpts...)
	defer logCloser.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName: "p2pd",
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
		return fmt.Errorf("relay security: %w", err)
	}
	relay := network.NewRelay(logger)
	handler, err := relayHandler(relay, writeAuth, readAuth, cfg.NetworkSecurity.AllowUnauthenticatedReads)
	if err != nil {
		return err
	}
	relay.StartHeartbeats(ctx, *heartbeat)

	server := &http.Server{
		Addr:              addr,
		Handler:           handler,
		TLSConfig:         tlsConfig,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	logger.Info("relay listening", slog.String("listen", addr), slog.Bool("tls", tlsConfig != nil))
	if tlsConfig != nil {
		err = server.ListenAndServeTLS("", "")
	} else {
		err = server.ListenAndServe()
	}
	if errors.Is(err, http.ErrServerClosed) {
		logger.Info("relay stopped")
		return nil
	}
	return err
}

// relayHandler mounts the relay service next to the Prometheus endpoint.
func relayHandler(relay *network.Relay, writeAuth, readAuth network.Authenticator, allowUnauthenticatedReads bool) (http.Handler, error) {
	svc, err := network.NewService(relay, writeAuth,
		network.WithReadAuthenticator(readAuth),
		network.WithAllowUnauthenticatedReads(allowUnauthenticatedReads))
	if err != nil {
		return nil, err
	}
	r := chi.NewRouter()
	r.Handle("/metrics", promhttp.Handler())
	r.Mount("/", svc.Handler())
	return otelhttp.NewHandler(r, "network.relay"), nil
}
