// Command cipherchat is a line-oriented CipherChat client. It drives the
// session engine from stdin and prints engine updates to stdout.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Nycz-lab/CipherChat/pkg/client"
	"github.com/Nycz-lab/CipherChat/pkg/client/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

var Version = "dev"

func main() {
	configPath := flag.String("config", client.DefaultConfigPath, "Path to config file")
	server := flag.String("server", "", "Server to connect to on startup (overrides default_server)")
	logLevel := flag.String("log-level", "", "Log level (overrides log_level)")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("cipherchat %s\n", Version)
		return
	}

	config, err := client.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if *logLevel != "" {
		config.Client.LogLevel = *logLevel
	}
	if *server != "" {
		config.Client.DefaultServer = *server
	}

	logger, err := newLogger(config.Client.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(config, logger); err != nil {
		logger.Fatal("cipherchat exited", zap.Error(err))
	}
}

// newLogger builds a production logger writing to stderr so stdout stays
// readable for the chat itself.
func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, err
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = lvl
	cfg.Encoding = "console"
	cfg.EncoderConfig = zap.NewDevelopmentEncoderConfig()
	cfg.OutputPaths = []string{"stderr"}
	cfg.ErrorOutputPaths = []string{"stderr"}
	return cfg.Build()
}

func run(config client.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	kv, err := store.Open(ctx, config.StoreOptions())
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer kv.Close()
	if db, ok := kv.(*store.SQLite); ok {
		logger.Info("state store opened", zap.String("dir", db.Dir()))
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	metrics := client.NewMetrics(registry)
	if config.Metrics.ListenAddr != "" {
		srv := serveMetrics(config.Metrics.ListenAddr, registry, logger)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	backend := client.NewWireBackend(client.WireBackendOptions{
		RootCA: config.Client.RootCA,
		Logger: logger.Named("backend"),
	})

	engine, err := client.NewEngine(client.EngineOptions{
		Backend:        backend,
		Store:          kv,
		AttachmentsDir: config.Client.AttachmentsDir,
		Logger:         logger.Named("engine"),
		Metrics:        metrics,
	})
	if err != nil {
		return err
	}

	engineDone := make(chan error, 1)
	go func() { engineDone <- engine.Run(ctx) }()

	cli := newCLI(engine, os.Stdin, os.Stdout, config.Client.DefaultServer)
	go cli.printUpdates(ctx)

	if config.Client.DefaultServer != "" {
		cli.exec(ctx, "/connect")
	}

	cli.loop(ctx)

	// Leave the engine running until history is flushed and the connection is closed
	closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := engine.Close(closeCtx); err != nil {
		logger.Warn("close failed", zap.Error(err))
	}
	if err := engine.Sync(closeCtx); err != nil {
		logger.Warn("pending saves not flushed", zap.Error(err))
	}

	stop()
	if err := <-engineDone; err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func serveMetrics(addr string, registry *prometheus.Registry, logger *zap.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("serving metrics", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", zap.Error(err))
		}
	}()
	return srv
}
