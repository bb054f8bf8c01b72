// Command specmemd runs the SpecMem daemon: the event bus, agent
// registry, per-project session ingestor and coordination store, an
// embedded NATS server mirroring bus events, and a health endpoint.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/specmem/specmem/internal/config"
	"github.com/specmem/specmem/internal/coordination"
	"github.com/specmem/specmem/internal/embedclient"
	"github.com/specmem/specmem/internal/eventbus"
	"github.com/specmem/specmem/internal/ingest"
	"github.com/specmem/specmem/internal/natsmirror"
	"github.com/specmem/specmem/internal/pgstore"
	"github.com/specmem/specmem/internal/project"
	"github.com/specmem/specmem/internal/registry"
	"github.com/specmem/specmem/internal/telemetry"
)

func main() {
	var configPath string

	root := &cobra.Command{
		Use:   "specmemd",
		Short: "SpecMem per-project memory and coordination daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath)
		},
	}
	root.Flags().StringVar(&configPath, "config", "", "path to a YAML config file")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log := telemetry.NewRoot(telemetry.Config{Level: zerolog.InfoLevel, Pretty: true, Output: os.Stderr})
	mainLog := telemetry.Scope(log, "main")

	workingDir, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("get working directory: %w", err)
	}
	projectCtx, err := project.Current(workingDir)
	if err != nil {
		return fmt.Errorf("resolve project context: %w", err)
	}
	mainLog.Info().Str("project", projectCtx.Path()).Str("schema", projectCtx.SchemaName()).Msg("resolved project context")

	natsServer, err := startEmbeddedNATS(cfg.Server.NATSPort)
	if err != nil {
		return fmt.Errorf("start embedded nats: %w", err)
	}
	defer natsServer.Shutdown()

	bus := eventbus.New(telemetry.Scope(log, "eventbus"))

	mirror, err := natsmirror.Connect(fmt.Sprintf("nats://127.0.0.1:%d", cfg.Server.NATSPort), telemetry.Scope(log, "natsmirror"))
	if err != nil {
		mainLog.Warn().Err(err).Msg("nats mirror unavailable, continuing without external event visibility")
	} else {
		bus.SetMirror(mirror)
		defer mirror.Close()
	}

	reg := registry.New(bus, telemetry.Scope(log, "registry"), cfg.Registry)
	reg.StartCleanup()
	defer reg.StopCleanup()

	pgManager := pgstore.NewManager(cfg.PgstoreConfig(), telemetry.Scope(log, "pgstore"))
	defer pgManager.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := pgManager.PoolFor(ctx, projectCtx.SchemaName())
	if err != nil {
		return fmt.Errorf("acquire project pool: %w", err)
	}

	coordStore := coordination.New(pool, projectCtx.Path(), bus, telemetry.Scope(log, "coordination"))
	if err := coordStore.Bootstrap(ctx); err != nil {
		return fmt.Errorf("bootstrap coordination store: %w", err)
	}

	embedder := embedclient.New(projectCtx.SocketPath(), telemetry.Scope(log, "embedclient"))
	ingestStore := ingest.NewPGStore(pool)
	ingestor := ingest.New(cfg.Ingest, cfg.ClaudeDir, projectCtx.Path(), ingestStore, embedder, bus, telemetry.Scope(log, "ingest"))

	if _, err := ingestor.CatchUp(ctx); err != nil {
		mainLog.Warn().Err(err).Msg("initial session catch-up failed")
	}

	watcher, err := ingest.NewWatcher(cfg.Ingest, ingestor, cfg.ClaudeDir, telemetry.Scope(log, "watcher"))
	if err != nil {
		return fmt.Errorf("start session watcher: %w", err)
	}
	for _, dir := range ingest.WatchDirs(cfg.ClaudeDir, projectCtx.Path()) {
		if err := watcher.AddDir(dir); err != nil {
			mainLog.Warn().Err(err).Str("dir", dir).Msg("failed to watch session directory")
		}
	}
	watcher.Start(ctx)

	healthServer := startHealthServer(cfg.Server.HealthPort, bus, reg)

	mainLog.Info().
		Int("health_port", cfg.Server.HealthPort).
		Int("nats_port", cfg.Server.NATSPort).
		Msg("specmemd ready")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	mainLog.Info().Msg("shutdown signal received")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := bus.Shutdown(10 * time.Second); err != nil {
		mainLog.Warn().Err(err).Msg("event bus drain timed out")
	}
	if err := watcher.Stop(); err != nil {
		mainLog.Warn().Err(err).Msg("watcher stop failed")
	}
	reg.StopCleanup()
	if err := healthServer.Shutdown(shutdownCtx); err != nil {
		mainLog.Warn().Err(err).Msg("health server shutdown error")
	}
	pgManager.Close()

	mainLog.Info().Msg("specmemd shutdown complete")
	return nil
}

func startEmbeddedNATS(port int) (*server.Server, error) {
	opts := &server.Options{
		Host:     "127.0.0.1",
		Port:     port,
		HTTPPort: -1,
		NoLog:    true,
		NoSigs:   true,
	}

	natsServer, err := server.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("create nats server: %w", err)
	}

	go natsServer.Start()
	if !natsServer.ReadyForConnections(5 * time.Second) {
		return nil, fmt.Errorf("nats server did not become ready in time")
	}
	return natsServer, nil
}

func startHealthServer(port int, bus *eventbus.Bus, reg *registry.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		active := len(reg.Active())
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"status":"ok","active_agents":%d,"topics":%d}`, active, len(bus.Metrics()))
	})

	srv := &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			fmt.Fprintf(os.Stderr, "health server error: %v\n", err)
		}
	}()
	return srv
}
