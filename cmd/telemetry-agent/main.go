// Command telemetry-agent hosts the telemetry ingestion channel as a
// standalone process. It loads configuration, wires the store, channel,
// and transport, and exposes a small operations surface: an HTTP status
// and enqueue API, a WebSocket monitor streaming channel lifecycle
// events, and a Prometheus metrics listener.
//
// Usage:
//
//	telemetry-agent [--config path/to/config.yaml]
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mobiletelemetry/ingestchannel/internal/telemetry"
	"github.com/mobiletelemetry/ingestchannel/internal/telemetry/asyncstore"
	"github.com/mobiletelemetry/ingestchannel/internal/telemetry/channel"
	"github.com/mobiletelemetry/ingestchannel/internal/telemetry/config"
	"github.com/mobiletelemetry/ingestchannel/internal/telemetry/events"
	"github.com/mobiletelemetry/ingestchannel/internal/telemetry/ingestion"
	"github.com/mobiletelemetry/ingestchannel/internal/telemetry/metrics"
	"github.com/mobiletelemetry/ingestchannel/internal/telemetry/node"
	"github.com/mobiletelemetry/ingestchannel/internal/telemetry/store"
	"github.com/mobiletelemetry/ingestchannel/internal/telemetry/store/local"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "telemetry-agent: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	// ── 1. Load configuration ────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// ── 2. Set up structured logger ──────────────────────────────────────────
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	// ── 3. Initialise install identity and preferences ───────────────────────
	identity, err := node.Load(cfg.Node.DataDir, cfg.Node.InstallID)
	if err != nil {
		return fmt.Errorf("init identity: %w", err)
	}
	prefs, err := node.OpenPreferences(cfg.Node.DataDir)
	if err != nil {
		return fmt.Errorf("init preferences: %w", err)
	}

	slog.Info("telemetry-agent starting",
		"install_id", identity.ID(),
		"host", cfg.Node.Host,
		"port", cfg.Node.Port,
		"data_dir", identity.DataDir(),
		"server_url", cfg.Ingestion.ServerURL,
	)

	// ── 4. Open the durable log store behind the async facade ────────────────
	storageCfg := local.DefaultConfig()
	storageCfg.Fsync = local.FsyncPolicy(cfg.Storage.Fsync)
	storageCfg.FsyncIntervalMs = cfg.Storage.FsyncIntervalMs
	storageCfg.FsyncBatchSize = cfg.Storage.FsyncBatchSize
	if d, perr := time.ParseDuration(cfg.Storage.CompactionInterval); perr == nil {
		storageCfg.CompactionInterval = d
	}
	eng, err := local.Open(cfg.Node.DataDir, storageCfg)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	logs, err := store.Open(eng)
	if err != nil {
		_ = eng.Close()
		return fmt.Errorf("open log store: %w", err)
	}
	facade := asyncstore.New(logs)

	// ── 5. Build the ingestion transport chain ───────────────────────────────
	httpClient := &http.Client{Timeout: time.Duration(cfg.Ingestion.TimeoutMs) * time.Millisecond}
	var transport ingestion.Transport = ingestion.NewHTTPTransport(cfg.Ingestion.ServerURL, httpClient)
	var delays []time.Duration
	for _, ms := range cfg.Ingestion.RetryDelaysMs {
		delays = append(delays, time.Duration(ms)*time.Millisecond)
	}
	transport = ingestion.NewRetryer(transport, delays)
	transport = ingestion.NewNetworkGate(transport, nil)

	// ── 6. Initialise metrics and the event bus ──────────────────────────────
	metricsReg := &metrics.Registry{}
	bus := events.NewBus()

	// ── 7. Build the channel and register the default group ──────────────────
	chCfg := channel.DefaultConfig()
	chCfg.AppSecret = cfg.Ingestion.AppSecret
	chCfg.InstallID = identity.ID().String()
	chCfg.MaxEnqueueRate = cfg.Channel.MaxEnqueueRate
	chCfg.EnqueueBurst = cfg.Channel.EnqueueBurst
	chCfg.SuspendDrainChunk = cfg.Channel.SuspendDrainChunk
	chCfg.ShutdownTimeout = time.Duration(cfg.Channel.ShutdownTimeoutMs) * time.Millisecond

	ch := channel.New(chCfg, facade, transport,
		channel.WithPreferences(prefs),
		channel.WithEvents(bus),
		channel.WithMetrics(metricsReg),
	)
	if g := cfg.Channel.DefaultGroup; g.Name != "" {
		ch.AddGroup(g.Name, g.MaxLogsPerBatch,
			time.Duration(g.BatchIntervalMs)*time.Millisecond,
			g.MaxParallelBatches, nil)
	}

	// ── 8. Start the HTTP operations surface ─────────────────────────────────
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	mux.HandleFunc("GET /api/status", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(ch.Snapshot())
	})
	mux.HandleFunc("POST /api/logs", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Group   string         `json:"group"`
			Type    string         `json:"type"`
			Payload map[string]any `json:"payload"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if req.Group == "" || req.Type == "" {
			http.Error(w, "group and type are required", http.StatusBadRequest)
			return
		}
		ch.Enqueue(&telemetry.Log{Type: req.Type, Payload: req.Payload}, req.Group)
		w.WriteHeader(http.StatusAccepted)
	})
	mux.Handle("GET /monitor", &monitorHandler{bus: bus})

	srv := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Node.Host, cfg.Node.Port),
		Handler: mux,
	}
	serveErr := make(chan error, 1)
	go func() {
		slog.Info("telemetry-agent ready", "addr", srv.Addr)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		} else {
			serveErr <- nil
		}
	}()

	// ── 9. Start dedicated Prometheus metrics listener ───────────────────────
	if cfg.Metrics.Enabled {
		metricsAddr := fmt.Sprintf(":%d", cfg.Metrics.Port)
		go func() {
			slog.Info("metrics server listening", "addr", metricsAddr)
			if err := http.ListenAndServe(metricsAddr, metricsReg.Handler()); err != nil {
				slog.Warn("metrics server error", "err", err)
			}
		}()
	}

	// ── 10. Graceful shutdown on SIGINT / SIGTERM ────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		slog.Info("shutting down", "signal", sig)
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	}

	shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutCtx); err != nil {
		slog.Warn("server shutdown error", "err", err)
	}

	ch.Shutdown()
	if err := facade.Close(); err != nil {
		slog.Warn("store close error", "err", err)
	}

	slog.Info("telemetry-agent stopped")
	return nil
}
