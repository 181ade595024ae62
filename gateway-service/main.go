package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/nordeim/sparkle-gateway/pkg/telemetry"
)

func main() {
	ctx := context.Background()

	// Initialize OpenTelemetry
	otelShutdown, err := telemetry.Init(ctx)
	if err != nil {
		slog.Error("Failed to initialize OpenTelemetry", "error", err)
		os.Exit(1)
	}
	defer otelShutdown(ctx)

	cfg := loadConfig()
	slog.Info("Starting Gateway Service", "listen", cfg.ListenAddr, "nats_url", cfg.NatsURL)

	validator, err := NewJWKSValidator(cfg.JWKSURL, cfg.JWTIssuer)
	if err != nil {
		slog.Error("Failed to initialize JWKS validator", "error", err)
		os.Exit(1)
	}
	defer validator.Close()

	// Connect to Postgres with retry
	var pg *postgresStore
	for attempt := 1; attempt <= 30; attempt++ {
		pg, err = openPostgresStore(cfg.DatabaseURL)
		if err == nil {
			err = pg.Ping()
			if err == nil {
				break
			}
			pg.Close()
		}
		slog.Info("Waiting for Postgres", "attempt", attempt, "error", err)
		time.Sleep(2 * time.Second)
	}
	if err != nil {
		slog.Error("Failed to connect to Postgres", "error", err)
		os.Exit(1)
	}
	defer pg.Close()
	slog.Info("Connected to Postgres")

	store := newGuardedStore(pg, NewCircuitBreaker(cfg.BreakerThreshold, cfg.BreakerCooldown))

	createKVBuckets := func(js nats.JetStreamContext) error {
		var kvErr error
		if _, kvErr = js.CreateKeyValue(&nats.KeyValueConfig{
			Bucket:  presenceBucket,
			History: 1,
			Storage: nats.MemoryStorage,
		}); kvErr != nil {
			return kvErr
		}
		if _, kvErr = js.CreateKeyValue(&nats.KeyValueConfig{
			Bucket:  presenceConnBucket,
			History: 1,
			TTL:     cfg.LivenessWindow,
			Storage: nats.MemoryStorage,
		}); kvErr != nil {
			return kvErr
		}
		return nil
	}

	var gw *Gateway
	var watcherMu sync.Mutex
	var watcherCancel context.CancelFunc

	startWatcher := func() {
		watcherMu.Lock()
		if watcherCancel != nil {
			watcherCancel()
		}
		wCtx, cancel := context.WithCancel(ctx)
		watcherCancel = cancel
		watcherMu.Unlock()
		go gw.presence.RunConnWatcher(wCtx)
	}

	// Connect to NATS with retry
	var nc *nats.Conn
	for attempt := 1; attempt <= 30; attempt++ {
		nc, err = nats.Connect(cfg.NatsURL,
			nats.UserInfo(cfg.NatsUser, cfg.NatsPass),
			nats.Name("gateway-service"),
			nats.MaxReconnects(-1),
			nats.ReconnectWait(2*time.Second),
			nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
				slog.Warn("NATS disconnected", "error", err)
			}),
			nats.ReconnectHandler(func(nc *nats.Conn) {
				slog.Info("NATS reconnected, recreating KV buckets and resetting state")
				js, jsErr := nc.JetStream()
				if jsErr != nil {
					slog.Error("Failed to get JetStream after reconnect", "error", jsErr)
					return
				}
				if kvErr := createKVBuckets(js); kvErr != nil {
					slog.Error("Failed to recreate KV buckets after reconnect", "error", kvErr)
					return
				}
				if gw != nil {
					gw.presence.tracker.reset()
					startWatcher()
					slog.Info("Connection tracker reset, KV watcher restarted")
				}
			}),
		)
		if err == nil {
			break
		}
		slog.Info("Waiting for NATS", "attempt", attempt, "error", err)
		time.Sleep(2 * time.Second)
	}
	if err != nil {
		slog.Error("Failed to connect to NATS", "error", err)
		os.Exit(1)
	}
	defer nc.Close()
	slog.Info("Connected to NATS", "url", nc.ConnectedUrl())

	js, err := nc.JetStream()
	if err != nil {
		slog.Error("Failed to create JetStream context", "error", err)
		os.Exit(1)
	}
	if err := createKVBuckets(js); err != nil {
		slog.Error("Failed to create KV buckets", "error", err)
		os.Exit(1)
	}
	statusKV, _ := js.KeyValue(presenceBucket)
	connKV, _ := js.KeyValue(presenceConnBucket)
	slog.Info("NATS KV buckets ready", "buckets", presenceBucket+", "+presenceConnBucket)

	runCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	gw = NewGateway(runCtx, cfg, validator, store, newNatsNotifier(nc), nc, statusKV, connKV)
	if err := gw.Start(); err != nil {
		slog.Error("Failed to start backplane", "error", err)
		os.Exit(1)
	}
	startWatcher()

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", gw.HandleWS)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		if !nc.IsConnected() {
			http.Error(w, "nats disconnected", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	server := &http.Server{Addr: cfg.ListenAddr, Handler: mux}
	go func() {
		slog.Info("Gateway listening", "addr", cfg.ListenAddr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server failed", "error", err)
			stop()
		}
	}()

	<-runCtx.Done()
	slog.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	server.Shutdown(shutdownCtx)

	gw.Stop()
	if err := nc.Drain(); err != nil {
		slog.Warn("NATS drain failed", "error", err)
	}
	slog.Info("Gateway stopped")
}
