package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/whisper/relay/internal/api"
	"github.com/whisper/relay/internal/auth"
	"github.com/whisper/relay/internal/blob"
	"github.com/whisper/relay/internal/config"
	"github.com/whisper/relay/internal/delivery"
	"github.com/whisper/relay/internal/directory"
	"github.com/whisper/relay/internal/engine"
	"github.com/whisper/relay/internal/gateway"
	"github.com/whisper/relay/internal/messaging"
	"github.com/whisper/relay/internal/metrics"
	"github.com/whisper/relay/internal/obs"
	"github.com/whisper/relay/internal/presence"
	"github.com/whisper/relay/internal/ratelimit"
	"github.com/whisper/relay/internal/session"
	"github.com/whisper/relay/internal/store"
	"github.com/whisper/relay/internal/ws"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	logger := obs.NewLoggerLevel(cfg.Env, cfg.LogLevel)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("chatd stopped", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Postgres ---
	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()
	if cfg.RunMigrations {
		if err := store.Migrate(db); err != nil {
			return err
		}
		logger.Info("migrations applied")
	}

	// --- Event bus ---
	bus, closeBus, err := connectBus(cfg, logger)
	if err != nil {
		return err
	}
	defer closeBus()

	repo := store.NewNotifier(store.New(db), bus, logger)

	// --- Redis ---
	redisClient, err := session.Dial(ctx, cfg.RedisAddr)
	if err != nil {
		return err
	}
	defer redisClient.Close()
	sessions := session.NewStore(redisClient, cfg.ServerName)
	limiter := ratelimit.NewLimiter(redisClient, logger)

	// --- Presence ---
	tracker := presence.NewTracker(repo, logger)
	go tracker.Run(ctx, cfg.PresencePollInterval)

	hub := auth.NewHub()
	hub.OnSessionChange(func(ev auth.SessionEvent, id auth.Identity) {
		pctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		var err error
		if ev == auth.SessionStarted {
			err = tracker.SessionStarted(pctx, id.UserID)
		} else {
			err = tracker.SessionEnded(pctx, id.UserID)
		}
		if err != nil {
			logger.Warn("presence update failed", "user_id", id.UserID, "event", ev, "error", err)
		}
	})

	// --- Rooms ---
	uploads, err := openBlobStore(cfg, logger)
	if err != nil {
		return err
	}
	dir := directory.NewService(repo, "", logger)
	coord := delivery.NewCoordinator(repo, repo, logger)
	eng := engine.New(engine.Config{
		MessagePollInterval: cfg.MessagePollInterval,
		FetchTimeout:        engine.DefaultConfig().FetchTimeout,
		EventBuffer:         engine.DefaultConfig().EventBuffer,
	}, repo, bus, coord, tracker, logger)

	gw := gateway.New(eng, bus, hub, logger,
		gateway.WithLimiter(limiter),
		gateway.WithRecorder(sessions),
		gateway.WithTimeout(cfg.WriteTimeout),
	)

	// --- WebSocket server ---
	verifier := auth.NewVerifier(cfg.JWTSecret, "chatd")

	wsConfig := ws.DefaultServerConfig()
	wsConfig.ListenAddr = cfg.ListenAddr
	wsConfig.WorkerPoolSize = cfg.WorkerPoolSize
	wsConfig.MaxConnections = cfg.MaxConnections
	wsConfig.ReadTimeout = cfg.ReadTimeout
	wsConfig.WriteTimeout = cfg.WriteTimeout

	server := ws.NewServer(wsConfig, verifier, sessions, logger)

	dispatcher := ws.NewMessageDispatcher(logger)
	gw.Register(dispatcher)
	server.SetOnMessage(dispatcher.Dispatch)
	server.SetOnConnect(gw.Connected)
	server.SetOnDisconnect(gw.Disconnected)
	server.SetAdmission(func(r *http.Request, _ auth.Identity) error {
		d, err := limiter.Allow(r.Context(), clientIP(r), ratelimit.RuleConnect)
		if err == nil && !d.Allowed {
			return ws.ErrRejected
		}
		return nil
	})

	deps := api.Deps{
		Repo:      repo,
		Directory: dir,
		Limiter:   limiter,
		Authn:     verifier,
		TokenTTL:  cfg.TokenTTL,
		Logger:    logger,
	}
	if uploads != nil {
		deps.Uploads = uploads
	}
	if cfg.IsDev() {
		deps.Issuer = verifier
	}
	server.Mount("/api/", api.NewRouter(cfg.Env, deps))
	server.Mount("/metrics", metrics.Handler())

	logger.Info("chatd starting",
		"listen_addr", cfg.ListenAddr,
		"env", cfg.Env,
		"server_name", cfg.ServerName,
		"redis_addr", cfg.RedisAddr,
		"uploads", uploads != nil,
		"message_poll", cfg.MessagePollInterval,
		"presence_poll", cfg.PresencePollInterval)

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutdown signal received, draining")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
	}
	return <-errCh
}

// connectBus dials NATS. In development an unreachable NATS falls back to an
// in-process bus, which only fans out within this instance.
func connectBus(cfg config.Config, logger *slog.Logger) (messaging.Transport, func(), error) {
	natsConfig := messaging.DefaultNATSConfig()
	natsConfig.URL = cfg.NATSURL
	natsConfig.Name = "chatd-" + cfg.ServerName

	client, err := messaging.NewNATSClient(natsConfig, logger)
	if err == nil {
		return client, client.Close, nil
	}
	if !cfg.IsDev() {
		return nil, nil, fmt.Errorf("connect nats: %w", err)
	}
	logger.Warn("nats unavailable, using in-process bus", "url", cfg.NATSURL, "error", err)
	bus := messaging.NewMemoryBus()
	return bus, bus.Close, nil
}

// openBlobStore returns nil when no object store is configured; uploads are
// then answered with 503.
func openBlobStore(cfg config.Config, logger *slog.Logger) (*blob.Store, error) {
	if !cfg.S3.Enabled() {
		logger.Warn("S3_ENDPOINT not set, uploads disabled")
		return nil, nil
	}
	mc := blob.MinioConfig{
		Endpoint:      cfg.S3.Endpoint,
		UseSSL:        cfg.S3.UseSSL,
		AccessKey:     cfg.S3.AccessKey,
		SecretKey:     cfg.S3.SecretKey,
		PublicBaseURL: cfg.S3.PublicBaseURL,
	}
	client, err := blob.NewMinioClient(mc)
	if err != nil {
		return nil, err
	}
	primary, err := blob.NewMinioBucket(client, mc, cfg.S3.PrimaryBucket, logger)
	if err != nil {
		return nil, err
	}
	var fallback blob.Bucket
	if cfg.S3.FallbackBucket != "" && cfg.S3.FallbackBucket != cfg.S3.PrimaryBucket {
		fb, err := blob.NewMinioBucket(client, mc, cfg.S3.FallbackBucket, logger)
		if err != nil {
			return nil, err
		}
		fallback = fb
	}
	return blob.NewStore(primary, fallback, logger), nil
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
