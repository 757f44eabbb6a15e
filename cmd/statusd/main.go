package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"

	"github.com/agenticos/agentos-go/internal/auth"
	"github.com/agenticos/agentos-go/internal/status"
	"github.com/agenticos/agentos-go/internal/store"
	"github.com/agenticos/agentos-go/pkg/config"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML config file")
	flag.Parse()

	// --- Config ---
	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	initLogger(cfg.Log.Level)
	slog.Info("config loaded", "port", cfg.Server.Port, "driver", cfg.Database.Driver)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// --- Store ---
	baseline := store.State{Load: cfg.Agent.BaselineLoad, SubscriptionDaysRemaining: cfg.Agent.BaselineDaysRemain}
	st, err := store.Open(ctx, cfg.Database, baseline)
	if err != nil {
		slog.Error("failed to open store", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	// --- Auth ---
	var owner common.Address
	if cfg.Auth.OwnerAddress != "" {
		if err := config.ValidateAddress(cfg.Auth.OwnerAddress); err != nil {
			slog.Error("invalid owner address", "error", err)
			os.Exit(1)
		}
		owner = common.HexToAddress(cfg.Auth.OwnerAddress)
	}
	var nonces auth.NonceStore = auth.NewMemoryNonces()
	if cfg.Redis.URL != "" {
		redisOpts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			slog.Error("failed to parse redis url", "error", err)
			os.Exit(1)
		}
		rdb := redis.NewClient(redisOpts)
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			slog.Error("failed to ping redis", "error", err)
			os.Exit(1)
		}
		nonces = auth.NewRedisNonces(rdb)
		slog.Info("redis connected")
	}
	authSvc := auth.NewService(nonces, cfg.Auth.JWTSecret, owner, auth.WithAgentToken(cfg.Auth.AgentToken))
	if !authSvc.Enabled() {
		slog.Warn("no owner address configured, control and history endpoints are open")
	} else if cfg.Auth.AgentToken == "" {
		slog.Error("auth.agent_token is required when an owner address is set")
		os.Exit(1)
	}

	// --- Router ---
	svc := status.NewService(st, baseline)
	r := newRouter(svc, authSvc)

	// --- HTTP Server ---
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		slog.Info("shutting down server...")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("server shutdown error", "error", err)
		}
		cancel()
	}()

	slog.Info("server starting", "addr", srv.Addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
	slog.Info("server stopped")
}

func newRouter(svc *status.Service, authSvc *auth.Service) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Mount("/auth", auth.NewHandler(authSvc).Routes())
	r.Mount("/", status.NewHandler(svc, authSvc.RequireOwner, status.WithWriterGuard(authSvc.RequireWriter)).Routes())
	return r
}

func initLogger(level string) {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	slog.SetDefault(slog.New(handler))
}
