package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"relaychat/internal/usertoken"
	"relaychat/internal/util"
	"relaychat/pkg/store"
	"relaychat/services/chat/internal/app"
	"relaychat/services/chat/internal/config"
	"relaychat/services/chat/internal/realtime"
	"relaychat/services/chat/internal/server"
)

func main() {
	// .env is optional; real environment variables win.
	_ = godotenv.Load()

	cfg, err := config.Load(os.Getenv("CHAT_CONFIG"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger := util.InitLogger(cfg.LogLevel)

	var st store.Store
	if cfg.DatabaseURL != "" {
		gormStore, err := store.NewGormStore(cfg.DatabaseURL)
		if err != nil {
			util.Fatal("failed to init postgres store", "err", err)
		}
		defer gormStore.Close()
		st = gormStore
	} else {
		logger.Warn("databaseURL not set, using in-memory store")
		st = store.NewMemoryStore()
	}

	jwtLeeway, _ := config.ParseDuration(cfg.JWTLeeway, 0)
	jwtTTL, _ := config.ParseDuration(cfg.JWTTTL, 0)
	tokens, err := usertoken.NewManager(usertoken.Config{
		Secret:   cfg.JWTSecret,
		Issuer:   cfg.JWTIssuer,
		Audience: cfg.JWTAudience,
		Leeway:   jwtLeeway,
		TTL:      jwtTTL,
	})
	if err != nil {
		util.Fatal("failed to init token manager", "err", err)
	}
	trusted, err := util.NewTrustedProxies(cfg.TrustedProxyCIDRs)
	if err != nil {
		util.Fatal("invalid trusted proxy cidrs", "err", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := realtime.NewMetrics(registry)
	hub := realtime.NewHub(realtime.NewPresence(), metrics)
	router := realtime.NewRouter(realtime.RouterConfig{
		Hub:     hub,
		Store:   st,
		Logger:  logger,
		Metrics: metrics,
	})

	appCore, err := app.New(app.Config{
		Store:              st,
		Notifier:           router,
		Tokens:             tokens,
		Logger:             logger,
		FanoutTimeout:      time.Duration(cfg.FanoutTimeoutSeconds) * time.Second,
		ForwardConcurrency: cfg.ForwardConcurrency,
	})
	if err != nil {
		util.Fatal("failed to init app", "err", err)
	}

	httpServer, err := server.New(server.Config{
		App:                      appCore,
		Tokens:                   tokens,
		Hub:                      hub,
		Gatherer:                 registry,
		RedisAddr:                cfg.RedisAddr,
		RedisPassword:            cfg.RedisPassword,
		SignupRateLimitPerMinute: cfg.SignupRateLimitPerMinute,
		LoginRateLimitPerMinute:  cfg.LoginRateLimitPerMinute,
		SendRateLimitPerMinute:   cfg.SendRateLimitPerMinute,
		AllowedOrigins:           cfg.AllowedOrigins,
		TrustedProxies:           trusted,
	})
	if err != nil {
		util.Fatal("failed to init server", "err", err)
	}
	defer httpServer.Close()

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      httpServer.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	shutdownDone := make(chan struct{})
	go func() {
		defer close(shutdownDone)
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		// Hijacked websocket connections are not tracked by Shutdown.
		hub.Close()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown failed", "err", err)
		}
	}()

	logger.Info("chat server listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server error", "err", err)
		return
	}
	<-shutdownDone
	logger.Info("chat server stopped")
}
