package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/botgate/server/fpstore"
	"github.com/botgate/server/ipban"
	"github.com/botgate/server/token"
	"github.com/botgate/server/verify"
)

type config struct {
	Port         string
	TokenSecret  string
	AdminKey     string
	DatabaseURL  string
	RedisURL     string
	VerifyURL    string
	VerifySecret string
	LogLevel     string
	LogFormat    string
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func loadConfig() config {
	return config{
		Port:         envOr("PORT", "3000"),
		TokenSecret:  envOr("BOTGATE_TOKEN_SECRET", "dev-secret-change-in-production"),
		AdminKey:     os.Getenv("BOTGATE_ADMIN_KEY"),
		DatabaseURL:  os.Getenv("DATABASE_URL"),
		RedisURL:     os.Getenv("REDIS_URL"),
		VerifyURL:    os.Getenv("BOTGATE_VERIFY_URL"),
		VerifySecret: os.Getenv("BOTGATE_VERIFY_SECRET"),
		LogLevel:     envOr("LOG_LEVEL", "info"),
		LogFormat:    envOr("LOG_FORMAT", "console"),
	}
}

func newLogger(cfg config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}

	var logger zerolog.Logger
	if cfg.LogFormat == "json" {
		logger = zerolog.New(os.Stderr)
	} else {
		logger = zerolog.New(zerolog.NewConsoleWriter())
	}
	return logger.Level(level).With().Timestamp().Str("module", "botgate").Logger()
}

func main() {
	cfg := loadConfig()
	logger := newLogger(cfg)

	ctx := context.Background()

	// Durable ban store: Postgres when configured, in-memory otherwise.
	var store ipban.Store
	if cfg.DatabaseURL != "" {
		pg, err := ipban.OpenPgStore(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("postgres unavailable")
		}
		defer pg.Close()
		store = pg
	} else {
		logger.Warn().Msg("DATABASE_URL not set, ban records are ephemeral")
		store = ipban.NewMemoryStore()
	}

	engineOpts := []ipban.EngineOption{
		ipban.WithLogger(logger.With().Str("component", "ipban").Logger()),
	}
	// The redis cache is best-effort throughout; failing to reach it at
	// startup just means every lookup hits the durable store.
	if cfg.RedisURL != "" {
		cache, err := ipban.OpenRedisCache(ctx, cfg.RedisURL)
		if err != nil {
			logger.Warn().Err(err).Msg("redis unavailable, running without ban cache")
		} else {
			defer cache.Close()
			engineOpts = append(engineOpts, ipban.WithCache(cache))
		}
	}
	engine := ipban.NewEngine(store, engineOpts...)

	issuer := token.NewIssuer(cfg.TokenSecret)

	var verifier verify.Verifier
	if cfg.VerifyURL != "" && cfg.VerifySecret != "" {
		verifier = verify.NewHTTPVerifier(cfg.VerifyURL, cfg.VerifySecret)
	} else {
		logger.Warn().Msg("no verification provider configured, accepting any proof once (dev mode)")
		verifier = verify.NewStaticVerifier()
	}

	srv := newServer(cfg, engine, issuer, verifier,
		fpstore.NewStore(),
		fpstore.NewTamperLog(logger.With().Str("component", "tamper").Logger()),
		logger,
	)

	httpSrv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      srv.routes(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info().Str("port", cfg.Port).Msg("botgate server starting")
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Fatal().Err(err).Msg("shutdown error")
	}
}
