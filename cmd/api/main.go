package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"pagegrid/api/internal/app"
	"pagegrid/api/internal/authpw"
	"pagegrid/api/internal/collab"
	"pagegrid/api/internal/config"
	"pagegrid/api/internal/email"
	"pagegrid/api/internal/presence"
	"pagegrid/api/internal/session"
	"pagegrid/api/internal/store"
)

func main() {
	cfg := config.Load()
	ctx := context.Background()

	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("database connection failed")
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
		logger.Fatal().Err(err).Msg("migrations failed")
	}

	dataStore := store.NewPostgresStore(db)
	authService := authpw.NewService(dataStore)
	emailService := email.NewService(email.Config{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		Username: cfg.SMTPUsername,
		Password: cfg.SMTPPassword,
		From:     cfg.SMTPFrom,
		FromName: cfg.SMTPFromName,
	})

	var service *app.Service
	if strings.TrimSpace(cfg.RedisURL) != "" {
		logger.Info().Msg("using Redis for refresh token storage")
		redisStore, err := session.NewRedisStore(cfg.RedisURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("redis connection failed")
		}
		defer redisStore.Close()
		service = app.New(cfg, dataStore, redisStore, authService, emailService, logger)
	} else {
		logger.Info().Msg("using PostgreSQL for refresh token storage")
		service = app.New(cfg, dataStore, app.PostgresSessions{Store: dataStore}, authService, emailService, logger)
	}

	tracker := presence.NewTracker()
	collabServer := collab.NewServer([]byte(cfg.JWTSecret), dataStore, tracker, logger)
	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", collabServer.ServeWS)
	mux.Handle("/", httpServer.Handler())

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", cfg.Addr).Msg("Pagegrid API listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server failed")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("shutdown error")
	}
}
