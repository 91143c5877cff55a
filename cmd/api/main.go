package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cowrite/internal/app"
	"cowrite/internal/config"
	"cowrite/internal/email"
	"cowrite/internal/history"
	"cowrite/internal/presence"
	"cowrite/internal/replication"
	"cowrite/internal/store"
)

func main() {
	cfg := config.Load()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("database connection failed: %v", err)
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
		log.Fatalf("migrations failed: %v", err)
	}

	if err := os.MkdirAll(cfg.ArchiveDir, 0o755); err != nil {
		log.Fatalf("failed to create archive dir: %v", err)
	}

	dataStore := store.NewPostgresStore(db)

	broadcaster, err := presence.NewBroadcaster(cfg.RedisURL, presence.Options{
		Fade:        cfg.PresenceFade,
		TypingClear: cfg.TypingClear,
		MinInterval: cfg.PresenceMinInterval,
	})
	if err != nil {
		log.Fatalf("redis connection failed: %v", err)
	}
	defer broadcaster.Close()

	adapter := replication.NewResubscriber(replication.NewMemory())
	archive := history.NewArchive(cfg.ArchiveDir)
	deliverer := email.NewService(email.Config{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		Username: cfg.SMTPUsername,
		Password: cfg.SMTPPassword,
		From:     cfg.SMTPFrom,
		FromName: cfg.SMTPFromName,
	})
	if !deliverer.IsConfigured() {
		log.Printf("SMTP not configured; invite delivery disabled")
	}

	service := app.New(cfg, dataStore, broadcaster, adapter, archive, deliverer)
	adapter.OnStatusChange(func(connected bool) {
		statusCtx, statusCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer statusCancel()
		service.SetReplicationStatus(statusCtx, connected)
	})

	go service.RunReaper(ctx, 30*time.Second)

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("Cowrite API listening on %s", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}
