package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"inkwell/api/internal/app"
	"inkwell/api/internal/authpw"
	"inkwell/api/internal/config"
	"inkwell/api/internal/covers"
	"inkwell/api/internal/export"
	"inkwell/api/internal/lock"
	"inkwell/api/internal/realtime"
	"inkwell/api/internal/store"
)

func main() {
	cfg := config.Load()
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("database connection failed: %v", err)
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
		log.Fatalf("migrations failed: %v", err)
	}

	dataStore := store.NewPostgresStore(db)
	locks := lock.NewManager(dataStore, cfg.LockLeaseTTL)
	passwords := authpw.NewService(dataStore)
	exporter := export.NewService(dataStore)

	var coverStorage covers.Storage
	if strings.TrimSpace(cfg.MinioEndpoint) != "" {
		minioStorage, err := covers.NewMinioStorage(ctx, cfg.MinioEndpoint, cfg.MinioAccessKey, cfg.MinioSecretKey, cfg.MinioBucket, cfg.MinioUseSSL)
		if err != nil {
			log.Fatalf("cover storage init failed: %v", err)
		}
		coverStorage = minioStorage
		log.Printf("Cover storage enabled (bucket %s)", cfg.MinioBucket)
	} else {
		log.Printf("Cover storage disabled (MINIO_ENDPOINT not set)")
	}

	var registry realtime.Registry
	if strings.TrimSpace(cfg.RedisURL) != "" {
		redisRegistry, err := realtime.NewRedisRegistry(cfg.RedisURL)
		if err != nil {
			log.Fatalf("redis connection failed: %v", err)
		}
		defer redisRegistry.Close()
		registry = redisRegistry
		log.Printf("Using Redis session registry")
	} else {
		registry = realtime.NewMemoryRegistry()
		log.Printf("Using in-memory session registry")
	}

	service := app.New(cfg, dataStore, locks, passwords, coverStorage, exporter)

	hub := realtime.NewHub(locks, registry, []byte(cfg.JWTSecret), cfg.CORSOrigin)
	go hub.Run(ctx)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", hub.ServeWS)
	mux.Handle("/", app.NewHTTPServer(service, cfg.CORSOrigin).Handler())

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("Inkwell API listening on %s", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}
