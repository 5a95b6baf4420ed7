package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"margin/api/internal/app"
	"margin/api/internal/attach"
	"margin/api/internal/config"
	"margin/api/internal/gitrepo"
	"margin/api/internal/realtime"
	"margin/api/internal/search"
	"margin/api/internal/session"
	"margin/api/internal/store"
)

func main() {
	cfg := config.Load()
	ctx := context.Background()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("database connection failed: %v", err)
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
		log.Fatalf("migrations failed: %v", err)
	}

	if err := os.MkdirAll(cfg.ReposDir, 0o755); err != nil {
		log.Fatalf("failed to create repos dir: %v", err)
	}

	dataStore := store.NewPostgresStore(db)
	gitService := gitrepo.New(cfg.ReposDir)

	pgfts := search.NewPgFTS(db)
	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliAPIKey)
		defer meiliClient.Close()
	}
	searchService := search.NewService(meiliClient, pgfts)
	searchService.ReindexAllFromPG(ctx)

	var refreshStore *session.RedisStore
	if strings.TrimSpace(cfg.RedisURL) != "" {
		refreshStore, err = session.NewRedisStore(cfg.RedisURL)
		if err != nil {
			log.Fatalf("redis connection failed: %v", err)
		}
		defer refreshStore.Close()
		log.Printf("using Redis for refresh token storage")
	} else {
		log.Printf("using PostgreSQL for refresh token storage")
	}

	var attachService *attach.Service
	if strings.TrimSpace(cfg.MinioEndpoint) != "" {
		attachService, err = attach.New(ctx, cfg.MinioEndpoint, cfg.MinioAccessKey, cfg.MinioSecretKey, cfg.MinioBucket, cfg.MinioUseSSL)
		if err != nil {
			log.Fatalf("attachment storage failed: %v", err)
		}
		log.Printf("attachments stored in bucket %s", cfg.MinioBucket)
	}

	hub := realtime.NewHub(dataStore, cfg.WSSendBuffer)

	var service *app.Service
	if refreshStore != nil {
		service = app.New(cfg, dataStore, refreshStore, hub, searchService, gitService, attachService)
	} else {
		service = app.New(cfg, dataStore, nil, hub, searchService, gitService, attachService)
	}

	wsHandler := realtime.NewWSHandler(hub, service, cfg.WSPingInterval, cfg.WSPongTimeout, func(*http.Request) bool {
		return true
	})

	httpServer := app.NewHTTPServer(service, wsHandler, cfg.CORSOrigin)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("Margin API listening on %s", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
	hub.Teardown()
}
