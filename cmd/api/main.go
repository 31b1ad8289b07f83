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

	"oychat/api/internal/app"
	"oychat/api/internal/blob"
	"oychat/api/internal/config"
	"oychat/api/internal/email"
	"oychat/api/internal/identity"
	"oychat/api/internal/llm"
	"oychat/api/internal/search"
	"oychat/api/internal/store"
	"oychat/api/internal/usage"
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

	dataStore := store.NewPostgresStore(db)

	usageCounter, err := usage.NewRedisCounter(cfg.RedisURL)
	if err != nil {
		log.Fatalf("redis connection failed: %v", err)
	}
	defer usageCounter.Close()

	pgfts := search.NewPgFTS(db)
	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey)
	}
	searchService := search.NewService(meiliClient, pgfts)
	if meiliClient != nil {
		defer meiliClient.Close()
		searchService.ReindexAllFromPG(ctx)
	}

	emailService := email.NewService(email.Config{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		Username: cfg.SMTPUsername,
		Password: cfg.SMTPPassword,
		From:     cfg.SMTPFrom,
		FromName: cfg.SMTPFromName,
	})

	var provider identity.Provider
	var localProvider *identity.LocalProvider
	if strings.TrimSpace(cfg.ProviderURL) != "" {
		log.Printf("Using hosted identity provider at %s", cfg.ProviderURL)
		provider = identity.NewGoTrueClient(cfg.ProviderURL, cfg.ProviderKey)
	} else {
		log.Printf("Using local Postgres-backed identity provider")
		localProvider = identity.NewLocalProvider(dataStore, emailService, cfg.JWTSecret, cfg.AccessTTL, cfg.SiteURL)
		provider = localProvider
	}

	service := app.New(cfg, dataStore, provider, usageCounter, searchService)
	if localProvider != nil {
		service.SetPasswordResetter(localProvider)
	}

	if strings.TrimSpace(cfg.BlobEndpoint) != "" {
		blobStore, err := blob.NewStore(ctx, blob.Config{
			Endpoint:  cfg.BlobEndpoint,
			AccessKey: cfg.BlobAccessKey,
			SecretKey: cfg.BlobSecretKey,
			Bucket:    cfg.BlobBucket,
			UseSSL:    cfg.BlobUseSSL,
			PublicURL: cfg.BlobPublicURL,
		})
		if err != nil {
			log.Fatalf("object storage setup failed: %v", err)
		}
		service.SetBlobStore(blobStore)
	}

	if strings.TrimSpace(cfg.LLMAPIKey) != "" {
		llmClient, err := llm.NewClient(cfg.LLMBaseURL, cfg.LLMAPIKey, cfg.LLMModel)
		if err != nil {
			log.Fatalf("llm client setup failed: %v", err)
		}
		service.SetLLM(llmClient)
	} else {
		log.Printf("LLM_API_KEY not set, assistant replies disabled")
	}

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
		log.Printf("OyChat API listening on %s", cfg.Addr)
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
}
