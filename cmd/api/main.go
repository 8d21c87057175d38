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

	"github.com/joho/godotenv"

	"worldloom/api/internal/accounts"
	"worldloom/api/internal/app"
	"worldloom/api/internal/config"
	"worldloom/api/internal/email"
	"worldloom/api/internal/oauth"
	"worldloom/api/internal/obs"
	"worldloom/api/internal/search"
	"worldloom/api/internal/session"
	"worldloom/api/internal/storage"
	"worldloom/api/internal/store"
)

func main() {
	_ = godotenv.Load()
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

	redisStore, err := session.NewRedisStore(cfg.RedisURL)
	if err != nil {
		log.Fatalf("redis connection failed: %v", err)
	}
	defer redisStore.Close()

	var minioClient *storage.Client
	if strings.TrimSpace(cfg.StorageEndpoint) != "" {
		minioClient, err = storage.New(storage.Config{
			Endpoint:  cfg.StorageEndpoint,
			AccessKey: cfg.StorageAccessKey,
			SecretKey: cfg.StorageSecretKey,
			Bucket:    cfg.StorageBucket,
			UseSSL:    cfg.StorageUseSSL,
		})
		if err != nil {
			log.Printf("WARNING: object storage unavailable, map uploads disabled: %v", err)
			minioClient = nil
		} else if err := minioClient.EnsureBucket(ctx); err != nil {
			log.Printf("WARNING: bucket check failed, map uploads disabled: %v", err)
			minioClient = nil
		}
	}

	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey)
		defer meiliClient.Close()
	}
	searchService := search.NewService(meiliClient, search.NewFallback(dataStore))

	emailService := email.NewService(email.Config{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		Username: cfg.SMTPUsername,
		Password: cfg.SMTPPassword,
		From:     cfg.SMTPFrom,
		FromName: cfg.SMTPFromName,
	})

	accountsService := accounts.NewService(dataStore)

	oauthProvider := oauth.New(oauth.Config{
		ClientID:     cfg.OAuthClientID,
		ClientSecret: cfg.OAuthClientSecret,
		AuthURL:      cfg.OAuthAuthURL,
		TokenURL:     cfg.OAuthTokenURL,
		UserInfoURL:  cfg.OAuthUserInfoURL,
		RedirectURL:  cfg.OAuthRedirectURL,
		StateSecret:  cfg.CSRFSecret,
	})

	var service *app.Service
	if minioClient != nil {
		service = app.New(cfg, dataStore, redisStore, minioClient, searchService, emailService, accountsService, oauthProvider)
	} else {
		service = app.New(cfg, dataStore, redisStore, nil, searchService, emailService, accountsService, oauthProvider)
	}

	obs.Init()
	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin, cfg.PostLoginURL, cfg.UploadPerMinute, cfg.UploadBurst)

	mux := http.NewServeMux()
	mux.Handle("/metrics", obs.Handler())
	mux.Handle("/", obs.Instrument(httpServer.Handler()))

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("Worldloom API listening on %s", cfg.Addr)
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
