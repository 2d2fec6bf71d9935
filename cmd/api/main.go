package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"tracegate.org/internal/auth"
	"tracegate.org/internal/httpapi"
	"tracegate.org/internal/ingest"
	"tracegate.org/internal/obs"
	"tracegate.org/internal/store/pg"
	"tracegate.org/internal/stream"
)

var (
	version = "0.3.1"
	commit  = "dev"
)

func main() {
	obs.Init()
	obs.InitBuildInfo(version, commit)

	secret := os.Getenv("TRACEGATE_JWT_SECRET")
	if secret == "" {
		log.Fatal("TRACEGATE_JWT_SECRET is required")
	}
	kid := envOr("TRACEGATE_JWT_KID", "k1")
	ring := auth.KeyRing{Current: auth.SigningKey{KID: kid, Secret: []byte(secret)}}
	if prev := os.Getenv("TRACEGATE_JWT_SECRET_PREVIOUS"); prev != "" {
		ring.Previous = []auth.SigningKey{{
			KID:    envOr("TRACEGATE_JWT_KID_PREVIOUS", kid+"-prev"),
			Secret: []byte(prev),
		}}
	}
	codec, err := auth.NewCodec(ring, auth.WithCodecIssuer("tracegate"))
	if err != nil {
		log.Fatalf("signing keyring: %v", err)
	}

	adminEmail := envOr("TRACEGATE_ADMIN_EMAIL", "admin@tracegate.local")
	adminPassword := os.Getenv("TRACEGATE_ADMIN_PASSWORD")
	if adminPassword == "" {
		log.Fatal("TRACEGATE_ADMIN_PASSWORD is required")
	}

	// With a DSN everything persists in PostgreSQL; without one the whole
	// stack runs in memory, which is enough for local development.
	var (
		db        *sql.DB
		dir       auth.Directory
		families  auth.FamilyStore
		keyStore  auth.KeyStore
		spanStore ingest.SpanStore
	)
	if dsn := os.Getenv("TRACEGATE_PG_DSN"); dsn != "" {
		store, err := pg.Open(dsn)
		if err != nil {
			log.Fatalf("open db: %v", err)
		}
		defer store.Close()
		db = store.DB()
		dir = auth.NewPGDirectory(db)
		families = auth.NewPGFamilyStore(db)
		keyStore = auth.NewPGKeyStore(db)
		spanStore = store
	} else {
		log.Print("TRACEGATE_PG_DSN is not set, using in-memory stores")
		dir = auth.NewMemoryDirectory()
		families = auth.NewMemoryFamilyStore()
		keyStore = auth.NewMemoryKeyStore()
		spanStore = ingest.NewMemorySpanStore()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	cfg, err := auth.Bootstrap(ctx, dir, adminEmail, adminPassword)
	cancel()
	if err != nil {
		log.Fatalf("bootstrap identities: %v", err)
	}

	sessions := auth.NewSessionManager(codec, families, dir)
	keys := auth.NewKeyManager(keyStore, cfg.SystemUserID)
	users := auth.NewUserService(dir, families, keyStore, cfg)
	gate := ingest.NewGate(sessions, keys, dir)
	feed := stream.New()
	spans := ingest.NewService(spanStore, feed)

	api := httpapi.New(httpapi.ReadyProbe{DB: db}, version, sessions, users, keys, gate, spans, feed)

	srv := &http.Server{
		Addr:              envOr("TRACEGATE_ADDR", ":8080"),
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	log.Printf("Starting tracegate-api %s on %s", version, srv.Addr)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = srv.Shutdown(shutdownCtx)
	log.Println("Stopped")
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
