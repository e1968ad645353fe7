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

	_ "github.com/lib/pq"

	"github.com/LucasSaviolo/creche-allocator/internal/archive"
	"github.com/LucasSaviolo/creche-allocator/internal/auth"
	"github.com/LucasSaviolo/creche-allocator/internal/config"
	"github.com/LucasSaviolo/creche-allocator/internal/criteria"
	"github.com/LucasSaviolo/creche-allocator/internal/engine"
	"github.com/LucasSaviolo/creche-allocator/internal/events"
	"github.com/LucasSaviolo/creche-allocator/internal/httpserver"
	"github.com/LucasSaviolo/creche-allocator/internal/scoring"
	"github.com/LucasSaviolo/creche-allocator/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)
	if err := db.Ping(); err != nil {
		log.Fatalf("ping db: %v", err)
	}

	st := store.NewPGStore(db)
	registry := criteria.NewRegistry()
	scorer := scoring.New(registry)
	eng := engine.New(st, scorer, engine.Config{RefreshScores: cfg.RefreshScores})
	verifier := auth.NewVerifier(cfg.AuthSecret)
	if !verifier.Enabled() {
		log.Printf("auth disabled: no ALLOCATOR_AUTH_SECRET set")
	}

	var publisher events.Publisher
	if len(cfg.KafkaBrokers) > 0 {
		kp, err := events.NewKafkaPublisher(events.KafkaPublisherConfig{
			Brokers: cfg.KafkaBrokers,
			Topic:   cfg.KafkaTopic,
		})
		if err != nil {
			log.Fatalf("kafka publisher: %v", err)
		}
		defer kp.Close()
		publisher = kp
	}

	var archiver archive.Archiver
	if cfg.ArchiveBucket != "" {
		a, err := archive.NewS3Archiver(context.Background(), cfg.ArchiveBucket, cfg.ArchivePrefix)
		if err != nil {
			log.Fatalf("s3 archiver: %v", err)
		}
		archiver = a
	}

	server := httpserver.New(eng, st, verifier, publisher, archiver)
	httpServer := &http.Server{
		Addr:    cfg.Addr,
		Handler: server.Router(),
	}

	go func() {
		log.Printf("Waitlist Allocator listening on %s", cfg.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("allocator server error: %v", err)
		}
	}()

	waitForShutdown(httpServer)
}

func waitForShutdown(srv *http.Server) {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("allocator graceful shutdown: %v", err)
	}
}
