package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/jackyvictory/stablecoin-watcher/internal/clients"
	"github.com/jackyvictory/stablecoin-watcher/internal/config"
	"github.com/jackyvictory/stablecoin-watcher/internal/db"
	"github.com/jackyvictory/stablecoin-watcher/internal/repository"
	"github.com/jackyvictory/stablecoin-watcher/internal/router"
	"github.com/jackyvictory/stablecoin-watcher/internal/services"
)

func main() {
	configPath := flag.String("config", "", "path to config.yaml (default: WATCHER_CONFIG env or ./config.yaml)")
	logLevel := flag.String("log-level", "info", "logrus level for the HTTP layer")
	flag.Parse()

	if level, err := logrus.ParseLevel(*logLevel); err == nil {
		logrus.SetLevel(level)
	}

	if err := config.LoadConfig(*configPath); err != nil {
		log.Fatalf("❌ %v", err)
	}
	cfg := config.AppConfig

	// Optional persistence
	var repo repository.PaymentEventRepository
	if cfg.Database.DSN != "" {
		gdb, err := db.InitDB(cfg.Database.DSN)
		if err != nil {
			log.Fatalf("❌ Database init failed: %v", err)
		}
		repo = repository.NewPaymentEventRepository(gdb)
	} else {
		log.Println("Database not configured, event persistence disabled")
	}

	// Optional NATS fan-out
	var natsClient *clients.NATSClient
	if cfg.NATS.URL != "" {
		nc, err := clients.NewNATSClient(cfg.NATS, cfg.Watcher.Network)
		if err != nil {
			log.Fatalf("❌ NATS init failed: %v", err)
		}
		natsClient = nc
		defer natsClient.Close()
	} else {
		log.Println("NATS not configured, event publishing disabled")
	}

	watcher := services.NewPaymentWatcher(cfg, repo, natsClient)
	watcher.Start()
	defer watcher.Stop()

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: router.SetupRouter(watcher),
	}

	go func() {
		log.Printf("🚀 HTTP server listening on %s", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("❌ HTTP server failed: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("🛑 Shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("⚠️ HTTP shutdown: %v", err)
	}
}
