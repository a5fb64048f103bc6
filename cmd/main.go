package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/proxy-dispatch-service/internal/api"
	"github.com/proxy-dispatch-service/internal/config"
	"github.com/proxy-dispatch-service/internal/metrics"
	"github.com/proxy-dispatch-service/internal/service"
	log "github.com/sirupsen/logrus"
)

const version = "1.0.0"

func main() {
	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	log.SetFormatter(&log.JSONFormatter{})
	log.SetLevel(log.InfoLevel)
	log.Infof("Starting Proxy Dispatch Service v%s", version)

	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config.json"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	if level, err := log.ParseLevel(cfg.Logging.Level); err == nil {
		log.SetLevel(level)
	}
	if cfg.Logging.Format == "text" {
		log.SetFormatter(&log.TextFormatter{})
	}

	collector := metrics.NewCollector(cfg.Metrics.Namespace)

	svc, err := service.New(cfg, collector)
	if err != nil {
		log.Fatalf("Failed to initialize service: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	svc.Start(ctx)

	var apiServer *api.Server
	if cfg.API.Enabled {
		apiServer = api.NewServer(cfg, svc.Dispatcher, svc.Registry, collector)
		go func() {
			if err := apiServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Fatalf("API server failed: %v", err)
			}
		}()
	}

	log.Infof("Service started: %d proxies, %d rate rules", len(cfg.Proxies), len(cfg.Rules))

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	log.Info("Shutting down gracefully...")
	cancel()

	if apiServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()
		if err := apiServer.Shutdown(shutdownCtx); err != nil {
			log.Errorf("API server shutdown error: %v", err)
		}
	}

	svc.Stop()
	log.Info("Shutdown complete")
}
