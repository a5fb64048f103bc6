package service

import (
	"context"
	"time"

	"github.com/proxy-dispatch-service/internal/config"
	"github.com/proxy-dispatch-service/internal/counter"
	"github.com/proxy-dispatch-service/internal/dispatch"
	"github.com/proxy-dispatch-service/internal/health"
	"github.com/proxy-dispatch-service/internal/metrics"
	"github.com/proxy-dispatch-service/internal/ratelimit"
	"github.com/proxy-dispatch-service/internal/registry"
	"github.com/proxy-dispatch-service/internal/selector"
	"github.com/proxy-dispatch-service/internal/snapshot"
	"github.com/proxy-dispatch-service/internal/storage"
	"github.com/proxy-dispatch-service/internal/types"
	log "github.com/sirupsen/logrus"
)

// Service is the composition root: registry, limiter, selector, dispatcher,
// health checker and stats persistence wired together from configuration.
// Callers enqueue through MakeRequest and read GetStats.
type Service struct {
	Registry   *registry.Registry
	Dispatcher *dispatch.Dispatcher
	Health     *health.Checker
	Metrics    *metrics.Collector

	counterStore counter.Store
	store        storage.Storage
	snapshots    *snapshot.Manager
}

func New(cfg *config.Config, collector *metrics.Collector) (*Service, error) {
	reg, err := registry.New(cfg.Proxies)
	if err != nil {
		return nil, err
	}

	var counterStore counter.Store
	if cfg.Redis.Addr != "" {
		counterStore, err = counter.NewRedisStore(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			return nil, err
		}
		log.Infof("Rate limit counters backed by redis at %s", cfg.Redis.Addr)
	} else {
		counterStore = counter.NewMemoryStore()
		log.Info("Rate limit counters are process-local (no redis configured)")
	}

	limiter := ratelimit.New(counterStore, cfg.Rules)
	sel := selector.New(reg, limiter)

	d := dispatch.New(sel, reg, collector, dispatch.Options{
		TickInterval: time.Duration(cfg.Dispatcher.TickMs) * time.Millisecond,
		BatchSize:    cfg.Dispatcher.BatchSize,
		MaxQueue:     cfg.Dispatcher.MaxQueue,
	})

	hc := health.New(reg, collector, health.Options{
		Interval: time.Duration(cfg.Health.IntervalSeconds) * time.Second,
		Timeout:  time.Duration(cfg.Health.TimeoutMs) * time.Millisecond,
		ProbeURL: cfg.Health.ProbeURL,
	})

	store, err := storage.NewStorage(cfg.Storage.Type, cfg.Storage.Path, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		return nil, err
	}

	snapshots := snapshot.NewManager(reg, store, cfg.Storage.PersistIntervalSeconds)
	if err := snapshots.LoadFromStorage(); err != nil {
		log.Warnf("Failed to load persisted stats: %v (starting fresh)", err)
	}

	return &Service{
		Registry:     reg,
		Dispatcher:   d,
		Health:       hc,
		Metrics:      collector,
		counterStore: counterStore,
		store:        store,
		snapshots:    snapshots,
	}, nil
}

// Start launches the drain and probe loops.
func (s *Service) Start(ctx context.Context) {
	s.Dispatcher.Start(ctx)
	s.Health.Start(ctx)
}

// Stop shuts everything down in dependency order and persists a final stats
// snapshot.
func (s *Service) Stop() {
	s.Dispatcher.Stop()
	s.Health.Stop()
	s.snapshots.Close()
	if err := s.store.Close(); err != nil {
		log.Errorf("Storage close: %v", err)
	}
	if err := s.counterStore.Close(); err != nil {
		log.Errorf("Counter store close: %v", err)
	}
}

// MakeRequest enqueues an egress request and returns its completion handle.
func (s *Service) MakeRequest(req dispatch.Request) (*dispatch.Handle, error) {
	return s.Dispatcher.Enqueue(req)
}

// GetStats returns the pool snapshot with cost totals.
func (s *Service) GetStats() types.PoolStats {
	return s.Registry.Stats()
}
