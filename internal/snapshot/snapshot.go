package snapshot

import (
	"sync"
	"time"

	"github.com/proxy-dispatch-service/internal/registry"
	"github.com/proxy-dispatch-service/internal/storage"
	log "github.com/sirupsen/logrus"
)

// Manager periodically exports registry counters to storage and restores
// them on startup.
type Manager struct {
	registry *registry.Registry
	storage  storage.Storage

	persistMu       sync.Mutex
	persistInterval time.Duration
	stopPersist     chan struct{}
	loopDone        chan struct{}
}

func NewManager(reg *registry.Registry, store storage.Storage, persistIntervalSeconds int) *Manager {
	m := &Manager{
		registry:        reg,
		storage:         store,
		persistInterval: time.Duration(persistIntervalSeconds) * time.Second,
		stopPersist:     make(chan struct{}),
		loopDone:        make(chan struct{}),
	}

	if persistIntervalSeconds > 0 {
		go m.periodicPersist()
	} else {
		close(m.loopDone)
	}

	return m
}

// LoadFromStorage applies the last persisted counters to the registry.
// Snapshots older than a day keep lifetime totals but lose their daily byte
// counters inside the registry restore.
func (m *Manager) LoadFromStorage() error {
	snap, err := m.storage.Load()
	if err != nil {
		return err
	}
	if snap == nil {
		log.Info("No persisted proxy stats found")
		return nil
	}

	m.registry.RestoreUsage(*snap)
	log.Infof("Restored stats for %d proxies (saved %s)", len(snap.Proxies), snap.Saved.Format(time.RFC3339))
	return nil
}

// Persist writes the current counters to storage.
func (m *Manager) Persist() {
	m.persistMu.Lock()
	defer m.persistMu.Unlock()

	snap := m.registry.ExportUsage()
	if err := m.storage.Save(&snap); err != nil {
		log.Errorf("Failed to persist proxy stats: %v", err)
	} else {
		log.Debugf("Proxy stats persisted: %d proxies", len(snap.Proxies))
	}
}

func (m *Manager) periodicPersist() {
	defer close(m.loopDone)

	ticker := time.NewTicker(m.persistInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.Persist()
		case <-m.stopPersist:
			return
		}
	}
}

// Close stops the persist loop and writes a final snapshot.
func (m *Manager) Close() {
	select {
	case <-m.stopPersist:
	default:
		close(m.stopPersist)
	}
	<-m.loopDone
	m.Persist()
}
