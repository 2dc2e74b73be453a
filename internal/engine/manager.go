package engine

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/wrapforge/fieldflow/internal/observability"
)

// Manager hands out controllers: exactly one per task id, created lazily,
// evicted after sitting idle. There is no ambient singleton; everything the
// controllers need is injected here once.
type Manager struct {
	gw       Gateway
	uploader PhotoUploader
	timing   *TimingRecorder
	logger   *zap.Logger
	metrics  *observability.Metrics
	idleTTL  time.Duration

	mu          sync.Mutex
	controllers map[string]*Controller
}

// NewManager creates a controller manager. idleTTL bounds how long an
// untouched controller is kept; zero disables eviction.
func NewManager(gw Gateway, uploader PhotoUploader, timing *TimingRecorder, logger *zap.Logger, metrics *observability.Metrics, idleTTL time.Duration) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		gw:          gw,
		uploader:    uploader,
		timing:      timing,
		logger:      logger,
		metrics:     metrics,
		idleTTL:     idleTTL,
		controllers: make(map[string]*Controller),
	}
}

// Get returns the controller for a task, creating it on first use. Repeated
// calls with the same task id return the same instance.
func (m *Manager) Get(taskID string) *Controller {
	m.mu.Lock()
	defer m.mu.Unlock()

	if c, ok := m.controllers[taskID]; ok {
		return c
	}
	c := NewController(taskID, m.gw, m.uploader, m.timing, m.logger, m.metrics)
	m.controllers[taskID] = c
	m.setGauge()
	return c
}

// Release drops the controller for a task, clearing its state first. Used
// when a technician switches jobs.
func (m *Manager) Release(taskID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.controllers[taskID]
	if !ok {
		return
	}
	c.Reset()
	delete(m.controllers, taskID)
	m.setGauge()
}

// FindByIntervention returns the controller currently holding the given
// intervention, if any.
func (m *Manager) FindByIntervention(interventionID string) (*Controller, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.controllers {
		if iv := c.Intervention(); iv != nil && iv.ID == interventionID {
			return c, true
		}
	}
	return nil, false
}

// Len returns the number of live controllers.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.controllers)
}

// RunEviction sweeps idle controllers until ctx is cancelled. A no-op when
// idleTTL is zero.
func (m *Manager) RunEviction(ctx context.Context) {
	if m.idleTTL <= 0 {
		return
	}
	interval := m.idleTTL / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.evictIdle()
		}
	}
}

func (m *Manager) evictIdle() {
	cutoff := time.Now().Add(-m.idleTTL)

	m.mu.Lock()
	defer m.mu.Unlock()
	for taskID, c := range m.controllers {
		if c.LastUsed().Before(cutoff) {
			delete(m.controllers, taskID)
			m.logger.Debug("evicted idle controller", zap.String("task_id", taskID))
		}
	}
	m.setGauge()
}

// setGauge must be called with the lock held.
func (m *Manager) setGauge() {
	if m.metrics != nil {
		m.metrics.ActiveControllers.Set(float64(len(m.controllers)))
	}
}
