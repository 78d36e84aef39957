package session

import (
	"sync"
	"time"

	"github.com/veridata/dnipipe/pkg/events"
	"github.com/veridata/dnipipe/pkg/log"
	"github.com/veridata/dnipipe/pkg/metrics"
	"github.com/veridata/dnipipe/pkg/orchestrator"
	"github.com/veridata/dnipipe/pkg/types"
)

// janitorInterval is how often idle sessions are swept.
const janitorInterval = 300 * time.Second

// Info tracks one tenant session.
type Info struct {
	TenantID     string
	Orchestrator *orchestrator.Orchestrator
	LastActivity time.Time
	WorkerCount  int
}

// Manager is the process-wide session registry. It tracks per-tenant
// orchestrators, enforces the global worker budget, and evicts idle
// sessions. All map and counter mutations serialize on one lock; the lock
// is never held across orchestrator calls that may block.
type Manager struct {
	mu           sync.Mutex
	sessions     map[string]*Info
	totalWorkers int

	maxWorkers  int
	idleTimeout time.Duration

	broker *events.Broker
	stopCh chan struct{}
}

// NewManager creates a session manager with the given global worker budget
// and idle timeout. broker may be nil.
func NewManager(maxWorkers int, idleTimeout time.Duration, broker *events.Broker) *Manager {
	return &Manager{
		sessions:    make(map[string]*Info),
		maxWorkers:  maxWorkers,
		idleTimeout: idleTimeout,
		broker:      broker,
		stopCh:      make(chan struct{}),
	}
}

// Touch records activity for a tenant, creating the session if absent.
func (m *Manager) Touch(tenantID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.touchLocked(tenantID)
}

func (m *Manager) touchLocked(tenantID string) *Info {
	info, ok := m.sessions[tenantID]
	if !ok {
		info = &Info{TenantID: tenantID}
		m.sessions[tenantID] = info
	}
	info.LastActivity = time.Now()
	return info
}

// CanStart reports whether n more workers fit in the global budget.
func (m *Manager) CanStart(n int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.totalWorkers+n <= m.maxWorkers
}

// RegisterWorkers accounts n started workers against a tenant.
func (m *Manager) RegisterWorkers(tenantID string, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	info := m.touchLocked(tenantID)
	info.WorkerCount = n
	m.totalWorkers += n
	metrics.WorkersActive.Set(float64(m.totalWorkers))
	lg := log.WithTenant(tenantID)
	lg.Info().
		Int("workers", n).
		Int("global", m.totalWorkers).
		Int("max", m.maxWorkers).
		Msg("workers registered")
}

// UnregisterWorkers releases a tenant's workers from the global budget.
func (m *Manager) UnregisterWorkers(tenantID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unregisterLocked(tenantID)
}

func (m *Manager) unregisterLocked(tenantID string) {
	info, ok := m.sessions[tenantID]
	if !ok || info.WorkerCount == 0 {
		return
	}
	m.totalWorkers -= info.WorkerCount
	if m.totalWorkers < 0 {
		m.totalWorkers = 0
	}
	lg := log.WithTenant(tenantID)
	lg.Info().
		Int("workers", info.WorkerCount).
		Int("global", m.totalWorkers).
		Int("max", m.maxWorkers).
		Msg("workers unregistered")
	info.WorkerCount = 0
	metrics.WorkersActive.Set(float64(m.totalWorkers))
}

// GetOrchestrator returns the tenant's orchestrator, or nil.
func (m *Manager) GetOrchestrator(tenantID string) *orchestrator.Orchestrator {
	m.mu.Lock()
	defer m.mu.Unlock()
	if info, ok := m.sessions[tenantID]; ok {
		return info.Orchestrator
	}
	return nil
}

// SetOrchestrator assigns an orchestrator to a tenant session.
func (m *Manager) SetOrchestrator(tenantID string, orch *orchestrator.Orchestrator) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.touchLocked(tenantID).Orchestrator = orch
}

// HasRunningWorkers reports whether the tenant has live workers.
func (m *Manager) HasRunningWorkers(tenantID string) bool {
	orch := m.GetOrchestrator(tenantID)
	return orch != nil && orch.IsRunning()
}

// CleanupIdleSessions tears down sessions whose last activity exceeds the
// idle timeout and whose orchestrator is not running. Returns the number
// of sessions removed. Invoked periodically by the janitor.
func (m *Manager) CleanupIdleSessions() int {
	m.mu.Lock()
	var idle []*Info
	now := time.Now()
	for _, info := range m.sessions {
		running := info.Orchestrator != nil && info.Orchestrator.IsRunning()
		if !running && now.Sub(info.LastActivity) > m.idleTimeout {
			idle = append(idle, info)
		}
	}
	m.mu.Unlock()

	// Stop outside the lock; Stop may block on worker join.
	for _, info := range idle {
		if info.Orchestrator != nil {
			info.Orchestrator.Stop()
		}
	}

	removed := m.reapIdle(idle)
	if removed > 0 {
		metrics.SessionsEvictedTotal.Add(float64(removed))
	}
	m.updateGauges()
	return removed
}

// reapIdle removes candidate sessions, re-checking each one under the lock.
// A session that was touched or restarted while its teardown ran outside
// the lock is kept.
func (m *Manager) reapIdle(idle []*Info) int {
	m.mu.Lock()
	removed := 0
	now := time.Now()
	var evicted []string
	for _, info := range idle {
		cur, ok := m.sessions[info.TenantID]
		if !ok {
			continue
		}
		if cur.Orchestrator != nil && cur.Orchestrator.IsRunning() {
			continue
		}
		if now.Sub(cur.LastActivity) <= m.idleTimeout {
			continue
		}
		m.unregisterLocked(cur.TenantID)
		delete(m.sessions, cur.TenantID)
		removed++
		evicted = append(evicted, cur.TenantID)
		lg := log.WithTenant(cur.TenantID)
		lg.Info().
			Dur("idle_timeout", m.idleTimeout).
			Msg("idle session evicted")
	}
	m.mu.Unlock()

	for _, tenantID := range evicted {
		if m.broker != nil {
			m.broker.Emit(events.EventSessionEvicted, tenantID, "idle session evicted", nil)
		}
	}
	return removed
}

// StartJanitor launches the periodic idle-session sweep.
func (m *Manager) StartJanitor() {
	ticker := time.NewTicker(janitorInterval)
	go func() {
		for {
			select {
			case <-ticker.C:
				m.CleanupIdleSessions()
			case <-m.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Drain stops the janitor and every running orchestrator. Called on
// process shutdown.
func (m *Manager) Drain() {
	close(m.stopCh)

	m.mu.Lock()
	orchs := make([]*orchestrator.Orchestrator, 0, len(m.sessions))
	for _, info := range m.sessions {
		if info.Orchestrator != nil {
			orchs = append(orchs, info.Orchestrator)
		}
	}
	m.mu.Unlock()

	for _, orch := range orchs {
		orch.Stop()
	}

	m.mu.Lock()
	for tenantID := range m.sessions {
		m.unregisterLocked(tenantID)
	}
	m.mu.Unlock()
	m.updateGauges()
}

// Stats returns global occupancy totals.
func (m *Manager) Stats() types.SessionStats {
	m.mu.Lock()
	defer m.mu.Unlock()

	active := 0
	for _, info := range m.sessions {
		if info.Orchestrator != nil && info.Orchestrator.IsRunning() {
			active++
		}
	}
	return types.SessionStats{
		TotalSessions:  len(m.sessions),
		ActiveSessions: active,
		TotalWorkers:   m.totalWorkers,
		MaxWorkers:     m.maxWorkers,
	}
}

func (m *Manager) updateGauges() {
	stats := m.Stats()
	metrics.SessionsTotal.Set(float64(stats.TotalSessions))
	metrics.SessionsActive.Set(float64(stats.ActiveSessions))
	metrics.WorkersActive.Set(float64(stats.TotalWorkers))
}
