package health

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
)

// Check tests one dependency; nil means healthy.
type Check func(ctx context.Context) error

type Manager struct {
	ready   atomic.Bool
	timeout time.Duration

	mu     sync.RWMutex
	checks map[string]Check
}

func NewManager(initialReady bool) *Manager {
	m := &Manager{timeout: 2 * time.Second, checks: map[string]Check{}}
	m.ready.Store(initialReady)
	return m
}

// AddCheck registers a dependency check consulted by the readiness handler.
func (m *Manager) AddCheck(name string, check Check) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checks[name] = check
}

func (m *Manager) SetReady(ready bool) {
	m.ready.Store(ready)
}

func (m *Manager) IsReady() bool {
	return m.ready.Load()
}

// Failures runs every check and returns the failures keyed by name.
func (m *Manager) Failures(ctx context.Context) map[string]string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	failed := map[string]string{}
	for name, check := range m.checks {
		cctx, cancel := context.WithTimeout(ctx, m.timeout)
		err := check(cctx)
		cancel()
		if err != nil {
			failed[name] = err.Error()
		}
	}
	return failed
}

func LivenessHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func ReadinessHandler(m *Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !m.IsReady() {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
			return
		}
		if failed := m.Failures(c.Request.Context()); len(failed) > 0 {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "checks": failed})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	}
}
