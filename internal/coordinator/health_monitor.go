package coordinator

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/dreamware/tessera/internal/cluster"
	"github.com/dreamware/tessera/internal/logging"
	"github.com/dreamware/tessera/internal/metrics"
	"go.uber.org/zap"
)

// Health states of a monitored server
const (
	StatusUnknown   = "unknown"
	StatusHealthy   = "healthy"
	StatusUnhealthy = "unhealthy"
)

// ServerHealth tracks the health status of a single storage server.
// Thread-safe: Protected by HealthMonitor's mutex when accessed.
type ServerHealth struct {
	LastCheck        time.Time `json:"last_check"`   // Timestamp of the last health check attempt
	LastHealthy      time.Time `json:"last_healthy"` // Timestamp of the last successful health check
	ServerID         string    `json:"server_id"`
	Status           string    `json:"status"` // StatusHealthy, StatusUnhealthy or StatusUnknown
	ConsecutiveFails int       `json:"consecutive_fails"`
}

// HealthMonitor performs periodic health checks on all registered storage
// servers. A server that fails maxFailures checks in a row is unhealthy;
// when it answers again the recovery callback fires, which the admin uses to
// resume the moves that stalled on it.
// Thread-safe: All methods are safe for concurrent access.
type HealthMonitor struct {
	servers     map[string]*ServerHealth
	httpClient  *http.Client
	checkFunc   func(ctx context.Context, uri string) error
	onUnhealthy func(serverID string)
	onRecovered func(serverID string)
	logger      *zap.Logger
	metrics     *metrics.Admin
	ctx         context.Context
	cancel      context.CancelFunc
	interval    time.Duration
	timeout     time.Duration
	mu          sync.RWMutex // Protects servers
	wg          sync.WaitGroup
	maxFailures int
}

// NewHealthMonitor creates a new health monitor with the specified check interval.
// The monitor will check each server's /health endpoint every interval.
// Servers are marked unhealthy after 3 consecutive failures.
//
// Parameters:
//   - interval: How often to perform health checks (recommended: 5s)
//   - logger: Destination of state change logs, may be nil
//   - m: Admin metrics, may be nil
//
// Example:
//
//	monitor := NewHealthMonitor(5*time.Second, logger, m)
//	monitor.SetOnRecovered(func(id string) { migrator.Resume(id) })
//	go monitor.Start(ctx, registry.ListStorageServers)
func NewHealthMonitor(interval time.Duration, logger *zap.Logger, m *metrics.Admin) *HealthMonitor {
	ctx, cancel := context.WithCancel(context.Background())

	return &HealthMonitor{
		interval:    interval,
		timeout:     2 * time.Second,
		maxFailures: 3,
		servers:     make(map[string]*ServerHealth),
		httpClient: &http.Client{
			Timeout: 2 * time.Second,
		},
		logger:  logging.OrNop(logger).With(zap.String("component", "health")),
		metrics: m,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// SetOnUnhealthy sets the callback invoked when a server becomes unhealthy
func (h *HealthMonitor) SetOnUnhealthy(callback func(serverID string)) {
	h.onUnhealthy = callback
}

// SetOnRecovered sets the callback invoked when an unhealthy server passes a
// check again.
func (h *HealthMonitor) SetOnRecovered(callback func(serverID string)) {
	h.onRecovered = callback
}

// Start begins the health monitoring process in the current goroutine.
// It periodically checks all servers returned by provider and blocks until
// ctx or the monitor is canceled.
func (h *HealthMonitor) Start(ctx context.Context, provider func() []cluster.StorageServer) {
	h.wg.Add(1)
	defer h.wg.Done()

	if ctx == nil {
		ctx = h.ctx
	}
	if h.checkFunc == nil {
		h.checkFunc = h.defaultHealthCheck
	}

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	h.logger.Info("health monitor started", zap.Duration("interval", h.interval))
	h.checkAll(provider())

	for {
		select {
		case <-ticker.C:
			h.checkAll(provider())
		case <-ctx.Done():
			h.logger.Info("health monitor stopping", zap.Error(ctx.Err()))
			return
		case <-h.ctx.Done():
			h.logger.Info("health monitor stopping")
			return
		}
	}
}

// Stop shuts down the health monitor and waits for Start to return
func (h *HealthMonitor) Stop() {
	h.cancel()
	h.wg.Wait()
}

// checkAll checks every server and forgets servers no longer listed
func (h *HealthMonitor) checkAll(servers []cluster.StorageServer) {
	current := make(map[string]bool, len(servers))
	for _, s := range servers {
		current[s.ID] = true
		h.checkServer(s)
	}

	h.mu.Lock()
	unhealthy := 0
	for id, health := range h.servers {
		if !current[id] {
			delete(h.servers, id)
			continue
		}
		if health.Status == StatusUnhealthy {
			unhealthy++
		}
	}
	h.mu.Unlock()
	if h.metrics != nil {
		h.metrics.UnhealthyNodes.Set(float64(unhealthy))
	}
}

// checkServer performs a health check on a single server and fires the
// callbacks on state changes. Callbacks run without holding the lock.
func (h *HealthMonitor) checkServer(s cluster.StorageServer) {
	h.mu.Lock()
	health, exists := h.servers[s.ID]
	if !exists {
		now := time.Now()
		health = &ServerHealth{
			ServerID:    s.ID,
			Status:      StatusUnknown,
			LastCheck:   now,
			LastHealthy: now,
		}
		h.servers[s.ID] = health
	}
	h.mu.Unlock()

	ctx, cancel := context.WithTimeout(h.ctx, h.timeout)
	err := h.checkFunc(ctx, s.URI)
	cancel()

	h.mu.Lock()
	defer h.mu.Unlock()

	health.LastCheck = time.Now()
	if err != nil {
		health.ConsecutiveFails++
		h.logger.Debug("health check failed",
			zap.String("server", s.ID),
			zap.Int("attempt", health.ConsecutiveFails),
			zap.Int("max", h.maxFailures),
			zap.Error(err))

		if health.ConsecutiveFails >= h.maxFailures && health.Status != StatusUnhealthy {
			health.Status = StatusUnhealthy
			h.logger.Warn("storage server unhealthy",
				zap.String("server", s.ID),
				zap.Int("failures", health.ConsecutiveFails))
			if h.onUnhealthy != nil {
				go h.onUnhealthy(s.ID)
			}
		}
		return
	}

	if health.Status == StatusUnhealthy {
		h.logger.Info("storage server recovered", zap.String("server", s.ID))
		if h.onRecovered != nil {
			go h.onRecovered(s.ID)
		}
	}
	health.Status = StatusHealthy
	health.ConsecutiveFails = 0
	health.LastHealthy = time.Now()
}

// defaultHealthCheck GETs the server's /health endpoint and expects 200
func (h *HealthMonitor) defaultHealthCheck(ctx context.Context, uri string) error {
	url := uri
	if !strings.HasPrefix(uri, "http://") && !strings.HasPrefix(uri, "https://") {
		url = "http://" + uri
	}
	if !strings.HasSuffix(url, "/health") {
		url = strings.TrimRight(url, "/") + "/health"
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := h.httpClient.Do(req)
	if err != nil {
		return errors.Wrap(err, "health check request failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return errors.Newf("health check returned status %d", resp.StatusCode)
	}
	return nil
}

// GetServerHealth returns a copy of a server's health, or nil if the
// server is not monitored.
func (h *HealthMonitor) GetServerHealth(serverID string) *ServerHealth {
	h.mu.RLock()
	defer h.mu.RUnlock()

	health, exists := h.servers[serverID]
	if !exists {
		return nil
	}
	cp := *health
	return &cp
}

// GetAllServerHealth returns a copy of the health of every monitored server
func (h *HealthMonitor) GetAllServerHealth() map[string]ServerHealth {
	h.mu.RLock()
	defer h.mu.RUnlock()

	result := make(map[string]ServerHealth, len(h.servers))
	for id, health := range h.servers {
		result[id] = *health
	}
	return result
}

// IsHealthy returns whether a server is currently healthy. Unmonitored
// servers are not.
func (h *HealthMonitor) IsHealthy(serverID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()

	health, exists := h.servers[serverID]
	return exists && health.Status == StatusHealthy
}

// SetCheckFunction overrides the default health check. Useful for tests.
func (h *HealthMonitor) SetCheckFunction(checkFunc func(ctx context.Context, uri string) error) {
	h.checkFunc = checkFunc
}
