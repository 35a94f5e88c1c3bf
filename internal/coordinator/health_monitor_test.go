package coordinator

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/dreamware/tessera/internal/cluster"
	"github.com/dreamware/tessera/internal/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func twoServers() []cluster.StorageServer {
	return []cluster.StorageServer{
		{ID: "s1", URI: "http://localhost:8081"},
		{ID: "s2", URI: "http://localhost:8082"},
	}
}

// TestNewHealthMonitor verifies the defaults of a new monitor.
func TestNewHealthMonitor(t *testing.T) {
	monitor := NewHealthMonitor(5*time.Second, nil, nil)
	defer monitor.Stop()

	assert.Equal(t, 5*time.Second, monitor.interval)
	assert.Equal(t, 2*time.Second, monitor.timeout)
	assert.Equal(t, 3, monitor.maxFailures)
	assert.NotNil(t, monitor.httpClient)
	assert.Empty(t, monitor.servers)
}

// TestHealthMonitorStart verifies that every listed server is checked
// repeatedly and reported healthy.
func TestHealthMonitorStart(t *testing.T) {
	monitor := NewHealthMonitor(20*time.Millisecond, zaptest.NewLogger(t), nil)
	defer monitor.Stop()

	var calls atomic.Int32
	monitor.SetCheckFunction(func(context.Context, string) error {
		calls.Add(1)
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go monitor.Start(ctx, twoServers)

	require.Eventually(t, func() bool { return calls.Load() >= 6 }, 2*time.Second, 10*time.Millisecond)
	all := monitor.GetAllServerHealth()
	assert.Len(t, all, 2)
	assert.True(t, monitor.IsHealthy("s1"))
	assert.True(t, monitor.IsHealthy("s2"))
	assert.False(t, monitor.IsHealthy("s9"))
}

// TestHealthMonitorFailureAndRecovery walks one server through
// healthy, unhealthy and recovered, checking each callback fires once.
func TestHealthMonitorFailureAndRecovery(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.NewAdmin(reg)
	monitor := NewHealthMonitor(20*time.Millisecond, zaptest.NewLogger(t), m)
	defer monitor.Stop()

	var down atomic.Bool
	monitor.SetCheckFunction(func(_ context.Context, uri string) error {
		if uri == "http://localhost:8081" && down.Load() {
			return errors.New("server is down")
		}
		return nil
	})

	var mu sync.Mutex
	var unhealthy, recovered []string
	monitor.SetOnUnhealthy(func(id string) {
		mu.Lock()
		unhealthy = append(unhealthy, id)
		mu.Unlock()
	})
	monitor.SetOnRecovered(func(id string) {
		mu.Lock()
		recovered = append(recovered, id)
		mu.Unlock()
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go monitor.Start(ctx, twoServers)

	require.Eventually(t, func() bool { return monitor.IsHealthy("s1") }, time.Second, 5*time.Millisecond)

	down.Store(true)
	require.Eventually(t, func() bool {
		h := monitor.GetServerHealth("s1")
		return h != nil && h.Status == StatusUnhealthy
	}, 2*time.Second, 5*time.Millisecond)
	assert.True(t, monitor.IsHealthy("s2"))
	require.Eventually(t, func() bool { return testutil.ToFloat64(m.UnhealthyNodes) == 1 }, time.Second, 5*time.Millisecond)

	// More failing checks while unhealthy do not fire again.
	time.Sleep(100 * time.Millisecond)

	down.Store(false)
	require.Eventually(t, func() bool { return monitor.IsHealthy("s1") }, 2*time.Second, 5*time.Millisecond)

	h := monitor.GetServerHealth("s1")
	require.NotNil(t, h)
	assert.Equal(t, 0, h.ConsecutiveFails)
	assert.False(t, h.LastHealthy.IsZero())

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(recovered) == 1
	}, time.Second, 5*time.Millisecond)
	mu.Lock()
	assert.Equal(t, []string{"s1"}, unhealthy)
	assert.Equal(t, []string{"s1"}, recovered)
	mu.Unlock()
}

// TestHealthMonitorServerRemoval verifies unlisted servers are forgotten.
func TestHealthMonitorServerRemoval(t *testing.T) {
	monitor := NewHealthMonitor(20*time.Millisecond, nil, nil)
	defer monitor.Stop()
	monitor.SetCheckFunction(func(context.Context, string) error { return nil })

	var mu sync.Mutex
	servers := twoServers()
	provider := func() []cluster.StorageServer {
		mu.Lock()
		defer mu.Unlock()
		return servers
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go monitor.Start(ctx, provider)

	require.Eventually(t, func() bool { return len(monitor.GetAllServerHealth()) == 2 }, time.Second, 5*time.Millisecond)

	mu.Lock()
	servers = servers[:1]
	mu.Unlock()

	require.Eventually(t, func() bool { return len(monitor.GetAllServerHealth()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Nil(t, monitor.GetServerHealth("s2"))
}

// TestHealthMonitorStop ensures no checks happen after Stop returns.
func TestHealthMonitorStop(t *testing.T) {
	monitor := NewHealthMonitor(10*time.Millisecond, nil, nil)
	var calls atomic.Int32
	monitor.SetCheckFunction(func(context.Context, string) error {
		calls.Add(1)
		return nil
	})

	go monitor.Start(nil, twoServers)
	require.Eventually(t, func() bool { return calls.Load() > 0 }, time.Second, 5*time.Millisecond)

	monitor.Stop()
	before := calls.Load()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, before, calls.Load())
}

// TestHealthMonitorConcurrency reads health while checks run.
func TestHealthMonitorConcurrency(t *testing.T) {
	monitor := NewHealthMonitor(5*time.Millisecond, nil, nil)
	defer monitor.Stop()
	monitor.SetCheckFunction(func(context.Context, string) error { return nil })

	const count = 5
	provider := func() []cluster.StorageServer {
		out := make([]cluster.StorageServer, count)
		for i := range out {
			out[i] = cluster.StorageServer{ID: fmt.Sprintf("s%d", i), URI: fmt.Sprintf("http://localhost:808%d", i)}
		}
		return out
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go monitor.Start(ctx, provider)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				monitor.IsHealthy(fmt.Sprintf("s%d", id%count))
				monitor.GetServerHealth(fmt.Sprintf("s%d", id%count))
				monitor.GetAllServerHealth()
			}
		}(i)
	}
	wg.Wait()

	require.Eventually(t, func() bool { return len(monitor.GetAllServerHealth()) == count }, time.Second, 5*time.Millisecond)
}

// TestDefaultHealthCheck exercises the HTTP check against a live server.
func TestDefaultHealthCheck(t *testing.T) {
	var status atomic.Int32
	status.Store(http.StatusOK)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/health", r.URL.Path)
		w.WriteHeader(int(status.Load()))
	}))
	defer srv.Close()

	monitor := NewHealthMonitor(time.Second, nil, nil)
	defer monitor.Stop()

	tests := []struct {
		name    string
		uri     string
		status  int
		wantErr bool
	}{
		{"full url", srv.URL, http.StatusOK, false},
		{"trailing slash", srv.URL + "/", http.StatusOK, false},
		{"explicit path", srv.URL + "/health", http.StatusOK, false},
		{"host and port", srv.Listener.Addr().String(), http.StatusOK, false},
		{"unhealthy status", srv.URL, http.StatusServiceUnavailable, true},
		{"unreachable", "http://127.0.0.1:1", http.StatusOK, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status.Store(int32(tt.status))
			err := monitor.defaultHealthCheck(context.Background(), tt.uri)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
