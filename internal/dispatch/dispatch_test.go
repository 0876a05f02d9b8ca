package dispatch

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/finsight/gateway/internal/cache"
	"github.com/finsight/gateway/internal/circuitbreaker"
	"github.com/finsight/gateway/internal/config"
	"github.com/finsight/gateway/internal/pool"
	"github.com/finsight/gateway/internal/registry"
)

type testGateway struct {
	dispatcher *Dispatcher
	registry   *registry.Registry
	pool       *pool.Manager
	breakers   *circuitbreaker.Registry
}

func newTestGateway(t *testing.T, services []config.Service, opts ...Option) *testGateway {
	t.Helper()

	cfg := &config.GatewayConfig{
		Retry: config.RetryConfig{
			InitialBackoff: config.Duration(time.Millisecond),
			MaxBackoff:     config.Duration(5 * time.Millisecond),
		},
		Pool:     config.PoolConfig{MaxConnsPerHost: 8, MaxIdleConns: 16, MaxIdleConnsPerHost: 4},
		Services: services,
	}
	cfg.Normalize()

	reg := registry.New(cfg.Services)
	pm := pool.NewManager(cfg.Pool, pool.WithAcquireTimeout(20*time.Millisecond))
	breakers := circuitbreaker.NewRegistry()
	d := New(reg, pm, breakers, cfg.Retry, opts...)
	return &testGateway{dispatcher: d, registry: reg, pool: pm, breakers: breakers}
}

func (g *testGateway) breakerState(t *testing.T, name string) circuitbreaker.State {
	t.Helper()
	br, ok := g.breakers.Lookup(name)
	require.True(t, ok)
	return br.State()
}

func (g *testGateway) get(path string) *httptest.ResponseRecorder {
	return g.do(httptest.NewRequest(http.MethodGet, path, nil))
}

func (g *testGateway) do(r *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	g.dispatcher.ServeHTTP(w, r)
	return w
}

func intPtr(v int) *int { return &v }

func TestDispatch_ProxiesToBackend(t *testing.T) {
	var gotPath, gotForwarded string
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotForwarded = r.Header.Get("X-Forwarded-Proto")
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"articles":[]}`))
	}))
	defer backend.Close()

	g := newTestGateway(t, []config.Service{
		{Name: "news", BasePath: "/api/news", Instances: []string{backend.URL}},
	})

	w := g.get("/api/news/latest?page=2")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, `{"articles":[]}`, w.Body.String())
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	assert.Equal(t, "/api/news/latest", gotPath)
	assert.Equal(t, "http", gotForwarded)
}

func TestDispatch_RouteNotFound(t *testing.T) {
	g := newTestGateway(t, []config.Service{
		{Name: "news", BasePath: "/api/news", Instances: []string{"http://localhost:1"}},
	})

	w := g.get("/api/unknown")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), "route_not_found")
}

func TestDispatch_DisabledService(t *testing.T) {
	calls := int32(0)
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		atomic.AddInt32(&calls, 1)
	}))
	defer backend.Close()

	g := newTestGateway(t, []config.Service{
		{Name: "news", BasePath: "/api/news", Instances: []string{backend.URL}},
	})
	require.True(t, g.registry.SetEnabled("news", false))

	w := g.get("/api/news/latest")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "service_disabled")
	assert.Zero(t, atomic.LoadInt32(&calls))
}

func TestDispatch_RetriesThenSucceeds(t *testing.T) {
	calls := int32(0)
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte("ok"))
	}))
	defer backend.Close()

	g := newTestGateway(t, []config.Service{
		{Name: "news", BasePath: "/api/news", Instances: []string{backend.URL}, MaxRetries: intPtr(3)},
	})

	w := g.get("/api/news/latest")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", w.Body.String())
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestDispatch_ClientErrorPassthroughNoRetry(t *testing.T) {
	calls := int32(0)
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"error":"bad ticker"}`))
	}))
	defer backend.Close()

	g := newTestGateway(t, []config.Service{
		{Name: "analysis", BasePath: "/api/analysis", Instances: []string{backend.URL}, MaxRetries: intPtr(3)},
	})

	w := g.get("/api/analysis/run")
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Equal(t, `{"error":"bad ticker"}`, w.Body.String())
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestDispatch_ExhaustedRetriesBecomeBadGateway(t *testing.T) {
	calls := int32(0)
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer backend.Close()

	g := newTestGateway(t, []config.Service{
		{Name: "chart", BasePath: "/api/chart", Instances: []string{backend.URL}, MaxRetries: intPtr(2)},
	})

	w := g.get("/api/chart/render")
	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.Contains(t, w.Body.String(), "upstream_error")
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestDispatch_TimeoutBecomesGatewayTimeout(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
	}))
	defer backend.Close()

	g := newTestGateway(t, []config.Service{
		{
			Name:      "report",
			BasePath:  "/api/report",
			Instances: []string{backend.URL},
			Timeout:   config.Duration(50 * time.Millisecond),
		},
	})

	w := g.get("/api/report/q3")
	assert.Equal(t, http.StatusGatewayTimeout, w.Code)
	assert.Contains(t, w.Body.String(), "upstream_timeout")
}

func TestDispatch_UnreachableBackendBecomesBadGateway(t *testing.T) {
	g := newTestGateway(t, []config.Service{
		{Name: "flow", BasePath: "/api/flow", Instances: []string{"http://127.0.0.1:1"}, MaxRetries: intPtr(1)},
	})

	w := g.get("/api/flow/summary")
	assert.Equal(t, http.StatusBadGateway, w.Code)
}

func TestDispatch_CircuitOpensAndRejects(t *testing.T) {
	calls := int32(0)
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer backend.Close()

	g := newTestGateway(t, []config.Service{
		{
			Name:                    "news",
			BasePath:                "/api/news",
			Instances:               []string{backend.URL},
			MaxRetries:              intPtr(0),
			CircuitFailureThreshold: 5,
			CircuitOpenDuration:     config.Duration(time.Minute),
		},
	})

	for i := 0; i < 5; i++ {
		w := g.get("/api/news/latest")
		assert.Equal(t, http.StatusBadGateway, w.Code)
	}
	require.Equal(t, int32(5), atomic.LoadInt32(&calls))

	// The sixth request is rejected without reaching the backend.
	w := g.get("/api/news/latest")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "circuit_open")
	assert.NotEmpty(t, w.Header().Get("Retry-After"))
	assert.Equal(t, int32(5), atomic.LoadInt32(&calls))
}

func TestDispatch_TimeoutsOpenCircuit(t *testing.T) {
	var calls int32
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
	}))
	defer backend.Close()

	g := newTestGateway(t, []config.Service{
		{
			Name:                    "news",
			BasePath:                "/api/news",
			Instances:               []string{backend.URL},
			Timeout:                 config.Duration(30 * time.Millisecond),
			MaxRetries:              intPtr(0),
			CircuitFailureThreshold: 5,
			CircuitOpenDuration:     config.Duration(time.Minute),
		},
	})

	for i := 0; i < 5; i++ {
		w := g.get("/api/news/latest")
		assert.Equal(t, http.StatusGatewayTimeout, w.Code)
	}
	before := atomic.LoadInt32(&calls)

	w := g.get("/api/news/latest")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "circuit_open")
	assert.Equal(t, before, atomic.LoadInt32(&calls))
}

func TestDispatch_CacheHitSkipsBackend(t *testing.T) {
	calls := int32(0)
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"price":42}`))
	}))
	defer backend.Close()

	mem := cache.NewMemoryCache(16)
	defer mem.Close()

	g := newTestGateway(t, []config.Service{
		{
			Name:      "chart",
			BasePath:  "/api/chart",
			Instances: []string{backend.URL},
			Cacheable: true,
			CacheTTL:  config.Duration(time.Minute),
		},
	}, WithCache(mem))

	w := g.get("/api/chart/price?symbol=ACME")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "MISS", w.Header().Get("X-Cache"))
	assert.Equal(t, `{"price":42}`, w.Body.String())

	w = g.get("/api/chart/price?symbol=ACME")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "HIT", w.Header().Get("X-Cache"))
	assert.Equal(t, `{"price":42}`, w.Body.String())
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))

	// A different query string is a different entry.
	w = g.get("/api/chart/price?symbol=OTHER")
	assert.Equal(t, "MISS", w.Header().Get("X-Cache"))
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestDispatch_PostNotCached(t *testing.T) {
	calls := int32(0)
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		atomic.AddInt32(&calls, 1)
		_, _ = w.Write([]byte("created"))
	}))
	defer backend.Close()

	mem := cache.NewMemoryCache(16)
	defer mem.Close()

	g := newTestGateway(t, []config.Service{
		{
			Name:      "issue",
			BasePath:  "/api/issue",
			Instances: []string{backend.URL},
			Cacheable: true,
			CacheTTL:  config.Duration(time.Minute),
		},
	}, WithCache(mem))

	for i := 0; i < 2; i++ {
		r := httptest.NewRequest(http.MethodPost, "/api/issue/schedule", strings.NewReader(`{"id":1}`))
		w := g.do(r)
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Empty(t, w.Header().Get("X-Cache"))
	}
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestDispatch_PoolExhausted(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}))
	defer backend.Close()

	cfg := &config.GatewayConfig{
		Pool: config.PoolConfig{MaxConnsPerHost: 1},
		Services: []config.Service{
			{Name: "user", BasePath: "/api/user", Instances: []string{backend.URL}, MaxRetries: intPtr(0)},
		},
	}
	cfg.Normalize()

	reg := registry.New(cfg.Services)
	pm := pool.NewManager(cfg.Pool, pool.WithAcquireTimeout(10*time.Millisecond))
	d := New(reg, pm, circuitbreaker.NewRegistry(), cfg.Retry)

	// Claim the only slot so the proxied request cannot get one.
	host := strings.TrimPrefix(backend.URL, "http://")
	require.NoError(t, pm.Acquire(context.Background(), host))
	defer pm.Release(host)

	w := httptest.NewRecorder()
	d.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/user/profile", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "pool_exhausted")
}

func TestDispatch_PostBodyReplayedOnRetry(t *testing.T) {
	var bodies []string
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		bodies = append(bodies, string(data))
		if len(bodies) < 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusCreated)
	}))
	defer backend.Close()

	g := newTestGateway(t, []config.Service{
		{Name: "orchestrator", BasePath: "/api/orchestrator", Instances: []string{backend.URL}, MaxRetries: intPtr(2)},
	})

	r := httptest.NewRequest(http.MethodPost, "/api/orchestrator/jobs", strings.NewReader(`{"job":"rebuild"}`))
	w := g.do(r)
	assert.Equal(t, http.StatusCreated, w.Code)
	require.Len(t, bodies, 2)
	assert.Equal(t, `{"job":"rebuild"}`, bodies[0])
	assert.Equal(t, bodies[0], bodies[1])
}

func TestDispatch_RetriedAttemptsCountAgainstCircuit(t *testing.T) {
	calls := int32(0)
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer backend.Close()

	g := newTestGateway(t, []config.Service{
		{
			Name:                    "news",
			BasePath:                "/api/news",
			Instances:               []string{backend.URL},
			MaxRetries:              intPtr(4),
			CircuitFailureThreshold: 5,
			CircuitOpenDuration:     config.Duration(time.Minute),
		},
	})

	// One request burns the whole retry budget; each attempt counts.
	w := g.get("/api/news/latest")
	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.Equal(t, int32(5), atomic.LoadInt32(&calls))
	assert.Equal(t, circuitbreaker.StateOpen, g.breakerState(t, "news"))

	w = g.get("/api/news/latest")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "circuit_open")
	assert.Equal(t, int32(5), atomic.LoadInt32(&calls))
}

func TestDispatch_RetriesStopOnceCircuitOpens(t *testing.T) {
	calls := int32(0)
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer backend.Close()

	g := newTestGateway(t, []config.Service{
		{
			Name:                    "flow",
			BasePath:                "/api/flow",
			Instances:               []string{backend.URL},
			MaxRetries:              intPtr(10),
			CircuitFailureThreshold: 2,
			CircuitOpenDuration:     config.Duration(time.Minute),
		},
	})

	// The second failed attempt opens the breaker; the remaining retry
	// budget is abandoned rather than hammering the backend.
	w := g.get("/api/flow/summary")
	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
	assert.Equal(t, circuitbreaker.StateOpen, g.breakerState(t, "flow"))
}

func TestDispatch_AbandonedHalfOpenTrialReleased(t *testing.T) {
	healthy := int32(0)
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if atomic.LoadInt32(&healthy) == 1 {
			_, _ = w.Write([]byte("ok"))
			return
		}
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer backend.Close()

	g := newTestGateway(t, []config.Service{
		{
			Name:                    "report",
			BasePath:                "/api/report",
			Instances:               []string{backend.URL},
			MaxRetries:              intPtr(0),
			CircuitFailureThreshold: 1,
			CircuitOpenDuration:     config.Duration(30 * time.Millisecond),
		},
	})

	w := g.get("/api/report/q3")
	require.Equal(t, http.StatusBadGateway, w.Code)
	require.Equal(t, circuitbreaker.StateOpen, g.breakerState(t, "report"))

	time.Sleep(40 * time.Millisecond)

	// The recovery window has elapsed; the client walks away before the
	// trial produces an outcome.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r := httptest.NewRequest(http.MethodGet, "/api/report/q3", nil).WithContext(ctx)
	w = g.do(r)
	assert.Equal(t, statusClientClosedRequest, w.Code)

	// The trial slot must be free again for the next caller.
	atomic.StoreInt32(&healthy, 1)
	w = g.get("/api/report/q3")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", w.Body.String())
	assert.Equal(t, circuitbreaker.StateClosed, g.breakerState(t, "report"))
}

func TestDispatch_ClientDisconnectReportedAs499(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}))
	defer backend.Close()

	g := newTestGateway(t, []config.Service{
		{Name: "user", BasePath: "/api/user", Instances: []string{backend.URL}},
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r := httptest.NewRequest(http.MethodGet, "/api/user/profile", nil).WithContext(ctx)
	w := g.do(r)
	assert.Equal(t, statusClientClosedRequest, w.Code)
	assert.Equal(t, circuitbreaker.StateClosed, g.breakerState(t, "user"))
}

func TestDispatch_OversizedResponseStreamedNotCached(t *testing.T) {
	payload := bytes.Repeat([]byte("x"), maxBufferedBody+1024)
	calls := int32(0)
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		atomic.AddInt32(&calls, 1)
		_, _ = w.Write(payload)
	}))
	defer backend.Close()

	mem := cache.NewMemoryCache(16)
	defer mem.Close()

	g := newTestGateway(t, []config.Service{
		{
			Name:      "disclosure",
			BasePath:  "/api/disclosure",
			Instances: []string{backend.URL},
			Cacheable: true,
			CacheTTL:  config.Duration(time.Minute),
		},
	}, WithCache(mem))

	// The body exceeds the buffering limit: relay it whole, skip the cache.
	w := g.get("/api/disclosure/filings")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "MISS", w.Header().Get("X-Cache"))
	assert.Equal(t, len(payload), w.Body.Len())
	assert.True(t, bytes.Equal(payload, w.Body.Bytes()))

	w = g.get("/api/disclosure/filings")
	assert.Equal(t, "MISS", w.Header().Get("X-Cache"))
	assert.Equal(t, len(payload), w.Body.Len())
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}
