// Package health probes backend instances and takes unhealthy services
// out of rotation until they recover.
package health

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/finsight/gateway/internal/config"
	"github.com/finsight/gateway/internal/observability"
	"github.com/finsight/gateway/internal/registry"
)

// InstanceStatus is the probe state of one backend instance.
type InstanceStatus struct {
	URL                 string    `json:"url"`
	Healthy             bool      `json:"healthy"`
	ConsecutiveFailures int       `json:"consecutiveFailures"`
	LastChecked         time.Time `json:"lastChecked"`
}

// Monitor periodically probes every instance of every registered
// service. A service whose instances have all failed the configured
// number of consecutive probes is disabled; it is re-enabled as soon as
// one instance answers again. Services disabled by an operator are left
// alone.
type Monitor struct {
	registry  *registry.Registry
	client    *http.Client
	interval  time.Duration
	path      string
	threshold int
	logger    observability.Logger

	mu           sync.Mutex
	instances    map[string]*InstanceStatus // keyed by instance URL
	autoDisabled map[string]bool            // services taken out by the monitor

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// MonitorOption configures a Monitor.
type MonitorOption func(*Monitor)

// WithMonitorLogger sets the monitor logger.
func WithMonitorLogger(l observability.Logger) MonitorOption {
	return func(m *Monitor) { m.logger = l }
}

// WithProbeClient overrides the probe HTTP client, for tests.
func WithProbeClient(c *http.Client) MonitorOption {
	return func(m *Monitor) { m.client = c }
}

// NewMonitor builds a monitor from the health configuration.
func NewMonitor(reg *registry.Registry, cfg config.HealthConfig, opts ...MonitorOption) *Monitor {
	m := &Monitor{
		registry:     reg,
		client:       &http.Client{Timeout: cfg.Timeout.Duration()},
		interval:     cfg.Interval.Duration(),
		path:         cfg.Path,
		threshold:    cfg.FailureThreshold,
		logger:       observability.NopLogger(),
		instances:    make(map[string]*InstanceStatus),
		autoDisabled: make(map[string]bool),
		stopCh:       make(chan struct{}),
		doneCh:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start launches the probe loop. It returns immediately.
func (m *Monitor) Start() {
	go m.run()
}

// Stop halts the probe loop and waits for it to exit.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	<-m.doneCh
}

func (m *Monitor) run() {
	defer close(m.doneCh)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.CheckAll(context.Background())
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.CheckAll(context.Background())
		}
	}
}

// CheckAll probes every instance of every service once and applies the
// enable/disable policy.
func (m *Monitor) CheckAll(ctx context.Context) {
	for _, svc := range m.registry.List() {
		m.checkService(ctx, svc)
	}
}

func (m *Monitor) checkService(ctx context.Context, svc *registry.Service) {
	healthy := 0
	for _, instance := range svc.Instances {
		if m.probe(ctx, instance) {
			healthy++
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	switch {
	case healthy == 0 && svc.Enabled():
		svc.SetEnabled(false)
		m.autoDisabled[svc.Name] = true
		m.logger.Warn("service disabled, all instances unhealthy",
			observability.String("service", svc.Name),
			observability.Int("instances", len(svc.Instances)))
	case healthy > 0 && m.autoDisabled[svc.Name]:
		svc.SetEnabled(true)
		delete(m.autoDisabled, svc.Name)
		m.logger.Info("service re-enabled",
			observability.String("service", svc.Name),
			observability.Int("healthyInstances", healthy))
	}
}

func (m *Monitor) probe(ctx context.Context, instance string) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, instance+m.path, nil)
	if err != nil {
		return m.record(instance, false)
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return m.record(instance, false)
	}
	resp.Body.Close()
	return m.record(instance, resp.StatusCode >= 200 && resp.StatusCode < 300)
}

// record updates the instance status and returns whether the instance
// still counts as healthy. An instance stays healthy until it fails the
// consecutive-failure threshold.
func (m *Monitor) record(instance string, ok bool) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, exists := m.instances[instance]
	if !exists {
		st = &InstanceStatus{URL: instance, Healthy: true}
		m.instances[instance] = st
	}
	st.LastChecked = time.Now()

	if ok {
		st.ConsecutiveFailures = 0
		st.Healthy = true
		return true
	}
	st.ConsecutiveFailures++
	if st.ConsecutiveFailures >= m.threshold {
		st.Healthy = false
	}
	return st.Healthy
}

// Instances returns a snapshot of probe state for the given instance
// URLs.
func (m *Monitor) Instances(urls []string) []InstanceStatus {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]InstanceStatus, 0, len(urls))
	for _, u := range urls {
		if st, ok := m.instances[u]; ok {
			out = append(out, *st)
		} else {
			out = append(out, InstanceStatus{URL: u, Healthy: true})
		}
	}
	return out
}
