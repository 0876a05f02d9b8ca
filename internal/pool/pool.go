// Package pool bounds concurrent backend connections. A shared
// keep-alive transport reuses sockets; a per-host slot counter caps how
// many requests may be in flight to any single backend at once.
package pool

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/finsight/gateway/internal/config"
)

// ErrPoolExhausted is returned by Acquire when every slot for the host
// is in use and none frees up within the acquire timeout.
var ErrPoolExhausted = errors.New("pool: connection pool exhausted")

const defaultAcquireTimeout = 100 * time.Millisecond

// Manager hands out per-host connection slots and owns the HTTP client
// used for all backend traffic.
type Manager struct {
	maxPerHost     int
	acquireTimeout time.Duration
	client         *http.Client

	mu    sync.Mutex
	hosts map[string]chan struct{}
}

// Option configures a Manager.
type Option func(*Manager)

// WithAcquireTimeout sets how long Acquire waits for a free slot before
// giving up.
func WithAcquireTimeout(d time.Duration) Option {
	return func(m *Manager) { m.acquireTimeout = d }
}

// NewManager builds a Manager from the pool configuration.
func NewManager(cfg config.PoolConfig, opts ...Option) *Manager {
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          cfg.MaxIdleConns,
		MaxIdleConnsPerHost:   cfg.MaxIdleConnsPerHost,
		MaxConnsPerHost:       cfg.MaxConnsPerHost,
		IdleConnTimeout:       cfg.KeepAliveTimeout.Duration(),
		ExpectContinueTimeout: time.Second,
	}

	m := &Manager{
		maxPerHost:     cfg.MaxConnsPerHost,
		acquireTimeout: defaultAcquireTimeout,
		client:         &http.Client{Transport: transport},
		hosts:          make(map[string]chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Client returns the shared HTTP client. Per-request deadlines come
// from the request context, not from the client.
func (m *Manager) Client() *http.Client {
	return m.client
}

// Acquire claims a slot for host. It waits briefly for a slot to free
// and returns ErrPoolExhausted if none does. The caller must Release
// the slot when the request completes.
func (m *Manager) Acquire(ctx context.Context, host string) error {
	slots := m.slots(host)

	select {
	case slots <- struct{}{}:
		connsInUse.WithLabelValues(host).Inc()
		return nil
	default:
	}

	timer := time.NewTimer(m.acquireTimeout)
	defer timer.Stop()

	select {
	case slots <- struct{}{}:
		connsInUse.WithLabelValues(host).Inc()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		exhaustedTotal.WithLabelValues(host).Inc()
		return ErrPoolExhausted
	}
}

// Release frees a slot previously claimed with Acquire.
func (m *Manager) Release(host string) {
	slots := m.slots(host)
	select {
	case <-slots:
		connsInUse.WithLabelValues(host).Dec()
	default:
		// release without a matching acquire
	}
}

// InUse returns the number of claimed slots for host.
func (m *Manager) InUse(host string) int {
	return len(m.slots(host))
}

// CloseIdle drops idle keep-alive connections.
func (m *Manager) CloseIdle() {
	m.client.CloseIdleConnections()
}

func (m *Manager) slots(host string) chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	slots, ok := m.hosts[host]
	if !ok {
		slots = make(chan struct{}, m.maxPerHost)
		m.hosts[host] = slots
	}
	return slots
}
