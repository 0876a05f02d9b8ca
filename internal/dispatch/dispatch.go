// Package dispatch is the gateway's data plane. It resolves each
// request to a service, consults the cache and circuit breaker, and
// proxies to a backend instance with retries and pooled connections.
package dispatch

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/finsight/gateway/internal/cache"
	"github.com/finsight/gateway/internal/circuitbreaker"
	"github.com/finsight/gateway/internal/config"
	"github.com/finsight/gateway/internal/observability"
	"github.com/finsight/gateway/internal/pool"
	"github.com/finsight/gateway/internal/registry"
	"github.com/finsight/gateway/internal/retry"
)

// maxBufferedBody bounds how much of a request body is buffered for
// retry replay and cache fingerprinting.
const maxBufferedBody = 8 << 20

// statusClientClosedRequest labels requests whose client disconnected
// before a response could be written. Nginx convention.
const statusClientClosedRequest = 499

// Dispatcher routes and proxies inbound requests.
type Dispatcher struct {
	registry *registry.Registry
	pool     *pool.Manager
	breakers *circuitbreaker.Registry
	cache    cache.Cache
	retryCfg config.RetryConfig
	logger   observability.Logger
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithCache enables response caching.
func WithCache(c cache.Cache) Option {
	return func(d *Dispatcher) { d.cache = c }
}

// WithLogger sets the dispatcher logger.
func WithLogger(l observability.Logger) Option {
	return func(d *Dispatcher) { d.logger = l }
}

// New builds a Dispatcher.
func New(reg *registry.Registry, pm *pool.Manager, breakers *circuitbreaker.Registry, retryCfg config.RetryConfig, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		registry: reg,
		pool:     pm,
		breakers: breakers,
		retryCfg: retryCfg,
		logger:   observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *Dispatcher) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	svc, err := d.registry.Resolve(r.URL.Path)
	if err != nil {
		writeRouteNotFound(w, r)
		observeRequest("", http.StatusNotFound, time.Since(start))
		return
	}

	status := d.dispatch(w, r, svc)
	observeRequest(svc.Name, status, time.Since(start))
}

func (d *Dispatcher) dispatch(w http.ResponseWriter, r *http.Request, svc *registry.Service) int {
	if !svc.Enabled() {
		writeServiceDisabled(w, r, svc.Name)
		return http.StatusServiceUnavailable
	}

	body, err := bufferBody(r)
	if err != nil {
		writeError(w, r, http.StatusRequestEntityTooLarge, "body_too_large",
			"request body exceeds the proxy buffer limit")
		return http.StatusRequestEntityTooLarge
	}

	cacheable := d.cache != nil && svc.Cacheable && r.Method == http.MethodGet
	var key string
	if cacheable {
		key = cache.Key(r.Method, r.URL.Path, r.URL.Query(), body)
		if entry, err := d.cache.Get(r.Context(), key); err == nil {
			writeCached(w, entry, "HIT")
			return entry.StatusCode
		}
	}

	br := d.breakers.Get(svc.Name, svc.FailureThreshold, svc.OpenDuration)
	if err := br.Allow(); err != nil {
		writeCircuitOpen(w, r, svc.Name, br.RetryAfter())
		return http.StatusServiceUnavailable
	}

	ctx, cancel := context.WithTimeout(r.Context(), svc.Timeout)
	defer cancel()

	exec := retry.NewExecutor(svc.Name, retry.PolicyFromConfig(d.retryCfg, svc.MaxRetries),
		retry.WithMonitor(breakerMonitor{br: br}))
	resp, err := exec.Do(ctx, svc.NextInstance(), func(ctx context.Context, target string) (*http.Response, error) {
		return d.attempt(ctx, r, target, body)
	})

	switch {
	case err != nil:
		return d.writeFailure(w, r, svc, br, err)
	case retry.RetryableStatus(resp.StatusCode):
		// attempts exhausted on server errors, or halted by the breaker
		closeBody(resp)
		d.logger.Warn("upstream attempts exhausted",
			observability.String("service", svc.Name),
			observability.Int("status", resp.StatusCode))
		writeBadGateway(w, r, svc.Name)
		return http.StatusBadGateway
	}

	defer closeBody(resp)

	if cacheable && resp.StatusCode == http.StatusOK {
		data, rerr := io.ReadAll(io.LimitReader(resp.Body, maxBufferedBody+1))
		if rerr == nil && len(data) <= maxBufferedBody {
			entry := cache.NewEntry(resp.StatusCode, resp.Header, data)
			if serr := d.cache.Set(r.Context(), key, entry, svc.CacheTTL); serr != nil {
				d.logger.Warn("cache write failed",
					observability.String("service", svc.Name),
					observability.Error(serr))
			}
			writeCached(w, entry, "MISS")
			return resp.StatusCode
		}
		// too large to cache: relay the buffered prefix and stream the rest
		resp.Body = prependBody(data, resp.Body)
	}

	if cacheable {
		w.Header().Set("X-Cache", "MISS")
	}
	copyResponse(w, resp)
	return resp.StatusCode
}

// breakerMonitor reports each proxy attempt to the service's circuit
// breaker. Outcomes the backend never produced, a full local pool or a
// client that went away, release a half-open trial instead of counting
// against the backend. Further attempts stop once the breaker opens.
type breakerMonitor struct {
	br *circuitbreaker.Breaker
}

func (m breakerMonitor) Observe(status int, err error) {
	switch {
	case err != nil:
		if errors.Is(err, pool.ErrPoolExhausted) || errors.Is(err, context.Canceled) {
			m.br.Cancel()
			return
		}
		m.br.RecordFailure()
	case retry.RetryableStatus(status):
		m.br.RecordFailure()
	default:
		m.br.RecordSuccess()
	}
}

func (m breakerMonitor) Proceed() bool {
	return m.br.State() != circuitbreaker.StateOpen
}

// attempt issues one proxied request. The connection slot is released
// when the response body is closed, so a streamed response holds its
// slot until fully relayed.
func (d *Dispatcher) attempt(ctx context.Context, r *http.Request, target string, body []byte) (*http.Response, error) {
	req, err := buildRequest(ctx, r, target, body)
	if err != nil {
		return nil, err
	}

	host := req.URL.Host
	if err := d.pool.Acquire(ctx, host); err != nil {
		return nil, err
	}

	resp, err := d.pool.Client().Do(req)
	if err != nil {
		d.pool.Release(host)
		return nil, err
	}
	resp.Body = &releasingBody{
		ReadCloser: resp.Body,
		release:    func() { d.pool.Release(host) },
	}
	return resp, nil
}

func (d *Dispatcher) writeFailure(w http.ResponseWriter, r *http.Request, svc *registry.Service, br *circuitbreaker.Breaker, err error) int {
	switch {
	case errors.Is(err, pool.ErrPoolExhausted):
		// a local capacity limit, not a backend failure
		br.Cancel()
		writePoolExhausted(w, r, svc.Name)
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		// per-attempt outcomes are already recorded; release the trial
		// slot if the deadline fired before any attempt ran
		br.Cancel()
		d.logger.Warn("upstream timeout",
			observability.String("service", svc.Name))
		writeGatewayTimeout(w, r, svc.Name)
		return http.StatusGatewayTimeout
	case errors.Is(err, context.Canceled):
		// client went away
		br.Cancel()
		w.WriteHeader(statusClientClosedRequest)
		return statusClientClosedRequest
	default:
		d.logger.Warn("upstream request failed",
			observability.String("service", svc.Name),
			observability.Error(err))
		writeBadGateway(w, r, svc.Name)
		return http.StatusBadGateway
	}
}

func bufferBody(r *http.Request) ([]byte, error) {
	if r.Body == nil || r.Body == http.NoBody {
		return nil, nil
	}
	defer r.Body.Close()
	data, err := io.ReadAll(io.LimitReader(r.Body, maxBufferedBody+1))
	if err != nil {
		return nil, err
	}
	if len(data) > maxBufferedBody {
		return nil, errors.New("dispatch: request body too large")
	}
	if len(data) == 0 {
		return nil, nil
	}
	return data, nil
}

func writeCached(w http.ResponseWriter, entry *cache.Entry, state string) {
	header := w.Header()
	for k, vv := range entry.Header {
		for _, v := range vv {
			header.Add(k, v)
		}
	}
	header.Set("X-Cache", state)
	w.WriteHeader(entry.StatusCode)
	_, _ = w.Write(entry.Body)
}

func closeBody(resp *http.Response) {
	if resp.Body != nil {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		_ = resp.Body.Close()
	}
}

// prependBody rejoins an already-read prefix with the unread remainder
// of a response body. Close releases the underlying body.
func prependBody(prefix []byte, rest io.ReadCloser) io.ReadCloser {
	return &joinedBody{
		Reader: io.MultiReader(bytes.NewReader(prefix), rest),
		closer: rest,
	}
}

type joinedBody struct {
	io.Reader
	closer io.Closer
}

func (b *joinedBody) Close() error { return b.closer.Close() }

type releasingBody struct {
	io.ReadCloser
	release func()
	once    sync.Once
}

func (b *releasingBody) Close() error {
	err := b.ReadCloser.Close()
	b.once.Do(b.release)
	return err
}
