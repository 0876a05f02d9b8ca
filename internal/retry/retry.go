package retry

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"
)

// AttemptFunc issues one request to a single backend instance.
type AttemptFunc func(ctx context.Context, target string) (*http.Response, error)

// Monitor observes the outcome of every attempt and gates whether
// further attempts may be made. Observe receives the attempt's status
// code (0 when the attempt errored) and its error.
type Monitor interface {
	Observe(status int, err error)
	Proceed() bool
}

type nopMonitor struct{}

func (nopMonitor) Observe(int, error) {}
func (nopMonitor) Proceed() bool      { return true }

// Executor runs attempts against a service's instances in order,
// rotating to the next instance after each failure.
type Executor struct {
	service string
	policy  Policy
	monitor Monitor
}

// Option configures an Executor.
type Option func(*Executor)

// WithMonitor attaches a per-attempt outcome observer.
func WithMonitor(m Monitor) Option {
	return func(e *Executor) { e.monitor = m }
}

// NewExecutor returns an executor for one service.
func NewExecutor(service string, policy Policy, opts ...Option) *Executor {
	policy.normalize()
	e := &Executor{service: service, policy: policy, monitor: nopMonitor{}}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Do issues the request to targets[0] and retries on transient
// failures, moving to the next instance each time and backing off
// between attempts. Every attempt's outcome is reported to the
// monitor, and the loop stops as soon as an attempt yields a
// definitive answer, the retry budget is used up, the monitor vetoes
// further attempts, or ctx expires.
//
// A definitive response, including a client error, is returned as-is
// with a nil error. When the attempts are exhausted on transient
// statuses, the last response is returned; the caller can tell by its
// status code. Transport-level exhaustion returns the last error.
func (e *Executor) Do(ctx context.Context, targets []string, fn AttemptFunc) (*http.Response, error) {
	if len(targets) == 0 {
		return nil, errors.New("retry: no targets")
	}

	var lastResp *http.Response
	var lastErr error

	for attempt := 0; attempt <= e.policy.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if attempt > 0 {
			if !e.monitor.Proceed() {
				break
			}
			retriesTotal.WithLabelValues(e.service).Inc()
			if err := sleep(ctx, e.policy.Backoff(attempt)); err != nil {
				return nil, err
			}
		}

		target := targets[attempt%len(targets)]
		resp, err := fn(ctx, target)
		if resp != nil {
			e.monitor.Observe(resp.StatusCode, err)
		} else {
			e.monitor.Observe(0, err)
		}

		switch {
		case err != nil:
			if !RetryableError(err) {
				return nil, err
			}
			lastErr = err
			lastResp = nil
		case RetryableStatus(resp.StatusCode):
			if lastResp != nil {
				discard(lastResp)
			}
			lastResp = resp
			lastErr = nil
		default:
			if lastResp != nil {
				discard(lastResp)
			}
			return resp, nil
		}
	}

	if lastResp != nil {
		return lastResp, nil
	}
	return nil, lastErr
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func discard(resp *http.Response) {
	if resp.Body == nil {
		return
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	_ = resp.Body.Close()
}
