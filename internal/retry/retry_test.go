package retry

import (
	"context"
	"io"
	"net"
	"net/http"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastPolicy(maxRetries int) Policy {
	return Policy{
		MaxRetries:     maxRetries,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
	}
}

func response(status int) *http.Response {
	return &http.Response{
		StatusCode: status,
		Body:       io.NopCloser(strings.NewReader("body")),
	}
}

func TestDo_SuccessFirstAttempt(t *testing.T) {
	e := NewExecutor("news", fastPolicy(3))

	calls := 0
	resp, err := e.Do(context.Background(), []string{"a"}, func(_ context.Context, target string) (*http.Response, error) {
		calls++
		return response(200), nil
	})
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, 1, calls)
}

func TestDo_RotatesInstances(t *testing.T) {
	e := NewExecutor("news", fastPolicy(3))

	var seen []string
	resp, err := e.Do(context.Background(), []string{"a", "b"}, func(_ context.Context, target string) (*http.Response, error) {
		seen = append(seen, target)
		if len(seen) < 3 {
			return response(503), nil
		}
		return response(200), nil
	})
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, []string{"a", "b", "a"}, seen)
}

func TestDo_ClientErrorIsDefinitive(t *testing.T) {
	e := NewExecutor("news", fastPolicy(3))

	calls := 0
	resp, err := e.Do(context.Background(), []string{"a", "b"}, func(_ context.Context, _ string) (*http.Response, error) {
		calls++
		return response(404), nil
	})
	require.NoError(t, err)
	assert.Equal(t, 404, resp.StatusCode)
	assert.Equal(t, 1, calls)
}

func TestDo_ExhaustsRetriesOnServerError(t *testing.T) {
	e := NewExecutor("news", fastPolicy(2))

	calls := 0
	resp, err := e.Do(context.Background(), []string{"a"}, func(_ context.Context, _ string) (*http.Response, error) {
		calls++
		return response(500), nil
	})
	require.NoError(t, err)
	assert.Equal(t, 500, resp.StatusCode)
	assert.Equal(t, 3, calls)
}

func TestDo_TransportErrorExhaustion(t *testing.T) {
	e := NewExecutor("news", fastPolicy(1))

	resp, err := e.Do(context.Background(), []string{"a"}, func(_ context.Context, _ string) (*http.Response, error) {
		return nil, &net.OpError{Op: "dial", Err: syscall.ECONNREFUSED}
	})
	assert.Nil(t, resp)
	assert.ErrorIs(t, err, syscall.ECONNREFUSED)
}

func TestDo_ContextBudget(t *testing.T) {
	e := NewExecutor("news", Policy{MaxRetries: 10, InitialBackoff: 50 * time.Millisecond, MaxBackoff: time.Second})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err := e.Do(ctx, []string{"a"}, func(_ context.Context, _ string) (*http.Response, error) {
		return response(503), nil
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestDo_CanceledContextNotRetried(t *testing.T) {
	e := NewExecutor("news", fastPolicy(5))

	calls := 0
	_, err := e.Do(context.Background(), []string{"a"}, func(_ context.Context, _ string) (*http.Response, error) {
		calls++
		return nil, context.Canceled
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

type recordingMonitor struct {
	statuses []int
	errs     []error
	budget   int
}

func (m *recordingMonitor) Observe(status int, err error) {
	m.statuses = append(m.statuses, status)
	m.errs = append(m.errs, err)
}

func (m *recordingMonitor) Proceed() bool {
	return len(m.statuses) < m.budget
}

func TestDo_MonitorSeesEveryAttempt(t *testing.T) {
	mon := &recordingMonitor{budget: 10}
	e := NewExecutor("news", fastPolicy(3), WithMonitor(mon))

	calls := 0
	resp, err := e.Do(context.Background(), []string{"a"}, func(_ context.Context, _ string) (*http.Response, error) {
		calls++
		switch calls {
		case 1:
			return response(503), nil
		case 2:
			return nil, io.EOF
		default:
			return response(200), nil
		}
	})
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, []int{503, 0, 200}, mon.statuses)
	require.Len(t, mon.errs, 3)
	assert.NoError(t, mon.errs[0])
	assert.ErrorIs(t, mon.errs[1], io.EOF)
	assert.NoError(t, mon.errs[2])
}

func TestDo_MonitorVetoStopsRetries(t *testing.T) {
	mon := &recordingMonitor{budget: 2}
	e := NewExecutor("news", fastPolicy(10), WithMonitor(mon))

	calls := 0
	resp, err := e.Do(context.Background(), []string{"a"}, func(_ context.Context, _ string) (*http.Response, error) {
		calls++
		return response(500), nil
	})
	require.NoError(t, err)
	assert.Equal(t, 500, resp.StatusCode)
	assert.Equal(t, 2, calls)
}

func TestBackoff_GrowsAndCaps(t *testing.T) {
	p := Policy{InitialBackoff: 10 * time.Millisecond, MaxBackoff: 50 * time.Millisecond}
	p.normalize()
	p.JitterFactor = 0

	assert.Equal(t, 10*time.Millisecond, p.Backoff(1))
	assert.Equal(t, 20*time.Millisecond, p.Backoff(2))
	assert.Equal(t, 40*time.Millisecond, p.Backoff(3))
	assert.Equal(t, 50*time.Millisecond, p.Backoff(4))
	assert.Equal(t, 50*time.Millisecond, p.Backoff(10))
}

func TestBackoff_JitterStaysBounded(t *testing.T) {
	p := Policy{InitialBackoff: 100 * time.Millisecond, MaxBackoff: time.Second, JitterFactor: 0.2}

	for i := 0; i < 100; i++ {
		d := p.Backoff(1)
		assert.GreaterOrEqual(t, d, 90*time.Millisecond)
		assert.LessOrEqual(t, d, 110*time.Millisecond)
	}
}

func TestRetryableStatus(t *testing.T) {
	assert.True(t, RetryableStatus(500))
	assert.True(t, RetryableStatus(502))
	assert.True(t, RetryableStatus(503))
	assert.True(t, RetryableStatus(504))
	assert.False(t, RetryableStatus(200))
	assert.False(t, RetryableStatus(400))
	assert.False(t, RetryableStatus(404))
	assert.False(t, RetryableStatus(429))
}

func TestRetryableError(t *testing.T) {
	assert.False(t, RetryableError(nil))
	assert.False(t, RetryableError(context.Canceled))
	assert.False(t, RetryableError(context.DeadlineExceeded))
	assert.True(t, RetryableError(io.EOF))
	assert.True(t, RetryableError(&net.OpError{Op: "dial", Err: syscall.ECONNREFUSED}))
	assert.True(t, RetryableError(syscall.ECONNRESET))
}
