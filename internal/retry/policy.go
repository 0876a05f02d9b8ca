// Package retry re-issues failed backend requests across service
// instances with exponential backoff, inside the caller's deadline.
package retry

import (
	"time"

	"github.com/finsight/gateway/internal/config"
)

const (
	defaultInitialBackoff = 50 * time.Millisecond
	defaultMaxBackoff     = 2 * time.Second
	defaultJitterFactor   = 0.2
)

// Policy bounds a retry loop. MaxRetries counts retries after the first
// attempt, so a request makes at most MaxRetries+1 attempts.
type Policy struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	JitterFactor   float64
}

// PolicyFromConfig merges the configured retry settings with the
// per-service retry count.
func PolicyFromConfig(cfg config.RetryConfig, maxRetries int) Policy {
	p := Policy{
		MaxRetries:     maxRetries,
		InitialBackoff: cfg.InitialBackoff.Duration(),
		MaxBackoff:     cfg.MaxBackoff.Duration(),
		JitterFactor:   cfg.JitterFactor,
	}
	p.normalize()
	return p
}

func (p *Policy) normalize() {
	if p.MaxRetries < 0 {
		p.MaxRetries = 0
	}
	if p.InitialBackoff <= 0 {
		p.InitialBackoff = defaultInitialBackoff
	}
	if p.MaxBackoff <= 0 {
		p.MaxBackoff = defaultMaxBackoff
	}
	if p.JitterFactor < 0 || p.JitterFactor >= 1 {
		p.JitterFactor = defaultJitterFactor
	}
}
