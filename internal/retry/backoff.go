package retry

import (
	"math/rand"
	"time"
)

// Backoff returns the delay before retry number attempt (1-based). The
// delay doubles each attempt, is capped at MaxBackoff, and carries
// random jitter so synchronized clients do not retry in lockstep.
func (p Policy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	d := p.InitialBackoff
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= p.MaxBackoff {
			d = p.MaxBackoff
			break
		}
	}
	if d > p.MaxBackoff {
		d = p.MaxBackoff
	}

	if p.JitterFactor > 0 {
		spread := p.JitterFactor * float64(d)
		d = time.Duration(float64(d) - spread/2 + rand.Float64()*spread)
	}
	if d < 0 {
		d = 0
	}
	return d
}
