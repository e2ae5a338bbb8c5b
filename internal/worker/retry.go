package worker

import (
	"math/rand"
	"time"
)

// RetryPolicy computes redelivery delays independent of any particular
// broker, so retry behavior is testable and portable. The delay itself is
// carried by the retry queue's per-message TTL.
type RetryPolicy struct {
	Base   time.Duration
	Max    time.Duration
	Jitter float64 // fraction of the delay added randomly, 0..1
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Base:   5 * time.Second,
		Max:    5 * time.Minute,
		Jitter: 0.2,
	}
}

// Delay returns the backoff before the given attempt number (1-based):
// exponential from Base, capped at Max, plus jitter so synchronized
// failures don't thunder back in together.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := p.Base
	if base <= 0 {
		base = time.Second
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if p.Max > 0 && d >= p.Max {
			d = p.Max
			break
		}
	}
	if p.Max > 0 && d > p.Max {
		d = p.Max
	}
	if p.Jitter > 0 {
		d += time.Duration(rand.Float64() * p.Jitter * float64(d))
	}
	return d
}
