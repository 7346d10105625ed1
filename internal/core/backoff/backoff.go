// Package backoff computes retry delays. Pure functions of the attempt
// count; no clock, no state.
package backoff

import (
	"crypto/rand"
	"math/big"
	"time"
)

// Policy is an exponential backoff curve with a ceiling and ±jitter
type Policy struct {
	Base   time.Duration // delay for attempt 0
	Max    time.Duration // ceiling for the exponential term
	Jitter float64       // fraction of the delay to randomize, e.g. 0.1 for ±10%
}

// Default matches the job retry schedule: 30s, 60s, 120s ... capped at 30m
func Default() Policy {
	return Policy{Base: 30 * time.Second, Max: 30 * time.Minute, Jitter: 0.1}
}

// Delay returns min(Max, Base·2^n) with jitter applied. n is the number
// of retries already consumed when the failure happened, so the first
// retry waits Base, the second 2·Base, and so on.
func (p Policy) Delay(n int) time.Duration {
	if p.Base <= 0 {
		p.Base = 30 * time.Second
	}
	if p.Max <= 0 {
		p.Max = 30 * time.Minute
	}
	if n < 0 {
		n = 0
	}

	d := p.Base
	for i := 0; i < n; i++ {
		d *= 2
		if d >= p.Max {
			d = p.Max
			break
		}
	}

	if p.Jitter > 0 {
		d = jitter(d, p.Jitter)
	}
	if d < 0 {
		d = 0
	}
	return d
}

// jitter spreads d by ±frac; crypto/rand needs no seeding
func jitter(d time.Duration, frac float64) time.Duration {
	limit := new(big.Int).Lsh(big.NewInt(1), 53) // 2^53
	n, err := rand.Int(rand.Reader, limit)
	f := 0.5
	if err == nil {
		f = float64(n.Int64()) / float64(1<<53) // [0,1)
	}
	offset := (f - 0.5) * 2 * frac // [-frac, +frac)
	return time.Duration(float64(d) * (1 + offset))
}
