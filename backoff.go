package chatsync

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// BackoffPolicy describes a retry schedule. Retry n (0-based) waits
// Base * Multiplier^n, capped by Max and spread by +/- Jitter. After
// MaxAttempts retries the schedule stops.
type BackoffPolicy struct {
	Base        time.Duration
	Multiplier  float64
	Max         time.Duration
	MaxAttempts int
	Jitter      float64
}

// DefaultBackoff is used when a zero policy is configured.
var DefaultBackoff = BackoffPolicy{
	Base:        time.Second,
	Multiplier:  1.5,
	Max:         30 * time.Second,
	MaxAttempts: 3,
}

func (p *BackoffPolicy) defaults() {
	if p.Base <= 0 {
		p.Base = DefaultBackoff.Base
	}
	if p.Multiplier < 1 {
		p.Multiplier = DefaultBackoff.Multiplier
	}
	if p.Max <= 0 {
		p.Max = DefaultBackoff.Max
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultBackoff.MaxAttempts
	}
	if p.Jitter < 0 || p.Jitter >= 1 {
		p.Jitter = 0
	}
}

// NewBackOff returns a fresh schedule for the policy. NextBackOff yields
// backoff.Stop once MaxAttempts retries were handed out; Reset starts over.
func (p BackoffPolicy) NewBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.Base
	b.Multiplier = p.Multiplier
	b.MaxInterval = p.Max
	b.RandomizationFactor = p.Jitter
	b.MaxElapsedTime = 0
	b.Reset()
	return backoff.WithMaxRetries(b, uint64(p.MaxAttempts))
}
