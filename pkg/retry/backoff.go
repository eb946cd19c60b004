package retry

import (
	"math"
	"time"

	"github.com/cenkalti/backoff/v4"

	"mailtrail/internal/config"
)

// Policy bounds a retry loop. Zero MaxElapsedTime leaves the loop bounded
// by MaxAttempts alone.
type Policy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	MaxElapsedTime  time.Duration
}

func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:     3,
		InitialInterval: time.Second,
		MaxInterval:     30 * time.Second,
		Multiplier:      2.0,
		MaxElapsedTime:  5 * time.Minute,
	}
}

// PolicyFrom copies a retry config block. Unset fields stay zero; fill them
// with WithDefaults.
func PolicyFrom(cfg config.RetryConfig) Policy {
	return Policy{
		MaxAttempts:     cfg.MaxAttempts,
		InitialInterval: cfg.InitialInterval,
		MaxInterval:     cfg.MaxInterval,
		Multiplier:      cfg.Multiplier,
		MaxElapsedTime:  cfg.MaxElapsedTime,
	}
}

// WithDefaults fills every unset field of p from d except MaxElapsedTime,
// where zero means unbounded.
func (p Policy) WithDefaults(d Policy) Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = d.MaxAttempts
	}
	if p.InitialInterval <= 0 {
		p.InitialInterval = d.InitialInterval
	}
	if p.MaxInterval <= 0 {
		p.MaxInterval = d.MaxInterval
	}
	if p.Multiplier <= 0 {
		p.Multiplier = d.Multiplier
	}
	return p
}

// backOff is the jittered exponential schedule of p, bounded by attempts
// and ctx in RetryWithCallback.
func (p Policy) backOff() backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = p.InitialInterval
	exp.MaxInterval = p.MaxInterval
	exp.Multiplier = p.Multiplier
	exp.MaxElapsedTime = p.MaxElapsedTime
	exp.Reset()
	return exp
}

// delay is the nominal wait after attempt, before jitter.
func (p Policy) delay(attempt int) time.Duration {
	d := float64(p.InitialInterval) * math.Pow(p.Multiplier, float64(attempt-1))
	if d > float64(p.MaxInterval) {
		return p.MaxInterval
	}
	return time.Duration(d)
}
