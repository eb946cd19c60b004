package circuitbreaker

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker"

	"mailtrail/internal/config"
	pkgerrors "mailtrail/pkg/errors"
	"mailtrail/pkg/metrics"
)

// ErrOpen is returned when the breaker rejects a call without running it.
var ErrOpen = gobreaker.ErrOpenState

type Config struct {
	Name          string
	MaxRequests   uint32
	Interval      time.Duration
	Timeout       time.Duration
	ReadyToTrip   func(counts gobreaker.Counts) bool
	IsSuccessful  func(err error) bool
	OnStateChange func(name string, from, to gobreaker.State)
}

// DefaultConfig trips after three requests with half of them failing and
// probes again after a minute.
func DefaultConfig(name string) Config {
	return Config{
		Name:        name,
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     60 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 3 && failureRatio >= 0.5
		},
	}
}

// FromConfig builds a breaker configuration from the service settings,
// falling back to DefaultConfig for zero values.
func FromConfig(name string, cfg config.CircuitBreakerConfig) Config {
	c := DefaultConfig(name)
	if cfg.MaxRequests > 0 {
		c.MaxRequests = cfg.MaxRequests
	}
	if cfg.Interval > 0 {
		c.Interval = cfg.Interval
	}
	if cfg.Timeout > 0 {
		c.Timeout = cfg.Timeout
	}

	minRequests := uint32(3)
	if cfg.MinRequests > 0 {
		minRequests = cfg.MinRequests
	}
	failureRatio := 0.5
	if cfg.FailureRatio > 0 {
		failureRatio = cfg.FailureRatio
	}
	c.ReadyToTrip = func(counts gobreaker.Counts) bool {
		if counts.Requests < minRequests {
			return false
		}
		return float64(counts.TotalFailures)/float64(counts.Requests) >= failureRatio
	}
	return c
}

// Wrapper guards one downstream dependency with a gobreaker breaker and
// keeps its Prometheus series current.
type Wrapper struct {
	cb        *gobreaker.CircuitBreaker
	succeeded func(err error) bool
}

func NewWrapper(cfg Config) *Wrapper {
	settings := gobreaker.Settings{
		Name:         cfg.Name,
		MaxRequests:  cfg.MaxRequests,
		Interval:     cfg.Interval,
		Timeout:      cfg.Timeout,
		ReadyToTrip:  cfg.ReadyToTrip,
		IsSuccessful: cfg.IsSuccessful,
	}
	settings.OnStateChange = func(name string, from, to gobreaker.State) {
		setStateMetric(name, to)
		if cfg.OnStateChange != nil {
			cfg.OnStateChange(name, from, to)
		}
	}

	succeeded := cfg.IsSuccessful
	if succeeded == nil {
		succeeded = func(err error) bool { return err == nil }
	}

	cb := gobreaker.NewCircuitBreaker(settings)
	setStateMetric(cfg.Name, cb.State())
	return &Wrapper{cb: cb, succeeded: succeeded}
}

// Do runs fn through w unless ctx is already done. A call rejected by an
// open or saturated breaker returns a retryable ErrServiceUnavailable that
// still matches ErrOpen; errors from fn are returned unchanged.
func Do[T any](ctx context.Context, w *Wrapper, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if err := ctx.Err(); err != nil {
		return zero, err
	}

	result, err := w.cb.Execute(func() (interface{}, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return fn(ctx)
	})
	w.record(err)

	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return zero, pkgerrors.ErrServiceUnavailable.WithCause(err).
				WithDetail("message", w.Name()+" circuit breaker is open").
				AsRetryable()
		}
		return zero, err
	}
	v, _ := result.(T)
	return v, nil
}

func (w *Wrapper) State() gobreaker.State {
	return w.cb.State()
}

func (w *Wrapper) Name() string {
	return w.cb.Name()
}

func (w *Wrapper) IsOpen() bool {
	return w.cb.State() == gobreaker.StateOpen
}

func (w *Wrapper) record(err error) {
	metrics.CircuitBreakerRequests.WithLabelValues(w.cb.Name(), w.cb.State().String()).Inc()
	if !w.succeeded(err) {
		metrics.CircuitBreakerFailures.WithLabelValues(w.cb.Name()).Inc()
	}
}

func setStateMetric(name string, state gobreaker.State) {
	var v float64
	switch state {
	case gobreaker.StateHalfOpen:
		v = 1
	case gobreaker.StateOpen:
		v = 2
	}
	metrics.CircuitBreakerState.WithLabelValues(name).Set(v)
}
