// Package resilience wraps sony/gobreaker with the service's logging and
// metrics so both provider clients trip and report the same way.
package resilience

import (
	"errors"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/cwaj400/monday-mailchimp-sync-sub000/internal/logging"
	"github.com/cwaj400/monday-mailchimp-sync-sub000/internal/metrics"
)

// BreakerSettings tunes a breaker. Zero values fall back to the defaults
// used for the provider APIs.
type BreakerSettings struct {
	Name string
	// Interval resets counts while closed.
	Interval time.Duration
	// Timeout is how long the breaker stays open before probing.
	Timeout time.Duration
	// MinRequests and FailureRatio decide when to open.
	MinRequests  uint32
	FailureRatio float64
	// IsSuccessful classifies errors that must not count against the
	// upstream, e.g. validation errors caused by our own payload.
	IsSuccessful func(err error) bool
}

// NewBreaker builds a circuit breaker for results of type T.
func NewBreaker[T any](s BreakerSettings) *gobreaker.CircuitBreaker[T] {
	if s.Interval == 0 {
		s.Interval = time.Minute
	}
	if s.Timeout == 0 {
		s.Timeout = 30 * time.Second
	}
	if s.MinRequests == 0 {
		s.MinRequests = 10
	}
	if s.FailureRatio == 0 {
		s.FailureRatio = 0.6
	}

	metrics.CircuitBreakerState.WithLabelValues(s.Name).Set(0)

	return gobreaker.NewCircuitBreaker[T](gobreaker.Settings{
		Name:        s.Name,
		MaxRequests: 3,
		Interval:    s.Interval,
		Timeout:     s.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < s.MinRequests {
				return false
			}
			ratio := float64(counts.TotalFailures) / float64(counts.Requests)
			return ratio >= s.FailureRatio
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("circuit breaker state change")
			metrics.CircuitBreakerState.WithLabelValues(name).Set(stateValue(to))
		},
		IsSuccessful: s.IsSuccessful,
	})
}

// IsOpen reports whether err was produced by a breaker refusing the call.
func IsOpen(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}

func stateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return -1
	}
}
