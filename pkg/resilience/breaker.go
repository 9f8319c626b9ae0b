// Package resilience wraps model calls with per-model circuit breakers and
// a bounded retry schedule. Callers classify outcomes through the fault
// package; client mistakes never trip a breaker.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/sony/gobreaker"

	"github.com/ruleiq/orchestrator/pkg/config"
	"github.com/ruleiq/orchestrator/pkg/fault"
)

// ErrRejected is returned when a breaker refuses a call outright, either
// because it is open or because the half-open probe quota is exhausted.
// The model selector treats it as "skip this model".
var ErrRejected = errors.New("circuit breaker rejected call")

// TransitionFunc receives breaker state changes. States are the gobreaker
// names: "closed", "half-open", "open".
type TransitionFunc func(name, from, to string)

// Breaker guards calls against a single upstream model.
type Breaker struct {
	name string
	cb   *gobreaker.TwoStepCircuitBreaker
}

// Name returns the guarded model id.
func (b *Breaker) Name() string { return b.name }

// State returns the current breaker state name.
func (b *Breaker) State() string { return b.cb.State().String() }

// Allow reserves one call slot. On success it returns a done callback that
// must be invoked exactly once with the call outcome; use it for streaming
// calls whose outcome is known only after the last chunk.
func (b *Breaker) Allow() (func(success bool), error) {
	done, err := b.cb.Allow()
	if err != nil {
		return nil, fmt.Errorf("%w: model %s: %v", ErrRejected, b.name, err)
	}
	return done, nil
}

// Do runs op under the breaker and records the classified outcome.
func (b *Breaker) Do(ctx context.Context, op func(context.Context) error) error {
	done, err := b.Allow()
	if err != nil {
		return err
	}
	err = op(ctx)
	done(!CountsAsFailure(err))
	return err
}

// BreakerSet lazily creates one breaker per model, all sharing the same
// thresholds.
type BreakerSet struct {
	mu       sync.Mutex
	breakers map[string]*Breaker
	cfg      config.CircuitConfig
	onChange TransitionFunc
}

// NewBreakerSet creates an empty set. onChange may be nil.
func NewBreakerSet(cfg config.CircuitConfig, onChange TransitionFunc) *BreakerSet {
	return &BreakerSet{
		breakers: make(map[string]*Breaker),
		cfg:      cfg,
		onChange: onChange,
	}
}

// For returns the breaker guarding name, creating it on first use.
func (s *BreakerSet) For(name string) *Breaker {
	s.mu.Lock()
	defer s.mu.Unlock()

	if b, ok := s.breakers[name]; ok {
		return b
	}

	b := &Breaker{
		name: name,
		cb: gobreaker.NewTwoStepCircuitBreaker(gobreaker.Settings{
			Name: name,
			// In half-open, this many consecutive successes close the
			// breaker; the same value caps concurrent probes.
			MaxRequests: s.cfg.SuccessThreshold,
			Timeout:     s.cfg.RecoveryTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= s.cfg.FailureThreshold
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				slog.Warn("Circuit breaker state changed",
					"model", name,
					"from", from.String(),
					"to", to.String())
				if s.onChange != nil {
					s.onChange(name, from.String(), to.String())
				}
			},
		}),
	}
	s.breakers[name] = b
	return b
}

// States snapshots the current state of every breaker created so far.
func (s *BreakerSet) States() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()

	states := make(map[string]string, len(s.breakers))
	for name, b := range s.breakers {
		states[name] = b.State()
	}
	return states
}

// CountsAsFailure reports whether err should count toward a breaker's
// failure threshold. Caller mistakes and cancellations say nothing about
// upstream health.
func CountsAsFailure(err error) bool {
	if err == nil {
		return false
	}
	switch fault.KindOf(err) {
	case fault.KindInvalidInput,
		fault.KindUnauthorized,
		fault.KindNotFound,
		fault.KindSchemaViolation,
		fault.KindBudgetExceeded,
		fault.KindCancelled:
		return false
	}
	return true
}
