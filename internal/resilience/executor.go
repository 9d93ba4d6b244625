package resilience

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"
)

var ErrNilOperation = errors.New("resilience: operation callback is nil")

// Class tells the executor whether to try again and whether the failure
// counts against the breaker.
type Class struct {
	Retryable     bool
	RecordFailure bool
}

type Classifier func(err error) Class

// Executor runs operations with bounded retries behind one circuit breaker
// per operation name.
type Executor struct {
	policy Policy
	logger *slog.Logger
	sleep  func(ctx context.Context, d time.Duration) error

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker[struct{}]
}

func NewExecutor(policy Policy, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		policy:   policy.normalize(),
		logger:   logger,
		sleep:    sleepCtx,
		breakers: make(map[string]*gobreaker.CircuitBreaker[struct{}]),
	}
}

func (e *Executor) Policy() Policy {
	return e.policy
}

// Execute returns the last error from fn once retries are exhausted, the
// classifier marks it non-retryable, or ctx ends.
func (e *Executor) Execute(ctx context.Context, operation string, fn func(context.Context) error, classify Classifier) error {
	if fn == nil {
		return ErrNilOperation
	}
	op := strings.TrimSpace(operation)
	if op == "" {
		op = "unknown"
	}
	if classify == nil {
		classify = neverRetry
	}

	if !e.policy.BreakerEnabled {
		return e.retry(ctx, op, fn, classify)
	}

	_, err := e.breaker(op, classify).Execute(func() (struct{}, error) {
		return struct{}{}, e.retry(ctx, op, fn, classify)
	})
	return err
}

func (e *Executor) retry(ctx context.Context, op string, fn func(context.Context) error, classify Classifier) error {
	backoff := e.policy.InitialBackoff

	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}
		if !classify(err).Retryable || attempt >= e.policy.MaxAttempts {
			return err
		}

		wait := min(backoff, e.policy.MaxBackoff)
		e.logger.Warn("retrying operation",
			"operation", op,
			"attempt", attempt,
			"max_attempts", e.policy.MaxAttempts,
			"backoff_ms", wait.Milliseconds(),
			"error", err,
		)
		if e.sleep(ctx, wait) != nil {
			return err
		}
		backoff = min(time.Duration(float64(backoff)*e.policy.Multiplier), e.policy.MaxBackoff)
	}
}

func (e *Executor) breaker(op string, classify Classifier) *gobreaker.CircuitBreaker[struct{}] {
	e.mu.Lock()
	defer e.mu.Unlock()

	if cb, ok := e.breakers[op]; ok {
		return cb
	}

	cb := gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        op,
		MaxRequests: e.policy.BreakerProbeCalls,
		Timeout:     e.policy.BreakerOpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < e.policy.BreakerMinRequests {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= e.policy.BreakerFailureRatio
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !classify(err).RecordFailure
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			e.logger.Warn("circuit breaker state change", "operation", name, "from", from.String(), "to", to.String())
		},
	})
	e.breakers[op] = cb
	return cb
}

func IsCircuitOpen(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}

func neverRetry(error) Class {
	return Class{RecordFailure: true}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
