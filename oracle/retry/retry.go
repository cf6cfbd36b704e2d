package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/GPTx-global/inferd/oracle/log"
)

// Config describes an exponential retry schedule. The delay before attempt n+1
// is BaseDelay * Multiplier^(n-1), capped at MaxDelay.
type Config struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
}

// ConnectorConfig is the policy every ledger read and write goes through:
// three attempts, waiting 1s then 2s.
func ConnectorConfig() *Config {
	return &Config{
		MaxAttempts: 3,
		BaseDelay:   1 * time.Second,
		MaxDelay:    30 * time.Second,
		Multiplier:  2.0,
	}
}

// JobConfig is the requeue policy for failed pipeline jobs.
func JobConfig(maxAttempts int, base time.Duration) *Config {
	return &Config{
		MaxAttempts: maxAttempts,
		BaseDelay:   base,
		MaxDelay:    10 * time.Minute,
		Multiplier:  2.0,
	}
}

// Backoff returns the delay to wait after the given (1-based) failed attempt.
func (c *Config) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(c.BaseDelay) * math.Pow(c.Multiplier, float64(attempt-1))
	if c.MaxDelay > 0 && delay > float64(c.MaxDelay) {
		delay = float64(c.MaxDelay)
	}
	return time.Duration(delay)
}

func (c *Config) exponential() *backoff.ExponentialBackOff {
	maxDelay := c.MaxDelay
	if maxDelay <= 0 {
		maxDelay = time.Duration(math.MaxInt64)
	}
	return &backoff.ExponentialBackOff{
		InitialInterval:     c.BaseDelay,
		RandomizationFactor: 0,
		Multiplier:          c.Multiplier,
		MaxInterval:         maxDelay,
	}
}

// IsRetryable decides whether a failed attempt is worth repeating.
type IsRetryable func(error) bool

// Always treats every error as transient.
func Always(error) bool { return true }

// Permanent marks err so that Do stops immediately and returns it.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return backoff.Permanent(err)
}

// Do runs fn until it succeeds, returns a non-retryable error, or MaxAttempts
// is reached. The last error is returned wrapped.
func Do[T any](ctx context.Context, cfg *Config, name string, fn func(context.Context) (T, error), isRetryable IsRetryable) (T, error) {
	if isRetryable == nil {
		isRetryable = Always
	}

	attempt := 0
	permanent := false
	res, err := backoff.Retry(
		ctx,
		func() (T, error) {
			attempt++
			v, err := fn(ctx)
			var perm *backoff.PermanentError
			if errors.As(err, &perm) {
				permanent = true
				return v, err
			}
			if err != nil && !isRetryable(err) {
				permanent = true
				return v, backoff.Permanent(err)
			}
			return v, err
		},
		backoff.WithBackOff(cfg.exponential()),
		backoff.WithMaxTries(uint(cfg.MaxAttempts)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, d time.Duration) {
			log.Debugf("%s attempt %d/%d failed: %v - retrying after %v", name, attempt, cfg.MaxAttempts, err, d)
		}),
	)
	if err == nil {
		return res, nil
	}
	if permanent {
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			err = perm.Unwrap()
		}
		return res, err
	}
	if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		return res, err
	}
	if attempt >= cfg.MaxAttempts {
		return res, fmt.Errorf("%s: all %d attempts failed: %w", name, cfg.MaxAttempts, err)
	}
	return res, err
}

// DoNoReturn is Do for operations without a result.
func DoNoReturn(ctx context.Context, cfg *Config, name string, fn func(context.Context) error, isRetryable IsRetryable) error {
	_, err := Do(ctx, cfg, name, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	}, isRetryable)
	return err
}

var ErrCircuitOpen = errors.New("circuit breaker is open")

type CircuitState int

const (
	StateClosed CircuitState = iota
	StateOpen
	StateHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreaker stops calling an endpoint after maxFailures consecutive
// failures until resetTimeout has passed.
type CircuitBreaker struct {
	name         string
	maxFailures  int
	resetTimeout time.Duration

	mu           sync.Mutex
	failures     int
	lastFailTime time.Time
	state        CircuitState
}

func NewCircuitBreaker(name string, maxFailures int, resetTimeout time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		name:         name,
		maxFailures:  maxFailures,
		resetTimeout: resetTimeout,
		state:        StateClosed,
	}
}

// Allow reports whether a call may go through, moving an expired open
// circuit to half-open.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state != StateOpen {
		return true
	}
	if time.Since(cb.lastFailTime) > cb.resetTimeout {
		cb.state = StateHalfOpen
		log.Debugf("circuit %s: open -> half-open", cb.name)
		return true
	}
	return false
}

// Record updates the breaker with the outcome of a call.
func (cb *CircuitBreaker) Record(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if err != nil {
		cb.failures++
		cb.lastFailTime = time.Now()
		if cb.state == StateHalfOpen || cb.failures >= cb.maxFailures {
			if cb.state != StateOpen {
				log.Warnf("circuit %s: -> open after %d failures: %v", cb.name, cb.failures, err)
			}
			cb.state = StateOpen
		}
		return
	}

	if cb.state == StateHalfOpen {
		log.Infof("circuit %s: half-open -> closed", cb.name)
	}
	cb.state = StateClosed
	cb.failures = 0
}

// Execute runs fn through the breaker.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	if !cb.Allow() {
		return ErrCircuitOpen
	}
	err := fn()
	cb.Record(err)
	return err
}

func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}
