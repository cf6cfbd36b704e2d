package health

import (
	"context"
	"sync"
	"time"

	"github.com/GPTx-global/inferd/oracle/log"
)

type Check interface {
	Check(ctx context.Context) error
	Name() string
}

// CheckFunc adapts a function to Check.
type CheckFunc struct {
	name string
	fn   func(ctx context.Context) error
}

func NewCheck(name string, fn func(ctx context.Context) error) *CheckFunc {
	return &CheckFunc{name: name, fn: fn}
}

func (c *CheckFunc) Check(ctx context.Context) error { return c.fn(ctx) }
func (c *CheckFunc) Name() string                    { return c.name }

type Status struct {
	Healthy   bool      `json:"healthy"`
	LastCheck time.Time `json:"lastCheck"`
	LastError string    `json:"lastError,omitempty"`
}

// Checker runs every registered check on an interval and keeps the latest result.
type Checker struct {
	mu       sync.RWMutex
	checks   map[string]Check
	status   map[string]Status
	interval time.Duration
	timeout  time.Duration
}

const DefaultInterval = 30 * time.Second

// NewChecker falls back to DefaultInterval for a non-positive interval.
func NewChecker(interval time.Duration) *Checker {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Checker{
		checks:   make(map[string]Check),
		status:   make(map[string]Status),
		interval: interval,
		timeout:  10 * time.Second,
	}
}

func (c *Checker) Add(check Check) {
	c.mu.Lock()
	defer c.mu.Unlock()

	name := check.Name()
	c.checks[name] = check
	c.status[name] = Status{Healthy: true, LastCheck: time.Now()}
	log.Debugf("health check registered: %s", name)
}

// Start blocks until ctx is done.
func (c *Checker) Start(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.RunOnce(ctx)
	for {
		select {
		case <-ticker.C:
			c.RunOnce(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// RunOnce runs all checks concurrently and waits for them.
func (c *Checker) RunOnce(ctx context.Context) {
	c.mu.RLock()
	checks := make([]Check, 0, len(c.checks))
	for _, check := range c.checks {
		checks = append(checks, check)
	}
	c.mu.RUnlock()

	var wg sync.WaitGroup
	for _, check := range checks {
		wg.Add(1)
		go func(check Check) {
			defer wg.Done()

			cctx, cancel := context.WithTimeout(ctx, c.timeout)
			err := check.Check(cctx)
			cancel()

			st := Status{Healthy: err == nil, LastCheck: time.Now()}
			if err != nil {
				st.LastError = err.Error()
				log.Warnf("health check %s failed: %v", check.Name(), err)
			}

			c.mu.Lock()
			c.status[check.Name()] = st
			c.mu.Unlock()
		}(check)
	}
	wg.Wait()
}

func (c *Checker) Status() map[string]Status {
	c.mu.RLock()
	defer c.mu.RUnlock()

	result := make(map[string]Status, len(c.status))
	for name, st := range c.status {
		result[name] = st
	}
	return result
}

func (c *Checker) IsHealthy() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for _, st := range c.status {
		if !st.Healthy {
			return false
		}
	}
	return true
}
