package health

import (
	"context"
	"sync"
	"time"

	"github.com/sourcegraph/conc"
)

// DefaultTimeout bounds a full CheckAll when AggregatorConfig leaves it unset.
const DefaultTimeout = 5 * time.Second

// AggregatorConfig configures the health aggregator.
type AggregatorConfig struct {
	// Timeout is the deadline shared by every check in one CheckAll.
	Timeout time.Duration
}

// Aggregator runs registered checkers and folds their results.
type Aggregator struct {
	timeout  time.Duration
	mu       sync.RWMutex
	checkers []Checker
}

// NewAggregator creates an empty aggregator.
func NewAggregator(config AggregatorConfig) *Aggregator {
	if config.Timeout <= 0 {
		config.Timeout = DefaultTimeout
	}
	return &Aggregator{timeout: config.Timeout}
}

// Register adds a checker, replacing any checker with the same name.
func (a *Aggregator) Register(c Checker) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for i, existing := range a.checkers {
		if existing.Name() == c.Name() {
			a.checkers[i] = c
			return
		}
	}
	a.checkers = append(a.checkers, c)
}

// Check runs the named checker alone.
func (a *Aggregator) Check(ctx context.Context, name string) (Result, error) {
	a.mu.RLock()
	var found Checker
	for _, c := range a.checkers {
		if c.Name() == name {
			found = c
			break
		}
	}
	a.mu.RUnlock()

	if found == nil {
		return Result{}, ErrCheckerNotFound
	}

	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()
	return run(ctx, found), nil
}

// CheckAll runs every checker concurrently and returns results in
// registration order.
func (a *Aggregator) CheckAll(ctx context.Context) []Result {
	a.mu.RLock()
	checkers := append([]Checker(nil), a.checkers...)
	a.mu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	results := make([]Result, len(checkers))
	var wg conc.WaitGroup
	for i, c := range checkers {
		wg.Go(func() {
			results[i] = run(ctx, c)
		})
	}
	wg.Wait()

	return results
}

// Overall folds results into one status: any unhealthy wins, then any
// degraded. No results is healthy.
func Overall(results []Result) Status {
	status := StatusHealthy
	for _, r := range results {
		if r.Status > status {
			status = r.Status
		}
	}
	return status
}

// run executes c and converts a missed deadline into an unhealthy result.
func run(ctx context.Context, c Checker) Result {
	start := time.Now()
	done := make(chan Result, 1)

	go func() {
		done <- c.Check(ctx)
	}()

	var r Result
	select {
	case r = <-done:
	case <-ctx.Done():
		r = Unhealthy("check timed out", ErrCheckTimeout)
	}

	r.Name = c.Name()
	r.Duration = time.Since(start)
	return r
}
