package health

import (
	"context"
	"fmt"
	"time"

	"github.com/jonwraymond/swrr/cache"
)

// DefaultProbeKey is read by BackplaneChecker. It is never written.
const DefaultProbeKey = "__swrr_health__"

// BackplaneCheckerConfig configures a BackplaneChecker.
type BackplaneCheckerConfig struct {
	// ProbeKey is the key read on every check. Default: DefaultProbeKey.
	ProbeKey string

	// SlowThreshold marks the backplane degraded when a probe read takes
	// longer. Zero disables the latency check.
	SlowThreshold time.Duration
}

// BackplaneChecker probes a backplane with a read of a key that is never
// written. A miss is healthy; only a read error is not.
type BackplaneChecker struct {
	bp     cache.Backplane
	config BackplaneCheckerConfig
}

// NewBackplaneChecker creates a checker for bp.
func NewBackplaneChecker(bp cache.Backplane, config BackplaneCheckerConfig) *BackplaneChecker {
	if config.ProbeKey == "" {
		config.ProbeKey = DefaultProbeKey
	}
	return &BackplaneChecker{bp: bp, config: config}
}

func (c *BackplaneChecker) Name() string {
	return "backplane"
}

func (c *BackplaneChecker) Check(ctx context.Context) Result {
	start := time.Now()
	_, err := c.bp.Read(ctx, c.config.ProbeKey, cache.TypeText, 0)
	elapsed := time.Since(start)

	if err != nil {
		return Unhealthy("backplane read failed", err)
	}
	if c.config.SlowThreshold > 0 && elapsed > c.config.SlowThreshold {
		return Degraded(fmt.Sprintf("backplane read took %s", elapsed)).
			WithDetail("latency_ms", elapsed.Milliseconds())
	}
	return Healthy("backplane reachable").WithDetail("latency_ms", elapsed.Milliseconds())
}

// Backlog reports how many deferred tasks have not finished.
type Backlog interface {
	Pending() int64
}

// BacklogCheckerConfig sets the thresholds of a BacklogChecker. Zero
// disables a threshold.
type BacklogCheckerConfig struct {
	Degraded  int64
	Unhealthy int64
}

// BacklogChecker reports on the deferred work queue.
type BacklogChecker struct {
	backlog Backlog
	config  BacklogCheckerConfig
}

// NewBacklogChecker creates a checker over a deferred-task backlog.
func NewBacklogChecker(b Backlog, config BacklogCheckerConfig) *BacklogChecker {
	return &BacklogChecker{backlog: b, config: config}
}

func (c *BacklogChecker) Name() string {
	return "deferred"
}

func (c *BacklogChecker) Check(_ context.Context) Result {
	pending := c.backlog.Pending()

	var r Result
	switch {
	case c.config.Unhealthy > 0 && pending >= c.config.Unhealthy:
		r = Unhealthy(fmt.Sprintf("%d deferred tasks pending", pending), nil)
	case c.config.Degraded > 0 && pending >= c.config.Degraded:
		r = Degraded(fmt.Sprintf("%d deferred tasks pending", pending))
	default:
		r = Healthy("deferred work draining")
	}
	return r.WithDetail("pending", pending)
}

var (
	_ Checker = (*BackplaneChecker)(nil)
	_ Checker = (*BacklogChecker)(nil)
)
