// Package health defines the readiness checks the /healthz endpoint
// aggregates: Postgres reachability (Persistence Port) and Redis
// reachability (Cluster Log, cluster mode only).
package health

import (
	"context"
	"fmt"
	"time"
)

// CheckType identifies which dependency a Checker probes.
type CheckType string

const (
	CheckTypePostgres CheckType = "postgres"
	CheckTypeRedis    CheckType = "redis"
)

// Result is the outcome of a single Check call.
type Result struct {
	Healthy   bool
	Message   string
	CheckedAt time.Time
	Duration  time.Duration
}

// Checker probes one dependency.
type Checker interface {
	Check(ctx context.Context) Result
	Type() CheckType
}

// Config controls how Status interprets a stream of Results.
type Config struct {
	Interval    time.Duration
	Timeout     time.Duration
	Retries     int
	StartPeriod time.Duration
}

// Status tracks the rolling health of one Checker across repeated
// Update calls, requiring Retries consecutive failures before flipping
// from healthy to unhealthy.
type Status struct {
	Healthy         bool
	ConsecutiveFail int
	LastResult      Result
	startedAt       time.Time
}

// NewStatus returns a Status that begins optimistically healthy, as the
// teacher's checkers do before their first probe completes.
func NewStatus() *Status {
	return &Status{Healthy: true, startedAt: time.Now()}
}

// Update folds a new Result into the Status, applying the retry
// threshold from cfg before reporting a transition to unhealthy.
func (s *Status) Update(result Result, cfg Config) {
	s.LastResult = result
	if result.Healthy {
		s.ConsecutiveFail = 0
		s.Healthy = true
		return
	}

	s.ConsecutiveFail++
	if s.ConsecutiveFail > cfg.Retries {
		s.Healthy = false
	}
}

// InStartPeriod reports whether cfg.StartPeriod has not yet elapsed
// since the Status was created, during which failures should not page.
func (s *Status) InStartPeriod(cfg Config) bool {
	return time.Since(s.startedAt) < cfg.StartPeriod
}

// Aggregate runs every Checker and reports overall health plus a
// per-check breakdown, used by the /healthz handler.
type Aggregate struct {
	Overall bool
	Checks  map[CheckType]Result
}

// Check runs all checkers concurrently-safely (sequentially — the set
// is small and checks are cheap) and aggregates the results.
func Check(ctx context.Context, checkers []Checker) Aggregate {
	agg := Aggregate{Overall: true, Checks: make(map[CheckType]Result, len(checkers))}
	for _, c := range checkers {
		res := c.Check(ctx)
		agg.Checks[c.Type()] = res
		if !res.Healthy {
			agg.Overall = false
		}
	}
	return agg
}

func timedResult(healthy bool, start time.Time, format string, args ...any) Result {
	return Result{
		Healthy:   healthy,
		Message:   fmt.Sprintf(format, args...),
		CheckedAt: start,
		Duration:  time.Since(start),
	}
}
