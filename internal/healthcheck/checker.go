// Package healthcheck evaluates runtime checks exposed on the health
// endpoint: database reachability and live session counts.
package healthcheck

import (
	"context"
	"time"
)

const (
	// StatusOK indicates check passed.
	StatusOK = "ok"
	// StatusWarn indicates check completed with warning.
	StatusWarn = "warn"
	// StatusError indicates check failed.
	StatusError = "error"
)

// CheckResult is one runtime check item produced by a checker.
type CheckResult struct {
	ID       string         `json:"id"`
	Status   string         `json:"status"`
	Summary  string         `json:"summary"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Checker evaluates one or more runtime checks.
type Checker interface {
	ListChecks(ctx context.Context) []CheckResult
}

const checkTimeout = 5 * time.Second

// Runner fans a check request out to all registered checkers.
type Runner struct {
	checkers []Checker
}

func NewRunner(checkers ...Checker) *Runner {
	return &Runner{checkers: checkers}
}

func (r *Runner) ListChecks(ctx context.Context) []CheckResult {
	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()

	results := make([]CheckResult, 0, len(r.checkers))
	for _, c := range r.checkers {
		results = append(results, c.ListChecks(ctx)...)
	}
	return results
}
