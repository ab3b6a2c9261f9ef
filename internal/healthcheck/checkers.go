package healthcheck

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
)

// DBChecker verifies database connectivity.
type DBChecker struct {
	pool *pgxpool.Pool
}

func NewDBChecker(pool *pgxpool.Pool) *DBChecker {
	return &DBChecker{pool: pool}
}

func (c *DBChecker) ListChecks(ctx context.Context) []CheckResult {
	if err := c.pool.Ping(ctx); err != nil {
		return []CheckResult{{
			ID:      "db.postgres",
			Status:  StatusError,
			Summary: err.Error(),
		}}
	}
	return []CheckResult{{
		ID:      "db.postgres",
		Status:  StatusOK,
		Summary: "reachable",
	}}
}

// SessionCounter reports live and active session counts. Satisfied by
// session.Manager.
type SessionCounter interface {
	ActiveCount() int
}

// SessionsChecker reports how many sessions are connected.
type SessionsChecker struct {
	manager SessionCounter
}

func NewSessionsChecker(manager SessionCounter) *SessionsChecker {
	return &SessionsChecker{manager: manager}
}

func (c *SessionsChecker) ListChecks(ctx context.Context) []CheckResult {
	return []CheckResult{{
		ID:       "sessions.active",
		Status:   StatusOK,
		Summary:  "live session count",
		Metadata: map[string]any{"active_sessions": c.manager.ActiveCount()},
	}}
}
