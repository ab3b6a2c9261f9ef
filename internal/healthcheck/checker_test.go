package healthcheck

import (
	"context"
	"testing"
)

type fakeChecker struct {
	items []CheckResult
}

func (c *fakeChecker) ListChecks(ctx context.Context) []CheckResult {
	return c.items
}

func TestRunnerListChecks(t *testing.T) {
	t.Parallel()

	runner := NewRunner(
		&fakeChecker{items: []CheckResult{{ID: "db.postgres", Status: StatusOK}}},
		&fakeChecker{items: []CheckResult{{ID: "sessions.active", Status: StatusOK}}},
	)

	items := runner.ListChecks(context.Background())
	if len(items) != 2 {
		t.Fatalf("expected 2 items, got %d", len(items))
	}
	if items[0].ID != "db.postgres" {
		t.Fatalf("unexpected id: %s", items[0].ID)
	}
	if items[1].ID != "sessions.active" {
		t.Fatalf("unexpected id: %s", items[1].ID)
	}
}

func TestRunnerNoCheckers(t *testing.T) {
	t.Parallel()

	runner := NewRunner()
	items := runner.ListChecks(context.Background())
	if len(items) != 0 {
		t.Fatalf("expected empty items, got %d", len(items))
	}
}

type fakeCounter struct{ n int }

func (f *fakeCounter) ActiveCount() int { return f.n }

func TestSessionsChecker(t *testing.T) {
	t.Parallel()

	checker := NewSessionsChecker(&fakeCounter{n: 3})
	items := checker.ListChecks(context.Background())
	if len(items) != 1 {
		t.Fatalf("expected 1 item, got %d", len(items))
	}
	if items[0].Status != StatusOK {
		t.Fatalf("unexpected status: %s", items[0].Status)
	}
	if got := items[0].Metadata["active_sessions"]; got != 3 {
		t.Fatalf("unexpected count: %v", got)
	}
}
