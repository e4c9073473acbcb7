package hub

import (
	"context"
	"testing"

	"go.uber.org/zap"
)

func TestHealthCheckerLiveness(t *testing.T) {
	hc := NewHealthChecker(nil, nil, nil)
	result := hc.CheckLiveness(context.Background())

	if result.Status != HealthHealthy {
		t.Errorf("expected healthy status, got %v", result.Status)
	}
	if len(result.Components) != 0 {
		t.Errorf("expected no components in liveness check, got %d", len(result.Components))
	}
}

func TestHealthCheckerReadinessAllUnavailable(t *testing.T) {
	hc := NewHealthChecker(nil, nil, nil)
	result := hc.CheckReadiness(context.Background())

	if result.Status != HealthDegraded {
		t.Errorf("expected degraded status, got %v", result.Status)
	}
	if len(result.Components) != 3 {
		t.Errorf("expected 3 components, got %d", len(result.Components))
	}
	if result.Components["database"].Status != StatusUnavailable {
		t.Errorf("expected database unavailable, got %v", result.Components["database"].Status)
	}
}

func TestHealthCheckerReadinessAllHealthy(t *testing.T) {
	f := newCoordinatorFixture(t)
	db := setupHubTestDB(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h := NewHub(ctx, f.coord, f.bus, HubOptions{}, zap.NewNop())

	hc := NewHealthChecker(db, h, f.coord)
	result := hc.CheckReadiness(context.Background())

	if result.Status != HealthHealthy {
		t.Fatalf("expected healthy, got %v: %+v", result.Status, result.Components)
	}
	for name, comp := range result.Components {
		if comp.Status != StatusOK {
			t.Errorf("%s: expected ok, got %v", name, comp.Status)
		}
	}
}

func TestHealthCheckerClosedDatabase(t *testing.T) {
	db := setupHubTestDB(t)
	db.Close()

	hc := NewHealthChecker(db, nil, nil)
	result := hc.CheckReadiness(context.Background())

	if result.Status != HealthUnhealthy {
		t.Errorf("expected unhealthy, got %v", result.Status)
	}
	if result.Components["database"].Error == "" {
		t.Error("expected database error message")
	}
}
