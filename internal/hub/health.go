package hub

import (
	"context"
	"database/sql"
	"time"
)

type ComponentStatus string

const (
	StatusOK          ComponentStatus = "ok"
	StatusError       ComponentStatus = "error"
	StatusUnavailable ComponentStatus = "unavailable"
)

type HealthStatus string

const (
	HealthHealthy   HealthStatus = "healthy"
	HealthDegraded  HealthStatus = "degraded"
	HealthUnhealthy HealthStatus = "unhealthy"
)

type ComponentHealth struct {
	Status ComponentStatus `json:"status"`
	Error  string          `json:"error,omitempty"`
}

type HealthCheckResult struct {
	Status     HealthStatus               `json:"status"`
	Components map[string]ComponentHealth `json:"components"`
	Timestamp  time.Time                  `json:"timestamp"`
}

// HealthChecker reports liveness and readiness of the hub's components.
type HealthChecker struct {
	db    *sql.DB
	hub   *Hub
	coord *Coordinator
}

func NewHealthChecker(db *sql.DB, hub *Hub, coord *Coordinator) *HealthChecker {
	return &HealthChecker{db: db, hub: hub, coord: coord}
}

// CheckLiveness is healthy whenever the process is serving.
func (hc *HealthChecker) CheckLiveness(ctx context.Context) HealthCheckResult {
	return HealthCheckResult{
		Status:     HealthHealthy,
		Components: map[string]ComponentHealth{},
		Timestamp:  time.Now().UTC(),
	}
}

func (hc *HealthChecker) CheckReadiness(ctx context.Context) HealthCheckResult {
	components := map[string]ComponentHealth{
		"database":      hc.checkDatabase(ctx),
		"websocket_hub": hc.checkHub(),
		"storage":       hc.checkStorage(ctx),
	}

	overallStatus := HealthHealthy
	for _, comp := range components {
		if comp.Status == StatusError {
			overallStatus = HealthUnhealthy
			break
		}
		if comp.Status == StatusUnavailable {
			overallStatus = HealthDegraded
		}
	}

	return HealthCheckResult{
		Status:     overallStatus,
		Components: components,
		Timestamp:  time.Now().UTC(),
	}
}

func (hc *HealthChecker) checkDatabase(ctx context.Context) ComponentHealth {
	if hc.db == nil {
		return ComponentHealth{Status: StatusUnavailable, Error: "database not configured"}
	}

	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if err := hc.db.PingContext(ctx); err != nil {
		return ComponentHealth{Status: StatusError, Error: err.Error()}
	}
	return ComponentHealth{Status: StatusOK}
}

func (hc *HealthChecker) checkHub() ComponentHealth {
	if hc.hub == nil {
		return ComponentHealth{Status: StatusUnavailable, Error: "websocket hub not configured"}
	}
	return ComponentHealth{Status: StatusOK}
}

// checkStorage makes sure the storage loop still answers.
func (hc *HealthChecker) checkStorage(ctx context.Context) ComponentHealth {
	if hc.coord == nil || hc.coord.Storage == nil {
		return ComponentHealth{Status: StatusUnavailable, Error: "storage not configured"}
	}

	done := make(chan struct{})
	go func() {
		hc.coord.Storage.Get(StorageKeyStatus)
		close(done)
	}()

	select {
	case <-done:
		return ComponentHealth{Status: StatusOK}
	case <-time.After(2 * time.Second):
		return ComponentHealth{Status: StatusError, Error: "storage loop not responding"}
	case <-ctx.Done():
		return ComponentHealth{Status: StatusError, Error: ctx.Err().Error()}
	}
}
