// Package handlers provides HTTP request handlers for the portwatch status API.
// This file implements health check and version endpoints.
package handlers

import (
	"log/slog"
	"net/http"
	"runtime"
	"time"

	"github.com/anstrom/portwatch/internal/metrics"
	"github.com/anstrom/portwatch/internal/scheduler"
)

// Status constants.
const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

// staleCycleFactor is how many cycle periods may pass without a finished
// cycle before the daemon reports itself degraded.
const staleCycleFactor = 3

// SchedulerStatus is the read side of the scan scheduler.
type SchedulerStatus interface {
	Stats() scheduler.Stats
}

// HealthHandler handles health check and version endpoints.
type HealthHandler struct {
	scheduler SchedulerStatus
	interval  time.Duration
	logger    *slog.Logger
	startTime time.Time
	now       func() time.Time
	uptime    func() time.Duration
}

// NewHealthHandler creates a new health handler. interval is the expected
// cycle period used to detect a stalled scheduler; zero disables the check.
func NewHealthHandler(sched SchedulerStatus, interval time.Duration, logger *slog.Logger) *HealthHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &HealthHandler{
		scheduler: sched,
		interval:  interval,
		logger:    logger.With("handler", "health"),
		startTime: time.Now(),
		now:       time.Now,
		uptime:    metrics.GetGlobalMetrics().GetUptime,
	}
}

// HealthResponse represents a health check response.
type HealthResponse struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Uptime    string            `json:"uptime"`
	Checks    map[string]string `json:"checks"`
}

// LivenessResponse represents a simple liveness check response.
type LivenessResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Uptime    string    `json:"uptime"`
}

// VersionResponse represents version information.
type VersionResponse struct {
	Version   string    `json:"version"`
	Commit    string    `json:"commit"`
	BuildTime string    `json:"build_time"`
	GoVersion string    `json:"go_version"`
	Timestamp time.Time `json:"timestamp"`
}

// Health reports whether the scheduler is running and still finishing
// cycles.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	response := h.check()

	statusCode := http.StatusOK
	if response.Status == StatusUnhealthy {
		statusCode = http.StatusServiceUnavailable
		h.logger.Warn("Health check failed", "checks", response.Checks)
	}
	writeJSON(w, r, statusCode, response)
}

func (h *HealthHandler) check() HealthResponse {
	now := h.now()
	response := HealthResponse{
		Status:    StatusHealthy,
		Timestamp: now.UTC(),
		Uptime:    h.uptime().Round(time.Second).String(),
		Checks:    make(map[string]string),
	}

	if h.scheduler == nil {
		response.Status = StatusUnhealthy
		response.Checks["scheduler"] = "not configured"
		return response
	}

	stats := h.scheduler.Stats()
	if !stats.Running {
		response.Status = StatusUnhealthy
		response.Checks["scheduler"] = "stopped"
		return response
	}
	response.Checks["scheduler"] = "ok"

	switch {
	case h.interval <= 0:
		response.Checks["cycles"] = "ok"
	case stats.LastCycleEnd.IsZero():
		if now.Sub(h.startTime) > staleCycleFactor*h.interval {
			response.Status = StatusDegraded
			response.Checks["cycles"] = "no cycle completed yet"
		} else {
			response.Checks["cycles"] = "first cycle running"
		}
	case now.Sub(stats.LastCycleEnd) > staleCycleFactor*h.interval+stats.LastCycleDuration:
		response.Status = StatusDegraded
		response.Checks["cycles"] = "last cycle finished " + now.Sub(stats.LastCycleEnd).Round(time.Second).String() + " ago"
	default:
		response.Checks["cycles"] = "ok"
	}

	return response
}

// Liveness performs a simple liveness check without dependencies.
func (h *HealthHandler) Liveness(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, LivenessResponse{
		Status:    "alive",
		Timestamp: h.now().UTC(),
		Uptime:    h.uptime().Round(time.Second).String(),
	})
}

// Version provides version information.
func (h *HealthHandler) Version(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, VersionResponse{
		Version:   version,
		Commit:    commit,
		BuildTime: buildTime,
		GoVersion: runtime.Version(),
		Timestamp: h.now().UTC(),
	})
}

// Build information, set via SetBuildInfo from ldflags values.
var (
	version   = "dev"
	commit    = "none"
	buildTime = "unknown"
)

// SetBuildInfo sets build information (called by main package).
func SetBuildInfo(v, c, bt string) {
	version = v
	commit = c
	buildTime = bt
}
