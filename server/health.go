package server

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"
)

// SubsystemChecker is implemented by subsystems that report their health.
type SubsystemChecker interface {
	Check() *SubsystemHealth
}

// CheckerFunc adapts a function to the SubsystemChecker interface.
type CheckerFunc func() *SubsystemHealth

func (f CheckerFunc) Check() *SubsystemHealth { return f() }

// SubsystemHealth describes the health of a single subsystem.
type SubsystemHealth struct {
	Name    string `json:"name"`
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
	// LastCheck is the unix timestamp (seconds) of when this check ran.
	LastCheck int64 `json:"lastCheck"`
	// Latency is the time in nanoseconds the health check took.
	Latency int64 `json:"latency"`
}

// HealthReport is the aggregate result of checking all subsystems.
type HealthReport struct {
	// OverallStatus is "healthy" if all subsystems are healthy, "degraded"
	// if any are degraded but none unhealthy, "unhealthy" otherwise.
	OverallStatus string             `json:"status"`
	Subsystems    []*SubsystemHealth `json:"subsystems"`
	CheckedAt     int64              `json:"checkedAt"`
	// Uptime is the process uptime in seconds at report time.
	Uptime int64 `json:"uptime"`
}

// Status constants.
const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

// HealthChecker aggregates health from registered subsystem checkers. All
// methods are safe for concurrent use. It implements http.Handler for the
// /healthz endpoint.
type HealthChecker struct {
	mu        sync.RWMutex
	checkers  map[string]SubsystemChecker
	order     []string // insertion order
	startTime int64    // unix seconds
}

// NewHealthChecker creates a HealthChecker with no registered subsystems.
func NewHealthChecker() *HealthChecker {
	return &HealthChecker{
		checkers:  make(map[string]SubsystemChecker),
		startTime: time.Now().Unix(),
	}
}

// RegisterSubsystem registers a named subsystem checker, replacing any
// previous checker of the same name.
func (hc *HealthChecker) RegisterSubsystem(name string, checker SubsystemChecker) {
	hc.mu.Lock()
	defer hc.mu.Unlock()

	if _, exists := hc.checkers[name]; !exists {
		hc.order = append(hc.order, name)
	}
	hc.checkers[name] = checker
}

// CheckAll runs every registered check in registration order and returns
// the consolidated report.
func (hc *HealthChecker) CheckAll() *HealthReport {
	hc.mu.RLock()
	names := make([]string, len(hc.order))
	copy(names, hc.order)
	checkers := make(map[string]SubsystemChecker, len(hc.checkers))
	for k, v := range hc.checkers {
		checkers[k] = v
	}
	startTime := hc.startTime
	hc.mu.RUnlock()

	now := time.Now().Unix()
	report := &HealthReport{
		OverallStatus: StatusHealthy,
		CheckedAt:     now,
		Uptime:        now - startTime,
	}

	for _, name := range names {
		checker := checkers[name]
		begin := time.Now()
		h := checker.Check()
		if h == nil {
			h = &SubsystemHealth{Name: name, Status: StatusUnhealthy, Message: "checker returned nothing"}
		}
		h.Name = name
		h.LastCheck = now
		h.Latency = time.Since(begin).Nanoseconds()
		report.Subsystems = append(report.Subsystems, h)

		switch h.Status {
		case StatusUnhealthy:
			report.OverallStatus = StatusUnhealthy
		case StatusDegraded:
			if report.OverallStatus == StatusHealthy {
				report.OverallStatus = StatusDegraded
			}
		}
	}
	return report
}

// ServeHTTP renders the report as JSON. Unhealthy reports carry 503 so load
// balancers take the instance out of rotation; degraded stays 200.
func (hc *HealthChecker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	report := hc.CheckAll()
	w.Header().Set("Content-Type", "application/json")
	if report.OverallStatus == StatusUnhealthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	json.NewEncoder(w).Encode(report)
}
