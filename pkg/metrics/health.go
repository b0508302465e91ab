package metrics

import (
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"
)

// Component names the orchestrator registers on startup.
const (
	ComponentRuntime    = "runtime"
	ComponentState      = "state"
	ComponentReconciler = "reconciler"
)

// readinessGates are the components /ready requires before the pool should
// take traffic: a reachable containerd, an open state store, and a finished
// first reconcile pass.
var readinessGates = []string{ComponentRuntime, ComponentState, ComponentReconciler}

// componentHealth is one component's last reported condition.
type componentHealth struct {
	ok      bool
	detail  string
	updated time.Time
}

// healthRegistry collects component conditions for /healthz and /ready.
// Components report in from their own loops; reads happen per request.
type healthRegistry struct {
	mu         sync.RWMutex
	version    string
	started    time.Time
	components map[string]componentHealth
}

var registry = newHealthRegistry()

func newHealthRegistry() *healthRegistry {
	return &healthRegistry{
		started:    time.Now(),
		components: make(map[string]componentHealth),
	}
}

// SetVersion stamps health responses with the build version.
func SetVersion(version string) {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	registry.version = version
}

// RegisterComponent records a component's initial condition.
func RegisterComponent(name string, ok bool, detail string) {
	UpdateComponent(name, ok, detail)
}

// UpdateComponent upserts a component's condition.
func UpdateComponent(name string, ok bool, detail string) {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	registry.components[name] = componentHealth{ok: ok, detail: detail, updated: time.Now()}
}

// healthReport is the JSON body served on /healthz and /ready.
type healthReport struct {
	Status     string            `json:"status"`
	Timestamp  time.Time         `json:"timestamp"`
	Uptime     string            `json:"uptime,omitempty"`
	Version    string            `json:"version,omitempty"`
	Message    string            `json:"message,omitempty"`
	Components map[string]string `json:"components,omitempty"`
}

func (r *healthRegistry) report() healthReport {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rep := healthReport{
		Status:     "healthy",
		Timestamp:  time.Now(),
		Uptime:     time.Since(r.started).String(),
		Version:    r.version,
		Components: make(map[string]string, len(r.components)),
	}
	for name, c := range r.components {
		if c.ok {
			rep.Components[name] = "healthy"
			continue
		}
		rep.Status = "unhealthy"
		rep.Components[name] = "unhealthy: " + c.detail
	}
	return rep
}

func (r *healthRegistry) readiness() healthReport {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rep := healthReport{
		Status:     "ready",
		Timestamp:  time.Now(),
		Uptime:     time.Since(r.started).String(),
		Version:    r.version,
		Components: make(map[string]string, len(readinessGates)),
	}

	var waiting []string
	for _, name := range readinessGates {
		c, registered := r.components[name]
		switch {
		case !registered:
			rep.Components[name] = "not registered"
			waiting = append(waiting, name)
		case !c.ok:
			rep.Components[name] = "not ready: " + c.detail
			waiting = append(waiting, name)
		default:
			rep.Components[name] = "ready"
		}
	}
	if len(waiting) > 0 {
		sort.Strings(waiting)
		rep.Status = "not_ready"
		rep.Message = "waiting for " + waiting[0]
	}
	return rep
}

func writeReport(w http.ResponseWriter, rep healthReport, ok bool) {
	w.Header().Set("Content-Type", "application/json")
	if !ok {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(rep)
}

// HealthHandler serves /healthz: 200 while every registered component is
// healthy, 503 as soon as one is not.
func HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		rep := registry.report()
		writeReport(w, rep, rep.Status == "healthy")
	}
}

// ReadyHandler serves /ready: 503 until every readiness gate has reported
// healthy at least once.
func ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		rep := registry.readiness()
		writeReport(w, rep, rep.Status == "ready")
	}
}
