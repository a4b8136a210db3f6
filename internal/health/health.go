// Package health serves liveness and readiness probes for the relay.
package health

import (
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Status represents the health status of a component.
type Status string

const (
	StatusUp       Status = "up"
	StatusDegraded Status = "degraded"
	StatusDown     Status = "down"
)

// ComponentCheck represents the health of a single component.
type ComponentCheck struct {
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
}

// Response is the JSON body returned by health endpoints.
type Response struct {
	Status     Status                    `json:"status"`
	Components map[string]ComponentCheck `json:"components,omitempty"`
	Timestamp  string                    `json:"timestamp"`
}

// CheckFunc returns nil if the component is healthy, or an error describing the issue.
type CheckFunc func() error

type check struct {
	fn       CheckFunc
	critical bool
}

// Checker provides liveness and readiness probes.
type Checker struct {
	mu           sync.RWMutex
	checks       map[string]check
	shuttingDown atomic.Bool
	now          func() time.Time
}

// New creates a new health Checker.
func New() *Checker {
	return &Checker{
		checks: make(map[string]check),
		now:    time.Now,
	}
}

// RegisterReadiness registers a named check that fails readiness when it errors.
func (c *Checker) RegisterReadiness(name string, fn CheckFunc) {
	c.register(name, fn, true)
}

// RegisterDegraded registers a named check that is reported as degraded when
// it errors but does not fail readiness. Queue backpressure is reported this way.
func (c *Checker) RegisterDegraded(name string, fn CheckFunc) {
	c.register(name, fn, false)
}

func (c *Checker) register(name string, fn CheckFunc, critical bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checks[name] = check{fn: fn, critical: critical}
}

// SetShuttingDown marks the instance as shutting down.
// After this, both /live and /ready return 503.
func (c *Checker) SetShuttingDown() {
	c.shuttingDown.Store(true)
}

// Mount registers /live and /ready on mux.
func (c *Checker) Mount(mux *http.ServeMux) {
	mux.Handle("/live", c.LiveHandler())
	mux.Handle("/ready", c.ReadyHandler())
}

// LiveHandler returns an http.HandlerFunc for the /live endpoint.
func (c *Checker) LiveHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if c.shuttingDown.Load() {
			c.writeShuttingDown(w)
			return
		}
		writeJSON(w, http.StatusOK, Response{Status: StatusUp, Timestamp: c.timestamp()})
	}
}

// ReadyHandler returns an http.HandlerFunc for the /ready endpoint.
// A failing readiness check makes the response 503; a failing degraded
// check only changes the overall status.
func (c *Checker) ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if c.shuttingDown.Load() {
			c.writeShuttingDown(w)
			return
		}
		resp := c.Evaluate()
		code := http.StatusOK
		if resp.Status == StatusDown {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, resp)
	}
}

// Evaluate runs every registered check.
func (c *Checker) Evaluate() Response {
	c.mu.RLock()
	names := make([]string, 0, len(c.checks))
	checks := make(map[string]check, len(c.checks))
	for k, v := range c.checks {
		names = append(names, k)
		checks[k] = v
	}
	c.mu.RUnlock()
	sort.Strings(names)

	overall := StatusUp
	components := make(map[string]ComponentCheck, len(checks))
	for _, name := range names {
		ch := checks[name]
		err := ch.fn()
		switch {
		case err == nil:
			components[name] = ComponentCheck{Status: StatusUp}
		case ch.critical:
			overall = StatusDown
			components[name] = ComponentCheck{Status: StatusDown, Message: err.Error()}
		default:
			if overall == StatusUp {
				overall = StatusDegraded
			}
			components[name] = ComponentCheck{Status: StatusDegraded, Message: err.Error()}
		}
	}

	return Response{Status: overall, Components: components, Timestamp: c.timestamp()}
}

func (c *Checker) writeShuttingDown(w http.ResponseWriter) {
	writeJSON(w, http.StatusServiceUnavailable, Response{
		Status:    StatusDown,
		Timestamp: c.timestamp(),
		Components: map[string]ComponentCheck{
			"process": {Status: StatusDown, Message: "shutting down"},
		},
	})
}

func (c *Checker) timestamp() string {
	return c.now().UTC().Format(time.RFC3339)
}

func writeJSON(w http.ResponseWriter, code int, resp Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(resp)
}
