// Package health provides readiness state tracking and HTTP health check
// handlers for the options server.
package health

import (
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"
)

// State constants for the readiness state machine.
const (
	stateStarting int32 = iota
	stateReady
	stateDraining
)

// SessionCounter reports the number of active sessions. The session
// registry satisfies it.
type SessionCounter interface {
	Len() int
}

// Checker tracks the readiness state of the server.
// It is safe for concurrent use.
type Checker struct {
	state    atomic.Int32
	sessions SessionCounter
}

// NewChecker creates a Checker in the Starting state. sessions may be nil,
// in which case session counts are omitted from responses.
func NewChecker(sessions SessionCounter) *Checker {
	return &Checker{sessions: sessions}
}

// SetReady transitions to the Ready state.
func (c *Checker) SetReady() {
	c.state.Store(stateReady)
}

// SetDraining transitions to the Draining state.
func (c *Checker) SetDraining() {
	c.state.Store(stateDraining)
}

// IsReady returns true when the state is Ready.
func (c *Checker) IsReady() bool {
	return c.state.Load() == stateReady
}

// State returns the current state as a human-readable string.
func (c *Checker) State() string {
	switch c.state.Load() {
	case stateReady:
		return "ready"
	case stateDraining:
		return "draining"
	default:
		return "starting"
	}
}

// healthResponse is the JSON body returned by health endpoints.
type healthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Sessions  *int      `json:"active_sessions,omitempty"`
}

func (c *Checker) response(status string) healthResponse {
	resp := healthResponse{Status: status, Timestamp: time.Now()}
	if c.sessions != nil {
		n := c.sessions.Len()
		resp.Sessions = &n
	}
	return resp
}

// LivenessHandler returns an http.HandlerFunc that always responds 200 OK.
// Use this for a livenessProbe (/healthz).
func (c *Checker) LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, c.response("ok"))
	}
}

// ReadinessHandler returns an http.HandlerFunc that responds 200 when ready
// and 503 when starting or draining.
// Use this for a readinessProbe (/readyz).
func (c *Checker) ReadinessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		if c.IsReady() {
			writeJSON(w, http.StatusOK, c.response(c.State()))
			return
		}
		writeJSON(w, http.StatusServiceUnavailable, c.response(c.State()))
	}
}

func writeJSON(w http.ResponseWriter, code int, v healthResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
