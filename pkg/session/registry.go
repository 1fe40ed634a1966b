package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/txn2/mcp-ibkr-options/pkg/feed"
)

// SessionInfo is a monitoring snapshot of one session.
type SessionInfo struct {
	SessionID    string    `json:"session_id"`
	CreatedAt    time.Time `json:"created_at"`
	LastAccessed time.Time `json:"last_accessed"`
	HasClient    bool      `json:"has_client"`
	Connected    bool      `json:"is_connected"`
}

// RegistryStats is a monitoring snapshot of the whole registry.
type RegistryStats struct {
	TotalSessions int           `json:"total_sessions"`
	Sessions      []SessionInfo `json:"sessions"`
}

// Registry is a concurrent store of sessions with idle-timeout eviction.
// Expired sessions are removed synchronously on access and by a periodic
// background sweep started with Start.
type Registry struct {
	factory       feed.Factory
	timeout       time.Duration
	sweepInterval time.Duration
	logger        *slog.Logger

	mu       sync.RWMutex
	sessions map[string]*Session

	runMu   sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewRegistry creates a registry. Sessions construct their clients through
// factory; a session is expired once idle strictly longer than timeout.
func NewRegistry(factory feed.Factory, timeout, sweepInterval time.Duration, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		factory:       factory,
		timeout:       timeout,
		sweepInterval: sweepInterval,
		logger:        logger,
		sessions:      make(map[string]*Session),
	}
}

// Create inserts a new empty session and returns its id.
func (r *Registry) Create() string {
	id := uuid.NewString()
	sess := newSession(id, r.factory, r.logger)

	r.mu.Lock()
	r.sessions[id] = sess
	r.mu.Unlock()

	r.logger.Info("created session", "session_id", id)
	return id
}

// Get returns the session for id, or nil when unknown or expired. An
// expired session is evicted synchronously before nil is returned; a live
// one has its last-accessed timestamp updated. The expiry check and the
// touch are one atomic step, so a sweep straddling the timeout boundary
// cannot dispose a session this is about to return.
func (r *Registry) Get(id string) *Session {
	r.mu.RLock()
	sess, ok := r.sessions[id]
	r.mu.RUnlock()
	if !ok {
		return nil
	}

	if !sess.touchIfFresh(r.timeout) {
		r.logger.Info("session expired", "session_id", id)
		r.evict(id)
		return nil
	}

	return sess
}

// Delete removes and disposes the session if present. It reports whether
// the session existed; disposal failures are logged, never propagated.
func (r *Registry) Delete(id string) bool {
	r.mu.Lock()
	sess, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	r.mu.Unlock()

	if !ok {
		return false
	}
	sess.Close()
	r.logger.Info("removed session", "session_id", id)
	return true
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Stats returns a snapshot of all sessions. It does not update any
// session's last-accessed timestamp; a monitoring read must not reset idle
// timers.
func (r *Registry) Stats() RegistryStats {
	r.mu.RLock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, sess := range r.sessions {
		sessions = append(sessions, sess)
	}
	r.mu.RUnlock()

	stats := RegistryStats{
		TotalSessions: len(sessions),
		Sessions:      make([]SessionInfo, 0, len(sessions)),
	}
	for _, sess := range sessions {
		stats.Sessions = append(stats.Sessions, SessionInfo{
			SessionID:    sess.ID,
			CreatedAt:    sess.CreatedAt,
			LastAccessed: sess.LastAccessed(),
			HasClient:    sess.HasClient(),
			Connected:    sess.Connected(),
		})
	}
	return stats
}

// expired reports whether the session has been idle strictly longer than
// the timeout.
func (r *Registry) expired(sess *Session) bool {
	return sess.IdleFor() > r.timeout
}

// evict removes and disposes a session if it is still present and still
// expired. The expiry re-check under the write lock keeps a concurrently
// touched session alive.
func (r *Registry) evict(id string) {
	r.mu.Lock()
	sess, ok := r.sessions[id]
	if ok && r.expired(sess) {
		delete(r.sessions, id)
	} else {
		sess = nil
	}
	r.mu.Unlock()

	if sess != nil {
		sess.Close()
		r.logger.Info("evicted expired session", "session_id", id)
	}
}

// Start launches the background sweep loop. It is idempotent; a second call
// while running is a no-op.
func (r *Registry) Start() {
	r.runMu.Lock()
	defer r.runMu.Unlock()

	if r.running {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.done = make(chan struct{})
	r.running = true

	go r.sweepLoop(ctx)

	r.logger.Info("session registry started",
		"timeout", r.timeout, "sweep_interval", r.sweepInterval)
}

// Stop cancels the sweep loop, waits for it to terminate, then disposes
// every remaining session unconditionally and clears the registry. This is
// the only path that disposes non-expired sessions in bulk.
func (r *Registry) Stop() {
	r.runMu.Lock()
	defer r.runMu.Unlock()

	if r.running {
		r.cancel()
		<-r.done
		r.running = false
	}

	r.mu.Lock()
	remaining := make([]*Session, 0, len(r.sessions))
	for _, sess := range r.sessions {
		remaining = append(remaining, sess)
	}
	r.sessions = make(map[string]*Session)
	r.mu.Unlock()

	for _, sess := range remaining {
		sess.Close()
	}

	r.logger.Info("session registry stopped", "disposed", len(remaining))
}

// sweepLoop periodically evicts expired sessions until the context is
// cancelled.
func (r *Registry) sweepLoop(ctx context.Context) {
	defer close(r.done)

	ticker := time.NewTicker(r.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweep()
		}
	}
}

// sweep evicts every expired session. Eviction of one session is isolated
// so a failing disposal cannot prevent eviction of the others or kill the
// loop.
func (r *Registry) sweep() {
	r.mu.RLock()
	expired := make([]string, 0)
	for id, sess := range r.sessions {
		if r.expired(sess) {
			expired = append(expired, id)
		}
	}
	r.mu.RUnlock()

	if len(expired) == 0 {
		return
	}

	r.logger.Info("sweeping expired sessions", "count", len(expired))
	for _, id := range expired {
		r.evictIsolated(id)
	}
}

// evictIsolated evicts one session, absorbing panics from a misbehaving
// client disposal.
func (r *Registry) evictIsolated(id string) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("panic during session eviction", "session_id", id, "panic", rec)
		}
	}()
	r.evict(id)
}
