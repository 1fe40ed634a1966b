// Package session provides the session registry for the options server.
// Each session pairs an opaque identifier with a lazily created market-data
// client; the registry evicts idle sessions both on access and from a
// background sweep.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/txn2/mcp-ibkr-options/pkg/feed"
)

// ConnectivityError wraps a feed connect/reconnect failure. The session
// stays registered so the caller can retry on a later access.
type ConnectivityError struct {
	Err error
}

func (e *ConnectivityError) Error() string {
	return fmt.Sprintf("feed connectivity: %v", e.Err)
}

func (e *ConnectivityError) Unwrap() error {
	return e.Err
}

// clientState is the connection state machine for a session's client.
type clientState int

const (
	stateNoClient clientState = iota
	stateConnected
	stateDisconnected
)

func stateOf(c feed.Client) clientState {
	switch {
	case c == nil:
		return stateNoClient
	case c.IsConnected():
		return stateConnected
	default:
		return stateDisconnected
	}
}

// Session pairs an identifier with an on-demand market-data client.
//
// Locking: acquireMu serializes client acquisition and disposal and is the
// only lock held across feed I/O. clientMu guards the client pointer and
// accessMu guards the last-accessed timestamp; both are held only for
// field access, so registry lookups, stats, and the sweep never wait on an
// in-flight connect.
type Session struct {
	// ID is the opaque unique session identifier.
	ID string

	// CreatedAt is when the session was created. Immutable.
	CreatedAt time.Time

	factory feed.Factory
	logger  *slog.Logger

	acquireMu sync.Mutex

	clientMu sync.Mutex
	client   feed.Client

	accessMu     sync.Mutex
	lastAccessed time.Time
}

func newSession(id string, factory feed.Factory, logger *slog.Logger) *Session {
	now := time.Now()
	return &Session{
		ID:           id,
		CreatedAt:    now,
		lastAccessed: now,
		factory:      factory,
		logger:       logger,
	}
}

// LastAccessed returns the most recent access timestamp.
func (s *Session) LastAccessed() time.Time {
	s.accessMu.Lock()
	defer s.accessMu.Unlock()
	return s.lastAccessed
}

// Touch updates the last-accessed timestamp.
func (s *Session) Touch() {
	s.accessMu.Lock()
	s.lastAccessed = time.Now()
	s.accessMu.Unlock()
}

// touchIfFresh atomically checks expiry against timeout and, when the
// session is still live, updates the last-accessed timestamp. The check and
// the touch share one critical section, so an access can never revive a
// session a concurrent eviction has already judged expired.
func (s *Session) touchIfFresh(timeout time.Duration) bool {
	s.accessMu.Lock()
	defer s.accessMu.Unlock()

	if time.Since(s.lastAccessed) > timeout {
		return false
	}
	s.lastAccessed = time.Now()
	return true
}

// IdleFor returns how long the session has gone without access.
func (s *Session) IdleFor() time.Duration {
	return time.Since(s.LastAccessed())
}

// currentClient returns the client pointer without blocking on acquisition.
func (s *Session) currentClient() feed.Client {
	s.clientMu.Lock()
	defer s.clientMu.Unlock()
	return s.client
}

func (s *Session) setClient(c feed.Client) {
	s.clientMu.Lock()
	s.client = c
	s.clientMu.Unlock()
}

// HasClient reports whether a client has been created for this session.
func (s *Session) HasClient() bool {
	return s.currentClient() != nil
}

// Connected reports whether the session's client exists and is connected.
func (s *Session) Connected() bool {
	return stateOf(s.currentClient()) == stateConnected
}

// AcquireClient returns a connected client for the session, creating or
// healing one as needed. If the existing client reports disconnected it is
// reconnected once; if that fails it is discarded and a brand-new client is
// connected. Failures surface as *ConnectivityError; the failed client is
// kept so the next access retries through the healing path. Every successful
// acquisition updates the last-accessed timestamp.
//
// Acquisitions on the same session serialize on acquireMu; the connect
// calls run without holding clientMu or accessMu, so other sessions and
// registry reads proceed during the dial.
func (s *Session) AcquireClient(ctx context.Context) (feed.Client, error) {
	s.acquireMu.Lock()
	defer s.acquireMu.Unlock()

	client := s.currentClient()

	switch stateOf(client) {
	case stateNoClient:
		s.logger.Info("creating market-data client", "session_id", s.ID)
		client = s.factory()
		s.setClient(client)
		if err := client.Connect(ctx); err != nil {
			return nil, &ConnectivityError{Err: err}
		}

	case stateDisconnected:
		s.logger.Warn("client disconnected, reconnecting", "session_id", s.ID)
		if err := client.Connect(ctx); err != nil {
			s.logger.Error("reconnect failed, replacing client",
				"session_id", s.ID, "error", err)
			client = s.factory()
			s.setClient(client)
			if err := client.Connect(ctx); err != nil {
				return nil, &ConnectivityError{Err: err}
			}
		}

	case stateConnected:
		// Already usable.
	}

	s.Touch()
	return client, nil
}

// Close disconnects and drops the session's client. It is idempotent and
// never propagates disposal failures; errors and panics from a misbehaving
// client are logged and absorbed.
func (s *Session) Close() {
	s.acquireMu.Lock()
	defer s.acquireMu.Unlock()

	s.clientMu.Lock()
	client := s.client
	s.client = nil
	s.clientMu.Unlock()

	if client == nil {
		return
	}

	defer func() {
		if rec := recover(); rec != nil {
			s.logger.Error("panic disconnecting client", "session_id", s.ID, "panic", rec)
		}
	}()

	s.logger.Info("disposing session client", "session_id", s.ID)
	if err := client.Disconnect(); err != nil {
		s.logger.Error("error disconnecting client", "session_id", s.ID, "error", err)
	}
}
