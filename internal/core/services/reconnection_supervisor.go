package services

import (
	"context"
	"sync"
	"time"

	"classmesh/internal/core/domain"
	"classmesh/pkg/retry"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

type supervisedSession struct {
	session      *PeerSession
	connectTimer *time.Timer
	windowTimer  *time.Timer
	connected    bool
	pending      bool
	attempts     int
}

// ReconnectionSupervisor watches every session of one coordinator for
// connection timeouts and transport loss. It allows one outstanding restart
// per session and fails the session when the answer window expires.
type ReconnectionSupervisor struct {
	connectTimeout  time.Duration
	reconnectWindow time.Duration
	policy          retry.Policy
	onFailed        func(s *PeerSession)
	logger          *zap.SugaredLogger

	mu      sync.Mutex
	entries map[domain.ParticipantID]*supervisedSession
	stopped bool
}

func NewReconnectionSupervisor(cfg SessionConfig, onFailed func(s *PeerSession), logger *zap.SugaredLogger) *ReconnectionSupervisor {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &ReconnectionSupervisor{
		connectTimeout:  cfg.ConnectTimeout,
		reconnectWindow: cfg.ReconnectWindow,
		policy:          cfg.Reconnect,
		onFailed:        onFailed,
		logger:          logger,
		entries:         make(map[domain.ParticipantID]*supervisedSession),
	}
}

// Watch starts the connect timer for a session entering connecting.
func (r *ReconnectionSupervisor) Watch(s *PeerSession) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.stopped {
		return
	}
	entry := r.entryLocked(s)
	if entry.connectTimer != nil || entry.connected {
		return
	}
	entry.connectTimer = time.AfterFunc(r.connectTimeout, func() {
		r.connectTimedOut(s)
	})
}

// Resolve records that the session reached connected. A pending restart is
// settled and its window cancelled.
func (r *ReconnectionSupervisor) Resolve(s *PeerSession) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[s.PeerID()]
	if !ok || entry.session != s {
		return
	}
	entry.connected = true
	stopTimer(&entry.connectTimer)
	if entry.pending {
		stopTimer(&entry.windowTimer)
		entry.pending = false
		entry.attempts = 0
		r.logger.Infow("reconnection resolved", "peer_id", s.PeerID())
	}
}

// TransportLost issues a restart for a failed or disconnected transport.
func (r *ReconnectionSupervisor) TransportLost(s *PeerSession, state webrtc.PeerConnectionState) {
	r.logger.Warnw("transport lost", "peer_id", s.PeerID(), "transport_state", state.String())
	r.issue(s)
}

// Pending reports whether a restart is outstanding for the session.
func (r *ReconnectionSupervisor) Pending(s *PeerSession) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.entries[s.PeerID()]
	return ok && entry.session == s && entry.pending
}

// Forget stops every timer of the session and drops it.
func (r *ReconnectionSupervisor) Forget(s *PeerSession) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[s.PeerID()]
	if !ok || entry.session != s {
		return
	}
	stopTimer(&entry.connectTimer)
	stopTimer(&entry.windowTimer)
	delete(r.entries, s.PeerID())
}

// Stop cancels all timers; later calls are ignored.
func (r *ReconnectionSupervisor) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.stopped = true
	for id, entry := range r.entries {
		stopTimer(&entry.connectTimer)
		stopTimer(&entry.windowTimer)
		delete(r.entries, id)
	}
}

func (r *ReconnectionSupervisor) entryLocked(s *PeerSession) *supervisedSession {
	entry, ok := r.entries[s.PeerID()]
	if !ok || entry.session != s {
		if ok {
			stopTimer(&entry.connectTimer)
			stopTimer(&entry.windowTimer)
		}
		entry = &supervisedSession{session: s}
		r.entries[s.PeerID()] = entry
	}
	return entry
}

func (r *ReconnectionSupervisor) connectTimedOut(s *PeerSession) {
	r.mu.Lock()
	entry, ok := r.entries[s.PeerID()]
	if !ok || entry.session != s || entry.connected {
		r.mu.Unlock()
		return
	}
	entry.connectTimer = nil
	r.mu.Unlock()

	r.logger.Warnw("session did not connect in time",
		"peer_id", s.PeerID(),
		"timeout", r.connectTimeout,
		"error", domain.ErrConnectionTimeout,
	)
	r.issue(s)
}

func (r *ReconnectionSupervisor) issue(s *PeerSession) {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	entry := r.entryLocked(s)
	if entry.pending {
		r.mu.Unlock()
		return
	}
	stopTimer(&entry.connectTimer)

	if !r.policy.Allow(entry.attempts + 1) {
		delete(r.entries, s.PeerID())
		r.mu.Unlock()
		r.logger.Warnw("restart attempts exhausted", "peer_id", s.PeerID(), "attempts", entry.attempts)
		r.fail(s)
		return
	}

	entry.attempts++
	entry.pending = true
	entry.connected = false
	entry.windowTimer = time.AfterFunc(r.reconnectWindow, func() {
		r.windowExpired(s)
	})
	attempt := entry.attempts
	r.mu.Unlock()

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), r.reconnectWindow)
		defer cancel()
		if err := s.Restart(ctx); err != nil {
			r.logger.Warnw("failed to issue restart", "peer_id", s.PeerID(), "attempt", attempt, "error", err)
			return
		}
		r.logger.Infow("restart issued", "peer_id", s.PeerID(), "attempt", attempt)
	}()
}

func (r *ReconnectionSupervisor) windowExpired(s *PeerSession) {
	r.mu.Lock()
	entry, ok := r.entries[s.PeerID()]
	if !ok || entry.session != s || !entry.pending {
		r.mu.Unlock()
		return
	}
	delete(r.entries, s.PeerID())
	r.mu.Unlock()

	r.logger.Warnw("no restart answer within window",
		"peer_id", s.PeerID(),
		"window", r.reconnectWindow,
		"error", domain.ErrReconnectionTimeout,
	)
	r.fail(s)
}

func (r *ReconnectionSupervisor) fail(s *PeerSession) {
	if !s.Fail() {
		return
	}
	if r.onFailed != nil {
		r.onFailed(s)
	}
}

func stopTimer(t **time.Timer) {
	if *t != nil {
		(*t).Stop()
		*t = nil
	}
}
