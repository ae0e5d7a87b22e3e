package chatservice

import (
	"context"
	"log/slog"
	"sync"

	"bizbridge/internal/domain/chat"
)

// Registry owns the per-viewer sessions: explicit init on the first
// authenticated touch, explicit teardown on sign-out. A session is never
// implicitly re-created mid-lifetime.
type Registry struct {
	repo   Repository
	dialer RealtimeDialer
	logger *slog.Logger
	opts   Options

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewRegistry wires the registry's collaborators.
func NewRegistry(repo Repository, dialer RealtimeDialer, logger *slog.Logger, opts Options) *Registry {
	return &Registry{
		repo:     repo,
		dialer:   dialer,
		logger:   logger,
		opts:     opts,
		sessions: make(map[string]*Session),
	}
}

// Session returns the viewer's live session, starting one if none exists.
// The bearer token is refreshed on every touch so long-lived sessions follow
// token rotation.
func (r *Registry) Session(ctx context.Context, viewerID, token string) (*Session, error) {
	if viewerID == "" {
		return nil, chat.ErrUnauthorized
	}
	r.mu.Lock()
	if s, ok := r.sessions[viewerID]; ok {
		r.mu.Unlock()
		s.setToken(token)
		return s, nil
	}
	r.mu.Unlock()

	var rt Realtime
	if r.dialer != nil {
		conn, err := r.dialer.Dial(ctx, token)
		if err != nil {
			// Degraded mode: reads still work, bounded by staleness windows.
			if r.logger != nil {
				r.logger.Warn("change feed dial failed", "viewer_id", viewerID, "error", err)
			}
		} else {
			rt = conn
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[viewerID]; ok {
		// Lost the race to another request; drop the extra connection.
		if rt != nil {
			_ = rt.Close()
		}
		s.setToken(token)
		return s, nil
	}
	s := startSession(ctx, viewerID, token, r.repo, rt, r.logger, r.opts)
	r.sessions[viewerID] = s
	if r.logger != nil {
		r.logger.Info("messaging session started", "viewer_id", viewerID)
	}
	return s, nil
}

// End tears down the viewer's session, releasing channels, watchers and the
// change feed connection.
func (r *Registry) End(viewerID string) {
	r.mu.Lock()
	s, ok := r.sessions[viewerID]
	delete(r.sessions, viewerID)
	r.mu.Unlock()
	if !ok {
		return
	}
	s.close()
	if r.logger != nil {
		r.logger.Info("messaging session ended", "viewer_id", viewerID)
	}
}

// Close ends every session; used on process shutdown.
func (r *Registry) Close() {
	r.mu.Lock()
	sessions := r.sessions
	r.sessions = make(map[string]*Session)
	r.mu.Unlock()
	for _, s := range sessions {
		s.close()
	}
}
