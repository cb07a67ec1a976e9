package domtrack

import (
	"context"

	"github.com/hazyhaar/domtrack/ident"
)

// SessionStore persists fingerprints per browsing session so identity
// survives a reload. Implementations must treat malformed stored state
// as empty, never as an error the tracker has to handle.
type SessionStore interface {
	// Load returns the stored fingerprints for the session; absent or
	// unreadable state yields an empty slice and nil error.
	Load(ctx context.Context, sessionID string) ([]ident.Fingerprint, error)
	// Save replaces the session's fingerprints.
	Save(ctx context.Context, sessionID string, fps []ident.Fingerprint) error
}

// loadSession reads persisted fingerprints at start. Any failure is
// logged and treated as an empty session.
func (t *Tracker) loadSession(ctx context.Context) []ident.Fingerprint {
	if t.store == nil || t.cfg.SessionID == "" {
		return nil
	}
	fps, err := t.store.Load(ctx, t.cfg.SessionID)
	if err != nil {
		t.logger.Warn("domtrack: load session failed, starting empty",
			"session", t.cfg.SessionID, "error", err)
		return nil
	}
	return fps
}

// saveSession writes the current active fingerprints. Called on the
// tracker loop after meaningful changes and on Stop.
func (t *Tracker) saveSession() {
	if t.store == nil || t.cfg.SessionID == "" {
		return
	}
	fps := make([]ident.Fingerprint, 0, len(t.nodes))
	for _, n := range t.nodes {
		if n.status == ident.StatusActive {
			fps = append(fps, n.fp)
		}
	}
	if err := t.store.Save(t.ctx, t.cfg.SessionID, fps); err != nil {
		t.logger.Warn("domtrack: save session failed",
			"session", t.cfg.SessionID, "error", err)
	}
}
