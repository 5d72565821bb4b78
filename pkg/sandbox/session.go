package sandbox

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"
)

// SessionStore persists the session id and the chart slot.
type SessionStore interface {
	SaveSessionID(id string) error
	SaveChart(png []byte) (string, error)
}

// SessionManager owns the lifecycle of the application's sandbox session on
// top of a Backend.
type SessionManager struct {
	backend   Backend
	store     SessionStore
	keepAlive time.Duration
}

// NewSessionManager creates a SessionManager. A zero keepAlive means
// DefaultKeepAlive.
func NewSessionManager(backend Backend, store SessionStore, keepAlive time.Duration) *SessionManager {
	if keepAlive <= 0 {
		keepAlive = DefaultKeepAlive
	}
	return &SessionManager{backend: backend, store: store, keepAlive: keepAlive}
}

// Create provisions a new sandbox and persists its id. Callers invoke it
// once per application lifetime.
func (m *SessionManager) Create(ctx context.Context) (string, error) {
	id, err := m.backend.Create(ctx, m.keepAlive)
	if err != nil {
		return "", fmt.Errorf("creating sandbox: %w", err)
	}
	if err := m.store.SaveSessionID(id); err != nil {
		return "", fmt.Errorf("persisting session id: %w", err)
	}
	slog.Info("Sandbox session created", "sessionID", id, "keepAlive", m.keepAlive)
	return id, nil
}

// Reconnect re-attaches to the session with the given id.
func (m *SessionManager) Reconnect(ctx context.Context, id string) (*Handle, error) {
	if id == "" {
		return nil, fmt.Errorf("empty session id: %w", ErrSessionUnavailable)
	}
	return m.backend.Reconnect(ctx, id)
}

// Execute runs code and saves the first image result, if any, to the chart
// slot. Only one chart is kept: each save replaces the previous one.
func (m *SessionManager) Execute(ctx context.Context, h *Handle, code string) (*Outcome, error) {
	out, err := m.backend.Execute(ctx, h, code)
	if err != nil {
		return nil, err
	}
	for _, r := range out.Results {
		if len(r.PNG) == 0 {
			continue
		}
		p, err := m.store.SaveChart(r.PNG)
		if err != nil {
			slog.Warn("Failed to save chart", "error", err)
		} else {
			slog.Info("Saved chart", "path", p)
		}
		break
	}
	return out, nil
}

// Upload sends a local file to the sandbox home directory.
func (m *SessionManager) Upload(ctx context.Context, h *Handle, localPath string) (string, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return "", &FileTransferError{Path: localPath, Err: err}
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", &FileTransferError{Path: localPath, Err: err}
	}
	return m.backend.Upload(ctx, h, filepath.Base(localPath), f, info.Size())
}

// Download reads a file from the sandbox. Relative paths are resolved
// against RemoteRoot.
func (m *SessionManager) Download(ctx context.Context, h *Handle, remotePath string) ([]byte, error) {
	return m.backend.Download(ctx, h, ResolveRemote(remotePath))
}

// ResolveRemote maps a user-facing path to an absolute sandbox path.
func ResolveRemote(p string) string {
	if strings.HasPrefix(p, "/") {
		return path.Clean(p)
	}
	return path.Join(RemoteRoot, p)
}

type sessionKey struct{}

// WithSession returns a context carrying the current session id.
func WithSession(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, sessionKey{}, id)
}

// SessionFromContext returns the session id set by WithSession.
func SessionFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(sessionKey{}).(string)
	return id, ok && id != ""
}
