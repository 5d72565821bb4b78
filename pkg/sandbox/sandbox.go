package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"
)

const (
	// RemoteRoot is the sandbox home directory. Uploaded files land here and
	// relative download paths are resolved against it.
	RemoteRoot = "/home/user"
	// DefaultKeepAlive is how long the remote side keeps an idle session.
	DefaultKeepAlive = 300 * time.Second
)

// ErrSessionUnavailable is returned when a session id is unknown or the remote
// side has reclaimed it.
var ErrSessionUnavailable = errors.New("sandbox session unavailable")

// ExecutionError is an exception raised by user code inside the sandbox.
type ExecutionError struct {
	Kind      string `json:"name"`
	Message   string `json:"value"`
	Traceback string `json:"traceback"`
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// FileTransferError reports a failed upload or download.
type FileTransferError struct {
	Path string
	Err  error
}

func (e *FileTransferError) Error() string {
	return fmt.Sprintf("transferring %s: %v", e.Path, e.Err)
}

func (e *FileTransferError) Unwrap() error { return e.Err }

// Result is one rich output of a notebook cell.
type Result struct {
	// IsPrimary marks the value of the cell's last expression, as opposed to
	// display data emitted while the cell ran.
	IsPrimary bool     `json:"is_main_result"`
	Text      string   `json:"text"`
	Formats   []string `json:"formats,omitempty"`
	PNG       []byte   `json:"png,omitempty"`
}

// Outcome is the structured result of executing one cell.
type Outcome struct {
	Results []Result        `json:"results"`
	Stdout  []string        `json:"stdout"`
	Stderr  []string        `json:"stderr"`
	Error   *ExecutionError `json:"error,omitempty"`
}

// Handle is a live attachment to a sandbox session.
type Handle struct {
	ID string
	// Endpoint is the base URL of the session's kernel server.
	Endpoint string
}

// Backend provisions sandboxes and talks to them.
type Backend interface {
	// Create provisions a new sandbox that the remote side may reclaim once
	// keepAlive has elapsed, and returns its id.
	Create(ctx context.Context, keepAlive time.Duration) (string, error)

	// Reconnect attaches to an existing sandbox. Returns an error wrapping
	// ErrSessionUnavailable if the id is unknown or expired.
	Reconnect(ctx context.Context, id string) (*Handle, error)

	// Execute runs a notebook cell.
	Execute(ctx context.Context, h *Handle, code string) (*Outcome, error)

	// Upload writes a file into RemoteRoot and returns its remote path.
	Upload(ctx context.Context, h *Handle, name string, r io.Reader, size int64) (string, error)

	// Download reads a remote file. Fails with *FileTransferError if the path
	// does not exist.
	Download(ctx context.Context, h *Handle, remotePath string) ([]byte, error)

	// Close releases any resources held by the backend (e.g. docker client).
	Close() error
}
