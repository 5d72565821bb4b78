package tools

import (
	"context"
	"fmt"
	"log/slog"
	"path"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/nstogner/sandboxchat/pkg/sandbox"
)

// Sandbox is the subset of the session manager the tools need.
type Sandbox interface {
	Reconnect(ctx context.Context, id string) (*sandbox.Handle, error)
	Execute(ctx context.Context, h *sandbox.Handle, code string) (*sandbox.Outcome, error)
	Download(ctx context.Context, h *sandbox.Handle, remotePath string) ([]byte, error)
}

// reconnect attaches to the session carried by ctx.
func reconnect(ctx context.Context, sb Sandbox) (*sandbox.Handle, error) {
	id, ok := sandbox.SessionFromContext(ctx)
	if !ok {
		return nil, fmt.Errorf("no session in context: %w", sandbox.ErrSessionUnavailable)
	}
	return sb.Reconnect(ctx, id)
}

// --- Execute Python Tool ---

type ExecutePythonTool struct {
	Sandbox Sandbox
}

type executePythonArgs struct {
	Code string `json:"code"`
}

func (a *executePythonArgs) Validate() error {
	return validation.ValidateStruct(a,
		validation.Field(&a.Code, validation.Required),
	)
}

func (t *ExecutePythonTool) Name() string   { return "execute_python" }
func (t *ExecutePythonTool) Terminal() bool { return false }

func (t *ExecutePythonTool) Description() string {
	return "Execute python code in a Jupyter notebook cell and returns any result, stdout, stderr, display_data, and error."
}

func (t *ExecutePythonTool) InputSchema() map[string]any {
	return stringSchema(map[string]string{"code": "The python code to execute in a single cell."}, "code")
}

func (t *ExecutePythonTool) Execute(ctx context.Context, input map[string]any) (string, error) {
	var args executePythonArgs
	if err := decodeArgs(t.Name(), input, &args); err != nil {
		return "", err
	}

	h, err := reconnect(ctx, t.Sandbox)
	if err != nil {
		return "", err
	}
	slog.Info("Executing sandbox cell", "sessionID", h.ID)
	out, err := t.Sandbox.Execute(ctx, h, args.Code)
	if err != nil {
		return "", err
	}
	if out.Error != nil {
		return sandbox.FormatOutcome(out), out.Error
	}
	return sandbox.FormatOutcome(out), nil
}

// --- Send File Tool ---

// DownloadStore keeps files sent to the user.
type DownloadStore interface {
	SaveDownload(name string, data []byte) (string, error)
}

type SendFileTool struct {
	Sandbox   Sandbox
	Downloads DownloadStore
}

type sendFileArgs struct {
	Path string `json:"path"`
}

func (a *sendFileArgs) Validate() error {
	return validation.ValidateStruct(a,
		validation.Field(&a.Path, validation.Required),
	)
}

func (t *SendFileTool) Name() string   { return "send_file_to_user" }
func (t *SendFileTool) Terminal() bool { return true }

func (t *SendFileTool) Description() string {
	return "Send a single file from the sandbox to the user. Relative paths are resolved against " + sandbox.RemoteRoot + "."
}

func (t *SendFileTool) InputSchema() map[string]any {
	return stringSchema(map[string]string{"path": "Path of the file to send to the user."}, "path")
}

func (t *SendFileTool) Execute(ctx context.Context, input map[string]any) (string, error) {
	var args sendFileArgs
	if err := decodeArgs(t.Name(), input, &args); err != nil {
		return "", err
	}

	h, err := reconnect(ctx, t.Sandbox)
	if err != nil {
		return "", err
	}
	remote := sandbox.ResolveRemote(args.Path)
	data, err := t.Sandbox.Download(ctx, h, remote)
	if err != nil {
		return fmt.Sprintf("An error occurred: %v", err), err
	}
	local, err := t.Downloads.SaveDownload(path.Base(remote), data)
	if err != nil {
		return "", &sandbox.FileTransferError{Path: remote, Err: err}
	}
	slog.Info("Sent file to user", "remote", remote, "local", local, "bytes", len(data))
	return "File sent to the user successfully.", nil
}
