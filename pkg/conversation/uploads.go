package conversation

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/nstogner/sandboxchat/pkg/domain"
)

// Upload is a user-provided file.
type Upload struct {
	Name string
	Data []byte
}

// AttachFiles stores files locally, sends them to the sandbox and tells the
// model about them through the system message. Attaching a name twice does
// not repeat it in the prompt. When a file fails, the files sent before it
// are still announced.
func (c *Conversation) AttachFiles(ctx context.Context, files []Upload) ([]string, error) {
	c.turnMu.Lock()
	defer c.turnMu.Unlock()

	if c.deps.Workspace == nil || c.deps.Sandbox == nil {
		return nil, fmt.Errorf("uploads are not configured")
	}
	if len(files) == 0 {
		return nil, nil
	}

	h, err := c.deps.Sandbox.Reconnect(ctx, c.sessionID)
	if err != nil {
		return nil, err
	}

	known := len(c.uploads)
	defer func() {
		if len(c.uploads) == known {
			return
		}
		c.mu.Lock()
		c.log[0] = domain.SystemMessage{Content: buildSystemPrompt(c.cfg.SystemPrompt, c.uploads)}
		c.mu.Unlock()
	}()

	var remotes []string
	for _, f := range files {
		local, err := c.deps.Workspace.SaveUpload(f.Name, f.Data)
		if err != nil {
			return remotes, fmt.Errorf("saving %s: %w", f.Name, err)
		}
		remote, err := c.deps.Sandbox.Upload(ctx, h, local)
		if err != nil {
			return remotes, err
		}
		slog.Info("Uploaded file", "local", local, "remote", remote)
		remotes = append(remotes, remote)
		c.addUpload(filepath.Base(local))
	}
	return remotes, nil
}

func (c *Conversation) addUpload(name string) {
	for _, n := range c.uploads {
		if n == name {
			return
		}
	}
	c.uploads = append(c.uploads, name)
}
