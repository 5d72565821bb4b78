// Package app assembles the sandbox, preview, tools, model provider and
// conversation from a configuration.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/nstogner/sandboxchat/pkg/config"
	"github.com/nstogner/sandboxchat/pkg/conversation"
	"github.com/nstogner/sandboxchat/pkg/metrics"
	"github.com/nstogner/sandboxchat/pkg/models"
	"github.com/nstogner/sandboxchat/pkg/models/anthropic"
	"github.com/nstogner/sandboxchat/pkg/models/gemini"
	"github.com/nstogner/sandboxchat/pkg/preview"
	"github.com/nstogner/sandboxchat/pkg/sandbox"
	"github.com/nstogner/sandboxchat/pkg/sandbox/docker"
	"github.com/nstogner/sandboxchat/pkg/tools"
	"github.com/nstogner/sandboxchat/pkg/workspace"
)

// App holds the wired components of one running application.
type App struct {
	Config       *config.Config
	Workspace    *workspace.Dir
	Sessions     *sandbox.SessionManager
	Preview      *preview.Supervisor
	Tools        *tools.Registry
	Conversation *conversation.Conversation
	SessionID    string

	backend *docker.Manager
	logger  *slog.Logger
	closers []func()
}

// New resets the workspace, creates a fresh sandbox session and wires the
// conversation to it.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	a := &App{Config: cfg, logger: logger}

	ws, err := workspace.Open(cfg.DataDir)
	if err != nil {
		return nil, err
	}
	if err := ws.Reset(); err != nil {
		return nil, fmt.Errorf("resetting workspace: %w", err)
	}
	a.Workspace = ws

	backend, err := docker.New(cfg.Sandbox.Image, logger)
	if err != nil {
		return nil, err
	}
	a.backend = backend
	a.closers = append(a.closers, func() { backend.Close() })

	a.Sessions = sandbox.NewSessionManager(backend, ws, cfg.Sandbox.KeepAlive)
	a.SessionID, err = a.Sessions.Create(ctx)
	if err != nil {
		a.Close(ctx)
		return nil, err
	}

	rec, err := metrics.New()
	if err != nil {
		a.Close(ctx)
		return nil, fmt.Errorf("creating metrics: %w", err)
	}

	a.Preview = preview.NewSupervisor(preview.Config{
		AppDir:         cfg.Preview.AppDir,
		ProcessPattern: cfg.Preview.ProcessPattern,
		PollInterval:   cfg.Preview.PollInterval,
		Budget:         cfg.Preview.Budget,
	}, &preview.ExecLauncher{Command: cfg.Preview.Command, Port: cfg.Preview.Port}, ws, logger)

	a.Tools = NewRegistry(cfg, a.Sessions, ws, a.Preview, rec)

	provider, err := a.newProvider(ctx)
	if err != nil {
		a.Close(ctx)
		return nil, err
	}

	a.Conversation = conversation.New(conversation.Config{
		Model:         cfg.Model,
		Temperature:   cfg.Temperature,
		MaxTokens:     cfg.MaxTokens,
		MaxToolRounds: cfg.MaxToolRounds,
		PreviewPort:   cfg.Preview.Port,
	}, a.SessionID, conversation.Deps{
		Provider:  provider,
		Tools:     a.Tools,
		Workspace: ws,
		Sandbox:   a.Sessions,
		Metrics:   rec,
	})
	return a, nil
}

// NewRegistry registers the four tools the assistant may call.
func NewRegistry(cfg *config.Config, sb tools.Sandbox, ws *workspace.Dir, renderer tools.Renderer, rec *metrics.Recorder) *tools.Registry {
	reg := tools.NewRegistry()
	reg.Register(&tools.ExecutePythonTool{Sandbox: sb})
	reg.Register(&tools.RenderReactTool{Renderer: renderer, Metrics: rec})
	reg.Register(&tools.SendFileTool{Sandbox: sb, Downloads: ws})
	reg.Register(&tools.InstallDependencyTool{Command: cfg.Preview.InstallCommand, Dir: cfg.Preview.AppDir})
	return reg
}

func (a *App) newProvider(ctx context.Context) (models.Provider, error) {
	switch strings.ToLower(a.Config.Provider) {
	case config.ProviderGemini:
		g, err := gemini.New(ctx, a.Config.GeminiAPIKey)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, g.Close)
		if err := checkModel(ctx, g, a.Config.Model); err != nil {
			return nil, err
		}
		return g, nil
	case config.ProviderAnthropic:
		return anthropic.New(a.Config.AnthropicAPIKey)
	default:
		return nil, fmt.Errorf("unknown provider %q", a.Config.Provider)
	}
}

// modelLister is implemented by providers that can enumerate their models.
type modelLister interface {
	List(ctx context.Context) ([]string, error)
}

// checkModel fails when the provider does not offer the named model. Names
// match with or without the "models/" prefix.
func checkModel(ctx context.Context, l modelLister, name string) error {
	names, err := l.List(ctx)
	if err != nil {
		return fmt.Errorf("listing models: %w", err)
	}
	want := strings.TrimPrefix(name, "models/")
	for _, n := range names {
		if strings.TrimPrefix(n, "models/") == want {
			return nil
		}
	}
	return fmt.Errorf("model %q is not offered by the provider (%d models available)", name, len(names))
}

// RunReaper stops expired sandboxes until ctx is done.
func (a *App) RunReaper(ctx context.Context) error {
	return a.backend.Run(ctx, a.Config.Sandbox.ReapInterval)
}

// Close stops the preview process and the session's sandbox and releases
// clients.
func (a *App) Close(ctx context.Context) {
	if a.backend != nil && a.SessionID != "" {
		a.backend.Stop(ctx, a.SessionID)
	}
	a.release()
	a.logger.Info("Application closed", "sessionID", a.SessionID)
}

// Detach stops the preview process and releases clients but leaves the
// sandbox running until its keep-alive expires.
func (a *App) Detach() {
	a.release()
	a.logger.Info("Application detached", "sessionID", a.SessionID)
}

func (a *App) release() {
	if a.Preview != nil {
		a.Preview.Stop()
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
