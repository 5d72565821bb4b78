// Package conversation drives one chat through model reasoning and tool
// dispatch.
package conversation

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nstogner/sandboxchat/pkg/domain"
	"github.com/nstogner/sandboxchat/pkg/metrics"
	"github.com/nstogner/sandboxchat/pkg/models"
	"github.com/nstogner/sandboxchat/pkg/sandbox"
	"github.com/nstogner/sandboxchat/pkg/transcript"
)

// DefaultMaxToolRounds bounds model/tool cycles within one turn.
const DefaultMaxToolRounds = 10

// State of the conversation state machine.
type State string

const (
	StateAwaitingUserInput State = "awaiting-user-input"
	StateModelReasoning    State = "model-reasoning"
	StateToolDispatch      State = "tool-dispatch"
	StateIdle              State = "idle"
)

// Status classifies how a turn ended.
type Status string

const (
	// StatusCompleted means the model answered without further tool calls.
	StatusCompleted Status = "completed"
	// StatusTerminal means a terminal tool produced the turn's output.
	StatusTerminal Status = "terminal"
	// StatusAborted means the tool round limit was hit.
	StatusAborted Status = "aborted"
)

// Dispatcher executes tool calls.
type Dispatcher interface {
	Specs() []domain.ToolSpec
	Dispatch(ctx context.Context, call domain.ToolCall) domain.ToolResult
}

// Workspace exposes the artifacts a turn may produce and stores uploads.
type Workspace interface {
	Chart() (string, bool)
	Ready() bool
	Downloads() ([]string, error)
	SaveUpload(name string, data []byte) (string, error)
}

// Uploader sends local files to the sandbox.
type Uploader interface {
	Reconnect(ctx context.Context, id string) (*sandbox.Handle, error)
	Upload(ctx context.Context, h *sandbox.Handle, localPath string) (string, error)
}

// Config controls model invocation and turn limits.
type Config struct {
	Model         string
	Temperature   float64
	MaxTokens     int
	MaxToolRounds int
	SystemPrompt  string
	// PreviewPort is used to build the preview URL once the ready flag is set.
	PreviewPort int
}

// Deps are the collaborators of a Conversation. Sandbox and Metrics may be
// nil.
type Deps struct {
	Provider  models.Provider
	Tools     Dispatcher
	Workspace Workspace
	Sandbox   Uploader
	Metrics   *metrics.Recorder
}

// TurnResult is what a turn shows to the user.
type TurnResult struct {
	ID      string                   `json:"id"`
	Status  Status                   `json:"status"`
	Entries []domain.TranscriptEntry `json:"entries"`
	// FinalText is the final assistant text or the terminal tool result.
	FinalText  string   `json:"final_text"`
	ChartPath  string   `json:"chart_path,omitempty"`
	PreviewURL string   `json:"preview_url,omitempty"`
	Downloads  []string `json:"downloads,omitempty"`
	Rounds     int      `json:"rounds"`
}

// TurnError reports a turn that failed in the model call or internally. The
// working log is rolled back to its state before the turn.
type TurnError struct {
	TurnID string
	State  State
	Err    error
}

func (e *TurnError) Error() string {
	return fmt.Sprintf("turn %s failed during %s: %v", e.TurnID, e.State, e.Err)
}

func (e *TurnError) Unwrap() error { return e.Err }

// Conversation owns the working log. Turns are processed one at a time.
type Conversation struct {
	cfg  Config
	deps Deps

	// turnMu serializes turns and uploads. The turn holding it is the only
	// writer of log and uploads.
	turnMu sync.Mutex
	// mu guards log writes, history and state for concurrent readers.
	mu        sync.Mutex
	sessionID string
	log       []domain.Message
	history   []domain.TranscriptEntry
	uploads   []string
	state     State
	now       func() time.Time
}

// New creates a Conversation bound to the given sandbox session.
func New(cfg Config, sessionID string, deps Deps) *Conversation {
	if cfg.MaxToolRounds <= 0 {
		cfg.MaxToolRounds = DefaultMaxToolRounds
	}
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = DefaultSystemPrompt
	}
	return &Conversation{
		cfg:       cfg,
		deps:      deps,
		sessionID: sessionID,
		log:       []domain.Message{domain.SystemMessage{Content: cfg.SystemPrompt}},
		state:     StateAwaitingUserInput,
		now:       time.Now,
	}
}

// State returns the current state.
func (c *Conversation) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Log returns a copy of the working log.
func (c *Conversation) Log() []domain.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]domain.Message(nil), c.log...)
}

// Transcript returns the entries of all completed turns.
func (c *Conversation) Transcript() []domain.TranscriptEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]domain.TranscriptEntry(nil), c.history...)
}

func (c *Conversation) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *Conversation) appendLog(msgs ...domain.Message) {
	c.mu.Lock()
	c.log = append(c.log, msgs...)
	c.mu.Unlock()
}

// SendText runs a turn for a plain text input.
func (c *Conversation) SendText(ctx context.Context, text string) (*TurnResult, error) {
	return c.Send(ctx, domain.NewUserText(text))
}

// Send runs one turn: the model is invoked until it stops calling tools, a
// terminal tool fires or the tool round limit is reached.
func (c *Conversation) Send(ctx context.Context, input domain.UserMessage) (*TurnResult, error) {
	c.turnMu.Lock()
	defer c.turnMu.Unlock()

	turnID := uuid.New().String()
	started := c.now()
	start := len(c.log)
	ctx = sandbox.WithSession(ctx, c.sessionID)

	slog.Info("Turn started", "turnID", turnID, "sessionID", c.sessionID)
	c.appendLog(input)

	res, err := c.run(ctx, turnID)
	if err != nil {
		c.mu.Lock()
		c.log = c.log[:start]
		c.state = StateIdle
		c.mu.Unlock()
		slog.Error("Turn failed", "turnID", turnID, "error", err)
		return nil, err
	}

	res.ID = turnID
	res.Entries = transcript.Project(c.log[start:])
	c.mu.Lock()
	c.history = append(c.history, res.Entries...)
	c.state = StateIdle
	c.mu.Unlock()
	c.collectArtifacts(res)

	c.deps.Metrics.RecordTurn(ctx, string(res.Status), res.Rounds, c.now().Sub(started))
	slog.Info("Turn finished", "turnID", turnID, "status", res.Status, "rounds", res.Rounds)
	return res, nil
}

func (c *Conversation) run(ctx context.Context, turnID string) (*TurnResult, error) {
	res := &TurnResult{}
	for {
		c.setState(StateModelReasoning)
		msg, err := c.callModel(ctx)
		if err != nil {
			return nil, &TurnError{TurnID: turnID, State: StateModelReasoning, Err: err}
		}
		c.appendLog(msg)

		if len(msg.ToolCalls) == 0 {
			res.Status = StatusCompleted
			res.FinalText = msg.Text()
			return res, nil
		}

		if res.Rounds >= c.cfg.MaxToolRounds {
			text := fmt.Sprintf("Stopped after %d tool rounds without a final answer.", res.Rounds)
			c.skipAll(msg.ToolCalls, "tool round limit reached")
			c.appendLog(domain.AssistantMessage{Parts: []domain.ContentPart{domain.TextPart(text)}})
			slog.Warn("Tool round limit reached", "turnID", turnID, "rounds", res.Rounds)
			res.Status = StatusAborted
			res.FinalText = text
			return res, nil
		}

		res.Rounds++
		c.setState(StateToolDispatch)
		if terminal, ok := c.dispatch(ctx, msg.ToolCalls); ok {
			res.Status = StatusTerminal
			res.FinalText = terminal.Content
			return res, nil
		}
	}
}

func (c *Conversation) callModel(ctx context.Context) (domain.AssistantMessage, error) {
	system, msgs := models.SplitSystem(c.log)
	start := c.now()
	msg, err := c.deps.Provider.Complete(ctx, models.Request{
		Model:       c.cfg.Model,
		System:      system,
		Messages:    msgs,
		Tools:       c.deps.Tools.Specs(),
		Temperature: c.cfg.Temperature,
		MaxTokens:   c.cfg.MaxTokens,
	})
	c.deps.Metrics.RecordModelCall(ctx, c.cfg.Model, err, c.now().Sub(start))
	if err != nil {
		return domain.AssistantMessage{}, fmt.Errorf("calling model: %w", err)
	}
	msg.ToolCalls = append([]domain.ToolCall(nil), msg.ToolCalls...)
	for i := range msg.ToolCalls {
		if msg.ToolCalls[i].ID == "" {
			msg.ToolCalls[i].ID = "call-" + uuid.New().String()
		}
	}
	return msg, nil
}

// dispatch executes calls in order and appends one tool message per call.
// After a terminal call the remaining calls are skipped.
func (c *Conversation) dispatch(ctx context.Context, calls []domain.ToolCall) (domain.ToolResult, bool) {
	for i, call := range calls {
		start := c.now()
		res := c.deps.Tools.Dispatch(ctx, call)
		c.deps.Metrics.RecordToolCall(ctx, call.Name, res.IsError, res.Terminal, c.now().Sub(start))
		c.appendLog(domain.ToolMessage{
			ToolCallID: call.ID,
			Name:       call.Name,
			Content:    res.Content,
			IsError:    res.IsError,
			Terminal:   res.Terminal,
		})
		if res.Terminal {
			c.skipAll(calls[i+1:], fmt.Sprintf("%s ended the turn", call.Name))
			return res, true
		}
	}
	return domain.ToolResult{}, false
}

func (c *Conversation) skipAll(calls []domain.ToolCall, reason string) {
	for _, call := range calls {
		c.appendLog(domain.ToolMessage{
			ToolCallID: call.ID,
			Name:       call.Name,
			Content:    "Skipped: " + reason + ".",
			IsError:    true,
		})
	}
}

func (c *Conversation) collectArtifacts(res *TurnResult) {
	ws := c.deps.Workspace
	if ws == nil {
		return
	}
	if p, ok := ws.Chart(); ok {
		res.ChartPath = p
	}
	if ws.Ready() && c.cfg.PreviewPort > 0 {
		res.PreviewURL = fmt.Sprintf("http://localhost:%d/?t=%d", c.cfg.PreviewPort, c.now().UnixNano())
	}
	downloads, err := ws.Downloads()
	if err != nil {
		slog.Warn("Failed to list downloads", "error", err)
	}
	res.Downloads = downloads
}
