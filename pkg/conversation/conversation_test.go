package conversation

import (
	"context"
	"errors"
	"io"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/nstogner/sandboxchat/pkg/domain"
	"github.com/nstogner/sandboxchat/pkg/models"
	"github.com/nstogner/sandboxchat/pkg/sandbox"
	"github.com/nstogner/sandboxchat/pkg/tools"
	"github.com/nstogner/sandboxchat/pkg/workspace"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedProvider replays canned replies. Once exhausted it repeats the
// last one.
type scriptedProvider struct {
	replies  []domain.AssistantMessage
	err      error
	requests []models.Request
}

func (p *scriptedProvider) Complete(ctx context.Context, req models.Request) (domain.AssistantMessage, error) {
	req.Messages = append([]domain.Message(nil), req.Messages...)
	p.requests = append(p.requests, req)
	if p.err != nil {
		return domain.AssistantMessage{}, p.err
	}
	i := len(p.requests) - 1
	if i >= len(p.replies) {
		i = len(p.replies) - 1
	}
	return p.replies[i], nil
}

type fakeBackend struct {
	outcome  *sandbox.Outcome
	executed []string
	uploaded map[string][]byte
}

func (f *fakeBackend) Create(ctx context.Context, keepAlive time.Duration) (string, error) {
	return "sb-1", nil
}

func (f *fakeBackend) Reconnect(ctx context.Context, id string) (*sandbox.Handle, error) {
	if id != "sb-1" {
		return nil, sandbox.ErrSessionUnavailable
	}
	return &sandbox.Handle{ID: id}, nil
}

func (f *fakeBackend) Execute(ctx context.Context, h *sandbox.Handle, code string) (*sandbox.Outcome, error) {
	f.executed = append(f.executed, code)
	if f.outcome == nil {
		return &sandbox.Outcome{}, nil
	}
	return f.outcome, nil
}

func (f *fakeBackend) Upload(ctx context.Context, h *sandbox.Handle, name string, r io.Reader, size int64) (string, error) {
	b, _ := io.ReadAll(r)
	if f.uploaded == nil {
		f.uploaded = map[string][]byte{}
	}
	f.uploaded[name] = b
	return sandbox.RemoteRoot + "/" + name, nil
}

func (f *fakeBackend) Download(ctx context.Context, h *sandbox.Handle, remotePath string) ([]byte, error) {
	return nil, &sandbox.FileTransferError{Path: remotePath, Err: os.ErrNotExist}
}

func (f *fakeBackend) Close() error { return nil }

type harness struct {
	conv      *Conversation
	provider  *scriptedProvider
	backend   *fakeBackend
	ws        *workspace.Dir
	installed [][]string
}

func newHarness(t *testing.T, cfg Config, replies ...domain.AssistantMessage) *harness {
	t.Helper()
	ws, err := workspace.Open(t.TempDir())
	require.NoError(t, err)

	h := &harness{
		provider: &scriptedProvider{replies: replies},
		backend:  &fakeBackend{},
		ws:       ws,
	}
	sessions := sandbox.NewSessionManager(h.backend, ws, 0)

	reg := tools.NewRegistry()
	reg.Register(&tools.ExecutePythonTool{Sandbox: sessions})
	reg.Register(&tools.SendFileTool{Sandbox: sessions, Downloads: ws})
	reg.Register(&tools.InstallDependencyTool{
		Command: "npm install",
		Dir:     t.TempDir(),
		Run: func(ctx context.Context, dir, name string, args ...string) ([]byte, error) {
			h.installed = append(h.installed, append([]string{name}, args...))
			return []byte("added 2 packages"), nil
		},
	})

	h.conv = New(cfg, "sb-1", Deps{
		Provider:  h.provider,
		Tools:     reg,
		Workspace: ws,
		Sandbox:   sessions,
	})
	return h
}

func toolCall(id, name string, args map[string]any) domain.ToolCall {
	return domain.ToolCall{ID: id, Name: name, Arguments: args}
}

func calls(tcs ...domain.ToolCall) domain.AssistantMessage {
	return domain.AssistantMessage{ToolCalls: tcs}
}

func answer(text string) domain.AssistantMessage {
	return domain.AssistantMessage{Parts: []domain.ContentPart{domain.TextPart(text)}}
}

// assertIntegrity checks that every tool message answers a call of the
// nearest preceding assistant message and that every call is answered.
func assertIntegrity(t *testing.T, log []domain.Message) {
	t.Helper()
	var pending map[string]bool
	for i, msg := range log {
		switch m := msg.(type) {
		case domain.AssistantMessage:
			for id := range pending {
				t.Errorf("call %s unanswered before message %d", id, i)
			}
			pending = map[string]bool{}
			for _, tc := range m.ToolCalls {
				pending[tc.ID] = true
			}
		case domain.ToolMessage:
			if !pending[m.ToolCallID] {
				t.Errorf("tool message %d references unknown call %s", i, m.ToolCallID)
			}
			delete(pending, m.ToolCallID)
		default:
			for id := range pending {
				t.Errorf("call %s unanswered before message %d", id, i)
			}
			pending = nil
		}
	}
	for id := range pending {
		t.Errorf("call %s unanswered at end of log", id)
	}
}

func TestSend_PlotScenario(t *testing.T) {
	h := newHarness(t, Config{Model: "m"},
		calls(toolCall("c1", "execute_python", map[string]any{"code": "plt.plot(np.sin(x))"})),
		answer("Here's the plot."),
	)
	h.backend.outcome = &sandbox.Outcome{Results: []sandbox.Result{
		{Text: "<Figure size 640x480>", Formats: []string{"png"}, PNG: []byte("\x89PNG fake")},
	}}

	res, err := h.conv.SendText(context.Background(), "plot sin(x)")
	require.NoError(t, err)

	assert.Len(t, h.provider.requests, 2, "model re-invoked after the non-terminal tool")
	assert.Equal(t, StatusCompleted, res.Status)
	assert.Equal(t, "Here's the plot.", res.FinalText)
	assert.Equal(t, 1, res.Rounds)

	// The chart is persisted to the single slot and surfaced.
	_, err = os.Stat(h.ws.ChartPath())
	require.NoError(t, err)
	assert.Equal(t, h.ws.ChartPath(), res.ChartPath)

	require.Len(t, res.Entries, 2)
	assistant := res.Entries[1]
	var texts []string
	for _, p := range assistant.Parts {
		if p.Kind == domain.PartKindText {
			texts = append(texts, p.Value)
		}
	}
	assert.Equal(t, []string{"Here's the plot."}, texts)
	assert.Equal(t, domain.TranscriptPart{Kind: domain.PartKindText, Value: "Here's the plot."}, assistant.Parts[len(assistant.Parts)-1])

	// The second request carries the formatted tool result.
	second := h.provider.requests[1].Messages
	tm, ok := second[len(second)-1].(domain.ToolMessage)
	require.True(t, ok)
	assert.Contains(t, tm.Content, "[Display data]: <Figure size 640x480>")

	assert.Equal(t, StateIdle, h.conv.State())
	assertIntegrity(t, h.conv.Log())
}

func TestSend_InstallScenario(t *testing.T) {
	h := newHarness(t, Config{Model: "m"},
		calls(toolCall("c1", "install_dependency", map[string]any{"package_names": "requests pandas"})),
		answer("should never be requested"),
	)

	res, err := h.conv.SendText(context.Background(), "install requests and pandas")
	require.NoError(t, err)

	assert.Len(t, h.provider.requests, 1, "terminal tool must not re-invoke the model")
	assert.Equal(t, StatusTerminal, res.Status)
	assert.Equal(t, "Installed requests pandas successfully.", res.FinalText)
	assert.Equal(t, [][]string{{"npm", "install", "requests", "pandas"}}, h.installed)
	assertIntegrity(t, h.conv.Log())
}

func TestSend_TerminalShortCircuitSkipsRemainingCalls(t *testing.T) {
	h := newHarness(t, Config{Model: "m"},
		calls(
			toolCall("a", "execute_python", map[string]any{"code": "1"}),
			toolCall("b", "install_dependency", map[string]any{"package_names": "recharts"}),
			toolCall("c", "execute_python", map[string]any{"code": "2"}),
		),
	)

	res, err := h.conv.SendText(context.Background(), "go")
	require.NoError(t, err)

	assert.Len(t, h.provider.requests, 1)
	assert.Equal(t, StatusTerminal, res.Status)
	assert.Equal(t, []string{"1"}, h.backend.executed)

	log := h.conv.Log()
	last, ok := log[len(log)-1].(domain.ToolMessage)
	require.True(t, ok)
	assert.Equal(t, "c", last.ToolCallID)
	assert.True(t, last.IsError)
	assert.True(t, strings.HasPrefix(last.Content, "Skipped:"))
	assertIntegrity(t, log)
}

func TestSend_ToolFailureIsFedBack(t *testing.T) {
	h := newHarness(t, Config{Model: "m"},
		calls(toolCall("a", "no_such_tool", nil)),
		answer("Sorry, that tool does not exist."),
	)

	res, err := h.conv.SendText(context.Background(), "go")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, res.Status)
	require.Len(t, h.provider.requests, 2)

	msgs := h.provider.requests[1].Messages
	tm := msgs[len(msgs)-1].(domain.ToolMessage)
	assert.True(t, tm.IsError)
	assert.Contains(t, tm.Content, "unknown tool")
}

func TestSend_ToolRoundLimit(t *testing.T) {
	h := newHarness(t, Config{Model: "m", MaxToolRounds: 3},
		calls(toolCall("", "execute_python", map[string]any{"code": "loop()"})),
	)

	res, err := h.conv.SendText(context.Background(), "loop forever")
	require.NoError(t, err)

	assert.Equal(t, StatusAborted, res.Status)
	assert.Equal(t, 3, res.Rounds)
	assert.Len(t, h.provider.requests, 4)
	assert.Len(t, h.backend.executed, 3)
	assert.Contains(t, res.FinalText, "Stopped after 3 tool rounds")
	assertIntegrity(t, h.conv.Log())
}

func TestSend_ModelErrorRollsBack(t *testing.T) {
	h := newHarness(t, Config{Model: "m"}, answer("hi"))
	before := len(h.conv.Log())
	boom := errors.New("rate limited")
	h.provider.err = boom

	_, err := h.conv.SendText(context.Background(), "hello")
	var turnErr *TurnError
	require.ErrorAs(t, err, &turnErr)
	assert.Equal(t, StateModelReasoning, turnErr.State)
	assert.ErrorIs(t, err, boom)
	assert.Len(t, h.conv.Log(), before)

	h.provider.err = nil
	res, err := h.conv.SendText(context.Background(), "hello again")
	require.NoError(t, err)
	assert.Equal(t, "hi", res.FinalText)
}

func TestSend_MultipleTurnsKeepIntegrity(t *testing.T) {
	h := newHarness(t, Config{Model: "m"},
		calls(toolCall("a", "execute_python", map[string]any{"code": "x = 1"})),
		answer("done"),
		calls(
			toolCall("b", "execute_python", map[string]any{"code": "x"}),
			toolCall("c", "execute_python", map[string]any{"code": "x + 1"}),
		),
		answer("also done"),
	)

	_, err := h.conv.SendText(context.Background(), "one")
	require.NoError(t, err)
	_, err = h.conv.SendText(context.Background(), "two")
	require.NoError(t, err)

	assertIntegrity(t, h.conv.Log())
	assert.Len(t, h.conv.Transcript(), 4)

	// The system prompt leads every request and stays out of Messages.
	for _, req := range h.provider.requests {
		assert.Equal(t, DefaultSystemPrompt, req.System)
		_, isSystem := req.Messages[0].(domain.SystemMessage)
		assert.False(t, isSystem)
		assert.Len(t, req.Tools, 3)
	}
}

func TestSend_PreviewURL(t *testing.T) {
	h := newHarness(t, Config{Model: "m", PreviewPort: 3000}, answer("ok"))
	require.NoError(t, h.ws.MarkReady())

	res, err := h.conv.SendText(context.Background(), "show it")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(res.PreviewURL, "http://localhost:3000/?t="))
}

func TestAttachFiles(t *testing.T) {
	h := newHarness(t, Config{Model: "m"}, answer("I see the files."))

	remotes, err := h.conv.AttachFiles(context.Background(), []Upload{
		{Name: "a.csv", Data: []byte("x,y")},
		{Name: "b.txt", Data: []byte("hello")},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"/home/user/a.csv", "/home/user/b.txt"}, remotes)
	assert.Equal(t, []byte("x,y"), h.backend.uploaded["a.csv"])

	_, err = h.conv.AttachFiles(context.Background(), []Upload{{Name: "a.csv", Data: []byte("x,y,z")}})
	require.NoError(t, err)

	sys := h.conv.Log()[0].(domain.SystemMessage)
	assert.True(t, strings.HasSuffix(sys.Content, "These files are saved to disk. User may ask questions about them. a.csv, b.txt"))
	assert.Equal(t, 1, strings.Count(sys.Content, "These files are saved to disk"))

	_, err = os.Stat(h.ws.UploadsPath() + "/b.txt")
	assert.NoError(t, err)

	_, err = h.conv.SendText(context.Background(), "what is in a.csv?")
	require.NoError(t, err)
	assert.Contains(t, h.provider.requests[0].System, "a.csv, b.txt")
}

func TestAttachFiles_PartialFailureStillAnnouncesSentFiles(t *testing.T) {
	h := newHarness(t, Config{Model: "m"}, answer("ok"))

	remotes, err := h.conv.AttachFiles(context.Background(), []Upload{
		{Name: "a.csv", Data: []byte("x,y")},
		{Name: "..", Data: []byte("nope")},
	})
	require.Error(t, err)
	assert.Equal(t, []string{"/home/user/a.csv"}, remotes)
	assert.Contains(t, h.backend.uploaded, "a.csv")

	sys := h.conv.Log()[0].(domain.SystemMessage)
	assert.True(t, strings.HasSuffix(sys.Content, "User may ask questions about them. a.csv"))
}

// blockingProvider holds each call until release is closed.
type blockingProvider struct {
	entered chan struct{}
	release chan struct{}
}

func (p *blockingProvider) Complete(ctx context.Context, req models.Request) (domain.AssistantMessage, error) {
	close(p.entered)
	<-p.release
	return answer("done"), nil
}

func TestState_ObservableDuringModelCall(t *testing.T) {
	h := newHarness(t, Config{Model: "m"})
	p := &blockingProvider{entered: make(chan struct{}), release: make(chan struct{})}
	h.conv.deps.Provider = p

	done := make(chan error, 1)
	go func() {
		_, err := h.conv.SendText(context.Background(), "think hard")
		done <- err
	}()
	<-p.entered

	type snapshot struct {
		state   State
		history int
		log     int
	}
	observed := make(chan snapshot, 1)
	go func() {
		observed <- snapshot{state: h.conv.State(), history: len(h.conv.Transcript()), log: len(h.conv.Log())}
	}()

	select {
	case got := <-observed:
		assert.Equal(t, StateModelReasoning, got.state)
		assert.Equal(t, 0, got.history)
		assert.Equal(t, 2, got.log)
	case <-time.After(2 * time.Second):
		t.Fatal("readers blocked while the model call was in flight")
	}

	close(p.release)
	require.NoError(t, <-done)
	assert.Equal(t, StateIdle, h.conv.State())
	assert.Len(t, h.conv.Transcript(), 2)
}
