// Command cli is a terminal chat client for the sandboxed assistant.
//
// Usage:
//
//	export ANTHROPIC_API_KEY="your-api-key"
//	go run ./cmd/cli
//
// Commands:
//
//	/upload <path> - Send a local file to the sandbox
//	/exit - Exit the program
//	<message> - Send a message to the assistant
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textarea"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"

	"github.com/nstogner/sandboxchat/pkg/app"
	"github.com/nstogner/sandboxchat/pkg/config"
	"github.com/nstogner/sandboxchat/pkg/conversation"
	"github.com/nstogner/sandboxchat/pkg/domain"
	"github.com/nstogner/sandboxchat/pkg/logging"
)

var (
	titleStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FFFDF5")).
			Background(lipgloss.Color("#25A065")).
			Padding(0, 1)

	senderStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("5")).
			Bold(true)

	userStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("2")).
			Bold(true)

	noteStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	errorStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true).Padding(0, 1) // Red
)

type state int

const (
	stateChatting state = iota
	stateConfirmExit
)

type errMsg struct{ err error }

type turnMsg struct{ res *conversation.TurnResult }

type uploadMsg struct{ remotes []string }

type model struct {
	ctx  context.Context
	conv *conversation.Conversation

	state state
	busy  bool
	width int
	err   error
	// endSession is read after the program exits.
	endSession bool

	viewport viewport.Model
	textarea textarea.Model
	renderer *glamour.TermRenderer

	entries []domain.TranscriptEntry
	notes   []string
	// pending is the input of the running turn.
	pending string
}

func initialModel(ctx context.Context, conv *conversation.Conversation) model {
	ta := textarea.New()
	ta.Placeholder = "Type a message..."
	ta.Focus()
	ta.Prompt = "┃ "
	ta.CharLimit = 4000

	ta.SetWidth(80)
	ta.SetHeight(3)

	// Remove cursor line styling
	ta.FocusedStyle.CursorLine = lipgloss.NewStyle()
	ta.ShowLineNumbers = false

	vp := viewport.New(80, 20)
	vp.SetContent("Ask for an analysis, a chart or a React component.")

	// Use "light" style to avoid terminal queries that leak into input
	r, _ := glamour.NewTermRenderer(
		glamour.WithStandardStyle("light"),
		glamour.WithWordWrap(80),
	)

	return model{
		ctx:      ctx,
		conv:     conv,
		state:    stateChatting,
		viewport: vp,
		textarea: ta,
		renderer: r,
	}
}

func (m model) Init() tea.Cmd {
	return textarea.Blink
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	var tiCmd, vpCmd tea.Cmd
	if _, isKey := msg.(tea.KeyMsg); !isKey || m.state == stateChatting {
		m.textarea, tiCmd = m.textarea.Update(msg)
		cmds = append(cmds, tiCmd)
	}
	m.viewport, vpCmd = m.viewport.Update(msg)
	cmds = append(cmds, vpCmd)

	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.viewport.Width = msg.Width
		m.textarea.SetWidth(msg.Width)
		m.viewport.Height = msg.Height - m.textarea.Height() - 4 // Header + status + margin
		if m.viewport.Height < 0 {
			m.viewport.Height = 0
		}
		m.viewport.YPosition = 2

		// Recreate renderer with new width
		m.renderer, _ = glamour.NewTermRenderer(
			glamour.WithStandardStyle("light"),
			glamour.WithWordWrap(m.width-4),
		)
		m.refresh()

	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC, tea.KeyEsc:
			if m.state == stateConfirmExit {
				m.state = stateChatting
				return m, nil
			}
			m.state = stateConfirmExit
			return m, nil
		case tea.KeyEnter:
			if m.state == stateChatting && !m.busy {
				m.err = nil
				return m.submit()
			}
		default:
			if m.state == stateConfirmExit {
				switch msg.String() {
				case "y", "Y":
					m.endSession = true
					return m, tea.Quit
				case "n", "N":
					return m, tea.Quit
				}
			}
		}

	case turnMsg:
		m.busy = false
		m.pending = ""
		m.entries = append(m.entries, msg.res.Entries...)
		m.notes = append(m.notes, artifactNotes(msg.res)...)
		m.refresh()

	case uploadMsg:
		m.busy = false
		m.notes = append(m.notes, "Uploaded "+strings.Join(msg.remotes, ", "))
		m.refresh()

	case errMsg:
		m.busy = false
		m.pending = ""
		m.err = msg.err
		m.refresh()
	}

	return m, tea.Batch(cmds...)
}

func (m model) View() string {
	var errorView string
	if m.err != nil {
		errorView = errorStyle.Width(m.width).Render(fmt.Sprintf("\nError: %v", m.err))
	}

	if m.state == stateConfirmExit {
		return lipgloss.JoinVertical(
			lipgloss.Left,
			titleStyle.Render("Confirm Exit"),
			"",
			"End Session? (y/n)",
			"Ending the session will remove the sandbox.",
			errorView,
		)
	}

	status := noteStyle.Render("working...")
	if !m.busy {
		status = noteStyle.Render(string(m.conv.State()))
	}

	return lipgloss.JoinVertical(
		lipgloss.Left,
		titleStyle.Render("Sandbox Chat"),
		"",
		m.viewport.View(),
		status,
		errorView,
		m.textarea.View(),
	)
}

// Actions

func (m model) submit() (model, tea.Cmd) {
	v := strings.TrimSpace(m.textarea.Value())
	if v == "" {
		return m, nil
	}
	m.textarea.Reset()

	if v == "/exit" {
		m.state = stateConfirmExit
		return m, nil
	}

	if strings.HasPrefix(v, "/upload ") {
		path := strings.TrimSpace(strings.TrimPrefix(v, "/upload "))
		m.busy = true
		return m, m.uploadCmd(path)
	}

	m.busy = true
	m.pending = v
	m.refresh()
	return m, m.sendCmd(v)
}

func (m model) sendCmd(text string) tea.Cmd {
	return func() tea.Msg {
		res, err := m.conv.SendText(m.ctx, text)
		if err != nil {
			return errMsg{err}
		}
		return turnMsg{res}
	}
}

func (m model) uploadCmd(path string) tea.Cmd {
	return func() tea.Msg {
		data, err := os.ReadFile(path)
		if err != nil {
			return errMsg{err}
		}
		remotes, err := m.conv.AttachFiles(m.ctx, []conversation.Upload{{Name: filepath.Base(path), Data: data}})
		if err != nil {
			return errMsg{err}
		}
		return uploadMsg{remotes}
	}
}

func (m *model) refresh() {
	var sb strings.Builder
	for _, e := range m.entries {
		if e.Role == domain.RoleUser {
			sb.WriteString(userStyle.Render("User: "))
		} else {
			sb.WriteString(senderStyle.Render("AI: "))
		}
		sb.WriteString("\n")
		for _, p := range e.Parts {
			raw := p.Value
			if p.Kind == domain.PartKindCode {
				raw = "```python\n" + raw + "\n```"
			}
			sb.WriteString(m.render(raw))
			sb.WriteString("\n")
		}
	}
	for _, n := range m.notes {
		sb.WriteString(noteStyle.Render(n))
		sb.WriteString("\n")
	}
	if m.pending != "" {
		sb.WriteString(userStyle.Render("User: "))
		sb.WriteString("\n")
		sb.WriteString(m.render(m.pending))
	}
	m.viewport.SetContent(sb.String())
	m.viewport.GotoBottom()
}

func (m *model) render(raw string) string {
	if m.renderer == nil {
		return raw
	}
	out, err := m.renderer.Render(raw)
	if err != nil {
		return raw
	}
	return out
}

func artifactNotes(res *conversation.TurnResult) []string {
	var notes []string
	if res.Status == conversation.StatusAborted {
		notes = append(notes, "Turn stopped at the tool round limit.")
	}
	if res.ChartPath != "" {
		notes = append(notes, "Chart: "+res.ChartPath)
	}
	if res.PreviewURL != "" {
		notes = append(notes, "Preview: "+res.PreviewURL)
	}
	if len(res.Downloads) > 0 {
		notes = append(notes, "Downloads: "+strings.Join(res.Downloads, ", "))
	}
	return notes
}

// --- Main ---

func main() {
	configPath := flag.String("config", "", "path to a TOML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Println("Error:", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 1. Setup Logging (to a file, the terminal belongs to the UI)
	logFile := cfg.Log.File
	if logFile == "" {
		logFile = "sandboxchat.log"
	}
	f, err := os.OpenFile(logFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		fmt.Println("fatal:", err)
		os.Exit(1)
	}
	defer f.Close()

	level, err := logging.ParseLevel(cfg.Log.Level)
	if err != nil {
		fmt.Println("Error:", err)
		os.Exit(1)
	}
	logger := logging.New(f, level, cfg.Log.Format)
	slog.SetDefault(logger)
	slog.Info("Logging initialized", "level", level)

	// 2. Wire the application
	fmt.Println("Starting sandbox...")
	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		fmt.Println("Error:", err)
		os.Exit(1)
	}
	go func() {
		if err := a.RunReaper(ctx); err != nil && ctx.Err() == nil {
			slog.Error("Reaper stopped", "error", err)
		}
	}()

	// 3. Start Program
	p := tea.NewProgram(initialModel(ctx, a.Conversation))
	final, err := p.Run()
	if err != nil {
		fmt.Printf("Alas, there's been an error: %v", err)
	}

	closeCtx, closeCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer closeCancel()
	if fm, ok := final.(model); ok && fm.endSession {
		a.Close(closeCtx)
	} else {
		// The sandbox is left to expire on its own keep-alive.
		a.Detach()
	}
	if err != nil {
		os.Exit(1)
	}
}
