package preview

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Process is a running dev server.
type Process interface {
	Stdout() io.Reader
	Stderr() io.Reader
	// Kill terminates the process and anything it spawned.
	Kill() error
	// Wait blocks until the process exits. It is called once, after both
	// output streams are drained.
	Wait() error
}

// Launcher starts dev servers.
type Launcher interface {
	Start(dir string) (Process, error)
	// KillByName terminates processes whose command line matches pattern.
	// Finding nothing is not an error.
	KillByName(ctx context.Context, pattern string) error
}

// ReadyMarker records that the preview is live.
type ReadyMarker interface {
	MarkReady() error
}

// Config controls the supervisor.
type Config struct {
	AppDir         string
	EntryFile      string
	ProcessPattern string
	PollInterval   time.Duration
	Budget         time.Duration
}

func (c *Config) setDefaults() {
	if c.EntryFile == "" {
		c.EntryFile = DefaultEntryFile
	}
	if c.ProcessPattern == "" {
		c.ProcessPattern = DefaultProcessPattern
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.Budget <= 0 {
		c.Budget = DefaultBudget
	}
}

type handle struct {
	proc Process
	done chan struct{}
}

// Supervisor owns at most one dev server process at a time.
type Supervisor struct {
	cfg      Config
	launcher Launcher
	marker   ReadyMarker
	logger   *slog.Logger

	mu      sync.Mutex
	current *handle
	state   State
}

// NewSupervisor creates a Supervisor. A nil logger uses slog.Default().
func NewSupervisor(cfg Config, launcher Launcher, marker ReadyMarker, logger *slog.Logger) *Supervisor {
	cfg.setDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{
		cfg:      cfg,
		launcher: launcher,
		marker:   marker,
		logger:   logger,
		state:    StateNotStarted,
	}
}

// State returns the lifecycle state of the current process.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Supervisor) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// EntryPath is the file Render writes.
func (s *Supervisor) EntryPath() string {
	return filepath.Join(s.cfg.AppDir, filepath.FromSlash(s.cfg.EntryFile))
}

// Render writes source to the entry file, restarts the dev server and waits
// for it to report a compile result. The returned error is non-nil only when
// the process could not be started; build failures and timeouts are
// reported in the outcome.
func (s *Supervisor) Render(ctx context.Context, source string) (*RenderOutcome, error) {
	entry := s.EntryPath()
	if err := os.MkdirAll(filepath.Dir(entry), 0755); err != nil {
		return nil, fmt.Errorf("creating entry dir: %w", err)
	}
	if err := os.WriteFile(entry, []byte(source), 0644); err != nil {
		return nil, fmt.Errorf("writing entry file: %w", err)
	}

	s.terminate(ctx)

	s.setState(StateStarting)
	proc, err := s.launcher.Start(s.cfg.AppDir)
	if err != nil {
		s.setState(StateFailed)
		return nil, fmt.Errorf("starting dev server: %w", err)
	}
	start := time.Now()
	s.logger.Info("Dev server started", "dir", s.cfg.AppDir)

	h := &handle{proc: proc, done: make(chan struct{})}
	s.mu.Lock()
	s.current = h
	s.state = StateCompiling
	s.mu.Unlock()

	// Readers stop forwarding once watching ends but keep draining so the
	// dev server never blocks on a full pipe.
	watchCtx, stopWatching := context.WithCancel(context.Background())
	defer stopWatching()

	events := make(chan Event)
	go s.pump(watchCtx, h, events)

	out := s.watch(ctx, events, start)
	switch out.Status {
	case StatusReady, StatusUnclear:
		s.setStateFor(h, StateReady)
	case StatusFailed:
		s.setStateFor(h, StateFailed)
	}
	s.logger.Info("Render finished", "status", out.Status, "errors", len(out.Errors), "elapsed", time.Since(start))
	return out, nil
}

func (s *Supervisor) setStateFor(h *handle, st State) {
	s.mu.Lock()
	if s.current == h {
		s.state = st
	}
	s.mu.Unlock()
}

// pump runs both stream readers and reaps the process once they finish.
func (s *Supervisor) pump(watchCtx context.Context, h *handle, events chan<- Event) {
	var g errgroup.Group
	g.Go(func() error { return s.readStream(watchCtx, StreamStdout, h.proc.Stdout(), events) })
	g.Go(func() error { return s.readStream(watchCtx, StreamStderr, h.proc.Stderr(), events) })
	if err := g.Wait(); err != nil {
		s.logger.Debug("Dev server stream closed with error", "error", err)
	}
	close(events)

	err := h.proc.Wait()
	s.logger.Info("Dev server exited", "error", err)
	close(h.done)

	s.mu.Lock()
	if s.current == h {
		s.current = nil
		s.state = StateStopped
	}
	s.mu.Unlock()
}

func (s *Supervisor) readStream(watchCtx context.Context, stream string, r io.Reader, events chan<- Event) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		s.logger.Debug(line, "stream", stream)
		select {
		case events <- Event{Stream: stream, Line: line}:
		case <-watchCtx.Done():
		}
	}
	return scanner.Err()
}

func (s *Supervisor) watch(ctx context.Context, events <-chan Event, start time.Time) *RenderOutcome {
	deadline := time.NewTimer(s.cfg.Budget)
	defer deadline.Stop()

	var errs []string
	for {
		poll := time.NewTimer(s.cfg.PollInterval)
		select {
		case ev, ok := <-events:
			poll.Stop()
			if !ok {
				if len(errs) > 0 {
					return failed(errs)
				}
				s.markReady()
				return &RenderOutcome{
					Status:  StatusUnclear,
					Message: "Dev server exited without a clear compile signal. The preview may not be up to date.",
				}
			}
			switch classify(ev.Line) {
			case signalSuccess:
				s.markReady()
				return ready()
			case signalError:
				errs = append(errs, ev.Line)
			case signalErrorFinal:
				errs = append(errs, ev.Line)
				return failed(errs)
			case signalFailedFinal:
				if len(errs) == 0 {
					errs = append(errs, ev.Line)
				}
				return failed(errs)
			case signalFinal:
				if len(errs) > 0 {
					return failed(errs)
				}
				s.markReady()
				return ready()
			}
		case <-poll.C:
			s.logger.Debug("Waiting for dev server", "elapsed", time.Since(start))
			if time.Since(start) >= s.cfg.Budget {
				return timedOut(s.cfg.Budget)
			}
		case <-deadline.C:
			poll.Stop()
			return timedOut(s.cfg.Budget)
		case <-ctx.Done():
			poll.Stop()
			return timedOut(time.Since(start))
		}
	}
}

func (s *Supervisor) markReady() {
	if s.marker == nil {
		return
	}
	if err := s.marker.MarkReady(); err != nil {
		s.logger.Warn("Failed to write ready flag", "error", err)
	}
}

// terminate stops the supervisor's previous process, or any orphaned dev
// server from a prior run when there is none.
func (s *Supervisor) terminate(ctx context.Context) {
	s.mu.Lock()
	h := s.current
	s.current = nil
	s.mu.Unlock()

	if h == nil {
		if err := s.launcher.KillByName(ctx, s.cfg.ProcessPattern); err != nil {
			s.logger.Debug("No orphaned dev server killed", "pattern", s.cfg.ProcessPattern, "error", err)
		}
		return
	}

	if err := h.proc.Kill(); err != nil {
		s.logger.Warn("Failed to kill dev server", "error", err)
	}
	select {
	case <-h.done:
	case <-time.After(5 * time.Second):
		s.logger.Warn("Dev server did not exit after kill")
	}
	s.setState(StateStopped)
}

// Stop terminates the current dev server, if any.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	h := s.current
	s.mu.Unlock()
	if h == nil {
		return
	}
	s.terminate(context.Background())
}

func ready() *RenderOutcome {
	return &RenderOutcome{Status: StatusReady, Message: "React component rendered successfully."}
}

func failed(errs []string) *RenderOutcome {
	return &RenderOutcome{
		Status:  StatusFailed,
		Errors:  errs,
		Message: "The React component failed to compile:\n" + strings.Join(errs, "\n"),
	}
}

func timedOut(after time.Duration) *RenderOutcome {
	return &RenderOutcome{
		Status:  StatusTimeout,
		Message: fmt.Sprintf("Timed out after %s waiting for the React component to compile. It may still become ready.", after.Round(time.Millisecond)),
	}
}
