package preview

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProcess struct {
	outR, errR *io.PipeReader
	outW, errW *io.PipeWriter
	killed     atomic.Bool
	exited     chan struct{}
	once       sync.Once
}

func newFakeProcess() *fakeProcess {
	p := &fakeProcess{exited: make(chan struct{})}
	p.outR, p.outW = io.Pipe()
	p.errR, p.errW = io.Pipe()
	return p
}

func (p *fakeProcess) Stdout() io.Reader { return p.outR }
func (p *fakeProcess) Stderr() io.Reader { return p.errR }

func (p *fakeProcess) Kill() error {
	p.killed.Store(true)
	p.exit()
	return nil
}

func (p *fakeProcess) Wait() error {
	<-p.exited
	return nil
}

func (p *fakeProcess) exit() {
	p.once.Do(func() {
		p.outW.Close()
		p.errW.Close()
		close(p.exited)
	})
}

func (p *fakeProcess) emit(stream, line string) {
	w := p.outW
	if stream == StreamStderr {
		w = p.errW
	}
	_, _ = io.WriteString(w, line+"\n")
}

type step struct {
	after  time.Duration
	stream string
	line   string
	exit   bool
}

type fakeLauncher struct {
	mu          sync.Mutex
	procs       []*fakeProcess
	script      []step
	killByNames int
}

func (l *fakeLauncher) Start(dir string) (Process, error) {
	p := newFakeProcess()
	l.mu.Lock()
	l.procs = append(l.procs, p)
	script := l.script
	l.mu.Unlock()

	go func() {
		for _, s := range script {
			select {
			case <-time.After(s.after):
			case <-p.exited:
				return
			}
			if s.exit {
				p.exit()
				return
			}
			p.emit(s.stream, s.line)
		}
	}()
	return p, nil
}

func (l *fakeLauncher) KillByName(ctx context.Context, pattern string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.killByNames++
	return nil
}

type countingMarker struct{ n atomic.Int32 }

func (m *countingMarker) MarkReady() error {
	m.n.Add(1)
	return nil
}

func newTestSupervisor(t *testing.T, budget time.Duration, script ...step) (*Supervisor, *fakeLauncher, *countingMarker) {
	t.Helper()
	l := &fakeLauncher{script: script}
	m := &countingMarker{}
	s := NewSupervisor(Config{
		AppDir:       t.TempDir(),
		PollInterval: 20 * time.Millisecond,
		Budget:       budget,
	}, l, m, nil)
	t.Cleanup(s.Stop)
	return s, l, m
}

func TestRender_SuccessReturnsEarly(t *testing.T) {
	s, _, marker := newTestSupervisor(t, 5*time.Second,
		step{after: 10 * time.Millisecond, stream: StreamStdout, line: "Starting the development server..."},
		step{after: 40 * time.Millisecond, stream: StreamStdout, line: "Compiled successfully!"},
	)

	start := time.Now()
	out, err := s.Render(context.Background(), "export default function App() { return <div/>; }")
	require.NoError(t, err)

	assert.Equal(t, StatusReady, out.Status)
	assert.NoError(t, out.Err())
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, int32(1), marker.n.Load())
	assert.Equal(t, StateReady, s.State())

	b, err := os.ReadFile(filepath.Join(s.cfg.AppDir, "src", "App.js"))
	require.NoError(t, err)
	assert.Contains(t, string(b), "function App")
}

func TestRender_TimeoutWithoutSignal(t *testing.T) {
	budget := 150 * time.Millisecond
	s, _, marker := newTestSupervisor(t, budget,
		step{after: 10 * time.Millisecond, stream: StreamStdout, line: "Starting the development server..."},
	)

	start := time.Now()
	out, err := s.Render(context.Background(), "x")
	require.NoError(t, err)
	elapsed := time.Since(start)

	assert.Equal(t, StatusTimeout, out.Status)
	assert.ErrorIs(t, out.Err(), ErrBuildTimeout)
	assert.GreaterOrEqual(t, elapsed, budget)
	assert.Contains(t, out.Message, "Timed out after 150ms")
	assert.Less(t, elapsed, 2*time.Second)
	assert.Zero(t, marker.n.Load())
	assert.Equal(t, StateCompiling, s.State())
}

func TestRender_FailureAcrossStreams(t *testing.T) {
	s, _, marker := newTestSupervisor(t, 5*time.Second,
		step{after: 10 * time.Millisecond, stream: StreamStderr, line: "Failed to compile."},
		step{after: 30 * time.Millisecond, stream: StreamStdout, line: "ERROR in ./src/App.js 3:5"},
		step{after: 30 * time.Millisecond, stream: StreamStdout, line: "webpack compiled with 1 error"},
	)

	out, err := s.Render(context.Background(), "x")
	require.NoError(t, err)

	assert.Equal(t, StatusFailed, out.Status)
	assert.Equal(t, []string{"Failed to compile.", "ERROR in ./src/App.js 3:5"}, out.Errors)
	assert.ErrorIs(t, out.Err(), ErrBuildFailed)
	assert.Contains(t, out.Message, "ERROR in ./src/App.js 3:5")
	assert.Zero(t, marker.n.Load())
	assert.Equal(t, StateFailed, s.State())
}

func TestRender_CompiledWithWarningsIsReady(t *testing.T) {
	s, _, marker := newTestSupervisor(t, 5*time.Second,
		step{after: 10 * time.Millisecond, stream: StreamStdout, line: "Compiled with warnings."},
	)

	out, err := s.Render(context.Background(), "x")
	require.NoError(t, err)
	assert.Equal(t, StatusReady, out.Status)
	assert.Equal(t, int32(1), marker.n.Load())
}

func TestRender_ErrorCountWithoutErrorLinesFails(t *testing.T) {
	s, _, marker := newTestSupervisor(t, 5*time.Second,
		step{after: 10 * time.Millisecond, stream: StreamStdout, line: "webpack compiled with 1 error"},
	)

	out, err := s.Render(context.Background(), "x")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, out.Status)
	assert.Equal(t, []string{"webpack compiled with 1 error"}, out.Errors)
	assert.ErrorIs(t, out.Err(), ErrBuildFailed)
	assert.Zero(t, marker.n.Load())
}

func TestRender_ExitWithoutSignal(t *testing.T) {
	s, _, marker := newTestSupervisor(t, 5*time.Second,
		step{after: 10 * time.Millisecond, stream: StreamStdout, line: "> react-scripts start"},
		step{after: 10 * time.Millisecond, exit: true},
	)

	out, err := s.Render(context.Background(), "x")
	require.NoError(t, err)
	assert.Equal(t, StatusUnclear, out.Status)
	assert.NoError(t, out.Err())
	assert.Equal(t, int32(1), marker.n.Load())
}

func TestRender_ExitWithErrors(t *testing.T) {
	s, _, marker := newTestSupervisor(t, 5*time.Second,
		step{after: 10 * time.Millisecond, stream: StreamStderr, line: "Error: Cannot find module 'react'"},
		step{after: 20 * time.Millisecond, exit: true},
	)

	out, err := s.Render(context.Background(), "x")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, out.Status)
	assert.Equal(t, []string{"Error: Cannot find module 'react'"}, out.Errors)
	assert.Zero(t, marker.n.Load())
}

func TestRender_RestartKillsPrevious(t *testing.T) {
	s, l, _ := newTestSupervisor(t, 5*time.Second,
		step{after: 10 * time.Millisecond, stream: StreamStdout, line: "Compiled successfully!"},
	)

	_, err := s.Render(context.Background(), "first")
	require.NoError(t, err)
	_, err = s.Render(context.Background(), "second")
	require.NoError(t, err)

	l.mu.Lock()
	defer l.mu.Unlock()
	require.Len(t, l.procs, 2)
	assert.True(t, l.procs[0].killed.Load())
	assert.False(t, l.procs[1].killed.Load())
	// Name-based cleanup only runs when no handle is held.
	assert.Equal(t, 1, l.killByNames)
}

func TestClassify(t *testing.T) {
	cases := []struct {
		line string
		want signal
	}{
		{line: "Compiled successfully!", want: signalSuccess},
		{line: "webpack compiled successfully", want: signalSuccess},
		{line: "Failed to compile.", want: signalError},
		{line: "ERROR in ./src/App.js", want: signalError},
		{line: "Module not found: Error: Can't resolve 'x'", want: signalError},
		{line: "Compiled with warnings.", want: signalFinal},
		{line: "webpack compiled with 1 error", want: signalFailedFinal},
		{line: "webpack compiled with 2 errors and 1 warning", want: signalFailedFinal},
		{line: "webpack compiled with 1 warning", want: signalFinal},
		{line: "webpack compiled with 1 error: see above", want: signalErrorFinal},
		{line: "Starting the development server...", want: signalNone},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, classify(tc.line), tc.line)
	}
}
