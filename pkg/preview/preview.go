// Package preview supervises the local dev server that renders
// model-generated React source.
package preview

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
)

const (
	// DefaultEntryFile is the UI entry point, relative to the app directory.
	DefaultEntryFile = "src/App.js"
	// DefaultProcessPattern matches dev servers left over from a previous run.
	DefaultProcessPattern = "react-scripts start"
	DefaultPort           = 3000
	DefaultPollInterval   = 5 * time.Second
	DefaultBudget         = 30 * time.Second
)

var (
	// ErrBuildFailed is returned by RenderOutcome.Err when the dev server
	// reported compile errors.
	ErrBuildFailed = errors.New("preview build failed")
	// ErrBuildTimeout is returned by RenderOutcome.Err when no terminal
	// signal was seen within the budget.
	ErrBuildTimeout = errors.New("preview build timed out")
)

// State is the lifecycle of the supervised process.
type State string

const (
	StateNotStarted State = "not-started"
	StateStarting   State = "starting"
	StateCompiling  State = "compiling"
	StateReady      State = "ready"
	StateFailed     State = "failed"
	StateStopped    State = "stopped"
)

// Status classifies a render.
type Status string

const (
	StatusReady   Status = "ready"
	StatusFailed  Status = "failed"
	StatusTimeout Status = "timeout"
	// StatusUnclear means the process exited without a success or error
	// signature. The preview is optimistically marked ready.
	StatusUnclear Status = "unclear"
)

// RenderOutcome is the result of one render.
type RenderOutcome struct {
	Status  Status
	Errors  []string
	Message string
}

// Err maps the outcome to ErrBuildFailed, ErrBuildTimeout or nil.
func (o *RenderOutcome) Err() error {
	switch o.Status {
	case StatusFailed:
		return fmt.Errorf("%w: %s", ErrBuildFailed, strings.Join(o.Errors, "\n"))
	case StatusTimeout:
		return ErrBuildTimeout
	}
	return nil
}

// Event is one line of dev server output tagged with its stream.
type Event struct {
	Stream string
	Line   string
}

const (
	StreamStdout = "stdout"
	StreamStderr = "stderr"
)

type signal int

const (
	signalNone signal = iota
	signalSuccess
	signalError
	signalFinal
	signalErrorFinal
	// signalFailedFinal is a finalize line that reports an error count.
	signalFailedFinal
)

var compiledWithErrors = regexp.MustCompile(`compiled with \d+ errors?\b`)

// classify matches a line against the dev server's log signatures.
func classify(line string) signal {
	l := strings.ToLower(line)
	if strings.Contains(l, "compiled successfully") {
		return signalSuccess
	}
	isErr := strings.Contains(l, "failed to compile") ||
		strings.Contains(l, "error:") ||
		strings.Contains(l, "error in")
	isFinal := strings.Contains(l, "compiled with")
	switch {
	case isErr && isFinal:
		return signalErrorFinal
	case compiledWithErrors.MatchString(l):
		return signalFailedFinal
	case isErr:
		return signalError
	case isFinal:
		return signalFinal
	}
	return signalNone
}
