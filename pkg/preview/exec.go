package preview

import (
	"context"
	"errors"
	"io"
	"os"
	"os/exec"
	"strconv"
)

// ExecLauncher runs the dev server as a shell command.
type ExecLauncher struct {
	Command string
	Port    int
}

type execProcess struct {
	cmd    *exec.Cmd
	stdout io.Reader
	stderr io.Reader
}

// Start launches the command in dir.
func (l *ExecLauncher) Start(dir string) (Process, error) {
	port := l.Port
	if port == 0 {
		port = DefaultPort
	}
	cmd := exec.Command("sh", "-c", l.Command)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(),
		"BROWSER=none",
		"FORCE_COLOR=0",
		"PORT="+strconv.Itoa(port),
	)
	setProcessGroup(cmd)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return &execProcess{cmd: cmd, stdout: stdout, stderr: stderr}, nil
}

// KillByName kills processes whose full command line matches pattern.
func (l *ExecLauncher) KillByName(ctx context.Context, pattern string) error {
	err := exec.CommandContext(ctx, "pkill", "-f", pattern).Run()
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && exitErr.ExitCode() == 1 {
		// No process matched.
		return nil
	}
	return err
}

func (p *execProcess) Stdout() io.Reader { return p.stdout }
func (p *execProcess) Stderr() io.Reader { return p.stderr }
func (p *execProcess) Kill() error       { return killProcessGroup(p.cmd) }
func (p *execProcess) Wait() error       { return p.cmd.Wait() }
