package tools

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"regexp"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/nstogner/sandboxchat/pkg/metrics"
	"github.com/nstogner/sandboxchat/pkg/preview"
)

// --- Render React Tool ---

// Renderer renders React source.
type Renderer interface {
	Render(ctx context.Context, source string) (*preview.RenderOutcome, error)
}

type RenderReactTool struct {
	Renderer Renderer
	Metrics  *metrics.Recorder
}

type renderReactArgs struct {
	Source string `json:"source"`
}

func (a *renderReactArgs) Validate() error {
	return validation.ValidateStruct(a,
		validation.Field(&a.Source, validation.Required),
	)
}

func (t *RenderReactTool) Name() string   { return "render_react" }
func (t *RenderReactTool) Terminal() bool { return true }

func (t *RenderReactTool) Description() string {
	return "Render a react component with the given src/App.js source and return the render result."
}

func (t *RenderReactTool) InputSchema() map[string]any {
	return stringSchema(map[string]string{"source": "src/App.js code to render a react component."}, "source")
}

func (t *RenderReactTool) Execute(ctx context.Context, input map[string]any) (string, error) {
	var args renderReactArgs
	if err := decodeArgs(t.Name(), input, &args); err != nil {
		return "", err
	}
	out, err := t.Renderer.Render(ctx, args.Source)
	if err != nil {
		t.Metrics.RecordRender(ctx, "error")
		return "", err
	}
	t.Metrics.RecordRender(ctx, string(out.Status))
	return out.Message, out.Err()
}

// --- Install Dependency Tool ---

// DependencyInstallError reports a package manager exiting non-zero.
type DependencyInstallError struct {
	Packages []string
	ExitCode int
	Output   string
}

func (e *DependencyInstallError) Error() string {
	return fmt.Sprintf("installing %s exited with code %d", strings.Join(e.Packages, " "), e.ExitCode)
}

// CommandRunner runs a command in dir and returns its combined output.
type CommandRunner func(ctx context.Context, dir, name string, args ...string) ([]byte, error)

// ExecRunner runs commands with os/exec.
func ExecRunner(ctx context.Context, dir, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	return cmd.CombinedOutput()
}

var packageNames = regexp.MustCompile(`^[@A-Za-z0-9._/^~=<>:+-]+(\s+[@A-Za-z0-9._/^~=<>:+-]+)*$`)

type InstallDependencyTool struct {
	// Command is the install command, e.g. "npm install".
	Command string
	Dir     string
	Run     CommandRunner
}

type installDependencyArgs struct {
	PackageNames string `json:"package_names"`
}

func (a *installDependencyArgs) Validate() error {
	return validation.ValidateStruct(a,
		validation.Field(&a.PackageNames,
			validation.Required,
			validation.Match(packageNames).Error("must be space separated package names"),
		),
	)
}

func (t *InstallDependencyTool) Name() string   { return "install_dependency" }
func (t *InstallDependencyTool) Terminal() bool { return true }

func (t *InstallDependencyTool) Description() string {
	return "Install npm packages for the react application. Use this before rendering a component that imports a package that is not installed."
}

func (t *InstallDependencyTool) InputSchema() map[string]any {
	return stringSchema(map[string]string{"package_names": "Space separated npm package names, e.g. \"recharts axios\"."}, "package_names")
}

func (t *InstallDependencyTool) Execute(ctx context.Context, input map[string]any) (string, error) {
	var args installDependencyArgs
	if err := decodeArgs(t.Name(), input, &args); err != nil {
		return "", err
	}

	pkgs := strings.Fields(args.PackageNames)
	cmd := strings.Fields(t.Command)
	if len(cmd) == 0 {
		cmd = []string{"npm", "install"}
	}
	run := t.Run
	if run == nil {
		run = ExecRunner
	}

	out, err := run(ctx, t.Dir, cmd[0], append(cmd[1:], pkgs...)...)
	if err != nil {
		code := -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code = exitErr.ExitCode()
		}
		ie := &DependencyInstallError{Packages: pkgs, ExitCode: code, Output: string(out)}
		return fmt.Sprintf("Failed to install %s:\n%s", strings.Join(pkgs, " "), out), ie
	}
	return fmt.Sprintf("Installed %s successfully.", strings.Join(pkgs, " ")), nil
}
