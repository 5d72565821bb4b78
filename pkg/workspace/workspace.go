// Package workspace manages the local files shared between the agent core
// and its host: the sandbox session id, the preview ready flag, the chart
// slot and the upload/download areas.
package workspace

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

const (
	SessionIDFile = "sandboxid.txt"
	ReadyFlagFile = "application.flag"
	ChartFile     = "chart.png"
	UploadsDir    = "uploaded_files"
	DownloadsDir  = "downloads"
)

// ErrNoSession is returned by SessionID when no session id has been persisted.
var ErrNoSession = errors.New("no sandbox session recorded")

// Dir is a workspace rooted at a directory.
type Dir struct {
	root string
}

// Open returns the workspace at root, creating the directory if needed.
func Open(root string) (*Dir, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("creating workspace: %w", err)
	}
	return &Dir{root: root}, nil
}

// Root returns the workspace directory.
func (d *Dir) Root() string { return d.root }

func (d *Dir) ChartPath() string     { return filepath.Join(d.root, ChartFile) }
func (d *Dir) ReadyFlagPath() string { return filepath.Join(d.root, ReadyFlagFile) }
func (d *Dir) UploadsPath() string   { return filepath.Join(d.root, UploadsDir) }
func (d *Dir) DownloadsPath() string { return filepath.Join(d.root, DownloadsDir) }

// Reset clears everything left over from a previous run: the ready flag, the
// chart slot and both transfer directories. The session id file is
// overwritten by the next SaveSessionID.
func (d *Dir) Reset() error {
	for _, f := range []string{d.ReadyFlagPath(), d.ChartPath()} {
		if err := os.Remove(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("removing %s: %w", f, err)
		}
	}
	for _, dir := range []string{d.UploadsPath(), d.DownloadsPath()} {
		if err := os.RemoveAll(dir); err != nil {
			return fmt.Errorf("removing %s: %w", dir, err)
		}
	}
	return nil
}

// SaveSessionID persists the current sandbox session id.
func (d *Dir) SaveSessionID(id string) error {
	return os.WriteFile(filepath.Join(d.root, SessionIDFile), []byte(id), 0644)
}

// SessionID reads the persisted sandbox session id.
func (d *Dir) SessionID() (string, error) {
	b, err := os.ReadFile(filepath.Join(d.root, SessionIDFile))
	if errors.Is(err, fs.ErrNotExist) {
		return "", ErrNoSession
	}
	if err != nil {
		return "", err
	}
	id := strings.TrimSpace(string(b))
	if id == "" {
		return "", ErrNoSession
	}
	return id, nil
}

// MarkReady writes the zero-byte preview ready flag.
func (d *Dir) MarkReady() error {
	return os.WriteFile(d.ReadyFlagPath(), nil, 0644)
}

// Ready reports whether the preview ready flag exists.
func (d *Dir) Ready() bool {
	_, err := os.Stat(d.ReadyFlagPath())
	return err == nil
}

// SaveChart overwrites the single chart slot.
func (d *Dir) SaveChart(png []byte) (string, error) {
	path := d.ChartPath()
	if err := os.WriteFile(path, png, 0644); err != nil {
		return "", fmt.Errorf("writing chart: %w", err)
	}
	return path, nil
}

// Chart returns the chart path if a chart has been saved.
func (d *Dir) Chart() (string, bool) {
	path := d.ChartPath()
	if _, err := os.Stat(path); err != nil {
		return "", false
	}
	return path, true
}

// SaveUpload stores a user-provided file under uploaded_files/.
func (d *Dir) SaveUpload(name string, data []byte) (string, error) {
	return writeInto(d.UploadsPath(), name, data)
}

// SaveDownload stores a file sent to the user under downloads/.
func (d *Dir) SaveDownload(name string, data []byte) (string, error) {
	return writeInto(d.DownloadsPath(), name, data)
}

// Downloads lists the files in downloads/, sorted by name.
func (d *Dir) Downloads() ([]string, error) {
	entries, err := os.ReadDir(d.DownloadsPath())
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// DownloadPath resolves a file name inside downloads/.
func (d *Dir) DownloadPath(name string) (string, error) {
	clean, err := CleanName(name)
	if err != nil {
		return "", err
	}
	return filepath.Join(d.DownloadsPath(), clean), nil
}

// CleanName reduces name to a single path element, rejecting names that
// would escape the target directory.
func CleanName(name string) (string, error) {
	base := filepath.Base(filepath.Clean("/" + name))
	if base == "/" || base == "." || base == ".." || base == "" {
		return "", fmt.Errorf("invalid file name %q", name)
	}
	return base, nil
}

func writeInto(dir, name string, data []byte) (string, error) {
	clean, err := CleanName(name)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("creating %s: %w", dir, err)
	}
	path := filepath.Join(dir, clean)
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", fmt.Errorf("writing %s: %w", path, err)
	}
	return path, nil
}
