package docker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
	"github.com/google/uuid"
	"github.com/nstogner/sandboxchat/pkg/sandbox"
)

const (
	// LabelManager is the label used to identify containers managed by this system.
	LabelManager = "manager"
	// LabelManagerValue is the value of the manager label.
	LabelManagerValue = "sandboxchat"
	// LabelSessionID identifies which session a container belongs to.
	LabelSessionID = "session-id"
	// LabelExpiresAt holds the unix time after which the sandbox may be reclaimed.
	LabelExpiresAt = "expires-at"
	// DefaultImage is the default sandbox container image.
	DefaultImage = "sandbox-notebook:latest"
	// ServerPort is the kernel server port exposed by the sandbox container.
	ServerPort = "8000"
	// DefaultReapInterval is how often Run checks for expired sandboxes.
	DefaultReapInterval = 30 * time.Second
)

// Manager implements sandbox.Backend using Docker containers that run a
// notebook kernel server.
type Manager struct {
	client *client.Client
	image  string
	kernel *kernelClient
	logger *slog.Logger
	now    func() time.Time
}

// Verify interface compliance.
var _ sandbox.Backend = (*Manager)(nil)

// ErrImageNotFound is returned by Create when the sandbox image is missing
// from the local docker daemon.
var ErrImageNotFound = errors.New("sandbox image not found")

func imageNotFound(image string, err error) error {
	return fmt.Errorf("%w: %q is not available locally; build or pull it, or point the sandbox.image config key (SANDBOXCHAT_SANDBOX_IMAGE) at an image serving /healthz and /tools:run_cell on port %s: %w",
		ErrImageNotFound, image, ServerPort, err)
}

// New creates a new Docker sandbox manager. An empty image means DefaultImage.
func New(image string, logger *slog.Logger) (*Manager, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("creating docker client: %w", err)
	}
	if image == "" {
		image = DefaultImage
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		client: cli,
		image:  image,
		kernel: newKernelClient(nil),
		logger: logger,
		now:    time.Now,
	}, nil
}

// Close releases the Docker client resources.
func (m *Manager) Close() error {
	return m.client.Close()
}

// Create starts a new sandbox container labelled with its expiry time.
func (m *Manager) Create(ctx context.Context, keepAlive time.Duration) (string, error) {
	id := uuid.New().String()
	expiresAt := m.now().Add(keepAlive)
	if _, err := m.createAndStart(ctx, id, expiresAt); err != nil {
		return "", err
	}
	return id, nil
}

// Reconnect attaches to the running container of the given session.
func (m *Manager) Reconnect(ctx context.Context, id string) (*sandbox.Handle, error) {
	c, err := m.client.ContainerInspect(ctx, m.containerName(id))
	if err != nil {
		if client.IsErrNotFound(err) {
			return nil, fmt.Errorf("session %s: %w", id, sandbox.ErrSessionUnavailable)
		}
		return nil, fmt.Errorf("inspecting sandbox: %w", err)
	}
	if !c.State.Running {
		return nil, fmt.Errorf("session %s is %s: %w", id, c.State.Status, sandbox.ErrSessionUnavailable)
	}
	if c.Config != nil && m.expired(c.Config.Labels) {
		return nil, fmt.Errorf("session %s keep-alive elapsed: %w", id, sandbox.ErrSessionUnavailable)
	}
	port, err := m.getPort(c)
	if err != nil {
		return nil, err
	}
	return &sandbox.Handle{ID: id, Endpoint: "http://127.0.0.1:" + port}, nil
}

// Execute runs a cell on the session's kernel server.
func (m *Manager) Execute(ctx context.Context, h *sandbox.Handle, code string) (*sandbox.Outcome, error) {
	return m.kernel.runCell(ctx, h.Endpoint, code)
}

// Upload copies a single file into the sandbox home directory.
func (m *Manager) Upload(ctx context.Context, h *sandbox.Handle, name string, r io.Reader, size int64) (string, error) {
	remote := sandbox.RemoteRoot + "/" + name
	archive, err := tarSingleFile(name, r, size)
	if err != nil {
		return "", &sandbox.FileTransferError{Path: remote, Err: err}
	}
	if err := m.client.CopyToContainer(ctx, m.containerName(h.ID), sandbox.RemoteRoot, archive, types.CopyToContainerOptions{}); err != nil {
		return "", &sandbox.FileTransferError{Path: remote, Err: err}
	}
	m.logger.Info("Uploaded file to sandbox", "sessionID", h.ID, "path", remote)
	return remote, nil
}

// Download reads a single file from the sandbox.
func (m *Manager) Download(ctx context.Context, h *sandbox.Handle, remotePath string) ([]byte, error) {
	rc, stat, err := m.client.CopyFromContainer(ctx, m.containerName(h.ID), remotePath)
	if err != nil {
		return nil, &sandbox.FileTransferError{Path: remotePath, Err: err}
	}
	defer rc.Close()

	if stat.Mode.IsDir() {
		return nil, &sandbox.FileTransferError{Path: remotePath, Err: errors.New("is a directory")}
	}
	data, err := untarFirstFile(rc)
	if err != nil {
		return nil, &sandbox.FileTransferError{Path: remotePath, Err: err}
	}
	return data, nil
}

// Run reclaims sandboxes whose keep-alive has elapsed. Blocks until ctx is
// cancelled.
func (m *Manager) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultReapInterval
	}
	m.logger.Info("Sandbox reaper starting", "interval", interval)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("Sandbox reaper stopping")
			return ctx.Err()
		case <-ticker.C:
			if err := m.reap(ctx); err != nil {
				m.logger.Error("Reaping sandboxes failed", "error", err)
			}
		}
	}
}

// Stop removes the container of the given session.
func (m *Manager) Stop(ctx context.Context, id string) {
	m.stopContainer(ctx, id)
}

func (m *Manager) reap(ctx context.Context) error {
	containers, err := m.client.ContainerList(ctx, types.ContainerListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", LabelManager+"="+LabelManagerValue)),
	})
	if err != nil {
		return fmt.Errorf("listing managed containers: %w", err)
	}
	for _, c := range containers {
		if m.expired(c.Labels) {
			id := c.Labels[LabelSessionID]
			m.logger.Info("Reclaiming expired sandbox", "sessionID", id)
			m.stopContainer(ctx, id)
		}
	}
	return nil
}

func (m *Manager) expired(labels map[string]string) bool {
	raw, ok := labels[LabelExpiresAt]
	if !ok {
		return false
	}
	unix, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return false
	}
	return m.now().After(time.Unix(unix, 0))
}

// createAndStart creates a new sandbox container and starts it.
func (m *Manager) createAndStart(ctx context.Context, id string, expiresAt time.Time) (string, error) {
	// Ensure image exists locally.
	if _, _, err := m.client.ImageInspectWithRaw(ctx, m.image); err != nil {
		return "", imageNotFound(m.image, err)
	}

	cfg := &container.Config{
		Image: m.image,
		Labels: map[string]string{
			LabelManager:   LabelManagerValue,
			LabelSessionID: id,
			LabelExpiresAt: strconv.FormatInt(expiresAt.Unix(), 10),
		},
		ExposedPorts: nat.PortSet{
			nat.Port(ServerPort + "/tcp"): {},
		},
	}

	hostCfg := &container.HostConfig{
		PortBindings: nat.PortMap{
			nat.Port(ServerPort + "/tcp"): []nat.PortBinding{
				{
					HostIP:   "127.0.0.1",
					HostPort: "0", // Dynamically assigned port.
				},
			},
		},
	}

	resp, err := m.client.ContainerCreate(ctx, cfg, hostCfg, nil, nil, m.containerName(id))
	if err != nil {
		return "", fmt.Errorf("creating container: %w", err)
	}

	if err := m.client.ContainerStart(ctx, resp.ID, types.ContainerStartOptions{}); err != nil {
		return "", fmt.Errorf("starting container: %w", err)
	}

	c, err := m.client.ContainerInspect(ctx, resp.ID)
	if err != nil {
		return "", err
	}
	port, err := m.getPort(c)
	if err != nil {
		return "", err
	}

	if err := m.kernel.waitForHealth(ctx, "http://127.0.0.1:"+port); err != nil {
		return "", err
	}
	m.logger.Info("Sandbox started", "sessionID", id, "port", port, "expiresAt", expiresAt)
	return port, nil
}

// stopContainer stops and removes the container for the given session.
func (m *Manager) stopContainer(ctx context.Context, id string) {
	name := m.containerName(id)
	timeout := 10
	if err := m.client.ContainerStop(ctx, name, container.StopOptions{Timeout: &timeout}); err != nil {
		m.logger.Warn("Failed to stop container", "name", name, "error", err)
	}
	if err := m.client.ContainerRemove(ctx, name, types.ContainerRemoveOptions{Force: true}); err != nil {
		m.logger.Warn("Failed to remove container", "name", name, "error", err)
	}
}

func (m *Manager) containerName(id string) string {
	return "sandboxchat-" + id
}

func (m *Manager) getPort(c types.ContainerJSON) (string, error) {
	if c.NetworkSettings == nil {
		return "", fmt.Errorf("container has no network settings")
	}
	ports := c.NetworkSettings.Ports[nat.Port(ServerPort+"/tcp")]
	if len(ports) > 0 {
		return ports[0].HostPort, nil
	}
	return "", fmt.Errorf("container running but port not mapped")
}
