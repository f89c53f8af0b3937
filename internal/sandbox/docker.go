// Package sandbox provides per-project execution environments for tools,
// backed by Docker containers. Each project gets one long-lived container;
// tools execute commands in it through exec sessions and exchange files via
// the container filesystem.
package sandbox

import (
	"archive/tar"
	"bytes"
	"context"
	"fmt"
	"io"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/loomworks/loom/internal/observability"
)

const projectLabel = "loom.project_id"

// Config configures sandbox provisioning.
type Config struct {
	// Image is the container image used for new sandboxes.
	Image string

	// Workdir is the workspace path inside the container.
	Workdir string

	// StopTimeout bounds container shutdown on release.
	StopTimeout time.Duration
}

// Manager provisions and caches one sandbox container per project.
type Manager struct {
	cli    client.APIClient
	cfg    Config
	logger *observability.Logger

	mu        sync.Mutex
	sandboxes map[string]*Sandbox
}

// NewManager connects to the local Docker daemon.
func NewManager(cfg Config, logger *observability.Logger) (*Manager, error) {
	if cfg.Image == "" {
		cfg.Image = "ubuntu:24.04"
	}
	if cfg.Workdir == "" {
		cfg.Workdir = "/workspace"
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = 10 * time.Second
	}

	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("sandbox: docker client: %w", err)
	}
	return &Manager{cli: cli, cfg: cfg, logger: logger, sandboxes: make(map[string]*Sandbox)}, nil
}

// Acquire returns the project's sandbox, reusing a running container or
// creating one. The handle stays valid until Release.
func (m *Manager) Acquire(ctx context.Context, projectID string) (*Sandbox, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if sb, ok := m.sandboxes[projectID]; ok {
		return sb, nil
	}

	containerID, err := m.findOrCreate(ctx, projectID)
	if err != nil {
		return nil, err
	}
	sb := &Sandbox{
		cli:         m.cli,
		containerID: containerID,
		workdir:     m.cfg.Workdir,
		sessions:    make(map[string]*sync.Mutex),
	}
	m.sandboxes[projectID] = sb
	return sb, nil
}

func (m *Manager) findOrCreate(ctx context.Context, projectID string) (string, error) {
	existing, err := m.cli.ContainerList(ctx, container.ListOptions{
		Filters: filters.NewArgs(filters.Arg("label", projectLabel+"="+projectID)),
	})
	if err != nil {
		return "", fmt.Errorf("sandbox: list containers: %w", err)
	}
	if len(existing) > 0 {
		return existing[0].ID, nil
	}

	created, err := m.cli.ContainerCreate(ctx,
		&container.Config{
			Image:      m.cfg.Image,
			Cmd:        []string{"sleep", "infinity"},
			WorkingDir: m.cfg.Workdir,
			Labels:     map[string]string{projectLabel: projectID},
		},
		&container.HostConfig{},
		nil, nil, "")
	if err != nil {
		return "", fmt.Errorf("sandbox: create container: %w", err)
	}
	if err := m.cli.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		return "", fmt.Errorf("sandbox: start container: %w", err)
	}
	m.logger.Info(ctx, "sandbox container started", "project_id", projectID, "container_id", created.ID)
	return created.ID, nil
}

// Release stops and removes the project's sandbox container.
func (m *Manager) Release(ctx context.Context, projectID string) error {
	m.mu.Lock()
	sb, ok := m.sandboxes[projectID]
	delete(m.sandboxes, projectID)
	m.mu.Unlock()
	if !ok {
		return nil
	}

	timeout := int(m.cfg.StopTimeout.Seconds())
	if err := m.cli.ContainerStop(ctx, sb.containerID, container.StopOptions{Timeout: &timeout}); err != nil {
		m.logger.Warn(ctx, "failed to stop sandbox container", "container_id", sb.containerID, "error", err)
	}
	if err := m.cli.ContainerRemove(ctx, sb.containerID, container.RemoveOptions{Force: true}); err != nil {
		return fmt.Errorf("sandbox: remove container: %w", err)
	}
	return nil
}

// Sandbox is one project's container. Commands within the same session id
// are serialized; different sessions may run concurrently.
type Sandbox struct {
	cli         client.APIClient
	containerID string
	workdir     string

	mu       sync.Mutex
	sessions map[string]*sync.Mutex
}

func (s *Sandbox) sessionLock(session string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.sessions[session]
	if !ok {
		lock = &sync.Mutex{}
		s.sessions[session] = lock
	}
	return lock
}

// Exec runs a shell command in the container and returns its combined output
// and exit code.
func (s *Sandbox) Exec(ctx context.Context, session, command string) (string, int, error) {
	lock := s.sessionLock(session)
	lock.Lock()
	defer lock.Unlock()

	exec, err := s.cli.ContainerExecCreate(ctx, s.containerID, container.ExecOptions{
		Cmd:          []string{"sh", "-c", command},
		WorkingDir:   s.workdir,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return "", -1, fmt.Errorf("sandbox: exec create: %w", err)
	}

	attach, err := s.cli.ContainerExecAttach(ctx, exec.ID, container.ExecAttachOptions{})
	if err != nil {
		return "", -1, fmt.Errorf("sandbox: exec attach: %w", err)
	}
	defer attach.Close()

	var out bytes.Buffer
	done := make(chan error, 1)
	go func() {
		_, err := stdcopy.StdCopy(&out, &out, attach.Reader)
		done <- err
	}()
	select {
	case <-ctx.Done():
		return out.String(), -1, ctx.Err()
	case err := <-done:
		if err != nil && err != io.EOF {
			return out.String(), -1, fmt.Errorf("sandbox: read exec output: %w", err)
		}
	}

	inspect, err := s.cli.ContainerExecInspect(ctx, exec.ID)
	if err != nil {
		return out.String(), -1, fmt.Errorf("sandbox: exec inspect: %w", err)
	}
	return out.String(), inspect.ExitCode, nil
}

// WriteFile writes data to a path inside the container workspace.
func (s *Sandbox) WriteFile(ctx context.Context, filePath string, data []byte) error {
	filePath = s.resolve(filePath)

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	header := &tar.Header{
		Name: path.Base(filePath),
		Mode: 0o644,
		Size: int64(len(data)),
	}
	if err := tw.WriteHeader(header); err != nil {
		return fmt.Errorf("sandbox: tar header: %w", err)
	}
	if _, err := tw.Write(data); err != nil {
		return fmt.Errorf("sandbox: tar data: %w", err)
	}
	if err := tw.Close(); err != nil {
		return fmt.Errorf("sandbox: tar close: %w", err)
	}

	dir := path.Dir(filePath)
	if _, _, err := s.Exec(ctx, "fs", "mkdir -p "+dir); err != nil {
		return fmt.Errorf("sandbox: mkdir: %w", err)
	}
	if err := s.cli.CopyToContainer(ctx, s.containerID, dir, &buf, container.CopyToContainerOptions{}); err != nil {
		return fmt.Errorf("sandbox: copy to container: %w", err)
	}
	return nil
}

// ReadFile reads a file from the container workspace.
func (s *Sandbox) ReadFile(ctx context.Context, filePath string) ([]byte, error) {
	filePath = s.resolve(filePath)

	reader, _, err := s.cli.CopyFromContainer(ctx, s.containerID, filePath)
	if err != nil {
		return nil, fmt.Errorf("sandbox: copy from container: %w", err)
	}
	defer reader.Close()

	tr := tar.NewReader(reader)
	for {
		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("sandbox: read tar: %w", err)
		}
		if header.Typeflag != tar.TypeReg {
			continue
		}
		data, err := io.ReadAll(tr)
		if err != nil {
			return nil, fmt.Errorf("sandbox: read file: %w", err)
		}
		return data, nil
	}
	return nil, fmt.Errorf("sandbox: %s not found in archive", filePath)
}

func (s *Sandbox) resolve(p string) string {
	if strings.HasPrefix(p, "/") {
		return p
	}
	return path.Join(s.workdir, p)
}
