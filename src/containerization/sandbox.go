// Copyright (c) 2026 Khaled Abbas
//
// This source code is licensed under the Business Source License 1.1.
//
// Change Date: 4 years after the first public release of this version.
// Change License: MIT
//
// On the Change Date, this version of the code automatically converts
// to the MIT License. Prior to that date, use is subject to the
// Additional Use Grant. See the LICENSE file for details.

// Package containerization runs algorithm scripts inside a long-lived Docker
// container with no route out of its network.
package containerization

import (
	"archive/tar"
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"

	"grafanamlworker/src/logging"
)

const sandboxNetworkName = "grafanaml_sandbox"

type Options struct {
	Image       string
	MemoryMB    int64
	CPULimit    float64
	IdleTimeout time.Duration
}

// Sandbox keeps at most one container alive and reuses it between scripts.
type Sandbox struct {
	cli       *client.Client
	networkID string
	opts      Options

	mu          sync.Mutex
	containerID string
	lastUsedAt  time.Time
	inflight    int
}

// NewSandbox connects to the Docker daemon from the environment and prepares
// the sandbox network.
func NewSandbox(ctx context.Context, opts Options) (*Sandbox, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	networkID, err := EnsureNetwork(ctx, cli)
	if err != nil {
		cli.Close()
		return nil, err
	}
	return &Sandbox{cli: cli, networkID: networkID, opts: opts}, nil
}

// EnsureNetwork creates or retrieves the internal network scripts run on.
func EnsureNetwork(ctx context.Context, cli *client.Client) (string, error) {
	networks, err := cli.NetworkList(ctx, network.ListOptions{})
	if err != nil {
		return "", fmt.Errorf("list networks: %w", err)
	}
	for _, n := range networks {
		if n.Name == sandboxNetworkName {
			return n.ID, nil
		}
	}

	resp, err := cli.NetworkCreate(ctx, sandboxNetworkName, network.CreateOptions{
		Driver:   "bridge",
		Internal: true,
	})
	if err != nil {
		return "", fmt.Errorf("create sandbox network: %w", err)
	}
	return resp.ID, nil
}

// PullImage makes sure the configured image is present locally. Images built
// on the host (scripts/Dockerfile) are never pulled.
func (s *Sandbox) PullImage(ctx context.Context) error {
	if _, err := s.cli.ImageInspect(ctx, s.opts.Image); err == nil {
		return nil
	}
	reader, err := s.cli.ImagePull(ctx, s.opts.Image, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pull %s: %w", s.opts.Image, err)
	}
	defer reader.Close()
	_, err = io.Copy(io.Discard, reader)
	return err
}

func (s *Sandbox) container(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.containerID != "" {
		inspect, err := s.cli.ContainerInspect(ctx, s.containerID)
		if err == nil && inspect.State.Running {
			s.lastUsedAt = time.Now()
			// Wipe what the previous script left behind.
			if _, _, err := s.exec(ctx, s.containerID, "root", []string{"sh", "-c", `
				rm -f /script.py /payload.json
				find /tmp -mindepth 1 -delete 2>/dev/null || true
				find /home/sandboxuser -mindepth 1 -delete 2>/dev/null || true
			`}); err != nil {
				return "", fmt.Errorf("sanitize container: %w", err)
			}
			return s.containerID, nil
		}
		s.containerID = ""
	}

	resp, err := s.cli.ContainerCreate(ctx, &container.Config{
		Image: s.opts.Image,
		Cmd:   []string{"sleep", "infinity"},
	}, &container.HostConfig{
		Resources: container.Resources{
			Memory:   s.opts.MemoryMB * 1024 * 1024,
			NanoCPUs: int64(s.opts.CPULimit * math.Pow10(9)),
		},
	}, &network.NetworkingConfig{
		EndpointsConfig: map[string]*network.EndpointSettings{
			sandboxNetworkName: {NetworkID: s.networkID},
		},
	}, nil, "")
	if err != nil {
		return "", fmt.Errorf("create container: %w", err)
	}

	if err := s.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		s.remove(resp.ID)
		return "", fmt.Errorf("start container: %w", err)
	}

	if _, stderr, err := s.exec(ctx, resp.ID, "root", []string{"sh", "-c",
		"useradd -m -s /bin/sh sandboxuser 2>/dev/null || true"}); err != nil {
		s.remove(resp.ID)
		return "", fmt.Errorf("container setup: %w: %s", err, stderr)
	}

	s.containerID = resp.ID
	s.lastUsedAt = time.Now()
	logging.Log(fmt.Sprintf("New sandbox container created: %s", short(resp.ID)), slog.LevelInfo)
	return resp.ID, nil
}

// Run copies code and payload into the container and runs the script as an
// unprivileged user. A non-zero exit is an error carrying the script's stderr.
func (s *Sandbox) Run(ctx context.Context, code string, payload []byte) (string, error) {
	s.mu.Lock()
	s.inflight++
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.inflight--
		s.lastUsedAt = time.Now()
		s.mu.Unlock()
	}()

	containerID, err := s.container(ctx)
	if err != nil {
		return "", err
	}

	archive, err := buildArchive(code, payload)
	if err != nil {
		return "", err
	}
	if err := s.cli.CopyToContainer(ctx, containerID, "/", archive, container.CopyToContainerOptions{}); err != nil {
		return "", fmt.Errorf("copy to container: %w", err)
	}

	stdout, stderr, err := s.exec(ctx, containerID, "root", []string{"sh", "-c", `
		chown sandboxuser:sandboxuser /script.py /payload.json
		su sandboxuser -c "python /script.py /payload.json"
	`})
	if err != nil {
		logging.Log(fmt.Sprintf("Script execution error: %v: %s", err, stderr), slog.LevelError)
		return stdout, fmt.Errorf("script failed: %w: %s", err, lastLine(stderr))
	}
	return stdout, nil
}

// exec runs cmd in the container and waits for it. A non-zero exit code is
// returned as an error.
func (s *Sandbox) exec(ctx context.Context, containerID, user string, cmd []string) (string, string, error) {
	created, err := s.cli.ContainerExecCreate(ctx, containerID, container.ExecOptions{
		User:         user,
		AttachStdout: true,
		AttachStderr: true,
		Cmd:          cmd,
	})
	if err != nil {
		return "", "", fmt.Errorf("create exec: %w", err)
	}

	resp, err := s.cli.ContainerExecAttach(ctx, created.ID, container.ExecStartOptions{})
	if err != nil {
		return "", "", fmt.Errorf("attach to exec: %w", err)
	}
	defer resp.Close()

	var stdout, stderr bytes.Buffer
	done := make(chan error, 1)
	go func() {
		_, err := stdcopy.StdCopy(&stdout, &stderr, resp.Reader)
		done <- err
	}()

	select {
	case <-ctx.Done():
		return "", "", ctx.Err()
	case err := <-done:
		if err != nil {
			return "", "", fmt.Errorf("read exec output: %w", err)
		}
	}

	inspect, err := s.cli.ContainerExecInspect(ctx, created.ID)
	if err != nil {
		return stdout.String(), stderr.String(), fmt.Errorf("inspect exec: %w", err)
	}
	if inspect.ExitCode != 0 {
		return stdout.String(), stderr.String(), fmt.Errorf("exit status %d", inspect.ExitCode)
	}
	return stdout.String(), stderr.String(), nil
}

// RunReaper removes the container once it has been idle for IdleTimeout.
func (s *Sandbox) RunReaper(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if id := s.takeIdle(now); id != "" {
				logging.Log(fmt.Sprintf("Idle timeout reached for container %s. Removing...", short(id)), slog.LevelInfo)
				s.remove(id)
			}
		}
	}
}

// takeIdle detaches and returns the container when no script is running in it
// and it has been unused for longer than IdleTimeout.
func (s *Sandbox) takeIdle(now time.Time) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.containerID == "" || s.inflight > 0 || now.Sub(s.lastUsedAt) <= s.opts.IdleTimeout {
		return ""
	}
	id := s.containerID
	s.containerID = ""
	return id
}

// Close removes the active container and closes the Docker client.
func (s *Sandbox) Close() error {
	s.mu.Lock()
	id := s.containerID
	s.containerID = ""
	s.mu.Unlock()

	if id != "" {
		logging.Log(fmt.Sprintf("Cleaning up sandbox container %s...", short(id)), slog.LevelInfo)
		s.remove(id)
	}
	return s.cli.Close()
}

func (s *Sandbox) remove(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := s.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: true}); err != nil {
		logging.Log(fmt.Sprintf("Error removing container %s: %v", short(id), err), slog.LevelWarn)
	}
}

func buildArchive(code string, payload []byte) (io.Reader, error) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for _, f := range []struct {
		name string
		mode int64
		data []byte
	}{
		{"script.py", 0o755, []byte(code)},
		{"payload.json", 0o644, payload},
	} {
		if err := tw.WriteHeader(&tar.Header{Name: f.name, Mode: f.mode, Size: int64(len(f.data))}); err != nil {
			return nil, err
		}
		if _, err := tw.Write(f.data); err != nil {
			return nil, err
		}
	}
	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("close tar writer: %w", err)
	}
	return &buf, nil
}

func short(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}
