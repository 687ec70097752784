// Package docker runs sandboxes as Docker Engine containers.
package docker

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/crowsandbox/crow/internal/sandbox"
	"github.com/crowsandbox/crow/pkg/config"
	"github.com/crowsandbox/crow/pkg/domain"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

// engine is the subset of the Docker client the backend uses.
type engine interface {
	ImagePull(ctx context.Context, ref string, options image.PullOptions) (io.ReadCloser, error)
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerStop(ctx context.Context, containerID string, options container.StopOptions) error
	ContainerRestart(ctx context.Context, containerID string, options container.StopOptions) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	CopyToContainer(ctx context.Context, containerID, dstPath string, content io.Reader, options container.CopyToContainerOptions) error
	ContainerExecCreate(ctx context.Context, containerID string, options container.ExecOptions) (container.ExecCreateResponse, error)
	ContainerExecAttach(ctx context.Context, execID string, options container.ExecAttachOptions) (types.HijackedResponse, error)
	ContainerExecInspect(ctx context.Context, execID string) (container.ExecInspect, error)
	Close() error
}

const stopTimeoutSeconds = 5

type Backend struct {
	api    engine
	logger *slog.Logger
}

var _ sandbox.Backend = (*Backend)(nil)

func init() {
	sandbox.Register("docker", NewBackend)
}

// NewBackend connects to the engine at cfg.DockerHost, or the environment
// defaults (DOCKER_HOST and friends) when unset.
func NewBackend(cfg config.SandboxConfig, logger *slog.Logger) (sandbox.Backend, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if cfg.DockerHost != "" {
		opts = append(opts, client.WithHost(cfg.DockerHost))
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	return newBackend(cli, logger), nil
}

func newBackend(api engine, logger *slog.Logger) *Backend {
	if logger == nil {
		logger = slog.Default()
	}
	return &Backend{api: api, logger: logger}
}

func (b *Backend) Name() string { return "docker" }

func (b *Backend) Provision(ctx context.Context, spec sandbox.Spec) (*sandbox.Handle, error) {
	h := &sandbox.Handle{JobID: spec.JobID, Backend: b.Name(), Spec: spec}

	if spec.PullImage {
		rc, err := b.api.ImagePull(ctx, spec.Image, image.PullOptions{})
		if err != nil {
			return h, fmt.Errorf("%w: pull %s: %v", domain.ErrProvisionFailed, spec.Image, err)
		}
		_, _ = io.Copy(io.Discard, rc)
		_ = rc.Close()
	}

	resp, err := b.api.ContainerCreate(ctx, containerConfig(spec), hostConfig(spec), nil, nil, containerName(spec.JobID))
	if err != nil {
		return h, fmt.Errorf("%w: create: %v", domain.ErrProvisionFailed, err)
	}
	h.BackendID = resp.ID
	h.State = domain.SandboxCreated
	for _, w := range resp.Warnings {
		b.logger.Warn("container create warning", "container", resp.ID, "warning", w)
	}

	if err := b.api.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return h, fmt.Errorf("%w: start: %v", domain.ErrProvisionFailed, err)
	}
	h.State = domain.SandboxRunning
	return h, nil
}

func containerName(jobID string) string {
	return "crow-" + jobID
}

func containerConfig(spec sandbox.Spec) *container.Config {
	return &container.Config{
		Image:           spec.Image,
		Cmd:             spec.IdleCommand,
		Labels:          spec.Labels,
		NetworkDisabled: !spec.AllowNetwork,
		AttachStdout:    false,
		AttachStderr:    false,
	}
}

func hostConfig(spec sandbox.Spec) *container.HostConfig {
	hc := &container.HostConfig{
		CapDrop:     []string{"ALL"},
		SecurityOpt: []string{"no-new-privileges"},
		Resources: container.Resources{
			Memory:   spec.MemoryBytes,
			NanoCPUs: spec.CPUMillis * 1_000_000,
		},
	}
	if spec.PidsLimit > 0 {
		pids := spec.PidsLimit
		hc.Resources.PidsLimit = &pids
	}
	if !spec.AllowNetwork {
		hc.NetworkMode = "none"
	}
	return hc
}

func (b *Backend) Start(ctx context.Context, h *sandbox.Handle) error {
	if !h.Created() {
		return fmt.Errorf("%w: start: sandbox not created", domain.ErrProvisionFailed)
	}
	if err := b.api.ContainerStart(ctx, h.BackendID, container.StartOptions{}); err != nil {
		return fmt.Errorf("%w: start: %v", domain.ErrProvisionFailed, err)
	}
	h.State = domain.SandboxRunning
	return nil
}

func (b *Backend) Stop(ctx context.Context, h *sandbox.Handle) error {
	if !h.Created() || h.State == domain.SandboxDestroyed {
		return nil
	}
	timeout := stopTimeoutSeconds
	if err := b.api.ContainerStop(ctx, h.BackendID, container.StopOptions{Timeout: &timeout}); err != nil && !client.IsErrNotFound(err) {
		return fmt.Errorf("stop container %s: %w", h.BackendID, err)
	}
	h.State = domain.SandboxStopped
	return nil
}

func (b *Backend) Restart(ctx context.Context, h *sandbox.Handle) error {
	if !h.Created() {
		return fmt.Errorf("%w: restart: sandbox not created", domain.ErrProvisionFailed)
	}
	timeout := stopTimeoutSeconds
	if err := b.api.ContainerRestart(ctx, h.BackendID, container.StopOptions{Timeout: &timeout}); err != nil {
		return fmt.Errorf("%w: restart: %v", domain.ErrProvisionFailed, err)
	}
	h.State = domain.SandboxRunning
	return nil
}

func (b *Backend) Execute(ctx context.Context, h *sandbox.Handle, a sandbox.Artifact) (*sandbox.ExecutionResult, error) {
	if !h.Created() {
		return nil, fmt.Errorf("%w: sandbox not created", domain.ErrExecutionFailed)
	}
	spec := h.Spec
	dst := spec.ArtifactPath(a)

	archive, err := tarFile(dst, a.Data)
	if err != nil {
		return nil, fmt.Errorf("%w: pack artifact: %v", domain.ErrExecutionFailed, err)
	}
	if err := b.api.CopyToContainer(ctx, h.BackendID, "/", archive, container.CopyToContainerOptions{}); err != nil {
		return nil, execErr(ctx, "copy artifact", err)
	}

	res := &sandbox.ExecutionResult{StartedAt: time.Now()}
	exec, err := b.api.ContainerExecCreate(ctx, h.BackendID, container.ExecOptions{
		Cmd:          spec.AnalysisCommand(a),
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return nil, execErr(ctx, "exec create", err)
	}
	attach, err := b.api.ContainerExecAttach(ctx, exec.ID, container.ExecAttachOptions{})
	if err != nil {
		return nil, execErr(ctx, "exec attach", err)
	}
	defer attach.Close()

	var stdout, stderr bytes.Buffer
	copied := make(chan error, 1)
	go func() {
		_, err := stdcopy.StdCopy(&stdout, &stderr, attach.Reader)
		copied <- err
	}()
	select {
	case err = <-copied:
	case <-ctx.Done():
		// Closing the hijacked connection unblocks StdCopy.
		attach.Close()
		<-copied
		return nil, execErr(ctx, "exec", ctx.Err())
	}
	if err != nil {
		return nil, execErr(ctx, "read output", err)
	}

	inspect, err := b.api.ContainerExecInspect(ctx, exec.ID)
	if err != nil {
		return nil, execErr(ctx, "exec inspect", err)
	}
	res.EndedAt = time.Now()
	res.ExitCode = inspect.ExitCode
	res.Stdout = stdout.Bytes()
	res.Stderr = stderr.Bytes()
	if res.ExitCode != 0 {
		return res, fmt.Errorf("%w: exit code %d: %s", domain.ErrExecutionFailed, res.ExitCode, firstLine(res.Stderr))
	}
	return res, nil
}

func (b *Backend) Teardown(ctx context.Context, h *sandbox.Handle) error {
	if h == nil || h.State == domain.SandboxDestroyed {
		return nil
	}
	ref := h.BackendID
	if ref == "" {
		if h.JobID == "" {
			return nil
		}
		// ContainerCreate may have reached the daemon without its reply.
		ref = containerName(h.JobID)
	}
	err := b.api.ContainerRemove(ctx, ref, container.RemoveOptions{Force: true, RemoveVolumes: true})
	if err != nil && !client.IsErrNotFound(err) {
		return fmt.Errorf("remove container %s: %w", ref, err)
	}
	h.State = domain.SandboxDestroyed
	return nil
}

func (b *Backend) Close() error {
	return b.api.Close()
}

func execErr(ctx context.Context, op string, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s: %v", domain.ErrExecutionTimeout, op, err)
	}
	return fmt.Errorf("%w: %s: %v", domain.ErrExecutionFailed, op, err)
}

// tarFile packs data as a single file at the absolute path dst.
func tarFile(dst string, data []byte) (io.Reader, error) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	name := strings.TrimPrefix(dst, "/")
	if err := tw.WriteHeader(&tar.Header{
		Name:    name,
		Mode:    0o444,
		Size:    int64(len(data)),
		ModTime: time.Now(),
	}); err != nil {
		return nil, err
	}
	if _, err := tw.Write(data); err != nil {
		return nil, err
	}
	if err := tw.Close(); err != nil {
		return nil, err
	}
	return &buf, nil
}

func firstLine(b []byte) string {
	s := strings.TrimSpace(string(b))
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}
