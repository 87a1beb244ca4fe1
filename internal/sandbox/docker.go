// Package sandbox runs context repository pipelines in throwaway Docker
// containers.
package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/ashureev/contextkit-core/internal/backend"
	"github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/google/uuid"
)

const (
	containerUser = "1000"
	workspaceDir  = "/workspace"

	// Resource limits.
	memoryLimitBytes = 512 * 1024 * 1024 // 512MB
	cpuQuota         = 50000             // 0.5 CPU
	pidsLimit        = 256

	maxOutputBytes = 1 << 20
	removeTimeout  = 10 * time.Second

	// DefaultImage is used when no image is configured.
	DefaultImage = "node:22-alpine"
	// DefaultTimeout bounds a single pipeline run.
	DefaultTimeout = 30 * time.Second
)

// Engine is the subset of the Docker API the runner needs.
type Engine interface {
	Create(ctx context.Context, cfg *container.Config, host *container.HostConfig, name string) (string, error)
	Start(ctx context.Context, id string) error
	Wait(ctx context.Context, id string) (int64, error)
	Logs(ctx context.Context, id string) (io.ReadCloser, error)
	Remove(ctx context.Context, id string) error
}

// Config configures a DockerRunner.
type Config struct {
	Image   string
	Runtime string // "" = default (runc), "runsc" = gVisor
	Timeout time.Duration
}

// DockerRunner runs `pnpm run <pipeline>` with the repository bind-mounted
// at /workspace. Containers have no network and are always removed.
type DockerRunner struct {
	engine Engine
	cfg    Config
	logger *slog.Logger
}

// NewDockerRunner connects to the Docker daemon from the environment.
func NewDockerRunner(cfg Config, logger *slog.Logger) (*DockerRunner, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	runtime := cfg.Runtime
	if runtime == "" {
		runtime = "default"
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("Docker client initialized", "runtime", runtime, "image", cfg.Image)
	return NewRunner(dockerEngine{cli: cli}, cfg, logger), nil
}

// NewRunner builds a runner over any Engine.
func NewRunner(engine Engine, cfg Config, logger *slog.Logger) *DockerRunner {
	if cfg.Image == "" {
		cfg.Image = DefaultImage
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &DockerRunner{engine: engine, cfg: cfg, logger: logger}
}

// Command returns the pnpm invocation for a pipeline. Arguments are sorted by
// name so runs are reproducible.
func Command(pipeline string, args map[string]string) []string {
	cmd := []string{"pnpm", "run", pipeline}
	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		cmd = append(cmd, "--"+k, args[k])
	}
	return cmd
}

// RunPipeline runs req in a fresh container. A non-zero exit or a timeout is
// reported in the result; only Docker failures are returned as errors.
func (r *DockerRunner) RunPipeline(ctx context.Context, sessionID, repoPath string, req backend.PipelineRequest) (*backend.PipelineResult, error) {
	if repoPath == "" {
		return nil, errors.New("repository path is required")
	}
	start := time.Now()
	runCtx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	name := "contextkit-pipeline-" + uuid.NewString()[:8]
	cfg := &container.Config{
		Image:           r.cfg.Image,
		User:            containerUser,
		WorkingDir:      workspaceDir,
		Cmd:             Command(req.Pipeline, req.Args),
		Env:             []string{"CI=1", "CONTEXT_REPO_PATH=" + workspaceDir},
		NetworkDisabled: true,
		Labels: map[string]string{
			"contextkit.session":  sessionID,
			"contextkit.pipeline": req.Pipeline,
		},
	}
	host := &container.HostConfig{
		Runtime:     r.cfg.Runtime,
		NetworkMode: container.NetworkMode("none"),
		Mounts: []mount.Mount{{
			Type:   mount.TypeBind,
			Source: repoPath,
			Target: workspaceDir,
		}},
		Resources: container.Resources{
			Memory:    memoryLimitBytes,
			CPUQuota:  cpuQuota,
			PidsLimit: ptr(int64(pidsLimit)),
		},
	}

	id, err := r.engine.Create(runCtx, cfg, host, name)
	if err != nil {
		return nil, fmt.Errorf("create pipeline container: %w", err)
	}
	defer r.remove(id)

	r.logger.Info("Running pipeline in sandbox",
		"pipeline", req.Pipeline,
		"session_id", sessionID,
		"container_id", shortID(id))

	if err := r.engine.Start(runCtx, id); err != nil {
		return nil, fmt.Errorf("start pipeline container %s: %w", shortID(id), err)
	}

	exitCode, waitErr := r.engine.Wait(runCtx, id)
	output := r.collectLogs(id)
	result := &backend.PipelineResult{
		Output:     output,
		ExitCode:   int(exitCode),
		DurationMs: time.Since(start).Milliseconds(),
	}

	switch {
	case waitErr == nil:
		result.Success = exitCode == 0
		if !result.Success {
			result.Error = fmt.Sprintf("pipeline %s exited with code %d", req.Pipeline, exitCode)
		}
		return result, nil
	case errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil:
		result.ExitCode = -1
		result.Error = fmt.Sprintf("Pipeline execution timed out (%s limit)", r.cfg.Timeout)
		return result, nil
	case ctx.Err() != nil:
		return nil, ctx.Err()
	default:
		return nil, fmt.Errorf("wait for pipeline container %s: %w", shortID(id), waitErr)
	}
}

func (r *DockerRunner) collectLogs(id string) string {
	ctx, cancel := context.WithTimeout(context.Background(), removeTimeout)
	defer cancel()

	rc, err := r.engine.Logs(ctx, id)
	if err != nil {
		r.logger.Warn("Failed to read pipeline logs", "container_id", shortID(id), "error", err)
		return ""
	}
	defer rc.Close()

	var buf bytes.Buffer
	w := &limitWriter{w: &buf, n: maxOutputBytes}
	if _, err := stdcopy.StdCopy(w, w, rc); err != nil && !errors.Is(err, errOutputLimit) {
		r.logger.Debug("Pipeline log demux ended with error", "container_id", shortID(id), "error", err)
	}
	return buf.String()
}

// remove force-removes the container with a fresh context so cancelled runs
// still clean up.
func (r *DockerRunner) remove(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), removeTimeout)
	defer cancel()
	if err := r.engine.Remove(ctx, id); err != nil {
		if errdefs.IsNotFound(err) || strings.Contains(err.Error(), "is already in progress") {
			return
		}
		r.logger.Warn("Failed to remove pipeline container", "container_id", shortID(id), "error", err)
	}
}

var errOutputLimit = errors.New("output limit reached")

type limitWriter struct {
	w io.Writer
	n int
}

func (l *limitWriter) Write(p []byte) (int, error) {
	if l.n <= 0 {
		return 0, errOutputLimit
	}
	if len(p) > l.n {
		n, _ := l.w.Write(p[:l.n])
		l.n = 0
		return n, errOutputLimit
	}
	n, err := l.w.Write(p)
	l.n -= n
	return n, err
}

type dockerEngine struct {
	cli *client.Client
}

func (d dockerEngine) Create(ctx context.Context, cfg *container.Config, host *container.HostConfig, name string) (string, error) {
	resp, err := d.cli.ContainerCreate(ctx, cfg, host, nil, nil, name)
	if err != nil {
		return "", err
	}
	return resp.ID, nil
}

func (d dockerEngine) Start(ctx context.Context, id string) error {
	return d.cli.ContainerStart(ctx, id, container.StartOptions{})
}

func (d dockerEngine) Wait(ctx context.Context, id string) (int64, error) {
	statusCh, errCh := d.cli.ContainerWait(ctx, id, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		return 0, err
	case st := <-statusCh:
		if st.Error != nil && st.Error.Message != "" {
			return st.StatusCode, errors.New(st.Error.Message)
		}
		return st.StatusCode, nil
	}
}

func (d dockerEngine) Logs(ctx context.Context, id string) (io.ReadCloser, error) {
	return d.cli.ContainerLogs(ctx, id, container.LogsOptions{ShowStdout: true, ShowStderr: true})
}

func (d dockerEngine) Remove(ctx context.Context, id string) error {
	return d.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: true})
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

func ptr[T any](v T) *T {
	return &v
}
