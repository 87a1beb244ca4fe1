package sandbox

import (
	"bytes"
	"context"
	"errors"
	"io"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/contextkit-core/internal/backend"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/pkg/stdcopy"
)

type fakeEngine struct {
	mu       sync.Mutex
	exitCode int64
	block    bool
	stdout   string
	stderr   string
	created  *container.Config
	host     *container.HostConfig
	removed  []string
	startErr error
}

func (f *fakeEngine) Create(_ context.Context, cfg *container.Config, host *container.HostConfig, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = cfg
	f.host = host
	return "0123456789abcdef", nil
}

func (f *fakeEngine) Start(context.Context, string) error { return f.startErr }

func (f *fakeEngine) Wait(ctx context.Context, _ string) (int64, error) {
	if f.block {
		<-ctx.Done()
		return 0, ctx.Err()
	}
	return f.exitCode, nil
}

func (f *fakeEngine) Logs(context.Context, string) (io.ReadCloser, error) {
	var buf bytes.Buffer
	_, _ = stdcopy.NewStdWriter(&buf, stdcopy.Stdout).Write([]byte(f.stdout))
	if f.stderr != "" {
		_, _ = stdcopy.NewStdWriter(&buf, stdcopy.Stderr).Write([]byte(f.stderr))
	}
	return io.NopCloser(&buf), nil
}

func (f *fakeEngine) Remove(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, id)
	return nil
}

func TestCommand(t *testing.T) {
	t.Parallel()

	got := Command("impact", map[string]string{"entities": "a,b", "format": "json"})
	want := []string{"pnpm", "run", "impact", "--entities", "a,b", "--format", "json"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("Command = %v, want %v", got, want)
	}
}

func TestRunPipelineSuccess(t *testing.T) {
	t.Parallel()

	eng := &fakeEngine{stdout: "validated 12 entities\n", stderr: "warn: slow\n"}
	r := NewRunner(eng, Config{}, nil)
	res, err := r.RunPipeline(context.Background(), "s1", "/repo", backend.PipelineRequest{Pipeline: "validate"})
	if err != nil {
		t.Fatalf("RunPipeline failed: %v", err)
	}
	if !res.Success || res.ExitCode != 0 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if !strings.Contains(res.Output, "validated 12 entities") || !strings.Contains(res.Output, "warn: slow") {
		t.Fatalf("output missing streams: %q", res.Output)
	}
	if eng.created.Image != DefaultImage || eng.created.WorkingDir != workspaceDir || !eng.created.NetworkDisabled {
		t.Fatalf("unexpected container config: %+v", eng.created)
	}
	if len(eng.host.Mounts) != 1 || eng.host.Mounts[0].Source != "/repo" || eng.host.Resources.Memory != memoryLimitBytes {
		t.Fatalf("unexpected host config: %+v", eng.host)
	}
	if len(eng.removed) != 1 {
		t.Fatalf("container not removed: %v", eng.removed)
	}
}

func TestRunPipelineNonZeroExit(t *testing.T) {
	t.Parallel()

	eng := &fakeEngine{exitCode: 2, stdout: "2 errors\n"}
	res, err := NewRunner(eng, Config{}, nil).RunPipeline(context.Background(), "s1", "/repo", backend.PipelineRequest{Pipeline: "validate"})
	if err != nil {
		t.Fatalf("RunPipeline failed: %v", err)
	}
	if res.Success || res.ExitCode != 2 || res.Error == "" {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestRunPipelineTimeout(t *testing.T) {
	t.Parallel()

	eng := &fakeEngine{block: true}
	r := NewRunner(eng, Config{Timeout: 20 * time.Millisecond}, nil)
	res, err := r.RunPipeline(context.Background(), "s1", "/repo", backend.PipelineRequest{Pipeline: "build-graph"})
	if err != nil {
		t.Fatalf("RunPipeline failed: %v", err)
	}
	if res.Success || !strings.Contains(res.Error, "timed out") {
		t.Fatalf("expected timeout result: %+v", res)
	}
	if len(eng.removed) != 1 {
		t.Fatal("timed out container must still be removed")
	}
}

func TestRunPipelineStartFailure(t *testing.T) {
	t.Parallel()

	eng := &fakeEngine{startErr: errors.New("no such image")}
	_, err := NewRunner(eng, Config{}, nil).RunPipeline(context.Background(), "s1", "/repo", backend.PipelineRequest{Pipeline: "validate"})
	if err == nil || !strings.Contains(err.Error(), "no such image") {
		t.Fatalf("error = %v", err)
	}
	if len(eng.removed) != 1 {
		t.Fatal("failed container must be removed")
	}
}
