package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ashureev/contextkit-core/internal/config"
	"github.com/ashureev/contextkit-core/internal/domain"
	"github.com/ashureev/contextkit-core/internal/store"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func lineFor(out, id string) string {
	for line := range strings.SplitSeq(out, "\n") {
		if strings.HasPrefix(line, id+" ") {
			return line
		}
	}
	return ""
}

func TestClassifyBuiltin(t *testing.T) {
	out, err := execute(t, "classify", "--policy", writeFile(t, "policy.yaml", "tools: {}\n"),
		"context.read", "context.delete", "made.up")
	if err != nil {
		t.Fatalf("classify: %v", err)
	}
	want := map[string]string{
		"context.read":   "safe",
		"context.delete": "destructive",
		"made.up":        "mutating",
	}
	for id, class := range want {
		if line := lineFor(out, id); !strings.Contains(line, class) {
			t.Errorf("%s: line %q does not contain %q", id, line, class)
		}
	}
}

func TestClassifyPolicyOverride(t *testing.T) {
	policyPath := writeFile(t, "policy.yaml", "tools:\n  pipeline.generate: destructive\n  custom.tool: safe\n")

	out, err := execute(t, "classify", "--policy", policyPath)
	if err != nil {
		t.Fatalf("classify: %v", err)
	}
	line := lineFor(out, "pipeline.generate")
	if !strings.Contains(line, "destructive") || !strings.Contains(line, "policy file") {
		t.Errorf("override not shown: %q", line)
	}
	if line := lineFor(out, "custom.tool"); !strings.Contains(line, "safe") {
		t.Errorf("override-only tool not listed: %q", line)
	}
	if lineFor(out, "context.search") == "" {
		t.Error("built-in tools should be listed")
	}
}

func TestClassifyBadPolicy(t *testing.T) {
	policyPath := writeFile(t, "policy.yaml", "tools:\n  context.read: harmless\n")
	if _, err := execute(t, "classify", "--policy", policyPath, "context.read"); err == nil {
		t.Fatal("expected an error for an unknown class")
	}
}

func TestGatingShowsArtifact(t *testing.T) {
	path := writeFile(t, "gating.json",
		`{"classificationEnforced":true,"sidecarOnly":false,"retrievalEnabled":true,"version":"3"}`)

	out, err := execute(t, "gating", "--path", path)
	if err != nil {
		t.Fatalf("gating: %v", err)
	}
	if !strings.Contains(out, "enforced") || !strings.Contains(out, "version            3") {
		t.Errorf("unexpected output:\n%s", out)
	}
	if strings.Contains(out, "using defaults") {
		t.Errorf("valid artifact reported as default:\n%s", out)
	}
}

func TestGatingMissingFallsBack(t *testing.T) {
	out, err := execute(t, "gating", "--json", "--path", filepath.Join(t.TempDir(), "missing.json"))
	if err != nil {
		t.Fatalf("gating: %v", err)
	}
	var got domain.GatingStatus
	if err := json.Unmarshal([]byte(out), &got); err != nil {
		t.Fatalf("decode: %v\n%s", err, out)
	}
	want := domain.DefaultGatingStatus()
	if got.ClassificationEnforced != want.ClassificationEnforced || got.SidecarOnly != want.SidecarOnly ||
		got.RetrievalEnabled != want.RetrievalEnabled || got.Source != want.Source {
		t.Errorf("got %+v, want defaults", got)
	}
}

func TestTelemetryLists(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "telemetry.db")
	repo, err := store.NewSQLite(dbPath)
	if err != nil {
		t.Fatal(err)
	}
	now := time.Now().UTC()
	err = repo.AppendEvents(context.Background(), []domain.TelemetryEvent{
		{ID: "e1", Kind: domain.KindTool, SessionID: "s1", ToolID: "context.read", Phase: "finished",
			DurationMs: domain.DurationPtr(12 * time.Millisecond), Timestamp: now.Add(-time.Second)},
		{ID: "e2", Kind: domain.KindTool, SessionID: "s2", ToolID: "pr.prepare", Phase: "failed",
			ErrorCode: "GATING_BLOCKED", Timestamp: now},
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := repo.Close(); err != nil {
		t.Fatal(err)
	}

	out, err := execute(t, "telemetry", "--db", dbPath, "--session", "s1")
	if err != nil {
		t.Fatalf("telemetry: %v", err)
	}
	if !strings.Contains(out, "context.read") || !strings.Contains(out, "12ms") {
		t.Errorf("missing event:\n%s", out)
	}
	if strings.Contains(out, "pr.prepare") {
		t.Errorf("session filter ignored:\n%s", out)
	}

	out, err = execute(t, "telemetry", "--db", dbPath, "--json", "-n", "1")
	if err != nil {
		t.Fatalf("telemetry json: %v", err)
	}
	var ev domain.TelemetryEvent
	if err := json.Unmarshal([]byte(strings.TrimSpace(out)), &ev); err != nil {
		t.Fatalf("decode: %v\n%s", err, out)
	}
	if ev.ID != "e2" || ev.ErrorCode != "GATING_BLOCKED" {
		t.Errorf("newest event = %+v", ev)
	}
}

func TestTelemetryMissingStore(t *testing.T) {
	_, err := execute(t, "telemetry", "--db", filepath.Join(t.TempDir(), "none.db"))
	if err == nil || !strings.Contains(err.Error(), "no telemetry store") {
		t.Fatalf("err = %v", err)
	}
}

func TestAllowedOrigins(t *testing.T) {
	t.Parallel()

	if got := allowedOrigins(&config.Config{}); len(got) != 1 || got[0] != "*" {
		t.Errorf("dev origins = %v", got)
	}
	cfg := &config.Config{FrontendURL: "https://app.example.com"}
	if got := allowedOrigins(cfg); len(got) != 1 || got[0] != "https://app.example.com" {
		t.Errorf("origins = %v", got)
	}
}
