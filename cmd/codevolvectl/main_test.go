package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"codevolve/internal/model"
	"codevolve/internal/storage"
	"codevolve/pkg/codevolve"
)

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	err := run(context.Background(), args, &stdout, &stderr)
	return stdout.String(), err
}

// seedBadgerStore writes a two-program lineage for run "run-cli".
func seedBadgerStore(t *testing.T) string {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "badger")
	store := storage.NewBadgerStore(dir, nil)
	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("init badger: %v", err)
	}
	parent := model.Program{ID: "p-root", RunID: "run-cli", Generation: 0, Code: "def solve(x):\n    return x\n"}
	child := model.Program{ID: "p-child", RunID: "run-cli", Generation: 1, Code: "def solve(x):\n    return x * 2\n", ParentIDs: []string{"p-root"}, Depth: 1}
	for _, p := range []model.Program{parent, child} {
		if err := store.Insert(ctx, p); err != nil {
			t.Fatalf("insert %s: %v", p.ID, err)
		}
	}
	if err := store.SetFitness(ctx, "p-root", model.Metrics{model.MetricCorrectnessRatio: 0.5, model.MetricAvgLatencyMS: 3}, model.StatusValid, nil); err != nil {
		t.Fatalf("set fitness root: %v", err)
	}
	if err := store.SetFitness(ctx, "p-child", model.Metrics{model.MetricCorrectnessRatio: 1, model.MetricAvgLatencyMS: 2}, model.StatusValid, nil); err != nil {
		t.Fatalf("set fitness child: %v", err)
	}
	for gen, members := range [][]string{{"p-root"}, {"p-child", "p-root"}} {
		if err := store.SaveGeneration(ctx, model.GenerationRecord{
			RunID:      "run-cli",
			Generation: gen,
			MemberIDs:  members,
			Summary:    model.GenerationSummary{RunID: "run-cli", Generation: gen, BestProgramID: members[0]},
		}); err != nil {
			t.Fatalf("save generation %d: %v", gen, err)
		}
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close badger: %v", err)
	}
	return dir
}

func TestUnknownCommandFails(t *testing.T) {
	if _, err := runCLI(t, "evolve-everything"); err == nil {
		t.Fatal("expected unknown command to fail")
	}
}

func TestInvalidLogLevelFails(t *testing.T) {
	_, err := runCLI(t, "--log-level", "loud", "init")
	if err == nil || !strings.Contains(err.Error(), "invalid log level") {
		t.Fatalf("expected log level error, got=%v", err)
	}
}

func TestInvalidOutputFormatFails(t *testing.T) {
	if _, err := runCLI(t, "-o", "yaml", "init"); err == nil {
		t.Fatal("expected unsupported output format to fail")
	}
}

func TestInitCreatesBadgerStore(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "store")
	out, err := runCLI(t, "--store", "badger", "--db-path", dir, "init")
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	if !strings.Contains(out, "initialized store=badger") {
		t.Fatalf("unexpected init output: %q", out)
	}
	if _, err := os.Stat(dir); err != nil {
		t.Fatalf("expected badger directory: %v", err)
	}
}

func TestQueryCommandsReadStoredRun(t *testing.T) {
	dir := seedBadgerStore(t)
	base := []string{"--store", "badger", "--db-path", dir, "--log-level", "error"}

	out, err := runCLI(t, append(base, "-o", "json", "top", "--run-id", "run-cli", "--limit", "1")...)
	if err != nil {
		t.Fatalf("top: %v", err)
	}
	var top []model.Program
	if err := json.Unmarshal([]byte(out), &top); err != nil {
		t.Fatalf("decode top: %v\n%s", err, out)
	}
	if len(top) != 1 || top[0].ID != "p-child" {
		t.Fatalf("expected p-child on top, got=%+v", top)
	}

	out, err = runCLI(t, append(base, "-o", "json", "lineage", "p-child")...)
	if err != nil {
		t.Fatalf("lineage: %v", err)
	}
	var lineage []model.Program
	if err := json.Unmarshal([]byte(out), &lineage); err != nil {
		t.Fatalf("decode lineage: %v", err)
	}
	if len(lineage) != 2 || lineage[0].ID != "p-child" || lineage[1].ID != "p-root" {
		t.Fatalf("unexpected lineage order: %+v", lineage)
	}

	out, err = runCLI(t, append(base, "generations", "--run-id", "run-cli")...)
	if err != nil {
		t.Fatalf("generations: %v", err)
	}
	if !strings.Contains(out, "GEN") || !strings.Contains(out, "p-child") {
		t.Fatalf("unexpected generations output:\n%s", out)
	}

	out, err = runCLI(t, append(base, "show", "p-child")...)
	if err != nil {
		t.Fatalf("show: %v", err)
	}
	for _, want := range []string{"id:         p-child", "parents:    p-root", "return x * 2"} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %q in show output:\n%s", want, out)
		}
	}
}

func TestExportRebuildsRunFromStore(t *testing.T) {
	dir := seedBadgerStore(t)
	outDir := t.TempDir()
	out, err := runCLI(t, "--store", "badger", "--db-path", dir, "--log-level", "error", "export", "--run-id", "run-cli", "--out", outDir)
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if !strings.Contains(out, "exported run_id=run-cli") {
		t.Fatalf("unexpected export output: %q", out)
	}
	best, err := os.ReadFile(filepath.Join(outDir, "run-cli", "best.py"))
	if err != nil {
		t.Fatalf("read exported best program: %v", err)
	}
	if !strings.Contains(string(best), "x * 2") {
		t.Fatalf("unexpected best program: %q", best)
	}
}

func TestRunsWithoutArtifactsDirFails(t *testing.T) {
	if _, err := runCLI(t, "--log-level", "error", "runs"); err == nil {
		t.Fatal("expected runs without an artifacts directory to fail")
	}
}

func TestShowMissingProgramFails(t *testing.T) {
	dir := seedBadgerStore(t)
	if _, err := runCLI(t, "--store", "badger", "--db-path", dir, "show", "nope"); err == nil {
		t.Fatal("expected missing program to fail")
	}
}

func TestRunRequiresTaskFlag(t *testing.T) {
	if _, err := runCLI(t, "run"); err == nil {
		t.Fatal("expected run without --task to fail")
	}
}

func TestRunHelpListsRegisteredSelectors(t *testing.T) {
	out, err := runCLI(t, "run", "--help")
	if err != nil {
		t.Fatalf("run --help: %v", err)
	}
	if !strings.Contains(out, "roulette|tournament") {
		t.Fatalf("expected selector names in help, got:\n%s", out)
	}
}

func TestRunAgainstFakeOpenAI(t *testing.T) {
	if _, err := exec.LookPath("python3"); err != nil {
		t.Skip("python3 not on PATH")
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"id": "chatcmpl-1",
			"object": "chat.completion",
			"choices": [{"index": 0, "finish_reason": "stop",
				"message": {"role": "assistant", "content": "def solve(x):\n    return x * 2\n"}}],
			"usage": {"total_tokens": 1}
		}`))
	}))
	defer srv.Close()
	t.Setenv("OPENAI_API_KEY", "test")

	dir := t.TempDir()
	configPath := filepath.Join(dir, "run.yaml")
	taskPath := filepath.Join(dir, "task.yaml")
	writeFile(t, configPath, "run_id: run-e2e\npopulation_size: 2\ngenerations: 2\nmutation_mode: full-rewrite\nopenai:\n  model: fake\n  base_url: "+srv.URL+"\n")
	writeFile(t, taskPath, "id: double\nfunction_name: solve\nexamples:\n  - input: 2\n    output: 4\n  - input: 5\n    output: 10\n")

	out, err := runCLI(t, "--config", configPath, "--log-level", "error", "-o", "json", "run", "--task", taskPath)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	var summary codevolve.RunSummary
	if err := json.Unmarshal([]byte(out), &summary); err != nil {
		t.Fatalf("decode summary: %v\n%s", err, out)
	}
	if summary.RunID != "run-e2e" || summary.Best == nil {
		t.Fatalf("expected a best program for run-e2e, got=%+v", summary)
	}
	if ratio, _ := summary.Best.CorrectnessRatio(); ratio != 1 {
		t.Fatalf("expected a fully correct best program, got ratio=%v", ratio)
	}
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}
