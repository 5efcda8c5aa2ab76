package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"affilink/internal/config"
	"affilink/internal/services"
	"affilink/internal/testsupport"
	"affilink/internal/workdir"
)

type cliTestEnv struct {
	configPath string
	inputDir   string
	workDir    string
	registry   *testsupport.FakeRegistry
}

func setupCLITestEnv(t *testing.T) *cliTestEnv {
	t.Helper()

	base := t.TempDir()
	t.Setenv("HOME", filepath.Join(base, "home"))
	t.Setenv("AFFILINK_WORK_DIR", "")
	t.Setenv("AFFILINK_REGISTRY_URL", "")

	fake := testsupport.NewFakeRegistry(t)
	fake.Script("Example University", testsupport.RegistryReply{Chosen: []string{"https://ror.org/02mhbdp94"}})

	env := &cliTestEnv{
		configPath: filepath.Join(base, "affilink.toml"),
		inputDir:   filepath.Join(base, "corpus"),
		workDir:    filepath.Join(base, "work"),
		registry:   fake,
	}
	content := fmt.Sprintf(`[paths]
input_dir = %q
work_dir = %q
log_dir = %q

[registry]
base_url = %q
concurrency = 2
timeout_seconds = 5
initial_backoff_ms = 1
max_backoff_seconds = 1

[logging]
level = "error"
`, env.inputDir, env.workDir, filepath.Join(base, "logs"), fake.URL)
	if err := os.WriteFile(env.configPath, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	testsupport.WriteCorpusFile(t, env.inputDir, "part-0001.jsonl.gz",
		testsupport.Record(t, "10.1234/shared",
			testsupport.Creator{Name: "Doe, Jane", Affiliations: []any{"Example University"}},
			testsupport.Creator{Name: "Roe, Rick", Affiliations: []any{"Example University"}},
		),
		testsupport.Record(t, "10.1234/unknown",
			testsupport.Creator{Name: "Poe, Edgar", Affiliations: []any{"Unknown Org"}},
		),
	)
	return env
}

func runCLI(t *testing.T, configPath string, args ...string) (string, string, error) {
	t.Helper()
	cmd := newRootCommand()
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(append([]string{"--config", configPath}, args...))
	err := cmd.Execute()
	return stdout.String(), stderr.String(), err
}

func requireContains(t *testing.T, output, substr string) {
	t.Helper()
	if !strings.Contains(output, substr) {
		t.Fatalf("expected %q to contain %q", output, substr)
	}
}

func TestRunPipelineEndToEnd(t *testing.T) {
	env := setupCLITestEnv(t)

	out, _, err := runCLI(t, env.configPath, "run")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	requireContains(t, out, "extract: Unique affiliations\t2")
	requireContains(t, out, "resolve: Matched\t1")
	requireContains(t, out, "resolve: No match\t1")
	requireContains(t, out, "reconcile: Identified\t2")
	requireContains(t, out, "reconcile: Unidentified\t1")

	records := testsupport.ReadJSONLines(t, filepath.Join(env.workDir, workdir.EnrichedRecordsFile))
	if len(records) != 2 {
		t.Fatalf("expected 2 enriched records, got %d", len(records))
	}
}

func TestStagesWithJSONAndStatus(t *testing.T) {
	env := setupCLITestEnv(t)

	if _, _, err := runCLI(t, env.configPath, "extract"); err != nil {
		t.Fatalf("extract: %v", err)
	}

	out, _, err := runCLI(t, env.configPath, "status", "--json")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	var before statusReport
	if err := json.Unmarshal([]byte(out), &before); err != nil {
		t.Fatalf("decode status: %v\n%s", err, out)
	}
	if before.UniqueAffiliations != 2 || before.Processed != 0 || before.Remaining != 2 {
		t.Fatalf("unexpected status before resolve: %+v", before)
	}

	out, _, err = runCLI(t, env.configPath, "resolve", "--json", "--concurrency", "1")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	var resolved struct {
		Matched int `json:"matched"`
		NoMatch int `json:"no_match"`
	}
	if err := json.Unmarshal([]byte(out), &resolved); err != nil {
		t.Fatalf("decode resolve summary: %v\n%s", err, out)
	}
	if resolved.Matched != 1 || resolved.NoMatch != 1 {
		t.Fatalf("unexpected resolve summary: %+v", resolved)
	}

	out, _, err = runCLI(t, env.configPath, "resolve", "--resume")
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	requireContains(t, out, "Already processed\t2")

	other := filepath.Join(t.TempDir(), "enriched.jsonl")
	if _, _, err := runCLI(t, env.configPath, "reconcile", "--backend", "sqlite", "--output", other); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if records := testsupport.ReadJSONLines(t, other); len(records) != 2 {
		t.Fatalf("expected 2 records in %s, got %d", other, len(records))
	}

	out, _, err = runCLI(t, env.configPath, "status")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	requireContains(t, out, "Processed\t2")
	requireContains(t, out, workdir.CheckpointFile)
}

func TestResolveBeforeExtractFails(t *testing.T) {
	env := setupCLITestEnv(t)

	_, _, err := runCLI(t, env.configPath, "resolve")
	if !errors.Is(err, services.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if code := services.ExitCode(err); code != 1 {
		t.Fatalf("exit code = %d, want 1", code)
	}
}

func TestStageRefusesLockedWorkDir(t *testing.T) {
	env := setupCLITestEnv(t)

	lock, err := workdir.New(env.workDir).Acquire()
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer lock.Release()

	_, _, err = runCLI(t, env.configPath, "extract")
	if !errors.Is(err, services.ErrLocked) {
		t.Fatalf("expected ErrLocked, got %v", err)
	}
}

func TestInvalidFlagIsConfigurationError(t *testing.T) {
	env := setupCLITestEnv(t)

	_, _, err := runCLI(t, env.configPath, "reconcile", "--backend", "postgres")
	if !errors.Is(err, services.ErrConfiguration) {
		t.Fatalf("expected ErrConfiguration, got %v", err)
	}
	if code := services.ExitCode(err); code != 2 {
		t.Fatalf("exit code = %d, want 2", code)
	}
}

func TestConfigInitAndValidate(t *testing.T) {
	env := setupCLITestEnv(t)

	out, _, err := runCLI(t, env.configPath, "config", "validate")
	if err != nil {
		t.Fatalf("config validate: %v", err)
	}
	requireContains(t, out, "Configuration valid")
	requireContains(t, out, env.registry.URL)
	requireContains(t, out, "[OK] Registry")

	target := filepath.Join(t.TempDir(), "config.toml")
	out, _, err = runCLI(t, env.configPath, "config", "init", "--path", target)
	if err != nil {
		t.Fatalf("config init: %v", err)
	}
	requireContains(t, out, "Wrote sample configuration")
	if _, err := os.Stat(target); err != nil {
		t.Fatalf("expected config file at %s: %v", target, err)
	}

	if _, _, err := runCLI(t, env.configPath, "config", "init", "--path", target); err == nil {
		t.Fatal("expected refusal to overwrite existing config")
	}
}

func TestSetWorkDirRebasesDerivedPaths(t *testing.T) {
	cfg := config.Default()
	cfg.Paths.WorkDir = "/data/old"
	cfg.Reconcile.Output = "/data/old/enriched_records.jsonl"
	cfg.Metrics.Textfile = "/elsewhere/metrics.prom"

	if err := setWorkDir(&cfg, "/data/new"); err != nil {
		t.Fatalf("setWorkDir: %v", err)
	}
	if cfg.Paths.WorkDir != "/data/new" {
		t.Fatalf("work dir = %q", cfg.Paths.WorkDir)
	}
	if cfg.Reconcile.Output != "/data/new/enriched_records.jsonl" {
		t.Fatalf("output not rebased: %q", cfg.Reconcile.Output)
	}
	if cfg.Metrics.Textfile != "/elsewhere/metrics.prom" {
		t.Fatalf("unrelated path moved: %q", cfg.Metrics.Textfile)
	}
}

func TestConfigValidateReportsMissingCorpus(t *testing.T) {
	env := setupCLITestEnv(t)
	if err := os.RemoveAll(env.inputDir); err != nil {
		t.Fatal(err)
	}

	out, _, err := runCLI(t, env.configPath, "config", "validate")
	if !errors.Is(err, services.ErrConfiguration) {
		t.Fatalf("expected ErrConfiguration, got %v", err)
	}
	requireContains(t, out, "[FAIL] Corpus directory")
	if strings.Contains(out, "Configuration valid") {
		t.Fatalf("unexpected success line in %q", out)
	}
}
