package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/agentworkforce/relaygraph/internal/config"
	"github.com/agentworkforce/relaygraph/internal/relaygraph"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const testPolicy = `
grants:
  - {subject: olive, graph: acme, role: owner}
  - {subject: vera, graph: acme, role: viewer}
`

func writeTestConfig(t *testing.T, extra string) string {
	t.Helper()
	dir := t.TempDir()
	policyPath := filepath.Join(dir, "policy.yaml")
	if err := os.WriteFile(policyPath, []byte(testPolicy), 0o644); err != nil {
		t.Fatalf("write policy: %v", err)
	}
	body := fmt.Sprintf(`
logger:
  level: error
store:
  dsn: memory://
auth:
  jwt_secret: s3cret
access:
  policy_file: %s
%s`, policyPath, extra)
	path := filepath.Join(dir, "relaygraph.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestVersionCommand(t *testing.T) {
	out, err := runCLI(t, "version")
	if err != nil {
		t.Fatalf("version failed: %v", err)
	}
	if strings.TrimSpace(out) != Version {
		t.Fatalf("expected %q, got %q", Version, out)
	}
}

func TestScanCommandPrintsReport(t *testing.T) {
	cfgPath := writeTestConfig(t, "")
	out, err := runCLI(t, "scan", "--config", cfgPath, "--graph", "acme", "--subject", "vera")
	if err != nil {
		t.Fatalf("scan failed: %v", err)
	}
	var report relaygraph.Report
	if err := json.Unmarshal([]byte(out), &report); err != nil {
		t.Fatalf("decode report: %v (%s)", err, out)
	}
	if report.GraphID != "acme" || report.OrphanTotal != 0 {
		t.Fatalf("unexpected report %+v", report)
	}
}

func TestScanCommandChecksSubject(t *testing.T) {
	cfgPath := writeTestConfig(t, "")
	_, err := runCLI(t, "scan", "--config", cfgPath, "--graph", "acme", "--subject", "mallory")
	if !errors.Is(err, relaygraph.ErrAccessDenied) {
		t.Fatalf("expected access denied, got %v", err)
	}
	_, err = runCLI(t, "scan", "--config", cfgPath)
	if err == nil {
		t.Fatalf("expected missing --graph to fail")
	}
}

func TestRepairCommand(t *testing.T) {
	cfgPath := writeTestConfig(t, "repair:\n  confirm_token: CONFIRM_DELETE\n")

	out, err := runCLI(t, "repair", "--config", cfgPath, "--graph", "acme", "--action", "delete-orphans", "--subject", "olive")
	if err != nil {
		t.Fatalf("dry run failed: %v", err)
	}
	var result relaygraph.RepairResult
	if err := json.Unmarshal([]byte(out), &result); err != nil {
		t.Fatalf("decode result: %v (%s)", err, out)
	}
	if !result.DryRun || result.Action != "delete-orphans" {
		t.Fatalf("unexpected result %+v", result)
	}

	_, err = runCLI(t, "repair", "--config", cfgPath, "--graph", "acme", "--action", "delete-orphans", "--subject", "olive", "--commit")
	if !errors.Is(err, relaygraph.ErrConfirmationRequired) {
		t.Fatalf("expected confirmation required, got %v", err)
	}

	_, err = runCLI(t, "repair", "--config", cfgPath, "--graph", "acme", "--action", "delete-orphans", "--subject", "olive", "--commit", "--confirm", "CONFIRM_DELETE")
	if err != nil {
		t.Fatalf("confirmed commit failed: %v", err)
	}

	_, err = runCLI(t, "repair", "--config", cfgPath, "--graph", "acme", "--action", "delete-orphans", "--subject", "vera")
	if !errors.Is(err, relaygraph.ErrAccessDenied) {
		t.Fatalf("expected viewer to be denied, got %v", err)
	}

	_, err = runCLI(t, "repair", "--config", cfgPath, "--graph", "acme", "--action", "drop-everything", "--subject", "olive")
	if !errors.Is(err, relaygraph.ErrUnknownAction) {
		t.Fatalf("expected unknown action, got %v", err)
	}
}

func TestRepairCommandNeedsConfirmToken(t *testing.T) {
	cfgPath := writeTestConfig(t, "")
	_, err := runCLI(t, "repair", "--config", cfgPath, "--graph", "acme", "--action", "delete-orphans", "--subject", "olive")
	if err == nil || !strings.Contains(err.Error(), "confirm_token") {
		t.Fatalf("expected missing confirm token error, got %v", err)
	}
}

func TestLoadConfigAppliesEnvOverrides(t *testing.T) {
	cfgPath := writeTestConfig(t, "")
	t.Setenv("RELAYGRAPH_SERVER_ADDR", "127.0.0.1:9999")
	t.Setenv("RELAYGRAPH_REPAIR_CONFIRM_TOKEN", "from-env")

	a := &app{v: viper.New(), cfgFile: cfgPath}
	cfg, err := a.loadConfig()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Server.Addr != "127.0.0.1:9999" {
		t.Fatalf("expected env addr, got %q", cfg.Server.Addr)
	}
	if cfg.Repair.ConfirmToken != "from-env" {
		t.Fatalf("expected env confirm token, got %q", cfg.Repair.ConfirmToken)
	}
	if cfg.Auth.JWTSecret != "s3cret" {
		t.Fatalf("expected file jwt secret, got %q", cfg.Auth.JWTSecret)
	}
}

func TestLoadConfigRejectsMissingExplicitFile(t *testing.T) {
	a := &app{v: viper.New(), cfgFile: filepath.Join(t.TempDir(), "absent.yaml")}
	if _, err := a.loadConfig(); err == nil {
		t.Fatalf("expected an error for a missing --config file")
	}
}

func TestServeOnAnswersHealthAndShutsDown(t *testing.T) {
	cfgPath := writeTestConfig(t, "repair:\n  confirm_token: CONFIRM_DELETE\n")
	a := &app{v: viper.New(), cfgFile: cfgPath}
	cfg, err := a.loadConfig()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	cfg.Server.ShutdownTimeout = 2 * time.Second

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- serveOn(ctx, ln, cfg, zap.NewNop())
	}()

	url := "http://" + ln.Addr().String() + "/health"
	deadline := time.Now().Add(3 * time.Second)
	for {
		resp, err := http.Get(url)
		if err == nil {
			_ = resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				break
			}
		}
		if time.Now().After(deadline) {
			cancel()
			t.Fatalf("server never became healthy: %v", err)
		}
		time.Sleep(20 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("serve returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("server did not shut down")
	}
}

func TestServeOnRequiresRepairSettings(t *testing.T) {
	cfgPath := writeTestConfig(t, "")
	a := &app{v: viper.New(), cfgFile: cfgPath}
	cfg, err := a.loadConfig()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	if err := serveOn(context.Background(), ln, cfg, zap.NewNop()); err == nil {
		t.Fatalf("expected serve to refuse running without a confirm token")
	}
}

func TestBuildEngineCommitsEditsWhenGitSyncEnabled(t *testing.T) {
	cfg := config.NewDefaultConfig()
	cfg.Sync.Enabled = true
	cfg.Sync.RepoPath = t.TempDir()
	ctx := context.Background()

	eng, err := buildEngine(ctx, cfg, nil, zap.NewNop())
	if err != nil {
		t.Fatalf("build engine: %v", err)
	}
	defer func() { _ = eng.Close(ctx) }()
	if err := eng.requireRepairs(); err == nil {
		t.Fatalf("repairs must not be wired without a gate and confirm token")
	}

	store, ok := eng.store.(*relaygraph.MemoryStore)
	if !ok {
		t.Fatalf("expected the default store to be in memory, got %T", eng.store)
	}
	if _, err := store.CreateNode(ctx, relaygraph.Node{Type: "Decision", GraphID: "acme", ID: "ADR-001", Properties: map[string]any{"content": "v1"}}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	result, err := eng.nodes.Update(ctx, relaygraph.MutationRequest{
		Key:    relaygraph.NodeKey{GraphID: "acme", ID: "ADR-001"},
		Editor: "alice",
		Patch:  map[string]any{"content": "v2"},
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if !result.SyncStatus.Synced || result.SyncStatus.GitHash == nil || len(*result.SyncStatus.GitHash) != 40 {
		t.Fatalf("expected the edit to be committed, got %+v", result.SyncStatus)
	}
	if _, err := os.Stat(filepath.Join(cfg.Sync.RepoPath, "knowledge", "acme", "Decision", "ADR-001.md")); err != nil {
		t.Fatalf("expected committed document: %v", err)
	}
}

func TestStoreScheme(t *testing.T) {
	cases := map[string]string{
		"":                              "memory",
		"memory://":                     "memory",
		"neo4j://neo4j:secret@db:7687":  "neo4j",
		"bolt+s://user:pw@example:7687": "bolt+s",
		"not a dsn":                     "unknown",
	}
	for dsn, want := range cases {
		if got := storeScheme(dsn); got != want {
			t.Fatalf("storeScheme(%q) = %q, want %q", dsn, got, want)
		}
	}
}
