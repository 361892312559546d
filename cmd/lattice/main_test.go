package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type cliResult struct {
	code   int
	stdout string
	stderr string
}

func runCLI(t *testing.T, args ...string) cliResult {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := run(args, &stdout, &stderr)
	return cliResult{code: code, stdout: stdout.String(), stderr: stderr.String()}
}

func writeSource(t *testing.T, root, rel, content string) string {
	t.Helper()
	path := filepath.Join(root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

// project builds a tree with one blocking SQL injection and one TODO marker.
func project(t *testing.T) string {
	t.Helper()
	// Keep lattice.yml, .env and policy.yml lookups away from the package dir.
	t.Chdir(t.TempDir())
	root := t.TempDir()
	writeSource(t, root, "app/db.py", "rows = []\ncursor.execute(f\"SELECT * FROM t WHERE id = {uid}\")\n")
	writeSource(t, root, "web/app.js", "// TODO: split this module\nconst ready = true;\n")
	writeSource(t, root, "node_modules/dep/index.js", "password = \"abcdefghij\"\n")
	return root
}

func decodeReport(t *testing.T, raw string) map[string]any {
	t.Helper()
	var payload map[string]any
	require.NoError(t, json.Unmarshal([]byte(raw), &payload), "output: %s", raw)
	return payload
}

func patternIDs(t *testing.T, payload map[string]any) []string {
	t.Helper()
	var ids []string
	for _, f := range payload["findings"].([]any) {
		ids = append(ids, f.(map[string]any)["pattern_id"].(string))
	}
	return ids
}

func TestScanJSON(t *testing.T) {
	root := project(t)

	res := runCLI(t, "scan", root, "--format", "json", "--log-level", "error")

	assert.Equal(t, exitBlocked, res.code, res.stderr)
	payload := decodeReport(t, res.stdout)
	for _, key := range []string{"schema_version", "scan_id", "tool_version", "root_path", "summary", "findings", "recommendations", "files_by_type"} {
		assert.Contains(t, payload, key)
	}
	assert.Equal(t, []string{"SEC001", "QUAL006"}, patternIDs(t, payload))
	summary := payload["summary"].(map[string]any)
	assert.Equal(t, 2.0, summary["total_issues"])
	assert.Equal(t, 2.0, summary["files_scanned"])
}

func TestScanCleanTreeExitsZero(t *testing.T) {
	t.Chdir(t.TempDir())
	root := t.TempDir()
	writeSource(t, root, "main.go", "package main\n")

	res := runCLI(t, "scan", root, "--log-level", "error")

	assert.Equal(t, exitClean, res.code, res.stderr)
	assert.Contains(t, res.stdout, "Summary: files=1 skipped=0 lines=1 total=0")
	assert.Contains(t, res.stdout, "Risk score: 0.0/100 (low)")
}

func TestScanFilters(t *testing.T) {
	root := project(t)

	quality := runCLI(t, "scan", root, "-f", "json", "--category", "quality", "--log-level", "error")
	assert.Equal(t, exitClean, quality.code, quality.stderr)
	assert.Equal(t, []string{"QUAL006"}, patternIDs(t, decodeReport(t, quality.stdout)))

	critical := runCLI(t, "scan", root, "-f", "json", "--min-severity", "critical", "--log-level", "error")
	assert.Equal(t, exitClean, critical.code, critical.stderr)
	assert.Empty(t, decodeReport(t, critical.stdout)["findings"])

	excluded := runCLI(t, "scan", root, "-f", "json", "--exclude", "app", "--log-level", "error")
	assert.Equal(t, exitClean, excluded.code, excluded.stderr)
	assert.Equal(t, []string{"QUAL006"}, patternIDs(t, decodeReport(t, excluded.stdout)))

	bad := runCLI(t, "scan", root, "--category", "style")
	assert.Equal(t, exitUsage, bad.code)
}

func TestScanPolicyOverride(t *testing.T) {
	root := project(t)
	policyPath := writeSource(t, t.TempDir(), "policy.yml", "rules:\n  SEC001: warn\n")

	res := runCLI(t, "scan", root, "--policy", policyPath, "--log-level", "error")

	assert.Equal(t, exitClean, res.code, res.stderr)
	assert.Contains(t, res.stdout, "blocked=0 warnings=2")
}

func TestScanWritesOutputAndMetrics(t *testing.T) {
	root := project(t)
	outDir := t.TempDir()
	reportPath := filepath.Join(outDir, "report.sarif")
	metricsPath := filepath.Join(outDir, "lattice.prom")

	res := runCLI(t, "scan", root, "-f", "sarif", "-o", reportPath, "--metrics-file", metricsPath, "--log-level", "error")

	assert.Equal(t, exitBlocked, res.code, res.stderr)
	assert.Empty(t, res.stdout)

	sarif, err := os.ReadFile(reportPath)
	require.NoError(t, err)
	assert.Contains(t, string(sarif), `"version": "2.1.0"`)
	assert.Contains(t, string(sarif), `"ruleId": "SEC001"`)

	prom, err := os.ReadFile(metricsPath)
	require.NoError(t, err)
	assert.Contains(t, string(prom), `lattice_scan_files_scanned_total{language="python"} 1`)
	assert.Contains(t, string(prom), `lattice_scan_findings_total{category="security",severity="HIGH"} 1`)
}

func TestScanUsageErrors(t *testing.T) {
	t.Chdir(t.TempDir())

	tests := map[string][]string{
		"missing root":   {"scan", filepath.Join(t.TempDir(), "nope")},
		"bad format":     {"scan", t.TempDir(), "--format", "html"},
		"missing config": {"scan", t.TempDir(), "--config", filepath.Join(t.TempDir(), "none.yml")},
		"bad severity":   {"scan", t.TempDir(), "--min-severity", "urgent"},
		"unknown flag":   {"scan", "--frobnicate"},
		"too many args":  {"scan", "a", "b"},
	}
	for name, args := range tests {
		t.Run(name, func(t *testing.T) {
			res := runCLI(t, append(args, "--log-level", "error")...)
			assert.Equal(t, exitUsage, res.code)
		})
	}

	t.Run("bad log level", func(t *testing.T) {
		res := runCLI(t, "scan", t.TempDir(), "--log-level", "verbose")
		assert.Equal(t, exitUsage, res.code)
	})
}

func TestScanTimeout(t *testing.T) {
	root := project(t)

	res := runCLI(t, "scan", root, "--timeout", "1ns", "--log-level", "error")

	assert.Equal(t, exitTimeout, res.code)
	assert.Empty(t, res.stdout)
}

func TestScanConfigFile(t *testing.T) {
	root := project(t)
	cfgPath := writeSource(t, t.TempDir(), "lattice.yml", "scan:\n  exclude: [\"web\"]\nlogging:\n  level: error\n")

	res := runCLI(t, "scan", root, "--config", cfgPath, "-f", "json")

	assert.Equal(t, exitBlocked, res.code, res.stderr)
	assert.Equal(t, []string{"SEC001"}, patternIDs(t, decodeReport(t, res.stdout)))
}

func TestFileCommand(t *testing.T) {
	root := project(t)

	res := runCLI(t, "file", filepath.Join(root, "web", "app.js"), "-f", "csv", "--log-level", "error")

	assert.Equal(t, exitClean, res.code, res.stderr)
	lines := strings.Split(strings.TrimSpace(res.stdout), "\n")
	require.Len(t, lines, 2)
	assert.True(t, strings.HasPrefix(lines[1], "quality,app.js,1,QUAL006,TODO Comment,LOW,warn"))

	missing := runCLI(t, "file", filepath.Join(root, "gone.py"), "--log-level", "error")
	assert.Equal(t, exitUsage, missing.code)
}

func TestPatternsCommand(t *testing.T) {
	res := runCLI(t, "patterns", "--format", "json", "--category", "security")
	require.Equal(t, exitClean, res.code, res.stderr)

	var doc struct {
		Patterns []struct {
			ID       string `json:"id"`
			Category string `json:"category"`
		} `json:"patterns"`
	}
	require.NoError(t, json.Unmarshal([]byte(res.stdout), &doc))
	require.Len(t, doc.Patterns, 11)
	for _, p := range doc.Patterns {
		assert.Equal(t, "security", p.Category)
	}

	table := runCLI(t, "patterns", "--min-severity", "critical")
	assert.Equal(t, exitClean, table.code)
	assert.Contains(t, table.stdout, "SEC011")
	assert.NotContains(t, table.stdout, "SEC001")

	byID := runCLI(t, "patterns", "--id", "qual006,SEC001")
	assert.Equal(t, exitClean, byID.code, byID.stderr)
	assert.Contains(t, byID.stdout, "2 patterns (1 security, 1 quality;")

	unknown := runCLI(t, "patterns", "--id", "SEC404")
	assert.Equal(t, exitUsage, unknown.code)

	filtered := runCLI(t, "patterns", "--category", "quality", "--id", "SEC001")
	assert.Equal(t, exitUsage, filtered.code)
}

func TestVersionCommand(t *testing.T) {
	oldVersion, oldCommit := Version, GitCommit
	t.Cleanup(func() { Version, GitCommit = oldVersion, oldCommit })
	Version, GitCommit = "9.9.9", "abc123"

	res := runCLI(t, "version")

	assert.Equal(t, exitClean, res.code)
	assert.Contains(t, res.stdout, "lattice 9.9.9")
	assert.Contains(t, res.stdout, "Commit: abc123")
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestWatchRescansOnChange(t *testing.T) {
	t.Chdir(t.TempDir())
	root := t.TempDir()
	target := writeSource(t, root, "app.py", "x = 1\n")

	out := &syncBuffer{}
	cmd := newRootCmd(out, &syncBuffer{})
	cmd.SetArgs([]string{"watch", root, "-f", "json", "--debounce", "50ms", "--log-level", "error"})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- cmd.ExecuteContext(ctx) }()

	require.Eventually(t, func() bool {
		return strings.Contains(out.String(), `"total_issues": 0`)
	}, 5*time.Second, 20*time.Millisecond)

	// The watcher is registered after the first report, so keep touching
	// the file until a rescan picks the change up.
	require.Eventually(t, func() bool {
		_ = os.WriteFile(target, []byte("password = \"abcdefghij\"\n"), 0o644)
		return strings.Contains(out.String(), `"pattern_id": "SEC002"`)
	}, 5*time.Second, 150*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("watch did not stop after cancellation")
	}
}
