package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jamesruggles/aegis/internal/model"
	"github.com/jamesruggles/aegis/internal/tools"
)

type harness struct {
	t    *testing.T
	dir  string
	base []string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	dir := t.TempDir()
	return &harness{
		t:   t,
		dir: dir,
		base: []string{
			"--config", filepath.Join(dir, "missing.yaml"),
			"--projects-dir", filepath.Join(dir, "projects"),
			"--db=",
			"--log-level", "error",
		},
	}
}

func (h *harness) runContext(ctx context.Context, args ...string) (int, string, string) {
	h.t.Helper()
	var out, errOut bytes.Buffer
	code := Run(ctx, append(args, h.base...), &out, &errOut)
	return code, out.String(), errOut.String()
}

func (h *harness) run(args ...string) (int, string, string) {
	h.t.Helper()
	return h.runContext(context.Background(), args...)
}

func (h *harness) mustRun(args ...string) string {
	h.t.Helper()
	code, out, errOut := h.run(args...)
	require.Equal(h.t, ExitOK, code, "aegis %s\nstdout: %s\nstderr: %s", strings.Join(args, " "), out, errOut)
	return out
}

func TestVersion(t *testing.T) {
	h := newHarness(t)
	out := h.mustRun("version")
	assert.True(t, strings.HasPrefix(out, "aegis "), out)
}

func TestUnknownCommand(t *testing.T) {
	h := newHarness(t)
	code, _, errOut := h.run("explode")
	assert.Equal(t, ExitError, code)
	assert.Contains(t, errOut, "unknown command")
}

func TestProjectCommands(t *testing.T) {
	h := newHarness(t)

	out := h.mustRun("project", "list")
	assert.Contains(t, out, "no projects")

	out = h.mustRun("project", "create", "acme", "--meta", "owner=secteam", "--use")
	assert.Contains(t, out, "created")
	assert.DirExists(t, filepath.Join(h.dir, "projects", "acme"))

	h.mustRun("project", "create", "other")
	out = h.mustRun("project", "list")
	assert.Regexp(t, `(?m)^\*\s+acme\b`, out)
	assert.Regexp(t, `(?m)^\s+other\b`, out)

	out = h.mustRun("project", "show")
	assert.Contains(t, out, "acme")
	assert.Contains(t, out, "secteam")
	assert.Contains(t, out, "no scans yet")

	h.mustRun("project", "set", "acme", "client=ACME Corp")
	out = h.mustRun("project", "show", "acme")
	assert.Contains(t, out, "ACME Corp")

	code, _, errOut := h.run("project", "create", "acme")
	assert.Equal(t, ExitError, code)
	assert.Contains(t, errOut, "acme")

	code, _, _ = h.run("project", "create", "../escape")
	assert.Equal(t, ExitError, code)

	code, _, errOut = h.run("project", "delete", "other")
	assert.Equal(t, ExitError, code)
	assert.Contains(t, errOut, "--yes")

	h.mustRun("project", "delete", "other", "--yes")
	assert.NoDirExists(t, filepath.Join(h.dir, "projects", "other"))
}

func TestProjectBackupRestore(t *testing.T) {
	h := newHarness(t)
	h.mustRun("project", "create", "acme", "-m", "owner=secteam")

	archive := filepath.Join(h.dir, "acme.tar.gz")
	out := h.mustRun("project", "backup", "acme", "-o", archive)
	assert.Contains(t, out, archive)
	assert.FileExists(t, archive)

	out = h.mustRun("project", "restore", archive, "acme-copy")
	assert.Contains(t, out, "restored")

	out = h.mustRun("project", "show", "acme-copy")
	assert.Contains(t, out, "secteam")
}

func TestScanRequiresProject(t *testing.T) {
	h := newHarness(t)
	code, _, errOut := h.run("scan", "--url", "https://example.com")
	assert.Equal(t, ExitError, code)
	assert.Contains(t, errOut, "project use")
}

func TestScanRejectsBadInput(t *testing.T) {
	h := newHarness(t)
	h.mustRun("project", "create", "acme", "--use")

	tests := []struct {
		name string
		args []string
		want string
	}{
		{"no target", []string{"scan"}, "target"},
		{"unknown tool", []string{"scan", "--ip", "10.0.0.1", "--tools", "portscan"}, "unknown tool"},
		{"tools without custom", []string{"scan", "--ip", "10.0.0.1", "--type", "full", "--tools", "port-scan"}, "--type custom"},
		{"bad option", []string{"scan", "--ip", "10.0.0.1", "--opt", "port-scan"}, "tool.key=value"},
		{"bad ports", []string{"scan", "--ip", "10.0.0.1", "--ports", "70000"}, "port"},
		{"bad severity", []string{"scan", "--ip", "10.0.0.1", "--fail-on", "severe"}, "unknown severity"},
		{"unknown project", []string{"scan", "-p", "ghost", "--ip", "10.0.0.1"}, "does not exist"},
		{"injected host", []string{"scan", "--domain=-oX.evil"}, "invalid target"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, _, errOut := h.run(tt.args...)
			assert.Equal(t, ExitError, code)
			assert.Contains(t, errOut, tt.want)
		})
	}

	out := h.mustRun("project", "show")
	assert.Contains(t, out, "no scans yet")
}

func TestScanAndReport(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	h := newHarness(t)
	h.mustRun("project", "create", "web", "--use")

	out := h.mustRun("scan", "--tools", "tls-inspect", "--url", srv.URL)
	assert.Contains(t, out, "tls-inspect")
	assert.Contains(t, out, string(model.StatusCompleted))
	assert.Contains(t, out, "INFO")

	out = h.mustRun("project", "show", "web")
	assert.NotContains(t, out, "no scans yet")

	out = h.mustRun("report", "--format", "md", "-o", "-")
	assert.Contains(t, out, "Security Scan Report")
	assert.Contains(t, out, "tls-inspect")

	out = h.mustRun("report", "--format", "html")
	assert.Contains(t, out, "report written")
	matches, err := filepath.Glob(filepath.Join(h.dir, "projects", "web", "report-*.html"))
	require.NoError(t, err)
	require.Len(t, matches, 1)
	data, err := os.ReadFile(matches[0])
	require.NoError(t, err)
	assert.Contains(t, string(data), "<html")

	jsonPath := filepath.Join(h.dir, "out", "scan.json")
	h.mustRun("report", "-p", "web", "--format", "json", "-o", jsonPath)
	data, err = os.ReadFile(jsonPath)
	require.NoError(t, err)
	var rep model.ScanReport
	require.NoError(t, json.Unmarshal(data, &rep))
	assert.Equal(t, model.StatusCompleted, rep.Status)
	require.Contains(t, rep.Results, model.ToolTLSInspect)
	assert.True(t, rep.Results[model.ToolTLSInspect].Success)

	out = h.mustRun("report", "--scan", rep.ID, "--format", "markdown", "-o", "-")
	assert.Contains(t, out, rep.ID)

	code, _, errOut := h.run("report", "--scan", "nope", "-o", "-")
	assert.Equal(t, ExitError, code)
	assert.Contains(t, errOut, "nope")

	code, _, errOut = h.run("report", "--format", "docx", "-o", "-")
	assert.Equal(t, ExitError, code)
	assert.Contains(t, errOut, "docx")
}

func TestScanJSONOutput(t *testing.T) {
	srv := httptest.NewTLSServer(http.NotFoundHandler())
	defer srv.Close()

	h := newHarness(t)
	h.mustRun("project", "create", "web", "--use")

	out := h.mustRun("scan", "--json", "--tools", "tls-inspect", "--url", srv.URL)
	var rep model.ScanReport
	require.NoError(t, json.Unmarshal([]byte(out), &rep))
	assert.NotEmpty(t, rep.ID)
	assert.Equal(t, []model.ToolName{model.ToolTLSInspect}, rep.Profile.Tools)
	assert.NotEmpty(t, rep.Results[model.ToolTLSInspect].Findings)
}

func TestScanFailOn(t *testing.T) {
	srv := httptest.NewTLSServer(http.NotFoundHandler())
	defer srv.Close()

	h := newHarness(t)
	h.mustRun("project", "create", "web", "--use")

	// Every successful inspection yields at least an info finding.
	code, _, errOut := h.run("scan", "--tools", "tls-inspect", "--url", srv.URL, "--fail-on", "info")
	assert.Equal(t, ExitError, code)
	assert.Contains(t, errOut, "at or above info")

	out := h.mustRun("project", "show")
	assert.NotContains(t, out, "no scans yet")
}

func TestScanUnreachableTarget(t *testing.T) {
	srv := httptest.NewTLSServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	h := newHarness(t)
	h.mustRun("project", "create", "web", "--use")

	// The only tool fails, which is not a timeout, so the scan still
	// completes with errors and exits cleanly.
	code, out, errOut := h.run("scan", "--tools", "tls-inspect", "--url", url)
	assert.Equal(t, ExitOK, code, errOut)
	assert.Contains(t, out, string(model.StatusCompletedWithErrors))
	assert.Contains(t, errOut, "failed")
}

func TestScanInterrupted(t *testing.T) {
	h := newHarness(t)
	h.mustRun("project", "create", "web", "--use")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	code, _, errOut := h.runContext(ctx, "scan", "--tools", "tls-inspect", "--url", "https://127.0.0.1:1")
	assert.Equal(t, ExitInterrupted, code)
	assert.Contains(t, errOut, "interrupted")

	// Partial results are kept.
	out := h.mustRun("project", "show")
	assert.Contains(t, out, string(model.StatusCompletedWithErrors))
}

func TestToolsCommand(t *testing.T) {
	h := newHarness(t)

	out := h.mustRun("tools", "--json")
	var statuses []tools.ToolStatus
	require.NoError(t, json.Unmarshal([]byte(out), &statuses))

	names := make(map[string]tools.ToolStatus)
	for _, s := range statuses {
		names[s.Name] = s
	}
	for _, tool := range model.AllTools() {
		assert.Contains(t, names, string(tool))
	}
	assert.True(t, names[string(model.ToolTLSInspect)].Installed)

	out = h.mustRun("tools")
	assert.Contains(t, out, "TOOL")
	assert.Contains(t, out, "builtin")
}

func TestConfigErrors(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "aegis.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("scan:\n  max_concurrent: -3\n"), 0o600))

	var out, errOut bytes.Buffer
	code := Run(context.Background(), []string{"project", "list", "--config", cfgPath, "--projects-dir", dir}, &out, &errOut)
	assert.Equal(t, ExitError, code)
	assert.Contains(t, errOut.String(), "invalid config")
}

func TestCatalogIsOptional(t *testing.T) {
	srv := httptest.NewTLSServer(http.NotFoundHandler())
	defer srv.Close()

	dir := t.TempDir()
	dbPath := filepath.Join(dir, "catalog.db")
	args := func(a ...string) []string {
		return append(a,
			"--config", filepath.Join(dir, "missing.yaml"),
			"--projects-dir", filepath.Join(dir, "projects"),
			"--db", dbPath,
			"--log-level", "error",
		)
	}

	var out, errOut bytes.Buffer
	require.Equal(t, ExitOK, Run(context.Background(), args("project", "create", "web", "--use"), &out, &errOut), errOut.String())
	require.Equal(t, ExitOK, Run(context.Background(), args("scan", "--tools", "tls-inspect", "--url", srv.URL), &out, &errOut), errOut.String())
	assert.FileExists(t, dbPath)
}
