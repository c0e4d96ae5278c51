//go:build unix

package scanner

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jamesruggles/aegis/internal/config"
	"github.com/jamesruggles/aegis/internal/model"
	"github.com/jamesruggles/aegis/internal/tools"
)

func fakeTool(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755))
	return path
}

func TestProcessAdapterNmapScenario(t *testing.T) {
	t.Parallel()

	argsFile := filepath.Join(t.TempDir(), "args")
	path := fakeTool(t, "nmap", `echo "$@" > `+argsFile+`
echo "Starting Nmap 7.94"
echo "PORT    STATE SERVICE"
echo "80/tcp  open  http"
echo "443/tcp open  https"`)

	a := NewProcessAdapter(model.ToolPortScan, AdapterConfig{Path: path, Timeout: 10 * time.Second}, nil)
	require.True(t, a.IsAvailable())

	var mu sync.Mutex
	var lines []tools.OutputLine
	res := a.Execute(context.Background(), model.Target{IP: "127.0.0.1", Ports: []int{80, 443}}, nil, func(l tools.OutputLine) {
		mu.Lock()
		lines = append(lines, l)
		mu.Unlock()
	})

	require.True(t, res.Success, res.Error)
	require.NotNil(t, res.ExitCode)
	assert.Equal(t, 0, *res.ExitCode)
	assert.Empty(t, res.Error)
	assert.Len(t, res.Services, 2)
	assert.NotNil(t, res.Findings)
	assert.Empty(t, res.Findings)
	assert.Contains(t, res.RawOutput, "80/tcp  open  http")
	assert.Len(t, lines, 4)

	args, err := os.ReadFile(argsFile)
	require.NoError(t, err)
	assert.Equal(t, "-T4 -sT -p 80,443 127.0.0.1", strings.TrimSpace(string(args)))

	o := NewOrchestrator(NewRegistry(a), Options{MaxConcurrent: 1}, nil)
	report := o.Run(context.Background(), "s", model.Target{IP: "127.0.0.1", Ports: []int{80}}, custom(model.ToolPortScan))
	assert.Equal(t, model.StatusCompleted, report.Status)
	assert.Len(t, report.Results[model.ToolPortScan].Services, 2)
}

func TestProcessAdapterNiktoFindings(t *testing.T) {
	t.Parallel()

	path := fakeTool(t, "nikto", `echo "+ Target IP:          127.0.0.1"
echo "+ Server: nginx/1.18.0"
echo "+ /: The X-Content-Type-Options header is not set."`)

	a := NewProcessAdapter(model.ToolWebVuln, AdapterConfig{Path: path, Timeout: 10 * time.Second}, nil)
	res := a.Execute(context.Background(), model.Target{URL: "http://127.0.0.1"}, nil, nil)

	require.True(t, res.Success, res.Error)
	require.Len(t, res.Findings, 2)
	assert.Equal(t, "server-banner", res.Findings[0].Category)
	assert.Equal(t, "missing-header", res.Findings[1].Category)
}

func TestProcessAdapterNonZeroExit(t *testing.T) {
	t.Parallel()

	path := fakeTool(t, "sqlmap", `echo "[CRITICAL] unable to connect" ; echo "connection refused" >&2; exit 2`)
	a := NewProcessAdapter(model.ToolSQLInjection, AdapterConfig{Path: path, Timeout: 10 * time.Second}, nil)
	res := a.Execute(context.Background(), model.Target{URL: "http://127.0.0.1"}, nil, nil)

	assert.False(t, res.Success)
	require.NotNil(t, res.ExitCode)
	assert.Equal(t, 2, *res.ExitCode)
	assert.Equal(t, "connection refused", res.Error)
	assert.Len(t, res.Findings, 1)
}

func TestProcessAdapterUnavailable(t *testing.T) {
	t.Parallel()

	a := NewProcessAdapter(model.ToolTemplateScan, AdapterConfig{Path: filepath.Join(t.TempDir(), "nuclei")}, nil)
	assert.False(t, a.IsAvailable())

	res := a.Execute(context.Background(), model.Target{URL: "http://127.0.0.1"}, nil, nil)
	assert.False(t, res.Success)
	assert.Equal(t, model.ErrMsgUnavailable, res.Error)
	assert.Nil(t, res.ExitCode)
}

func TestConfiguredPathNotAString(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "config.yaml")
	data := "tools:\n  nikto:\n    path: [/usr/bin/nikto]\n  nmap:\n    timeout: abc\n"
	require.NoError(t, os.WriteFile(path, []byte(data), 0o600))
	cfg, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, config.DefaultToolTimeout*time.Second, AdapterConfigFor(cfg, model.ToolPortScan).Timeout)

	reg := DefaultRegistry(cfg, nil)
	a, ok := reg.Get(model.ToolWebVuln)
	require.True(t, ok)
	assert.False(t, a.IsAvailable())

	res := a.Execute(context.Background(), model.Target{URL: "http://127.0.0.1"}, nil, nil)
	assert.False(t, res.Success)
	assert.Equal(t, model.ErrMsgUnavailable, res.Error)

	for _, st := range tools.Detect(context.Background(), ToolBinaries(cfg)) {
		if st.Name != string(model.ToolWebVuln) {
			continue
		}
		assert.False(t, st.Installed)
		assert.Contains(t, st.Error, "tool path is not a string")
	}
}

func TestProcessAdapterInvalidArguments(t *testing.T) {
	t.Parallel()

	path := fakeTool(t, "gobuster", `echo should-not-run`)
	a := NewProcessAdapter(model.ToolDirBrute, AdapterConfig{Path: path}, nil)
	res := a.Execute(context.Background(), model.Target{URL: "http://127.0.0.1"}, map[string]string{"wordlist": "-"}, nil)

	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "invalid arguments")
	assert.Empty(t, res.RawOutput)
}

func TestProcessAdapterTimeout(t *testing.T) {
	t.Parallel()

	path := fakeTool(t, "nmap", `echo "Starting Nmap"; sleep 5 & wait`)
	a := NewProcessAdapter(model.ToolPortScan, AdapterConfig{Path: path, Timeout: 200 * time.Millisecond, KillGrace: 100 * time.Millisecond}, nil)

	start := time.Now()
	res := a.Execute(context.Background(), model.Target{IP: "127.0.0.1"}, nil, nil)
	assert.Less(t, time.Since(start), 3*time.Second)

	assert.False(t, res.Success)
	assert.True(t, res.TimedOut)
	assert.Equal(t, model.ErrMsgTimeout, res.Error)
	assert.Contains(t, res.RawOutput, "Starting Nmap")
}

func TestDefaultRegistry(t *testing.T) {
	t.Parallel()

	cfg := config.Default()
	reg := DefaultRegistry(cfg, nil)
	assert.Equal(t, model.AllTools(), reg.Names())

	a, found := reg.Get(model.ToolTLSInspect)
	require.True(t, found)
	assert.True(t, a.IsAvailable())

	bins := ToolBinaries(cfg)
	assert.Len(t, bins, len(model.AllTools())-1)
	assert.Equal(t, "nmap", bins[0].Binary)

	ac := AdapterConfigFor(cfg, model.ToolDirBrute)
	assert.NotEmpty(t, ac.Wordlist)
	assert.Equal(t, 300*time.Second, ac.Timeout)
	assert.Equal(t, "tls", ConfigKey(model.ToolTLSInspect))
}

func TestRunWithNoToolInstalled(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	var sb strings.Builder
	sb.WriteString("tools:\n")
	var names []model.ToolName
	for _, name := range model.AllTools() {
		if name == model.ToolTLSInspect {
			continue
		}
		names = append(names, name)
		key := ConfigKey(name)
		fmt.Fprintf(&sb, "  %s:\n    path: %s\n", key, filepath.Join(dir, key))
	}
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sb.String()), 0o600))
	cfg, err := config.Load(path)
	require.NoError(t, err)

	o := NewOrchestrator(DefaultRegistry(cfg, nil), Options{MaxConcurrent: len(names)}, nil)
	target := model.Target{IP: "127.0.0.1", URL: "http://127.0.0.1", Ports: []int{80}}
	report := o.Run(context.Background(), "s", target, model.ScanProfile{ScanType: model.ScanCustom, Tools: names})

	assert.Equal(t, model.StatusCompletedWithErrors, report.Status)
	require.Len(t, report.Results, len(names))
	for _, name := range names {
		res := report.Results[name]
		assert.False(t, res.Success, name)
		assert.False(t, res.TimedOut, name)
		assert.Equal(t, model.ErrMsgUnavailable, res.Error, name)
		assert.Nil(t, res.ExitCode, name)
	}
	assert.ElementsMatch(t, names, report.Failures())
}
