package metrics

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jamesruggles/aegis/internal/model"
	"github.com/jamesruggles/aegis/internal/scanner"
	"github.com/jamesruggles/aegis/internal/tools"
)

type stubAdapter struct {
	name   model.ToolName
	result model.ToolResult
}

func (a stubAdapter) Name() model.ToolName { return a.name }

func (a stubAdapter) IsAvailable() bool { return true }

func (a stubAdapter) BuildArguments(model.Target, map[string]string) ([]string, error) {
	return nil, nil
}

func (a stubAdapter) Execute(_ context.Context, _ model.Target, _ map[string]string, onLine scanner.LineFunc) model.ToolResult {
	if onLine != nil {
		onLine(tools.OutputLine{Tool: string(a.name), Stream: "stdout", Line: "line"})
	}
	r := a.result
	r.Tool = a.name
	return r
}

func scrape(t *testing.T, c *Collector) string {
	t.Helper()
	srv := httptest.NewServer(c.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(body)
}

func TestCollectorThroughOrchestrator(t *testing.T) {
	c := New()

	reg := scanner.NewRegistry()
	reg.Register(stubAdapter{name: model.ToolPortScan, result: model.ToolResult{
		Success:    true,
		DurationMS: 1500,
		Findings:   []model.Finding{{Category: "os", Severity: model.SeverityInfo, Description: "Linux"}},
	}})
	reg.Register(stubAdapter{name: model.ToolTLSInspect, result: model.Failed(model.ToolTLSInspect, "handshake failed")})

	orch := scanner.NewOrchestrator(reg, scanner.Options{MaxConcurrent: 2}, nil, c)
	report := orch.Run(context.Background(), "scan-1", model.Target{IP: "127.0.0.1"}, model.ScanProfile{ScanType: model.ScanQuick})
	require.Equal(t, model.StatusCompletedWithErrors, report.Status)

	out := scrape(t, c)
	assert.Contains(t, out, `aegis_scans_total{status="completed_with_errors"} 1`)
	assert.Contains(t, out, `aegis_tool_runs_total{outcome="success",tool="port-scan"} 1`)
	assert.Contains(t, out, `aegis_tool_runs_total{outcome="failure",tool="tls-inspect"} 1`)
	assert.Contains(t, out, `aegis_findings_total{severity="info",tool="port-scan"} 1`)
	assert.Contains(t, out, `aegis_tool_duration_seconds_count{tool="port-scan"} 1`)
	assert.Contains(t, out, "aegis_scans_active 0")
	assert.Contains(t, out, `aegis_tools_active{tool="port-scan"} 0`)
}

func TestRejectedScanLeavesGaugesAlone(t *testing.T) {
	c := New()
	orch := scanner.NewOrchestrator(scanner.NewRegistry(), scanner.Options{MaxConcurrent: 1}, nil, c)

	report := orch.Run(context.Background(), "bad", model.Target{}, model.ScanProfile{ScanType: model.ScanQuick})
	require.Equal(t, model.StatusError, report.Status)

	out := scrape(t, c)
	assert.Contains(t, out, `aegis_scans_total{status="error"} 1`)
	assert.Contains(t, out, "aegis_scans_active 0")
}

func TestUnscheduledToolDoesNotDecrement(t *testing.T) {
	c := New()
	c.ToolFinished("s", model.Failed(model.ToolDirBrute, model.ErrMsgUnavailable))

	out := scrape(t, c)
	assert.Contains(t, out, `aegis_tool_runs_total{outcome="unavailable",tool="dir-brute"} 1`)
	assert.False(t, strings.Contains(out, `aegis_tools_active{tool="dir-brute"} -1`))
}

func TestOutcome(t *testing.T) {
	assert.Equal(t, "success", Outcome(model.ToolResult{Success: true}))
	assert.Equal(t, "timeout", Outcome(model.TimedOutResult(model.ToolWebVuln, model.ErrMsgTimeout)))
	assert.Equal(t, "unavailable", Outcome(model.Failed(model.ToolWebVuln, model.ErrMsgUnavailable)))
	assert.Equal(t, "cancelled", Outcome(model.Failed(model.ToolWebVuln, model.ErrMsgCancelled)))
	assert.Equal(t, "failure", Outcome(model.Failed(model.ToolWebVuln, "exit status 1")))
}
