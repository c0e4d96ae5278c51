package model

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTargetValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		target  Target
		wantErr error
	}{
		{"empty", Target{}, ErrNoTarget},
		{"blank fields", Target{URL: "  ", Domain: " "}, ErrNoTarget},
		{"ip only", Target{IP: "10.0.0.1"}, nil},
		{"domain only", Target{Domain: "example.com"}, nil},
		{"url only", Target{URL: "https://example.com/app"}, nil},
		{"bad ip", Target{IP: "10.0.0.300"}, ErrInvalidTarget},
		{"ftp url", Target{URL: "ftp://example.com"}, ErrInvalidTarget},
		{"url without host", Target{URL: "http://"}, ErrInvalidTarget},
		{"port zero", Target{IP: "10.0.0.1", Ports: []int{0}}, ErrInvalidPort},
		{"port too large", Target{IP: "10.0.0.1", Ports: []int{65536}}, ErrInvalidPort},
		{"ports ok", Target{IP: "10.0.0.1", Ports: []int{1, 65535}}, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.target.Validate()
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestTargetHostAndWebURL(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "10.0.0.1", Target{IP: "10.0.0.1", Domain: "example.com"}.Host())
	assert.Equal(t, "example.com", Target{Domain: "example.com"}.Host())
	assert.Equal(t, "example.com", Target{URL: "https://example.com:8443/x"}.Host())

	assert.Equal(t, "https://example.com/x", Target{URL: "https://example.com/x"}.WebURL())
	assert.Equal(t, "http://example.com", Target{Domain: "example.com"}.WebURL())
	assert.Equal(t, "https://example.com", Target{Domain: "example.com", Ports: []int{443}}.WebURL())
	assert.Equal(t, "http://[::1]", Target{IP: "::1"}.WebURL())

	assert.Equal(t, 8443, Target{URL: "https://example.com:8443"}.TLSPort())
	assert.Equal(t, 443, Target{URL: "https://example.com"}.TLSPort())
	assert.Equal(t, 8443, Target{IP: "10.0.0.1", Ports: []int{80, 8443}}.TLSPort())
}

func TestParsePorts(t *testing.T) {
	t.Parallel()

	ports, err := ParsePorts("80,443,8000-8003")
	require.NoError(t, err)
	assert.Equal(t, []int{80, 443, 8000, 8001, 8002, 8003}, ports)

	ports, err = ParsePorts("22, 22 ,80")
	require.NoError(t, err)
	assert.Equal(t, []int{22, 80}, ports)

	ports, err = ParsePorts("")
	require.NoError(t, err)
	assert.Nil(t, ports)

	for _, bad := range []string{"abc", "0", "70000", "90-80", "80-"} {
		_, err := ParsePorts(bad)
		assert.ErrorIs(t, err, ErrInvalidPort, bad)
	}

	assert.Equal(t, "80,443", FormatPorts([]int{80, 443}))
}

func TestScanProfileResolveAndValidate(t *testing.T) {
	t.Parallel()

	quick := ScanProfile{ScanType: ScanQuick}.Resolve()
	assert.Equal(t, []ToolName{ToolPortScan, ToolTLSInspect}, quick.Tools)
	require.NoError(t, quick.Validate())

	full := ScanProfile{ScanType: ScanFull}.Resolve()
	assert.Equal(t, AllTools(), full.Tools)

	custom := ScanProfile{ScanType: ScanCustom, Tools: []ToolName{ToolTLSInspect, ToolPortScan, ToolTLSInspect}}.Resolve()
	assert.Equal(t, []ToolName{ToolPortScan, ToolTLSInspect}, custom.Tools)

	err := ScanProfile{ScanType: ScanCustom}.Validate()
	assert.ErrorIs(t, err, ErrInvalidProfile)

	err = ScanProfile{ScanType: "deep"}.Validate()
	assert.ErrorIs(t, err, ErrInvalidProfile)

	err = ScanProfile{ScanType: ScanCustom, Tools: []ToolName{"hydra"}}.Validate()
	assert.ErrorIs(t, err, ErrInvalidProfile)
	assert.ErrorIs(t, err, ErrUnknownTool)

	var p ScanProfile
	p.SetOption(ToolPortScan, "ports", "22")
	assert.Equal(t, "22", p.Options(ToolPortScan)["ports"])
	assert.NotNil(t, p.Options(ToolWebVuln))
}

func TestParseToolName(t *testing.T) {
	t.Parallel()

	tool, err := ParseToolName(" Port-Scan ")
	require.NoError(t, err)
	assert.Equal(t, ToolPortScan, tool)

	_, err = ParseToolName("metasploit")
	assert.ErrorIs(t, err, ErrUnknownTool)
}

func TestComputeStatus(t *testing.T) {
	t.Parallel()

	ok := ToolResult{Success: true}
	failed := ToolResult{Error: "exit status 1"}
	timedOut := ToolResult{Error: ErrMsgTimeout, TimedOut: true}

	tests := []struct {
		name     string
		results  map[ToolName]ToolResult
		deadline bool
		want     ScanStatus
	}{
		{"no results", nil, false, StatusError},
		{"all ok", map[ToolName]ToolResult{ToolPortScan: ok, ToolWebVuln: ok}, false, StatusCompleted},
		{"mixed", map[ToolName]ToolResult{ToolPortScan: ok, ToolWebVuln: failed}, false, StatusCompletedWithErrors},
		{"all failed", map[ToolName]ToolResult{ToolPortScan: failed}, false, StatusCompletedWithErrors},
		{"deadline nothing ok", map[ToolName]ToolResult{ToolPortScan: timedOut}, true, StatusTimeout},
		{"deadline partial", map[ToolName]ToolResult{ToolPortScan: ok, ToolWebVuln: timedOut}, true, StatusCompletedWithErrors},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, ComputeStatus(tt.results, tt.deadline))
		})
	}
}

func TestToolResultNormalize(t *testing.T) {
	t.Parallel()

	r := ToolResult{Success: true, TimedOut: true}.Normalize()
	assert.False(t, r.Success)
	assert.Equal(t, ErrMsgTimeout, r.Error)

	r = ToolResult{}.Normalize()
	assert.NotEmpty(t, r.Error)

	r = ToolResult{Success: true, Error: "stale"}.Normalize()
	assert.Empty(t, r.Error)
}

func TestParseSeverity(t *testing.T) {
	t.Parallel()

	assert.Equal(t, SeverityCritical, ParseSeverity("CRITICAL"))
	assert.Equal(t, SeverityMedium, ParseSeverity("warning"))
	assert.Equal(t, SeverityInfo, ParseSeverity("info"))
	assert.Equal(t, SeverityUnknown, ParseSeverity("bogus"))
	assert.Greater(t, SeverityHigh.Score(), SeverityLow.Score())
	assert.False(t, Severity("nope").IsValid())
}

func TestScanReportJSONRoundTrip(t *testing.T) {
	t.Parallel()

	start := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	report := ScanReport{
		ID:         "abc",
		Target:     Target{Domain: "example.com", Ports: []int{80}},
		Profile:    ScanProfile{ScanType: ScanCustom, Tools: []ToolName{ToolWebVuln}},
		StartedAt:  start,
		FinishedAt: start.Add(3 * time.Second),
		Status:     StatusCompleted,
		Results: map[ToolName]ToolResult{
			ToolWebVuln: {
				Tool:       ToolWebVuln,
				Success:    true,
				ExitCode:   IntPtr(0),
				RawOutput:  "+ Server: nginx\n",
				Findings:   []Finding{{Category: "server", Severity: SeverityInfo, Description: "Server: nginx"}},
				DurationMS: 3000,
			},
		},
	}

	data, err := json.Marshal(report)
	require.NoError(t, err)

	var decoded ScanReport
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, report, decoded)
	assert.Equal(t, 3*time.Second, decoded.Duration())
}

func TestScanReportAggregates(t *testing.T) {
	t.Parallel()

	report := ScanReport{Results: map[ToolName]ToolResult{
		ToolTLSInspect: {Success: true, Findings: []Finding{
			{Severity: SeverityInfo, Description: "summary"},
			{Severity: SeverityHigh, Description: "expired"},
		}},
		ToolPortScan: {Error: "exit status 1"},
	}}

	assert.Equal(t, []ToolName{ToolPortScan, ToolTLSInspect}, report.Tools())
	assert.Equal(t, []ToolName{ToolPortScan}, report.Failures())

	all := report.AllFindings()
	require.Len(t, all, 2)
	assert.Equal(t, "expired", all[0].Description)
	assert.Equal(t, ToolTLSInspect, all[0].Tool)

	counts := report.SeverityCounts()
	assert.Equal(t, 1, counts[SeverityHigh])
	assert.Equal(t, 1, counts[SeverityInfo])
}
