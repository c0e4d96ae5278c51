package model

import (
	"strings"
)

// Severity ranks a finding.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
	SeverityInfo     Severity = "info"
	SeverityUnknown  Severity = "unknown"
)

// Severities lists severities from most to least severe.
var Severities = []Severity{
	SeverityCritical,
	SeverityHigh,
	SeverityMedium,
	SeverityLow,
	SeverityInfo,
	SeverityUnknown,
}

// IsValid reports whether s is a recognized severity.
func (s Severity) IsValid() bool {
	switch s {
	case SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow, SeverityInfo, SeverityUnknown:
		return true
	}
	return false
}

// Score returns a numeric weight for sorting. Higher is more severe.
func (s Severity) Score() int {
	switch s {
	case SeverityCritical:
		return 5
	case SeverityHigh:
		return 4
	case SeverityMedium:
		return 3
	case SeverityLow:
		return 2
	case SeverityInfo:
		return 1
	default:
		return 0
	}
}

// ParseSeverity maps free-form tool output onto a Severity. Unrecognized
// values become SeverityUnknown.
func ParseSeverity(s string) Severity {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "critical", "crit":
		return SeverityCritical
	case "high", "error":
		return SeverityHigh
	case "medium", "med", "warning", "warn":
		return SeverityMedium
	case "low":
		return SeverityLow
	case "info", "informational", "information":
		return SeverityInfo
	default:
		return SeverityUnknown
	}
}

// Finding is one normalized observation produced by a tool.
type Finding struct {
	Category    string   `json:"category"`
	Severity    Severity `json:"severity"`
	Description string   `json:"description"`
	Location    string   `json:"location,omitempty"`
}

// Service is an open port discovered by the port scanner.
type Service struct {
	Port     int    `json:"port"`
	Protocol string `json:"protocol"`
	State    string `json:"state"`
	Name     string `json:"name"`
	Version  string `json:"version,omitempty"`
}

// ToolResult is the normalized outcome of one tool run.
type ToolResult struct {
	Tool            ToolName  `json:"tool"`
	Success         bool      `json:"success"`
	ExitCode        *int      `json:"exit_code,omitempty"`
	RawOutput       string    `json:"raw_output"`
	OutputTruncated bool      `json:"output_truncated"`
	Findings        []Finding `json:"structured_findings"`
	Services        []Service `json:"services"`
	Error           string    `json:"error,omitempty"`
	DurationMS      int64     `json:"duration_ms"`
	TimedOut        bool      `json:"timed_out"`
}

// Tool failure messages shared by adapters and the orchestrator.
const (
	ErrMsgTimeout      = "timeout"
	ErrMsgUnavailable  = "tool not available"
	ErrMsgCancelled    = "cancelled"
	ErrMsgNotScheduled = "timeout before start"
)

// Failed builds an unsuccessful result with the given error message.
func Failed(tool ToolName, msg string) ToolResult {
	if msg == "" {
		msg = "unknown error"
	}
	return ToolResult{Tool: tool, Error: msg}
}

// TimedOutResult builds a result for a tool that hit a deadline.
func TimedOutResult(tool ToolName, msg string) ToolResult {
	r := Failed(tool, msg)
	r.TimedOut = true
	return r
}

// Normalize enforces the result invariants: a failed result always carries
// an error message and a timed out result is never successful.
func (r ToolResult) Normalize() ToolResult {
	if r.TimedOut {
		r.Success = false
		if r.Error == "" {
			r.Error = ErrMsgTimeout
		}
	}
	if !r.Success && r.Error == "" {
		r.Error = "unknown error"
	}
	if r.Success {
		r.Error = ""
	}
	return r
}

// IntPtr is a helper for optional exit codes.
func IntPtr(v int) *int {
	return &v
}
