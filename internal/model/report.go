package model

import (
	"slices"
	"time"
)

// ScanStatus is the lifecycle state of a scan.
type ScanStatus string

const (
	StatusPending             ScanStatus = "pending"
	StatusRunning             ScanStatus = "running"
	StatusCompleted           ScanStatus = "completed"
	StatusCompletedWithErrors ScanStatus = "completed_with_errors"
	StatusTimeout             ScanStatus = "timeout"
	StatusError               ScanStatus = "error"
)

// Terminal reports whether no further transition is possible.
func (s ScanStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusCompletedWithErrors, StatusTimeout, StatusError:
		return true
	}
	return false
}

// ScanReport aggregates every tool result for one scan.
type ScanReport struct {
	ID         string                  `json:"id"`
	Target     Target                  `json:"target"`
	Profile    ScanProfile             `json:"profile"`
	StartedAt  time.Time               `json:"started_at"`
	FinishedAt time.Time               `json:"finished_at"`
	Status     ScanStatus              `json:"status"`
	Results    map[ToolName]ToolResult `json:"results"`
	Error      string                  `json:"error,omitempty"`
}

// ComputeStatus derives the terminal status purely from per-tool results.
// deadlineExceeded signals that the global scan budget ran out.
func ComputeStatus(results map[ToolName]ToolResult, deadlineExceeded bool) ScanStatus {
	if len(results) == 0 {
		return StatusError
	}

	succeeded := 0
	for _, r := range results {
		if r.Success {
			succeeded++
		}
	}

	switch {
	case succeeded == len(results):
		return StatusCompleted
	case deadlineExceeded && succeeded == 0:
		return StatusTimeout
	default:
		return StatusCompletedWithErrors
	}
}

// Duration is the wall-clock time the scan took.
func (r *ScanReport) Duration() time.Duration {
	if r.FinishedAt.IsZero() || r.StartedAt.IsZero() {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

// Tools returns the tools that have results, in canonical order.
func (r *ScanReport) Tools() []ToolName {
	tools := make([]ToolName, 0, len(r.Results))
	for t := range r.Results {
		tools = append(tools, t)
	}
	return SortTools(tools)
}

// ToolFinding is a finding tagged with the tool that produced it.
type ToolFinding struct {
	Tool ToolName `json:"tool"`
	Finding
}

// AllFindings flattens findings of every tool, most severe first.
func (r *ScanReport) AllFindings() []ToolFinding {
	var out []ToolFinding
	for _, t := range r.Tools() {
		for _, f := range r.Results[t].Findings {
			out = append(out, ToolFinding{Tool: t, Finding: f})
		}
	}
	slices.SortStableFunc(out, func(a, b ToolFinding) int {
		return b.Severity.Score() - a.Severity.Score()
	})
	return out
}

// SeverityCounts tallies findings by severity.
func (r *ScanReport) SeverityCounts() map[Severity]int {
	counts := make(map[Severity]int)
	for _, res := range r.Results {
		for _, f := range res.Findings {
			counts[f.Severity]++
		}
	}
	return counts
}

// Failures returns the tools that did not succeed.
func (r *ScanReport) Failures() []ToolName {
	var out []ToolName
	for _, t := range r.Tools() {
		if !r.Results[t].Success {
			out = append(out, t)
		}
	}
	return out
}
