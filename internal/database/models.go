package database

import "time"

type Scan struct {
	ID         string     `json:"id"`
	Project    string     `json:"project"`
	Target     string     `json:"target"`
	ScanType   string     `json:"scan_type"`
	Tools      []string   `json:"tools"`
	Status     string     `json:"status"`
	Error      string     `json:"error,omitempty"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	DurationMS int64      `json:"duration_ms"`
	CreatedAt  time.Time  `json:"created_at"`
}

type ToolRun struct {
	ID              int64  `json:"id"`
	ScanID          string `json:"scan_id"`
	Tool            string `json:"tool"`
	Success         bool   `json:"success"`
	ExitCode        *int   `json:"exit_code,omitempty"`
	TimedOut        bool   `json:"timed_out"`
	OutputTruncated bool   `json:"output_truncated"`
	DurationMS      int64  `json:"duration_ms"`
	Error           string `json:"error,omitempty"`
}

type Finding struct {
	ID          int64  `json:"id"`
	ScanID      string `json:"scan_id"`
	Tool        string `json:"tool"`
	Category    string `json:"category"`
	Severity    string `json:"severity"`
	Description string `json:"description"`
	Location    string `json:"location,omitempty"`
}

type Service struct {
	ID       int64  `json:"id"`
	ScanID   string `json:"scan_id"`
	Port     int    `json:"port"`
	Protocol string `json:"protocol"`
	State    string `json:"state"`
	Name     string `json:"name"`
	Version  string `json:"version,omitempty"`
}

// Stats summarizes the whole catalog.
type Stats struct {
	ProjectCount int            `json:"project_count"`
	ScanCount    int            `json:"scan_count"`
	FindingCount int            `json:"finding_count"`
	ByStatus     map[string]int `json:"by_status"`
	BySeverity   map[string]int `json:"by_severity"`
}
