package scanner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jamesruggles/aegis/internal/model"
	"github.com/jamesruggles/aegis/internal/tools"
)

var (
	// ErrJobNotFound is returned for an unknown scan ID.
	ErrJobNotFound = errors.New("scan job not found")
	// ErrUnknownProject is returned when a scan names a missing project.
	ErrUnknownProject = errors.New("project does not exist")
)

// Broadcaster sends output lines to connected WebSocket clients.
type Broadcaster interface {
	Broadcast(scanID string, line tools.OutputLine)
}

// BroadcastObserver forwards tool output and lifecycle markers to b. The
// final line of every scan has Done set.
func BroadcastObserver(b Broadcaster) Observer {
	return broadcastObserver{b: b}
}

type broadcastObserver struct {
	b Broadcaster
}

func (o broadcastObserver) ScanStarted(*model.ScanReport) {}

func (o broadcastObserver) ToolStarted(scanID string, tool model.ToolName) {
	o.b.Broadcast(scanID, tools.OutputLine{Timestamp: time.Now(), Tool: string(tool), Stream: "system", Line: string(tool) + " started"})
}

func (o broadcastObserver) ToolOutput(scanID string, line tools.OutputLine) {
	o.b.Broadcast(scanID, line)
}

func (o broadcastObserver) ToolFinished(scanID string, res model.ToolResult) {
	line := fmt.Sprintf("%s finished: %d findings", res.Tool, len(res.Findings))
	if !res.Success {
		line = fmt.Sprintf("%s failed: %s", res.Tool, res.Error)
	}
	o.b.Broadcast(scanID, tools.OutputLine{Timestamp: time.Now(), Tool: string(res.Tool), Stream: "system", Line: line})
}

func (o broadcastObserver) ScanFinished(report *model.ScanReport) {
	o.b.Broadcast(report.ID, tools.OutputLine{Timestamp: time.Now(), Stream: "system", Line: "scan " + string(report.Status), Done: true})
}

// ReportStore persists finished reports per project.
type ReportStore interface {
	Exists(name string) bool
	SaveScanResults(name string, report model.ScanReport) error
}

// Catalog indexes finished reports. It is optional.
type Catalog interface {
	RecordScan(ctx context.Context, project string, report model.ScanReport) error
}

// JobInfo is a snapshot of a scan job.
type JobInfo struct {
	ID         string           `json:"id"`
	Project    string           `json:"project"`
	Target     model.Target     `json:"target"`
	Status     model.ScanStatus `json:"status"`
	StartedAt  time.Time        `json:"started_at"`
	FinishedAt time.Time        `json:"finished_at,omitzero"`
	Error      string           `json:"error,omitempty"`
}

type job struct {
	info   JobInfo
	report model.ScanReport
	cancel context.CancelFunc
	done   chan struct{}
}

// Executor runs scans for projects and persists their reports. Scans may
// run synchronously (Run) or as background jobs (Start).
type Executor struct {
	orch    *Orchestrator
	store   ReportStore
	catalog Catalog
	logger  *slog.Logger

	mu   sync.Mutex
	jobs map[string]*job
}

// NewExecutor wires an orchestrator to a store. catalog may be nil.
func NewExecutor(orch *Orchestrator, store ReportStore, catalog Catalog, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		orch:    orch,
		store:   store,
		catalog: catalog,
		logger:  logger,
		jobs:    make(map[string]*job),
	}
}

// Orchestrator returns the orchestrator scans run on.
func (e *Executor) Orchestrator() *Orchestrator {
	return e.orch
}

func (e *Executor) check(project string, target model.Target, profile model.ScanProfile) error {
	if !e.store.Exists(project) {
		return fmt.Errorf("%w: %s", ErrUnknownProject, project)
	}
	if err := ValidateTarget(target); err != nil {
		return err
	}
	return profile.Validate()
}

// Run scans target and saves the report under project. The report is
// returned even when saving fails.
func (e *Executor) Run(ctx context.Context, project string, target model.Target, profile model.ScanProfile) (model.ScanReport, error) {
	if err := e.check(project, target, profile); err != nil {
		return model.ScanReport{}, err
	}
	report := e.orch.RunScan(ctx, target, profile)
	return report, e.persist(project, report)
}

func (e *Executor) persist(project string, report model.ScanReport) error {
	if err := e.store.SaveScanResults(project, report); err != nil {
		e.logger.Error("save scan results failed", "project", project, "scan_id", report.ID, "error", err)
		return err
	}
	if e.catalog != nil {
		// The catalog is an index; the project store stays authoritative.
		if err := e.catalog.RecordScan(context.Background(), project, report); err != nil {
			e.logger.Warn("catalog update failed", "scan_id", report.ID, "error", err)
		}
	}
	return nil
}

// Start launches a background scan and returns its ID.
func (e *Executor) Start(project string, target model.Target, profile model.ScanProfile) (string, error) {
	if err := e.check(project, target, profile); err != nil {
		return "", err
	}

	id := uuid.NewString()
	ctx, cancel := context.WithCancel(context.Background())
	j := &job{
		info: JobInfo{
			ID:        id,
			Project:   project,
			Target:    target,
			Status:    model.StatusRunning,
			StartedAt: time.Now().UTC(),
		},
		cancel: cancel,
		done:   make(chan struct{}),
	}

	e.mu.Lock()
	e.jobs[id] = j
	e.mu.Unlock()

	go e.runJob(ctx, j, target, profile)
	return id, nil
}

func (e *Executor) runJob(ctx context.Context, j *job, target model.Target, profile model.ScanProfile) {
	defer close(j.done)
	defer j.cancel()

	report := e.orch.Run(ctx, j.info.ID, target, profile)
	err := e.persist(j.info.Project, report)

	e.mu.Lock()
	defer e.mu.Unlock()
	j.report = report
	j.info.Status = report.Status
	j.info.FinishedAt = report.FinishedAt
	j.info.Error = report.Error
	if err != nil {
		j.info.Error = err.Error()
	}
}

// Cancel stops a running job. Tools already finished keep their results.
func (e *Executor) Cancel(id string) error {
	e.mu.Lock()
	j, ok := e.jobs[id]
	e.mu.Unlock()
	if !ok {
		return ErrJobNotFound
	}
	j.cancel()
	return nil
}

// Job returns a snapshot of one job.
func (e *Executor) Job(id string) (JobInfo, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	j, ok := e.jobs[id]
	if !ok {
		return JobInfo{}, false
	}
	return j.info, true
}

// Jobs returns every known job, oldest first.
func (e *Executor) Jobs() []JobInfo {
	e.mu.Lock()
	infos := make([]JobInfo, 0, len(e.jobs))
	for _, j := range e.jobs {
		infos = append(infos, j.info)
	}
	e.mu.Unlock()

	slices.SortFunc(infos, func(a, b JobInfo) int {
		return a.StartedAt.Compare(b.StartedAt)
	})
	return infos
}

// Wait blocks until job id finishes and returns its report.
func (e *Executor) Wait(ctx context.Context, id string) (model.ScanReport, error) {
	e.mu.Lock()
	j, ok := e.jobs[id]
	e.mu.Unlock()
	if !ok {
		return model.ScanReport{}, ErrJobNotFound
	}

	select {
	case <-j.done:
	case <-ctx.Done():
		return model.ScanReport{}, ctx.Err()
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return j.report, nil
}

// Shutdown cancels every running job and waits for them to finish.
func (e *Executor) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	var pending []*job
	for _, j := range e.jobs {
		j.cancel()
		pending = append(pending, j)
	}
	e.mu.Unlock()

	for _, j := range pending {
		select {
		case <-j.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}
