package scanner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/jamesruggles/aegis/internal/model"
	"github.com/jamesruggles/aegis/internal/tools"
)

// Observer receives scan lifecycle events. Methods may be called from
// several goroutines at once.
type Observer interface {
	ScanStarted(report *model.ScanReport)
	ToolStarted(scanID string, tool model.ToolName)
	ToolOutput(scanID string, line tools.OutputLine)
	ToolFinished(scanID string, result model.ToolResult)
	ScanFinished(report *model.ScanReport)
}

// NopObserver implements Observer with no-ops; embed it to override only
// some callbacks.
type NopObserver struct{}

func (NopObserver) ScanStarted(*model.ScanReport) {}
func (NopObserver) ToolStarted(string, model.ToolName) {}
func (NopObserver) ToolOutput(string, tools.OutputLine) {}
func (NopObserver) ToolFinished(string, model.ToolResult) {}
func (NopObserver) ScanFinished(*model.ScanReport) {}

// Options bound a single scan.
type Options struct {
	MaxConcurrent int
	SpawnInterval time.Duration
	Timeout       time.Duration
}

// Orchestrator runs the tools of a profile concurrently and merges their
// results into a ScanReport. It has no persistence side effects.
type Orchestrator struct {
	registry  *Registry
	opts      Options
	logger    *slog.Logger
	observers []Observer
	now       func() time.Time
}

// NewOrchestrator returns an orchestrator dispatching through registry.
func NewOrchestrator(registry *Registry, opts Options, logger *slog.Logger, observers ...Observer) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 1
	}
	return &Orchestrator{
		registry:  registry,
		opts:      opts,
		logger:    logger,
		observers: observers,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Registry returns the adapters the orchestrator dispatches to.
func (o *Orchestrator) Registry() *Registry {
	return o.registry
}

// ValidateTarget applies the structural checks of model.Target plus the
// host and URL checks applied before any argument vector is built.
func ValidateTarget(target model.Target) error {
	if err := target.Validate(); err != nil {
		return err
	}
	if target.IP != "" {
		if err := tools.ValidateHost(target.IP); err != nil {
			return fmt.Errorf("%w: %v", model.ErrInvalidTarget, err)
		}
	}
	if target.Domain != "" {
		if err := tools.ValidateHost(target.Domain); err != nil {
			return fmt.Errorf("%w: %v", model.ErrInvalidTarget, err)
		}
	}
	if target.URL != "" {
		if err := tools.ValidateURL(target.URL); err != nil {
			return fmt.Errorf("%w: %v", model.ErrInvalidTarget, err)
		}
	}
	return nil
}

// RunScan runs a scan under a fresh ID.
func (o *Orchestrator) RunScan(ctx context.Context, target model.Target, profile model.ScanProfile) model.ScanReport {
	return o.Run(ctx, uuid.NewString(), target, profile)
}

// Run executes every tool of profile against target. Invalid input yields
// a report with status error and no process is started.
func (o *Orchestrator) Run(ctx context.Context, id string, target model.Target, profile model.ScanProfile) model.ScanReport {
	report := model.ScanReport{
		ID:        id,
		Target:    target,
		Profile:   profile,
		StartedAt: o.now(),
		Status:    model.StatusPending,
		Results:   map[model.ToolName]model.ToolResult{},
	}
	logger := o.logger.With("scan_id", id)

	if err := ValidateTarget(target); err != nil {
		return o.fail(&report, err)
	}
	if err := profile.Validate(); err != nil {
		return o.fail(&report, err)
	}
	report.Profile = profile.Resolve()
	report.Status = model.StatusRunning

	for _, obs := range o.observers {
		obs.ScanStarted(&report)
	}
	logger.Info("scan started", "target", target.String(), "tools", report.Profile.Tools)

	scanCtx := ctx
	if o.opts.Timeout > 0 {
		var cancel context.CancelFunc
		scanCtx, cancel = context.WithTimeout(ctx, o.opts.Timeout)
		defer cancel()
	}

	limit := rate.Inf
	if o.opts.SpawnInterval > 0 {
		limit = rate.Every(o.opts.SpawnInterval)
	}
	limiter := rate.NewLimiter(limit, 1)

	var (
		mu           sync.Mutex
		pastDeadline atomic.Bool
	)
	record := func(res model.ToolResult) {
		res = res.Normalize()
		mu.Lock()
		report.Results[res.Tool] = res
		mu.Unlock()
		for _, obs := range o.observers {
			obs.ToolFinished(id, res)
		}
	}

	onLine := func(line tools.OutputLine) {
		for _, obs := range o.observers {
			obs.ToolOutput(id, line)
		}
	}

	g, gctx := errgroup.WithContext(scanCtx)
	g.SetLimit(o.opts.MaxConcurrent)

	for _, tool := range report.Profile.Tools {
		opts := report.Profile.Options(tool)
		g.Go(func() error {
			if err := limiter.Wait(gctx); err != nil || gctx.Err() != nil {
				res := notStarted(gctx, tool)
				if res.TimedOut {
					pastDeadline.Store(true)
				}
				record(res)
				return nil
			}

			adapter, ok := o.registry.Get(tool)
			if !ok {
				logger.Warn("no adapter registered", "tool", tool)
				record(model.Failed(tool, model.ErrMsgUnavailable))
				return nil
			}

			for _, obs := range o.observers {
				obs.ToolStarted(id, tool)
			}
			res := o.execute(gctx, adapter, target, opts, onLine)
			res.Tool = tool
			record(res)
			return nil
		})
	}
	_ = g.Wait()

	deadlineExceeded := errors.Is(scanCtx.Err(), context.DeadlineExceeded) || pastDeadline.Load()
	report.Status = model.ComputeStatus(report.Results, deadlineExceeded)
	report.FinishedAt = o.now()

	logger.Info("scan finished",
		"status", report.Status,
		"duration", report.Duration().String(),
		"failed_tools", report.Failures(),
	)
	for _, obs := range o.observers {
		obs.ScanFinished(&report)
	}
	return report
}

// execute shields the scan from a panicking adapter.
func (o *Orchestrator) execute(ctx context.Context, a Adapter, target model.Target, opts map[string]string, onLine LineFunc) (res model.ToolResult) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("adapter panicked", "tool", a.Name(), "panic", r)
			res = model.Failed(a.Name(), fmt.Sprintf("adapter panicked: %v", r))
		}
	}()
	return a.Execute(ctx, target, opts, onLine)
}

// notStarted is the result of a tool whose turn never came. The limiter
// fails early, with ctx still live, when its next slot is past the deadline.
func notStarted(ctx context.Context, tool model.ToolName) model.ToolResult {
	if err := ctx.Err(); err == nil || errors.Is(err, context.DeadlineExceeded) {
		return model.TimedOutResult(tool, model.ErrMsgNotScheduled)
	}
	return model.Failed(tool, model.ErrMsgCancelled)
}

func (o *Orchestrator) fail(report *model.ScanReport, err error) model.ScanReport {
	report.Status = model.StatusError
	report.Error = err.Error()
	report.FinishedAt = o.now()
	o.logger.Warn("scan rejected", "scan_id", report.ID, "error", err)
	for _, obs := range o.observers {
		obs.ScanFinished(report)
	}
	return *report
}
