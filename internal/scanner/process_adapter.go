package scanner

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jamesruggles/aegis/internal/logging"
	"github.com/jamesruggles/aegis/internal/model"
	"github.com/jamesruggles/aegis/internal/tools"
)

// postProcessor derives services and extra findings from the complete
// output of a tool.
type postProcessor func(raw string) ([]model.Service, []model.Finding)

// ProcessAdapter runs an external program.
type ProcessAdapter struct {
	name   model.ToolName
	binary string
	cfg    AdapterConfig
	build  argBuilder
	rules  []Rule
	post   postProcessor
	logger *slog.Logger
}

// NewProcessAdapter returns the adapter for one of the process-backed tools.
func NewProcessAdapter(name model.ToolName, cfg AdapterConfig, logger *slog.Logger) *ProcessAdapter {
	if logger == nil {
		logger = slog.Default()
	}
	a := &ProcessAdapter{
		name:   name,
		binary: toolBinaries[name].binary,
		cfg:    cfg,
		logger: logger.With("tool", string(name)),
	}

	switch name {
	case model.ToolPortScan:
		a.build, a.rules, a.post = buildNmapArgs, nmapRules, parseNmapOutput
	case model.ToolWebVuln:
		a.build, a.rules = buildNiktoArgs, niktoRules
	case model.ToolTemplateScan:
		a.build, a.rules = buildNucleiArgs, nucleiRules
	case model.ToolDirBrute:
		a.build, a.rules = buildGobusterArgs, gobusterRules
	case model.ToolSQLInjection:
		a.build, a.rules = buildSqlmapArgs, sqlmapRules
	}
	return a
}

func (a *ProcessAdapter) Name() model.ToolName {
	return a.name
}

// IsAvailable reports whether the tool program can be resolved.
func (a *ProcessAdapter) IsAvailable() bool {
	_, err := a.resolve()
	return err == nil
}

func (a *ProcessAdapter) resolve() (string, error) {
	if a.cfg.PathErr != nil {
		return "", fmt.Errorf("%w: %w", tools.ErrNotAvailable, a.cfg.PathErr)
	}
	return tools.Resolve(a.cfg.Path, a.binary)
}

// BuildArguments returns the deterministic argument vector for target.
func (a *ProcessAdapter) BuildArguments(target model.Target, opts map[string]string) ([]string, error) {
	if a.build == nil {
		return nil, fmt.Errorf("no argument builder for %s", a.name)
	}
	if opts == nil {
		opts = map[string]string{}
	}
	return a.build(target, opts, a.cfg)
}

// Execute runs the tool and normalizes its output. It never returns a
// result that violates the ToolResult invariants.
func (a *ProcessAdapter) Execute(ctx context.Context, target model.Target, opts map[string]string, onLine LineFunc) model.ToolResult {
	path, err := a.resolve()
	if err != nil {
		a.logger.Warn("tool not available", "error", err)
		return model.Failed(a.name, model.ErrMsgUnavailable)
	}

	args, err := a.BuildArguments(target, opts)
	if err != nil {
		a.logger.Warn("invalid arguments", "error", err)
		return model.Failed(a.name, "invalid arguments: "+err.Error())
	}

	cls := NewClassifier(a.rules)
	outputCh := make(chan tools.OutputLine, 100)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for line := range outputCh {
			if onLine != nil {
				onLine(line)
			}
			if line.Stream == "stdout" {
				cls.Feed(line.Line)
			}
		}
	}()

	a.logger.Info("starting tool", "path", path, "args", logging.RedactArgs(args))

	run := tools.Run(ctx, tools.ToolSpec{
		Name:      string(a.name),
		Path:      path,
		Args:      args,
		Timeout:   a.cfg.Timeout,
		MaxOutput: a.cfg.MaxOutput,
		KillGrace: a.cfg.KillGrace,
	}, outputCh)
	<-done

	res := model.ToolResult{
		Tool:            a.name,
		Success:         run.Success(),
		RawOutput:       run.Stdout,
		OutputTruncated: run.Truncated,
		Findings:        cls.Findings(),
		Services:        []model.Service{},
		Error:           run.ErrorMessage(),
		DurationMS:      run.Duration.Milliseconds(),
		TimedOut:        run.TimedOut,
	}
	if run.ExitCode >= 0 {
		res.ExitCode = model.IntPtr(run.ExitCode)
	}
	if cls.Failed() {
		a.logger.Warn("output classification failed, findings dropped")
	}

	if a.post != nil {
		services, extra := a.safePost(run.Stdout)
		res.Services = services
		res.Findings = append(res.Findings, extra...)
	}

	a.logger.Info("tool finished",
		"success", res.Success,
		"timed_out", res.TimedOut,
		"findings", len(res.Findings),
		"duration_ms", res.DurationMS,
	)
	return res.Normalize()
}

func (a *ProcessAdapter) safePost(raw string) (services []model.Service, findings []model.Finding) {
	defer func() {
		if r := recover(); r != nil {
			a.logger.Warn("output parsing failed", "panic", r)
			services, findings = []model.Service{}, nil
		}
	}()
	services, findings = a.post(raw)
	if services == nil {
		services = []model.Service{}
	}
	return services, findings
}
