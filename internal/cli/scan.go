package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/jamesruggles/aegis/internal/model"
	"github.com/jamesruggles/aegis/internal/scanner"
	"github.com/jamesruggles/aegis/internal/tools"
)

type scanFlags struct {
	project       string
	url           string
	ip            string
	domain        string
	ports         string
	scanType      string
	tools         []string
	opts          []string
	stream        bool
	asJSON        bool
	failOn        string
	timeout       time.Duration
	maxConcurrent int
}

func newScanCmd(a *app) *cobra.Command {
	var f scanFlags
	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Scan a target and save the report in a project",
		Example: `  aegis scan --project acme --url https://shop.example.com
  aegis scan --project acme --ip 10.0.0.5 --ports 22,80,443 --type full
  aegis scan --ip 10.0.0.5 --tools port-scan,tls-inspect --opt port-scan.scan_type=service`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := a.init(); err != nil {
				return err
			}
			return a.runScan(cmd.Context(), cmd.OutOrStdout(), cmd.ErrOrStderr(), f)
		},
	}

	fl := cmd.Flags()
	fl.StringVarP(&f.project, "project", "p", "", "Project to save into (default: selected project)")
	fl.StringVar(&f.url, "url", "", "Target URL")
	fl.StringVar(&f.ip, "ip", "", "Target IP address")
	fl.StringVar(&f.domain, "domain", "", "Target domain")
	fl.StringVar(&f.ports, "ports", "", "Ports, e.g. 22,80,8000-8010")
	fl.StringVarP(&f.scanType, "type", "t", "", "Scan type: quick, full or custom (default quick, custom with --tools)")
	fl.StringSliceVar(&f.tools, "tools", nil, "Tools for a custom scan: "+toolList())
	fl.StringArrayVarP(&f.opts, "opt", "o", nil, "Tool option tool.key=value (repeatable)")
	fl.BoolVar(&f.stream, "stream", false, "Print tool output as it arrives")
	fl.BoolVar(&f.asJSON, "json", false, "Print the report as JSON")
	fl.StringVar(&f.failOn, "fail-on", "", "Exit 1 when a finding at or above this severity is reported")
	fl.DurationVar(&f.timeout, "timeout", 0, "Global scan timeout (overrides config)")
	fl.IntVar(&f.maxConcurrent, "max-concurrent", 0, "Tools run at once (overrides config)")
	return cmd
}

func toolList() string {
	names := make([]string, 0, len(model.AllTools()))
	for _, t := range model.AllTools() {
		names = append(names, string(t))
	}
	return strings.Join(names, ", ")
}

func (f scanFlags) target() (model.Target, error) {
	t := model.Target{URL: f.url, IP: f.ip, Domain: f.domain}
	if f.ports != "" {
		ports, err := model.ParsePorts(f.ports)
		if err != nil {
			return t, err
		}
		t.Ports = ports
	}
	return t, nil
}

func (f scanFlags) profile() (model.ScanProfile, error) {
	p := model.ScanProfile{ScanType: model.ScanType(strings.ToLower(f.scanType))}
	if p.ScanType == "" {
		p.ScanType = model.ScanQuick
		if len(f.tools) > 0 {
			p.ScanType = model.ScanCustom
		}
	}
	if len(f.tools) > 0 && p.ScanType != model.ScanCustom {
		return p, fmt.Errorf("%w: --tools requires --type custom", model.ErrInvalidProfile)
	}

	for _, name := range f.tools {
		t, err := model.ParseToolName(strings.TrimSpace(name))
		if err != nil {
			return p, err
		}
		p.Tools = append(p.Tools, t)
	}

	for _, o := range f.opts {
		key, value, ok := strings.Cut(o, "=")
		tool, opt, dotted := strings.Cut(key, ".")
		if !ok || !dotted || opt == "" {
			return p, fmt.Errorf("%w: option %q must look like tool.key=value", model.ErrInvalidProfile, o)
		}
		t, err := model.ParseToolName(tool)
		if err != nil {
			return p, err
		}
		p.SetOption(t, opt, value)
	}
	return p, p.Validate()
}

func (a *app) runScan(ctx context.Context, out, errOut io.Writer, f scanFlags) error {
	target, err := f.target()
	if err != nil {
		return err
	}
	profile, err := f.profile()
	if err != nil {
		return err
	}
	var failOn model.Severity
	if f.failOn != "" {
		failOn = model.Severity(strings.ToLower(f.failOn))
		if !failOn.IsValid() {
			return fmt.Errorf("--fail-on: unknown severity %q", f.failOn)
		}
	}
	name, err := a.projectArg(nil, f.project)
	if err != nil {
		return err
	}

	opts := scanner.Options{
		MaxConcurrent: a.cfg.MaxConcurrent(),
		SpawnInterval: a.cfg.SpawnInterval(),
		Timeout:       a.cfg.ScanTimeout(),
	}
	if f.timeout > 0 {
		opts.Timeout = f.timeout
	}
	if f.maxConcurrent > 0 {
		opts.MaxConcurrent = f.maxConcurrent
	}

	progress := &progressObserver{w: errOut, stream: f.stream}
	orch := scanner.NewOrchestrator(scanner.DefaultRegistry(a.cfg, a.logger), opts, a.logger, progress)
	exec := scanner.NewExecutor(orch, a.store, a.scanCatalog(), a.logger)

	fmt.Fprintf(errOut, "%s %s (%s) into project %s\n", styleTitle.Render("scanning"), target.String(), profile.ScanType, name)
	report, err := exec.Run(ctx, name, target, profile)
	if err != nil && report.ID == "" {
		return err
	}

	if f.asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(report); err != nil {
			return err
		}
	} else {
		printSummary(out, report)
	}
	if err != nil {
		return fmt.Errorf("report not saved: %w", err)
	}

	if ctx.Err() != nil && errors.Is(ctx.Err(), context.Canceled) {
		return errInterrupted
	}
	switch report.Status {
	case model.StatusError, model.StatusTimeout:
		return &exitError{code: ExitError, msg: "scan finished with status " + string(report.Status)}
	}
	if failOn != "" {
		for _, fd := range report.AllFindings() {
			if fd.Severity.Score() >= failOn.Score() {
				return &exitError{code: ExitError, msg: fmt.Sprintf("findings at or above %s severity", failOn)}
			}
		}
	}
	return nil
}

func printSummary(w io.Writer, r model.ScanReport) {
	fmt.Fprintln(w)
	field(w, "scan", r.ID)
	field(w, "target", r.Target.String())
	field(w, "status", statusText(r.Status))
	field(w, "duration", duration(r.Duration()))
	if r.Error != "" {
		field(w, "error", styleError.Render(r.Error))
	}

	fmt.Fprintln(w)
	rows := make([][]string, 0, len(r.Results))
	for _, t := range r.Tools() {
		res := r.Results[t]
		state := styleSuccess.Render("ok")
		if !res.Success {
			state = styleError.Render(res.Error)
		}
		rows = append(rows, []string{
			string(t),
			state,
			fmt.Sprintf("%d", len(res.Findings)),
			duration(time.Duration(res.DurationMS) * time.Millisecond),
		})
	}
	if len(rows) > 0 {
		table(w, []string{"TOOL", "RESULT", "FINDINGS", "TIME"}, rows)
	}

	findings := r.AllFindings()
	if len(findings) == 0 {
		return
	}
	fmt.Fprintln(w)
	for _, fd := range findings {
		line := severityTag(fd.Severity) + " " + styleMuted.Render(string(fd.Tool)) + " " + fd.Description
		if fd.Location != "" {
			line += styleMuted.Render(" @ " + fd.Location)
		}
		fmt.Fprintln(w, line)
	}
}

// progressObserver prints tool lifecycle events while a scan runs.
type progressObserver struct {
	scanner.NopObserver
	w      io.Writer
	stream bool
	mu     sync.Mutex
}

func (p *progressObserver) printf(format string, args ...any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.w, format, args...)
}

func (p *progressObserver) ToolStarted(_ string, tool model.ToolName) {
	p.printf("  %s %s\n", styleMuted.Render("start "), tool)
}

func (p *progressObserver) ToolOutput(_ string, line tools.OutputLine) {
	if p.stream {
		p.printf("  %s %s\n", styleMuted.Render("["+line.Tool+"]"), line.Line)
	}
}

func (p *progressObserver) ToolFinished(_ string, res model.ToolResult) {
	if res.Success {
		p.printf("  %s %s (%d findings)\n", styleSuccess.Render("done  "), res.Tool, len(res.Findings))
		return
	}
	p.printf("  %s %s: %s\n", styleError.Render("failed"), res.Tool, res.Error)
}
