// Package report renders scan reports as JSON, Markdown, HTML or PDF.
package report

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/jamesruggles/aegis/internal/model"
)

// Format is an output format.
type Format string

const (
	FormatJSON     Format = "json"
	FormatMarkdown Format = "markdown"
	FormatHTML     Format = "html"
	FormatPDF      Format = "pdf"
)

var (
	ErrUnknownFormat = errors.New("unknown report format")
	ErrNoPDFFont     = errors.New("no TrueType font available for PDF output")
)

// Formats lists the supported formats.
var Formats = []Format{FormatJSON, FormatMarkdown, FormatHTML, FormatPDF}

// ParseFormat accepts a format name or a common file extension.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimPrefix(strings.TrimSpace(s), ".")) {
	case "json":
		return FormatJSON, nil
	case "markdown", "md":
		return FormatMarkdown, nil
	case "html", "htm":
		return FormatHTML, nil
	case "pdf":
		return FormatPDF, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownFormat, s)
}

// Extension is the file extension used for f, including the dot.
func (f Format) Extension() string {
	if f == FormatMarkdown {
		return ".md"
	}
	return "." + string(f)
}

// maxRawOutput bounds how much raw tool output a report embeds per tool.
const maxRawOutput = 5000

// Generator renders reports.
type Generator struct {
	// PDFFont is a TrueType font file used for PDF output. When empty a few
	// common system locations are tried.
	PDFFont string
	// HTMLTemplate is an optional html/template file replacing the
	// built-in HTML layout.
	HTMLTemplate string

	logger *slog.Logger
	now    func() time.Time
}

// NewGenerator returns a generator using pdfFont for PDF output.
func NewGenerator(pdfFont string, logger *slog.Logger) *Generator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Generator{PDFFont: pdfFont, logger: logger, now: time.Now}
}

// Write renders report to w.
func (g *Generator) Write(w io.Writer, report model.ScanReport, format Format) error {
	data := g.view(report)
	switch format {
	case FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	case FormatMarkdown:
		return writeMarkdown(w, data)
	case FormatHTML:
		return g.writeHTML(w, data)
	case FormatPDF:
		return g.writePDF(w, data)
	}
	return fmt.Errorf("%w: %q", ErrUnknownFormat, format)
}

// Save renders report into path, creating parent directories.
func (g *Generator) Save(path string, report model.ScanReport, format Format) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating report directory: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating report: %w", err)
	}
	if err := g.Write(f, report, format); err != nil {
		f.Close()
		os.Remove(path)
		return err
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("writing report: %w", err)
	}
	g.logger.Info("report written", "path", path, "format", format, "scan_id", report.ID)
	return nil
}

// FileName returns the default file name of a report.
func FileName(report model.ScanReport, format Format) string {
	ts := report.StartedAt
	if ts.IsZero() {
		ts = time.Now()
	}
	return "report-" + ts.UTC().Format("20060102-150405") + format.Extension()
}

// view is the data every renderer works from.
type view struct {
	Report      model.ScanReport
	Generated   time.Time
	Target      string
	Duration    string
	Tools       []toolView
	Findings    []model.ToolFinding
	Severities  []severityCount
	Total       int
	Failures    []model.ToolName
	HasCritical bool
}

type toolView struct {
	Name      model.ToolName
	Result    model.ToolResult
	RawOutput string
	Duration  string
}

type severityCount struct {
	Severity model.Severity
	Label    string
	Count    int
}

var title = cases.Title(language.English)

func severityLabel(s model.Severity) string {
	return title.String(string(s))
}

func (g *Generator) view(report model.ScanReport) view {
	v := view{
		Report:    report,
		Generated: g.now(),
		Target:    report.Target.String(),
		Duration:  report.Duration().Round(time.Millisecond).String(),
		Findings:  report.AllFindings(),
		Failures:  report.Failures(),
	}

	counts := report.SeverityCounts()
	for _, s := range model.Severities {
		v.Severities = append(v.Severities, severityCount{Severity: s, Label: severityLabel(s), Count: counts[s]})
		v.Total += counts[s]
	}
	v.HasCritical = counts[model.SeverityCritical] > 0

	for _, t := range report.Tools() {
		res := report.Results[t]
		v.Tools = append(v.Tools, toolView{
			Name:      t,
			Result:    res,
			RawOutput: truncate(res.RawOutput, maxRawOutput),
			Duration:  (time.Duration(res.DurationMS) * time.Millisecond).String(),
		})
	}
	return v
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "\n... (truncated)"
}

func toolStatus(r model.ToolResult) string {
	switch {
	case r.Success:
		return "ok"
	case r.TimedOut:
		return "timed out"
	default:
		return "failed: " + r.Error
	}
}
