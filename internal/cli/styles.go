package cli

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"

	"github.com/jamesruggles/aegis/internal/model"
)

var (
	colorPrimary = lipgloss.Color("#7D56F4")
	colorMuted   = lipgloss.Color("#6B7280")
	colorSuccess = lipgloss.Color("#00D26A")
	colorWarning = lipgloss.Color("#FFB800")
	colorError   = lipgloss.Color("#FF3838")

	styleTitle   = lipgloss.NewStyle().Bold(true).Foreground(colorPrimary)
	styleLabel   = lipgloss.NewStyle().Foreground(colorMuted).Width(12)
	styleMuted   = lipgloss.NewStyle().Foreground(colorMuted)
	styleSuccess = lipgloss.NewStyle().Foreground(colorSuccess)
	styleWarn    = lipgloss.NewStyle().Foreground(colorWarning)
	styleError   = lipgloss.NewStyle().Foreground(colorError).Bold(true)

	severityStyles = map[model.Severity]lipgloss.Style{
		model.SeverityCritical: lipgloss.NewStyle().Foreground(lipgloss.Color("#FF0000")).Bold(true),
		model.SeverityHigh:     lipgloss.NewStyle().Foreground(lipgloss.Color("#FF6B6B")),
		model.SeverityMedium:   lipgloss.NewStyle().Foreground(lipgloss.Color("#FFD93D")),
		model.SeverityLow:      lipgloss.NewStyle().Foreground(lipgloss.Color("#6BCB77")),
		model.SeverityInfo:     lipgloss.NewStyle().Foreground(lipgloss.Color("#4D96FF")),
		model.SeverityUnknown:  styleMuted,
	}
)

func severityTag(s model.Severity) string {
	st, ok := severityStyles[s]
	if !ok {
		st = styleMuted
	}
	return st.Render(fmt.Sprintf("%-8s", strings.ToUpper(string(s))))
}

func statusText(s model.ScanStatus) string {
	switch s {
	case model.StatusCompleted:
		return styleSuccess.Render(string(s))
	case model.StatusCompletedWithErrors:
		return styleWarn.Render(string(s))
	default:
		return styleError.Render(string(s))
	}
}

func field(w io.Writer, label, value string) {
	fmt.Fprintln(w, styleLabel.Render(label)+" "+value)
}

// ago renders t relative to now, e.g. "3 minutes ago".
func ago(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return humanize.Time(t)
}

func duration(d time.Duration) string {
	if d < time.Second {
		return d.Round(time.Millisecond).String()
	}
	return d.Round(time.Second).String()
}

func bytesText(n int64) string {
	return humanize.IBytes(uint64(n))
}

// table renders rows as left-aligned columns.
func table(w io.Writer, header []string, rows [][]string) {
	widths := make([]int, len(header))
	for i, h := range header {
		widths[i] = lipgloss.Width(h)
	}
	for _, r := range rows {
		for i, c := range r {
			if i < len(widths) {
				widths[i] = max(widths[i], lipgloss.Width(c))
			}
		}
	}

	render := func(cells []string, st *lipgloss.Style) {
		parts := make([]string, len(cells))
		for i, c := range cells {
			pad := widths[i] - lipgloss.Width(c)
			if st != nil {
				c = st.Render(c)
			}
			parts[i] = c + strings.Repeat(" ", max(pad, 0))
		}
		fmt.Fprintln(w, strings.TrimRight(strings.Join(parts, "  "), " "))
	}

	render(header, &styleTitle)
	for _, r := range rows {
		render(r, nil)
	}
}
