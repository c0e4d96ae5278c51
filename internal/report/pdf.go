package report

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/signintech/gopdf"
)

// fontCandidates are tried in order when no PDF font is configured.
var fontCandidates = []string{
	"/usr/share/fonts/truetype/dejavu/DejaVuSans.ttf",
	"/usr/share/fonts/dejavu/DejaVuSans.ttf",
	"/usr/share/fonts/TTF/DejaVuSans.ttf",
	"/usr/share/fonts/truetype/liberation/LiberationSans-Regular.ttf",
	"/usr/share/fonts/liberation/LiberationSans-Regular.ttf",
	"/Library/Fonts/Arial.ttf",
	"/System/Library/Fonts/Supplemental/Arial.ttf",
	`C:\Windows\Fonts\arial.ttf`,
}

// FindFont returns configured when set, otherwise the first installed
// candidate font.
func FindFont(configured string) (string, error) {
	if configured != "" {
		if _, err := os.Stat(configured); err != nil {
			return "", fmt.Errorf("%w: %v", ErrNoPDFFont, err)
		}
		return configured, nil
	}
	for _, p := range fontCandidates {
		if info, err := os.Stat(p); err == nil && info.Mode().IsRegular() {
			return p, nil
		}
	}
	return "", ErrNoPDFFont
}

const (
	pdfFont      = "body"
	pdfMargin    = 40.0
	pdfPageW     = 595.28
	pdfPageH     = 841.89
	pdfBottom    = pdfPageH - pdfMargin
	pdfTextWidth = pdfPageW - 2*pdfMargin
)

type pdfWriter struct {
	pdf *gopdf.GoPdf
	err error
}

func (p *pdfWriter) font(size float64) {
	if p.err == nil {
		p.err = p.pdf.SetFont(pdfFont, "", size)
	}
}

func (p *pdfWriter) color(r, g, b uint8) {
	p.pdf.SetTextColor(r, g, b)
}

// line writes text wrapped to the page width, starting a new page when
// the cursor reaches the bottom margin.
func (p *pdfWriter) line(text string, height float64) {
	if p.err != nil {
		return
	}
	parts, err := p.pdf.SplitText(text, pdfTextWidth)
	if err != nil || len(parts) == 0 {
		parts = []string{text}
	}
	for _, part := range parts {
		if p.pdf.GetY()+height > pdfBottom {
			p.pdf.AddPage()
			p.pdf.SetY(pdfMargin)
		}
		p.pdf.SetX(pdfMargin)
		if err := p.pdf.Cell(nil, part); err != nil {
			p.err = err
			return
		}
		p.pdf.Br(height)
	}
}

func (p *pdfWriter) gap(h float64) {
	p.pdf.Br(h)
}

func (p *pdfWriter) heading(text string, size float64) {
	p.gap(6)
	p.font(size)
	p.line(text, size+6)
	p.font(10)
}

func (g *Generator) writePDF(w io.Writer, v view) error {
	fontPath, err := FindFont(g.PDFFont)
	if err != nil {
		return err
	}

	pdf := &gopdf.GoPdf{}
	pdf.Start(gopdf.Config{PageSize: *gopdf.PageSizeA4})
	if err := pdf.AddTTFFont(pdfFont, fontPath); err != nil {
		return fmt.Errorf("loading pdf font %s: %w", fontPath, err)
	}
	pdf.AddPage()
	pdf.SetY(pdfMargin)

	p := &pdfWriter{pdf: pdf}
	p.heading("Security Scan Report", 20)
	for _, kv := range [][2]string{
		{"Scan ID", v.Report.ID},
		{"Target", v.Target},
		{"Profile", string(v.Report.Profile.ScanType)},
		{"Status", string(v.Report.Status)},
		{"Started", v.Report.StartedAt.Format("2006-01-02 15:04:05 MST")},
		{"Duration", v.Duration},
	} {
		p.line(kv[0]+": "+kv[1], 14)
	}

	p.heading("Severity Summary", 14)
	for _, s := range v.Severities {
		p.line(s.Label+": "+strconv.Itoa(s.Count), 14)
	}
	p.line("Total: "+strconv.Itoa(v.Total), 14)

	p.heading("Findings", 14)
	if len(v.Findings) == 0 {
		p.line("No findings.", 14)
	}
	for _, f := range v.Findings {
		if f.Severity.Score() >= 4 {
			p.color(164, 14, 38)
		}
		text := "[" + severityLabel(f.Severity) + "] " + string(f.Tool) + " / " + f.Category + ": " + f.Description
		if f.Location != "" {
			text += " (" + f.Location + ")"
		}
		p.line(text, 14)
		p.color(0, 0, 0)
	}

	p.heading("Tools", 14)
	for _, t := range v.Tools {
		p.line(string(t.Name)+": "+toolStatus(t.Result)+", "+t.Duration+", "+strconv.Itoa(len(t.Result.Findings))+" finding(s)", 14)
		for _, s := range t.Result.Services {
			p.line("    "+strconv.Itoa(s.Port)+"/"+s.Protocol+" "+s.State+" "+strings.TrimSpace(s.Name+" "+s.Version), 13)
		}
	}

	if p.err != nil {
		return fmt.Errorf("rendering pdf report: %w", p.err)
	}
	if err := pdf.Write(w); err != nil {
		return fmt.Errorf("writing pdf report: %w", err)
	}
	return nil
}
