package report

import (
	_ "embed"
	"fmt"
	"html/template"
	"io"
	"os"
	"path/filepath"

	"github.com/Masterminds/sprig/v3"

	"github.com/jamesruggles/aegis/internal/model"
)

//go:embed templates/report.html.tmpl
var defaultHTMLTemplate string

func htmlFuncs() template.FuncMap {
	funcs := sprig.HtmlFuncMap()
	funcs["severityLabel"] = severityLabel
	funcs["toolStatus"] = toolStatus
	funcs["severityClass"] = func(s model.Severity) string { return "sev-" + string(s) }
	return funcs
}

func (g *Generator) htmlTemplate() (*template.Template, error) {
	name, text := "report", defaultHTMLTemplate
	if g.HTMLTemplate != "" {
		data, err := os.ReadFile(g.HTMLTemplate)
		if err != nil {
			return nil, fmt.Errorf("reading html template: %w", err)
		}
		name, text = filepath.Base(g.HTMLTemplate), string(data)
	}
	tmpl, err := template.New(name).Funcs(htmlFuncs()).Parse(text)
	if err != nil {
		return nil, fmt.Errorf("parsing html template: %w", err)
	}
	return tmpl, nil
}

func (g *Generator) writeHTML(w io.Writer, v view) error {
	tmpl, err := g.htmlTemplate()
	if err != nil {
		return err
	}
	if err := tmpl.Execute(w, v); err != nil {
		return fmt.Errorf("rendering html report: %w", err)
	}
	return nil
}
