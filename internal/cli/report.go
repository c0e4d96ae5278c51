package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jamesruggles/aegis/internal/model"
	"github.com/jamesruggles/aegis/internal/report"
)

func newReportCmd(a *app) *cobra.Command {
	var (
		projectName string
		scanID      string
		format      string
		output      string
		tmpl        string
	)
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Render a saved scan as JSON, Markdown, HTML or PDF",
		Long: `Render the latest scan of a project, or the scan named with --scan.
Without --output the report is written into the project directory; use
--output - to print it instead.`,
		Example: `  aegis report --format html
  aegis report --project acme --scan 4f1c... --format pdf -o acme.pdf
  aegis report --format md -o -`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := a.init(); err != nil {
				return err
			}
			f, err := report.ParseFormat(format)
			if err != nil {
				return err
			}
			name, err := a.projectArg(nil, projectName)
			if err != nil {
				return err
			}

			var rep model.ScanReport
			if scanID != "" {
				rep, err = a.store.LoadReport(name, scanID)
			} else {
				rep, err = a.store.LoadScanResults(name)
			}
			if err != nil {
				return err
			}

			gen := report.NewGenerator(a.cfg.Reports.PDFFont, a.logger)
			gen.HTMLTemplate = tmpl

			if output == "-" {
				return gen.Write(cmd.OutOrStdout(), rep, f)
			}
			if output == "" {
				if output, err = a.store.ReportPath(name, report.FileName(rep, f)); err != nil {
					return err
				}
			}
			if err := gen.Save(output, rep, f); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), styleSuccess.Render("report written")+" "+output)
			return nil
		},
	}

	fl := cmd.Flags()
	fl.StringVarP(&projectName, "project", "p", "", "Project (default: selected project)")
	fl.StringVar(&scanID, "scan", "", "Scan ID from the project history (default: latest)")
	fl.StringVarP(&format, "format", "f", string(report.FormatMarkdown), "Format: json, markdown, html or pdf")
	fl.StringVarP(&output, "output", "o", "", "Output file, - for stdout")
	fl.StringVar(&tmpl, "template", "", "HTML template file replacing the built-in layout")
	return cmd
}
