package report

import (
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/nao1215/markdown"
)

func writeMarkdown(w io.Writer, v view) error {
	md := markdown.NewMarkdown(w)

	md.H1("Security Scan Report")
	md.PlainText("")
	md.Table(markdown.TableSet{
		Header: []string{"Property", "Value"},
		Rows: [][]string{
			{"Scan ID", "`" + v.Report.ID + "`"},
			{"Target", v.Target},
			{"Profile", string(v.Report.Profile.ScanType)},
			{"Status", string(v.Report.Status)},
			{"Started", v.Report.StartedAt.Format(time.RFC3339)},
			{"Duration", v.Duration},
			{"Generated", v.Generated.Format("January 2, 2006 15:04:05 MST")},
		},
	})
	md.PlainText("")

	md.H2("Severity Summary")
	md.PlainText("")
	rows := make([][]string, 0, len(v.Severities)+1)
	for _, s := range v.Severities {
		rows = append(rows, []string{s.Label, strconv.Itoa(s.Count)})
	}
	rows = append(rows, []string{"**Total**", "**" + strconv.Itoa(v.Total) + "**"})
	md.Table(markdown.TableSet{Header: []string{"Severity", "Count"}, Rows: rows})
	md.PlainText("")

	switch {
	case v.HasCritical:
		md.Cautionf("%d critical finding(s) require immediate attention.", v.Severities[0].Count)
	case len(v.Failures) > 0:
		md.Warningf("%d tool(s) did not complete: %s", len(v.Failures), joinTools(v))
	case v.Total == 0:
		md.Tip("No findings were reported.")
	}
	md.PlainText("")

	md.H2("Findings")
	md.PlainText("")
	if len(v.Findings) == 0 {
		md.PlainText("No findings.")
	} else {
		frows := make([][]string, 0, len(v.Findings))
		for _, f := range v.Findings {
			frows = append(frows, []string{severityLabel(f.Severity), string(f.Tool), f.Category, cell(f.Description), cell(f.Location)})
		}
		md.Table(markdown.TableSet{Header: []string{"Severity", "Tool", "Category", "Description", "Location"}, Rows: frows})
	}
	md.PlainText("")

	md.H2("Tools")
	md.PlainText("")
	for _, t := range v.Tools {
		md.H3(string(t.Name))
		md.PlainText("")
		items := []string{
			"Status: " + toolStatus(t.Result),
			"Duration: " + t.Duration,
			"Findings: " + strconv.Itoa(len(t.Result.Findings)),
		}
		if t.Result.ExitCode != nil {
			items = append(items, "Exit code: "+strconv.Itoa(*t.Result.ExitCode))
		}
		if t.Result.OutputTruncated {
			items = append(items, "Output was truncated")
		}
		md.BulletList(items...)
		md.PlainText("")

		if len(t.Result.Services) > 0 {
			srows := make([][]string, 0, len(t.Result.Services))
			for _, s := range t.Result.Services {
				srows = append(srows, []string{strconv.Itoa(s.Port), s.Protocol, s.State, s.Name, s.Version})
			}
			md.Table(markdown.TableSet{Header: []string{"Port", "Protocol", "State", "Service", "Version"}, Rows: srows})
			md.PlainText("")
		}

		if t.RawOutput != "" {
			md.CodeBlocks(markdown.SyntaxHighlightText, strings.TrimRight(t.RawOutput, "\n"))
			md.PlainText("")
		}
	}

	return md.Build()
}

func joinTools(v view) string {
	names := make([]string, len(v.Failures))
	for i, t := range v.Failures {
		names[i] = string(t)
	}
	return strings.Join(names, ", ")
}

// cell keeps a value on one table row.
func cell(s string) string {
	s = strings.ReplaceAll(s, "\n", " ")
	return strings.ReplaceAll(s, "|", `\|`)
}
