package cli

import (
	"encoding/json"

	"github.com/spf13/cobra"

	"github.com/jamesruggles/aegis/internal/model"
	"github.com/jamesruggles/aegis/internal/scanner"
	"github.com/jamesruggles/aegis/internal/tools"
)

func newToolsCmd(a *app) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "tools",
		Short: "Show which scanner programs are installed",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := a.init(); err != nil {
				return err
			}
			statuses := tools.Detect(cmd.Context(), scanner.ToolBinaries(a.cfg))
			statuses = append(statuses, tools.ToolStatus{
				Name:      string(model.ToolTLSInspect),
				Binary:    "builtin",
				Installed: true,
			})

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(statuses)
			}

			rows := make([][]string, 0, len(statuses))
			for _, s := range statuses {
				state := styleSuccess.Render("installed")
				detail := s.Path
				if !s.Installed {
					state = styleError.Render("missing")
					detail = s.Error
				}
				if s.Version != "" {
					detail += styleMuted.Render(" (" + s.Version + ")")
				}
				rows = append(rows, []string{s.Name, s.Binary, state, detail})
			}
			table(out, []string{"TOOL", "BINARY", "STATE", "DETAIL"}, rows)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print as JSON")
	return cmd
}
