package cli

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jamesruggles/aegis/internal/project"
)

func newProjectCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "project",
		Aliases: []string{"projects", "p"},
		Short:   "Manage projects",
	}
	cmd.AddCommand(
		newProjectCreateCmd(a),
		newProjectListCmd(a),
		newProjectShowCmd(a),
		newProjectUseCmd(a),
		newProjectSetCmd(a),
		newProjectDeleteCmd(a),
		newProjectBackupCmd(a),
		newProjectRestoreCmd(a),
	)
	return cmd
}

func parseMetadata(pairs []string) (map[string]string, error) {
	meta := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || strings.TrimSpace(k) == "" {
			return nil, fmt.Errorf("metadata %q must look like key=value", p)
		}
		meta[strings.TrimSpace(k)] = v
	}
	return meta, nil
}

func newProjectCreateCmd(a *app) *cobra.Command {
	var (
		meta []string
		use  bool
	)
	cmd := &cobra.Command{
		Use:   "create NAME",
		Short: "Create a project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.init(); err != nil {
				return err
			}
			m, err := parseMetadata(meta)
			if err != nil {
				return err
			}
			p, err := a.store.CreateWithMetadata(args[0], m)
			if err != nil {
				return err
			}
			if use {
				if err := a.store.Use(p.Name); err != nil {
					return err
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s project %s at %s\n", styleSuccess.Render("created"), p.Name, p.Path)
			return nil
		},
	}
	cmd.Flags().StringArrayVarP(&meta, "meta", "m", nil, "Metadata key=value (repeatable)")
	cmd.Flags().BoolVar(&use, "use", false, "Select the project after creating it")
	return cmd
}

func newProjectListCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List projects",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := a.init(); err != nil {
				return err
			}
			projects, err := a.store.List()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(projects) == 0 {
				fmt.Fprintln(out, styleMuted.Render("no projects"))
				return nil
			}
			current, _ := a.store.Current()

			rows := make([][]string, 0, len(projects))
			for _, p := range projects {
				mark := " "
				if p.Name == current {
					mark = "*"
				}
				rows = append(rows, []string{mark, p.Name, strconv.Itoa(p.ScanCount), ago(p.CreatedAt)})
			}
			table(out, []string{" ", "NAME", "SCANS", "CREATED"}, rows)
			return nil
		},
	}
}

// projectArg returns the project named on the command line, else the
// selected project.
func (a *app) projectArg(args []string, flag string) (string, error) {
	if flag != "" {
		return flag, nil
	}
	if len(args) > 0 {
		return args[0], nil
	}
	name, err := a.store.Current()
	if err != nil {
		return "", fmt.Errorf("%w; name a project or run 'aegis project use NAME'", err)
	}
	return name, nil
}

func newProjectShowCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "show [NAME]",
		Short: "Show a project and its scan history",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.init(); err != nil {
				return err
			}
			name, err := a.projectArg(args, "")
			if err != nil {
				return err
			}
			p, err := a.store.Get(name)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintln(out, styleTitle.Render(p.Name))
			field(out, "path", p.Path)
			field(out, "created", p.CreatedAt.Format("2006-01-02 15:04:05 MST")+" ("+ago(p.CreatedAt)+")")

			keys := make([]string, 0, len(p.Metadata))
			for k := range p.Metadata {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				field(out, k, p.Metadata[k])
			}

			fmt.Fprintln(out)
			if len(p.Reports) == 0 {
				fmt.Fprintln(out, styleMuted.Render("no scans yet"))
				return nil
			}
			rows := make([][]string, 0, len(p.Reports))
			for i := len(p.Reports) - 1; i >= 0; i-- {
				r := p.Reports[i]
				rows = append(rows, []string{r.ID, statusText(r.Status), ago(r.StartedAt)})
			}
			table(out, []string{"SCAN", "STATUS", "STARTED"}, rows)
			return nil
		},
	}
}

func newProjectUseCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "use NAME",
		Short: "Select the project scans and reports default to",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.init(); err != nil {
				return err
			}
			if err := a.store.Use(args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "using project %s\n", args[0])
			return nil
		},
	}
}

func newProjectSetCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "set NAME KEY=VALUE...",
		Short: "Set project metadata",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.init(); err != nil {
				return err
			}
			m, err := parseMetadata(args[1:])
			if err != nil {
				return err
			}
			for k, v := range m {
				if err := a.store.SetMetadata(args[0], k, v); err != nil {
					return err
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "updated %d key(s) on %s\n", len(m), args[0])
			return nil
		},
	}
}

func newProjectDeleteCmd(a *app) *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:     "delete NAME",
		Aliases: []string{"rm"},
		Short:   "Delete a project and all of its results",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.init(); err != nil {
				return err
			}
			if !yes {
				return errors.New("refusing to delete without --yes")
			}
			if err := a.store.Delete(args[0]); err != nil {
				return err
			}
			if db := a.openCatalog(); db != nil {
				if err := db.DeleteProjectScans(cmd.Context(), args[0]); err != nil {
					a.logger.Warn("catalog cleanup failed", "project", args[0], "error", err)
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s project %s\n", styleWarn.Render("deleted"), args[0])
			return nil
		},
	}
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "Confirm deletion")
	return cmd
}

func newProjectBackupCmd(a *app) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "backup [NAME]",
		Short: "Write a tar.gz backup of a project",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.init(); err != nil {
				return err
			}
			name, err := a.projectArg(args, "")
			if err != nil {
				return err
			}
			path, err := a.store.Backup(name, output)
			if err != nil {
				return err
			}
			size := ""
			if info, err := os.Stat(path); err == nil {
				size = " (" + bytesText(info.Size()) + ")"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "backup written to %s%s\n", path, size)
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "Archive path (default: backups directory of the store)")
	return cmd
}

func newProjectRestoreCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "restore ARCHIVE NAME",
		Short: "Restore a backup as a new project",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.init(); err != nil {
				return err
			}
			p, err := a.store.Restore(args[0], args[1])
			if err != nil {
				if errors.Is(err, project.ErrUnsafeArchive) {
					return fmt.Errorf("refusing to restore %s: %w", args[0], err)
				}
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s with %d scan(s)\n", styleSuccess.Render("restored"), p.Name, len(p.Reports))
			return nil
		},
	}
}
