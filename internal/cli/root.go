// Package cli implements the aegis command line.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/jamesruggles/aegis/internal/config"
	"github.com/jamesruggles/aegis/internal/database"
	"github.com/jamesruggles/aegis/internal/logging"
	"github.com/jamesruggles/aegis/internal/project"
	"github.com/jamesruggles/aegis/internal/scanner"
)

// Exit codes.
const (
	ExitOK          = 0
	ExitError       = 1
	ExitInterrupted = 130
)

// errInterrupted marks a command stopped by SIGINT or SIGTERM.
var errInterrupted = errors.New("interrupted")

// exitError carries an exit code without an error message of its own.
type exitError struct {
	code int
	msg  string
}

func (e *exitError) Error() string { return e.msg }

// app holds what commands share. It is built lazily so that commands such
// as version work without a readable config.
type app struct {
	v      *viper.Viper
	out    io.Writer
	errOut io.Writer

	cfg     *config.Config
	logger  *slog.Logger
	closers []func() error
	store   *project.Store
	catalog *database.DB
}

func (a *app) init() error {
	if a.cfg != nil {
		return nil
	}

	cfg, err := config.Load(a.v.GetString("config"))
	if err != nil {
		return err
	}
	if dir := a.v.GetString("projects-dir"); dir != "" {
		cfg.Projects.Directory = dir
	}
	if lvl := a.v.GetString("log-level"); lvl != "" {
		cfg.Logging.Level = strings.ToLower(lvl)
	}
	// IsSet ignores flag defaults, so the config path survives unless
	// --db or AEGIS_DB was given.
	if a.v.IsSet("db") {
		cfg.Database.Path = a.v.GetString("db")
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	logger, closeLog, err := logging.Setup(cfg.Logging.Level, cfg.Logging.File)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)
	a.closers = append(a.closers, closeLog)
	for _, w := range cfg.Warnings {
		logger.Warn("ignoring config value", "detail", w)
	}

	store, err := project.NewStore(cfg.Projects.Directory, logger)
	if err != nil {
		return err
	}

	a.cfg, a.logger, a.store = cfg, logger, store
	return nil
}

// openCatalog opens the scan catalog. The catalog is optional: an empty
// database path disables it and open failures only warn.
func (a *app) openCatalog() *database.DB {
	if a.catalog != nil || a.cfg.Database.Path == "" {
		return a.catalog
	}
	db, err := database.New(a.cfg.Database.Path)
	if err != nil {
		a.logger.Warn("scan catalog unavailable", "path", a.cfg.Database.Path, "error", err)
		return nil
	}
	a.catalog = db
	a.closers = append(a.closers, db.Close)
	return db
}

// scanCatalog is openCatalog as a scanner.Catalog, nil when disabled.
func (a *app) scanCatalog() scanner.Catalog {
	if db := a.openCatalog(); db != nil {
		return db
	}
	return nil
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		_ = a.closers[i]()
	}
	a.closers = nil
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:           "aegis",
		Short:         "Security scan orchestration",
		Long:          "aegis runs external security scanners against a target, normalizes their findings and keeps the results per project.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(a.out)
	root.SetErr(a.errOut)

	pf := root.PersistentFlags()
	pf.String("config", config.DefaultPath(), "Config file")
	pf.String("projects-dir", "", "Directory holding projects (overrides config)")
	pf.String("log-level", "", "Log level: debug, info, warn, error")
	pf.String("db", "", "Scan catalog database path; empty disables the catalog")
	for _, name := range []string{"config", "projects-dir", "log-level", "db"} {
		_ = a.v.BindPFlag(name, pf.Lookup(name))
	}

	// AEGIS_CONFIG, AEGIS_PROJECTS_DIR, AEGIS_LOG_LEVEL, AEGIS_DB
	a.v.SetEnvPrefix("AEGIS")
	a.v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	a.v.AutomaticEnv()

	root.AddCommand(
		newProjectCmd(a),
		newScanCmd(a),
		newReportCmd(a),
		newToolsCmd(a),
		newServeCmd(a),
		newVersionCmd(a),
	)
	return root
}

// Run executes the command line in args and returns the process exit code.
func Run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	a := &app{v: viper.New(), out: stdout, errOut: stderr}
	defer a.close()

	root := newRootCmd(a)
	root.SetArgs(args)

	err := root.ExecuteContext(ctx)
	switch {
	case err == nil:
		return ExitOK
	case errors.Is(err, errInterrupted), errors.Is(err, context.Canceled) && ctx.Err() != nil:
		fmt.Fprintln(stderr, styleWarn.Render("interrupted"))
		return ExitInterrupted
	}

	var ee *exitError
	if errors.As(err, &ee) {
		if ee.msg != "" {
			fmt.Fprintln(stderr, styleError.Render(ee.msg))
		}
		return ee.code
	}
	fmt.Fprintln(stderr, styleError.Render("error: "+err.Error()))
	return ExitError
}

// Execute runs the process command line with signal handling.
func Execute() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return Run(ctx, os.Args[1:], os.Stdout, os.Stderr)
}
