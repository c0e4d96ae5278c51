package cli

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/jamesruggles/aegis/internal/metrics"
	"github.com/jamesruggles/aegis/internal/report"
	"github.com/jamesruggles/aegis/internal/scanner"
	"github.com/jamesruggles/aegis/internal/server"
)

const shutdownTimeout = 30 * time.Second

func newServeCmd(a *app) *cobra.Command {
	var (
		host string
		port int
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the JSON API and live scan output",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := a.init(); err != nil {
				return err
			}
			if host != "" {
				a.cfg.Server.Host = host
			}
			if port != 0 {
				a.cfg.Server.Port = port
			}
			return a.serve(cmd.Context())
		},
	}
	cmd.Flags().StringVar(&host, "host", "", "Listen host (overrides config)")
	cmd.Flags().IntVar(&port, "port", 0, "Listen port (overrides config)")
	return cmd
}

func (a *app) serve(ctx context.Context) error {
	hub := server.NewHub(a.logger)
	observers := []scanner.Observer{scanner.BroadcastObserver(hub)}

	var collector *metrics.Collector
	if a.cfg.Metrics.Enabled {
		collector = metrics.New()
		observers = append(observers, collector)
	}

	opts := scanner.Options{
		MaxConcurrent: a.cfg.MaxConcurrent(),
		SpawnInterval: a.cfg.SpawnInterval(),
		Timeout:       a.cfg.ScanTimeout(),
	}
	orch := scanner.NewOrchestrator(scanner.DefaultRegistry(a.cfg, a.logger), opts, a.logger, observers...)
	catalog := a.openCatalog()
	exec := scanner.NewExecutor(orch, a.store, a.scanCatalog(), a.logger)

	srv, err := server.New(server.Options{
		Config:   a.cfg,
		Store:    a.store,
		Executor: exec,
		Reports:  report.NewGenerator(a.cfg.Reports.PDFFont, a.logger),
		Hub:      hub,
		Catalog:  catalog,
		Metrics:  collector,
		Logger:   a.logger,
	})
	if err != nil {
		return err
	}

	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	fmt.Fprintln(a.errOut, styleTitle.Render("aegis")+" listening on http://"+a.cfg.Addr())

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	a.logger.Info("shutting down")
	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if err := <-errc; err != nil {
		return err
	}
	return nil
}
