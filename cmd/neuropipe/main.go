// Command neuropipe runs the neuroimaging feature pipeline and its analysis
// API: serve starts the HTTP server, process runs a batch from the command
// line, migrate bootstraps the schema, and init-config writes a default
// configuration file.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"neuropipe/internal/httpserver"
	"neuropipe/internal/logger"
	"neuropipe/internal/store"
	"neuropipe/internal/store/mysql"
	"neuropipe/internal/store/postgres"
	"neuropipe/pkg/analysis"
	"neuropipe/pkg/config"
	"neuropipe/pkg/pipeline"
)

func main() {
	var configPath string

	root := &cobra.Command{
		Use:           "neuropipe",
		Short:         "Neuroimaging feature pipeline and analysis service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "path to configuration file")

	root.AddCommand(
		serveCmd(&configPath),
		processCmd(&configPath),
		migrateCmd(&configPath),
		initConfigCmd(&configPath),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "neuropipe: %v\n", err)
		os.Exit(1)
	}
}

// setup loads configuration, initializes logging and connects the store.
func setup(ctx context.Context, configPath string) (*config.Config, store.Store, *sql.DB, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, nil, nil, err
	}
	logger.Init(cfg.Logging.Level)

	var (
		db *sql.DB
		st store.Store
	)
	switch cfg.Database.Driver {
	case "mysql":
		db, err = mysql.Connect(ctx, cfg.MySQLDSN())
		if err == nil {
			st = mysql.New(db)
		}
	case "postgres", "":
		db, err = postgres.Connect(ctx, cfg.PostgresDSN())
		if err == nil {
			st = postgres.New(db)
		}
	default:
		err = fmt.Errorf("unsupported database driver %q", cfg.Database.Driver)
	}
	if err != nil {
		return nil, nil, nil, err
	}
	return cfg, st, db, nil
}

func serveCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			cfg, st, db, err := setup(ctx, *configPath)
			if err != nil {
				return err
			}
			defer db.Close()

			coord := pipeline.NewCoordinator(st, &pipeline.Params{
				Workers:        cfg.Pipeline.Workers,
				SmoothingSigma: cfg.Pipeline.SmoothingSigma,
			})
			svc := analysis.NewService(st)
			handler := httpserver.NewRouter(st, coord, svc, cfg.Server.FrontendURL)

			addr := fmt.Sprintf(":%d", cfg.Server.Port)
			srv := &http.Server{
				Addr:         addr,
				Handler:      handler,
				ReadTimeout:  15 * time.Second,
				WriteTimeout: 60 * time.Second,
				IdleTimeout:  60 * time.Second,
			}

			errCh := make(chan error, 1)
			go func() {
				logger.Info("server listening on %s", addr)
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					errCh <- err
				}
			}()

			stop := make(chan os.Signal, 1)
			signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
			select {
			case err := <-errCh:
				return err
			case <-stop:
			}

			logger.Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	}
}

func processCmd(configPath *string) *cobra.Command {
	var subjectIDs []int64

	cmd := &cobra.Command{
		Use:   "process",
		Short: "Run the batch pipeline for the given subjects",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			cfg, st, db, err := setup(ctx, *configPath)
			if err != nil {
				return err
			}
			defer db.Close()

			coord := pipeline.NewCoordinator(st, &pipeline.Params{
				Workers:        cfg.Pipeline.Workers,
				SmoothingSigma: cfg.Pipeline.SmoothingSigma,
			})

			results, err := coord.ProcessBatch(ctx, subjectIDs)
			if err != nil {
				return err
			}

			failed := 0
			for i, res := range results {
				status := "ok"
				if !res.Success {
					status = "failed"
					failed++
				}
				fmt.Printf("%3d  %-6s %s\n", i+1, status, res.Message)
			}
			fmt.Printf("%d scans processed, %d failed\n", len(results)-failed, failed)
			return nil
		},
	}
	cmd.Flags().Int64SliceVar(&subjectIDs, "subjects", nil, "subject ids to process")
	_ = cmd.MarkFlagRequired("subjects")
	return cmd
}

func migrateCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the database schema",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			_, st, db, err := setup(ctx, *configPath)
			if err != nil {
				return err
			}
			defer db.Close()

			if err := st.Migrate(ctx); err != nil {
				return fmt.Errorf("migrating schema: %w", err)
			}
			logger.Info("schema up to date")
			return nil
		},
	}
}

func initConfigCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "init-config",
		Short: "Write a default configuration file",
		RunE: func(_ *cobra.Command, _ []string) error {
			if _, err := os.Stat(*configPath); err == nil {
				return fmt.Errorf("config file %s already exists", *configPath)
			}
			if err := config.CreateDefaultConfigFile(*configPath); err != nil {
				return err
			}
			fmt.Printf("wrote default configuration to %s\n", *configPath)
			return nil
		},
	}
}
