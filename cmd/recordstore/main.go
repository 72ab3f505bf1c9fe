// Command recordstore runs the clinical record store: an HTTP surface
// over the versioned record tables, the background maintenance workers,
// and the connection pool monitor.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/openclin/recordstore/internal/compartment"
	"github.com/openclin/recordstore/internal/config"
	"github.com/openclin/recordstore/internal/db"
	"github.com/openclin/recordstore/internal/db/schema"
	"github.com/openclin/recordstore/internal/index"
	"github.com/openclin/recordstore/internal/jobs"
	"github.com/openclin/recordstore/internal/poolmon"
	"github.com/openclin/recordstore/internal/query"
	"github.com/openclin/recordstore/internal/refs"
	"github.com/openclin/recordstore/internal/server"
	"github.com/openclin/recordstore/internal/store"
	"github.com/openclin/recordstore/internal/validation"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "recordstore",
		Short: "Clinical record store",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(maintenanceCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the record store server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.FromEnv()
			gdb, err := db.Open(cfg.DB)
			if err != nil {
				return err
			}
			if err := db.Migrate(gdb); err != nil {
				return err
			}
			fmt.Println("schema up to date")
			return nil
		},
	}
}

func maintenanceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "maintenance",
		Short: "Enqueue maintenance jobs",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "rebuild-compartments [recordType]",
		Short: "Queue a full compartment membership rebuild",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			scope := ""
			if len(args) == 1 {
				scope = args[0]
			}
			return enqueue(schema.JobCompartmentRebuild, scope)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "reconcile-refs",
		Short: "Queue a reconciliation pass over dangling reference edges",
		RunE: func(cmd *cobra.Command, args []string) error {
			return enqueue(schema.JobReferenceReconcile, "")
		},
	})

	return cmd
}

func enqueue(kind schema.JobKind, scope string) error {
	cfg := config.FromEnv()
	gdb, err := db.Open(cfg.DB)
	if err != nil {
		return err
	}
	job, err := jobs.NewStore(gdb).Enqueue(kind, scope, "cli")
	if err != nil {
		return err
	}
	fmt.Printf("queued %s job %s\n", kind, job.ID)
	return nil
}

func runServer() error {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg := config.FromEnv()

	gdb, err := db.Open(cfg.DB)
	if err != nil {
		return err
	}
	if err := db.Migrate(gdb); err != nil {
		return err
	}

	// Services are constructed once here and passed by reference; there
	// is no module-level shared state.
	session := refs.NewSessionResolver()
	registry := index.Builtin()
	indexer := index.NewIndexer(registry, session, logger)
	extractor := refs.NewExtractor(session, logger)
	compartments := compartment.NewIndexer(compartment.DefaultDefinitions())

	cache := validation.NewResultCache(cfg.Cache, logger)
	validator := validation.NewCachingValidator(validation.Basic(), cache, logger)

	records := store.New(gdb, validator, indexer, extractor, compartments, logger)
	engine := query.NewEngine(gdb, registry, logger)

	jobStore := jobs.NewStore(gdb)
	rebuilder := compartment.NewRebuilder(gdb, compartments, logger)
	reconciler := refs.NewReconciler(gdb, session, logger)
	workers := jobs.NewWorkerPool(jobStore, map[schema.JobKind]jobs.Runner{
		schema.JobCompartmentRebuild: jobs.RunnerFunc(func(ctx context.Context, job *schema.MaintenanceJob) (int, error) {
			return rebuilder.Rebuild(ctx, job.Scope)
		}),
		schema.JobReferenceReconcile: jobs.RunnerFunc(func(ctx context.Context, job *schema.MaintenanceJob) (int, error) {
			return reconciler.Reconcile(ctx)
		}),
	}, cfg.Jobs, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go cache.StartSweep(ctx)
	go workers.Run(ctx)

	if sqlDB, err := gdb.DB(); err == nil {
		monitor := poolmon.NewMonitor(sqlDB, nil, cfg.PoolMon, logger)
		go monitor.Run(ctx)
	}

	srv := server.New(records, engine, compartments, jobStore, logger)
	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	logger.Info("record store listening", "addr", cfg.ListenAddr, "recordTypes", registry.Types())
	if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
