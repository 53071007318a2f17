package main

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ajitpratap0/tributary/internal/database"
	"github.com/ajitpratap0/tributary/internal/worker"
	"github.com/ajitpratap0/tributary/pkg/auth"
	"github.com/ajitpratap0/tributary/pkg/config"
	"github.com/ajitpratap0/tributary/pkg/connector/registry"
	"github.com/ajitpratap0/tributary/pkg/logger"
)

func newMigrateCmd(configFile *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the database schema",
	}

	connect := func(cmd *cobra.Command) (*database.DB, error) {
		cfg, err := loadConfig(*configFile)
		if err != nil {
			return nil, err
		}
		return database.NewConnection(cmd.Context(), cfg.Database)
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := connect(cmd)
			if err != nil {
				return err
			}
			defer db.Close()
			return db.RunMigrations(logger.Get())
		},
	})

	var steps int
	down := &cobra.Command{
		Use:   "down",
		Short: "Roll back migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := connect(cmd)
			if err != nil {
				return err
			}
			defer db.Close()
			return db.RollbackMigrations(steps, logger.Get())
		},
	}
	down.Flags().IntVar(&steps, "steps", 1, "Number of migrations to roll back")
	cmd.AddCommand(down)

	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Show the current schema version",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := connect(cmd)
			if err != nil {
				return err
			}
			defer db.Close()
			v, dirty, err := db.MigrationVersion()
			if err != nil {
				return err
			}
			fmt.Printf("version %d (dirty: %t)\n", v, dirty)
			return nil
		},
	})
	return cmd
}

func newSyncCmd(configFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "sync <stream-id>",
		Short: "Run one sync of a stream now and process its batch",
		Long: `Run a single sync of the given stream in the foreground, bypassing the
schedule and the retry engine. The fetched batch is processed before the
command returns. Inactive sources are synced too.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			streamID, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid stream id %q: %w", args[0], err)
			}
			cfg, err := loadConfig(*configFile)
			if err != nil {
				return err
			}
			a, err := newApp(cmd.Context(), cfg, true)
			if err != nil {
				return err
			}
			defer a.close()

			task := worker.NewTask(worker.KindSync, streamID)
			task.Manual = true
			res, err := a.pool.Execute(cmd.Context(), task)
			if err != nil {
				return err
			}
			printResult(a.log, task, res)
			return nil
		},
	}
}

func newRefreshCmd(configFile *string) *cobra.Command {
	var sourceID string
	cmd := &cobra.Command{
		Use:   "refresh-tokens",
		Short: "Refresh OAuth credentials that are about to expire",
		Long: `Refresh every credential expiring within the refresh threshold. With
--source, refresh that one source now regardless of its expiry.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if sourceID == "" {
				return runMaintenance(cmd, *configFile, worker.KindTokenRefresh, nil)
			}
			id, err := uuid.Parse(sourceID)
			if err != nil {
				return fmt.Errorf("invalid source id %q: %w", sourceID, err)
			}
			cfg, err := loadConfig(*configFile)
			if err != nil {
				return err
			}
			a, err := newApp(cmd.Context(), cfg, true)
			if err != nil {
				return err
			}
			defer a.close()

			src, err := a.sources.Get(cmd.Context(), id)
			if err != nil {
				return err
			}
			if err := auth.NewRefresher(a.auth, a.sources, a.ledger, a.clock).RefreshOne(cmd.Context(), src); err != nil {
				return err
			}
			fmt.Printf("refreshed credential of %s (%s)\n", src.ID, src.SourceType)
			return nil
		},
	}
	cmd.Flags().StringVar(&sourceID, "source", "", "Refresh only this source id")
	return cmd
}

func newCleanupCmd(configFile *string) *cobra.Command {
	var days int
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete old ingestion activities",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMaintenance(cmd, *configFile, worker.KindCleanup, func(cfg *config.Config) {
				if days > 0 {
					cfg.Worker.ActivityRetention = time.Duration(days) * 24 * time.Hour
				}
			})
		},
	}
	cmd.Flags().IntVar(&days, "days", 0, "Retention in days (default from configuration, 30)")
	return cmd
}

func runMaintenance(cmd *cobra.Command, configFile string, kind worker.Kind, adjust func(*config.Config)) error {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return err
	}
	if adjust != nil {
		adjust(cfg)
	}
	a, err := newApp(cmd.Context(), cfg, true)
	if err != nil {
		return err
	}
	defer a.close()

	task := worker.NewTask(kind, uuid.Nil)
	res, err := a.pool.Execute(cmd.Context(), task)
	if err != nil {
		return err
	}
	printResult(a.log, task, res)
	return nil
}

func newListCmd(configFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List catalog streams and registered implementations",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := ""
			if *configFile != "" {
				cfg, err := loadConfig(*configFile)
				if err != nil {
					return err
				}
				path = cfg.Catalog.Path
			}
			catalog, err := loadCatalog(path)
			if err != nil {
				return err
			}

			fmt.Println("Catalog Streams:")
			for _, s := range catalog.All() {
				mode := "pull " + s.CronSchedule
				if !s.IsPull() {
					mode = "push"
				}
				impl := registry.ImplementationName(s.Source, s.Name, registry.RoleSync)
				fmt.Printf("  - %-28s %-20s %s\n", s.Name, mode, impl)
			}
			fmt.Println("\nRegistered Syncs:")
			for _, name := range registry.ListSyncs() {
				fmt.Printf("  - %s\n", name)
			}
			fmt.Println("\nRegistered Processors:")
			for _, name := range registry.ListProcessors() {
				fmt.Printf("  - %s\n", name)
			}
			return nil
		},
	}
}

func printResult(log *zap.Logger, task *worker.Task, res *worker.Result) {
	if res == nil {
		res = &worker.Result{}
	}
	if res.Skipped {
		fmt.Printf("%s task skipped: %s\n", task.Kind, res.Reason)
		return
	}
	fmt.Printf("%s task completed: %d records\n", task.Kind, res.Records)
	log.Debug("task result", zap.String("task_id", task.ID.String()), zap.Stringer("activity_id", res.ActivityID))
}
