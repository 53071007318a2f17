package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var version = "0.1.0"

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	var configFile string
	root := &cobra.Command{
		Use:   "tributary",
		Short: "Tributary - personal data ingestion orchestrator",
		Long: `Tributary schedules and runs syncs of personal data from external accounts
and paired devices, stages raw batches, and routes processed records to a
relational store and an object store.`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&configFile, "config", "c", os.Getenv("TRIBUTARY_CONFIG"), "Path to YAML configuration file")

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("Tributary v%s\n", version)
			fmt.Printf("Go version: %s\n", runtime.Version())
			fmt.Printf("OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
		},
	})

	root.AddCommand(
		newServeCmd(&configFile),
		newMigrateCmd(&configFile),
		newSyncCmd(&configFile),
		newRefreshCmd(&configFile),
		newCleanupCmd(&configFile),
		newPairCmd(),
		newSourcesCmd(&configFile),
		newListCmd(&configFile),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}
