package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"report-scheduler/internal/config"
	"report-scheduler/internal/logger"
)

var (
	memory bool
	cfg    config.Config
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "reportctl",
		Short: "Drive the report queue and maintenance tasks",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			_ = godotenv.Load()
			var err error
			if cfg, err = config.Load(); err != nil {
				return err
			}
			return logger.Init(logger.Config{Level: cfg.LogLevel, Format: cfg.LogFormat, File: cfg.LogFile})
		},
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().BoolVar(&memory, "memory", false, "use in-memory repositories with a seeded demo client")

	rootCmd.AddCommand(tickCmd(), enqueueCmd(), maintenanceCmd(), migrateCmd(), testConnectionCmd())

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		cancel()
		os.Exit(1)
	}
}
