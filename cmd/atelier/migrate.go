package main

import (
	"fmt"

	"github.com/spf13/cobra"

	appconfig "github.com/atelier-ai/atelier/config"
	"github.com/atelier-ai/atelier/internal/server"
)

var (
	migrateDir   string
	migrateSteps int
)

var migrateCmd = &cobra.Command{
	Use:   "migrate [up|down]",
	Short: "Apply database migrations",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		direction := args[0]
		if direction != "up" && direction != "down" {
			return fmt.Errorf("direction must be up or down, got %q", direction)
		}
		cfg := appconfig.LoadConfig(configPath)
		return server.Migrate(migrateDir, cfg.Storage.Postgres.DSN(), direction, migrateSteps)
	},
}

func init() {
	migrateCmd.Flags().StringVar(&migrateDir, "dir", "file://migrations", "migrations source directory")
	migrateCmd.Flags().IntVar(&migrateSteps, "steps", 0, "number of steps (0 applies all)")
}
