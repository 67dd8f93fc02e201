package main

import (
	"github.com/spf13/cobra"

	"github.com/atelier-ai/atelier/internal/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return server.Run(configPath)
	},
}
