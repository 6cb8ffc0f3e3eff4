package main

import (
	"github.com/spf13/cobra"

	"github.com/sakif/cellrunner/internal/server"
)

var (
	portFlag    int
	backendFlag string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the execution API server",
	Long: `Start the HTTP server with the execution API, the WebSocket streaming
endpoint, the audit API and Prometheus metrics.

Examples:
  cellrunner serve
  cellrunner serve --port 9090 --backend process`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().IntVar(&portFlag, "port", 0, "Port to listen on (overrides config)")
	serveCmd.Flags().StringVar(&backendFlag, "backend", "", "Sandbox backend: docker or process (overrides config)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	if portFlag > 0 {
		cfg.Server.Port = portFlag
	}
	if backendFlag != "" {
		cfg.Sandbox.Backend = backendFlag
		if err := cfg.Validate(); err != nil {
			return err
		}
	}

	srv, err := server.New(cfg, logger)
	if err != nil {
		return err
	}
	// Start blocks until SIGINT or SIGTERM.
	return srv.Start()
}
