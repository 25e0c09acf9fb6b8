// Command turbo-server runs the server with a reference route set that
// exercises every dispatch mode: static, standard, turbo with caching,
// compiled templates, file serving, and WebSocket sessions.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/searchktools/turbo-server/app"
	"github.com/searchktools/turbo-server/config"
)

// Overridden at build time via -ldflags.
var (
	version = "dev"
	commit  = "none"
)

func main() {
	root := &cobra.Command{
		Use:           "turbo-server",
		Short:         "Dual-protocol HTTP and WebSocket server with turbo dispatch",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(serveCommand(), versionCommand())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "turbo-server:", err)
		os.Exit(1)
	}
}

func versionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("turbo-server %s (%s)\n", version, commit)
		},
	}
}

func serveCommand() *cobra.Command {
	var (
		configPath string
		addr       string
		workers    int
		debug      bool
		staticDir  string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			// Flags beat both the file and the environment.
			if cmd.Flags().Changed("addr") {
				cfg.Addr = addr
			}
			if cmd.Flags().Changed("workers") {
				cfg.Workers = workers
			}
			if cmd.Flags().Changed("debug") {
				cfg.Debug = debug
			}
			cfg.Normalize()

			a, err := app.New(cfg)
			if err != nil {
				return err
			}
			if err := registerRoutes(a, staticDir); err != nil {
				return err
			}
			return a.Run()
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to a YAML config file")
	cmd.Flags().StringVar(&addr, "addr", ":8080", "listen address")
	cmd.Flags().IntVar(&workers, "workers", 0, "worker process count, 0 means one per CPU")
	cmd.Flags().BoolVar(&debug, "debug", false, "include handler errors in 500 bodies")
	cmd.Flags().StringVar(&staticDir, "static-dir", "", "serve files from this directory under /static")
	return cmd
}
