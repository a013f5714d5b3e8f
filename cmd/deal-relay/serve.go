// ABOUTME: serve command that loads configuration and runs the relay gateway
// ABOUTME: Prints a startup banner before handing control to the gateway

package main

import (
	"fmt"
	"io"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/2389/deal-relay/internal/config"
	"github.com/2389/deal-relay/internal/gateway"
)

const banner = `
     _            _                 _
  __| | ___  __ _| |      _ __ ___ | | __ _ _   _
 / _' |/ _ \/ _' | |_____| '__/ _ \| |/ _' | | | |
| (_| |  __/ (_| | |_____| | |  __/| | (_| | |_| |
 \__,_|\___|\__,_|_|     |_|  \___||_|\__,_|\__, |
                                            |___/
`

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the relay server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath := config.ResolvePath(opts.configPath)

			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}

			printStartup(cmd.OutOrStdout(), configPath, cfg)

			logger := setupLogger(cfg.Logging, cmd.OutOrStdout())
			logger.Info("starting deal-relay",
				"config", configPath,
				"http_addr", cfg.Server.HTTPAddr,
				"engine", cfg.Engine.BaseURL,
				"store", cfg.Database.Driver,
			)

			gw, err := gateway.New(cfg, logger)
			if err != nil {
				return fmt.Errorf("creating gateway: %w", err)
			}

			return gw.Run(cmd.Context())
		},
	}
}

func printStartup(w io.Writer, configPath string, cfg *config.Config) {
	cyan := color.New(color.FgCyan)
	gray := color.New(color.FgHiBlack)
	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	cyan.Fprint(w, banner)
	gray.Fprintf(w, "    version: %s\n\n", version)

	line := func(label, value string) {
		green.Fprint(w, "    ▶ ")
		fmt.Fprintf(w, "%-10s %s\n", label+":", value)
	}
	line("Config", configPath)
	line("HTTP", cfg.Server.HTTPAddr)
	line("Engine", cfg.Engine.BaseURL+cfg.Engine.OrchestratorPath)
	line("Callback", cfg.Callback.BaseURL)

	store := cfg.Database.Driver
	if cfg.Database.Path != "" {
		store += " " + cfg.Database.Path
	}
	line("Store", store)

	if cfg.Retention.MaxAge > 0 {
		line("Retention", cfg.Retention.MaxAge.String())
	} else {
		green.Fprint(w, "    ▶ ")
		fmt.Fprintf(w, "%-10s ", "Retention:")
		yellow.Fprintln(w, "disabled")
	}
	fmt.Fprintln(w)
}
