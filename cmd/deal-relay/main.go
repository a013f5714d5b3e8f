// ABOUTME: Entry point for the deal-relay server and its operator commands
// ABOUTME: Builds the cobra command tree and runs it under a signal-aware context

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// version is overridden at build time with -ldflags "-X main.version=v1.2.3".
var version = "dev"

// rootOptions holds the persistent flags shared by every subcommand
type rootOptions struct {
	configPath string
	addr       string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:   "deal-relay",
		Short: "Relay chat clients to workflow engine agents",
		Long: `deal-relay sits between browser chat clients and a workflow engine.

It dispatches chat messages to the engine's orchestrator webhook, accepts the
engine's result callbacks, keeps per-deal transaction state and pushes results
back to every client watching the conversation.

Quick Start:
  deal-relay init            # write a config file
  deal-relay serve           # run the relay
  deal-relay agents          # list agents known to a running relay
  deal-relay transactions    # list deals tracked by a running relay`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "",
		"config file (default $DEAL_RELAY_CONFIG or ~/.config/deal-relay/relay.yaml)")
	root.PersistentFlags().StringVar(&opts.addr, "addr", "",
		"relay address for client commands (default from config http_addr)")
	root.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	root.AddCommand(
		newServeCmd(opts),
		newInitCmd(opts),
		newHealthCmd(opts),
		newAgentsCmd(opts),
		newTransactionsCmd(opts),
	)
	return root
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
