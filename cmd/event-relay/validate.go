package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/devblac/event-relay/internal/chain"
	"github.com/devblac/event-relay/internal/config"
	"github.com/spf13/cobra"
)

const pingTimeout = 8 * time.Second

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate config and ping every node",
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()

		cfg, err := config.Load(cfgPath)
		if err != nil {
			return fmt.Errorf("config invalid: %w", err)
		}
		fmt.Fprintf(out, "config OK (version %d)\n", cfg.Version)

		networks, _, err := openNetworks(cfg)
		if err != nil {
			return fmt.Errorf("validate: %w", err)
		}
		failures := pingNodes(cmd.Context(), out, networks)
		fmt.Fprintf(out, "filters: %d configured\n", len(cfg.Filters))

		if failures > 0 {
			return fmt.Errorf("validate: %d node(s) failed connectivity", failures)
		}
		fmt.Fprintln(out, "validate: success")
		return nil
	},
}

// pingNodes asks every node for its head through the same reader the relay runs
// with and reports one line per node. It returns the number of failed nodes.
func pingNodes(ctx context.Context, out io.Writer, networks chain.Networks) int {
	failures := 0
	for _, name := range networks.Names() {
		nw := networks[name]
		pctx, cancel := context.WithTimeout(ctx, pingTimeout)
		head, err := nw.Reader.CurrentHead(pctx)
		cancel()
		if err != nil {
			failures++
			fmt.Fprintf(out, "- node %s (%s): ERROR %v\n", name, nw.Node.Kind, err)
			continue
		}
		fmt.Fprintf(out, "- node %s (%s): head %d, confirmations %d OK\n", name, nw.Node.Kind, head, nw.Node.Confirmations)
	}
	return failures
}
