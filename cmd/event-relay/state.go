package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/devblac/event-relay/internal/config"
	"github.com/devblac/event-relay/internal/storage"
	"github.com/spf13/cobra"
)

var stateCmd = &cobra.Command{
	Use:   "state",
	Short: "Show node cursors and persisted filters",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, _, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		ctx := cmd.Context()
		cursors, err := store.Cursors(ctx)
		if err != nil {
			return fmt.Errorf("read cursors: %w", err)
		}
		filters, err := store.Filters().FindAll(ctx)
		if err != nil {
			return fmt.Errorf("read filters: %w", err)
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "NODE\tBLOCK\tHASH\tUPDATED")
		for _, c := range cursors {
			fmt.Fprintf(w, "%s\t%d\t%s\t%s\n", c.Node, c.Height, c.Hash, c.UpdatedAt.Format(time.RFC3339))
		}
		fmt.Fprintln(w)
		fmt.Fprintln(w, "FILTER\tNODE\tCONTRACT\tEVENT\tSTART")
		for _, f := range filters {
			start := "-"
			if f.StartBlock != nil {
				start = fmt.Sprint(*f.StartBlock)
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", f.ID, f.Node, f.Address, f.Signature, start)
		}
		return w.Flush()
	},
}

// openStore loads the config and opens its storage backend.
func openStore() (storage.Backend, *config.Config, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	store, err := storage.Open(cfg.Storage)
	if err != nil {
		return nil, nil, fmt.Errorf("open storage: %w", err)
	}
	return store, cfg, nil
}
