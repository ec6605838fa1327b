package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/devblac/event-relay/internal/config"
	"github.com/devblac/event-relay/internal/event"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var filtersCmd = &cobra.Command{
	Use:   "filters",
	Short: "Manage persisted filters",
}

var (
	addID         string
	addNode       string
	addContract   string
	addEvent      string
	addStartBlock int64
	addWhere      []string
)

func init() {
	filtersAddCmd.Flags().StringVar(&addID, "id", "", "Filter id (generated when empty)")
	filtersAddCmd.Flags().StringVar(&addNode, "node", "", "Node name")
	filtersAddCmd.Flags().StringVar(&addContract, "contract", "", "Contract address or application id")
	filtersAddCmd.Flags().StringVar(&addEvent, "event", "", "Event signature, e.g. Transfer(address,address,uint256)")
	filtersAddCmd.Flags().Int64Var(&addStartBlock, "start-block", -1, "Backfill from this block")
	filtersAddCmd.Flags().StringArrayVar(&addWhere, "where", nil, "Predicate on decoded params (repeatable)")

	filtersCmd.AddCommand(filtersListCmd, filtersAddCmd, filtersRemoveCmd)
}

var filtersListCmd = &cobra.Command{
	Use:   "list",
	Short: "Print persisted filters as JSON",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, _, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		filters, err := store.Filters().FindAll(cmd.Context())
		if err != nil {
			return err
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(filters)
	},
}

var filtersAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Persist a filter; it is subscribed on the next run",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, cfg, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		f, err := buildFilter(cfg)
		if err != nil {
			return err
		}
		if err := store.Filters().Save(cmd.Context(), f); err != nil {
			return fmt.Errorf("save filter: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "filter %s saved\n", f.ID)
		return nil
	},
}

var filtersRemoveCmd = &cobra.Command{
	Use:   "remove <id>",
	Short: "Delete a persisted filter",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, _, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		if err := store.Filters().DeleteByID(cmd.Context(), args[0]); err != nil {
			return fmt.Errorf("remove filter: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "filter %s removed\n", args[0])
		return nil
	},
}

// buildFilter validates the add flags against the configured nodes.
func buildFilter(cfg *config.Config) (event.Filter, error) {
	cf := config.Filter{
		ID:       addID,
		Node:     addNode,
		Contract: addContract,
		Event:    addEvent,
		Where:    addWhere,
	}
	if addStartBlock >= 0 {
		start := uint64(addStartBlock)
		cf.StartBlock = &start
	}
	nodes := map[string]struct{}{}
	for _, n := range cfg.Nodes {
		nodes[n.Name] = struct{}{}
	}
	if err := cf.Validate(nodes); err != nil {
		return event.Filter{}, err
	}
	if !strings.Contains(cf.Event, "(") {
		return event.Filter{}, errors.New("event must be a full signature, e.g. Transfer(address,address,uint256)")
	}
	f := cf.EventFilter()
	if f.ID == "" {
		f.ID = uuid.NewString()
	}
	return f, nil
}
