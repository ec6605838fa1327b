package main

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/devblac/event-relay/internal/event"
	"github.com/spf13/cobra"
)

var (
	exportFormat string
	exportLimit  int
	exportOut    string
)

func init() {
	exportCmd.Flags().StringVar(&exportFormat, "format", "json", "Output format: json or csv")
	exportCmd.Flags().IntVar(&exportLimit, "limit", 1000, "Maximum number of events, newest first")
	exportCmd.Flags().StringVarP(&exportOut, "out", "o", "", "Write to file instead of stdout")
}

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export stored events as json or csv",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, _, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		events, err := store.Events(cmd.Context(), exportLimit)
		if err != nil {
			return fmt.Errorf("read events: %w", err)
		}

		out := cmd.OutOrStdout()
		if exportOut != "" {
			f, err := os.Create(exportOut)
			if err != nil {
				return fmt.Errorf("create %s: %w", exportOut, err)
			}
			defer f.Close()
			out = f
		}
		return writeEvents(out, exportFormat, events)
	},
}

var csvHeader = []string{
	"name", "filter_id", "node", "address", "signature", "status", "block_number",
	"block_hash", "tx_hash", "log_index", "correlation_id", "timestamp", "params",
}

func writeEvents(w io.Writer, format string, events []event.Occurrence) error {
	switch strings.ToLower(format) {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(events)
	case "csv":
		cw := csv.NewWriter(w)
		if err := cw.Write(csvHeader); err != nil {
			return err
		}
		for _, o := range events {
			params, err := json.Marshal(o.Params)
			if err != nil {
				return fmt.Errorf("encode params of %s: %w", o.Key(), err)
			}
			if err := cw.Write([]string{
				o.Name, o.FilterID, o.Node, o.Address, o.Signature, string(o.Status),
				strconv.FormatUint(o.BlockNumber, 10), o.BlockHash, o.TxHash,
				strconv.FormatUint(o.LogIndex, 10), o.CorrelationID,
				o.Timestamp.UTC().Format(time.RFC3339), string(params),
			}); err != nil {
				return err
			}
		}
		cw.Flush()
		return cw.Error()
	default:
		return fmt.Errorf("unsupported format %q (json or csv)", format)
	}
}
