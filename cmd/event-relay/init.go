package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var initForce bool

func init() {
	initCmd.Flags().BoolVar(&initForce, "force", false, "Overwrite an existing config file")
}

const sampleConfig = `version: 1
storage:
  driver: sqlite
  path: ./event-relay.db
retry:
  max_attempts: 5
  initial_interval: 500ms
  max_interval: 30s
backfill:
  chunk_size: 2000
  concurrency: 4
broadcaster:
  type: log
  cache_expiration: 5m
  cache_size: 10000
  publish_blocks: false
nodes:
  - name: mainnet
    kind: evm
    rpc_url: ${ETH_RPC_URL}
    confirmations: 12
    replay_depth: 12
    max_blocks_to_sync: 20000
    poll_interval: 4s
    abi_dirs: [./abis]
filters:
  - id: usdc-transfers
    node: mainnet
    contract: "0xa0b86991c6218b36c1d19d4a2e9eb0ce3606eb48"
    event: Transfer(address,address,uint256)
    where: ["value > 1000000000"]
`

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a sample config file",
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := os.Stat(cfgPath); err == nil && !initForce {
			return fmt.Errorf("%s already exists (use --force to overwrite)", cfgPath)
		} else if err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
		if err := os.WriteFile(cfgPath, []byte(sampleConfig), 0o644); err != nil {
			return fmt.Errorf("write %s: %w", cfgPath, err)
		}
		if err := os.MkdirAll("abis", 0o755); err != nil {
			return fmt.Errorf("create abis dir: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "wrote %s; set ETH_RPC_URL and run `event-relay validate`\n", cfgPath)
		return nil
	},
}
