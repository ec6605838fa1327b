package health

import (
	"context"
	"errors"
	"fmt"

	"github.com/devblac/event-relay/internal/chain"
)

// RPCChecker pings every configured node by reading its head.
type RPCChecker struct {
	networks chain.Networks
}

// NewRPCChecker creates a checker over the configured networks.
func NewRPCChecker(networks chain.Networks) *RPCChecker {
	return &RPCChecker{networks: networks}
}

// Ping reports every node whose head could not be read.
func (c *RPCChecker) Ping(ctx context.Context) error {
	var errs []error
	for _, name := range c.networks.Names() {
		if _, err := c.networks[name].Reader.CurrentHead(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s node %s: %w", c.networks[name].Node.Kind, name, err))
		}
	}
	return errors.Join(errs...)
}
