package chain

import (
	"fmt"
	"sort"
)

// Network binds a node to its reader.
type Network struct {
	Node   Node
	Reader Reader
}

// Networks indexes configured networks by node name.
type Networks map[string]Network

// Lookup returns the network for name or ErrNotFound.
func (n Networks) Lookup(name string) (Network, error) {
	nw, ok := n[name]
	if !ok {
		return Network{}, fmt.Errorf("node %q: %w", name, ErrNotFound)
	}
	return nw, nil
}

// Names returns node names in a stable order.
func (n Networks) Names() []string {
	out := make([]string, 0, len(n))
	for name := range n {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
