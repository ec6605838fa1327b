package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/devblac/event-relay/internal/backfill"
	"github.com/devblac/event-relay/internal/broadcast"
	"github.com/devblac/event-relay/internal/chain"
	"github.com/devblac/event-relay/internal/config"
	"github.com/devblac/event-relay/internal/confirm"
	"github.com/devblac/event-relay/internal/engine"
	"github.com/devblac/event-relay/internal/event"
	"github.com/devblac/event-relay/internal/metrics"
	"github.com/devblac/event-relay/internal/node"
	"github.com/devblac/event-relay/internal/source/algorand"
	"github.com/devblac/event-relay/internal/source/evm"
	"github.com/devblac/event-relay/internal/storage"
	"github.com/devblac/event-relay/internal/subscription"
	"github.com/devblac/event-relay/internal/watermark"
)

// relay is the assembled engine for one run.
type relay struct {
	store    storage.Backend
	networks chain.Networks
	tracker  *confirm.Tracker
	feeds    *node.Feeds
	manager  *subscription.Manager
}

// openNetworks dials every configured node and builds its log decoder.
func openNetworks(cfg *config.Config) (chain.Networks, map[string]event.Factory, error) {
	networks := chain.Networks{}
	factories := map[string]event.Factory{}

	for _, n := range cfg.Nodes {
		cn := n.ChainNode()
		switch cn.Kind {
		case chain.KindEVM:
			cli, err := evm.NewRPCClient(n.RPCURL)
			if err != nil {
				return nil, nil, fmt.Errorf("node %s: %w", n.Name, err)
			}
			var stream evm.StreamClient
			if n.WSURL != "" {
				ws, err := evm.NewRPCClient(n.WSURL)
				if err != nil {
					return nil, nil, fmt.Errorf("node %s: %w", n.Name, err)
				}
				stream = ws
			}
			abis, err := evm.LoadABIs(n.ABIDirs)
			if err != nil {
				return nil, nil, fmt.Errorf("node %s: %w", n.Name, err)
			}
			networks[n.Name] = chain.Network{Node: cn, Reader: evm.NewReader(n.Name, cli, stream, evm.Options{
				PollInterval: n.Poll(),
				ChunkSize:    cfg.Backfill.Chunk(),
				RateLimit:    n.RateLimit,
			})}
			factories[n.Name] = evm.NewFactory(abis)
		case chain.KindMirror:
			algod, err := algorand.NewAlgodClient(n.AlgodURL, n.AlgodToken)
			if err != nil {
				return nil, nil, fmt.Errorf("node %s: %w", n.Name, err)
			}
			idx, err := algorand.NewIndexerClient(n.IndexerURL, n.IndexerToken)
			if err != nil {
				return nil, nil, fmt.Errorf("node %s: %w", n.Name, err)
			}
			networks[n.Name] = chain.Network{Node: cn, Reader: algorand.NewReader(n.Name, algod, idx, algorand.Options{
				PollInterval: n.Poll(),
				ChunkSize:    cfg.Backfill.Chunk(),
			})}
			factories[n.Name] = algorand.NewFactory()
		}
	}
	return networks, factories, nil
}

// newRelay wires storage, tracker, feeds and the subscription manager.
// With dryRun every payload goes to the log publisher instead of the configured transport.
func newRelay(cfg *config.Config, log *slog.Logger, mtr *metrics.Metrics, dryRun bool) (*relay, error) {
	networks, factories, err := openNetworks(cfg)
	if err != nil {
		return nil, err
	}

	store, err := storage.Open(cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}

	var pub *broadcast.Dedup
	if dryRun {
		pub = broadcast.NewDedup(broadcast.NewLogPublisher(log), broadcast.DedupOptions{
			Expiration:    cfg.Broadcaster.Expiration(),
			Size:          cfg.Broadcaster.Size(),
			PublishBlocks: cfg.Broadcaster.PublishBlocks,
			Metrics:       mtr,
		})
	} else {
		pub, err = broadcast.New(cfg.Broadcaster, log, mtr)
		if err != nil {
			_ = store.Close()
			return nil, err
		}
	}

	marks := watermark.NewStore()
	tracker := confirm.NewTracker(log, networks, store, mtr,
		engine.PersistListener(store),
		engine.WatermarkListener(marks),
		engine.BroadcastListener(pub),
	)
	proc := engine.NewProcessor(log, factories, tracker)

	initial, max := cfg.Retry.Intervals()
	retry := node.Retry{MaxAttempts: cfg.Retry.Attempts(), Initial: initial, Max: max}

	nodeCfg := map[string]config.Node{}
	for _, n := range cfg.Nodes {
		nodeCfg[n.Name] = n
	}
	var feeds []*node.Feed
	for _, name := range networks.Names() {
		feeds = append(feeds, node.NewFeed(log, networks[name], store, nodeCfg[name].Poll(), retry, mtr,
			tracker,
			engine.CursorListener(store),
			engine.BlockPublisher(pub),
			engine.BlockCounter(mtr),
		))
	}
	nodeFeeds := node.NewFeeds(feeds...)
	resolver := watermark.NewResolver(marks, store, networks)

	manager := subscription.NewManager(subscription.Options{
		Log:       log,
		Networks:  networks,
		Resolver:  resolver,
		Filters:   store.Filters(),
		Processor: proc,
		Backfill:  backfill.New(log, networks, marks, resolver, proc, cfg.Backfill.Chunk(), cfg.Backfill.Workers()),
		Feeds:     nodeFeeds,
		Notifier:  broadcast.NewNotifier(pub),
		Metrics:   mtr,
		Retry:     subscription.RetryPolicy{Initial: initial, Max: max},
	})

	return &relay{store: store, networks: networks, tracker: tracker, feeds: nodeFeeds, manager: manager}, nil
}

// filters returns the persisted filters overlaid with the configured ones.
func (r *relay) filters(ctx context.Context, cfg *config.Config) ([]event.Filter, error) {
	persisted, err := r.store.Filters().FindAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("load filters: %w", err)
	}
	configured := make([]event.Filter, 0, len(cfg.Filters))
	for _, f := range cfg.Filters {
		configured = append(configured, f.EventFilter())
	}
	return mergeFilters(persisted, configured), nil
}

// mergeFilters overlays configured on persisted. A configured filter without an id
// adopts the id of a persisted filter watching the same node, contract and event.
func mergeFilters(persisted, configured []event.Filter) []event.Filter {
	out := make([]event.Filter, 0, len(persisted)+len(configured))
	index := map[string]int{}
	identity := func(f event.Filter) string {
		return f.Node + "|" + event.NormalizeAddress(f.Address) + "|" + f.Signature
	}
	byIdentity := map[string]string{}
	for _, f := range persisted {
		index[f.ID] = len(out)
		byIdentity[identity(f)] = f.ID
		out = append(out, f)
	}
	for _, f := range configured {
		if f.ID == "" {
			f.ID = byIdentity[identity(f)]
		}
		if i, ok := index[f.ID]; ok && f.ID != "" {
			out[i] = f
			continue
		}
		if f.ID != "" {
			index[f.ID] = len(out)
		}
		out = append(out, f)
	}
	return out
}

// shutdown stops subscriptions, waits for the feeds and closes storage.
func (r *relay) shutdown(log *slog.Logger) {
	done := make(chan struct{})
	go func() {
		r.manager.Close()
		r.feeds.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		log.Warn("shutdown timed out waiting for feeds")
	}
	for _, name := range r.networks.Names() {
		if n := r.tracker.Pending(name); n > 0 {
			log.Info("unconfirmed occurrences left pending", "node", name, "count", n)
		}
	}
	if err := r.store.Close(); err != nil {
		log.Error("close storage", "error", err)
	}
}
