package event

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/devblac/event-relay/internal/chain"
)

// IsExisting reports whether the store already holds o's natural key with the same
// status or a terminal one, in which case writing o carries no new information.
func IsExisting(ctx context.Context, s Store, o Occurrence) (bool, error) {
	stored, ok, err := s.Find(ctx, o.Key())
	if err != nil {
		return false, fmt.Errorf("lookup %s: %w", o.Key(), err)
	}
	if !ok {
		return false, nil
	}
	return stored.Status == o.Status || stored.Status.Terminal(), nil
}

// NotifyListenersStrict hands o to each listener in order and stops at the first failure,
// which is logged and returned. Remaining listeners are not called for o.
func NotifyListenersStrict(ctx context.Context, log *slog.Logger, listeners []Listener, o Occurrence) error {
	for _, l := range listeners {
		if err := l.OnEvent(ctx, o); err != nil {
			log.Error("event listener failed", "filter", o.FilterID, "tx", o.TxHash, "status", o.Status, "error", err)
			return err
		}
	}
	return nil
}

// NotifyBlockListenersIsolated hands b to every listener. Failures are logged and do not
// stop delivery to the remaining listeners.
func NotifyBlockListenersIsolated(ctx context.Context, log *slog.Logger, listeners []BlockListener, b chain.Block) {
	for _, l := range listeners {
		if err := l.OnBlock(ctx, b); err != nil {
			log.Error("block listener failed", "node", b.Node, "block", b.Number, "error", err)
		}
	}
}
