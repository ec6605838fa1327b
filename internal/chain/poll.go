package chain

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/event"
)

const defaultPollChunk = 1000

// LogFetcher is the subset of Reader needed to tail logs by polling.
type LogFetcher interface {
	CurrentHead(ctx context.Context) (uint64, error)
	MatchingLogs(ctx context.Context, q LogQuery, from, to uint64) ([]RawLog, error)
}

// PollLogs tails logs matching q from block from onward, fetching at most chunk blocks per call.
// The subscription ends with the first fetch error; Unsubscribe or ctx cancellation end it cleanly.
func PollLogs(ctx context.Context, src LogFetcher, q LogQuery, from uint64, interval time.Duration, chunk uint64, sink chan<- RawLog) Subscription {
	if chunk == 0 {
		chunk = defaultPollChunk
	}
	if interval <= 0 {
		interval = time.Second
	}
	return event.NewSubscription(func(quit <-chan struct{}) error {
		next := from
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			head, err := src.CurrentHead(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
			for next <= head {
				to := next + chunk - 1
				if to > head {
					to = head
				}
				logs, err := src.MatchingLogs(ctx, q, next, to)
				if err != nil {
					if ctx.Err() != nil {
						return nil
					}
					return err
				}
				for _, lg := range logs {
					select {
					case sink <- lg:
					case <-quit:
						return nil
					case <-ctx.Done():
						return nil
					}
				}
				next = to + 1
			}

			select {
			case <-ticker.C:
			case <-quit:
				return nil
			case <-ctx.Done():
				return nil
			}
		}
	})
}
