package chain

import "errors"

var (
	// ErrChainUnavailable signals a transient provider failure; callers may retry.
	ErrChainUnavailable = errors.New("chain unavailable")
	// ErrNotFound signals a missing filter, subscription, node or block.
	ErrNotFound = errors.New("not found")
	// ErrSubscriptionFailed signals that a live feed could not be established.
	ErrSubscriptionFailed = errors.New("subscription failed")
	// ErrInvalidConfiguration is fatal at startup.
	ErrInvalidConfiguration = errors.New("invalid configuration")
)
