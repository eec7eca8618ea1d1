package engine

import "errors"

// User-facing error taxonomy. Parameter errors are rejected at
// CreateGrid and never reach a running grid; price availability is only
// fatal to start; unknown ids surface ErrGridNotFound from every
// operation. Transient gateway failures inside a monitor cycle are not
// part of this set: the cycle logs them and retries next tick.
var (
	ErrInvalidRange     = errors.New("upper price must be greater than lower price")
	ErrInvalidGridCount = errors.New("number of grids must be at least 2")
	ErrPriceUnavailable = errors.New("could not determine current price")
	ErrGridNotFound     = errors.New("grid not found")
	ErrGridNotStartable = errors.New("grid cannot be started from its current state")
)
