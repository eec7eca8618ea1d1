// Package tracker bridges the exchange's stateless "current open orders"
// snapshot into discrete fill/cancel events.
//
// The exchange never tells us directly that a resting order filled; it
// only stops listing it among the open orders. The tracker therefore
// treats confirmed absence from a snapshot as a fill, except for orders
// we cancelled ourselves, which must be marked via MarkCancelled before
// the next Reconcile runs.
package tracker

import (
	"sync"
	"time"

	"grid-engine-go/internal/models"

	"go.uber.org/zap"
)

// Metadata describes the order at the time it was placed.
type Metadata struct {
	Symbol   string
	Side     models.Side
	Price    float64
	Quantity float64
}

// Event is a terminal transition of a tracked order.
type Event struct {
	OrderID int64
	Meta    Metadata
	Status  models.OrderStatus // filled or cancelled
	At      time.Time
}

// Callback is invoked when a tracked order reaches a terminal state.
type Callback func(Event)

type trackedOrder struct {
	meta      Metadata
	callback  Callback
	trackedAt time.Time
}

// Tracker maintains the set of orders a grid believes are resting on
// the exchange. An order is removed from the set the instant it
// transitions, so a fill is processed exactly once even when the same
// absence is observed in two consecutive snapshots.
type Tracker struct {
	mu     sync.Mutex
	orders map[int64]*trackedOrder
	logger *zap.SugaredLogger
}

// New creates an empty Tracker.
func New(logger *zap.SugaredLogger) *Tracker {
	return &Tracker{
		orders: make(map[int64]*trackedOrder),
		logger: logger,
	}
}

// Track registers a newly placed order. It has no side effects besides
// bookkeeping; callback may be nil.
func (t *Tracker) Track(orderID int64, meta Metadata, callback Callback) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.orders[orderID] = &trackedOrder{
		meta:      meta,
		callback:  callback,
		trackedAt: time.Now(),
	}
}

// Len returns the number of orders currently tracked.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.orders)
}

// TrackedIDs returns the ids of all currently tracked orders.
func (t *Tracker) TrackedIDs() []int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	ids := make([]int64, 0, len(t.orders))
	for id := range t.orders {
		ids = append(ids, id)
	}
	return ids
}

// Reconcile takes the exchange's current snapshot of still-open order
// ids and marks every tracked order NOT present in it as filled. The
// newly transitioned events are returned in no particular order.
//
// Callers must not invoke Reconcile with data from a failed snapshot
// fetch; skipping a cycle is always safe, inferring fills from a
// failure is not.
func (t *Tracker) Reconcile(openOrderIDs []int64) []Event {
	open := make(map[int64]bool, len(openOrderIDs))
	for _, id := range openOrderIDs {
		open[id] = true
	}

	type transition struct {
		ev Event
		cb Callback
	}

	t.mu.Lock()
	var transitions []transition
	now := time.Now()
	for id, ord := range t.orders {
		if open[id] {
			continue
		}
		delete(t.orders, id)
		transitions = append(transitions, transition{
			ev: Event{OrderID: id, Meta: ord.meta, Status: models.OrderStatusFilled, At: now},
			cb: ord.callback,
		})
	}
	t.mu.Unlock()

	// Callbacks run outside the lock so they can call back into the
	// tracker (e.g. Track a compensating order) without deadlocking.
	events := make([]Event, 0, len(transitions))
	for _, tr := range transitions {
		t.dispatch(tr.ev, tr.cb)
		events = append(events, tr.ev)
	}
	return events
}

// MarkCancelled records an authoritative local cancel. The order is
// removed from the tracked set so a later Reconcile cannot misreport it
// as filled.
func (t *Tracker) MarkCancelled(orderID int64) {
	t.mu.Lock()
	order, ok := t.orders[orderID]
	if ok {
		delete(t.orders, orderID)
	}
	t.mu.Unlock()

	if !ok {
		return
	}
	t.dispatch(Event{
		OrderID: orderID,
		Meta:    order.meta,
		Status:  models.OrderStatusCancelled,
		At:      time.Now(),
	}, order.callback)
}

// dispatch invokes the callback synchronously. A panicking callback
// must not abort reconciliation of the remaining orders.
func (t *Tracker) dispatch(ev Event, cb Callback) {
	if cb == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			t.logger.Errorf("order callback panicked for order %d: %v", ev.OrderID, r)
		}
	}()
	cb(ev)
}
