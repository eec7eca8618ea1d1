package engine

import (
	"fmt"
	"math"
	"sync"
	"time"

	"grid-engine-go/internal/gateway"
	"grid-engine-go/internal/models"
	"grid-engine-go/internal/tracker"

	"go.uber.org/zap"
)

// Grid is one price-laddered strategy instance for one symbol. It owns
// its order ladder, fill history and running P&L, and advances through
// a one-way state machine: created -> active -> stopped|error.
//
// Concurrency discipline: while the grid is active, only its monitor
// worker mutates orders/filledOrders. Stop flips a cooperative flag and
// waits for the worker to exit before cancelling what is left; the
// per-grid mutex covers the brief bookkeeping around gateway calls,
// never the calls themselves.
type Grid struct {
	id string

	mu            sync.Mutex
	params        models.GridParams
	priceInterval float64
	status        models.GridStatus
	orders        []*models.GridOrder
	filledOrders  []models.GridOrder
	profitLoss    float64
	currentPrice  float64
	quantity      float64 // fixed per-level quantity, computed once at start
	warning       string
	createdAt     time.Time
	updatedAt     time.Time

	starting      bool
	stopRequested bool
	stopCh        chan struct{} // created by Start, closed by requestStop
	doneCh        chan struct{} // closed by the monitor worker on exit

	gw     gateway.Gateway
	trk    *tracker.Tracker
	logger *zap.SugaredLogger
}

// newGrid validates the parameters and computes the derived fields.
// The price interval is computed exactly once and never mutated.
func newGrid(id string, params models.GridParams, gw gateway.Gateway, logger *zap.SugaredLogger) (*Grid, error) {
	if params.UpperPrice <= params.LowerPrice {
		return nil, fmt.Errorf("%w: upper=%v lower=%v", ErrInvalidRange, params.UpperPrice, params.LowerPrice)
	}
	if params.NumGrids < 2 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidGridCount, params.NumGrids)
	}
	if params.Leverage <= 0 {
		params.Leverage = 1
	}

	now := time.Now()
	return &Grid{
		id:            id,
		params:        params,
		priceInterval: (params.UpperPrice - params.LowerPrice) / float64(params.NumGrids-1),
		status:        models.GridStatusCreated,
		createdAt:     now,
		updatedAt:     now,
		gw:            gw,
		trk:           tracker.New(logger),
		logger:        logger,
	}, nil
}

// newGridFromSnapshot rebuilds a grid from a persisted snapshot.
func newGridFromSnapshot(snap *models.GridSnapshot, gw gateway.Gateway, logger *zap.SugaredLogger) *Grid {
	g := &Grid{
		id:            snap.ID,
		params:        snap.Params,
		priceInterval: snap.PriceInterval,
		status:        snap.Status,
		profitLoss:    snap.ProfitLoss,
		currentPrice:  snap.CurrentPrice,
		warning:       snap.Warning,
		createdAt:     snap.CreatedAt,
		updatedAt:     snap.UpdatedAt,
		gw:            gw,
		trk:           tracker.New(logger),
		logger:        logger,
	}
	for i := range snap.Orders {
		order := snap.Orders[i]
		g.orders = append(g.orders, &order)
	}
	g.filledOrders = append(g.filledOrders, snap.FilledOrders...)
	return g
}

// ID returns the immutable grid id.
func (g *Grid) ID() string { return g.id }

// Status returns the current lifecycle state.
func (g *Grid) Status() models.GridStatus {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.status
}

// levels returns the discrete ladder prices, lowest first.
func (g *Grid) levels() []float64 {
	levels := make([]float64, g.params.NumGrids)
	for i := range levels {
		levels[i] = g.params.LowerPrice + float64(i)*g.priceInterval
	}
	return levels
}

// Start transitions created -> active: it fetches the current price,
// seeds the ladder with buy orders strictly below it, and arms the
// stop/done channels for the monitor worker. No sell orders are placed
// at start time; sells only appear as the compensating leg of a filled
// buy, so the strategy never shorts inventory it does not hold.
//
// Individual placement failures are logged and skipped; the grid still
// activates with whatever subset succeeded. Only a missing price is
// fatal, in which case the grid stays created and Start may be retried.
//
// A stop that arrives while Start is still seeding wins: Start stops
// placing, cancels whatever it already placed and never activates, so a
// successful stop can never leave orders resting behind it.
func (g *Grid) Start() (*models.StartResult, error) {
	g.mu.Lock()
	if g.status != models.GridStatusCreated || g.starting {
		status := g.status
		g.mu.Unlock()
		return nil, fmt.Errorf("grid %s is %s: %w", g.id, status, ErrGridNotStartable)
	}
	g.starting = true
	g.mu.Unlock()

	price, err := g.fetchPrice()
	if err != nil {
		g.mu.Lock()
		g.starting = false
		g.mu.Unlock()
		return nil, err
	}

	var warning string
	if price < g.params.LowerPrice || price > g.params.UpperPrice {
		warning = fmt.Sprintf("current price %v is outside grid range [%v, %v]",
			price, g.params.LowerPrice, g.params.UpperPrice)
		g.logger.Warnf("grid %s: %s", g.id, warning)
	}

	quantity := g.perLevelQuantity(price)

	placedBuys, eligible := 0, 0
	for _, level := range g.levels() {
		if level >= price {
			continue
		}
		if g.stopRequestedNow() {
			break
		}
		eligible++
		orderID, err := g.gw.PlaceLimitOrder(g.params.Symbol, models.Buy, level, quantity, g.params.IsPerp, g.params.Leverage)
		if err != nil {
			g.logger.Warnf("grid %s: placing buy order at %v failed, level skipped: %v", g.id, level, err)
			continue
		}
		g.addOpenOrder(orderID, models.Buy, level, quantity)
		placedBuys++
	}

	if aborted, err := g.abortStartIfStopped(); aborted {
		return nil, err
	}

	if eligible > 0 && placedBuys == 0 {
		// Not one level could be seeded: the grid is unusable.
		g.mu.Lock()
		g.status = models.GridStatusError
		g.starting = false
		g.updatedAt = time.Now()
		g.mu.Unlock()
		return nil, fmt.Errorf("grid %s: all %d buy order placements failed", g.id, eligible)
	}

	g.mu.Lock()
	if g.stopRequested {
		g.mu.Unlock()
		_, err := g.abortStartIfStopped()
		return nil, err
	}
	g.currentPrice = price
	g.quantity = quantity
	g.warning = warning
	g.status = models.GridStatusActive
	g.starting = false
	g.stopCh = make(chan struct{})
	g.doneCh = make(chan struct{})
	g.updatedAt = time.Now()
	g.mu.Unlock()

	g.logger.Infof("grid %s started with %d buy orders, quantity %v per level, current price %v",
		g.id, placedBuys, quantity, price)

	return &models.StartResult{
		PlacedBuyOrders: placedBuys,
		CurrentPrice:    price,
		Warning:         warning,
	}, nil
}

// stopRequestedNow reports whether a stop arrived while Start is still
// seeding the ladder.
func (g *Grid) stopRequestedNow() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.stopRequested
}

// abortStartIfStopped undoes a partial seeding when a stop raced the
// start: the seeded orders are cancelled and the grid stays in the
// terminal state the stop left it in, instead of activating a monitor
// worker nobody can stop anymore.
func (g *Grid) abortStartIfStopped() (bool, error) {
	g.mu.Lock()
	if !g.stopRequested {
		g.mu.Unlock()
		return false, nil
	}
	g.starting = false
	g.updatedAt = time.Now()
	g.mu.Unlock()

	cancelled, total := g.cancelOpenOrders()
	g.logger.Warnf("grid %s: stop requested during start, activation aborted, cancelled %d/%d seeded orders",
		g.id, cancelled, total)
	return true, fmt.Errorf("grid %s was stopped during start: %w", g.id, ErrGridNotStartable)
}

// fetchPrice asks the gateway for the current price, falling back to
// the best-bid/best-ask average when the direct quote is unavailable.
func (g *Grid) fetchPrice() (float64, error) {
	price, err := g.gw.GetPrice(g.params.Symbol)
	if err == nil && price > 0 {
		return price, nil
	}
	if err != nil {
		g.logger.Warnf("grid %s: price lookup failed, trying book ticker: %v", g.id, err)
	}

	bid, ask, err := g.gw.GetBidAsk(g.params.Symbol)
	if err != nil {
		return 0, fmt.Errorf("%w for %s: %v", ErrPriceUnavailable, g.params.Symbol, err)
	}
	switch {
	case bid > 0 && ask > 0:
		return (bid + ask) / 2, nil
	case bid > 0:
		return bid, nil
	case ask > 0:
		return ask, nil
	}
	return 0, fmt.Errorf("%w for %s", ErrPriceUnavailable, g.params.Symbol)
}

// perLevelQuantity derives the fixed per-level quantity from the total
// investment, floored to 5 decimals so it passes typical lot filters.
func (g *Grid) perLevelQuantity(price float64) float64 {
	perLevelValue := g.params.TotalInvestment / float64(g.params.NumGrids)
	quantity := math.Floor(perLevelValue/price*100000) / 100000
	if quantity <= 0 {
		quantity = 0.00001
	}
	return quantity
}

// addOpenOrder appends a new open order to the ladder and registers it
// with the lifecycle tracker.
func (g *Grid) addOpenOrder(orderID int64, side models.Side, price, quantity float64) {
	g.mu.Lock()
	g.orders = append(g.orders, &models.GridOrder{
		OrderID:  orderID,
		Price:    price,
		Quantity: quantity,
		Side:     side,
		Status:   models.OrderStatusOpen,
	})
	g.mu.Unlock()

	g.trk.Track(orderID, tracker.Metadata{
		Symbol:   g.params.Symbol,
		Side:     side,
		Price:    price,
		Quantity: quantity,
	}, nil)
}

// cycle performs one monitor pass: reconcile the exchange's open-order
// snapshot into fills, place compensating orders, recompute P&L and
// evaluate the exit thresholds. It returns a non-empty exit reason when
// a threshold was hit.
//
// A failed snapshot fetch skips the whole cycle: no fill is ever
// inferred from a failed fetch, and reconciliation is idempotent so the
// retry next tick is safe.
func (g *Grid) cycle() string {
	openIDs, err := g.gw.GetOpenOrders(g.params.Symbol)
	if err != nil {
		g.logger.Warnf("grid %s: open-order snapshot unavailable, skipping cycle: %v", g.id, err)
		return ""
	}

	// Opportunistic price refresh; purely informational.
	if price, perr := g.gw.GetPrice(g.params.Symbol); perr == nil && price > 0 {
		g.mu.Lock()
		g.currentPrice = price
		g.mu.Unlock()
	}

	if fills := g.trk.Reconcile(openIDs); len(fills) > 0 {
		g.applyFills(fills)
	}

	g.mu.Lock()
	g.recomputeProfitLossLocked()
	g.updatedAt = time.Now()
	pnl := g.profitLoss
	investment := g.params.TotalInvestment
	takeProfit := g.params.TakeProfitPct
	stopLoss := g.params.StopLossPct
	g.mu.Unlock()

	if takeProfit != nil && pnl >= investment*(*takeProfit)/100 {
		return "take-profit"
	}
	if stopLoss != nil && pnl <= -investment*(*stopLoss)/100 {
		return "stop-loss"
	}
	return ""
}

// applyFills marks the filled orders and places the compensating order
// on the opposite side one interval away, identical quantity. A filled
// buy begets a sell above it; a filled sell begets a buy below it.
func (g *Grid) applyFills(fills []tracker.Event) {
	type replacement struct {
		side     models.Side
		price    float64
		quantity float64
	}
	var replacements []replacement

	g.mu.Lock()
	for _, fill := range fills {
		order := g.findOpenOrderLocked(fill.OrderID)
		if order == nil {
			g.logger.Warnf("grid %s: fill for unknown or non-open order %d ignored", g.id, fill.OrderID)
			continue
		}
		filledAt := fill.At
		order.Status = models.OrderStatusFilled
		order.FilledAt = &filledAt
		g.filledOrders = append(g.filledOrders, *order)
		g.logger.Infof("grid %s: %s order %d filled at %v", g.id, order.Side, order.OrderID, order.Price)

		rep := replacement{side: models.Sell, price: order.Price + g.priceInterval, quantity: order.Quantity}
		if order.Side == models.Sell {
			rep = replacement{side: models.Buy, price: order.Price - g.priceInterval, quantity: order.Quantity}
		}
		if g.hasOpenOrderAtLocked(rep.price, rep.side) {
			// At most one open order per (level, side).
			g.logger.Warnf("grid %s: %s order already open at %v, not double-placing", g.id, rep.side, rep.price)
			continue
		}
		replacements = append(replacements, rep)
	}
	g.mu.Unlock()

	for _, rep := range replacements {
		g.placeReplacement(rep.side, rep.price, rep.quantity)
	}
}

// placeReplacement places a compensating order. Failure is not fatal:
// the level simply stays empty until an operator intervenes.
func (g *Grid) placeReplacement(side models.Side, price, quantity float64) {
	orderID, err := g.gw.PlaceLimitOrder(g.params.Symbol, side, price, quantity, g.params.IsPerp, g.params.Leverage)
	if err != nil {
		g.logger.Errorf("grid %s: placing compensating %s order at %v failed: %v", g.id, side, price, err)
		return
	}
	g.addOpenOrder(orderID, side, price, quantity)
	g.logger.Infof("grid %s: placed compensating %s order %d at %v", g.id, side, orderID, price)
}

func (g *Grid) findOpenOrderLocked(orderID int64) *models.GridOrder {
	for _, order := range g.orders {
		if order.OrderID == orderID && order.Status == models.OrderStatusOpen {
			return order
		}
	}
	return nil
}

// hasOpenOrderAtLocked reports whether an open order already rests at
// the given level and side. Seeded prices come from lower + i*interval
// while compensating prices are chained (price ± interval), so the two
// arithmetic paths can differ by a few ulps for non-representable
// intervals; prices within a tiny fraction of the interval denote the
// same level.
func (g *Grid) hasOpenOrderAtLocked(price float64, side models.Side) bool {
	tolerance := g.priceInterval * 1e-6
	for _, order := range g.orders {
		if order.Status == models.OrderStatusOpen && order.Side == side && math.Abs(order.Price-price) <= tolerance {
			return true
		}
	}
	return false
}

// recomputeProfitLossLocked recomputes the running P&L from the fill
// history alone: sells add revenue, buys subtract cost. It is a pure
// function of filledOrders, so recomputing on unchanged data is stable.
func (g *Grid) recomputeProfitLossLocked() {
	var pnl float64
	for _, filled := range g.filledOrders {
		if filled.Side == models.Sell {
			pnl += filled.Price * filled.Quantity
		} else {
			pnl -= filled.Price * filled.Quantity
		}
	}
	g.profitLoss = pnl
}

// requestStop flips the cooperative stop flag. The first caller gets
// true and owns the remainder of the shutdown sequence.
func (g *Grid) requestStop() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.stopRequested {
		return false
	}
	g.stopRequested = true
	if g.stopCh != nil {
		close(g.stopCh)
	}
	return true
}

// waitDone blocks until the monitor worker has exited or the timeout
// elapses. A grid that never started has no worker to wait for.
func (g *Grid) waitDone(timeout time.Duration) {
	g.mu.Lock()
	done := g.doneCh
	g.mu.Unlock()
	if done == nil {
		return
	}
	select {
	case <-done:
	case <-time.After(timeout):
		g.logger.Warnf("grid %s: monitor worker did not exit within %s, cancelling orders anyway", g.id, timeout)
	}
}

// cancelOpenOrders best-effort cancels every order still open. Callers
// must ensure the monitor worker has exited first.
func (g *Grid) cancelOpenOrders() (cancelled, total int) {
	g.mu.Lock()
	var open []*models.GridOrder
	for _, order := range g.orders {
		if order.Status == models.OrderStatusOpen {
			open = append(open, order)
		}
	}
	g.mu.Unlock()

	total = len(open)
	for _, order := range open {
		if err := g.gw.CancelOrder(g.params.Symbol, order.OrderID); err != nil {
			g.logger.Errorf("grid %s: cancelling order %d failed: %v", g.id, order.OrderID, err)
			continue
		}
		// Mark the local cancel before any reconcile could observe the
		// order's absence and misreport it as a fill.
		g.trk.MarkCancelled(order.OrderID)
		g.mu.Lock()
		order.Status = models.OrderStatusCancelled
		g.mu.Unlock()
		cancelled++
	}
	return cancelled, total
}

// setStopped freezes the grid in its terminal state. An error state is
// itself terminal and is not downgraded to stopped.
func (g *Grid) setStopped() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.status != models.GridStatusError {
		g.status = models.GridStatusStopped
	}
	g.updatedAt = time.Now()
}

// Modify replaces the exit thresholds without disturbing open orders.
// Nil fields are left untouched. It returns a description of what
// changed, empty when nothing did.
func (g *Grid) Modify(takeProfitPct, stopLossPct *float64) []string {
	g.mu.Lock()
	defer g.mu.Unlock()

	var changes []string
	if takeProfitPct != nil {
		value := *takeProfitPct
		g.params.TakeProfitPct = &value
		changes = append(changes, fmt.Sprintf("take_profit: %v%%", value))
	}
	if stopLossPct != nil {
		value := *stopLossPct
		g.params.StopLossPct = &value
		changes = append(changes, fmt.Sprintf("stop_loss: %v%%", value))
	}
	if len(changes) > 0 {
		g.updatedAt = time.Now()
	}
	return changes
}

// Snapshot returns a deep copy of the grid's state for safe concurrent
// reading. Presentation layers only ever see snapshots, never the live
// ladder.
func (g *Grid) Snapshot() *models.GridSnapshot {
	g.mu.Lock()
	defer g.mu.Unlock()

	snap := &models.GridSnapshot{
		ID:            g.id,
		Params:        g.params,
		PriceInterval: g.priceInterval,
		Status:        g.status,
		ProfitLoss:    g.profitLoss,
		CurrentPrice:  g.currentPrice,
		Warning:       g.warning,
		CreatedAt:     g.createdAt,
		UpdatedAt:     g.updatedAt,
	}
	if g.params.TakeProfitPct != nil {
		value := *g.params.TakeProfitPct
		snap.Params.TakeProfitPct = &value
	}
	if g.params.StopLossPct != nil {
		value := *g.params.StopLossPct
		snap.Params.StopLossPct = &value
	}
	snap.Orders = make([]models.GridOrder, 0, len(g.orders))
	for _, order := range g.orders {
		snap.Orders = append(snap.Orders, *order)
	}
	snap.FilledOrders = append([]models.GridOrder(nil), g.filledOrders...)
	return snap
}
