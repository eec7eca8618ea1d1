package models

import "time"

// Side is the direction of an order.
type Side string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

// GridStatus is the lifecycle state of a grid strategy.
// Transitions are one-way: created -> active -> stopped|error.
type GridStatus string

const (
	GridStatusCreated GridStatus = "created"
	GridStatusActive  GridStatus = "active"
	GridStatusStopped GridStatus = "stopped"
	GridStatusError   GridStatus = "error"
)

// OrderStatus is the state of a single grid order.
type OrderStatus string

const (
	OrderStatusOpen      OrderStatus = "open"
	OrderStatusFilled    OrderStatus = "filled"
	OrderStatusCancelled OrderStatus = "cancelled"
)

// GridOrder is one resting (or formerly resting) order owned by a grid.
// The exchange assigns the OrderID; Price is always one of the grid's
// discrete levels.
type GridOrder struct {
	OrderID  int64       `json:"order_id"`
	Price    float64     `json:"price"`
	Quantity float64     `json:"quantity"`
	Side     Side        `json:"side"`
	Status   OrderStatus `json:"status"`
	FilledAt *time.Time  `json:"filled_at,omitempty"`
}

// GridParams holds the user-supplied parameters of a grid strategy.
// They are immutable after creation except for the exit thresholds,
// which ModifyGrid may replace.
type GridParams struct {
	Symbol          string   `json:"symbol"`
	UpperPrice      float64  `json:"upper_price"`
	LowerPrice      float64  `json:"lower_price"`
	NumGrids        int      `json:"num_grids"`
	TotalInvestment float64  `json:"total_investment"`
	IsPerp          bool     `json:"is_perp"`
	Leverage        int      `json:"leverage"`
	TakeProfitPct   *float64 `json:"take_profit_pct,omitempty"`
	StopLossPct     *float64 `json:"stop_loss_pct,omitempty"`
}

// GridSnapshot is a point-in-time copy of a grid's full state. It is
// what GetStatus and ListGrids return, and the unit persisted to the
// registry store. Snapshots never alias the live grid's slices.
type GridSnapshot struct {
	ID            string      `json:"id"`
	Params        GridParams  `json:"params"`
	PriceInterval float64     `json:"price_interval"`
	Status        GridStatus  `json:"status"`
	Orders        []GridOrder `json:"orders"`
	FilledOrders  []GridOrder `json:"filled_orders"`
	ProfitLoss    float64     `json:"profit_loss"`
	CurrentPrice  float64     `json:"current_price"`
	Warning       string      `json:"warning,omitempty"`
	CreatedAt     time.Time   `json:"created_at"`
	UpdatedAt     time.Time   `json:"updated_at"`
}

// GridList groups snapshots by registry.
type GridList struct {
	Active    []*GridSnapshot `json:"active"`
	Completed []*GridSnapshot `json:"completed"`
}

// StartResult reports what startGrid accomplished.
type StartResult struct {
	PlacedBuyOrders  int     `json:"placed_buy_orders"`
	PlacedSellOrders int     `json:"placed_sell_orders"`
	CurrentPrice     float64 `json:"current_price"`
	Warning          string  `json:"warning,omitempty"`
}

// StopResult reports what stopGrid accomplished. AlreadyStopped is set
// when the grid had been stopped before the call; that is not an error.
type StopResult struct {
	CancelledOrders int     `json:"cancelled_orders"`
	TotalOrders     int     `json:"total_orders"`
	ProfitLoss      float64 `json:"profit_loss"`
	AlreadyStopped  bool    `json:"already_stopped,omitempty"`
}
