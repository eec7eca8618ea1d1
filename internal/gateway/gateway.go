package gateway

import "grid-engine-go/internal/models"

// Gateway 定义了网格引擎所依赖的交易所操作。
// 引擎只关心这几个逻辑操作，具体的签名、协议细节都封装在实现里。
type Gateway interface {
	// GetPrice 返回交易对的当前价格（最新成交价或中间价）。
	GetPrice(symbol string) (float64, error)
	// GetBidAsk 返回最优买一/卖一价，用于 GetPrice 失败时的兜底。
	GetBidAsk(symbol string) (bid, ask float64, err error)
	// PlaceLimitOrder 挂一个限价单，返回交易所分配的订单ID。
	PlaceLimitOrder(symbol string, side models.Side, price, quantity float64, isPerp bool, leverage int) (int64, error)
	// CancelOrder 取消指定订单。
	CancelOrder(symbol string, orderID int64) error
	// GetOpenOrders 返回该交易对当前所有挂单的订单ID。
	GetOpenOrders(symbol string) ([]int64, error)
}
