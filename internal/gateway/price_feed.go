package gateway

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10 // must be less than pongWait

	// 缓存价格的有效期，超过后 GetPrice 回退到REST查询
	priceStaleAfter = 10 * time.Second
)

type cachedPrice struct {
	price     float64
	updatedAt time.Time
}

// PriceFeed 维护每个交易对的 aggTrade WebSocket 订阅，
// 把最新成交价缓存在内存中供 RestGateway.GetPrice 使用。
// 连接断开后会自动重连。
type PriceFeed struct {
	wsBaseURL string
	logger    *zap.SugaredLogger

	mu         sync.Mutex
	prices     map[string]cachedPrice
	subscribed map[string]bool
	stopCh     chan struct{}
	stopped    bool
}

// NewPriceFeed 创建一个新的行情缓存。
func NewPriceFeed(wsBaseURL string, logger *zap.SugaredLogger) *PriceFeed {
	return &PriceFeed{
		wsBaseURL:  wsBaseURL,
		logger:     logger,
		prices:     make(map[string]cachedPrice),
		subscribed: make(map[string]bool),
		stopCh:     make(chan struct{}),
	}
}

// EnsureSubscribed 保证指定交易对的行情订阅已经启动。幂等。
func (f *PriceFeed) EnsureSubscribed(symbol string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stopped || f.subscribed[symbol] {
		return
	}
	f.subscribed[symbol] = true
	go f.streamLoop(symbol)
}

// LastPrice 返回缓存中足够新的价格。
func (f *PriceFeed) LastPrice(symbol string) (float64, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cached, ok := f.prices[symbol]
	if !ok || time.Since(cached.updatedAt) > priceStaleAfter {
		return 0, false
	}
	return cached.price, true
}

// Stop 停止所有订阅循环。
func (f *PriceFeed) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stopped {
		return
	}
	f.stopped = true
	close(f.stopCh)
}

// streamLoop 是一个守护循环，负责维持单个交易对的连接和重连。
func (f *PriceFeed) streamLoop(symbol string) {
	wsURL := fmt.Sprintf("%s/ws/%s@aggTrade", f.wsBaseURL, strings.ToLower(symbol))
	for {
		select {
		case <-f.stopCh:
			return
		default:
		}

		conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
		if err != nil {
			f.logger.Warnf("行情WebSocket连接失败 %s: %v, 5秒后重试", symbol, err)
			select {
			case <-f.stopCh:
				return
			case <-time.After(5 * time.Second):
			}
			continue
		}

		// readMessages 会阻塞直到连接断开
		if err := f.readMessages(symbol, conn); err != nil {
			f.logger.Warnf("行情WebSocket处理时发生错误 %s: %v", symbol, err)
		}
		conn.Close()

		select {
		case <-f.stopCh:
			return
		case <-time.After(5 * time.Second):
		}
	}
}

// readMessages 为一个已建立的连接处理消息，并实现心跳机制。
func (f *PriceFeed) readMessages(symbol string, conn *websocket.Conn) error {
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	pingTicker := time.NewTicker(pingPeriod)
	defer pingTicker.Stop()

	pingStop := make(chan struct{})
	defer close(pingStop)

	go func() {
		for {
			select {
			case <-pingTicker.C:
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			case <-pingStop:
				return
			case <-f.stopCh:
				return
			}
		}
	}()

	for {
		select {
		case <-f.stopCh:
			err := conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			if err != nil {
				return fmt.Errorf("发送WebSocket关闭帧失败: %w", err)
			}
			return nil
		default:
			_, message, err := conn.ReadMessage()
			if err != nil {
				// 任何读取错误都意味着连接已损坏，返回错误让 streamLoop 处理重连
				return fmt.Errorf("读取消息失败: %w", err)
			}

			var ticker struct {
				Price json.Number `json:"p"`
			}
			if err := json.Unmarshal(message, &ticker); err != nil {
				f.logger.Warnf("解析价格信息失败: %v", err)
				continue
			}

			price, err := ticker.Price.Float64()
			if err != nil {
				continue
			}

			f.mu.Lock()
			f.prices[symbol] = cachedPrice{price: price, updatedAt: time.Now()}
			f.mu.Unlock()
		}
	}
}
