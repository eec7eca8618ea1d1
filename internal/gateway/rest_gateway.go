package gateway

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"grid-engine-go/internal/models"

	"go.uber.org/zap"
)

// RestGateway 实现了 Gateway 接口，通过签名的REST请求与交易所交互。
// 价格查询优先走 WebSocket 行情缓存（见 price_feed.go），REST 仅作兜底。
type RestGateway struct {
	apiKey     string
	secretKey  string
	baseURL    string
	httpClient *http.Client
	logger     *zap.SugaredLogger
	timeOffset int64

	feed *PriceFeed

	mu          sync.Mutex
	leverageSet map[string]int // symbol -> 已经设置过的杠杆
}

// NewRestGateway 创建一个新的 RestGateway 实例，并与服务器同步时间。
// feed 可以为 nil，此时所有价格查询都走REST。
func NewRestGateway(apiKey, secretKey, baseURL string, feed *PriceFeed, logger *zap.SugaredLogger) (*RestGateway, error) {
	g := &RestGateway{
		apiKey:      apiKey,
		secretKey:   secretKey,
		baseURL:     baseURL,
		httpClient:  &http.Client{Timeout: 10 * time.Second},
		logger:      logger,
		feed:        feed,
		leverageSet: make(map[string]int),
	}

	if err := g.syncTime(); err != nil {
		return nil, fmt.Errorf("与交易所服务器同步时间失败: %w", err)
	}

	return g, nil
}

// syncTime 与服务器同步时间，计算本地时钟偏移。
func (g *RestGateway) syncTime() error {
	serverTime, err := g.getServerTime()
	if err != nil {
		return err
	}
	localTime := time.Now().UnixMilli()
	g.timeOffset = serverTime - localTime
	g.logger.Infof("与交易所服务器时间同步完成, 偏移 %d ms", g.timeOffset)
	return nil
}

// doRequest 是一个通用的请求处理函数。
func (g *RestGateway) doRequest(method, endpoint string, params url.Values, signed bool) ([]byte, error) {
	fullURL := fmt.Sprintf("%s%s", g.baseURL, endpoint)
	queryParams := url.Values{}
	for k, v := range params {
		queryParams[k] = v
	}

	var encodedParams string
	if signed {
		// 对于签名请求，添加时间戳并生成签名
		timestamp := time.Now().UnixMilli() + g.timeOffset
		queryParams.Set("timestamp", strconv.FormatInt(timestamp, 10))

		payloadToSign := queryParams.Encode()
		signature := g.sign(payloadToSign)
		encodedParams = fmt.Sprintf("%s&signature=%s", payloadToSign, signature)
	} else {
		encodedParams = queryParams.Encode()
	}

	var req *http.Request
	var err error

	if method == http.MethodGet {
		finalURL := fullURL
		if encodedParams != "" {
			finalURL = fmt.Sprintf("%s?%s", fullURL, encodedParams)
		}
		req, err = http.NewRequest(method, finalURL, nil)
	} else { // POST, PUT, DELETE
		req, err = http.NewRequest(method, fullURL, strings.NewReader(encodedParams))
		if req != nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}
	}
	if err != nil {
		return nil, fmt.Errorf("创建请求失败: %w", err)
	}

	req.Header.Set("X-MBX-APIKEY", g.apiKey)
	resp, err := g.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("执行请求失败: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("读取响应体失败: %w", err)
	}

	var apiError models.Error
	if json.Unmarshal(body, &apiError) == nil && apiError.Code != 0 {
		return body, &apiError
	}

	if resp.StatusCode != http.StatusOK {
		// 当API返回非200状态码时，把响应体一并带回给上层记录
		return body, fmt.Errorf("API请求失败, 状态码: %d, 响应: %s", resp.StatusCode, string(body))
	}

	return body, nil
}

// sign 对请求参数进行HMAC-SHA256签名。
func (g *RestGateway) sign(data string) string {
	h := hmac.New(sha256.New, []byte(g.secretKey))
	h.Write([]byte(data))
	return fmt.Sprintf("%x", h.Sum(nil))
}

// --- Gateway 接口实现 ---

// GetPrice 获取指定交易对的当前价格。
// 如果行情缓存里有足够新的价格则直接返回，否则回退到REST查询。
func (g *RestGateway) GetPrice(symbol string) (float64, error) {
	if g.feed != nil {
		g.feed.EnsureSubscribed(symbol)
		if price, ok := g.feed.LastPrice(symbol); ok {
			return price, nil
		}
	}

	params := url.Values{}
	params.Set("symbol", symbol)
	data, err := g.doRequest(http.MethodGet, "/fapi/v1/ticker/price", params, false)
	if err != nil {
		return 0, err
	}

	var ticker struct {
		Price string `json:"price"`
	}
	if err := json.Unmarshal(data, &ticker); err != nil {
		return 0, err
	}

	return strconv.ParseFloat(ticker.Price, 64)
}

// GetBidAsk 获取最优买一/卖一价。
func (g *RestGateway) GetBidAsk(symbol string) (float64, float64, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	data, err := g.doRequest(http.MethodGet, "/fapi/v1/ticker/bookTicker", params, false)
	if err != nil {
		return 0, 0, err
	}

	var ticker models.BookTicker
	if err := json.Unmarshal(data, &ticker); err != nil {
		return 0, 0, err
	}

	bid, _ := strconv.ParseFloat(ticker.BidPrice, 64)
	ask, _ := strconv.ParseFloat(ticker.AskPrice, 64)
	return bid, ask, nil
}

// PlaceLimitOrder 挂限价单。对于永续合约，首次下单前会先设置杠杆。
func (g *RestGateway) PlaceLimitOrder(symbol string, side models.Side, price, quantity float64, isPerp bool, leverage int) (int64, error) {
	if isPerp && leverage > 0 {
		if err := g.ensureLeverage(symbol, leverage); err != nil {
			// 杠杆设置失败不阻止下单，交易所会沿用上一次的杠杆
			g.logger.Warnf("设置杠杆失败 symbol=%s leverage=%d: %v", symbol, leverage, err)
		}
	}

	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("side", string(side))
	params.Set("type", "LIMIT")
	params.Set("timeInForce", "GTC") // Good Till Cancel
	params.Set("price", strconv.FormatFloat(price, 'f', -1, 64))
	params.Set("quantity", strconv.FormatFloat(quantity, 'f', -1, 64))

	data, err := g.doRequest(http.MethodPost, "/fapi/v1/order", params, true)
	if err != nil {
		g.logger.Errorw("下单请求失败", "error", err, "raw_response", string(data))
		return 0, err
	}

	var order models.Order
	if err := json.Unmarshal(data, &order); err != nil {
		return 0, err
	}

	return order.OrderId, nil
}

// ensureLeverage 保证指定交易对的杠杆已经设置过，避免每次下单都调用一次接口。
func (g *RestGateway) ensureLeverage(symbol string, leverage int) error {
	g.mu.Lock()
	current, ok := g.leverageSet[symbol]
	g.mu.Unlock()
	if ok && current == leverage {
		return nil
	}

	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("leverage", strconv.Itoa(leverage))
	if _, err := g.doRequest(http.MethodPost, "/fapi/v1/leverage", params, true); err != nil {
		return err
	}

	g.mu.Lock()
	g.leverageSet[symbol] = leverage
	g.mu.Unlock()
	return nil
}

// CancelOrder 取消订单。
func (g *RestGateway) CancelOrder(symbol string, orderID int64) error {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("orderId", strconv.FormatInt(orderID, 10))
	_, err := g.doRequest(http.MethodDelete, "/fapi/v1/order", params, true)
	return err
}

// GetOpenOrders 获取该交易对当前所有挂单的订单ID。
func (g *RestGateway) GetOpenOrders(symbol string) ([]int64, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	data, err := g.doRequest(http.MethodGet, "/fapi/v1/openOrders", params, true)
	if err != nil {
		return nil, err
	}

	var openOrders []models.Order
	if err := json.Unmarshal(data, &openOrders); err != nil {
		return nil, err
	}

	ids := make([]int64, 0, len(openOrders))
	for _, order := range openOrders {
		ids = append(ids, order.OrderId)
	}
	return ids, nil
}

// getServerTime 获取服务器时间。
func (g *RestGateway) getServerTime() (int64, error) {
	data, err := g.doRequest(http.MethodGet, "/fapi/v1/time", nil, false)
	if err != nil {
		return 0, err
	}
	var serverTime struct {
		ServerTime int64 `json:"serverTime"`
	}
	if err := json.Unmarshal(data, &serverTime); err != nil {
		return 0, err
	}
	return serverTime.ServerTime, nil
}

// Close 停止后台行情订阅。
func (g *RestGateway) Close() {
	if g.feed != nil {
		g.feed.Stop()
	}
}
