package gateway

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"grid-engine-go/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const testSecret = "test-secret"

// fakeExchange is an httptest-backed stand-in for the REST API.
type fakeExchange struct {
	sync.Mutex
	server        *httptest.Server
	leverageCalls int
	lastOrderBody string
	cancelledIDs  []string
	orderErr      *models.Error
}

func newFakeExchange(t *testing.T) *fakeExchange {
	f := &fakeExchange{}
	mux := http.NewServeMux()

	mux.HandleFunc("/fapi/v1/time", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"serverTime": %d}`, time.Now().UnixMilli())
	})
	mux.HandleFunc("/fapi/v1/ticker/price", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"symbol": "BTCUSDT", "price": "62000.50"}`)
	})
	mux.HandleFunc("/fapi/v1/ticker/bookTicker", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"symbol": "BTCUSDT", "bidPrice": "61999.0", "bidQty": "1", "askPrice": "62001.0", "askQty": "1"}`)
	})
	mux.HandleFunc("/fapi/v1/leverage", func(w http.ResponseWriter, r *http.Request) {
		f.Lock()
		f.leverageCalls++
		f.Unlock()
		fmt.Fprint(w, `{"leverage": 5, "symbol": "BTCUSDT"}`)
	})
	mux.HandleFunc("/fapi/v1/order", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		switch r.Method {
		case http.MethodPost:
			f.Lock()
			f.lastOrderBody = string(body)
			orderErr := f.orderErr
			f.Unlock()
			if orderErr != nil {
				w.WriteHeader(http.StatusBadRequest)
				json.NewEncoder(w).Encode(orderErr)
				return
			}
			fmt.Fprint(w, `{"symbol": "BTCUSDT", "orderId": 12345, "status": "NEW"}`)
		case http.MethodDelete:
			values, _ := url.ParseQuery(string(body))
			f.Lock()
			f.cancelledIDs = append(f.cancelledIDs, values.Get("orderId"))
			f.Unlock()
			fmt.Fprint(w, `{"symbol": "BTCUSDT", "orderId": 12345, "status": "CANCELED"}`)
		}
	})
	mux.HandleFunc("/fapi/v1/openOrders", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `[{"symbol": "BTCUSDT", "orderId": 101}, {"symbol": "BTCUSDT", "orderId": 102}]`)
	})

	f.server = httptest.NewServer(mux)
	t.Cleanup(f.server.Close)
	return f
}

func newTestGateway(t *testing.T, f *fakeExchange) *RestGateway {
	gw, err := NewRestGateway("test-key", testSecret, f.server.URL, nil, zap.NewNop().Sugar())
	require.NoError(t, err)
	return gw
}

// verifySignature checks that the signed payload carries a valid
// HMAC-SHA256 signature as its last parameter.
func verifySignature(t *testing.T, payload string) url.Values {
	idx := strings.LastIndex(payload, "&signature=")
	require.Positive(t, idx, "payload has no signature: %s", payload)

	signed := payload[:idx]
	signature := payload[idx+len("&signature="):]

	h := hmac.New(sha256.New, []byte(testSecret))
	h.Write([]byte(signed))
	assert.Equal(t, fmt.Sprintf("%x", h.Sum(nil)), signature)

	values, err := url.ParseQuery(signed)
	require.NoError(t, err)
	assert.NotEmpty(t, values.Get("timestamp"))
	return values
}

func TestGetPriceViaREST(t *testing.T) {
	gw := newTestGateway(t, newFakeExchange(t))

	price, err := gw.GetPrice("BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, 62000.50, price)
}

func TestGetBidAsk(t *testing.T) {
	gw := newTestGateway(t, newFakeExchange(t))

	bid, ask, err := gw.GetBidAsk("BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, 61999.0, bid)
	assert.Equal(t, 62001.0, ask)
}

func TestPlaceLimitOrderSignsRequest(t *testing.T) {
	f := newFakeExchange(t)
	gw := newTestGateway(t, f)

	orderID, err := gw.PlaceLimitOrder("BTCUSDT", models.Buy, 60000, 0.01612, false, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(12345), orderID)

	f.Lock()
	body := f.lastOrderBody
	f.Unlock()
	values := verifySignature(t, body)
	assert.Equal(t, "BTCUSDT", values.Get("symbol"))
	assert.Equal(t, "BUY", values.Get("side"))
	assert.Equal(t, "LIMIT", values.Get("type"))
	assert.Equal(t, "GTC", values.Get("timeInForce"))
	assert.Equal(t, "60000", values.Get("price"))
	assert.Equal(t, "0.01612", values.Get("quantity"))
}

func TestPlaceLimitOrderSetsLeverageOncePerSymbol(t *testing.T) {
	f := newFakeExchange(t)
	gw := newTestGateway(t, f)

	_, err := gw.PlaceLimitOrder("BTCUSDT", models.Buy, 60000, 0.01, true, 5)
	require.NoError(t, err)
	_, err = gw.PlaceLimitOrder("BTCUSDT", models.Sell, 62500, 0.01, true, 5)
	require.NoError(t, err)

	f.Lock()
	defer f.Unlock()
	assert.Equal(t, 1, f.leverageCalls)
}

func TestPlaceLimitOrderSurfacesAPIError(t *testing.T) {
	f := newFakeExchange(t)
	f.orderErr = &models.Error{Code: -2010, Msg: "Account has insufficient balance"}
	gw := newTestGateway(t, f)

	_, err := gw.PlaceLimitOrder("BTCUSDT", models.Buy, 60000, 0.01, false, 0)
	require.Error(t, err)
	var apiErr *models.Error
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, -2010, apiErr.Code)
}

func TestCancelOrder(t *testing.T) {
	f := newFakeExchange(t)
	gw := newTestGateway(t, f)

	require.NoError(t, gw.CancelOrder("BTCUSDT", 12345))

	f.Lock()
	defer f.Unlock()
	assert.Equal(t, []string{"12345"}, f.cancelledIDs)
}

func TestGetOpenOrders(t *testing.T) {
	gw := newTestGateway(t, newFakeExchange(t))

	ids, err := gw.GetOpenOrders("BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, []int64{101, 102}, ids)
}

func TestPriceFeedStaleness(t *testing.T) {
	feed := NewPriceFeed("ws://unused", zap.NewNop().Sugar())

	_, ok := feed.LastPrice("BTCUSDT")
	assert.False(t, ok)

	feed.mu.Lock()
	feed.prices["BTCUSDT"] = cachedPrice{price: 62000, updatedAt: time.Now()}
	feed.mu.Unlock()
	price, ok := feed.LastPrice("BTCUSDT")
	require.True(t, ok)
	assert.Equal(t, 62000.0, price)

	feed.mu.Lock()
	feed.prices["BTCUSDT"] = cachedPrice{price: 62000, updatedAt: time.Now().Add(-time.Minute)}
	feed.mu.Unlock()
	_, ok = feed.LastPrice("BTCUSDT")
	assert.False(t, ok)
}
