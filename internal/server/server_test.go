package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"grid-engine-go/internal/engine"
	"grid-engine-go/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// stubGateway is a minimal in-memory exchange for routing tests.
type stubGateway struct {
	sync.Mutex
	price    float64
	priceErr error
	nextID   int64
	open     map[int64]bool
}

func newStubGateway(price float64) *stubGateway {
	return &stubGateway{price: price, open: make(map[int64]bool)}
}

func (s *stubGateway) GetPrice(symbol string) (float64, error) {
	s.Lock()
	defer s.Unlock()
	return s.price, s.priceErr
}

func (s *stubGateway) GetBidAsk(symbol string) (float64, float64, error) {
	s.Lock()
	defer s.Unlock()
	if s.priceErr != nil {
		return 0, 0, s.priceErr
	}
	return s.price, s.price, nil
}

func (s *stubGateway) PlaceLimitOrder(symbol string, side models.Side, price, quantity float64, isPerp bool, leverage int) (int64, error) {
	s.Lock()
	defer s.Unlock()
	s.nextID++
	s.open[s.nextID] = true
	return s.nextID, nil
}

func (s *stubGateway) CancelOrder(symbol string, orderID int64) error {
	s.Lock()
	defer s.Unlock()
	delete(s.open, orderID)
	return nil
}

func (s *stubGateway) GetOpenOrders(symbol string) ([]int64, error) {
	s.Lock()
	defer s.Unlock()
	ids := make([]int64, 0, len(s.open))
	for id := range s.open {
		ids = append(ids, id)
	}
	return ids, nil
}

type envelope struct {
	Status  string          `json:"status"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

type testServer struct {
	gw      *stubGateway
	handler http.Handler
}

func newTestServer() *testServer {
	gw := newStubGateway(62000)
	manager := engine.NewManager(gw, nil, zap.NewNop().Sugar(), engine.Options{
		MonitorInterval: time.Hour, // routes drive everything in these tests
		StopTimeout:     time.Second,
	})
	return &testServer{
		gw:      gw,
		handler: New(manager, zap.NewNop().Sugar()).Handler(),
	}
}

func (ts *testServer) do(t *testing.T, method, path, body string) (int, envelope) {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)

	var env envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env), "body: %s", rec.Body.String())
	return rec.Code, env
}

func (ts *testServer) createGrid(t *testing.T) string {
	code, env := ts.do(t, http.MethodPost, "/api/grids",
		`{"symbol": "BTC", "upper_price": 65000, "lower_price": 60000, "num_grids": 5, "total_investment": 5000}`)
	require.Equal(t, http.StatusCreated, code)

	var data struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &data))
	require.NotEmpty(t, data.ID)
	return data.ID
}

func TestCreateGridRoute(t *testing.T) {
	ts := newTestServer()
	id := ts.createGrid(t)
	assert.True(t, strings.HasPrefix(id, "grid-"))
}

func TestCreateGridRejectsInvalidParams(t *testing.T) {
	ts := newTestServer()

	code, env := ts.do(t, http.MethodPost, "/api/grids",
		`{"symbol": "BTC", "upper_price": 60000, "lower_price": 65000, "num_grids": 5, "total_investment": 5000}`)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "error", env.Status)
	assert.Contains(t, env.Message, "upper price")

	code, _ = ts.do(t, http.MethodPost, "/api/grids", `{not json`)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestStartStopRoutes(t *testing.T) {
	ts := newTestServer()
	id := ts.createGrid(t)

	code, env := ts.do(t, http.MethodPost, "/api/grids/"+id+"/start", "")
	require.Equal(t, http.StatusOK, code)
	var start models.StartResult
	require.NoError(t, json.Unmarshal(env.Data, &start))
	assert.Equal(t, 2, start.PlacedBuyOrders)
	assert.Equal(t, 62000.0, start.CurrentPrice)

	code, env = ts.do(t, http.MethodPost, "/api/grids/"+id+"/stop", "")
	require.Equal(t, http.StatusOK, code)
	var stop models.StopResult
	require.NoError(t, json.Unmarshal(env.Data, &stop))
	assert.Equal(t, 2, stop.CancelledOrders)
	assert.False(t, stop.AlreadyStopped)

	// Stopping again reports already_stopped instead of failing.
	code, env = ts.do(t, http.MethodPost, "/api/grids/"+id+"/stop", "")
	require.Equal(t, http.StatusOK, code)
	require.NoError(t, json.Unmarshal(env.Data, &stop))
	assert.True(t, stop.AlreadyStopped)
	assert.Zero(t, stop.CancelledOrders)
}

func TestStartUnavailablePriceMapsToBadGateway(t *testing.T) {
	ts := newTestServer()
	id := ts.createGrid(t)

	ts.gw.Lock()
	ts.gw.priceErr = errors.New("exchange down")
	ts.gw.Unlock()

	code, env := ts.do(t, http.MethodPost, "/api/grids/"+id+"/start", "")
	assert.Equal(t, http.StatusBadGateway, code)
	assert.Equal(t, "error", env.Status)
}

func TestGetAndListRoutes(t *testing.T) {
	ts := newTestServer()
	id := ts.createGrid(t)

	code, env := ts.do(t, http.MethodGet, "/api/grids/"+id, "")
	require.Equal(t, http.StatusOK, code)
	var snap models.GridSnapshot
	require.NoError(t, json.Unmarshal(env.Data, &snap))
	assert.Equal(t, id, snap.ID)
	assert.Equal(t, models.GridStatusCreated, snap.Status)
	assert.Equal(t, 1250.0, snap.PriceInterval)

	code, env = ts.do(t, http.MethodGet, "/api/grids", "")
	require.Equal(t, http.StatusOK, code)
	var list models.GridList
	require.NoError(t, json.Unmarshal(env.Data, &list))
	require.Len(t, list.Active, 1)
	assert.Empty(t, list.Completed)

	code, _ = ts.do(t, http.MethodGet, "/api/grids/grid-missing", "")
	assert.Equal(t, http.StatusNotFound, code)
}

func TestModifyRoute(t *testing.T) {
	ts := newTestServer()
	id := ts.createGrid(t)

	code, env := ts.do(t, http.MethodPatch, "/api/grids/"+id, `{"take_profit_pct": 5}`)
	require.Equal(t, http.StatusOK, code)
	var data struct {
		Changes []string `json:"changes"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &data))
	require.Len(t, data.Changes, 1)
	assert.Contains(t, data.Changes[0], "take_profit")

	code, _ = ts.do(t, http.MethodPatch, "/api/grids/grid-missing", `{"take_profit_pct": 5}`)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestStopAllAndCleanRoutes(t *testing.T) {
	ts := newTestServer()
	first := ts.createGrid(t)
	second := ts.createGrid(t)
	for _, id := range []string{first, second} {
		code, _ := ts.do(t, http.MethodPost, "/api/grids/"+id+"/start", "")
		require.Equal(t, http.StatusOK, code)
	}

	code, env := ts.do(t, http.MethodPost, "/api/grids/stop-all", "")
	require.Equal(t, http.StatusOK, code)
	var stopAll struct {
		StoppedGrids int `json:"stopped_grids"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &stopAll))
	assert.Equal(t, 2, stopAll.StoppedGrids)

	code, env = ts.do(t, http.MethodDelete, "/api/grids/completed", "")
	require.Equal(t, http.StatusOK, code)
	var clean struct {
		CleanedGrids int `json:"cleaned_grids"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &clean))
	assert.Equal(t, 2, clean.CleanedGrids)

	code, env = ts.do(t, http.MethodGet, "/api/grids", "")
	require.Equal(t, http.StatusOK, code)
	var list models.GridList
	require.NoError(t, json.Unmarshal(env.Data, &list))
	assert.Empty(t, list.Active)
	assert.Empty(t, list.Completed)
}
