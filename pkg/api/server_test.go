package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/luxfi/log"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yoniassia/etoroterminal-sub000/pkg/orders"
	"github.com/yoniassia/etoroterminal-sub000/pkg/poller"
	"github.com/yoniassia/etoroterminal-sub000/pkg/quote"
)

// fakePollClient answers batched quote reads with a fixed last price per
// requested instrument.
type fakePollClient struct{}

func (f *fakePollClient) Get(ctx context.Context, endpoint string, out interface{}) error {
	query := endpoint[strings.Index(endpoint, "=")+1:]
	var items []map[string]interface{}
	for _, raw := range strings.Split(query, ",") {
		items = append(items, map[string]interface{}{
			"instrumentId": json.Number(raw),
			"lastPrice":    42.5,
		})
	}
	data, err := json.Marshal(map[string]interface{}{"items": items})
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}

// fakePoster acknowledges every order with a server id.
type fakePoster struct {
	orderID string
	err     error
	delay   time.Duration
}

func (f *fakePoster) Post(ctx context.Context, endpoint string, body, out interface{}) error {
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if f.err != nil {
		return f.err
	}
	data, _ := json.Marshal(map[string]interface{}{
		"orderId": f.orderID,
		"status":  "executed",
	})
	return json.Unmarshal(data, out)
}

type testEnv struct {
	server *Server
	http   *httptest.Server
	cache  *quote.Cache
	ledger *orders.Ledger
	poll   *poller.Synchronizer
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	level, _ := log.ToLevel("info")
	logger := log.NewTestLogger(level)

	cache := quote.NewCache(quote.CacheParams{}, logger)
	ledger := orders.NewLedger(orders.LedgerParams{}, logger)
	executor := orders.NewExecutor(orders.ExecutorConfig{}, ledger, &fakePoster{orderID: "srv-1", delay: 50 * time.Millisecond}, logger)
	poll := poller.NewSynchronizer(poller.Config{Interval: time.Hour}, &fakePollClient{}, cache, logger)

	s := NewServer(Config{}, cache, ledger, executor, poll, logger)
	ts := httptest.NewServer(s.start())

	t.Cleanup(func() {
		ts.Close()
		s.Stop()
		poll.Close()
	})
	return &testEnv{server: s, http: ts, cache: cache, ledger: ledger, poll: poll}
}

func decimalFromString(t *testing.T, s string) decimal.Decimal {
	t.Helper()
	d, err := decimal.NewFromString(s)
	require.NoError(t, err)
	return d
}

func TestQuoteEndpoint(t *testing.T) {
	env := newTestEnv(t)

	bid := decimalFromString(t, "1.0842")
	env.cache.Write(100018, quote.Update{Bid: &bid})

	resp, err := http.Get(env.http.URL + "/api/quote/100018")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Quote quote.Quote `json:"quote"`
		Stale bool        `json:"isStale"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, int64(100018), body.Quote.InstrumentID)
	assert.True(t, bid.Equal(body.Quote.Bid))
	assert.False(t, body.Stale)
}

func TestQuoteEndpointUnknownInstrument(t *testing.T) {
	env := newTestEnv(t)

	resp, err := http.Get(env.http.URL + "/api/quote/999")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, err = http.Get(env.http.URL + "/api/quote/not-a-number")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestWatchEndpoints(t *testing.T) {
	env := newTestEnv(t)

	resp, err := http.Post(env.http.URL+"/api/watch", "application/json",
		bytes.NewReader([]byte(`{"instrumentId":5}`)))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []int64{5}, env.poll.Watched())

	req, err := http.NewRequest(http.MethodDelete, env.http.URL+"/api/watch/5", nil)
	require.NoError(t, err)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, env.poll.Watched())
}

func TestWatchRejectsBadPayload(t *testing.T) {
	env := newTestEnv(t)

	resp, err := http.Post(env.http.URL+"/api/watch", "application/json",
		bytes.NewReader([]byte(`{}`)))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Empty(t, env.poll.Watched())
}

func TestSubmitOrderReturnsOptimisticEntry(t *testing.T) {
	env := newTestEnv(t)

	payload := `{"instrumentId":7,"side":"buy","orderType":"market","amount":"250"}`
	resp, err := http.Post(env.http.URL+"/api/orders", "application/json",
		bytes.NewReader([]byte(payload)))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var order orders.Order
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&order))
	assert.True(t, orders.IsLocalID(order.ID))
	assert.True(t, order.Optimistic)
	assert.Equal(t, orders.StatusPending, order.Status)
}

func TestSubmitOrderValidation(t *testing.T) {
	env := newTestEnv(t)

	cases := []string{
		`{"side":"buy","orderType":"market","amount":"250"}`,
		`{"instrumentId":7,"side":"hold","orderType":"market","amount":"250"}`,
		`{"instrumentId":7,"side":"buy","orderType":"market","amount":"0"}`,
		`not json`,
	}
	for _, payload := range cases {
		resp, err := http.Post(env.http.URL+"/api/orders", "application/json",
			bytes.NewReader([]byte(payload)))
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "payload: %s", payload)
	}
	assert.Empty(t, env.ledger.Orders())
}

func TestListOrders(t *testing.T) {
	env := newTestEnv(t)

	env.ledger.SubmitOptimistic(orders.Params{
		InstrumentID: 7, Side: orders.Buy, Type: orders.Market,
		Amount: decimalFromString(t, "100"),
	})

	resp, err := http.Get(env.http.URL + "/api/orders")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Orders []orders.Order `json:"orders"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Len(t, body.Orders, 1)
	assert.Equal(t, int64(7), body.Orders[0].InstrumentID)
}

func TestHealthEndpoint(t *testing.T) {
	env := newTestEnv(t)

	resp, err := http.Get(env.http.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "healthy", body["status"])
}

// dialWS opens a websocket against the test server.
func dialWS(t *testing.T, env *testEnv) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(env.http.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

// readFrame reads the next frame of the given type, skipping others.
func readFrame(t *testing.T, conn *websocket.Conn, typ string) Message {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	conn.SetReadDeadline(deadline)
	for time.Now().Before(deadline) {
		var msg Message
		require.NoError(t, conn.ReadJSON(&msg))
		if msg.Type == typ {
			return msg
		}
	}
	t.Fatalf("no %q frame before deadline", typ)
	return Message{}
}

func TestWebSocketQuoteSubscription(t *testing.T) {
	env := newTestEnv(t)
	conn := dialWS(t, env)

	require.NoError(t, conn.WriteJSON(clientRequest{Action: "subscribe", Channel: "quotes:7"}))
	ack := readFrame(t, conn, "subscribed")
	assert.Equal(t, "quotes:7", ack.Channel)

	// First browser subscriber registers poller interest.
	require.Eventually(t, func() bool {
		return len(env.poll.Watched()) == 1
	}, time.Second, 10*time.Millisecond)

	last := decimalFromString(t, "42.5")
	env.cache.Write(7, quote.Update{LastPrice: &last})

	update := readFrame(t, conn, "update")
	assert.Equal(t, "quotes:7", update.Channel)
	data, err := json.Marshal(update.Data)
	require.NoError(t, err)
	var q quote.Quote
	require.NoError(t, json.Unmarshal(data, &q))
	assert.Equal(t, int64(7), q.InstrumentID)
	assert.True(t, last.Equal(q.LastPrice))
}

func TestWebSocketUnsubscribeReleasesInterest(t *testing.T) {
	env := newTestEnv(t)
	conn := dialWS(t, env)

	require.NoError(t, conn.WriteJSON(clientRequest{Action: "subscribe", Channel: "quotes:9"}))
	readFrame(t, conn, "subscribed")
	require.Eventually(t, func() bool {
		return len(env.poll.Watched()) == 1
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, conn.WriteJSON(clientRequest{Action: "unsubscribe", Channel: "quotes:9"}))
	readFrame(t, conn, "unsubscribed")
	require.Eventually(t, func() bool {
		return len(env.poll.Watched()) == 0
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, env.cache.SubscriberCount(9))
}

func TestWebSocketDisconnectReleasesInterest(t *testing.T) {
	env := newTestEnv(t)
	conn := dialWS(t, env)

	require.NoError(t, conn.WriteJSON(clientRequest{Action: "subscribe", Channel: "quotes:11"}))
	readFrame(t, conn, "subscribed")
	require.Eventually(t, func() bool {
		return len(env.poll.Watched()) == 1
	}, time.Second, 10*time.Millisecond)

	conn.Close()
	require.Eventually(t, func() bool {
		return len(env.poll.Watched()) == 0
	}, time.Second, 10*time.Millisecond)
}

func TestWebSocketOrdersChannel(t *testing.T) {
	env := newTestEnv(t)
	conn := dialWS(t, env)

	require.NoError(t, conn.WriteJSON(clientRequest{Action: "subscribe", Channel: "orders"}))
	readFrame(t, conn, "subscribed")

	env.ledger.SubmitOptimistic(orders.Params{
		InstrumentID: 3, Side: orders.Sell, Type: orders.Market,
		Amount: decimalFromString(t, "10"),
	})

	update := readFrame(t, conn, "update")
	assert.Equal(t, "orders", update.Channel)
	data, err := json.Marshal(update.Data)
	require.NoError(t, err)
	var list []orders.Order
	require.NoError(t, json.Unmarshal(data, &list))
	require.Len(t, list, 1)
	assert.Equal(t, int64(3), list[0].InstrumentID)
}

func TestWebSocketSharedChannelSurvivesOneLeaving(t *testing.T) {
	env := newTestEnv(t)
	a := dialWS(t, env)
	b := dialWS(t, env)

	for _, conn := range []*websocket.Conn{a, b} {
		require.NoError(t, conn.WriteJSON(clientRequest{Action: "subscribe", Channel: "quotes:5"}))
		readFrame(t, conn, "subscribed")
	}
	require.Eventually(t, func() bool {
		return len(env.poll.Watched()) == 1
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, a.WriteJSON(clientRequest{Action: "unsubscribe", Channel: "quotes:5"}))
	readFrame(t, a, "unsubscribed")

	// Second subscriber keeps the instrument watched.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, []int64{5}, env.poll.Watched())

	last := decimalFromString(t, "7.25")
	env.cache.Write(5, quote.Update{LastPrice: &last})
	update := readFrame(t, b, "update")
	assert.Equal(t, "quotes:5", update.Channel)
}

func TestWebSocketUnknownAction(t *testing.T) {
	env := newTestEnv(t)
	conn := dialWS(t, env)

	require.NoError(t, conn.WriteJSON(clientRequest{Action: "dance"}))
	msg := readFrame(t, conn, "error")
	assert.Contains(t, fmt.Sprint(msg.Data), "unknown action")
}
