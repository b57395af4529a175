package deriv

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rewired-gh/digitbot/internal/digits"
	"github.com/rewired-gh/digitbot/internal/events"
	"github.com/rewired-gh/digitbot/internal/models"
	"github.com/shopspring/decimal"
)

type fakeConn struct {
	mu sync.Mutex
	ws *websocket.Conn
}

func (c *fakeConn) send(v any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.ws.WriteJSON(v)
}

func (c *fakeConn) reply(req map[string]any, msgType string, body map[string]any) {
	msg := map[string]any{"msg_type": msgType, "req_id": req["req_id"], "echo_req": req}
	for k, v := range body {
		msg[k] = v
	}
	c.send(msg)
}

type handlerFunc func(c *fakeConn, req map[string]any)

// fakeDeriv is a minimal Deriv API served over httptest.
type fakeDeriv struct {
	srv      *httptest.Server
	mu       sync.Mutex
	handlers map[string]handlerFunc
	conns    []*fakeConn
	requests [][]string // request kinds per connection
}

func newFakeDeriv(t *testing.T) *fakeDeriv {
	t.Helper()
	f := &fakeDeriv{handlers: defaultHandlers()}
	upgrader := websocket.Upgrader{}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conn := &fakeConn{ws: ws}
		f.mu.Lock()
		f.conns = append(f.conns, conn)
		idx := len(f.conns) - 1
		f.requests = append(f.requests, nil)
		f.mu.Unlock()

		for {
			var req map[string]any
			if err := ws.ReadJSON(&req); err != nil {
				return
			}
			kind := requestKind(req)
			f.mu.Lock()
			f.requests[idx] = append(f.requests[idx], kind)
			h := f.handlers[kind]
			f.mu.Unlock()
			if h != nil {
				go h(conn, req)
			}
		}
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeDeriv) url() string {
	return "ws" + strings.TrimPrefix(f.srv.URL, "http")
}

func (f *fakeDeriv) handle(kind string, h handlerFunc) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[kind] = h
}

func (f *fakeDeriv) conn(i int) *fakeConn {
	f.mu.Lock()
	defer f.mu.Unlock()
	if i >= len(f.conns) {
		return nil
	}
	return f.conns[i]
}

func (f *fakeDeriv) connCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.conns)
}

func (f *fakeDeriv) requestsOn(i int) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if i >= len(f.requests) {
		return nil
	}
	return append([]string(nil), f.requests[i]...)
}

var requestKinds = []string{
	"authorize", "ticks_history", "ticks", "buy", "sell", "proposal_open_contract",
	"portfolio", "balance", "forget_all", "forget", "api_token", "cashier", "ping",
}

func requestKind(req map[string]any) string {
	for _, k := range requestKinds {
		if _, ok := req[k]; ok {
			return k
		}
	}
	return "unknown"
}

func defaultHandlers() map[string]handlerFunc {
	return map[string]handlerFunc{
		"ping": func(c *fakeConn, req map[string]any) {
			c.reply(req, "ping", map[string]any{"ping": "pong"})
		},
		"authorize": func(c *fakeConn, req map[string]any) {
			if req["authorize"] == "bad" {
				c.reply(req, "authorize", map[string]any{
					"error": map[string]any{"code": "InvalidToken", "message": "The token is invalid."},
				})
				return
			}
			c.reply(req, "authorize", map[string]any{"authorize": map[string]any{
				"loginid": "VRTC100", "currency": "USD", "balance": 10000, "is_virtual": 1,
			}})
		},
		"ticks": func(c *fakeConn, req map[string]any) {
			c.reply(req, "tick", map[string]any{
				"tick":         map[string]any{"symbol": req["ticks"], "quote": 1234.56, "epoch": 1700000000, "pip_size": 2},
				"subscription": map[string]any{"id": "tick-sub"},
			})
		},
		"balance": func(c *fakeConn, req map[string]any) {
			c.reply(req, "balance", map[string]any{
				"balance":      map[string]any{"balance": 9876.5, "currency": "USD", "loginid": "VRTC100"},
				"subscription": map[string]any{"id": "bal-sub"},
			})
		},
		"forget": func(c *fakeConn, req map[string]any) {
			c.reply(req, "forget", map[string]any{"forget": 1})
		},
		"forget_all": func(c *fakeConn, req map[string]any) {
			c.reply(req, "forget_all", map[string]any{"forget_all": []string{}})
		},
	}
}

type recorder struct {
	mu     sync.Mutex
	events []events.Event
	ch     chan events.Event
}

func newRecorder() *recorder {
	return &recorder{ch: make(chan events.Event, 64)}
}

func (r *recorder) Emit(t events.Type, payload any) {
	e := events.Event{Type: t, Payload: payload}
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
	select {
	case r.ch <- e:
	default:
	}
}

func (r *recorder) waitFor(t *testing.T, typ events.Type) events.Event {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case e := <-r.ch:
			if e.Type == typ {
				return e
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s event", typ)
			return events.Event{}
		}
	}
}

func testClient(t *testing.T, f *fakeDeriv, pub Publisher) *Client {
	t.Helper()
	c := NewClient(Config{URL: f.url(), RequestTimeout: 2 * time.Second}, pub)
	t.Cleanup(c.Close)
	return c
}

func connect(t *testing.T, c *Client) {
	t.Helper()
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
}

func TestClient_NotConnected(t *testing.T) {
	c := NewClient(Config{URL: "ws://127.0.0.1:1"}, nil)
	if err := c.Ping(context.Background()); !errors.Is(err, ErrNotConnected) {
		t.Errorf("expected ErrNotConnected, got %v", err)
	}
	c.Close()
	if err := c.Ping(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed after Close, got %v", err)
	}
}

func TestClient_Authorize(t *testing.T) {
	f := newFakeDeriv(t)
	c := testClient(t, f, nil)
	connect(t, c)

	auth, err := c.Authorize(context.Background(), "good")
	if err != nil {
		t.Fatalf("Authorize: %v", err)
	}
	if auth.LoginID != "VRTC100" || !auth.Virtual() || !auth.Balance.Equal(decimal.NewFromInt(10000)) {
		t.Errorf("authorization = %+v", auth)
	}
}

func TestClient_APIError(t *testing.T) {
	f := newFakeDeriv(t)
	c := testClient(t, f, nil)
	connect(t, c)

	_, err := c.Authorize(context.Background(), "bad")
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected *APIError, got %v", err)
	}
	if apiErr.Code != "InvalidToken" || apiErr.MsgType != "authorize" {
		t.Errorf("api error = %+v", apiErr)
	}
}

func TestClient_CorrelatesOutOfOrderResponses(t *testing.T) {
	f := newFakeDeriv(t)
	f.handle("portfolio", func(c *fakeConn, req map[string]any) {
		time.Sleep(100 * time.Millisecond)
		c.reply(req, "portfolio", map[string]any{"portfolio": map[string]any{"contracts": []map[string]any{
			{"contract_id": 77, "contract_type": "DIGITOVER", "symbol": "R_100", "buy_price": 1, "purchase_time": 1700000000},
		}}})
	})
	c := testClient(t, f, nil)
	connect(t, c)

	var wg sync.WaitGroup
	var portfolio []PortfolioContract
	var portErr, pingErr error
	wg.Add(2)
	go func() {
		defer wg.Done()
		portfolio, portErr = c.Portfolio(context.Background())
	}()
	go func() {
		defer wg.Done()
		time.Sleep(20 * time.Millisecond)
		pingErr = c.Ping(context.Background())
	}()
	wg.Wait()

	if pingErr != nil {
		t.Errorf("Ping: %v", pingErr)
	}
	if portErr != nil {
		t.Fatalf("Portfolio: %v", portErr)
	}
	if len(portfolio) != 1 || portfolio[0].ContractID != 77 {
		t.Errorf("portfolio = %+v", portfolio)
	}
}

func TestClient_Timeout(t *testing.T) {
	f := newFakeDeriv(t)
	c := NewClient(Config{URL: f.url(), RequestTimeout: 100 * time.Millisecond}, nil)
	t.Cleanup(c.Close)
	connect(t, c)

	_, err := c.Portfolio(context.Background())
	if !errors.Is(err, ErrTimeout) {
		t.Errorf("expected ErrTimeout, got %v", err)
	}
}

func TestClient_TicksHistory(t *testing.T) {
	f := newFakeDeriv(t)
	f.handle("ticks_history", func(c *fakeConn, req map[string]any) {
		c.reply(req, "history", map[string]any{
			"history":  map[string]any{"prices": []any{100.12, "100.5", 99.99}, "times": []int64{1, 2, 3}},
			"pip_size": 2,
		})
	})
	c := testClient(t, f, nil)
	connect(t, c)

	ticks, err := c.TicksHistory(context.Background(), "R_100", 3)
	if err != nil {
		t.Fatalf("TicksHistory: %v", err)
	}
	want := []int{2, 0, 9}
	if len(ticks) != 3 {
		t.Fatalf("got %d ticks", len(ticks))
	}
	for i, tk := range ticks {
		if tk.Digit != want[i] || tk.Symbol != "R_100" || tk.PipSize != 2 {
			t.Errorf("tick %d = %+v, want digit %d", i, tk, want[i])
		}
	}
}

func TestClient_TickPush(t *testing.T) {
	f := newFakeDeriv(t)
	rec := newRecorder()
	c := testClient(t, f, rec)
	connect(t, c)

	if err := c.SubscribeTicks(context.Background(), "R_100"); err != nil {
		t.Fatalf("SubscribeTicks: %v", err)
	}
	e := rec.waitFor(t, events.TypeTick)
	tick, ok := e.Payload.(models.Tick)
	if !ok {
		t.Fatalf("payload = %#v", e.Payload)
	}
	if tick.Symbol != "R_100" || tick.Digit != 6 || tick.Epoch != 1700000000 {
		t.Errorf("tick = %+v", tick)
	}
	if subs := c.Subscriptions(); len(subs) != 1 || subs[0] != "ticks:R_100" {
		t.Errorf("subscriptions = %v", subs)
	}

	if err := c.ForgetTicks(context.Background(), "R_100"); err != nil {
		t.Fatalf("ForgetTicks: %v", err)
	}
	if len(c.Subscriptions()) != 0 {
		t.Error("subscription kept after forget")
	}
}

func TestClient_BuyAndContractUpdates(t *testing.T) {
	f := newFakeDeriv(t)
	var buyReq map[string]any
	var mu sync.Mutex
	f.handle("buy", func(c *fakeConn, req map[string]any) {
		mu.Lock()
		buyReq = req
		mu.Unlock()
		c.reply(req, "buy", map[string]any{"buy": map[string]any{
			"contract_id": 555, "buy_price": 1.5, "payout": 2.85, "purchase_time": 1700000001,
		}})
	})
	f.handle("proposal_open_contract", func(c *fakeConn, req map[string]any) {
		c.reply(req, "proposal_open_contract", map[string]any{
			"proposal_open_contract": map[string]any{
				"contract_id": 555, "underlying": "R_100", "contract_type": "DIGITOVER", "barrier": "1",
				"buy_price": 1.5, "payout": 2.85, "profit": 0, "status": "open", "is_sold": 0,
			},
			"subscription": map[string]any{"id": "poc-sub"},
		})
		time.Sleep(20 * time.Millisecond)
		c.reply(req, "proposal_open_contract", map[string]any{
			"proposal_open_contract": map[string]any{
				"contract_id": 555, "underlying": "R_100", "contract_type": "DIGITOVER", "barrier": "1",
				"buy_price": 1.5, "payout": 2.85, "profit": 1.35, "status": "won", "is_sold": 1,
				"entry_spot": "1234.56", "exit_tick": 1234.58, "sell_time": 1700000003,
			},
		})
	})
	rec := newRecorder()
	c := testClient(t, f, rec)
	connect(t, c)

	receipt, err := c.Buy(context.Background(), BuyRequest{
		Symbol: "R_100", ContractType: "DIGITOVER", Barrier: "1",
		Amount: decimal.RequireFromString("1.499"), Currency: "USD", Duration: 1, DurationUnit: "t",
	})
	if err != nil {
		t.Fatalf("Buy: %v", err)
	}
	if receipt.ContractID != 555 {
		t.Errorf("contract id = %d", receipt.ContractID)
	}
	mu.Lock()
	params, _ := buyReq["parameters"].(map[string]any)
	mu.Unlock()
	if params["amount"] != 1.5 || params["basis"] != "stake" || params["barrier"] != "1" {
		t.Errorf("buy parameters = %v", params)
	}

	if err := c.SubscribeContract(context.Background(), 555); err != nil {
		t.Fatalf("SubscribeContract: %v", err)
	}
	var settled models.Contract
	for settled.Status != models.ContractWon {
		e := rec.waitFor(t, events.TypeContractUpdate)
		settled = e.Payload.(events.ContractUpdate).Contract
	}
	if !settled.Profit.Equal(decimal.RequireFromString("1.35")) || settled.EntrySpot != 1234.56 || settled.SettledAt.IsZero() {
		t.Errorf("settled contract = %+v", settled)
	}
	if len(c.Subscriptions()) != 0 {
		t.Errorf("settled contract still subscribed: %v", c.Subscriptions())
	}
}

func TestClient_ReconnectReauthorizesAndResubscribes(t *testing.T) {
	f := newFakeDeriv(t)
	rec := newRecorder()
	c := NewClient(Config{URL: f.url(), RequestTimeout: 2 * time.Second, MaxReconnectDelay: time.Second}, rec)

	reconnected := make(chan struct{}, 1)
	c.OnConnect(func(ctx context.Context, reconnect bool) {
		if reconnect {
			reconnected <- struct{}{}
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runErr := make(chan error, 1)
	go func() { runErr <- c.Run(ctx) }()

	deadline := time.Now().Add(3 * time.Second)
	for !c.Connected() && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if _, err := c.Authorize(ctx, "good"); err != nil {
		t.Fatalf("Authorize: %v", err)
	}
	if err := c.SubscribeTicks(ctx, "R_100"); err != nil {
		t.Fatalf("SubscribeTicks: %v", err)
	}

	_ = f.conn(0).ws.Close()

	select {
	case <-reconnected:
	case <-time.After(5 * time.Second):
		t.Fatal("client did not reconnect")
	}
	if f.connCount() != 2 {
		t.Fatalf("connections = %d, want 2", f.connCount())
	}
	// Tick streams are replayed once the hooks have returned.
	got := waitRequests(t, f, 1, 2)
	if got[0] != "authorize" || got[1] != "ticks" {
		t.Errorf("requests after reconnect = %v, want [authorize ticks]", got)
	}

	cancel()
	select {
	case err := <-runErr:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Run returned %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not stop")
	}
}

func TestClient_ForgetAll(t *testing.T) {
	f := newFakeDeriv(t)
	c := testClient(t, f, nil)
	connect(t, c)
	ctx := context.Background()

	if _, err := c.SubscribeBalance(ctx); err != nil {
		t.Fatalf("SubscribeBalance: %v", err)
	}
	if err := c.SubscribeTicks(ctx, "R_50"); err != nil {
		t.Fatalf("SubscribeTicks: %v", err)
	}
	if err := c.ForgetAll(ctx, "balance", "proposal_open_contract"); err != nil {
		t.Fatalf("ForgetAll: %v", err)
	}
	subs := c.Subscriptions()
	if len(subs) != 1 || subs[0] != "ticks:R_50" {
		t.Errorf("subscriptions = %v", subs)
	}
}

func waitRequests(t *testing.T, f *fakeDeriv, conn, n int) []string {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		got := f.requestsOn(conn)
		if len(got) >= n {
			return got
		}
		if time.Now().After(deadline) {
			t.Fatalf("connection %d saw requests %v, want at least %d", conn, got, n)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// tickFeed forwards tick events into an aggregator, as the bus does in main.
type tickFeed struct {
	agg *digits.Aggregator
}

func (f tickFeed) Emit(t events.Type, payload any) {
	if tick, ok := payload.(models.Tick); ok && t == events.TypeTick {
		f.agg.Ingest(tick)
	}
}

func TestClient_ReconnectFillsTickGap(t *testing.T) {
	f := newFakeDeriv(t)
	f.handle("ticks", func(c *fakeConn, req map[string]any) {
		epoch := 2000
		if c == f.conn(0) {
			epoch = 1000
		}
		c.reply(req, "tick", map[string]any{
			"tick":         map[string]any{"symbol": req["ticks"], "quote": 100.5, "epoch": epoch, "pip_size": 2},
			"subscription": map[string]any{"id": "tick-sub"},
		})
	})
	f.handle("ticks_history", func(c *fakeConn, req map[string]any) {
		prices := make([]any, 0, 10)
		times := make([]int64, 0, 10)
		for i := 1; i <= 10; i++ {
			prices = append(prices, 100+float64(i)/100)
			times = append(times, int64(1000+i))
		}
		c.reply(req, "history", map[string]any{
			"history":  map[string]any{"prices": prices, "times": times},
			"pip_size": 2,
		})
	})

	agg := digits.NewAggregator(digits.DefaultConfig(), nil, nil)
	c := NewClient(Config{URL: f.url(), RequestTimeout: 2 * time.Second, MaxReconnectDelay: time.Second}, tickFeed{agg: agg})

	added := make(chan int, 1)
	c.OnConnect(func(ctx context.Context, reconnect bool) {
		if !reconnect {
			return
		}
		ticks, err := c.TicksHistory(ctx, "R_100", 10)
		if err != nil {
			t.Errorf("TicksHistory: %v", err)
			added <- 0
			return
		}
		_, n := agg.Seed("R_100", ticks)
		added <- n
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = c.Run(ctx) }()

	deadline := time.Now().Add(3 * time.Second)
	for !c.Connected() && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if err := c.SubscribeTicks(ctx, "R_100"); err != nil {
		t.Fatalf("SubscribeTicks: %v", err)
	}
	deadline = time.Now().Add(3 * time.Second)
	for agg.LastEpoch("R_100") != 1000 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if agg.LastEpoch("R_100") != 1000 {
		t.Fatalf("last epoch before drop = %d, want 1000", agg.LastEpoch("R_100"))
	}

	_ = f.conn(0).ws.Close()

	select {
	case n := <-added:
		if n != 10 {
			t.Errorf("gap ticks added = %d, want 10", n)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("client did not reconnect")
	}

	deadline = time.Now().Add(3 * time.Second)
	for agg.LastEpoch("R_100") != 2000 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	stats, _ := agg.Stats("R_100")
	if stats.Total != 12 || agg.LastEpoch("R_100") != 2000 {
		t.Errorf("window total = %d, last epoch = %d, want 12 and 2000", stats.Total, agg.LastEpoch("R_100"))
	}
}

func TestReconnectBackOffCap(t *testing.T) {
	tests := []struct {
		name string
		max  time.Duration
	}{
		{"default cap", 30 * time.Second},
		{"short cap", 3 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := newReconnectBackOff(tt.max)
			if first := b.NextBackOff(); first != time.Second {
				t.Errorf("first wait = %v, want 1s", first)
			}
			for i := 0; i < 200; i++ {
				if wait := b.NextBackOff(); wait > tt.max || wait <= 0 {
					t.Fatalf("wait %d = %v, want within (0, %v]", i, wait, tt.max)
				}
			}
			if last := b.NextBackOff(); last != tt.max {
				t.Errorf("settled wait = %v, want %v", last, tt.max)
			}
		})
	}
}

func TestClient_Sell(t *testing.T) {
	f := newFakeDeriv(t)
	f.handle("sell", func(c *fakeConn, req map[string]any) {
		if req["sell"] != float64(555) {
			c.reply(req, "sell", map[string]any{
				"error": map[string]any{"code": "InvalidSellContractProposal", "message": "Contract not found."},
			})
			return
		}
		c.reply(req, "sell", map[string]any{"sell": map[string]any{
			"contract_id": 555, "sold_for": 0.8, "balance_after": 9999.3, "transaction_id": 42,
		}})
	})
	c := testClient(t, f, nil)
	connect(t, c)

	receipt, err := c.Sell(context.Background(), 555)
	if err != nil {
		t.Fatalf("Sell: %v", err)
	}
	if receipt.ContractID != 555 || !receipt.SoldFor.Equal(decimal.RequireFromString("0.8")) || receipt.TransactionID != 42 {
		t.Errorf("receipt = %+v", receipt)
	}

	_, err = c.Sell(context.Background(), 1)
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Code != "InvalidSellContractProposal" {
		t.Errorf("expected InvalidSellContractProposal, got %v", err)
	}
}

func TestClient_CreateAPIToken(t *testing.T) {
	f := newFakeDeriv(t)
	var scopes []any
	var mu sync.Mutex
	f.handle("api_token", func(c *fakeConn, req map[string]any) {
		mu.Lock()
		scopes, _ = req["new_token_scopes"].([]any)
		mu.Unlock()
		c.reply(req, "api_token", map[string]any{"api_token": map[string]any{
			"new_token": 1,
			"tokens": []map[string]any{
				{"display_name": "older", "token": "tok-old"},
				{"display_name": req["new_token"], "token": "tok-new"},
			},
		}})
	})
	c := testClient(t, f, nil)
	connect(t, c)

	token, err := c.CreateAPIToken(context.Background(), "digitbot", []string{"read", "trade"})
	if err != nil {
		t.Fatalf("CreateAPIToken: %v", err)
	}
	if token != "tok-new" {
		t.Errorf("token = %q, want tok-new", token)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(scopes) != 2 || scopes[0] != "read" || scopes[1] != "trade" {
		t.Errorf("scopes = %v", scopes)
	}
}

func TestClient_CashierURL(t *testing.T) {
	f := newFakeDeriv(t)
	f.handle("cashier", func(c *fakeConn, req map[string]any) {
		if req["cashier"] == "withdraw" && req["verification_code"] == nil {
			c.reply(req, "cashier", map[string]any{
				"error": map[string]any{"code": "InputValidationFailed", "message": "Verification code is required."},
			})
			return
		}
		c.reply(req, "cashier", map[string]any{"cashier": "https://cashier.deriv.com/" + req["cashier"].(string)})
	})
	c := testClient(t, f, nil)
	connect(t, c)
	ctx := context.Background()

	tests := []struct {
		name    string
		action  string
		code    string
		want    string
		wantErr bool
	}{
		{"deposit", "Deposit", "", "https://cashier.deriv.com/deposit", false},
		{"withdraw with code", "withdraw", "123456", "https://cashier.deriv.com/withdraw", false},
		{"withdraw without code", "withdraw", "", "", true},
		{"unknown action", "transfer", "", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := c.CashierURL(ctx, tt.action, tt.code)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("url = %q, want %q", got, tt.want)
			}
		})
	}
	calls := 0
	for _, kind := range f.requestsOn(0) {
		if kind == "cashier" {
			calls++
		}
	}
	if calls != 3 {
		t.Errorf("cashier calls = %d, want 3", calls)
	}
}
