// Package deriv is the single connection manager for the Deriv WebSocket API.
package deriv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/rewired-gh/digitbot/internal/events"
	"github.com/rewired-gh/digitbot/internal/logger"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

var (
	ErrNotConnected = errors.New("deriv: not connected")
	ErrClosed       = errors.New("deriv: client closed")
	ErrTimeout      = errors.New("deriv: request timed out")
)

// Publisher receives decoded push messages and connection status changes.
// Emit runs on the read loop, so implementations must not wait on requests
// made through the same client.
type Publisher interface {
	Emit(t events.Type, payload any)
}

// Config holds connection parameters.
type Config struct {
	URL               string
	RequestTimeout    time.Duration
	PingInterval      time.Duration
	MaxReconnectDelay time.Duration
	RequestsPerSecond float64
	RequestBurst      int
}

type response struct {
	env envelope
	raw json.RawMessage
	err error
}

// subscription is a stream request replayed after every reconnect.
type subscription struct {
	kind string
	req  map[string]any
	id   string
}

// Client multiplexes requests and subscriptions over one WebSocket.
type Client struct {
	cfg     Config
	bus     Publisher
	log     zerolog.Logger
	limiter *rate.Limiter
	dialer  *websocket.Dialer
	nextID  atomic.Int64

	writeMu sync.Mutex

	mu        sync.Mutex
	conn      *websocket.Conn
	done      chan struct{}
	closed    bool
	token     string
	pending   map[int64]chan response
	subs      map[string]*subscription
	onConnect []func(ctx context.Context, reconnect bool)
}

// NewClient creates a client. bus may be nil.
func NewClient(cfg Config, bus Publisher) *Client {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if cfg.MaxReconnectDelay <= 0 {
		cfg.MaxReconnectDelay = 30 * time.Second
	}
	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	burst := cfg.RequestBurst
	if burst < 1 {
		burst = 1
	}
	return &Client{
		cfg:     cfg,
		bus:     bus,
		log:     logger.Component("deriv"),
		limiter: rate.NewLimiter(limit, burst),
		dialer:  &websocket.Dialer{HandshakeTimeout: 15 * time.Second},
		pending: make(map[int64]chan response),
		subs:    make(map[string]*subscription),
	}
}

// OnConnect registers fn to run after every successful (re)connect, once the
// session has been re-authorized and account streams replayed. Tick streams
// are replayed after every fn has returned.
func (c *Client) OnConnect(fn func(ctx context.Context, reconnect bool)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onConnect = append(c.onConnect, fn)
}

// Connected reports whether a connection is currently open.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Connect dials the API and starts the read loop.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.conn != nil {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	conn, _, err := c.dialer.DialContext(ctx, c.cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("failed to dial %s: %w", c.cfg.URL, err)
	}

	done := make(chan struct{})
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = conn.Close()
		return ErrClosed
	}
	c.conn = conn
	c.done = done
	c.mu.Unlock()

	go c.readLoop(conn, done)
	c.log.Info().Str("url", c.cfg.URL).Msg("connected")
	c.emit(events.TypeConnectionStatus, events.ConnectionStatus{Connected: true})
	return nil
}

// Run keeps the connection alive until ctx is cancelled. After every drop it
// reconnects with exponential backoff, re-authorizes, and replays every
// active subscription.
func (c *Client) Run(ctx context.Context) error {
	b := newReconnectBackOff(c.cfg.MaxReconnectDelay)

	first := true
	attempt := 0
	for {
		if ctx.Err() != nil {
			c.Close()
			return ctx.Err()
		}

		if !c.Connected() {
			if err := c.Connect(ctx); err != nil {
				if errors.Is(err, ErrClosed) {
					return err
				}
				attempt++
				wait := b.NextBackOff()
				c.log.Warn().Err(err).Int("attempt", attempt).Dur("retry_in", wait).Msg("connect failed")
				c.emit(events.TypeConnectionStatus, events.ConnectionStatus{Attempt: attempt, Error: err.Error()})
				if !sleep(ctx, wait) {
					c.Close()
					return ctx.Err()
				}
				continue
			}
			b.Reset()
			attempt = 0
			c.restore(ctx, !first)
			first = false
		}

		if err := c.supervise(ctx); errors.Is(err, ErrClosed) {
			return err
		}
	}
}

// newReconnectBackOff doubles from 1s up to limit. Jitter is disabled so no
// wait exceeds limit.
func newReconnectBackOff(limit time.Duration) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = limit
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// supervise sends heartbeats until the current connection drops or ctx ends.
func (c *Client) supervise(ctx context.Context) error {
	c.mu.Lock()
	done := c.done
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if done == nil {
		return ErrNotConnected
	}

	var tick <-chan time.Time
	if c.cfg.PingInterval > 0 {
		t := time.NewTicker(c.cfg.PingInterval)
		defer t.Stop()
		tick = t.C
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-done:
			return ErrNotConnected
		case <-tick:
			pctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
			err := c.Ping(pctx)
			cancel()
			if err != nil && ctx.Err() == nil {
				c.log.Warn().Err(err).Msg("heartbeat failed, dropping connection")
				c.dropConn()
				return ErrNotConnected
			}
		}
	}
}

// restore re-authorizes and replays subscriptions on a fresh connection.
// Tick streams are replayed after the OnConnect hooks so a hook can merge
// the ticks missed during the outage before live ticks move the epoch on.
func (c *Client) restore(ctx context.Context, reconnect bool) {
	c.mu.Lock()
	token := c.token
	subs := make(map[string]*subscription, len(c.subs))
	for k, s := range c.subs {
		subs[k] = s
	}
	hooks := append([]func(context.Context, bool){}, c.onConnect...)
	c.mu.Unlock()

	if token != "" {
		if _, err := c.Authorize(ctx, token); err != nil {
			c.log.Error().Err(err).Msg("re-authorize failed")
			c.emit(events.TypeTokenValidated, events.TokenValidated{Valid: false, Error: err.Error()})
		}
	}
	c.replay(ctx, subs, func(kind string) bool { return kind != "ticks" })
	for _, fn := range hooks {
		fn(ctx, reconnect)
	}
	c.replay(ctx, subs, func(kind string) bool { return kind == "ticks" })
	if reconnect {
		c.log.Info().Int("subscriptions", len(subs)).Msg("connection restored")
	}
}

func (c *Client) replay(ctx context.Context, subs map[string]*subscription, match func(kind string) bool) {
	for key, s := range subs {
		if !match(s.kind) {
			continue
		}
		if err := c.subscribe(ctx, key, s.kind, s.req, nil); err != nil {
			c.log.Warn().Err(err).Str("subscription", key).Msg("resubscribe failed")
		}
	}
}

// Close shuts the client down permanently.
func (c *Client) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.dropConn()
}

func (c *Client) dropConn() {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}

func (c *Client) readLoop(conn *websocket.Conn, done chan struct{}) {
	var readErr error
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			readErr = err
			break
		}
		c.dispatch(data)
	}

	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
		c.done = nil
	}
	pending := c.pending
	c.pending = make(map[int64]chan response)
	closed := c.closed
	c.mu.Unlock()
	close(done)

	for _, ch := range pending {
		ch <- response{err: ErrNotConnected}
	}
	if !closed {
		c.log.Warn().Err(readErr).Msg("connection lost")
	}
	c.emit(events.TypeConnectionStatus, events.ConnectionStatus{Connected: false, Error: errString(readErr)})
}

func (c *Client) dispatch(data []byte) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		c.log.Warn().Err(err).Msg("malformed message")
		return
	}
	if env.Error != nil {
		env.Error.MsgType = env.MsgType
	}

	c.mu.Lock()
	ch, ok := c.pending[env.ReqID]
	if ok {
		delete(c.pending, env.ReqID)
	}
	c.mu.Unlock()
	if ok {
		ch <- response{env: env, raw: data}
	}

	if env.Error == nil {
		c.handlePush(env.MsgType, data)
	}
}

func (c *Client) handlePush(msgType string, data []byte) {
	switch msgType {
	case "tick":
		var msg struct {
			Tick tickPayload `json:"tick"`
		}
		if err := json.Unmarshal(data, &msg); err != nil {
			c.log.Warn().Err(err).Msg("malformed tick")
			return
		}
		c.emit(events.TypeTick, msg.Tick.toModel())
	case "proposal_open_contract":
		var msg struct {
			Contract *openContract `json:"proposal_open_contract"`
		}
		if err := json.Unmarshal(data, &msg); err != nil {
			c.log.Warn().Err(err).Msg("malformed contract update")
			return
		}
		if msg.Contract == nil || msg.Contract.ContractID == 0 {
			return
		}
		contract := msg.Contract.toModel()
		if contract.IsSettled() {
			c.mu.Lock()
			delete(c.subs, contractKey(contract.ContractID))
			c.mu.Unlock()
		}
		c.emit(events.TypeContractUpdate, events.ContractUpdate{Contract: contract})
	case "balance":
		var msg struct {
			Balance balancePayload `json:"balance"`
		}
		if err := json.Unmarshal(data, &msg); err != nil {
			c.log.Warn().Err(err).Msg("malformed balance")
			return
		}
		c.emit(events.TypeBalanceUpdate, events.BalanceUpdate{
			LoginID:  msg.Balance.LoginID,
			Balance:  msg.Balance.Balance,
			Currency: msg.Balance.Currency,
		})
	}
}

// call sends req and waits for the correlated response. out, if non-nil,
// receives the full response message.
func (c *Client) call(ctx context.Context, req map[string]any, out any) (envelope, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return envelope{}, err
	}

	id := c.nextID.Add(1)
	req["req_id"] = id
	ch := make(chan response, 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return envelope{}, ErrClosed
	}
	conn := c.conn
	if conn == nil {
		c.mu.Unlock()
		return envelope{}, ErrNotConnected
	}
	c.pending[id] = ch
	c.mu.Unlock()

	c.writeMu.Lock()
	err := conn.WriteJSON(req)
	c.writeMu.Unlock()
	if err != nil {
		c.forget(id)
		return envelope{}, fmt.Errorf("failed to send request: %w", err)
	}

	timer := time.NewTimer(c.cfg.RequestTimeout)
	defer timer.Stop()

	select {
	case resp := <-ch:
		if resp.err != nil {
			return envelope{}, resp.err
		}
		if resp.env.Error != nil {
			return resp.env, resp.env.Error
		}
		if out != nil {
			if err := json.Unmarshal(resp.raw, out); err != nil {
				return resp.env, fmt.Errorf("failed to decode %s response: %w", resp.env.MsgType, err)
			}
		}
		return resp.env, nil
	case <-timer.C:
		c.forget(id)
		return envelope{}, ErrTimeout
	case <-ctx.Done():
		c.forget(id)
		return envelope{}, ctx.Err()
	}
}

func (c *Client) forget(id int64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// subscribe sends a streaming request and records it for replay under key.
func (c *Client) subscribe(ctx context.Context, key, kind string, req map[string]any, out any) error {
	// The replayed request must not carry a stale req_id.
	payload := make(map[string]any, len(req)+1)
	for k, v := range req {
		if k != "req_id" {
			payload[k] = v
		}
	}
	payload["subscribe"] = 1

	env, err := c.call(ctx, payload, out)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.Code == "AlreadySubscribed" {
			return nil
		}
		return err
	}

	s := &subscription{kind: kind, req: req}
	if env.Subscription != nil {
		s.id = env.Subscription.ID
	}
	c.mu.Lock()
	c.subs[key] = s
	c.mu.Unlock()
	return nil
}

// Subscriptions returns the keys of every active subscription.
func (c *Client) Subscriptions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	keys := make([]string, 0, len(c.subs))
	for k := range c.subs {
		keys = append(keys, k)
	}
	return keys
}

func (c *Client) emit(t events.Type, payload any) {
	if c.bus != nil {
		c.bus.Emit(t, payload)
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

const balanceKey = "balance"

func ticksKey(symbol string) string {
	return "ticks:" + symbol
}

func contractKey(id int64) string {
	return fmt.Sprintf("contract:%d", id)
}

func hasKind(key, kind string) bool {
	return key == kind || strings.HasPrefix(key, kind+":")
}
