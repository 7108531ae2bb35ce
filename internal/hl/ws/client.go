package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// webData2 snapshots routinely exceed the library's 32KiB default.
const defaultReadLimit = 8 << 20

type Option func(*Client)

// WithMaxReconnectDelay caps the exponential reconnect backoff.
func WithMaxReconnectDelay(d time.Duration) Option {
	return func(c *Client) { c.maxReconnectDelay = d }
}

// WithHTTPClient dials through the given client, e.g. one routed via a proxy.
// The client must not set a Timeout; dialing is bounded by the context.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithHooks registers callbacks fired after every successful connect and
// after every connection loss.
func WithHooks(onConnect func(), onDisconnect func(error)) Option {
	return func(c *Client) {
		c.onConnect = onConnect
		c.onDisconnect = onDisconnect
	}
}

type Client struct {
	url               string
	reconnectDelay    time.Duration
	maxReconnectDelay time.Duration
	pingInterval      time.Duration
	httpClient        *http.Client
	onConnect         func()
	onDisconnect      func(error)
	log               *zap.Logger

	mu   sync.Mutex
	conn *websocket.Conn
	subs []interface{}
}

func New(url string, reconnectDelay, pingInterval time.Duration, log *zap.Logger, opts ...Option) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	c := &Client{url: url, reconnectDelay: reconnectDelay, pingInterval: pingInterval, log: log}
	for _, opt := range opts {
		opt(c)
	}
	if c.reconnectDelay <= 0 {
		c.reconnectDelay = 500 * time.Millisecond
	}
	if c.maxReconnectDelay < c.reconnectDelay {
		c.maxReconnectDelay = c.reconnectDelay
	}
	return c
}

func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		return nil
	}
	conn, _, err := websocket.Dial(ctx, c.url, &websocket.DialOptions{HTTPClient: c.httpClient})
	if err != nil {
		return err
	}
	conn.SetReadLimit(defaultReadLimit)
	c.conn = conn
	return nil
}

// Subscribe records sub so it is replayed on every reconnect, and sends it
// right away when a connection is open.
func (c *Client) Subscribe(ctx context.Context, sub interface{}) error {
	c.mu.Lock()
	c.subs = append(c.subs, sub)
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	return writeJSON(ctx, conn, sub)
}

// Run keeps the connection alive until ctx is done. Dial and read failures
// are logged and retried with exponential backoff; they never end Run.
func (c *Client) Run(ctx context.Context, handler func(json.RawMessage)) error {
	defer c.Close()
	delay := c.reconnectDelay
	for {
		if err := c.ensureConnected(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.log.Warn("ws connect failed", zap.String("url", c.url), zap.Duration("retry_in", delay), zap.Error(err))
			c.resetConn()
			if !sleep(ctx, delay) {
				return ctx.Err()
			}
			delay = c.nextDelay(delay)
			continue
		}
		if c.onConnect != nil {
			c.onConnect()
		}
		pingCtx, cancel := context.WithCancel(ctx)
		pingDone := make(chan struct{})
		go func() {
			defer close(pingDone)
			c.pingLoop(pingCtx)
		}()
		received, err := c.readLoop(ctx, handler)
		cancel()
		<-pingDone
		c.resetConn()
		if c.onDisconnect != nil {
			c.onDisconnect(err)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.logReadLoopError(err)
		if received {
			delay = c.reconnectDelay
		}
		if !sleep(ctx, delay) {
			return ctx.Err()
		}
		delay = c.nextDelay(delay)
	}
}

// Close drops the current connection without affecting recorded subscriptions.
func (c *Client) Close() {
	c.resetConn()
}

func (c *Client) ensureConnected(ctx context.Context) error {
	if err := c.Connect(ctx); err != nil {
		return err
	}
	c.mu.Lock()
	conn := c.conn
	subs := append([]interface{}(nil), c.subs...)
	c.mu.Unlock()
	for _, sub := range subs {
		if err := writeJSON(ctx, conn, sub); err != nil {
			return err
		}
	}
	return nil
}

func (c *Client) readLoop(ctx context.Context, handler func(json.RawMessage)) (bool, error) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return false, errors.New("ws not connected")
	}
	received := false
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return received, err
		}
		received = true
		if handler != nil {
			handler(json.RawMessage(data))
		}
	}
}

func (c *Client) pingLoop(ctx context.Context) {
	c.mu.Lock()
	conn := c.conn
	interval := c.pingInterval
	c.mu.Unlock()
	if conn == nil || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := writeJSON(ctx, conn, pingMessage); err != nil {
				return
			}
		}
	}
}

func (c *Client) nextDelay(cur time.Duration) time.Duration {
	next := cur * 2
	if next > c.maxReconnectDelay {
		return c.maxReconnectDelay
	}
	return next
}

func (c *Client) logReadLoopError(err error) {
	status := websocket.CloseStatus(err)
	if status == websocket.StatusNormalClosure {
		var closeErr websocket.CloseError
		if errors.As(err, &closeErr) {
			c.log.Info("ws read loop ended", zap.Int("status", int(closeErr.Code)), zap.String("reason", closeErr.Reason))
			return
		}
		c.log.Info("ws read loop ended", zap.Error(err))
		return
	}
	c.log.Warn("ws read loop ended", zap.Error(err))
}

func (c *Client) resetConn() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		_ = c.conn.Close(websocket.StatusNormalClosure, "reset")
		c.conn = nil
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func writeJSON(ctx context.Context, conn *websocket.Conn, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

var pingMessage = map[string]any{"method": "ping"}
