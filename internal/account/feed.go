package account

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"hl-unit-keeper/internal/hl/ws"
	"hl-unit-keeper/internal/metrics"

	"go.uber.org/zap"
)

type FeedConfig struct {
	URL               string
	ReconnectDelay    time.Duration
	MaxReconnectDelay time.Duration
	PingInterval      time.Duration
}

// Feed keeps one account's webData2 subscription alive and writes every
// snapshot into the store. Transport errors never surface to the caller.
type Feed struct {
	address   string
	store     *Store
	client    *ws.Client
	metrics   *metrics.Metrics
	log       *zap.Logger
	connected bool
}

// NewFeed builds a feed for address. transport routes the dial through the
// account's proxy when non-nil.
func NewFeed(cfg FeedConfig, address string, transport http.RoundTripper, store *Store, m *metrics.Metrics, log *zap.Logger) (*Feed, error) {
	address = strings.TrimSpace(address)
	if address == "" {
		return nil, errors.New("account address is required")
	}
	if store == nil {
		return nil, errors.New("store is required")
	}
	if log == nil {
		log = zap.NewNop()
	}
	f := &Feed{
		address: address,
		store:   store,
		metrics: metrics.OrNoop(m),
		log:     log.With(zap.String("address", address)),
	}
	opts := []ws.Option{
		ws.WithMaxReconnectDelay(cfg.MaxReconnectDelay),
		ws.WithHooks(f.onConnect, f.onDisconnect),
	}
	if transport != nil {
		opts = append(opts, ws.WithHTTPClient(&http.Client{Transport: transport}))
	}
	f.client = ws.New(cfg.URL, cfg.ReconnectDelay, cfg.PingInterval, f.log, opts...)
	return f, nil
}

func (f *Feed) Address() string {
	return f.address
}

// Run subscribes and blocks until ctx is done, reconnecting as needed. The
// connection is closed on return.
func (f *Feed) Run(ctx context.Context) error {
	sub := map[string]any{
		"method": "subscribe",
		"subscription": map[string]any{
			"type": ChannelWebData2,
			"user": f.address,
		},
	}
	if err := f.client.Subscribe(ctx, sub); err != nil {
		return err
	}
	err := f.client.Run(ctx, f.handleMessage)
	f.store.Clear(f.address)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (f *Feed) handleMessage(msg json.RawMessage) {
	state, ok, err := ParseMessage(msg)
	if err != nil {
		f.log.Debug("feed decode failed", zap.Error(err))
		return
	}
	if !ok {
		return
	}
	f.metrics.FeedMessages.Inc()
	f.store.Update(f.address, state)
}

func (f *Feed) onConnect() {
	if f.connected {
		f.metrics.FeedReconnects.Inc()
	}
	f.connected = true
	f.log.Debug("feed connected")
}

func (f *Feed) onDisconnect(err error) {
	f.store.Clear(f.address)
	f.log.Debug("feed disconnected", zap.Error(err))
}
