package exchange

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
)

const defaultBaseURL = "https://api.hyperliquid.xyz"

// Client signs and posts actions for one account to /exchange.
type Client struct {
	baseURL string
	http    *http.Client
	signer  *Signer
	nonces  nonces
}

type ClientOption func(*Client)

// WithTransport routes requests through rt, usually the account's proxy.
func WithTransport(rt http.RoundTripper) ClientOption {
	return func(c *Client) {
		c.http.Transport = rt
	}
}

func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		c.http.Timeout = d
	}
}

func WithLogger(log *zap.Logger) ClientOption {
	return func(c *Client) {
		c.nonces.log = log
	}
}

func NewClient(baseURL string, signer *Signer, opts ...ClientOption) (*Client, error) {
	if signer == nil {
		return nil, errors.New("signer is required")
	}
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	c := &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 10 * time.Second},
		signer:  signer,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// UseNonceStore continues the nonce sequence from store and persists every
// nonce issued afterwards. It returns the seed.
func (c *Client) UseNonceStore(ctx context.Context, store NonceStore) (uint64, error) {
	if store == nil {
		return 0, errors.New("nonce store is required")
	}
	return c.nonces.attach(ctx, store, nonceKey(c.baseURL, c.signer))
}

// PlaceOrders submits orders as one action and returns the per-order
// statuses.
func (c *Client) PlaceOrders(ctx context.Context, orders ...OrderWire) ([]OrderStatus, error) {
	if len(orders) == 0 {
		return nil, errors.New("no orders")
	}
	action := OrderAction{Type: "order", Orders: orders, Grouping: "na"}
	return c.submit(ctx, action, func(nonce uint64) (Signature, error) {
		return c.signer.SignOrderAction(action, nonce, nil, nil)
	})
}

func (c *Client) CancelOrders(ctx context.Context, cancels ...CancelWire) error {
	if len(cancels) == 0 {
		return nil
	}
	action := CancelAction{Type: "cancel", Cancels: cancels}
	_, err := c.submit(ctx, action, func(nonce uint64) (Signature, error) {
		return c.signer.SignCancelAction(action, nonce, nil, nil)
	})
	return err
}

func (c *Client) UpdateLeverage(ctx context.Context, asset, leverage int, isCross bool) error {
	action := UpdateLeverageAction{Type: "updateLeverage", Asset: asset, IsCross: isCross, Leverage: leverage}
	_, err := c.submit(ctx, action, func(nonce uint64) (Signature, error) {
		return c.signer.SignUpdateLeverage(action, nonce, nil, nil)
	})
	return err
}

// submit signs action under a fresh nonce, posts it and checks the
// exchange's verdict.
func (c *Client) submit(ctx context.Context, action any, sign func(nonce uint64) (Signature, error)) ([]OrderStatus, error) {
	nonce := c.nonces.next()
	sig, err := sign(nonce)
	if err != nil {
		return nil, err
	}
	resp, err := c.post(ctx, SignedAction{Action: action, Nonce: nonce, Signature: sig})
	if err != nil {
		return nil, err
	}
	return CheckResponse(resp)
}

func (c *Client) post(ctx context.Context, payload SignedAction) (map[string]any, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/exchange", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, fmt.Errorf("exchange http %d: %s", resp.StatusCode, msg)
	}
	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode exchange response: %w", err)
	}
	return out, nil
}
