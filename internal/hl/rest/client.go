package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
)

type Client struct {
	baseURL string
	http    *http.Client
	log     *zap.Logger
}

// New builds an /info client. transport may be nil for the default
// transport, or a proxy-routed one.
func New(baseURL string, timeout time.Duration, transport http.RoundTripper, log *zap.Logger) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{
		baseURL: baseURL,
		http: &http.Client{
			Timeout:   timeout,
			Transport: transport,
		},
		log: log,
	}
}

type InfoRequest struct {
	Type string `json:"type"`
	User string `json:"user,omitempty"`
}

type AssetMeta struct {
	Name         string `json:"name"`
	SzDecimals   int    `json:"szDecimals"`
	MaxLeverage  int    `json:"maxLeverage"`
	OnlyIsolated bool   `json:"onlyIsolated"`
}

type Meta struct {
	Universe []AssetMeta `json:"universe"`
}

type OpenOrder struct {
	Coin      string `json:"coin"`
	Side      string `json:"side"`
	LimitPx   string `json:"limitPx"`
	Sz        string `json:"sz"`
	Oid       int64  `json:"oid"`
	Timestamp int64  `json:"timestamp"`
}

type PositionWire struct {
	Coin string `json:"coin"`
	Szi  string `json:"szi"`
}

type AssetPositionWire struct {
	Position PositionWire `json:"position"`
}

type MarginSummaryWire struct {
	AccountValue    string `json:"accountValue"`
	TotalMarginUsed string `json:"totalMarginUsed"`
}

type ClearinghouseState struct {
	AssetPositions []AssetPositionWire `json:"assetPositions"`
	MarginSummary  MarginSummaryWire   `json:"marginSummary"`
}

func (c *Client) Meta(ctx context.Context) (Meta, error) {
	var meta Meta
	err := c.info(ctx, InfoRequest{Type: "meta"}, &meta)
	return meta, err
}

func (c *Client) AllMids(ctx context.Context) (map[string]string, error) {
	mids := make(map[string]string)
	err := c.info(ctx, InfoRequest{Type: "allMids"}, &mids)
	return mids, err
}

func (c *Client) ClearinghouseState(ctx context.Context, user string) (ClearinghouseState, error) {
	var st ClearinghouseState
	err := c.info(ctx, InfoRequest{Type: "clearinghouseState", User: user}, &st)
	return st, err
}

func (c *Client) OpenOrders(ctx context.Context, user string) ([]OpenOrder, error) {
	var orders []OpenOrder
	err := c.info(ctx, InfoRequest{Type: "openOrders", User: user}, &orders)
	return orders, err
}

func (c *Client) info(ctx context.Context, req interface{}, out any) error {
	payload, err := json.Marshal(req)
	if err != nil {
		return err
	}
	url := c.baseURL + "/info"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("http %d: %s", resp.StatusCode, string(body))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
