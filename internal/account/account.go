package account

import (
	"encoding/json"
	"errors"
	"strconv"
	"strings"
)

// ChannelWebData2 is the feed channel that carries full account snapshots.
const ChannelWebData2 = "webData2"

// State is the latest snapshot reported for one account. Each feed message
// replaces it wholesale.
type State struct {
	Positions  []Position
	OpenOrders []Order
	Margin     MarginSummary
}

type Position struct {
	Asset            string
	Size             float64
	PositionValue    float64
	LiquidationPrice float64
	Leverage         Leverage
}

type Leverage struct {
	Type  string
	Value float64
}

type Order struct {
	Asset        string
	Side         string
	OrderID      int64
	Size         float64
	OriginalSize float64
	LimitPrice   float64
	Timestamp    int64
}

type MarginSummary struct {
	AccountValue    float64
	TotalRawUSD     float64
	TotalMarginUsed float64
}

// PositionFor returns the position held in asset, if any.
func (s State) PositionFor(asset string) (Position, bool) {
	for _, pos := range s.Positions {
		if pos.Asset == asset {
			return pos, true
		}
	}
	return Position{}, false
}

// OrdersFor returns the resting orders on asset in feed order.
func (s State) OrdersFor(asset string) []Order {
	var out []Order
	for _, order := range s.OpenOrders {
		if order.Asset == asset {
			out = append(out, order)
		}
	}
	return out
}

func (s State) clone() State {
	return State{
		Positions:  append([]Position(nil), s.Positions...),
		OpenOrders: append([]Order(nil), s.OpenOrders...),
		Margin:     s.Margin,
	}
}

// ParseMessage decodes a raw feed frame. ok is false for frames on other
// channels (subscription acks, pongs).
func ParseMessage(raw json.RawMessage) (State, bool, error) {
	var envelope struct {
		Channel string          `json:"channel"`
		Data    json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return State{}, false, err
	}
	if envelope.Channel != ChannelWebData2 {
		return State{}, false, nil
	}
	var data map[string]any
	if err := json.Unmarshal(envelope.Data, &data); err != nil {
		return State{}, false, err
	}
	if data == nil {
		return State{}, false, errors.New("webData2 payload missing")
	}
	return parseWebData2(data), true, nil
}

func parseWebData2(data map[string]any) State {
	state := State{OpenOrders: parseOpenOrders(data["openOrders"])}
	clearinghouse, _ := data["clearinghouseState"].(map[string]any)
	if clearinghouse == nil {
		return state
	}
	state.Positions = parsePositions(clearinghouse)
	if summary, ok := clearinghouse["marginSummary"].(map[string]any); ok {
		state.Margin = MarginSummary{
			AccountValue:    floatOrZero(summary["accountValue"]),
			TotalRawUSD:     floatOrZero(summary["totalRawUsd"]),
			TotalMarginUsed: floatOrZero(summary["totalMarginUsed"]),
		}
	}
	return state
}

func parsePositions(payload map[string]any) []Position {
	raw, ok := payload["assetPositions"].([]any)
	if !ok || len(raw) == 0 {
		return nil
	}
	positions := make([]Position, 0, len(raw))
	for _, item := range raw {
		entry, ok := item.(map[string]any)
		if !ok {
			continue
		}
		pos := entry
		if nested, ok := entry["position"].(map[string]any); ok {
			pos = nested
		}
		asset := stringFromAny(pos["coin"])
		if asset == "" {
			continue
		}
		size, ok := floatFromAny(pos["szi"])
		if !ok || size == 0 {
			continue
		}
		p := Position{
			Asset:            asset,
			Size:             size,
			PositionValue:    floatOrZero(pos["positionValue"]),
			LiquidationPrice: floatOrZero(pos["liquidationPx"]),
		}
		if lev, ok := pos["leverage"].(map[string]any); ok {
			p.Leverage = Leverage{Type: stringFromAny(lev["type"]), Value: floatOrZero(lev["value"])}
		}
		positions = append(positions, p)
	}
	return positions
}

func parseOpenOrders(payload any) []Order {
	raw, ok := payload.([]any)
	if !ok || len(raw) == 0 {
		return nil
	}
	orders := make([]Order, 0, len(raw))
	for _, item := range raw {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		asset := stringFromAny(m["coin"])
		if asset == "" {
			continue
		}
		orders = append(orders, Order{
			Asset:        asset,
			Side:         stringFromAny(m["side"]),
			OrderID:      int64FromAny(m["oid"]),
			Size:         floatOrZero(m["sz"]),
			OriginalSize: floatOrZero(m["origSz"]),
			LimitPrice:   floatOrZero(m["limitPx"]),
			Timestamp:    int64FromAny(m["timestamp"]),
		})
	}
	return orders
}

func stringFromAny(v any) string {
	switch val := v.(type) {
	case string:
		return strings.TrimSpace(val)
	case float64:
		return strconv.FormatFloat(val, 'f', 0, 64)
	case json.Number:
		return val.String()
	default:
		return ""
	}
}

func floatFromAny(v any) (float64, bool) {
	switch val := v.(type) {
	case float64:
		return val, true
	case json.Number:
		f, err := val.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(val), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func floatOrZero(v any) float64 {
	f, _ := floatFromAny(v)
	return f
}

func int64FromAny(v any) int64 {
	switch val := v.(type) {
	case float64:
		return int64(val)
	case json.Number:
		i, err := val.Int64()
		if err == nil {
			return i
		}
	case string:
		i, err := strconv.ParseInt(strings.TrimSpace(val), 10, 64)
		if err == nil {
			return i
		}
	}
	return 0
}

// NormalizeAddr is the store key for an account address.
func NormalizeAddr(addr string) string {
	return strings.ToLower(strings.TrimSpace(addr))
}
