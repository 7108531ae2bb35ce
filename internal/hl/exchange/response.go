package exchange

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// OrderStatus is one entry of response.data.statuses.
type OrderStatus struct {
	OrderID    string
	Resting    bool
	Filled     bool
	FilledSize float64
	AvgPrice   float64
	Error      string
}

// CheckResponse turns an exchange reply into statuses, failing on a
// top-level "err" status or on any per-order error.
func CheckResponse(resp map[string]any) ([]OrderStatus, error) {
	if resp == nil {
		return nil, errors.New("empty exchange response")
	}
	if status, _ := resp["status"].(string); status != "ok" {
		msg := stringFromAny(resp["response"])
		if msg == "" {
			msg = fmt.Sprintf("%v", resp["response"])
		}
		return nil, fmt.Errorf("exchange rejected action: %s", msg)
	}
	body, _ := resp["response"].(map[string]any)
	data, _ := body["data"].(map[string]any)
	raw, _ := data["statuses"].([]any)
	statuses := make([]OrderStatus, 0, len(raw))
	var errs []string
	for _, entry := range raw {
		st := parseStatus(entry)
		if st.Error != "" {
			errs = append(errs, st.Error)
		}
		statuses = append(statuses, st)
	}
	if len(errs) > 0 {
		return statuses, fmt.Errorf("exchange rejected order: %s", strings.Join(errs, "; "))
	}
	return statuses, nil
}

func parseStatus(v any) OrderStatus {
	switch val := v.(type) {
	case string:
		// cancel replies use the bare string "success"
		return OrderStatus{}
	case map[string]any:
		if msg, ok := val["error"].(string); ok {
			return OrderStatus{Error: msg}
		}
		if filled, ok := val["filled"].(map[string]any); ok {
			return OrderStatus{
				OrderID:    stringFromAny(filled["oid"]),
				Filled:     true,
				FilledSize: floatFromAny(filled["totalSz"]),
				AvgPrice:   floatFromAny(filled["avgPx"]),
			}
		}
		if resting, ok := val["resting"].(map[string]any); ok {
			return OrderStatus{OrderID: stringFromAny(resting["oid"]), Resting: true}
		}
	}
	return OrderStatus{}
}

func stringFromAny(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case float64:
		return strconv.FormatInt(int64(val), 10)
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	default:
		return ""
	}
}

func floatFromAny(v any) float64 {
	switch val := v.(type) {
	case string:
		f, err := strconv.ParseFloat(val, 64)
		if err != nil {
			return 0
		}
		return f
	case float64:
		return val
	default:
		return 0
	}
}
