package rest

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func newInfoServer(t *testing.T, responses map[string]string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/info" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		var req InfoRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		body, ok := responses[req.Type+":"+req.User]
		if !ok {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":"unsupported"}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(body))
	}))
}

func TestMetaAndMids(t *testing.T) {
	srv := newInfoServer(t, map[string]string{
		"meta:":    `{"universe":[{"name":"BTC","szDecimals":5,"maxLeverage":50},{"name":"ETH","szDecimals":4,"maxLeverage":25}]}`,
		"allMids:": `{"BTC":"65000.5","ETH":"3200"}`,
	})
	defer srv.Close()

	client := New(srv.URL, time.Second, nil, nil)
	meta, err := client.Meta(context.Background())
	if err != nil {
		t.Fatalf("meta: %v", err)
	}
	if len(meta.Universe) != 2 || meta.Universe[1].Name != "ETH" || meta.Universe[1].SzDecimals != 4 {
		t.Fatalf("unexpected meta %+v", meta)
	}
	mids, err := client.AllMids(context.Background())
	if err != nil {
		t.Fatalf("mids: %v", err)
	}
	if mids["BTC"] != "65000.5" {
		t.Fatalf("unexpected mids %v", mids)
	}
}

func TestUserState(t *testing.T) {
	srv := newInfoServer(t, map[string]string{
		"clearinghouseState:0xabc": `{"assetPositions":[{"type":"oneWay","position":{"coin":"BTC","szi":"-0.5"}}],"marginSummary":{"accountValue":"1234.5","totalMarginUsed":"10"}}`,
		"openOrders:0xabc":         `[{"coin":"BTC","side":"A","limitPx":"70000","sz":"0.1","oid":42,"timestamp":1}]`,
	})
	defer srv.Close()

	client := New(srv.URL, time.Second, nil, nil)
	st, err := client.ClearinghouseState(context.Background(), "0xabc")
	if err != nil {
		t.Fatalf("clearinghouse: %v", err)
	}
	if len(st.AssetPositions) != 1 || st.AssetPositions[0].Position.Szi != "-0.5" || st.MarginSummary.AccountValue != "1234.5" {
		t.Fatalf("unexpected state %+v", st)
	}
	orders, err := client.OpenOrders(context.Background(), "0xabc")
	if err != nil {
		t.Fatalf("open orders: %v", err)
	}
	if len(orders) != 1 || orders[0].Oid != 42 {
		t.Fatalf("unexpected orders %+v", orders)
	}
}

func TestInfoHTTPError(t *testing.T) {
	srv := newInfoServer(t, nil)
	defer srv.Close()
	client := New(srv.URL, time.Second, nil, nil)
	if _, err := client.Meta(context.Background()); err == nil {
		t.Fatalf("expected error on http 400")
	}
}
