package exchange

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"hl-unit-keeper/internal/state/sqlite"

	"go.uber.org/zap"
)

func TestNextNonceAtLeastNow(t *testing.T) {
	var n nonces
	start := uint64(time.Now().UnixMilli())
	if got := n.next(); got < start {
		t.Fatalf("expected nonce >= %d, got %d", start, got)
	}
}

func TestNextNonceMonotonicWhenTimeDoesNotAdvance(t *testing.T) {
	var n nonces
	base := uint64(time.Now().UnixMilli()) + 86_400_000
	n.last.Store(base)
	if got := n.next(); got != base+1 {
		t.Fatalf("expected %d, got %d", base+1, got)
	}
	if got := n.next(); got != base+2 {
		t.Fatalf("expected %d, got %d", base+2, got)
	}
}

func TestNextNonceConcurrentUnique(t *testing.T) {
	var n nonces
	base := uint64(time.Now().UnixMilli()) + 86_400_000
	n.last.Store(base)

	const count = 128
	results := make([]uint64, count)
	var wg sync.WaitGroup
	wg.Add(count)
	for i := 0; i < count; i++ {
		go func(idx int) {
			defer wg.Done()
			results[idx] = n.next()
		}(i)
	}
	wg.Wait()

	seen := make(map[uint64]struct{}, count)
	for i, nonce := range results {
		if _, ok := seen[nonce]; ok {
			t.Fatalf("duplicate nonce %d at index %d", nonce, i)
		}
		if nonce <= base || nonce > base+count {
			t.Fatalf("nonce %d outside (%d, %d]", nonce, base, base+count)
		}
		seen[nonce] = struct{}{}
	}
}

func TestUseNonceStoreSeedsAndPersists(t *testing.T) {
	signer, err := NewSigner("4f3edf983ac636a65a842ce7c78d9aa706d3b113bce036f81af8f9b72d3d80b2", true)
	if err != nil {
		t.Fatalf("signer error: %v", err)
	}
	store, err := sqlite.New(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("store init: %v", err)
	}
	defer store.Close()
	ctx := context.Background()
	client, err := NewClient("https://api.hyperliquid.xyz", signer, WithLogger(zap.NewNop()))
	if err != nil {
		t.Fatalf("client init: %v", err)
	}
	stored := uint64(time.Now().UnixMilli()) + 10_000
	key := nonceKey(client.baseURL, signer)
	if err := store.Set(ctx, key, strconv.FormatUint(stored, 10)); err != nil {
		t.Fatalf("store seed: %v", err)
	}
	seed, err := client.UseNonceStore(ctx, store)
	if err != nil {
		t.Fatalf("use nonce store: %v", err)
	}
	if seed != stored {
		t.Fatalf("expected seed %d, got %d", stored, seed)
	}
	nonce := client.nonces.next()
	if nonce != stored+1 {
		t.Fatalf("expected nonce %d, got %d", stored+1, nonce)
	}
	raw, ok, err := store.Get(ctx, key)
	if err != nil || !ok {
		t.Fatalf("expected stored nonce, ok=%v err=%v", ok, err)
	}
	if persisted, err := strconv.ParseUint(raw, 10, 64); err != nil || persisted != nonce {
		t.Fatalf("expected stored nonce %d, got %q", nonce, raw)
	}

	if err := store.Set(ctx, key, "garbage"); err != nil {
		t.Fatalf("store corrupt: %v", err)
	}
	if _, err := client.UseNonceStore(ctx, store); err == nil {
		t.Fatalf("expected error for corrupt stored nonce")
	}
}

func TestPlaceOrdersPostsSignedAction(t *testing.T) {
	var got SignedAction
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/exchange" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		_, _ = w.Write([]byte(`{"status":"ok","response":{"type":"order","data":{"statuses":[{"filled":{"oid":11,"totalSz":"0.5","avgPx":"100"}}]}}}`))
	}))
	defer srv.Close()

	signer, err := NewSigner("4f3edf983ac636a65a842ce7c78d9aa706d3b113bce036f81af8f9b72d3d80b2", true)
	if err != nil {
		t.Fatalf("signer error: %v", err)
	}
	client, err := NewClient(srv.URL, signer, WithTimeout(time.Second))
	if err != nil {
		t.Fatalf("client init: %v", err)
	}
	order, err := LimitOrderWire(3, true, 0.5, 101, false, TifIoc, "")
	if err != nil {
		t.Fatalf("order wire: %v", err)
	}
	statuses, err := client.PlaceOrders(context.Background(), order)
	if err != nil {
		t.Fatalf("place orders: %v", err)
	}
	if len(statuses) != 1 || !statuses[0].Filled || statuses[0].FilledSize != 0.5 {
		t.Fatalf("unexpected statuses %+v", statuses)
	}
	if got.Nonce == 0 || got.Signature.R == "" || (got.Signature.V != 27 && got.Signature.V != 28) {
		t.Fatalf("unexpected signed payload %+v", got)
	}
}

func TestUpdateLeverageRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"status":"err","response":"Invalid leverage value"}`))
	}))
	defer srv.Close()

	signer, err := NewSigner("4f3edf983ac636a65a842ce7c78d9aa706d3b113bce036f81af8f9b72d3d80b2", true)
	if err != nil {
		t.Fatalf("signer error: %v", err)
	}
	client, err := NewClient(srv.URL, signer, WithTimeout(time.Second))
	if err != nil {
		t.Fatalf("client init: %v", err)
	}
	if err := client.UpdateLeverage(context.Background(), 0, 500, true); err == nil {
		t.Fatalf("expected rejection error")
	}
}
