package registry

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"hl-unit-keeper/internal/config"
	"hl-unit-keeper/internal/state/sqlite"

	"go.uber.org/zap"
)

func newTestRegistry(t *testing.T) (*Registry, *sqlite.Store) {
	t.Helper()
	store, err := sqlite.New(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	accounts := []Account{
		{ID: "a1", PublicAddress: "0xaaa", ProxyID: "p1"},
		{ID: "a2", PublicAddress: "0xbbb"},
		{ID: "a3", PublicAddress: "0xccc", ProxyID: "gone"},
	}
	proxies := []Proxy{{ID: "p1", Host: "10.0.0.1", Port: "3128", Username: "u", Password: "p"}}
	return New(accounts, proxies, store, zap.NewNop()), store
}

func TestCreateBatchRejectsSameAccount(t *testing.T) {
	reg, _ := newTestRegistry(t)
	_, err := reg.CreateBatch(context.Background(), "x", "a1", "a1")
	if !errors.Is(err, ErrSameAccount) {
		t.Fatalf("expected ErrSameAccount, got %v", err)
	}
	if len(reg.Batches()) != 0 {
		t.Fatalf("expected no batches")
	}
}

func TestCreateBatchRejectsUnknownAccount(t *testing.T) {
	reg, _ := newTestRegistry(t)
	_, err := reg.CreateBatch(context.Background(), "x", "a1", "nope")
	if !errors.Is(err, ErrUnknownAccount) {
		t.Fatalf("expected ErrUnknownAccount, got %v", err)
	}
}

func TestCreateBatchPersists(t *testing.T) {
	reg, store := newTestRegistry(t)
	ctx := context.Background()
	batch, err := reg.CreateBatch(ctx, "main", "a1", "a2")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if batch.ID == "" {
		t.Fatalf("expected generated id")
	}

	reloaded := New(reg.Accounts(), []Proxy{{ID: "p1", Host: "10.0.0.1"}}, store, zap.NewNop())
	if err := reloaded.Load(ctx, nil); err != nil {
		t.Fatalf("load: %v", err)
	}
	got, ok := reloaded.Batch(batch.ID)
	if !ok || got.Account1ID != "a1" || got.Account2ID != "a2" {
		t.Fatalf("unexpected reloaded batch %+v ok=%v", got, ok)
	}

	if err := reloaded.DeleteBatch(ctx, batch.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, ok, _ := store.Get(ctx, batchKeyPrefix+batch.ID); ok {
		t.Fatalf("expected persisted batch removed")
	}
	if err := reloaded.DeleteBatch(ctx, batch.ID); !errors.Is(err, ErrUnknownBatch) {
		t.Fatalf("expected ErrUnknownBatch, got %v", err)
	}
}

func TestLoadSeedsOnce(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()
	seeds := []config.BatchConfig{{ID: "seed", Account1ID: "a1", Account2ID: "a2"}}
	if err := reg.Load(ctx, seeds); err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := reg.Load(ctx, seeds); err != nil {
		t.Fatalf("reload: %v", err)
	}
	if n := len(reg.Batches()); n != 1 {
		t.Fatalf("expected one batch, got %d", n)
	}
}

func TestProxyResolution(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ba, err := reg.BatchAccount("a1")
	if err != nil {
		t.Fatalf("batch account: %v", err)
	}
	if ba.Proxy == nil {
		t.Fatalf("expected proxy for a1")
	}
	if got := ba.Proxy.URL().String(); got != "http://u:p@10.0.0.1:3128" {
		t.Fatalf("unexpected proxy url %s", got)
	}
	ba, err = reg.BatchAccount("a2")
	if err != nil || ba.Proxy != nil {
		t.Fatalf("expected no proxy for a2, got %+v err=%v", ba.Proxy, err)
	}
	ba, err = reg.BatchAccount("a3")
	if err != nil || ba.Proxy != nil {
		t.Fatalf("expected dangling proxy reference treated as absent, got %+v", ba.Proxy)
	}
	if _, err := reg.BatchAccount("zzz"); !errors.Is(err, ErrUnknownAccount) {
		t.Fatalf("expected ErrUnknownAccount, got %v", err)
	}
}

func TestBatchAccountTransport(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ba, _ := reg.BatchAccount("a2")
	if ba.Transport() != nil {
		t.Fatalf("expected default transport without proxy")
	}
	ba, _ = reg.BatchAccount("a1")
	tr, ok := ba.Transport().(*http.Transport)
	if !ok {
		t.Fatalf("expected *http.Transport")
	}
	req, _ := http.NewRequest(http.MethodGet, "https://api.hyperliquid.xyz/info", nil)
	proxyURL, err := tr.Proxy(req)
	if err != nil || proxyURL == nil || proxyURL.Host != "10.0.0.1:3128" {
		t.Fatalf("unexpected proxy %v err=%v", proxyURL, err)
	}
}
