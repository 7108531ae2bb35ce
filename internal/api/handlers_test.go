package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"hl-unit-keeper/internal/account"
	"hl-unit-keeper/internal/batch"
	"hl-unit-keeper/internal/exec"
	"hl-unit-keeper/internal/registry"
	"hl-unit-keeper/internal/strategy"
	"hl-unit-keeper/internal/unit"
)

type fakeManager struct {
	batches    map[string]registry.Batch
	status     batch.Status
	unitErr    error
	closeErr   error
	created    []string
	closedUnit string
}

func (f *fakeManager) Batches() []registry.Batch {
	out := make([]registry.Batch, 0, len(f.batches))
	for _, b := range f.batches {
		out = append(out, b)
	}
	return out
}

func (f *fakeManager) CreateBatch(ctx context.Context, name, a1, a2 string) (registry.Batch, error) {
	if a1 == a2 {
		return registry.Batch{}, registry.ErrSameAccount
	}
	b := registry.Batch{ID: "new", Name: name, Account1ID: a1, Account2ID: a2}
	f.batches[b.ID] = b
	return b, nil
}

func (f *fakeManager) CloseBatch(ctx context.Context, id string) error {
	if _, ok := f.batches[id]; !ok {
		return fmt.Errorf("%w: %s", registry.ErrUnknownBatch, id)
	}
	return f.closeErr
}

func (f *fakeManager) Status(id string) (batch.Status, error) {
	if _, ok := f.batches[id]; !ok {
		return batch.Status{}, fmt.Errorf("%w: %s", registry.ErrUnknownBatch, id)
	}
	return f.status, nil
}

func (f *fakeManager) CreateUnit(id, asset string, size, leverage float64) error {
	if f.unitErr != nil {
		return f.unitErr
	}
	f.created = append(f.created, fmt.Sprintf("%s:%s:%v:%v", id, asset, size, leverage))
	return nil
}

func (f *fakeManager) CloseUnit(id, asset string) error {
	if f.unitErr != nil {
		return f.unitErr
	}
	f.closedUnit = id + ":" + asset
	return nil
}

func newTestServer(m *fakeManager) http.Handler {
	return NewRouter(NewHandler(m, nil))
}

func do(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestCreateBatchValidation(t *testing.T) {
	m := &fakeManager{batches: map[string]registry.Batch{}}
	h := newTestServer(m)

	rec := do(t, h, http.MethodPost, "/batches", map[string]string{"account_1_id": "a", "account_2_id": "a"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for same account, got %d", rec.Code)
	}
	rec = do(t, h, http.MethodPost, "/batches", map[string]string{"account_1_id": "a"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing account, got %d", rec.Code)
	}
	rec = do(t, h, http.MethodPost, "/batches", map[string]string{"name": "main", "account_1_id": "a", "account_2_id": "b"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var got batchResponse
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.ID != "new" || got.Account2ID != "b" {
		t.Fatalf("unexpected batch %+v", got)
	}

	rec = do(t, h, http.MethodGet, "/batches", nil)
	var list []batchResponse
	if err := json.NewDecoder(rec.Body).Decode(&list); err != nil || len(list) != 1 {
		t.Fatalf("expected one batch, got %v err=%v", list, err)
	}
}

func TestGetBatchStatus(t *testing.T) {
	created := time.Unix(1700000000, 0).UTC()
	pos := account.Position{Asset: "BTC", Size: 0.5, Leverage: account.Leverage{Type: "cross", Value: 10}}
	m := &fakeManager{
		batches: map[string]registry.Batch{"b1": {ID: "b1"}},
		status: batch.Status{
			Batch:  registry.Batch{ID: "b1", Account1ID: "a", Account2ID: "b"},
			Loaded: true,
			Balances: []batch.Balance{
				{AccountID: "a", Address: "0xa", Value: 100, Known: true},
				{AccountID: "b", Address: "0xb"},
			},
			Units: []batch.UnitView{{
				Unit: unit.Unit{
					Asset: "BTC", Size: 0.5, Leverage: 10, CreatedAt: created,
					Sides: []unit.Side{{Address: "0xa", Position: &pos}, {Address: "0xb"}},
				},
				State: strategy.StateRecreating,
				Age:   90 * time.Minute,
			}},
		},
	}
	h := newTestServer(m)

	rec := do(t, h, http.MethodGet, "/batches/b1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var got statusResponse
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !got.Loaded || got.ID != "b1" {
		t.Fatalf("unexpected status %+v", got)
	}
	if got.Balances[0].Value == nil || *got.Balances[0].Value != 100 || got.Balances[1].Value != nil {
		t.Fatalf("unexpected balances %+v", got.Balances)
	}
	if len(got.Units) != 1 || got.Units[0].State != "RECREATING" || got.Units[0].AgeSeconds != 5400 {
		t.Fatalf("unexpected units %+v", got.Units)
	}
	if sides := got.Units[0].Sides; sides[0].Position == nil || sides[1].Position != nil {
		t.Fatalf("unexpected sides %+v", sides)
	}

	if rec := do(t, h, http.MethodGet, "/batches/missing", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestCloseBatchConflict(t *testing.T) {
	m := &fakeManager{
		batches:  map[string]registry.Batch{"b1": {ID: "b1"}},
		closeErr: fmt.Errorf("%w: 2", batch.ErrUnitsOpen),
	}
	h := newTestServer(m)
	if rec := do(t, h, http.MethodDelete, "/batches/b1", nil); rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
	m.closeErr = nil
	if rec := do(t, h, http.MethodDelete, "/batches/b1", nil); rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
}

func TestUnitEndpoints(t *testing.T) {
	m := &fakeManager{batches: map[string]registry.Batch{"b1": {ID: "b1"}}}
	h := newTestServer(m)

	rec := do(t, h, http.MethodPost, "/batches/b1/units", map[string]any{"asset": "eth", "size": 1.5, "leverage": 5})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rec.Code)
	}
	if len(m.created) != 1 || m.created[0] != "b1:ETH:1.5:5" {
		t.Fatalf("unexpected create calls %v", m.created)
	}
	if rec := do(t, h, http.MethodDelete, "/batches/b1/units/ETH", nil); rec.Code != http.StatusAccepted || m.closedUnit != "b1:ETH" {
		t.Fatalf("unexpected close result %d %s", rec.Code, m.closedUnit)
	}

	m.unitErr = fmt.Errorf("%w: ETH is closing", exec.ErrBusy)
	if rec := do(t, h, http.MethodDelete, "/batches/b1/units/ETH", nil); rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 for busy asset, got %d", rec.Code)
	}
	m.unitErr = fmt.Errorf("%w: size must be > 0", exec.ErrInvalidParams)
	if rec := do(t, h, http.MethodPost, "/batches/b1/units", map[string]any{"asset": "ETH"}); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for invalid params, got %d", rec.Code)
	}
}
