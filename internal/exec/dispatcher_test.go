package exec

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"hl-unit-keeper/internal/metrics"
	"hl-unit-keeper/internal/registry"
	"hl-unit-keeper/internal/strategy"

	"go.uber.org/zap"
)

type backendCall struct {
	kind     Kind
	account1 string
	account2 string
	asset    string
	size     float64
	leverage float64
}

type fakeBackend struct {
	mu        sync.Mutex
	calls     []backendCall
	deadlines map[Kind]bool
	release   chan struct{}
	err       error
}

func (f *fakeBackend) record(ctx context.Context, c backendCall) error {
	f.mu.Lock()
	f.calls = append(f.calls, c)
	if f.deadlines == nil {
		f.deadlines = make(map[Kind]bool)
	}
	_, f.deadlines[c.kind] = ctx.Deadline()
	f.mu.Unlock()
	if f.release != nil {
		<-f.release
	}
	return f.err
}

func (f *fakeBackend) CreateUnit(ctx context.Context, a1, a2 registry.BatchAccount, asset string, size, leverage float64) error {
	return f.record(ctx, backendCall{KindCreate, a1.Account.ID, a2.Account.ID, asset, size, leverage})
}

func (f *fakeBackend) CloseUnit(ctx context.Context, a1, a2 registry.BatchAccount, asset string) error {
	return f.record(ctx, backendCall{kind: KindClose, account1: a1.Account.ID, account2: a2.Account.ID, asset: asset})
}

func (f *fakeBackend) CloseAndRecreateUnit(ctx context.Context, a1, a2 registry.BatchAccount, asset string, size, leverage float64) error {
	return f.record(ctx, backendCall{KindRecreate, a1.Account.ID, a2.Account.ID, asset, size, leverage})
}

func (f *fakeBackend) snapshot() []backendCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]backendCall(nil), f.calls...)
}

type recordingNotifier struct {
	mu       sync.Mutex
	messages []string
}

func (n *recordingNotifier) Send(ctx context.Context, message string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.messages = append(n.messages, message)
	return nil
}

type atomicCounter struct{ n atomic.Int32 }

func (c *atomicCounter) Inc() { c.n.Add(1) }

func newDispatcher(backend Backend, opts Options) *Dispatcher {
	a1 := registry.BatchAccount{Account: registry.Account{ID: "acc-1"}}
	a2 := registry.BatchAccount{Account: registry.Account{ID: "acc-2"}}
	return New(backend, a1, a2, strategy.NewLifecycle(), opts, zap.NewNop())
}

func TestDispatcherRejectsConcurrentActionOnAsset(t *testing.T) {
	backend := &fakeBackend{release: make(chan struct{})}
	d := newDispatcher(backend, Options{})

	if err := d.CreateUnit("BTC", 0.1, 10, nil); err != nil {
		t.Fatalf("create: %v", err)
	}
	if d.State("BTC") != strategy.StateCreating {
		t.Fatalf("expected BTC creating, got %s", d.State("BTC"))
	}
	if err := d.CloseUnit("BTC", nil); !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy, got %v", err)
	}
	if err := d.Recreate("BTC", 0.1, 10, nil); !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy, got %v", err)
	}
	if err := d.CloseUnit("ETH", nil); err != nil {
		t.Fatalf("other assets must not be blocked: %v", err)
	}
	close(backend.release)
	d.Wait()

	calls := backend.snapshot()
	if len(calls) != 2 {
		t.Fatalf("expected 2 backend calls, got %d", len(calls))
	}
	if d.State("BTC") != strategy.StateOpen {
		t.Fatalf("expected busy marker cleared")
	}
}

func TestDispatcherPassesBothAccounts(t *testing.T) {
	backend := &fakeBackend{}
	d := newDispatcher(backend, Options{})
	done := make(chan error, 1)
	if err := d.Recreate("SOL", 12, 3, func(err error) { done <- err }); err != nil {
		t.Fatalf("recreate: %v", err)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out")
	}
	d.Wait()
	want := backendCall{KindRecreate, "acc-1", "acc-2", "SOL", 12, 3}
	if calls := backend.snapshot(); len(calls) != 1 || calls[0] != want {
		t.Fatalf("unexpected calls %+v", calls)
	}
}

func TestDispatcherFailureClearsMarkerAndAlerts(t *testing.T) {
	backend := &fakeBackend{err: errors.New("insufficient margin")}
	notifier := &recordingNotifier{}
	failed, recFailed := &atomicCounter{}, &atomicCounter{}
	m := metrics.NewNoop()
	m.ActionsFailed = failed
	m.RecreationsFailed = recFailed
	d := newDispatcher(backend, Options{Label: "batch-a", Metrics: m, Notifier: notifier})

	var stateInDone strategy.State
	if err := d.Recreate("ETH", 1, 5, func(error) { stateInDone = d.State("ETH") }); err != nil {
		t.Fatalf("recreate: %v", err)
	}
	d.Wait()
	if stateInDone != strategy.StateRecreating {
		t.Fatalf("expected marker held while done runs, got %s", stateInDone)
	}
	if d.State("ETH") != strategy.StateOpen {
		t.Fatalf("expected marker cleared after failure")
	}
	if failed.n.Load() != 1 || recFailed.n.Load() != 1 {
		t.Fatalf("unexpected failure counters %d %d", failed.n.Load(), recFailed.n.Load())
	}
	notifier.mu.Lock()
	defer notifier.mu.Unlock()
	if len(notifier.messages) != 2 || notifier.messages[1] != "[batch-a] recreate ETH unit failed: insufficient margin" {
		t.Fatalf("unexpected alerts %v", notifier.messages)
	}
}

func TestDispatcherBoundsOnlySingleStepActions(t *testing.T) {
	backend := &fakeBackend{}
	d := newDispatcher(backend, Options{Timeout: time.Minute})
	if err := d.CreateUnit("ETH", 1, 5, nil); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := d.CloseUnit("SOL", nil); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := d.Recreate("BTC", 1, 5, nil); err != nil {
		t.Fatalf("recreate: %v", err)
	}
	d.Wait()
	backend.mu.Lock()
	defer backend.mu.Unlock()
	if !backend.deadlines[KindCreate] || !backend.deadlines[KindClose] {
		t.Fatalf("expected create and close to carry the action timeout, got %v", backend.deadlines)
	}
	if backend.deadlines[KindRecreate] {
		t.Fatalf("recreate must run to completion without a deadline")
	}
}

func TestDispatcherValidatesParams(t *testing.T) {
	d := newDispatcher(&fakeBackend{}, Options{})
	if err := d.CreateUnit("", 1, 1, nil); !errors.Is(err, ErrInvalidParams) {
		t.Fatalf("expected ErrInvalidParams for empty asset, got %v", err)
	}
	if err := d.CreateUnit("BTC", 0, 1, nil); !errors.Is(err, ErrInvalidParams) {
		t.Fatalf("expected ErrInvalidParams for zero size, got %v", err)
	}
	if err := d.Recreate("BTC", 1, 0, nil); !errors.Is(err, ErrInvalidParams) {
		t.Fatalf("expected ErrInvalidParams for zero leverage, got %v", err)
	}
	if d.State("BTC") != strategy.StateOpen {
		t.Fatalf("rejected actions must not mark the asset busy")
	}
}
