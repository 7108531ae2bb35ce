package account

import "testing"

func TestStoreReplacesWholesale(t *testing.T) {
	store := NewStore()
	store.Update("0xABC", State{
		Positions: []Position{{Asset: "BTC", Size: 1}, {Asset: "ETH", Size: 2}},
		Margin:    MarginSummary{AccountValue: 100},
	})
	store.Update("0xabc", State{Positions: []Position{{Asset: "ETH", Size: 3}}})

	state, ok := store.Get("0xAbC")
	if !ok {
		t.Fatalf("expected state")
	}
	if len(state.Positions) != 1 || state.Positions[0].Asset != "ETH" {
		t.Fatalf("expected snapshot to be replaced, got %+v", state.Positions)
	}
	if bal, ok := store.Balance("0xabc"); !ok || bal != 0 {
		t.Fatalf("expected balance from latest snapshot, got %v %v", bal, ok)
	}
}

func TestStoreLoadedAndClear(t *testing.T) {
	store := NewStore()
	if store.Loaded("0xa", "0xb") {
		t.Fatalf("expected not loaded before any update")
	}
	store.Update("0xa", State{})
	if store.Loaded("0xa", "0xb") {
		t.Fatalf("expected not loaded with one account")
	}
	store.Update("0xb", State{})
	if !store.Loaded("0xa", "0xb") {
		t.Fatalf("expected loaded")
	}
	store.Clear("0xb")
	if store.Loaded("0xa", "0xb") {
		t.Fatalf("expected not loaded after clear")
	}
	if _, ok := store.Get("0xb"); ok {
		t.Fatalf("expected cleared state absent")
	}
}

func TestStoreGetReturnsCopy(t *testing.T) {
	store := NewStore()
	store.Update("0xa", State{Positions: []Position{{Asset: "BTC", Size: 1}}})
	state, _ := store.Get("0xa")
	state.Positions[0].Size = 99
	again, _ := store.Get("0xa")
	if again.Positions[0].Size != 1 {
		t.Fatalf("expected stored state to be isolated from readers")
	}
}

func TestStoreChangesCoalesce(t *testing.T) {
	store := NewStore()
	store.Update("0xa", State{})
	store.Update("0xa", State{})
	select {
	case <-store.Changes():
	default:
		t.Fatalf("expected pending change signal")
	}
	select {
	case <-store.Changes():
		t.Fatalf("expected bursts to coalesce")
	default:
	}
	store.Clear("0xmissing")
	select {
	case <-store.Changes():
		t.Fatalf("clearing an absent address should not signal")
	default:
	}
}
