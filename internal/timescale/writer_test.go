package timescale

import (
	"testing"
	"time"

	"hl-unit-keeper/internal/config"
)

func TestNewDisabledReturnsNilWriter(t *testing.T) {
	w, err := New(config.TimescaleConfig{Enabled: false}, nil)
	if err != nil || w != nil {
		t.Fatalf("expected nil writer, got %v err=%v", w, err)
	}
	// A nil writer discards samples.
	w.EnqueueUnit(UnitSnapshot{Asset: "BTC"})
	w.EnqueueBalance(BalanceSnapshot{AccountID: "a"})
	if u, b := w.Dropped(); u != 0 || b != 0 {
		t.Fatalf("unexpected drops %d %d", u, b)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close nil writer: %v", err)
	}
}

func TestNewRequiresDSN(t *testing.T) {
	if _, err := New(config.TimescaleConfig{Enabled: true}, nil); err == nil {
		t.Fatalf("expected error for missing dsn")
	}
}

func TestEnqueueDropsWhenFull(t *testing.T) {
	w := newWriter(nil, config.TimescaleConfig{QueueSize: 1}, nil)
	now := time.Now()
	w.EnqueueUnit(UnitSnapshot{Time: now, Asset: "BTC"})
	w.EnqueueUnit(UnitSnapshot{Time: now, Asset: "ETH"})
	w.EnqueueBalance(BalanceSnapshot{Time: now, AccountID: "a"})
	w.EnqueueBalance(BalanceSnapshot{Time: now, AccountID: "b"})
	w.EnqueueBalance(BalanceSnapshot{Time: now, AccountID: "c"})
	units, balances := w.Dropped()
	if units != 1 || balances != 2 {
		t.Fatalf("expected 1 unit and 2 balance drops, got %d %d", units, balances)
	}
	if got := (<-w.units).Asset; got != "BTC" {
		t.Fatalf("expected first sample kept, got %s", got)
	}
}

func TestTableQualifiedBySchema(t *testing.T) {
	w := newWriter(nil, config.TimescaleConfig{Schema: "keeper"}, nil)
	if got := w.table("unit_snapshots"); got != "keeper.unit_snapshots" {
		t.Fatalf("unexpected table %s", got)
	}
	if got := newWriter(nil, config.TimescaleConfig{}, nil).table("x"); got != "public.x" {
		t.Fatalf("unexpected default table %s", got)
	}
}
