package app

import (
	"context"
	"time"

	"hl-unit-keeper/internal/timescale"
)

type recorder interface {
	EnqueueUnit(timescale.UnitSnapshot)
	EnqueueBalance(timescale.BalanceSnapshot)
}

func (a *App) startRecorder(ctx context.Context) {
	if a.recorder == nil {
		return
	}
	interval := a.cfg.Timescale.SnapshotInterval
	if interval <= 0 {
		interval = time.Minute
	}
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				a.recordSnapshots()
			}
		}
	}()
}

// recordSnapshots samples every loaded batch. Batches still waiting for
// their first snapshots are skipped.
func (a *App) recordSnapshots() {
	if a.recorder == nil {
		return
	}
	now := a.now().UTC()
	for _, c := range a.snapshotControllers() {
		st := c.Status()
		if !st.Loaded {
			continue
		}
		for _, bal := range st.Balances {
			if !bal.Known {
				continue
			}
			a.recorder.EnqueueBalance(timescale.BalanceSnapshot{
				Time:         now,
				BatchID:      st.Batch.ID,
				AccountID:    bal.AccountID,
				Address:      bal.Address,
				AccountValue: bal.Value,
			})
		}
		for _, u := range st.Units {
			snap := timescale.UnitSnapshot{
				Time:       now,
				BatchID:    st.Batch.ID,
				Asset:      u.Asset,
				State:      string(u.State),
				Size:       u.Size,
				Leverage:   u.Leverage,
				Age:        u.Age,
				OpenOrders: len(u.Orders),
			}
			if len(u.Sides) > 0 && u.Sides[0].Position != nil {
				snap.Account1Size = u.Sides[0].Position.Size
			}
			if len(u.Sides) > 1 && u.Sides[1].Position != nil {
				snap.Account2Size = u.Sides[1].Position.Size
			}
			a.recorder.EnqueueUnit(snap)
		}
	}
}
