package unit

import (
	"math"
	"sync"
	"time"

	"hl-unit-keeper/internal/account"
)

// Unit is the per-asset aggregate of a batch's two accounts. It is derived
// from account snapshots and never stored.
type Unit struct {
	Asset     string
	Leverage  float64
	Size      float64
	CreatedAt time.Time
	Positions []account.Position
	Orders    []account.Order
	Sides     []Side
}

// Side is one account's share of a unit. Position is nil when the account
// holds nothing in the asset.
type Side struct {
	Address  string
	Position *account.Position
	Orders   []account.Order
}

func (u Unit) Age(now time.Time) time.Duration {
	if u.CreatedAt.IsZero() {
		return 0
	}
	return now.Sub(u.CreatedAt)
}

// Snapshot is one account's input to Derive. Loaded is false until the
// account has reported at least once.
type Snapshot struct {
	Address string
	State   account.State
	Loaded  bool
}

// Deriver builds units from account snapshots. The feed carries no
// per-position open time, so the deriver remembers when each asset was
// first observed and reuses that as the unit's creation time.
type Deriver struct {
	now func() time.Time

	mu        sync.Mutex
	firstSeen map[string]time.Time
}

func NewDeriver(now func() time.Time) *Deriver {
	if now == nil {
		now = time.Now
	}
	return &Deriver{now: now, firstSeen: make(map[string]time.Time)}
}

// Derive returns one unit per asset held by any snapshot, ordered by first
// appearance across the snapshots' position lists.
func (d *Deriver) Derive(snapshots []Snapshot) []Unit {
	var (
		order []string
		byKey = make(map[string]*Unit)
	)
	for _, snap := range snapshots {
		for _, pos := range snap.State.Positions {
			if _, ok := byKey[pos.Asset]; ok {
				continue
			}
			order = append(order, pos.Asset)
			byKey[pos.Asset] = &Unit{Asset: pos.Asset}
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	now := d.now()
	units := make([]Unit, 0, len(order))
	for _, asset := range order {
		u := byKey[asset]
		for _, snap := range snapshots {
			side := Side{Address: snap.Address, Orders: snap.State.OrdersFor(asset)}
			if pos, ok := snap.State.PositionFor(asset); ok {
				p := pos
				side.Position = &p
				u.Positions = append(u.Positions, pos)
				if len(u.Positions) == 1 {
					u.Size = math.Abs(pos.Size)
					u.Leverage = pos.Leverage.Value
				}
			}
			u.Orders = append(u.Orders, side.Orders...)
			u.Sides = append(u.Sides, side)
		}
		seen, ok := d.firstSeen[asset]
		if !ok {
			seen = now
			d.firstSeen[asset] = seen
		}
		u.CreatedAt = seen
		units = append(units, *u)
	}
	if allLoaded(snapshots) {
		for asset := range d.firstSeen {
			if _, ok := byKey[asset]; !ok {
				delete(d.firstSeen, asset)
			}
		}
	}
	return units
}

// Reset restarts the age timer of asset, e.g. after a recreation.
func (d *Deriver) Reset(asset string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.firstSeen[asset]; ok {
		d.firstSeen[asset] = d.now()
	}
}

// Forget drops the remembered first-seen time of asset.
func (d *Deriver) Forget(asset string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.firstSeen, asset)
}

func allLoaded(snapshots []Snapshot) bool {
	if len(snapshots) == 0 {
		return false
	}
	for _, snap := range snapshots {
		if !snap.Loaded {
			return false
		}
	}
	return true
}
