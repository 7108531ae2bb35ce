package batch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"hl-unit-keeper/internal/account"
	"hl-unit-keeper/internal/exec"
	"hl-unit-keeper/internal/metrics"
	"hl-unit-keeper/internal/registry"
	"hl-unit-keeper/internal/strategy"
	"hl-unit-keeper/internal/unit"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (
	ErrUnitsOpen = errors.New("batch has open units")
	ErrNotLoaded = errors.New("batch accounts have not reported state yet")
)

const defaultScanInterval = time.Second

type Config struct {
	Feed          account.FeedConfig
	RecreateAfter time.Duration
	ScanInterval  time.Duration
	ActionTimeout time.Duration
}

type Deps struct {
	Backend  exec.Backend
	Metrics  *metrics.Metrics
	Notifier exec.Notifier
	// OnClose removes the batch once CloseBatch passes its precondition.
	OnClose func(ctx context.Context, batchID string) error
	Now     func() time.Time
}

// UnitView is a derived unit with its in-flight action state.
type UnitView struct {
	unit.Unit
	State strategy.State
	Age   time.Duration
}

// Status is the presentation snapshot of a batch.
type Status struct {
	Batch    registry.Batch
	Loaded   bool
	Balances []Balance
	Units    []UnitView
	// Actions lists every asset with an action in flight, including ones
	// not yet visible as a unit.
	Actions map[string]strategy.State
}

type Balance struct {
	AccountID string
	Address   string
	Value     float64
	Known     bool
}

// Controller runs one batch: two account feeds into a shared store, unit
// derivation on every store change, and periodic recreation of aged units.
type Controller struct {
	batch      registry.Batch
	accounts   [2]registry.BatchAccount
	cfg        Config
	store      *account.Store
	deriver    *unit.Deriver
	lifecycle  *strategy.Lifecycle
	dispatcher *exec.Dispatcher
	scheduler  *strategy.Scheduler
	feeds      []*account.Feed
	onClose    func(context.Context, string) error
	now        func() time.Time
	log        *zap.Logger

	mu    sync.RWMutex
	units []unit.Unit

	// opMu serializes derive-and-evaluate passes, unit actions, age resets
	// and CloseBatch.
	opMu   sync.Mutex
	closed bool

	runMu  sync.Mutex
	cancel context.CancelFunc
}

func New(b registry.Batch, account1, account2 registry.BatchAccount, cfg Config, deps Deps, log *zap.Logger) (*Controller, error) {
	if account1.Account.ID == account2.Account.ID {
		return nil, registry.ErrSameAccount
	}
	if deps.Backend == nil {
		return nil, errors.New("backend is required")
	}
	if cfg.ScanInterval <= 0 {
		cfg.ScanInterval = defaultScanInterval
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if log == nil {
		log = zap.NewNop()
	}
	log = log.With(zap.String("batch_id", b.ID))
	c := &Controller{
		batch:     b,
		accounts:  [2]registry.BatchAccount{account1, account2},
		cfg:       cfg,
		store:     account.NewStore(),
		deriver:   unit.NewDeriver(deps.Now),
		lifecycle: strategy.NewLifecycle(),
		onClose:   deps.OnClose,
		now:       deps.Now,
		log:       log,
	}
	label := b.Name
	if label == "" {
		label = b.ID
	}
	c.dispatcher = exec.New(deps.Backend, account1, account2, c.lifecycle, exec.Options{
		Label:    label,
		Timeout:  cfg.ActionTimeout,
		Metrics:  deps.Metrics,
		Notifier: deps.Notifier,
	}, log)
	c.scheduler = strategy.NewScheduler(cfg.RecreateAfter, c.lifecycle, c.dispatcher, c.resetAge, deps.Now, log)
	for _, ba := range c.accounts {
		feed, err := account.NewFeed(cfg.Feed, ba.Account.PublicAddress, ba.Transport(), c.store, deps.Metrics, log.With(zap.String("account_id", ba.Account.ID)))
		if err != nil {
			return nil, fmt.Errorf("account %s: %w", ba.Account.ID, err)
		}
		c.feeds = append(c.feeds, feed)
	}
	return c, nil
}

// Run drives the feeds and the scheduler until ctx is done or Stop is
// called. In-flight actions are left to finish on their own.
func (c *Controller) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	c.runMu.Lock()
	c.cancel = cancel
	c.runMu.Unlock()
	defer cancel()

	c.log.Info("batch started",
		zap.String("account_1", c.accounts[0].Account.ID),
		zap.String("account_2", c.accounts[1].Account.ID),
	)
	g, gctx := errgroup.WithContext(ctx)
	for _, feed := range c.feeds {
		feed := feed
		g.Go(func() error {
			return feed.Run(gctx)
		})
	}
	g.Go(func() error {
		c.loop(gctx)
		return nil
	})
	err := g.Wait()
	c.log.Info("batch stopped")
	return err
}

// Stop ends Run. It is safe to call before Run or more than once.
func (c *Controller) Stop() {
	c.runMu.Lock()
	defer c.runMu.Unlock()
	if c.cancel != nil {
		c.cancel()
	}
}

func (c *Controller) loop(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.ScanInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.store.Changes():
			c.refresh()
		case <-ticker.C:
			c.refresh()
		}
	}
}

// refresh re-derives units from the store and runs the scheduler on them.
// Age resets wait for a running pass, so a pass never evaluates a unit with
// an age that a completed action has already restarted.
func (c *Controller) refresh() {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	if c.closed {
		return
	}
	c.scheduler.Evaluate(c.derive())
}

func (c *Controller) resetAge(asset string) {
	c.opMu.Lock()
	c.deriver.Reset(asset)
	c.opMu.Unlock()
}

func (c *Controller) forgetAge(asset string) {
	c.opMu.Lock()
	c.deriver.Forget(asset)
	c.opMu.Unlock()
}

func (c *Controller) derive() []unit.Unit {
	snapshots := make([]unit.Snapshot, 0, len(c.accounts))
	for _, ba := range c.accounts {
		st, ok := c.store.Get(ba.Account.PublicAddress)
		snapshots = append(snapshots, unit.Snapshot{Address: ba.Account.PublicAddress, State: st, Loaded: ok})
	}
	units := c.deriver.Derive(snapshots)
	c.mu.Lock()
	c.units = units
	c.mu.Unlock()
	return units
}

func (c *Controller) currentUnits() []unit.Unit {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]unit.Unit(nil), c.units...)
}

// Units returns the derived units in first-appearance order.
func (c *Controller) Units() []UnitView {
	units := c.currentUnits()
	now := c.now()
	views := make([]UnitView, 0, len(units))
	for _, u := range units {
		views = append(views, UnitView{Unit: u, State: c.lifecycle.State(u.Asset), Age: u.Age(now)})
	}
	return views
}

func (c *Controller) Balances() []Balance {
	out := make([]Balance, 0, len(c.accounts))
	for _, ba := range c.accounts {
		value, ok := c.store.Balance(ba.Account.PublicAddress)
		out = append(out, Balance{
			AccountID: ba.Account.ID,
			Address:   ba.Account.PublicAddress,
			Value:     value,
			Known:     ok,
		})
	}
	return out
}

func (c *Controller) Status() Status {
	return Status{
		Batch:    c.batch,
		Loaded:   c.Loaded(),
		Balances: c.Balances(),
		Units:    c.Units(),
		Actions:  c.lifecycle.Snapshot(),
	}
}

// Loaded reports whether both accounts have reported state since the last
// connect.
func (c *Controller) Loaded() bool {
	return c.store.Loaded(c.accounts[0].Account.PublicAddress, c.accounts[1].Account.PublicAddress)
}

// CreateUnit starts opening a unit. It returns once the action is
// dispatched; the unit appears when the feed reports the new positions.
func (c *Controller) CreateUnit(asset string, size, leverage float64) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	if err := c.checkOpen(); err != nil {
		return err
	}
	return c.dispatcher.CreateUnit(asset, size, leverage, nil)
}

// CloseUnit starts closing every position and order on asset.
func (c *Controller) CloseUnit(asset string) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	if err := c.checkOpen(); err != nil {
		return err
	}
	return c.dispatcher.CloseUnit(asset, func(err error) {
		if err == nil {
			c.forgetAge(asset)
		}
	})
}

func (c *Controller) checkOpen() error {
	if c.closed {
		return fmt.Errorf("%w: %s", registry.ErrUnknownBatch, c.batch.ID)
	}
	if !c.Loaded() {
		return ErrNotLoaded
	}
	return nil
}

// CloseBatch removes the batch. It is refused while any unit is open or any
// action is in flight.
func (c *Controller) CloseBatch(ctx context.Context) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	if err := c.checkOpen(); err != nil {
		return err
	}
	if n := len(c.derive()); n > 0 {
		return fmt.Errorf("%w: %d", ErrUnitsOpen, n)
	}
	if actions := c.lifecycle.Snapshot(); len(actions) > 0 {
		return fmt.Errorf("%w: %d actions in flight", exec.ErrBusy, len(actions))
	}
	if c.onClose != nil {
		if err := c.onClose(ctx, c.batch.ID); err != nil {
			return err
		}
	}
	c.closed = true
	c.Stop()
	return nil
}

// Wait blocks until every dispatched action has completed.
func (c *Controller) Wait() {
	c.dispatcher.Wait()
}
