package exec

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"hl-unit-keeper/internal/metrics"
	"hl-unit-keeper/internal/registry"
	"hl-unit-keeper/internal/strategy"

	"go.uber.org/zap"
)

var (
	ErrBusy          = errors.New("action already in flight for asset")
	ErrInvalidParams = errors.New("invalid unit parameters")
)

const defaultActionTimeout = 2 * time.Minute

type Kind string

const (
	KindCreate   Kind = "create"
	KindClose    Kind = "close"
	KindRecreate Kind = "recreate"
)

func (k Kind) event() strategy.Event {
	switch k {
	case KindCreate:
		return strategy.EventCreate
	case KindClose:
		return strategy.EventClose
	default:
		return strategy.EventRecreate
	}
}

// Backend executes unit actions against the exchange. Each call blocks
// until both accounts are done and reports only success or failure.
type Backend interface {
	CreateUnit(ctx context.Context, account1, account2 registry.BatchAccount, asset string, size, leverage float64) error
	CloseUnit(ctx context.Context, account1, account2 registry.BatchAccount, asset string) error
	CloseAndRecreateUnit(ctx context.Context, account1, account2 registry.BatchAccount, asset string, size, leverage float64) error
}

type Notifier interface {
	Send(ctx context.Context, message string) error
}

type Options struct {
	// Label prefixes alerts, usually the batch name.
	Label    string
	Timeout  time.Duration
	Metrics  *metrics.Metrics
	Notifier Notifier
}

// Dispatcher runs unit actions for one batch. At most one action per asset
// is in flight; the asset's lifecycle entry is the busy marker.
type Dispatcher struct {
	backend   Backend
	account1  registry.BatchAccount
	account2  registry.BatchAccount
	lifecycle *strategy.Lifecycle
	label     string
	timeout   time.Duration
	metrics   *metrics.Metrics
	notifier  Notifier
	log       *zap.Logger

	wg sync.WaitGroup
}

func New(backend Backend, account1, account2 registry.BatchAccount, lifecycle *strategy.Lifecycle, opts Options, log *zap.Logger) *Dispatcher {
	if lifecycle == nil {
		lifecycle = strategy.NewLifecycle()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultActionTimeout
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Dispatcher{
		backend:   backend,
		account1:  account1,
		account2:  account2,
		lifecycle: lifecycle,
		label:     opts.Label,
		timeout:   opts.Timeout,
		metrics:   metrics.OrNoop(opts.Metrics),
		notifier:  opts.Notifier,
		log:       log,
	}
}

// CreateUnit opens a new paired position on asset.
func (d *Dispatcher) CreateUnit(asset string, size, leverage float64, done func(error)) error {
	if err := validate(asset, size, leverage); err != nil {
		return err
	}
	return d.dispatch(KindCreate, asset, func(ctx context.Context) error {
		return d.backend.CreateUnit(ctx, d.account1, d.account2, asset, size, leverage)
	}, done)
}

// CloseUnit closes every position and order on asset for both accounts.
func (d *Dispatcher) CloseUnit(asset string, done func(error)) error {
	if strings.TrimSpace(asset) == "" {
		return fmt.Errorf("%w: asset is required", ErrInvalidParams)
	}
	return d.dispatch(KindClose, asset, func(ctx context.Context) error {
		return d.backend.CloseUnit(ctx, d.account1, d.account2, asset)
	}, done)
}

// Recreate closes and reopens asset at the same size and leverage.
func (d *Dispatcher) Recreate(asset string, size, leverage float64, done func(error)) error {
	if err := validate(asset, size, leverage); err != nil {
		return err
	}
	return d.dispatch(KindRecreate, asset, func(ctx context.Context) error {
		return d.backend.CloseAndRecreateUnit(ctx, d.account1, d.account2, asset, size, leverage)
	}, done)
}

// State returns the lifecycle state of asset.
func (d *Dispatcher) State(asset string) strategy.State {
	return d.lifecycle.State(asset)
}

// Wait blocks until every dispatched action has completed.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// dispatch marks asset busy and runs call in the background. The marker is
// set before dispatch returns and cleared only after done has run.
func (d *Dispatcher) dispatch(kind Kind, asset string, call func(context.Context) error, done func(error)) error {
	if state, ok := d.lifecycle.Apply(asset, kind.event()); !ok {
		return fmt.Errorf("%w: %s is %s", ErrBusy, asset, strings.ToLower(string(state)))
	}
	if kind == KindRecreate {
		d.metrics.RecreationsStarted.Inc()
	}
	log := d.log.With(zap.String("asset", asset), zap.String("action", string(kind)))
	log.Info("unit action started")
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if kind == KindRecreate {
			d.notify(fmt.Sprintf("recreating %s unit", asset))
		}
		// Teardown never cancels an issued action. Recreate is unbounded so
		// it is never cut between its close and create steps.
		ctx, cancel := context.Background(), context.CancelFunc(func() {})
		if kind != KindRecreate {
			ctx, cancel = context.WithTimeout(ctx, d.timeout)
		}
		start := time.Now()
		err := call(ctx)
		cancel()
		d.record(kind, asset, err)
		if err != nil {
			log.Warn("unit action failed", zap.Duration("elapsed", time.Since(start)), zap.Error(err))
		} else {
			log.Info("unit action completed", zap.Duration("elapsed", time.Since(start)))
		}
		if done != nil {
			done(err)
		}
		d.lifecycle.Apply(asset, strategy.EventDone)
	}()
	return nil
}

func (d *Dispatcher) record(kind Kind, asset string, err error) {
	if err != nil {
		d.metrics.ActionsFailed.Inc()
		if kind == KindRecreate {
			d.metrics.RecreationsFailed.Inc()
		}
		d.notify(fmt.Sprintf("%s %s unit failed: %v", kind, asset, err))
		return
	}
	switch kind {
	case KindCreate:
		d.metrics.UnitsCreated.Inc()
	case KindClose:
		d.metrics.UnitsClosed.Inc()
	}
}

func (d *Dispatcher) notify(message string) {
	if d.notifier == nil {
		return
	}
	if d.label != "" {
		message = "[" + d.label + "] " + message
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := d.notifier.Send(ctx, message); err != nil {
		d.log.Warn("alert send failed", zap.Error(err))
	}
}

func validate(asset string, size, leverage float64) error {
	if strings.TrimSpace(asset) == "" {
		return fmt.Errorf("%w: asset is required", ErrInvalidParams)
	}
	if size <= 0 {
		return fmt.Errorf("%w: size must be > 0", ErrInvalidParams)
	}
	if leverage <= 0 {
		return fmt.Errorf("%w: leverage must be > 0", ErrInvalidParams)
	}
	return nil
}
