package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"hl-unit-keeper/internal/account"
	"hl-unit-keeper/internal/alerts"
	"hl-unit-keeper/internal/api"
	"hl-unit-keeper/internal/backend"
	"hl-unit-keeper/internal/batch"
	"hl-unit-keeper/internal/config"
	"hl-unit-keeper/internal/exec"
	"hl-unit-keeper/internal/logging"
	"hl-unit-keeper/internal/metrics"
	"hl-unit-keeper/internal/registry"
	"hl-unit-keeper/internal/state"
	"hl-unit-keeper/internal/state/sqlite"
	"hl-unit-keeper/internal/timescale"

	"go.uber.org/zap"
)

var ErrNotRunning = errors.New("keeper is not running")

const shutdownTimeout = 5 * time.Second

// App owns the registry and one controller per batch, and serves them to the
// HTTP API and the Telegram operator.
type App struct {
	cfg       *config.Config
	log       *zap.Logger
	store     state.Store
	registry  *registry.Registry
	backend   exec.Backend
	metrics   *metrics.Metrics
	prom      *metrics.Prometheus
	alerts    *alerts.Telegram
	timescale *timescale.Writer
	recorder  recorder
	now       func() time.Time

	operatorWarned bool

	mu          sync.RWMutex
	runCtx      context.Context
	controllers map[string]*batch.Controller
	wg          sync.WaitGroup
}

var _ api.Manager = (*App)(nil)

func New(cfg *config.Config, log *zap.Logger) (*App, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.State.SQLitePath), 0o755); err != nil {
		return nil, err
	}
	store, err := sqlite.New(cfg.State.SQLitePath)
	if err != nil {
		return nil, err
	}
	var prom *metrics.Prometheus
	m := metrics.NewNoop()
	if cfg.Metrics.EnabledValue() {
		prom = metrics.NewPrometheus()
		m = prom.Metrics
	}
	writer, err := timescale.New(cfg.Timescale, log)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("timescale: %w", err)
	}
	hl := backend.New(backend.Config{
		BaseURL:   cfg.REST.BaseURL,
		Timeout:   cfg.REST.Timeout,
		Slippage:  cfg.Backend.Slippage,
		LongFirst: cfg.Backend.LongFirstValue(),
		IsMainnet: !strings.Contains(strings.ToLower(cfg.REST.BaseURL), "testnet"),
	}, store, m, log)
	a := newApp(cfg, log, store, hl, m)
	a.prom = prom
	a.alerts = alerts.NewTelegram(cfg.Telegram, log)
	if writer != nil {
		a.timescale = writer
		a.recorder = writer
	}
	return a, nil
}

func newApp(cfg *config.Config, log *zap.Logger, store state.Store, b exec.Backend, m *metrics.Metrics) *App {
	log = logging.OrNop(log)
	return &App{
		cfg:         cfg,
		log:         log,
		store:       store,
		registry:    registry.FromConfig(cfg, store, log),
		backend:     b,
		metrics:     metrics.OrNoop(m),
		alerts:      alerts.NewTelegram(config.TelegramConfig{}, log),
		now:         time.Now,
		controllers: make(map[string]*batch.Controller),
	}
}

// Run loads the batches, starts a controller for each and blocks until ctx
// is done. In-flight actions are allowed to finish before Run returns.
func (a *App) Run(ctx context.Context) error {
	defer a.store.Close()
	defer a.timescale.Close()

	if err := a.registry.Load(ctx, a.cfg.Batches); err != nil {
		return fmt.Errorf("load batches: %w", err)
	}
	a.mu.Lock()
	a.runCtx = ctx
	a.mu.Unlock()
	for _, b := range a.registry.Batches() {
		if err := a.startController(b); err != nil {
			return fmt.Errorf("start batch %s: %w", b.ID, err)
		}
	}
	a.log.Info("keeper started", zap.Int("batches", len(a.registry.Batches())))

	a.timescale.Start(ctx)
	a.startRecorder(ctx)
	a.startOperator(ctx)
	servers := a.startServers()

	<-ctx.Done()
	a.log.Info("keeper stopping")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	for _, srv := range servers {
		_ = srv.Shutdown(shutdownCtx)
	}
	a.mu.Lock()
	a.runCtx = nil
	a.mu.Unlock()
	a.wg.Wait()
	for _, c := range a.snapshotControllers() {
		c.Wait()
	}
	if units, balances := a.timescale.Dropped(); units+balances > 0 {
		a.log.Warn("timescale samples dropped", zap.Uint64("units", units), zap.Uint64("balances", balances))
	}
	return ctx.Err()
}

func (a *App) startServers() []*http.Server {
	var servers []*http.Server
	if a.cfg.API.Enabled {
		router := api.NewRouter(api.NewHandler(a, a.log.Named("api")))
		servers = append(servers, a.serve("api", a.cfg.API.Listen, router))
	}
	if a.prom != nil {
		mux := http.NewServeMux()
		mux.Handle("/metrics", a.prom.Handler())
		servers = append(servers, a.serve("metrics", a.cfg.Metrics.Listen, mux))
	}
	return servers
}

func (a *App) serve(name, addr string, handler http.Handler) *http.Server {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		a.log.Info("http server listening", zap.String("server", name), zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Error("http server failed", zap.String("server", name), zap.Error(err))
		}
	}()
	return srv
}

func (a *App) startController(b registry.Batch) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.runCtx == nil {
		return ErrNotRunning
	}
	if _, ok := a.controllers[b.ID]; ok {
		return nil
	}
	account1, err := a.registry.BatchAccount(b.Account1ID)
	if err != nil {
		return err
	}
	account2, err := a.registry.BatchAccount(b.Account2ID)
	if err != nil {
		return err
	}
	c, err := batch.New(b, account1, account2, batch.Config{
		Feed: account.FeedConfig{
			URL:               a.cfg.WS.URL,
			ReconnectDelay:    a.cfg.WS.ReconnectDelay,
			MaxReconnectDelay: a.cfg.WS.MaxReconnectDelay,
			PingInterval:      a.cfg.WS.PingInterval,
		},
		RecreateAfter: a.cfg.Units.RecreateAfter,
		ScanInterval:  a.cfg.Units.ScanInterval,
		ActionTimeout: a.cfg.Units.ActionTimeout,
	}, batch.Deps{
		Backend:  a.backend,
		Metrics:  a.metrics,
		Notifier: a.alerts,
		OnClose:  a.registry.DeleteBatch,
		Now:      a.now,
	}, a.log)
	if err != nil {
		return err
	}
	a.controllers[b.ID] = c
	ctx := a.runCtx
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if err := c.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			a.log.Warn("batch stopped with error", zap.String("batch_id", b.ID), zap.Error(err))
		}
	}()
	return nil
}

func (a *App) controller(id string) (*batch.Controller, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	c, ok := a.controllers[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", registry.ErrUnknownBatch, id)
	}
	return c, nil
}

func (a *App) snapshotControllers() []*batch.Controller {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]*batch.Controller, 0, len(a.controllers))
	for _, b := range a.registry.Batches() {
		if c, ok := a.controllers[b.ID]; ok {
			out = append(out, c)
		}
	}
	return out
}

func (a *App) Batches() []registry.Batch {
	return a.registry.Batches()
}

// CreateBatch registers a batch and starts its controller.
func (a *App) CreateBatch(ctx context.Context, name, account1ID, account2ID string) (registry.Batch, error) {
	a.mu.RLock()
	running := a.runCtx != nil
	a.mu.RUnlock()
	if !running {
		return registry.Batch{}, ErrNotRunning
	}
	b, err := a.registry.CreateBatch(ctx, name, account1ID, account2ID)
	if err != nil {
		return registry.Batch{}, err
	}
	if err := a.startController(b); err != nil {
		if delErr := a.registry.DeleteBatch(ctx, b.ID); delErr != nil {
			a.log.Warn("batch rollback failed", zap.String("batch_id", b.ID), zap.Error(delErr))
		}
		return registry.Batch{}, err
	}
	return b, nil
}

// CloseBatch deletes the batch and stops its controller. It is refused while
// units are open.
func (a *App) CloseBatch(ctx context.Context, id string) error {
	c, err := a.controller(id)
	if err != nil {
		return err
	}
	if err := c.CloseBatch(ctx); err != nil {
		return err
	}
	a.mu.Lock()
	delete(a.controllers, id)
	a.mu.Unlock()
	return nil
}

func (a *App) Status(id string) (batch.Status, error) {
	c, err := a.controller(id)
	if err != nil {
		return batch.Status{}, err
	}
	return c.Status(), nil
}

func (a *App) CreateUnit(id, asset string, size, leverage float64) error {
	c, err := a.controller(id)
	if err != nil {
		return err
	}
	return c.CreateUnit(asset, size, leverage)
}

func (a *App) CloseUnit(id, asset string) error {
	c, err := a.controller(id)
	if err != nil {
		return err
	}
	return c.CloseUnit(asset)
}
