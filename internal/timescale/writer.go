package timescale

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"hl-unit-keeper/internal/config"
	"hl-unit-keeper/internal/logging"

	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"
)

const writeTimeout = 3 * time.Second

// UnitSnapshot is one sampled unit of one batch.
type UnitSnapshot struct {
	Time         time.Time
	BatchID      string
	Asset        string
	State        string
	Size         float64
	Leverage     float64
	Age          time.Duration
	Account1Size float64
	Account2Size float64
	OpenOrders   int
}

// BalanceSnapshot is one sampled account value of one batch.
type BalanceSnapshot struct {
	Time         time.Time
	BatchID      string
	AccountID    string
	Address      string
	AccountValue float64
}

// Writer persists unit and balance samples to Postgres/TimescaleDB from a
// bounded queue. Full queues drop samples rather than block callers.
type Writer struct {
	db          *sql.DB
	log         *zap.Logger
	schema      string
	units       chan UnitSnapshot
	balances    chan BalanceSnapshot
	started     atomic.Bool
	dropUnit    atomic.Uint64
	dropBalance atomic.Uint64
}

// New returns a nil writer when recording is disabled. A nil writer accepts
// and discards samples.
func New(cfg config.TimescaleConfig, log *zap.Logger) (*Writer, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("timescale dsn is required")
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	writer := newWriter(db, cfg, log)
	if err := writer.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return writer, nil
}

func newWriter(db *sql.DB, cfg config.TimescaleConfig, log *zap.Logger) *Writer {
	log = logging.OrNop(log)
	schema := strings.TrimSpace(cfg.Schema)
	if schema == "" {
		schema = "public"
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = 256
	}
	return &Writer{
		db:       db,
		log:      log,
		schema:   schema,
		units:    make(chan UnitSnapshot, queueSize),
		balances: make(chan BalanceSnapshot, queueSize),
	}
}

func (w *Writer) Start(ctx context.Context) {
	if w == nil {
		return
	}
	if !w.started.CompareAndSwap(false, true) {
		return
	}
	go w.run(ctx)
}

func (w *Writer) Close() error {
	if w == nil || w.db == nil {
		return nil
	}
	return w.db.Close()
}

func (w *Writer) EnqueueUnit(snapshot UnitSnapshot) {
	if w == nil {
		return
	}
	select {
	case w.units <- snapshot:
	default:
		if w.dropUnit.Add(1) == 1 {
			w.log.Warn("timescale unit queue full")
		}
	}
}

func (w *Writer) EnqueueBalance(snapshot BalanceSnapshot) {
	if w == nil {
		return
	}
	select {
	case w.balances <- snapshot:
	default:
		if w.dropBalance.Add(1) == 1 {
			w.log.Warn("timescale balance queue full")
		}
	}
}

// Dropped reports how many unit and balance samples were discarded.
func (w *Writer) Dropped() (units, balances uint64) {
	if w == nil {
		return 0, 0
	}
	return w.dropUnit.Load(), w.dropBalance.Load()
}

func (w *Writer) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case snap := <-w.units:
			w.writeUnit(ctx, snap)
		case snap := <-w.balances:
			w.writeBalance(ctx, snap)
		}
	}
}

func (w *Writer) ensureSchema(ctx context.Context) error {
	if w.db == nil {
		return errors.New("timescale db not initialized")
	}
	if w.schema != "public" {
		if err := w.exec(ctx, fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", w.schema)); err != nil {
			return err
		}
	}
	if err := w.exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		ts TIMESTAMPTZ NOT NULL,
		batch_id TEXT NOT NULL,
		asset TEXT NOT NULL,
		state TEXT NOT NULL,
		size DOUBLE PRECISION NOT NULL,
		leverage DOUBLE PRECISION NOT NULL,
		age_seconds DOUBLE PRECISION NOT NULL,
		account_1_size DOUBLE PRECISION NOT NULL,
		account_2_size DOUBLE PRECISION NOT NULL,
		open_orders INTEGER NOT NULL
	)`, w.table("unit_snapshots"))); err != nil {
		return err
	}
	if err := w.exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		ts TIMESTAMPTZ NOT NULL,
		batch_id TEXT NOT NULL,
		account_id TEXT NOT NULL,
		address TEXT NOT NULL,
		account_value DOUBLE PRECISION NOT NULL
	)`, w.table("account_balances"))); err != nil {
		return err
	}
	if err := w.exec(ctx, "CREATE EXTENSION IF NOT EXISTS timescaledb"); err != nil {
		w.log.Warn("timescale extension ensure failed", zap.Error(err))
		return nil
	}
	for _, name := range []string{"unit_snapshots", "account_balances"} {
		if err := w.exec(ctx, fmt.Sprintf("SELECT create_hypertable('%s', 'ts', if_not_exists => TRUE)", w.table(name))); err != nil {
			w.log.Warn("timescale hypertable create failed", zap.String("table", name), zap.Error(err))
		}
	}
	return nil
}

func (w *Writer) writeUnit(ctx context.Context, snap UnitSnapshot) {
	if w.db == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	query := fmt.Sprintf(`INSERT INTO %s (
		ts, batch_id, asset, state, size, leverage, age_seconds,
		account_1_size, account_2_size, open_orders
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`, w.table("unit_snapshots"))
	if _, err := w.db.ExecContext(ctx, query,
		snap.Time,
		snap.BatchID,
		snap.Asset,
		snap.State,
		snap.Size,
		snap.Leverage,
		snap.Age.Seconds(),
		snap.Account1Size,
		snap.Account2Size,
		snap.OpenOrders,
	); err != nil {
		w.log.Warn("timescale unit insert failed", zap.Error(err))
	}
}

func (w *Writer) writeBalance(ctx context.Context, snap BalanceSnapshot) {
	if w.db == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	query := fmt.Sprintf(`INSERT INTO %s (
		ts, batch_id, account_id, address, account_value
	) VALUES ($1,$2,$3,$4,$5)`, w.table("account_balances"))
	if _, err := w.db.ExecContext(ctx, query,
		snap.Time,
		snap.BatchID,
		snap.AccountID,
		snap.Address,
		snap.AccountValue,
	); err != nil {
		w.log.Warn("timescale balance insert failed", zap.Error(err))
	}
}

func (w *Writer) exec(ctx context.Context, query string) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	_, err := w.db.ExecContext(ctx, query)
	return err
}

func (w *Writer) table(name string) string {
	return w.schema + "." + name
}
