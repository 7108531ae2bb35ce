package backend

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"hl-unit-keeper/internal/hl/exchange"
	"hl-unit-keeper/internal/hl/rest"
	"hl-unit-keeper/internal/metrics"
	"hl-unit-keeper/internal/registry"
	"hl-unit-keeper/internal/state"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type Config struct {
	BaseURL   string
	Timeout   time.Duration
	Slippage  float64
	LongFirst bool
	IsMainnet bool
}

type assetInfo struct {
	index        int
	szDecimals   int
	maxLeverage  int
	onlyIsolated bool
}

// leg is one account's side of a unit action.
type leg struct {
	account registry.BatchAccount
	ex      *exchange.Client
	info    *rest.Client
}

// Hyperliquid executes unit actions directly on the exchange: the first
// account takes the long side and the second the short side (swapped when
// LongFirst is false). Both legs run concurrently.
type Hyperliquid struct {
	cfg     Config
	info    *rest.Client
	store   state.Store
	metrics *metrics.Metrics
	log     *zap.Logger

	mu     sync.Mutex
	legs   map[string]*leg
	assets map[string]assetInfo
}

// New builds the backend. store persists exchange nonces and may be nil.
func New(cfg Config, store state.Store, m *metrics.Metrics, log *zap.Logger) *Hyperliquid {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.hyperliquid.xyz"
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Hyperliquid{
		cfg:     cfg,
		info:    rest.New(cfg.BaseURL, cfg.Timeout, nil, log),
		store:   store,
		metrics: metrics.OrNoop(m),
		log:     log,
		legs:    make(map[string]*leg),
		assets:  make(map[string]assetInfo),
	}
}

func (h *Hyperliquid) CreateUnit(ctx context.Context, account1, account2 registry.BatchAccount, asset string, size, leverage float64) error {
	legs, err := h.legsFor(ctx, account1, account2)
	if err != nil {
		return err
	}
	info, err := h.asset(ctx, asset)
	if err != nil {
		return err
	}
	lev := int(math.Round(leverage))
	if lev < 1 {
		return fmt.Errorf("leverage %v must be >= 1", leverage)
	}
	if info.maxLeverage > 0 && lev > info.maxLeverage {
		return fmt.Errorf("leverage %d exceeds %s max %d", lev, asset, info.maxLeverage)
	}
	sz := exchange.RoundSize(size, info.szDecimals)
	if sz <= 0 {
		return fmt.Errorf("size %v rounds to zero for %s", size, asset)
	}
	mid, err := h.mid(ctx, asset)
	if err != nil {
		return err
	}
	g, gctx := errgroup.WithContext(ctx)
	for i, l := range legs {
		l := l
		isBuy := (i == 0) == h.cfg.LongFirst
		g.Go(func() error {
			if err := l.ex.UpdateLeverage(gctx, info.index, lev, !info.onlyIsolated); err != nil {
				return fmt.Errorf("%s update leverage: %w", l.account.Account.ID, err)
			}
			return h.placeIOC(gctx, l, asset, info, mid, isBuy, sz, false)
		})
	}
	return g.Wait()
}

func (h *Hyperliquid) CloseUnit(ctx context.Context, account1, account2 registry.BatchAccount, asset string) error {
	legs, err := h.legsFor(ctx, account1, account2)
	if err != nil {
		return err
	}
	info, err := h.asset(ctx, asset)
	if err != nil {
		return err
	}
	mid, err := h.mid(ctx, asset)
	if err != nil {
		return err
	}
	g, gctx := errgroup.WithContext(ctx)
	for _, l := range legs {
		l := l
		g.Go(func() error {
			return h.closeLeg(gctx, l, asset, info, mid)
		})
	}
	return g.Wait()
}

func (h *Hyperliquid) CloseAndRecreateUnit(ctx context.Context, account1, account2 registry.BatchAccount, asset string, size, leverage float64) error {
	if err := h.CloseUnit(ctx, account1, account2, asset); err != nil {
		return fmt.Errorf("close: %w", err)
	}
	if err := h.CreateUnit(ctx, account1, account2, asset, size, leverage); err != nil {
		return fmt.Errorf("recreate: %w", err)
	}
	return nil
}

func (h *Hyperliquid) closeLeg(ctx context.Context, l *leg, asset string, info assetInfo, mid float64) error {
	user := l.account.Account.PublicAddress
	orders, err := l.info.OpenOrders(ctx, user)
	if err != nil {
		return fmt.Errorf("%s open orders: %w", l.account.Account.ID, err)
	}
	var cancels []exchange.CancelWire
	for _, order := range orders {
		if order.Coin == asset {
			cancels = append(cancels, exchange.CancelWire{Asset: info.index, OrderID: order.Oid})
		}
	}
	if err := l.ex.CancelOrders(ctx, cancels...); err != nil {
		return fmt.Errorf("%s cancel orders: %w", l.account.Account.ID, err)
	}
	st, err := l.info.ClearinghouseState(ctx, user)
	if err != nil {
		return fmt.Errorf("%s clearinghouse state: %w", l.account.Account.ID, err)
	}
	szi := 0.0
	for _, ap := range st.AssetPositions {
		if ap.Position.Coin != asset {
			continue
		}
		szi, err = strconv.ParseFloat(ap.Position.Szi, 64)
		if err != nil {
			return fmt.Errorf("%s position size %q: %w", l.account.Account.ID, ap.Position.Szi, err)
		}
	}
	if szi == 0 {
		return nil
	}
	return h.placeIOC(ctx, l, asset, info, mid, szi < 0, math.Abs(szi), true)
}

func (h *Hyperliquid) placeIOC(ctx context.Context, l *leg, asset string, info assetInfo, mid float64, isBuy bool, size float64, reduceOnly bool) error {
	px := exchange.SlippagePrice(mid, isBuy, h.cfg.Slippage, info.szDecimals)
	order, err := exchange.LimitOrderWire(info.index, isBuy, size, px, reduceOnly, exchange.TifIoc, newCloid())
	if err != nil {
		return fmt.Errorf("%s order wire: %w", l.account.Account.ID, err)
	}
	statuses, err := l.ex.PlaceOrders(ctx, order)
	if err != nil {
		return fmt.Errorf("%s place order: %w", l.account.Account.ID, err)
	}
	if len(statuses) == 0 || !statuses[0].Filled {
		return fmt.Errorf("%s %s order not filled", l.account.Account.ID, asset)
	}
	h.metrics.OrdersPlaced.Inc()
	h.log.Info("order filled",
		zap.String("account_id", l.account.Account.ID),
		zap.String("asset", asset),
		zap.Bool("is_buy", isBuy),
		zap.Bool("reduce_only", reduceOnly),
		zap.Float64("size", statuses[0].FilledSize),
		zap.Float64("avg_px", statuses[0].AvgPrice),
	)
	return nil
}

func (h *Hyperliquid) legsFor(ctx context.Context, account1, account2 registry.BatchAccount) ([]*leg, error) {
	l1, err := h.leg(ctx, account1)
	if err != nil {
		return nil, err
	}
	l2, err := h.leg(ctx, account2)
	if err != nil {
		return nil, err
	}
	return []*leg{l1, l2}, nil
}

func (h *Hyperliquid) leg(ctx context.Context, ba registry.BatchAccount) (*leg, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if l, ok := h.legs[ba.Account.ID]; ok {
		return l, nil
	}
	if strings.TrimSpace(ba.Account.PrivateKey) == "" {
		return nil, fmt.Errorf("account %s has no private key", ba.Account.ID)
	}
	signer, err := exchange.NewSigner(ba.Account.PrivateKey, h.cfg.IsMainnet)
	if err != nil {
		return nil, fmt.Errorf("account %s signer: %w", ba.Account.ID, err)
	}
	transport := ba.Transport()
	ex, err := exchange.NewClient(h.cfg.BaseURL, signer,
		exchange.WithTimeout(h.cfg.Timeout),
		exchange.WithTransport(transport),
		exchange.WithLogger(h.log.With(zap.String("account_id", ba.Account.ID))),
	)
	if err != nil {
		return nil, err
	}
	if h.store != nil {
		seed, err := ex.UseNonceStore(ctx, h.store)
		if err != nil {
			return nil, fmt.Errorf("account %s nonce store: %w", ba.Account.ID, err)
		}
		h.log.Info("nonce persistence enabled", zap.String("account_id", ba.Account.ID), zap.Uint64("nonce_seed", seed))
	}
	l := &leg{
		account: ba,
		ex:      ex,
		info:    rest.New(h.cfg.BaseURL, h.cfg.Timeout, transport, h.log),
	}
	h.legs[ba.Account.ID] = l
	return l, nil
}

func (h *Hyperliquid) asset(ctx context.Context, name string) (assetInfo, error) {
	h.mu.Lock()
	info, ok := h.assets[name]
	h.mu.Unlock()
	if ok {
		return info, nil
	}
	meta, err := h.info.Meta(ctx)
	if err != nil {
		return assetInfo{}, fmt.Errorf("meta: %w", err)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for i, a := range meta.Universe {
		h.assets[a.Name] = assetInfo{
			index:        i,
			szDecimals:   a.SzDecimals,
			maxLeverage:  a.MaxLeverage,
			onlyIsolated: a.OnlyIsolated,
		}
	}
	info, ok = h.assets[name]
	if !ok {
		return assetInfo{}, fmt.Errorf("unknown asset %s", name)
	}
	return info, nil
}

func (h *Hyperliquid) mid(ctx context.Context, asset string) (float64, error) {
	mids, err := h.info.AllMids(ctx)
	if err != nil {
		return 0, fmt.Errorf("mids: %w", err)
	}
	raw, ok := mids[asset]
	if !ok {
		return 0, fmt.Errorf("no mid price for %s", asset)
	}
	mid, err := strconv.ParseFloat(raw, 64)
	if err != nil || mid <= 0 {
		return 0, errors.New("invalid mid price for " + asset)
	}
	return mid, nil
}

func newCloid() string {
	id := uuid.New()
	return "0x" + hex.EncodeToString(id[:])
}
