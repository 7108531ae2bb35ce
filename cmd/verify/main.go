package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"hl-unit-keeper/internal/config"
	"hl-unit-keeper/internal/hl/exchange"
	"hl-unit-keeper/internal/hl/rest"
	"hl-unit-keeper/internal/logging"
	"hl-unit-keeper/internal/registry"
	"hl-unit-keeper/internal/state/sqlite"

	"go.uber.org/zap"
)

// Resting probe orders are priced this far below mid so they never fill.
const (
	probeDiscount = 0.5
	probeNotional = 12.0
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	envPath := flag.String("env", ".env", "path to .env file")
	accountID := flag.String("account", "", "only check this account id")
	probeAsset := flag.String("probe-asset", "", "place and cancel a resting post-only order on this perp to verify signing")
	dryRun := flag.Bool("dry-run", false, "print the probe order without sending it")
	flag.Parse()

	if err := config.LoadEnv(*envPath); err != nil {
		fatal(err)
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		fatal(err)
	}
	log := logging.New(cfg.Log)
	defer func() { _ = log.Sync() }()

	reg := registry.FromConfig(cfg, nil, log)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	failed := false
	for _, acc := range reg.Accounts() {
		if *accountID != "" && acc.ID != *accountID {
			continue
		}
		ba, err := reg.BatchAccount(acc.ID)
		if err != nil {
			fatal(err)
		}
		if err := checkAccount(ctx, cfg, ba, log); err != nil {
			failed = true
			fmt.Printf("account %s: FAIL %v\n", acc.ID, err)
			continue
		}
		if *probeAsset != "" {
			if err := probe(ctx, cfg, ba, strings.ToUpper(*probeAsset), *dryRun, log); err != nil {
				failed = true
				fmt.Printf("account %s: probe FAIL %v\n", acc.ID, err)
			}
		}
	}
	if failed {
		os.Exit(1)
	}
}

// checkAccount verifies the signing key matches the configured address and
// that the account's state is reachable through its proxy.
func checkAccount(ctx context.Context, cfg *config.Config, ba registry.BatchAccount, log *zap.Logger) error {
	acc := ba.Account
	if acc.PrivateKey == "" {
		return errors.New("private key env is unset")
	}
	signer, err := exchange.NewSigner(acc.PrivateKey, isMainnet(cfg))
	if err != nil {
		return err
	}
	if !strings.EqualFold(acc.PublicAddress, signer.Address().Hex()) {
		return fmt.Errorf("public_address %s does not match key address %s", acc.PublicAddress, signer.Address().Hex())
	}
	info := rest.New(cfg.REST.BaseURL, cfg.REST.Timeout, ba.Transport(), log)
	st, err := info.ClearinghouseState(ctx, acc.PublicAddress)
	if err != nil {
		return fmt.Errorf("clearinghouse state: %w", err)
	}
	orders, err := info.OpenOrders(ctx, acc.PublicAddress)
	if err != nil {
		return fmt.Errorf("open orders: %w", err)
	}
	via := "direct"
	if ba.Proxy != nil {
		via = "proxy " + ba.Proxy.ID
	}
	fmt.Printf("account %s: OK address=%s via=%s account_value=%s positions=%d open_orders=%d\n",
		acc.ID, acc.PublicAddress, via, st.MarginSummary.AccountValue, len(st.AssetPositions), len(orders))
	for _, ap := range st.AssetPositions {
		fmt.Printf("  position %s szi=%s\n", ap.Position.Coin, ap.Position.Szi)
	}
	return nil
}

func probe(ctx context.Context, cfg *config.Config, ba registry.BatchAccount, asset string, dryRun bool, log *zap.Logger) error {
	info := rest.New(cfg.REST.BaseURL, cfg.REST.Timeout, ba.Transport(), log)
	meta, err := info.Meta(ctx)
	if err != nil {
		return fmt.Errorf("meta: %w", err)
	}
	index := -1
	szDecimals := 0
	for i, a := range meta.Universe {
		if a.Name == asset {
			index, szDecimals = i, a.SzDecimals
			break
		}
	}
	if index < 0 {
		return fmt.Errorf("unknown asset %s", asset)
	}
	mids, err := info.AllMids(ctx)
	if err != nil {
		return fmt.Errorf("mids: %w", err)
	}
	mid, err := strconv.ParseFloat(mids[asset], 64)
	if err != nil || mid <= 0 {
		return fmt.Errorf("no mid price for %s", asset)
	}
	px := exchange.SlippagePrice(mid, false, probeDiscount, szDecimals)
	size := exchange.RoundSize(probeNotional/px, szDecimals)
	if size <= 0 {
		return errors.New("probe size rounds to zero")
	}
	order, err := exchange.LimitOrderWire(index, true, size, px, false, exchange.TifAlo, "")
	if err != nil {
		return err
	}
	fmt.Printf("  probe %s asset_id=%d size=%s limit_px=%s\n", asset, index, order.Size, order.Price)
	if dryRun {
		return nil
	}

	signer, err := exchange.NewSigner(ba.Account.PrivateKey, isMainnet(cfg))
	if err != nil {
		return err
	}
	ex, err := exchange.NewClient(cfg.REST.BaseURL, signer,
		exchange.WithTimeout(cfg.REST.Timeout),
		exchange.WithTransport(ba.Transport()),
		exchange.WithLogger(log),
	)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(cfg.State.SQLitePath), 0o755); err == nil {
		if store, err := sqlite.New(cfg.State.SQLitePath); err != nil {
			log.Warn("nonce store init failed", zap.Error(err))
		} else {
			defer store.Close()
			if _, err := ex.UseNonceStore(ctx, store); err != nil {
				log.Warn("nonce store init failed", zap.Error(err))
			}
		}
	}
	statuses, err := ex.PlaceOrders(ctx, order)
	if err != nil {
		return fmt.Errorf("place: %w", err)
	}
	if len(statuses) == 0 || !statuses[0].Resting {
		return fmt.Errorf("probe order did not rest: %+v", statuses)
	}
	oid, err := strconv.ParseInt(statuses[0].OrderID, 10, 64)
	if err != nil {
		return fmt.Errorf("probe order id %q: %w", statuses[0].OrderID, err)
	}
	if err := ex.CancelOrders(ctx, exchange.CancelWire{Asset: index, OrderID: oid}); err != nil {
		return fmt.Errorf("cancel probe %d: %w", oid, err)
	}
	fmt.Printf("  probe OK order_id=%d placed and cancelled\n", oid)
	return nil
}

func isMainnet(cfg *config.Config) bool {
	return !strings.Contains(strings.ToLower(cfg.REST.BaseURL), "testnet")
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "verify failed: %v\n", err)
	os.Exit(1)
}
