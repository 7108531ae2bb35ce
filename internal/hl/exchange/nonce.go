package exchange

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// NonceStore persists the last issued nonce per signer.
type NonceStore interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
}

// nonces issues strictly increasing millisecond nonces. With a store
// attached, every issued nonce is written through so a restart never reuses
// one.
type nonces struct {
	last      atomic.Uint64
	persisted atomic.Uint64

	mu     sync.Mutex
	store  NonceStore
	key    string
	warned bool
	log    *zap.Logger
}

func (n *nonces) next() uint64 {
	now := uint64(time.Now().UnixMilli())
	for {
		prev := n.last.Load()
		next := max(now, prev+1)
		if n.last.CompareAndSwap(prev, next) {
			n.persist(next)
			return next
		}
	}
}

// attach loads the stored nonce under key and returns the seed that the
// sequence continues from.
func (n *nonces) attach(ctx context.Context, store NonceStore, key string) (uint64, error) {
	seed := uint64(time.Now().UnixMilli())
	raw, ok, err := store.Get(ctx, key)
	if err != nil {
		return 0, err
	}
	if ok {
		stored, err := strconv.ParseUint(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid stored nonce %q: %w", raw, err)
		}
		seed = max(seed, stored)
	}
	seed = max(seed, n.last.Load())

	n.mu.Lock()
	defer n.mu.Unlock()
	n.store = store
	n.key = key
	n.last.Store(seed)
	n.persisted.Store(seed)
	return seed, nil
}

func (n *nonces) persist(nonce uint64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.store == nil || nonce <= n.persisted.Load() {
		return
	}
	if err := n.store.Set(context.Background(), n.key, strconv.FormatUint(nonce, 10)); err != nil {
		if !n.warned && n.log != nil {
			n.log.Warn("nonce persistence failed", zap.String("nonce_key", n.key), zap.Error(err))
		}
		n.warned = true
		return
	}
	n.persisted.Store(nonce)
	n.warned = false
}

func nonceKey(baseURL string, signer *Signer) string {
	return fmt.Sprintf("exchange:nonce:%s:%s",
		strings.ToLower(strings.TrimSpace(baseURL)),
		strings.ToLower(signer.Address().Hex()),
	)
}
