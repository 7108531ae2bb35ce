package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"hl-unit-keeper/internal/config"
	"hl-unit-keeper/internal/state"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const batchKeyPrefix = "batch:"

var (
	ErrSameAccount    = errors.New("batch accounts must be distinct")
	ErrUnknownAccount = errors.New("unknown account")
	ErrUnknownBatch   = errors.New("unknown batch")
)

// Registry holds the accounts, proxies and batches the process operates on.
// It is passed explicitly to every batch controller.
type Registry struct {
	store state.Store
	log   *zap.Logger
	now   func() time.Time

	accounts map[string]Account
	proxies  map[string]Proxy

	mu      sync.RWMutex
	batches map[string]Batch
}

func New(accounts []Account, proxies []Proxy, store state.Store, log *zap.Logger) *Registry {
	if log == nil {
		log = zap.NewNop()
	}
	r := &Registry{
		store:    store,
		log:      log,
		now:      time.Now,
		accounts: make(map[string]Account, len(accounts)),
		proxies:  make(map[string]Proxy, len(proxies)),
		batches:  make(map[string]Batch),
	}
	for _, acc := range accounts {
		r.accounts[acc.ID] = acc
	}
	for _, p := range proxies {
		r.proxies[p.ID] = p
	}
	return r
}

// FromConfig builds the registry from configured accounts and proxies. Private
// keys are resolved from the environment.
func FromConfig(cfg *config.Config, store state.Store, log *zap.Logger) *Registry {
	accounts := make([]Account, 0, len(cfg.Accounts))
	for _, acc := range cfg.Accounts {
		accounts = append(accounts, Account{
			ID:            acc.ID,
			Name:          acc.Name,
			PublicAddress: acc.PublicAddress,
			PrivateKey:    acc.PrivateKey(),
			ProxyID:       acc.ProxyID,
		})
	}
	proxies := make([]Proxy, 0, len(cfg.Proxies))
	for _, p := range cfg.Proxies {
		proxies = append(proxies, Proxy{ID: p.ID, Host: p.Host, Port: p.Port, Username: p.Username, Password: p.Password})
	}
	return New(accounts, proxies, store, log)
}

// Load restores persisted batches and registers seed batches that are not yet
// known. Seeds keep their configured ids.
func (r *Registry) Load(ctx context.Context, seeds []config.BatchConfig) error {
	stored, bad, err := state.ListJSON[Batch](ctx, r.store, batchKeyPrefix)
	if err != nil {
		return err
	}
	for _, key := range bad {
		r.log.Warn("skipping unreadable batch record", zap.String("key", key))
	}
	r.mu.Lock()
	for _, b := range stored {
		r.batches[b.ID] = b
	}
	r.mu.Unlock()
	for _, seed := range seeds {
		if _, ok := r.Batch(seed.ID); ok && seed.ID != "" {
			continue
		}
		if _, err := r.createBatch(ctx, seed.ID, seed.Name, seed.Account1ID, seed.Account2ID); err != nil {
			return fmt.Errorf("seed batch %s: %w", seed.ID, err)
		}
	}
	return nil
}

func (r *Registry) Account(id string) (Account, bool) {
	acc, ok := r.accounts[id]
	return acc, ok
}

func (r *Registry) Accounts() []Account {
	out := make([]Account, 0, len(r.accounts))
	for _, acc := range r.accounts {
		out = append(out, acc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ProxyFor resolves the account's proxy reference. Accounts without a proxy,
// or whose proxy is unknown, report false.
func (r *Registry) ProxyFor(acc Account) (Proxy, bool) {
	if acc.ProxyID == "" {
		return Proxy{}, false
	}
	p, ok := r.proxies[acc.ProxyID]
	return p, ok
}

func (r *Registry) BatchAccount(accountID string) (BatchAccount, error) {
	acc, ok := r.Account(accountID)
	if !ok {
		return BatchAccount{}, fmt.Errorf("%w: %s", ErrUnknownAccount, accountID)
	}
	out := BatchAccount{Account: acc}
	if p, ok := r.ProxyFor(acc); ok {
		out.Proxy = &p
	}
	return out, nil
}

func (r *Registry) Batch(id string) (Batch, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.batches[id]
	return b, ok
}

func (r *Registry) Batches() []Batch {
	r.mu.RLock()
	out := make([]Batch, 0, len(r.batches))
	for _, b := range r.batches {
		out = append(out, b)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// CreateBatch pairs two distinct known accounts under a fresh id.
func (r *Registry) CreateBatch(ctx context.Context, name, account1ID, account2ID string) (Batch, error) {
	return r.createBatch(ctx, "", name, account1ID, account2ID)
}

func (r *Registry) createBatch(ctx context.Context, id, name, account1ID, account2ID string) (Batch, error) {
	account1ID = strings.TrimSpace(account1ID)
	account2ID = strings.TrimSpace(account2ID)
	if account1ID == account2ID {
		return Batch{}, ErrSameAccount
	}
	for _, accID := range []string{account1ID, account2ID} {
		if _, ok := r.Account(accID); !ok {
			return Batch{}, fmt.Errorf("%w: %s", ErrUnknownAccount, accID)
		}
	}
	if id == "" {
		id = uuid.NewString()
	}
	batch := Batch{
		ID:         id,
		Name:       strings.TrimSpace(name),
		Account1ID: account1ID,
		Account2ID: account2ID,
		CreatedAt:  r.now().UTC(),
	}
	if r.store != nil {
		if err := state.SaveJSON(ctx, r.store, batchKeyPrefix+batch.ID, batch); err != nil {
			return Batch{}, err
		}
	}
	r.mu.Lock()
	r.batches[batch.ID] = batch
	r.mu.Unlock()
	r.log.Info("batch created", zap.String("batch_id", batch.ID), zap.String("account_1", account1ID), zap.String("account_2", account2ID))
	return batch, nil
}

// DeleteBatch removes the batch record. Callers enforce the open-unit
// precondition before calling.
func (r *Registry) DeleteBatch(ctx context.Context, id string) error {
	if _, ok := r.Batch(id); !ok {
		return fmt.Errorf("%w: %s", ErrUnknownBatch, id)
	}
	if r.store != nil {
		if err := r.store.Delete(ctx, batchKeyPrefix+id); err != nil {
			return err
		}
	}
	r.mu.Lock()
	delete(r.batches, id)
	r.mu.Unlock()
	r.log.Info("batch deleted", zap.String("batch_id", id))
	return nil
}
