package state

import "context"

// Store is the local key/value persistence used for batches and exchange
// nonces. Values are opaque strings; callers encode their own records.
type Store interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
	List(ctx context.Context, prefix string) (map[string]string, error)
	Close() error
}
