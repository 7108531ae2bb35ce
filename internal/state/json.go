package state

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strings"
)

func LoadJSON(ctx context.Context, store Store, key string, out any) (bool, error) {
	if store == nil {
		return false, nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	raw, ok, err := store.Get(ctx, key)
	if err != nil {
		return false, err
	}
	if !ok || strings.TrimSpace(raw) == "" {
		return false, nil
	}
	if err := json.Unmarshal([]byte(raw), out); err != nil {
		return false, err
	}
	return true, nil
}

func SaveJSON(ctx context.Context, store Store, key string, value any) error {
	if store == nil {
		return errors.New("store is required")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	payload, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return store.Set(ctx, key, string(payload))
}

// ListJSON decodes every value under prefix, ordered by key. Entries that do
// not decode are skipped and reported through the returned key list.
func ListJSON[T any](ctx context.Context, store Store, prefix string) ([]T, []string, error) {
	if store == nil {
		return nil, nil, nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	raw, err := store.List(ctx, prefix)
	if err != nil {
		return nil, nil, err
	}
	keys := make([]string, 0, len(raw))
	for key := range raw {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	out := make([]T, 0, len(keys))
	var bad []string
	for _, key := range keys {
		var item T
		if err := json.Unmarshal([]byte(raw[key]), &item); err != nil {
			bad = append(bad, key)
			continue
		}
		out = append(out, item)
	}
	return out, bad, nil
}
