package fabric

import "context"

// KVStore is the optional external persistence hook described in
// SPEC_FULL §6, shaped after Redis's HSET/EXPIRE pair. The original
// Python implementation persists published events this way; no concrete
// client ships in this module since no Redis driver appears anywhere in
// the retrieved pack, so callers supply their own or use NoopKVStore.
type KVStore interface {
	HSet(ctx context.Context, key string, fields map[string]string) error
	Expire(ctx context.Context, key string, seconds int) error
}

// NoopKVStore discards everything; it is the default when no KVStore is
// configured, keeping persistence strictly optional as SPEC_FULL §6
// requires.
type NoopKVStore struct{}

func (NoopKVStore) HSet(context.Context, string, map[string]string) error { return nil }
func (NoopKVStore) Expire(context.Context, string, int) error             { return nil }
