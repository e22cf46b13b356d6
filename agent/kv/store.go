package kv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotFound   = errors.New("kv: key not found")
	ErrConflict   = errors.New("kv: compare-and-swap conflict")
	ErrInvalidKey = errors.New("kv: key is empty")

	// ErrSkip returned from an update function leaves the key untouched.
	ErrSkip = errors.New("kv: skip write")
)

const defaultMaxCASAttempts = 32

// Store is a key/value store with per-key expiry and atomic compare-and-set.
// An expired key is absent for every read, whether or not it was swept.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	// Set writes value; ttl == 0 keeps the key until deleted.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	// CompareAndSwap writes next only when the current value equals old.
	// A nil old requires the key to be absent.
	CompareAndSwap(ctx context.Context, key string, old, next []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	// Keys returns live keys with the prefix in ascending order.
	Keys(ctx context.Context, prefix string) ([]string, error)
}

// Update runs fn against the current value and writes its output with
// CompareAndSwap, retrying on conflict. fn receives nil when the key is absent.
func Update(
	ctx context.Context,
	store Store,
	key string,
	ttl time.Duration,
	fn func(current []byte) ([]byte, error),
) ([]byte, error) {
	for attempt := 0; attempt < defaultMaxCASAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		current, err := store.Get(ctx, key)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return nil, err
		}
		if errors.Is(err, ErrNotFound) {
			current = nil
		}

		next, err := fn(current)
		if errors.Is(err, ErrSkip) {
			return current, nil
		}
		if err != nil {
			return nil, err
		}

		err = store.CompareAndSwap(ctx, key, current, next, ttl)
		if err == nil {
			return next, nil
		}
		if !errors.Is(err, ErrConflict) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("%w: key=%s exhausted %d attempts", ErrConflict, key, defaultMaxCASAttempts)
}

// UpdateJSON is Update over a JSON document. exists is false when the key was absent.
func UpdateJSON[T any](
	ctx context.Context,
	store Store,
	key string,
	ttl time.Duration,
	fn func(doc *T, exists bool) error,
) (*T, error) {
	var out T
	_, err := Update(ctx, store, key, ttl, func(current []byte) ([]byte, error) {
		var doc T
		exists := current != nil
		if exists {
			if err := json.Unmarshal(current, &doc); err != nil {
				return nil, fmt.Errorf("decode %s: %w", key, err)
			}
		}
		if err := fn(&doc, exists); err != nil {
			if errors.Is(err, ErrSkip) {
				out = doc
			}
			return nil, err
		}
		out = doc
		return json.Marshal(doc)
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func GetJSON[T any](ctx context.Context, store Store, key string) (*T, error) {
	raw, err := store.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	var doc T
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decode %s: %w", key, err)
	}
	return &doc, nil
}

func SetJSON(ctx context.Context, store Store, key string, v any, ttl time.Duration) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return store.Set(ctx, key, raw, ttl)
}

func SetNXJSON(ctx context.Context, store Store, key string, v any, ttl time.Duration) (bool, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return false, fmt.Errorf("encode %s: %w", key, err)
	}
	return store.SetNX(ctx, key, raw, ttl)
}
