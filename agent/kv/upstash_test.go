package kv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
)

// fakeRedis answers the subset of commands the store issues.
type fakeRedis struct {
	mu       sync.Mutex
	data     map[string]string
	commands [][]any
}

func (f *fakeRedis) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	if r.Header.Get("Authorization") != "Bearer token" {
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"error":"unauthorized"}`)
		return
	}

	var cmd []any
	if err := json.NewDecoder(r.Body).Decode(&cmd); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.commands = append(f.commands, cmd)

	reply := func(v any) {
		_ = json.NewEncoder(w).Encode(map[string]any{"result": v})
	}

	switch cmd[0] {
	case "GET":
		v, ok := f.data[cmd[1].(string)]
		if !ok {
			reply(nil)
			return
		}
		reply(v)
	case "SET":
		key := cmd[1].(string)
		for _, arg := range cmd[3:] {
			if arg == "NX" {
				if _, exists := f.data[key]; exists {
					reply(nil)
					return
				}
			}
		}
		f.data[key] = cmd[2].(string)
		reply("OK")
	case "DEL":
		delete(f.data, cmd[1].(string))
		reply(1)
	case "EVAL":
		key, mode, old, next := cmd[3].(string), cmd[4].(string), cmd[5].(string), cmd[6].(string)
		cur, exists := f.data[key]
		if (mode == "absent" && exists) || (mode == "match" && (!exists || cur != old)) {
			reply(0)
			return
		}
		f.data[key] = next
		reply(1)
	case "SCAN":
		keys := make([]string, 0, len(f.data))
		for k := range f.data {
			keys = append(keys, k)
		}
		reply([]any{"0", keys})
	default:
		w.WriteHeader(http.StatusBadRequest)
	}
}

func newUpstashTestStore(t *testing.T) (*UpstashStore, *fakeRedis) {
	t.Helper()

	redis := &fakeRedis{data: map[string]string{}}
	server := httptest.NewServer(redis)
	t.Cleanup(server.Close)

	store, err := NewUpstashStore(
		UpstashConfig{URL: server.URL, Token: "token", KeyPrefix: "test:"},
		WithHTTPClient(server.Client()),
	)
	if err != nil {
		t.Fatalf("NewUpstashStore() error = %v", err)
	}
	return store, redis
}

func TestNewUpstashStoreRequiresURLAndToken(t *testing.T) {
	t.Parallel()

	if _, err := NewUpstashStore(UpstashConfig{Token: "token"}); err == nil {
		t.Fatal("expected error for missing url")
	}
	if _, err := NewUpstashStore(UpstashConfig{URL: "https://example.upstash.io"}); err == nil {
		t.Fatal("expected error for missing token")
	}
}

func TestUpstashStoreSetUsesPrefixAndMillisecondTTL(t *testing.T) {
	t.Parallel()

	store, redis := newUpstashTestStore(t)
	if err := store.Set(context.Background(), "conversation:1", []byte(`{"a":1}`), 1500_000_000); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	cmd := redis.commands[0]
	if cmd[0] != "SET" || cmd[1] != "test:conversation:1" {
		t.Fatalf("unexpected command: %#v", cmd)
	}
	if cmd[3] != "PX" || cmd[4] != float64(1500) {
		t.Fatalf("unexpected expiry args: %#v", cmd[3:])
	}
}

func TestUpstashStoreGetMissingKey(t *testing.T) {
	t.Parallel()

	store, _ := newUpstashTestStore(t)
	if _, err := store.Get(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get() error = %v, want ErrNotFound", err)
	}
}

func TestUpstashStoreCompareAndSwap(t *testing.T) {
	t.Parallel()

	store, _ := newUpstashTestStore(t)
	ctx := context.Background()

	if err := store.CompareAndSwap(ctx, "k", nil, []byte("v1"), 0); err != nil {
		t.Fatalf("CompareAndSwap(absent) error = %v", err)
	}
	if err := store.CompareAndSwap(ctx, "k", []byte("other"), []byte("v2"), 0); !errors.Is(err, ErrConflict) {
		t.Fatalf("CompareAndSwap(stale) error = %v, want ErrConflict", err)
	}
	if err := store.CompareAndSwap(ctx, "k", []byte("v1"), []byte("v2"), 0); err != nil {
		t.Fatalf("CompareAndSwap(match) error = %v", err)
	}
	got, err := store.Get(ctx, "k")
	if err != nil || string(got) != "v2" {
		t.Fatalf("Get() = %q, %v, want v2", got, err)
	}
}

func TestUpstashStoreSetNXAndKeys(t *testing.T) {
	t.Parallel()

	store, _ := newUpstashTestStore(t)
	ctx := context.Background()

	ok, err := store.SetNX(ctx, "driver:b", []byte("1"), 0)
	if err != nil || !ok {
		t.Fatalf("SetNX() = %v, %v", ok, err)
	}
	ok, err = store.SetNX(ctx, "driver:b", []byte("2"), 0)
	if err != nil || ok {
		t.Fatalf("second SetNX() = %v, %v, want false", ok, err)
	}
	_ = store.Set(ctx, "driver:a", []byte("1"), 0)

	keys, err := store.Keys(ctx, "driver:")
	if err != nil {
		t.Fatalf("Keys() error = %v", err)
	}
	if len(keys) != 2 || keys[0] != "driver:a" || keys[1] != "driver:b" {
		t.Fatalf("Keys() = %v", keys)
	}
}

func TestTTLMillisRoundsUp(t *testing.T) {
	t.Parallel()

	if got := ttlMillis(1); got != 1 {
		t.Fatalf("ttlMillis(1ns) = %d, want 1", got)
	}
	if got := ttlMillis(1_500_001); got != 2 {
		t.Fatalf("ttlMillis(1.500001ms) = %d, want 2", got)
	}
}
