package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/tanpawarit/Chative-Order-Orchestrator/agent/kv"
)

var (
	ErrStateNotFound = errors.New("conversation state not found")
	// ErrStaleState reports that another writer saved the conversation first.
	ErrStaleState = errors.New("conversation state is stale")
)

const (
	defaultStoreKeyPrefix = "conversation:"
	defaultStoreTTL       = 30 * time.Minute
)

// Store is the persistence contract used by the orchestrator.
type Store interface {
	// Create stores st unless the conversation already exists, in which case
	// the stored state is returned with created=false.
	Create(ctx context.Context, st *ConversationState) (out *ConversationState, created bool, err error)
	Load(ctx context.Context, conversationID string) (*ConversationState, error)
	Save(ctx context.Context, st *ConversationState) error
	Delete(ctx context.Context, conversationID string) error
	List(ctx context.Context) ([]*ConversationState, error)
}

type StoreOption func(*KVStore)

func WithKeyPrefix(prefix string) StoreOption {
	return func(s *KVStore) {
		trimmed := strings.TrimSpace(prefix)
		if trimmed != "" {
			s.keyPrefix = trimmed
		}
	}
}

func WithTTL(ttl time.Duration) StoreOption {
	return func(s *KVStore) {
		s.ttl = ttl
	}
}

// KVStore keeps conversations in the shared store. Every save refreshes the TTL
// and is a compare-and-set against the version that was loaded.
type KVStore struct {
	kv        kv.Store
	keyPrefix string
	ttl       time.Duration
}

func NewKVStore(store kv.Store, opts ...StoreOption) (*KVStore, error) {
	if store == nil {
		return nil, errors.New("kv store is required")
	}
	s := &KVStore{
		kv:        store,
		keyPrefix: defaultStoreKeyPrefix,
		ttl:       defaultStoreTTL,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	if s.ttl < 0 {
		return nil, errors.New("ttl must be >= 0")
	}
	return s, nil
}

func (s *KVStore) Create(ctx context.Context, st *ConversationState) (*ConversationState, bool, error) {
	if err := st.Validate(); err != nil {
		return nil, false, err
	}
	key, err := s.key(st.ConversationID)
	if err != nil {
		return nil, false, err
	}

	st.Version = 1
	payload, err := json.Marshal(st)
	if err != nil {
		return nil, false, fmt.Errorf("marshal conversation state: %w", err)
	}

	created, err := s.kv.SetNX(ctx, key, payload, s.ttl)
	if err != nil {
		return nil, false, err
	}
	if created {
		return st, true, nil
	}

	existing, err := s.Load(ctx, st.ConversationID)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

func (s *KVStore) Load(ctx context.Context, conversationID string) (*ConversationState, error) {
	key, err := s.key(conversationID)
	if err != nil {
		return nil, err
	}
	raw, err := s.kv.Get(ctx, key)
	if errors.Is(err, kv.ErrNotFound) {
		return nil, ErrStateNotFound
	}
	if err != nil {
		return nil, err
	}
	return decodeState(raw)
}

func (s *KVStore) Save(ctx context.Context, st *ConversationState) error {
	if err := st.Validate(); err != nil {
		return err
	}
	key, err := s.key(st.ConversationID)
	if err != nil {
		return err
	}

	current, err := s.kv.Get(ctx, key)
	switch {
	case errors.Is(err, kv.ErrNotFound):
		if st.Version > 0 {
			return fmt.Errorf("%w: conversation %s expired", ErrStateNotFound, st.ConversationID)
		}
		current = nil
	case err != nil:
		return err
	default:
		stored, err := decodeState(current)
		if err != nil {
			return err
		}
		if stored.Version != st.Version {
			return fmt.Errorf("%w: loaded version=%d stored version=%d", ErrStaleState, st.Version, stored.Version)
		}
	}

	next := *st
	next.Version = st.Version + 1
	payload, err := json.Marshal(&next)
	if err != nil {
		return fmt.Errorf("marshal conversation state: %w", err)
	}

	if err := s.kv.CompareAndSwap(ctx, key, current, payload, s.ttl); err != nil {
		if errors.Is(err, kv.ErrConflict) {
			return fmt.Errorf("%w: %v", ErrStaleState, err)
		}
		return err
	}
	st.Version = next.Version
	return nil
}

func (s *KVStore) Delete(ctx context.Context, conversationID string) error {
	key, err := s.key(conversationID)
	if err != nil {
		return err
	}
	return s.kv.Delete(ctx, key)
}

func (s *KVStore) List(ctx context.Context) ([]*ConversationState, error) {
	keys, err := s.kv.Keys(ctx, s.keyPrefix)
	if err != nil {
		return nil, err
	}
	out := make([]*ConversationState, 0, len(keys))
	for _, key := range keys {
		raw, err := s.kv.Get(ctx, key)
		if errors.Is(err, kv.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		st, err := decodeState(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *KVStore) key(conversationID string) (string, error) {
	if strings.TrimSpace(conversationID) == "" {
		return "", ErrInvalidConversation
	}
	return s.keyPrefix + conversationID, nil
}

func decodeState(raw []byte) (*ConversationState, error) {
	var st ConversationState
	if err := json.Unmarshal(raw, &st); err != nil {
		return nil, fmt.Errorf("unmarshal conversation state: %w", err)
	}
	if st.Context == nil {
		st.Context = make(map[string]any, 4)
	}
	if err := st.Validate(); err != nil {
		return nil, fmt.Errorf("invalid conversation state loaded from store: %w", err)
	}
	return &st, nil
}
