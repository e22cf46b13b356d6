package kv

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"
)

const (
	maxResponseSizeBytes = 2 << 20
	scanBatchSize        = 200
)

// casScript swaps KEYS[1] to ARGV[3] when it holds ARGV[2] (mode "match")
// or does not exist (mode "absent"). ARGV[4] is the expiry in milliseconds.
const casScript = `
local cur = redis.call('GET', KEYS[1])
if ARGV[1] == 'absent' then
  if cur then return 0 end
elseif cur ~= ARGV[2] then
  return 0
end
if tonumber(ARGV[4]) > 0 then
  redis.call('SET', KEYS[1], ARGV[3], 'PX', ARGV[4])
else
  redis.call('SET', KEYS[1], ARGV[3])
end
return 1
`

type UpstashConfig struct {
	URL       string        `envconfig:"URL" split_words:"true" required:"true"`
	Token     string        `envconfig:"TOKEN" split_words:"true" required:"true"`
	Timeout   time.Duration `envconfig:"TIMEOUT" split_words:"true" default:"10s"`
	KeyPrefix string        `envconfig:"KEY_PREFIX" split_words:"true" default:"orchestrator:"`
}

type UpstashOption func(*UpstashStore)

func WithKeyPrefix(prefix string) UpstashOption {
	return func(s *UpstashStore) {
		s.keyPrefix = strings.TrimSpace(prefix)
	}
}

func WithHTTPClient(client *http.Client) UpstashOption {
	return func(s *UpstashStore) {
		if client != nil {
			s.httpClient = client
		}
	}
}

// UpstashStore talks to Upstash Redis over its REST API.
type UpstashStore struct {
	baseURL    string
	token      string
	httpClient *http.Client
	keyPrefix  string
}

type redisRESTResponse struct {
	Result json.RawMessage `json:"result"`
	Error  string          `json:"error"`
}

func NewUpstashStore(cfg UpstashConfig, opts ...UpstashOption) (*UpstashStore, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.URL), "/")
	if baseURL == "" {
		return nil, errors.New("upstash redis url is required")
	}
	if _, err := url.ParseRequestURI(baseURL); err != nil {
		return nil, fmt.Errorf("invalid redis rest url: %w", err)
	}

	token := strings.TrimSpace(cfg.Token)
	if token == "" {
		return nil, errors.New("upstash redis token is required")
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	store := &UpstashStore{
		baseURL:    baseURL,
		token:      token,
		httpClient: &http.Client{Timeout: timeout},
		keyPrefix:  strings.TrimSpace(cfg.KeyPrefix),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(store)
		}
	}
	return store, nil
}

func (s *UpstashStore) Get(ctx context.Context, key string) ([]byte, error) {
	if key == "" {
		return nil, ErrInvalidKey
	}
	resp, err := s.exec(ctx, []any{"GET", s.keyPrefix + key})
	if err != nil {
		return nil, err
	}
	value, ok, err := decodeBulkString(resp.Result)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotFound
	}
	return []byte(value), nil
}

func (s *UpstashStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if key == "" {
		return ErrInvalidKey
	}
	cmd := []any{"SET", s.keyPrefix + key, string(value)}
	if ttl > 0 {
		cmd = append(cmd, "PX", ttlMillis(ttl))
	}
	_, err := s.exec(ctx, cmd)
	return err
}

func (s *UpstashStore) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	if key == "" {
		return false, ErrInvalidKey
	}
	cmd := []any{"SET", s.keyPrefix + key, string(value), "NX"}
	if ttl > 0 {
		cmd = append(cmd, "PX", ttlMillis(ttl))
	}
	resp, err := s.exec(ctx, cmd)
	if err != nil {
		return false, err
	}
	_, ok, err := decodeBulkString(resp.Result)
	if err != nil {
		return false, err
	}
	return ok, nil
}

func (s *UpstashStore) CompareAndSwap(ctx context.Context, key string, old, next []byte, ttl time.Duration) error {
	if key == "" {
		return ErrInvalidKey
	}
	mode := "match"
	if old == nil {
		mode = "absent"
	}
	var px int64
	if ttl > 0 {
		px = ttlMillis(ttl)
	}

	resp, err := s.exec(ctx, []any{
		"EVAL", casScript, "1", s.keyPrefix + key,
		mode, string(old), string(next), strconv.FormatInt(px, 10),
	})
	if err != nil {
		return err
	}

	var swapped int64
	if err := json.Unmarshal(resp.Result, &swapped); err != nil {
		return fmt.Errorf("decode cas result: %w", err)
	}
	if swapped != 1 {
		return ErrConflict
	}
	return nil
}

func (s *UpstashStore) Delete(ctx context.Context, key string) error {
	if key == "" {
		return ErrInvalidKey
	}
	_, err := s.exec(ctx, []any{"DEL", s.keyPrefix + key})
	return err
}

func (s *UpstashStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	cursor := "0"
	seen := make(map[string]struct{}, 32)
	for {
		resp, err := s.exec(ctx, []any{
			"SCAN", cursor, "MATCH", s.keyPrefix + prefix + "*", "COUNT", scanBatchSize,
		})
		if err != nil {
			return nil, err
		}

		var page []json.RawMessage
		if err := json.Unmarshal(resp.Result, &page); err != nil || len(page) != 2 {
			return nil, fmt.Errorf("decode scan page: %v", err)
		}
		if err := json.Unmarshal(page[0], &cursor); err != nil {
			return nil, fmt.Errorf("decode scan cursor: %w", err)
		}
		var keys []string
		if err := json.Unmarshal(page[1], &keys); err != nil {
			return nil, fmt.Errorf("decode scan keys: %w", err)
		}
		for _, k := range keys {
			seen[strings.TrimPrefix(k, s.keyPrefix)] = struct{}{}
		}
		if cursor == "0" {
			break
		}
	}

	out := make([]string, 0, len(seen))
	for k := range seen {
		out = append(out, k)
	}
	sort.Strings(out)
	return out, nil
}

func (s *UpstashStore) exec(ctx context.Context, command []any) (*redisRESTResponse, error) {
	if s == nil {
		return nil, errors.New("nil store")
	}
	if len(command) == 0 {
		return nil, errors.New("empty redis command")
	}

	body, err := json.Marshal(command)
	if err != nil {
		return nil, fmt.Errorf("marshal redis command: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build redis request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("execute redis request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSizeBytes))
	if err != nil {
		return nil, fmt.Errorf("read redis response: %w", err)
	}

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return nil, fmt.Errorf("redis http status=%d body=%s", resp.StatusCode, string(raw))
	}

	var parsed redisRESTResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("decode redis response: %w", err)
	}
	if parsed.Error != "" {
		return nil, errors.New(parsed.Error)
	}
	return &parsed, nil
}

func decodeBulkString(result json.RawMessage) (string, bool, error) {
	trimmed := bytes.TrimSpace(result)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return "", false, nil
	}
	var value string
	if err := json.Unmarshal(trimmed, &value); err != nil {
		return "", false, fmt.Errorf("decode redis payload: %w", err)
	}
	return value, true, nil
}

func ttlMillis(ttl time.Duration) int64 {
	ms := ttl / time.Millisecond
	if ms <= 0 {
		return 1
	}
	if ttl%time.Millisecond != 0 {
		ms++
	}
	return int64(ms)
}
