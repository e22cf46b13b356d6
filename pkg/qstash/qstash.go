package qstash

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const signatureIssuer = "Upstash"

var ErrInvalidSignature = errors.New("qstash signature is invalid")

type Config struct {
	URL               string        `split_words:"true" default:"https://qstash.upstash.io"`
	Token             string        `split_words:"true" required:"true"`
	CurrentSigningKey string        `split_words:"true" required:"true"`
	NextSigningKey    string        `split_words:"true" required:"true"`
	Timeout           time.Duration `split_words:"true" default:"10s"`
}

type Client struct {
	baseURL           string
	token             string
	currentSigningKey string
	nextSigningKey    string
	httpClient        *http.Client
	now               func() time.Time
}

func NewClient(cfg Config) (*Client, error) {
	baseURL := strings.TrimSpace(cfg.URL)
	if baseURL == "" {
		return nil, errors.New("qstash url is required")
	}

	if _, err := url.ParseRequestURI(baseURL); err != nil {
		return nil, err
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	client := &Client{
		baseURL:           strings.TrimRight(baseURL, "/"),
		token:             strings.TrimSpace(cfg.Token),
		currentSigningKey: strings.TrimSpace(cfg.CurrentSigningKey),
		nextSigningKey:    strings.TrimSpace(cfg.NextSigningKey),
		httpClient: &http.Client{
			Timeout: timeout,
		},
		now: time.Now,
	}

	return client, nil
}

func MustNew(cfg Config) *Client {
	client, err := NewClient(cfg)
	if err != nil {
		panic(err)
	}
	return client
}

type PublishRequest struct {
	Destination string
	Body        any
	// NotBefore delays delivery until the given time. Zero delivers now.
	NotBefore time.Time
	// DeduplicationID makes repeated publishes of the same message no-ops.
	DeduplicationID string
}

type publishResponse struct {
	MessageID string `json:"messageId"`
}

// Publish enqueues one message for delivery to req.Destination and returns
// the QStash message id.
func (c *Client) Publish(ctx context.Context, req PublishRequest) (string, error) {
	dest := strings.TrimSpace(req.Destination)
	if _, err := url.ParseRequestURI(dest); err != nil {
		return "", fmt.Errorf("qstash destination: %w", err)
	}
	payload, err := json.Marshal(req.Body)
	if err != nil {
		return "", fmt.Errorf("marshal qstash body: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v2/publish/"+dest, bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.token)
	httpReq.Header.Set("Content-Type", "application/json")
	if !req.NotBefore.IsZero() {
		httpReq.Header.Set("Upstash-Not-Before", strconv.FormatInt(req.NotBefore.Unix(), 10))
	}
	if id := strings.TrimSpace(req.DeduplicationID); id != "" {
		httpReq.Header.Set("Upstash-Deduplication-Id", id)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("qstash publish: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("read qstash response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("qstash publish status=%d body=%s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	var out publishResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return "", fmt.Errorf("decode qstash response: %w", err)
	}
	return out.MessageID, nil
}

type signatureClaims struct {
	Body string `json:"body"`
	jwt.RegisteredClaims
}

// Verify checks the Upstash-Signature header of a callback against the
// current signing key, then the next one. callbackURL may be empty to skip
// the subject check.
func (c *Client) Verify(signature string, body []byte, callbackURL string) error {
	signature = strings.TrimSpace(signature)
	if signature == "" {
		return fmt.Errorf("%w: missing signature", ErrInvalidSignature)
	}
	err := c.verifyWithKey(signature, c.currentSigningKey, body, callbackURL)
	if err == nil {
		return nil
	}
	if c.nextSigningKey == "" {
		return err
	}
	return c.verifyWithKey(signature, c.nextSigningKey, body, callbackURL)
}

func (c *Client) verifyWithKey(signature, key string, body []byte, callbackURL string) error {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(signatureIssuer),
		jwt.WithLeeway(time.Second),
		jwt.WithTimeFunc(c.now),
	}
	if callbackURL != "" {
		opts = append(opts, jwt.WithSubject(callbackURL))
	}

	var claims signatureClaims
	_, err := jwt.ParseWithClaims(signature, &claims, func(*jwt.Token) (any, error) {
		return []byte(key), nil
	}, opts...)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	sum := sha256.Sum256(body)
	want := base64.RawURLEncoding.EncodeToString(sum[:])
	if strings.TrimRight(claims.Body, "=") != want {
		return fmt.Errorf("%w: body hash mismatch", ErrInvalidSignature)
	}
	return nil
}
