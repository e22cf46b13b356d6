package qstash

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const callbackURL = "https://orders.example.com/internal/progress"

func newTestClient(t *testing.T, baseURL string) *Client {
	t.Helper()
	c, err := NewClient(Config{
		URL:               baseURL,
		Token:             "tok",
		CurrentSigningKey: "current-key",
		NextSigningKey:    "next-key",
	})
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	return c
}

func sign(t *testing.T, key string, body []byte, sub string, now time.Time) string {
	t.Helper()
	sum := sha256.Sum256(body)
	claims := signatureClaims{
		Body: base64.URLEncoding.EncodeToString(sum[:]),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    signatureIssuer,
			Subject:   sub,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(5 * time.Minute)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(key))
	if err != nil {
		t.Fatalf("SignedString() error = %v", err)
	}
	return token
}

func TestPublishSendsDelayedMessage(t *testing.T) {
	t.Parallel()

	notBefore := time.Date(2026, 3, 2, 9, 15, 0, 0, time.UTC)
	var gotPath, gotAuth, gotNotBefore, gotDedup string
	var gotBody map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		gotNotBefore = r.Header.Get("Upstash-Not-Before")
		gotDedup = r.Header.Get("Upstash-Deduplication-Id")
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &gotBody)
		_, _ = w.Write([]byte(`{"messageId":"msg_1"}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	id, err := c.Publish(context.Background(), PublishRequest{
		Destination:     callbackURL,
		Body:            map[string]string{"order_id": "ord-1"},
		NotBefore:       notBefore,
		DeduplicationID: "ready-ord-1",
	})
	if err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if id != "msg_1" {
		t.Fatalf("message id = %q, want msg_1", id)
	}
	if gotPath != "/v2/publish/"+callbackURL {
		t.Fatalf("path = %q", gotPath)
	}
	if gotAuth != "Bearer tok" {
		t.Fatalf("authorization = %q", gotAuth)
	}
	if gotNotBefore != "1772442900" {
		t.Fatalf("not-before = %q", gotNotBefore)
	}
	if gotDedup != "ready-ord-1" {
		t.Fatalf("dedup = %q", gotDedup)
	}
	if gotBody["order_id"] != "ord-1" {
		t.Fatalf("body = %v", gotBody)
	}
}

func TestPublishReportsHTTPFailure(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "quota exceeded", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	if _, err := c.Publish(context.Background(), PublishRequest{Destination: callbackURL, Body: struct{}{}}); err == nil {
		t.Fatal("Publish() error = nil, want status error")
	}
}

func TestPublishRejectsRelativeDestination(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, "https://qstash.example.com")
	if _, err := c.Publish(context.Background(), PublishRequest{Destination: "progress"}); err == nil {
		t.Fatal("Publish() error = nil, want destination error")
	}
}

func TestVerify(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	body := []byte(`{"order_id":"ord-1"}`)

	cases := []struct {
		name    string
		token   string
		body    []byte
		url     string
		wantErr bool
	}{
		{name: "current key", token: sign(t, "current-key", body, callbackURL, now), body: body, url: callbackURL},
		{name: "next key", token: sign(t, "next-key", body, callbackURL, now), body: body, url: callbackURL},
		{name: "unknown key", token: sign(t, "other-key", body, callbackURL, now), body: body, url: callbackURL, wantErr: true},
		{name: "tampered body", token: sign(t, "current-key", body, callbackURL, now), body: []byte(`{"order_id":"ord-2"}`), url: callbackURL, wantErr: true},
		{name: "wrong subject", token: sign(t, "current-key", body, "https://evil.example.com", now), body: body, url: callbackURL, wantErr: true},
		{name: "subject unchecked", token: sign(t, "current-key", body, "https://proxy.example.com", now), body: body},
		{name: "expired", token: sign(t, "current-key", body, callbackURL, now.Add(-time.Hour)), body: body, url: callbackURL, wantErr: true},
		{name: "missing", token: "", body: body, url: callbackURL, wantErr: true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			c := newTestClient(t, "https://qstash.example.com")
			c.now = func() time.Time { return now }

			err := c.Verify(tc.token, tc.body, tc.url)
			if tc.wantErr {
				if !errors.Is(err, ErrInvalidSignature) {
					t.Fatalf("Verify() error = %v, want ErrInvalidSignature", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Verify() error = %v", err)
			}
		})
	}
}
