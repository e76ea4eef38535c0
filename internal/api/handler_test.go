package api

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/obscura-unlinker/unlinker/internal/keyenclave"
	"github.com/obscura-unlinker/unlinker/internal/session"
)

type stubGasFunder struct {
	called chan struct{}
	err    error
}

func (s *stubGasFunder) SubmitGasFunding(context.Context, common.Address, *big.Int) (common.Hash, bool, error) {
	if s.called != nil {
		close(s.called)
	}
	return common.Hash{}, s.err == nil, s.err
}

func newTestHandler(t *testing.T, extra func(*Config)) (http.Handler, session.Store) {
	t.Helper()
	sessions := session.NewMemoryStore(nil)
	enclave := keyenclave.New()

	cfg := Config{
		Sessions:               sessions,
		Enclave:                enclave,
		RateLimitPerIPPerSecond: 1000,
		RateLimitBurst:          1000,
	}
	if extra != nil {
		extra(&cfg)
	}

	h, err := NewHandler(cfg)
	if err != nil {
		t.Fatalf("NewHandler: %v", err)
	}
	return h, sessions
}

func signRequest(t *testing.T, message string) (string, string) {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	digest := accounts.TextHash([]byte(message))
	sig, err := crypto.Sign(digest, key)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	return message, hex.EncodeToString(sig)
}

func TestHandleRequestWallet_CreatesSession(t *testing.T) {
	t.Parallel()

	funderCalled := make(chan struct{})
	h, sessions := newTestHandler(t, func(c *Config) {
		c.GasFunder = &stubGasFunder{called: funderCalled}
		c.GasFundingWei = big.NewInt(1_000_000)
	})

	message, sig := signRequest(t, "request-wallet:1735689600000")
	body, _ := json.Marshal(requestWalletBody{Message: message, Signature: sig, ExpectedAmount: "1000000"})

	req := httptest.NewRequest(http.MethodPost, "/api/request-wallet", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201, body: %s", rec.Code, rec.Body.String())
	}

	var resp map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	token, _ := resp["sessionToken"].(string)
	if token == "" {
		t.Fatalf("expected non-empty sessionToken, got %v", resp)
	}

	sess, err := sessions.Get(context.Background(), token)
	if err != nil {
		t.Fatalf("sessions.Get: %v", err)
	}
	if sess.Status != session.StatusAwaitingDeposit {
		t.Fatalf("status = %v, want awaiting_deposit", sess.Status)
	}

	select {
	case <-funderCalled:
	case <-time.After(2 * time.Second):
		t.Fatalf("expected gas funder to be invoked")
	}
}

func TestHandleRequestWallet_RejectsBadSignature(t *testing.T) {
	t.Parallel()

	h, _ := newTestHandler(t, nil)
	body, _ := json.Marshal(requestWalletBody{Message: "hello", Signature: "00", ExpectedAmount: "1000"})

	req := httptest.NewRequest(http.MethodPost, "/api/request-wallet", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	var resp map[string]any
	_ = json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp["error"] != "invalid-signature" {
		t.Fatalf("error = %v, want invalid-signature", resp["error"])
	}
}

func TestHandleRequestWallet_RejectsZeroExpectedAmount(t *testing.T) {
	t.Parallel()

	h, _ := newTestHandler(t, nil)
	message, sig := signRequest(t, "request-wallet:1")
	body, _ := json.Marshal(requestWalletBody{Message: message, Signature: sig, ExpectedAmount: "0"})

	req := httptest.NewRequest(http.MethodPost, "/api/request-wallet", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestHandleStatus_NotFound(t *testing.T) {
	t.Parallel()

	h, _ := newTestHandler(t, nil)
	req := httptest.NewRequest(http.MethodGet, "/api/status?sessionToken=missing", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestHandleStatus_RedactsEncryptedKey(t *testing.T) {
	t.Parallel()

	h, sessions := newTestHandler(t, nil)
	ctx := context.Background()
	if _, err := sessions.Create(ctx, session.NewSessionInput{
		SessionToken:        "tok1",
		UserAddress:         common.HexToAddress("0x0000000000000000000000000000000000000001"),
		ExpectedAmount:      1000,
		NewAddress:          common.HexToAddress("0x0000000000000000000000000000000000000002"),
		EncryptedKeyForUser: "secret",
		AttestationReport:   "report",
	}); err != nil {
		t.Fatalf("Create: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/status?sessionToken=tok1", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if bytes.Contains(rec.Body.Bytes(), []byte("secret")) {
		t.Fatalf("status response leaked encrypted key: %s", rec.Body.String())
	}
}

func TestHandleClaimWallet_ReturnsKeyMaterial(t *testing.T) {
	t.Parallel()

	h, sessions := newTestHandler(t, nil)
	ctx := context.Background()
	if _, err := sessions.Create(ctx, session.NewSessionInput{
		SessionToken:        "tok1",
		UserAddress:         common.HexToAddress("0x0000000000000000000000000000000000000001"),
		ExpectedAmount:      1000,
		NewAddress:          common.HexToAddress("0x0000000000000000000000000000000000000002"),
		EncryptedKeyForUser: "secret",
		AttestationReport:   "report",
	}); err != nil {
		t.Fatalf("Create: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/claim-wallet?sessionToken=tok1", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body: %s", rec.Code, rec.Body.String())
	}
	var resp map[string]any
	_ = json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp["encryptedKeyForUser"] != "secret" {
		t.Fatalf("encryptedKeyForUser = %v, want secret", resp["encryptedKeyForUser"])
	}
}

func TestHandleHealth_NeverRateLimited(t *testing.T) {
	t.Parallel()

	h, _ := newTestHandler(t, func(c *Config) {
		c.RateLimitPerIPPerSecond = 0.001
		c.RateLimitBurst = 1
	})

	for i := 0; i < 5; i++ {
		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("iteration %d: status = %d, want 200", i, rec.Code)
		}
	}
}

func TestRateLimiter_BlocksBurstOverflow(t *testing.T) {
	t.Parallel()

	h, _ := newTestHandler(t, func(c *Config) {
		c.RateLimitPerIPPerSecond = 0.001
		c.RateLimitBurst = 1
	})

	req := httptest.NewRequest(http.MethodGet, "/api/status?sessionToken=x", nil)
	req.RemoteAddr = "203.0.113.5:1234"

	rec1 := httptest.NewRecorder()
	h.ServeHTTP(rec1, req)
	if rec1.Code == http.StatusTooManyRequests {
		t.Fatalf("first request should not be rate limited")
	}

	rec2 := httptest.NewRecorder()
	h.ServeHTTP(rec2, req)
	if rec2.Code != http.StatusTooManyRequests {
		t.Fatalf("second request status = %d, want 429", rec2.Code)
	}
}
