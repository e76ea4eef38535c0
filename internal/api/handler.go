// Package api implements C9: the HTTP boundary for creating, checking, and
// claiming unlinker sessions.
package api

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/obscura-unlinker/unlinker/internal/keyenclave"
	"github.com/obscura-unlinker/unlinker/internal/randsrc"
	"github.com/obscura-unlinker/unlinker/internal/session"
	"github.com/obscura-unlinker/unlinker/internal/sessionauth"
)

var ErrInvalidConfig = errors.New("api: invalid config")

// GasFunder is the best-effort native-gas prefund hook fired after a
// session is created (spec.md §4.1 step 5).
type GasFunder interface {
	SubmitGasFunding(ctx context.Context, to common.Address, weiAmount *big.Int) (common.Hash, bool, error)
}

// Config configures a Handler.
type Config struct {
	Sessions session.Store
	Enclave  *keyenclave.Enclave
	GasFunder GasFunder

	GasFundingWei *big.Int

	RateLimitPerIPPerSecond float64
	RateLimitBurst          int
	RateLimitMaxTrackedIPs  int

	Now func() time.Time
	Log *slog.Logger
}

// NewHandler builds the request API's http.Handler.
func NewHandler(cfg Config) (http.Handler, error) {
	if cfg.Sessions == nil || cfg.Enclave == nil {
		return nil, fmt.Errorf("%w: nil dependency", ErrInvalidConfig)
	}
	if cfg.RateLimitPerIPPerSecond <= 0 {
		cfg.RateLimitPerIPPerSecond = 5
	}
	if cfg.RateLimitBurst <= 0 {
		cfg.RateLimitBurst = 20
	}
	if cfg.RateLimitMaxTrackedIPs <= 0 {
		cfg.RateLimitMaxTrackedIPs = 10_000
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Log == nil {
		cfg.Log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	h := &handler{
		cfg:     cfg,
		limiter: newIPRateLimiter(cfg.RateLimitPerIPPerSecond, float64(cfg.RateLimitBurst), cfg.RateLimitMaxTrackedIPs),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", h.handleHealth)
	mux.HandleFunc("POST /api/request-wallet", h.handleRequestWallet)
	mux.HandleFunc("GET /api/status", h.handleStatus)
	mux.HandleFunc("GET /api/claim-wallet", h.handleClaimWallet)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			mux.ServeHTTP(w, r)
			return
		}

		now := h.cfg.Now().UTC()
		ip := clientIP(r)
		if !h.limiter.Allow(ip, now) {
			w.Header().Set("Retry-After", "1")
			writeError(w, http.StatusTooManyRequests, "rate-limited", "too many requests")
			return
		}
		mux.ServeHTTP(w, r)
	}), nil
}

type handler struct {
	cfg     Config
	limiter *ipRateLimiter
}

func (h *handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

type requestWalletBody struct {
	Message        string `json:"message"`
	Signature      string `json:"signature"`
	ExpectedAmount string `json:"expectedAmount"`
}

func (h *handler) handleRequestWallet(w http.ResponseWriter, r *http.Request) {
	var body requestWalletBody
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid-input", "malformed request body")
		return
	}

	sigBytes, err := decodeHex(body.Signature)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid-input", "signature must be hex-encoded")
		return
	}
	expectedAmount, err := parseUint64(body.ExpectedAmount)
	if err != nil || expectedAmount == 0 {
		writeError(w, http.StatusBadRequest, "invalid-input", "expectedAmount must be a positive integer")
		return
	}

	userAddr, err := sessionauth.RecoverSigner([]byte(body.Message), sigBytes)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid-signature", "could not recover signer")
		return
	}

	tokenBytes, err := randsrc.CryptoBytes(32)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", "failed to generate session token")
		return
	}
	sessionToken := hex.EncodeToString(tokenBytes)

	ctx := r.Context()
	enclaveResult, err := h.cfg.Enclave.Generate(ctx, sessionToken)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", "failed to generate destination key")
		return
	}

	sess, err := h.cfg.Sessions.Create(ctx, session.NewSessionInput{
		SessionToken:        sessionToken,
		UserAddress:         userAddr,
		ExpectedAmount:      expectedAmount,
		NewAddress:          enclaveResult.NewAddress,
		EncryptedKeyForUser: enclaveResult.EncryptedKeyForUser,
		AttestationReport:   enclaveResult.AttestationReport,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", "failed to persist session")
		return
	}

	if h.cfg.GasFunder != nil && h.cfg.GasFundingWei != nil && h.cfg.GasFundingWei.Sign() > 0 {
		go func() {
			fundCtx := context.Background()
			if _, _, err := h.cfg.GasFunder.SubmitGasFunding(fundCtx, sess.NewAddress, h.cfg.GasFundingWei); err != nil {
				h.cfg.Log.Error("api: gas prefund failed, session remains valid", "sessionToken", sessionToken, "error", err)
			}
		}()
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"sessionToken": sess.SessionToken,
		"newAddress":   sess.NewAddress.Hex(),
		"status":       sess.Status.String(),
	})
}

func (h *handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	token := strings.TrimSpace(r.URL.Query().Get("sessionToken"))
	if token == "" {
		writeError(w, http.StatusBadRequest, "invalid-input", "sessionToken is required")
		return
	}

	sess, err := h.cfg.Sessions.GetForStatus(r.Context(), token)
	if err != nil {
		writeStoreError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"sessionToken":      sess.SessionToken,
		"userAddress":       sess.UserAddress.Hex(),
		"expectedAmount":    fmt.Sprintf("%d", sess.ExpectedAmount),
		"status":            sess.Status.String(),
		"newAddress":        sess.NewAddress.Hex(),
		"attestationReport": sess.AttestationReport,
		"depositTxHash":     sess.DepositTxHash.Hex(),
		"withdrawTxHash":    sess.WithdrawTxHash.Hex(),
		"failureReason":     sess.FailureReason,
		"createdAt":         sess.CreatedAt,
		"updatedAt":         sess.UpdatedAt,
	})
}

func (h *handler) handleClaimWallet(w http.ResponseWriter, r *http.Request) {
	token := strings.TrimSpace(r.URL.Query().Get("sessionToken"))
	if token == "" {
		writeError(w, http.StatusBadRequest, "invalid-input", "sessionToken is required")
		return
	}

	sess, err := h.cfg.Sessions.Get(r.Context(), token)
	if err != nil {
		writeStoreError(w, err)
		return
	}

	if sess.NewAddress == (common.Address{}) || sess.EncryptedKeyForUser == "" || sess.AttestationReport == "" {
		writeError(w, http.StatusConflict, "invalid-state", "session is missing claim fields")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"newAddress":          sess.NewAddress.Hex(),
		"encryptedKeyForUser": sess.EncryptedKeyForUser,
		"attestationReport":   sess.AttestationReport,
	})
}

func writeStoreError(w http.ResponseWriter, err error) {
	if errors.Is(err, session.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not-found", "session not found")
		return
	}
	writeError(w, http.StatusInternalServerError, "internal", "internal error")
}

func decodeHex(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "0x")
	s = strings.TrimPrefix(s, "0X")
	return hex.DecodeString(s)
}

func parseUint64(s string) (uint64, error) {
	return strconv.ParseUint(strings.TrimSpace(s), 10, 64)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, kind string, message string) {
	writeJSON(w, code, map[string]any{"error": kind, "message": message})
}

func clientIP(r *http.Request) string {
	xff := strings.TrimSpace(r.Header.Get("X-Forwarded-For"))
	if xff != "" {
		parts := strings.Split(xff, ",")
		if ip := strings.TrimSpace(parts[0]); ip != "" {
			return ip
		}
	}
	if xrip := strings.TrimSpace(r.Header.Get("X-Real-IP")); xrip != "" {
		return xrip
	}
	remote := strings.TrimSpace(r.RemoteAddr)
	if remote == "" {
		return "unknown"
	}
	if addr, err := netip.ParseAddrPort(remote); err == nil {
		return addr.Addr().String()
	}
	if addr, err := netip.ParseAddr(remote); err == nil {
		return addr.String()
	}
	host := remote
	if i := strings.LastIndex(remote, ":"); i > 0 {
		host = remote[:i]
	}
	if addr, err := netip.ParseAddr(strings.Trim(host, "[]")); err == nil {
		return addr.String()
	}
	return remote
}

type limiterState struct {
	tokens   float64
	lastAt   time.Time
	lastSeen time.Time
}

// ipRateLimiter is a per-IP token bucket, adapted from bridgeapi's limiter.
type ipRateLimiter struct {
	mu sync.Mutex

	refillPerSecond float64
	burst           float64
	maxTrackedIPs   int
	states          map[string]limiterState
}

func newIPRateLimiter(refillPerSecond, burst float64, maxTrackedIPs int) *ipRateLimiter {
	return &ipRateLimiter{
		refillPerSecond: refillPerSecond,
		burst:           burst,
		maxTrackedIPs:   maxTrackedIPs,
		states:          make(map[string]limiterState),
	}
}

func (l *ipRateLimiter) Allow(ip string, now time.Time) bool {
	if ip == "" {
		ip = "unknown"
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	st, ok := l.states[ip]
	if !ok {
		if len(l.states) >= l.maxTrackedIPs {
			l.evictOne()
		}
		l.states[ip] = limiterState{tokens: l.burst - 1, lastAt: now, lastSeen: now}
		return true
	}

	elapsed := now.Sub(st.lastAt).Seconds()
	if elapsed > 0 {
		st.tokens += elapsed * l.refillPerSecond
		if st.tokens > l.burst {
			st.tokens = l.burst
		}
	}
	st.lastAt = now
	st.lastSeen = now

	if st.tokens < 1 {
		l.states[ip] = st
		return false
	}
	st.tokens -= 1
	l.states[ip] = st
	return true
}

func (l *ipRateLimiter) evictOne() {
	var oldestIP string
	var oldestAt time.Time
	first := true
	for ip, st := range l.states {
		if first || st.lastSeen.Before(oldestAt) {
			oldestIP = ip
			oldestAt = st.lastSeen
			first = false
		}
	}
	if oldestIP != "" {
		delete(l.states, oldestIP)
	}
}
