// Package keyenclave generates the fresh destination keys handed out to
// users and keeps the corresponding private keys available in-process for
// the lifetime of a session.
package keyenclave

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/obscura-unlinker/unlinker/internal/blobstore"
	"github.com/obscura-unlinker/unlinker/internal/randsrc"
)

const (
	wrappingKeyLen = 32
	nonceLen       = 12
	attestationVersion = 1
)

var (
	// ErrUnknownKeyRef is returned when SignWithRef is called with a
	// session token the enclave has no retained key for.
	ErrUnknownKeyRef = errors.New("keyenclave: unknown key ref")
)

// Result is returned by Generate. EncryptedKeyForUser is the base64 blob the
// user ultimately recovers their key from; KeyRef never leaves the process.
type Result struct {
	NewAddress          common.Address
	EncryptedKeyForUser string
	AttestationReport   string
	KeyRef              string
}

// attestation is an opaque, frozen-shape placeholder record. Callers must
// not interpret its fields beyond logging them.
type attestation struct {
	Enclave     string    `json:"enclave"`
	GeneratedAt time.Time `json:"generatedAt"`
	Version     int       `json:"version"`
}

// Enclave generates fresh secp256k1 keys and retains them in memory, keyed
// by session token, so the operator can co-sign with them later without the
// raw key ever touching durable storage unwrapped.
type Enclave struct {
	src   randsrc.Source
	blobs blobstore.Store // optional, nil disables the audit trail
	now   func() time.Time
	log   *slog.Logger

	mu   sync.Mutex
	keys map[string]*ecdsa.PrivateKey
}

// Option configures an Enclave at construction.
type Option func(*Enclave)

// WithBlobStore enables a best-effort attestation audit trail. Put errors
// are logged, never propagated to the caller.
func WithBlobStore(store blobstore.Store) Option {
	return func(e *Enclave) { e.blobs = store }
}

// WithSource overrides the enclave's uniform randomness source. Defaults to
// randsrc.Default. The wrapping key and nonce are always drawn from
// randsrc.CryptoBytes and do not depend on this source.
func WithSource(src randsrc.Source) Option {
	return func(e *Enclave) { e.src = src }
}

// WithClock overrides the enclave's notion of "now", used for tests.
func WithClock(now func() time.Time) Option {
	return func(e *Enclave) { e.now = now }
}

// WithLogger attaches a structured logger. Defaults to a discarding logger.
func WithLogger(log *slog.Logger) Option {
	return func(e *Enclave) { e.log = log }
}

// New constructs an Enclave ready to generate keys.
func New(opts ...Option) *Enclave {
	e := &Enclave{
		now:  time.Now,
		log:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		keys: make(map[string]*ecdsa.PrivateKey),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.src == nil {
		e.src = randsrc.Default
	}
	return e
}

// Generate produces a fresh key for sessionToken, retains the private key
// under keyRef == sessionToken, and returns the wrapped key material the
// caller hands back to the user.
func (e *Enclave) Generate(ctx context.Context, sessionToken string) (Result, error) {
	if sessionToken == "" {
		return Result{}, fmt.Errorf("keyenclave: session token required")
	}

	key, err := crypto.GenerateKey()
	if err != nil {
		return Result{}, fmt.Errorf("keyenclave: generate key: %w", err)
	}
	addr := crypto.PubkeyToAddress(key.PublicKey)

	blob, err := e.wrap(crypto.FromECDSA(key))
	if err != nil {
		return Result{}, err
	}

	report := attestation{
		Enclave:     "reference",
		GeneratedAt: e.now().UTC(),
		Version:     attestationVersion,
	}
	reportJSON, err := json.Marshal(report)
	if err != nil {
		return Result{}, fmt.Errorf("keyenclave: marshal attestation: %w", err)
	}

	e.mu.Lock()
	e.keys[sessionToken] = key
	e.mu.Unlock()

	e.recordAttestation(ctx, sessionToken, reportJSON)

	return Result{
		NewAddress:          addr,
		EncryptedKeyForUser: blob,
		AttestationReport:   string(reportJSON),
		KeyRef:              sessionToken,
	}, nil
}

// SignWithRef signs digest with the retained private key for keyRef. Used
// when the operator needs to co-sign a claim receipt with the destination
// key itself, mirroring eth.Signer's shape.
func (e *Enclave) SignWithRef(ctx context.Context, keyRef string, digest [32]byte) ([]byte, error) {
	e.mu.Lock()
	key, ok := e.keys[keyRef]
	e.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownKeyRef, keyRef)
	}
	sig, err := crypto.Sign(digest[:], key)
	if err != nil {
		return nil, fmt.Errorf("keyenclave: sign: %w", err)
	}
	return sig, nil
}

// wrap AES-256-GCM-encrypts raw key bytes under a freshly sampled wrapping
// key and nonce, returning base64(wrappingKey || nonce || authTag || ciphertext).
func (e *Enclave) wrap(raw []byte) (string, error) {
	wrappingKey, err := randsrc.CryptoBytes(wrappingKeyLen)
	if err != nil {
		return "", fmt.Errorf("keyenclave: sample wrapping key: %w", err)
	}
	nonce, err := randsrc.CryptoBytes(nonceLen)
	if err != nil {
		return "", fmt.Errorf("keyenclave: sample nonce: %w", err)
	}

	block, err := aes.NewCipher(wrappingKey)
	if err != nil {
		return "", fmt.Errorf("keyenclave: init cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("keyenclave: init gcm: %w", err)
	}

	// Seal appends the auth tag to the ciphertext; split them back apart so
	// the wire layout matches wrappingKey || nonce || authTag || ciphertext.
	sealed := gcm.Seal(nil, nonce, raw, nil)
	ciphertext := sealed[:len(sealed)-gcm.Overhead()]
	tag := sealed[len(sealed)-gcm.Overhead():]

	out := make([]byte, 0, len(wrappingKey)+len(nonce)+len(tag)+len(ciphertext))
	out = append(out, wrappingKey...)
	out = append(out, nonce...)
	out = append(out, tag...)
	out = append(out, ciphertext...)
	return base64.StdEncoding.EncodeToString(out), nil
}

func (e *Enclave) recordAttestation(ctx context.Context, sessionToken string, reportJSON []byte) {
	if e.blobs == nil {
		return
	}
	key := fmt.Sprintf("enclave/attestations/%s.json", sessionToken)
	if err := e.blobs.Put(ctx, key, reportJSON, blobstore.PutOptions{ContentType: "application/json"}); err != nil {
		e.log.Warn("keyenclave: attestation audit write failed", "session_token", sessionToken, "error", err)
	}
}
