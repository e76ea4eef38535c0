package keyenclave

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"encoding/base64"
	"encoding/json"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

func TestGenerate_ProducesDistinctAddressesAndBlobs(t *testing.T) {
	t.Parallel()

	e := New()
	ctx := context.Background()

	r1, err := e.Generate(ctx, "session-1")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	r2, err := e.Generate(ctx, "session-2")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	if r1.NewAddress == (common.Address{}) {
		t.Fatalf("zero address returned")
	}
	if r1.NewAddress == r2.NewAddress {
		t.Fatalf("expected distinct addresses across sessions")
	}
	if r1.EncryptedKeyForUser == r2.EncryptedKeyForUser {
		t.Fatalf("expected distinct encrypted blobs across sessions")
	}
	if r1.KeyRef != "session-1" {
		t.Fatalf("KeyRef = %q, want session-1", r1.KeyRef)
	}
}

func TestGenerate_BlobLayoutLength(t *testing.T) {
	t.Parallel()

	e := New()
	r, err := e.Generate(context.Background(), "session-1")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	raw, err := base64.StdEncoding.DecodeString(r.EncryptedKeyForUser)
	if err != nil {
		t.Fatalf("decode blob: %v", err)
	}
	// wrappingKey(32) + nonce(12) + authTag(16) + ciphertext(32)
	want := 32 + 12 + 16 + 32
	if len(raw) != want {
		t.Fatalf("blob length = %d, want %d", len(raw), want)
	}
}

func TestGenerate_BlobRoundTripRecoversPrivateKeyAndAddress(t *testing.T) {
	t.Parallel()

	e := New()
	r, err := e.Generate(context.Background(), "session-1")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	raw, err := base64.StdEncoding.DecodeString(r.EncryptedKeyForUser)
	if err != nil {
		t.Fatalf("decode blob: %v", err)
	}
	if len(raw) != 32+12+16+32 {
		t.Fatalf("blob length = %d, want %d", len(raw), 32+12+16+32)
	}

	wrappingKey := raw[:32]
	nonce := raw[32:44]
	tag := raw[44:60]
	ciphertext := raw[60:92]

	block, err := aes.NewCipher(wrappingKey)
	if err != nil {
		t.Fatalf("aes.NewCipher: %v", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		t.Fatalf("cipher.NewGCM: %v", err)
	}

	sealed := append(append([]byte{}, ciphertext...), tag...)
	rawKey, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		t.Fatalf("gcm.Open: %v", err)
	}

	privateKey, err := crypto.ToECDSA(rawKey)
	if err != nil {
		t.Fatalf("crypto.ToECDSA: %v", err)
	}
	if got := crypto.PubkeyToAddress(privateKey.PublicKey); got != r.NewAddress {
		t.Fatalf("recovered address = %s, want %s", got.Hex(), r.NewAddress.Hex())
	}
}

func TestGenerate_AttestationReportShape(t *testing.T) {
	t.Parallel()

	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	e := New(WithClock(func() time.Time { return fixed }))

	r, err := e.Generate(context.Background(), "session-1")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	var report attestation
	if err := json.Unmarshal([]byte(r.AttestationReport), &report); err != nil {
		t.Fatalf("unmarshal attestation: %v", err)
	}
	if report.Enclave != "reference" || report.Version != 1 {
		t.Fatalf("unexpected attestation shape: %+v", report)
	}
	if !report.GeneratedAt.Equal(fixed) {
		t.Fatalf("GeneratedAt = %v, want %v", report.GeneratedAt, fixed)
	}
}

func TestSignWithRef_UnknownKeyRef(t *testing.T) {
	t.Parallel()

	e := New()
	_, err := e.SignWithRef(context.Background(), "does-not-exist", [32]byte{1})
	if err == nil {
		t.Fatalf("expected error for unknown key ref")
	}
}

func TestSignWithRef_KnownKeyRefSigns(t *testing.T) {
	t.Parallel()

	e := New()
	ctx := context.Background()
	if _, err := e.Generate(ctx, "session-1"); err != nil {
		t.Fatalf("Generate: %v", err)
	}

	var digest [32]byte
	copy(digest[:], []byte("0123456789abcdef0123456789abcdef"))

	sig, err := e.SignWithRef(ctx, "session-1", digest)
	if err != nil {
		t.Fatalf("SignWithRef: %v", err)
	}
	if len(sig) != 65 {
		t.Fatalf("sig length = %d, want 65", len(sig))
	}
}

func TestGenerate_EmptySessionToken(t *testing.T) {
	t.Parallel()

	e := New()
	if _, err := e.Generate(context.Background(), ""); err == nil {
		t.Fatalf("expected error for empty session token")
	}
}
