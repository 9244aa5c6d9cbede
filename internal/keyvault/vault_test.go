package keyvault

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	relay "github.com/veylan/relay/internal"
	"github.com/veylan/relay/internal/testutil"
)

// 32 bytes of zeros, hex encoded.
const testKeyHex = "0000000000000000000000000000000000000000000000000000000000000000"

func newTestVault(t *testing.T, store *testutil.FakeStore) *Vault {
	t.Helper()
	v, err := New(store, testKeyHex)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(v.Close)
	return v
}

func seedKey(t *testing.T, v *Vault, store *testutil.FakeStore, provider, plaintext string) {
	t.Helper()
	encrypted, err := v.Encrypt(plaintext)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	store.AdminKeys[provider+"-id"] = &relay.AdminAPIKey{
		ID: provider + "-id", Provider: provider, EncryptedKey: encrypted,
		IsActive: true, CreatedAt: time.Now(),
	}
}

func TestNewRejectsBadKeys(t *testing.T) {
	t.Parallel()
	store := testutil.NewFakeStore()

	if _, err := New(store, "not-hex"); err == nil {
		t.Error("accepted a non-hex key")
	}
	if _, err := New(store, "abcd"); err == nil || !strings.Contains(err.Error(), "32 bytes") {
		t.Errorf("short key: err = %v", err)
	}
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	t.Parallel()
	store := testutil.NewFakeStore()
	v := newTestVault(t, store)

	seedKey(t, v, store, relay.ProviderOpenAI, "sk-secret")
	got, err := v.Active(context.Background(), relay.ProviderOpenAI)
	if err != nil {
		t.Fatalf("Active: %v", err)
	}
	if got != "sk-secret" {
		t.Errorf("plaintext = %q", got)
	}

	// Ciphertexts are non-deterministic (random nonce) and never contain the
	// plaintext.
	a, _ := v.Encrypt("sk-secret")
	b, _ := v.Encrypt("sk-secret")
	if a == b {
		t.Error("two encryptions produced the same ciphertext")
	}
	if strings.Contains(a, "sk-secret") {
		t.Error("ciphertext leaks the plaintext")
	}
}

func TestActiveUnconfiguredProvider(t *testing.T) {
	t.Parallel()
	v := newTestVault(t, testutil.NewFakeStore())

	if _, err := v.Active(context.Background(), relay.ProviderGemini); !errors.Is(err, relay.ErrProviderNotConfigured) {
		t.Errorf("err = %v, want provider_not_configured", err)
	}
	if v.Configured(context.Background(), relay.ProviderGemini) {
		t.Error("Configured reported true without a key")
	}
}

func TestActiveCachesAndInvalidates(t *testing.T) {
	t.Parallel()
	store := testutil.NewFakeStore()
	v := newTestVault(t, store)
	ctx := context.Background()

	seedKey(t, v, store, relay.ProviderAnthropic, "sk-one")
	if _, err := v.Active(ctx, relay.ProviderAnthropic); err != nil {
		t.Fatalf("Active: %v", err)
	}

	// Swap the stored key. The cached plaintext keeps serving until
	// invalidated.
	store.AdminKeys = map[string]*relay.AdminAPIKey{}
	seedKey(t, v, store, relay.ProviderAnthropic, "sk-two")
	got, err := v.Active(ctx, relay.ProviderAnthropic)
	if err != nil {
		t.Fatalf("Active: %v", err)
	}
	if got != "sk-one" {
		t.Errorf("plaintext = %q, want the cached value", got)
	}

	v.Invalidate(relay.ProviderAnthropic)
	got, err = v.Active(ctx, relay.ProviderAnthropic)
	if err != nil {
		t.Fatalf("Active after invalidate: %v", err)
	}
	if got != "sk-two" {
		t.Errorf("plaintext = %q, want the rotated value", got)
	}
}

func TestDecryptTamperedCiphertext(t *testing.T) {
	t.Parallel()
	store := testutil.NewFakeStore()
	v := newTestVault(t, store)

	store.AdminKeys["x"] = &relay.AdminAPIKey{
		ID: "x", Provider: relay.ProviderGrok, EncryptedKey: "bm90IGEgcmVhbCBjaXBoZXJ0ZXh0IGF0IGFsbCE",
		IsActive: true,
	}
	if _, err := v.Active(context.Background(), relay.ProviderGrok); err == nil {
		t.Error("tampered ciphertext decrypted without error")
	}
}
