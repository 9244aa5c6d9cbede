// Package keyvault decrypts per-provider admin API keys on demand.
// Ciphertexts live in the store; plaintexts exist only in process memory,
// behind a short-TTL cache so revocations propagate promptly.
package keyvault

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/maypok86/otter/v2"

	relay "github.com/veylan/relay/internal"
	"github.com/veylan/relay/internal/storage"
)

const (
	cacheTTL    = 30 * time.Second
	cacheMaxLen = 64 // one entry per provider; headroom for rotation churn
)

// Vault decrypts admin provider keys with AES-256-GCM.
type Vault struct {
	store storage.AdminKeyStore
	aead  cipher.AEAD
	cache *otter.Cache[string, string]
}

// New creates a Vault from a hex-encoded 32-byte AES-256 key.
func New(store storage.AdminKeyStore, keyHex string) (*Vault, error) {
	key, err := hex.DecodeString(keyHex)
	if err != nil {
		return nil, fmt.Errorf("decode vault key: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("vault key must be 32 bytes, got %d", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}
	// The expanded key schedule lives inside the AEAD; drop the raw key.
	for i := range key {
		key[i] = 0
	}

	c, err := otter.New(&otter.Options[string, string]{
		MaximumSize:      cacheMaxLen,
		ExpiryCalculator: otter.ExpiryWriting[string, string](cacheTTL),
	})
	if err != nil {
		return nil, fmt.Errorf("create vault cache: %w", err)
	}
	return &Vault{store: store, aead: aead, cache: c}, nil
}

// Encrypt seals a plaintext provider key for storage: base64(nonce || ciphertext).
func (v *Vault) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, v.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	sealed := v.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// decrypt opens a stored ciphertext.
func (v *Vault) decrypt(encoded string) (string, error) {
	sealed, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("decode ciphertext: %w", err)
	}
	ns := v.aead.NonceSize()
	if len(sealed) < ns {
		return "", fmt.Errorf("ciphertext too short")
	}
	plain, err := v.aead.Open(nil, sealed[:ns], sealed[ns:], nil)
	if err != nil {
		return "", fmt.Errorf("open ciphertext: %w", err)
	}
	return string(plain), nil
}

// Active returns the decrypted active key for a provider, or
// relay.ErrProviderNotConfigured when none exists. Usage bookkeeping happens
// off the request path.
func (v *Vault) Active(ctx context.Context, provider string) (string, error) {
	if key, ok := v.cache.GetIfPresent(provider); ok {
		return key, nil
	}

	rec, err := v.store.GetActiveAdminKey(ctx, provider)
	if err != nil {
		if errors.Is(err, relay.ErrNotFound) {
			return "", relay.ErrProviderNotConfigured.WithMessage("no active key for %s", provider)
		}
		return "", err
	}

	key, err := v.decrypt(rec.EncryptedKey)
	if err != nil {
		return "", fmt.Errorf("decrypt %s key: %w", provider, err)
	}
	v.cache.Set(provider, key)

	go func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := v.store.TouchAdminKeyUsed(ctx, provider); err != nil {
			slog.Warn("touch admin key", "provider", provider, "error", err)
		}
	}()

	return key, nil
}

// Configured reports whether a provider has a usable active key.
func (v *Vault) Configured(ctx context.Context, provider string) bool {
	_, err := v.Active(ctx, provider)
	return err == nil
}

// Invalidate drops the cached plaintext for a provider. Called when the
// admin surface mutates the key.
func (v *Vault) Invalidate(provider string) {
	v.cache.Invalidate(provider)
}

// Close drops all cached plaintexts. The AEAD state is garbage collected.
func (v *Vault) Close() {
	v.cache.InvalidateAll()
}
