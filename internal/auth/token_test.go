package auth

import (
	"errors"
	"testing"
	"time"

	relay "github.com/veylan/relay/internal"
)

func TestTokenMintVerify(t *testing.T) {
	t.Parallel()
	issuer := NewTokenIssuer([]byte("test-secret"), time.Hour)

	raw, err := issuer.Mint("user-1", "device-1")
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}
	id, err := issuer.Verify(raw)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if id.UserID != "user-1" || id.DeviceID != "device-1" {
		t.Errorf("identity = %+v", id)
	}
}

func TestTokenVerifyFailures(t *testing.T) {
	t.Parallel()
	issuer := NewTokenIssuer([]byte("test-secret"), time.Hour)
	other := NewTokenIssuer([]byte("other-secret"), time.Hour)

	wrongKey, _ := other.Mint("u", "d")
	shortIssuer := NewTokenIssuer([]byte("test-secret"), time.Nanosecond)
	stale, _ := shortIssuer.Mint("u", "d")
	time.Sleep(10 * time.Millisecond)

	for name, raw := range map[string]string{
		"garbage":         "not-a-jwt",
		"empty":           "",
		"wrong signature": wrongKey,
		"expired":         stale,
	} {
		if _, err := issuer.Verify(raw); !errors.Is(err, relay.ErrInvalidToken) {
			t.Errorf("%s: err = %v, want invalid_token", name, err)
		}
	}
}

func TestTokenTTLDefault(t *testing.T) {
	t.Parallel()
	if got := NewTokenIssuer([]byte("s"), 0).TTL(); got != time.Hour {
		t.Errorf("TTL = %v, want 1h default", got)
	}
}
