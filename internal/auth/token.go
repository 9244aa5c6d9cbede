// Package auth implements the device and access token lifecycle: JWT access
// tokens, refresh rotation, credential login, and the device-code flow.
package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	relay "github.com/veylan/relay/internal"
)

// accessClaims are the signed claims carried by every access token.
type accessClaims struct {
	DeviceID string `json:"did"`
	jwt.RegisteredClaims
}

// TokenIssuer mints and verifies HS256 access tokens. Tokens are stateless;
// nothing is stored server-side.
type TokenIssuer struct {
	secret []byte
	ttl    time.Duration
}

// NewTokenIssuer returns a TokenIssuer signing with the given symmetric
// secret. ttl defaults to one hour when zero.
func NewTokenIssuer(secret []byte, ttl time.Duration) *TokenIssuer {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &TokenIssuer{secret: secret, ttl: ttl}
}

// TTL returns the access token lifetime.
func (t *TokenIssuer) TTL() time.Duration { return t.ttl }

// Mint signs an access token binding userID to deviceID.
func (t *TokenIssuer) Mint(userID, deviceID string) (string, error) {
	now := time.Now()
	claims := accessClaims{
		DeviceID: deviceID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(t.ttl)),
		},
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := tok.SignedString(t.secret)
	if err != nil {
		return "", fmt.Errorf("sign access token: %w", err)
	}
	return signed, nil
}

// Verify validates signature, expiry, and required claims. Every failure mode
// collapses to relay.ErrInvalidToken; callers never learn why a token was bad.
func (t *TokenIssuer) Verify(raw string) (*relay.Identity, error) {
	var claims accessClaims
	tok, err := jwt.ParseWithClaims(raw, &claims, func(tok *jwt.Token) (any, error) {
		if _, ok := tok.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrTokenSignatureInvalid
		}
		return t.secret, nil
	})
	if err != nil || !tok.Valid {
		return nil, relay.ErrInvalidToken
	}
	if claims.Subject == "" || claims.DeviceID == "" {
		return nil, relay.ErrInvalidToken
	}
	return &relay.Identity{UserID: claims.Subject, DeviceID: claims.DeviceID}, nil
}
