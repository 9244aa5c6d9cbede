package auth

import (
	"crypto/rand"
	"encoding/base64"
	"strings"

	relay "github.com/veylan/relay/internal"
)

const refreshPrefix = "rt_"

// newRefreshToken mints an opaque refresh token of the form
// "rt_<bindingID>.<secret>". The binding ID is a selector for lookup; only
// the SHA-256 hash of the full token is stored.
func newRefreshToken(bindingID string) (raw, hash string, err error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", "", err
	}
	raw = refreshPrefix + bindingID + "." + base64.RawURLEncoding.EncodeToString(buf)
	return raw, relay.HashToken(raw), nil
}

// splitRefreshToken extracts the binding selector from a raw refresh token.
func splitRefreshToken(raw string) (bindingID string, ok bool) {
	rest, found := strings.CutPrefix(raw, refreshPrefix)
	if !found {
		return "", false
	}
	bindingID, secret, found := strings.Cut(rest, ".")
	if !found || bindingID == "" || secret == "" {
		return "", false
	}
	return bindingID, true
}
