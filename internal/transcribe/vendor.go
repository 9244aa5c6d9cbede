// Package transcribe vends short-lived transcription tokens so desktop
// clients can open realtime transcription sessions without ever seeing the
// admin provider keys.
package transcribe

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	relay "github.com/veylan/relay/internal"
	"github.com/veylan/relay/internal/storage"
)

const (
	deepgramBaseURL   = "https://api.deepgram.com"
	assemblyaiBaseURL = "https://api.assemblyai.com"

	// assemblyTokenTTL is what we ask AssemblyAI for, in seconds.
	assemblyTokenTTL = 600
	// localTokenTTL bounds locally minted one-time bearers.
	localTokenTTL = 10 * time.Minute
)

// KeySource resolves the admin credential for a provider.
type KeySource interface {
	Active(ctx context.Context, provider string) (string, error)
}

// Token is a vended short-lived transcription credential.
type Token struct {
	Provider  string `json:"provider"`
	Token     string `json:"token"`
	ExpiresIn int    `json:"expiresIn"` // seconds
}

// Vendor mints provider-scoped transcription tokens.
type Vendor struct {
	keys     KeySource
	sessions storage.SessionTokenStore
	plans    map[string]relay.Plan
	client   *http.Client
	baseURLs map[string]string
}

// NewVendor wires the vendor. baseURLs overrides upstream endpoints per
// provider; unset providers use their public defaults.
func NewVendor(keys KeySource, sessions storage.SessionTokenStore, plans map[string]relay.Plan, client *http.Client, baseURLs map[string]string) *Vendor {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &Vendor{keys: keys, sessions: sessions, plans: plans, client: client, baseURLs: baseURLs}
}

func (v *Vendor) baseURL(provider, fallback string) string {
	if u, ok := v.baseURLs[provider]; ok && u != "" {
		return strings.TrimRight(u, "/")
	}
	return fallback
}

// Mint returns a short-lived token for the requested provider. The admin
// key is used server-side only and never appears in the response.
func (v *Vendor) Mint(ctx context.Context, u *relay.User, provider string) (*Token, error) {
	plan, ok := v.plans[u.Plan]
	if !ok {
		plan = v.plans[relay.PlanFree]
	}
	if !plan.Transcription {
		return nil, relay.ErrUnauthorized.WithMessage("plan does not include transcription")
	}

	adminKey, err := v.keys.Active(ctx, provider)
	if err != nil {
		return nil, err
	}

	switch provider {
	case relay.ProviderDeepgram:
		return v.mintDeepgram(ctx, adminKey)
	case relay.ProviderAssemblyAI:
		return v.mintAssemblyAI(ctx, adminKey)
	default:
		return v.mintLocal(ctx, u.ID, provider)
	}
}

// mintDeepgram requests a 30-second scoped JWT from the Deepgram grant API.
func (v *Vendor) mintDeepgram(ctx context.Context, adminKey string) (*Token, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.baseURL(relay.ProviderDeepgram, deepgramBaseURL)+"/v1/auth/grant", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Token "+adminKey)

	var out struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := v.do(req, relay.ProviderDeepgram, &out); err != nil {
		return nil, err
	}
	if out.ExpiresIn <= 0 {
		out.ExpiresIn = 30
	}
	return &Token{Provider: relay.ProviderDeepgram, Token: out.AccessToken, ExpiresIn: out.ExpiresIn}, nil
}

// mintAssemblyAI requests a temporary realtime token.
func (v *Vendor) mintAssemblyAI(ctx context.Context, adminKey string) (*Token, error) {
	body, _ := json.Marshal(map[string]int{"expires_in": assemblyTokenTTL})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.baseURL(relay.ProviderAssemblyAI, assemblyaiBaseURL)+"/v2/realtime/token", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", adminKey)

	var out struct {
		Token string `json:"token"`
	}
	if err := v.do(req, relay.ProviderAssemblyAI, &out); err != nil {
		return nil, err
	}
	return &Token{Provider: relay.ProviderAssemblyAI, Token: out.Token, ExpiresIn: assemblyTokenTTL}, nil
}

// mintLocal issues a one-time bearer tracked in the store, for providers
// without a token-vending API. The raw value is returned once; only its
// hash is stored.
func (v *Vendor) mintLocal(ctx context.Context, userID, provider string) (*Token, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return nil, err
	}
	raw := "st_" + base64.RawURLEncoding.EncodeToString(buf)

	now := time.Now()
	if err := v.sessions.CreateSessionToken(ctx, &relay.SessionToken{
		ID:        uuid.Must(uuid.NewV7()).String(),
		UserID:    userID,
		Provider:  provider,
		TokenHash: relay.HashToken(raw),
		ExpiresAt: now.Add(localTokenTTL),
		CreatedAt: now,
	}); err != nil {
		return nil, err
	}
	return &Token{Provider: provider, Token: raw, ExpiresIn: int(localTokenTTL.Seconds())}, nil
}

func (v *Vendor) do(req *http.Request, provider string, out any) error {
	resp, err := v.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s: token request: %w", provider, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		preview, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s: token request: HTTP %d: %s", provider, resp.StatusCode, preview)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s: decode token response: %w", provider, err)
	}
	return nil
}
