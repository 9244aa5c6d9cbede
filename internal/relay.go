// Package relay defines domain types and interfaces for the Relay AI proxy
// gateway. This package has no project imports -- it is the dependency root.
package relay

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// --- Users and plans ---

// User roles.
const (
	RoleUser    = "user"
	RoleAdmin   = "admin"
	RoleBlocked = "blocked"
)

// Plan names.
const (
	PlanFree       = "free"
	PlanPro        = "pro"
	PlanEnterprise = "enterprise"
)

// User is a human account. The subscription/billing lifecycle is owned by an
// external collaborator; the gateway only reads role and plan.
type User struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	Email         string    `json:"email"`
	Role          string    `json:"role"` // "user", "admin", "blocked"
	Plan          string    `json:"plan"` // "free", "pro", "enterprise"
	PasswordHash  string    `json:"-"`    // bcrypt; empty for OAuth-only accounts
	OAuthProvider string    `json:"-"`    // e.g. "google"; set for OAuth-only accounts
	CreatedAt     time.Time `json:"created_at"`
}

// OAuthOnly reports whether the account has no password credential.
func (u *User) OAuthOnly() bool {
	return u.PasswordHash == "" && u.OAuthProvider != ""
}

// Plan holds the limits attached to a subscription tier.
// A zero DailyLimit means unlimited.
type Plan struct {
	Name          string `json:"name"`
	DailyLimit    int    `json:"daily_limit"`
	MaxTokens     int    `json:"max_tokens"`
	SmartMode     bool   `json:"smart_mode"`
	DeviceLimit   int    `json:"device_limit"`
	Transcription bool   `json:"transcription"`
}

// Unlimited reports whether the plan has no daily request cap.
func (p Plan) Unlimited() bool { return p.DailyLimit <= 0 }

// --- Devices and tokens ---

// DeviceBinding ties a refresh credential to one device of one user.
// The refresh token itself is never stored; only its SHA-256 hash.
type DeviceBinding struct {
	ID          string    `json:"id"`
	UserID      string    `json:"user_id"`
	DeviceID    string    `json:"device_id"`
	DeviceName  string    `json:"device_name"`
	Platform    string    `json:"platform"`
	RefreshHash string    `json:"-"`
	CreatedAt   time.Time `json:"created_at"`
	LastUsedAt  time.Time `json:"last_used_at"`
}

// TokenPair is the credential set returned by login, register, device poll
// and refresh.
type TokenPair struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	ExpiresIn    int    `json:"expiresIn"` // access token lifetime, seconds
}

// Device-code grant states.
const (
	GrantPending    = "pending"
	GrantAuthorized = "authorized"
	GrantConsumed   = "consumed"
	GrantExpired    = "expired"
	GrantDenied     = "denied"
)

// DeviceCodeGrant is one in-flight device-code login.
// State machine: pending --approve--> authorized --poll--> consumed.
// Any state moves to expired on timer; deny is terminal.
type DeviceCodeGrant struct {
	DeviceCode      string    `json:"-"` // opaque secret held by the device
	UserCode        string    `json:"user_code"`
	VerificationURI string    `json:"verification_uri"`
	Status          string    `json:"status"`
	DeviceID        string    `json:"device_id"`
	DeviceName      string    `json:"device_name"`
	Platform        string    `json:"platform"`
	UserID          string    `json:"-"` // set on approval
	Interval        int       `json:"interval"` // minimum poll spacing, seconds
	ExpiresAt       time.Time `json:"expires_at"`
	CreatedAt       time.Time `json:"created_at"`
}

// Expired reports whether the grant is past its deadline.
func (g *DeviceCodeGrant) Expired(now time.Time) bool {
	return now.After(g.ExpiresAt)
}

// --- Admin provider keys ---

// Provider identifiers.
const (
	ProviderOpenAI     = "openai"
	ProviderGrok       = "grok"
	ProviderAnthropic  = "anthropic"
	ProviderGemini     = "gemini"
	ProviderDeepgram   = "deepgram"
	ProviderAssemblyAI = "assemblyai"
)

// AdminAPIKey is an upstream provider credential, encrypted at rest.
// The plaintext is decrypted per request in memory and never serialized.
type AdminAPIKey struct {
	ID           string     `json:"id"`
	Provider     string     `json:"provider"`
	EncryptedKey string     `json:"-"`
	IsActive     bool       `json:"is_active"`
	UsageCount   int64      `json:"usage_count"`
	LastUsedAt   *time.Time `json:"last_used_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

// --- Usage ---

// Usage actions.
const (
	ActionAIRequest     = "ai_request"
	ActionSmartMode     = "smart_mode"
	ActionTranscription = "transcription"
)

// UsageRecord is one append-only usage event. Only aggregate counts are read
// on the hot path.
type UsageRecord struct {
	ID         string    `json:"id"`
	UserID     string    `json:"user_id"`
	Action     string    `json:"action"`
	Provider   string    `json:"provider,omitempty"`
	Model      string    `json:"model,omitempty"`
	TokensUsed int       `json:"tokens_used,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// --- Knowledge ---

// KnowledgeAtom is a stored fragment of user-specific context.
type KnowledgeAtom struct {
	ID           string    `json:"id"`
	UserID       string    `json:"user_id"`
	Type         string    `json:"type"`
	Content      string    `json:"content"`
	Embedding    []float32 `json:"-"`
	UsageCount   int64     `json:"usage_count"`
	HelpfulCount int64     `json:"helpful_count"`
	CreatedAt    time.Time `json:"created_at"`
}

// SessionToken is a locally minted one-time transcription bearer. Stored by
// hash only; the raw value goes to the client once.
type SessionToken struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Provider  string    `json:"provider"`
	TokenHash string    `json:"-"`
	ExpiresAt time.Time `json:"expires_at"`
	CreatedAt time.Time `json:"created_at"`
}

// --- Model requests and streaming ---

// Cascade modes.
const (
	ModeStandard = "standard"
	ModeSmart    = "smart"
)

// ModelRequest is the provider-neutral inference request built after
// admission. Adapters translate it into each provider's wire format.
type ModelRequest struct {
	Model        string
	SystemPrompt string
	UserMessage  string
	ImageBase64  string // JPEG, base64; empty when no screenshot attached
	MaxTokens    int
	SmartMode    bool
}

// TokenUsage is the neutral usage report extracted from a provider stream.
type TokenUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// StreamEvent is the neutral event type emitted by provider adapters.
// Exactly one of Delta, Usage, Done, or Err is meaningful per event.
type StreamEvent struct {
	Delta string      // text delta visible to the client
	Usage *TokenUsage // non-nil when the upstream reported usage
	Done  bool
	Err   error
}

// CascadeEntry is one (provider, model) step of an ordered cascade.
type CascadeEntry struct {
	Provider string `json:"provider"`
	Model    string `json:"model"`
}

// GenerateResult is the non-streaming inference response.
type GenerateResult struct {
	Content    string `json:"content"`
	Provider   string `json:"provider"`
	Model      string `json:"model"`
	LatencyMs  int64  `json:"latencyMs"`
	TokensUsed int    `json:"tokensUsed,omitempty"`
}

// --- Context keys ---

type contextKey int

const ctxKeyMeta contextKey = 0

// Identity is the authenticated caller attached to request context.
type Identity struct {
	UserID   string `json:"user_id"`
	DeviceID string `json:"device_id"`
}

// requestMeta bundles per-request values into a single context allocation.
// The Identity field is set later by the authenticate middleware via mutation
// of the same pointer, avoiding a second context.WithValue + Request.WithContext.
type requestMeta struct {
	RequestID string
	Identity  *Identity
}

func metaFromContext(ctx context.Context) *requestMeta {
	m, _ := ctx.Value(ctxKeyMeta).(*requestMeta)
	return m
}

// IdentityFromContext extracts the authenticated identity from context.
func IdentityFromContext(ctx context.Context) *Identity {
	if m := metaFromContext(ctx); m != nil {
		return m.Identity
	}
	return nil
}

// ContextWithIdentity stores the identity in the existing requestMeta if
// present, avoiding a new context.WithValue allocation. Falls back to
// creating new metadata if none exists (e.g., in tests).
func ContextWithIdentity(ctx context.Context, id *Identity) context.Context {
	if m := metaFromContext(ctx); m != nil {
		m.Identity = id
		return ctx
	}
	return context.WithValue(ctx, ctxKeyMeta, &requestMeta{Identity: id})
}

// RequestIDFromContext extracts the request ID from context.
func RequestIDFromContext(ctx context.Context) string {
	if m := metaFromContext(ctx); m != nil {
		return m.RequestID
	}
	return ""
}

// ContextWithRequestID returns a context carrying the given request ID.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKeyMeta, &requestMeta{RequestID: id})
}

// --- Shared helpers ---

// HashToken returns the hex-encoded SHA-256 hash of a raw token.
// Used for refresh tokens and locally minted transcription bearers.
func HashToken(raw string) string {
	h := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(h[:])
}
