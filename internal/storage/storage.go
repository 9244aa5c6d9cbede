// Package storage defines persistence interfaces for the gateway.
package storage

import (
	"context"
	"time"

	relay "github.com/veylan/relay/internal"
)

// UserStore manages user account persistence. Account creation happens here
// only for password registration; everything else is owned by the external
// account system.
type UserStore interface {
	CreateUser(ctx context.Context, u *relay.User) error
	GetUser(ctx context.Context, id string) (*relay.User, error)
	GetUserByEmail(ctx context.Context, email string) (*relay.User, error)
}

// DeviceStore manages device bindings and refresh token hashes.
type DeviceStore interface {
	CreateBinding(ctx context.Context, b *relay.DeviceBinding) error
	GetBinding(ctx context.Context, id string) (*relay.DeviceBinding, error)
	ListBindings(ctx context.Context, userID string) ([]*relay.DeviceBinding, error)
	CountBindings(ctx context.Context, userID string) (int, error)
	DeleteBinding(ctx context.Context, id string) error
	DeleteBindingsForUser(ctx context.Context, userID string) error
	DeleteBindingsForDevice(ctx context.Context, userID, deviceID string) error
	DeleteOldestBinding(ctx context.Context, userID string) error
	// RotateRefreshHash atomically swaps the stored refresh hash. It returns
	// false when oldHash is no longer current (lost race or token reuse).
	RotateRefreshHash(ctx context.Context, bindingID, oldHash, newHash string) (bool, error)
	TouchBindingUsed(ctx context.Context, id string) error
}

// DeviceCodeStore manages device-code grants.
type DeviceCodeStore interface {
	CreateGrant(ctx context.Context, g *relay.DeviceCodeGrant) error
	GetGrant(ctx context.Context, deviceCode string) (*relay.DeviceCodeGrant, error)
	GetGrantByUserCode(ctx context.Context, userCode string) (*relay.DeviceCodeGrant, error)
	// PendingGrantForDevice returns the newest unexpired pending grant for a
	// device, for idempotent code requests.
	PendingGrantForDevice(ctx context.Context, deviceID string, now time.Time) (*relay.DeviceCodeGrant, error)
	// TransitionGrant moves a grant from one status to another, optionally
	// recording the approving user. It returns false when the grant is not
	// in the expected status (the only poll path to "consumed").
	TransitionGrant(ctx context.Context, deviceCode, from, to, userID string) (bool, error)
	ExpireStaleGrants(ctx context.Context, now time.Time) (int64, error)
	UserCodeActive(ctx context.Context, userCode string, now time.Time) (bool, error)
}

// AdminKeyStore manages encrypted upstream provider keys.
type AdminKeyStore interface {
	UpsertAdminKey(ctx context.Context, k *relay.AdminAPIKey) error
	GetActiveAdminKey(ctx context.Context, provider string) (*relay.AdminAPIKey, error)
	ListAdminKeys(ctx context.Context) ([]*relay.AdminAPIKey, error)
	DeactivateAdminKey(ctx context.Context, id string) error
	TouchAdminKeyUsed(ctx context.Context, provider string) error
}

// UsageStore manages append-only usage logs.
type UsageStore interface {
	InsertUsage(ctx context.Context, records []relay.UsageRecord) error
	CountActionsSince(ctx context.Context, userID, action string, since time.Time) (int, error)
	DeleteUsageBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// KnowledgeStore manages knowledge atoms for context injection.
type KnowledgeStore interface {
	CreateAtom(ctx context.Context, a *relay.KnowledgeAtom) error
	SearchAtoms(ctx context.Context, userID, query string, limit int) ([]*relay.KnowledgeAtom, error)
	BumpAtomUsage(ctx context.Context, ids []string) error
}

// SessionTokenStore tracks locally minted one-time transcription bearers so
// their lifetime is enforceable server-side.
type SessionTokenStore interface {
	CreateSessionToken(ctx context.Context, t *relay.SessionToken) error
	DeleteExpiredSessionTokens(ctx context.Context, now time.Time) (int64, error)
}

// Store combines all storage interfaces.
type Store interface {
	UserStore
	DeviceStore
	DeviceCodeStore
	AdminKeyStore
	UsageStore
	KnowledgeStore
	SessionTokenStore
	Close() error
}
