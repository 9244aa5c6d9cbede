package auth

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	relay "github.com/veylan/relay/internal"
	"github.com/veylan/relay/internal/storage"
)

// DeviceInfo identifies the client device presenting credentials.
type DeviceInfo struct {
	DeviceID   string `json:"deviceId"`
	DeviceName string `json:"deviceName"`
	Platform   string `json:"platform"`
}

// Service owns credential login, registration, refresh rotation, and logout.
type Service struct {
	users      storage.UserStore
	devices    storage.DeviceStore
	tokens     *TokenIssuer
	plans      map[string]relay.Plan
	refreshTTL time.Duration
}

// NewService wires the auth service.
func NewService(users storage.UserStore, devices storage.DeviceStore, tokens *TokenIssuer, plans map[string]relay.Plan, refreshTTL time.Duration) *Service {
	if refreshTTL <= 0 {
		refreshTTL = 30 * 24 * time.Hour
	}
	return &Service{users: users, devices: devices, tokens: tokens, plans: plans, refreshTTL: refreshTTL}
}

// PlanFor resolves a user's plan; unknown plans coerce to free.
func (s *Service) PlanFor(u *relay.User) relay.Plan {
	if p, ok := s.plans[u.Plan]; ok {
		return p
	}
	return s.plans[relay.PlanFree]
}

// Register creates a password-backed account and logs the device in.
func (s *Service) Register(ctx context.Context, name, email, password string, dev DeviceInfo) (*relay.User, *relay.TokenPair, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" || password == "" || dev.DeviceID == "" {
		return nil, nil, relay.ErrInvalidRequest.WithMessage("email, password and deviceId are required")
	}

	if existing, err := s.users.GetUserByEmail(ctx, email); err == nil {
		if existing.OAuthOnly() {
			return nil, nil, relay.ErrOAuthAccountExists
		}
		return nil, nil, relay.ErrEmailExists
	} else if !errors.Is(err, relay.ErrNotFound) {
		return nil, nil, err
	}

	hash, err := hashPassword(password)
	if err != nil {
		return nil, nil, err
	}

	u := &relay.User{
		ID:           uuid.Must(uuid.NewV7()).String(),
		Name:         name,
		Email:        email,
		Role:         relay.RoleUser,
		Plan:         relay.PlanFree,
		PasswordHash: hash,
		CreatedAt:    time.Now(),
	}
	if err := s.users.CreateUser(ctx, u); err != nil {
		return nil, nil, err
	}

	pair, err := s.IssueTokens(ctx, u, dev)
	if err != nil {
		return nil, nil, err
	}
	return u, pair, nil
}

// Login authenticates a password-backed account and binds the device.
// OAuth-only accounts cannot log in with a password.
func (s *Service) Login(ctx context.Context, email, password string, dev DeviceInfo) (*relay.User, *relay.TokenPair, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" || password == "" || dev.DeviceID == "" {
		return nil, nil, relay.ErrInvalidRequest.WithMessage("email, password and deviceId are required")
	}

	u, err := s.users.GetUserByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, relay.ErrNotFound) {
			return nil, nil, relay.ErrUnauthorized.WithMessage("invalid email or password")
		}
		return nil, nil, err
	}
	if u.OAuthOnly() {
		return nil, nil, relay.ErrOAuthUser
	}
	if !checkPassword(u.PasswordHash, password) {
		return nil, nil, relay.ErrUnauthorized.WithMessage("invalid email or password")
	}
	if u.Role == relay.RoleBlocked {
		return nil, nil, relay.ErrAccountBlocked
	}

	pair, err := s.IssueTokens(ctx, u, dev)
	if err != nil {
		return nil, nil, err
	}
	return u, pair, nil
}

// IssueTokens creates a device binding and mints an access/refresh pair.
// A re-login on the same device replaces its binding; when the plan's device
// limit would be exceeded, the least recently used binding is evicted.
func (s *Service) IssueTokens(ctx context.Context, u *relay.User, dev DeviceInfo) (*relay.TokenPair, error) {
	if err := s.devices.DeleteBindingsForDevice(ctx, u.ID, dev.DeviceID); err != nil {
		return nil, err
	}

	plan := s.PlanFor(u)
	if plan.DeviceLimit > 0 {
		n, err := s.devices.CountBindings(ctx, u.ID)
		if err != nil {
			return nil, err
		}
		for ; n >= plan.DeviceLimit; n-- {
			if err := s.devices.DeleteOldestBinding(ctx, u.ID); err != nil {
				return nil, err
			}
		}
	}

	bindingID := uuid.Must(uuid.NewV7()).String()
	raw, hash, err := newRefreshToken(bindingID)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	if err := s.devices.CreateBinding(ctx, &relay.DeviceBinding{
		ID:          bindingID,
		UserID:      u.ID,
		DeviceID:    dev.DeviceID,
		DeviceName:  dev.DeviceName,
		Platform:    dev.Platform,
		RefreshHash: hash,
		CreatedAt:   now,
		LastUsedAt:  now,
	}); err != nil {
		return nil, err
	}

	access, err := s.tokens.Mint(u.ID, dev.DeviceID)
	if err != nil {
		return nil, err
	}
	return &relay.TokenPair{
		AccessToken:  access,
		RefreshToken: raw,
		ExpiresIn:    int(s.tokens.TTL().Seconds()),
	}, nil
}

// Refresh rotates a refresh token. Each token is single-use: the swap is a
// compare-and-swap on the stored hash, so of two concurrent calls exactly one
// succeeds. Presenting a stale token is treated as theft and revokes every
// binding on the same device.
func (s *Service) Refresh(ctx context.Context, rawToken string) (*relay.TokenPair, error) {
	bindingID, ok := splitRefreshToken(rawToken)
	if !ok {
		return nil, relay.ErrInvalidToken
	}

	b, err := s.devices.GetBinding(ctx, bindingID)
	if err != nil {
		if errors.Is(err, relay.ErrNotFound) {
			return nil, relay.ErrTokenRevoked
		}
		return nil, err
	}

	if time.Since(b.LastUsedAt) > s.refreshTTL {
		if err := s.devices.DeleteBinding(ctx, b.ID); err != nil && !errors.Is(err, relay.ErrNotFound) {
			slog.Warn("delete expired binding", "error", err)
		}
		return nil, relay.ErrTokenRevoked
	}

	u, err := s.users.GetUser(ctx, b.UserID)
	if err != nil {
		return nil, relay.ErrTokenRevoked
	}
	if u.Role == relay.RoleBlocked {
		return nil, relay.ErrAccountBlocked
	}

	newRaw, newHash, err := newRefreshToken(bindingID)
	if err != nil {
		return nil, err
	}

	swapped, err := s.devices.RotateRefreshHash(ctx, bindingID, relay.HashToken(rawToken), newHash)
	if err != nil {
		return nil, err
	}
	if !swapped {
		// The presented hash is no longer current: replay of a rotated
		// token, or a concurrent rotation won. Revoke the whole device.
		if err := s.devices.DeleteBindingsForDevice(ctx, b.UserID, b.DeviceID); err != nil {
			slog.Warn("revoke device bindings", "error", err)
		}
		return nil, relay.ErrTokenRevoked
	}

	access, err := s.tokens.Mint(b.UserID, b.DeviceID)
	if err != nil {
		return nil, err
	}
	return &relay.TokenPair{
		AccessToken:  access,
		RefreshToken: newRaw,
		ExpiresIn:    int(s.tokens.TTL().Seconds()),
	}, nil
}

// Logout invalidates the binding behind a refresh token, or every binding of
// the user when allDevices is set. Unknown tokens are a no-op.
func (s *Service) Logout(ctx context.Context, rawToken string, allDevices bool) error {
	bindingID, ok := splitRefreshToken(rawToken)
	if !ok {
		return relay.ErrInvalidToken
	}
	b, err := s.devices.GetBinding(ctx, bindingID)
	if err != nil {
		if errors.Is(err, relay.ErrNotFound) {
			return nil
		}
		return err
	}
	if allDevices {
		return s.devices.DeleteBindingsForUser(ctx, b.UserID)
	}
	return s.devices.DeleteBinding(ctx, b.ID)
}
