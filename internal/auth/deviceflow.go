package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	relay "github.com/veylan/relay/internal"
	"github.com/veylan/relay/internal/ratelimit"
	"github.com/veylan/relay/internal/storage"
)

// Poll statuses returned while a grant is not yet consumable.
const (
	PollPending = "authorization_pending"
	PollExpired = "expired"
	PollDenied  = "denied"
)

// userCodeAlphabet excludes vowels and look-alikes (0/O, 1/I) so codes are
// unambiguous when read aloud or typed.
const userCodeAlphabet = "BCDFGHJKLMNPQRSTVWXZ23456789"

const userCodeLen = 8

// DeviceFlow runs the browser-assisted device-code login.
type DeviceFlow struct {
	grants          storage.DeviceCodeStore
	users           storage.UserStore
	svc             *Service
	gate            *ratelimit.PollGate
	verificationURI string
	ttl             time.Duration
	interval        time.Duration
}

// NewDeviceFlow wires the device-code flow.
func NewDeviceFlow(grants storage.DeviceCodeStore, users storage.UserStore, svc *Service, gate *ratelimit.PollGate, verificationURI string, ttl, interval time.Duration) *DeviceFlow {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &DeviceFlow{
		grants:          grants,
		users:           users,
		svc:             svc,
		gate:            gate,
		verificationURI: verificationURI,
		ttl:             ttl,
		interval:        interval,
	}
}

// RequestCode starts (or resumes) a device-code grant. Within the pending
// window, repeated requests from the same device return the existing grant.
func (f *DeviceFlow) RequestCode(ctx context.Context, dev DeviceInfo) (*relay.DeviceCodeGrant, error) {
	if dev.DeviceID == "" {
		return nil, relay.ErrInvalidRequest.WithMessage("deviceId is required")
	}

	now := time.Now()
	if g, err := f.grants.PendingGrantForDevice(ctx, dev.DeviceID, now); err == nil {
		return g, nil
	} else if !errors.Is(err, relay.ErrNotFound) {
		return nil, err
	}

	userCode, err := f.newUserCode(ctx, now)
	if err != nil {
		return nil, err
	}

	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return nil, err
	}

	g := &relay.DeviceCodeGrant{
		DeviceCode:      "dc_" + base64.RawURLEncoding.EncodeToString(buf),
		UserCode:        userCode,
		VerificationURI: f.verificationURI,
		Status:          relay.GrantPending,
		DeviceID:        dev.DeviceID,
		DeviceName:      dev.DeviceName,
		Platform:        dev.Platform,
		Interval:        int(f.interval.Seconds()),
		ExpiresAt:       now.Add(f.ttl),
		CreatedAt:       now,
	}
	if err := f.grants.CreateGrant(ctx, g); err != nil {
		return nil, err
	}
	return g, nil
}

// newUserCode draws codes until one is free within the active window.
func (f *DeviceFlow) newUserCode(ctx context.Context, now time.Time) (string, error) {
	for range 5 {
		code, err := randomUserCode()
		if err != nil {
			return "", err
		}
		active, err := f.grants.UserCodeActive(ctx, code, now)
		if err != nil {
			return "", err
		}
		if !active {
			return code, nil
		}
	}
	return "", fmt.Errorf("user code space exhausted")
}

func randomUserCode() (string, error) {
	buf := make([]byte, userCodeLen)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	out := make([]byte, userCodeLen)
	for i, b := range buf {
		out[i] = userCodeAlphabet[int(b)%len(userCodeAlphabet)]
	}
	return string(out), nil
}

// PollResult is the outcome of one poll. Either Tokens is set (grant
// consumed) or Status explains why not.
type PollResult struct {
	Status string
	Tokens *relay.TokenPair
	User   *relay.User
}

// Poll advances the grant state machine. It is the only path to "consumed":
// the authorized -> consumed transition is a compare-and-swap, so of two
// concurrent polls exactly one receives tokens.
func (f *DeviceFlow) Poll(ctx context.Context, deviceCode string) (*PollResult, error) {
	if !f.gate.Allow(deviceCode, f.interval) {
		return nil, relay.ErrSlowDown.WithMessage("polling faster than the permitted interval")
	}

	g, err := f.grants.GetGrant(ctx, deviceCode)
	if err != nil {
		if errors.Is(err, relay.ErrNotFound) {
			return nil, relay.ErrInvalidRequest.WithMessage("unknown device code")
		}
		return nil, err
	}

	now := time.Now()
	if g.Expired(now) && (g.Status == relay.GrantPending || g.Status == relay.GrantAuthorized) {
		f.grants.TransitionGrant(ctx, deviceCode, g.Status, relay.GrantExpired, "") //nolint:errcheck
		f.gate.Forget(deviceCode)
		return &PollResult{Status: PollExpired}, nil
	}

	switch g.Status {
	case relay.GrantPending:
		return &PollResult{Status: PollPending}, nil

	case relay.GrantAuthorized:
		ok, err := f.grants.TransitionGrant(ctx, deviceCode, relay.GrantAuthorized, relay.GrantConsumed, "")
		if err != nil {
			return nil, err
		}
		if !ok {
			// Lost the race; the grant is now terminal.
			return &PollResult{Status: PollExpired}, nil
		}
		f.gate.Forget(deviceCode)

		u, err := f.users.GetUser(ctx, g.UserID)
		if err != nil {
			return nil, relay.ErrUserNotFound
		}
		if u.Role == relay.RoleBlocked {
			return nil, relay.ErrAccountBlocked
		}
		pair, err := f.svc.IssueTokens(ctx, u, DeviceInfo{
			DeviceID:   g.DeviceID,
			DeviceName: g.DeviceName,
			Platform:   g.Platform,
		})
		if err != nil {
			return nil, err
		}
		return &PollResult{Tokens: pair, User: u}, nil

	case relay.GrantDenied:
		f.gate.Forget(deviceCode)
		return &PollResult{Status: PollDenied}, nil

	default: // consumed, expired
		f.gate.Forget(deviceCode)
		return &PollResult{Status: PollExpired}, nil
	}
}

// Approve marks a pending grant authorized for the approving user. Called
// from the browser session after the user typed the code.
func (f *DeviceFlow) Approve(ctx context.Context, userCode, approverID string) error {
	return f.resolve(ctx, userCode, approverID, relay.GrantAuthorized)
}

// Deny rejects a pending grant.
func (f *DeviceFlow) Deny(ctx context.Context, userCode string) error {
	return f.resolve(ctx, userCode, "", relay.GrantDenied)
}

func (f *DeviceFlow) resolve(ctx context.Context, userCode, approverID, to string) error {
	code := NormalizeUserCode(userCode)
	if len(code) != userCodeLen {
		return relay.ErrInvalidRequest.WithMessage("malformed user code")
	}
	g, err := f.grants.GetGrantByUserCode(ctx, code)
	if err != nil {
		if errors.Is(err, relay.ErrNotFound) {
			return relay.ErrNotFound.WithMessage("unknown user code")
		}
		return err
	}
	if g.Expired(time.Now()) || g.Status != relay.GrantPending {
		return relay.ErrInvalidRequest.WithMessage("code is no longer pending")
	}
	ok, err := f.grants.TransitionGrant(ctx, g.DeviceCode, relay.GrantPending, to, approverID)
	if err != nil {
		return err
	}
	if !ok {
		return relay.ErrInvalidRequest.WithMessage("code is no longer pending")
	}
	return nil
}

// NormalizeUserCode upcases a user-typed code and strips separators, so
// "bcdf-ghjk" and "BCDFGHJK" are the same code.
func NormalizeUserCode(code string) string {
	code = strings.ToUpper(strings.TrimSpace(code))
	return strings.NewReplacer("-", "", " ", "").Replace(code)
}
