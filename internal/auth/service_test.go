package auth

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	relay "github.com/veylan/relay/internal"
	"github.com/veylan/relay/internal/testutil"
)

var servicePlans = map[string]relay.Plan{
	relay.PlanFree: {Name: relay.PlanFree, DeviceLimit: 2},
	relay.PlanPro:  {Name: relay.PlanPro, DeviceLimit: 3, SmartMode: true},
}

func newTestService(store *testutil.FakeStore) *Service {
	issuer := NewTokenIssuer([]byte("test-secret"), time.Hour)
	return NewService(store, store, issuer, servicePlans, 30*24*time.Hour)
}

func testDevice(id string) DeviceInfo {
	return DeviceInfo{DeviceID: id, DeviceName: "MacBook", Platform: "darwin"}
}

func TestRegisterAndLogin(t *testing.T) {
	t.Parallel()
	store := testutil.NewFakeStore()
	svc := newTestService(store)
	ctx := context.Background()

	u, pair, err := svc.Register(ctx, "Ada", "Ada@Example.com", "hunter22", testDevice("d1"))
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if u.Email != "ada@example.com" {
		t.Errorf("email not normalized: %q", u.Email)
	}
	if u.Plan != relay.PlanFree || u.Role != relay.RoleUser {
		t.Errorf("new account = %+v", u)
	}
	if pair.AccessToken == "" || pair.RefreshToken == "" || pair.ExpiresIn != 3600 {
		t.Errorf("pair = %+v", pair)
	}
	if u.PasswordHash == "hunter22" {
		t.Error("password stored in plaintext")
	}

	if _, _, err := svc.Register(ctx, "Ada", "ada@example.com", "x", testDevice("d2")); !errors.Is(err, relay.ErrEmailExists) {
		t.Errorf("duplicate register: err = %v", err)
	}

	if _, _, err := svc.Login(ctx, "ada@example.com", "wrong", testDevice("d1")); !errors.Is(err, relay.ErrUnauthorized) {
		t.Errorf("bad password: err = %v", err)
	}
	if _, _, err := svc.Login(ctx, "nobody@example.com", "x", testDevice("d1")); !errors.Is(err, relay.ErrUnauthorized) {
		t.Errorf("unknown email: err = %v", err)
	}
	if _, _, err := svc.Login(ctx, "ada@example.com", "hunter22", testDevice("d1")); err != nil {
		t.Errorf("login: %v", err)
	}
}

func TestLoginOAuthOnlyAccount(t *testing.T) {
	t.Parallel()
	store := testutil.NewFakeStore()
	svc := newTestService(store)
	ctx := context.Background()

	store.Users["u1"] = &relay.User{
		ID: "u1", Email: "g@example.com", Role: relay.RoleUser,
		Plan: relay.PlanFree, OAuthProvider: "google",
	}
	if _, _, err := svc.Login(ctx, "g@example.com", "whatever", testDevice("d1")); !errors.Is(err, relay.ErrOAuthUser) {
		t.Errorf("err = %v, want oauth_user", err)
	}
	if _, _, err := svc.Register(ctx, "G", "g@example.com", "pw", testDevice("d1")); !errors.Is(err, relay.ErrOAuthAccountExists) {
		t.Errorf("err = %v, want oauth_account_exists", err)
	}
}

func TestLoginBlockedAccount(t *testing.T) {
	t.Parallel()
	store := testutil.NewFakeStore()
	svc := newTestService(store)
	ctx := context.Background()

	if _, _, err := svc.Register(ctx, "B", "b@example.com", "pw", testDevice("d1")); err != nil {
		t.Fatalf("Register: %v", err)
	}
	for _, u := range store.Users {
		u.Role = relay.RoleBlocked
	}
	if _, _, err := svc.Login(ctx, "b@example.com", "pw", testDevice("d1")); !errors.Is(err, relay.ErrAccountBlocked) {
		t.Errorf("err = %v, want account_blocked", err)
	}
}

func TestDeviceLimitEvictsOldest(t *testing.T) {
	t.Parallel()
	store := testutil.NewFakeStore()
	svc := newTestService(store)
	ctx := context.Background()

	u, _, err := svc.Register(ctx, "E", "e@example.com", "pw", testDevice("d1"))
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	// Free plan allows two devices. Stagger LastUsedAt so d1 is oldest.
	time.Sleep(2 * time.Millisecond)
	if _, err := svc.IssueTokens(ctx, u, testDevice("d2")); err != nil {
		t.Fatalf("second device: %v", err)
	}
	time.Sleep(2 * time.Millisecond)
	if _, err := svc.IssueTokens(ctx, u, testDevice("d3")); err != nil {
		t.Fatalf("third device: %v", err)
	}

	remaining := map[string]bool{}
	for _, b := range store.Bindings {
		remaining[b.DeviceID] = true
	}
	if len(remaining) != 2 || remaining["d1"] {
		t.Errorf("bindings = %v, want d1 evicted", remaining)
	}
}

func TestReLoginSameDeviceReplacesBinding(t *testing.T) {
	t.Parallel()
	store := testutil.NewFakeStore()
	svc := newTestService(store)
	ctx := context.Background()

	u, _, err := svc.Register(ctx, "R", "r@example.com", "pw", testDevice("d1"))
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if _, err := svc.IssueTokens(ctx, u, testDevice("d1")); err != nil {
		t.Fatalf("re-login: %v", err)
	}
	if n, _ := store.CountBindings(ctx, u.ID); n != 1 {
		t.Errorf("bindings = %d, want the old one replaced", n)
	}
}

func TestRefreshRotation(t *testing.T) {
	t.Parallel()
	store := testutil.NewFakeStore()
	svc := newTestService(store)
	ctx := context.Background()

	_, pair, err := svc.Register(ctx, "F", "f@example.com", "pw", testDevice("d1"))
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	next, err := svc.Refresh(ctx, pair.RefreshToken)
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if next.RefreshToken == pair.RefreshToken {
		t.Error("refresh token not rotated")
	}

	// Replaying the consumed token revokes the device entirely.
	if _, err := svc.Refresh(ctx, pair.RefreshToken); !errors.Is(err, relay.ErrTokenRevoked) {
		t.Fatalf("replay: err = %v, want token_revoked", err)
	}
	if _, err := svc.Refresh(ctx, next.RefreshToken); !errors.Is(err, relay.ErrTokenRevoked) {
		t.Errorf("post-revocation: err = %v, want token_revoked", err)
	}
	if len(store.Bindings) != 0 {
		t.Errorf("bindings = %d, want device revoked", len(store.Bindings))
	}
}

func TestRefreshConcurrentSingleWinner(t *testing.T) {
	t.Parallel()
	store := testutil.NewFakeStore()
	svc := newTestService(store)
	ctx := context.Background()

	_, pair, err := svc.Register(ctx, "C", "c@example.com", "pw", testDevice("d1"))
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	const callers = 8
	var wg sync.WaitGroup
	results := make([]error, callers)
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, results[i] = svc.Refresh(ctx, pair.RefreshToken)
		}()
	}
	wg.Wait()

	wins := 0
	for _, err := range results {
		if err == nil {
			wins++
		} else if !errors.Is(err, relay.ErrTokenRevoked) {
			t.Errorf("unexpected error: %v", err)
		}
	}
	if wins != 1 {
		t.Errorf("winners = %d, want exactly one", wins)
	}
}

func TestRefreshMalformedToken(t *testing.T) {
	t.Parallel()
	svc := newTestService(testutil.NewFakeStore())

	for _, raw := range []string{"", "garbage", "rt_", "rt_onlyselector", "rt_.secret"} {
		if _, err := svc.Refresh(context.Background(), raw); !errors.Is(err, relay.ErrInvalidToken) {
			t.Errorf("%q: err = %v, want invalid_token", raw, err)
		}
	}
}

func TestRefreshExpiredBinding(t *testing.T) {
	t.Parallel()
	store := testutil.NewFakeStore()
	issuer := NewTokenIssuer([]byte("s"), time.Hour)
	svc := NewService(store, store, issuer, servicePlans, time.Millisecond)

	_, pair, err := svc.Register(context.Background(), "X", "x@example.com", "pw", testDevice("d1"))
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	time.Sleep(5 * time.Millisecond)
	if _, err := svc.Refresh(context.Background(), pair.RefreshToken); !errors.Is(err, relay.ErrTokenRevoked) {
		t.Errorf("err = %v, want token_revoked", err)
	}
	if len(store.Bindings) != 0 {
		t.Error("expired binding not removed")
	}
}

func TestLogout(t *testing.T) {
	t.Parallel()
	store := testutil.NewFakeStore()
	svc := newTestService(store)
	ctx := context.Background()

	u, pair, err := svc.Register(ctx, "L", "l@example.com", "pw", testDevice("d1"))
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if _, err := svc.IssueTokens(ctx, u, testDevice("d2")); err != nil {
		t.Fatalf("second device: %v", err)
	}

	if err := svc.Logout(ctx, pair.RefreshToken, false); err != nil {
		t.Fatalf("Logout: %v", err)
	}
	if n, _ := store.CountBindings(ctx, u.ID); n != 1 {
		t.Errorf("bindings = %d, want only the other device left", n)
	}

	// Logging out an already-dead token is a no-op.
	if err := svc.Logout(ctx, pair.RefreshToken, false); err != nil {
		t.Errorf("repeat logout: %v", err)
	}
}

func TestLogoutAllDevices(t *testing.T) {
	t.Parallel()
	store := testutil.NewFakeStore()
	svc := newTestService(store)
	ctx := context.Background()

	u, _, err := svc.Register(ctx, "A", "a@example.com", "pw", testDevice("d1"))
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	pair, err := svc.IssueTokens(ctx, u, testDevice("d2"))
	if err != nil {
		t.Fatalf("second device: %v", err)
	}

	if err := svc.Logout(ctx, pair.RefreshToken, true); err != nil {
		t.Fatalf("Logout: %v", err)
	}
	if n, _ := store.CountBindings(ctx, u.ID); n != 0 {
		t.Errorf("bindings = %d, want all revoked", n)
	}
}
