package auth

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	relay "github.com/veylan/relay/internal"
	"github.com/veylan/relay/internal/ratelimit"
	"github.com/veylan/relay/internal/testutil"
)

func newTestFlow(store *testutil.FakeStore, pollInterval time.Duration) *DeviceFlow {
	svc := newTestService(store)
	gate := ratelimit.NewPollGate()
	return NewDeviceFlow(store, store, svc, gate, "https://account.test/activate", 10*time.Minute, pollInterval)
}

func seedUser(store *testutil.FakeStore, id string) *relay.User {
	u := &relay.User{ID: id, Email: id + "@example.com", Role: relay.RoleUser, Plan: relay.PlanFree}
	store.Users[id] = u
	return u
}

func TestDeviceFlowHappyPath(t *testing.T) {
	t.Parallel()
	store := testutil.NewFakeStore()
	flow := newTestFlow(store, time.Millisecond)
	ctx := context.Background()
	seedUser(store, "u1")

	g, err := flow.RequestCode(ctx, testDevice("d1"))
	if err != nil {
		t.Fatalf("RequestCode: %v", err)
	}
	if !strings.HasPrefix(g.DeviceCode, "dc_") {
		t.Errorf("device code = %q", g.DeviceCode)
	}
	if len(g.UserCode) != 8 {
		t.Errorf("user code = %q, want 8 chars", g.UserCode)
	}
	if g.VerificationURI != "https://account.test/activate" {
		t.Errorf("verification uri = %q", g.VerificationURI)
	}

	res, err := flow.Poll(ctx, g.DeviceCode)
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if res.Status != PollPending {
		t.Errorf("status = %q, want pending", res.Status)
	}

	// The browser session approves with a sloppily typed code.
	typed := strings.ToLower(g.UserCode[:4]) + "-" + strings.ToLower(g.UserCode[4:])
	if err := flow.Approve(ctx, typed, "u1"); err != nil {
		t.Fatalf("Approve: %v", err)
	}

	time.Sleep(2 * time.Millisecond)
	res, err = flow.Poll(ctx, g.DeviceCode)
	if err != nil {
		t.Fatalf("Poll after approve: %v", err)
	}
	if res.Tokens == nil || res.Tokens.AccessToken == "" {
		t.Fatalf("result = %+v, want tokens", res)
	}
	if res.User == nil || res.User.ID != "u1" {
		t.Errorf("user = %+v", res.User)
	}

	// The grant is consumed; further polls report a terminal status.
	time.Sleep(2 * time.Millisecond)
	res, err = flow.Poll(ctx, g.DeviceCode)
	if err != nil {
		t.Fatalf("Poll after consume: %v", err)
	}
	if res.Status != PollExpired {
		t.Errorf("status = %q, want expired", res.Status)
	}
}

func TestDeviceFlowIdempotentRequest(t *testing.T) {
	t.Parallel()
	store := testutil.NewFakeStore()
	flow := newTestFlow(store, time.Millisecond)
	ctx := context.Background()

	first, err := flow.RequestCode(ctx, testDevice("d1"))
	if err != nil {
		t.Fatalf("RequestCode: %v", err)
	}
	second, err := flow.RequestCode(ctx, testDevice("d1"))
	if err != nil {
		t.Fatalf("RequestCode again: %v", err)
	}
	if second.DeviceCode != first.DeviceCode {
		t.Error("pending grant not reused for the same device")
	}

	other, err := flow.RequestCode(ctx, testDevice("d2"))
	if err != nil {
		t.Fatalf("RequestCode other device: %v", err)
	}
	if other.DeviceCode == first.DeviceCode {
		t.Error("distinct devices shared a grant")
	}
}

func TestDeviceFlowPollRateLimit(t *testing.T) {
	t.Parallel()
	store := testutil.NewFakeStore()
	flow := newTestFlow(store, time.Minute)
	ctx := context.Background()

	g, err := flow.RequestCode(ctx, testDevice("d1"))
	if err != nil {
		t.Fatalf("RequestCode: %v", err)
	}
	if _, err := flow.Poll(ctx, g.DeviceCode); err != nil {
		t.Fatalf("first poll: %v", err)
	}
	if _, err := flow.Poll(ctx, g.DeviceCode); !errors.Is(err, relay.ErrSlowDown) {
		t.Errorf("fast poll: err = %v, want slow_down", err)
	}
}

func TestDeviceFlowDeny(t *testing.T) {
	t.Parallel()
	store := testutil.NewFakeStore()
	flow := newTestFlow(store, time.Millisecond)
	ctx := context.Background()

	g, err := flow.RequestCode(ctx, testDevice("d1"))
	if err != nil {
		t.Fatalf("RequestCode: %v", err)
	}
	if err := flow.Deny(ctx, g.UserCode); err != nil {
		t.Fatalf("Deny: %v", err)
	}

	res, err := flow.Poll(ctx, g.DeviceCode)
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if res.Status != PollDenied {
		t.Errorf("status = %q, want denied", res.Status)
	}

	// A denied grant cannot be approved afterwards.
	if err := flow.Approve(ctx, g.UserCode, "u1"); !errors.Is(err, relay.ErrInvalidRequest) {
		t.Errorf("approve after deny: err = %v", err)
	}
}

func TestDeviceFlowExpiry(t *testing.T) {
	t.Parallel()
	store := testutil.NewFakeStore()
	flow := newTestFlow(store, time.Millisecond)
	ctx := context.Background()

	g, err := flow.RequestCode(ctx, testDevice("d1"))
	if err != nil {
		t.Fatalf("RequestCode: %v", err)
	}
	store.Grants[g.DeviceCode].ExpiresAt = time.Now().Add(-time.Second)

	res, err := flow.Poll(ctx, g.DeviceCode)
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if res.Status != PollExpired {
		t.Errorf("status = %q, want expired", res.Status)
	}
	if store.Grants[g.DeviceCode].Status != relay.GrantExpired {
		t.Errorf("grant status = %q, want persisted expiry", store.Grants[g.DeviceCode].Status)
	}

	if err := flow.Approve(ctx, g.UserCode, "u1"); !errors.Is(err, relay.ErrInvalidRequest) {
		t.Errorf("approve expired: err = %v", err)
	}
}

func TestDeviceFlowUnknownCodes(t *testing.T) {
	t.Parallel()
	store := testutil.NewFakeStore()
	flow := newTestFlow(store, time.Millisecond)
	ctx := context.Background()

	if _, err := flow.Poll(ctx, "dc_missing"); !errors.Is(err, relay.ErrInvalidRequest) {
		t.Errorf("unknown device code: err = %v", err)
	}
	if err := flow.Approve(ctx, "BCDFGHJK", "u1"); !errors.Is(err, relay.ErrNotFound) {
		t.Errorf("unknown user code: err = %v", err)
	}
	if err := flow.Approve(ctx, "short", "u1"); !errors.Is(err, relay.ErrInvalidRequest) {
		t.Errorf("malformed user code: err = %v", err)
	}
	if _, err := flow.RequestCode(ctx, DeviceInfo{}); !errors.Is(err, relay.ErrInvalidRequest) {
		t.Errorf("missing device id: err = %v", err)
	}
}

func TestNormalizeUserCode(t *testing.T) {
	t.Parallel()
	for in, want := range map[string]string{
		"bcdf-ghjk":  "BCDFGHJK",
		" BCDF GHJK": "BCDFGHJK",
		"BCDFGHJK":   "BCDFGHJK",
	} {
		if got := NormalizeUserCode(in); got != want {
			t.Errorf("NormalizeUserCode(%q) = %q, want %q", in, got, want)
		}
	}
}
