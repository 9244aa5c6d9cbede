package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	relay "github.com/veylan/relay/internal"
	"github.com/veylan/relay/internal/auth"
	"github.com/veylan/relay/internal/cascade"
	"github.com/veylan/relay/internal/config"
	"github.com/veylan/relay/internal/keyvault"
	"github.com/veylan/relay/internal/knowledge"
	"github.com/veylan/relay/internal/policy"
	"github.com/veylan/relay/internal/provider"
	"github.com/veylan/relay/internal/ratelimit"
	"github.com/veylan/relay/internal/testutil"
	"github.com/veylan/relay/internal/transcribe"
)

const vaultKeyHex = "0000000000000000000000000000000000000000000000000000000000000000"

// recordSink captures usage records synchronously for assertions.
type recordSink struct {
	mu      sync.Mutex
	records []relay.UsageRecord
}

func (r *recordSink) Record(rec relay.UsageRecord) {
	r.mu.Lock()
	r.records = append(r.records, rec)
	r.mu.Unlock()
}

func (r *recordSink) QueueLen() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.records)
}

func (r *recordSink) actions() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.records))
	for i, rec := range r.records {
		out[i] = rec.Action
	}
	return out
}

type env struct {
	store   *testutil.FakeStore
	handler http.Handler
	issuer  *auth.TokenIssuer
	adapter *testutil.FakeAdapter
	usage   *recordSink
}

func newEnv(t *testing.T) *env {
	t.Helper()

	store := testutil.NewFakeStore()
	vault, err := keyvault.New(store, vaultKeyHex)
	if err != nil {
		t.Fatalf("vault: %v", err)
	}
	t.Cleanup(vault.Close)
	seedAdminKey(t, vault, store, relay.ProviderOpenAI, "sk-upstream")
	seedAdminKey(t, vault, store, relay.ProviderDeepgram, "dg-admin")

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	}))
	t.Cleanup(upstream.Close)
	adapter := &testutil.FakeAdapter{
		AdapterName: relay.ProviderOpenAI,
		Target:      upstream.URL,
		Events:      []relay.StreamEvent{{Delta: "Hel"}, {Delta: "lo"}, {Done: true}},
		Content:     "Hello",
		Usage:       &relay.TokenUsage{InputTokens: 4, OutputTokens: 2, TotalTokens: 6},
	}
	registry := provider.NewRegistry()
	registry.Register(relay.ProviderOpenAI, adapter)

	dg := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"access_token": "dg-temp", "expires_in": 30})
	}))
	t.Cleanup(dg.Close)

	plans := config.Default().PlanTable()
	issuer := auth.NewTokenIssuer([]byte("test-secret"), time.Hour)
	svc := auth.NewService(store, store, issuer, plans, 30*24*time.Hour)
	gate := ratelimit.NewPollGate()
	flow := auth.NewDeviceFlow(store, store, svc, gate, "https://account.test/activate", 10*time.Minute, time.Millisecond)

	usage := &recordSink{}
	handler := New(Deps{
		Auth:       svc,
		DeviceFlow: flow,
		Tokens:     issuer,
		Policy:     policy.NewEngine(plans, policy.NewCatalog(config.ModelsConfig{}), store, vault),
		Cascade:    cascade.New(registry, vault, &http.Client{}),
		Vault:      vault,
		Knowledge:  knowledge.New(knowledge.NewStoreRetriever(store), true, knowledge.Options{}),
		Transcribe: transcribe.NewVendor(vault, store, plans, dg.Client(), map[string]string{relay.ProviderDeepgram: dg.URL}),
		Store:      store,
		Usage:      usage,
	})

	return &env{store: store, handler: handler, issuer: issuer, adapter: adapter, usage: usage}
}

func seedAdminKey(t *testing.T, vault *keyvault.Vault, store *testutil.FakeStore, providerName, plaintext string) {
	t.Helper()
	encrypted, err := vault.Encrypt(plaintext)
	if err != nil {
		t.Fatalf("encrypt seed key: %v", err)
	}
	store.AdminKeys[providerName] = &relay.AdminAPIKey{
		ID: providerName, Provider: providerName, EncryptedKey: encrypted,
		IsActive: true, CreatedAt: time.Now(),
	}
}

// seedUser creates an account and returns a valid bearer token for it.
func (e *env) seedUser(t *testing.T, id, plan, role string) string {
	t.Helper()
	e.store.Users[id] = &relay.User{
		ID: id, Email: id + "@example.com", Role: role, Plan: plan, CreatedAt: time.Now(),
	}
	token, err := e.issuer.Mint(id, "device-"+id)
	if err != nil {
		t.Fatalf("mint token: %v", err)
	}
	return token
}

func (e *env) do(t *testing.T, method, path, bearer string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	rr := httptest.NewRecorder()
	e.handler.ServeHTTP(rr, req)
	return rr
}

func decodeBody(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response %q: %v", rr.Body.String(), err)
	}
	return out
}

func TestHealthEndpoints(t *testing.T) {
	t.Parallel()
	e := newEnv(t)

	if rr := e.do(t, http.MethodGet, "/healthz", "", nil); rr.Code != http.StatusOK || rr.Body.String() != "ok" {
		t.Errorf("healthz = %d %q", rr.Code, rr.Body.String())
	}
	if rr := e.do(t, http.MethodGet, "/readyz", "", nil); rr.Code != http.StatusOK {
		t.Errorf("readyz = %d", rr.Code)
	}
}

func TestAuthenticationRequired(t *testing.T) {
	t.Parallel()
	e := newEnv(t)

	rr := e.do(t, http.MethodPost, "/api/proxy/ai/stream", "", map[string]string{"userMessage": "hi"})
	if rr.Code != http.StatusUnauthorized {
		t.Errorf("status = %d", rr.Code)
	}
	if got := decodeBody(t, rr)["error"]; got != "unauthorized" {
		t.Errorf("error = %v", got)
	}

	rr = e.do(t, http.MethodPost, "/api/proxy/ai/stream", "not-a-jwt", map[string]string{"userMessage": "hi"})
	if rr.Code != http.StatusUnauthorized || decodeBody(t, rr)["error"] != "invalid_token" {
		t.Errorf("garbage token: %d %s", rr.Code, rr.Body.String())
	}
}

func TestRegisterLoginRefreshOverHTTP(t *testing.T) {
	t.Parallel()
	e := newEnv(t)

	body := map[string]string{
		"name": "Ada", "email": "ada@example.com", "password": "hunter22",
		"deviceId": "d1", "deviceName": "MacBook", "platform": "darwin",
	}
	rr := e.do(t, http.MethodPost, "/api/auth/macos/register", "", body)
	if rr.Code != http.StatusCreated {
		t.Fatalf("register = %d %s", rr.Code, rr.Body.String())
	}
	out := decodeBody(t, rr)
	if tok, _ := out["accessToken"].(string); tok == "" {
		t.Fatalf("register response = %v", out)
	}
	if tok, _ := out["refreshToken"].(string); tok == "" {
		t.Fatalf("register response = %v", out)
	}
	if strings.Contains(rr.Body.String(), "hunter22") {
		t.Error("password echoed in the response")
	}

	rr = e.do(t, http.MethodPost, "/api/auth/macos/login", "", body)
	if rr.Code != http.StatusOK {
		t.Fatalf("login = %d %s", rr.Code, rr.Body.String())
	}
	refresh := decodeBody(t, rr)["refreshToken"].(string)

	rr = e.do(t, http.MethodPost, "/api/auth/macos/refresh", "", map[string]string{"refreshToken": refresh})
	if rr.Code != http.StatusOK {
		t.Fatalf("refresh = %d %s", rr.Code, rr.Body.String())
	}

	// The consumed token is now poison.
	rr = e.do(t, http.MethodPost, "/api/auth/macos/refresh", "", map[string]string{"refreshToken": refresh})
	if rr.Code != http.StatusUnauthorized || decodeBody(t, rr)["error"] != "token_revoked" {
		t.Errorf("replay = %d %s", rr.Code, rr.Body.String())
	}
}

func TestDeviceFlowOverHTTP(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	approver := e.seedUser(t, "approver", relay.PlanPro, relay.RoleUser)

	rr := e.do(t, http.MethodPost, "/api/auth/device/code", "", map[string]string{
		"deviceId": "d9", "deviceName": "MacBook", "platform": "darwin",
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("device code = %d %s", rr.Code, rr.Body.String())
	}
	out := decodeBody(t, rr)
	deviceCode := out["deviceCode"].(string)
	userCode := out["userCode"].(string)
	if out["verificationUri"] != "https://account.test/activate" || out["interval"] == nil {
		t.Errorf("grant = %v", out)
	}

	rr = e.do(t, http.MethodPost, "/api/auth/device/poll", "", map[string]string{"deviceCode": deviceCode})
	if got := decodeBody(t, rr)["status"]; got != "authorization_pending" {
		t.Errorf("status = %v", got)
	}

	// Approval requires a bearer.
	rr = e.do(t, http.MethodPost, "/api/auth/device/approve", "", map[string]string{"userCode": userCode})
	if rr.Code != http.StatusUnauthorized {
		t.Errorf("unauthenticated approve = %d", rr.Code)
	}
	rr = e.do(t, http.MethodPost, "/api/auth/device/approve", approver, map[string]string{"userCode": userCode})
	if rr.Code != http.StatusOK {
		t.Fatalf("approve = %d %s", rr.Code, rr.Body.String())
	}

	time.Sleep(2 * time.Millisecond)
	rr = e.do(t, http.MethodPost, "/api/auth/device/poll", "", map[string]string{"deviceCode": deviceCode})
	if rr.Code != http.StatusOK {
		t.Fatalf("final poll = %d %s", rr.Code, rr.Body.String())
	}
	session := decodeBody(t, rr)
	if tok, _ := session["accessToken"].(string); tok == "" {
		t.Errorf("session = %v", session)
	}
	if tok, _ := session["refreshToken"].(string); tok == "" {
		t.Errorf("session = %v", session)
	}
}

func TestLicenseValidate(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	token := e.seedUser(t, "u1", relay.PlanFree, relay.RoleUser)
	e.store.Usage = append(e.store.Usage,
		relay.UsageRecord{UserID: "u1", Action: relay.ActionAIRequest, CreatedAt: time.Now()},
		relay.UsageRecord{UserID: "u1", Action: relay.ActionTranscription, CreatedAt: time.Now()},
	)

	rr := e.do(t, http.MethodPost, "/api/license/validate", token, map[string]string{})
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d %s", rr.Code, rr.Body.String())
	}
	out := decodeBody(t, rr)
	if out["valid"] != true {
		t.Errorf("valid = %v", out["valid"])
	}
	usage := out["usage"].(map[string]any)
	if usage["requestsToday"] != float64(1) {
		t.Errorf("requestsToday = %v, transcription rows must not count", usage["requestsToday"])
	}
}

func TestBlockedUserRejectedEverywhere(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	token := e.seedUser(t, "b1", relay.PlanFree, relay.RoleBlocked)

	rr := e.do(t, http.MethodPost, "/api/license/validate", token, map[string]string{})
	if rr.Code != http.StatusForbidden || decodeBody(t, rr)["error"] != "account_blocked" {
		t.Errorf("got %d %s", rr.Code, rr.Body.String())
	}
}

func TestStreamSSE(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	token := e.seedUser(t, "u1", relay.PlanFree, relay.RoleUser)

	rr := e.do(t, http.MethodPost, "/api/proxy/ai/stream", token, map[string]any{
		"systemPrompt": "be brief",
		"userMessage":  "say hello",
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d %s", rr.Code, rr.Body.String())
	}
	if got := rr.Header().Get("Content-Type"); got != "text/event-stream" {
		t.Errorf("content type = %q", got)
	}
	if got := rr.Header().Get("X-Cascade-Mode"); got != relay.ModeStandard {
		t.Errorf("cascade mode = %q", got)
	}

	body := rr.Body.String()
	if !strings.Contains(body, `data: {"content":"Hel"}`) || !strings.Contains(body, `data: {"content":"lo"}`) {
		t.Errorf("body = %q", body)
	}
	if !strings.HasSuffix(body, "data: [DONE]\n\n") {
		t.Errorf("body does not end with the terminator: %q", body)
	}

	if got := e.usage.actions(); len(got) != 1 || got[0] != relay.ActionAIRequest {
		t.Errorf("usage actions = %v", got)
	}
}

func TestStreamValidation(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	token := e.seedUser(t, "u1", relay.PlanFree, relay.RoleUser)

	rr := e.do(t, http.MethodPost, "/api/proxy/ai/stream", token, map[string]any{"systemPrompt": "x"})
	if rr.Code != http.StatusBadRequest || decodeBody(t, rr)["error"] != "invalid_request" {
		t.Errorf("missing userMessage: %d %s", rr.Code, rr.Body.String())
	}

	// Free plan has no smart mode; the rejection is plain JSON, not SSE.
	rr = e.do(t, http.MethodPost, "/api/proxy/ai/stream", token, map[string]any{
		"userMessage": "hi", "smartMode": true,
	})
	if rr.Code != http.StatusForbidden || decodeBody(t, rr)["error"] != "smart_mode_not_available" {
		t.Errorf("smart gate: %d %s", rr.Code, rr.Body.String())
	}
	if got := rr.Header().Get("Content-Type"); got != "application/json" {
		t.Errorf("content type = %q", got)
	}
}

func TestGenerate(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	token := e.seedUser(t, "u1", relay.PlanFree, relay.RoleUser)

	rr := e.do(t, http.MethodPost, "/api/proxy/ai/generate", token, map[string]any{
		"userMessage": "say hello",
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d %s", rr.Code, rr.Body.String())
	}
	out := decodeBody(t, rr)
	if out["content"] != "Hello" || out["provider"] != relay.ProviderOpenAI || out["model"] != "gpt-4o-mini" {
		t.Errorf("result = %v", out)
	}
	if got := e.usage.actions(); len(got) != 1 || got[0] != relay.ActionAIRequest {
		t.Errorf("usage actions = %v", got)
	}
}

func TestTranscriptionToken(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	token := e.seedUser(t, "u1", relay.PlanFree, relay.RoleUser)

	rr := e.do(t, http.MethodPost, "/api/proxy/transcription/token", token, map[string]string{})
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d %s", rr.Code, rr.Body.String())
	}
	out := decodeBody(t, rr)
	if out["provider"] != relay.ProviderDeepgram || out["token"] != "dg-temp" {
		t.Errorf("token = %v", out)
	}
	if strings.Contains(rr.Body.String(), "dg-admin") {
		t.Error("admin key leaked to the client")
	}
	if got := e.usage.actions(); len(got) != 1 || got[0] != relay.ActionTranscription {
		t.Errorf("usage actions = %v", got)
	}
}

func TestAdminSurface(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	userToken := e.seedUser(t, "u1", relay.PlanFree, relay.RoleUser)
	adminToken := e.seedUser(t, "root", relay.PlanPro, relay.RoleAdmin)

	if rr := e.do(t, http.MethodGet, "/api/admin/keys", userToken, nil); rr.Code != http.StatusUnauthorized {
		t.Errorf("non-admin list = %d", rr.Code)
	}

	rr := e.do(t, http.MethodPost, "/api/admin/keys", adminToken, map[string]string{
		"provider": relay.ProviderAnthropic, "key": "sk-ant-secret",
	})
	if rr.Code != http.StatusCreated {
		t.Fatalf("upsert = %d %s", rr.Code, rr.Body.String())
	}
	if strings.Contains(rr.Body.String(), "sk-ant-secret") {
		t.Error("plaintext key echoed back")
	}
	created := decodeBody(t, rr)
	keyID := created["id"].(string)

	rr = e.do(t, http.MethodGet, "/api/admin/keys", adminToken, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("list = %d", rr.Code)
	}
	if body := rr.Body.String(); strings.Contains(body, "sk-ant-secret") || strings.Contains(body, "sk-upstream") {
		t.Error("key material leaked from the list endpoint")
	}

	rr = e.do(t, http.MethodDelete, "/api/admin/keys/"+keyID, adminToken, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("deactivate = %d %s", rr.Code, rr.Body.String())
	}
	if e.store.AdminKeys[keyID].IsActive {
		t.Error("key still active after deactivation")
	}
}

func TestPreflight(t *testing.T) {
	t.Parallel()
	e := newEnv(t)

	req := httptest.NewRequest(http.MethodOptions, "/api/proxy/ai/stream", nil)
	req.Header.Set("Origin", "https://app.veylan.test")
	rr := httptest.NewRecorder()
	e.handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusNoContent {
		t.Errorf("status = %d", rr.Code)
	}
	if got := rr.Header().Get("Access-Control-Allow-Origin"); got != "https://app.veylan.test" {
		t.Errorf("allow-origin = %q", got)
	}
}
