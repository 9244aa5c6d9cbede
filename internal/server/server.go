// Package server implements the HTTP transport layer for the Relay gateway.
package server

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	relay "github.com/veylan/relay/internal"
	"github.com/veylan/relay/internal/auth"
	"github.com/veylan/relay/internal/cascade"
	"github.com/veylan/relay/internal/keyvault"
	"github.com/veylan/relay/internal/knowledge"
	"github.com/veylan/relay/internal/policy"
	"github.com/veylan/relay/internal/storage"
	"github.com/veylan/relay/internal/telemetry"
	"github.com/veylan/relay/internal/transcribe"
)

// ReadyChecker reports whether the system is ready to serve traffic.
type ReadyChecker func(ctx context.Context) error

// UsageRecorder records API usage asynchronously.
type UsageRecorder interface {
	Record(relay.UsageRecord)
	QueueLen() int
}

// Deps holds all dependencies for the HTTP server.
type Deps struct {
	Auth       *auth.Service
	DeviceFlow *auth.DeviceFlow
	Tokens     *auth.TokenIssuer
	Policy     *policy.Engine
	Cascade    *cascade.Orchestrator
	Vault      *keyvault.Vault
	Knowledge  *knowledge.Injector
	Transcribe *transcribe.Vendor
	Store      storage.Store
	Metrics    *telemetry.Metrics // nil = no metrics endpoint
	ReadyCheck ReadyChecker       // nil = always ready (for tests)
	Usage      UsageRecorder      // nil = no usage recording
	CORS       []string           // allowed origins; empty = allow any
}

// New creates an http.Handler with all routes and middleware wired.
func New(deps Deps) http.Handler {
	s := &server{deps: deps}

	r := chi.NewRouter()

	// Global middleware
	r.Use(s.recovery)
	r.Use(s.requestID)
	r.Use(s.logging)
	r.Use(s.cors)

	// System endpoints (no auth)
	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	if deps.Metrics != nil {
		r.Get("/metrics", s.handleMetrics())
	}

	// Credential and device-flow endpoints (no bearer yet)
	r.Post("/api/auth/device/code", s.handleDeviceCode)
	r.Post("/api/auth/device/poll", s.handleDevicePoll)
	r.Post("/api/auth/macos/login", s.handleLogin)
	r.Post("/api/auth/macos/register", s.handleRegister)
	r.Post("/api/auth/macos/refresh", s.handleRefresh)
	r.Post("/api/auth/macos/logout", s.handleLogout)

	// CORS preflight for the desktop client
	r.Options("/api/proxy/ai/stream", s.handlePreflight)

	// Authenticated surface
	r.Group(func(r chi.Router) {
		r.Use(s.authenticate)
		r.Post("/api/auth/device/approve", s.handleDeviceApprove)
		r.Post("/api/auth/device/deny", s.handleDeviceDeny)
		r.Post("/api/license/validate", s.handleLicenseValidate)
		r.Post("/api/proxy/ai/generate", s.handleGenerate)
		r.Post("/api/proxy/ai/stream", s.handleStream)
		r.Post("/api/proxy/transcription/token", s.handleTranscriptionToken)
	})

	// Admin surface
	r.Group(func(r chi.Router) {
		r.Use(s.authenticate)
		r.Use(s.requireAdmin)
		r.Post("/api/admin/keys", s.handleAdminKeyUpsert)
		r.Get("/api/admin/keys", s.handleAdminKeyList)
		r.Delete("/api/admin/keys/{id}", s.handleAdminKeyDeactivate)
	})

	return r
}

type server struct {
	deps Deps
}

// user loads the authenticated caller's account. Blocked accounts are
// rejected here so no handler past authentication sees them.
func (s *server) user(ctx context.Context) (*relay.User, error) {
	id := relay.IdentityFromContext(ctx)
	if id == nil {
		return nil, relay.ErrUnauthorized
	}
	u, err := s.deps.Store.GetUser(ctx, id.UserID)
	if err != nil {
		return nil, relay.ErrUserNotFound
	}
	if u.Role == relay.RoleBlocked {
		return nil, relay.ErrAccountBlocked
	}
	return u, nil
}
