package server

import (
	"net/http"
	"time"

	relay "github.com/veylan/relay/internal"
	"github.com/veylan/relay/internal/auth"
	"github.com/veylan/relay/internal/policy"
)

// credentialRequest is the body of login and register calls.
type credentialRequest struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Password string `json:"password"`
	auth.DeviceInfo
}

// sessionResponse is returned by login, register, and a successful poll.
type sessionResponse struct {
	User         *relay.User `json:"user"`
	AccessToken  string      `json:"accessToken"`
	RefreshToken string      `json:"refreshToken"`
	ExpiresIn    int         `json:"expiresIn"`
}

func newSessionResponse(u *relay.User, pair *relay.TokenPair) sessionResponse {
	return sessionResponse{
		User:         u,
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
		ExpiresIn:    pair.ExpiresIn,
	}
}

func (s *server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req credentialRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	u, pair, err := s.deps.Auth.Register(r.Context(), req.Name, req.Email, req.Password, req.DeviceInfo)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, newSessionResponse(u, pair))
}

func (s *server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req credentialRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	u, pair, err := s.deps.Auth.Login(r.Context(), req.Email, req.Password, req.DeviceInfo)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newSessionResponse(u, pair))
}

func (s *server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RefreshToken string `json:"refreshToken"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	pair, err := s.deps.Auth.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pair)
}

func (s *server) handleLogout(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RefreshToken string `json:"refreshToken"`
		AllDevices   bool   `json:"allDevices"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := s.deps.Auth.Logout(r.Context(), req.RefreshToken, req.AllDevices); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// --- Device-code flow ---

func (s *server) handleDeviceCode(w http.ResponseWriter, r *http.Request) {
	var req auth.DeviceInfo
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	g, err := s.deps.DeviceFlow.RequestCode(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"deviceCode":      g.DeviceCode,
		"userCode":        g.UserCode,
		"verificationUri": g.VerificationURI,
		"expiresIn":       int(time.Until(g.ExpiresAt).Seconds()),
		"interval":        g.Interval,
	})
}

func (s *server) handleDevicePoll(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DeviceCode string `json:"deviceCode"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.DeviceCode == "" {
		writeError(w, relay.ErrInvalidRequest.WithMessage("deviceCode is required"))
		return
	}
	res, err := s.deps.DeviceFlow.Poll(r.Context(), req.DeviceCode)
	if err != nil {
		writeError(w, err)
		return
	}
	if res.Tokens != nil {
		writeJSON(w, http.StatusOK, newSessionResponse(res.User, res.Tokens))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": res.Status})
}

func (s *server) handleDeviceApprove(w http.ResponseWriter, r *http.Request) {
	u, err := s.user(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	var req struct {
		UserCode string `json:"userCode"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := s.deps.DeviceFlow.Approve(r.Context(), req.UserCode, u.ID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *server) handleDeviceDeny(w http.ResponseWriter, r *http.Request) {
	if _, err := s.user(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	var req struct {
		UserCode string `json:"userCode"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := s.deps.DeviceFlow.Deny(r.Context(), req.UserCode); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// --- License ---

// handleLicenseValidate returns the caller's plan limits and today's usage.
func (s *server) handleLicenseValidate(w http.ResponseWriter, r *http.Request) {
	u, err := s.user(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	plan := s.deps.Auth.PlanFor(u)
	count, err := s.deps.Store.CountActionsSince(r.Context(), u.ID, relay.ActionAIRequest, policy.StartOfDay(time.Now()))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"valid": true,
		"plan":  plan,
		"usage": map[string]int{"requestsToday": count},
	})
}
