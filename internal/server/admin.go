package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	relay "github.com/veylan/relay/internal"
)

// adminKeyView is the safe projection of an AdminAPIKey. Neither the
// plaintext nor the ciphertext ever leaves the server.
type adminKeyView struct {
	ID         string     `json:"id"`
	Provider   string     `json:"provider"`
	IsActive   bool       `json:"is_active"`
	UsageCount int64      `json:"usage_count"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

func viewAdminKey(k *relay.AdminAPIKey) adminKeyView {
	return adminKeyView{
		ID:         k.ID,
		Provider:   k.Provider,
		IsActive:   k.IsActive,
		UsageCount: k.UsageCount,
		LastUsedAt: k.LastUsedAt,
		CreatedAt:  k.CreatedAt,
	}
}

// handleAdminKeyUpsert stores a new active key for a provider, replacing any
// previous active key, and drops the vault's cached plaintext.
func (s *server) handleAdminKeyUpsert(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Provider string `json:"provider"`
		Key      string `json:"key"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Provider == "" || req.Key == "" {
		writeError(w, relay.ErrInvalidRequest.WithMessage("provider and key are required"))
		return
	}

	encrypted, err := s.deps.Vault.Encrypt(req.Key)
	if err != nil {
		writeError(w, err)
		return
	}
	k := &relay.AdminAPIKey{
		ID:           uuid.Must(uuid.NewV7()).String(),
		Provider:     req.Provider,
		EncryptedKey: encrypted,
		IsActive:     true,
		CreatedAt:    time.Now(),
	}
	if err := s.deps.Store.UpsertAdminKey(r.Context(), k); err != nil {
		writeError(w, err)
		return
	}
	s.deps.Vault.Invalidate(req.Provider)
	writeJSON(w, http.StatusCreated, viewAdminKey(k))
}

func (s *server) handleAdminKeyList(w http.ResponseWriter, r *http.Request) {
	keys, err := s.deps.Store.ListAdminKeys(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	views := make([]adminKeyView, len(keys))
	for i, k := range keys {
		views[i] = viewAdminKey(k)
	}
	writeJSON(w, http.StatusOK, map[string]any{"keys": views})
}

func (s *server) handleAdminKeyDeactivate(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.deps.Store.DeactivateAdminKey(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	// The deactivated row's provider is unknown here without a lookup;
	// dropping every cached plaintext keeps revocation prompt.
	s.deps.Vault.Close()
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}
