// Package testutil provides in-memory fakes shared by package tests.
package testutil

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	relay "github.com/veylan/relay/internal"
)

// FakeStore is an in-memory storage.Store. All methods are safe for
// concurrent use; tests may inject errors via the Err* fields.
type FakeStore struct {
	mu sync.Mutex

	Users     map[string]*relay.User
	Bindings  map[string]*relay.DeviceBinding
	Grants    map[string]*relay.DeviceCodeGrant
	AdminKeys map[string]*relay.AdminAPIKey
	Usage     []relay.UsageRecord
	Atoms     map[string]*relay.KnowledgeAtom
	Sessions  map[string]*relay.SessionToken

	ErrCountActions error // forced failure for CountActionsSince
	ErrSearchAtoms  error // forced failure for SearchAtoms
}

// NewFakeStore returns an empty FakeStore.
func NewFakeStore() *FakeStore {
	return &FakeStore{
		Users:     make(map[string]*relay.User),
		Bindings:  make(map[string]*relay.DeviceBinding),
		Grants:    make(map[string]*relay.DeviceCodeGrant),
		AdminKeys: make(map[string]*relay.AdminAPIKey),
		Atoms:     make(map[string]*relay.KnowledgeAtom),
		Sessions:  make(map[string]*relay.SessionToken),
	}
}

// --- UserStore ---

func (s *FakeStore) CreateUser(_ context.Context, u *relay.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.Users {
		if existing.Email == u.Email {
			return relay.ErrEmailExists
		}
	}
	cp := *u
	s.Users[u.ID] = &cp
	return nil
}

func (s *FakeStore) GetUser(_ context.Context, id string) (*relay.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.Users[id]
	if !ok {
		return nil, relay.ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (s *FakeStore) GetUserByEmail(_ context.Context, email string) (*relay.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.Users {
		if u.Email == email {
			cp := *u
			return &cp, nil
		}
	}
	return nil, relay.ErrNotFound
}

// --- DeviceStore ---

func (s *FakeStore) CreateBinding(_ context.Context, b *relay.DeviceBinding) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *b
	s.Bindings[b.ID] = &cp
	return nil
}

func (s *FakeStore) GetBinding(_ context.Context, id string) (*relay.DeviceBinding, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.Bindings[id]
	if !ok {
		return nil, relay.ErrNotFound
	}
	cp := *b
	return &cp, nil
}

func (s *FakeStore) ListBindings(_ context.Context, userID string) ([]*relay.DeviceBinding, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*relay.DeviceBinding
	for _, b := range s.Bindings {
		if b.UserID == userID {
			cp := *b
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *FakeStore) CountBindings(_ context.Context, userID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, b := range s.Bindings {
		if b.UserID == userID {
			n++
		}
	}
	return n, nil
}

func (s *FakeStore) DeleteBinding(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.Bindings[id]; !ok {
		return relay.ErrNotFound
	}
	delete(s.Bindings, id)
	return nil
}

func (s *FakeStore) DeleteBindingsForUser(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, b := range s.Bindings {
		if b.UserID == userID {
			delete(s.Bindings, id)
		}
	}
	return nil
}

func (s *FakeStore) DeleteBindingsForDevice(_ context.Context, userID, deviceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, b := range s.Bindings {
		if b.UserID == userID && b.DeviceID == deviceID {
			delete(s.Bindings, id)
		}
	}
	return nil
}

func (s *FakeStore) DeleteOldestBinding(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var oldest *relay.DeviceBinding
	for _, b := range s.Bindings {
		if b.UserID != userID {
			continue
		}
		if oldest == nil || b.LastUsedAt.Before(oldest.LastUsedAt) {
			oldest = b
		}
	}
	if oldest != nil {
		delete(s.Bindings, oldest.ID)
	}
	return nil
}

func (s *FakeStore) RotateRefreshHash(_ context.Context, bindingID, oldHash, newHash string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.Bindings[bindingID]
	if !ok || b.RefreshHash != oldHash {
		return false, nil
	}
	b.RefreshHash = newHash
	b.LastUsedAt = time.Now()
	return true, nil
}

func (s *FakeStore) TouchBindingUsed(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.Bindings[id]; ok {
		b.LastUsedAt = time.Now()
	}
	return nil
}

// --- DeviceCodeStore ---

func (s *FakeStore) CreateGrant(_ context.Context, g *relay.DeviceCodeGrant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *g
	s.Grants[g.DeviceCode] = &cp
	return nil
}

func (s *FakeStore) GetGrant(_ context.Context, deviceCode string) (*relay.DeviceCodeGrant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.Grants[deviceCode]
	if !ok {
		return nil, relay.ErrNotFound
	}
	cp := *g
	return &cp, nil
}

func (s *FakeStore) GetGrantByUserCode(_ context.Context, userCode string) (*relay.DeviceCodeGrant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, g := range s.Grants {
		if g.UserCode == userCode {
			cp := *g
			return &cp, nil
		}
	}
	return nil, relay.ErrNotFound
}

func (s *FakeStore) PendingGrantForDevice(_ context.Context, deviceID string, now time.Time) (*relay.DeviceCodeGrant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, g := range s.Grants {
		if g.DeviceID == deviceID && g.Status == relay.GrantPending && !g.Expired(now) {
			cp := *g
			return &cp, nil
		}
	}
	return nil, relay.ErrNotFound
}

func (s *FakeStore) TransitionGrant(_ context.Context, deviceCode, from, to, userID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.Grants[deviceCode]
	if !ok || g.Status != from {
		return false, nil
	}
	g.Status = to
	if userID != "" {
		g.UserID = userID
	}
	return true, nil
}

func (s *FakeStore) ExpireStaleGrants(_ context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, g := range s.Grants {
		if g.Expired(now) && (g.Status == relay.GrantPending || g.Status == relay.GrantAuthorized) {
			g.Status = relay.GrantExpired
			n++
		}
	}
	return n, nil
}

func (s *FakeStore) UserCodeActive(_ context.Context, userCode string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, g := range s.Grants {
		if g.UserCode == userCode && g.Status == relay.GrantPending && !g.Expired(now) {
			return true, nil
		}
	}
	return false, nil
}

// --- AdminKeyStore ---

func (s *FakeStore) UpsertAdminKey(_ context.Context, k *relay.AdminAPIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.AdminKeys {
		if existing.Provider == k.Provider {
			existing.IsActive = false
		}
	}
	cp := *k
	s.AdminKeys[k.ID] = &cp
	return nil
}

func (s *FakeStore) GetActiveAdminKey(_ context.Context, provider string) (*relay.AdminAPIKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range s.AdminKeys {
		if k.Provider == provider && k.IsActive {
			cp := *k
			return &cp, nil
		}
	}
	return nil, relay.ErrNotFound
}

func (s *FakeStore) ListAdminKeys(_ context.Context) ([]*relay.AdminAPIKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*relay.AdminAPIKey
	for _, k := range s.AdminKeys {
		cp := *k
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Provider < out[j].Provider })
	return out, nil
}

func (s *FakeStore) DeactivateAdminKey(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.AdminKeys[id]
	if !ok {
		return relay.ErrNotFound
	}
	k.IsActive = false
	return nil
}

func (s *FakeStore) TouchAdminKeyUsed(_ context.Context, provider string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	for _, k := range s.AdminKeys {
		if k.Provider == provider && k.IsActive {
			k.UsageCount++
			k.LastUsedAt = &now
		}
	}
	return nil
}

// --- UsageStore ---

func (s *FakeStore) InsertUsage(_ context.Context, records []relay.UsageRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Usage = append(s.Usage, records...)
	return nil
}

func (s *FakeStore) CountActionsSince(_ context.Context, userID, action string, since time.Time) (int, error) {
	if s.ErrCountActions != nil {
		return 0, s.ErrCountActions
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, r := range s.Usage {
		if r.UserID == userID && r.Action == action && !r.CreatedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

func (s *FakeStore) DeleteUsageBefore(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.Usage[:0]
	var n int64
	for _, r := range s.Usage {
		if r.CreatedAt.Before(cutoff) {
			n++
			continue
		}
		kept = append(kept, r)
	}
	s.Usage = kept
	return n, nil
}

// --- KnowledgeStore ---

func (s *FakeStore) CreateAtom(_ context.Context, a *relay.KnowledgeAtom) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *a
	s.Atoms[a.ID] = &cp
	return nil
}

func (s *FakeStore) SearchAtoms(_ context.Context, userID, query string, limit int) ([]*relay.KnowledgeAtom, error) {
	if s.ErrSearchAtoms != nil {
		return nil, s.ErrSearchAtoms
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*relay.KnowledgeAtom
	for _, a := range s.Atoms {
		if a.UserID == userID && strings.Contains(strings.ToLower(query), strings.ToLower(firstWord(a.Content))) {
			cp := *a
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].HelpfulCount > out[j].HelpfulCount })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *FakeStore) BumpAtomUsage(_ context.Context, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		if a, ok := s.Atoms[id]; ok {
			a.UsageCount++
		}
	}
	return nil
}

// --- SessionTokenStore ---

func (s *FakeStore) CreateSessionToken(_ context.Context, t *relay.SessionToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *t
	s.Sessions[t.ID] = &cp
	return nil
}

func (s *FakeStore) DeleteExpiredSessionTokens(_ context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, t := range s.Sessions {
		if now.After(t.ExpiresAt) {
			delete(s.Sessions, id)
			n++
		}
	}
	return n, nil
}

// Close implements storage.Store.
func (s *FakeStore) Close() error { return nil }

// Ping reports ready.
func (s *FakeStore) Ping(context.Context) error { return nil }

func firstWord(text string) string {
	if i := strings.IndexByte(text, ' '); i > 0 {
		return text[:i]
	}
	return text
}
