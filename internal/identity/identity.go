// Package identity reads the current session identity and derives the
// activity namespace from it. The session itself is maintained by the auth
// layer; this package only reads it (and, for the CLI, stores it).
package identity

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/matthewbaird/recipehub/internal/kv"
	"github.com/matthewbaird/recipehub/internal/types"
)

// SessionKey is the storage key holding the current session JSON.
const SessionKey = "auth:session"

// Provider returns the current session identity, or nil when signed out.
type Provider interface {
	Current(ctx context.Context) (*types.Identity, error)
}

// ProviderFunc adapts a plain function to the Provider interface.
type ProviderFunc func(ctx context.Context) (*types.Identity, error)

func (f ProviderFunc) Current(ctx context.Context) (*types.Identity, error) {
	return f(ctx)
}

// Static always returns the same identity. A nil identity means signed out.
type Static struct {
	Identity *types.Identity
}

func (s Static) Current(context.Context) (*types.Identity, error) {
	if s.Identity == nil {
		return nil, nil
	}
	id := *s.Identity
	return &id, nil
}

// ResolveNamespace derives the namespace from p's current identity.
// ok is false when there is no identity, it is not authenticated, or it
// lacks an account id or provider. Provider errors count as "no identity".
func ResolveNamespace(ctx context.Context, p Provider) (types.Namespace, bool) {
	if p == nil {
		return types.Namespace{}, false
	}
	id, err := p.Current(ctx)
	if err != nil || id == nil || !id.Authenticated {
		return types.Namespace{}, false
	}
	ns := types.Namespace{AccountID: id.AccountID(), Provider: id.Provider}
	if !ns.Valid() {
		return types.Namespace{}, false
	}
	return ns, true
}

// SessionStore persists the session identity in a kv.Store.
type SessionStore struct {
	store kv.Store
}

// NewSessionStore creates a SessionStore over store.
func NewSessionStore(store kv.Store) *SessionStore {
	return &SessionStore{store: store}
}

var _ Provider = (*SessionStore)(nil)

// Current returns the stored identity. A missing or malformed session
// reads as signed out.
func (s *SessionStore) Current(context.Context) (*types.Identity, error) {
	raw, ok, err := s.store.Get(SessionKey)
	if err != nil {
		return nil, fmt.Errorf("reading session: %w", err)
	}
	if !ok || raw == "" || raw == "null" {
		return nil, nil
	}
	var id types.Identity
	if err := json.Unmarshal([]byte(raw), &id); err != nil {
		return nil, nil
	}
	return &id, nil
}

// Login stores id as the current session. The identity is marked
// authenticated.
func (s *SessionStore) Login(_ context.Context, id types.Identity) error {
	id.Authenticated = true
	b, err := json.Marshal(id)
	if err != nil {
		return fmt.Errorf("encoding session: %w", err)
	}
	if err := s.store.Set(SessionKey, string(b)); err != nil {
		return fmt.Errorf("writing session: %w", err)
	}
	return nil
}

// Logout clears the current session.
func (s *SessionStore) Logout(context.Context) error {
	if err := s.store.Remove(SessionKey); err != nil {
		return fmt.Errorf("clearing session: %w", err)
	}
	return nil
}
