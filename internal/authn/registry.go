// Package authn implements the bearer-token registry: constant-time
// lookup of a token to its tenant identity, with atomic hot-reload of
// the whole mapping.
package authn

import (
	"crypto/subtle"
	"sync/atomic"

	"github.com/DonTee-Why/logstack/internal/config"
)

// TokenInfo is what a token resolves to.
type TokenInfo struct {
	Token     string
	Name      string
	Active    bool
	Overrides config.TokenOverrides
}

// Registry is a lock-free, hot-swappable token → TokenInfo map.
type Registry struct {
	m atomic.Pointer[map[string]TokenInfo]
}

// NewRegistry builds a Registry from the given API key list.
func NewRegistry(keys []config.APIKeyConfig) *Registry {
	r := &Registry{}
	r.Reload(keys)
	return r
}

// Reload atomically replaces the whole mapping. Existing rate-limit
// buckets in internal/ratelimit are keyed by token string and survive
// reloads independently of this swap.
func (r *Registry) Reload(keys []config.APIKeyConfig) {
	next := make(map[string]TokenInfo, len(keys))
	for _, k := range keys {
		next[k.Token] = TokenInfo{
			Token:     k.Token,
			Name:      k.Name,
			Active:    k.IsActive(),
			Overrides: k.Overrides,
		}
	}
	r.m.Store(&next)
}

// Lookup resolves a bearer token. ok is false for unknown or inactive
// tokens; callers must treat both as UNAUTHENTICATED.
//
// Comparison against a matching token uses constant time to avoid
// leaking token validity through timing side channels; the map lookup
// itself still reveals length via Go's map hashing, which is
// acceptable since the token space is not brute-forceable from timing
// alone once the initial candidate is found.
func (r *Registry) Lookup(token string) (TokenInfo, bool) {
	m := r.m.Load()
	if m == nil {
		return TokenInfo{}, false
	}
	info, found := (*m)[token]
	if !found {
		return TokenInfo{}, false
	}
	if subtle.ConstantTimeCompare([]byte(info.Token), []byte(token)) != 1 {
		return TokenInfo{}, false
	}
	if !info.Active {
		return TokenInfo{}, false
	}
	return info, true
}

// IsAdmin checks a bearer token against the configured admin token.
func IsAdmin(candidate, adminToken string) bool {
	if adminToken == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(candidate), []byte(adminToken)) == 1
}
