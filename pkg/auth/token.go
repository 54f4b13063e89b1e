package auth

import (
	"context"
	"crypto/subtle"
	"fmt"
	"sync"
	"time"
)

// TokenValidator validates opaque bearer tokens against an in-memory table.
// It is the credential backend used when the server is configured to require
// session authentication; external identity providers can replace it behind
// the CredentialValidator interface.
type TokenValidator struct {
	mu     sync.RWMutex
	tokens map[string]*UserInfo
	ttl    time.Duration
}

// NewTokenValidator creates an empty validator. ttl bounds the lifetime of
// users returned from Validate; zero means no expiry.
func NewTokenValidator(ttl time.Duration) *TokenValidator {
	return &TokenValidator{
		tokens: make(map[string]*UserInfo),
		ttl:    ttl,
	}
}

// AddToken registers a token for a user. Registering an existing token
// replaces its user.
func (v *TokenValidator) AddToken(token string, user *UserInfo) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.tokens[token] = user
}

// RevokeToken removes a token. Revoking an unknown token is a no-op.
func (v *TokenValidator) RevokeToken(token string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.tokens, token)
}

// Validate implements CredentialValidator. Credentials must carry a "token"
// string. Comparison is constant time.
func (v *TokenValidator) Validate(_ context.Context, credentials map[string]interface{}) (*UserInfo, error) {
	raw, ok := credentials["token"]
	if !ok {
		return nil, fmt.Errorf("missing token credential")
	}
	token, ok := raw.(string)
	if !ok || token == "" {
		return nil, fmt.Errorf("token must be a non-empty string")
	}

	v.mu.RLock()
	defer v.mu.RUnlock()
	for candidate, user := range v.tokens {
		if len(candidate) == len(token) && subtle.ConstantTimeCompare([]byte(candidate), []byte(token)) == 1 {
			out := *user
			if v.ttl > 0 {
				expires := time.Now().Add(v.ttl)
				out.ExpiresAt = &expires
			}
			return &out, nil
		}
	}
	return nil, fmt.Errorf("unknown token")
}

// Type implements CredentialValidator.
func (v *TokenValidator) Type() string { return "token" }
