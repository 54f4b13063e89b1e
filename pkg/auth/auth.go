// Package auth provides the user descriptor and permission checks consumed
// by the session manager and the tool registry. Token acquisition mechanics
// (OAuth, MFA) live outside this server; this package only validates
// credentials it is handed and answers permission questions.
package auth

import (
	"context"
	"fmt"
	"time"
)

// PermissionLevel orders permissions from none to admin. A caller satisfies
// a requirement when its level is at least the required minimum.
type PermissionLevel int

const (
	LevelNone PermissionLevel = iota
	LevelRead
	LevelWrite
	LevelAdmin
)

// String returns the level name.
func (l PermissionLevel) String() string {
	switch l {
	case LevelRead:
		return "read"
	case LevelWrite:
		return "write"
	case LevelAdmin:
		return "admin"
	default:
		return "none"
	}
}

// ParseLevel maps a level name to its PermissionLevel. Unknown names map to
// LevelNone.
func ParseLevel(s string) PermissionLevel {
	switch s {
	case "read":
		return LevelRead
	case "write":
		return LevelWrite
	case "admin":
		return LevelAdmin
	default:
		return LevelNone
	}
}

// UserInfo describes an authenticated caller.
type UserInfo struct {
	ID          string          `json:"id"`
	Username    string          `json:"username"`
	Permissions []string        `json:"permissions,omitempty"`
	Groups      []string        `json:"groups,omitempty"`
	Level       PermissionLevel `json:"level"`
	ExpiresAt   *time.Time      `json:"expiresAt,omitempty"`
}

// Requirement declares what a tool demands of its caller.
type Requirement struct {
	Required    bool            `json:"required"`
	Permissions []string        `json:"permissions,omitempty"`
	Groups      []string        `json:"groups,omitempty"`
	MinLevel    PermissionLevel `json:"minLevel,omitempty"`
}

// Authorize checks user against req. A nil req or a req with Required false
// always passes. The returned error names the first unmet condition; callers
// map it to the authorization-failed taxonomy code.
func Authorize(user *UserInfo, req *Requirement) error {
	if req == nil || !req.Required {
		return nil
	}
	if user == nil {
		return fmt.Errorf("authentication required")
	}
	if user.ExpiresAt != nil && user.ExpiresAt.Before(time.Now()) {
		return fmt.Errorf("user session expired")
	}
	for _, perm := range req.Permissions {
		if !contains(user.Permissions, perm) {
			return fmt.Errorf("missing permission %q", perm)
		}
	}
	if len(req.Groups) > 0 && !intersects(user.Groups, req.Groups) {
		return fmt.Errorf("not a member of any required group")
	}
	if user.Level < req.MinLevel {
		return fmt.Errorf("permission level %s below required %s", user.Level, req.MinLevel)
	}
	return nil
}

// CredentialValidator validates raw credentials supplied during session
// authentication.
type CredentialValidator interface {
	// Validate returns the authenticated user, or an error describing why
	// the credentials were rejected.
	Validate(ctx context.Context, credentials map[string]interface{}) (*UserInfo, error)

	// Type returns the validator kind (e.g. "token", "static").
	Type() string
}

func contains(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}

func intersects(a, b []string) bool {
	for _, s := range a {
		if contains(b, s) {
			return true
		}
	}
	return false
}
