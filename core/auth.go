package core

import (
	"strings"
	"time"
)

// Role is the capability tier bound to an identity
type Role string

const (
	RoleIndividual Role = "Individual"
	RoleInstitute  Role = "Institute"
	RoleAdmin      Role = "Admin"
)

// ParseRole accepts a role name case-insensitively
func ParseRole(s string) (Role, error) {
	for _, r := range []Role{RoleIndividual, RoleInstitute, RoleAdmin} {
		if strings.EqualFold(s, string(r)) {
			return r, nil
		}
	}
	return "", ErrInvalidRole
}

// IdentityStatus is a soft lifecycle state; identities are never hard-deleted
type IdentityStatus string

const (
	IdentityActive    IdentityStatus = "active"
	IdentitySuspended IdentityStatus = "suspended"
)

// Identity represents a wallet address bound to a role
type Identity struct {
	ID                  string         // Subject identifier carried by session tokens
	Address             string         // Lowercase 0x-prefixed address, immutable
	Role                Role           // Assigned administratively, defaults to Individual
	DisplayName         string         // Optional, e.g. an ENS name
	Status              IdentityStatus // Soft state
	CreatedAt           time.Time
	LastAuthenticatedAt time.Time
}

// Challenge represents a single-use authentication nonce
type Challenge struct {
	Value          string    // Random token, hex encoded
	SubjectAddress string    // Optional address binding, lowercase
	IssuedAt       time.Time // When the challenge was created
	ExpiresAt      time.Time // When the challenge expires
	Consumed       bool      // Set exactly once by a successful claim
}

// Expired reports whether the challenge is no longer claimable at now
func (c Challenge) Expired(now time.Time) bool {
	return !now.Before(c.ExpiresAt)
}

// Session represents an authenticated user session
type Session struct {
	ID        string    // Unique token identifier (jti)
	SubjectID string    // Identity.ID
	Address   string    // Ethereum address of the user
	Role      Role      // Role at issuance time
	IssuedAt  time.Time // When the session was created
	ExpiresAt time.Time // Valid up to and including this instant
}

// Principal is the authenticated caller of a request
type Principal struct {
	SubjectID string
	Address   string
	Role      Role
	SessionID string
	ExpiresAt time.Time // When the underlying session stops being valid
}

// PrincipalFromSession projects a validated session into a request principal
func PrincipalFromSession(s *Session) *Principal {
	return &Principal{
		SubjectID: s.SubjectID,
		Address:   s.Address,
		Role:      s.Role,
		SessionID: s.ID,
		ExpiresAt: s.ExpiresAt,
	}
}
