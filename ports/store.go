package ports

import (
	"context"
	"time"

	"github.com/layer-3/notary/core"
)

// NonceStore issues and retires single-use challenges
type NonceStore interface {
	// Issue creates a fresh challenge, optionally bound to a lowercase address
	Issue(ctx context.Context, address string, ttl time.Duration) (*core.Challenge, error)
	// Claim atomically checks and consumes a challenge
	Claim(ctx context.Context, value string) (*core.Challenge, error)
	// Sweep removes challenges past their expiry and reports how many went
	Sweep(ctx context.Context) (int, error)
}

// IdentityStore persists wallet identities
type IdentityStore interface {
	// UpsertOnLogin creates the identity with the default role or refreshes
	// LastAuthenticatedAt (and DisplayName when non-empty) on an existing one.
	UpsertOnLogin(ctx context.Context, identity *core.Identity) (*core.Identity, error)
	GetIdentity(ctx context.Context, address string) (*core.Identity, error)
	TouchIdentity(ctx context.Context, address string, at time.Time) error
	SetRole(ctx context.Context, address string, role core.Role) (*core.Identity, error)
}

// DocumentStore persists document fingerprint records
type DocumentStore interface {
	// CreateDocument fails with core.ErrDuplicateFingerprint when the
	// (owner, fingerprint) pair exists; check and insert are one step.
	CreateDocument(ctx context.Context, record *core.DocumentRecord) error
	GetDocument(ctx context.Context, owner, fingerprint string) (*core.DocumentRecord, error)
	// MarkDocumentVerified transitions Pending to Verified in one conditional step
	MarkDocumentVerified(ctx context.Context, owner, fingerprint, verifier string, at time.Time) (*core.DocumentRecord, error)
	RevokeDocument(ctx context.Context, owner, fingerprint string, at time.Time) (*core.DocumentRecord, error)
	ListDocuments(ctx context.Context, owner string) ([]*core.DocumentRecord, error)
}
