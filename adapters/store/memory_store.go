package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/layer-3/notary/core"
)

// sweepBatch bounds how many entries one sweep step removes while holding
// the lock
const sweepBatch = 256

// MemoryStore is an in-memory implementation of the nonce, identity,
// document and token stores. All state transitions happen under a single
// mutex, which makes claim and register indivisible.
type MemoryStore struct {
	mu          sync.Mutex
	challenges  map[string]*core.Challenge
	identities  map[string]*core.Identity
	documents   map[string]*core.DocumentRecord
	invalidated map[string]time.Time // token id -> when the entry can go
	now         func() time.Time
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		challenges:  make(map[string]*core.Challenge),
		identities:  make(map[string]*core.Identity),
		documents:   make(map[string]*core.DocumentRecord),
		invalidated: make(map[string]time.Time),
		now:         time.Now,
	}
}

// WithClock overrides the time source
func (s *MemoryStore) WithClock(now func() time.Time) *MemoryStore {
	s.now = now
	return s
}

// Issue stores a fresh challenge, regenerating on the (improbable) collision
// with a live value.
func (s *MemoryStore) Issue(ctx context.Context, address string, ttl time.Duration) (*core.Challenge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for {
		value, err := NewNonceValue()
		if err != nil {
			return nil, err
		}
		if _, exists := s.challenges[value]; exists {
			continue
		}
		now := s.now()
		c := &core.Challenge{
			Value:          value,
			SubjectAddress: address,
			IssuedAt:       now,
			ExpiresAt:      now.Add(ttl),
		}
		s.challenges[value] = c
		out := *c
		return &out, nil
	}
}

// Claim checks and consumes a challenge in one critical section
func (s *MemoryStore) Claim(ctx context.Context, value string) (*core.Challenge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.challenges[value]
	switch {
	case !ok:
		return nil, core.ErrNonceNotFound
	case c.Consumed:
		return nil, core.ErrNonceAlreadyUsed
	case c.Expired(s.now()):
		return nil, core.ErrNonceExpired
	}
	c.Consumed = true
	out := *c
	return &out, nil
}

// Sweep removes expired challenges and invalidation entries. It works in
// batches and releases the lock between them so claims are never queued
// behind a full scan.
func (s *MemoryStore) Sweep(ctx context.Context) (int, error) {
	removed := 0
	for {
		n, more := s.sweepStep()
		removed += n
		if !more {
			return removed, nil
		}
		if err := ctx.Err(); err != nil {
			return removed, err
		}
	}
}

// sweepStep removes at most sweepBatch expired entries and reports whether
// it stopped early
func (s *MemoryStore) sweepStep() (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	removed, budget := 0, sweepBatch
	for value, c := range s.challenges {
		if budget == 0 {
			return removed, true
		}
		if c.Expired(now) {
			delete(s.challenges, value)
			removed++
			budget--
		}
	}
	for id, until := range s.invalidated {
		if budget == 0 {
			return removed, true
		}
		if !now.Before(until) {
			delete(s.invalidated, id)
			budget--
		}
	}
	return removed, false
}

// InvalidateToken remembers tokenID for expiry
func (s *MemoryStore) InvalidateToken(ctx context.Context, tokenID string, expiry time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.invalidated[tokenID] = s.now().Add(expiry)
	return nil
}

// IsTokenInvalidated reports whether tokenID was invalidated and the entry
// has not lapsed
func (s *MemoryStore) IsTokenInvalidated(ctx context.Context, tokenID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	until, ok := s.invalidated[tokenID]
	return ok && s.now().Before(until), nil
}

// UpsertOnLogin creates or refreshes an identity
func (s *MemoryStore) UpsertOnLogin(ctx context.Context, identity *core.Identity) (*core.Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.identities[identity.Address]
	if !ok {
		created := *identity
		if created.ID == "" {
			created.ID = uuid.New().String()
		}
		created.Role = core.RoleIndividual
		created.Status = core.IdentityActive
		if created.CreatedAt.IsZero() {
			created.CreatedAt = identity.LastAuthenticatedAt
		}
		s.identities[created.Address] = &created
		out := created
		return &out, nil
	}

	existing.LastAuthenticatedAt = identity.LastAuthenticatedAt
	if identity.DisplayName != "" {
		existing.DisplayName = identity.DisplayName
	}
	out := *existing
	return &out, nil
}

// GetIdentity returns the identity for a lowercase address
func (s *MemoryStore) GetIdentity(ctx context.Context, address string) (*core.Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	identity, ok := s.identities[address]
	if !ok {
		return nil, core.ErrIdentityNotFound
	}
	out := *identity
	return &out, nil
}

// TouchIdentity advances LastAuthenticatedAt, never moving it backwards
func (s *MemoryStore) TouchIdentity(ctx context.Context, address string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	identity, ok := s.identities[address]
	if !ok {
		return core.ErrIdentityNotFound
	}
	if at.After(identity.LastAuthenticatedAt) {
		identity.LastAuthenticatedAt = at
	}
	return nil
}

// SetRole assigns a role administratively
func (s *MemoryStore) SetRole(ctx context.Context, address string, role core.Role) (*core.Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	identity, ok := s.identities[address]
	if !ok {
		return nil, core.ErrIdentityNotFound
	}
	identity.Role = role
	out := *identity
	return &out, nil
}

func documentKey(owner, fingerprint string) string {
	return owner + "/" + fingerprint
}

// CreateDocument inserts a record unless the owner already registered the fingerprint
func (s *MemoryStore) CreateDocument(ctx context.Context, record *core.DocumentRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := documentKey(record.OwnerAddress, record.Fingerprint)
	if _, exists := s.documents[key]; exists {
		return core.ErrDuplicateFingerprint
	}
	stored := cloneDocument(record)
	s.documents[key] = stored
	return nil
}

// GetDocument returns a record by owner and fingerprint
func (s *MemoryStore) GetDocument(ctx context.Context, owner, fingerprint string) (*core.DocumentRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.documents[documentKey(owner, fingerprint)]
	if !ok {
		return nil, core.ErrDocumentNotFound
	}
	return cloneDocument(record), nil
}

// MarkDocumentVerified moves a Pending record to Verified
func (s *MemoryStore) MarkDocumentVerified(ctx context.Context, owner, fingerprint, verifier string, at time.Time) (*core.DocumentRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.documents[documentKey(owner, fingerprint)]
	if !ok {
		return nil, core.ErrDocumentNotFound
	}
	switch record.Status {
	case core.DocumentPending:
	case core.DocumentVerified:
		return nil, core.ErrAlreadyVerified
	default:
		return nil, core.ErrInvalidTransition
	}
	record.Status = core.DocumentVerified
	record.VerifiedAt = &at
	record.VerifiedBy = verifier
	return cloneDocument(record), nil
}

// RevokeDocument moves any record to Revoked; revoking twice is a no-op
func (s *MemoryStore) RevokeDocument(ctx context.Context, owner, fingerprint string, at time.Time) (*core.DocumentRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.documents[documentKey(owner, fingerprint)]
	if !ok {
		return nil, core.ErrDocumentNotFound
	}
	if record.Status != core.DocumentRevoked {
		record.Status = core.DocumentRevoked
		record.RevokedAt = &at
	}
	return cloneDocument(record), nil
}

// ListDocuments returns an owner's records, newest first
func (s *MemoryStore) ListDocuments(ctx context.Context, owner string) ([]*core.DocumentRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*core.DocumentRecord
	for _, record := range s.documents {
		if record.OwnerAddress == owner {
			out = append(out, cloneDocument(record))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].RegisteredAt.After(out[j].RegisteredAt)
	})
	return out, nil
}

func cloneDocument(d *core.DocumentRecord) *core.DocumentRecord {
	out := *d
	out.VerifiedAt = cloneTime(d.VerifiedAt)
	out.ExpiresAt = cloneTime(d.ExpiresAt)
	out.RevokedAt = cloneTime(d.RevokedAt)
	return &out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
