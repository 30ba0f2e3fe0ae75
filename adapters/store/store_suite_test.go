package store

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/layer-3/notary/core"
	"github.com/layer-3/notary/ports"
)

type fullStore interface {
	ports.NonceStore
	ports.IdentityStore
	ports.DocumentStore
	ports.TokenStore
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 10, 15, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

const (
	alice = "0x1111111111111111111111111111111111111111"
	bob   = "0x2222222222222222222222222222222222222222"
	fp1   = "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	fp2   = "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"
)

// runStoreSuite exercises behaviour every store implementation shares
func runStoreSuite(t *testing.T, newStore func(t *testing.T, clock *testClock) fullStore) {
	ctx := context.Background()

	t.Run("claim consumes once", func(t *testing.T) {
		clock := newTestClock()
		s := newStore(t, clock)

		c, err := s.Issue(ctx, alice, 5*time.Minute)
		require.NoError(t, err)
		assert.Len(t, c.Value, NonceBytes*2)
		assert.Equal(t, alice, c.SubjectAddress)
		assert.False(t, c.Consumed)

		claimed, err := s.Claim(ctx, c.Value)
		require.NoError(t, err)
		assert.True(t, claimed.Consumed)
		assert.Equal(t, alice, claimed.SubjectAddress)
		assert.True(t, c.ExpiresAt.Equal(claimed.ExpiresAt))

		_, err = s.Claim(ctx, c.Value)
		assert.ErrorIs(t, err, core.ErrNonceAlreadyUsed)
	})

	t.Run("claim unknown", func(t *testing.T) {
		s := newStore(t, newTestClock())
		_, err := s.Claim(ctx, "deadbeef")
		assert.ErrorIs(t, err, core.ErrNonceNotFound)
	})

	t.Run("claim at expiry fails", func(t *testing.T) {
		clock := newTestClock()
		s := newStore(t, clock)

		c, err := s.Issue(ctx, "", time.Minute)
		require.NoError(t, err)

		clock.Advance(time.Minute)
		_, err = s.Claim(ctx, c.Value)
		assert.ErrorIs(t, err, core.ErrNonceExpired)
	})

	t.Run("concurrent claims admit exactly one", func(t *testing.T) {
		s := newStore(t, newTestClock())
		c, err := s.Issue(ctx, "", time.Minute)
		require.NoError(t, err)

		var wins, used atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < 16; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := s.Claim(ctx, c.Value)
				switch {
				case err == nil:
					wins.Add(1)
				case assert.ErrorIs(t, err, core.ErrNonceAlreadyUsed):
					used.Add(1)
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, int32(1), wins.Load())
		assert.Equal(t, int32(15), used.Load())
	})

	t.Run("sweep removes expired only", func(t *testing.T) {
		clock := newTestClock()
		s := newStore(t, clock)

		short, err := s.Issue(ctx, "", time.Minute)
		require.NoError(t, err)
		long, err := s.Issue(ctx, "", time.Hour)
		require.NoError(t, err)

		clock.Advance(2 * time.Minute)
		removed, err := s.Sweep(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, removed)

		_, err = s.Claim(ctx, short.Value)
		assert.ErrorIs(t, err, core.ErrNonceNotFound)
		_, err = s.Claim(ctx, long.Value)
		assert.NoError(t, err)
	})

	t.Run("sweep spans several batches", func(t *testing.T) {
		clock := newTestClock()
		s := newStore(t, clock)

		for i := 0; i < 600; i++ {
			_, err := s.Issue(ctx, "", time.Minute)
			require.NoError(t, err)
		}
		live, err := s.Issue(ctx, "", time.Hour)
		require.NoError(t, err)

		clock.Advance(2 * time.Minute)
		removed, err := s.Sweep(ctx)
		require.NoError(t, err)
		assert.Equal(t, 600, removed)
		_, err = s.Claim(ctx, live.Value)
		assert.NoError(t, err)
	})

	t.Run("token invalidation lapses with the token", func(t *testing.T) {
		clock := newTestClock()
		s := newStore(t, clock)

		revoked, err := s.IsTokenInvalidated(ctx, "jti-1")
		require.NoError(t, err)
		assert.False(t, revoked)

		require.NoError(t, s.InvalidateToken(ctx, "jti-1", time.Hour))
		revoked, err = s.IsTokenInvalidated(ctx, "jti-1")
		require.NoError(t, err)
		assert.True(t, revoked)

		revoked, err = s.IsTokenInvalidated(ctx, "jti-2")
		require.NoError(t, err)
		assert.False(t, revoked, "other sessions are untouched")

		clock.Advance(time.Hour)
		revoked, err = s.IsTokenInvalidated(ctx, "jti-1")
		require.NoError(t, err)
		assert.False(t, revoked)

		_, err = s.Sweep(ctx)
		require.NoError(t, err)
	})

	t.Run("identity upsert", func(t *testing.T) {
		clock := newTestClock()
		s := newStore(t, clock)

		first, err := s.UpsertOnLogin(ctx, &core.Identity{Address: alice, LastAuthenticatedAt: clock.Now()})
		require.NoError(t, err)
		assert.NotEmpty(t, first.ID)
		assert.Equal(t, core.RoleIndividual, first.Role)
		assert.Equal(t, core.IdentityActive, first.Status)

		_, err = s.SetRole(ctx, alice, core.RoleInstitute)
		require.NoError(t, err)

		clock.Advance(time.Hour)
		second, err := s.UpsertOnLogin(ctx, &core.Identity{
			Address:             alice,
			DisplayName:         "alice.eth",
			LastAuthenticatedAt: clock.Now(),
		})
		require.NoError(t, err)
		assert.Equal(t, first.ID, second.ID)
		assert.Equal(t, core.RoleInstitute, second.Role, "login never resets an assigned role")
		assert.Equal(t, "alice.eth", second.DisplayName)
		assert.True(t, second.LastAuthenticatedAt.Equal(clock.Now()))
		assert.True(t, second.CreatedAt.Equal(first.CreatedAt))

		third, err := s.UpsertOnLogin(ctx, &core.Identity{Address: alice, LastAuthenticatedAt: clock.Now()})
		require.NoError(t, err)
		assert.Equal(t, "alice.eth", third.DisplayName)
	})

	t.Run("identity touch is monotonic", func(t *testing.T) {
		clock := newTestClock()
		s := newStore(t, clock)
		start := clock.Now()

		_, err := s.UpsertOnLogin(ctx, &core.Identity{Address: alice, LastAuthenticatedAt: start})
		require.NoError(t, err)

		require.NoError(t, s.TouchIdentity(ctx, alice, start.Add(time.Minute)))
		require.NoError(t, s.TouchIdentity(ctx, alice, start))

		got, err := s.GetIdentity(ctx, alice)
		require.NoError(t, err)
		assert.True(t, got.LastAuthenticatedAt.Equal(start.Add(time.Minute)))

		assert.ErrorIs(t, s.TouchIdentity(ctx, bob, start), core.ErrIdentityNotFound)
		_, err = s.GetIdentity(ctx, bob)
		assert.ErrorIs(t, err, core.ErrIdentityNotFound)
		_, err = s.SetRole(ctx, bob, core.RoleAdmin)
		assert.ErrorIs(t, err, core.ErrIdentityNotFound)
	})

	t.Run("document uniqueness per owner", func(t *testing.T) {
		clock := newTestClock()
		s := newStore(t, clock)

		require.NoError(t, s.CreateDocument(ctx, newRecord("d1", alice, fp1, clock.Now())))
		err := s.CreateDocument(ctx, newRecord("d2", alice, fp1, clock.Now()))
		assert.ErrorIs(t, err, core.ErrDuplicateFingerprint)

		require.NoError(t, s.CreateDocument(ctx, newRecord("d3", bob, fp1, clock.Now())))
	})

	t.Run("concurrent registrations admit exactly one", func(t *testing.T) {
		clock := newTestClock()
		s := newStore(t, clock)

		var wins, dups atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				err := s.CreateDocument(ctx, newRecord(string(rune('a'+i)), alice, fp2, clock.Now()))
				switch {
				case err == nil:
					wins.Add(1)
				case assert.ErrorIs(t, err, core.ErrDuplicateFingerprint):
					dups.Add(1)
				}
			}(i)
		}
		wg.Wait()
		assert.Equal(t, int32(1), wins.Load())
		assert.Equal(t, int32(7), dups.Load())
	})

	t.Run("document transitions", func(t *testing.T) {
		clock := newTestClock()
		s := newStore(t, clock)

		require.NoError(t, s.CreateDocument(ctx, newRecord("d1", alice, fp1, clock.Now())))

		verified, err := s.MarkDocumentVerified(ctx, alice, fp1, bob, clock.Now())
		require.NoError(t, err)
		assert.Equal(t, core.DocumentVerified, verified.Status)
		assert.Equal(t, bob, verified.VerifiedBy)
		require.NotNil(t, verified.VerifiedAt)

		_, err = s.MarkDocumentVerified(ctx, alice, fp1, bob, clock.Now())
		assert.ErrorIs(t, err, core.ErrAlreadyVerified)

		revoked, err := s.RevokeDocument(ctx, alice, fp1, clock.Now())
		require.NoError(t, err)
		assert.Equal(t, core.DocumentRevoked, revoked.Status)
		require.NotNil(t, revoked.RevokedAt)
		firstRevocation := *revoked.RevokedAt

		clock.Advance(time.Hour)
		again, err := s.RevokeDocument(ctx, alice, fp1, clock.Now())
		require.NoError(t, err)
		assert.True(t, again.RevokedAt.Equal(firstRevocation))

		_, err = s.MarkDocumentVerified(ctx, alice, fp1, bob, clock.Now())
		assert.ErrorIs(t, err, core.ErrInvalidTransition)

		_, err = s.MarkDocumentVerified(ctx, alice, fp2, bob, clock.Now())
		assert.ErrorIs(t, err, core.ErrDocumentNotFound)
		_, err = s.RevokeDocument(ctx, alice, fp2, clock.Now())
		assert.ErrorIs(t, err, core.ErrDocumentNotFound)
		_, err = s.GetDocument(ctx, alice, fp2)
		assert.ErrorIs(t, err, core.ErrDocumentNotFound)
	})

	t.Run("list newest first", func(t *testing.T) {
		clock := newTestClock()
		s := newStore(t, clock)

		require.NoError(t, s.CreateDocument(ctx, newRecord("d1", alice, fp1, clock.Now())))
		clock.Advance(time.Second)
		require.NoError(t, s.CreateDocument(ctx, newRecord("d2", alice, fp2, clock.Now())))
		require.NoError(t, s.CreateDocument(ctx, newRecord("d3", bob, fp1, clock.Now())))

		list, err := s.ListDocuments(ctx, alice)
		require.NoError(t, err)
		require.Len(t, list, 2)
		assert.Equal(t, fp2, list[0].Fingerprint)
		assert.Equal(t, fp1, list[1].Fingerprint)

		empty, err := s.ListDocuments(ctx, "0x3333333333333333333333333333333333333333")
		require.NoError(t, err)
		assert.Empty(t, empty)
	})
}

func newRecord(id, owner, fingerprint string, at time.Time) *core.DocumentRecord {
	return &core.DocumentRecord{
		ID:           id,
		OwnerAddress: owner,
		Fingerprint:  fingerprint,
		DisplayName:  "diploma.pdf",
		Status:       core.DocumentPending,
		RegisteredAt: at,
	}
}
