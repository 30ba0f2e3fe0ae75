package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/layer-3/notary/adapters/store"
	"github.com/layer-3/notary/core"
	"github.com/layer-3/notary/internal/siwe"
	"github.com/layer-3/notary/ports"
)

func TestAuth_SignInCreatesIdentity(t *testing.T) {
	f := newAuthFixture(t)
	ctx := context.Background()
	w := newWallet(t)

	grant, err := f.auth.RequestNonce(ctx, w.checksummed())
	require.NoError(t, err)
	assert.Equal(t, w.address, grant.Challenge.SubjectAddress)

	msg, err := siwe.Decode(grant.Message)
	require.NoError(t, err)
	assert.Equal(t, grant.Challenge.Value, msg.Nonce)
	assert.Equal(t, testDomain, msg.Domain)

	result, err := f.auth.Verify(ctx, grant.Message, w.sign(t, grant.Message))
	require.NoError(t, err)
	assert.Equal(t, w.address, result.Identity.Address)
	assert.Equal(t, core.RoleIndividual, result.Identity.Role)
	assert.NotEmpty(t, result.Token)

	principal, err := f.auth.ValidateSession(ctx, result.Token)
	require.NoError(t, err)
	assert.Equal(t, w.address, principal.Address)
	assert.Equal(t, result.Identity.ID, principal.SubjectID)
	assert.Equal(t, core.RoleIndividual, principal.Role)

	assert.Equal(t, []string{ports.TopicIdentityAuthenticated}, f.events.topics())
}

func TestAuth_ReplayRejected(t *testing.T) {
	f := newAuthFixture(t)
	ctx := context.Background()
	w := newWallet(t)

	grant, err := f.auth.RequestNonce(ctx, w.address)
	require.NoError(t, err)
	sig := w.sign(t, grant.Message)

	_, err = f.auth.Verify(ctx, grant.Message, sig)
	require.NoError(t, err)

	_, err = f.auth.Verify(ctx, grant.Message, sig)
	assert.ErrorIs(t, err, core.ErrNonceAlreadyUsed)
	assert.Equal(t, core.KindAuthentication, core.KindOf(err))
}

func TestAuth_BadSignatureKeepsNonce(t *testing.T) {
	f := newAuthFixture(t)
	ctx := context.Background()
	w := newWallet(t)
	impostor := newWallet(t)

	grant, err := f.auth.RequestNonce(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, grant.Message)

	text := encode(t, f.message(w, grant.Challenge.Value))
	_, err = f.auth.Verify(ctx, text, impostor.sign(t, text))
	assert.ErrorIs(t, err, core.ErrSignatureMismatch)

	_, err = f.auth.Verify(ctx, text, w.sign(t, text))
	assert.NoError(t, err)
}

func TestAuth_NonceFailures(t *testing.T) {
	ctx := context.Background()

	t.Run("expired", func(t *testing.T) {
		f := newAuthFixture(t)
		w := newWallet(t)
		grant, err := f.auth.RequestNonce(ctx, "")
		require.NoError(t, err)

		f.clock.Advance(5 * time.Minute)
		text := encode(t, f.message(w, grant.Challenge.Value))
		_, err = f.auth.Verify(ctx, text, w.sign(t, text))
		assert.ErrorIs(t, err, core.ErrNonceExpired)
	})

	t.Run("unknown", func(t *testing.T) {
		f := newAuthFixture(t)
		w := newWallet(t)
		text := encode(t, f.message(w, "neverissued0000"))
		_, err := f.auth.Verify(ctx, text, w.sign(t, text))
		assert.ErrorIs(t, err, core.ErrNonceNotFound)
	})

	t.Run("bound to another address", func(t *testing.T) {
		f := newAuthFixture(t)
		w := newWallet(t)
		other := newWallet(t)
		grant, err := f.auth.RequestNonce(ctx, other.address)
		require.NoError(t, err)

		text := encode(t, f.message(w, grant.Challenge.Value))
		_, err = f.auth.Verify(ctx, text, w.sign(t, text))
		assert.ErrorIs(t, err, core.ErrNonceAddressBinding)
	})

	t.Run("prepared message expires with nonce", func(t *testing.T) {
		f := newAuthFixture(t)
		w := newWallet(t)
		grant, err := f.auth.RequestNonce(ctx, w.address)
		require.NoError(t, err)

		f.clock.Advance(6 * time.Minute)
		_, err = f.auth.Verify(ctx, grant.Message, w.sign(t, grant.Message))
		assert.ErrorIs(t, err, core.ErrMessageExpired)
	})

	t.Run("malformed", func(t *testing.T) {
		f := newAuthFixture(t)
		_, err := f.auth.Verify(ctx, "hello", "0x00")
		assert.ErrorIs(t, err, core.ErrMalformedChallenge)
		assert.Equal(t, core.KindValidation, core.KindOf(err))
	})

	t.Run("invalid address", func(t *testing.T) {
		f := newAuthFixture(t)
		_, err := f.auth.RequestNonce(ctx, "0xnothex")
		assert.ErrorIs(t, err, core.ErrInvalidAddress)
	})
}

func TestAuth_ConcurrentVerifyAdmitsOne(t *testing.T) {
	f := newAuthFixture(t)
	ctx := context.Background()
	w := newWallet(t)

	grant, err := f.auth.RequestNonce(ctx, w.address)
	require.NoError(t, err)
	sig := w.sign(t, grant.Message)

	var wins, used atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.auth.Verify(ctx, grant.Message, sig)
			switch {
			case err == nil:
				wins.Add(1)
			case errors.Is(err, core.ErrNonceAlreadyUsed):
				used.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
	assert.Equal(t, int32(9), used.Load())
}

func TestAuth_SessionTouchesIdentity(t *testing.T) {
	f := newAuthFixture(t)
	ctx := context.Background()
	w := newWallet(t)
	f.login(t, w)

	grant, err := f.auth.RequestNonce(ctx, w.address)
	require.NoError(t, err)
	result, err := f.auth.Verify(ctx, grant.Message, w.sign(t, grant.Message))
	require.NoError(t, err)

	f.clock.Advance(10 * time.Minute)
	_, err = f.auth.ValidateSession(ctx, result.Token)
	require.NoError(t, err)
	f.auth.Wait()

	identity, err := f.store.GetIdentity(ctx, w.address)
	require.NoError(t, err)
	assert.True(t, identity.LastAuthenticatedAt.Equal(f.clock.Now()))
}

func TestAuth_ValidateSessionRejects(t *testing.T) {
	f := newAuthFixture(t)
	ctx := context.Background()
	w := newWallet(t)

	grant, err := f.auth.RequestNonce(ctx, w.address)
	require.NoError(t, err)
	result, err := f.auth.Verify(ctx, grant.Message, w.sign(t, grant.Message))
	require.NoError(t, err)

	f.clock.Advance(time.Hour)
	_, err = f.auth.ValidateSession(ctx, result.Token)
	assert.NoError(t, err, "valid through expiry")

	f.clock.Advance(time.Second)
	_, err = f.auth.ValidateSession(ctx, result.Token)
	assert.ErrorIs(t, err, core.ErrTokenExpired)

	_, err = f.auth.ValidateSession(ctx, "garbage")
	assert.ErrorIs(t, err, core.ErrTokenMalformed)
}

func TestAuth_MeAndLogout(t *testing.T) {
	f := newAuthFixture(t)
	ctx := context.Background()
	w := newWallet(t)
	principal := f.login(t, w)

	identity, err := f.auth.Me(ctx, principal)
	require.NoError(t, err)
	assert.Equal(t, w.address, identity.Address)

	require.NoError(t, f.auth.Logout(ctx, principal))
	assert.Contains(t, f.events.topics(), ports.TopicLogout)

	_, err = f.auth.Me(ctx, nil)
	assert.ErrorIs(t, err, core.ErrUnauthenticated)
	assert.ErrorIs(t, f.auth.Logout(ctx, nil), core.ErrUnauthenticated)
}

func TestAuth_LogoutIgnoresPublishFailure(t *testing.T) {
	f := newAuthFixture(t)
	principal := f.login(t, newWallet(t))
	f.events.err = errors.New("broker down")

	assert.NoError(t, f.auth.Logout(context.Background(), principal))
}

func TestAuth_LogoutInvalidatesSession(t *testing.T) {
	f := newAuthFixture(t)
	ctx := context.Background()
	w := newWallet(t)

	signIn := func() *LoginResult {
		grant, err := f.auth.RequestNonce(ctx, w.address)
		require.NoError(t, err)
		result, err := f.auth.Verify(ctx, grant.Message, w.sign(t, grant.Message))
		require.NoError(t, err)
		return result
	}
	first, second := signIn(), signIn()

	principal, err := f.auth.ValidateSession(ctx, first.Token)
	require.NoError(t, err)
	assert.True(t, principal.ExpiresAt.Equal(first.Session.ExpiresAt))
	require.NoError(t, f.auth.Logout(ctx, principal))

	_, err = f.auth.ValidateSession(ctx, first.Token)
	assert.ErrorIs(t, err, core.ErrTokenRevoked)
	assert.Equal(t, core.KindAuthentication, core.KindOf(err))

	_, err = f.auth.ValidateSession(ctx, second.Token)
	assert.NoError(t, err, "other sessions of the same identity stay valid")
}

// failingTokenStore is a token store whose backend is unreachable
type failingTokenStore struct{}

func (failingTokenStore) InvalidateToken(context.Context, string, time.Duration) error {
	return core.ErrTransient
}

func (failingTokenStore) IsTokenInvalidated(context.Context, string) (bool, error) {
	return false, errors.New("connection refused")
}

func TestAuth_TokenStoreUnavailable(t *testing.T) {
	f := newAuthFixture(t)
	ctx := context.Background()
	w := newWallet(t)
	auth := NewAuthService(f.store, f.store, f.auth.sessions, failingTokenStore{}, f.verifier, f.events, zerolog.Nop(), AuthOptions{
		Domain: testDomain,
		URI:    "https://" + testDomain + "/auth/verify",
	}).WithClock(f.clock.Now)
	defer auth.Wait()

	grant, err := auth.RequestNonce(ctx, w.address)
	require.NoError(t, err)
	result, err := auth.Verify(ctx, grant.Message, w.sign(t, grant.Message))
	require.NoError(t, err)

	principal, err := auth.ValidateSession(ctx, result.Token)
	require.NoError(t, err, "a failed invalidation lookup does not lock the caller out")

	err = auth.Logout(ctx, principal)
	assert.ErrorIs(t, err, core.ErrTransient)
}

func TestAuth_SignInDisplayName(t *testing.T) {
	f := newAuthFixture(t)
	ctx := context.Background()
	w := newWallet(t)

	grant, err := f.auth.RequestNonce(ctx, w.address)
	require.NoError(t, err)
	result, err := f.auth.SignIn(ctx, SignInRequest{
		Message:     grant.Message,
		Signature:   w.sign(t, grant.Message),
		DisplayName: " alice.eth ",
	})
	require.NoError(t, err)
	assert.Equal(t, "alice.eth", result.Identity.DisplayName)

	f.login(t, w)
	identity, err := f.store.GetIdentity(ctx, w.address)
	require.NoError(t, err)
	assert.Equal(t, "alice.eth", identity.DisplayName, "a sign-in without a name keeps the stored one")

	grant, err = f.auth.RequestNonce(ctx, w.address)
	require.NoError(t, err)
	_, err = f.auth.SignIn(ctx, SignInRequest{
		Message:     grant.Message,
		Signature:   w.sign(t, grant.Message),
		DisplayName: strings.Repeat("x", MaxDisplayNameLength+1),
	})
	assert.ErrorIs(t, err, core.ErrInvalidRequest)
}

func TestAuth_SetRole(t *testing.T) {
	f := newAuthFixture(t)
	ctx := context.Background()
	adminWallet := newWallet(t)
	w := newWallet(t)

	f.login(t, adminWallet)
	_, err := f.store.SetRole(ctx, adminWallet.address, core.RoleAdmin)
	require.NoError(t, err)
	admin := f.login(t, adminWallet)
	require.Equal(t, core.RoleAdmin, admin.Role)

	individual := f.login(t, w)

	_, err = f.auth.SetRole(ctx, individual, w.address, "Admin")
	assert.ErrorIs(t, err, core.ErrForbidden)

	_, err = f.auth.SetRole(ctx, admin, w.address, "superuser")
	assert.ErrorIs(t, err, core.ErrInvalidRole)

	_, err = f.auth.SetRole(ctx, admin, newWallet(t).address, "institute")
	assert.ErrorIs(t, err, core.ErrIdentityNotFound)

	updated, err := f.auth.SetRole(ctx, admin, w.checksummed(), "institute")
	require.NoError(t, err)
	assert.Equal(t, core.RoleInstitute, updated.Role)

	again := f.login(t, w)
	assert.Equal(t, core.RoleInstitute, again.Role, "role survives re-authentication")
}

// flakyNonceStore fails its first calls with a transient error
type flakyNonceStore struct {
	*store.MemoryStore
	issueFailures atomic.Int32
	claimCalls    atomic.Int32
	claimDelay    time.Duration
}

func (s *flakyNonceStore) Issue(ctx context.Context, address string, ttl time.Duration) (*core.Challenge, error) {
	if s.issueFailures.Add(-1) >= 0 {
		return nil, core.ErrTransient
	}
	return s.MemoryStore.Issue(ctx, address, ttl)
}

func (s *flakyNonceStore) Claim(ctx context.Context, value string) (*core.Challenge, error) {
	s.claimCalls.Add(1)
	select {
	case <-time.After(s.claimDelay):
		return s.MemoryStore.Claim(ctx, value)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func TestAuth_TransientStore(t *testing.T) {
	ctx := context.Background()
	memStore := store.NewMemoryStore()
	nonces := &flakyNonceStore{MemoryStore: memStore, claimDelay: time.Second}
	f := newAuthFixture(t)
	auth := NewAuthService(nonces, memStore, f.auth.sessions, memStore, NewSignatureVerifier(testDomain, []int64{1}), &recordingPublisher{}, zerolog.Nop(), AuthOptions{
		Domain:       testDomain,
		URI:          "https://" + testDomain + "/auth/verify",
		StoreTimeout: 20 * time.Millisecond,
	})
	defer auth.Wait()

	t.Run("issue retried once", func(t *testing.T) {
		nonces.issueFailures.Store(1)
		_, err := auth.RequestNonce(ctx, "")
		assert.NoError(t, err)
	})

	t.Run("issue gives up after retry", func(t *testing.T) {
		nonces.issueFailures.Store(2)
		_, err := auth.RequestNonce(ctx, "")
		assert.ErrorIs(t, err, core.ErrTransient)
		assert.Equal(t, core.KindTransient, core.KindOf(err))
	})

	t.Run("claim bounded and not retried", func(t *testing.T) {
		nonces.issueFailures.Store(0)
		w := newWallet(t)
		grant, err := auth.RequestNonce(ctx, w.address)
		require.NoError(t, err)

		reqCtx, cancel := context.WithCancel(ctx)
		cancel()
		_, err = auth.Verify(reqCtx, grant.Message, w.sign(t, grant.Message))
		assert.ErrorIs(t, err, core.ErrTransient, "claim ignores request cancellation and hits the store timeout")
		assert.Equal(t, int32(1), nonces.claimCalls.Load())
	})
}
