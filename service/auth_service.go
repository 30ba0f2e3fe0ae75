package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/layer-3/notary/core"
	"github.com/layer-3/notary/internal/eth"
	"github.com/layer-3/notary/internal/metrics"
	"github.com/layer-3/notary/internal/siwe"
	"github.com/layer-3/notary/ports"
)

// DefaultNonceTTL is how long an issued challenge can be claimed
const DefaultNonceTTL = 5 * time.Minute

// DefaultStoreTimeout bounds every store call on the auth path
const DefaultStoreTimeout = 3 * time.Second

// MaxDisplayNameLength bounds the optional display name given at sign-in
const MaxDisplayNameLength = 64

// AuthOptions carries the tunables of AuthService
type AuthOptions struct {
	Domain       string
	URI          string
	ChainID      int64 // Chain suggested in prepared messages
	Statement    string
	NonceTTL     time.Duration
	StoreTimeout time.Duration
}

// NonceGrant is an issued challenge plus, when the caller named an address,
// a prepared message ready for the wallet to sign
type NonceGrant struct {
	Challenge *core.Challenge
	Message   string
}

// SignInRequest is a signed challenge message plus optional profile data
type SignInRequest struct {
	Message     string
	Signature   string
	DisplayName string // Optional, e.g. an ENS name; kept when empty
}

// LoginResult is the outcome of a successful sign-in
type LoginResult struct {
	Token    string
	Session  *core.Session
	Identity *core.Identity
}

// AuthService handles authentication business logic
type AuthService struct {
	nonces     ports.NonceStore
	identities ports.IdentityStore
	sessions   ports.SessionIssuer
	tokens     ports.TokenStore
	verifier   *SignatureVerifier
	eventPub   ports.EventPublisher
	logger     zerolog.Logger

	opts    AuthOptions
	now     func() time.Time
	touches sync.WaitGroup
}

// NewAuthService creates a new authentication service
func NewAuthService(
	nonces ports.NonceStore,
	identities ports.IdentityStore,
	sessions ports.SessionIssuer,
	tokens ports.TokenStore,
	verifier *SignatureVerifier,
	eventPub ports.EventPublisher,
	logger zerolog.Logger,
	opts AuthOptions,
) *AuthService {
	if opts.NonceTTL <= 0 {
		opts.NonceTTL = DefaultNonceTTL
	}
	if opts.StoreTimeout <= 0 {
		opts.StoreTimeout = DefaultStoreTimeout
	}
	if opts.ChainID == 0 {
		opts.ChainID = 1
	}
	return &AuthService{
		nonces:     nonces,
		identities: identities,
		sessions:   sessions,
		tokens:     tokens,
		verifier:   verifier,
		eventPub:   eventPub,
		logger:     logger.With().Str("component", "auth").Logger(),
		opts:       opts,
		now:        time.Now,
	}
}

// WithClock overrides the time source
func (s *AuthService) WithClock(now func() time.Time) *AuthService {
	s.now = now
	return s
}

// RequestNonce issues a challenge. A non-empty address binds the challenge
// to it and gets a prepared message back.
func (s *AuthService) RequestNonce(ctx context.Context, address string) (*NonceGrant, error) {
	if address != "" {
		normalized, err := eth.NormalizeAddress(address)
		if err != nil {
			return nil, err
		}
		address = normalized
	}

	challenge, err := retryOnce(ctx, s.opts.StoreTimeout, func(ctx context.Context) (*core.Challenge, error) {
		return s.nonces.Issue(ctx, address, s.opts.NonceTTL)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to issue challenge: %w", err)
	}
	metrics.NoncesIssuedTotal.Inc()

	grant := &NonceGrant{Challenge: challenge}
	if address != "" {
		expires := challenge.ExpiresAt.UTC()
		grant.Message, err = siwe.Encode(siwe.Message{
			Domain:         s.opts.Domain,
			Address:        address,
			Statement:      s.opts.Statement,
			URI:            s.opts.URI,
			Version:        siwe.Version,
			ChainID:        s.opts.ChainID,
			Nonce:          challenge.Value,
			IssuedAt:       challenge.IssuedAt.UTC(),
			ExpirationTime: &expires,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to prepare message: %w", err)
		}
	}
	return grant, nil
}

// Verify signs in with a signed message and no profile data
func (s *AuthService) Verify(ctx context.Context, message, signature string) (*LoginResult, error) {
	return s.SignIn(ctx, SignInRequest{Message: message, Signature: signature})
}

// SignIn runs the sign-in pipeline: decode, verify, claim the nonce, upsert
// the identity and issue a session. The nonce is claimed only after the
// signature checks out. Rejections are counted here and logged by the caller.
func (s *AuthService) SignIn(ctx context.Context, req SignInRequest) (*LoginResult, error) {
	result, err := s.signIn(ctx, req)
	if err != nil {
		metrics.AuthAttemptsTotal.WithLabelValues(failureReason(err)).Inc()
		return nil, err
	}
	metrics.AuthAttemptsTotal.WithLabelValues("success").Inc()
	return result, nil
}

func (s *AuthService) signIn(ctx context.Context, req SignInRequest) (*LoginResult, error) {
	displayName := strings.TrimSpace(req.DisplayName)
	if len(displayName) > MaxDisplayNameLength {
		return nil, fmt.Errorf("%w: display name longer than %d bytes", core.ErrInvalidRequest, MaxDisplayNameLength)
	}

	message, signature := req.Message, req.Signature
	msg, err := siwe.Decode(message)
	if err != nil {
		return nil, err
	}
	if err := s.verifier.VerifySigned(message, msg, signature); err != nil {
		return nil, err
	}
	address, err := eth.NormalizeAddress(msg.Address)
	if err != nil {
		return nil, err
	}

	// The claim must finish once started, so it ignores request cancellation
	claimCtx := context.WithoutCancel(ctx)
	challenge, err := bounded(claimCtx, s.opts.StoreTimeout, func(ctx context.Context) (*core.Challenge, error) {
		return s.nonces.Claim(ctx, msg.Nonce)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to claim nonce: %w", err)
	}
	if challenge.SubjectAddress != "" && !eth.SameAddress(challenge.SubjectAddress, address) {
		return nil, core.ErrNonceAddressBinding
	}

	identity, err := bounded(ctx, s.opts.StoreTimeout, func(ctx context.Context) (*core.Identity, error) {
		return s.identities.UpsertOnLogin(ctx, &core.Identity{
			Address:             address,
			DisplayName:         displayName,
			LastAuthenticatedAt: s.now(),
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to upsert identity: %w", err)
	}
	if identity.Status == core.IdentitySuspended {
		return nil, core.ErrIdentitySuspended
	}

	token, session, err := s.sessions.Issue(identity)
	if err != nil {
		return nil, fmt.Errorf("failed to issue session: %w", err)
	}

	s.publish(ctx, ports.TopicIdentityAuthenticated, address, IdentityAuthenticated{
		SubjectID: identity.ID,
		Address:   address,
		SessionID: session.ID,
		At:        session.IssuedAt,
	})
	s.logger.Info().Str("address", address).Str("session_id", session.ID).Msg("signed in")

	return &LoginResult{Token: token, Session: session, Identity: identity}, nil
}

// ValidateSession turns a bearer token into a principal and records the
// activity in the background. A token invalidated by Logout is rejected; when
// the invalidation lookup itself fails the token is accepted and the failure
// logged.
func (s *AuthService) ValidateSession(ctx context.Context, token string) (*core.Principal, error) {
	session, err := s.sessions.Validate(token)
	if err != nil {
		return nil, err
	}

	invalidated, err := bounded(ctx, s.opts.StoreTimeout, func(ctx context.Context) (bool, error) {
		return s.tokens.IsTokenInvalidated(ctx, session.ID)
	})
	if err != nil {
		s.logger.Error().Err(err).Str("session_id", session.ID).Msg("failed to check token invalidation")
	} else if invalidated {
		return nil, core.ErrTokenRevoked
	}

	at := s.now()
	s.touches.Add(1)
	go func() {
		defer s.touches.Done()
		touchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.StoreTimeout)
		defer cancel()
		if err := s.identities.TouchIdentity(touchCtx, session.Address, at); err != nil {
			s.logger.Error().Err(err).Str("address", session.Address).Msg("failed to touch identity")
		}
	}()

	return core.PrincipalFromSession(session), nil
}

// Wait blocks until background identity touches have finished
func (s *AuthService) Wait() {
	s.touches.Wait()
}

// Me returns the caller's identity
func (s *AuthService) Me(ctx context.Context, principal *core.Principal) (*core.Identity, error) {
	if principal == nil {
		return nil, core.ErrUnauthenticated
	}
	return retryOnce(ctx, s.opts.StoreTimeout, func(ctx context.Context) (*core.Identity, error) {
		return s.identities.GetIdentity(ctx, principal.Address)
	})
}

// Logout invalidates the caller's session for the rest of its lifetime and
// announces it. Publishing the event is best effort.
func (s *AuthService) Logout(ctx context.Context, principal *core.Principal) error {
	if principal == nil {
		return core.ErrUnauthenticated
	}
	if remaining := principal.ExpiresAt.Sub(s.now()); remaining > 0 {
		_, err := bounded(ctx, s.opts.StoreTimeout, func(ctx context.Context) (struct{}, error) {
			return struct{}{}, s.tokens.InvalidateToken(ctx, principal.SessionID, remaining)
		})
		if err != nil {
			return fmt.Errorf("failed to invalidate session: %w", err)
		}
	}
	s.publish(ctx, ports.TopicLogout, principal.Address, LoggedOut{
		Address:   principal.Address,
		SessionID: principal.SessionID,
		At:        s.now(),
	})
	return nil
}

// SetRole assigns a role to an identity. Admin only.
func (s *AuthService) SetRole(ctx context.Context, principal *core.Principal, address string, role string) (*core.Identity, error) {
	if err := RequireRole(principal, core.RoleAdmin); err != nil {
		return nil, err
	}
	normalized, err := eth.NormalizeAddress(address)
	if err != nil {
		return nil, err
	}
	parsed, err := core.ParseRole(role)
	if err != nil {
		return nil, err
	}

	identity, err := bounded(ctx, s.opts.StoreTimeout, func(ctx context.Context) (*core.Identity, error) {
		return s.identities.SetRole(ctx, normalized, parsed)
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info().
		Str("address", normalized).
		Str("role", string(parsed)).
		Str("by", principal.Address).
		Msg("role assigned")
	return identity, nil
}

func (s *AuthService) publish(ctx context.Context, topic, key string, event any) {
	if err := s.eventPub.Publish(ctx, topic, key, event); err != nil {
		s.logger.Warn().Err(err).Str("topic", topic).Msg("failed to publish event")
	}
}

// failureReason labels a rejected sign-in for metrics
func failureReason(err error) string {
	switch {
	case errors.Is(err, core.ErrMalformedChallenge):
		return "malformed"
	case errors.Is(err, core.ErrNonceAlreadyUsed):
		return "nonce_used"
	case errors.Is(err, core.ErrNonceExpired), errors.Is(err, core.ErrNonceNotFound):
		return "nonce_invalid"
	case errors.Is(err, core.ErrMessageExpired), errors.Is(err, core.ErrMessageNotYetValid):
		return "message_time"
	case errors.Is(err, core.ErrSignatureMismatch), errors.Is(err, core.ErrInvalidSignature):
		return "signature"
	case errors.Is(err, core.ErrTransient):
		return "transient"
	default:
		return "other"
	}
}
