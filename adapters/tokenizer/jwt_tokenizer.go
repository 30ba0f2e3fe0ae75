package tokenizer

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/layer-3/notary/core"
	"github.com/layer-3/notary/internal/eth"
	"github.com/layer-3/notary/ports"
)

const AudienceAccess = "session:access"

// DefaultSessionTTL is how long an issued session stays valid
const DefaultSessionTTL = 7 * 24 * time.Hour

// JWTTokenizer implements the SessionIssuer port with ES256 JWTs
type JWTTokenizer struct {
	signKey *ecdsa.PrivateKey
	issuer  string
	ttl     time.Duration
	now     func() time.Time
}

var _ ports.SessionIssuer = (*JWTTokenizer)(nil)

// NewJWTTokenizer creates a new JWT tokenizer
func NewJWTTokenizer(signKey *ecdsa.PrivateKey, issuer string, ttl time.Duration) *JWTTokenizer {
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	return &JWTTokenizer{
		signKey: signKey,
		issuer:  issuer,
		ttl:     ttl,
		now:     time.Now,
	}
}

// WithClock overrides the time source
func (j *JWTTokenizer) WithClock(now func() time.Time) *JWTTokenizer {
	j.now = now
	return j
}

// LoadSigningKey parses a PEM encoded P-256 private key. An empty input yields
// an ephemeral key, which invalidates sessions on restart.
func LoadSigningKey(pemData string) (*ecdsa.PrivateKey, error) {
	if pemData == "" {
		key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("failed to generate signing key: %w", err)
		}
		return key, nil
	}
	key, err := jwt.ParseECPrivateKeyFromPEM([]byte(pemData))
	if err != nil {
		return nil, fmt.Errorf("failed to parse signing key: %w", err)
	}
	if key.Curve != elliptic.P256() {
		return nil, fmt.Errorf("signing key must use P-256")
	}
	return key, nil
}

// Issue signs a session token for identity
func (j *JWTTokenizer) Issue(identity *core.Identity) (string, *core.Session, error) {
	// NumericDate has second precision; truncate so the returned session
	// matches what Validate reads back
	issuedAt := j.now().UTC().Truncate(time.Second)
	session := &core.Session{
		ID:        uuid.New().String(),
		SubjectID: identity.ID,
		Address:   identity.Address,
		Role:      identity.Role,
		IssuedAt:  issuedAt,
		ExpiresAt: issuedAt.Add(j.ttl),
	}

	claims := SessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    j.issuer,
			Subject:   session.SubjectID,
			ID:        session.ID,
			ExpiresAt: jwt.NewNumericDate(session.ExpiresAt),
			IssuedAt:  jwt.NewNumericDate(session.IssuedAt),
			Audience:  jwt.ClaimStrings{AudienceAccess},
		},
		Version: ClaimsVersion,
		Address: session.Address,
		Role:    string(session.Role),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodES256, claims)
	signedToken, err := token.SignedString(j.signKey)
	if err != nil {
		return "", nil, fmt.Errorf("failed to sign session token: %w", err)
	}
	return signedToken, session, nil
}

// Validate checks signature, schema and expiry of a session token. A token is
// valid up to and including its exp instant.
func (j *JWTTokenizer) Validate(tokenStr string) (*core.Session, error) {
	claims := &SessionClaims{}
	// Time claims are checked below against the injected clock
	_, err := jwt.ParseWithClaims(tokenStr, claims, func(token *jwt.Token) (interface{}, error) {
		return &j.signKey.PublicKey, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodES256.Alg()}),
		jwt.WithoutClaimsValidation(),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenMalformed) {
			return nil, fmt.Errorf("%w: %v", core.ErrTokenMalformed, err)
		}
		return nil, fmt.Errorf("%w: %v", core.ErrTokenInvalid, err)
	}

	if err := j.checkClaims(claims); err != nil {
		return nil, err
	}

	role, err := core.ParseRole(claims.Role)
	if err != nil {
		return nil, fmt.Errorf("%w: unknown role %q", core.ErrTokenInvalid, claims.Role)
	}

	return &core.Session{
		ID:        claims.ID,
		SubjectID: claims.Subject,
		Address:   claims.Address,
		Role:      role,
		IssuedAt:  claims.IssuedAt.Time.UTC(),
		ExpiresAt: claims.ExpiresAt.Time.UTC(),
	}, nil
}

func (j *JWTTokenizer) checkClaims(claims *SessionClaims) error {
	switch {
	case claims.Version != ClaimsVersion:
		return fmt.Errorf("%w: claims version %d", core.ErrTokenInvalid, claims.Version)
	case !slices.Contains(claims.Audience, AudienceAccess):
		return fmt.Errorf("%w: audience", core.ErrTokenInvalid)
	case claims.Issuer != j.issuer:
		return fmt.Errorf("%w: issuer %q", core.ErrTokenInvalid, claims.Issuer)
	case claims.ID == "" || claims.Subject == "":
		return fmt.Errorf("%w: missing jti or sub", core.ErrTokenInvalid)
	case claims.IssuedAt == nil || claims.ExpiresAt == nil:
		return fmt.Errorf("%w: missing iat or exp", core.ErrTokenInvalid)
	}
	if _, err := eth.NormalizeAddress(claims.Address); err != nil {
		return fmt.Errorf("%w: address", core.ErrTokenInvalid)
	}
	if j.now().After(claims.ExpiresAt.Time) {
		return core.ErrTokenExpired
	}
	return nil
}
