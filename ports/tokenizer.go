package ports

import (
	"context"
	"time"

	"github.com/layer-3/notary/core"
)

// SessionIssuer converts between identities and signed session tokens
type SessionIssuer interface {
	Issue(identity *core.Identity) (string, *core.Session, error)
	Validate(token string) (*core.Session, error)
}

// TokenStore remembers invalidated session ids until the token would have
// expired anyway
type TokenStore interface {
	InvalidateToken(ctx context.Context, tokenID string, expiry time.Duration) error
	IsTokenInvalidated(ctx context.Context, tokenID string) (bool, error)
}
