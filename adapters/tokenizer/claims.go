package tokenizer

import "github.com/golang-jwt/jwt/v5"

// ClaimsVersion is the only session claims schema this service issues or accepts
const ClaimsVersion = 1

// SessionClaims combines standard claims with session-specific ones
type SessionClaims struct {
	jwt.RegisteredClaims
	Version int    `json:"ver"`
	Address string `json:"addr"`
	Role    string `json:"role"`
}
