package core

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// Validation
	ErrMalformedChallenge = errors.New("malformed challenge message")
	ErrInvalidAddress     = errors.New("invalid ethereum address")
	ErrInvalidFingerprint = errors.New("invalid fingerprint")
	ErrInvalidRole        = errors.New("invalid role")
	ErrInvalidRequest     = errors.New("invalid request")

	// Authentication
	ErrNonceNotFound       = errors.New("nonce not found")
	ErrNonceExpired        = errors.New("nonce has expired")
	ErrNonceAlreadyUsed    = errors.New("nonce already used")
	ErrNonceAddressBinding = errors.New("nonce bound to a different address")
	ErrSignatureMismatch   = errors.New("signature does not match address")
	ErrInvalidSignature    = errors.New("invalid signature")
	ErrMessageExpired      = errors.New("message has expired")
	ErrMessageNotYetValid  = errors.New("message not yet valid")
	ErrUnsupportedChain    = errors.New("unsupported chain")
	ErrDomainMismatch      = errors.New("message domain does not match service")
	ErrTokenExpired        = errors.New("token has expired")
	ErrTokenInvalid        = errors.New("invalid token")
	ErrTokenMalformed      = errors.New("malformed token")
	ErrTokenRevoked        = errors.New("token has been invalidated")
	ErrUnauthenticated     = errors.New("unauthenticated")
	ErrIdentitySuspended   = errors.New("identity suspended")

	// Authorization
	ErrForbidden = errors.New("forbidden")

	// Conflict
	ErrDuplicateFingerprint = errors.New("fingerprint already registered for owner")
	ErrAlreadyVerified      = errors.New("document already verified")
	ErrInvalidTransition    = errors.New("invalid document status transition")

	// Not found
	ErrDocumentNotFound = errors.New("document not found")
	ErrIdentityNotFound = errors.New("identity not found")

	// Transient
	ErrTransient   = errors.New("transient storage failure")
	ErrRateLimited = errors.New("rate limit exceeded")
)

// ForbiddenError names the roles an operation needed and the caller's role
type ForbiddenError struct {
	Required []Role
	Actual   Role
}

func (e *ForbiddenError) Error() string {
	names := make([]string, len(e.Required))
	for i, r := range e.Required {
		names[i] = string(r)
	}
	return fmt.Sprintf("forbidden: required one of [%s], have %s", strings.Join(names, ", "), e.Actual)
}

func (e *ForbiddenError) Unwrap() error { return ErrForbidden }

// Kind groups errors by how they surface to a caller
type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindAuthentication
	KindAuthorization
	KindConflict
	KindNotFound
	KindTransient
	KindRateLimited
)

var kinds = []struct {
	kind Kind
	errs []error
}{
	{KindAuthentication, []error{
		ErrNonceNotFound, ErrNonceExpired, ErrNonceAlreadyUsed, ErrNonceAddressBinding,
		ErrSignatureMismatch, ErrInvalidSignature, ErrMessageExpired, ErrMessageNotYetValid,
		ErrUnsupportedChain, ErrDomainMismatch, ErrTokenExpired, ErrTokenInvalid,
		ErrTokenMalformed, ErrTokenRevoked, ErrUnauthenticated, ErrIdentitySuspended,
	}},
	{KindValidation, []error{ErrMalformedChallenge, ErrInvalidAddress, ErrInvalidFingerprint, ErrInvalidRole, ErrInvalidRequest}},
	{KindAuthorization, []error{ErrForbidden}},
	{KindConflict, []error{ErrDuplicateFingerprint, ErrAlreadyVerified, ErrInvalidTransition}},
	{KindNotFound, []error{ErrDocumentNotFound, ErrIdentityNotFound}},
	{KindTransient, []error{ErrTransient}},
	{KindRateLimited, []error{ErrRateLimited}},
}

// KindOf classifies err. Authentication is checked first so a wrapped chain
// can never downgrade an auth failure into a detailed answer.
func KindOf(err error) Kind {
	for _, k := range kinds {
		for _, e := range k.errs {
			if errors.Is(err, e) {
				return k.kind
			}
		}
	}
	return KindInternal
}
