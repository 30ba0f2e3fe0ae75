package service

import (
	"slices"

	"github.com/layer-3/notary/core"
	"github.com/layer-3/notary/internal/eth"
)

// RequireRole admits principal when it holds one of allowed
func RequireRole(principal *core.Principal, allowed ...core.Role) error {
	if principal == nil {
		return core.ErrUnauthenticated
	}
	if slices.Contains(allowed, principal.Role) {
		return nil
	}
	return &core.ForbiddenError{Required: allowed, Actual: principal.Role}
}

// RequireSelfOrRole admits the owner of resourceAddress regardless of role,
// and anyone else holding one of allowed
func RequireSelfOrRole(principal *core.Principal, resourceAddress string, allowed ...core.Role) error {
	if principal == nil {
		return core.ErrUnauthenticated
	}
	if eth.SameAddress(principal.Address, resourceAddress) {
		return nil
	}
	return RequireRole(principal, allowed...)
}
