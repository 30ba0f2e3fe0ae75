package service

import (
	"fmt"
	"slices"
	"time"

	"github.com/layer-3/notary/core"
	"github.com/layer-3/notary/internal/eth"
	"github.com/layer-3/notary/internal/siwe"
)

// SignatureVerifier decides whether a signed sign-in message is acceptable.
// It is pure apart from the clock.
type SignatureVerifier struct {
	domain   string
	chainIDs []int64
	now      func() time.Time
}

// NewSignatureVerifier accepts messages for domain on any of chainIDs. An
// empty domain disables the domain check.
func NewSignatureVerifier(domain string, chainIDs []int64) *SignatureVerifier {
	return &SignatureVerifier{
		domain:   domain,
		chainIDs: slices.Clone(chainIDs),
		now:      time.Now,
	}
}

// WithClock overrides the time source
func (v *SignatureVerifier) WithClock(now func() time.Time) *SignatureVerifier {
	v.now = now
	return v
}

// Verify checks msg and a signature over its canonical encoding, attributing
// it to claimed
func (v *SignatureVerifier) Verify(msg siwe.Message, signature string, claimed string) error {
	text, err := siwe.Encode(msg)
	if err != nil {
		return err
	}
	if !eth.SameAddress(msg.Address, claimed) {
		return fmt.Errorf("claimed %s, message names %s: %w", claimed, msg.Address, core.ErrSignatureMismatch)
	}
	return v.VerifySigned(text, msg, signature)
}

// VerifySigned checks msg (decoded from text) and a signature over the exact
// text the wallet signed. Time and chain rules are applied before the
// signature, so an expired message fails as expired whatever it carries.
func (v *SignatureVerifier) VerifySigned(text string, msg siwe.Message, signature string) error {
	if v.domain != "" && msg.Domain != v.domain {
		return fmt.Errorf("domain %q: %w", msg.Domain, core.ErrDomainMismatch)
	}
	if !slices.Contains(v.chainIDs, msg.ChainID) {
		return fmt.Errorf("chain %d: %w", msg.ChainID, core.ErrUnsupportedChain)
	}

	now := v.now()
	if msg.NotBefore != nil && now.Before(*msg.NotBefore) {
		return core.ErrMessageNotYetValid
	}
	if msg.ExpirationTime != nil && now.After(*msg.ExpirationTime) {
		return core.ErrMessageExpired
	}

	signer, err := eth.RecoverPersonal([]byte(text), signature)
	if err != nil {
		return err
	}
	if !eth.SameAddress(signer.Hex(), msg.Address) {
		return fmt.Errorf("recovered %s: %w", signer.Hex(), core.ErrSignatureMismatch)
	}
	return nil
}
