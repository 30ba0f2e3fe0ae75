package core

import (
	"encoding/hex"
	"strings"
	"time"
)

// FingerprintLength is the hex length of a SHA-256 fingerprint
const FingerprintLength = 64

// DocumentStatus represents the lifecycle state of a registered document
type DocumentStatus string

const (
	DocumentPending  DocumentStatus = "Pending"
	DocumentVerified DocumentStatus = "Verified"
	DocumentRevoked  DocumentStatus = "Revoked"
	// DocumentExpired is derived at read time and never persisted
	DocumentExpired DocumentStatus = "Expired"
)

// DocumentRecord is a registered fingerprint for an artifact
type DocumentRecord struct {
	ID           string
	OwnerAddress string
	Fingerprint  string
	DisplayName  string
	Status       DocumentStatus // Stored status: Pending, Verified or Revoked
	RegisteredAt time.Time
	VerifiedAt   *time.Time
	VerifiedBy   string
	ExpiresAt    *time.Time
	RevokedAt    *time.Time
}

// EffectiveStatus derives the status visible at now. A verified record past
// its expiry reads as Expired.
func (d DocumentRecord) EffectiveStatus(now time.Time) DocumentStatus {
	if d.Status == DocumentVerified && d.ExpiresAt != nil && now.After(*d.ExpiresAt) {
		return DocumentExpired
	}
	return d.Status
}

// DocumentMetadata is caller-supplied data attached at registration. It never
// takes part in fingerprint equality.
type DocumentMetadata struct {
	DisplayName string
	ExpiresAt   *time.Time
}

// StatusResult is the public answer to a status lookup
type StatusResult struct {
	Exists bool
	Status DocumentStatus
	Record *DocumentRecord
}

// NormalizeFingerprint lowercases and strips an optional 0x prefix, failing
// unless the result is a 64 character hex string.
func NormalizeFingerprint(s string) (string, error) {
	fp := strings.ToLower(strings.TrimSpace(s))
	fp = strings.TrimPrefix(fp, "0x")
	if len(fp) != FingerprintLength {
		return "", ErrInvalidFingerprint
	}
	if _, err := hex.DecodeString(fp); err != nil {
		return "", ErrInvalidFingerprint
	}
	return fp, nil
}
