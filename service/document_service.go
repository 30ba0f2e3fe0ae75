package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/layer-3/notary/core"
	"github.com/layer-3/notary/internal/eth"
	"github.com/layer-3/notary/internal/metrics"
	"github.com/layer-3/notary/ports"
)

// ComputeFingerprint returns the lowercase hex SHA-256 of content. Nothing but
// the raw bytes takes part.
func ComputeFingerprint(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// ArtifactResult answers whether submitted bytes match a registered record
type ArtifactResult struct {
	Fingerprint string
	Match       bool
	Status      *core.StatusResult
}

// DocumentService registers fingerprints and tracks their status
type DocumentService struct {
	store        ports.DocumentStore
	eventPub     ports.EventPublisher
	logger       zerolog.Logger
	storeTimeout time.Duration
	now          func() time.Time
}

// NewDocumentService creates a new document service
func NewDocumentService(store ports.DocumentStore, eventPub ports.EventPublisher, logger zerolog.Logger, storeTimeout time.Duration) *DocumentService {
	if storeTimeout <= 0 {
		storeTimeout = DefaultStoreTimeout
	}
	return &DocumentService{
		store:        store,
		eventPub:     eventPub,
		logger:       logger.With().Str("component", "documents").Logger(),
		storeTimeout: storeTimeout,
		now:          time.Now,
	}
}

// WithClock overrides the time source
func (s *DocumentService) WithClock(now func() time.Time) *DocumentService {
	s.now = now
	return s
}

// Register records fingerprint for the caller as a Pending document
func (s *DocumentService) Register(ctx context.Context, principal *core.Principal, fingerprint string, meta core.DocumentMetadata) (*core.DocumentRecord, error) {
	record, err := s.register(ctx, principal, fingerprint, meta)
	observe("register", err)
	return record, err
}

// RegisterContent fingerprints content and registers it
func (s *DocumentService) RegisterContent(ctx context.Context, principal *core.Principal, content []byte, meta core.DocumentMetadata) (*core.DocumentRecord, error) {
	return s.Register(ctx, principal, ComputeFingerprint(content), meta)
}

func (s *DocumentService) register(ctx context.Context, principal *core.Principal, fingerprint string, meta core.DocumentMetadata) (*core.DocumentRecord, error) {
	if principal == nil {
		return nil, core.ErrUnauthenticated
	}
	fp, err := core.NormalizeFingerprint(fingerprint)
	if err != nil {
		return nil, err
	}
	now := s.now()
	if meta.ExpiresAt != nil && !meta.ExpiresAt.After(now) {
		return nil, core.ErrInvalidRequest
	}

	record := &core.DocumentRecord{
		ID:           uuid.New().String(),
		OwnerAddress: principal.Address,
		Fingerprint:  fp,
		DisplayName:  meta.DisplayName,
		Status:       core.DocumentPending,
		RegisteredAt: now,
		ExpiresAt:    meta.ExpiresAt,
	}
	// Not retried: a lost ack would turn into a spurious duplicate
	if _, err := bounded(ctx, s.storeTimeout, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, s.store.CreateDocument(ctx, record)
	}); err != nil {
		return nil, err
	}

	s.publish(ctx, ports.TopicDocumentRegistered, record, principal.Address)
	return record, nil
}

// MarkVerified moves a Pending record to Verified. Institute or Admin only.
func (s *DocumentService) MarkVerified(ctx context.Context, principal *core.Principal, fingerprint, owner string) (*core.DocumentRecord, error) {
	record, err := s.markVerified(ctx, principal, fingerprint, owner)
	observe("verify", err)
	return record, err
}

func (s *DocumentService) markVerified(ctx context.Context, principal *core.Principal, fingerprint, owner string) (*core.DocumentRecord, error) {
	if err := RequireRole(principal, core.RoleInstitute, core.RoleAdmin); err != nil {
		return nil, err
	}
	fp, owner, err := normalizeKey(fingerprint, owner)
	if err != nil {
		return nil, err
	}

	record, err := bounded(ctx, s.storeTimeout, func(ctx context.Context) (*core.DocumentRecord, error) {
		return s.store.MarkDocumentVerified(ctx, owner, fp, principal.Address, s.now())
	})
	if err != nil {
		return nil, err
	}

	s.publish(ctx, ports.TopicDocumentVerified, record, principal.Address)
	return record, nil
}

// Revoke moves a record to Revoked. The owner or an Admin may revoke.
func (s *DocumentService) Revoke(ctx context.Context, principal *core.Principal, fingerprint, owner string) (*core.DocumentRecord, error) {
	record, err := s.revoke(ctx, principal, fingerprint, owner)
	observe("revoke", err)
	return record, err
}

func (s *DocumentService) revoke(ctx context.Context, principal *core.Principal, fingerprint, owner string) (*core.DocumentRecord, error) {
	fp, owner, err := normalizeKey(fingerprint, owner)
	if err != nil {
		return nil, err
	}
	if err := RequireSelfOrRole(principal, owner, core.RoleAdmin); err != nil {
		return nil, err
	}

	record, err := bounded(ctx, s.storeTimeout, func(ctx context.Context) (*core.DocumentRecord, error) {
		return s.store.RevokeDocument(ctx, owner, fp, s.now())
	})
	if err != nil {
		return nil, err
	}

	s.publish(ctx, ports.TopicDocumentRevoked, record, principal.Address)
	return record, nil
}

// CheckStatus reports whether owner registered fingerprint and its status
// now. An unknown pair is not an error.
func (s *DocumentService) CheckStatus(ctx context.Context, fingerprint, owner string) (*core.StatusResult, error) {
	result, err := s.checkStatus(ctx, fingerprint, owner)
	observe("status", err)
	return result, err
}

func (s *DocumentService) checkStatus(ctx context.Context, fingerprint, owner string) (*core.StatusResult, error) {
	fp, owner, err := normalizeKey(fingerprint, owner)
	if err != nil {
		return nil, err
	}

	record, err := retryOnce(ctx, s.storeTimeout, func(ctx context.Context) (*core.DocumentRecord, error) {
		return s.store.GetDocument(ctx, owner, fp)
	})
	if errors.Is(err, core.ErrDocumentNotFound) {
		return &core.StatusResult{Exists: false}, nil
	}
	if err != nil {
		return nil, err
	}
	return &core.StatusResult{
		Exists: true,
		Status: record.EffectiveStatus(s.now()),
		Record: record,
	}, nil
}

// VerifyArtifact fingerprints content and looks it up under owner. When
// claimed is given, Match also requires it to equal the computed fingerprint.
func (s *DocumentService) VerifyArtifact(ctx context.Context, owner string, content []byte, claimed string) (*ArtifactResult, error) {
	computed := ComputeFingerprint(content)
	match := true
	if claimed != "" {
		fp, err := core.NormalizeFingerprint(claimed)
		if err != nil {
			return nil, err
		}
		match = fp == computed
	}

	status, err := s.CheckStatus(ctx, computed, owner)
	if err != nil {
		return nil, err
	}
	observe("verify_artifact", nil)
	return &ArtifactResult{
		Fingerprint: computed,
		Match:       match && status.Exists,
		Status:      status,
	}, nil
}

// ListByOwner returns the caller's records, newest first, with statuses as
// they read now
func (s *DocumentService) ListByOwner(ctx context.Context, principal *core.Principal) ([]*core.DocumentRecord, error) {
	if principal == nil {
		return nil, core.ErrUnauthenticated
	}
	records, err := retryOnce(ctx, s.storeTimeout, func(ctx context.Context) ([]*core.DocumentRecord, error) {
		return s.store.ListDocuments(ctx, principal.Address)
	})
	if err != nil {
		return nil, err
	}
	now := s.now()
	for _, r := range records {
		r.Status = r.EffectiveStatus(now)
	}
	return records, nil
}

func (s *DocumentService) publish(ctx context.Context, topic string, record *core.DocumentRecord, actor string) {
	event := DocumentChanged{
		Owner:       record.OwnerAddress,
		Fingerprint: record.Fingerprint,
		Status:      string(record.Status),
		Actor:       actor,
		At:          s.now(),
	}
	if err := s.eventPub.Publish(ctx, topic, record.OwnerAddress, event); err != nil {
		s.logger.Warn().Err(err).Str("topic", topic).Msg("failed to publish event")
	}
}

func normalizeKey(fingerprint, owner string) (string, string, error) {
	fp, err := core.NormalizeFingerprint(fingerprint)
	if err != nil {
		return "", "", err
	}
	addr, err := eth.NormalizeAddress(owner)
	if err != nil {
		return "", "", err
	}
	return fp, addr, nil
}

func observe(operation string, err error) {
	result := "ok"
	if err != nil {
		result = kindLabel(core.KindOf(err))
	}
	metrics.DocumentOperationsTotal.WithLabelValues(operation, result).Inc()
}

func kindLabel(k core.Kind) string {
	switch k {
	case core.KindValidation:
		return "validation"
	case core.KindAuthentication:
		return "authentication"
	case core.KindAuthorization:
		return "authorization"
	case core.KindConflict:
		return "conflict"
	case core.KindNotFound:
		return "not_found"
	case core.KindTransient:
		return "transient"
	case core.KindRateLimited:
		return "rate_limited"
	default:
		return "internal"
	}
}
