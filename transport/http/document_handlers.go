package http

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/layer-3/notary/core"
	"github.com/layer-3/notary/service"
)

type documentView struct {
	ID           string              `json:"id"`
	Owner        string              `json:"owner"`
	Fingerprint  string              `json:"fingerprint"`
	DisplayName  string              `json:"display_name,omitempty"`
	Status       core.DocumentStatus `json:"status"`
	RegisteredAt time.Time           `json:"registered_at"`
	VerifiedAt   *time.Time          `json:"verified_at,omitempty"`
	VerifiedBy   string              `json:"verified_by,omitempty"`
	ExpiresAt    *time.Time          `json:"expires_at,omitempty"`
	RevokedAt    *time.Time          `json:"revoked_at,omitempty"`
}

func newDocumentView(d *core.DocumentRecord) documentView {
	return documentView{
		ID:           d.ID,
		Owner:        d.OwnerAddress,
		Fingerprint:  d.Fingerprint,
		DisplayName:  d.DisplayName,
		Status:       d.Status,
		RegisteredAt: d.RegisteredAt,
		VerifiedAt:   d.VerifiedAt,
		VerifiedBy:   d.VerifiedBy,
		ExpiresAt:    d.ExpiresAt,
		RevokedAt:    d.RevokedAt,
	}
}

func statusView(r *core.StatusResult) gin.H {
	body := gin.H{"exists": r.Exists}
	if r.Exists {
		body["status"] = r.Status
		doc := newDocumentView(r.Record)
		doc.Status = r.Status
		body["document"] = doc
	}
	return body
}

// DocumentHandlers contains HTTP handlers for document endpoints
type DocumentHandlers struct {
	docs   *service.DocumentService
	logger zerolog.Logger
}

// NewDocumentHandlers creates new document handlers
func NewDocumentHandlers(docs *service.DocumentService, logger zerolog.Logger) *DocumentHandlers {
	return &DocumentHandlers{docs: docs, logger: logger}
}

// Register records a fingerprint, given directly or computed from content
func (h *DocumentHandlers) Register(c *gin.Context) {
	var req struct {
		Fingerprint string     `json:"fingerprint" binding:"omitempty,fingerprint"`
		Content     []byte     `json:"content" binding:"max=10485760"`
		DisplayName string     `json:"display_name" binding:"max=256"`
		ExpiresAt   *time.Time `json:"expires_at"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, h.logger, bindingError(err))
		return
	}

	meta := core.DocumentMetadata{DisplayName: req.DisplayName, ExpiresAt: req.ExpiresAt}
	principal := principalFrom(c)
	var (
		record *core.DocumentRecord
		err    error
	)
	switch {
	case req.Fingerprint != "" && len(req.Content) > 0:
		err = fmt.Errorf("%w: send either fingerprint or content", core.ErrInvalidRequest)
	case req.Fingerprint == "" && len(req.Content) == 0:
		err = fmt.Errorf("%w: fingerprint or content is required", core.ErrInvalidRequest)
	case req.Fingerprint != "":
		record, err = h.docs.Register(c.Request.Context(), principal, req.Fingerprint, meta)
	default:
		record, err = h.docs.RegisterContent(c.Request.Context(), principal, req.Content, meta)
	}
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusCreated, newDocumentView(record))
}

// List returns the caller's documents
func (h *DocumentHandlers) List(c *gin.Context) {
	records, err := h.docs.ListByOwner(c.Request.Context(), principalFrom(c))
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	views := make([]documentView, 0, len(records))
	for _, r := range records {
		views = append(views, newDocumentView(r))
	}
	c.JSON(http.StatusOK, gin.H{"documents": views})
}

// Status answers whether ?owner= registered :fingerprint
func (h *DocumentHandlers) Status(c *gin.Context) {
	var req struct {
		Owner string `form:"owner" binding:"required,eth_addr"`
	}
	if err := c.ShouldBindQuery(&req); err != nil {
		writeError(c, h.logger, bindingError(err))
		return
	}

	result, err := h.docs.CheckStatus(c.Request.Context(), c.Param("fingerprint"), req.Owner)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, statusView(result))
}

// VerifyArtifact fingerprints uploaded content and compares it with the registry
func (h *DocumentHandlers) VerifyArtifact(c *gin.Context) {
	var req struct {
		Owner       string `json:"owner" binding:"required,eth_addr"`
		Content     []byte `json:"content" binding:"required,max=10485760"`
		Fingerprint string `json:"fingerprint" binding:"omitempty,fingerprint"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, h.logger, bindingError(err))
		return
	}

	result, err := h.docs.VerifyArtifact(c.Request.Context(), req.Owner, req.Content, req.Fingerprint)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	body := statusView(result.Status)
	body["fingerprint"] = result.Fingerprint
	body["match"] = result.Match
	c.JSON(http.StatusOK, body)
}

type ownerRequest struct {
	Owner string `json:"owner" binding:"required,eth_addr"`
}

// MarkVerified moves :fingerprint of owner to Verified
func (h *DocumentHandlers) MarkVerified(c *gin.Context) {
	var req ownerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, h.logger, bindingError(err))
		return
	}

	record, err := h.docs.MarkVerified(c.Request.Context(), principalFrom(c), c.Param("fingerprint"), req.Owner)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, newDocumentView(record))
}

// Revoke moves :fingerprint of owner to Revoked
func (h *DocumentHandlers) Revoke(c *gin.Context) {
	var req ownerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, h.logger, bindingError(err))
		return
	}

	record, err := h.docs.Revoke(c.Request.Context(), principalFrom(c), c.Param("fingerprint"), req.Owner)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, newDocumentView(record))
}
