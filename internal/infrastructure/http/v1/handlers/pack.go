package handlers

import (
	"context"

	"github.com/gin-gonic/gin"

	"issuance/internal/core/id"
	"issuance/internal/domain/packs"
	"issuance/internal/infrastructure/http/v1/dto"
	"issuance/internal/infrastructure/storage/postgres"
)

// AuditReader reads the audit trail of an entity.
type AuditReader interface {
	History(ctx context.Context, entityType string, entityID id.ID, limit int) ([]postgres.AuditEntry, error)
}

// PackHandler serves document packs, their documents and history.
type PackHandler struct {
	*BaseHandler
	packs *packs.Service
	docs  *packs.DocumentService
	audit AuditReader
}

// NewPackHandler creates a new pack handler.
func NewPackHandler(packService *packs.Service, docService *packs.DocumentService, audit AuditReader) *PackHandler {
	return &PackHandler{
		BaseHandler: NewBaseHandler(),
		packs:       packService,
		docs:        docService,
		audit:       audit,
	}
}

// casePack adapts a single-pack lookup of a case to a handler.
func (h *PackHandler) casePack(get func(ctx context.Context, caseID id.ID) (*packs.Pack, error)) gin.HandlerFunc {
	return func(c *gin.Context) {
		caseID, ok := h.ParamID(c, "id")
		if !ok {
			return
		}
		p, err := get(c.Request.Context(), caseID)
		if err != nil {
			h.Error(c, err)
			return
		}
		h.OK(c, p)
	}
}

// casePacks adapts a pack listing of a case to a handler.
func (h *PackHandler) casePacks(list func(ctx context.Context, caseID id.ID) ([]*packs.Pack, error)) gin.HandlerFunc {
	return func(c *gin.Context) {
		caseID, ok := h.ParamID(c, "id")
		if !ok {
			return
		}
		items, err := list(c.Request.Context(), caseID)
		if err != nil {
			h.Error(c, err)
			return
		}
		h.OK(c, dto.ListResponse{Items: items})
	}
}

// Active returns the active pack.
// GET /cases/:id/packs/active
func (h *PackHandler) Active() gin.HandlerFunc { return h.casePack(h.packs.GetActive) }

// Latest returns the most recent pack.
// GET /cases/:id/packs/latest
func (h *PackHandler) Latest() gin.HandlerFunc { return h.casePack(h.packs.GetLatest) }

// Revoked returns the latest revoked pack.
// GET /cases/:id/packs/revoked
func (h *PackHandler) Revoked() gin.HandlerFunc { return h.casePack(h.packs.GetRevoked) }

// Issued lists packs that were promoted.
// GET /cases/:id/packs/issued
func (h *PackHandler) Issued() gin.HandlerFunc { return h.casePacks(h.packs.ListIssued) }

// Workbasket lists issued packs still shown in the workbasket.
// GET /cases/:id/packs/workbasket
func (h *PackHandler) Workbasket() gin.HandlerFunc { return h.casePacks(h.packs.ListWorkbasket) }

// RemoveFromWorkbasket hides an issued pack from the workbasket.
// DELETE /cases/:id/packs/:packId/workbasket
func (h *PackHandler) RemoveFromWorkbasket(c *gin.Context) {
	caseID, ok := h.ParamID(c, "id")
	if !ok {
		return
	}
	packID, ok := h.ParamID(c, "packId")
	if !ok {
		return
	}
	if err := h.packs.RemoveFromWorkbasket(c.Request.Context(), caseID, packID); err != nil {
		h.Error(c, err)
		return
	}
	h.NoContent(c)
}

// LicenceHistory lists issued licences with their documents.
// GET /cases/:id/history/licences
func (h *PackHandler) LicenceHistory(c *gin.Context) {
	h.history(c, h.packs.LicenceHistory)
}

// CertificateHistory lists issued certificates with their documents.
// GET /cases/:id/history/certificates
func (h *PackHandler) CertificateHistory(c *gin.Context) {
	h.history(c, h.packs.CertificateHistory)
}

func (h *PackHandler) history(c *gin.Context, list func(ctx context.Context, caseID id.ID) ([]packs.PackWithDocuments, error)) {
	caseID, ok := h.ParamID(c, "id")
	if !ok {
		return
	}
	items, err := list(c.Request.Context(), caseID)
	if err != nil {
		h.Error(c, err)
		return
	}
	h.OK(c, dto.ListResponse{Items: items})
}

// Documents lists the documents of a pack.
// GET /packs/:id/documents
func (h *PackHandler) Documents(c *gin.Context) {
	packID, ok := h.ParamID(c, "id")
	if !ok {
		return
	}
	if _, err := h.packs.Get(c.Request.Context(), packID); err != nil {
		h.Error(c, err)
		return
	}
	docs, err := h.docs.All(c.Request.Context(), packID)
	if err != nil {
		h.Error(c, err)
		return
	}
	h.OK(c, dto.ListResponse{Items: docs})
}

// Audit returns the audit trail of a pack.
// GET /packs/:id/audit
func (h *PackHandler) Audit(c *gin.Context) {
	packID, ok := h.ParamID(c, "id")
	if !ok {
		return
	}
	limit := h.ParseIntQuery(c, "limit", 100)
	entries, err := h.audit.History(c.Request.Context(), packs.AuditEntityPack, packID, limit)
	if err != nil {
		h.Error(c, err)
		return
	}
	h.OK(c, dto.ListResponse{Items: entries})
}
