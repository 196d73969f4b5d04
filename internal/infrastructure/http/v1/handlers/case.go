package handlers

import (
	"github.com/gin-gonic/gin"

	"issuance/internal/domain/workflow"
	"issuance/internal/infrastructure/http/v1/dto"
)

// CaseHandler handles case-worker actions on cases.
type CaseHandler struct {
	*BaseHandler
	workflow *workflow.Service
}

// NewCaseHandler creates a new case handler.
func NewCaseHandler(svc *workflow.Service) *CaseHandler {
	return &CaseHandler{BaseHandler: NewBaseHandler(), workflow: svc}
}

// Create registers a case.
// POST /cases
func (h *CaseHandler) Create(c *gin.Context) {
	var req dto.CreateCaseRequest
	if !h.BindJSON(c, &req) {
		return
	}
	created, err := h.workflow.Create(c.Request.Context(), req.ProcessType, req.Details)
	if err != nil {
		h.Error(c, err)
		return
	}
	h.Created(c, created)
}

// Get returns one case.
// GET /cases/:id
func (h *CaseHandler) Get(c *gin.Context) {
	caseID, ok := h.ParamID(c, "id")
	if !ok {
		return
	}
	found, err := h.workflow.Get(c.Request.Context(), caseID)
	if err != nil {
		h.Error(c, err)
		return
	}
	h.OK(c, found)
}

// Submit numbers the case and opens its draft.
// POST /cases/:id/submit
func (h *CaseHandler) Submit(c *gin.Context) {
	caseID, ok := h.ParamID(c, "id")
	if !ok {
		return
	}
	submitted, err := h.workflow.Submit(c.Request.Context(), caseID)
	if err != nil {
		h.Error(c, err)
		return
	}
	h.OK(c, submitted)
}

// AuthoriseDocuments creates the draft's documents.
// POST /cases/:id/documents
func (h *CaseHandler) AuthoriseDocuments(c *gin.Context) {
	caseID, ok := h.ParamID(c, "id")
	if !ok {
		return
	}
	docs, err := h.workflow.AuthoriseDocuments(c.Request.Context(), caseID)
	if err != nil {
		h.Error(c, err)
		return
	}
	h.OK(c, dto.ListResponse{Items: docs})
}

// Issue promotes the draft. For licences the response carries the
// Authority request; a transmission failure still answers 200 with the
// request in INTERNAL_ERROR.
// POST /cases/:id/issue
func (h *CaseHandler) Issue(c *gin.Context) {
	caseID, ok := h.ParamID(c, "id")
	if !ok {
		return
	}
	res, err := h.workflow.Issue(c.Request.Context(), caseID)
	if err != nil {
		h.Error(c, err)
		return
	}
	h.OK(c, res)
}

// OpenVariation reopens a completed case.
// POST /cases/:id/variations
func (h *CaseHandler) OpenVariation(c *gin.Context) {
	caseID, ok := h.ParamID(c, "id")
	if !ok {
		return
	}
	varied, err := h.workflow.OpenVariation(c.Request.Context(), caseID)
	if err != nil {
		h.Error(c, err)
		return
	}
	h.OK(c, varied)
}

// UpdateDraft edits the licence terms of the draft.
// PATCH /cases/:id/draft
func (h *CaseHandler) UpdateDraft(c *gin.Context) {
	caseID, ok := h.ParamID(c, "id")
	if !ok {
		return
	}
	var req dto.UpdateDraftRequest
	if !h.BindJSON(c, &req) {
		return
	}
	draft, err := h.workflow.UpdateLicenceTerms(c.Request.Context(), caseID, req.ToUpdate())
	if err != nil {
		h.Error(c, err)
		return
	}
	h.OK(c, draft)
}

// Withdraw abandons the work in progress.
// POST /cases/:id/withdraw
func (h *CaseHandler) Withdraw(c *gin.Context) {
	caseID, ok := h.ParamID(c, "id")
	if !ok {
		return
	}
	withdrawn, err := h.workflow.Withdraw(c.Request.Context(), caseID)
	if err != nil {
		h.Error(c, err)
		return
	}
	h.OK(c, withdrawn)
}

// Revoke revokes the active pack.
// POST /cases/:id/revoke
func (h *CaseHandler) Revoke(c *gin.Context) {
	caseID, ok := h.ParamID(c, "id")
	if !ok {
		return
	}
	var req dto.RevokeRequest
	if !h.BindJSON(c, &req) {
		return
	}
	res, err := h.workflow.Revoke(c.Request.Context(), caseID, req.Reason, req.Notify)
	if err != nil {
		h.Error(c, err)
		return
	}
	h.OK(c, res)
}

// RetryAuthority resubmits a case whose last transmission failed.
// POST /cases/:id/authority/retry
func (h *CaseHandler) RetryAuthority(c *gin.Context) {
	caseID, ok := h.ParamID(c, "id")
	if !ok {
		return
	}
	req, err := h.workflow.RetryAuthority(c.Request.Context(), caseID)
	if err != nil {
		h.Error(c, err)
		return
	}
	h.OK(c, req)
}
