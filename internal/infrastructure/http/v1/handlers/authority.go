package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"issuance/internal/core/apperror"
	"issuance/internal/core/id"
	"issuance/internal/domain/authority"
	"issuance/internal/domain/casework"
	"issuance/internal/domain/workflow"
	"issuance/internal/infrastructure/http/v1/dto"
)

// AuthorityHandler serves Authority request listings and the Authority's
// signed callback.
type AuthorityHandler struct {
	*BaseHandler
	authority *authority.Service
	workflow  *workflow.Service
}

// NewAuthorityHandler creates a new authority handler.
func NewAuthorityHandler(authoritySvc *authority.Service, workflowSvc *workflow.Service) *AuthorityHandler {
	return &AuthorityHandler{
		BaseHandler: NewBaseHandler(),
		authority:   authoritySvc,
		workflow:    workflowSvc,
	}
}

// requestView is a request together with the errors it received.
type requestView struct {
	*authority.Request
	Errors []authority.ResponseError `json:"errors"`
}

// Requests lists the submission attempts of a case, oldest first.
// GET /authority/requests?case_id=
func (h *AuthorityHandler) Requests(c *gin.Context) {
	var q dto.AuthorityRequestsQuery
	if !h.BindQuery(c, &q) {
		return
	}
	caseID, err := id.Parse(q.CaseID)
	if err != nil {
		h.Error(c, apperror.NewValidation("invalid case_id").WithDetail("value", q.CaseID))
		return
	}

	ctx := c.Request.Context()
	reqs, err := h.authority.ListRequests(ctx, caseID)
	if err != nil {
		h.Error(c, err)
		return
	}
	items := make([]requestView, 0, len(reqs))
	for _, r := range reqs {
		errs, err := h.authority.ListErrors(ctx, r.ID)
		if err != nil {
			h.Error(c, err)
			return
		}
		items = append(items, requestView{Request: r, Errors: errs})
	}
	h.OK(c, dto.ListResponse{Items: items})
}

// Cases lists cases waiting on or failed at the Authority.
// GET /authority/cases?task=
func (h *AuthorityHandler) Cases(c *gin.Context) {
	var q dto.ListCasesRequest
	if !h.BindQuery(c, &q) {
		return
	}
	q.Defaults()
	tasks := q.Tasks
	if len(tasks) == 0 {
		tasks = []casework.Task{casework.TaskAuthorityWait, casework.TaskAuthorityRevokeWait, casework.TaskAuthorityError}
	}
	for _, t := range tasks {
		if t != casework.TaskAuthorityWait && t != casework.TaskAuthorityRevokeWait && t != casework.TaskAuthorityError {
			h.Error(c, apperror.NewValidation("not an authority task").WithDetail("task", t))
			return
		}
	}

	cases, err := h.workflow.ListByTask(c.Request.Context(), q.PageSize, q.Offset(), tasks...)
	if err != nil {
		h.Error(c, err)
		return
	}
	h.OK(c, dto.ListResponse{Items: cases, Page: q.Page, PageSize: q.PageSize})
}

// Callback applies the Authority's verdict on sent licences. The route is
// wrapped in middleware.Signature.
// PUT /authority/licence-data
func (h *AuthorityHandler) Callback(c *gin.Context) {
	var cb authority.Callback
	if !h.BindJSON(c, &cb) {
		return
	}
	done, err := h.authority.HandleCallback(c.Request.Context(), cb)
	if err != nil {
		h.Error(c, err)
		return
	}
	c.JSON(http.StatusMultiStatus, done)
}
