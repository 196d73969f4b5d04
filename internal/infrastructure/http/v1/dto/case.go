package dto

import (
	"time"

	"issuance/internal/domain/casework"
	"issuance/internal/domain/packs"
)

// CreateCaseRequest registers a new case.
type CreateCaseRequest struct {
	ProcessType casework.ProcessType `json:"processType" binding:"required"`
	Details     casework.Details     `json:"details"`
}

// ListCasesRequest selects cases by processing task.
type ListCasesRequest struct {
	PaginationRequest
	Tasks []casework.Task `form:"task"`
}

// UpdateDraftRequest edits the licence terms of the draft pack. Omitted
// fields are left unchanged.
type UpdateDraftRequest struct {
	PaperLicenceOnly *bool      `json:"paperLicenceOnly"`
	StartDate        *time.Time `json:"startDate"`
	EndDate          *time.Time `json:"endDate"`
}

// ToUpdate converts the request into a licence terms update.
func (r UpdateDraftRequest) ToUpdate() packs.LicenceTermsUpdate {
	return packs.LicenceTermsUpdate{
		PaperLicenceOnly: r.PaperLicenceOnly,
		StartDate:        r.StartDate,
		EndDate:          r.EndDate,
	}
}

// RevokeRequest revokes the active pack.
type RevokeRequest struct {
	Reason string `json:"reason" binding:"required"`
	Notify bool   `json:"notify"`
}

// AuthorityRequestsQuery selects the Authority requests of a case.
type AuthorityRequestsQuery struct {
	CaseID string `form:"case_id" binding:"required"`
}
