// Package casework models the licensing case the issuance core works on.
// The case workflow itself lives in the workflow package; this package only
// carries the case record and its repository contract.
package casework

import (
	"context"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"issuance/internal/core/apperror"
	"issuance/internal/core/entity"
	"issuance/internal/core/id"
	"issuance/internal/domain/reference"
)

// ProcessType is the application type of a case.
type ProcessType string

const (
	ProcessFirearmsOIL ProcessType = "FA-OIL"
	ProcessFirearmsDFL ProcessType = "FA-DFL"
	ProcessFirearmsSIL ProcessType = "FA-SIL"
	ProcessSanctions   ProcessType = "SANCTIONS"
	ProcessCFS         ProcessType = "CFS"
	ProcessCOM         ProcessType = "COM"
	ProcessGMP         ProcessType = "GMP"
)

// IsValid reports whether p is a known process type.
func (p ProcessType) IsValid() bool {
	switch p {
	case ProcessFirearmsOIL, ProcessFirearmsDFL, ProcessFirearmsSIL, ProcessSanctions,
		ProcessCFS, ProcessCOM, ProcessGMP:
		return true
	}
	return false
}

// IsImport reports whether the case issues an import licence. Export cases
// issue certificates.
func (p ProcessType) IsImport() bool {
	switch p {
	case ProcessFirearmsOIL, ProcessFirearmsDFL, ProcessFirearmsSIL, ProcessSanctions:
		return true
	}
	return false
}

// CaseScheme is the reference scheme of the case itself.
func (p ProcessType) CaseScheme() reference.Scheme {
	switch {
	case p.IsImport():
		return reference.ImportCase
	case p == ProcessGMP:
		return reference.ExportCaseGMP
	default:
		return reference.ExportCase
	}
}

// LicenceCategory is the category segment of an electronic licence
// reference (GB{category}...).
func (p ProcessType) LicenceCategory() string {
	switch p {
	case ProcessFirearmsOIL:
		return "OIL"
	case ProcessSanctions:
		return "SAN"
	default:
		return "SIL"
	}
}

// CertificateScheme is the reference scheme of export certificates.
func (p ProcessType) CertificateScheme() (reference.Scheme, bool) {
	switch p {
	case ProcessCFS:
		return reference.CertificateCFS, true
	case ProcessCOM:
		return reference.CertificateCOM, true
	case ProcessGMP:
		return reference.CertificateGMP, true
	}
	return reference.Scheme{}, false
}

// Status of a case.
type Status string

const (
	StatusInProgress         Status = "IN_PROGRESS"
	StatusProcessing         Status = "PROCESSING"
	StatusVariationRequested Status = "VARIATION_REQUESTED"
	StatusCompleted          Status = "COMPLETED"
	StatusRevoked            Status = "REVOKED"
	StatusWithdrawn          Status = "WITHDRAWN"
)

// Task is the processing task the core is allowed to set on a case.
type Task string

const (
	TaskNone                Task = "NONE"
	TaskProcess             Task = "PROCESS"
	TaskDocumentSigning     Task = "DOCUMENT_SIGNING"
	TaskAuthorityWait       Task = "AUTHORITY_WAIT"
	TaskAuthorityRevokeWait Task = "AUTHORITY_REVOKE_WAIT"
	TaskAuthorityError      Task = "AUTHORITY_ERROR"
)

// NotAssigned is the reference of a case that has not been submitted.
const NotAssigned = "Not Assigned"

// Case is an import or export application.
type Case struct {
	entity.Base

	ProcessType ProcessType `db:"process_type" json:"processType"`
	Reference   string      `db:"reference" json:"reference"`
	Status      Status      `db:"status" json:"status"`
	Task        Task        `db:"task" json:"task"`

	// LicenceNumber is allocated once and reused by every licence pack of
	// the case, including variations.
	LicenceNumber *int64 `db:"licence_number" json:"licenceNumber,omitempty"`

	// AuthorityCorrelationID is the id sent to the Authority on the first
	// submission and reused by replace and cancel.
	AuthorityCorrelationID *id.ID `db:"authority_correlation_id" json:"authorityCorrelationId,omitempty"`

	VariationCount int        `db:"variation_count" json:"variationCount"`
	SubmittedAt    *time.Time `db:"submitted_at" json:"submittedAt,omitempty"`
	Details        Details    `db:"details" json:"details"`
}

// Details is the case content the core needs to build documents and the
// Authority payload. Stored as JSONB.
type Details struct {
	Organisation  Organisation `json:"organisation"`
	OriginCountry string       `json:"originCountry,omitempty"`
	// ConsignmentCountry is the ISO2 code sent to the Authority.
	ConsignmentCountry string    `json:"consignmentCountry,omitempty"`
	Goods              []Goods   `json:"goods,omitempty"`
	Countries          []Country `json:"countries,omitempty"`
	Brands             []string  `json:"brands,omitempty"`
	Endorsements       []string  `json:"endorsements,omitempty"`
	// ValidityDays is the default licence validity from the start date.
	ValidityDays int `json:"validityDays,omitempty"`
}

// Organisation is the importer or exporter.
type Organisation struct {
	Name       string   `json:"name"`
	EORINumber string   `json:"eoriNumber"`
	Address    []string `json:"address,omitempty"`
	Postcode   string   `json:"postcode,omitempty"`
}

// Goods is one line of licensed goods.
type Goods struct {
	Description string          `json:"description"`
	Quantity    decimal.Decimal `json:"quantity"`
	Unit        string          `json:"unit,omitempty"`
}

// Country is a destination country of an export certificate.
type Country struct {
	Code string `json:"code"`
	Name string `json:"name"`
}

// NewCase creates an unsubmitted case.
func NewCase(processType ProcessType, details Details) *Case {
	return &Case{
		Base:        entity.NewBase(),
		ProcessType: processType,
		Reference:   NotAssigned,
		Status:      StatusInProgress,
		Task:        TaskProcess,
		Details:     details,
	}
}

// Validate implements entity.Validatable.
func (c *Case) Validate(_ context.Context) error {
	if !c.ProcessType.IsValid() {
		return apperror.NewValidation("unknown process type").
			WithDetail("field", "processType").
			WithDetail("value", c.ProcessType)
	}
	if strings.TrimSpace(c.Details.Organisation.Name) == "" {
		return apperror.NewValidation("organisation name is required").
			WithDetail("field", "details.organisation.name")
	}
	if !c.ProcessType.IsImport() && len(c.Details.Countries) == 0 {
		return apperror.NewValidation("export case needs at least one country").
			WithDetail("field", "details.countries")
	}
	if c.ProcessType == ProcessGMP && len(c.Details.Brands) == 0 {
		return apperror.NewValidation("GMP case needs at least one brand").
			WithDetail("field", "details.brands")
	}
	return nil
}

// HasReference reports whether the case has been submitted and numbered.
func (c *Case) HasReference() bool {
	return c.Reference != "" && c.Reference != NotAssigned
}

// ListFilter selects cases for operator listings.
type ListFilter struct {
	Tasks  []Task
	Limit  int
	Offset int
}

// Repository persists cases.
type Repository interface {
	Create(ctx context.Context, c *Case) error
	Get(ctx context.Context, caseID id.ID) (*Case, error)
	// GetForUpdate reads the case with a row lock held until the
	// surrounding transaction ends.
	GetForUpdate(ctx context.Context, caseID id.ID) (*Case, error)
	Update(ctx context.Context, c *Case) error
	SetTask(ctx context.Context, caseID id.ID, task Task) error
	GetByCorrelationID(ctx context.Context, correlationID id.ID) (*Case, error)
	List(ctx context.Context, filter ListFilter) ([]*Case, error)
}
