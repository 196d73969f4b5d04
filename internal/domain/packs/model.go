// Package packs owns the document pack state machine and the documents
// inside each pack.
//
// A pack is DRAFT while a case is being prepared, ACTIVE once issued, and
// ARCHIVED when superseded by a newer active pack (or discarded as a draft).
// An active pack may be REVOKED. At most one pack per case is ACTIVE and at
// most one is DRAFT.
package packs

import (
	"context"
	"strings"
	"time"

	"issuance/internal/core/apperror"
	"issuance/internal/core/id"
	"issuance/internal/domain/casework"
)

// Kind of pack.
type Kind string

const (
	KindLicence     Kind = "LICENCE"
	KindCertificate Kind = "CERTIFICATE"
)

// KindFor returns the pack kind issued for a process type.
func KindFor(p casework.ProcessType) Kind {
	if p.IsImport() {
		return KindLicence
	}
	return KindCertificate
}

// Status of a pack.
type Status string

const (
	StatusDraft    Status = "DRAFT"
	StatusActive   Status = "ACTIVE"
	StatusArchived Status = "ARCHIVED"
	StatusRevoked  Status = "REVOKED"
)

// Terms is the kind-specific part of a pack. Implementations are
// LicenceTerms and CertificateTerms.
type Terms interface {
	Kind() Kind
	clone() Terms
}

// LicenceTerms are carried from pack to pack on variation.
type LicenceTerms struct {
	PaperLicenceOnly *bool      `json:"paperLicenceOnly,omitempty"`
	StartDate        *time.Time `json:"startDate,omitempty"`
	EndDate          *time.Time `json:"endDate,omitempty"`
}

// Kind implements Terms.
func (LicenceTerms) Kind() Kind { return KindLicence }

func (t LicenceTerms) clone() Terms {
	out := LicenceTerms{}
	if t.PaperLicenceOnly != nil {
		v := *t.PaperLicenceOnly
		out.PaperLicenceOnly = &v
	}
	if t.StartDate != nil {
		v := *t.StartDate
		out.StartDate = &v
	}
	if t.EndDate != nil {
		v := *t.EndDate
		out.EndDate = &v
	}
	return out
}

// IsPaper reports whether the licence is issued on paper only.
func (t LicenceTerms) IsPaper() bool {
	return t.PaperLicenceOnly != nil && *t.PaperLicenceOnly
}

// Validate checks the validity window.
func (t LicenceTerms) Validate() error {
	if t.StartDate != nil && t.EndDate != nil && t.EndDate.Before(*t.StartDate) {
		return apperror.NewValidation("licence end date is before start date").
			WithDetail("field", "endDate")
	}
	return nil
}

// CertificateTerms has no kind-specific fields yet.
type CertificateTerms struct{}

// Kind implements Terms.
func (CertificateTerms) Kind() Kind { return KindCertificate }

func (t CertificateTerms) clone() Terms { return t }

// Pack is one versioned bundle of issuable documents for a case.
type Pack struct {
	ID     id.ID  `json:"id"`
	CaseID id.ID  `json:"caseId"`
	Status Status `json:"status"`

	// CaseReference is copied from the case when the pack becomes active.
	CaseReference *string `json:"caseReference,omitempty"`

	Terms Terms `json:"terms"`

	RevokeReason   *string `json:"revokeReason,omitempty"`
	RevokeNotified bool    `json:"revokeNotified"`

	// ShowInWorkbasket is owned by the case worker.
	ShowInWorkbasket bool `json:"showInWorkbasket"`

	// CaseCompletedAt is set on promotion; discarded drafts never get it.
	CaseCompletedAt *time.Time `json:"caseCompletedAt,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Kind returns the pack kind.
func (p *Pack) Kind() Kind {
	if p.Terms == nil {
		return ""
	}
	return p.Terms.Kind()
}

// LicenceTerms returns the licence terms of a licence pack.
func (p *Pack) LicenceTerms() (LicenceTerms, bool) {
	t, ok := p.Terms.(LicenceTerms)
	return t, ok
}

func (p *Pack) requireStatus(want Status) error {
	if p.Status != want {
		return apperror.NewInvalidState("pack is not " + strings.ToLower(string(want))).
			WithDetail("pack_id", p.ID).
			WithDetail("status", p.Status)
	}
	return nil
}

// DocumentType of a document inside a pack.
type DocumentType string

const (
	DocumentCoverLetter DocumentType = "COVER_LETTER"
	DocumentLicence     DocumentType = "LICENCE"
	DocumentCertificate DocumentType = "CERTIFICATE"
)

// HasReference reports whether documents of this type carry a number.
func (t DocumentType) HasReference() bool {
	return t != DocumentCoverLetter
}

// DocumentKey distinguishes documents of one type inside a pack: country for
// certificates, country and brand for GMP certificates.
type DocumentKey struct {
	Type    DocumentType `json:"type"`
	Country string       `json:"country,omitempty"`
	Brand   string       `json:"brand,omitempty"`
}

// Document is one issuable document inside a pack.
type Document struct {
	ID        id.ID        `db:"id" json:"id"`
	PackID    id.ID        `db:"pack_id" json:"packId"`
	Type      DocumentType `db:"document_type" json:"type"`
	Reference *string      `db:"reference" json:"reference,omitempty"`
	Country   string       `db:"country" json:"country,omitempty"`
	Brand     string       `db:"brand" json:"brand,omitempty"`
	CreatedAt time.Time    `db:"created_at" json:"createdAt"`
}

// Key returns the document's key inside its pack.
func (d *Document) Key() DocumentKey {
	return DocumentKey{Type: d.Type, Country: d.Country, Brand: d.Brand}
}

// Validate implements entity.Validatable.
func (d *Document) Validate(_ context.Context) error {
	if !d.Type.HasReference() {
		return nil
	}
	if d.Reference == nil || strings.TrimSpace(*d.Reference) == "" {
		return apperror.NewValidation("document reference must not be blank").
			WithDetail("document_type", d.Type)
	}
	return nil
}

// PackWithDocuments is one entry of a case's issuance history.
type PackWithDocuments struct {
	Pack      *Pack       `json:"pack"`
	Documents []*Document `json:"documents"`
}
