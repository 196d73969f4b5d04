package packs

import (
	"context"
	"fmt"
	"sort"
	"time"

	"issuance/internal/core/apperror"
	"issuance/internal/core/id"
	"issuance/internal/core/tx"
	"issuance/internal/domain/casework"
	"issuance/internal/domain/reference"
	"issuance/internal/domain/rules"
	"issuance/pkg/logger"
)

// Allocator hands out document references. Implemented by
// reference.Allocator.
type Allocator interface {
	Allocate(ctx context.Context, scheme reference.Scheme) (string, error)
	AllocateLicenceNumber(ctx context.Context) (int64, error)
}

// CoverLetterRule decides whether a licence pack needs a cover letter.
// Implemented by rules.Registry.
type CoverLetterRule interface {
	RequiresCoverLetter(in rules.Input) (bool, error)
}

// planInput is what a kind strategy sees when building a pack's plan.
type planInput struct {
	c           *casework.Case
	pack        *Pack
	isVariation bool
}

// kindStrategy is the per-kind part of document creation: which documents
// a pack needs and how each one is numbered. stale, when set, reports an
// existing document whose reference no longer fits the pack.
type kindStrategy struct {
	plan     func(s *DocumentService, in planInput) ([]DocumentKey, error)
	allocate func(ctx context.Context, s *DocumentService, in planInput, key DocumentKey) (*string, error)
	stale    func(in planInput, d *Document) bool
}

var strategies = map[Kind]kindStrategy{
	KindLicence: {
		plan:     planLicence,
		allocate: allocateLicence,
		stale:    staleLicence,
	},
	KindCertificate: {
		plan:     planCertificates,
		allocate: allocateCertificate,
	},
}

func planLicence(s *DocumentService, in planInput) ([]DocumentKey, error) {
	terms, _ := in.pack.LicenceTerms()
	needsLetter, err := s.rules.RequiresCoverLetter(rules.Input{
		ProcessType:      in.c.ProcessType,
		IsVariation:      in.isVariation,
		PaperLicenceOnly: terms.IsPaper(),
		OriginCountry:    in.c.Details.OriginCountry,
	})
	if err != nil {
		return nil, err
	}
	keys := make([]DocumentKey, 0, 2)
	if needsLetter {
		keys = append(keys, DocumentKey{Type: DocumentCoverLetter})
	}
	return append(keys, DocumentKey{Type: DocumentLicence}), nil
}

func allocateLicence(ctx context.Context, s *DocumentService, in planInput, key DocumentKey) (*string, error) {
	if key.Type == DocumentCoverLetter {
		return nil, nil
	}
	// One licence number per case; variations reuse it.
	if in.c.LicenceNumber == nil {
		n, err := s.allocator.AllocateLicenceNumber(ctx)
		if err != nil {
			return nil, fmt.Errorf("allocate licence number: %w", err)
		}
		in.c.LicenceNumber = &n
		if err := s.cases.Update(ctx, in.c); err != nil {
			return nil, fmt.Errorf("store licence number: %w", err)
		}
	}
	terms, _ := in.pack.LicenceTerms()
	ref := reference.FormatLicence(in.c.ProcessType.LicenceCategory(), *in.c.LicenceNumber, terms.IsPaper())
	return &ref, nil
}

// staleLicence reports a licence whose reference was formatted for other
// terms, e.g. before the paper-only flag changed.
func staleLicence(in planInput, d *Document) bool {
	if d.Type != DocumentLicence || in.c.LicenceNumber == nil {
		return false
	}
	terms, _ := in.pack.LicenceTerms()
	want := reference.FormatLicence(in.c.ProcessType.LicenceCategory(), *in.c.LicenceNumber, terms.IsPaper())
	return d.Reference == nil || *d.Reference != want
}

func planCertificates(_ *DocumentService, in planInput) ([]DocumentKey, error) {
	countries := append([]casework.Country(nil), in.c.Details.Countries...)
	sort.SliceStable(countries, func(i, j int) bool { return countries[i].Name < countries[j].Name })

	if in.c.ProcessType != casework.ProcessGMP {
		keys := make([]DocumentKey, 0, len(countries))
		for _, country := range countries {
			keys = append(keys, DocumentKey{Type: DocumentCertificate, Country: country.Code})
		}
		return keys, nil
	}

	brands := append([]string(nil), in.c.Details.Brands...)
	sort.Strings(brands)
	keys := make([]DocumentKey, 0, len(countries)*len(brands))
	for _, country := range countries {
		for _, brand := range brands {
			keys = append(keys, DocumentKey{Type: DocumentCertificate, Country: country.Code, Brand: brand})
		}
	}
	return keys, nil
}

func allocateCertificate(ctx context.Context, s *DocumentService, in planInput, _ DocumentKey) (*string, error) {
	scheme, ok := in.c.ProcessType.CertificateScheme()
	if !ok {
		return nil, fmt.Errorf("process type %s issues no certificates", in.c.ProcessType)
	}
	ref, err := s.allocator.Allocate(ctx, scheme)
	if err != nil {
		return nil, fmt.Errorf("allocate certificate reference: %w", err)
	}
	return &ref, nil
}

// DocumentService creates and looks up the documents inside a pack.
type DocumentService struct {
	txManager tx.Manager
	packs     PackRepository
	docs      DocumentRepository
	cases     casework.Repository
	allocator Allocator
	rules     CoverLetterRule
	audit     AuditLog
	now       func() time.Time
}

// NewDocumentService creates a document service.
func NewDocumentService(
	txManager tx.Manager,
	packs PackRepository,
	docs DocumentRepository,
	cases casework.Repository,
	allocator Allocator,
	rules CoverLetterRule,
	audit AuditLog,
) *DocumentService {
	return &DocumentService{
		txManager: txManager,
		packs:     packs,
		docs:      docs,
		cases:     cases,
		allocator: allocator,
		rules:     rules,
		audit:     audit,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// CreateAll makes the draft pack's document set match what its kind
// requires. Documents that already exist keep their references unless the
// pack's terms changed their format. Missing ones are created and numbered
// and documents no longer required are removed. Calling it again is a no-op.
func (s *DocumentService) CreateAll(ctx context.Context, c *casework.Case, pack *Pack) ([]*Document, error) {
	var (
		out     []*Document
		created int
		removed int
	)
	err := s.txManager.RunInTransaction(ctx, func(ctx context.Context) error {
		locked, err := s.packs.GetForUpdate(ctx, pack.ID)
		if err != nil {
			return err
		}
		if locked.CaseID != c.ID {
			return apperror.NewNotFound("document pack", pack.ID).WithDetail("case_id", c.ID)
		}
		if err := locked.requireStatus(StatusDraft); err != nil {
			return err
		}
		fresh, err := s.cases.GetForUpdate(ctx, c.ID)
		if err != nil {
			return err
		}

		strategy, ok := strategies[locked.Kind()]
		if !ok {
			return apperror.NewInternal(fmt.Errorf("no document strategy for kind %q", locked.Kind()))
		}
		in := planInput{c: fresh, pack: locked, isVariation: fresh.VariationCount > 0}

		plan, err := strategy.plan(s, in)
		if err != nil {
			return err
		}
		wanted := make(map[DocumentKey]struct{}, len(plan))
		for _, key := range plan {
			wanted[key] = struct{}{}
		}

		existing, err := s.docs.ListByPack(ctx, locked.ID)
		if err != nil {
			return fmt.Errorf("list documents: %w", err)
		}
		have := make(map[DocumentKey]struct{}, len(existing))
		for _, d := range existing {
			_, keep := wanted[d.Key()]
			if keep && strategy.stale != nil && strategy.stale(in, d) {
				keep = false
			}
			if !keep {
				if err := s.docs.Delete(ctx, d.ID); err != nil {
					return fmt.Errorf("remove stale document: %w", err)
				}
				removed++
				continue
			}
			have[d.Key()] = struct{}{}
		}

		for _, key := range plan {
			if _, ok := have[key]; ok {
				continue
			}
			ref, err := strategy.allocate(ctx, s, in, key)
			if err != nil {
				return err
			}
			doc := &Document{
				ID:        id.New(),
				PackID:    locked.ID,
				Type:      key.Type,
				Reference: ref,
				Country:   key.Country,
				Brand:     key.Brand,
				CreatedAt: s.now(),
			}
			if err := doc.Validate(ctx); err != nil {
				return err
			}
			if err := s.docs.Insert(ctx, doc); err != nil {
				return fmt.Errorf("insert document: %w", err)
			}
			created++
		}

		if (created > 0 || removed > 0) && s.audit != nil {
			if err := s.audit.LogChange(ctx, AuditEntityPack, locked.ID, "documents_created", map[string]any{
				"created": created,
				"removed": removed,
			}); err != nil {
				return fmt.Errorf("audit documents: %w", err)
			}
		}

		// The caller's case now carries the licence number too.
		c.LicenceNumber = fresh.LicenceNumber

		out, err = s.docs.ListByPack(ctx, locked.ID)
		return err
	})
	if err != nil {
		return nil, err
	}

	if created > 0 || removed > 0 {
		logger.Info(ctx, "pack documents created",
			"case_id", c.ID,
			"pack_id", pack.ID,
			"created", created,
			"removed", removed)
	}
	return out, nil
}

// Get returns the document of pack matching key, or NotFound.
func (s *DocumentService) Get(ctx context.Context, packID id.ID, key DocumentKey) (*Document, error) {
	d, err := s.GetOptional(ctx, packID, key)
	if err != nil {
		return nil, err
	}
	if d == nil {
		return nil, apperror.NewNotFound("document", packID).
			WithDetail("document_type", key.Type).
			WithDetail("country", key.Country).
			WithDetail("brand", key.Brand)
	}
	return d, nil
}

// GetOptional is Get returning nil instead of NotFound.
func (s *DocumentService) GetOptional(ctx context.Context, packID id.ID, key DocumentKey) (*Document, error) {
	docs, err := s.docs.ListByPack(ctx, packID)
	if err != nil {
		return nil, err
	}
	for _, d := range docs {
		if d.Key() == key {
			return d, nil
		}
	}
	return nil, nil
}

// All returns the pack's documents in creation order.
func (s *DocumentService) All(ctx context.Context, packID id.ID) ([]*Document, error) {
	return s.docs.ListByPack(ctx, packID)
}

// Certificates returns the pack's certificates in creation order.
func (s *DocumentService) Certificates(ctx context.Context, packID id.ID) ([]*Document, error) {
	docs, err := s.docs.ListByPack(ctx, packID)
	if err != nil {
		return nil, err
	}
	out := make([]*Document, 0, len(docs))
	for _, d := range docs {
		if d.Type == DocumentCertificate {
			out = append(out, d)
		}
	}
	return out, nil
}
