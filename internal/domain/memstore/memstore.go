// Package memstore provides in-memory repositories for the issuance domain.
// Unit tests use them together with tx.Memory and lock.Memory. They enforce
// the same uniqueness rules as the database schema.
package memstore

import (
	"context"
	"slices"
	"sort"
	"sync"

	"issuance/internal/core/apperror"
	"issuance/internal/core/id"
	"issuance/internal/domain/casework"
	"issuance/internal/domain/packs"
)

// Cases is an in-memory casework.Repository.
type Cases struct {
	mu    sync.Mutex
	items map[id.ID]casework.Case
}

var _ casework.Repository = (*Cases)(nil)

// NewCases creates an empty case store.
func NewCases() *Cases {
	return &Cases{items: make(map[id.ID]casework.Case)}
}

func (s *Cases) Create(_ context.Context, c *casework.Case) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[c.ID]; ok {
		return apperror.NewConflict("case already exists")
	}
	s.items[c.ID] = *c
	return nil
}

func (s *Cases) Get(_ context.Context, caseID id.ID) (*casework.Case, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.items[caseID]
	if !ok {
		return nil, apperror.NewNotFound("case", caseID)
	}
	return &c, nil
}

func (s *Cases) GetForUpdate(ctx context.Context, caseID id.ID) (*casework.Case, error) {
	return s.Get(ctx, caseID)
}

func (s *Cases) Update(_ context.Context, c *casework.Case) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[c.ID]; !ok {
		return apperror.NewNotFound("case", c.ID)
	}
	c.Touch()
	s.items[c.ID] = *c
	return nil
}

func (s *Cases) SetTask(_ context.Context, caseID id.ID, task casework.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.items[caseID]
	if !ok {
		return apperror.NewNotFound("case", caseID)
	}
	c.Task = task
	s.items[caseID] = c
	return nil
}

func (s *Cases) GetByCorrelationID(_ context.Context, correlationID id.ID) (*casework.Case, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.items {
		if c.AuthorityCorrelationID != nil && *c.AuthorityCorrelationID == correlationID {
			return &c, nil
		}
	}
	return nil, apperror.NewNotFound("case", correlationID)
}

func (s *Cases) List(_ context.Context, filter casework.ListFilter) ([]*casework.Case, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*casework.Case, 0)
	for _, c := range s.items {
		if len(filter.Tasks) > 0 && !slices.Contains(filter.Tasks, c.Task) {
			continue
		}
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return page(out, filter.Offset, filter.Limit), nil
}

func page[T any](items []T, offset, limit int) []T {
	if offset > len(items) {
		return items[:0]
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}

// Packs is an in-memory packs.PackRepository. Like the partial unique
// indexes of the schema, it refuses a second DRAFT or ACTIVE pack per case.
type Packs struct {
	mu    sync.Mutex
	seq   int
	items map[id.ID]storedPack
}

type storedPack struct {
	pack packs.Pack
	seq  int
}

var _ packs.PackRepository = (*Packs)(nil)

// NewPacks creates an empty pack store.
func NewPacks() *Packs {
	return &Packs{items: make(map[id.ID]storedPack)}
}

func (s *Packs) checkUnique(p *packs.Pack) error {
	if p.Status != packs.StatusDraft && p.Status != packs.StatusActive {
		return nil
	}
	for _, sp := range s.items {
		if sp.pack.ID != p.ID && sp.pack.CaseID == p.CaseID && sp.pack.Status == p.Status {
			return apperror.NewInvalidState("case already has a " + string(p.Status) + " pack").
				WithDetail("case_id", p.CaseID)
		}
	}
	return nil
}

func (s *Packs) Create(_ context.Context, p *packs.Pack) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkUnique(p); err != nil {
		return err
	}
	s.seq++
	s.items[p.ID] = storedPack{pack: *p, seq: s.seq}
	return nil
}

func (s *Packs) Save(_ context.Context, p *packs.Pack) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sp, ok := s.items[p.ID]
	if !ok {
		return apperror.NewNotFound("document pack", p.ID)
	}
	if err := s.checkUnique(p); err != nil {
		return err
	}
	sp.pack = *p
	s.items[p.ID] = sp
	return nil
}

func (s *Packs) Get(_ context.Context, packID id.ID) (*packs.Pack, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sp, ok := s.items[packID]
	if !ok {
		return nil, apperror.NewNotFound("document pack", packID)
	}
	p := sp.pack
	return &p, nil
}

func (s *Packs) GetForUpdate(ctx context.Context, packID id.ID) (*packs.Pack, error) {
	return s.Get(ctx, packID)
}

func (s *Packs) ListByCase(_ context.Context, caseID id.ID, filter packs.Filter) ([]*packs.Pack, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	matched := make([]storedPack, 0)
	for _, sp := range s.items {
		if sp.pack.CaseID == caseID && filter.Match(&sp.pack) {
			matched = append(matched, sp)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		if filter.NewestFirst {
			return matched[i].seq > matched[j].seq
		}
		return matched[i].seq < matched[j].seq
	})
	out := make([]*packs.Pack, 0, len(matched))
	for _, sp := range matched {
		p := sp.pack
		out = append(out, &p)
	}
	return page(out, 0, filter.Limit), nil
}

// CountActive returns how many packs of the case are ACTIVE.
func (s *Packs) CountActive(caseID id.ID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, sp := range s.items {
		if sp.pack.CaseID == caseID && sp.pack.Status == packs.StatusActive {
			n++
		}
	}
	return n
}

// Documents is an in-memory packs.DocumentRepository.
type Documents struct {
	mu    sync.Mutex
	items []packs.Document
}

var _ packs.DocumentRepository = (*Documents)(nil)

// NewDocuments creates an empty document store.
func NewDocuments() *Documents {
	return &Documents{}
}

func (s *Documents) ListByPack(_ context.Context, packID id.ID) ([]*packs.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*packs.Document, 0)
	for _, d := range s.items {
		if d.PackID == packID {
			d := d
			out = append(out, &d)
		}
	}
	return out, nil
}

func (s *Documents) Insert(_ context.Context, d *packs.Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.items {
		if existing.PackID == d.PackID && existing.Key() == d.Key() {
			return apperror.NewConflict("document already exists").
				WithDetail("pack_id", d.PackID).
				WithDetail("document_type", d.Type)
		}
	}
	s.items = append(s.items, *d)
	return nil
}

func (s *Documents) Delete(_ context.Context, documentID id.ID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, d := range s.items {
		if d.ID == documentID {
			s.items = append(s.items[:i], s.items[i+1:]...)
			return nil
		}
	}
	return apperror.NewNotFound("document", documentID)
}

// Len returns the number of stored documents.
func (s *Documents) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}
