package packs_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"issuance/internal/core/lock"
	"issuance/internal/core/numerator"
	"issuance/internal/core/tx"
	"issuance/internal/domain/casework"
	"issuance/internal/domain/memstore"
	"issuance/internal/domain/packs"
	"issuance/internal/domain/reference"
	"issuance/internal/domain/rules"
)

type fixture struct {
	txm    *tx.Memory
	cases  *memstore.Cases
	packs  *memstore.Packs
	docs   *memstore.Documents
	audit  *memstore.Audit
	events *memstore.Events
	seq    *numerator.MockStore
	svc    *packs.Service
	docSvc *packs.DocumentService
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	registry, err := rules.NewRegistry(rules.DefaultApplicationTypes())
	require.NoError(t, err)

	f := &fixture{
		txm:    &tx.Memory{},
		cases:  memstore.NewCases(),
		packs:  memstore.NewPacks(),
		docs:   memstore.NewDocuments(),
		audit:  &memstore.Audit{},
		events: &memstore.Events{},
		seq:    numerator.NewMockStore(),
	}
	allocator := reference.NewAllocator(lock.NewMemory(), f.seq,
		reference.WithClock(func() time.Time { return time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC) }))

	f.svc = packs.NewService(f.txm, f.packs, f.docs, registry, f.audit, f.events)
	f.docSvc = packs.NewDocumentService(f.txm, f.packs, f.docs, f.cases, allocator, registry, f.audit)
	return f
}

func (f *fixture) newCase(t *testing.T, p casework.ProcessType, ref string, details casework.Details) *casework.Case {
	t.Helper()
	if details.Organisation.Name == "" {
		details.Organisation = casework.Organisation{Name: "Acme Ltd", EORINumber: "GB123456789000"}
	}
	c := casework.NewCase(p, details)
	c.Reference = ref
	c.Status = casework.StatusProcessing
	require.NoError(t, f.cases.Create(context.Background(), c))
	return c
}

// issue runs draft, documents and promotion for c.
func (f *fixture) issue(t *testing.T, c *casework.Case, isVariation bool) *packs.Pack {
	t.Helper()
	ctx := context.Background()
	draft, err := f.svc.CreateDraft(ctx, c, isVariation)
	require.NoError(t, err)
	_, err = f.docSvc.CreateAll(ctx, c, draft)
	require.NoError(t, err)
	active, err := f.svc.PromoteDraftToActive(ctx, c)
	require.NoError(t, err)
	return active
}

func ptr[T any](v T) *T { return &v }
