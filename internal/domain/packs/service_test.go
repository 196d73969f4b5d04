package packs_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"issuance/internal/core/apperror"
	"issuance/internal/core/id"
	"issuance/internal/domain/casework"
	"issuance/internal/domain/packs"
)

func TestCreateDraft(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.newCase(t, casework.ProcessFirearmsOIL, "IMA/2024/00001", casework.Details{})

	draft, err := f.svc.CreateDraft(ctx, c, false)
	require.NoError(t, err)
	assert.Equal(t, packs.StatusDraft, draft.Status)
	assert.Equal(t, packs.KindLicence, draft.Kind())
	assert.Nil(t, draft.CaseReference)
	assert.True(t, draft.ShowInWorkbasket)

	terms, ok := draft.LicenceTerms()
	require.True(t, ok)
	require.NotNil(t, terms.PaperLicenceOnly, "electronic-only type sets the default")
	assert.False(t, *terms.PaperLicenceOnly)

	_, err = f.svc.CreateDraft(ctx, c, false)
	assert.True(t, apperror.IsInvalidState(err))

	assert.Equal(t, []string{"draft_created"}, f.audit.Actions(draft.ID))
}

func TestCreateDraftLeavesPaperChoiceOpen(t *testing.T) {
	f := newFixture(t)
	c := f.newCase(t, casework.ProcessFirearmsSIL, "IMA/2024/00001", casework.Details{})

	draft, err := f.svc.CreateDraft(context.Background(), c, false)
	require.NoError(t, err)
	terms, _ := draft.LicenceTerms()
	assert.Nil(t, terms.PaperLicenceOnly)
}

func TestCreateDraftCertificate(t *testing.T) {
	f := newFixture(t)
	c := f.newCase(t, casework.ProcessCFS, "CA/2024/00001", casework.Details{
		Countries: []casework.Country{{Code: "FR", Name: "France"}},
	})

	draft, err := f.svc.CreateDraft(context.Background(), c, false)
	require.NoError(t, err)
	assert.Equal(t, packs.KindCertificate, draft.Kind())
	_, ok := draft.LicenceTerms()
	assert.False(t, ok)
}

func TestPromoteWithoutDraft(t *testing.T) {
	f := newFixture(t)
	c := f.newCase(t, casework.ProcessFirearmsSIL, "IMA/2024/00001", casework.Details{})

	_, err := f.svc.PromoteDraftToActive(context.Background(), c)
	assert.True(t, apperror.IsNoDraftPack(err))
}

func TestPromoteArchivesPreviousActive(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.newCase(t, casework.ProcessFirearmsSIL, "IMA/2024/00001", casework.Details{})

	first := f.issue(t, c, false)
	assert.Equal(t, packs.StatusActive, first.Status)
	require.NotNil(t, first.CaseReference)
	assert.Equal(t, "IMA/2024/00001", *first.CaseReference)
	assert.NotNil(t, first.CaseCompletedAt)

	// Variation opened in the meantime.
	c.Reference = "IMA/2024/00001/1"
	c.VariationCount = 1
	second := f.issue(t, c, true)

	assert.Equal(t, "IMA/2024/00001/1", *second.CaseReference)
	assert.Equal(t, 1, f.packs.CountActive(c.ID))

	old, err := f.packs.Get(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, packs.StatusArchived, old.Status)
	assert.Equal(t, "IMA/2024/00001", *old.CaseReference, "archived pack keeps its reference")

	active, err := f.svc.GetActive(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, second.ID, active.ID)

	assert.Equal(t, []string{packs.EventPackIssued, packs.EventPackIssued}, f.events.Types())
}

func TestVariationInheritsLicenceTerms(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.newCase(t, casework.ProcessFirearmsSIL, "IMA/2024/00001", casework.Details{})

	start := time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2024, 10, 1, 0, 0, 0, 0, time.UTC)
	_, err := f.svc.CreateDraft(ctx, c, false)
	require.NoError(t, err)
	_, err = f.svc.UpdateDraftLicenceTerms(ctx, c.ID, packs.LicenceTermsUpdate{
		PaperLicenceOnly: ptr(false),
		StartDate:        &start,
		EndDate:          &end,
	})
	require.NoError(t, err)
	_, err = f.svc.PromoteDraftToActive(ctx, c)
	require.NoError(t, err)

	variation, err := f.svc.CreateDraft(ctx, c, true)
	require.NoError(t, err)
	terms, ok := variation.LicenceTerms()
	require.True(t, ok)
	require.NotNil(t, terms.PaperLicenceOnly)
	assert.False(t, *terms.PaperLicenceOnly)
	assert.Equal(t, start, *terms.StartDate)
	assert.Equal(t, end, *terms.EndDate)

	// Editing the draft leaves the active pack alone.
	_, err = f.svc.UpdateDraftLicenceTerms(ctx, c.ID, packs.LicenceTermsUpdate{PaperLicenceOnly: ptr(true)})
	require.NoError(t, err)
	active, err := f.svc.GetActive(ctx, c.ID)
	require.NoError(t, err)
	activeTerms, _ := active.LicenceTerms()
	assert.False(t, *activeTerms.PaperLicenceOnly)
}

func TestUpdateDraftLicenceTermsValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.UpdateDraftLicenceTerms(ctx, id.New(), packs.LicenceTermsUpdate{})
	assert.True(t, apperror.IsNoDraftPack(err))

	c := f.newCase(t, casework.ProcessFirearmsSIL, "IMA/2024/00001", casework.Details{})
	_, err = f.svc.CreateDraft(ctx, c, false)
	require.NoError(t, err)

	start := time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 0, -1)
	_, err = f.svc.UpdateDraftLicenceTerms(ctx, c.ID, packs.LicenceTermsUpdate{StartDate: &start, EndDate: &end})
	assert.True(t, apperror.IsValidation(err))

	cert := f.newCase(t, casework.ProcessCOM, "CA/2024/00001", casework.Details{
		Countries: []casework.Country{{Code: "FR", Name: "France"}},
	})
	_, err = f.svc.CreateDraft(ctx, cert, false)
	require.NoError(t, err)
	_, err = f.svc.UpdateDraftLicenceTerms(ctx, cert.ID, packs.LicenceTermsUpdate{PaperLicenceOnly: ptr(true)})
	assert.True(t, apperror.IsInvalidState(err))
}

func TestRevokeActive(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.newCase(t, casework.ProcessFirearmsSIL, "IMA/2024/00001", casework.Details{})
	issued := f.issue(t, c, false)

	_, err := f.svc.GetRevoked(ctx, c.ID)
	assert.True(t, apperror.IsNotFound(err))

	revoked, err := f.svc.RevokeActive(ctx, c.ID, "licence no longer required", true)
	require.NoError(t, err)
	assert.Equal(t, issued.ID, revoked.ID)
	assert.Equal(t, packs.StatusRevoked, revoked.Status)
	assert.Equal(t, "licence no longer required", *revoked.RevokeReason)
	assert.True(t, revoked.RevokeNotified)

	_, err = f.svc.RevokeActive(ctx, c.ID, "again", false)
	assert.True(t, apperror.IsInvalidState(err))

	got, err := f.svc.GetRevoked(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, issued.ID, got.ID)

	active, err := f.svc.GetActiveOptional(ctx, c.ID)
	require.NoError(t, err)
	assert.Nil(t, active)

	assert.Equal(t, []string{packs.EventPackIssued, packs.EventPackRevoked}, f.events.Types())
}

func TestDiscardDraft(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.newCase(t, casework.ProcessFirearmsSIL, "IMA/2024/00001", casework.Details{})

	_, err := f.svc.DiscardDraft(ctx, c.ID)
	assert.True(t, apperror.IsNoDraftPack(err))

	draft, err := f.svc.CreateDraft(ctx, c, false)
	require.NoError(t, err)
	discarded, err := f.svc.DiscardDraft(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, draft.ID, discarded.ID)
	assert.Equal(t, packs.StatusArchived, discarded.Status)
	assert.Nil(t, discarded.CaseCompletedAt)

	issued, err := f.svc.ListIssued(ctx, c.ID)
	require.NoError(t, err)
	assert.Empty(t, issued, "a discarded draft was never issued")

	// A new draft can be started afterwards.
	_, err = f.svc.CreateDraft(ctx, c, false)
	assert.NoError(t, err)
}

func TestGetLatest(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.newCase(t, casework.ProcessFirearmsSIL, "IMA/2024/00001", casework.Details{})

	_, err := f.svc.GetLatest(ctx, c.ID)
	assert.True(t, apperror.IsNotFound(err))

	active := f.issue(t, c, false)
	latest, err := f.svc.GetLatest(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, active.ID, latest.ID)

	draft, err := f.svc.CreateDraft(ctx, c, true)
	require.NoError(t, err)
	latest, err = f.svc.GetLatest(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, draft.ID, latest.ID)

	got, err := f.svc.GetDraft(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, draft.ID, got.ID)
}

func TestListIssuedOldestFirst(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.newCase(t, casework.ProcessFirearmsSIL, "IMA/2024/00001", casework.Details{})

	first := f.issue(t, c, false)
	c.Reference, c.VariationCount = "IMA/2024/00001/1", 1
	second := f.issue(t, c, true)
	c.Reference, c.VariationCount = "IMA/2024/00001/2", 2
	third := f.issue(t, c, true)

	issued, err := f.svc.ListIssued(ctx, c.ID)
	require.NoError(t, err)
	require.Len(t, issued, 3)
	assert.Equal(t, []id.ID{first.ID, second.ID, third.ID}, []id.ID{issued[0].ID, issued[1].ID, issued[2].ID})
	assert.Equal(t, packs.StatusActive, issued[2].Status)

	history, err := f.svc.LicenceHistory(ctx, c.ID)
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, third.ID, history[0].Pack.ID, "history is newest first")
	assert.NotEmpty(t, history[0].Documents)

	certs, err := f.svc.CertificateHistory(ctx, c.ID)
	require.NoError(t, err)
	assert.Empty(t, certs)
}

func TestWorkbasket(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.newCase(t, casework.ProcessFirearmsSIL, "IMA/2024/00001", casework.Details{})
	other := f.newCase(t, casework.ProcessFirearmsSIL, "IMA/2024/00002", casework.Details{})
	issued := f.issue(t, c, false)

	list, err := f.svc.ListWorkbasket(ctx, c.ID)
	require.NoError(t, err)
	require.Len(t, list, 1)

	err = f.svc.RemoveFromWorkbasket(ctx, other.ID, issued.ID)
	assert.True(t, apperror.IsNotFound(err), "pack belongs to another case")

	require.NoError(t, f.svc.RemoveFromWorkbasket(ctx, c.ID, issued.ID))
	require.NoError(t, f.svc.RemoveFromWorkbasket(ctx, c.ID, issued.ID))

	list, err = f.svc.ListWorkbasket(ctx, c.ID)
	require.NoError(t, err)
	assert.Empty(t, list)

	active, err := f.svc.GetActive(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, packs.StatusActive, active.Status, "workbasket flag does not touch status")
}
