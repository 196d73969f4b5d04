package packs_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"issuance/internal/core/apperror"
	"issuance/internal/core/numerator"
	"issuance/internal/domain/casework"
	"issuance/internal/domain/packs"
)

func refs(docs []*packs.Document) []string {
	out := make([]string, 0, len(docs))
	for _, d := range docs {
		if d.Reference == nil {
			out = append(out, string(d.Type))
			continue
		}
		out = append(out, *d.Reference)
	}
	return out
}

func TestCreateAllLicence(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.newCase(t, casework.ProcessFirearmsSIL, "IMA/2024/00001", casework.Details{})

	draft, err := f.svc.CreateDraft(ctx, c, false)
	require.NoError(t, err)

	docs, err := f.docSvc.CreateAll(ctx, c, draft)
	require.NoError(t, err)
	assert.Equal(t, []string{"COVER_LETTER", "GBSIL0000001B"}, refs(docs))
	require.NotNil(t, c.LicenceNumber)
	assert.EqualValues(t, 1, *c.LicenceNumber)

	again, err := f.docSvc.CreateAll(ctx, c, draft)
	require.NoError(t, err)
	assert.Equal(t, refs(docs), refs(again))
	assert.Equal(t, docs[1].ID, again[1].ID)
	assert.Equal(t, 2, f.docs.Len())
	assert.EqualValues(t, 1, f.seq.Last(numerator.GlobalScope("ILD")), "no number wasted on retry")
}

func TestCreateAllPaperLicence(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.newCase(t, casework.ProcessSanctions, "IMA/2024/00001", casework.Details{OriginCountry: "IR"})

	draft, err := f.svc.CreateDraft(ctx, c, false)
	require.NoError(t, err)

	docs, err := f.docSvc.CreateAll(ctx, c, draft)
	require.NoError(t, err)
	assert.Equal(t, []string{"0000001B"}, refs(docs), "paper-only sanctions licence has no GB prefix and no cover letter")
}

func TestCreateAllFollowsPaperFlagChange(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.newCase(t, casework.ProcessSanctions, "IMA/2024/00001", casework.Details{OriginCountry: "IR"})

	draft, err := f.svc.CreateDraft(ctx, c, false)
	require.NoError(t, err)
	docs, err := f.docSvc.CreateAll(ctx, c, draft)
	require.NoError(t, err)
	assert.Equal(t, []string{"0000001B"}, refs(docs))

	draft, err = f.svc.UpdateDraftLicenceTerms(ctx, c.ID, packs.LicenceTermsUpdate{PaperLicenceOnly: ptr(false)})
	require.NoError(t, err)
	docs, err = f.docSvc.CreateAll(ctx, c, draft)
	require.NoError(t, err)
	assert.Equal(t, []string{"COVER_LETTER", "GBSAN0000001B"}, refs(docs))
	assert.EqualValues(t, 1, f.seq.Last(numerator.GlobalScope("ILD")), "licence number is kept")

	draft, err = f.svc.UpdateDraftLicenceTerms(ctx, c.ID, packs.LicenceTermsUpdate{PaperLicenceOnly: ptr(true)})
	require.NoError(t, err)
	docs, err = f.docSvc.CreateAll(ctx, c, draft)
	require.NoError(t, err)
	assert.Equal(t, []string{"0000001B"}, refs(docs))
	assert.Equal(t, 1, f.docs.Len())
}

func TestCreateAllCategories(t *testing.T) {
	tests := []struct {
		process casework.ProcessType
		want    string
	}{
		{casework.ProcessFirearmsOIL, "GBOIL0000001B"},
		{casework.ProcessFirearmsDFL, "GBSIL0000001B"},
	}
	for _, tt := range tests {
		t.Run(string(tt.process), func(t *testing.T) {
			f := newFixture(t)
			ctx := context.Background()
			c := f.newCase(t, tt.process, "IMA/2024/00001", casework.Details{})

			draft, err := f.svc.CreateDraft(ctx, c, false)
			require.NoError(t, err)
			doc, err := f.docSvc.CreateAll(ctx, c, draft)
			require.NoError(t, err)
			licence, err := f.docSvc.Get(ctx, draft.ID, packs.DocumentKey{Type: packs.DocumentLicence})
			require.NoError(t, err)
			assert.Equal(t, tt.want, *licence.Reference)
			assert.NotEmpty(t, doc)
		})
	}
}

func TestVariationReusesLicenceNumber(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.newCase(t, casework.ProcessFirearmsSIL, "IMA/2024/00001", casework.Details{})
	other := f.newCase(t, casework.ProcessFirearmsSIL, "IMA/2024/00002", casework.Details{})

	f.issue(t, c, false)
	f.issue(t, other, false)

	stored, err := f.cases.Get(ctx, c.ID)
	require.NoError(t, err)
	stored.Reference = "IMA/2024/00001/1"
	stored.VariationCount = 1
	require.NoError(t, f.cases.Update(ctx, stored))

	draft, err := f.svc.CreateDraft(ctx, stored, true)
	require.NoError(t, err)
	docs, err := f.docSvc.CreateAll(ctx, stored, draft)
	require.NoError(t, err)
	assert.Equal(t, []string{"GBSIL0000001B"}, refs(docs), "variation keeps the number and drops the cover letter")

	otherDocs, err := f.docSvc.All(ctx, mustActive(t, f, other).ID)
	require.NoError(t, err)
	assert.Contains(t, refs(otherDocs), "GBSIL0000002C")
}

func mustActive(t *testing.T, f *fixture, c *casework.Case) *packs.Pack {
	t.Helper()
	p, err := f.svc.GetActive(context.Background(), c.ID)
	require.NoError(t, err)
	return p
}

func TestCreateAllCertificates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.newCase(t, casework.ProcessCFS, "CA/2024/00001", casework.Details{
		Countries: []casework.Country{
			{Code: "JP", Name: "Japan"},
			{Code: "BR", Name: "Brazil"},
			{Code: "FR", Name: "France"},
		},
	})

	draft, err := f.svc.CreateDraft(ctx, c, false)
	require.NoError(t, err)
	docs, err := f.docSvc.CreateAll(ctx, c, draft)
	require.NoError(t, err)
	assert.Equal(t, []string{"CFS/2024/00001", "CFS/2024/00002", "CFS/2024/00003"}, refs(docs))
	assert.Equal(t, "BR", docs[0].Country, "numbered in country name order")
	assert.Equal(t, "JP", docs[2].Country)

	fr, err := f.docSvc.Get(ctx, draft.ID, packs.DocumentKey{Type: packs.DocumentCertificate, Country: "FR"})
	require.NoError(t, err)
	assert.Equal(t, "CFS/2024/00002", *fr.Reference)

	_, err = f.docSvc.Get(ctx, draft.ID, packs.DocumentKey{Type: packs.DocumentCertificate, Country: "DE"})
	assert.True(t, apperror.IsNotFound(err))
	missing, err := f.docSvc.GetOptional(ctx, draft.ID, packs.DocumentKey{Type: packs.DocumentCertificate, Country: "DE"})
	require.NoError(t, err)
	assert.Nil(t, missing)

	certs, err := f.docSvc.Certificates(ctx, draft.ID)
	require.NoError(t, err)
	assert.Len(t, certs, 3)
}

func TestCreateAllGMPCertificates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.newCase(t, casework.ProcessGMP, "GA/2024/00001", casework.Details{
		Countries: []casework.Country{{Code: "CN", Name: "China"}, {Code: "BR", Name: "Brazil"}},
		Brands:    []string{"Zest", "Aloe"},
	})

	draft, err := f.svc.CreateDraft(ctx, c, false)
	require.NoError(t, err)
	docs, err := f.docSvc.CreateAll(ctx, c, draft)
	require.NoError(t, err)
	require.Len(t, docs, 4)

	keys := make([]packs.DocumentKey, 0, len(docs))
	for _, d := range docs {
		keys = append(keys, d.Key())
	}
	assert.Equal(t, []packs.DocumentKey{
		{Type: packs.DocumentCertificate, Country: "BR", Brand: "Aloe"},
		{Type: packs.DocumentCertificate, Country: "BR", Brand: "Zest"},
		{Type: packs.DocumentCertificate, Country: "CN", Brand: "Aloe"},
		{Type: packs.DocumentCertificate, Country: "CN", Brand: "Zest"},
	}, keys)
	assert.Equal(t, "GMP/2024/00004", *docs[3].Reference)
}

func TestCreateAllRemovesStaleDocuments(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.newCase(t, casework.ProcessCOM, "CA/2024/00001", casework.Details{
		Countries: []casework.Country{{Code: "FR", Name: "France"}, {Code: "JP", Name: "Japan"}},
	})

	draft, err := f.svc.CreateDraft(ctx, c, false)
	require.NoError(t, err)
	_, err = f.docSvc.CreateAll(ctx, c, draft)
	require.NoError(t, err)

	stored, err := f.cases.Get(ctx, c.ID)
	require.NoError(t, err)
	stored.Details.Countries = []casework.Country{{Code: "JP", Name: "Japan"}, {Code: "US", Name: "United States"}}
	require.NoError(t, f.cases.Update(ctx, stored))

	docs, err := f.docSvc.CreateAll(ctx, stored, draft)
	require.NoError(t, err)
	assert.Equal(t, []string{"COM/2024/00002", "COM/2024/00003"}, refs(docs), "JP keeps its number, FR is dropped, US is new")
}

func TestCreateAllRequiresDraft(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.newCase(t, casework.ProcessFirearmsSIL, "IMA/2024/00001", casework.Details{})
	active := f.issue(t, c, false)

	_, err := f.docSvc.CreateAll(ctx, c, active)
	assert.True(t, apperror.IsInvalidState(err))

	other := f.newCase(t, casework.ProcessFirearmsSIL, "IMA/2024/00002", casework.Details{})
	draft, err := f.svc.CreateDraft(ctx, other, false)
	require.NoError(t, err)
	_, err = f.docSvc.CreateAll(ctx, c, draft)
	assert.True(t, apperror.IsNotFound(err), "pack of another case")
}

func TestDocumentValidate(t *testing.T) {
	ctx := context.Background()
	blank := "  "
	ref := "CFS/2024/00001"

	assert.True(t, apperror.IsValidation((&packs.Document{Type: packs.DocumentLicence}).Validate(ctx)))
	assert.True(t, apperror.IsValidation((&packs.Document{Type: packs.DocumentCertificate, Reference: &blank}).Validate(ctx)))
	assert.NoError(t, (&packs.Document{Type: packs.DocumentCertificate, Reference: &ref}).Validate(ctx))
	assert.NoError(t, (&packs.Document{Type: packs.DocumentCoverLetter}).Validate(ctx))
}
