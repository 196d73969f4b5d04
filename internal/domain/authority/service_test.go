package authority_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"issuance/internal/core/apperror"
	"issuance/internal/core/features"
	"issuance/internal/core/id"
	"issuance/internal/core/lock"
	"issuance/internal/core/numerator"
	"issuance/internal/core/tx"
	"issuance/internal/domain/authority"
	"issuance/internal/domain/casework"
	"issuance/internal/domain/memstore"
	"issuance/internal/domain/packs"
	"issuance/internal/domain/reference"
	"issuance/internal/domain/rules"
)

type fakeTransport struct {
	mu       sync.Mutex
	payloads []authority.Envelope
	// pendingAtSend records the request status seen while sending.
	pendingAtSend []authority.RequestStatus
	requests      *memstore.Requests
	respond       func() (*authority.Response, error)
}

func (f *fakeTransport) Send(ctx context.Context, payload []byte) (*authority.Response, error) {
	var env authority.Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.payloads = append(f.payloads, env)
	f.mu.Unlock()

	cid, err := id.Parse(env.Licence.ID)
	if err != nil {
		return nil, err
	}
	latest, err := f.requests.LatestByCorrelation(ctx, cid)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.pendingAtSend = append(f.pendingAtSend, latest.Status)
	f.mu.Unlock()

	if f.respond != nil {
		return f.respond()
	}
	return &authority.Response{StatusCode: 202, Body: []byte(`{}`)}, nil
}

func (f *fakeTransport) last() authority.LicenceData {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.payloads[len(f.payloads)-1].Licence
}

type fakeReporter struct {
	mu   sync.Mutex
	errs []error
}

func (r *fakeReporter) Report(_ context.Context, err error, _ map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, err)
}

func (r *fakeReporter) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.errs)
}

type fixture struct {
	cases     *memstore.Cases
	requests  *memstore.Requests
	packs     *packs.Service
	docs      *packs.DocumentService
	flags     *features.InMemoryFlags
	transport *fakeTransport
	reporter  *fakeReporter
	svc       *authority.Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	registry, err := rules.NewRegistry(rules.DefaultApplicationTypes())
	require.NoError(t, err)

	txm := &tx.Memory{}
	f := &fixture{
		cases:    memstore.NewCases(),
		requests: memstore.NewRequests(),
		flags:    features.NewInMemoryFlags(),
		reporter: &fakeReporter{},
	}
	f.flags.SetFlag(features.FlagAuthorityTransmission, true)
	f.transport = &fakeTransport{requests: f.requests}

	packRepo, docRepo := memstore.NewPacks(), memstore.NewDocuments()
	allocator := reference.NewAllocator(lock.NewMemory(), numerator.NewMockStore(),
		reference.WithClock(func() time.Time { return time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC) }))
	f.packs = packs.NewService(txm, packRepo, docRepo, registry, nil, nil)
	f.docs = packs.NewDocumentService(txm, packRepo, docRepo, f.cases, allocator, registry, nil)
	f.svc = authority.NewService(authority.Deps{
		TxManager: txm,
		Requests:  f.requests,
		Cases:     f.cases,
		Packs:     f.packs,
		Documents: f.docs,
		Types:     registry,
		Transport: f.transport,
		Flags:     f.flags,
		Reporter:  f.reporter,
	})
	return f
}

// issue creates, documents and promotes a pack for c under ref.
func (f *fixture) issue(t *testing.T, c *casework.Case, ref string, isVariation bool) {
	t.Helper()
	ctx := context.Background()

	c.Reference = ref
	require.NoError(t, f.cases.Update(ctx, c))

	draft, err := f.packs.CreateDraft(ctx, c, isVariation)
	require.NoError(t, err)
	if !isVariation {
		start := time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC)
		end := time.Date(2024, 10, 1, 0, 0, 0, 0, time.UTC)
		_, err = f.packs.UpdateDraftLicenceTerms(ctx, c.ID, packs.LicenceTermsUpdate{StartDate: &start, EndDate: &end})
		require.NoError(t, err)
	}
	_, err = f.docs.CreateAll(ctx, c, draft)
	require.NoError(t, err)
	_, err = f.packs.PromoteDraftToActive(ctx, c)
	require.NoError(t, err)
}

func (f *fixture) newLicenceCase(t *testing.T) *casework.Case {
	t.Helper()
	c := casework.NewCase(casework.ProcessFirearmsSIL, casework.Details{
		Organisation:  casework.Organisation{Name: "Acme Ltd", EORINumber: "GB123456789000"},
		OriginCountry: "US",
	})
	c.Status = casework.StatusProcessing
	require.NoError(t, f.cases.Create(context.Background(), c))
	return c
}

func (f *fixture) reload(t *testing.T, c *casework.Case) *casework.Case {
	t.Helper()
	got, err := f.cases.Get(context.Background(), c.ID)
	require.NoError(t, err)
	return got
}

func TestSubmitLicenceInsert(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.newLicenceCase(t)
	f.issue(t, c, "IMA/2024/00001", false)

	req, err := f.svc.SubmitLicence(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, authority.ActionInsert, req.Action)
	assert.Equal(t, authority.StatusSent, req.Status)
	assert.Equal(t, []authority.RequestStatus{authority.StatusPending}, f.transport.pendingAtSend, "row is recorded before sending")

	lic := f.transport.last()
	assert.Equal(t, "IMA/2024/00001", lic.Reference)
	assert.Equal(t, "GBSIL0000001B", lic.LicenceReference)
	assert.Equal(t, "SIL", lic.Type)
	assert.Equal(t, "US", lic.CountryCode)

	stored := f.reload(t, c)
	require.NotNil(t, stored.AuthorityCorrelationID)
	assert.Equal(t, stored.AuthorityCorrelationID.String(), lic.ID)
	assert.Equal(t, *stored.AuthorityCorrelationID, req.CorrelationID)
	assert.Equal(t, casework.TaskAuthorityWait, stored.Task)

	list, err := f.svc.ListRequests(ctx, c.ID)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, authority.StatusSent, list[0].Status)
	assert.Equal(t, 202, *list[0].ResponseStatus)
}

func TestSubmitAfterVariationReplaces(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.newLicenceCase(t)
	f.issue(t, c, "IMA/2024/00001", false)
	first, err := f.svc.SubmitLicence(ctx, c.ID)
	require.NoError(t, err)

	c = f.reload(t, c)
	c.VariationCount = 1
	f.issue(t, c, "IMA/2024/00001/1", true)

	second, err := f.svc.SubmitLicence(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, authority.ActionReplace, second.Action)
	assert.Equal(t, first.CorrelationID, second.CorrelationID)
	assert.Equal(t, "IMA/2024/00001/1", f.transport.last().Reference)
	assert.Equal(t, "GBSIL0000001B", f.transport.last().LicenceReference)
}

func TestSubmitRejectedIsRecorded(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.newLicenceCase(t)
	f.issue(t, c, "IMA/2024/00001", false)

	f.transport.respond = func() (*authority.Response, error) {
		return nil, &authority.TransmissionError{
			StatusCode: 400,
			Body:       []byte(`{"errors":[{"error_code":"E100","error_msg":"bad licence"}]}`),
			Err:        errors.New("bad request"),
		}
	}
	req, err := f.svc.SubmitLicence(ctx, c.ID)
	require.NoError(t, err, "transmission failures are recorded, not returned")
	assert.Equal(t, authority.StatusInternalError, req.Status)
	assert.Equal(t, casework.TaskAuthorityError, f.reload(t, c).Task)
	assert.Equal(t, 1, f.reporter.count())

	errs, err := f.svc.ListErrors(ctx, req.ID)
	require.NoError(t, err)
	require.Len(t, errs, 1)
	assert.Equal(t, 400, errs[0].StatusCode)
	assert.Contains(t, errs[0].Message, "E100")

	// Any earlier attempt for the case turns the retry into a replace.
	f.transport.respond = nil
	retry, err := f.svc.SubmitLicence(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, authority.ActionReplace, retry.Action)
	assert.NotEqual(t, req.ID, retry.ID)
	assert.Equal(t, req.CorrelationID, retry.CorrelationID)

	list, err := f.svc.ListRequests(ctx, c.ID)
	require.NoError(t, err)
	assert.Len(t, list, 2, "failed attempt is kept")
}

func TestSubmitNetworkFailureAssumesDelivery(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.newLicenceCase(t)
	f.issue(t, c, "IMA/2024/00001", false)

	f.transport.respond = func() (*authority.Response, error) {
		return nil, &authority.TransmissionError{Err: context.DeadlineExceeded}
	}
	req, err := f.svc.SubmitLicence(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, authority.StatusInternalError, req.Status)
	assert.Nil(t, req.ResponseStatus)

	f.transport.respond = nil
	retry, err := f.svc.SubmitLicence(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, authority.ActionReplace, retry.Action, "a timed out insert may have landed")
}

func TestSubmitWithTransmissionDisabled(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.newLicenceCase(t)
	f.issue(t, c, "IMA/2024/00001", false)
	f.flags.SetFlag(features.FlagAuthorityTransmission, false)

	req, err := f.svc.SubmitLicence(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, authority.StatusSent, req.Status)
	assert.Empty(t, f.transport.payloads)
	assert.Equal(t, casework.TaskAuthorityWait, f.reload(t, c).Task)
}

func TestSubmitRevocation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.newLicenceCase(t)
	f.issue(t, c, "IMA/2024/00001", false)

	_, err := f.packs.RevokeActive(ctx, c.ID, "no longer required", false)
	require.NoError(t, err)
	_, err = f.svc.SubmitRevocation(ctx, c.ID)
	assert.True(t, apperror.IsInvalidState(err), "nothing to cancel before the first send")

	other := f.newLicenceCase(t)
	f.issue(t, other, "IMA/2024/00002", false)
	sent, err := f.svc.SubmitLicence(ctx, other.ID)
	require.NoError(t, err)
	_, err = f.packs.RevokeActive(ctx, other.ID, "no longer required", true)
	require.NoError(t, err)

	cancel, err := f.svc.SubmitRevocation(ctx, other.ID)
	require.NoError(t, err)
	assert.Equal(t, authority.ActionCancel, cancel.Action)
	assert.Equal(t, sent.CorrelationID, cancel.CorrelationID)
	assert.Nil(t, f.transport.last().Organisation)
	assert.Equal(t, casework.TaskAuthorityRevokeWait, f.reload(t, other).Task)
}

func TestSubmitCertificateRejected(t *testing.T) {
	f := newFixture(t)
	c := casework.NewCase(casework.ProcessCFS, casework.Details{
		Organisation: casework.Organisation{Name: "Acme"},
		Countries:    []casework.Country{{Code: "FR", Name: "France"}},
	})
	require.NoError(t, f.cases.Create(context.Background(), c))

	_, err := f.svc.SubmitLicence(context.Background(), c.ID)
	assert.True(t, apperror.IsInvalidState(err))
}

func TestHandleCallback(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	accepted := f.newLicenceCase(t)
	f.issue(t, accepted, "IMA/2024/00001", false)
	a, err := f.svc.SubmitLicence(ctx, accepted.ID)
	require.NoError(t, err)

	rejected := f.newLicenceCase(t)
	f.issue(t, rejected, "IMA/2024/00002", false)
	r, err := f.svc.SubmitLicence(ctx, rejected.ID)
	require.NoError(t, err)

	done, err := f.svc.HandleCallback(ctx, authority.Callback{
		Accepted: []authority.CallbackItem{{ID: a.CorrelationID.String()}, {ID: id.New().String()}, {ID: "junk"}},
		Rejected: []authority.CallbackItem{{ID: r.CorrelationID.String(), Errors: []json.RawMessage{json.RawMessage(`{"error_code":"E7"}`)}}},
	})
	require.NoError(t, err)
	assert.Equal(t, []authority.CallbackItem{{ID: a.CorrelationID.String()}}, done.Accepted)
	assert.Equal(t, []authority.CallbackItem{{ID: r.CorrelationID.String()}}, done.Rejected)

	assert.Equal(t, casework.TaskNone, f.reload(t, accepted).Task)
	assert.Equal(t, casework.TaskAuthorityError, f.reload(t, rejected).Task)

	errs, err := f.svc.ListErrors(ctx, r.ID)
	require.NoError(t, err)
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].Message, "E7")

	list, err := f.svc.ListRequests(ctx, accepted.ID)
	require.NoError(t, err)
	require.NotNil(t, list[0].CallbackOutcome)
	assert.Equal(t, authority.CallbackAccepted, *list[0].CallbackOutcome)
}

func TestReconcileStale(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.newLicenceCase(t)
	cid := id.New()

	stale := &authority.Request{
		ID:            id.New(),
		CaseID:        c.ID,
		Action:        authority.ActionInsert,
		CorrelationID: cid,
		Status:        authority.StatusPending,
		RequestedAt:   time.Now().UTC().Add(-time.Hour),
	}
	fresh := &authority.Request{
		ID:            id.New(),
		CaseID:        c.ID,
		Action:        authority.ActionInsert,
		CorrelationID: cid,
		Status:        authority.StatusPending,
		RequestedAt:   time.Now().UTC(),
	}
	require.NoError(t, f.requests.Create(ctx, stale))
	require.NoError(t, f.requests.Create(ctx, fresh))

	n, err := f.svc.ReconcileStale(ctx, 10*time.Minute, 100)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, casework.TaskAuthorityError, f.reload(t, c).Task)
	assert.Equal(t, 1, f.reporter.count())

	list, err := f.svc.ListRequests(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, authority.StatusInternalError, list[0].Status)
	assert.Equal(t, authority.StatusPending, list[1].Status)
}
