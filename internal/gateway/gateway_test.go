package gateway

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/docgate/internal/backend"
	"github.com/fyrsmithlabs/docgate/internal/extract"
	"github.com/fyrsmithlabs/docgate/internal/logging"
	"github.com/fyrsmithlabs/docgate/internal/plan"
	"github.com/fyrsmithlabs/docgate/internal/provision"
	"github.com/fyrsmithlabs/docgate/internal/quota"
	"github.com/fyrsmithlabs/docgate/internal/ratelimit"
	"github.com/fyrsmithlabs/docgate/internal/scope"
	"github.com/fyrsmithlabs/docgate/internal/store"
	"github.com/fyrsmithlabs/docgate/internal/token"
)

// fakeBackend is an in-memory Backend honoring document-id filters.
type fakeBackend struct {
	mu      sync.Mutex
	docs    map[string]backend.Document
	nextID  int
	failAll bool
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{docs: map[string]backend.Document{}}
}

func (f *fakeBackend) Upsert(_ context.Context, docs []backend.Document) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAll {
		return nil, backend.ErrBackendFailure
	}
	ids := make([]string, len(docs))
	for i, doc := range docs {
		f.nextID++
		id := fmt.Sprintf("doc-%d", f.nextID)
		doc.ID = id
		f.docs[id] = doc
		ids[i] = id
	}
	return ids, nil
}

func (f *fakeBackend) Query(_ context.Context, queries []backend.Query) ([]backend.QueryResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAll {
		return nil, backend.ErrBackendFailure
	}
	results := make([]backend.QueryResult, len(queries))
	for i, q := range queries {
		results[i] = backend.QueryResult{Query: q.Text, Results: []backend.ScoredDocument{}}
		for _, id := range filterIDs(q.Filter, f.docs) {
			doc := f.docs[id]
			results[i].Results = append(results[i].Results, backend.ScoredDocument{
				DocumentID: id,
				Text:       doc.Text,
				Score:      1,
				Metadata:   doc.Metadata,
			})
		}
	}
	return results, nil
}

func (f *fakeBackend) Matching(_ context.Context, filter *backend.Filter) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAll {
		return nil, backend.ErrBackendFailure
	}
	return filterIDs(filter, f.docs), nil
}

func (f *fakeBackend) Delete(_ context.Context, ids []string, filter *backend.Filter) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAll {
		return false, backend.ErrBackendFailure
	}
	for _, id := range ids {
		delete(f.docs, id)
	}
	if filter != nil {
		for _, id := range filterIDs(filter, f.docs) {
			delete(f.docs, id)
		}
	}
	return true, nil
}

func (f *fakeBackend) Close() error { return nil }

func (f *fakeBackend) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.docs)
}

// filterIDs returns stored ids matching the filter. A non-nil filter with an
// empty id list matches nothing, mirroring the real backend.
func filterIDs(filter *backend.Filter, docs map[string]backend.Document) []string {
	var out []string
	if filter == nil {
		for id := range docs {
			out = append(out, id)
		}
		return out
	}
	for _, id := range filter.DocumentIDs {
		doc, ok := docs[id]
		if !ok {
			continue
		}
		match := true
		for k, v := range filter.Metadata {
			if doc.Metadata[k] != v {
				match = false
				break
			}
		}
		if match {
			out = append(out, id)
		}
	}
	return out
}

type fakeProvisioner struct {
	mu            sync.Mutex
	ensured       []string
	torn          []string
	failEnsurance bool
	failTeardown  bool
}

func (f *fakeProvisioner) Ensure(_ context.Context, req *provision.SurfaceRequest) (*provision.Surface, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failEnsurance {
		return nil, provision.ErrProvisionFailure
	}
	address := req.TenantID + "-" + provision.Slugify(req.PluginName) + "-aaaaa-bbbbb"
	f.ensured = append(f.ensured, address)
	return &provision.Surface{Address: address, Dir: "/tmp/" + address}, nil
}

func (f *fakeProvisioner) Teardown(_ context.Context, address string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failTeardown {
		return provision.ErrProvisionFailure
	}
	f.torn = append(f.torn, address)
	return nil
}

type harness struct {
	dispatcher  *Dispatcher
	backend     *fakeBackend
	provisioner *fakeProvisioner
	ledger      *quota.Ledger
	scopes      *scope.Index
	issuer      *token.Issuer
	logs        *logging.TestLogger
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	mem := store.NewMemoryStore()

	issuer, err := token.NewIssuer([]byte("gateway-test-signing-key"))
	require.NoError(t, err)
	limiter, err := ratelimit.NewLimiter(mem)
	require.NoError(t, err)
	ledger, err := quota.NewLedger(mem)
	require.NoError(t, err)
	scopes, err := scope.NewIndex(mem)
	require.NoError(t, err)

	fb := newFakeBackend()
	fp := &fakeProvisioner{}
	logs := logging.NewTestLogger()

	d, err := NewDispatcher(Options{
		Issuer:      issuer,
		Limiter:     limiter,
		Ledger:      ledger,
		Scopes:      scopes,
		Extractor:   extract.NewTextExtractor(),
		Backend:     fb,
		Provisioner: fp,
		Logger:      logs.Logger,
	})
	require.NoError(t, err)

	return &harness{
		dispatcher:  d,
		backend:     fb,
		provisioner: fp,
		ledger:      ledger,
		scopes:      scopes,
		issuer:      issuer,
		logs:        logs,
	}
}

func (h *harness) mint(t *testing.T, tenant string, p plan.Plan) string {
	t.Helper()
	credential, err := h.issuer.Mint(tenant, p, "plugin-"+tenant, "")
	require.NoError(t, err)
	return credential
}

func textUpload(text string) *IngestRequest {
	return &IngestRequest{
		Filename: "notes.txt",
		Mimetype: "text/plain",
		Data:     []byte(text),
	}
}

func TestLifecycle_StandardPlan(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	created, err := h.dispatcher.CreateTenant(ctx, &CreateTenantRequest{
		TenantID:   "acme",
		Plan:       plan.Standard,
		PluginName: "Sales Notes",
	})
	require.NoError(t, err)
	require.NotEmpty(t, created.Token)
	require.NotEmpty(t, created.PluginID)
	assert.Equal(t, "acme-sales-notes-aaaaa-bbbbb", created.SurfaceAddress)

	body := strings.Repeat("q", 500)
	ingested, err := h.dispatcher.Ingest(ctx, created.Token, textUpload(body))
	require.NoError(t, err)
	require.Len(t, ingested.DocumentIDs, 1)
	assert.EqualValues(t, 500, ingested.Usage)
	assert.Empty(t, ingested.QuotaWarning)

	used, ceiling, err := h.dispatcher.Usage(ctx, created.Token)
	require.NoError(t, err)
	assert.EqualValues(t, 500, used)
	assert.EqualValues(t, 10_000_000, ceiling)

	results, err := h.dispatcher.Query(ctx, created.Token, []backend.Query{{Text: "sales"}})
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Len(t, results[0].Results, 1)
	assert.Equal(t, ingested.DocumentIDs[0], results[0].Results[0].DocumentID)
	assert.Equal(t, body, results[0].Results[0].Text)

	deleted, err := h.dispatcher.Delete(ctx, created.Token, &DeleteRequest{DeleteAll: true})
	require.NoError(t, err)
	assert.True(t, deleted.Deleted)

	used, _, err = h.dispatcher.Usage(ctx, created.Token)
	require.NoError(t, err)
	assert.Zero(t, used)

	results, err = h.dispatcher.Query(ctx, created.Token, []backend.Query{{Text: "sales"}})
	require.NoError(t, err)
	assert.Empty(t, results[0].Results)
	assert.Zero(t, h.backend.count())
	assert.Equal(t, []string{created.SurfaceAddress}, h.provisioner.torn)
}

func TestIngest_BadToken(t *testing.T) {
	h := newHarness(t)

	_, err := h.dispatcher.Ingest(context.Background(), "garbage", textUpload("hello"))
	require.ErrorIs(t, err, token.ErrUnauthenticated)
	assert.Zero(t, h.backend.count())
}

func TestIngest_UnsupportedFormatLeavesNoTrace(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	credential := h.mint(t, "t1", plan.Free)

	_, err := h.dispatcher.Ingest(ctx, credential, &IngestRequest{
		Filename: "report.pdf",
		Mimetype: "application/pdf",
		Data:     []byte("%PDF-1.4"),
	})
	require.ErrorIs(t, err, extract.ErrUnsupportedFormat)

	usage, err := h.ledger.Usage(ctx, "t1", "plugin-t1")
	require.NoError(t, err)
	assert.Zero(t, usage)

	ids, err := h.scopes.ListIDs(ctx, "t1", "plugin-t1")
	require.NoError(t, err)
	assert.Empty(t, ids)
	assert.Zero(t, h.backend.count())
}

func TestIngest_BackendFailureLeavesNoTrace(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	credential := h.mint(t, "t1", plan.Free)
	h.backend.failAll = true

	_, err := h.dispatcher.Ingest(ctx, credential, textUpload("hello"))
	require.ErrorIs(t, err, backend.ErrBackendFailure)

	usage, err := h.ledger.Usage(ctx, "t1", "plugin-t1")
	require.NoError(t, err)
	assert.Zero(t, usage)
}

func TestIngest_QuotaWarningThenRejection(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	credential := h.mint(t, "t1", plan.Free)

	// Free ceiling is 400k. This ingest overshoots: it commits, with a
	// warning.
	big := strings.Repeat("a", 400_001)
	result, err := h.dispatcher.Ingest(ctx, credential, textUpload(big))
	require.NoError(t, err)
	require.Len(t, result.DocumentIDs, 1)
	assert.EqualValues(t, 400_001, result.Usage)
	assert.NotEmpty(t, result.QuotaWarning)

	// The next ingest is blocked before any mutation.
	_, err = h.dispatcher.Ingest(ctx, credential, textUpload("x"))
	require.ErrorIs(t, err, quota.ErrQuotaExceeded)
	assert.Equal(t, 1, h.backend.count())
}

func TestIngest_AtCeilingStillPasses(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	credential := h.mint(t, "t1", plan.Free)

	_, err := h.dispatcher.Ingest(ctx, credential, textUpload(strings.Repeat("a", 400_000)))
	require.NoError(t, err)

	// Usage equals the ceiling exactly; pre-check only rejects past it.
	result, err := h.dispatcher.Ingest(ctx, credential, textUpload("b"))
	require.NoError(t, err)
	assert.NotEmpty(t, result.QuotaWarning)
}

func TestQuery_ScopeOverridesCallerFilter(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	alice := h.mint(t, "alice", plan.Standard)
	bob := h.mint(t, "bob", plan.Standard)

	aliceDoc, err := h.dispatcher.Ingest(ctx, alice, textUpload("alice private notes"))
	require.NoError(t, err)
	_, err = h.dispatcher.Ingest(ctx, bob, textUpload("bob private notes"))
	require.NoError(t, err)

	// Bob names Alice's document id explicitly; the scope fence drops it.
	results, err := h.dispatcher.Query(ctx, bob, []backend.Query{{
		Text:   "notes",
		Filter: &backend.Filter{DocumentIDs: aliceDoc.DocumentIDs},
	}})
	require.NoError(t, err)
	require.Len(t, results, 1)
	for _, hit := range results[0].Results {
		assert.NotContains(t, aliceDoc.DocumentIDs, hit.DocumentID)
	}
}

func TestQuery_EmptyScopeReturnsNothing(t *testing.T) {
	h := newHarness(t)
	credential := h.mint(t, "fresh", plan.Free)

	results, err := h.dispatcher.Query(context.Background(), credential, []backend.Query{{Text: "anything"}})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Empty(t, results[0].Results)
}

func TestQuery_MetadataFilterPreserved(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	credential := h.mint(t, "t1", plan.Standard)

	_, err := h.dispatcher.Ingest(ctx, credential, &IngestRequest{
		Filename: "a.txt", Mimetype: "text/plain", Data: []byte("doc a"),
		Metadata: map[string]string{"source": "email"},
	})
	require.NoError(t, err)
	_, err = h.dispatcher.Ingest(ctx, credential, &IngestRequest{
		Filename: "b.txt", Mimetype: "text/plain", Data: []byte("doc b"),
		Metadata: map[string]string{"source": "wiki"},
	})
	require.NoError(t, err)

	results, err := h.dispatcher.Query(ctx, credential, []backend.Query{{
		Text:   "doc",
		Filter: &backend.Filter{Metadata: map[string]string{"source": "wiki"}},
	}})
	require.NoError(t, err)
	require.Len(t, results[0].Results, 1)
	assert.Equal(t, "doc b", results[0].Results[0].Text)
}

func TestDelete_RequiresSelector(t *testing.T) {
	h := newHarness(t)
	credential := h.mint(t, "t1", plan.Free)

	_, err := h.dispatcher.Delete(context.Background(), credential, &DeleteRequest{})
	require.ErrorIs(t, err, ErrInvalidRequest)
}

func TestDelete_ByIDResetsQuotaEntirely(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	credential := h.mint(t, "t1", plan.Standard)

	first, err := h.dispatcher.Ingest(ctx, credential, textUpload("first document"))
	require.NoError(t, err)
	_, err = h.dispatcher.Ingest(ctx, credential, textUpload("second document"))
	require.NoError(t, err)

	_, err = h.dispatcher.Delete(ctx, credential, &DeleteRequest{IDs: first.DocumentIDs})
	require.NoError(t, err)

	// Partial delete still zeroes the counter; the second document remains
	// queryable.
	used, _, err := h.dispatcher.Usage(ctx, credential)
	require.NoError(t, err)
	assert.Zero(t, used)

	results, err := h.dispatcher.Query(ctx, credential, []backend.Query{{Text: "document"}})
	require.NoError(t, err)
	require.Len(t, results[0].Results, 1)
	assert.Equal(t, "second document", results[0].Results[0].Text)
}

func TestDelete_ForeignIDsSilentlyDropped(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	alice := h.mint(t, "alice", plan.Standard)
	bob := h.mint(t, "bob", plan.Standard)

	aliceDoc, err := h.dispatcher.Ingest(ctx, alice, textUpload("alice data"))
	require.NoError(t, err)

	deleted, err := h.dispatcher.Delete(ctx, bob, &DeleteRequest{IDs: aliceDoc.DocumentIDs})
	require.NoError(t, err)
	assert.True(t, deleted.Deleted)

	// Alice's document survives a delete naming it from the wrong tenant.
	results, err := h.dispatcher.Query(ctx, alice, []backend.Query{{Text: "data"}})
	require.NoError(t, err)
	require.Len(t, results[0].Results, 1)
}

func TestDelete_MetadataFilterRemovesOnlyMatches(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	credential := h.mint(t, "t1", plan.Standard)

	_, err := h.dispatcher.Ingest(ctx, credential, &IngestRequest{
		Filename: "a.txt", Mimetype: "text/plain", Data: []byte("email thread"),
		Metadata: map[string]string{"source": "email"},
	})
	require.NoError(t, err)
	_, err = h.dispatcher.Ingest(ctx, credential, &IngestRequest{
		Filename: "b.txt", Mimetype: "text/plain", Data: []byte("wiki page"),
		Metadata: map[string]string{"source": "wiki"},
	})
	require.NoError(t, err)

	_, err = h.dispatcher.Delete(ctx, credential, &DeleteRequest{
		Filter: &backend.Filter{Metadata: map[string]string{"source": "email"}},
	})
	require.NoError(t, err)

	// The non-matching document stays in scope and queryable; only the
	// matched one left the set.
	ids, err := h.scopes.ListIDs(ctx, "t1", "plugin-t1")
	require.NoError(t, err)
	require.Len(t, ids, 1)

	results, err := h.dispatcher.Query(ctx, credential, []backend.Query{{Text: "page"}})
	require.NoError(t, err)
	require.Len(t, results[0].Results, 1)
	assert.Equal(t, "wiki page", results[0].Results[0].Text)
	assert.Equal(t, 1, h.backend.count())

	used, _, err := h.dispatcher.Usage(ctx, credential)
	require.NoError(t, err)
	assert.Zero(t, used)
}

func TestDelete_NotRateLimited(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	credential := h.mint(t, "t1", plan.Free)

	ingested, err := h.dispatcher.Ingest(ctx, credential, textUpload("keep me around"))
	require.NoError(t, err)

	// Burn the free window completely.
	for i := 0; i < 100; i++ {
		_, _ = h.dispatcher.Query(ctx, credential, []backend.Query{{Text: "q"}})
	}
	_, err = h.dispatcher.Query(ctx, credential, []backend.Query{{Text: "q"}})
	require.ErrorIs(t, err, ratelimit.ErrRateLimitExceeded)

	// A rate-exhausted caller can still remove their data.
	deleted, err := h.dispatcher.Delete(ctx, credential, &DeleteRequest{IDs: ingested.DocumentIDs})
	require.NoError(t, err)
	assert.True(t, deleted.Deleted)
	assert.Zero(t, h.backend.count())
}

func TestDelete_TeardownFailureIsLoggedOnly(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.provisioner.failTeardown = true

	credential, err := h.issuer.Mint("t1", plan.Standard, "plug-1", "t1-docs-aaaaa-bbbbb")
	require.NoError(t, err)

	_, err = h.dispatcher.Ingest(ctx, credential, textUpload("hello"))
	require.NoError(t, err)

	deleted, err := h.dispatcher.Delete(ctx, credential, &DeleteRequest{DeleteAll: true})
	require.NoError(t, err)
	assert.True(t, deleted.Deleted)
	h.logs.AssertLogged(t, zapcore.WarnLevel, "surface teardown failed")
}

func TestRateLimit_FreePlanCeiling(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	credential := h.mint(t, "t1", plan.Free)

	for i := 0; i < 100; i++ {
		_, err := h.dispatcher.Query(ctx, credential, []backend.Query{{Text: "q"}})
		require.NoError(t, err, "request %d", i+1)
	}
	_, err := h.dispatcher.Query(ctx, credential, []backend.Query{{Text: "q"}})
	require.ErrorIs(t, err, ratelimit.ErrRateLimitExceeded)

	// A different credential has its own window.
	other := h.mint(t, "t2", plan.Free)
	_, err = h.dispatcher.Query(ctx, other, []backend.Query{{Text: "q"}})
	require.NoError(t, err)
}

func TestCreateTenant_FreePlanGetsNoSurface(t *testing.T) {
	h := newHarness(t)

	created, err := h.dispatcher.CreateTenant(context.Background(), &CreateTenantRequest{
		TenantID:   "t1",
		Plan:       plan.Free,
		PluginName: "notes",
	})
	require.NoError(t, err)
	assert.Empty(t, created.SurfaceAddress)
	assert.Empty(t, h.provisioner.ensured)

	identity, err := h.issuer.Validate(created.Token)
	require.NoError(t, err)
	assert.Equal(t, plan.Free, identity.Plan)
	assert.Equal(t, created.PluginID, identity.PluginID)
}

func TestCreateTenant_Validation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.dispatcher.CreateTenant(ctx, &CreateTenantRequest{Plan: plan.Free, PluginName: "x"})
	require.ErrorIs(t, err, ErrInvalidRequest)

	_, err = h.dispatcher.CreateTenant(ctx, &CreateTenantRequest{TenantID: "t1", Plan: "gold", PluginName: "x"})
	require.ErrorIs(t, err, ErrInvalidRequest)
}

func TestCreateTenant_ProvisionFailure(t *testing.T) {
	h := newHarness(t)
	h.provisioner.failEnsurance = true

	_, err := h.dispatcher.CreateTenant(context.Background(), &CreateTenantRequest{
		TenantID:   "t1",
		Plan:       plan.Unlimited,
		PluginName: "notes",
	})
	require.ErrorIs(t, err, provision.ErrProvisionFailure)
}
