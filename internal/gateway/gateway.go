// Package gateway dispatches authenticated tenant requests across the
// collaborators: capability tokens, rate limiter, quota ledger, scope
// index, extraction, the retrieval backend, and surface provisioning.
//
// The dispatcher owns the request ordering. Checks that can reject a
// request run before any mutation; once the backend write lands, the
// bookkeeping writes (scope set, quota counter) follow it, never precede
// it. Each request is independent - there are no sessions and no
// cross-request state beyond the shared store.
package gateway

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/docgate/internal/backend"
	"github.com/fyrsmithlabs/docgate/internal/extract"
	"github.com/fyrsmithlabs/docgate/internal/logging"
	"github.com/fyrsmithlabs/docgate/internal/plan"
	"github.com/fyrsmithlabs/docgate/internal/provision"
	"github.com/fyrsmithlabs/docgate/internal/quota"
	"github.com/fyrsmithlabs/docgate/internal/ratelimit"
	"github.com/fyrsmithlabs/docgate/internal/scope"
	"github.com/fyrsmithlabs/docgate/internal/token"
)

// ErrInvalidRequest is returned for requests that are authenticated but
// structurally unusable, such as a delete naming no selector at all.
var ErrInvalidRequest = errors.New("invalid request")

// Dispatcher wires the collaborators together and enforces the per-request
// ordering. It is the sole writer of quota counters and scope sets.
type Dispatcher struct {
	issuer      *token.Issuer
	limiter     ratelimit.Checker
	ledger      *quota.Ledger
	scopes      *scope.Index
	extractor   extract.Extractor
	backend     backend.Backend
	provisioner provision.Provisioner
	logger      *logging.Logger
}

// Options carries the dispatcher's collaborators. All fields except
// Provisioner are required.
type Options struct {
	Issuer      *token.Issuer
	Limiter     ratelimit.Checker
	Ledger      *quota.Ledger
	Scopes      *scope.Index
	Extractor   extract.Extractor
	Backend     backend.Backend
	Provisioner provision.Provisioner
	Logger      *logging.Logger
}

// NewDispatcher validates the options and creates a Dispatcher.
func NewDispatcher(opts Options) (*Dispatcher, error) {
	switch {
	case opts.Issuer == nil:
		return nil, errors.New("token issuer is required")
	case opts.Limiter == nil:
		return nil, errors.New("rate limiter is required")
	case opts.Ledger == nil:
		return nil, errors.New("quota ledger is required")
	case opts.Scopes == nil:
		return nil, errors.New("scope index is required")
	case opts.Extractor == nil:
		return nil, errors.New("extractor is required")
	case opts.Backend == nil:
		return nil, errors.New("backend is required")
	case opts.Logger == nil:
		return nil, errors.New("logger is required")
	}
	return &Dispatcher{
		issuer:      opts.Issuer,
		limiter:     opts.Limiter,
		ledger:      opts.Ledger,
		scopes:      opts.Scopes,
		extractor:   opts.Extractor,
		backend:     opts.Backend,
		provisioner: opts.Provisioner,
		logger:      opts.Logger,
	}, nil
}

// authenticate validates the credential and threads the caller identity
// into the context for log correlation.
func (d *Dispatcher) authenticate(ctx context.Context, credential string) (*token.Identity, context.Context, error) {
	identity, err := d.issuer.Validate(credential)
	if err != nil {
		return nil, ctx, err
	}
	ctx = logging.WithCaller(ctx, &logging.Caller{
		TenantID: identity.TenantID,
		PluginID: identity.PluginID,
		Plan:     identity.Plan.String(),
	})
	return identity, ctx, nil
}

// authorize additionally charges the caller's rate window. The credential
// string itself keys the rate counter, so rotating a token also resets the
// caller's window. Ingest and query go through here; delete does not - a
// caller who has burned their window can still remove their data.
func (d *Dispatcher) authorize(ctx context.Context, credential string) (*token.Identity, context.Context, error) {
	identity, ctx, err := d.authenticate(ctx, credential)
	if err != nil {
		return nil, ctx, err
	}
	if err := d.limiter.Check(ctx, credential, identity.Plan); err != nil {
		return nil, ctx, err
	}
	return identity, ctx, nil
}

// IngestRequest is one uploaded file plus its stored metadata.
type IngestRequest struct {
	Filename string
	Mimetype string
	Data     []byte

	// Metadata is stored with the document and usable as a query filter.
	Metadata map[string]string
}

// IngestResult reports a committed ingest.
type IngestResult struct {
	// DocumentIDs are the backend-assigned ids, now in the caller's scope.
	DocumentIDs []string `json:"ids"`

	// Usage is the cumulative character count after this ingest.
	Usage int64 `json:"usage"`

	// QuotaWarning is set when this ingest pushed usage over the plan
	// ceiling. The ingest itself stands; later ingests will be rejected.
	QuotaWarning string `json:"quota_warning,omitempty"`
}

// Ingest extracts an uploaded file, stores it, and commits its character
// count against the caller's quota.
//
// Rejections (bad token, rate limit, quota already exceeded, unsupported
// format, backend failure) all happen before any bookkeeping mutation: a
// failed ingest changes neither the quota counter nor the scope set.
func (d *Dispatcher) Ingest(ctx context.Context, credential string, req *IngestRequest) (*IngestResult, error) {
	identity, ctx, err := d.authorize(ctx, credential)
	if err != nil {
		return nil, err
	}
	if req == nil || len(req.Data) == 0 {
		return nil, fmt.Errorf("%w: empty upload", ErrInvalidRequest)
	}

	usage, err := d.ledger.Usage(ctx, identity.TenantID, identity.PluginID)
	if err != nil {
		return nil, err
	}
	if err := d.ledger.PreCheck(identity.Plan, usage); err != nil {
		return nil, err
	}

	text, chars, err := d.extractor.Extract(ctx, req.Data, req.Mimetype)
	if err != nil {
		return nil, err
	}

	metadata := make(map[string]string, len(req.Metadata)+1)
	for k, v := range req.Metadata {
		metadata[k] = v
	}
	if req.Filename != "" {
		metadata["filename"] = req.Filename
	}

	ids, err := d.backend.Upsert(ctx, []backend.Document{{Text: text, Metadata: metadata}})
	if err != nil {
		return nil, err
	}

	if err := d.scopes.AddIDs(ctx, identity.TenantID, identity.PluginID, ids); err != nil {
		return nil, err
	}
	newTotal, err := d.ledger.CommitIngest(ctx, identity.TenantID, identity.PluginID, chars)
	if err != nil {
		return nil, err
	}

	result := &IngestResult{DocumentIDs: ids, Usage: newTotal}
	if err := d.ledger.PostCheck(identity.Plan, newTotal); err != nil {
		result.QuotaWarning = err.Error()
		d.logger.Warn(ctx, "ingest committed over quota ceiling",
			zap.Int64("usage", newTotal),
			zap.Int64("delta", chars),
		)
	} else {
		d.logger.Info(ctx, "ingest committed",
			zap.Int64("usage", newTotal),
			zap.Int64("delta", chars),
			zap.Strings("ids", ids),
		)
	}
	return result, nil
}

// Query runs the caller's sub-queries, each fenced to the caller's scope
// set.
//
// Whatever document-id filter the caller sent is overwritten with the scope
// set before the backend sees it; a caller who ingested nothing queries
// against the empty set and gets zero results.
func (d *Dispatcher) Query(ctx context.Context, credential string, queries []backend.Query) ([]backend.QueryResult, error) {
	identity, ctx, err := d.authorize(ctx, credential)
	if err != nil {
		return nil, err
	}
	if len(queries) == 0 {
		return nil, fmt.Errorf("%w: no queries", ErrInvalidRequest)
	}

	ids, err := d.scopes.ListIDs(ctx, identity.TenantID, identity.PluginID)
	if err != nil {
		return nil, err
	}

	scoped := make([]backend.Query, len(queries))
	for i, q := range queries {
		scoped[i] = q
		f := backend.Filter{DocumentIDs: ids}
		if q.Filter != nil {
			f.Metadata = q.Filter.Metadata
		}
		scoped[i].Filter = &f
	}

	results, err := d.backend.Query(ctx, scoped)
	if err != nil {
		return nil, err
	}
	d.logger.Debug(ctx, "query dispatched",
		zap.Int("queries", len(queries)),
		zap.Int("scope_size", len(ids)),
	)
	return results, nil
}

// DeleteRequest selects documents to remove.
type DeleteRequest struct {
	// IDs removes the listed documents.
	IDs []string `json:"ids,omitempty"`

	// Filter removes documents matching metadata, within the caller's
	// scope.
	Filter *backend.Filter `json:"filter,omitempty"`

	// DeleteAll removes every document in the caller's scope.
	DeleteAll bool `json:"delete_all,omitempty"`
}

// DeleteResult reports a completed delete.
type DeleteResult struct {
	Deleted bool `json:"deleted"`
}

// Delete removes documents and resets the caller's quota counter.
//
// Every selector is resolved to concrete document ids within the caller's
// scope before anything reaches the backend: delete_all becomes the scope
// set, explicit ids are intersected with it, and a metadata filter is
// resolved through the backend's Matching first so only the documents it
// actually selects leave the scope set. A delete-everything request can
// therefore never touch another tenant's documents in the shared
// collection. The quota counter resets to zero on every successful
// delete, including partial ones. Delete is authenticated but not charged
// against the rate window.
func (d *Dispatcher) Delete(ctx context.Context, credential string, req *DeleteRequest) (*DeleteResult, error) {
	identity, ctx, err := d.authenticate(ctx, credential)
	if err != nil {
		return nil, err
	}
	if req == nil || (len(req.IDs) == 0 && req.Filter == nil && !req.DeleteAll) {
		return nil, fmt.Errorf("%w: delete requires ids, a filter, or delete_all", ErrInvalidRequest)
	}

	scopeIDs, err := d.scopes.ListIDs(ctx, identity.TenantID, identity.PluginID)
	if err != nil {
		return nil, err
	}

	var targetIDs []string
	switch {
	case req.DeleteAll:
		// An empty scope skips the backend but still resets the
		// bookkeeping below.
		targetIDs = scopeIDs
	case len(req.IDs) > 0:
		targetIDs = intersect(req.IDs, scopeIDs)
	default:
		if len(scopeIDs) > 0 {
			targetIDs, err = d.backend.Matching(ctx, &backend.Filter{
				DocumentIDs: scopeIDs,
				Metadata:    req.Filter.Metadata,
			})
			if err != nil {
				return nil, err
			}
		}
	}

	if len(targetIDs) > 0 {
		if _, err := d.backend.Delete(ctx, targetIDs, nil); err != nil {
			return nil, err
		}
	}

	if err := d.ledger.Reset(ctx, identity.TenantID, identity.PluginID); err != nil {
		return nil, err
	}
	if req.DeleteAll {
		if err := d.scopes.Clear(ctx, identity.TenantID, identity.PluginID); err != nil {
			return nil, err
		}
	} else if err := d.scopes.RemoveIDs(ctx, identity.TenantID, identity.PluginID, targetIDs); err != nil {
		return nil, err
	}

	if identity.SurfaceAddress != "" && d.provisioner != nil {
		if err := d.provisioner.Teardown(ctx, identity.SurfaceAddress); err != nil {
			d.logger.Warn(ctx, "surface teardown failed",
				zap.String("surface", identity.SurfaceAddress),
				zap.Error(err),
			)
		}
	}

	d.logger.Info(ctx, "delete completed",
		zap.Bool("delete_all", req.DeleteAll),
		zap.Int("ids", len(targetIDs)),
	)
	return &DeleteResult{Deleted: true}, nil
}

// CreateTenantRequest describes a new plugin registration.
type CreateTenantRequest struct {
	// TenantID is the owning account identifier.
	TenantID string

	// Plan is the subscription plan the token will carry.
	Plan plan.Plan

	// PluginName is the human-readable plugin name.
	PluginName string

	// NameForHuman fills the surface manifests; defaults to PluginName.
	NameForHuman string

	// Logo replaces the surface template's sample logo when set.
	Logo          []byte
	LogoExtension string
}

// CreateTenantResult is the credential bundle for a new plugin.
type CreateTenantResult struct {
	Token          string `json:"token"`
	PluginID       string `json:"plugin_id"`
	SurfaceAddress string `json:"surface_address,omitempty"`
}

// CreateTenant registers a plugin: mints a plugin id, provisions a serving
// surface on paid plans, and mints the capability token binding them.
//
// Free and hobby plans get a token without a surface; standard and
// unlimited plans get a templated surface directory whose address rides in
// the token.
func (d *Dispatcher) CreateTenant(ctx context.Context, req *CreateTenantRequest) (*CreateTenantResult, error) {
	if req == nil || req.TenantID == "" || req.PluginName == "" {
		return nil, fmt.Errorf("%w: tenant id and plugin name are required", ErrInvalidRequest)
	}
	if !plan.Valid(req.Plan) {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, plan.ErrUnknownPlan)
	}

	pluginID := uuid.NewString()
	var surfaceAddress string

	if req.Plan == plan.Standard || req.Plan == plan.Unlimited {
		if d.provisioner == nil {
			return nil, fmt.Errorf("%w: surface provisioning is not configured", ErrInvalidRequest)
		}
		surface, err := d.provisioner.Ensure(ctx, &provision.SurfaceRequest{
			TenantID:      req.TenantID,
			PluginName:    req.PluginName,
			NameForHuman:  req.NameForHuman,
			Logo:          req.Logo,
			LogoExtension: req.LogoExtension,
		})
		if err != nil {
			return nil, err
		}
		surfaceAddress = surface.Address
	}

	credential, err := d.issuer.Mint(req.TenantID, req.Plan, pluginID, surfaceAddress)
	if err != nil {
		if surfaceAddress != "" {
			if terr := d.provisioner.Teardown(ctx, surfaceAddress); terr != nil {
				d.logger.Warn(ctx, "surface teardown after mint failure failed",
					zap.String("surface", surfaceAddress),
					zap.Error(terr),
				)
			}
		}
		return nil, err
	}

	d.logger.Info(ctx, "tenant plugin created",
		zap.String("tenant", req.TenantID),
		zap.String("plugin", pluginID),
		zap.String("plan", req.Plan.String()),
		zap.String("surface", surfaceAddress),
	)
	return &CreateTenantResult{
		Token:          credential,
		PluginID:       pluginID,
		SurfaceAddress: surfaceAddress,
	}, nil
}

// Usage returns the caller's current quota state without charging the rate
// window.
func (d *Dispatcher) Usage(ctx context.Context, credential string) (used int64, ceiling int64, err error) {
	identity, err := d.issuer.Validate(credential)
	if err != nil {
		return 0, 0, err
	}
	policy, err := plan.PolicyFor(identity.Plan)
	if err != nil {
		return 0, 0, err
	}
	used, err = d.ledger.Usage(ctx, identity.TenantID, identity.PluginID)
	if err != nil {
		return 0, 0, err
	}
	return used, policy.CharacterCeiling, nil
}

// intersect returns the ids present in both lists, preserving the order of
// the first. Requested ids outside the caller's scope are silently dropped
// rather than rejected, so a delete cannot confirm another tenant's ids.
func intersect(requested, owned []string) []string {
	ownedSet := make(map[string]struct{}, len(owned))
	for _, id := range owned {
		ownedSet[id] = struct{}{}
	}
	var out []string
	for _, id := range requested {
		if _, ok := ownedSet[id]; ok {
			out = append(out, id)
		}
	}
	return out
}
