// Package scope maintains the per-(tenant, plugin) set of document ids used
// to fence every query and delete to documents the tenant actually ingested.
//
// The index fails closed: a tenant with no entry gets the empty set, and an
// empty id filter matches nothing in the backend, so an unscoped query can
// never surface another tenant's documents.
package scope

import (
	"context"
	"errors"
	"fmt"

	"github.com/fyrsmithlabs/docgate/internal/store"
)

// Index tracks document ownership per (tenant, plugin). Sets live in the
// shared store and are mutated only by the gateway dispatcher.
type Index struct {
	store store.Store
}

// NewIndex creates an Index over the given shared store.
func NewIndex(s store.Store) (*Index, error) {
	if s == nil {
		return nil, errors.New("store is required")
	}
	return &Index{store: s}, nil
}

// setKey returns the shared-store key for a tenant+plugin scope set.
func setKey(tenantID, pluginID string) string {
	return fmt.Sprintf("%s:%s:ids", tenantID, pluginID)
}

// AddIDs unions ids into the tenant's scope set. Invariant: callers add ids
// only after the backend confirmed the corresponding upsert, so the set stays
// a subset of ids actually present in the backend.
func (i *Index) AddIDs(ctx context.Context, tenantID, pluginID string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	return i.store.SAdd(ctx, setKey(tenantID, pluginID), ids...)
}

// ListIDs returns the tenant's scope set. A tenant with no entry gets an
// empty slice - the fail-closed default.
func (i *Index) ListIDs(ctx context.Context, tenantID, pluginID string) ([]string, error) {
	return i.store.SMembers(ctx, setKey(tenantID, pluginID))
}

// RemoveIDs removes ids from the tenant's scope set.
func (i *Index) RemoveIDs(ctx context.Context, tenantID, pluginID string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	return i.store.SRem(ctx, setKey(tenantID, pluginID), ids...)
}

// Clear empties the tenant's scope set.
func (i *Index) Clear(ctx context.Context, tenantID, pluginID string) error {
	return i.store.Del(ctx, setKey(tenantID, pluginID))
}
