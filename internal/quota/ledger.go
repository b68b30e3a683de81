// Package quota tracks cumulative ingested content volume per
// (tenant, plugin) and enforces plan character ceilings.
//
// The counter only moves in one direction: committed ingests increase it via
// a single atomic increment, and nothing decreases it except an explicit
// Reset on delete. An ingest that pushes the total over the ceiling is not
// rolled back - the backend write already happened - it only blocks later
// ingests. That asymmetry is intentional: the ledger does not compensate the
// backend.
package quota

import (
	"context"
	"errors"
	"fmt"

	"github.com/fyrsmithlabs/docgate/internal/plan"
	"github.com/fyrsmithlabs/docgate/internal/store"
)

// ErrQuotaExceeded is returned when a tenant's cumulative character count
// exceeds the plan ceiling, either before an ingest (PreCheck) or after one
// committed (PostCheck).
var ErrQuotaExceeded = errors.New("character quota exceeded")

// Ledger enforces per-(tenant, plugin) character quotas against plan
// ceilings. Counters live in the shared store; the Ledger holds no state of
// its own, so any number of gateway instances can share one key space.
type Ledger struct {
	store store.Store
}

// NewLedger creates a Ledger over the given shared store.
func NewLedger(s store.Store) (*Ledger, error) {
	if s == nil {
		return nil, errors.New("store is required")
	}
	return &Ledger{store: s}, nil
}

// counterKey returns the shared-store key for a tenant+plugin counter.
func counterKey(tenantID, pluginID string) string {
	return fmt.Sprintf("%s:%s:chars_count", tenantID, pluginID)
}

// Usage returns the cumulative ingested character count, 0 if no counter
// exists yet (counters are created lazily on first ingest).
func (l *Ledger) Usage(ctx context.Context, tenantID, pluginID string) (int64, error) {
	return l.store.GetInt64(ctx, counterKey(tenantID, pluginID))
}

// PreCheck fails with ErrQuotaExceeded when current usage already exceeds
// the plan ceiling. This guards against a request proceeding while an
// earlier one already pushed the tenant over.
func (l *Ledger) PreCheck(p plan.Plan, usage int64) error {
	policy, err := plan.PolicyFor(p)
	if err != nil {
		return err
	}
	if usage > policy.CharacterCeiling {
		return fmt.Errorf("%w: %d of %d characters used on plan %s",
			ErrQuotaExceeded, usage, policy.CharacterCeiling, p)
	}
	return nil
}

// CommitIngest atomically adds deltaChars to the counter and returns the new
// total. Safe under concurrent calls for the same key: the store's atomic
// increment is the only mutation, never a read-modify-write.
func (l *Ledger) CommitIngest(ctx context.Context, tenantID, pluginID string, deltaChars int64) (int64, error) {
	if deltaChars < 0 {
		return 0, fmt.Errorf("negative ingest delta: %d", deltaChars)
	}
	return l.store.IncrBy(ctx, counterKey(tenantID, pluginID), deltaChars)
}

// PostCheck fails with ErrQuotaExceeded when the committed total exceeds the
// plan ceiling. The overshooting ingest itself stands; only subsequent
// ingests are blocked by PreCheck.
func (l *Ledger) PostCheck(p plan.Plan, newTotal int64) error {
	policy, err := plan.PolicyFor(p)
	if err != nil {
		return err
	}
	if newTotal > policy.CharacterCeiling {
		return fmt.Errorf("%w: %d of %d characters used on plan %s",
			ErrQuotaExceeded, newTotal, policy.CharacterCeiling, p)
	}
	return nil
}

// Reset sets the counter back to zero. Called on every successful delete,
// including partial by-id deletes - observed behavior of the system this
// ledger fronts, kept as-is.
func (l *Ledger) Reset(ctx context.Context, tenantID, pluginID string) error {
	return l.store.Del(ctx, counterKey(tenantID, pluginID))
}
