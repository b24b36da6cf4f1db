package ratings

import (
	"context"

	"github.com/Clark-Hu/vendor-ratings/internal/domain"
)

// Snapshot is the read side of one transaction attempt. Reads of the same key
// within an attempt observe the same value.
type Snapshot interface {
	Vendor(ctx context.Context, vendorID string) (domain.VendorAggregate, bool, error)
	UserRating(ctx context.Context, key domain.RatingKey) (domain.UserRating, bool, error)
}

// WriteSet is everything one attempt wants committed: the vendor's rating
// fields and the caller's upserted rating.
type WriteSet struct {
	Vendor domain.VendorAggregate
	Rating domain.UserRating
}

// AttemptFunc computes a write set from a snapshot. It must not have side
// effects of its own because the store may call it more than once.
type AttemptFunc func(ctx context.Context, snap Snapshot) (WriteSet, error)

// Transactor applies attempts atomically. On a conflicting concurrent commit
// the attempt is re-run against a fresh snapshot, up to the store's retry
// bound, after which ErrTransactionFailed is returned. Errors returned by the
// attempt itself abort the transaction without writes and are passed through.
type Transactor interface {
	Apply(ctx context.Context, attempt AttemptFunc) (WriteSet, error)
}

// Hooks receives operational signals from the aggregator and the stores.
type Hooks interface {
	IncRetry()
	ObserveSubmission(outcome string, seconds float64)
}

// Submission outcomes reported to Hooks.
const (
	OutcomeSuccess        = "success"
	OutcomeInvalidRating  = "invalid_rating"
	OutcomeVendorNotFound = "vendor_not_found"
	OutcomeTxFailed       = "transaction_failed"
)

// NoopHooks discards all signals.
type NoopHooks struct{}

func (NoopHooks) IncRetry()                         {}
func (NoopHooks) ObserveSubmission(string, float64) {}
