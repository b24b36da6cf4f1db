// Package ratings keeps each vendor's rating sum, count and average
// consistent while many users submit ratings concurrently.
package ratings

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/Clark-Hu/vendor-ratings/internal/domain"
	"github.com/Clark-Hu/vendor-ratings/internal/logging"
)

// Inclusive bounds for a rating value.
const (
	MinRating = 0.0
	MaxRating = 5.0
)

// Aggregator is the only writer of vendor rating aggregates and user ratings.
type Aggregator struct {
	store  Transactor
	hooks  Hooks
	logger *zap.Logger
	now    func() time.Time
}

// Option customises an Aggregator.
type Option func(*Aggregator)

// WithHooks reports outcomes and latencies to h.
func WithHooks(h Hooks) Option {
	return func(a *Aggregator) {
		if h != nil {
			a.hooks = h
		}
	}
}

// WithClock overrides the time source used for rating timestamps.
func WithClock(now func() time.Time) Option {
	return func(a *Aggregator) {
		if now != nil {
			a.now = now
		}
	}
}

// New constructs an Aggregator on top of a transactional store.
func New(store Transactor, logger *zap.Logger, opts ...Option) *Aggregator {
	a := &Aggregator{
		store:  store,
		hooks:  NoopHooks{},
		logger: logging.Component(logger, "ratings"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// SubmitRating records value as userID's rating for vendorID and returns the
// vendor aggregate as committed. A first rating adds to the sum and count; a
// resubmission only shifts the sum by the difference.
func (a *Aggregator) SubmitRating(ctx context.Context, userID, vendorID string, value float64) (domain.VendorAggregate, error) {
	start := time.Now()

	agg, err := a.submit(ctx, userID, vendorID, value)

	outcome := outcomeOf(err)
	a.hooks.ObserveSubmission(outcome, time.Since(start).Seconds())
	if err != nil {
		a.logger.Debug("rating rejected",
			zap.String(logging.FieldUserID, userID),
			zap.String(logging.FieldVendorID, vendorID),
			zap.Float64("value", value),
			zap.String("outcome", outcome),
			zap.Error(err))
		return domain.VendorAggregate{}, err
	}

	a.logger.Debug("rating committed",
		zap.String(logging.FieldUserID, userID),
		zap.String(logging.FieldVendorID, vendorID),
		zap.Float64("value", value),
		zap.Int64("rating_count", agg.RatingCount),
		zap.Float64("rating", agg.Rating))
	return agg, nil
}

func (a *Aggregator) submit(ctx context.Context, userID, vendorID string, value float64) (domain.VendorAggregate, error) {
	if err := Validate(userID, vendorID, value); err != nil {
		return domain.VendorAggregate{}, err
	}

	key := domain.RatingKey{UserID: userID, VendorID: vendorID}
	ws, err := a.store.Apply(ctx, func(ctx context.Context, snap Snapshot) (WriteSet, error) {
		current, found, err := snap.Vendor(ctx, vendorID)
		if err != nil {
			return WriteSet{}, err
		}
		if !found {
			return WriteSet{}, fmt.Errorf("%w: %s", ErrVendorNotFound, vendorID)
		}

		prior, rated, err := snap.UserRating(ctx, key)
		if err != nil {
			return WriteSet{}, err
		}

		var previous *float64
		rating := domain.UserRating{Key: key, Value: value, UpdatedAt: a.now().UTC()}
		if rated {
			previous = &prior.Value
			rating.CreatedAt = prior.CreatedAt
		} else {
			rating.CreatedAt = rating.UpdatedAt
		}

		return WriteSet{
			Vendor: nextAggregate(current, previous, value),
			Rating: rating,
		}, nil
	})
	if err != nil {
		if IsBusinessError(err) || errors.Is(err, ErrTransactionFailed) {
			return domain.VendorAggregate{}, err
		}
		return domain.VendorAggregate{}, fmt.Errorf("%w: %v", ErrTransactionFailed, err)
	}
	return ws.Vendor, nil
}

// Validate checks submission input without touching any store.
func Validate(userID, vendorID string, value float64) error {
	if strings.TrimSpace(userID) == "" {
		return fmt.Errorf("%w: user id is required", ErrInvalidRating)
	}
	if strings.TrimSpace(vendorID) == "" {
		return fmt.Errorf("%w: vendor id is required", ErrInvalidRating)
	}
	if math.IsNaN(value) || value < MinRating || value > MaxRating {
		return fmt.Errorf("%w: rating must be between %.0f and %.0f", ErrInvalidRating, MinRating, MaxRating)
	}
	return nil
}

// nextAggregate applies one submission to an aggregate. previous is nil when
// the user has not rated the vendor before.
func nextAggregate(current domain.VendorAggregate, previous *float64, value float64) domain.VendorAggregate {
	next := current
	if previous == nil {
		next.RatingSum += value
		next.RatingCount++
	} else {
		next.RatingSum += value - *previous
	}
	next.Rating = average(next.RatingSum, next.RatingCount)
	return next
}

func average(sum float64, count int64) float64 {
	if count == 0 {
		return 0
	}
	// Repeated resubmissions accumulate float error in sum; keep the mean in range.
	return math.Min(MaxRating, math.Max(MinRating, sum/float64(count)))
}

func outcomeOf(err error) string {
	switch {
	case err == nil:
		return OutcomeSuccess
	case errors.Is(err, ErrInvalidRating):
		return OutcomeInvalidRating
	case errors.Is(err, ErrVendorNotFound):
		return OutcomeVendorNotFound
	default:
		return OutcomeTxFailed
	}
}
