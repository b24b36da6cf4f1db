package repository

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/Clark-Hu/vendor-ratings/internal/domain"
	"github.com/Clark-Hu/vendor-ratings/internal/logging"
	"github.com/Clark-Hu/vendor-ratings/internal/ratings"
)

const (
	defaultMaxAttempts = 5
	defaultBaseBackoff = 5 * time.Millisecond
	maxBackoff         = 200 * time.Millisecond
)

// RatingsRepository owns the rating columns of vendors and the user_ratings
// table. It implements ratings.Transactor with SERIALIZABLE transactions.
type RatingsRepository struct {
	pool        *pgxpool.Pool
	maxAttempts int
	baseBackoff time.Duration
	hooks       ratings.Hooks
	logger      *zap.Logger
}

// RatingsOption customises the ratings repository.
type RatingsOption func(*RatingsRepository)

// WithMaxAttempts bounds how many times a conflicting transaction is re-run.
func WithMaxAttempts(n int) RatingsOption {
	return func(r *RatingsRepository) {
		if n > 0 {
			r.maxAttempts = n
		}
	}
}

// WithBaseBackoff sets the first retry delay; later delays double, with jitter.
func WithBaseBackoff(d time.Duration) RatingsOption {
	return func(r *RatingsRepository) {
		if d >= 0 {
			r.baseBackoff = d
		}
	}
}

// WithRetryHooks reports each retry to h.
func WithRetryHooks(h ratings.Hooks) RatingsOption {
	return func(r *RatingsRepository) {
		if h != nil {
			r.hooks = h
		}
	}
}

// WithLogger sets the logger used for retry diagnostics.
func WithLogger(logger *zap.Logger) RatingsOption {
	return func(r *RatingsRepository) {
		r.logger = logging.Component(logger, "ratings-repository")
	}
}

func newRatingsRepository(pool *pgxpool.Pool, opts ...RatingsOption) *RatingsRepository {
	r := &RatingsRepository{
		pool:        pool,
		maxAttempts: defaultMaxAttempts,
		baseBackoff: defaultBaseBackoff,
		hooks:       ratings.NoopHooks{},
		logger:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Apply runs attempt inside a SERIALIZABLE transaction, re-running it from a
// fresh snapshot whenever PostgreSQL reports a serialization failure.
func (r *RatingsRepository) Apply(ctx context.Context, attempt ratings.AttemptFunc) (ratings.WriteSet, error) {
	var lastErr error
	for n := 1; n <= r.maxAttempts; n++ {
		ws, err := r.applyOnce(ctx, attempt)
		if err == nil {
			return ws, nil
		}
		if ratings.IsBusinessError(err) {
			return ratings.WriteSet{}, err
		}
		if !isConflict(err) && !isUniqueViolation(err) {
			return ratings.WriteSet{}, fmt.Errorf("%w: %v", ratings.ErrTransactionFailed, err)
		}

		lastErr = err
		if n == r.maxAttempts {
			break
		}
		r.hooks.IncRetry()
		r.logger.Debug("transaction conflict, retrying", zap.Int(logging.FieldAttempt, n), zap.Error(err))
		if err := sleepContext(ctx, r.backoff(n)); err != nil {
			return ratings.WriteSet{}, fmt.Errorf("%w: %v", ratings.ErrTransactionFailed, err)
		}
	}
	return ratings.WriteSet{}, fmt.Errorf("%w: conflict after %d attempts: %v", ratings.ErrTransactionFailed, r.maxAttempts, lastErr)
}

func (r *RatingsRepository) applyOnce(ctx context.Context, attempt ratings.AttemptFunc) (ratings.WriteSet, error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return ratings.WriteSet{}, fmt.Errorf("begin transaction: %w", err)
	}
	// No-op once committed.
	defer func() { _ = tx.Rollback(context.Background()) }()

	ws, err := attempt(ctx, txSnapshot{tx: tx})
	if err != nil {
		return ratings.WriteSet{}, err
	}
	if err := writeAggregate(ctx, tx, ws.Vendor); err != nil {
		return ratings.WriteSet{}, err
	}
	if err := upsertUserRating(ctx, tx, ws.Rating); err != nil {
		return ratings.WriteSet{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return ratings.WriteSet{}, err
	}
	return ws, nil
}

func (r *RatingsRepository) backoff(attempt int) time.Duration {
	if r.baseBackoff <= 0 {
		return 0
	}
	d := r.baseBackoff << (attempt - 1)
	if d <= 0 || d > maxBackoff {
		d = maxBackoff
	}
	return d/2 + time.Duration(rand.Int63n(int64(d/2)+1))
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func writeAggregate(ctx context.Context, tx pgx.Tx, agg domain.VendorAggregate) error {
	const query = `
        UPDATE vendors
        SET rating_sum = $2, rating_count = $3, rating = $4, updated_at = now()
        WHERE id = $1
    `
	tag, err := tx.Exec(ctx, query, agg.ID, agg.RatingSum, agg.RatingCount, agg.Rating)
	if err != nil {
		return fmt.Errorf("update vendor aggregate: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ratings.ErrVendorNotFound, agg.ID)
	}
	return nil
}

func upsertUserRating(ctx context.Context, tx pgx.Tx, rating domain.UserRating) error {
	const query = `
        INSERT INTO user_ratings (user_id, vendor_id, value, created_at, updated_at)
        VALUES ($1,$2,$3,$4,$5)
        ON CONFLICT (user_id, vendor_id)
        DO UPDATE SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at
    `
	now := time.Now().UTC()
	created, updated := rating.CreatedAt, rating.UpdatedAt
	if created.IsZero() {
		created = now
	}
	if updated.IsZero() {
		updated = now
	}
	if _, err := tx.Exec(ctx, query, rating.Key.UserID, rating.Key.VendorID, rating.Value, created, updated); err != nil {
		return fmt.Errorf("upsert user rating: %w", err)
	}
	return nil
}

// txSnapshot reads through the open transaction; SERIALIZABLE pins one
// snapshot for the whole attempt.
type txSnapshot struct {
	tx pgx.Tx
}

func (s txSnapshot) Vendor(ctx context.Context, vendorID string) (domain.VendorAggregate, bool, error) {
	const query = `SELECT id, rating_sum, rating_count, rating FROM vendors WHERE id = $1`
	var agg domain.VendorAggregate
	err := s.tx.QueryRow(ctx, query, vendorID).Scan(&agg.ID, &agg.RatingSum, &agg.RatingCount, &agg.Rating)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.VendorAggregate{}, false, nil
		}
		return domain.VendorAggregate{}, false, err
	}
	return agg, true, nil
}

func (s txSnapshot) UserRating(ctx context.Context, key domain.RatingKey) (domain.UserRating, bool, error) {
	const query = `
        SELECT value, created_at, updated_at
        FROM user_ratings
        WHERE user_id = $1 AND vendor_id = $2
    `
	rating := domain.UserRating{Key: key}
	err := s.tx.QueryRow(ctx, query, key.UserID, key.VendorID).Scan(&rating.Value, &rating.CreatedAt, &rating.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.UserRating{}, false, nil
		}
		return domain.UserRating{}, false, err
	}
	return rating, true, nil
}

// Get retrieves the rating a user holds for a vendor.
func (r *RatingsRepository) Get(ctx context.Context, key domain.RatingKey) (domain.UserRating, error) {
	const query = `
        SELECT value, created_at, updated_at
        FROM user_ratings
        WHERE user_id = $1 AND vendor_id = $2
    `
	rating := domain.UserRating{Key: key}
	err := r.pool.QueryRow(ctx, query, key.UserID, key.VendorID).Scan(&rating.Value, &rating.CreatedAt, &rating.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.UserRating{}, ErrNotFound
		}
		return domain.UserRating{}, err
	}
	return rating, nil
}

// Tally recomputes a vendor's rating count and sum from user_ratings. The
// result must always match the vendor's stored aggregate.
func (r *RatingsRepository) Tally(ctx context.Context, vendorID string) (int64, float64, error) {
	const query = `
        SELECT COUNT(*)::int8, COALESCE(SUM(value), 0)::float8
        FROM user_ratings
        WHERE vendor_id = $1
    `
	var (
		count int64
		sum   float64
	)
	if err := r.pool.QueryRow(ctx, query, vendorID).Scan(&count, &sum); err != nil {
		return 0, 0, fmt.Errorf("tally ratings: %w", err)
	}
	return count, sum, nil
}
