// Package memory implements the rating transaction contract in process,
// using versioned records and optimistic validation at commit time.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/Clark-Hu/vendor-ratings/internal/domain"
	"github.com/Clark-Hu/vendor-ratings/internal/ratings"
)

const defaultMaxAttempts = 5

type vendorRecord struct {
	agg     domain.VendorAggregate
	version uint64
}

type ratingRecord struct {
	rating  domain.UserRating
	version uint64
}

// Store keeps vendor aggregates and user ratings in memory.
type Store struct {
	mu      sync.Mutex
	clock   uint64
	vendors map[string]vendorRecord
	ratings map[domain.RatingKey]ratingRecord

	maxAttempts  int
	hooks        ratings.Hooks
	beforeCommit func(attempt int)
}

// Option customises a Store.
type Option func(*Store)

// WithMaxAttempts bounds how many times a conflicting attempt is re-run.
func WithMaxAttempts(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.maxAttempts = n
		}
	}
}

// WithHooks reports retries to h.
func WithHooks(h ratings.Hooks) Option {
	return func(s *Store) {
		if h != nil {
			s.hooks = h
		}
	}
}

// WithBeforeCommit runs fn between an attempt computing its write set and the
// commit validating it. Tests use it to interleave competing writers.
func WithBeforeCommit(fn func(attempt int)) Option {
	return func(s *Store) { s.beforeCommit = fn }
}

// New creates an empty Store.
func New(opts ...Option) *Store {
	s := &Store{
		vendors:     map[string]vendorRecord{},
		ratings:     map[domain.RatingKey]ratingRecord{},
		maxAttempts: defaultMaxAttempts,
		hooks:       ratings.NoopHooks{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// PutVendor creates or replaces a vendor aggregate.
func (s *Store) PutVendor(agg domain.VendorAggregate) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clock++
	s.vendors[agg.ID] = vendorRecord{agg: agg, version: s.clock}
}

// DeleteVendor removes a vendor and every rating held for it.
func (s *Store) DeleteVendor(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.vendors, id)
	for key := range s.ratings {
		if key.VendorID == id {
			delete(s.ratings, key)
		}
	}
}

// Vendor returns the committed aggregate for id.
func (s *Store) Vendor(id string) (domain.VendorAggregate, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.vendors[id]
	return rec.agg, ok
}

// UserRating returns the committed rating for key.
func (s *Store) UserRating(key domain.RatingKey) (domain.UserRating, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.ratings[key]
	return rec.rating, ok
}

// Ratings lists the committed ratings for a vendor ordered by user id.
func (s *Store) Ratings(vendorID string) []domain.UserRating {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.UserRating, 0)
	for key, rec := range s.ratings {
		if key.VendorID == vendorID {
			out = append(out, rec.rating)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key.UserID < out[j].Key.UserID })
	return out
}

// Apply runs attempt against a fresh snapshot until it commits without
// conflict or the attempt bound is exhausted.
func (s *Store) Apply(ctx context.Context, attempt ratings.AttemptFunc) (ratings.WriteSet, error) {
	for n := 1; n <= s.maxAttempts; n++ {
		if err := ctx.Err(); err != nil {
			return ratings.WriteSet{}, fmt.Errorf("%w: %v", ratings.ErrTransactionFailed, err)
		}

		snap := &snapshot{
			store:   s,
			vendors: map[string]vendorRecord{},
			ratings: map[domain.RatingKey]ratingRecord{},
		}
		ws, err := attempt(ctx, snap)
		if err != nil {
			return ratings.WriteSet{}, err
		}

		if s.beforeCommit != nil {
			s.beforeCommit(n)
		}

		committed, err := s.commit(snap, ws)
		if err != nil {
			return ratings.WriteSet{}, err
		}
		if committed {
			return ws, nil
		}
		if n < s.maxAttempts {
			s.hooks.IncRetry()
		}
	}
	return ratings.WriteSet{}, fmt.Errorf("%w: conflict after %d attempts", ratings.ErrTransactionFailed, s.maxAttempts)
}

// commit validates every version the snapshot observed and, if none moved,
// installs the write set. It reports false on conflict.
func (s *Store) commit(snap *snapshot, ws ratings.WriteSet) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, seen := range snap.vendors {
		if s.vendors[id].version != seen.version {
			return false, nil
		}
	}
	for key, seen := range snap.ratings {
		if s.ratings[key].version != seen.version {
			return false, nil
		}
	}

	if _, ok := s.vendors[ws.Vendor.ID]; !ok {
		return false, fmt.Errorf("%w: %s", ratings.ErrVendorNotFound, ws.Vendor.ID)
	}

	s.clock++
	s.vendors[ws.Vendor.ID] = vendorRecord{agg: ws.Vendor, version: s.clock}
	s.ratings[ws.Rating.Key] = ratingRecord{rating: ws.Rating, version: s.clock}
	return true, nil
}

// snapshot remembers the first read of every key, so repeated reads agree and
// commit knows which versions to validate. Absent records have version 0.
type snapshot struct {
	store   *Store
	vendors map[string]vendorRecord
	ratings map[domain.RatingKey]ratingRecord
}

func (sn *snapshot) Vendor(_ context.Context, vendorID string) (domain.VendorAggregate, bool, error) {
	rec, ok := sn.vendors[vendorID]
	if !ok {
		sn.store.mu.Lock()
		rec = sn.store.vendors[vendorID]
		sn.store.mu.Unlock()
		sn.vendors[vendorID] = rec
	}
	return rec.agg, rec.version != 0, nil
}

func (sn *snapshot) UserRating(_ context.Context, key domain.RatingKey) (domain.UserRating, bool, error) {
	rec, ok := sn.ratings[key]
	if !ok {
		sn.store.mu.Lock()
		rec = sn.store.ratings[key]
		sn.store.mu.Unlock()
		sn.ratings[key] = rec
	}
	return rec.rating, rec.version != 0, nil
}
