package ratings

import "errors"

var (
	// ErrInvalidRating is returned for out-of-range values or missing
	// identifiers. It is detected before the store is touched.
	ErrInvalidRating = errors.New("ratings: invalid rating")
	// ErrVendorNotFound is returned when the vendor does not exist at read time.
	ErrVendorNotFound = errors.New("ratings: vendor not found")
	// ErrTransactionFailed is returned when the store could not commit, either
	// because conflicts exhausted the retry bound or because it was
	// unavailable. The whole submission is safe to retry.
	ErrTransactionFailed = errors.New("ratings: transaction failed")
)

// IsBusinessError reports whether err is one of the errors an attempt raises
// on purpose. Stores return these unchanged and never retry them.
func IsBusinessError(err error) bool {
	return errors.Is(err, ErrInvalidRating) || errors.Is(err, ErrVendorNotFound)
}
