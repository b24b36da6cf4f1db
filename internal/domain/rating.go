package domain

import "time"

// RatingKey identifies the single rating a user may hold for a vendor.
type RatingKey struct {
	UserID   string
	VendorID string
}

// UserRating represents a single user's current rating for a vendor.
type UserRating struct {
	Key       RatingKey
	Value     float64
	CreatedAt time.Time
	UpdatedAt time.Time
}
