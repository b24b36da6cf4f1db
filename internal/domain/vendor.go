package domain

import "time"

// VendorAggregate holds the rating summary stored on a vendor record.
type VendorAggregate struct {
	ID          string
	RatingSum   float64
	RatingCount int64
	Rating      float64
}

// Vendor represents a directory entry together with its rating aggregate.
type Vendor struct {
	ID              string
	Name            string
	Category        string
	City            string
	Representative  string
	Contact         string
	Price           *float64
	Notes           string
	AgreementNumber string
	BankAccount     string
	Images          []string
	Aggregate       VendorAggregate
	CreatedAt       time.Time
	UpdatedAt       time.Time
}
