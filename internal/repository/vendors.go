package repository

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Clark-Hu/vendor-ratings/internal/domain"
)

// VendorsRepository provides persistence helpers for vendor entities. It never
// writes the rating columns; those belong to RatingsRepository.
type VendorsRepository struct {
	pool *pgxpool.Pool
}

const vendorColumns = `
    id,
    name,
    category,
    city,
    representative,
    contact,
    price::float8,
    notes,
    agreement_number,
    bank_account,
    images,
    rating,
    rating_count,
    rating_sum,
    created_at,
    updated_at
`

const (
	defaultListLimit = 20
	maxListLimit     = 100
)

// VendorCreateParams bundles the fields accepted when creating a vendor. An
// empty ID is replaced by a generated UUID.
type VendorCreateParams struct {
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
}

// VendorUpdateParams is a field-level patch; nil fields are left untouched.
type VendorUpdateParams struct {
	Name            *string
	Category        *string
	City            *string
	Representative  *string
	Contact         *string
	Price           *float64
	Notes           *string
	AgreementNumber *string
	BankAccount     *string
	Images          *[]string
}

// VendorListFilters encapsulates search and pagination options.
type VendorListFilters struct {
	Query    *string
	Category *string
	City     *string
	Limit    int
	Cursor   *VendorCursor
}

// VendorCursor allows stable pagination by created_at/id.
type VendorCursor struct {
	CreatedAt time.Time `json:"createdAt"`
	ID        string    `json:"id"`
}

// VendorListResult returns the paginated payload.
type VendorListResult struct {
	Items      []domain.Vendor
	NextCursor *string
}

// Create inserts a new vendor row with an empty rating aggregate.
func (r *VendorsRepository) Create(ctx context.Context, params VendorCreateParams) (domain.Vendor, error) {
	id := strings.TrimSpace(params.ID)
	if id == "" {
		id = uuid.NewString()
	}
	images := params.Images
	if images == nil {
		images = []string{}
	}

	query := fmt.Sprintf(`
        INSERT INTO vendors (id, name, category, city, representative, contact, price, notes, agreement_number, bank_account, images)
        VALUES ($1,$2,$3,$4,$5,$6,$7::float8,$8,$9,$10,$11)
        RETURNING %s
    `, vendorColumns)

	row := r.pool.QueryRow(ctx, query, id, params.Name, params.Category, params.City, params.Representative,
		params.Contact, params.Price, params.Notes, params.AgreementNumber, params.BankAccount, images)
	vendor, err := scanVendor(row)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.Vendor{}, ErrConflict
		}
		return domain.Vendor{}, err
	}
	return vendor, nil
}

// GetByID fetches a vendor by its identifier.
func (r *VendorsRepository) GetByID(ctx context.Context, id string) (domain.Vendor, error) {
	query := fmt.Sprintf(`SELECT %s FROM vendors WHERE id = $1`, vendorColumns)
	vendor, err := scanVendor(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Vendor{}, ErrNotFound
		}
		return domain.Vendor{}, err
	}
	return vendor, nil
}

// Update merges the non-nil fields of params into the stored vendor.
func (r *VendorsRepository) Update(ctx context.Context, id string, params VendorUpdateParams) (domain.Vendor, error) {
	var images []string
	if params.Images != nil {
		images = *params.Images
		if images == nil {
			images = []string{}
		}
	}

	query := fmt.Sprintf(`
        UPDATE vendors
        SET name = COALESCE($2, name),
            category = COALESCE($3, category),
            city = COALESCE($4, city),
            representative = COALESCE($5, representative),
            contact = COALESCE($6, contact),
            price = COALESCE($7::float8, price),
            notes = COALESCE($8, notes),
            agreement_number = COALESCE($9, agreement_number),
            bank_account = COALESCE($10, bank_account),
            images = COALESCE($11::text[], images),
            updated_at = now()
        WHERE id = $1
        RETURNING %s
    `, vendorColumns)

	row := r.pool.QueryRow(ctx, query, id, params.Name, params.Category, params.City, params.Representative,
		params.Contact, params.Price, params.Notes, params.AgreementNumber, params.BankAccount, images)
	vendor, err := scanVendor(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Vendor{}, ErrNotFound
		}
		return domain.Vendor{}, err
	}
	return vendor, nil
}

// Delete removes a vendor; its user ratings go with it.
func (r *VendorsRepository) Delete(ctx context.Context, id string) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM vendors WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// List returns vendors that match the provided filters, newest first.
func (r *VendorsRepository) List(ctx context.Context, filters VendorListFilters) (VendorListResult, error) {
	filters.Limit = clampLimit(filters.Limit)

	where := make([]string, 0)
	args := make([]interface{}, 0)
	arg := func(value interface{}) string {
		args = append(args, value)
		return fmt.Sprintf("$%d", len(args))
	}

	if filters.Query != nil && strings.TrimSpace(*filters.Query) != "" {
		q := arg("%" + strings.TrimSpace(*filters.Query) + "%")
		where = append(where, fmt.Sprintf("(name ILIKE %s OR category ILIKE %s OR city ILIKE %s)", q, q, q))
	}
	if filters.Category != nil && strings.TrimSpace(*filters.Category) != "" {
		where = append(where, fmt.Sprintf("lower(category) = lower(%s)", arg(strings.TrimSpace(*filters.Category))))
	}
	if filters.City != nil && strings.TrimSpace(*filters.City) != "" {
		where = append(where, fmt.Sprintf("lower(city) = lower(%s)", arg(strings.TrimSpace(*filters.City))))
	}
	if filters.Cursor != nil {
		cursorCreated := arg(filters.Cursor.CreatedAt)
		cursorID := arg(filters.Cursor.ID)
		where = append(where, fmt.Sprintf("(created_at, id) < (%s, %s)", cursorCreated, cursorID))
	}

	queryBuilder := strings.Builder{}
	queryBuilder.WriteString("SELECT ")
	queryBuilder.WriteString(vendorColumns)
	queryBuilder.WriteString(" FROM vendors")

	if len(where) > 0 {
		queryBuilder.WriteString(" WHERE ")
		queryBuilder.WriteString(strings.Join(where, " AND "))
	}

	queryBuilder.WriteString(" ORDER BY created_at DESC, id DESC")
	queryBuilder.WriteString(fmt.Sprintf(" LIMIT %d", filters.Limit))

	items, err := r.queryVendors(ctx, queryBuilder.String(), args...)
	if err != nil {
		return VendorListResult{}, err
	}

	var nextCursor *string
	if len(items) == filters.Limit {
		last := items[len(items)-1]
		token, err := encodeCursor(VendorCursor{CreatedAt: last.CreatedAt, ID: last.ID})
		if err != nil {
			return VendorListResult{}, err
		}
		nextCursor = &token
	}

	return VendorListResult{Items: items, NextCursor: nextCursor}, nil
}

// ListUnrated returns vendors userID has not rated yet, ordered by name.
func (r *VendorsRepository) ListUnrated(ctx context.Context, userID string, limit int) ([]domain.Vendor, error) {
	query := fmt.Sprintf(`
        SELECT %s FROM vendors v
        WHERE NOT EXISTS (
            SELECT 1 FROM user_ratings ur WHERE ur.vendor_id = v.id AND ur.user_id = $1
        )
        ORDER BY name, id
        LIMIT %d
    `, vendorColumns, clampLimit(limit))
	return r.queryVendors(ctx, query, userID)
}

func (r *VendorsRepository) queryVendors(ctx context.Context, query string, args ...interface{}) ([]domain.Vendor, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := make([]domain.Vendor, 0)
	for rows.Next() {
		vendor, err := scanVendor(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, vendor)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	if limit > maxListLimit {
		return maxListLimit
	}
	return limit
}

func scanVendor(row pgx.Row) (domain.Vendor, error) {
	var vendor domain.Vendor
	err := row.Scan(
		&vendor.ID,
		&vendor.Name,
		&vendor.Category,
		&vendor.City,
		&vendor.Representative,
		&vendor.Contact,
		&vendor.Price,
		&vendor.Notes,
		&vendor.AgreementNumber,
		&vendor.BankAccount,
		&vendor.Images,
		&vendor.Aggregate.Rating,
		&vendor.Aggregate.RatingCount,
		&vendor.Aggregate.RatingSum,
		&vendor.CreatedAt,
		&vendor.UpdatedAt,
	)
	if err != nil {
		return domain.Vendor{}, err
	}
	vendor.Aggregate.ID = vendor.ID
	if vendor.Images == nil {
		vendor.Images = []string{}
	}
	return vendor, nil
}

func encodeCursor(c VendorCursor) (string, error) {
	payload, err := json.Marshal(c)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(payload), nil
}

// DecodeCursor parses a cursor token into a VendorCursor.
func DecodeCursor(token string) (*VendorCursor, error) {
	if token == "" {
		return nil, nil
	}
	data, err := base64.StdEncoding.DecodeString(token)
	if err != nil {
		return nil, fmt.Errorf("invalid cursor: %w", err)
	}
	var cursor VendorCursor
	if err := json.Unmarshal(data, &cursor); err != nil {
		return nil, fmt.Errorf("invalid cursor payload: %w", err)
	}
	if cursor.ID == "" {
		return nil, fmt.Errorf("invalid cursor payload: missing id")
	}
	return &cursor, nil
}
