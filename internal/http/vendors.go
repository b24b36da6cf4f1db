package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/Clark-Hu/vendor-ratings/internal/domain"
	"github.com/Clark-Hu/vendor-ratings/internal/logging"
	"github.com/Clark-Hu/vendor-ratings/internal/repository"
)

const maxRequestBody = 1 << 20 // 1 MiB

type errorResponse struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
}

type vendorCreateRequest struct {
	ID              string   `json:"id" validate:"omitempty,max=64"`
	Name            string   `json:"name" validate:"required,max=200"`
	Category        string   `json:"category" validate:"max=100"`
	City            string   `json:"city" validate:"max=100"`
	Representative  string   `json:"representative" validate:"max=200"`
	Contact         string   `json:"contact" validate:"max=200"`
	Price           *float64 `json:"price" validate:"omitempty,gte=0"`
	Notes           string   `json:"notes" validate:"max=2000"`
	AgreementNumber string   `json:"agreementNumber" validate:"max=100"`
	BankAccount     string   `json:"bankAccount" validate:"max=100"`
	Images          []string `json:"images" validate:"max=20,dive,required,max=2048"`
}

// vendorUpdateRequest has no rating fields; unknown fields are rejected
// while decoding, so a PUT can never overwrite the aggregate.
type vendorUpdateRequest struct {
	Name            *string   `json:"name" validate:"omitempty,min=1,max=200"`
	Category        *string   `json:"category" validate:"omitempty,max=100"`
	City            *string   `json:"city" validate:"omitempty,max=100"`
	Representative  *string   `json:"representative" validate:"omitempty,max=200"`
	Contact         *string   `json:"contact" validate:"omitempty,max=200"`
	Price           *float64  `json:"price" validate:"omitempty,gte=0"`
	Notes           *string   `json:"notes" validate:"omitempty,max=2000"`
	AgreementNumber *string   `json:"agreementNumber" validate:"omitempty,max=100"`
	BankAccount     *string   `json:"bankAccount" validate:"omitempty,max=100"`
	Images          *[]string `json:"images" validate:"omitempty,max=20,dive,required,max=2048"`
}

type vendorListResponse struct {
	Items      []vendorResponse `json:"items"`
	NextCursor *string          `json:"nextCursor,omitempty"`
}

type vendorResponse struct {
	ID              string    `json:"id"`
	Name            string    `json:"name"`
	Category        string    `json:"category"`
	City            string    `json:"city"`
	Representative  string    `json:"representative"`
	Contact         string    `json:"contact"`
	Price           *float64  `json:"price,omitempty"`
	Notes           string    `json:"notes"`
	AgreementNumber string    `json:"agreementNumber"`
	BankAccount     string    `json:"bankAccount"`
	Images          []string  `json:"images"`
	Rating          float64   `json:"rating"`
	RatingCount     int64     `json:"ratingCount"`
	RatingSum       float64   `json:"ratingSum"`
	CreatedAt       time.Time `json:"createdAt"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

func (s *Server) handleListVendors(w http.ResponseWriter, r *http.Request) {
	filters, err := buildVendorFilters(r.URL.Query())
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error())
		return
	}

	result, err := s.repo.Vendors.List(r.Context(), filters)
	if err != nil {
		s.logger.Error("list vendors failed", zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to list vendors")
		return
	}

	items := make([]vendorResponse, 0, len(result.Items))
	for _, vendor := range result.Items {
		items = append(items, toVendorResponse(vendor))
	}
	s.respondJSON(w, http.StatusOK, vendorListResponse{
		Items:      items,
		NextCursor: result.NextCursor,
	})
}

func buildVendorFilters(query url.Values) (repository.VendorListFilters, error) {
	var filters repository.VendorListFilters

	if q := strings.TrimSpace(query.Get("q")); q != "" {
		filters.Query = &q
	}
	if val := strings.TrimSpace(query.Get("category")); val != "" {
		filters.Category = &val
	}
	if val := strings.TrimSpace(query.Get("city")); val != "" {
		filters.City = &val
	}
	if val := strings.TrimSpace(query.Get("limit")); val != "" {
		limit, err := strconv.Atoi(val)
		if err != nil || limit < 0 {
			return filters, fmt.Errorf("invalid limit value")
		}
		filters.Limit = limit
	}
	if val := strings.TrimSpace(query.Get("cursor")); val != "" {
		cursor, err := repository.DecodeCursor(val)
		if err != nil {
			return filters, fmt.Errorf("invalid cursor")
		}
		filters.Cursor = cursor
	}
	return filters, nil
}

func (s *Server) handleCreateVendor(w http.ResponseWriter, r *http.Request) {
	var req vendorCreateRequest
	if err := decodeJSONBody(w, r, &req); err != nil {
		s.respondDecodeError(w, err)
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	if err := s.validate.Struct(req); err != nil {
		s.respondValidationError(w, err)
		return
	}

	vendor, err := s.repo.Vendors.Create(r.Context(), repository.VendorCreateParams{
		ID:              strings.TrimSpace(req.ID),
		Name:            req.Name,
		Category:        strings.TrimSpace(req.Category),
		City:            strings.TrimSpace(req.City),
		Representative:  strings.TrimSpace(req.Representative),
		Contact:         strings.TrimSpace(req.Contact),
		Price:           req.Price,
		Notes:           req.Notes,
		AgreementNumber: strings.TrimSpace(req.AgreementNumber),
		BankAccount:     strings.TrimSpace(req.BankAccount),
		Images:          req.Images,
	})
	if err != nil {
		if errors.Is(err, repository.ErrConflict) {
			s.respondError(w, http.StatusConflict, "CONFLICT", "Vendor id already exists")
			return
		}
		s.logger.Error("create vendor failed", zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to create vendor")
		return
	}

	s.invalidate(r.Context(), vendor.ID)
	w.Header().Set("Location", "/api/vendors/"+url.PathEscape(vendor.ID))
	s.respondJSON(w, http.StatusCreated, toVendorResponse(vendor))
}

func (s *Server) handleGetVendor(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	cached, ok, err := s.cache.Get(r.Context(), id)
	if err != nil {
		s.logger.Warn("vendor cache read failed", zap.String(logging.FieldVendorID, id), zap.Error(err))
	}
	if ok {
		s.respondJSON(w, http.StatusOK, toVendorResponse(cached))
		return
	}

	vendor, err := s.repo.Vendors.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			s.respondError(w, http.StatusNotFound, "NOT_FOUND", "Vendor not found")
			return
		}
		s.logger.Error("get vendor failed", zap.String(logging.FieldVendorID, id), zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to fetch vendor")
		return
	}

	if err := s.cache.Set(r.Context(), vendor); err != nil {
		s.logger.Warn("vendor cache write failed", zap.String(logging.FieldVendorID, id), zap.Error(err))
	}
	s.respondJSON(w, http.StatusOK, toVendorResponse(vendor))
}

func (s *Server) handleUpdateVendor(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req vendorUpdateRequest
	if err := decodeJSONBody(w, r, &req); err != nil {
		s.respondDecodeError(w, err)
		return
	}
	if err := s.validate.Struct(req); err != nil {
		s.respondValidationError(w, err)
		return
	}

	vendor, err := s.repo.Vendors.Update(r.Context(), id, repository.VendorUpdateParams{
		Name:            trimmed(req.Name),
		Category:        trimmed(req.Category),
		City:            trimmed(req.City),
		Representative:  trimmed(req.Representative),
		Contact:         trimmed(req.Contact),
		Price:           req.Price,
		Notes:           req.Notes,
		AgreementNumber: trimmed(req.AgreementNumber),
		BankAccount:     trimmed(req.BankAccount),
		Images:          req.Images,
	})
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			s.respondError(w, http.StatusNotFound, "NOT_FOUND", "Vendor not found")
			return
		}
		s.logger.Error("update vendor failed", zap.String(logging.FieldVendorID, id), zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to update vendor")
		return
	}

	s.invalidate(r.Context(), id)
	s.respondJSON(w, http.StatusOK, toVendorResponse(vendor))
}

func (s *Server) handleDeleteVendor(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if err := s.repo.Vendors.Delete(r.Context(), id); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			s.respondError(w, http.StatusNotFound, "NOT_FOUND", "Vendor not found")
			return
		}
		s.logger.Error("delete vendor failed", zap.String(logging.FieldVendorID, id), zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to delete vendor")
		return
	}

	s.invalidate(r.Context(), id)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) invalidate(ctx context.Context, id string) {
	if err := s.cache.Invalidate(ctx, id); err != nil {
		s.logger.Warn("vendor cache invalidation failed", zap.String(logging.FieldVendorID, id), zap.Error(err))
	}
}

func decodeJSONBody(w http.ResponseWriter, r *http.Request, dst interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	return nil
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload != nil {
		if err := json.NewEncoder(w).Encode(payload); err != nil {
			s.logger.Warn("failed to encode response", zap.Error(err))
		}
	}
}

func (s *Server) respondError(w http.ResponseWriter, status int, code, message string) {
	s.respondJSON(w, status, errorResponse{
		Code:    code,
		Message: message,
	})
}

func (s *Server) respondDecodeError(w http.ResponseWriter, err error) {
	var syntaxError *json.SyntaxError
	var typeError *json.UnmarshalTypeError
	var maxBytesError *http.MaxBytesError
	switch {
	case errors.As(err, &syntaxError):
		s.respondError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "Malformed JSON payload")
	case errors.As(err, &typeError):
		s.respondError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", fmt.Sprintf("Invalid value for field %s", typeError.Field))
	case errors.As(err, &maxBytesError):
		s.respondError(w, http.StatusRequestEntityTooLarge, "VALIDATION_ERROR", "Request body too large")
	case strings.HasPrefix(err.Error(), "json: unknown field "):
		field := strings.TrimPrefix(err.Error(), "json: unknown field ")
		s.respondError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", fmt.Sprintf("Field %s cannot be set", field))
	case errors.Is(err, io.EOF):
		s.respondError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "Request body cannot be empty")
	default:
		s.respondError(w, http.StatusBadRequest, "VALIDATION_ERROR", "Unable to parse request body")
	}
}

func (s *Server) respondValidationError(w http.ResponseWriter, err error) {
	var fieldErrors validator.ValidationErrors
	if !errors.As(err, &fieldErrors) {
		s.respondError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error())
		return
	}
	details := make(map[string]string, len(fieldErrors))
	for _, fe := range fieldErrors {
		details[fe.Field()] = fe.Tag()
	}
	s.respondJSON(w, http.StatusUnprocessableEntity, errorResponse{
		Code:    "VALIDATION_ERROR",
		Message: "Request failed validation",
		Details: details,
	})
}

func toVendorResponse(vendor domain.Vendor) vendorResponse {
	images := vendor.Images
	if images == nil {
		images = []string{}
	}
	return vendorResponse{
		ID:              vendor.ID,
		Name:            vendor.Name,
		Category:        vendor.Category,
		City:            vendor.City,
		Representative:  vendor.Representative,
		Contact:         vendor.Contact,
		Price:           vendor.Price,
		Notes:           vendor.Notes,
		AgreementNumber: vendor.AgreementNumber,
		BankAccount:     vendor.BankAccount,
		Images:          images,
		Rating:          vendor.Aggregate.Rating,
		RatingCount:     vendor.Aggregate.RatingCount,
		RatingSum:       vendor.Aggregate.RatingSum,
		CreatedAt:       vendor.CreatedAt,
		UpdatedAt:       vendor.UpdatedAt,
	}
}

func trimmed(ptr *string) *string {
	if ptr == nil {
		return nil
	}
	val := strings.TrimSpace(*ptr)
	return &val
}
