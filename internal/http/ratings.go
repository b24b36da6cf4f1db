package httpserver

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/Clark-Hu/vendor-ratings/internal/logging"
	"github.com/Clark-Hu/vendor-ratings/internal/ratings"
	"github.com/Clark-Hu/vendor-ratings/internal/repository"
)

// userHeader carries the caller identity established upstream.
const userHeader = "X-User-Id"

type ratingRequest struct {
	VendorID string   `json:"vendorId"`
	Rating   *float64 `json:"rating"`
}

func (s *Server) handleSubmitRating(w http.ResponseWriter, r *http.Request) {
	userID := strings.TrimSpace(r.Header.Get(userHeader))
	if userID == "" {
		s.respondError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Missing caller identity")
		return
	}
	if s.limiter.Limit() {
		w.Header().Set("Retry-After", "1")
		s.respondError(w, http.StatusTooManyRequests, "RATE_LIMITED", "Too many rating submissions")
		return
	}

	var req ratingRequest
	if err := decodeJSONBody(w, r, &req); err != nil {
		s.respondError(w, http.StatusBadRequest, "BAD_REQUEST", "Malformed rating payload")
		return
	}
	if req.Rating == nil {
		s.respondError(w, http.StatusBadRequest, "INVALID_RATING", "rating is required")
		return
	}
	vendorID := strings.TrimSpace(req.VendorID)

	agg, err := s.ratings.SubmitRating(r.Context(), userID, vendorID, *req.Rating)
	if err != nil {
		s.respondRatingError(w, err, userID, vendorID)
		return
	}
	s.invalidate(r.Context(), vendorID)

	vendor, err := s.repo.Vendors.GetByID(r.Context(), vendorID)
	if err != nil {
		// The rating is committed; answer with the aggregate alone.
		if !errors.Is(err, repository.ErrNotFound) {
			s.logger.Warn("reload rated vendor failed", zap.String(logging.FieldVendorID, vendorID), zap.Error(err))
		}
		vendor.ID = vendorID
	}
	vendor.Aggregate = agg
	s.respondJSON(w, http.StatusOK, toVendorResponse(vendor))
}

func (s *Server) respondRatingError(w http.ResponseWriter, err error, userID, vendorID string) {
	switch {
	case errors.Is(err, ratings.ErrInvalidRating):
		s.respondError(w, http.StatusBadRequest, "INVALID_RATING", "rating must be between 0 and 5")
	case errors.Is(err, ratings.ErrVendorNotFound):
		s.respondError(w, http.StatusNotFound, "VENDOR_NOT_FOUND", "Vendor not found")
	default:
		s.logger.Warn("rating transaction failed",
			zap.String(logging.FieldUserID, userID),
			zap.String(logging.FieldVendorID, vendorID),
			zap.Error(err))
		w.Header().Set("Retry-After", "1")
		s.respondError(w, http.StatusServiceUnavailable, "TRANSACTION_FAILED", "Rating could not be recorded, retry later")
	}
}

func (s *Server) handleListUnrated(w http.ResponseWriter, r *http.Request) {
	userID := strings.TrimSpace(r.Header.Get(userHeader))
	if userID == "" {
		s.respondError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Missing caller identity")
		return
	}

	limit := 0
	if val := strings.TrimSpace(r.URL.Query().Get("limit")); val != "" {
		parsed, err := strconv.Atoi(val)
		if err != nil || parsed < 0 {
			s.respondError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid limit value")
			return
		}
		limit = parsed
	}

	vendors, err := s.repo.Vendors.ListUnrated(r.Context(), userID, limit)
	if err != nil {
		s.logger.Error("list unrated vendors failed", zap.String(logging.FieldUserID, userID), zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to list vendors")
		return
	}

	items := make([]vendorResponse, 0, len(vendors))
	for _, vendor := range vendors {
		items = append(items, toVendorResponse(vendor))
	}
	s.respondJSON(w, http.StatusOK, vendorListResponse{Items: items})
}
