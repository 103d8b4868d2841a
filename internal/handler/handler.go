package handler

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"local-deals-api/internal/geo"
	"local-deals-api/internal/middleware"
	"local-deals-api/internal/models"
	"local-deals-api/internal/redemption"
	"local-deals-api/internal/service"
	"local-deals-api/internal/validation"
)

// Handler provides HTTP handlers for the API.
type Handler struct {
	service     *service.Service
	maxBodySize int64
	logger      *slog.Logger
}

// NewHandlerOptions holds options for creating a handler.
type NewHandlerOptions struct {
	MaxBodySize int64
	Logger      *slog.Logger
}

// DefaultHandlerOptions returns default handler options.
func DefaultHandlerOptions() NewHandlerOptions {
	return NewHandlerOptions{
		MaxBodySize: 1 << 20, // 1MB default
	}
}

// NewHandler creates a new handler instance.
func NewHandler(svc *service.Service) *Handler {
	return NewHandlerWithOptions(svc, DefaultHandlerOptions())
}

// NewHandlerWithOptions creates a new handler instance with custom options.
func NewHandlerWithOptions(svc *service.Service, opts NewHandlerOptions) *Handler {
	if opts.MaxBodySize <= 0 {
		opts.MaxBodySize = DefaultHandlerOptions().MaxBodySize
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Handler{
		service:     svc,
		maxBodySize: opts.MaxBodySize,
		logger:      opts.Logger,
	}
}

// Routes registers every API route on r.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/health", h.Health)

	r.Put("/businesses/me", h.UpsertBusiness)
	r.Get("/businesses/{id}", h.GetBusiness)
	r.Get("/businesses/{id}/stats", h.GetBusinessStats)

	r.Post("/promotions", h.CreatePromotion)
	r.Get("/promotions", h.ListPromotions)
	r.Get("/promotions/{id}", h.GetPromotion)
	r.Put("/promotions/{id}", h.UpdatePromotion)
	r.Get("/promotions/{id}/eligibility", h.CheckEligibility)
	r.Post("/promotions/{id}/redemptions", h.OpenRedemption)
	r.Get("/promotions/{id}/redemptions/me", h.ListMyRedemptions)

	r.Get("/redemptions/sessions/{id}", h.GetSession)
	r.Post("/redemptions/sessions/{id}/confirm", h.ConfirmRedemption)
	r.Post("/redemptions/sessions/{id}/cancel", h.CancelRedemption)
}

// Health handles GET /health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if err := h.service.Ping(r.Context()); err != nil {
		h.logger.Error("health check failed", "error", err)
		h.respondJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// UpsertBusiness handles PUT /businesses/me
func (h *Handler) UpsertBusiness(w http.ResponseWriter, r *http.Request) {
	var req models.Business
	if !h.decode(w, r, &req) {
		return
	}

	req.ID = validation.SanitizeString(req.ID)
	req.Name = validation.SanitizeString(req.Name)
	req.Category = validation.SanitizeString(req.Category)
	req.Address = validation.SanitizeString(req.Address)
	req.OpeningTime = validation.SanitizeString(req.OpeningTime)
	req.ClosingTime = validation.SanitizeString(req.ClosingTime)
	req.Phone = validation.SanitizeString(req.Phone)
	req.Email = validation.SanitizeString(req.Email)
	req.RedemptionCode = validation.SanitizeString(req.RedemptionCode)

	b, err := h.service.UpsertBusiness(r.Context(), clientID(r), req)
	if err != nil {
		h.respondServiceError(w, err)
		return
	}

	h.respondJSON(w, http.StatusOK, b)
}

// GetBusiness handles GET /businesses/{id}
func (h *Handler) GetBusiness(w http.ResponseWriter, r *http.Request) {
	b, err := h.service.GetBusiness(r.Context(), clientID(r), pathID(r))
	if err != nil {
		h.respondServiceError(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, b)
}

// GetBusinessStats handles GET /businesses/{id}/stats
func (h *Handler) GetBusinessStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.service.GetBusinessStats(r.Context(), clientID(r), pathID(r))
	if err != nil {
		h.respondServiceError(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, stats)
}

// ListMyRedemptions handles GET /promotions/{id}/redemptions/me
func (h *Handler) ListMyRedemptions(w http.ResponseWriter, r *http.Request) {
	id := pathID(r)
	history, err := h.service.ListMyRedemptions(r.Context(), clientID(r), id)
	if err != nil {
		h.respondServiceError(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, models.RedemptionHistoryResponse{
		PromotionID: id,
		Redemptions: history,
	})
}

// CreatePromotion handles POST /promotions
func (h *Handler) CreatePromotion(w http.ResponseWriter, r *http.Request) {
	var req models.PromotionInput
	if !h.decode(w, r, &req) {
		return
	}
	sanitizePromotion(&req)

	p, err := h.service.CreatePromotion(r.Context(), clientID(r), req)
	if err != nil {
		h.respondServiceError(w, err)
		return
	}
	h.respondJSON(w, http.StatusCreated, p)
}

// UpdatePromotion handles PUT /promotions/{id}
func (h *Handler) UpdatePromotion(w http.ResponseWriter, r *http.Request) {
	var req models.PromotionInput
	if !h.decode(w, r, &req) {
		return
	}
	sanitizePromotion(&req)

	p, err := h.service.UpdatePromotion(r.Context(), clientID(r), pathID(r), req)
	if err != nil {
		h.respondServiceError(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, p)
}

// ListPromotions handles GET /promotions?lat=&lng=&radius_km=&category=&business_id=
func (h *Handler) ListPromotions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var query service.ListQuery

	if c := q.Get("category"); c != "" {
		category, err := validation.ParseCategory(c)
		if err != nil {
			h.respondServiceError(w, err)
			return
		}
		query.Category = category
	}
	query.BusinessID = validation.SanitizeString(q.Get("business_id"))

	latParam, lngParam := q.Get("lat"), q.Get("lng")
	if latParam != "" || lngParam != "" {
		lat, errLat := strconv.ParseFloat(latParam, 64)
		lng, errLng := strconv.ParseFloat(lngParam, 64)
		if errLat != nil || errLng != nil || lat < -90 || lat > 90 || lng < -180 || lng > 180 {
			h.respondError(w, http.StatusBadRequest, "validation_error", "'lat' and 'lng' must be valid coordinates given together", false)
			return
		}
		query.Origin = &geo.Coordinates{Lat: lat, Lng: lng}
	}
	if radius := q.Get("radius_km"); radius != "" {
		km, err := strconv.ParseFloat(radius, 64)
		if err != nil || km < 0 {
			h.respondError(w, http.StatusBadRequest, "validation_error", "'radius_km' must be a non-negative number", false)
			return
		}
		query.RadiusKm = km
	}

	views, err := h.service.ListPromotions(r.Context(), query)
	if err != nil {
		h.respondServiceError(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, models.PromotionListResponse{Promotions: views})
}

// GetPromotion handles GET /promotions/{id}
func (h *Handler) GetPromotion(w http.ResponseWriter, r *http.Request) {
	view, err := h.service.GetPromotion(r.Context(), pathID(r))
	if err != nil {
		h.respondServiceError(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, view)
}

// CheckEligibility handles GET /promotions/{id}/eligibility
func (h *Handler) CheckEligibility(w http.ResponseWriter, r *http.Request) {
	resp, err := h.service.CheckEligibility(r.Context(), clientID(r), pathID(r))
	if err != nil {
		h.respondServiceError(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, resp)
}

// OpenRedemption handles POST /promotions/{id}/redemptions
func (h *Handler) OpenRedemption(w http.ResponseWriter, r *http.Request) {
	snap, err := h.service.OpenRedemption(r.Context(), clientID(r), pathID(r))
	if err != nil {
		h.respondServiceError(w, err)
		return
	}
	h.respondJSON(w, http.StatusCreated, snap)
}

// GetSession handles GET /redemptions/sessions/{id}
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	snap, err := h.service.GetSession(r.Context(), clientID(r), pathID(r))
	if err != nil {
		h.respondServiceError(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, snap)
}

// ConfirmRedemption handles POST /redemptions/sessions/{id}/confirm
func (h *Handler) ConfirmRedemption(w http.ResponseWriter, r *http.Request) {
	var req models.ConfirmRedemptionRequest
	if !h.decode(w, r, &req) {
		return
	}

	resp, err := h.service.ConfirmRedemption(r.Context(), clientID(r), pathID(r), req)
	if err != nil {
		h.respondServiceError(w, err)
		return
	}
	h.respondJSON(w, http.StatusCreated, resp)
}

// CancelRedemption handles POST /redemptions/sessions/{id}/cancel
func (h *Handler) CancelRedemption(w http.ResponseWriter, r *http.Request) {
	snap, err := h.service.CancelRedemption(r.Context(), clientID(r), pathID(r))
	if err != nil {
		h.respondServiceError(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, snap)
}

func clientID(r *http.Request) string {
	return middleware.ClientIDFromContext(r.Context())
}

func pathID(r *http.Request) string {
	return validation.SanitizeString(chi.URLParam(r, "id"))
}

func sanitizePromotion(req *models.PromotionInput) {
	req.ID = validation.SanitizeString(req.ID)
	req.BusinessID = validation.SanitizeString(req.BusinessID)
	req.Title = validation.SanitizeString(req.Title)
	req.Description = validation.SanitizeString(req.Description)
	req.ImageURL = validation.SanitizeString(req.ImageURL)
}

// decode reads a size-limited JSON body into dst, answering 400 on failure.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBodySize)

	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			h.respondError(w, http.StatusBadRequest, "validation_error", "request body is required", false)
			return false
		}
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.respondError(w, http.StatusRequestEntityTooLarge, "validation_error", "request body too large", false)
			return false
		}
		h.respondError(w, http.StatusBadRequest, "validation_error", "invalid JSON in request body", false)
		return false
	}
	return true
}

// statusFor maps service errors onto HTTP status codes.
func statusFor(err error) int {
	var ve *validation.ValidationError
	switch {
	case errors.As(err, &ve):
		return http.StatusBadRequest
	case errors.Is(err, redemption.ErrNotAuthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, service.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, redemption.ErrPromotionNotFound),
		errors.Is(err, redemption.ErrBusinessNotFound),
		errors.Is(err, redemption.ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, redemption.ErrBusinessClosed),
		errors.Is(err, redemption.ErrAlreadyRedeemedToday),
		errors.Is(err, redemption.ErrPromotionInactive):
		return http.StatusConflict
	case errors.Is(err, redemption.ErrSessionClosed):
		return http.StatusGone
	case errors.Is(err, redemption.ErrInvalidCodeFormat),
		errors.Is(err, redemption.ErrEmptyProof),
		errors.Is(err, redemption.ErrInvalidQRCode),
		errors.Is(err, redemption.ErrCodeMismatch),
		errors.Is(err, redemption.ErrUnsupportedMethod),
		errors.Is(err, redemption.ErrMethodDisabled):
		return http.StatusUnprocessableEntity
	case errors.Is(err, redemption.ErrBackend):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) respondServiceError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	code := redemption.Reason(err)
	message := err.Error()

	var ve *validation.ValidationError
	switch {
	case errors.As(err, &ve):
		code = "validation_error"
	case errors.Is(err, service.ErrForbidden):
		code = "forbidden"
	}

	switch status {
	case http.StatusServiceUnavailable:
		h.logger.Warn("backend failure", "error", err)
		message = redemption.ErrBackend.Error()
	case http.StatusUnprocessableEntity:
		if errors.Is(err, redemption.ErrInvalidQRCode) {
			message = redemption.ErrInvalidQRCode.Error()
		}
	case http.StatusInternalServerError:
		h.logger.Error("unhandled error", "error", err)
		message = "internal server error"
	}

	h.respondError(w, status, code, message, status == http.StatusServiceUnavailable)
}

// respondJSON sends a JSON response with the given status code.
func (h *Handler) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// respondError sends an error response with the given status code and message.
func (h *Handler) respondError(w http.ResponseWriter, status int, code, message string, retryable bool) {
	h.respondJSON(w, status, models.ErrorResponse{Error: message, Code: code, Retryable: retryable})
}
