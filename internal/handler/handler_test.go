package handler

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"local-deals-api/internal/database"
	"local-deals-api/internal/middleware"
	"local-deals-api/internal/models"
	"local-deals-api/internal/redemption"
	"local-deals-api/internal/service"
	"local-deals-api/internal/validation"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

const testSecret = "handler-test-secret"

func setupTestRouter(t *testing.T) *chi.Mux {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "test_handler.db")
	db, err := database.NewDB(dbPath)
	if err != nil {
		t.Fatalf("Failed to create test database: %v", err)
	}

	svc := service.NewService(db, service.Options{})
	h := NewHandler(svc)

	t.Cleanup(func() {
		svc.Stop()
		db.Close()
	})

	auth := middleware.NewAuthenticator(middleware.AuthConfig{HMACSecret: testSecret}, nil)
	r := chi.NewRouter()
	r.Use(auth.Middleware)
	h.Routes(r)
	return r
}

func token(t *testing.T, subject string) string {
	t.Helper()
	tok, err := middleware.SignToken(testSecret, subject, time.Hour)
	if err != nil {
		t.Fatalf("SignToken failed: %v", err)
	}
	return tok
}

func do(t *testing.T, r http.Handler, method, path, subject string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		switch b := body.(type) {
		case string:
			buf.WriteString(b)
		default:
			if err := json.NewEncoder(&buf).Encode(b); err != nil {
				t.Fatalf("encode body: %v", err)
			}
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if subject != "" {
		req.Header.Set("Authorization", "Bearer "+token(t, subject))
	}
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, req)
	return rr
}

func decodeBody(t *testing.T, rr *httptest.ResponseRecorder, dst interface{}) {
	t.Helper()
	if err := json.Unmarshal(rr.Body.Bytes(), dst); err != nil {
		t.Fatalf("Failed to unmarshal response: %v. Body: %s", err, rr.Body.String())
	}
}

// seed creates an always-open business with one 8000 -> 4000 promotion.
func seed(t *testing.T, r http.Handler) (owner string, promotionID string) {
	t.Helper()
	owner = uuid.New().String()

	lat, lng := 4.60971, -74.08175
	rr := do(t, r, "PUT", "/businesses/me", owner, models.Business{
		Name:        "La Esquina",
		Latitude:    &lat,
		Longitude:   &lng,
		OpeningTime: "00:00",
		ClosingTime: "00:00",
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("Expected status 200 for business upsert, got %d. Body: %s", rr.Code, rr.Body.String())
	}

	rr = do(t, r, "POST", "/promotions", owner, map[string]interface{}{
		"title":            "Menu del día",
		"original_price":   8000,
		"discounted_price": 4000,
		"start_date":       time.Now().Add(-24 * time.Hour).UTC().Format(time.RFC3339),
		"is_indefinite":    true,
		"category":         "lunch",
	})
	if rr.Code != http.StatusCreated {
		t.Fatalf("Expected status 201 for promotion, got %d. Body: %s", rr.Code, rr.Body.String())
	}
	var p models.Promotion
	decodeBody(t, rr, &p)
	return owner, p.ID
}

func TestHealthCheck(t *testing.T) {
	r := setupTestRouter(t)

	rr := do(t, r, "GET", "/health", "", nil)
	if rr.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", rr.Code)
	}
}

func TestUpsertBusiness(t *testing.T) {
	r := setupTestRouter(t)

	t.Run("anonymous", func(t *testing.T) {
		rr := do(t, r, "PUT", "/businesses/me", "", models.Business{Name: "x"})
		if rr.Code != http.StatusUnauthorized {
			t.Errorf("Expected status 401, got %d", rr.Code)
		}
		var resp models.ErrorResponse
		decodeBody(t, rr, &resp)
		if resp.Code != "not_authenticated" {
			t.Errorf("Expected code not_authenticated, got %s", resp.Code)
		}
	})

	t.Run("invalid hours", func(t *testing.T) {
		rr := do(t, r, "PUT", "/businesses/me", uuid.New().String(), models.Business{
			Name: "x", OpeningTime: "25:00", ClosingTime: "18:00",
		})
		if rr.Code != http.StatusBadRequest {
			t.Errorf("Expected status 400, got %d", rr.Code)
		}
	})

	t.Run("invalid JSON", func(t *testing.T) {
		rr := do(t, r, "PUT", "/businesses/me", uuid.New().String(), "invalid json")
		if rr.Code != http.StatusBadRequest {
			t.Errorf("Expected status 400, got %d", rr.Code)
		}
	})

	t.Run("bad token", func(t *testing.T) {
		req := httptest.NewRequest("PUT", "/businesses/me", bytes.NewBufferString("{}"))
		req.Header.Set("Authorization", "Bearer not-a-jwt")
		rr := httptest.NewRecorder()
		r.ServeHTTP(rr, req)
		if rr.Code != http.StatusUnauthorized {
			t.Errorf("Expected status 401, got %d", rr.Code)
		}
	})
}

func TestGetBusiness(t *testing.T) {
	r := setupTestRouter(t)
	owner, _ := seed(t, r)

	rr := do(t, r, "GET", "/businesses/"+owner, "", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", rr.Code)
	}
	var b models.Business
	decodeBody(t, rr, &b)
	if b.Name != "La Esquina" {
		t.Errorf("Expected name La Esquina, got %s", b.Name)
	}

	rr = do(t, r, "GET", "/businesses/"+uuid.New().String(), "", nil)
	if rr.Code != http.StatusNotFound {
		t.Errorf("Expected status 404, got %d", rr.Code)
	}
}

func TestCreatePromotion_Validation(t *testing.T) {
	r := setupTestRouter(t)
	owner, _ := seed(t, r)

	tests := []struct {
		name string
		body map[string]interface{}
	}{
		{
			name: "discount not below original",
			body: map[string]interface{}{
				"title": "x", "original_price": 1000, "discounted_price": 1000,
				"start_date": "2025-10-01T00:00:00Z", "categories": []string{"lunch"},
			},
		},
		{
			name: "unknown category",
			body: map[string]interface{}{
				"title": "x", "original_price": 1000, "discounted_price": 500,
				"start_date": "2025-10-01T00:00:00Z", "categories": []string{"brunch"},
			},
		},
		{
			name: "too many categories",
			body: map[string]interface{}{
				"title": "x", "original_price": 1000, "discounted_price": 500,
				"start_date": "2025-10-01T00:00:00Z", "categories": []string{"lunch", "dinner", "drinks"},
			},
		},
		{
			name: "missing title",
			body: map[string]interface{}{
				"original_price": 1000, "discounted_price": 500,
				"start_date": "2025-10-01T00:00:00Z", "categories": []string{"lunch"},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := do(t, r, "POST", "/promotions", owner, tt.body)
			if rr.Code != http.StatusBadRequest {
				t.Errorf("Expected status 400, got %d. Body: %s", rr.Code, rr.Body.String())
			}
			var resp models.ErrorResponse
			decodeBody(t, rr, &resp)
			if resp.Code != "validation_error" {
				t.Errorf("Expected code validation_error, got %s", resp.Code)
			}
		})
	}
}

func TestUpdatePromotion_Forbidden(t *testing.T) {
	r := setupTestRouter(t)
	_, promotionID := seed(t, r)

	rr := do(t, r, "PUT", "/promotions/"+promotionID, uuid.New().String(), map[string]interface{}{
		"title": "hijack", "original_price": 1000, "discounted_price": 1,
		"start_date": "2025-10-01T00:00:00Z", "categories": []string{"lunch"},
	})
	if rr.Code != http.StatusForbidden {
		t.Errorf("Expected status 403, got %d", rr.Code)
	}
}

func TestListAndGetPromotions(t *testing.T) {
	r := setupTestRouter(t)
	_, promotionID := seed(t, r)

	rr := do(t, r, "GET", "/promotions?category=lunch&lat=4.61&lng=-74.08&radius_km=5", "", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d. Body: %s", rr.Code, rr.Body.String())
	}
	var list models.PromotionListResponse
	decodeBody(t, rr, &list)
	if len(list.Promotions) != 1 {
		t.Fatalf("Expected 1 promotion, got %d", len(list.Promotions))
	}
	got := list.Promotions[0]
	if got.DiscountBadge != "-50%" || got.DistanceKm == nil || !got.BusinessOpen {
		t.Errorf("Unexpected promotion view: %+v", got)
	}

	rr = do(t, r, "GET", "/promotions?category=dessert", "", nil)
	decodeBody(t, rr, &list)
	if len(list.Promotions) != 0 {
		t.Errorf("Expected no dessert promotions, got %d", len(list.Promotions))
	}

	for _, bad := range []string{"?category=brunch", "?lat=4.6", "?lat=abc&lng=1", "?radius_km=-1"} {
		rr = do(t, r, "GET", "/promotions"+bad, "", nil)
		if rr.Code != http.StatusBadRequest {
			t.Errorf("Expected status 400 for %s, got %d", bad, rr.Code)
		}
	}

	rr = do(t, r, "GET", "/promotions/"+promotionID, "", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", rr.Code)
	}
	var view models.PromotionView
	decodeBody(t, rr, &view)
	if view.ViewCount != 1 {
		t.Errorf("Expected view count 1, got %d", view.ViewCount)
	}

	rr = do(t, r, "GET", "/promotions/"+uuid.New().String(), "", nil)
	if rr.Code != http.StatusNotFound {
		t.Errorf("Expected status 404, got %d", rr.Code)
	}
}

func TestEligibility(t *testing.T) {
	r := setupTestRouter(t)
	_, promotionID := seed(t, r)

	rr := do(t, r, "GET", "/promotions/"+promotionID+"/eligibility", "", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", rr.Code)
	}
	var resp models.EligibilityResponse
	decodeBody(t, rr, &resp)
	if resp.Eligible || resp.Reason != "not_authenticated" || resp.Message == "" {
		t.Errorf("Expected not_authenticated with a message, got %+v", resp)
	}

	rr = do(t, r, "GET", "/promotions/"+promotionID+"/eligibility", uuid.New().String(), nil)
	decodeBody(t, rr, &resp)
	if !resp.Eligible {
		t.Errorf("Expected eligible, got %+v", resp)
	}
}

func TestRedemptionFlow(t *testing.T) {
	r := setupTestRouter(t)
	owner, promotionID := seed(t, r)
	client := uuid.New().String()

	rr := do(t, r, "POST", "/promotions/"+promotionID+"/redemptions", client, nil)
	if rr.Code != http.StatusCreated {
		t.Fatalf("Expected status 201, got %d. Body: %s", rr.Code, rr.Body.String())
	}
	var snap redemption.Snapshot
	decodeBody(t, rr, &snap)
	if snap.State != redemption.StateOpen || snap.RemainingSeconds != 120 {
		t.Errorf("Expected open session with 120s, got %+v", snap)
	}
	sessionPath := "/redemptions/sessions/" + snap.ID

	rr = do(t, r, "GET", sessionPath, uuid.New().String(), nil)
	if rr.Code != http.StatusForbidden {
		t.Errorf("Expected status 403 for another client, got %d", rr.Code)
	}

	rr = do(t, r, "POST", sessionPath+"/confirm", client, models.ConfirmRedemptionRequest{Method: models.MethodCode, Proof: "12345"})
	if rr.Code != http.StatusUnprocessableEntity {
		t.Errorf("Expected status 422, got %d", rr.Code)
	}

	rr = do(t, r, "POST", sessionPath+"/confirm", client, models.ConfirmRedemptionRequest{Method: models.MethodCode, Proof: "0000"})
	if rr.Code != http.StatusCreated {
		t.Fatalf("Expected status 201, got %d. Body: %s", rr.Code, rr.Body.String())
	}
	var confirmed models.ConfirmRedemptionResponse
	decodeBody(t, rr, &confirmed)
	if confirmed.Redemption.Amount != 4000 || confirmed.RedemptionCount != 1 {
		t.Errorf("Unexpected confirmation: %+v", confirmed)
	}

	rr = do(t, r, "POST", sessionPath+"/confirm", client, models.ConfirmRedemptionRequest{Method: models.MethodCode, Proof: "0000"})
	if rr.Code != http.StatusGone {
		t.Errorf("Expected status 410 for a closed session, got %d", rr.Code)
	}

	rr = do(t, r, "POST", "/promotions/"+promotionID+"/redemptions", client, nil)
	if rr.Code != http.StatusConflict {
		t.Errorf("Expected status 409 after redeeming today, got %d", rr.Code)
	}
	var errResp models.ErrorResponse
	decodeBody(t, rr, &errResp)
	if errResp.Code != "already_redeemed_today" {
		t.Errorf("Expected already_redeemed_today, got %s", errResp.Code)
	}

	rr = do(t, r, "GET", "/businesses/"+owner+"/stats", owner, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", rr.Code)
	}
	var stats models.BusinessStats
	decodeBody(t, rr, &stats)
	if stats.TotalRedemptions != 1 || stats.RedemptionsToday != 1 {
		t.Errorf("Unexpected stats: %+v", stats)
	}

	rr = do(t, r, "GET", "/businesses/"+owner+"/stats", client, nil)
	if rr.Code != http.StatusForbidden {
		t.Errorf("Expected status 403 for stats, got %d", rr.Code)
	}
}

func TestListMyRedemptions(t *testing.T) {
	r := setupTestRouter(t)
	_, promotionID := seed(t, r)
	client := uuid.New().String()
	historyPath := "/promotions/" + promotionID + "/redemptions/me"

	rr := do(t, r, "GET", historyPath, "", nil)
	if rr.Code != http.StatusUnauthorized {
		t.Errorf("Expected status 401 without a token, got %d", rr.Code)
	}

	rr = do(t, r, "GET", "/promotions/"+uuid.New().String()+"/redemptions/me", client, nil)
	if rr.Code != http.StatusNotFound {
		t.Errorf("Expected status 404 for an unknown promotion, got %d", rr.Code)
	}

	rr = do(t, r, "GET", historyPath, client, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d. Body: %s", rr.Code, rr.Body.String())
	}
	var history models.RedemptionHistoryResponse
	decodeBody(t, rr, &history)
	if history.PromotionID != promotionID || history.Redemptions == nil || len(history.Redemptions) != 0 {
		t.Errorf("Expected an empty history, got %+v", history)
	}

	rr = do(t, r, "POST", "/promotions/"+promotionID+"/redemptions", client, nil)
	if rr.Code != http.StatusCreated {
		t.Fatalf("Expected status 201, got %d. Body: %s", rr.Code, rr.Body.String())
	}
	var snap redemption.Snapshot
	decodeBody(t, rr, &snap)
	rr = do(t, r, "POST", "/redemptions/sessions/"+snap.ID+"/confirm", client, models.ConfirmRedemptionRequest{Method: models.MethodCode, Proof: "2468"})
	if rr.Code != http.StatusCreated {
		t.Fatalf("Expected status 201, got %d. Body: %s", rr.Code, rr.Body.String())
	}

	rr = do(t, r, "GET", historyPath, client, nil)
	decodeBody(t, rr, &history)
	if len(history.Redemptions) != 1 {
		t.Fatalf("Expected one redemption, got %+v", history)
	}
	if got := history.Redemptions[0]; got.ClientID != client || got.Amount != 4000 || got.Method != models.MethodCode {
		t.Errorf("Unexpected redemption: %+v", got)
	}

	rr = do(t, r, "GET", historyPath, uuid.New().String(), nil)
	decodeBody(t, rr, &history)
	if len(history.Redemptions) != 0 {
		t.Errorf("Expected another client's history to be empty, got %d", len(history.Redemptions))
	}
}

func TestCancelRedemption(t *testing.T) {
	r := setupTestRouter(t)
	_, promotionID := seed(t, r)
	client := uuid.New().String()

	rr := do(t, r, "POST", "/promotions/"+promotionID+"/redemptions", client, nil)
	var snap redemption.Snapshot
	decodeBody(t, rr, &snap)

	rr = do(t, r, "POST", "/redemptions/sessions/"+snap.ID+"/cancel", client, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", rr.Code)
	}
	decodeBody(t, rr, &snap)
	if snap.State != redemption.StateCancelled {
		t.Errorf("Expected cancelled, got %s", snap.State)
	}

	rr = do(t, r, "GET", "/redemptions/sessions/"+uuid.New().String(), client, nil)
	if rr.Code != http.StatusNotFound {
		t.Errorf("Expected status 404, got %d", rr.Code)
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{&validation.ValidationError{Field: "title", Message: "is required"}, http.StatusBadRequest},
		{redemption.ErrNotAuthenticated, http.StatusUnauthorized},
		{service.ErrForbidden, http.StatusForbidden},
		{redemption.ErrSessionNotFound, http.StatusNotFound},
		{redemption.ErrBusinessClosed, http.StatusConflict},
		{redemption.ErrPromotionInactive, http.StatusConflict},
		{redemption.ErrSessionClosed, http.StatusGone},
		{redemption.ErrEmptyProof, http.StatusUnprocessableEntity},
		{errors.Join(redemption.ErrInvalidQRCode, errors.New("db down")), http.StatusUnprocessableEntity},
		{fmt.Errorf("%w: %w", redemption.ErrBackend, errors.New("disk I/O error")), http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		if got := statusFor(tt.err); got != tt.want {
			t.Errorf("statusFor(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}

func TestBackendErrorIsRetryable(t *testing.T) {
	h := NewHandlerWithOptions(nil, NewHandlerOptions{})
	rr := httptest.NewRecorder()
	h.respondServiceError(rr, fmt.Errorf("%w: %w", redemption.ErrBackend, errors.New("disk I/O error")))

	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("Expected status 503, got %d", rr.Code)
	}
	var resp models.ErrorResponse
	decodeBody(t, rr, &resp)
	if !resp.Retryable || resp.Code != "backend_unavailable" {
		t.Errorf("Expected retryable backend_unavailable, got %+v", resp)
	}
	if resp.Error != redemption.ErrBackend.Error() {
		t.Errorf("Expected internal detail hidden, got %q", resp.Error)
	}
}
