package database

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"local-deals-api/internal/models"
)

func setupTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := NewDB(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func seedBusiness(t *testing.T, db *DB, lat, lng *float64) models.Business {
	t.Helper()
	b := models.Business{
		ID:          uuid.New().String(),
		Name:        "Panadería Central",
		Category:    "bakery",
		OpeningTime: "07:00",
		ClosingTime: "19:00",
		Latitude:    lat,
		Longitude:   lng,
	}
	require.NoError(t, db.UpsertBusiness(context.Background(), b))
	return b
}

func seedPromotion(t *testing.T, db *DB, businessID string, mutate func(*models.Promotion)) models.Promotion {
	t.Helper()
	p := models.Promotion{
		ID:              uuid.New().String(),
		BusinessID:      businessID,
		Title:           "Pan y café",
		OriginalPrice:   8000,
		DiscountedPrice: 4000,
		StartDate:       time.Date(2025, 10, 1, 0, 0, 0, 0, time.UTC),
		Categories:      []models.Category{models.CategoryBreakfast, models.CategoryCoffee},
	}
	if mutate != nil {
		mutate(&p)
	}
	require.NoError(t, db.InsertPromotion(context.Background(), p))
	return p
}

func TestBusinessRoundTrip(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	lat, lng := 4.6, -74.08
	b := seedBusiness(t, db, &lat, &lng)

	got, err := db.GetBusinessByID(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, b.Name, got.Name)
	require.NotNil(t, got.Latitude)
	assert.InDelta(t, lat, *got.Latitude, 1e-9)

	b.Name = "Panadería Central II"
	b.Latitude, b.Longitude = nil, nil
	require.NoError(t, db.UpsertBusiness(ctx, b))

	got, err = db.GetBusinessByID(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, "Panadería Central II", got.Name)
	assert.Nil(t, got.Latitude)

	_, err = db.GetBusinessByID(ctx, uuid.New().String())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPromotionJoinedWithBusiness(t *testing.T) {
	db := setupTestDB(t)
	b := seedBusiness(t, db, nil, nil)
	p := seedPromotion(t, db, b.ID, nil)

	got, err := db.GetPromotionByID(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, p.Title, got.Title)
	assert.Equal(t, p.Categories, got.Categories)
	require.NotNil(t, got.Business)
	assert.Equal(t, b.Name, got.Business.Name)
	assert.Nil(t, got.EndDate)
}

func TestDiscountCheckConstraint(t *testing.T) {
	db := setupTestDB(t)
	b := seedBusiness(t, db, nil, nil)

	p := models.Promotion{
		ID:              uuid.New().String(),
		BusinessID:      b.ID,
		Title:           "Bad",
		OriginalPrice:   5000,
		DiscountedPrice: 5000,
		StartDate:       time.Now(),
		Categories:      []models.Category{models.CategoryLunch},
	}
	assert.Error(t, db.InsertPromotion(context.Background(), p))
}

func TestListActivePromotions(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	b := seedBusiness(t, db, nil, nil)
	now := time.Date(2025, 10, 21, 12, 0, 0, 0, time.UTC)

	past := now.Add(-24 * time.Hour)
	future := now.Add(24 * time.Hour)

	open := seedPromotion(t, db, b.ID, nil)
	bounded := seedPromotion(t, db, b.ID, func(p *models.Promotion) {
		p.EndDate = &future
		p.Categories = []models.Category{models.CategoryLunch}
	})
	seedPromotion(t, db, b.ID, func(p *models.Promotion) { p.EndDate = &past })
	indefinite := seedPromotion(t, db, b.ID, func(p *models.Promotion) {
		p.EndDate = &past
		p.IsIndefinite = true
	})
	seedPromotion(t, db, b.ID, func(p *models.Promotion) { p.StartDate = future })

	all, err := db.ListActivePromotions(ctx, now, models.PromotionFilter{})
	require.NoError(t, err)

	ids := map[string]bool{}
	for _, p := range all {
		ids[p.ID] = true
	}
	assert.Len(t, all, 3)
	assert.True(t, ids[open.ID])
	assert.True(t, ids[bounded.ID])
	assert.True(t, ids[indefinite.ID])

	lunch, err := db.ListActivePromotions(ctx, now, models.PromotionFilter{Category: models.CategoryLunch})
	require.NoError(t, err)
	require.Len(t, lunch, 1)
	assert.Equal(t, bounded.ID, lunch[0].ID)
}

func TestCreateRedemption_IncrementsCounterAndRejectsSameDay(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	b := seedBusiness(t, db, nil, nil)
	p := seedPromotion(t, db, b.ID, nil)
	clientID := uuid.New().String()

	r := models.Redemption{
		ID:          uuid.New().String(),
		PromotionID: p.ID,
		ClientID:    clientID,
		BusinessID:  b.ID,
		Method:      models.MethodCode,
		Proof:       "1234",
		Amount:      p.DiscountedPrice,
		RedeemedAt:  time.Now(),
		RedeemedOn:  "2025-10-21",
	}
	require.NoError(t, db.CreateRedemption(ctx, r))

	redeemed, err := db.CheckTodayRedemption(ctx, p.ID, clientID, "2025-10-21")
	require.NoError(t, err)
	assert.True(t, redeemed)

	redeemed, err = db.CheckTodayRedemption(ctx, p.ID, clientID, "2025-10-22")
	require.NoError(t, err)
	assert.False(t, redeemed)

	second := r
	second.ID = uuid.New().String()
	assert.ErrorIs(t, db.CreateRedemption(ctx, second), ErrDuplicateRedemption)

	nextDay := r
	nextDay.ID = uuid.New().String()
	nextDay.RedeemedOn = "2025-10-22"
	require.NoError(t, db.CreateRedemption(ctx, nextDay))

	got, err := db.GetPromotionByID(ctx, p.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 2, got.RedemptionCount)

	history, err := db.ListRedemptions(ctx, p.ID, clientID)
	require.NoError(t, err)
	assert.Len(t, history, 2)
}

func TestValidateQRCode(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	b := seedBusiness(t, db, nil, nil)
	other := seedBusiness(t, db, nil, nil)

	tests := []struct {
		name  string
		proof string
		want  bool
	}{
		{"bare id", b.ID, true},
		{"uri form", QRPrefix + b.ID, true},
		{"different case", strings.ToUpper(b.ID), false},
		{"different case uri", QRPrefix + strings.ToUpper(b.ID), false},
		{"other business", other.ID, false},
		{"empty", "", false},
		{"garbage", "hello", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ok, err := db.ValidateQRCode(ctx, tt.proof, b.ID)
			require.NoError(t, err)
			assert.Equal(t, tt.want, ok)
		})
	}

	ok, err := db.ValidateQRCode(ctx, QRPrefix+"missing", "missing")
	require.NoError(t, err)
	assert.False(t, ok, "unknown business must not validate")
}

func TestBusinessStats(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	b := seedBusiness(t, db, nil, nil)
	p1 := seedPromotion(t, db, b.ID, nil)
	p2 := seedPromotion(t, db, b.ID, func(p *models.Promotion) { p.DiscountedPrice = 6000 })

	redeem := func(p models.Promotion, day string) {
		require.NoError(t, db.CreateRedemption(ctx, models.Redemption{
			ID:          uuid.New().String(),
			PromotionID: p.ID,
			ClientID:    uuid.New().String(),
			BusinessID:  b.ID,
			Method:      models.MethodQR,
			Proof:       b.ID,
			Amount:      p.DiscountedPrice,
			RedeemedAt:  time.Now(),
			RedeemedOn:  day,
		}))
	}
	redeem(p1, "2025-10-20")
	redeem(p1, "2025-10-21")
	redeem(p2, "2025-10-21")
	require.NoError(t, db.IncrementViewCount(ctx, p2.ID))

	stats, err := db.BusinessStats(ctx, b.ID, "2025-10-21")
	require.NoError(t, err)
	assert.EqualValues(t, 3, stats.TotalRedemptions)
	assert.EqualValues(t, 4000+4000+6000, stats.TotalAmount)
	assert.EqualValues(t, 2, stats.RedemptionsToday)
	require.Len(t, stats.Promotions, 2)

	byID := map[string]models.PromotionStats{}
	for _, ps := range stats.Promotions {
		byID[ps.PromotionID] = ps
	}
	assert.EqualValues(t, 2, byID[p1.ID].Redemptions)
	assert.EqualValues(t, 1, byID[p2.ID].Views)
}
