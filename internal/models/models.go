package models

import (
	"encoding/json"
	"fmt"
	"math"
	"time"
)

// Category is one of the fixed promotion category tags.
type Category string

const (
	CategoryBreakfast  Category = "breakfast"
	CategoryLunch      Category = "lunch"
	CategoryDinner     Category = "dinner"
	CategoryFastFood   Category = "fast_food"
	CategoryBakery     Category = "bakery"
	CategoryDessert    Category = "dessert"
	CategoryCoffee     Category = "coffee"
	CategoryDrinks     Category = "drinks"
	CategoryHealthy    Category = "healthy"
	CategoryVegetarian Category = "vegetarian"
)

// Categories lists every valid category tag.
var Categories = []Category{
	CategoryBreakfast,
	CategoryLunch,
	CategoryDinner,
	CategoryFastFood,
	CategoryBakery,
	CategoryDessert,
	CategoryCoffee,
	CategoryDrinks,
	CategoryHealthy,
	CategoryVegetarian,
}

// Valid reports whether c belongs to the enumeration.
func (c Category) Valid() bool {
	for _, known := range Categories {
		if c == known {
			return true
		}
	}
	return false
}

// Business is a venue publishing promotions. Its ID is the owner's auth subject.
type Business struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	Category       string    `json:"category"`
	Address        string    `json:"address"`
	Latitude       *float64  `json:"latitude,omitempty"`
	Longitude      *float64  `json:"longitude,omitempty"`
	OpeningTime    string    `json:"opening_time"` // "HH:MM"
	ClosingTime    string    `json:"closing_time"` // "HH:MM"
	Phone          string    `json:"phone,omitempty"`
	Email          string    `json:"email,omitempty"`
	RedemptionCode string    `json:"redemption_code,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// HasLocation reports whether both coordinates are set.
func (b Business) HasLocation() bool {
	return b.Latitude != nil && b.Longitude != nil
}

// BusinessSummary is the slice of a business embedded in promotion listings.
type BusinessSummary struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Address     string   `json:"address"`
	Latitude    *float64 `json:"latitude,omitempty"`
	Longitude   *float64 `json:"longitude,omitempty"`
	OpeningTime string   `json:"opening_time"`
	ClosingTime string   `json:"closing_time"`
}

// Promotion is a discounted offer owned by exactly one business.
// Prices are in minor currency units.
type Promotion struct {
	ID              string           `json:"id"`
	BusinessID      string           `json:"business_id"`
	Title           string           `json:"title"`
	Description     string           `json:"description"`
	ImageURL        string           `json:"image_url,omitempty"`
	OriginalPrice   int64            `json:"original_price"`
	DiscountedPrice int64            `json:"discounted_price"`
	StartDate       time.Time        `json:"start_date"`
	EndDate         *time.Time       `json:"end_date,omitempty"`
	IsIndefinite    bool             `json:"is_indefinite"`
	Categories      []Category       `json:"categories"`
	ViewCount       int64            `json:"view_count"`
	RedemptionCount int64            `json:"redemption_count"`
	CreatedAt       time.Time        `json:"created_at"`
	UpdatedAt       time.Time        `json:"updated_at"`
	Business        *BusinessSummary `json:"business,omitempty"`
}

// IsActiveAt reports whether the promotion's validity window contains t.
func (p Promotion) IsActiveAt(t time.Time) bool {
	if p.StartDate.After(t) {
		return false
	}
	if p.IsIndefinite || p.EndDate == nil {
		return true
	}
	return !p.EndDate.Before(t)
}

// DiscountPercent is the rounded percentage taken off the original price.
func (p Promotion) DiscountPercent() int {
	if p.OriginalPrice <= 0 {
		return 0
	}
	off := float64(p.OriginalPrice-p.DiscountedPrice) / float64(p.OriginalPrice) * 100
	return int(math.Round(off))
}

// DiscountBadge renders the discount as shown on listings, e.g. "-50%".
func (p Promotion) DiscountBadge() string {
	return fmt.Sprintf("-%d%%", p.DiscountPercent())
}

// PromotionInput is the writable part of a promotion. Decoding accepts the
// legacy single "category" field as well as "categories".
type PromotionInput struct {
	ID              string     `json:"id,omitempty"`
	BusinessID      string     `json:"business_id"`
	Title           string     `json:"title"`
	Description     string     `json:"description"`
	ImageURL        string     `json:"image_url,omitempty"`
	OriginalPrice   int64      `json:"original_price"`
	DiscountedPrice int64      `json:"discounted_price"`
	StartDate       time.Time  `json:"start_date"`
	EndDate         *time.Time `json:"end_date,omitempty"`
	IsIndefinite    bool       `json:"is_indefinite"`
	Categories      []Category `json:"categories"`
}

// UnmarshalJSON normalizes "category" and "categories" into Categories.
func (in *PromotionInput) UnmarshalJSON(data []byte) error {
	type plain PromotionInput
	aux := struct {
		*plain
		Category Category `json:"category"`
	}{plain: (*plain)(in)}

	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	if aux.Category != "" {
		in.Categories = append([]Category{aux.Category}, in.Categories...)
	}
	in.Categories = dedupeCategories(in.Categories)
	return nil
}

func dedupeCategories(in []Category) []Category {
	if len(in) == 0 {
		return in
	}
	seen := make(map[Category]bool, len(in))
	out := make([]Category, 0, len(in))
	for _, c := range in {
		if c == "" || seen[c] {
			continue
		}
		seen[c] = true
		out = append(out, c)
	}
	return out
}

// ToPromotion copies the input onto a new promotion record.
func (in PromotionInput) ToPromotion() Promotion {
	return Promotion{
		ID:              in.ID,
		BusinessID:      in.BusinessID,
		Title:           in.Title,
		Description:     in.Description,
		ImageURL:        in.ImageURL,
		OriginalPrice:   in.OriginalPrice,
		DiscountedPrice: in.DiscountedPrice,
		StartDate:       in.StartDate,
		EndDate:         in.EndDate,
		IsIndefinite:    in.IsIndefinite,
		Categories:      in.Categories,
	}
}

// RedemptionMethod is how a client proves presence at the business.
type RedemptionMethod string

const (
	MethodCode RedemptionMethod = "code"
	MethodQR   RedemptionMethod = "qr"
)

// Redemption is an immutable ledger entry.
type Redemption struct {
	ID          string           `json:"id"`
	PromotionID string           `json:"promotion_id"`
	ClientID    string           `json:"client_id"`
	BusinessID  string           `json:"business_id"`
	Method      RedemptionMethod `json:"method"`
	Proof       string           `json:"proof"`
	Amount      int64            `json:"amount"`
	RedeemedAt  time.Time        `json:"redeemed_at"`
	RedeemedOn  string           `json:"redeemed_on"` // YYYY-MM-DD in service time zone
}

// PromotionStats is a per-promotion slice of BusinessStats.
type PromotionStats struct {
	PromotionID string `json:"promotion_id"`
	Title       string `json:"title"`
	Redemptions int64  `json:"redemptions"`
	Amount      int64  `json:"amount"`
	Views       int64  `json:"views"`
}

// BusinessStats aggregates the redemption ledger for one business.
type BusinessStats struct {
	BusinessID       string           `json:"business_id"`
	TotalRedemptions int64            `json:"total_redemptions"`
	TotalAmount      int64            `json:"total_amount"`
	RedemptionsToday int64            `json:"redemptions_today"`
	Promotions       []PromotionStats `json:"promotions"`
}

// PromotionFilter narrows ListActivePromotions.
type PromotionFilter struct {
	Category   Category
	BusinessID string
}

// PromotionView is a promotion as presented to clients.
type PromotionView struct {
	Promotion
	DiscountBadge string   `json:"discount_badge"`
	Active        bool     `json:"active"`
	BusinessOpen  bool     `json:"business_open"`
	DistanceKm    *float64 `json:"distance_km,omitempty"`
}

// PromotionListResponse is the payload of GET /promotions.
type PromotionListResponse struct {
	Promotions []PromotionView `json:"promotions"`
}

// EligibilityResponse tells a client whether the redeem action is enabled.
type EligibilityResponse struct {
	PromotionID string `json:"promotion_id"`
	Eligible    bool   `json:"eligible"`
	Reason      string `json:"reason,omitempty"`
	Message     string `json:"message,omitempty"`
}

// ConfirmRedemptionRequest is the body of POST /redemptions/sessions/{id}/confirm.
type ConfirmRedemptionRequest struct {
	Method RedemptionMethod `json:"method"`
	Proof  string           `json:"proof"`
}

// ConfirmRedemptionResponse reports a successful redemption.
type ConfirmRedemptionResponse struct {
	Redemption      Redemption `json:"redemption"`
	RedemptionCount int64      `json:"redemption_count"`
	SessionState    string     `json:"session_state"`
}

// RedemptionHistoryResponse lists a client's redemptions of one promotion.
type RedemptionHistoryResponse struct {
	PromotionID string       `json:"promotion_id"`
	Redemptions []Redemption `json:"redemptions"`
}

// ErrorResponse represents an error response.
type ErrorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code,omitempty"`
	Retryable bool   `json:"retryable,omitempty"`
}
