package validation

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"

	"local-deals-api/internal/hours"
	"local-deals-api/internal/models"
)

var (
	uuidRegex = regexp.MustCompile(`^[0-9a-f]{8}-[0-9a-f]{4}-4[0-9a-f]{3}-[89ab][0-9a-f]{3}-[0-9a-f]{12}$`)
	codeRegex = regexp.MustCompile(`^\d{4}$`)
)

const (
	maxTitleLength       = 120
	maxDescriptionLength = 2000
	maxPrice             = int64(100_000_000)
	maxCategories        = 2
)

type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error on field '%s': %s", e.Field, e.Message)
}

// ValidatePromotion checks the invariants every stored promotion must hold.
func ValidatePromotion(p models.Promotion) error {
	if err := ValidateUUID(p.ID, "id"); err != nil {
		return err
	}

	if err := ValidateUUID(p.BusinessID, "business_id"); err != nil {
		return err
	}

	if p.Title == "" {
		return &ValidationError{Field: "title", Message: "is required"}
	}
	if len(p.Title) > maxTitleLength {
		return &ValidationError{Field: "title", Message: fmt.Sprintf("cannot exceed %d characters", maxTitleLength)}
	}
	if len(p.Description) > maxDescriptionLength {
		return &ValidationError{Field: "description", Message: fmt.Sprintf("cannot exceed %d characters", maxDescriptionLength)}
	}

	if p.OriginalPrice <= 0 {
		return &ValidationError{Field: "original_price", Message: "must be positive"}
	}
	if p.OriginalPrice > maxPrice {
		return &ValidationError{Field: "original_price", Message: "exceeds maximum allowed amount"}
	}
	if p.DiscountedPrice < 0 {
		return &ValidationError{Field: "discounted_price", Message: "must be non-negative"}
	}
	if p.DiscountedPrice >= p.OriginalPrice {
		return &ValidationError{Field: "discounted_price", Message: "must be lower than original_price"}
	}

	if err := validateCategories(p.Categories); err != nil {
		return err
	}

	if p.StartDate.IsZero() {
		return &ValidationError{Field: "start_date", Message: "is required"}
	}
	if p.EndDate != nil && p.EndDate.Before(p.StartDate) {
		return &ValidationError{Field: "end_date", Message: "must not be before start_date"}
	}

	return nil
}

// ValidateBusiness checks a business profile before it is stored.
func ValidateBusiness(b models.Business) error {
	if err := ValidateUUID(b.ID, "id"); err != nil {
		return err
	}

	if b.Name == "" {
		return &ValidationError{Field: "name", Message: "is required"}
	}

	if (b.Latitude == nil) != (b.Longitude == nil) {
		return &ValidationError{Field: "latitude", Message: "latitude and longitude must be set together"}
	}
	if b.Latitude != nil && (*b.Latitude < -90 || *b.Latitude > 90) {
		return &ValidationError{Field: "latitude", Message: "must be between -90 and 90"}
	}
	if b.Longitude != nil && (*b.Longitude < -180 || *b.Longitude > 180) {
		return &ValidationError{Field: "longitude", Message: "must be between -180 and 180"}
	}

	if _, err := hours.Parse(b.OpeningTime); err != nil {
		return &ValidationError{Field: "opening_time", Message: "must be HH:MM"}
	}
	if _, err := hours.Parse(b.ClosingTime); err != nil {
		return &ValidationError{Field: "closing_time", Message: "must be HH:MM"}
	}

	if b.RedemptionCode != "" && !IsRedemptionCode(b.RedemptionCode) {
		return &ValidationError{Field: "redemption_code", Message: "must be exactly 4 digits"}
	}

	return nil
}

// IsRedemptionCode reports whether s is exactly four decimal digits.
func IsRedemptionCode(s string) bool {
	return codeRegex.MatchString(s)
}

// ParseCategory validates a single category tag from a query string.
func ParseCategory(s string) (models.Category, error) {
	c := models.Category(strings.ToLower(SanitizeString(s)))
	if !c.Valid() {
		return "", &ValidationError{Field: "category", Message: fmt.Sprintf("unknown category %q", s)}
	}
	return c, nil
}

func SanitizeString(s string) string {
	s = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) && r != '\n' && r != '\r' && r != '\t' {
			return -1
		}
		return r
	}, s)

	return strings.TrimSpace(s)
}

func ValidateUUID(id, fieldName string) error {
	if id == "" {
		return &ValidationError{
			Field:   fieldName,
			Message: "is required",
		}
	}

	id = SanitizeString(id)

	if !uuidRegex.MatchString(strings.ToLower(id)) {
		return &ValidationError{
			Field:   fieldName,
			Message: "must be a valid UUID v4",
		}
	}

	return nil
}

func validateCategories(categories []models.Category) error {
	if len(categories) == 0 {
		return &ValidationError{Field: "categories", Message: "at least one category is required"}
	}

	if len(categories) > maxCategories {
		return &ValidationError{
			Field:   "categories",
			Message: fmt.Sprintf("cannot contain more than %d categories", maxCategories),
		}
	}

	seen := make(map[models.Category]bool)
	for i, c := range categories {
		if !c.Valid() {
			return &ValidationError{
				Field:   fmt.Sprintf("categories[%d]", i),
				Message: fmt.Sprintf("unknown category %q", c),
			}
		}
		if seen[c] {
			return &ValidationError{
				Field:   "categories",
				Message: fmt.Sprintf("duplicate category: %s", c),
			}
		}
		seen[c] = true
	}

	return nil
}
