package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	sqlite3 "github.com/mattn/go-sqlite3"
	"local-deals-api/internal/models"
)

var (
	// ErrNotFound is returned when a looked-up record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrDuplicateRedemption is returned when the ledger already holds a
	// redemption for the same promotion, client and day.
	ErrDuplicateRedemption = errors.New("redemption already recorded for this day")
)

// QRPrefix is the URI form printed on business QR codes.
const QRPrefix = "localdeals://business/"

// DB wraps the database connection and provides methods for data access.
type DB struct {
	conn *sql.DB
}

// NewDB creates a new database connection and initializes the schema.
func NewDB(dbPath string) (*DB, error) {
	conn, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=1&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// SQLite serializes writers; one connection avoids SQLITE_BUSY churn.
	conn.SetMaxOpenConns(1)

	db := &DB{conn: conn}

	if err := db.initSchema(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return db, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

// Ping checks that the database is reachable.
func (db *DB) Ping(ctx context.Context) error {
	return db.conn.PingContext(ctx)
}

// initSchema creates the necessary tables if they don't exist.
func (db *DB) initSchema() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS businesses (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			category TEXT NOT NULL DEFAULT '',
			address TEXT NOT NULL DEFAULT '',
			latitude REAL,
			longitude REAL,
			opening_time TEXT NOT NULL,
			closing_time TEXT NOT NULL,
			phone TEXT NOT NULL DEFAULT '',
			email TEXT NOT NULL DEFAULT '',
			redemption_code TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS promotions (
			id TEXT PRIMARY KEY,
			business_id TEXT NOT NULL REFERENCES businesses(id),
			title TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			image_url TEXT NOT NULL DEFAULT '',
			original_price INTEGER NOT NULL,
			discounted_price INTEGER NOT NULL,
			start_date TEXT NOT NULL,
			end_date TEXT,
			is_indefinite INTEGER NOT NULL DEFAULT 0,
			categories TEXT NOT NULL,
			view_count INTEGER NOT NULL DEFAULT 0,
			redemption_count INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			CHECK (discounted_price < original_price)
		)`,
		`CREATE TABLE IF NOT EXISTS redemptions (
			id TEXT PRIMARY KEY,
			promotion_id TEXT NOT NULL REFERENCES promotions(id),
			client_id TEXT NOT NULL,
			business_id TEXT NOT NULL,
			method TEXT NOT NULL,
			proof TEXT NOT NULL,
			amount INTEGER NOT NULL,
			redeemed_at TEXT NOT NULL,
			redeemed_on TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_promotions_business ON promotions(business_id)`,
		`CREATE INDEX IF NOT EXISTS idx_promotions_start ON promotions(start_date)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_redemptions_daily ON redemptions(promotion_id, client_id, redeemed_on)`,
		`CREATE INDEX IF NOT EXISTS idx_redemptions_business ON redemptions(business_id, redeemed_on)`,
	}

	for _, query := range queries {
		if _, err := db.conn.Exec(query); err != nil {
			return fmt.Errorf("failed to execute schema query: %w", err)
		}
	}

	return nil
}

// UpsertBusiness creates or updates a business profile.
func (db *DB) UpsertBusiness(ctx context.Context, b models.Business) error {
	now := formatTime(time.Now())

	query := `INSERT INTO businesses (
		id, name, category, address, latitude, longitude, opening_time,
		closing_time, phone, email, redemption_code, created_at, updated_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		name = excluded.name,
		category = excluded.category,
		address = excluded.address,
		latitude = excluded.latitude,
		longitude = excluded.longitude,
		opening_time = excluded.opening_time,
		closing_time = excluded.closing_time,
		phone = excluded.phone,
		email = excluded.email,
		redemption_code = excluded.redemption_code,
		updated_at = excluded.updated_at`

	_, err := db.conn.ExecContext(ctx, query,
		b.ID,
		b.Name,
		b.Category,
		b.Address,
		nullFloat(b.Latitude),
		nullFloat(b.Longitude),
		b.OpeningTime,
		b.ClosingTime,
		b.Phone,
		b.Email,
		b.RedemptionCode,
		now,
		now,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert business: %w", err)
	}

	return nil
}

// GetBusinessByID returns a business or ErrNotFound.
func (db *DB) GetBusinessByID(ctx context.Context, id string) (*models.Business, error) {
	query := `SELECT id, name, category, address, latitude, longitude, opening_time,
		closing_time, phone, email, redemption_code, created_at, updated_at
		FROM businesses WHERE id = ?`

	var b models.Business
	var lat, lng sql.NullFloat64
	var createdAt, updatedAt string

	err := db.conn.QueryRowContext(ctx, query, id).Scan(
		&b.ID,
		&b.Name,
		&b.Category,
		&b.Address,
		&lat,
		&lng,
		&b.OpeningTime,
		&b.ClosingTime,
		&b.Phone,
		&b.Email,
		&b.RedemptionCode,
		&createdAt,
		&updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get business: %w", err)
	}

	b.Latitude = floatPtr(lat)
	b.Longitude = floatPtr(lng)
	if b.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if b.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}

	return &b, nil
}

// InsertPromotion stores a new promotion with zeroed counters.
func (db *DB) InsertPromotion(ctx context.Context, p models.Promotion) error {
	categoriesJSON, err := serializeCategories(p.Categories)
	if err != nil {
		return err
	}
	now := formatTime(time.Now())

	query := `INSERT INTO promotions (
		id, business_id, title, description, image_url, original_price,
		discounted_price, start_date, end_date, is_indefinite, categories,
		created_at, updated_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err = db.conn.ExecContext(ctx, query,
		p.ID,
		p.BusinessID,
		p.Title,
		p.Description,
		p.ImageURL,
		p.OriginalPrice,
		p.DiscountedPrice,
		formatTime(p.StartDate),
		nullTime(p.EndDate),
		p.IsIndefinite,
		categoriesJSON,
		now,
		now,
	)
	if err != nil {
		return fmt.Errorf("failed to insert promotion: %w", err)
	}

	return nil
}

// UpdatePromotion rewrites the editable fields of a promotion. Its id,
// owner and counters are left untouched.
func (db *DB) UpdatePromotion(ctx context.Context, p models.Promotion) error {
	categoriesJSON, err := serializeCategories(p.Categories)
	if err != nil {
		return err
	}

	query := `UPDATE promotions SET
		title = ?, description = ?, image_url = ?, original_price = ?,
		discounted_price = ?, start_date = ?, end_date = ?, is_indefinite = ?,
		categories = ?, updated_at = ?
		WHERE id = ? AND business_id = ?`

	res, err := db.conn.ExecContext(ctx, query,
		p.Title,
		p.Description,
		p.ImageURL,
		p.OriginalPrice,
		p.DiscountedPrice,
		formatTime(p.StartDate),
		nullTime(p.EndDate),
		p.IsIndefinite,
		categoriesJSON,
		formatTime(time.Now()),
		p.ID,
		p.BusinessID,
	)
	if err != nil {
		return fmt.Errorf("failed to update promotion: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update promotion: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}

	return nil
}

const promotionColumns = `p.id, p.business_id, p.title, p.description, p.image_url,
	p.original_price, p.discounted_price, p.start_date, p.end_date, p.is_indefinite,
	p.categories, p.view_count, p.redemption_count, p.created_at, p.updated_at,
	b.id, b.name, b.address, b.latitude, b.longitude, b.opening_time, b.closing_time`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPromotion(row rowScanner) (models.Promotion, error) {
	var p models.Promotion
	var s models.BusinessSummary
	var startDate, createdAt, updatedAt, categoriesJSON string
	var endDate sql.NullString
	var lat, lng sql.NullFloat64

	err := row.Scan(
		&p.ID,
		&p.BusinessID,
		&p.Title,
		&p.Description,
		&p.ImageURL,
		&p.OriginalPrice,
		&p.DiscountedPrice,
		&startDate,
		&endDate,
		&p.IsIndefinite,
		&categoriesJSON,
		&p.ViewCount,
		&p.RedemptionCount,
		&createdAt,
		&updatedAt,
		&s.ID,
		&s.Name,
		&s.Address,
		&lat,
		&lng,
		&s.OpeningTime,
		&s.ClosingTime,
	)
	if err != nil {
		return p, err
	}

	if p.StartDate, err = parseTime(startDate); err != nil {
		return p, err
	}
	if endDate.Valid {
		end, err := parseTime(endDate.String)
		if err != nil {
			return p, err
		}
		p.EndDate = &end
	}
	if p.CreatedAt, err = parseTime(createdAt); err != nil {
		return p, err
	}
	if p.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return p, err
	}
	if p.Categories, err = deserializeCategories(categoriesJSON); err != nil {
		return p, err
	}

	s.Latitude = floatPtr(lat)
	s.Longitude = floatPtr(lng)
	p.Business = &s

	return p, nil
}

// GetPromotionByID returns a promotion joined with its business summary.
func (db *DB) GetPromotionByID(ctx context.Context, id string) (*models.Promotion, error) {
	query := `SELECT ` + promotionColumns + `
		FROM promotions p JOIN businesses b ON b.id = p.business_id
		WHERE p.id = ?`

	p, err := scanPromotion(db.conn.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get promotion: %w", err)
	}

	return &p, nil
}

// ListActivePromotions returns promotions whose validity window contains now,
// newest first.
func (db *DB) ListActivePromotions(ctx context.Context, now time.Time, filter models.PromotionFilter) ([]models.Promotion, error) {
	query := `SELECT ` + promotionColumns + `
		FROM promotions p JOIN businesses b ON b.id = p.business_id
		WHERE p.start_date <= ?
		AND (p.is_indefinite = 1 OR p.end_date IS NULL OR p.end_date >= ?)`

	nowStr := formatTime(now)
	args := []any{nowStr, nowStr}

	if filter.BusinessID != "" {
		query += " AND p.business_id = ?"
		args = append(args, filter.BusinessID)
	}
	if filter.Category != "" {
		query += " AND p.categories LIKE ?"
		args = append(args, `%"`+string(filter.Category)+`"%`)
	}
	query += " ORDER BY p.created_at DESC, p.id"

	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query active promotions: %w", err)
	}
	defer rows.Close()

	var promotions []models.Promotion
	for rows.Next() {
		p, err := scanPromotion(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan promotion: %w", err)
		}
		promotions = append(promotions, p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating promotions: %w", err)
	}

	return promotions, nil
}

// IncrementViewCount bumps the view counter of a promotion.
func (db *DB) IncrementViewCount(ctx context.Context, promotionID string) error {
	res, err := db.conn.ExecContext(ctx,
		`UPDATE promotions SET view_count = view_count + 1 WHERE id = ?`, promotionID)
	if err != nil {
		return fmt.Errorf("failed to increment view count: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// CheckTodayRedemption reports whether the client already redeemed the
// promotion on the given day (YYYY-MM-DD).
func (db *DB) CheckTodayRedemption(ctx context.Context, promotionID, clientID, day string) (bool, error) {
	var count int
	err := db.conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM redemptions WHERE promotion_id = ? AND client_id = ? AND redeemed_on = ?`,
		promotionID, clientID, day,
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to check redemption: %w", err)
	}

	return count > 0, nil
}

// ValidateQRCode reports whether a scanned QR payload identifies the given
// business. The payload is either the bare business id or QRPrefix+id,
// compared exactly like every other business id.
func (db *DB) ValidateQRCode(ctx context.Context, proof, businessID string) (bool, error) {
	scanned := strings.TrimPrefix(strings.TrimSpace(proof), QRPrefix)
	if scanned == "" || scanned != businessID {
		return false, nil
	}

	var count int
	err := db.conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM businesses WHERE id = ?`, businessID,
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to look up business: %w", err)
	}

	return count == 1, nil
}

// CreateRedemption appends a redemption to the ledger and bumps the
// promotion's redemption counter in one transaction.
func (db *DB) CreateRedemption(ctx context.Context, r models.Redemption) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `INSERT INTO redemptions (
		id, promotion_id, client_id, business_id, method, proof, amount,
		redeemed_at, redeemed_on
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID,
		r.PromotionID,
		r.ClientID,
		r.BusinessID,
		string(r.Method),
		r.Proof,
		r.Amount,
		formatTime(r.RedeemedAt),
		r.RedeemedOn,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateRedemption
		}
		return fmt.Errorf("failed to insert redemption: %w", err)
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE promotions SET redemption_count = redemption_count + 1 WHERE id = ?`, r.PromotionID)
	if err != nil {
		return fmt.Errorf("failed to increment redemption count: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

// ListRedemptions returns a client's redemptions of a promotion, oldest first.
func (db *DB) ListRedemptions(ctx context.Context, promotionID, clientID string) ([]models.Redemption, error) {
	rows, err := db.conn.QueryContext(ctx, `SELECT id, promotion_id, client_id, business_id,
		method, proof, amount, redeemed_at, redeemed_on
		FROM redemptions WHERE promotion_id = ? AND client_id = ?
		ORDER BY redeemed_at`, promotionID, clientID)
	if err != nil {
		return nil, fmt.Errorf("failed to query redemptions: %w", err)
	}
	defer rows.Close()

	var out []models.Redemption
	for rows.Next() {
		var r models.Redemption
		var method, redeemedAt string
		if err := rows.Scan(&r.ID, &r.PromotionID, &r.ClientID, &r.BusinessID,
			&method, &r.Proof, &r.Amount, &redeemedAt, &r.RedeemedOn); err != nil {
			return nil, fmt.Errorf("failed to scan redemption: %w", err)
		}
		r.Method = models.RedemptionMethod(method)
		if r.RedeemedAt, err = parseTime(redeemedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating redemptions: %w", err)
	}

	return out, nil
}

// BusinessStats aggregates the ledger for one business; day selects the
// "today" bucket.
func (db *DB) BusinessStats(ctx context.Context, businessID, day string) (models.BusinessStats, error) {
	stats := models.BusinessStats{BusinessID: businessID, Promotions: []models.PromotionStats{}}

	err := db.conn.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(amount), 0) FROM redemptions WHERE business_id = ?`,
		businessID,
	).Scan(&stats.TotalRedemptions, &stats.TotalAmount)
	if err != nil {
		return stats, fmt.Errorf("failed to aggregate redemptions: %w", err)
	}

	err = db.conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM redemptions WHERE business_id = ? AND redeemed_on = ?`,
		businessID, day,
	).Scan(&stats.RedemptionsToday)
	if err != nil {
		return stats, fmt.Errorf("failed to count today's redemptions: %w", err)
	}

	rows, err := db.conn.QueryContext(ctx, `SELECT p.id, p.title, p.view_count,
		COUNT(r.id), COALESCE(SUM(r.amount), 0)
		FROM promotions p LEFT JOIN redemptions r ON r.promotion_id = p.id
		WHERE p.business_id = ?
		GROUP BY p.id, p.title, p.view_count
		ORDER BY p.created_at, p.id`, businessID)
	if err != nil {
		return stats, fmt.Errorf("failed to aggregate promotions: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var ps models.PromotionStats
		if err := rows.Scan(&ps.PromotionID, &ps.Title, &ps.Views, &ps.Redemptions, &ps.Amount); err != nil {
			return stats, fmt.Errorf("failed to scan promotion stats: %w", err)
		}
		stats.Promotions = append(stats.Promotions, ps)
	}

	if err := rows.Err(); err != nil {
		return stats, fmt.Errorf("error iterating promotion stats: %w", err)
	}

	return stats, nil
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	return errors.As(err, &sqliteErr) &&
		(sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey)
}

// serializeCategories converts category tags to a JSON string.
func serializeCategories(categories []models.Category) (string, error) {
	if len(categories) == 0 {
		return "[]", nil
	}
	data, err := json.Marshal(categories)
	if err != nil {
		return "", fmt.Errorf("failed to encode categories: %w", err)
	}
	return string(data), nil
}

// deserializeCategories converts a serialized category list back to a slice.
func deserializeCategories(serialized string) ([]models.Category, error) {
	if serialized == "" || serialized == "[]" {
		return []models.Category{}, nil
	}

	var result []models.Category
	if err := json.Unmarshal([]byte(serialized), &result); err != nil {
		return nil, fmt.Errorf("failed to decode categories: %w", err)
	}
	return result, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse timestamp %q: %w", s, err)
	}
	return t, nil
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func nullFloat(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}

func floatPtr(f sql.NullFloat64) *float64 {
	if !f.Valid {
		return nil
	}
	v := f.Float64
	return &v
}
