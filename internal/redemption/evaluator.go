// Package redemption decides whether a client may redeem a promotion, runs the
// time-boxed confirmation dialog and writes redemptions to the ledger.
package redemption

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"local-deals-api/internal/database"
	"local-deals-api/internal/hours"
	"local-deals-api/internal/models"
	"local-deals-api/internal/validation"
)

// Store reads promotions and businesses.
type Store interface {
	GetPromotionByID(ctx context.Context, id string) (*models.Promotion, error)
	GetBusinessByID(ctx context.Context, id string) (*models.Business, error)
}

// Ledger is the append-only redemption record.
type Ledger interface {
	CheckTodayRedemption(ctx context.Context, promotionID, clientID, day string) (bool, error)
	ValidateQRCode(ctx context.Context, proof, businessID string) (bool, error)
	CreateRedemption(ctx context.Context, r models.Redemption) error
}

// Options configures an Evaluator. Zero values take defaults.
type Options struct {
	// Location defines calendar days and business hours. Defaults to UTC.
	Location *time.Location
	Now      func() time.Time
	NewID    func() string
	// QREnabled gates the qr method. Nil means enabled.
	QREnabled func() bool
	// StrictCode compares codes against the business's configured code.
	// Nil means format-only checking.
	StrictCode func() bool
}

// Evaluator applies the eligibility and confirmation rules.
type Evaluator struct {
	store      Store
	ledger     Ledger
	loc        *time.Location
	now        func() time.Time
	newID      func() string
	qrEnabled  func() bool
	strictCode func() bool
}

// NewEvaluator creates an evaluator over the given store and ledger.
func NewEvaluator(store Store, ledger Ledger, opts Options) *Evaluator {
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = func() string { return uuid.New().String() }
	}
	if opts.QREnabled == nil {
		opts.QREnabled = func() bool { return true }
	}
	if opts.StrictCode == nil {
		opts.StrictCode = func() bool { return false }
	}

	return &Evaluator{
		store:      store,
		ledger:     ledger,
		loc:        opts.Location,
		now:        opts.Now,
		newID:      opts.NewID,
		qrEnabled:  opts.QREnabled,
		strictCode: opts.StrictCode,
	}
}

// Now returns the current time in the evaluator's location.
func (e *Evaluator) Now() time.Time {
	return e.now().In(e.loc)
}

// Day is the calendar day of t in the evaluator's location.
func (e *Evaluator) Day(t time.Time) string {
	return t.In(e.loc).Format("2006-01-02")
}

// IsOpen reports whether the business is open right now.
func (e *Evaluator) IsOpen(b models.Business) bool {
	return hours.IsBusinessOpen(b.OpeningTime, b.ClosingTime, e.Now())
}

// CheckEligibility decides whether the redemption dialog may open. Rules are
// evaluated in order and the first failure is returned.
func (e *Evaluator) CheckEligibility(ctx context.Context, promo *models.Promotion, biz *models.Business, clientID string) error {
	if clientID == "" {
		return ErrNotAuthenticated
	}

	now := e.Now()
	if !hours.IsBusinessOpen(biz.OpeningTime, biz.ClosingTime, now) {
		return ErrBusinessClosed
	}

	redeemed, err := e.ledger.CheckTodayRedemption(ctx, promo.ID, clientID, e.Day(now))
	if err != nil {
		return backendError(err)
	}
	if redeemed {
		return ErrAlreadyRedeemedToday
	}

	if !promo.IsActiveAt(now) {
		return ErrPromotionInactive
	}

	return nil
}

// CheckProofFormat validates the shape of a proof without touching the store
// or the ledger.
func (e *Evaluator) CheckProofFormat(method models.RedemptionMethod, proof string) error {
	switch method {
	case models.MethodCode:
		if !validation.IsRedemptionCode(proof) {
			return ErrInvalidCodeFormat
		}
	case models.MethodQR:
		if !e.qrEnabled() {
			return ErrMethodDisabled
		}
		if proof == "" {
			return ErrEmptyProof
		}
	default:
		return ErrUnsupportedMethod
	}
	return nil
}

// Result is the outcome of a successful confirmation.
type Result struct {
	Redemption      models.Redemption
	RedemptionCount int64
	// Stale is set when the session closed while the write was in flight.
	Stale bool
}

// Confirm validates the proof for an open session and records the redemption.
// Validation failures leave the session open; the proof stays on the session
// until it closes.
func (e *Evaluator) Confirm(ctx context.Context, s *Session, method models.RedemptionMethod, proof string) (Result, error) {
	proof = strings.TrimSpace(proof)

	if err := s.submit(method, proof); err != nil {
		return Result{}, err
	}

	if err := e.CheckProofFormat(method, proof); err != nil {
		return Result{}, err
	}

	promo, err := e.store.GetPromotionByID(ctx, s.PromotionID)
	if errors.Is(err, database.ErrNotFound) {
		return Result{}, ErrPromotionNotFound
	}
	if err != nil {
		return Result{}, backendError(err)
	}

	if err := e.verifyProof(ctx, promo.BusinessID, method, proof); err != nil {
		return Result{}, err
	}

	now := e.Now()
	day := e.Day(now)

	// Another device may have redeemed while the dialog was open.
	redeemed, err := e.ledger.CheckTodayRedemption(ctx, promo.ID, s.ClientID, day)
	if err != nil {
		return Result{}, backendError(err)
	}
	if redeemed {
		return Result{}, ErrAlreadyRedeemedToday
	}

	r := models.Redemption{
		ID:          e.newID(),
		PromotionID: promo.ID,
		ClientID:    s.ClientID,
		BusinessID:  promo.BusinessID,
		Method:      method,
		Proof:       proof,
		Amount:      promo.DiscountedPrice,
		RedeemedAt:  now.UTC(),
		RedeemedOn:  day,
	}

	if err := e.ledger.CreateRedemption(ctx, r); err != nil {
		if errors.Is(err, database.ErrDuplicateRedemption) {
			return Result{}, ErrAlreadyRedeemedToday
		}
		return Result{}, backendError(err)
	}

	count := promo.RedemptionCount + 1
	if fresh, err := e.store.GetPromotionByID(ctx, promo.ID); err == nil {
		count = fresh.RedemptionCount
	}

	return Result{
		Redemption:      r,
		RedemptionCount: count,
		Stale:           !s.confirm(r.ID, e.now()),
	}, nil
}

func (e *Evaluator) verifyProof(ctx context.Context, businessID string, method models.RedemptionMethod, proof string) error {
	switch method {
	case models.MethodQR:
		ok, err := e.ledger.ValidateQRCode(ctx, proof, businessID)
		if err != nil {
			return errors.Join(ErrInvalidQRCode, err)
		}
		if !ok {
			return ErrInvalidQRCode
		}
	case models.MethodCode:
		if !e.strictCode() {
			return nil
		}
		biz, err := e.store.GetBusinessByID(ctx, businessID)
		if err != nil {
			return backendError(err)
		}
		if biz.RedemptionCode != "" && biz.RedemptionCode != proof {
			return ErrCodeMismatch
		}
	}
	return nil
}
