package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"local-deals-api/internal/cache"
	"local-deals-api/internal/database"
	"local-deals-api/internal/events"
	"local-deals-api/internal/features"
	"local-deals-api/internal/geo"
	"local-deals-api/internal/hours"
	"local-deals-api/internal/models"
	"local-deals-api/internal/redemption"
	"local-deals-api/internal/tracing"
	"local-deals-api/internal/validation"
)

// ErrForbidden is returned when the caller does not own the resource.
var ErrForbidden = errors.New("you do not have access to this resource")

// Options configures a Service. Zero values take defaults.
type Options struct {
	Location  *time.Location
	Now       func() time.Time
	Window    time.Duration
	Cache     cache.Cache
	CacheTTL  time.Duration
	Events    *events.Manager
	Features  *features.Manager
	Tracer    *tracing.Tracer
	Logger    *slog.Logger
	Retention time.Duration
}

// Service provides business logic for the local deals API.
type Service struct {
	db       *database.DB
	eval     *redemption.Evaluator
	sessions *redemption.Manager
	cache    cache.Cache
	cacheTTL time.Duration
	events   *events.Manager
	features *features.Manager
	tracer   *tracing.Tracer
	logger   *slog.Logger
}

// NewService wires the store, the evaluator and the session manager.
// Call Start to run the redemption countdown.
func NewService(db *database.DB, opts Options) *Service {
	if opts.Features == nil {
		opts.Features = features.NewDefaultManager()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Events == nil {
		opts.Events = events.NewManager(false, opts.Logger)
	}
	if opts.Tracer == nil {
		opts.Tracer = tracing.Noop()
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = time.Minute
	}

	s := &Service{
		db:       db,
		cache:    opts.Cache,
		cacheTTL: opts.CacheTTL,
		events:   opts.Events,
		features: opts.Features,
		tracer:   opts.Tracer,
		logger:   opts.Logger,
	}

	s.eval = redemption.NewEvaluator(&cachedStore{DB: db, svc: s}, db, redemption.Options{
		Location:   opts.Location,
		Now:        opts.Now,
		QREnabled:  opts.Features.Checker(features.FeatureQRRedemption),
		StrictCode: opts.Features.Checker(features.FeatureStrictRedemptionCode),
	})
	s.sessions = redemption.NewManager(redemption.ManagerOptions{
		Window:    opts.Window,
		Retention: opts.Retention,
		Now:       opts.Now,
		OnExpire: func(snap redemption.Snapshot) {
			s.logger.Info("redemption session expired",
				"session_id", snap.ID, "promotion_id", snap.PromotionID)
			s.publish(context.Background(), events.EventRedemptionExpired, events.SessionData{
				SessionID:   snap.ID,
				PromotionID: snap.PromotionID,
				ClientID:    snap.ClientID,
				Reason:      string(redemption.StateExpired),
			})
		},
	})

	return s
}

// Start runs the redemption countdown ticker.
func (s *Service) Start() {
	s.sessions.Start()
}

// Stop halts the countdown and drains event handlers.
func (s *Service) Stop() {
	s.sessions.Stop()
	s.events.Wait()
}

// Sessions exposes the session manager, mainly for tests that drive the
// countdown by hand.
func (s *Service) Sessions() *redemption.Manager {
	return s.sessions
}

// Ping checks the backing store.
func (s *Service) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

// UpsertBusiness creates or updates the caller's own business profile.
func (s *Service) UpsertBusiness(ctx context.Context, subject string, b models.Business) (*models.Business, error) {
	ctx, span := s.tracer.StartSpan(ctx, "service.UpsertBusiness")
	defer span.End()

	if subject == "" {
		return nil, redemption.ErrNotAuthenticated
	}
	if b.ID == "" {
		b.ID = subject
	}
	if b.ID != subject {
		return nil, ErrForbidden
	}
	if err := validation.ValidateBusiness(b); err != nil {
		return nil, err
	}

	if err := s.db.UpsertBusiness(ctx, b); err != nil {
		return nil, s.fail(span, backend(err))
	}
	s.invalidateBusiness(ctx, b.ID)

	stored, err := s.db.GetBusinessByID(ctx, b.ID)
	if err != nil {
		return nil, s.fail(span, backend(err))
	}
	return stored, nil
}

// GetBusiness returns a business profile. The redemption code is only shown
// to the owner.
func (s *Service) GetBusiness(ctx context.Context, viewer, id string) (*models.Business, error) {
	ctx, span := s.tracer.StartSpan(ctx, "service.GetBusiness", trace.WithAttributes(
		attribute.String("business.id", id),
	))
	defer span.End()

	b, err := s.business(ctx, id)
	if err != nil {
		return nil, s.fail(span, err)
	}
	if viewer != b.ID {
		b.RedemptionCode = ""
	}
	return b, nil
}

// GetBusinessStats aggregates the ledger for the caller's business.
func (s *Service) GetBusinessStats(ctx context.Context, subject, id string) (models.BusinessStats, error) {
	ctx, span := s.tracer.StartSpan(ctx, "service.GetBusinessStats")
	defer span.End()

	if subject == "" {
		return models.BusinessStats{}, redemption.ErrNotAuthenticated
	}
	if subject != id {
		return models.BusinessStats{}, ErrForbidden
	}
	if _, err := s.business(ctx, id); err != nil {
		return models.BusinessStats{}, s.fail(span, err)
	}

	stats, err := s.db.BusinessStats(ctx, id, s.eval.Day(s.eval.Now()))
	if err != nil {
		return models.BusinessStats{}, s.fail(span, backend(err))
	}
	return stats, nil
}

// CreatePromotion publishes a new promotion for the caller's business.
func (s *Service) CreatePromotion(ctx context.Context, subject string, in models.PromotionInput) (*models.Promotion, error) {
	ctx, span := s.tracer.StartSpan(ctx, "service.CreatePromotion")
	defer span.End()

	if subject == "" {
		return nil, redemption.ErrNotAuthenticated
	}
	if in.BusinessID == "" {
		in.BusinessID = subject
	}
	if in.BusinessID != subject {
		return nil, ErrForbidden
	}
	if in.ID == "" {
		in.ID = uuid.New().String()
	}

	p := in.ToPromotion()
	if err := validation.ValidatePromotion(p); err != nil {
		return nil, err
	}
	if _, err := s.business(ctx, p.BusinessID); err != nil {
		return nil, s.fail(span, err)
	}

	if err := s.db.InsertPromotion(ctx, p); err != nil {
		return nil, s.fail(span, backend(err))
	}

	stored, err := s.promotion(ctx, p.ID)
	if err != nil {
		return nil, s.fail(span, err)
	}
	s.publish(ctx, events.EventPromotionCreated, events.PromotionData{Promotion: *stored})
	return stored, nil
}

// UpdatePromotion replaces the editable fields of one of the caller's
// promotions.
func (s *Service) UpdatePromotion(ctx context.Context, subject, id string, in models.PromotionInput) (*models.Promotion, error) {
	ctx, span := s.tracer.StartSpan(ctx, "service.UpdatePromotion", trace.WithAttributes(
		attribute.String("promotion.id", id),
	))
	defer span.End()

	if subject == "" {
		return nil, redemption.ErrNotAuthenticated
	}
	existing, err := s.promotion(ctx, id)
	if err != nil {
		return nil, s.fail(span, err)
	}
	if existing.BusinessID != subject {
		return nil, ErrForbidden
	}
	if in.BusinessID != "" && in.BusinessID != existing.BusinessID {
		return nil, &validation.ValidationError{Field: "business_id", Message: "cannot be changed"}
	}

	p := in.ToPromotion()
	p.ID = existing.ID
	p.BusinessID = existing.BusinessID
	if err := validation.ValidatePromotion(p); err != nil {
		return nil, err
	}

	if err := s.db.UpdatePromotion(ctx, p); err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return nil, redemption.ErrPromotionNotFound
		}
		return nil, s.fail(span, backend(err))
	}

	stored, err := s.promotion(ctx, id)
	if err != nil {
		return nil, s.fail(span, err)
	}
	s.publish(ctx, events.EventPromotionUpdated, events.PromotionData{Promotion: *stored})
	return stored, nil
}

// GetPromotion returns a promotion and counts the view.
func (s *Service) GetPromotion(ctx context.Context, id string) (*models.PromotionView, error) {
	ctx, span := s.tracer.StartSpan(ctx, "service.GetPromotion", trace.WithAttributes(
		attribute.String("promotion.id", id),
	))
	defer span.End()

	if err := s.db.IncrementViewCount(ctx, id); err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return nil, redemption.ErrPromotionNotFound
		}
		return nil, s.fail(span, backend(err))
	}

	p, err := s.promotion(ctx, id)
	if err != nil {
		return nil, s.fail(span, err)
	}
	view := s.view(*p, nil)
	return &view, nil
}

// ListQuery narrows ListPromotions. Origin enables distance filtering and
// nearest-first ordering.
type ListQuery struct {
	Category   models.Category
	BusinessID string
	Origin     *geo.Coordinates
	RadiusKm   float64
}

// ListPromotions returns the promotions active right now.
func (s *Service) ListPromotions(ctx context.Context, q ListQuery) ([]models.PromotionView, error) {
	ctx, span := s.tracer.StartSpan(ctx, "service.ListPromotions", trace.WithAttributes(
		attribute.String("filter.category", string(q.Category)),
		attribute.Bool("filter.located", q.Origin != nil),
	))
	defer span.End()

	promotions, err := s.db.ListActivePromotions(ctx, s.eval.Now(), models.PromotionFilter{
		Category:   q.Category,
		BusinessID: q.BusinessID,
	})
	if err != nil {
		return nil, s.fail(span, backend(err))
	}

	views := make([]models.PromotionView, 0, len(promotions))
	if q.Origin == nil {
		for _, p := range promotions {
			views = append(views, s.view(p, nil))
		}
		return views, nil
	}

	ranked := geo.RankWithin(*q.Origin, len(promotions), func(i int) (geo.Coordinates, bool) {
		b := promotions[i].Business
		if b == nil || b.Latitude == nil || b.Longitude == nil {
			return geo.Coordinates{}, false
		}
		return geo.Coordinates{Lat: *b.Latitude, Lng: *b.Longitude}, true
	}, q.RadiusKm)

	for _, r := range ranked {
		d := r.DistanceKm
		views = append(views, s.view(promotions[r.Index], &d))
	}
	span.SetAttributes(attribute.Int("result.count", len(views)))
	return views, nil
}

// CheckEligibility reports whether the redeem action is available to the
// client. Ineligibility is a normal response; only lookup failures are
// returned as errors.
func (s *Service) CheckEligibility(ctx context.Context, clientID, promotionID string) (models.EligibilityResponse, error) {
	ctx, span := s.tracer.StartSpan(ctx, "service.CheckEligibility", trace.WithAttributes(
		attribute.String("promotion.id", promotionID),
	))
	defer span.End()

	resp := models.EligibilityResponse{PromotionID: promotionID}

	promo, biz, err := s.promotionAndBusiness(ctx, promotionID)
	if err != nil {
		return resp, s.fail(span, err)
	}

	err = s.eval.CheckEligibility(ctx, promo, biz, clientID)
	if errors.Is(err, redemption.ErrBackend) {
		return resp, s.fail(span, err)
	}

	reason := redemption.Reason(err)
	span.SetAttributes(attribute.String("eligibility.reason", reason))
	s.publish(ctx, events.EventEligibilityChecked, events.EligibilityData{
		PromotionID: promotionID,
		ClientID:    clientID,
		Reason:      reason,
	})

	if err != nil {
		resp.Reason = reason
		resp.Message = err.Error()
		return resp, nil
	}
	resp.Eligible = true
	return resp, nil
}

// OpenRedemption starts the confirmation countdown for an eligible client.
func (s *Service) OpenRedemption(ctx context.Context, clientID, promotionID string) (redemption.Snapshot, error) {
	ctx, span := s.tracer.StartSpan(ctx, "service.OpenRedemption", trace.WithAttributes(
		attribute.String("promotion.id", promotionID),
	))
	defer span.End()

	if clientID == "" {
		return redemption.Snapshot{}, redemption.ErrNotAuthenticated
	}
	promo, biz, err := s.promotionAndBusiness(ctx, promotionID)
	if err != nil {
		return redemption.Snapshot{}, s.fail(span, err)
	}
	if err := s.eval.CheckEligibility(ctx, promo, biz, clientID); err != nil {
		return redemption.Snapshot{}, s.fail(span, err)
	}

	session, replaced := s.sessions.Open(promo.ID, promo.BusinessID, clientID)
	if replaced != nil {
		s.publish(ctx, events.EventRedemptionCancelled, events.SessionData{
			SessionID:   replaced.ID,
			PromotionID: replaced.PromotionID,
			ClientID:    replaced.ClientID,
			Reason:      "reopened",
		})
	}

	snap := session.Snapshot()
	s.logger.Info("redemption session opened",
		"session_id", snap.ID, "promotion_id", snap.PromotionID, "client_id", clientID)
	s.publish(ctx, events.EventRedemptionOpened, events.SessionData{
		SessionID:   snap.ID,
		PromotionID: snap.PromotionID,
		ClientID:    clientID,
	})
	return snap, nil
}

// GetSession returns the current state of one of the caller's sessions.
func (s *Service) GetSession(ctx context.Context, clientID, sessionID string) (redemption.Snapshot, error) {
	session, err := s.ownedSession(clientID, sessionID)
	if err != nil {
		return redemption.Snapshot{}, err
	}
	return session.Snapshot(), nil
}

// ConfirmRedemption submits proof for an open session and records the
// redemption when it checks out.
func (s *Service) ConfirmRedemption(ctx context.Context, clientID, sessionID string, req models.ConfirmRedemptionRequest) (models.ConfirmRedemptionResponse, error) {
	ctx, span := s.tracer.StartSpan(ctx, "service.ConfirmRedemption", trace.WithAttributes(
		attribute.String("session.id", sessionID),
		attribute.String("redemption.method", string(req.Method)),
	))
	defer span.End()

	session, err := s.ownedSession(clientID, sessionID)
	if err != nil {
		return models.ConfirmRedemptionResponse{}, err
	}

	result, err := s.eval.Confirm(ctx, session, req.Method, req.Proof)
	if err != nil {
		s.logger.Warn("redemption rejected",
			"session_id", sessionID, "reason", redemption.Reason(err), "error", err)
		s.publish(ctx, events.EventRedemptionRejected, events.SessionData{
			SessionID:   sessionID,
			PromotionID: session.PromotionID,
			ClientID:    clientID,
			Method:      req.Method,
			Reason:      redemption.Reason(err),
		})
		return models.ConfirmRedemptionResponse{}, s.fail(span, err)
	}

	if result.Stale {
		s.logger.Warn("redemption recorded after session closed",
			"session_id", sessionID, "redemption_id", result.Redemption.ID)
	}
	s.logger.Info("redemption confirmed",
		"session_id", sessionID,
		"redemption_id", result.Redemption.ID,
		"promotion_id", result.Redemption.PromotionID,
		"method", string(result.Redemption.Method),
		"proof", result.Redemption.Proof,
	)
	s.publish(ctx, events.EventRedemptionConfirmed, events.RedemptionData{
		SessionID:       sessionID,
		Redemption:      result.Redemption,
		RedemptionCount: result.RedemptionCount,
		Stale:           result.Stale,
	})

	return models.ConfirmRedemptionResponse{
		Redemption:      result.Redemption,
		RedemptionCount: result.RedemptionCount,
		SessionState:    string(session.State()),
	}, nil
}

// CancelRedemption closes the dialog without writing anything.
func (s *Service) CancelRedemption(ctx context.Context, clientID, sessionID string) (redemption.Snapshot, error) {
	if _, err := s.ownedSession(clientID, sessionID); err != nil {
		return redemption.Snapshot{}, err
	}
	snap, err := s.sessions.Cancel(sessionID)
	if err != nil {
		return snap, err
	}
	s.publish(ctx, events.EventRedemptionCancelled, events.SessionData{
		SessionID:   snap.ID,
		PromotionID: snap.PromotionID,
		ClientID:    clientID,
		Reason:      "cancelled",
	})
	return snap, nil
}

// ListMyRedemptions returns the caller's redemption history for a promotion.
func (s *Service) ListMyRedemptions(ctx context.Context, clientID, promotionID string) ([]models.Redemption, error) {
	ctx, span := s.tracer.StartSpan(ctx, "service.ListMyRedemptions")
	defer span.End()

	if clientID == "" {
		return nil, redemption.ErrNotAuthenticated
	}
	if _, err := s.promotion(ctx, promotionID); err != nil {
		return nil, s.fail(span, err)
	}

	history, err := s.db.ListRedemptions(ctx, promotionID, clientID)
	if err != nil {
		return nil, s.fail(span, backend(err))
	}
	if history == nil {
		history = []models.Redemption{}
	}
	return history, nil
}

func (s *Service) ownedSession(clientID, sessionID string) (*redemption.Session, error) {
	if clientID == "" {
		return nil, redemption.ErrNotAuthenticated
	}
	session, err := s.sessions.Get(sessionID)
	if err != nil {
		return nil, err
	}
	if session.ClientID != clientID {
		return nil, ErrForbidden
	}
	return session, nil
}

func (s *Service) promotion(ctx context.Context, id string) (*models.Promotion, error) {
	p, err := s.db.GetPromotionByID(ctx, id)
	if errors.Is(err, database.ErrNotFound) {
		return nil, redemption.ErrPromotionNotFound
	}
	if err != nil {
		return nil, backend(err)
	}
	return p, nil
}

func (s *Service) promotionAndBusiness(ctx context.Context, promotionID string) (*models.Promotion, *models.Business, error) {
	promo, err := s.promotion(ctx, promotionID)
	if err != nil {
		return nil, nil, err
	}
	biz, err := s.business(ctx, promo.BusinessID)
	if err != nil {
		return nil, nil, err
	}
	return promo, biz, nil
}

// business reads through the cache when it is enabled.
func (s *Service) business(ctx context.Context, id string) (*models.Business, error) {
	useCache := s.cache != nil && s.features.IsEnabled(features.FeatureCacheEnabled)
	key := cache.BusinessKey(id)

	if useCache {
		var b models.Business
		err := cache.GetJSON(ctx, s.cache, key, &b)
		if err == nil {
			return &b, nil
		}
		if !errors.Is(err, cache.ErrNotFound) {
			s.logger.Warn("business cache read failed", "business_id", id, "error", err)
		}
	}

	b, err := s.db.GetBusinessByID(ctx, id)
	if errors.Is(err, database.ErrNotFound) {
		return nil, redemption.ErrBusinessNotFound
	}
	if err != nil {
		return nil, backend(err)
	}

	if useCache {
		if err := cache.SetJSON(ctx, s.cache, key, b, s.cacheTTL); err != nil {
			s.logger.Warn("business cache write failed", "business_id", id, "error", err)
		}
	}
	return b, nil
}

func (s *Service) invalidateBusiness(ctx context.Context, id string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Delete(ctx, cache.BusinessKey(id)); err != nil {
		s.logger.Warn("business cache invalidation failed", "business_id", id, "error", err)
	}
}

func (s *Service) view(p models.Promotion, distanceKm *float64) models.PromotionView {
	now := s.eval.Now()
	open := false
	if p.Business != nil {
		open = hours.IsBusinessOpen(p.Business.OpeningTime, p.Business.ClosingTime, now)
	}
	return models.PromotionView{
		Promotion:     p,
		DiscountBadge: p.DiscountBadge(),
		Active:        p.IsActiveAt(now),
		BusinessOpen:  open,
		DistanceKm:    distanceKm,
	}
}

func (s *Service) publish(ctx context.Context, t events.EventType, data interface{}) {
	if !s.features.IsEnabled(features.FeatureEventHooksEnabled) {
		return
	}
	s.events.Publish(ctx, t, data)
}

func (s *Service) fail(span trace.Span, err error) error {
	if errors.Is(err, redemption.ErrBackend) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func backend(err error) error {
	return fmt.Errorf("%w: %w", redemption.ErrBackend, err)
}

// cachedStore serves evaluator business lookups through the service cache.
type cachedStore struct {
	*database.DB
	svc *Service
}

func (c *cachedStore) GetBusinessByID(ctx context.Context, id string) (*models.Business, error) {
	b, err := c.svc.business(ctx, id)
	if errors.Is(err, redemption.ErrBusinessNotFound) {
		return nil, database.ErrNotFound
	}
	return b, err
}
