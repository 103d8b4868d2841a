package events

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"local-deals-api/internal/models"
)

// EventType represents the type of event.
type EventType string

const (
	EventPromotionCreated    EventType = "promotion.created"
	EventPromotionUpdated    EventType = "promotion.updated"
	EventEligibilityChecked  EventType = "eligibility.checked"
	EventRedemptionOpened    EventType = "redemption.opened"
	EventRedemptionExpired   EventType = "redemption.expired"
	EventRedemptionCancelled EventType = "redemption.cancelled"
	EventRedemptionConfirmed EventType = "redemption.confirmed"
	EventRedemptionRejected  EventType = "redemption.rejected"
)

// Event represents an event in the system.
type Event struct {
	Type      EventType
	Timestamp time.Time
	Data      interface{}
}

// PromotionData accompanies promotion.created and promotion.updated.
type PromotionData struct {
	Promotion models.Promotion
}

// EligibilityData accompanies eligibility.checked. Reason is empty when the
// client is eligible.
type EligibilityData struct {
	PromotionID string
	ClientID    string
	Reason      string
}

// SessionData accompanies the redemption session lifecycle events.
type SessionData struct {
	SessionID   string
	PromotionID string
	ClientID    string
	Method      models.RedemptionMethod
	Reason      string
}

// RedemptionData accompanies redemption.confirmed.
type RedemptionData struct {
	SessionID       string
	Redemption      models.Redemption
	RedemptionCount int64
	Stale           bool
}

// Handler is a function that handles events.
type Handler func(ctx context.Context, event Event) error

// Manager manages event handlers and event publishing.
type Manager struct {
	mu       sync.RWMutex
	handlers map[EventType][]Handler
	enabled  bool
	logger   *slog.Logger
	wg       sync.WaitGroup
}

// NewManager creates a new event manager.
func NewManager(enabled bool, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		handlers: make(map[EventType][]Handler),
		enabled:  enabled,
		logger:   logger,
	}
}

// Subscribe subscribes a handler to one or more event types.
func (m *Manager) Subscribe(handler Handler, eventTypes ...EventType) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.enabled {
		return
	}
	for _, t := range eventTypes {
		m.handlers[t] = append(m.handlers[t], handler)
	}
}

// Publish publishes an event to all subscribed handlers. Handlers run on
// their own goroutines with a context detached from the caller's deadline.
func (m *Manager) Publish(ctx context.Context, eventType EventType, data interface{}) {
	m.mu.RLock()
	if !m.enabled {
		m.mu.RUnlock()
		return
	}
	handlers := m.handlers[eventType]
	m.mu.RUnlock()

	if len(handlers) == 0 {
		return
	}

	event := Event{
		Type:      eventType,
		Timestamp: time.Now(),
		Data:      data,
	}

	hctx := context.WithoutCancel(ctx)
	for _, handler := range handlers {
		m.wg.Add(1)
		go func(h Handler) {
			defer m.wg.Done()
			if err := h(hctx, event); err != nil {
				m.logger.Warn("event handler failed", "event", string(event.Type), "error", err)
			}
		}(handler)
	}
}

// Wait blocks until every handler started so far has returned.
func (m *Manager) Wait() {
	m.wg.Wait()
}

// Shutdown stops accepting events and waits for in-flight handlers.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	m.enabled = false
	m.handlers = make(map[EventType][]Handler)
	m.mu.Unlock()

	m.wg.Wait()
}
