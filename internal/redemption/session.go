package redemption

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"local-deals-api/internal/models"
)

// State is a redemption dialog state.
type State string

const (
	StateIdle      State = "idle"
	StateOpen      State = "open"
	StateExpired   State = "expired"
	StateConfirmed State = "confirmed"
	StateCancelled State = "cancelled"
)

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateExpired || s == StateConfirmed || s == StateCancelled
}

// DefaultWindow is how long a client has to present proof.
const DefaultWindow = 120 * time.Second

// Session is one redemption dialog instance.
type Session struct {
	ID          string
	PromotionID string
	BusinessID  string
	ClientID    string

	mu           sync.Mutex
	clock        func() time.Time
	state        State
	deadline     time.Time
	remaining    time.Duration
	reported     bool
	method       models.RedemptionMethod
	proof        string
	redemptionID string
	openedAt     time.Time
	closedAt     time.Time
}

// Snapshot is a point-in-time copy of a session.
type Snapshot struct {
	ID               string                  `json:"id"`
	PromotionID      string                  `json:"promotion_id"`
	BusinessID       string                  `json:"business_id"`
	ClientID         string                  `json:"client_id"`
	State            State                   `json:"state"`
	RemainingSeconds int                     `json:"remaining_seconds"`
	Method           models.RedemptionMethod `json:"method,omitempty"`
	Proof            string                  `json:"proof,omitempty"`
	RedemptionID     string                  `json:"redemption_id,omitempty"`
	OpenedAt         time.Time               `json:"opened_at"`
	ClosedAt         *time.Time              `json:"closed_at,omitempty"`
}

func (s *Session) open(window time.Duration, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateIdle {
		return
	}
	s.state = StateOpen
	s.openedAt = now
	s.deadline = now.Add(window)
	s.remaining = window
}

// expireIfDue closes the session once its deadline has passed. mu must be held.
func (s *Session) expireIfDue(now time.Time) {
	if s.state != StateOpen {
		return
	}
	if now.Before(s.deadline) {
		s.remaining = s.deadline.Sub(now)
		return
	}
	s.close(StateExpired, now)
}

// tick expires the session if its deadline has passed and reports whether
// this is the first tick to observe the expiry.
func (s *Session) tick(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.expireIfDue(now)
	if s.state != StateExpired || s.reported {
		return false
	}
	s.reported = true
	return true
}

// cancel closes an open session without recording anything.
func (s *Session) cancel(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.expireIfDue(now)
	if s.state != StateOpen {
		return false
	}
	s.close(StateCancelled, now)
	return true
}

// submit records the proof being confirmed. It is kept until the session
// closes so a retry after a transient failure does not need re-entry.
func (s *Session) submit(method models.RedemptionMethod, proof string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.expireIfDue(s.now())
	if s.state != StateOpen {
		return ErrSessionClosed
	}
	s.method = method
	s.proof = proof
	return nil
}

// confirm marks the session redeemed. It returns false if the session was
// closed while the ledger write was in flight; the write still stands.
func (s *Session) confirm(redemptionID string, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.expireIfDue(now)
	if s.state != StateOpen {
		return false
	}
	s.redemptionID = redemptionID
	s.close(StateConfirmed, now)
	return true
}

// close must be called with mu held.
func (s *Session) close(state State, now time.Time) {
	s.remaining = 0
	if state != StateExpired {
		s.remaining = max(s.deadline.Sub(now), 0)
	}
	s.state = state
	s.proof = ""
	s.closedAt = now
}

func (s *Session) now() time.Time {
	if s.clock == nil {
		return time.Now()
	}
	return s.clock()
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expireIfDue(s.now())
	return s.state
}

// Snapshot copies the session for presentation.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expireIfDue(s.now())

	snap := Snapshot{
		ID:               s.ID,
		PromotionID:      s.PromotionID,
		BusinessID:       s.BusinessID,
		ClientID:         s.ClientID,
		State:            s.state,
		RemainingSeconds: int((s.remaining + time.Second - 1) / time.Second),
		Method:           s.method,
		Proof:            s.proof,
		RedemptionID:     s.redemptionID,
		OpenedAt:         s.openedAt,
	}
	if !s.closedAt.IsZero() {
		closed := s.closedAt
		snap.ClosedAt = &closed
	}
	return snap
}

func (s *Session) closedBefore(t time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Terminal() && s.closedAt.Before(t)
}

type viewKey struct {
	clientID    string
	promotionID string
}

// ManagerOptions configures a Manager. Zero values take defaults.
type ManagerOptions struct {
	Window    time.Duration
	Step      time.Duration
	Retention time.Duration
	Now       func() time.Time
	// OnExpire is called outside the manager lock for every session that
	// runs out of time.
	OnExpire func(Snapshot)
}

// Manager owns every redemption session. Each session expires at its own
// deadline; a single ticker polls for expiries every Step.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*Session
	views    map[viewKey]*Session

	window    time.Duration
	step      time.Duration
	retention time.Duration
	now       func() time.Time
	onExpire  func(Snapshot)

	stop     chan struct{}
	done     chan struct{}
	startMu  sync.Mutex
	started  bool
	stopOnce sync.Once
}

// NewManager creates a session manager. Call Start to run the countdown.
func NewManager(opts ManagerOptions) *Manager {
	if opts.Window <= 0 {
		opts.Window = DefaultWindow
	}
	if opts.Step <= 0 {
		opts.Step = time.Second
	}
	if opts.Retention <= 0 {
		opts.Retention = 5 * time.Minute
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	return &Manager{
		sessions:  make(map[string]*Session),
		views:     make(map[viewKey]*Session),
		window:    opts.Window,
		step:      opts.Step,
		retention: opts.Retention,
		now:       opts.Now,
		onExpire:  opts.OnExpire,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Window is the full countdown length given to new sessions.
func (m *Manager) Window() time.Duration {
	return m.window
}

// Start launches the ticker goroutine. It is a no-op after the first call.
func (m *Manager) Start() {
	m.startMu.Lock()
	defer m.startMu.Unlock()
	if m.started {
		return
	}
	m.started = true
	go m.run()
}

// Stop halts the ticker and waits for it to exit.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		close(m.stop)
	})

	m.startMu.Lock()
	started := m.started
	m.startMu.Unlock()
	if started {
		<-m.done
	}
}

func (m *Manager) run() {
	defer close(m.done)

	ticker := time.NewTicker(m.step)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.Tick()
		case <-m.stop:
			return
		}
	}
}

// Open starts a fresh countdown for the client's view of a promotion. Any
// session still open for the same view is cancelled and returned.
func (m *Manager) Open(promotionID, businessID, clientID string) (*Session, *Snapshot) {
	now := m.now()
	key := viewKey{clientID: clientID, promotionID: promotionID}

	s := &Session{
		ID:          uuid.New().String(),
		PromotionID: promotionID,
		BusinessID:  businessID,
		ClientID:    clientID,
		clock:       m.now,
		state:       StateIdle,
	}
	s.open(m.window, now)

	m.mu.Lock()
	defer m.mu.Unlock()

	var replaced *Snapshot
	if prev, ok := m.views[key]; ok && prev.cancel(now) {
		snap := prev.Snapshot()
		replaced = &snap
	}

	m.sessions[s.ID] = s
	m.views[key] = s

	return s, replaced
}

// Get looks up a session by id.
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s, nil
}

// Cancel closes an open session. Nothing is written to the ledger.
func (m *Manager) Cancel(id string) (Snapshot, error) {
	s, err := m.Get(id)
	if err != nil {
		return Snapshot{}, err
	}
	if !s.cancel(m.now()) {
		return s.Snapshot(), ErrSessionClosed
	}
	return s.Snapshot(), nil
}

// Tick expires every open session whose deadline has passed and sweeps
// closed sessions past retention. It returns the sessions whose expiry was
// first observed on this tick.
func (m *Manager) Tick() []Snapshot {
	now := m.now()
	cutoff := now.Add(-m.retention)

	var expired []Snapshot

	m.mu.Lock()
	for id, s := range m.sessions {
		if s.tick(now) {
			expired = append(expired, s.Snapshot())
			continue
		}
		if s.closedBefore(cutoff) {
			delete(m.sessions, id)
			key := viewKey{clientID: s.ClientID, promotionID: s.PromotionID}
			if m.views[key] == s {
				delete(m.views, key)
			}
		}
	}
	m.mu.Unlock()

	if m.onExpire != nil {
		for _, snap := range expired {
			m.onExpire(snap)
		}
	}

	return expired
}

// Len returns the number of tracked sessions, open or recently closed.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}
