package confirm

import (
	"context"
	"sync"
	"time"

	"github.com/jihanki-shop/jihanki/internal/application/purchase"
	domconfirm "github.com/jihanki-shop/jihanki/internal/domain/confirm"
	"github.com/jihanki-shop/jihanki/internal/domain/shop"
	"github.com/jihanki-shop/jihanki/internal/observability"
	"github.com/jihanki-shop/jihanki/internal/observability/logctx"
)

const componentConfirm = "confirmation_workflow"

const (
	// DefaultBuyTimeout bounds a single-item buy confirmation.
	DefaultBuyTimeout = 30 * time.Second
	// DefaultCheckoutTimeout bounds a cart checkout confirmation.
	DefaultCheckoutTimeout = 60 * time.Second

	// tombstoneRetention keeps resolved sessions around so retried deliveries
	// observe "already resolved" instead of "not found".
	tombstoneRetention = 5 * time.Minute
)

type Action string

const (
	ActionConfirm Action = "confirm"
	ActionCancel  Action = "cancel"
)

// Executor is the purchase executor as seen by the workflow.
type Executor interface {
	Execute(ctx context.Context, externalUserID string, lines []shop.PurchaseLine) (*purchase.Result, error)
}

type IDGenerator interface {
	NewID() string
}

// Outcome reports how a session ended. Result is set only for a confirmed
// session whose execution succeeded; Err carries the execution failure of a
// confirmed session. The resolution itself still stands; the session is
// consumed either way, exactly like a pressed button.
type Outcome struct {
	State  domconfirm.State
	Result *purchase.Result
	Err    error
}

// Service owns every pending confirmation session. Each session is resolved
// exactly once: the first of {owner confirm, owner cancel, deadline expiry}
// to reach the gate wins and every later contender observes
// ErrSessionAlreadyResolved.
type Service struct {
	mu       sync.Mutex
	sessions map[string]*entry
	closed   bool

	executor Executor
	idGen    IDGenerator

	log         observability.Logger
	resolutions observability.Counter // confirmation_resolutions_total{outcome}
}

type entry struct {
	session *domconfirm.Session
	timer   *time.Timer
	cleanup *time.Timer
}

func NewService(executor Executor, idGen IDGenerator, tel observability.Observability) *Service {
	if tel == nil {
		tel = observability.Nop()
	}
	return &Service{
		sessions:    make(map[string]*entry),
		executor:    executor,
		idGen:       idGen,
		log:         tel.Logger().With(observability.F("component", componentConfirm)),
		resolutions: tel.Metrics().Counter(observability.MConfirmationResolutions),
	}
}

// Create opens a pending session for ownerID over the given lines and arms
// the deadline timer. Only item ids and quantities are captured; prices are
// re-validated when the purchase executes.
func (s *Service) Create(ctx context.Context, ownerID string, lines []shop.PurchaseLine, timeout time.Duration) (string, error) {
	if timeout <= 0 {
		timeout = DefaultBuyTimeout
	}

	session, err := domconfirm.NewSession(s.idGen.NewID(), ownerID, lines, timeout)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", domconfirm.ErrSessionExpired
	}

	e := &entry{session: session}
	e.timer = time.AfterFunc(timeout, func() { s.expire(session.ID) })
	s.sessions[session.ID] = e

	logctx.FromOr(ctx, s.log).Info("confirmation_created",
		observability.F("session_id", session.ID),
		observability.F("owner_id", ownerID),
		observability.F("lines", len(lines)),
		observability.F("timeout_seconds", timeout.Seconds()),
	)
	return session.ID, nil
}

// Resolve applies a terminal action from actorID. Non-owners are rejected
// without touching session state or the deadline. A confirmed session hands
// its captured lines to the purchase executor; the executor re-validates the
// world as of now, not as of session creation.
func (s *Service) Resolve(ctx context.Context, sessionID, actorID string, action Action) (*Outcome, error) {
	s.mu.Lock()
	e, ok := s.sessions[sessionID]
	if !ok {
		s.mu.Unlock()
		return nil, domconfirm.ErrSessionNotFound
	}
	if e.session.OwnerID != actorID {
		s.mu.Unlock()
		return nil, domconfirm.ErrUnauthorized
	}

	target := domconfirm.StateCancelled
	if action == ActionConfirm {
		target = domconfirm.StateConfirmed
	}
	if err := e.session.Resolve(target); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	e.timer.Stop()
	s.scheduleCleanup(e)
	owner := e.session.OwnerID
	lines := append([]shop.PurchaseLine(nil), e.session.Lines...)
	s.mu.Unlock()

	s.resolutions.Add(1, observability.L("outcome", string(target)))
	logger := logctx.FromOr(ctx, s.log).With(observability.F("session_id", sessionID))

	if target == domconfirm.StateCancelled {
		logger.Info("confirmation_cancelled")
		return &Outcome{State: domconfirm.StateCancelled}, nil
	}

	logger.Info("confirmation_confirmed")
	result, err := s.executor.Execute(ctx, owner, lines)
	if err != nil {
		logger.Warn("confirmed_purchase_failed",
			observability.F("error", err),
		)
		return &Outcome{State: domconfirm.StateConfirmed, Err: err}, nil
	}
	return &Outcome{State: domconfirm.StateConfirmed, Result: result}, nil
}

// Get returns a copy of the session for display.
func (s *Service) Get(sessionID string) (*domconfirm.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.sessions[sessionID]
	if !ok {
		return nil, domconfirm.ErrSessionNotFound
	}
	clone := *e.session
	clone.Lines = append([]shop.PurchaseLine(nil), e.session.Lines...)
	return &clone, nil
}

// expire races regular resolution through the same gate; whichever arrives
// first wins.
func (s *Service) expire(sessionID string) {
	s.mu.Lock()
	e, ok := s.sessions[sessionID]
	if !ok {
		s.mu.Unlock()
		return
	}
	if err := e.session.Resolve(domconfirm.StateExpired); err != nil {
		s.mu.Unlock()
		return
	}
	s.scheduleCleanup(e)
	s.mu.Unlock()

	s.resolutions.Add(1, observability.L("outcome", string(domconfirm.StateExpired)))
	s.log.Info("confirmation_expired",
		observability.F("session_id", sessionID),
	)
}

// scheduleCleanup drops the tombstoned session after the retention window.
// Callers hold s.mu.
func (s *Service) scheduleCleanup(e *entry) {
	id := e.session.ID
	e.cleanup = time.AfterFunc(tombstoneRetention, func() {
		s.mu.Lock()
		delete(s.sessions, id)
		s.mu.Unlock()
	})
}

// Close stops all timers. Pending sessions are left unresolved; the process
// is going away with them.
func (s *Service) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	for _, e := range s.sessions {
		if e.timer != nil {
			e.timer.Stop()
		}
		if e.cleanup != nil {
			e.cleanup.Stop()
		}
	}
}
