package confirm

import (
	"errors"
	"time"

	"github.com/jihanki-shop/jihanki/internal/domain/shop"
)

var (
	ErrSessionNotFound        = errors.New("confirm: session not found")
	ErrSessionAlreadyResolved = errors.New("confirm: session already resolved")
	ErrSessionExpired         = errors.New("confirm: session expired")
	ErrUnauthorized           = errors.New("confirm: only the session owner may act on it")
	ErrNoLines                = errors.New("confirm: at least one purchase line is required")
)

type State string

const (
	StatePending   State = "pending"
	StateConfirmed State = "confirmed"
	StateCancelled State = "cancelled"
	StateExpired   State = "expired"
)

// Session is a single-resolution gate guarding one purchase intent. Lines
// carry item ids and quantities only; unit prices are re-validated when the
// purchase executes.
type Session struct {
	ID        string
	OwnerID   string
	Lines     []shop.PurchaseLine
	CreatedAt time.Time
	Deadline  time.Time
	State     State
}

func NewSession(id, ownerID string, lines []shop.PurchaseLine, timeout time.Duration) (*Session, error) {
	if len(lines) == 0 {
		return nil, ErrNoLines
	}
	now := time.Now().UTC()
	captured := make([]shop.PurchaseLine, len(lines))
	for i, l := range lines {
		captured[i] = shop.PurchaseLine{ItemID: l.ItemID, Quantity: l.Quantity}
	}
	return &Session{
		ID:        id,
		OwnerID:   ownerID,
		Lines:     captured,
		CreatedAt: now,
		Deadline:  now.Add(timeout),
		State:     StatePending,
	}, nil
}

// Resolve moves the session into the given terminal state. The first caller
// wins; every later attempt observes ErrSessionAlreadyResolved.
func (s *Session) Resolve(to State) error {
	if s.State != StatePending {
		return ErrSessionAlreadyResolved
	}
	switch to {
	case StateConfirmed, StateCancelled, StateExpired:
		s.State = to
		return nil
	default:
		return errors.New("confirm: not a terminal state: " + string(to))
	}
}

func (s *Session) Resolved() bool { return s.State != StatePending }
