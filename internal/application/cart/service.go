package cart

import (
	"context"
	"sync"

	domcart "github.com/jihanki-shop/jihanki/internal/domain/cart"
	"github.com/jihanki-shop/jihanki/internal/domain/shop"
	"github.com/jihanki-shop/jihanki/internal/observability"
	"github.com/jihanki-shop/jihanki/internal/observability/logctx"
)

const componentCart = "cart_store"

// Service is the per-user ephemeral cart store. Carts are created lazily,
// live only in process memory and are destroyed on Clear or checkout success.
// No stock or balance validation happens here; the purchase executor re-reads
// authoritative state at commit time, since carts are long-lived relative to
// inventory changes.
type Service struct {
	mu      sync.RWMutex
	entries map[string]*entry
	log     observability.Logger
}

// entry serializes all operations on one user's cart. Two devices acting on
// the same cart take the same lock; distinct users never contend.
type entry struct {
	mu   sync.Mutex
	cart *domcart.Cart
}

func NewService(logger observability.Logger) *Service {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &Service{
		entries: make(map[string]*entry),
		log:     logger.With(observability.F("component", componentCart)),
	}
}

func (s *Service) getOrCreate(userID string) *entry {
	s.mu.RLock()
	e, ok := s.entries[userID]
	s.mu.RUnlock()
	if ok {
		return e
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok = s.entries[userID]; ok {
		return e
	}
	e = &entry{cart: domcart.New(userID)}
	s.entries[userID] = e
	return e
}

// Add merges quantity of the given item into the user's cart, snapshotting
// the item's current name and price for display.
func (s *Service) Add(ctx context.Context, userID string, item *shop.Item, quantity int) (*domcart.Cart, error) {
	e := s.getOrCreate(userID)
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.cart.Add(item.ID, item.Name, item.Price, quantity); err != nil {
		return nil, err
	}
	logctx.FromOr(ctx, s.log).Debug("cart_line_added",
		observability.F("user_id", userID),
		observability.F("item_id", item.ID),
		observability.F("quantity", quantity),
	)
	return e.cart.Clone(), nil
}

// Remove decrements or deletes the line for itemID.
func (s *Service) Remove(ctx context.Context, userID, itemID string, quantity int) (*domcart.Cart, error) {
	e := s.getOrCreate(userID)
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.cart.Remove(itemID, quantity); err != nil {
		return nil, err
	}
	logctx.FromOr(ctx, s.log).Debug("cart_line_removed",
		observability.F("user_id", userID),
		observability.F("item_id", itemID),
		observability.F("quantity", quantity),
	)
	return e.cart.Clone(), nil
}

// Clear deletes the user's cart entirely.
func (s *Service) Clear(ctx context.Context, userID string) {
	s.mu.Lock()
	delete(s.entries, userID)
	s.mu.Unlock()

	logctx.FromOr(ctx, s.log).Debug("cart_cleared",
		observability.F("user_id", userID),
	)
}

// Snapshot returns a copy of the user's cart for display.
func (s *Service) Snapshot(ctx context.Context, userID string) *domcart.Cart {
	_ = ctx
	e := s.getOrCreate(userID)
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cart.Clone()
}

// Total sums unit price times quantity over the user's cart.
func (s *Service) Total(ctx context.Context, userID string) int64 {
	_ = ctx
	e := s.getOrCreate(userID)
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cart.Total()
}

// Lines converts the cart's content into purchase lines for the executor.
// Unit prices are omitted on purpose; the executor snapshots prices when it
// validates.
func (s *Service) Lines(ctx context.Context, userID string) []shop.PurchaseLine {
	_ = ctx
	e := s.getOrCreate(userID)
	e.mu.Lock()
	defer e.mu.Unlock()

	lines := make([]shop.PurchaseLine, 0, len(e.cart.Lines))
	for _, l := range e.cart.Lines {
		lines = append(lines, shop.PurchaseLine{ItemID: l.ItemID, Quantity: l.Quantity})
	}
	return lines
}
