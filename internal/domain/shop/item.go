package shop

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrItemNotFound    = errors.New("shop: item not found")
	ErrItemInactive    = errors.New("shop: item is not for sale")
	ErrInvalidQuantity = errors.New("shop: quantity must be greater than zero")
	ErrInvalidPrice    = errors.New("shop: price must be zero or greater")
)

// Item is the authoritative catalogue entry. Purchase validation always
// re-reads it; nothing trusts a displayed copy.
type Item struct {
	ID          string
	Name        string
	Description string
	Price       int64
	Stock       int
	// InfiniteStock exempts the item from stock checks and stock decrement.
	InfiniteStock bool
	IsActive      bool
	// GrantRef names an external entitlement (e.g. a chat role) granted
	// best-effort after purchase. Empty means no grant.
	GrantRef  string
	UpdatedAt time.Time
}

func NewItem(id, name string, price int64, stock int) (*Item, error) {
	if price < 0 {
		return nil, ErrInvalidPrice
	}
	if stock < 0 {
		return nil, ErrInvalidQuantity
	}
	return &Item{
		ID:        id,
		Name:      name,
		Price:     price,
		Stock:     stock,
		IsActive:  true,
		UpdatedAt: time.Now().UTC(),
	}, nil
}

// HasStock reports whether quantity units can be sold right now.
func (i *Item) HasStock(quantity int) bool {
	if i.InfiniteStock {
		return true
	}
	return i.Stock >= quantity
}

// Deduct removes quantity units of stock. Infinite-stock items are left
// untouched.
func (i *Item) Deduct(quantity int) error {
	if quantity <= 0 {
		return ErrInvalidQuantity
	}
	if i.InfiniteStock {
		return nil
	}
	if quantity > i.Stock {
		return &InsufficientStockError{ItemID: i.ID, Requested: quantity, Available: i.Stock}
	}
	i.Stock -= quantity
	i.UpdatedAt = time.Now().UTC()
	return nil
}

// InsufficientStockError names the offending item and reports the stock seen
// at commit time.
type InsufficientStockError struct {
	ItemID    string
	Requested int
	Available int
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("shop: insufficient stock for item %s: requested %d, available %d",
		e.ItemID, e.Requested, e.Available)
}
