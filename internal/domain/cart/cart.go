package cart

import (
	"errors"
	"time"
)

var (
	ErrInvalidQuantity = errors.New("cart: quantity must be greater than zero")
	ErrLineNotFound    = errors.New("cart: item not in cart")
)

// Line is one intended purchase. Name and UnitPrice are the values shown when
// the item was added; the executor re-reads authoritative state at commit.
type Line struct {
	ItemID    string
	Name      string
	UnitPrice int64
	Quantity  int
}

// Cart is a user's uncommitted purchase intent. It lives only in memory and
// holds at most one line per item id.
type Cart struct {
	UserID      string
	Lines       []Line
	LastUpdated time.Time
}

func New(userID string) *Cart {
	return &Cart{
		UserID:      userID,
		LastUpdated: time.Now().UTC(),
	}
}

// Add merges quantity into an existing line for the same item or appends a
// new one.
func (c *Cart) Add(itemID, name string, unitPrice int64, quantity int) error {
	if quantity < 1 {
		return ErrInvalidQuantity
	}
	for i := range c.Lines {
		if c.Lines[i].ItemID == itemID {
			c.Lines[i].Quantity += quantity
			c.touch()
			return nil
		}
	}
	c.Lines = append(c.Lines, Line{
		ItemID:    itemID,
		Name:      name,
		UnitPrice: unitPrice,
		Quantity:  quantity,
	})
	c.touch()
	return nil
}

// Remove decrements a line's quantity, deleting the line entirely when the
// removal covers it. Quantities never go negative.
func (c *Cart) Remove(itemID string, quantity int) error {
	if quantity < 1 {
		return ErrInvalidQuantity
	}
	for i := range c.Lines {
		if c.Lines[i].ItemID != itemID {
			continue
		}
		if c.Lines[i].Quantity <= quantity {
			c.Lines = append(c.Lines[:i], c.Lines[i+1:]...)
		} else {
			c.Lines[i].Quantity -= quantity
		}
		c.touch()
		return nil
	}
	return ErrLineNotFound
}

// Total sums unit price times quantity over all lines.
func (c *Cart) Total() int64 {
	var total int64
	for _, l := range c.Lines {
		total += l.UnitPrice * int64(l.Quantity)
	}
	return total
}

func (c *Cart) IsEmpty() bool { return len(c.Lines) == 0 }

func (c *Cart) Clone() *Cart {
	clone := *c
	clone.Lines = append([]Line(nil), c.Lines...)
	return &clone
}

func (c *Cart) touch() {
	c.LastUpdated = time.Now().UTC()
}
