package shop

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrAccountNotFound = errors.New("shop: account not found")
	ErrInvalidBalance  = errors.New("shop: balance must be zero or greater")
)

// Account holds a user's currency balance. ExternalID is the chat-platform
// identity; ID is this system's own key.
type Account struct {
	ID         string
	ExternalID string
	Balance    int64
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

func NewAccount(id, externalID string, balance int64) (*Account, error) {
	if balance < 0 {
		return nil, ErrInvalidBalance
	}
	now := time.Now().UTC()
	return &Account{
		ID:         id,
		ExternalID: externalID,
		Balance:    balance,
		CreatedAt:  now,
		UpdatedAt:  now,
	}, nil
}

// Debit removes amount from the balance. The balance never goes negative.
func (a *Account) Debit(amount int64) error {
	if amount < 0 {
		return ErrInvalidBalance
	}
	if a.Balance < amount {
		return &InsufficientBalanceError{Required: amount, Available: a.Balance}
	}
	a.Balance -= amount
	a.UpdatedAt = time.Now().UTC()
	return nil
}

// InsufficientBalanceError reports required vs. available amounts.
type InsufficientBalanceError struct {
	Required  int64
	Available int64
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("shop: insufficient balance: required %d, available %d",
		e.Required, e.Available)
}
