package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jihanki-shop/jihanki/internal/domain/shop"
)

type AccountRepository struct {
	mu         sync.RWMutex
	accounts   map[string]*shop.Account
	byExternal map[string]string
}

func NewAccountRepository() *AccountRepository {
	return &AccountRepository{
		accounts:   make(map[string]*shop.Account),
		byExternal: make(map[string]string),
	}
}

func (r *AccountRepository) Get(ctx context.Context, id string) (*shop.Account, error) {
	_ = ctx

	r.mu.RLock()
	defer r.mu.RUnlock()

	account, ok := r.accounts[id]
	if !ok {
		return nil, shop.ErrAccountNotFound
	}
	return cloneAccount(account), nil
}

func (r *AccountRepository) GetByExternalID(ctx context.Context, externalID string) (*shop.Account, error) {
	_ = ctx

	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.byExternal[externalID]
	if !ok {
		return nil, shop.ErrAccountNotFound
	}
	account, ok := r.accounts[id]
	if !ok {
		return nil, shop.ErrAccountNotFound
	}
	return cloneAccount(account), nil
}

func (r *AccountRepository) Create(ctx context.Context, account *shop.Account) error {
	_ = ctx
	if account == nil || account.ID == "" {
		return fmt.Errorf("account repository: id is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.accounts[account.ID]; exists {
		return fmt.Errorf("account repository: duplicate id %s", account.ID)
	}
	if _, exists := r.byExternal[account.ExternalID]; exists {
		return fmt.Errorf("account repository: duplicate external id %s", account.ExternalID)
	}

	r.accounts[account.ID] = cloneAccount(account)
	r.byExternal[account.ExternalID] = account.ID
	return nil
}

// AdjustBalance applies delta atomically under the repository lock. The
// balance is never allowed to go negative.
func (r *AccountRepository) AdjustBalance(ctx context.Context, id string, delta int64) (*shop.Account, error) {
	_ = ctx

	r.mu.Lock()
	defer r.mu.Unlock()

	account, ok := r.accounts[id]
	if !ok {
		return nil, shop.ErrAccountNotFound
	}
	if account.Balance+delta < 0 {
		return nil, &shop.InsufficientBalanceError{Required: -delta, Available: account.Balance}
	}
	account.Balance += delta
	account.UpdatedAt = time.Now().UTC()
	return cloneAccount(account), nil
}

func cloneAccount(account *shop.Account) *shop.Account {
	if account == nil {
		return nil
	}
	clone := *account
	return &clone
}
