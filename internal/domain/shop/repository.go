package shop

import "context"

// ItemRepository is the inventory port. Implementations expose plain CRUD;
// the purchase executor provides the serialization discipline on top.
type ItemRepository interface {
	Get(ctx context.Context, id string) (*Item, error)
	Save(ctx context.Context, item *Item) error
	UpdateStock(ctx context.Context, id string, newStock int) error
	ListActive(ctx context.Context) ([]*Item, error)
}

// AccountRepository is the balance ledger port.
type AccountRepository interface {
	Get(ctx context.Context, id string) (*Account, error)
	GetByExternalID(ctx context.Context, externalID string) (*Account, error)
	Create(ctx context.Context, account *Account) error
	// AdjustBalance applies delta atomically and returns the updated account.
	AdjustBalance(ctx context.Context, id string, delta int64) (*Account, error)
}

// TransactionLog is the append-only purchase record port.
type TransactionLog interface {
	Append(ctx context.Context, record *TransactionRecord) (*TransactionRecord, error)
	ListByAccount(ctx context.Context, accountID string) ([]*TransactionRecord, error)
}
