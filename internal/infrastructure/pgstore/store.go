package pgstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jihanki-shop/jihanki/internal/domain/shop"
)

// querier is the statement surface shared by the pool and a transaction, so
// the same repositories serve both paths.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store implements the shop ports on postgres for deployments that want the
// catalogue, ledger and transaction log durable. The purchase executor still
// provides the commit serialization; this layer contributes transactional
// writes through WithinTx so a multi-statement commit lands whole or not at
// all.
type Store struct {
	db *pgxpool.Pool
}

func New(ctx context.Context, connString string) (*Store, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("pgstore: parse config: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("pgstore: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pgstore: ping: %w", err)
	}

	return &Store{db: pool}, nil
}

func (s *Store) Close() {
	s.db.Close()
}

// Items returns the inventory port backed by this store.
func (s *Store) Items() shop.ItemRepository { return &itemRepo{db: s.db} }

// Accounts returns the balance ledger port backed by this store.
func (s *Store) Accounts() shop.AccountRepository { return &accountRepo{db: s.db} }

// Transactions returns the transaction log port backed by this store.
func (s *Store) Transactions() shop.TransactionLog { return &txLog{db: s.db} }

// WithinTx runs fn with ports bound to one database transaction. An error
// from fn rolls everything back; otherwise the transaction commits.
func (s *Store) WithinTx(ctx context.Context, fn func(items shop.ItemRepository, accounts shop.AccountRepository, txLog shop.TransactionLog) error) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("pgstore: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(&itemRepo{db: tx}, &accountRepo{db: tx}, &txLog{db: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("pgstore: commit: %w", err)
	}
	return nil
}

// Bootstrap creates the three tables when they do not exist yet.
func (s *Store) Bootstrap(ctx context.Context) error {
	_, err := s.db.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS items (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			price BIGINT NOT NULL CHECK (price >= 0),
			stock INT NOT NULL CHECK (stock >= 0),
			infinite_stock BOOLEAN NOT NULL DEFAULT FALSE,
			is_active BOOLEAN NOT NULL DEFAULT TRUE,
			grant_ref TEXT NOT NULL DEFAULT '',
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);
		CREATE TABLE IF NOT EXISTS accounts (
			id TEXT PRIMARY KEY,
			external_id TEXT NOT NULL UNIQUE,
			balance BIGINT NOT NULL CHECK (balance >= 0),
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);
		CREATE TABLE IF NOT EXISTS transactions (
			id TEXT PRIMARY KEY,
			account_id TEXT NOT NULL REFERENCES accounts(id),
			item_id TEXT NOT NULL,
			quantity INT NOT NULL,
			total_price BIGINT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);
	`)
	if err != nil {
		return fmt.Errorf("pgstore: bootstrap: %w", err)
	}
	return nil
}

type itemRepo struct {
	db querier
}

func (r *itemRepo) Get(ctx context.Context, id string) (*shop.Item, error) {
	var item shop.Item
	err := r.db.QueryRow(ctx,
		`SELECT id, name, description, price, stock, infinite_stock, is_active, grant_ref, updated_at
		 FROM items WHERE id = $1`, id,
	).Scan(&item.ID, &item.Name, &item.Description, &item.Price, &item.Stock,
		&item.InfiniteStock, &item.IsActive, &item.GrantRef, &item.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, shop.ErrItemNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("pgstore: get item: %w", err)
	}
	return &item, nil
}

func (r *itemRepo) Save(ctx context.Context, item *shop.Item) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO items (id, name, description, price, stock, infinite_stock, is_active, grant_ref, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now())
		 ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name, description = EXCLUDED.description,
			price = EXCLUDED.price, stock = EXCLUDED.stock,
			infinite_stock = EXCLUDED.infinite_stock, is_active = EXCLUDED.is_active,
			grant_ref = EXCLUDED.grant_ref, updated_at = now()`,
		item.ID, item.Name, item.Description, item.Price, item.Stock,
		item.InfiniteStock, item.IsActive, item.GrantRef)
	if err != nil {
		return fmt.Errorf("pgstore: save item: %w", err)
	}
	return nil
}

func (r *itemRepo) UpdateStock(ctx context.Context, id string, newStock int) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE items SET stock = $2, updated_at = now() WHERE id = $1`, id, newStock)
	if err != nil {
		return fmt.Errorf("pgstore: update stock: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return shop.ErrItemNotFound
	}
	return nil
}

func (r *itemRepo) ListActive(ctx context.Context) ([]*shop.Item, error) {
	rows, err := r.db.Query(ctx,
		`SELECT id, name, description, price, stock, infinite_stock, is_active, grant_ref, updated_at
		 FROM items WHERE is_active ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("pgstore: list items: %w", err)
	}
	defer rows.Close()

	var out []*shop.Item
	for rows.Next() {
		var item shop.Item
		if err := rows.Scan(&item.ID, &item.Name, &item.Description, &item.Price, &item.Stock,
			&item.InfiniteStock, &item.IsActive, &item.GrantRef, &item.UpdatedAt); err != nil {
			return nil, fmt.Errorf("pgstore: scan item: %w", err)
		}
		out = append(out, &item)
	}
	return out, rows.Err()
}

type accountRepo struct {
	db querier
}

func (r *accountRepo) Get(ctx context.Context, id string) (*shop.Account, error) {
	return r.scan(ctx, `SELECT id, external_id, balance, created_at, updated_at FROM accounts WHERE id = $1`, id)
}

func (r *accountRepo) GetByExternalID(ctx context.Context, externalID string) (*shop.Account, error) {
	return r.scan(ctx, `SELECT id, external_id, balance, created_at, updated_at FROM accounts WHERE external_id = $1`, externalID)
}

func (r *accountRepo) scan(ctx context.Context, query, arg string) (*shop.Account, error) {
	var account shop.Account
	err := r.db.QueryRow(ctx, query, arg).Scan(
		&account.ID, &account.ExternalID, &account.Balance, &account.CreatedAt, &account.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, shop.ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("pgstore: get account: %w", err)
	}
	return &account, nil
}

func (r *accountRepo) Create(ctx context.Context, account *shop.Account) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO accounts (id, external_id, balance) VALUES ($1, $2, $3)`,
		account.ID, account.ExternalID, account.Balance)
	if err != nil {
		return fmt.Errorf("pgstore: create account: %w", err)
	}
	return nil
}

// AdjustBalance applies delta in one statement; the CHECK constraint keeps
// the balance from ever going negative even if callers race.
func (r *accountRepo) AdjustBalance(ctx context.Context, id string, delta int64) (*shop.Account, error) {
	var account shop.Account
	err := r.db.QueryRow(ctx,
		`UPDATE accounts SET balance = balance + $2, updated_at = now()
		 WHERE id = $1
		 RETURNING id, external_id, balance, created_at, updated_at`, id, delta,
	).Scan(&account.ID, &account.ExternalID, &account.Balance, &account.CreatedAt, &account.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, shop.ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("pgstore: adjust balance: %w", err)
	}
	return &account, nil
}

type txLog struct {
	db querier
}

func (l *txLog) Append(ctx context.Context, record *shop.TransactionRecord) (*shop.TransactionRecord, error) {
	out := *record
	err := l.db.QueryRow(ctx,
		`INSERT INTO transactions (id, account_id, item_id, quantity, total_price)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING created_at`,
		record.ID, record.AccountID, record.ItemID, record.Quantity, record.TotalPrice,
	).Scan(&out.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("pgstore: append transaction: %w", err)
	}
	return &out, nil
}

func (l *txLog) ListByAccount(ctx context.Context, accountID string) ([]*shop.TransactionRecord, error) {
	rows, err := l.db.Query(ctx,
		`SELECT id, account_id, item_id, quantity, total_price, created_at
		 FROM transactions WHERE account_id = $1 ORDER BY created_at DESC`, accountID)
	if err != nil {
		return nil, fmt.Errorf("pgstore: list transactions: %w", err)
	}
	defer rows.Close()

	var out []*shop.TransactionRecord
	for rows.Next() {
		var r shop.TransactionRecord
		if err := rows.Scan(&r.ID, &r.AccountID, &r.ItemID, &r.Quantity, &r.TotalPrice, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("pgstore: scan transaction: %w", err)
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}
