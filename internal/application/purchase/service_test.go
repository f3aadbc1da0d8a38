package purchase

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	domevent "github.com/jihanki-shop/jihanki/internal/domain/event"
	"github.com/jihanki-shop/jihanki/internal/domain/shop"
	"github.com/jihanki-shop/jihanki/internal/infrastructure/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type seqIDGen struct {
	mu sync.Mutex
	n  int
}

func (g *seqIDGen) NewID() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("id-%d", g.n)
}

type stubGranter struct {
	mu    sync.Mutex
	err   error
	calls []string
}

func (g *stubGranter) Grant(_ context.Context, _, grantRef string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls = append(g.calls, grantRef)
	return g.err
}

type capturePublisher struct {
	mu     sync.Mutex
	events []domevent.Event
}

func (p *capturePublisher) Publish(_ context.Context, e domevent.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return nil
}

// stubAtomic hands fn its own repositories and reports whether fn failed,
// standing in for a database transaction's commit-or-rollback decision.
type stubAtomic struct {
	items    *memory.ItemRepository
	accounts *memory.AccountRepository
	txLog    *memory.TransactionLog

	// itemsPort, when set, replaces items inside the transaction.
	itemsPort shop.ItemRepository

	calls int
	fnErr error
}

func (a *stubAtomic) WithinTx(ctx context.Context, fn func(shop.ItemRepository, shop.AccountRepository, shop.TransactionLog) error) error {
	a.calls++
	var items shop.ItemRepository = a.items
	if a.itemsPort != nil {
		items = a.itemsPort
	}
	a.fnErr = fn(items, a.accounts, a.txLog)
	return a.fnErr
}

// failingItems wraps an item repository and fails stock updates, simulating a
// connection dropping mid-commit.
type failingItems struct {
	*memory.ItemRepository
	stockErr error
}

func (f *failingItems) UpdateStock(ctx context.Context, id string, newStock int) error {
	if f.stockErr != nil {
		return f.stockErr
	}
	return f.ItemRepository.UpdateStock(ctx, id, newStock)
}

type fixture struct {
	items    *memory.ItemRepository
	accounts *memory.AccountRepository
	txLog    *memory.TransactionLog
	granter  *stubGranter
	pub      *capturePublisher
	svc      *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		items:    memory.NewItemRepository(),
		accounts: memory.NewAccountRepository(),
		txLog:    memory.NewTransactionLog(),
		granter:  &stubGranter{},
		pub:      &capturePublisher{},
	}
	f.svc = NewService(f.items, f.accounts, f.txLog, nil, f.granter, &seqIDGen{}, f.pub, nil)
	return f
}

func (f *fixture) addItem(t *testing.T, item *shop.Item) {
	t.Helper()
	require.NoError(t, f.items.Save(context.Background(), item))
}

func (f *fixture) addAccount(t *testing.T, externalID string, balance int64) *shop.Account {
	t.Helper()
	account, err := shop.NewAccount("acc-"+externalID, externalID, balance)
	require.NoError(t, err)
	require.NoError(t, f.accounts.Create(context.Background(), account))
	return account
}

func TestExecute_Success(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addAccount(t, "user-1", 1000)
	f.addItem(t, &shop.Item{ID: "item-a", Name: "Cola", Price: 500, Stock: 3, IsActive: true})

	result, err := f.svc.Execute(ctx, "user-1", []shop.PurchaseLine{{ItemID: "item-a", Quantity: 2}})
	require.NoError(t, err)

	assert.Equal(t, int64(0), result.NewBalance)
	assert.Equal(t, int64(1000), result.Total)
	require.Len(t, result.Lines, 1)
	assert.Equal(t, int64(1000), result.Lines[0].LineTotal)
	assert.Empty(t, result.Warnings)

	item, err := f.items.Get(ctx, "item-a")
	require.NoError(t, err)
	assert.Equal(t, 1, item.Stock)

	records, err := f.txLog.ListByAccount(ctx, result.AccountID)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, 2, records[0].Quantity)
	assert.Equal(t, int64(1000), records[0].TotalPrice)

	assert.Len(t, f.pub.events, 1)
}

func TestExecute_InsufficientBalance_NoMutation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addAccount(t, "user-1", 400)
	f.addItem(t, &shop.Item{ID: "item-a", Name: "Cola", Price: 500, Stock: 3, IsActive: true})

	_, err := f.svc.Execute(ctx, "user-1", []shop.PurchaseLine{{ItemID: "item-a", Quantity: 1}})

	var balanceErr *shop.InsufficientBalanceError
	require.ErrorAs(t, err, &balanceErr)
	assert.Equal(t, int64(500), balanceErr.Required)
	assert.Equal(t, int64(400), balanceErr.Available)

	account, err := f.accounts.GetByExternalID(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(400), account.Balance)

	item, err := f.items.Get(ctx, "item-a")
	require.NoError(t, err)
	assert.Equal(t, 3, item.Stock)
	assert.Empty(t, f.pub.events)
}

func TestExecute_InfiniteStock(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addAccount(t, "user-1", 100_000)
	f.addItem(t, &shop.Item{ID: "vip", Name: "VIP", Price: 100, Stock: 0, InfiniteStock: true, IsActive: true})

	result, err := f.svc.Execute(ctx, "user-1", []shop.PurchaseLine{{ItemID: "vip", Quantity: 100}})
	require.NoError(t, err)

	assert.Equal(t, int64(100_000-100*100), result.NewBalance)

	item, err := f.items.Get(ctx, "vip")
	require.NoError(t, err)
	assert.Equal(t, 0, item.Stock)
}

func TestExecute_StockDroppedSinceDisplay(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addAccount(t, "user-1", 1000)
	f.addItem(t, &shop.Item{ID: "item-a", Name: "Cola", Price: 100, Stock: 2, IsActive: true})

	// The user was shown stock 2; it vanishes before they confirm.
	require.NoError(t, f.items.UpdateStock(ctx, "item-a", 0))

	_, err := f.svc.Execute(ctx, "user-1", []shop.PurchaseLine{{ItemID: "item-a", Quantity: 2}})

	var stockErr *shop.InsufficientStockError
	require.ErrorAs(t, err, &stockErr)
	assert.Equal(t, "item-a", stockErr.ItemID)
	assert.Equal(t, 2, stockErr.Requested)
	assert.Equal(t, 0, stockErr.Available)

	account, err := f.accounts.GetByExternalID(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1000), account.Balance)
}

func TestExecute_WholePurchaseRejectedOnOneShortLine(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addAccount(t, "user-1", 10_000)
	f.addItem(t, &shop.Item{ID: "item-a", Name: "Cola", Price: 100, Stock: 10, IsActive: true})
	f.addItem(t, &shop.Item{ID: "item-b", Name: "Coffee", Price: 100, Stock: 1, IsActive: true})

	_, err := f.svc.Execute(ctx, "user-1", []shop.PurchaseLine{
		{ItemID: "item-a", Quantity: 2},
		{ItemID: "item-b", Quantity: 5},
	})

	var stockErr *shop.InsufficientStockError
	require.ErrorAs(t, err, &stockErr)
	assert.Equal(t, "item-b", stockErr.ItemID)

	// No partial fulfillment: item-a untouched.
	item, err := f.items.Get(ctx, "item-a")
	require.NoError(t, err)
	assert.Equal(t, 10, item.Stock)

	records, err := f.txLog.ListByAccount(ctx, "acc-user-1")
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestExecute_MultiLine_OneRecordPerItem(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addAccount(t, "user-1", 10_000)
	f.addItem(t, &shop.Item{ID: "item-a", Name: "Cola", Price: 100, Stock: 10, IsActive: true})
	f.addItem(t, &shop.Item{ID: "item-b", Name: "Coffee", Price: 200, Stock: 10, IsActive: true})

	result, err := f.svc.Execute(ctx, "user-1", []shop.PurchaseLine{
		{ItemID: "item-a", Quantity: 2},
		{ItemID: "item-b", Quantity: 3},
	})
	require.NoError(t, err)

	assert.Equal(t, int64(2*100+3*200), result.Total)
	require.Len(t, result.Lines, 2)

	records, err := f.txLog.ListByAccount(ctx, result.AccountID)
	require.NoError(t, err)
	assert.Len(t, records, 2)
}

func TestExecute_UserNotFound(t *testing.T) {
	f := newFixture(t)
	f.addItem(t, &shop.Item{ID: "item-a", Name: "Cola", Price: 100, Stock: 10, IsActive: true})

	_, err := f.svc.Execute(context.Background(), "ghost", []shop.PurchaseLine{{ItemID: "item-a", Quantity: 1}})
	assert.ErrorIs(t, err, shop.ErrAccountNotFound)
}

func TestExecute_ItemNotFound(t *testing.T) {
	f := newFixture(t)
	f.addAccount(t, "user-1", 1000)

	_, err := f.svc.Execute(context.Background(), "user-1", []shop.PurchaseLine{{ItemID: "missing", Quantity: 1}})
	assert.ErrorIs(t, err, shop.ErrItemNotFound)
}

func TestExecute_ItemInactive(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addAccount(t, "user-1", 1000)
	f.addItem(t, &shop.Item{ID: "item-a", Name: "Cola", Price: 100, Stock: 10, IsActive: false})

	_, err := f.svc.Execute(ctx, "user-1", []shop.PurchaseLine{{ItemID: "item-a", Quantity: 1}})
	assert.ErrorIs(t, err, shop.ErrItemInactive)
}

func TestExecute_InvalidQuantity(t *testing.T) {
	f := newFixture(t)
	f.addAccount(t, "user-1", 1000)

	_, err := f.svc.Execute(context.Background(), "user-1", []shop.PurchaseLine{{ItemID: "item-a", Quantity: 0}})
	assert.ErrorIs(t, err, shop.ErrInvalidQuantity)

	_, err = f.svc.Execute(context.Background(), "user-1", nil)
	assert.ErrorIs(t, err, ErrNoLines)
}

func TestExecute_GrantFailureIsWarningNotError(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.granter.err = errors.New("platform down")
	f.addAccount(t, "user-1", 1000)
	f.addItem(t, &shop.Item{ID: "vip", Name: "VIP", Price: 500, InfiniteStock: true, IsActive: true, GrantRef: "role:vip"})

	result, err := f.svc.Execute(ctx, "user-1", []shop.PurchaseLine{{ItemID: "vip", Quantity: 1}})
	require.NoError(t, err)

	// Purchase committed despite the failed grant.
	assert.Equal(t, int64(500), result.NewBalance)
	require.Len(t, result.Warnings, 1)
	assert.Equal(t, "role:vip", result.Warnings[0].GrantRef)

	records, err := f.txLog.ListByAccount(ctx, result.AccountID)
	require.NoError(t, err)
	assert.Len(t, records, 1)
}

func TestExecute_ConcurrentPurchasesNeverOversell(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addItem(t, &shop.Item{ID: "item-a", Name: "Cola", Price: 100, Stock: 1, IsActive: true})

	const buyers = 8
	for i := 0; i < buyers; i++ {
		f.addAccount(t, fmt.Sprintf("user-%d", i), 1000)
	}

	var wg sync.WaitGroup
	results := make([]error, buyers)
	for i := 0; i < buyers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, results[i] = f.svc.Execute(ctx, fmt.Sprintf("user-%d", i),
				[]shop.PurchaseLine{{ItemID: "item-a", Quantity: 1}})
		}()
	}
	wg.Wait()

	successes := 0
	for _, err := range results {
		if err == nil {
			successes++
		} else {
			var stockErr *shop.InsufficientStockError
			assert.ErrorAs(t, err, &stockErr)
		}
	}
	assert.Equal(t, 1, successes)

	item, err := f.items.Get(ctx, "item-a")
	require.NoError(t, err)
	assert.Equal(t, 0, item.Stock)
}

func TestExecute_CommitReadsAndWritesThroughTransaction(t *testing.T) {
	ctx := context.Background()
	atomic := &stubAtomic{
		items:    memory.NewItemRepository(),
		accounts: memory.NewAccountRepository(),
		txLog:    memory.NewTransactionLog(),
	}
	require.NoError(t, atomic.items.Save(ctx, &shop.Item{ID: "item-a", Name: "Cola", Price: 100, Stock: 3, IsActive: true}))
	account, err := shop.NewAccount("acc-1", "user-1", 1000)
	require.NoError(t, err)
	require.NoError(t, atomic.accounts.Create(ctx, account))

	// The direct ports are empty; only the transaction-scoped ones hold data.
	svc := NewService(memory.NewItemRepository(), memory.NewAccountRepository(), memory.NewTransactionLog(),
		atomic, nil, &seqIDGen{}, nil, nil)

	result, err := svc.Execute(ctx, "user-1", []shop.PurchaseLine{{ItemID: "item-a", Quantity: 1}})
	require.NoError(t, err)
	assert.Equal(t, 1, atomic.calls)
	assert.Equal(t, int64(900), result.NewBalance)

	item, err := atomic.items.Get(ctx, "item-a")
	require.NoError(t, err)
	assert.Equal(t, 2, item.Stock)

	records, err := atomic.txLog.ListByAccount(ctx, "acc-1")
	require.NoError(t, err)
	assert.Len(t, records, 1)
}

func TestExecute_MidCommitFailureReachesTransactionBoundary(t *testing.T) {
	ctx := context.Background()
	items := memory.NewItemRepository()
	atomic := &stubAtomic{
		accounts: memory.NewAccountRepository(),
		txLog:    memory.NewTransactionLog(),
	}
	require.NoError(t, items.Save(ctx, &shop.Item{ID: "item-a", Name: "Cola", Price: 100, Stock: 3, IsActive: true}))
	account, err := shop.NewAccount("acc-1", "user-1", 1000)
	require.NoError(t, err)
	require.NoError(t, atomic.accounts.Create(ctx, account))

	broken := errors.New("connection reset")
	failing := &failingItems{ItemRepository: items, stockErr: broken}
	atomic.itemsPort = failing

	svc := NewService(nil, nil, nil, atomic, nil, &seqIDGen{}, nil, nil)

	_, err = svc.Execute(ctx, "user-1", []shop.PurchaseLine{{ItemID: "item-a", Quantity: 1}})
	require.ErrorIs(t, err, ErrRepository)
	require.ErrorIs(t, err, broken)

	// The error surfaced through WithinTx, where a real store rolls the
	// already-applied debit back.
	assert.ErrorIs(t, atomic.fnErr, broken)
}

func TestExecute_DuplicateLinesCheckCombinedQuantity(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addAccount(t, "user-1", 1000)
	f.addItem(t, &shop.Item{ID: "item-a", Name: "Cola", Price: 100, Stock: 1, IsActive: true})

	_, err := f.svc.Execute(ctx, "user-1", []shop.PurchaseLine{
		{ItemID: "item-a", Quantity: 1},
		{ItemID: "item-a", Quantity: 1},
	})

	var stockErr *shop.InsufficientStockError
	require.ErrorAs(t, err, &stockErr)
	assert.Equal(t, 2, stockErr.Requested)
	assert.Equal(t, 1, stockErr.Available)

	item, err := f.items.Get(ctx, "item-a")
	require.NoError(t, err)
	assert.Equal(t, 1, item.Stock)

	account, err := f.accounts.GetByExternalID(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1000), account.Balance)
}

func TestExecute_DuplicateLinesMergeIntoOneRecord(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addAccount(t, "user-1", 1000)
	f.addItem(t, &shop.Item{ID: "item-a", Name: "Cola", Price: 100, Stock: 3, IsActive: true})

	result, err := f.svc.Execute(ctx, "user-1", []shop.PurchaseLine{
		{ItemID: "item-a", Quantity: 1},
		{ItemID: "item-a", Quantity: 1},
	})
	require.NoError(t, err)

	assert.Equal(t, int64(200), result.Total)
	require.Len(t, result.Lines, 1)
	assert.Equal(t, 2, result.Lines[0].Quantity)

	item, err := f.items.Get(ctx, "item-a")
	require.NoError(t, err)
	assert.Equal(t, 1, item.Stock)

	records, err := f.txLog.ListByAccount(ctx, result.AccountID)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, 2, records[0].Quantity)
}

func TestExecute_ConcurrentPurchasesNeverOverdraw(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addAccount(t, "user-1", 100)
	f.addItem(t, &shop.Item{ID: "item-a", Name: "Cola", Price: 100, Stock: 100, IsActive: true})

	const attempts = 8
	var wg sync.WaitGroup
	results := make([]error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, results[i] = f.svc.Execute(ctx, "user-1",
				[]shop.PurchaseLine{{ItemID: "item-a", Quantity: 1}})
		}()
	}
	wg.Wait()

	successes := 0
	for _, err := range results {
		if err == nil {
			successes++
		}
	}
	assert.Equal(t, 1, successes)

	account, err := f.accounts.GetByExternalID(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), account.Balance)
}
