package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/jihanki-shop/jihanki/internal/domain/shop"
)

// TransactionLog is an append-only in-memory purchase record. Records are
// never mutated or deleted.
type TransactionLog struct {
	mu      sync.RWMutex
	records []*shop.TransactionRecord
}

func NewTransactionLog() *TransactionLog {
	return &TransactionLog{}
}

func (l *TransactionLog) Append(ctx context.Context, record *shop.TransactionRecord) (*shop.TransactionRecord, error) {
	_ = ctx
	if record == nil || record.ID == "" {
		return nil, fmt.Errorf("transaction log: id is required")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	clone := *record
	l.records = append(l.records, &clone)
	out := clone
	return &out, nil
}

func (l *TransactionLog) ListByAccount(ctx context.Context, accountID string) ([]*shop.TransactionRecord, error) {
	_ = ctx

	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []*shop.TransactionRecord
	for _, r := range l.records {
		if r.AccountID == accountID {
			clone := *r
			out = append(out, &clone)
		}
	}
	return out, nil
}
