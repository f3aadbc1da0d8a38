package purchase

import (
	"context"

	"github.com/jihanki-shop/jihanki/internal/domain/shop"
)

type IDGenerator interface {
	NewID() string
}

// Atomic runs fn against repository ports whose writes commit together or
// not at all. Stores without multi-statement transactions (the in-memory
// adapters) omit it; the executor then writes through its regular ports,
// which cannot fail mid-commit once validation has passed.
type Atomic interface {
	WithinTx(ctx context.Context, fn func(items shop.ItemRepository, accounts shop.AccountRepository, txLog shop.TransactionLog) error) error
}

// Granter applies an external entitlement (e.g. a chat-platform role) after a
// purchase commits. Failures are reported as warnings on the result and never
// roll the purchase back.
type Granter interface {
	Grant(ctx context.Context, externalUserID, grantRef string) error
}
