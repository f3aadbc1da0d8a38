package shop

import "time"

// PurchaseLine is one requested item of a purchase. UnitPrice is snapshotted
// when the executor validates the line, never carried over from display time.
type PurchaseLine struct {
	ItemID    string
	Quantity  int
	UnitPrice int64
}

// TransactionRecord is one appended entry of the purchase log. Records are
// never mutated or deleted; one record exists per distinct item of a
// completed purchase.
type TransactionRecord struct {
	ID         string
	AccountID  string
	ItemID     string
	Quantity   int
	TotalPrice int64
	CreatedAt  time.Time
}
