package shop

// PurchaseCompletedEvent fans out after a purchase commits. Consumers must
// treat it as informational; the commit has already happened.
type PurchaseCompletedEvent struct {
	AccountID  string
	ExternalID string
	Lines      []PurchaseLine
	Total      int64
	NewBalance int64
}

func (PurchaseCompletedEvent) EventName() string { return "purchase.completed" }
