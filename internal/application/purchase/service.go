package purchase

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	domevent "github.com/jihanki-shop/jihanki/internal/domain/event"
	"github.com/jihanki-shop/jihanki/internal/domain/shop"
	"github.com/jihanki-shop/jihanki/internal/observability"
	"github.com/jihanki-shop/jihanki/internal/observability/logctx"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	purchaseService = "purchase-service"
	useCaseExecute  = "purchase.execute"
	spanPrefix      = "UC."
)

var (
	ErrNoLines    = errors.New("purchase: at least one line is required")
	ErrRepository = errors.New("purchase: repository failure")
)

// Warning annotates an otherwise successful purchase with a non-fatal
// post-commit failure, such as an entitlement grant that did not apply.
type Warning struct {
	ItemID   string
	GrantRef string
	Reason   string
}

type LineResult struct {
	ItemID        string
	Name          string
	Quantity      int
	UnitPrice     int64
	LineTotal     int64
	TransactionID string
	GrantRef      string
}

type Result struct {
	AccountID  string
	NewBalance int64
	Total      int64
	Lines      []LineResult
	Warnings   []Warning
}

// Service is the purchase executor. It re-reads authoritative items and the
// account at commit time, never trusting values computed when a confirmation
// was displayed, and applies debit, stock decrements and transaction records
// as one serialized region. Validation failures leave state untouched.
type Service struct {
	items    shop.ItemRepository
	accounts shop.AccountRepository
	txLog    shop.TransactionLog
	atomic   Atomic
	granter  Granter
	idGen    IDGenerator
	pub      domevent.Publisher
	tel      observability.Observability

	log          observability.Logger
	reqCounter   observability.Counter   // usecase_requests_total{use_case,outcome}
	durHistogram observability.Histogram // usecase_duration_seconds{use_case}
	purchases    observability.Counter   // purchases_total{outcome}
	grants       observability.Counter   // entitlement_grants_total{outcome}

	// commitMu makes re-validation plus commit indivisible with respect to
	// other purchases touching the same item or account. Check-then-act is
	// never split across a yield point.
	commitMu sync.Mutex
}

func NewService(
	items shop.ItemRepository,
	accounts shop.AccountRepository,
	txLog shop.TransactionLog,
	atomic Atomic,
	granter Granter,
	idGen IDGenerator,
	pub domevent.Publisher,
	tel observability.Observability,
) *Service {
	if tel == nil {
		tel = observability.Nop()
	}
	baseLog := tel.Logger().With(
		observability.F("service", purchaseService),
	)
	metrics := tel.Metrics()

	return &Service{
		items:        items,
		accounts:     accounts,
		txLog:        txLog,
		atomic:       atomic,
		granter:      granter,
		idGen:        idGen,
		pub:          pub,
		tel:          tel,
		log:          baseLog,
		reqCounter:   metrics.Counter(observability.MUsecaseRequests),
		durHistogram: metrics.Histogram(observability.MUsecaseDuration),
		purchases:    metrics.Counter(observability.MPurchases),
		grants:       metrics.Counter(observability.MEntitlementGrants),
	}
}

// Execute validates and commits a purchase of the requested lines for the
// user identified by externalUserID.
func (s *Service) Execute(ctx context.Context, externalUserID string, lines []shop.PurchaseLine) (_ *Result, err error) {
	logger := logctx.FromOr(ctx, s.log).With(observability.F("use_case", useCaseExecute))

	ctx, span := s.tel.Tracer().Start(ctx, spanPrefix+"ExecutePurchase",
		attribute.String("use_case", useCaseExecute),
		attribute.String("purchase.user_id", externalUserID),
		attribute.Int("purchase.line_count", len(lines)),
	)
	start := time.Now()
	outcome, statusText := "success", "OK"

	defer func() {
		lat := time.Since(start).Seconds()

		if span != nil {
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, statusText)
			} else {
				span.SetStatus(codes.Ok, statusText)
			}
			span.End()
		}

		s.reqCounter.Add(1,
			observability.L("use_case", useCaseExecute),
			observability.L("outcome", outcome),
		)
		s.durHistogram.Observe(lat,
			observability.L("use_case", useCaseExecute),
		)
		s.purchases.Add(1, observability.L("outcome", outcome))

		fields := []observability.Field{
			observability.F("outcome", outcome),
			observability.F("status", statusText),
			observability.F("latency_seconds", lat),
		}
		if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
			fields = append(fields,
				observability.F("trace_id", sc.TraceID().String()),
				observability.F("span_id", sc.SpanID().String()),
			)
		}
		if err != nil {
			fields = append(fields, observability.F("error", err.Error()))
		}
		logger.Info("use_case_done", fields...)
	}()

	if len(lines) == 0 {
		outcome, statusText = "error", "NO_LINES"
		return nil, ErrNoLines
	}
	for _, l := range lines {
		if l.Quantity <= 0 {
			outcome, statusText = "error", "QUANTITY_INVALID"
			return nil, shop.ErrInvalidQuantity
		}
	}
	lines = coalesce(lines)
	if err := ctx.Err(); err != nil {
		outcome, statusText = "error", "CONTEXT_CANCELED"
		return nil, err
	}

	result, err := s.commit(ctx, externalUserID, lines)
	if err != nil {
		outcome, statusText = "error", classify(err)
		return nil, err
	}

	span.SetAttributes(
		attribute.Int64("purchase.total", result.Total),
		attribute.Int64("purchase.new_balance", result.NewBalance),
	)
	span.AddEvent("purchase.committed")

	// Best-effort, post-commit: entitlement grants and the completion event
	// never roll back the purchase.
	s.applyGrants(ctx, externalUserID, result, logger)
	s.publishCompleted(ctx, externalUserID, result, logger)

	return result, nil
}

// coalesce merges lines naming the same item, so stock and balance are
// checked against the combined quantity and the log gets one record per
// distinct item. First-seen order is preserved.
func coalesce(lines []shop.PurchaseLine) []shop.PurchaseLine {
	merged := make([]shop.PurchaseLine, 0, len(lines))
	index := make(map[string]int, len(lines))
	for _, l := range lines {
		if i, ok := index[l.ItemID]; ok {
			merged[i].Quantity += l.Quantity
			continue
		}
		index[l.ItemID] = len(merged)
		merged = append(merged, shop.PurchaseLine{ItemID: l.ItemID, Quantity: l.Quantity})
	}
	return merged
}

// commit performs validation steps 1-5 and the atomic mutation step under the
// commit mutex. Nothing mutates before every check has passed. When the store
// provides transactions, every read and write of the commit runs inside one,
// so a failure mid-mutation rolls the debit back instead of stranding it.
func (s *Service) commit(ctx context.Context, externalUserID string, lines []shop.PurchaseLine) (*Result, error) {
	s.commitMu.Lock()
	defer s.commitMu.Unlock()

	if s.atomic == nil {
		return s.commitWith(ctx, s.items, s.accounts, s.txLog, externalUserID, lines)
	}

	var result *Result
	err := s.atomic.WithinTx(ctx, func(items shop.ItemRepository, accounts shop.AccountRepository, txLog shop.TransactionLog) error {
		r, err := s.commitWith(ctx, items, accounts, txLog, externalUserID, lines)
		result = r
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Service) commitWith(
	ctx context.Context,
	itemPort shop.ItemRepository,
	accountPort shop.AccountRepository,
	logPort shop.TransactionLog,
	externalUserID string,
	lines []shop.PurchaseLine,
) (*Result, error) {
	account, err := accountPort.GetByExternalID(ctx, externalUserID)
	if err != nil {
		if errors.Is(err, shop.ErrAccountNotFound) {
			return nil, shop.ErrAccountNotFound
		}
		return nil, fmt.Errorf("%w: %w", ErrRepository, err)
	}

	items := make([]*shop.Item, len(lines))
	var stockErrs []error
	for i, l := range lines {
		item, err := itemPort.Get(ctx, l.ItemID)
		if err != nil {
			if errors.Is(err, shop.ErrItemNotFound) {
				return nil, fmt.Errorf("%w: %s", shop.ErrItemNotFound, l.ItemID)
			}
			return nil, fmt.Errorf("%w: %w", ErrRepository, err)
		}
		if !item.IsActive {
			return nil, fmt.Errorf("%w: %s", shop.ErrItemInactive, item.ID)
		}
		if !item.HasStock(l.Quantity) {
			stockErrs = append(stockErrs, &shop.InsufficientStockError{
				ItemID:    item.ID,
				Requested: l.Quantity,
				Available: item.Stock,
			})
		}
		items[i] = item
	}
	if len(stockErrs) > 0 {
		// The whole purchase is rejected; no partial fulfillment.
		return nil, errors.Join(stockErrs...)
	}

	// Total from prices read just now, not from any display-time snapshot.
	var total int64
	for i, l := range lines {
		total += items[i].Price * int64(l.Quantity)
	}
	if account.Balance < total {
		return nil, &shop.InsufficientBalanceError{Required: total, Available: account.Balance}
	}

	updated, err := accountPort.AdjustBalance(ctx, account.ID, -total)
	if err != nil {
		return nil, fmt.Errorf("%w: adjust balance: %w", ErrRepository, err)
	}

	result := &Result{
		AccountID:  account.ID,
		NewBalance: updated.Balance,
		Total:      total,
		Lines:      make([]LineResult, 0, len(lines)),
	}

	for i, l := range lines {
		item := items[i]
		if !item.InfiniteStock {
			if err := itemPort.UpdateStock(ctx, item.ID, item.Stock-l.Quantity); err != nil {
				return nil, fmt.Errorf("%w: update stock %s: %w", ErrRepository, item.ID, err)
			}
		}

		lineTotal := item.Price * int64(l.Quantity)
		record, err := logPort.Append(ctx, &shop.TransactionRecord{
			ID:         s.idGen.NewID(),
			AccountID:  account.ID,
			ItemID:     item.ID,
			Quantity:   l.Quantity,
			TotalPrice: lineTotal,
			CreatedAt:  time.Now().UTC(),
		})
		if err != nil {
			return nil, fmt.Errorf("%w: append transaction: %w", ErrRepository, err)
		}

		result.Lines = append(result.Lines, LineResult{
			ItemID:        item.ID,
			Name:          item.Name,
			Quantity:      l.Quantity,
			UnitPrice:     item.Price,
			LineTotal:     lineTotal,
			TransactionID: record.ID,
			GrantRef:      item.GrantRef,
		})
	}

	return result, nil
}

func (s *Service) applyGrants(ctx context.Context, externalUserID string, result *Result, logger observability.Logger) {
	if s.granter == nil {
		return
	}
	for _, lr := range result.Lines {
		if lr.GrantRef == "" {
			continue
		}
		if err := s.granter.Grant(ctx, externalUserID, lr.GrantRef); err != nil {
			s.grants.Add(1, observability.L("outcome", "error"))
			logger.Warn("entitlement_grant_failed",
				observability.F("item_id", lr.ItemID),
				observability.F("grant_ref", lr.GrantRef),
				observability.F("error", err),
			)
			result.Warnings = append(result.Warnings, Warning{
				ItemID:   lr.ItemID,
				GrantRef: lr.GrantRef,
				Reason:   err.Error(),
			})
			continue
		}
		s.grants.Add(1, observability.L("outcome", "success"))
	}
}

func (s *Service) publishCompleted(ctx context.Context, externalUserID string, result *Result, logger observability.Logger) {
	if s.pub == nil {
		return
	}
	lines := make([]shop.PurchaseLine, 0, len(result.Lines))
	for _, lr := range result.Lines {
		lines = append(lines, shop.PurchaseLine{
			ItemID:    lr.ItemID,
			Quantity:  lr.Quantity,
			UnitPrice: lr.UnitPrice,
		})
	}
	if err := s.pub.Publish(ctx, shop.PurchaseCompletedEvent{
		AccountID:  result.AccountID,
		ExternalID: externalUserID,
		Lines:      lines,
		Total:      result.Total,
		NewBalance: result.NewBalance,
	}); err != nil {
		logger.Warn("purchase_event_publish_failed",
			observability.F("error", err),
		)
	}
}

func classify(err error) string {
	var stockErr *shop.InsufficientStockError
	var balanceErr *shop.InsufficientBalanceError
	switch {
	case errors.Is(err, shop.ErrAccountNotFound):
		return "USER_NOT_FOUND"
	case errors.Is(err, shop.ErrItemNotFound):
		return "ITEM_NOT_FOUND"
	case errors.Is(err, shop.ErrItemInactive):
		return "ITEM_INACTIVE"
	case errors.As(err, &stockErr):
		return "INSUFFICIENT_STOCK"
	case errors.As(err, &balanceErr):
		return "INSUFFICIENT_BALANCE"
	case errors.Is(err, ErrRepository):
		return "REPOSITORY_FAILURE"
	default:
		return "ERROR"
	}
}
