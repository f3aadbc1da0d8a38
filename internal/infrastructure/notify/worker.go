package notify

import (
	"context"

	domevent "github.com/jihanki-shop/jihanki/internal/domain/event"
	"github.com/jihanki-shop/jihanki/internal/domain/shop"
	"github.com/jihanki-shop/jihanki/internal/observability"
	"github.com/jihanki-shop/jihanki/internal/observability/logctx"
)

const componentNotify = "notify_worker"

// Worker announces completed purchases. It stands where the original
// front-end posted a public "item purchased" message to the channel.
type Worker struct {
	subscriber    domevent.Subscriber
	log           observability.Logger
	notifications observability.Counter
}

func New(subscriber domevent.Subscriber, tel observability.Observability) *Worker {
	if tel == nil {
		tel = observability.Nop()
	}
	return &Worker{
		subscriber:    subscriber,
		log:           tel.Logger().With(observability.F("component", componentNotify)),
		notifications: tel.Metrics().Counter(observability.MPurchaseNotifications),
	}
}

func (w *Worker) Start() {
	w.subscriber.Subscribe(shop.PurchaseCompletedEvent{}.EventName(), w.handlePurchaseCompleted)
}

func (w *Worker) handlePurchaseCompleted(ctx context.Context, e domevent.Event) error {
	evt, ok := e.(shop.PurchaseCompletedEvent)
	if !ok {
		return nil
	}

	w.notifications.Add(1)
	logctx.FromOr(ctx, w.log).Info("purchase_announced",
		observability.F("user_id", evt.ExternalID),
		observability.F("items", len(evt.Lines)),
		observability.F("total", evt.Total),
	)
	return nil
}
