package dispatcher

import (
	"context"
	"fmt"

	"github.com/stripe/stripe-go/v82"
	"go.uber.org/zap"

	"github.com/coursekit/billing/internal/app/service/webhookevent"
	"github.com/coursekit/billing/pkg/logctx"
	"github.com/coursekit/billing/pkg/metrics"
)

type handlerFunc func(ctx context.Context, ev *stripe.Event) error

// Dispatcher drives one event through the idempotency ledger and its
// type handler: claim the event, run the handler, finalize the record.
// Everything in between is replay-safe, so a crash at any point is
// recovered by redelivery or the sweeper.
type Dispatcher struct {
	events   *webhookevent.Service
	handlers *Handlers
	log      *zap.SugaredLogger
	routes   map[string]handlerFunc
}

func NewDispatcher(events *webhookevent.Service, handlers *Handlers, log *zap.SugaredLogger) *Dispatcher {
	d := &Dispatcher{events: events, handlers: handlers, log: log}
	d.routes = map[string]handlerFunc{
		EventCheckoutCompleted:     handlers.HandleCheckoutCompleted,
		EventInvoicePaymentSuccess: handlers.HandleInvoicePaymentSucceeded,
		EventInvoicePaymentFailed:  handlers.HandleInvoicePaymentFailed,
		EventSubscriptionUpdated:   handlers.HandleSubscriptionUpdated,
		EventSubscriptionDeleted:   handlers.HandleSubscriptionDeleted,
		EventPaymentIntentFailed:   handlers.HandlePaymentIntentFailed,
		EventChargeRefunded:        handlers.HandleChargeRefunded,
	}
	return d
}

// Dispatch processes one verified event. payload is the raw envelope body,
// stored for audit and sweeper re-drives. A nil return means the delivery
// is settled (processed, duplicate, or ignored); an error means the caller
// should ask the sender to redeliver.
func (d *Dispatcher) Dispatch(ctx context.Context, ev *stripe.Event, payload []byte) error {
	eventType := string(ev.Type)
	log := logctx.FromCtx(ctx, d.log).With("event_id", ev.ID, "event_type", eventType)

	begin, err := d.events.BeginProcessing(ctx, ev.ID, eventType, payload)
	if err != nil {
		return err
	}
	if begin == webhookevent.BeginAlreadyProcessed {
		metrics.WebhookEventsTotal.WithLabelValues(eventType, "duplicate").Inc()
		log.Infow("duplicate delivery, short-circuiting")
		return nil
	}

	handler, ok := d.routes[eventType]
	if !ok {
		metrics.WebhookEventsTotal.WithLabelValues(eventType, "ignored").Inc()
		log.Infow("no handler for event type, ignoring")
		return d.events.MarkIgnored(ctx, ev.ID)
	}

	if err := d.events.MarkProcessing(ctx, ev.ID); err != nil {
		return err
	}

	handlerErr := d.run(ctx, handler, ev)
	if handlerErr != nil {
		metrics.WebhookEventsTotal.WithLabelValues(eventType, "failed").Inc()
		log.Errorw("event handler failed", "error", handlerErr)
		if markErr := d.events.MarkFailed(ctx, ev.ID, handlerErr); markErr != nil {
			log.Errorw("failed to mark event failed", "error", markErr)
		}
		return handlerErr
	}

	if err := d.events.MarkProcessed(ctx, ev.ID); err != nil {
		return err
	}
	metrics.WebhookEventsTotal.WithLabelValues(eventType, "processed").Inc()
	return nil
}

// run shields the state machine from handler panics: a panic finalizes
// the record as FAILED instead of leaving it stuck in PROCESSING.
func (d *Dispatcher) run(ctx context.Context, handler handlerFunc, ev *stripe.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler(ctx, ev)
}
