package notifier

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/coursekit/billing/pkg/metrics"
	"github.com/coursekit/billing/pkg/types"
)

// Event is a user-facing billing notification.
type Event struct {
	UserID string
	Plan   types.PlanID
	Kind   Kind
	Detail map[string]any
}

type Kind string

const (
	KindActivated     Kind = "subscription_activated"
	KindRenewed       Kind = "subscription_renewed"
	KindPlanChanged   Kind = "plan_changed"
	KindCancelled     Kind = "subscription_cancelled"
	KindPaymentFailed Kind = "payment_failed"
	KindRefunded      Kind = "payment_refunded"
)

// Notifier delivers billing notifications to users. Delivery is best
// effort: failures are counted and logged but never surface to callers,
// so a broken notification channel cannot fail event processing.
type Notifier interface {
	Notify(ctx context.Context, ev *Event)
}

type logNotifier struct {
	log *zap.SugaredLogger
}

func NewNotifier(log *zap.SugaredLogger) Notifier {
	return &logNotifier{log: log}
}

func (n *logNotifier) Notify(ctx context.Context, ev *Event) {
	if ev == nil {
		return
	}
	go func() {
		defer func() {
			if r := recover(); r != nil {
				metrics.NotifierFailedTotal.Inc()
				n.log.Errorw("notifier panic", "kind", ev.Kind, "panic", r)
			}
		}()
		// Detached from the request context; the caller may have returned.
		deliverCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		n.deliver(deliverCtx, ev)
	}()
}

func (n *logNotifier) deliver(_ context.Context, ev *Event) {
	n.log.Infow("billing notification",
		"user_id", ev.UserID,
		"plan", ev.Plan,
		"kind", ev.Kind,
		"detail", ev.Detail,
	)
}
