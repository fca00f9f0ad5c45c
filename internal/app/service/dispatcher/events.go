package dispatcher

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v82"
)

// ErrMalformedEvent means the event payload could not be decoded or is
// missing a field the handler cannot proceed without. Malformed events are
// terminal failures; redelivery of the same bytes cannot fix them, but the
// FAILED record keeps them visible to operators.
var ErrMalformedEvent = errors.New("malformed event payload")

// Event type names the dispatcher routes. Anything else is recorded and
// marked IGNORED.
const (
	EventCheckoutCompleted     = "checkout.session.completed"
	EventInvoicePaymentSuccess = "invoice.payment_succeeded"
	EventInvoicePaymentFailed  = "invoice.payment_failed"
	EventSubscriptionUpdated   = "customer.subscription.updated"
	EventSubscriptionDeleted   = "customer.subscription.deleted"
	EventPaymentIntentFailed   = "payment_intent.payment_failed"
	EventChargeRefunded        = "charge.refunded"
)

// The payload structs below decode only the fields the handlers read.
// Nested objects arrive as bare ids in webhook payloads (no expansion), so
// they are plain strings here. Decoding the full stripe-go object graph
// would couple every handler to fields it never uses.

type checkoutSessionPayload struct {
	ID                string            `json:"id"`
	Mode              string            `json:"mode"`
	ClientReferenceID string            `json:"client_reference_id"`
	PaymentIntent     string            `json:"payment_intent"`
	Subscription      string            `json:"subscription"`
	AmountTotal       int64             `json:"amount_total"`
	Currency          string            `json:"currency"`
	PaymentStatus     string            `json:"payment_status"`
	Metadata          map[string]string `json:"metadata"`
}

type invoiceLinePayload struct {
	Price *struct {
		ID string `json:"id"`
	} `json:"price"`
	Period *struct {
		Start int64 `json:"start"`
		End   int64 `json:"end"`
	} `json:"period"`
}

type invoicePayload struct {
	ID            string `json:"id"`
	Subscription  string `json:"subscription"`
	BillingReason string `json:"billing_reason"`
	AmountPaid    int64  `json:"amount_paid"`
	AmountDue     int64  `json:"amount_due"`
	Currency      string `json:"currency"`
	Lines         struct {
		Data []invoiceLinePayload `json:"data"`
	} `json:"lines"`
	SubscriptionDetails *struct {
		Metadata map[string]string `json:"metadata"`
	} `json:"subscription_details"`
	Metadata map[string]string `json:"metadata"`
}

// priceID returns the price id of the first line, the plan authority for
// invoice-driven events.
func (p *invoicePayload) priceID() string {
	for _, l := range p.Lines.Data {
		if l.Price != nil && l.Price.ID != "" {
			return l.Price.ID
		}
	}
	return ""
}

// periodEnd returns the latest line period end, zero time when absent.
func (p *invoicePayload) periodEnd() time.Time {
	var end int64
	for _, l := range p.Lines.Data {
		if l.Period != nil && l.Period.End > end {
			end = l.Period.End
		}
	}
	if end == 0 {
		return time.Time{}
	}
	return time.Unix(end, 0).UTC()
}

func (p *invoicePayload) metadataValue(key string) string {
	if v, ok := p.Metadata[key]; ok && v != "" {
		return v
	}
	if p.SubscriptionDetails != nil {
		return p.SubscriptionDetails.Metadata[key]
	}
	return ""
}

type subscriptionPayload struct {
	ID                string `json:"id"`
	Status            string `json:"status"`
	CurrentPeriodEnd  int64  `json:"current_period_end"`
	CancelAtPeriodEnd bool   `json:"cancel_at_period_end"`
	CanceledAt        int64  `json:"canceled_at"`
	Items             struct {
		Data []struct {
			Price *struct {
				ID string `json:"id"`
			} `json:"price"`
			CurrentPeriodEnd int64 `json:"current_period_end"`
		} `json:"data"`
	} `json:"items"`
	Metadata map[string]string `json:"metadata"`
}

func (p *subscriptionPayload) priceID() string {
	for _, it := range p.Items.Data {
		if it.Price != nil && it.Price.ID != "" {
			return it.Price.ID
		}
	}
	return ""
}

func (p *subscriptionPayload) periodEnd() time.Time {
	end := p.CurrentPeriodEnd
	for _, it := range p.Items.Data {
		if it.CurrentPeriodEnd > end {
			end = it.CurrentPeriodEnd
		}
	}
	if end == 0 {
		return time.Time{}
	}
	return time.Unix(end, 0).UTC()
}

type paymentIntentPayload struct {
	ID               string `json:"id"`
	Amount           int64  `json:"amount"`
	Currency         string `json:"currency"`
	LastPaymentError *struct {
		Message string `json:"message"`
	} `json:"last_payment_error"`
	Metadata map[string]string `json:"metadata"`
}

type chargePayload struct {
	ID             string `json:"id"`
	PaymentIntent  string `json:"payment_intent"`
	AmountRefunded int64  `json:"amount_refunded"`
	Refunded       bool   `json:"refunded"`
	Refunds        struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	} `json:"refunds"`
}

// latestRefundID returns the first refund id in the list (Stripe orders
// newest first).
func (p *chargePayload) latestRefundID() string {
	if len(p.Refunds.Data) > 0 {
		return p.Refunds.Data[0].ID
	}
	return ""
}

func decodePayload(ev *stripe.Event, dst any) error {
	if err := json.Unmarshal(ev.Data.Raw, dst); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrMalformedEvent, ev.Type, err)
	}
	return nil
}
