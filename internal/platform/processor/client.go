package processor

import (
	"context"
	"errors"
	"net/http"

	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/client"
	"go.uber.org/fx"
	"go.uber.org/zap"

	cfgpkg "github.com/coursekit/billing/pkg/config"
	"github.com/coursekit/billing/pkg/types"
)

// CheckoutSessionSpec is what the checkout flow needs from a new session.
type CheckoutSessionSpec struct {
	UserID        string
	Plan          types.PlanID
	PriceID       string
	Renewable     bool
	PaymentMethod types.PaymentMethod
}

type CheckoutSession struct {
	ID  string
	URL string
}

// Client is the outbound payment-processor surface used by the core.
type Client interface {
	RetrieveSubscription(ctx context.Context, id string) (*stripe.Subscription, error)
	CancelSubscription(ctx context.Context, id string) error
	CreateCheckoutSession(ctx context.Context, spec *CheckoutSessionSpec) (*CheckoutSession, error)
	CreateRefund(ctx context.Context, paymentKey string, amount int64) (string, error)
}

type stripeClient struct {
	api *client.API
	cfg *cfgpkg.Config
	log *zap.SugaredLogger
}

func NewClient(cfg *cfgpkg.Config, log *zap.SugaredLogger) Client {
	api := &client.API{}
	api.Init(cfg.Stripe.SecretKey, nil)
	return &stripeClient{api: api, cfg: cfg, log: log}
}

func (c *stripeClient) RetrieveSubscription(ctx context.Context, id string) (*stripe.Subscription, error) {
	return c.api.Subscriptions.Get(id, &stripe.SubscriptionParams{
		Params: stripe.Params{Context: ctx},
	})
}

func (c *stripeClient) CancelSubscription(ctx context.Context, id string) error {
	_, err := c.api.Subscriptions.Cancel(id, &stripe.SubscriptionCancelParams{
		Params: stripe.Params{Context: ctx},
	})
	if IsNotFound(err) {
		// Gone upstream already; cancellation is idempotent.
		return nil
	}
	return err
}

func (c *stripeClient) CreateCheckoutSession(ctx context.Context, spec *CheckoutSessionSpec) (*CheckoutSession, error) {
	mode := stripe.CheckoutSessionModePayment
	if spec.Renewable {
		mode = stripe.CheckoutSessionModeSubscription
	}
	params := &stripe.CheckoutSessionParams{
		Params:            stripe.Params{Context: ctx},
		Mode:              stripe.String(string(mode)),
		ClientReferenceID: stripe.String(spec.UserID),
		SuccessURL:        stripe.String(c.cfg.Stripe.SuccessURL),
		CancelURL:         stripe.String(c.cfg.Stripe.CancelURL),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{Price: stripe.String(spec.PriceID), Quantity: stripe.Int64(1)},
		},
	}
	params.AddMetadata("user_id", spec.UserID)
	params.AddMetadata("plan", string(spec.Plan))

	sess, err := c.api.CheckoutSessions.New(params)
	if err != nil {
		return nil, err
	}
	return &CheckoutSession{ID: sess.ID, URL: sess.URL}, nil
}

func (c *stripeClient) CreateRefund(ctx context.Context, paymentKey string, amount int64) (string, error) {
	params := &stripe.RefundParams{
		Params:        stripe.Params{Context: ctx},
		PaymentIntent: stripe.String(paymentKey),
	}
	if amount > 0 {
		params.Amount = stripe.Int64(amount)
	}
	ref, err := c.api.Refunds.New(params)
	if err != nil {
		return "", err
	}
	return ref.ID, nil
}

// IsNotFound reports whether err is the processor's resource-missing error.
func IsNotFound(err error) bool {
	if err == nil {
		return false
	}
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		return stripeErr.HTTPStatusCode == http.StatusNotFound ||
			stripeErr.Code == stripe.ErrorCodeResourceMissing
	}
	return false
}

var Module = fx.Options(
	fx.Provide(NewClient),
)
