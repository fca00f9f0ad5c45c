package checkout

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/coursekit/billing/internal/app/service/pricing"
	"github.com/coursekit/billing/internal/app/service/subscription"
	"github.com/coursekit/billing/internal/platform/processor"
	"github.com/coursekit/billing/pkg/config"
	"github.com/coursekit/billing/pkg/types"
)

// Request is one checkout attempt.
type Request struct {
	UserID        string
	Plan          types.PlanID
	PaymentMethod types.PaymentMethod
}

// Result carries the processor session the client is redirected to,
// alongside the quote it was priced with.
type Result struct {
	SessionID  string         `json:"session_id"`
	SessionURL string         `json:"session_url"`
	Quote      *pricing.Quote `json:"quote"`
}

// Service runs the purchase entry point: guard, eligibility, pricing,
// then a processor checkout session. Activation happens later, when the
// processor's completion event lands.
type Service struct {
	cfg       *config.Config
	subs      *subscription.Service
	engine    *pricing.Engine
	processor processor.Client
	log       *zap.SugaredLogger
}

func NewService(
	cfg *config.Config,
	subs *subscription.Service,
	engine *pricing.Engine,
	proc processor.Client,
	log *zap.SugaredLogger,
) *Service {
	return &Service{cfg: cfg, subs: subs, engine: engine, processor: proc, log: log}
}

// CreateCheckout validates the attempt and opens a processor session.
// Returns ErrAlreadyActive or pricing.ErrNotEligible for client errors.
func (s *Service) CreateCheckout(ctx context.Context, req *Request) (*Result, error) {
	if req.UserID == "" {
		return nil, fmt.Errorf("empty user id")
	}
	plan := s.cfg.PlanByID(req.Plan)
	if plan == nil {
		return nil, fmt.Errorf("unknown plan %q", req.Plan)
	}
	method := req.PaymentMethod
	if method == "" {
		method = types.PaymentMethodCard
	}

	if err := s.guard(ctx, req.UserID, plan.ID); err != nil {
		return nil, err
	}
	if err := s.engine.ValidateEligibility(ctx, req.UserID, plan.ID); err != nil {
		return nil, err
	}
	quote, err := s.engine.Price(ctx, req.UserID, plan.ID, method)
	if err != nil {
		return nil, err
	}

	sess, err := s.processor.CreateCheckoutSession(ctx, &processor.CheckoutSessionSpec{
		UserID:        req.UserID,
		Plan:          plan.ID,
		PriceID:       plan.ExternalPriceID,
		Renewable:     plan.Renewable,
		PaymentMethod: method,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create checkout session: %w", err)
	}
	return &Result{SessionID: sess.ID, SessionURL: sess.URL, Quote: quote}, nil
}

// Quote prices a plan for a user without opening a session.
func (s *Service) Quote(ctx context.Context, userID string, plan types.PlanID, method types.PaymentMethod) (*pricing.Quote, error) {
	if method == "" {
		method = types.PaymentMethodCard
	}
	if err := s.engine.ValidateEligibility(ctx, userID, plan); err != nil {
		return nil, err
	}
	return s.engine.Price(ctx, userID, plan, method)
}
