package checkout

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v82"

	"github.com/coursekit/billing/internal/models"
	"github.com/coursekit/billing/internal/platform/processor"
	"github.com/coursekit/billing/pkg/logctx"
	"github.com/coursekit/billing/pkg/metrics"
	"github.com/coursekit/billing/pkg/types"
)

// ErrAlreadyActive means the user already holds a valid, non-cancelled
// entry for the plan; the purchase must not proceed.
var ErrAlreadyActive = errors.New("plan is already active for this user")

// cancelTimeout bounds the outbound cancellation of a stale upstream
// subscription so a slow processor cannot hang checkout.
const cancelTimeout = 10 * time.Second

// guard enforces the no-double-activation rule before any money moves.
// Along the way it cleans up entries that are past their expiry: they are
// marked expired locally and, when they reference an upstream
// subscription, cancelled there too so the processor stops billing.
func (s *Service) guard(ctx context.Context, userID string, plan types.PlanID) error {
	entries, err := s.subs.EntriesForPlan(ctx, userID, plan)
	if err != nil {
		return err
	}

	now := time.Now()
	var stale []*models.SubscriptionEntry
	for _, e := range entries {
		if e.Blocking(now) {
			metrics.GuardBlockedTotal.Inc()
			logctx.FromCtx(ctx, s.log).Infow("checkout blocked by active entry",
				"user_id", userID, "plan", plan, "entry_id", e.ID)
			return fmt.Errorf("%w: %s", ErrAlreadyActive, plan)
		}
		if !e.Valid(now) {
			stale = append(stale, e)
		}
	}

	for _, e := range stale {
		s.retireStaleEntry(ctx, e)
	}
	return nil
}

// retireStaleEntry cleans up a lapsed entry. Entries backed by an
// upstream subscription are best-effort cancelled there and removed from
// the ledger; plain access passes are just marked expired. Upstream
// failures are logged, not fatal: the entry no longer blocks checkout
// either way, and the processor's own dunning will surface a
// subscription we failed to cancel.
func (s *Service) retireStaleEntry(ctx context.Context, e *models.SubscriptionEntry) {
	log := logctx.FromCtx(ctx, s.log)
	if e.ExternalSubscriptionID != nil && *e.ExternalSubscriptionID != "" {
		s.cancelUpstream(ctx, *e.ExternalSubscriptionID)
		if err := s.subs.RemoveByExternalID(ctx, *e.ExternalSubscriptionID); err != nil {
			log.Errorw("failed to remove stale entry",
				"external_subscription_id", *e.ExternalSubscriptionID, "error", err)
		}
		return
	}
	if err := s.subs.MarkExpired(ctx, e.ID); err != nil {
		log.Errorw("failed to expire stale entry", "entry_id", e.ID, "error", err)
	}
}

// cancelUpstream stops billing for a subscription the ledger no longer
// honors. The upstream copy is retrieved first: one already cancelled (or
// gone) needs no cancel call, and the distinction matters for audit logs.
// When the retrieve itself fails the cancel is attempted anyway.
func (s *Service) cancelUpstream(ctx context.Context, externalSubscriptionID string) {
	log := logctx.FromCtx(ctx, s.log)
	opCtx, cancel := context.WithTimeout(ctx, cancelTimeout)
	defer cancel()

	sub, err := s.processor.RetrieveSubscription(opCtx, externalSubscriptionID)
	if processor.IsNotFound(err) {
		return
	}
	if err == nil && sub != nil && sub.Status == stripe.SubscriptionStatusCanceled {
		log.Infow("stale upstream subscription already cancelled",
			"external_subscription_id", externalSubscriptionID)
		return
	}
	if err != nil {
		log.Warnw("failed to confirm upstream subscription state, cancelling anyway",
			"external_subscription_id", externalSubscriptionID, "error", err)
	}
	if err := s.processor.CancelSubscription(opCtx, externalSubscriptionID); err != nil && !processor.IsNotFound(err) {
		log.Errorw("failed to cancel stale upstream subscription",
			"external_subscription_id", externalSubscriptionID, "error", err)
	}
}
