package dispatcher

import (
	"context"
	"fmt"
	"time"

	"github.com/samber/lo"
	"github.com/stripe/stripe-go/v82"
	"go.uber.org/zap"

	"github.com/coursekit/billing/internal/app/service/notifier"
	"github.com/coursekit/billing/internal/app/service/planresolver"
	"github.com/coursekit/billing/internal/app/service/subscription"
	"github.com/coursekit/billing/internal/app/service/transactionledger"
	"github.com/coursekit/billing/pkg/config"
	"github.com/coursekit/billing/pkg/logctx"
	"github.com/coursekit/billing/pkg/types"
)

const (
	metadataUserID = "user_id"
	metadataPlan   = "plan"
)

// Handlers hold the per-event-type business logic. Every handler is
// written to be replay-safe: the ledgers it writes to deduplicate on their
// own keys, so running a handler twice converges on the same state.
type Handlers struct {
	cfg      *config.Config
	resolver *planresolver.Resolver
	subs     *subscription.Service
	txns     *transactionledger.Service
	notify   notifier.Notifier
	log      *zap.SugaredLogger
}

func NewHandlers(
	cfg *config.Config,
	resolver *planresolver.Resolver,
	subs *subscription.Service,
	txns *transactionledger.Service,
	notify notifier.Notifier,
	log *zap.SugaredLogger,
) *Handlers {
	return &Handlers{cfg: cfg, resolver: resolver, subs: subs, txns: txns, notify: notify, log: log}
}

// resolvePlan prefers the plan hint our checkout flow stamps into
// metadata; events originating outside our checkout fall back to the
// price-id mapping.
func (h *Handlers) resolvePlan(ctx context.Context, metadata map[string]string, priceID string) (types.PlanID, error) {
	if hint, ok := metadata[metadataPlan]; ok && hint != "" {
		if p := h.cfg.PlanByID(types.PlanID(hint)); p != nil {
			return p.ID, nil
		}
		logctx.FromCtx(ctx, h.log).Warnw("unknown plan hint in metadata, falling back to price mapping",
			"hint", hint)
	}
	return h.resolver.Resolve(ctx, priceID)
}

// HandleCheckoutCompleted activates access for a completed checkout. A
// payment-mode session is a fixed-duration pass; a subscription-mode
// session creates the renewable ledger entry (later invoices extend it).
func (h *Handlers) HandleCheckoutCompleted(ctx context.Context, ev *stripe.Event) error {
	var sess checkoutSessionPayload
	if err := decodePayload(ev, &sess); err != nil {
		return err
	}
	userID := sess.ClientReferenceID
	if userID == "" {
		userID = sess.Metadata[metadataUserID]
	}
	if userID == "" {
		return fmt.Errorf("%w: checkout session %s has no user reference", ErrMalformedEvent, sess.ID)
	}

	planHint, ok := sess.Metadata[metadataPlan]
	if !ok || planHint == "" {
		return fmt.Errorf("%w: checkout session %s has no plan metadata", ErrMalformedEvent, sess.ID)
	}
	plan := h.cfg.PlanByID(types.PlanID(planHint))
	if plan == nil {
		return fmt.Errorf("%w: checkout session %s references unknown plan %q", ErrMalformedEvent, sess.ID, planHint)
	}

	now := time.Now().UTC()
	expiresAt := now.Add(plan.Duration())

	var activated bool
	if sess.Mode == "payment" || sess.Subscription == "" {
		outcome, err := h.subs.InsertPassEntry(ctx, userID, plan.ID, expiresAt)
		if err != nil {
			return err
		}
		activated = outcome == subscription.OutcomeInserted
	} else {
		outcome, err := h.subs.UpsertByExternalID(ctx, userID, sess.Subscription, subscription.Patch{
			Plan:      lo.ToPtr(plan.ID),
			Status:    lo.ToPtr(types.SubscriptionStatusActive),
			ExpiresAt: &expiresAt,
		})
		if err != nil {
			return err
		}
		activated = outcome == subscription.OutcomeInserted
	}

	// One transaction per session, keyed by the payment reference. The
	// session id stands in when the payment intent is absent
	// (subscription-mode sessions: the invoice carries the payment).
	paymentKey := sess.PaymentIntent
	if paymentKey == "" {
		paymentKey = sess.ID
	}
	_, err := h.txns.Record(ctx, paymentKey, transactionledger.RecordFields{
		UserID:       &userID,
		Plan:         plan.ID,
		Type:         types.TransactionTypePurchase,
		BillingCycle: plan.BillingCycle,
		Status:       types.TransactionStatusSucceeded,
		Amount:       sess.AmountTotal,
		Currency:     sess.Currency,
		Metadata: map[string]any{
			"checkout_session_id": sess.ID,
			"mode":                sess.Mode,
		},
	})
	if err != nil {
		return err
	}

	if activated {
		if err := h.subs.AppendHistory(ctx, &subscription.HistoryEntry{
			UserID:         userID,
			Plan:           plan.ID,
			Action:         types.HistoryActionCreated,
			Price:          sess.AmountTotal,
			EffectiveDate:  now,
			ExpirationDate: &expiresAt,
		}); err != nil {
			return err
		}
		h.notify.Notify(ctx, &notifier.Event{
			UserID: userID,
			Plan:   plan.ID,
			Kind:   notifier.KindActivated,
		})
	}
	return nil
}

// HandleInvoicePaymentSucceeded extends the subscription period for a paid
// invoice. The renewal history row is written only when the transaction
// insert won, so a replayed invoice never duplicates it.
func (h *Handlers) HandleInvoicePaymentSucceeded(ctx context.Context, ev *stripe.Event) error {
	var inv invoicePayload
	if err := decodePayload(ev, &inv); err != nil {
		return err
	}
	if inv.Subscription == "" {
		logctx.FromCtx(ctx, h.log).Infow("invoice without subscription, nothing to extend",
			"invoice_id", inv.ID)
		return nil
	}

	planID, err := h.resolvePlan(ctx, map[string]string{metadataPlan: inv.metadataValue(metadataPlan)}, inv.priceID())
	if err != nil {
		return err
	}

	userID := inv.metadataValue(metadataUserID)
	if userID == "" {
		entry, err := h.subs.EntryByExternalID(ctx, inv.Subscription)
		if err != nil {
			return err
		}
		if entry == nil {
			return fmt.Errorf("invoice %s for unknown subscription %s and no user metadata", inv.ID, inv.Subscription)
		}
		userID = entry.UserID
	}

	periodEnd := inv.periodEnd()
	patch := subscription.Patch{
		Plan:   lo.ToPtr(planID),
		Status: lo.ToPtr(types.SubscriptionStatusActive),
	}
	if !periodEnd.IsZero() {
		patch.CurrentPeriodEnd = &periodEnd
		patch.ExpiresAt = &periodEnd
	} else {
		fallback := time.Now().UTC().Add(30 * 24 * time.Hour)
		if plan := h.cfg.PlanByID(planID); plan != nil {
			fallback = time.Now().UTC().Add(plan.Duration())
		}
		patch.ExpiresAt = &fallback
	}
	if _, err := h.subs.UpsertByExternalID(ctx, userID, inv.Subscription, patch); err != nil {
		return err
	}

	txnType := types.TransactionTypePurchase
	action := types.HistoryActionCreated
	if inv.BillingReason == "subscription_cycle" {
		txnType = types.TransactionTypeRenewal
		action = types.HistoryActionRenewed
	}
	outcome, err := h.txns.Record(ctx, inv.ID, transactionledger.RecordFields{
		UserID:       &userID,
		Plan:         planID,
		Type:         txnType,
		BillingCycle: h.billingCycleOf(planID),
		Status:       types.TransactionStatusSucceeded,
		Amount:       inv.AmountPaid,
		Currency:     inv.Currency,
		Metadata: map[string]any{
			"billing_reason":           inv.BillingReason,
			"external_subscription_id": inv.Subscription,
		},
	})
	if err != nil {
		return err
	}
	if outcome == transactionledger.OutcomeCreated {
		if err := h.subs.AppendHistory(ctx, &subscription.HistoryEntry{
			UserID:         userID,
			Plan:           planID,
			Action:         action,
			Price:          inv.AmountPaid,
			EffectiveDate:  time.Now().UTC(),
			ExpirationDate: patch.ExpiresAt,
		}); err != nil {
			return err
		}
		kind := notifier.KindActivated
		if action == types.HistoryActionRenewed {
			kind = notifier.KindRenewed
		}
		h.notify.Notify(ctx, &notifier.Event{UserID: userID, Plan: planID, Kind: kind})
	}
	return nil
}

// HandleSubscriptionUpdated applies plan changes and period moves pushed
// by the processor. Rank ordering classifies the change as an upgrade or
// downgrade for the audit trail.
func (h *Handlers) HandleSubscriptionUpdated(ctx context.Context, ev *stripe.Event) error {
	var sub subscriptionPayload
	if err := decodePayload(ev, &sub); err != nil {
		return err
	}

	existing, err := h.subs.EntryByExternalID(ctx, sub.ID)
	if err != nil {
		return err
	}
	userID := sub.Metadata[metadataUserID]
	if userID == "" && existing != nil {
		userID = existing.UserID
	}
	if userID == "" {
		return fmt.Errorf("subscription %s update with no ledger entry and no user metadata", sub.ID)
	}

	planID, err := h.resolvePlan(ctx, sub.Metadata, sub.priceID())
	if err != nil {
		return err
	}
	periodEnd := sub.periodEnd()

	if sub.CancelAtPeriodEnd || sub.Status == "canceled" {
		return h.cancel(ctx, userID, sub.ID, planID, periodEnd)
	}

	patch := subscription.Patch{
		Plan:   lo.ToPtr(planID),
		Status: lo.ToPtr(subscriptionStatusFrom(sub.Status)),
	}
	if !periodEnd.IsZero() {
		patch.CurrentPeriodEnd = &periodEnd
		patch.ExpiresAt = &periodEnd
	}
	if _, err := h.subs.UpsertByExternalID(ctx, userID, sub.ID, patch); err != nil {
		return err
	}

	if existing != nil && existing.Plan != planID {
		oldPlan, newPlan := h.cfg.PlanByID(existing.Plan), h.cfg.PlanByID(planID)
		action := types.HistoryActionUpgraded
		if oldPlan != nil && newPlan != nil && newPlan.Rank < oldPlan.Rank {
			action = types.HistoryActionDowngraded
		}
		price := int64(0)
		if newPlan != nil {
			price = newPlan.BasePrice
		}
		if err := h.subs.AppendHistory(ctx, &subscription.HistoryEntry{
			UserID:        userID,
			Plan:          planID,
			PreviousPlan:  lo.ToPtr(existing.Plan),
			Action:        action,
			Price:         price,
			EffectiveDate: time.Now().UTC(),
		}); err != nil {
			return err
		}
		h.notify.Notify(ctx, &notifier.Event{
			UserID: userID,
			Plan:   planID,
			Kind:   notifier.KindPlanChanged,
			Detail: map[string]any{"previous_plan": existing.Plan},
		})
	}
	return nil
}

// HandleSubscriptionDeleted cancels the entry while keeping access until
// the end of the already-paid period.
func (h *Handlers) HandleSubscriptionDeleted(ctx context.Context, ev *stripe.Event) error {
	var sub subscriptionPayload
	if err := decodePayload(ev, &sub); err != nil {
		return err
	}
	existing, err := h.subs.EntryByExternalID(ctx, sub.ID)
	if err != nil {
		return err
	}
	if existing == nil {
		logctx.FromCtx(ctx, h.log).Warnw("deletion for unknown subscription",
			"external_subscription_id", sub.ID)
		return nil
	}
	return h.cancel(ctx, existing.UserID, sub.ID, existing.Plan, sub.periodEnd())
}

func (h *Handlers) cancel(ctx context.Context, userID, externalSubscriptionID string, plan types.PlanID, periodEnd time.Time) error {
	var pe *time.Time
	if !periodEnd.IsZero() {
		pe = &periodEnd
	}
	if err := h.subs.CancelAtPeriodEnd(ctx, externalSubscriptionID, pe); err != nil {
		return err
	}
	if err := h.subs.AppendHistory(ctx, &subscription.HistoryEntry{
		UserID:         userID,
		Plan:           plan,
		Action:         types.HistoryActionCancelled,
		EffectiveDate:  time.Now().UTC(),
		ExpirationDate: pe,
	}); err != nil {
		return err
	}
	h.notify.Notify(ctx, &notifier.Event{
		UserID: userID,
		Plan:   plan,
		Kind:   notifier.KindCancelled,
	})
	return nil
}

// HandleInvoicePaymentFailed flags the entry past_due and records the
// failed charge. Access is not revoked here; the processor keeps retrying
// and a later success or deletion event settles the outcome.
func (h *Handlers) HandleInvoicePaymentFailed(ctx context.Context, ev *stripe.Event) error {
	var inv invoicePayload
	if err := decodePayload(ev, &inv); err != nil {
		return err
	}
	if inv.Subscription == "" {
		return nil
	}
	entry, err := h.subs.EntryByExternalID(ctx, inv.Subscription)
	if err != nil {
		return err
	}
	if entry == nil {
		logctx.FromCtx(ctx, h.log).Warnw("payment failure for unknown subscription",
			"external_subscription_id", inv.Subscription, "invoice_id", inv.ID)
		return nil
	}

	if _, err := h.subs.UpsertByExternalID(ctx, entry.UserID, inv.Subscription, subscription.Patch{
		Status: lo.ToPtr(types.SubscriptionStatusPastDue),
	}); err != nil {
		return err
	}

	outcome, err := h.txns.Record(ctx, inv.ID, transactionledger.RecordFields{
		UserID:       &entry.UserID,
		Plan:         entry.Plan,
		Type:         types.TransactionTypeRenewal,
		BillingCycle: h.billingCycleOf(entry.Plan),
		Status:       types.TransactionStatusFailed,
		Amount:       inv.AmountDue,
		Currency:     inv.Currency,
		Metadata: map[string]any{
			"billing_reason":           inv.BillingReason,
			"external_subscription_id": inv.Subscription,
		},
	})
	if err != nil {
		return err
	}
	if outcome == transactionledger.OutcomeCreated {
		if err := h.subs.AppendHistory(ctx, &subscription.HistoryEntry{
			UserID:        entry.UserID,
			Plan:          entry.Plan,
			Action:        types.HistoryActionPaymentFailed,
			Price:         inv.AmountDue,
			EffectiveDate: time.Now().UTC(),
		}); err != nil {
			return err
		}
		h.notify.Notify(ctx, &notifier.Event{
			UserID: entry.UserID,
			Plan:   entry.Plan,
			Kind:   notifier.KindPaymentFailed,
		})
	}
	return nil
}

// HandlePaymentIntentFailed records a failed one-off charge. Without
// metadata there is nothing to attribute the failure to, so it is logged
// and dropped.
func (h *Handlers) HandlePaymentIntentFailed(ctx context.Context, ev *stripe.Event) error {
	var pi paymentIntentPayload
	if err := decodePayload(ev, &pi); err != nil {
		return err
	}
	userID := pi.Metadata[metadataUserID]
	planHint := pi.Metadata[metadataPlan]
	if userID == "" || planHint == "" {
		logctx.FromCtx(ctx, h.log).Infow("payment failure without attribution metadata",
			"payment_intent_id", pi.ID)
		return nil
	}
	plan := h.cfg.PlanByID(types.PlanID(planHint))
	if plan == nil {
		return fmt.Errorf("%w: payment intent %s references unknown plan %q", ErrMalformedEvent, pi.ID, planHint)
	}

	meta := map[string]any{}
	if pi.LastPaymentError != nil {
		meta["failure_message"] = pi.LastPaymentError.Message
	}
	outcome, err := h.txns.Record(ctx, pi.ID, transactionledger.RecordFields{
		UserID:       &userID,
		Plan:         plan.ID,
		Type:         types.TransactionTypePurchase,
		BillingCycle: plan.BillingCycle,
		Status:       types.TransactionStatusFailed,
		Amount:       pi.Amount,
		Currency:     pi.Currency,
		Metadata:     meta,
	})
	if err != nil {
		return err
	}
	if outcome == transactionledger.OutcomeCreated {
		h.notify.Notify(ctx, &notifier.Event{
			UserID: userID,
			Plan:   plan.ID,
			Kind:   notifier.KindPaymentFailed,
		})
	}
	return nil
}

// HandleChargeRefunded marks the transaction refunded. Deduplication is
// by refund id inside the ledger; replays are no-ops.
func (h *Handlers) HandleChargeRefunded(ctx context.Context, ev *stripe.Event) error {
	var ch chargePayload
	if err := decodePayload(ev, &ch); err != nil {
		return err
	}
	refundID := ch.latestRefundID()
	if refundID == "" {
		return fmt.Errorf("%w: refunded charge %s carries no refund", ErrMalformedEvent, ch.ID)
	}
	paymentKey := ch.PaymentIntent
	if paymentKey == "" {
		paymentKey = ch.ID
	}
	if err := h.txns.ApplyRefund(ctx, paymentKey, refundID, ch.AmountRefunded, ch.Refunded); err != nil {
		return err
	}
	txn, err := h.txns.ByExternalPaymentKey(ctx, paymentKey)
	if err != nil {
		return err
	}
	if txn != nil && txn.UserID != nil {
		h.notify.Notify(ctx, &notifier.Event{
			UserID: *txn.UserID,
			Plan:   txn.Plan,
			Kind:   notifier.KindRefunded,
			Detail: map[string]any{"amount_refunded": ch.AmountRefunded},
		})
	}
	return nil
}

func (h *Handlers) billingCycleOf(planID types.PlanID) types.BillingCycle {
	if p := h.cfg.PlanByID(planID); p != nil {
		return p.BillingCycle
	}
	return ""
}

func subscriptionStatusFrom(s string) types.SubscriptionStatus {
	switch s {
	case "past_due", "unpaid":
		return types.SubscriptionStatusPastDue
	case "canceled":
		return types.SubscriptionStatusCancelled
	default:
		return types.SubscriptionStatusActive
	}
}
