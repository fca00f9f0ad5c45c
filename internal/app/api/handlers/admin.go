package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/coursekit/billing/internal/app/service/planresolver"
	"github.com/coursekit/billing/internal/app/service/subscription"
	"github.com/coursekit/billing/internal/app/service/transactionledger"
	"github.com/coursekit/billing/internal/app/service/webhookevent"
	"github.com/coursekit/billing/internal/models"
	"github.com/coursekit/billing/internal/platform/processor"
	"github.com/coursekit/billing/pkg/logctx"
	"github.com/coursekit/billing/pkg/response"
	"github.com/coursekit/billing/pkg/types"
)

// AdminHandler is the operator surface: ledgers are read-only here except
// for refunds and plan-mapping inserts.
type AdminHandler struct {
	txns      *transactionledger.Service
	events    *webhookevent.Service
	subs      *subscription.Service
	resolver  *planresolver.Resolver
	processor processor.Client
	log       *zap.SugaredLogger
}

func NewAdminHandler(
	txns *transactionledger.Service,
	events *webhookevent.Service,
	subs *subscription.Service,
	resolver *planresolver.Resolver,
	proc processor.Client,
	log *zap.SugaredLogger,
) *AdminHandler {
	return &AdminHandler{txns: txns, events: events, subs: subs, resolver: resolver, processor: proc, log: log}
}

// @Summary      Scan transactions
// @Description  Paginated, filtered transaction listing
// @Tags         Admin
// @Accept       json
// @Produce      json
// @Param        request  body  transactionledger.ScanRequest  true  "scan request"
// @Success      200  {object}  response.APIResponse[transactionledger.ScanResponse]
// @Router       /api/v1/admin/transactions/scan [post]
func (h *AdminHandler) ScanTransactions(c *gin.Context) {
	var req transactionledger.ScanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, response.ErrorT[any](response.APIResponseCodeBadRequest, nil))
		return
	}
	res, err := h.txns.Scan(c.Request.Context(), &req)
	if err != nil {
		logctx.FromGin(c, h.log).Errorw("transaction scan failed", "error", err)
		c.JSON(http.StatusInternalServerError, response.ErrorT[any](response.APIResponseCodeError, nil))
		return
	}
	c.JSON(http.StatusOK, response.OKT(res))
}

// @Summary      List webhook events by status
// @Tags         Admin
// @Produce      json
// @Param        status  query  string  true  "event status"
// @Success      200  {object}  response.APIResponse[[]models.WebhookEvent]
// @Router       /api/v1/admin/webhook-events [get]
func (h *AdminHandler) ListWebhookEvents(c *gin.Context) {
	status := models.WebhookEventStatus(c.Query("status"))
	if status == "" {
		status = models.WebhookEventStatusFailed
	}
	recs, err := h.events.ListByStatus(c.Request.Context(), status, 200)
	if err != nil {
		logctx.FromGin(c, h.log).Errorw("webhook event listing failed", "error", err)
		c.JSON(http.StatusInternalServerError, response.ErrorT[any](response.APIResponseCodeError, nil))
		return
	}
	c.JSON(http.StatusOK, response.OKT(recs))
}

// @Summary      List a user's subscription entries
// @Tags         Admin
// @Produce      json
// @Param        user_id  path  string  true  "user id"
// @Success      200  {object}  response.APIResponse[[]models.SubscriptionEntry]
// @Router       /api/v1/admin/users/{user_id}/subscriptions [get]
func (h *AdminHandler) UserSubscriptions(c *gin.Context) {
	entries, err := h.subs.EntriesForUser(c.Request.Context(), c.Param("user_id"))
	if err != nil {
		logctx.FromGin(c, h.log).Errorw("subscription listing failed", "error", err)
		c.JSON(http.StatusInternalServerError, response.ErrorT[any](response.APIResponseCodeError, nil))
		return
	}
	c.JSON(http.StatusOK, response.OKT(entries))
}

// @Summary      List a user's subscription history
// @Tags         Admin
// @Produce      json
// @Param        user_id  path  string  true  "user id"
// @Success      200  {object}  response.APIResponse[[]models.SubscriptionHistory]
// @Router       /api/v1/admin/users/{user_id}/history [get]
func (h *AdminHandler) UserHistory(c *gin.Context) {
	recs, err := h.subs.HistoryForUser(c.Request.Context(), c.Param("user_id"), 200)
	if err != nil {
		logctx.FromGin(c, h.log).Errorw("history listing failed", "error", err)
		c.JSON(http.StatusInternalServerError, response.ErrorT[any](response.APIResponseCodeError, nil))
		return
	}
	c.JSON(http.StatusOK, response.OKT(recs))
}

// @Summary      Revoke a user's plan
// @Description  Removes all of a user's ledger entries for a plan. Support
// @Description  escalation tool; normal expiry never needs this.
// @Tags         Admin
// @Produce      json
// @Param        user_id  path  string  true  "user id"
// @Param        plan     path  string  true  "plan id"
// @Success      200  {object}  response.APIResponse[any]
// @Router       /api/v1/admin/users/{user_id}/subscriptions/{plan} [delete]
func (h *AdminHandler) RevokePlan(c *gin.Context) {
	userID := c.Param("user_id")
	plan := types.PlanID(c.Param("plan"))
	if err := h.subs.RemoveByPlan(c.Request.Context(), userID, plan); err != nil {
		logctx.FromGin(c, h.log).Errorw("plan revoke failed",
			"user_id", userID, "plan", plan, "error", err)
		c.JSON(http.StatusInternalServerError, response.ErrorT[any](response.APIResponseCodeError, nil))
		return
	}
	logctx.FromGin(c, h.log).Infow("plan revoked", "user_id", userID, "plan", plan)
	c.JSON(http.StatusOK, response.OKT[any](nil))
}

type CreateRefundRequest struct {
	ExternalPaymentKey string `json:"external_payment_key" binding:"required"`
	// Amount in minor units; zero refunds the full charge.
	Amount int64 `json:"amount"`
}

// @Summary      Create a refund
// @Description  Issues a refund at the processor; the ledger updates when
// @Description  the refund event comes back through the webhook.
// @Tags         Admin
// @Accept       json
// @Produce      json
// @Param        request  body  CreateRefundRequest  true  "refund request"
// @Success      200  {object}  response.APIResponse[map[string]string]
// @Router       /api/v1/admin/refunds [post]
func (h *AdminHandler) CreateRefund(c *gin.Context) {
	var req CreateRefundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, response.ErrorT[any](response.APIResponseCodeBadRequest, nil))
		return
	}
	refundID, err := h.processor.CreateRefund(c.Request.Context(), req.ExternalPaymentKey, req.Amount)
	if err != nil {
		logctx.FromGin(c, h.log).Errorw("refund creation failed",
			"external_payment_key", req.ExternalPaymentKey, "error", err)
		c.JSON(http.StatusInternalServerError, response.ErrorT[any](response.APIResponseCodeError, nil))
		return
	}
	c.JSON(http.StatusOK, response.OKT(map[string]string{"refund_id": refundID}))
}

type AddPlanMappingRequest struct {
	ExternalPriceID string `json:"external_price_id" binding:"required"`
	Plan            string `json:"plan" binding:"required"`
}

// @Summary      Add a plan mapping
// @Description  Registers a new external price to plan mapping version
// @Tags         Admin
// @Accept       json
// @Produce      json
// @Param        request  body  AddPlanMappingRequest  true  "mapping request"
// @Success      200  {object}  response.APIResponse[any]
// @Router       /api/v1/admin/plan-mappings [post]
func (h *AdminHandler) AddPlanMapping(c *gin.Context) {
	var req AddPlanMappingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, response.ErrorT[any](response.APIResponseCodeBadRequest, nil))
		return
	}
	if err := h.resolver.AddMapping(c.Request.Context(), req.ExternalPriceID, types.PlanID(req.Plan)); err != nil {
		logctx.FromGin(c, h.log).Errorw("plan mapping insert failed", "error", err)
		c.JSON(http.StatusInternalServerError, response.ErrorT[any](response.APIResponseCodeError, nil))
		return
	}
	c.JSON(http.StatusOK, response.OKT[any](nil))
}

func RegisterAdminRoutes(r gin.IRouter, h *AdminHandler) {
	r.POST("/transactions/scan", h.ScanTransactions)
	r.GET("/webhook-events", h.ListWebhookEvents)
	r.GET("/users/:user_id/subscriptions", h.UserSubscriptions)
	r.DELETE("/users/:user_id/subscriptions/:plan", h.RevokePlan)
	r.GET("/users/:user_id/history", h.UserHistory)
	r.POST("/refunds", h.CreateRefund)
	r.POST("/plan-mappings", h.AddPlanMapping)
}
