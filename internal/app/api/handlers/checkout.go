package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/coursekit/billing/internal/app/service/checkout"
	"github.com/coursekit/billing/internal/app/service/pricing"
	"github.com/coursekit/billing/pkg/logctx"
	"github.com/coursekit/billing/pkg/response"
	"github.com/coursekit/billing/pkg/types"
)

type CheckoutHandler struct {
	svc *checkout.Service
	log *zap.SugaredLogger
}

func NewCheckoutHandler(svc *checkout.Service, log *zap.SugaredLogger) *CheckoutHandler {
	return &CheckoutHandler{svc: svc, log: log}
}

type CreateCheckoutRequest struct {
	UserID        string `json:"user_id" binding:"required"`
	Plan          string `json:"plan" binding:"required"`
	PaymentMethod string `json:"payment_method"`
}

// @Summary      Create checkout session
// @Description  Validates the purchase and opens a payment session
// @Tags         Checkout
// @Accept       json
// @Produce      json
// @Param        request  body  CreateCheckoutRequest  true  "checkout request"
// @Success      200  {object}  response.APIResponse[checkout.Result]
// @Failure      400  {object}  response.APIResponse[any]
// @Router       /api/v1/checkout [post]
func (h *CheckoutHandler) Create(c *gin.Context) {
	var req CreateCheckoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, response.ErrorT[any](response.APIResponseCodeBadRequest, nil))
		return
	}

	res, err := h.svc.CreateCheckout(c.Request.Context(), &checkout.Request{
		UserID:        req.UserID,
		Plan:          types.PlanID(req.Plan),
		PaymentMethod: types.PaymentMethod(req.PaymentMethod),
	})
	if err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, response.OKT(res))
}

// @Summary      Quote a plan
// @Description  Prices a plan for a user without opening a session
// @Tags         Checkout
// @Produce      json
// @Param        user_id         query  string  true   "user id"
// @Param        plan            query  string  true   "plan id"
// @Param        payment_method  query  string  false  "payment method"
// @Success      200  {object}  response.APIResponse[pricing.Quote]
// @Failure      400  {object}  response.APIResponse[any]
// @Router       /api/v1/checkout/quote [get]
func (h *CheckoutHandler) Quote(c *gin.Context) {
	userID := c.Query("user_id")
	plan := c.Query("plan")
	if userID == "" || plan == "" {
		c.JSON(http.StatusBadRequest, response.ErrorT[any](response.APIResponseCodeBadRequest, nil))
		return
	}

	quote, err := h.svc.Quote(c.Request.Context(), userID, types.PlanID(plan), types.PaymentMethod(c.Query("payment_method")))
	if err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, response.OKT(quote))
}

func (h *CheckoutHandler) renderError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, checkout.ErrAlreadyActive):
		c.JSON(http.StatusConflict, response.ErrorT[any](response.APIResponseCodeAlreadyActive, nil))
	case errors.Is(err, pricing.ErrNotEligible):
		c.JSON(http.StatusUnprocessableEntity, response.ErrorT[any](response.APIResponseCodeNotEligible, nil))
	default:
		logctx.FromGin(c, h.log).Errorw("checkout failed", "error", err)
		c.JSON(http.StatusInternalServerError, response.ErrorT[any](response.APIResponseCodeError, nil))
	}
}

func RegisterCheckoutRoutes(r gin.IRouter, h *CheckoutHandler) {
	r.POST("/checkout", h.Create)
	r.GET("/checkout/quote", h.Quote)
}
