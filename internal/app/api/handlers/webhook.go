package handlers

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/coursekit/billing/internal/app/service/dispatcher"
	"github.com/coursekit/billing/internal/platform/processor"
	"github.com/coursekit/billing/pkg/config"
	"github.com/coursekit/billing/pkg/logctx"
	"github.com/coursekit/billing/pkg/response"
)

// WebhookHandler is the inbound event endpoint. Response codes steer the
// sender's retry behavior: 4xx means never redeliver (bad signature or
// oversized body), 5xx means redeliver later, 200 means settled.
type WebhookHandler struct {
	cfg        *config.Config
	dispatcher *dispatcher.Dispatcher
	log        *zap.SugaredLogger
}

func NewWebhookHandler(cfg *config.Config, d *dispatcher.Dispatcher, log *zap.SugaredLogger) *WebhookHandler {
	return &WebhookHandler{cfg: cfg, dispatcher: d, log: log}
}

// @Summary      Payment processor webhook
// @Description  Receives signed events from the payment processor
// @Tags         Webhook
// @Accept       json
// @Produce      json
// @Success      200  {object}  response.APIResponse[any]
// @Failure      400  {object}  response.APIResponse[any]
// @Router       /webhook/payment [post]
func (h *WebhookHandler) Handle(c *gin.Context) {
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, processor.MaxEventBodyBytes))
	if err != nil {
		c.JSON(http.StatusBadRequest, response.ErrorT[any](response.APIResponseCodeBadRequest, nil))
		return
	}

	ev, err := processor.VerifyEvent(body, c.GetHeader("Stripe-Signature"), h.cfg.Stripe.WebhookSecret)
	if err != nil {
		logctx.FromGin(c, h.log).Warnw("rejected unverified webhook", "error", err)
		c.JSON(http.StatusBadRequest, response.ErrorT[any](response.APIResponseCodeBadRequest, nil))
		return
	}

	if err := h.dispatcher.Dispatch(c.Request.Context(), ev, body); err != nil {
		// The event is recorded FAILED; a 5xx asks the sender to redeliver.
		c.JSON(http.StatusInternalServerError, response.ErrorT[any](response.APIResponseCodeError, nil))
		return
	}
	c.JSON(http.StatusOK, response.OKT[any](nil))
}

func RegisterWebhookRoutes(r gin.IRouter, h *WebhookHandler) {
	r.POST("/webhook/payment", h.Handle)
}
