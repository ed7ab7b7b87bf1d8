package router

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"julianmorley.ca/con-plar/storefront/pkg/apperr"
	"julianmorley.ca/con-plar/storefront/pkg/checkout"
	"julianmorley.ca/con-plar/storefront/pkg/global"
	"julianmorley.ca/con-plar/storefront/pkg/money"
)

// Stripe caps event payloads well below this
const maxWebhookBytes = 1 << 20

func (h *Handler) CreatePaymentIntent(c *gin.Context) {
	var req checkout.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		h.failBinding(c, err)
		return
	}
	req.IdempotencyKey = c.GetHeader("Idempotency-Key")

	intent, err := h.Checkout.CreateIntent(c.Request.Context(), currentCustomer(c), req)
	if err != nil {
		h.fail(c, err)
		return
	}

	c.JSON(http.StatusOK, global.SuccessResponse(gin.H{
		"client_secret":     intent.ClientSecret,
		"payment_intent_id": intent.PaymentIntentID,
		"amount":            intent.Amount,
		"currency":          intent.Currency,
		"coupon_code":       intent.CouponCode,
		"subtotal":          money.Float(intent.Totals.Subtotal),
		"shipping":          money.Float(intent.Totals.Shipping),
		"discount":          money.Float(intent.Totals.Discount),
		"total":             money.Float(intent.Totals.Total),
	}))
}

// PaymentWebhook hands the unparsed body to settlement. Any non-2xx reply
// makes the processor redeliver later.
func (h *Handler) PaymentWebhook(c *gin.Context) {
	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBytes))
	if err != nil {
		h.fail(c, apperr.ErrValidation.WithDetails("could not read webhook body"))
		return
	}

	if _, err := h.Settlement.HandleWebhook(c.Request.Context(), payload, c.GetHeader("Stripe-Signature")); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"received": true})
}

// SimulatePaymentSuccess stands in for the card form and Stripe's webhook
// when running against the mock processor.
func (h *Handler) SimulatePaymentSuccess(c *gin.Context) {
	payload, sig, err := h.Mock.SucceedIntent(c.Param("intentId"))
	if err != nil {
		h.fail(c, apperr.ErrValidation.WithDetails(err.Error()))
		return
	}

	res, err := h.Settlement.HandleWebhook(c.Request.Context(), payload, sig)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, global.SuccessResponse(gin.H{
		"state":             res.State,
		"order_id":          res.OrderID.Hex(),
		"payment_intent_id": res.PaymentIntentID,
	}))
}
