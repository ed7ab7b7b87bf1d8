package router

import (
	"context"
	"log/slog"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/fx"

	"julianmorley.ca/con-plar/storefront/pkg/cart"
	"julianmorley.ca/con-plar/storefront/pkg/catalog"
	"julianmorley.ca/con-plar/storefront/pkg/checkout"
	"julianmorley.ca/con-plar/storefront/pkg/coupon"
	"julianmorley.ca/con-plar/storefront/pkg/global"
	"julianmorley.ca/con-plar/storefront/pkg/identity"
	"julianmorley.ca/con-plar/storefront/pkg/logging"
	"julianmorley.ca/con-plar/storefront/pkg/metrics"
	"julianmorley.ca/con-plar/storefront/pkg/orders"
	"julianmorley.ca/con-plar/storefront/pkg/payment"
	"julianmorley.ca/con-plar/storefront/pkg/repository"
	"julianmorley.ca/con-plar/storefront/pkg/settlement"
)

// Pinger reports whether the primary store is reachable
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps is everything the HTTP layer calls into
type Deps struct {
	fx.In

	Config     *global.Config
	Logger     *slog.Logger
	Metrics    *metrics.Metrics
	Verifier   *identity.Verifier
	Customers  repository.CustomerRepository
	Catalog    *catalog.Service
	Cart       *cart.Service
	Coupons    *coupon.Service
	Checkout   *checkout.Service
	Settlement *settlement.Reconciler
	Orders     *orders.Service
	Health     Pinger

	// Mock is set only when PAYMENT_PROVIDER=mock
	Mock *payment.MockProcessor `optional:"true"`
}

type Handler struct {
	Deps
}

// NewEngine builds the gin engine with middleware and every route registered
func NewEngine(deps Deps) (*gin.Engine, error) {
	switch {
	case deps.Config.IsProduction():
		gin.SetMode(gin.ReleaseMode)
	case deps.Config.Env == "test":
		gin.SetMode(gin.TestMode)
	default:
		gin.SetMode(gin.DebugMode)
	}
	if err := RegisterValidators(); err != nil {
		return nil, err
	}

	h := &Handler{Deps: deps}
	router := gin.New()
	router.Use(
		gin.CustomRecovery(h.recover),
		h.RequestIDMiddleware(),
		h.LoggerMiddleware(),
		h.MetricsMiddleware(),
		cors.New(cors.Config{
			AllowOrigins:     deps.Config.AllowedOrigins,
			AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE"},
			AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization", "X-Requested-With", "Idempotency-Key", logging.HeaderRequestID},
			ExposeHeaders:    []string{"Content-Length", "X-Total-Count", logging.HeaderRequestID},
			AllowCredentials: true,
			MaxAge:           12 * time.Hour,
		}),
	)

	h.InitializeRoutes(router)
	return router, nil
}

func (h *Handler) InitializeRoutes(router *gin.Engine) {
	router.GET("/metrics", gin.WrapH(h.Metrics.Handler()))

	api := router.Group("/api")
	{
		api.GET("/health", h.HealthCheck)

		// Stripe signs the raw body; nothing may parse it first
		api.POST("/payment/webhook", h.PaymentWebhook)

		products := api.Group("/products")
		{
			products.GET("", h.GetAllProducts)
			products.GET("/:id", h.GetProductByID)
		}

		user := api.Group("")
		user.Use(h.AuthMiddleware())
		{
			cart := user.Group("/cart")
			{
				cart.GET("", h.GetCart)
				cart.DELETE("", h.ClearCart)
				cart.POST("/items", h.AddToCart)
				cart.PUT("/items/:productId", h.UpdateCartItem)
				cart.DELETE("/items/:productId", h.RemoveFromCart)
			}

			user.POST("/coupons/validate", h.ValidateCoupon)
			user.POST("/payment/create-intent", h.CreatePaymentIntent)
			user.GET("/orders", h.GetMyOrders)
		}

		admin := api.Group("/admin")
		admin.Use(h.AuthMiddleware(), h.AdminMiddleware())
		{
			admin.POST("/products", h.CreateNewProducts)
			admin.PATCH("/products/:id/stock", h.AdjustProductStock)

			admin.GET("/orders", h.GetAllOrders)
			admin.PATCH("/orders/:id/status", h.UpdateOrderStatus)
			admin.GET("/settlement-failures", h.GetSettlementFailures)

			coupons := admin.Group("/coupons")
			{
				coupons.GET("", h.GetAllCoupons)
				coupons.POST("", h.CreateCoupon)
				coupons.PUT("/:id", h.UpdateCoupon)
				coupons.DELETE("/:id", h.DeleteCoupon)
			}
		}

		if h.Mock != nil && !h.Config.IsProduction() {
			api.POST("/dev/payments/:intentId/succeed", h.AuthMiddleware(), h.SimulatePaymentSuccess)
		}
	}
}
