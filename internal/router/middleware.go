package router

import (
	"log/slog"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"julianmorley.ca/con-plar/storefront/pkg/apperr"
	"julianmorley.ca/con-plar/storefront/pkg/identity"
	"julianmorley.ca/con-plar/storefront/pkg/logging"
	"julianmorley.ca/con-plar/storefront/pkg/models"
)

const (
	keyClaims   = "claims"
	keyCustomer = "customer"
)

// RequestIDMiddleware reuses the caller's X-Request-Id or generates one, and
// puts a request-scoped logger carrying it into the request context.
func (h *Handler) RequestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader(logging.HeaderRequestID)
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Header(logging.HeaderRequestID, requestID)

		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, h.Logger.With(slog.String("request_id", requestID)))
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

func (h *Handler) LoggerMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		level := slog.LevelInfo
		switch {
		case status >= 500:
			level = slog.LevelError
		case status >= 400:
			level = slog.LevelWarn
		}

		log := logging.FromContext(c.Request.Context(), h.Logger)
		log.LogAttrs(c.Request.Context(), level, "request",
			slog.String("method", c.Request.Method),
			slog.String("path", c.Request.URL.Path),
			slog.Int("status", status),
			slog.Duration("latency", time.Since(start)),
			slog.String("remote_ip", c.ClientIP()),
		)
	}
}

func (h *Handler) MetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		h.Metrics.ObserveHTTP(c.Request.Method, route, c.Writer.Status(), time.Since(start))
	}
}

// AuthMiddleware verifies the identity provider's bearer token and loads the
// matching customer record, creating it on first sight.
func (h *Handler) AuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
		if !ok || strings.TrimSpace(token) == "" {
			h.fail(c, apperr.ErrUnauthorized.WithDetails("bearer token required"))
			return
		}

		claims, err := h.Verifier.Verify(strings.TrimSpace(token))
		if err != nil {
			h.fail(c, apperr.ErrUnauthorized.Wrap(err))
			return
		}

		ctx := c.Request.Context()
		customer, err := h.Customers.UpsertCustomer(ctx, claims.Subject, claims.Email, claims.Name)
		if err != nil {
			h.fail(c, apperr.FromStore(err))
			return
		}

		log := logging.FromContext(ctx, h.Logger).With(slog.String("user_id", customer.ID.Hex()))
		c.Request = c.Request.WithContext(logging.WithLogger(ctx, log))
		c.Set(keyClaims, claims)
		c.Set(keyCustomer, customer)
		c.Next()
	}
}

// AdminMiddleware must run after AuthMiddleware
func (h *Handler) AdminMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !h.Verifier.IsAdmin(currentClaims(c)) {
			h.fail(c, apperr.ErrForbidden)
			return
		}
		c.Next()
	}
}

func currentCustomer(c *gin.Context) *models.Customer {
	customer, _ := c.MustGet(keyCustomer).(*models.Customer)
	return customer
}

func currentClaims(c *gin.Context) *identity.Claims {
	claims, _ := c.Get(keyClaims)
	out, _ := claims.(*identity.Claims)
	return out
}

func (h *Handler) recover(c *gin.Context, recovered any) {
	logging.FromContext(c.Request.Context(), h.Logger).Error("panic recovered", "panic", recovered, "path", c.Request.URL.Path)
	h.fail(c, apperr.ErrInternal)
}
