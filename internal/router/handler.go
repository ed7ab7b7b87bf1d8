package router

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.mongodb.org/mongo-driver/v2/bson"

	"julianmorley.ca/con-plar/storefront/pkg/apperr"
	"julianmorley.ca/con-plar/storefront/pkg/global"
	"julianmorley.ca/con-plar/storefront/pkg/logging"
	"julianmorley.ca/con-plar/storefront/pkg/models"
	"julianmorley.ca/con-plar/storefront/pkg/money"
	"julianmorley.ca/con-plar/storefront/pkg/repository"
)

func (h *Handler) HealthCheck(c *gin.Context) {
	if err := h.Health.Ping(c.Request.Context()); err != nil {
		logging.FromContext(c.Request.Context(), h.Logger).Error("health check failed", "error", err)
		c.JSON(http.StatusServiceUnavailable, global.ErrorResponse("Database connection failed", nil))
		return
	}
	c.JSON(http.StatusOK, global.SuccessResponse(map[string]string{"status": "OK", "database": "Connected"}))
}

// objectIDParam parses a path parameter, writing a 400 when it is malformed
func (h *Handler) objectIDParam(c *gin.Context, name string) (bson.ObjectID, bool) {
	id, err := bson.ObjectIDFromHex(c.Param(name))
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, global.CodedErrorResponse(
			apperr.ErrValidation.ErrorCode(), "Invalid "+name, false, []global.ValidationError{
				{Field: name, Message: name + " must be a valid id", Code: "invalid_format"},
			}))
		return bson.ObjectID{}, false
	}
	return id, true
}

func limitQuery(c *gin.Context) int64 {
	limit, err := strconv.ParseInt(c.Query("limit"), 10, 64)
	if err != nil {
		return 0
	}
	return limit
}

// Products

func (h *Handler) GetAllProducts(c *gin.Context) {
	products, err := h.Catalog.List(c.Request.Context(), repository.ProductFilter{
		Category: c.Query("category"),
		Limit:    limitQuery(c),
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, global.SuccessResponse(products))
}

func (h *Handler) GetProductByID(c *gin.Context) {
	id, ok := h.objectIDParam(c, "id")
	if !ok {
		return
	}
	product, err := h.Catalog.Get(c.Request.Context(), id)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, global.SuccessResponse(product))
}

func (h *Handler) CreateNewProducts(c *gin.Context) {
	var reqs []models.CreateProductRequest
	if err := c.ShouldBindJSON(&reqs); err != nil {
		h.failBinding(c, err)
		return
	}
	products, err := h.Catalog.Create(c.Request.Context(), reqs)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, global.SuccessResponse(products))
}

func (h *Handler) AdjustProductStock(c *gin.Context) {
	id, ok := h.objectIDParam(c, "id")
	if !ok {
		return
	}
	var req models.AdjustStockRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.failBinding(c, err)
		return
	}
	product, err := h.Catalog.AdjustStock(c.Request.Context(), id, req, currentClaims(c).Email)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, global.SuccessResponse(product))
}

// Cart

func (h *Handler) GetCart(c *gin.Context) {
	view, err := h.Cart.Get(c.Request.Context(), currentCustomer(c).ID)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, global.SuccessResponse(view))
}

func (h *Handler) AddToCart(c *gin.Context) {
	var req models.AddToCartRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.failBinding(c, err)
		return
	}
	productID, _ := bson.ObjectIDFromHex(req.ProductID)
	view, err := h.Cart.Add(c.Request.Context(), currentCustomer(c).ID, productID, req.Quantity)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, global.SuccessResponse(view))
}

func (h *Handler) UpdateCartItem(c *gin.Context) {
	productID, ok := h.objectIDParam(c, "productId")
	if !ok {
		return
	}
	var req models.UpdateCartItemRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.failBinding(c, err)
		return
	}
	view, err := h.Cart.Update(c.Request.Context(), currentCustomer(c).ID, productID, req.Quantity)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, global.SuccessResponse(view))
}

func (h *Handler) RemoveFromCart(c *gin.Context) {
	productID, ok := h.objectIDParam(c, "productId")
	if !ok {
		return
	}
	view, err := h.Cart.Remove(c.Request.Context(), currentCustomer(c).ID, productID)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, global.SuccessResponse(view))
}

func (h *Handler) ClearCart(c *gin.Context) {
	view, err := h.Cart.Clear(c.Request.Context(), currentCustomer(c).ID)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, global.SuccessResponse(view))
}

// Coupons

func (h *Handler) ValidateCoupon(c *gin.Context) {
	var req models.ValidateCouponRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.failBinding(c, err)
		return
	}
	v, err := h.Coupons.Validate(c.Request.Context(), currentCustomer(c).ID, req.Code, money.FromFloat(req.Subtotal))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, global.SuccessResponse(gin.H{
		"code":     v.Code,
		"type":     v.Type,
		"value":    v.Value,
		"subtotal": money.Float(v.Subtotal),
		"discount": money.Float(v.Discount),
	}))
}

func (h *Handler) GetAllCoupons(c *gin.Context) {
	coupons, err := h.Coupons.List(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, global.SuccessResponse(coupons))
}

func (h *Handler) CreateCoupon(c *gin.Context) {
	var req models.CreateCouponRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.failBinding(c, err)
		return
	}
	created, err := h.Coupons.Create(c.Request.Context(), req)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, global.SuccessResponse(created))
}

func (h *Handler) UpdateCoupon(c *gin.Context) {
	id, ok := h.objectIDParam(c, "id")
	if !ok {
		return
	}
	var req models.UpdateCouponRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.failBinding(c, err)
		return
	}
	updated, err := h.Coupons.Update(c.Request.Context(), id, req)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, global.SuccessResponse(updated))
}

func (h *Handler) DeleteCoupon(c *gin.Context) {
	id, ok := h.objectIDParam(c, "id")
	if !ok {
		return
	}
	if err := h.Coupons.Delete(c.Request.Context(), id); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, global.SuccessResponse(gin.H{"deleted": id.Hex()}))
}

// Orders

func (h *Handler) GetMyOrders(c *gin.Context) {
	out, err := h.Orders.ListForUser(c.Request.Context(), currentCustomer(c).ID)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, global.SuccessResponse(out))
}

func (h *Handler) GetAllOrders(c *gin.Context) {
	out, err := h.Orders.ListAll(c.Request.Context(), limitQuery(c))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.Header("X-Total-Count", strconv.Itoa(len(out)))
	c.JSON(http.StatusOK, global.SuccessResponse(out))
}

func (h *Handler) UpdateOrderStatus(c *gin.Context) {
	id, ok := h.objectIDParam(c, "id")
	if !ok {
		return
	}
	var req models.UpdateOrderStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.failBinding(c, err)
		return
	}
	order, err := h.Orders.UpdateStatus(c.Request.Context(), id, req.Status)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, global.SuccessResponse(order))
}

func (h *Handler) GetSettlementFailures(c *gin.Context) {
	out, err := h.Orders.ListSettlementFailures(c.Request.Context(), limitQuery(c))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, global.SuccessResponse(out))
}
