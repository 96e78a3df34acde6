package controllers

import (
	"net/http"

	"checkout-service/middleware"
	"checkout-service/models"
	"checkout-service/services"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// OrderController handles HTTP requests for order operations.
type OrderController struct {
	orderService services.OrderService
}

// NewOrderController creates a new OrderController.
func NewOrderController(orderService services.OrderService) *OrderController {
	return &OrderController{orderService: orderService}
}

// CreateOrder handles POST /orders.
func (oc *OrderController) CreateOrder(ctx *gin.Context) {
	var req models.CreateOrderRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request", "details": err.Error()})
		return
	}

	userID, actor, ok := callerIdentity(ctx)
	if !ok {
		return
	}

	order, svcErr := oc.orderService.CreateOrder(ctx.Request.Context(), userID, actor, &req)
	if svcErr != nil {
		ctx.JSON(svcErr.StatusCode, gin.H{"error": svcErr.Message})
		return
	}

	ctx.JSON(http.StatusCreated, gin.H{"order": order})
}

// GetOrder handles GET /orders/:id.
func (oc *OrderController) GetOrder(ctx *gin.Context) {
	orderID, ok := orderIDParam(ctx)
	if !ok {
		return
	}
	userID, _, ok := callerIdentity(ctx)
	if !ok {
		return
	}

	order, svcErr := oc.orderService.GetOrder(ctx.Request.Context(), userID, orderID)
	if svcErr != nil {
		ctx.JSON(svcErr.StatusCode, gin.H{"error": svcErr.Message})
		return
	}

	ctx.JSON(http.StatusOK, gin.H{"order": order})
}

// ListOrders handles GET /orders (the caller's own orders).
func (oc *OrderController) ListOrders(ctx *gin.Context) {
	userID, _, ok := callerIdentity(ctx)
	if !ok {
		return
	}
	page, limit := parsePaginationParams(ctx)

	orders, total, svcErr := oc.orderService.GetUserOrders(ctx.Request.Context(), userID, page, limit)
	if svcErr != nil {
		ctx.JSON(svcErr.StatusCode, gin.H{"error": svcErr.Message})
		return
	}

	ctx.JSON(http.StatusOK, gin.H{
		"orders": orders,
		"meta":   paginationMeta(page, limit, total),
	})
}

// ListAllOrders handles GET /orders/all (admin only).
func (oc *OrderController) ListAllOrders(ctx *gin.Context) {
	page, limit := parsePaginationParams(ctx)

	orders, total, svcErr := oc.orderService.GetAllOrders(ctx.Request.Context(), page, limit)
	if svcErr != nil {
		ctx.JSON(svcErr.StatusCode, gin.H{"error": svcErr.Message})
		return
	}

	ctx.JSON(http.StatusOK, gin.H{
		"orders": orders,
		"meta":   paginationMeta(page, limit, total),
	})
}

// UpdateOrderStatus handles PATCH /orders/:id/status (admin only).
func (oc *OrderController) UpdateOrderStatus(ctx *gin.Context) {
	orderID, ok := orderIDParam(ctx)
	if !ok {
		return
	}

	var req models.UpdateOrderStatusRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request", "details": err.Error()})
		return
	}

	_, actor, ok := callerIdentity(ctx)
	if !ok {
		return
	}

	order, svcErr := oc.orderService.UpdateStatus(ctx.Request.Context(), orderID, req.Status, req.Notes, actor)
	if svcErr != nil {
		ctx.JSON(svcErr.StatusCode, gin.H{"error": svcErr.Message})
		return
	}

	ctx.JSON(http.StatusOK, gin.H{"order": order})
}

// CancelOrder handles POST /orders/:id/cancel.
func (oc *OrderController) CancelOrder(ctx *gin.Context) {
	orderID, ok := orderIDParam(ctx)
	if !ok {
		return
	}
	userID, actor, ok := callerIdentity(ctx)
	if !ok {
		return
	}

	order, svcErr := oc.orderService.CancelOrder(ctx.Request.Context(), userID, orderID, actor)
	if svcErr != nil {
		ctx.JSON(svcErr.StatusCode, gin.H{"error": svcErr.Message})
		return
	}

	ctx.JSON(http.StatusOK, gin.H{"order": order})
}

// ConfirmPayment handles POST /orders/:id/payment/confirm.
func (oc *OrderController) ConfirmPayment(ctx *gin.Context) {
	orderID, ok := orderIDParam(ctx)
	if !ok {
		return
	}
	_, actor, ok := callerIdentity(ctx)
	if !ok {
		return
	}

	if svcErr := oc.orderService.ConfirmPayment(ctx.Request.Context(), orderID, actor); svcErr != nil {
		ctx.JSON(svcErr.StatusCode, gin.H{"error": svcErr.Message})
		return
	}

	ctx.JSON(http.StatusOK, gin.H{"message": "Payment confirmed"})
}

// RefundPayment handles POST /orders/:id/payment/refund (admin only).
func (oc *OrderController) RefundPayment(ctx *gin.Context) {
	orderID, ok := orderIDParam(ctx)
	if !ok {
		return
	}
	_, actor, ok := callerIdentity(ctx)
	if !ok {
		return
	}

	if svcErr := oc.orderService.RefundPayment(ctx.Request.Context(), orderID, actor); svcErr != nil {
		ctx.JSON(svcErr.StatusCode, gin.H{"error": svcErr.Message})
		return
	}

	ctx.JSON(http.StatusOK, gin.H{"message": "Payment refunded"})
}

// callerIdentity resolves the authenticated user id and the actor string
// recorded in status history (the user's email when the gateway supplies
// one, else the user id).
func callerIdentity(ctx *gin.Context) (uuid.UUID, string, bool) {
	userID, err := middleware.GetUserID(ctx)
	if err != nil {
		ctx.JSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
		return uuid.Nil, "", false
	}
	uid, err := uuid.Parse(userID)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": "Invalid user ID format"})
		return uuid.Nil, "", false
	}

	actor := userID
	if email, emailErr := middleware.GetUserEmail(ctx); emailErr == nil {
		actor = email
	}
	return uid, actor, true
}

// orderIDParam parses the :id path parameter.
func orderIDParam(ctx *gin.Context) (uuid.UUID, bool) {
	orderID, err := uuid.Parse(ctx.Param("id"))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": "Invalid order ID format"})
		return uuid.Nil, false
	}
	return orderID, true
}
