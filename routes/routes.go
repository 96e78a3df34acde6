package routes

import (
	"checkout-service/controllers"
	"checkout-service/middleware"

	"github.com/gin-gonic/gin"
)

// RegisterCouponRoutes sets up all coupon-related routes.
func RegisterCouponRoutes(r *gin.Engine, cc *controllers.CouponController) {
	couponRoutes := r.Group("/coupons")
	couponRoutes.Use(middleware.AuthMiddleware())

	couponRoutes.POST("/validate", cc.ValidateCoupon)
	couponRoutes.GET("", cc.ListCoupons)
	couponRoutes.GET("/:code", cc.GetCoupon)

	adminRoutes := couponRoutes.Group("")
	adminRoutes.Use(middleware.AdminOnly())
	adminRoutes.POST("", cc.CreateCoupon)
	adminRoutes.PUT("/:code", cc.UpdateCoupon)
	adminRoutes.DELETE("/:code", cc.DeactivateCoupon)
}

// RegisterOrderRoutes sets up all order-related routes.
func RegisterOrderRoutes(r *gin.Engine, oc *controllers.OrderController) {
	orderRoutes := r.Group("/orders")
	orderRoutes.Use(middleware.AuthMiddleware())

	orderRoutes.POST("", oc.CreateOrder)
	orderRoutes.GET("", oc.ListOrders)
	orderRoutes.GET("/:id", oc.GetOrder)
	orderRoutes.POST("/:id/cancel", oc.CancelOrder)
	orderRoutes.POST("/:id/payment/confirm", oc.ConfirmPayment)

	adminRoutes := orderRoutes.Group("")
	adminRoutes.Use(middleware.AdminOnly())
	adminRoutes.PATCH("/:id/status", oc.UpdateOrderStatus)
	adminRoutes.POST("/:id/payment/refund", oc.RefundPayment)

	// "/orders/all" would collide with the ":id" wildcard, so the admin
	// listing lives under its own prefix.
	allOrders := r.Group("/admin/orders")
	allOrders.Use(middleware.AuthMiddleware(), middleware.AdminOnly())
	allOrders.GET("", oc.ListAllOrders)
}
