package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"checkout-service/models"
	"checkout-service/pkg/aws"
	"checkout-service/repository"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// SystemActor is recorded in the status history for transitions not driven
// by a user, e.g. refund-forced cancellation.
const SystemActor = "system"

// OrderService owns order pricing, the status state machine, and the
// payment confirm/refund linkage. Coupon validation and redemption are
// delegated to the CouponService; this service only passes the accepted
// discount through.
type OrderService interface {
	CreateOrder(ctx context.Context, userID uuid.UUID, actor string, req *models.CreateOrderRequest) (*models.Order, *ServiceError)
	GetOrder(ctx context.Context, userID, orderID uuid.UUID) (*models.Order, *ServiceError)
	GetUserOrders(ctx context.Context, userID uuid.UUID, page, limit int) ([]models.Order, int64, *ServiceError)
	GetAllOrders(ctx context.Context, page, limit int) ([]models.Order, int64, *ServiceError)
	UpdateStatus(ctx context.Context, orderID uuid.UUID, status models.OrderStatus, notes, actor string) (*models.Order, *ServiceError)
	CancelOrder(ctx context.Context, userID, orderID uuid.UUID, actor string) (*models.Order, *ServiceError)
	ConfirmPayment(ctx context.Context, orderID uuid.UUID, actor string) *ServiceError
	RefundPayment(ctx context.Context, orderID uuid.UUID, actor string) *ServiceError
}

type orderServiceImpl struct {
	orderRepo    repository.OrderRepository
	productRepo  repository.ProductRepository
	paymentRepo  repository.PaymentRepository
	couponSvc    CouponService
	snsClient    aws.SNSPublisher
	snsTopicArn  string
	metrics      *aws.MetricsClient
	taxRate      decimal.Decimal
	shippingRate decimal.Decimal
	logger       *zap.Logger
}

// NewOrderService creates a new OrderService. taxRate is a fraction
// (0.14 = 14%); shippingRate is the flat per-order shipping cost.
func NewOrderService(
	orderRepo repository.OrderRepository,
	productRepo repository.ProductRepository,
	paymentRepo repository.PaymentRepository,
	couponSvc CouponService,
	snsClient aws.SNSPublisher,
	snsTopicArn string,
	metrics *aws.MetricsClient,
	taxRate decimal.Decimal,
	shippingRate decimal.Decimal,
	logger *zap.Logger,
) OrderService {
	return &orderServiceImpl{
		orderRepo:    orderRepo,
		productRepo:  productRepo,
		paymentRepo:  paymentRepo,
		couponSvc:    couponSvc,
		snsClient:    snsClient,
		snsTopicArn:  snsTopicArn,
		metrics:      metrics,
		taxRate:      taxRate,
		shippingRate: shippingRate,
		logger:       logger,
	}
}

// CreateOrder prices the requested selections and persists the order
// aggregate: line items with prices captured now, the totals breakdown,
// and the initial PENDING history row, all in one transaction. A pending
// payment row for the total is created alongside.
func (s *orderServiceImpl) CreateOrder(ctx context.Context, userID uuid.UUID, actor string, req *models.CreateOrderRequest) (*models.Order, *ServiceError) {
	items, subtotal, svcErr := s.priceLines(ctx, req.Items)
	if svcErr != nil {
		return nil, svcErr
	}

	discount := decimal.Zero
	var couponID *uuid.UUID
	if req.CouponCode != "" {
		resp, svcErr := s.couponSvc.ValidateCoupon(ctx, &models.ValidateCouponRequest{
			Code:        req.CouponCode,
			OrderAmount: subtotal,
			UserID:      userID,
		})
		if svcErr != nil {
			return nil, svcErr
		}
		if !resp.Valid {
			return nil, &ServiceError{StatusCode: 400, Message: resp.Message}
		}
		discount = *resp.DiscountAmount

		coupon, svcErr := s.couponSvc.GetCoupon(ctx, req.CouponCode)
		if svcErr != nil {
			return nil, svcErr
		}
		couponID = &coupon.ID
	}

	tax := subtotal.Mul(s.taxRate).Round(2)
	total := subtotal.Add(s.shippingRate).Add(tax).Sub(discount)

	order := &models.Order{
		OrderNumber:  newOrderNumber(),
		UserID:       userID,
		Status:       models.OrderStatusPending,
		Subtotal:     subtotal,
		ShippingCost: s.shippingRate,
		Tax:          tax,
		Discount:     discount,
		Total:        total,
		CouponID:     couponID,
		Items:        items,
		StatusHistory: []models.OrderStatusHistory{
			{Status: models.OrderStatusPending, Notes: "created", Actor: actor},
		},
	}

	if err := s.orderRepo.Create(ctx, order); err != nil {
		s.logger.Error("Failed to create order", zap.String("user_id", userID.String()), zap.Error(err))
		return nil, &ServiceError{StatusCode: 500, Message: "Failed to create order"}
	}

	payment := &models.Payment{
		OrderID: order.ID,
		UserID:  userID,
		Amount:  total,
		Status:  models.PaymentStatusPending,
	}
	if err := s.paymentRepo.Create(ctx, payment); err != nil {
		s.logger.Error("Failed to create payment record", zap.String("order_id", order.ID.String()), zap.Error(err))
		return nil, &ServiceError{StatusCode: 500, Message: "Failed to create order"}
	}

	s.publishStatusEvent(ctx, order, "", models.OrderStatusPending, actor)
	if err := s.metrics.RecordCount(ctx, aws.MetricOrdersCreated, nil); err != nil {
		s.logger.Warn("Failed to record order metric", zap.Error(err))
	}
	s.logger.Info("Order created",
		zap.String("order_number", order.OrderNumber),
		zap.String("user_id", userID.String()),
		zap.String("total", total.StringFixed(2)),
	)
	return order, nil
}

// priceLines resolves each selection to a priced line item. The effective
// unit price is the variant price when the variant defines one, else the
// parent product price, captured at order time.
func (s *orderServiceImpl) priceLines(ctx context.Context, selections []models.OrderSelection) ([]models.OrderItem, decimal.Decimal, *ServiceError) {
	items := make([]models.OrderItem, 0, len(selections))
	subtotal := decimal.Zero

	for _, sel := range selections {
		product, err := s.productRepo.FindProductByID(ctx, sel.ProductID)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil, decimal.Zero, &ServiceError{StatusCode: 404, Message: "Product not found"}
			}
			s.logger.Error("Failed to load product", zap.String("product_id", sel.ProductID.String()), zap.Error(err))
			return nil, decimal.Zero, &ServiceError{StatusCode: 500, Message: "Failed to price order"}
		}

		unitPrice := product.Price
		if sel.VariantID != nil {
			variant, err := s.productRepo.FindVariantByID(ctx, *sel.VariantID)
			if err != nil {
				if errors.Is(err, gorm.ErrRecordNotFound) {
					return nil, decimal.Zero, &ServiceError{StatusCode: 404, Message: "Product variant not found"}
				}
				s.logger.Error("Failed to load variant", zap.String("variant_id", sel.VariantID.String()), zap.Error(err))
				return nil, decimal.Zero, &ServiceError{StatusCode: 500, Message: "Failed to price order"}
			}
			if variant.ProductID != product.ID {
				return nil, decimal.Zero, &ServiceError{StatusCode: 409, Message: "Variant does not belong to the specified product"}
			}
			if variant.Price != nil {
				unitPrice = *variant.Price
			}
		}

		lineTotal := unitPrice.Mul(decimal.NewFromInt(int64(sel.Quantity)))
		items = append(items, models.OrderItem{
			ProductID:  sel.ProductID,
			VariantID:  sel.VariantID,
			Quantity:   sel.Quantity,
			UnitPrice:  unitPrice,
			TotalPrice: lineTotal,
		})
		subtotal = subtotal.Add(lineTotal)
	}

	return items, subtotal, nil
}

// GetOrder retrieves a specific order scoped to its owner.
func (s *orderServiceImpl) GetOrder(ctx context.Context, userID, orderID uuid.UUID) (*models.Order, *ServiceError) {
	order, err := s.orderRepo.FindByIDAndUserID(ctx, orderID, userID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, &ServiceError{StatusCode: 404, Message: "Order not found"}
		}
		s.logger.Error("Failed to fetch order", zap.String("order_id", orderID.String()), zap.Error(err))
		return nil, &ServiceError{StatusCode: 500, Message: "Failed to fetch order"}
	}
	return order, nil
}

// GetUserOrders retrieves paginated orders for a specific user.
func (s *orderServiceImpl) GetUserOrders(ctx context.Context, userID uuid.UUID, page, limit int) ([]models.Order, int64, *ServiceError) {
	orders, total, err := s.orderRepo.FindByUserID(ctx, userID, page, limit)
	if err != nil {
		s.logger.Error("Failed to fetch orders", zap.String("user_id", userID.String()), zap.Error(err))
		return nil, 0, &ServiceError{StatusCode: 500, Message: "Failed to fetch orders"}
	}
	return orders, total, nil
}

// GetAllOrders retrieves paginated orders for all users (admin only).
func (s *orderServiceImpl) GetAllOrders(ctx context.Context, page, limit int) ([]models.Order, int64, *ServiceError) {
	orders, total, err := s.orderRepo.FindAll(ctx, page, limit)
	if err != nil {
		s.logger.Error("Failed to fetch all orders", zap.Error(err))
		return nil, 0, &ServiceError{StatusCode: 500, Message: "Failed to fetch orders"}
	}
	return orders, total, nil
}

// UpdateStatus moves an order along the state machine. Illegal transitions
// are rejected with a conflict naming the current status and leave the
// order unchanged. Every applied transition appends one history row.
func (s *orderServiceImpl) UpdateStatus(ctx context.Context, orderID uuid.UUID, status models.OrderStatus, notes, actor string) (*models.Order, *ServiceError) {
	order, err := s.orderRepo.FindByID(ctx, orderID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, &ServiceError{StatusCode: 404, Message: "Order not found"}
		}
		s.logger.Error("Failed to fetch order", zap.String("order_id", orderID.String()), zap.Error(err))
		return nil, &ServiceError{StatusCode: 500, Message: "Failed to update order status"}
	}

	if !models.CanTransition(order.Status, status) {
		return nil, &ServiceError{
			StatusCode: 409,
			Message:    fmt.Sprintf("Cannot transition order from %s to %s", order.Status, status),
		}
	}

	if err := s.orderRepo.AppendStatus(ctx, orderID, status, notes, actor); err != nil {
		s.logger.Error("Failed to update order status", zap.String("order_id", orderID.String()), zap.Error(err))
		return nil, &ServiceError{StatusCode: 500, Message: "Failed to update order status"}
	}

	from := order.Status
	order.Status = status
	s.publishStatusEvent(ctx, order, from, status, actor)
	s.logger.Info("Order status updated",
		zap.String("order_id", orderID.String()),
		zap.String("from", string(from)),
		zap.String("to", string(status)),
	)
	return order, nil
}

// CancelOrder cancels an order on behalf of its owner. Only PENDING and
// PROCESSING orders may be cancelled.
func (s *orderServiceImpl) CancelOrder(ctx context.Context, userID, orderID uuid.UUID, actor string) (*models.Order, *ServiceError) {
	order, err := s.orderRepo.FindByIDAndUserID(ctx, orderID, userID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, &ServiceError{StatusCode: 404, Message: "Order not found"}
		}
		s.logger.Error("Failed to fetch order", zap.String("order_id", orderID.String()), zap.Error(err))
		return nil, &ServiceError{StatusCode: 500, Message: "Failed to cancel order"}
	}

	if !models.CanTransition(order.Status, models.OrderStatusCancelled) {
		return nil, &ServiceError{
			StatusCode: 409,
			Message:    fmt.Sprintf("Cannot cancel order in status %s", order.Status),
		}
	}

	if err := s.orderRepo.AppendStatus(ctx, orderID, models.OrderStatusCancelled, "cancelled by customer", actor); err != nil {
		s.logger.Error("Failed to cancel order", zap.String("order_id", orderID.String()), zap.Error(err))
		return nil, &ServiceError{StatusCode: 500, Message: "Failed to cancel order"}
	}

	from := order.Status
	order.Status = models.OrderStatusCancelled
	s.publishStatusEvent(ctx, order, from, models.OrderStatusCancelled, actor)
	return order, nil
}

// ConfirmPayment finalizes a pending payment: the coupon (if any) is
// redeemed first so a redemption conflict aborts before the payment is
// marked COMPLETED, then the order moves PENDING -> PROCESSING. Redemption
// goes through EnsureRedeemed so that a retry after a transient failure
// does not trip over the usage already recorded for this order.
func (s *orderServiceImpl) ConfirmPayment(ctx context.Context, orderID uuid.UUID, actor string) *ServiceError {
	payment, err := s.paymentRepo.FindByOrderID(ctx, orderID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return &ServiceError{StatusCode: 404, Message: "Payment not found"}
		}
		s.logger.Error("Failed to fetch payment", zap.String("order_id", orderID.String()), zap.Error(err))
		return &ServiceError{StatusCode: 500, Message: "Failed to confirm payment"}
	}
	if payment.Status != models.PaymentStatusPending {
		return &ServiceError{StatusCode: 409, Message: fmt.Sprintf("Payment is already %s", payment.Status)}
	}

	order, err := s.orderRepo.FindByID(ctx, orderID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return &ServiceError{StatusCode: 404, Message: "Order not found"}
		}
		s.logger.Error("Failed to fetch order", zap.String("order_id", orderID.String()), zap.Error(err))
		return &ServiceError{StatusCode: 500, Message: "Failed to confirm payment"}
	}
	if order.Status != models.OrderStatusPending {
		return &ServiceError{StatusCode: 409, Message: fmt.Sprintf("Cannot confirm payment for order in status %s", order.Status)}
	}

	if order.CouponID != nil {
		if svcErr := s.couponSvc.EnsureRedeemed(ctx, *order.CouponID, order.ID, order.UserID, order.Discount); svcErr != nil {
			return svcErr
		}
	}

	now := time.Now()
	payment.Status = models.PaymentStatusCompleted
	payment.CompletedAt = &now
	if err := s.paymentRepo.Update(ctx, payment); err != nil {
		s.logger.Error("Failed to complete payment", zap.String("order_id", orderID.String()), zap.Error(err))
		return &ServiceError{StatusCode: 500, Message: "Failed to confirm payment"}
	}

	if err := s.orderRepo.AppendStatus(ctx, orderID, models.OrderStatusProcessing, "payment completed", actor); err != nil {
		s.logger.Error("Failed to advance order after payment", zap.String("order_id", orderID.String()), zap.Error(err))
		return &ServiceError{StatusCode: 500, Message: "Failed to confirm payment"}
	}

	s.publishStatusEvent(ctx, order, models.OrderStatusPending, models.OrderStatusProcessing, actor)
	s.logger.Info("Payment confirmed", zap.String("order_id", orderID.String()))
	return nil
}

// RefundPayment refunds a completed payment and forces the order to
// CANCELLED, bypassing the transition table. The coupling between refund
// completion and order cancellation is deliberate.
func (s *orderServiceImpl) RefundPayment(ctx context.Context, orderID uuid.UUID, actor string) *ServiceError {
	payment, err := s.paymentRepo.FindByOrderID(ctx, orderID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return &ServiceError{StatusCode: 404, Message: "Payment not found"}
		}
		s.logger.Error("Failed to fetch payment", zap.String("order_id", orderID.String()), zap.Error(err))
		return &ServiceError{StatusCode: 500, Message: "Failed to refund payment"}
	}
	if payment.Status != models.PaymentStatusCompleted {
		return &ServiceError{StatusCode: 409, Message: "Only completed payments can be refunded"}
	}

	order, err := s.orderRepo.FindByID(ctx, orderID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return &ServiceError{StatusCode: 404, Message: "Order not found"}
		}
		s.logger.Error("Failed to fetch order", zap.String("order_id", orderID.String()), zap.Error(err))
		return &ServiceError{StatusCode: 500, Message: "Failed to refund payment"}
	}

	now := time.Now()
	payment.Status = models.PaymentStatusRefunded
	payment.RefundedAt = &now
	if err := s.paymentRepo.Update(ctx, payment); err != nil {
		s.logger.Error("Failed to refund payment", zap.String("order_id", orderID.String()), zap.Error(err))
		return &ServiceError{StatusCode: 500, Message: "Failed to refund payment"}
	}

	if order.Status != models.OrderStatusCancelled {
		if err := s.orderRepo.AppendStatus(ctx, orderID, models.OrderStatusCancelled, "payment refunded", SystemActor); err != nil {
			s.logger.Error("Failed to cancel order after refund", zap.String("order_id", orderID.String()), zap.Error(err))
			return &ServiceError{StatusCode: 500, Message: "Failed to refund payment"}
		}
		s.publishStatusEvent(ctx, order, order.Status, models.OrderStatusCancelled, SystemActor)
	}

	s.logger.Info("Payment refunded", zap.String("order_id", orderID.String()))
	return nil
}

// newOrderNumber generates a human-readable unique order number.
func newOrderNumber() string {
	return fmt.Sprintf("ORD-%s", strings.ToUpper(uuid.NewString()[:8]))
}

// publishStatusEvent publishes an order_status_changed event to SNS,
// best-effort.
func (s *orderServiceImpl) publishStatusEvent(ctx context.Context, order *models.Order, from, to models.OrderStatus, actor string) {
	if s.snsClient == nil || s.snsTopicArn == "" {
		return
	}

	event := models.OrderStatusChangedEvent{
		EventType:  "order_status_changed",
		OrderID:    order.ID.String(),
		UserID:     order.UserID.String(),
		FromStatus: string(from),
		ToStatus:   string(to),
		Actor:      actor,
		Timestamp:  time.Now(),
	}

	eventBytes, err := json.Marshal(event)
	if err != nil {
		s.logger.Error("Failed to marshal order_status_changed event", zap.Error(err))
		return
	}

	if err := s.snsClient.Publish(ctx, s.snsTopicArn, eventBytes); err != nil {
		s.logger.Error("Failed to publish order_status_changed event", zap.Error(err))
	}
}
