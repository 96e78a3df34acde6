package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// OrderStatus is persisted as a string column.
type OrderStatus string

const (
	OrderStatusPending    OrderStatus = "PENDING"
	OrderStatusProcessing OrderStatus = "PROCESSING"
	OrderStatusShipped    OrderStatus = "SHIPPED"
	OrderStatusDelivered  OrderStatus = "DELIVERED"
	OrderStatusCancelled  OrderStatus = "CANCELLED"
	OrderStatusRefunded   OrderStatus = "REFUNDED"
)

// orderTransitions is the closed set of allowed status transitions.
// Refund-driven cancellation bypasses this table (see OrderService).
var orderTransitions = map[OrderStatus][]OrderStatus{
	OrderStatusPending:    {OrderStatusProcessing, OrderStatusCancelled},
	OrderStatusProcessing: {OrderStatusShipped, OrderStatusCancelled},
	OrderStatusShipped:    {OrderStatusDelivered},
}

// CanTransition reports whether an order may move from its current status
// to the target status.
func CanTransition(from, to OrderStatus) bool {
	for _, allowed := range orderTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Order is the aggregate root. Items and the status history are owned
// collections persisted with the order in one transaction; items are
// immutable after creation and history rows are append-only.
type Order struct {
	ID            uuid.UUID            `gorm:"type:uuid;default:gen_random_uuid();primaryKey" json:"id"`
	OrderNumber   string               `gorm:"type:varchar(32);uniqueIndex;not null" json:"order_number"`
	UserID        uuid.UUID            `gorm:"type:uuid;not null;index" json:"user_id"`
	Status        OrderStatus          `gorm:"type:varchar(20);not null;default:'PENDING'" json:"status"`
	Subtotal      decimal.Decimal      `gorm:"type:numeric(12,2);not null" json:"subtotal"`
	ShippingCost  decimal.Decimal      `gorm:"type:numeric(12,2);not null" json:"shipping_cost"`
	Tax           decimal.Decimal      `gorm:"type:numeric(12,2);not null" json:"tax"`
	Discount      decimal.Decimal      `gorm:"type:numeric(12,2);not null;default:0" json:"discount"`
	Total         decimal.Decimal      `gorm:"type:numeric(12,2);not null" json:"total"`
	CouponID      *uuid.UUID           `gorm:"type:uuid" json:"coupon_id,omitempty"`
	CreatedAt     time.Time            `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time            `gorm:"autoUpdateTime" json:"updated_at"`
	DeletedAt     gorm.DeletedAt       `gorm:"index" json:"-"`
	Items         []OrderItem          `gorm:"foreignKey:OrderID;constraint:OnDelete:CASCADE" json:"items"`
	StatusHistory []OrderStatusHistory `gorm:"foreignKey:OrderID;constraint:OnDelete:CASCADE" json:"status_history"`
}

// OrderItem captures the unit price at order creation time. It is never
// recomputed from the current product price afterward.
type OrderItem struct {
	ID         uuid.UUID       `gorm:"type:uuid;default:gen_random_uuid();primaryKey" json:"id"`
	OrderID    uuid.UUID       `gorm:"type:uuid;not null;index" json:"order_id"`
	ProductID  uuid.UUID       `gorm:"type:uuid;not null" json:"product_id"`
	VariantID  *uuid.UUID      `gorm:"type:uuid" json:"variant_id,omitempty"`
	Quantity   int             `gorm:"not null" json:"quantity"`
	UnitPrice  decimal.Decimal `gorm:"type:numeric(12,2);not null" json:"unit_price"`
	TotalPrice decimal.Decimal `gorm:"type:numeric(12,2);not null" json:"total_price"`
}

// OrderStatusHistory is one immutable row of the order's audit trail.
type OrderStatusHistory struct {
	ID        uuid.UUID   `gorm:"type:uuid;default:gen_random_uuid();primaryKey" json:"id"`
	OrderID   uuid.UUID   `gorm:"type:uuid;not null;index" json:"order_id"`
	Status    OrderStatus `gorm:"type:varchar(20);not null" json:"status"`
	Notes     string      `gorm:"type:varchar(512)" json:"notes"`
	Actor     string      `gorm:"type:varchar(255);not null" json:"actor"` // user email or "system"
	CreatedAt time.Time   `gorm:"autoCreateTime" json:"created_at"`
}

// CreateOrderRequest is the payload for placing an order. CouponCode is
// optional; when present it is validated against the priced subtotal before
// the discount is applied.
type CreateOrderRequest struct {
	Items      []OrderSelection `json:"items" binding:"required,min=1,dive"`
	CouponCode string           `json:"coupon_code"`
}

// OrderSelection is one requested line: product, optional variant, quantity.
type OrderSelection struct {
	ProductID uuid.UUID  `json:"product_id" binding:"required"`
	VariantID *uuid.UUID `json:"variant_id"`
	Quantity  int        `json:"quantity" binding:"required,min=1"`
}

// UpdateOrderStatusRequest drives an explicit status transition.
type UpdateOrderStatusRequest struct {
	Status OrderStatus `json:"status" binding:"required,oneof=PENDING PROCESSING SHIPPED DELIVERED CANCELLED REFUNDED"`
	Notes  string      `json:"notes" binding:"max=512"`
}

// OrderStatusChangedEvent is published to SNS on every status transition.
type OrderStatusChangedEvent struct {
	EventType  string    `json:"event_type"`
	OrderID    string    `json:"order_id"`
	UserID     string    `json:"user_id"`
	FromStatus string    `json:"from_status"`
	ToStatus   string    `json:"to_status"`
	Actor      string    `json:"actor"`
	Timestamp  time.Time `json:"timestamp"`
}
