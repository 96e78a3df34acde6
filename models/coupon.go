package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// DiscountType represents the kind of discount a coupon provides.
type DiscountType string

const (
	DiscountTypePercentage  DiscountType = "PERCENTAGE"
	DiscountTypeFixedAmount DiscountType = "FIXED_AMOUNT"
)

// Coupon represents a promotional coupon stored in Postgres.
// Codes are case-sensitive; uniqueness is enforced across all coupons,
// active or not.
type Coupon struct {
	ID                uuid.UUID        `gorm:"type:uuid;default:gen_random_uuid();primaryKey" json:"id"`
	Code              string           `gorm:"type:varchar(64);uniqueIndex;not null" json:"code"`
	Description       string           `gorm:"type:varchar(255)" json:"description"`
	DiscountType      DiscountType     `gorm:"type:varchar(20);not null" json:"discount_type"`
	DiscountValue     decimal.Decimal  `gorm:"type:numeric(12,2);not null" json:"discount_value"`
	MinPurchaseAmount decimal.Decimal  `gorm:"type:numeric(12,2);not null;default:0" json:"min_purchase_amount"`
	MaxDiscountAmount *decimal.Decimal `gorm:"type:numeric(12,2)" json:"max_discount_amount,omitempty"`
	UsageLimit        *int             `json:"usage_limit,omitempty"`    // nil = unlimited total redemptions
	PerUserLimit      *int             `json:"per_user_limit,omitempty"` // nil = unlimited per user
	UsageCount        int              `gorm:"not null;default:0" json:"usage_count"`
	StartDate         time.Time        `gorm:"not null" json:"start_date"`
	EndDate           time.Time        `gorm:"not null" json:"end_date"` // validity window is [StartDate, EndDate)
	Active            bool             `gorm:"not null;default:true" json:"active"`
	CategoryIDs       []uuid.UUID      `gorm:"serializer:json" json:"category_ids,omitempty"` // empty = unrestricted
	ProductIDs        []uuid.UUID      `gorm:"serializer:json" json:"product_ids,omitempty"`  // empty = unrestricted
	CreatedAt         time.Time        `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt         time.Time        `gorm:"autoUpdateTime" json:"updated_at"`
	DeletedAt         gorm.DeletedAt   `gorm:"index" json:"-"`
}

// CouponUsage is one row of the redemption ledger. At most one row may
// exist per (coupon, order) pair; rows are never updated or deleted.
type CouponUsage struct {
	ID             uuid.UUID       `gorm:"type:uuid;default:gen_random_uuid();primaryKey" json:"id"`
	CouponID       uuid.UUID       `gorm:"type:uuid;not null;index;uniqueIndex:idx_coupon_order" json:"coupon_id"`
	OrderID        uuid.UUID       `gorm:"type:uuid;not null;uniqueIndex:idx_coupon_order" json:"order_id"`
	UserID         uuid.UUID       `gorm:"type:uuid;not null;index" json:"user_id"`
	DiscountAmount decimal.Decimal `gorm:"type:numeric(12,2);not null" json:"discount_amount"`
	CreatedAt      time.Time       `gorm:"autoCreateTime" json:"created_at"`
}

// CreateCouponRequest is the payload for creating or updating a coupon.
type CreateCouponRequest struct {
	Code              string           `json:"code" binding:"required,min=3,max=64"`
	Description       string           `json:"description" binding:"max=255"`
	DiscountType      DiscountType     `json:"discount_type" binding:"required,oneof=PERCENTAGE FIXED_AMOUNT"`
	DiscountValue     decimal.Decimal  `json:"discount_value" binding:"required"`
	MinPurchaseAmount decimal.Decimal  `json:"min_purchase_amount"`
	MaxDiscountAmount *decimal.Decimal `json:"max_discount_amount"`
	UsageLimit        *int             `json:"usage_limit"`
	PerUserLimit      *int             `json:"per_user_limit"`
	StartDate         time.Time        `json:"start_date" binding:"required"`
	EndDate           time.Time        `json:"end_date" binding:"required"`
	CategoryIDs       []uuid.UUID      `json:"category_ids"`
	ProductIDs        []uuid.UUID      `json:"product_ids"`
}

// ValidateCouponRequest is the payload for validating a coupon against an
// order amount. UserID is the authenticated caller; the per-user limit is
// checked against their prior redemptions. OrderAmount carries no binding
// tag because a zero amount is a legitimate input; the service rejects
// negative amounts.
type ValidateCouponRequest struct {
	Code        string          `json:"code" binding:"required"`
	OrderAmount decimal.Decimal `json:"order_amount"`
	UserID      uuid.UUID       `json:"-"`
}

// ValidateCouponResponse is the structured outcome of validation. An
// ineligible coupon is an expected result, not an error: Valid=false with a
// user-presentable message.
type ValidateCouponResponse struct {
	Valid          bool             `json:"valid"`
	Code           string           `json:"code"`
	Message        string           `json:"message,omitempty"`
	DiscountAmount *decimal.Decimal `json:"discount_amount,omitempty"`
	FinalAmount    *decimal.Decimal `json:"final_amount,omitempty"`
}

// CouponAppliedEvent is published to SNS when a coupon is redeemed.
type CouponAppliedEvent struct {
	EventType      string    `json:"event_type"`
	CouponID       string    `json:"coupon_id"`
	CouponCode     string    `json:"coupon_code"`
	OrderID        string    `json:"order_id"`
	UserID         string    `json:"user_id"`
	DiscountAmount string    `json:"discount_amount"`
	Timestamp      time.Time `json:"timestamp"`
}
