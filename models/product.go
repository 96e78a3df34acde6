package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Product is the catalog snapshot the pricing engine reads. Prices are
// copied into order items at creation and never re-read afterward.
type Product struct {
	ID         uuid.UUID        `gorm:"type:uuid;default:gen_random_uuid();primaryKey" json:"id"`
	Name       string           `gorm:"type:varchar(255);not null" json:"name"`
	CategoryID uuid.UUID        `gorm:"type:uuid;index" json:"category_id"`
	Price      decimal.Decimal  `gorm:"type:numeric(12,2);not null" json:"price"`
	Variants   []ProductVariant `gorm:"foreignKey:ProductID;constraint:OnDelete:CASCADE" json:"variants,omitempty"`
	CreatedAt  time.Time        `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt  time.Time        `gorm:"autoUpdateTime" json:"updated_at"`
	DeletedAt  gorm.DeletedAt   `gorm:"index" json:"-"`
}

// ProductVariant optionally overrides the parent product's price. A nil
// Price means the variant sells at the product price.
type ProductVariant struct {
	ID        uuid.UUID        `gorm:"type:uuid;default:gen_random_uuid();primaryKey" json:"id"`
	ProductID uuid.UUID        `gorm:"type:uuid;not null;index" json:"product_id"`
	Name      string           `gorm:"type:varchar(255);not null" json:"name"`
	Price     *decimal.Decimal `gorm:"type:numeric(12,2)" json:"price,omitempty"`
	CreatedAt time.Time        `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time        `gorm:"autoUpdateTime" json:"updated_at"`
}
