package repository

import (
	"context"
	"errors"

	"checkout-service/models"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrUsageAlreadyRecorded means a usage row already exists for the
	// (coupon, order) pair. Redemption is idempotent per order.
	ErrUsageAlreadyRecorded = errors.New("coupon usage already recorded for this order")
	// ErrUsageLimitReached means the coupon's total usage limit was hit
	// between validation and redemption.
	ErrUsageLimitReached = errors.New("coupon usage limit reached")
)

// CouponRepository defines the interface for coupon and usage-ledger access.
type CouponRepository interface {
	Create(ctx context.Context, coupon *models.Coupon) error
	Update(ctx context.Context, coupon *models.Coupon) error
	FindActiveByCode(ctx context.Context, code string) (*models.Coupon, error)
	FindByID(ctx context.Context, id uuid.UUID) (*models.Coupon, error)
	ExistsByCode(ctx context.Context, code string) (bool, error)
	Deactivate(ctx context.Context, code string) error
	FindAll(ctx context.Context, page, limit int) ([]models.Coupon, int64, error)
	CountUsagesByCouponAndUser(ctx context.Context, couponID, userID uuid.UUID) (int64, error)
	UsageExists(ctx context.Context, couponID, orderID uuid.UUID) (bool, error)
	RecordUsage(ctx context.Context, usage *models.CouponUsage) error
}

// GormCouponRepository implements CouponRepository using GORM.
type GormCouponRepository struct {
	db *gorm.DB
}

// NewGormCouponRepository creates a new GormCouponRepository.
func NewGormCouponRepository(db *gorm.DB) CouponRepository {
	return &GormCouponRepository{db: db}
}

// Create inserts a new coupon into the database.
func (r *GormCouponRepository) Create(ctx context.Context, coupon *models.Coupon) error {
	return r.db.WithContext(ctx).Create(coupon).Error
}

// Update persists changes to an existing coupon.
func (r *GormCouponRepository) Update(ctx context.Context, coupon *models.Coupon) error {
	return r.db.WithContext(ctx).Save(coupon).Error
}

// FindActiveByCode retrieves an active coupon by its exact, case-sensitive code.
func (r *GormCouponRepository) FindActiveByCode(ctx context.Context, code string) (*models.Coupon, error) {
	var coupon models.Coupon
	err := r.db.WithContext(ctx).
		Where("code = ? AND active = ?", code, true).
		First(&coupon).Error
	if err != nil {
		return nil, err
	}
	return &coupon, nil
}

// FindByID retrieves a coupon by id regardless of its active flag.
func (r *GormCouponRepository) FindByID(ctx context.Context, id uuid.UUID) (*models.Coupon, error) {
	var coupon models.Coupon
	if err := r.db.WithContext(ctx).First(&coupon, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &coupon, nil
}

// ExistsByCode reports whether any coupon, active or not, carries the code.
func (r *GormCouponRepository) ExistsByCode(ctx context.Context, code string) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&models.Coupon{}).
		Where("code = ?", code).
		Count(&count).Error
	return count > 0, err
}

// Deactivate soft-deactivates a coupon by setting active = false.
func (r *GormCouponRepository) Deactivate(ctx context.Context, code string) error {
	result := r.db.WithContext(ctx).
		Model(&models.Coupon{}).
		Where("code = ?", code).
		Update("active", false)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// FindAll retrieves paginated coupons.
func (r *GormCouponRepository) FindAll(ctx context.Context, page, limit int) ([]models.Coupon, int64, error) {
	var coupons []models.Coupon
	var total int64

	query := r.db.WithContext(ctx).Model(&models.Coupon{})

	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	offset := (page - 1) * limit
	if err := query.
		Offset(offset).
		Limit(limit).
		Order("created_at DESC").
		Find(&coupons).Error; err != nil {
		return nil, 0, err
	}

	return coupons, total, nil
}

// CountUsagesByCouponAndUser counts a user's prior redemptions of a coupon.
func (r *GormCouponRepository) CountUsagesByCouponAndUser(ctx context.Context, couponID, userID uuid.UUID) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&models.CouponUsage{}).
		Where("coupon_id = ? AND user_id = ?", couponID, userID).
		Count(&count).Error
	return count, err
}

// UsageExists reports whether a usage row exists for the (coupon, order) pair.
func (r *GormCouponRepository) UsageExists(ctx context.Context, couponID, orderID uuid.UUID) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&models.CouponUsage{}).
		Where("coupon_id = ? AND order_id = ?", couponID, orderID).
		Count(&count).Error
	return count > 0, err
}

// RecordUsage inserts a usage row and increments the coupon's usage_count in
// one transaction. The coupon row is locked for the duration so that
// concurrent redemptions near the usage limit serialize, and the per-order
// idempotency guard is re-checked under the same lock.
func (r *GormCouponRepository) RecordUsage(ctx context.Context, usage *models.CouponUsage) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var coupon models.Coupon
		if err := tx.
			Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&coupon, "id = ?", usage.CouponID).Error; err != nil {
			return err
		}

		var existing int64
		if err := tx.
			Model(&models.CouponUsage{}).
			Where("coupon_id = ? AND order_id = ?", usage.CouponID, usage.OrderID).
			Count(&existing).Error; err != nil {
			return err
		}
		if existing > 0 {
			return ErrUsageAlreadyRecorded
		}

		if coupon.UsageLimit != nil && coupon.UsageCount >= *coupon.UsageLimit {
			return ErrUsageLimitReached
		}

		if err := tx.Create(usage).Error; err != nil {
			return err
		}

		return tx.
			Model(&models.Coupon{}).
			Where("id = ?", usage.CouponID).
			UpdateColumn("usage_count", gorm.Expr("usage_count + 1")).
			Error
	})
}
