package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"checkout-service/cache"
	"checkout-service/models"
	"checkout-service/pkg/aws"
	"checkout-service/repository"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var oneHundred = decimal.NewFromInt(100)

// CouponService defines the interface for coupon business logic.
//
// Validation is pure and read-only: an ineligible coupon comes back as
// Valid=false with a message, never as an error. Redemption is the
// side-effecting half and runs once per (coupon, order) pair.
type CouponService interface {
	CreateCoupon(ctx context.Context, req *models.CreateCouponRequest) (*models.Coupon, *ServiceError)
	UpdateCoupon(ctx context.Context, code string, req *models.CreateCouponRequest) (*models.Coupon, *ServiceError)
	ValidateCoupon(ctx context.Context, req *models.ValidateCouponRequest) (*models.ValidateCouponResponse, *ServiceError)
	RedeemCoupon(ctx context.Context, couponID, orderID, userID uuid.UUID, discountAmount decimal.Decimal) *ServiceError
	EnsureRedeemed(ctx context.Context, couponID, orderID, userID uuid.UUID, discountAmount decimal.Decimal) *ServiceError
	GetCoupon(ctx context.Context, code string) (*models.Coupon, *ServiceError)
	DeactivateCoupon(ctx context.Context, code string) *ServiceError
	ListCoupons(ctx context.Context, page, limit int) ([]models.Coupon, int64, *ServiceError)
}

// couponServiceImpl implements CouponService.
type couponServiceImpl struct {
	repo        repository.CouponRepository
	orderRepo   repository.OrderRepository
	couponCache *cache.CouponCache
	snsClient   aws.SNSPublisher
	snsTopicArn string
	metrics     *aws.MetricsClient
	logger      *zap.Logger
}

// NewCouponService creates a new CouponService. couponCache, snsClient and
// metrics may be nil; all are best-effort collaborators.
func NewCouponService(
	repo repository.CouponRepository,
	orderRepo repository.OrderRepository,
	couponCache *cache.CouponCache,
	snsClient aws.SNSPublisher,
	snsTopicArn string,
	metrics *aws.MetricsClient,
	logger *zap.Logger,
) CouponService {
	return &couponServiceImpl{
		repo:        repo,
		orderRepo:   orderRepo,
		couponCache: couponCache,
		snsClient:   snsClient,
		snsTopicArn: snsTopicArn,
		metrics:     metrics,
		logger:      logger,
	}
}

// CreateCoupon creates a new coupon after the creation-time policy checks:
// unique code among all coupons, end strictly after start, percentage
// value capped at 100.
func (s *couponServiceImpl) CreateCoupon(ctx context.Context, req *models.CreateCouponRequest) (*models.Coupon, *ServiceError) {
	if svcErr := s.checkCouponPolicy(req); svcErr != nil {
		return nil, svcErr
	}

	exists, err := s.repo.ExistsByCode(ctx, req.Code)
	if err != nil {
		s.logger.Error("Failed to check coupon code", zap.Error(err))
		return nil, &ServiceError{StatusCode: 500, Message: "Failed to create coupon"}
	}
	if exists {
		return nil, &ServiceError{StatusCode: 409, Message: "Coupon code already exists"}
	}

	coupon := couponFromRequest(req)
	if err := s.repo.Create(ctx, coupon); err != nil {
		if strings.Contains(err.Error(), "duplicate") || strings.Contains(err.Error(), "unique") {
			return nil, &ServiceError{StatusCode: 409, Message: "Coupon code already exists"}
		}
		s.logger.Error("Failed to create coupon", zap.Error(err))
		return nil, &ServiceError{StatusCode: 500, Message: "Failed to create coupon"}
	}

	s.logger.Info("Coupon created",
		zap.String("code", coupon.Code),
		zap.String("discount_type", string(coupon.DiscountType)),
	)
	return coupon, nil
}

// UpdateCoupon replaces the definition of an existing coupon. The same
// policy checks as creation apply; the code itself is immutable here.
func (s *couponServiceImpl) UpdateCoupon(ctx context.Context, code string, req *models.CreateCouponRequest) (*models.Coupon, *ServiceError) {
	if req.Code != code {
		return nil, &ServiceError{StatusCode: 400, Message: "Coupon code cannot be changed"}
	}
	if svcErr := s.checkCouponPolicy(req); svcErr != nil {
		return nil, svcErr
	}

	coupon, err := s.repo.FindActiveByCode(ctx, code)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, &ServiceError{StatusCode: 404, Message: "Coupon not found"}
		}
		s.logger.Error("Failed to load coupon", zap.String("code", code), zap.Error(err))
		return nil, &ServiceError{StatusCode: 500, Message: "Failed to update coupon"}
	}

	coupon.Description = req.Description
	coupon.DiscountType = req.DiscountType
	coupon.DiscountValue = req.DiscountValue
	coupon.MinPurchaseAmount = req.MinPurchaseAmount
	coupon.MaxDiscountAmount = req.MaxDiscountAmount
	coupon.UsageLimit = req.UsageLimit
	coupon.PerUserLimit = perUserLimitOrDefault(req.PerUserLimit)
	coupon.StartDate = req.StartDate
	coupon.EndDate = req.EndDate
	coupon.CategoryIDs = req.CategoryIDs
	coupon.ProductIDs = req.ProductIDs

	if err := s.repo.Update(ctx, coupon); err != nil {
		s.logger.Error("Failed to update coupon", zap.String("code", code), zap.Error(err))
		return nil, &ServiceError{StatusCode: 500, Message: "Failed to update coupon"}
	}

	s.invalidateCache(ctx, code)
	s.logger.Info("Coupon updated", zap.String("code", code))
	return coupon, nil
}

// ValidateCoupon decides whether a coupon may be applied to an order amount
// for a user and computes the discount. Checks run in a fixed order; the
// first failing check wins. The method never mutates anything.
func (s *couponServiceImpl) ValidateCoupon(ctx context.Context, req *models.ValidateCouponRequest) (*models.ValidateCouponResponse, *ServiceError) {
	if req.OrderAmount.IsNegative() {
		return nil, &ServiceError{StatusCode: 400, Message: "Order amount cannot be negative"}
	}

	coupon, err := s.repo.FindActiveByCode(ctx, req.Code)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return invalid(req.Code, "Coupon not found or inactive"), nil
		}
		s.logger.Error("Failed to load coupon", zap.String("code", req.Code), zap.Error(err))
		return nil, &ServiceError{StatusCode: 500, Message: "Failed to validate coupon"}
	}

	now := time.Now()
	if now.Before(coupon.StartDate) {
		return invalid(req.Code, "Coupon is not active yet"), nil
	}
	if !now.Before(coupon.EndDate) {
		return invalid(req.Code, "Coupon has expired"), nil
	}
	if coupon.UsageLimit != nil && coupon.UsageCount >= *coupon.UsageLimit {
		return invalid(req.Code, "Coupon usage limit reached"), nil
	}

	if coupon.PerUserLimit != nil {
		used, err := s.repo.CountUsagesByCouponAndUser(ctx, coupon.ID, req.UserID)
		if err != nil {
			s.logger.Error("Failed to count coupon usages", zap.String("code", req.Code), zap.Error(err))
			return nil, &ServiceError{StatusCode: 500, Message: "Failed to validate coupon"}
		}
		if used >= int64(*coupon.PerUserLimit) {
			return invalid(req.Code, "Per-user limit reached for this coupon"), nil
		}
	}

	if req.OrderAmount.LessThan(coupon.MinPurchaseAmount) {
		return invalid(req.Code, fmt.Sprintf("Minimum purchase amount of %s required", coupon.MinPurchaseAmount.StringFixed(2))), nil
	}

	discount := ComputeDiscount(coupon, req.OrderAmount)
	final := req.OrderAmount.Sub(discount)

	return &models.ValidateCouponResponse{
		Valid:          true,
		Code:           coupon.Code,
		Message:        "Coupon applied successfully",
		DiscountAmount: &discount,
		FinalAmount:    &final,
	}, nil
}

// ComputeDiscount computes the discount a coupon yields on an order amount:
// percentage of the amount or the fixed value, clamped first to the
// coupon's cap and then to the order amount, rounded to 2 decimals half-up.
func ComputeDiscount(coupon *models.Coupon, orderAmount decimal.Decimal) decimal.Decimal {
	var discount decimal.Decimal
	switch coupon.DiscountType {
	case models.DiscountTypePercentage:
		discount = orderAmount.Mul(coupon.DiscountValue).Div(oneHundred).Round(2)
	case models.DiscountTypeFixedAmount:
		discount = coupon.DiscountValue
	}

	if coupon.MaxDiscountAmount != nil && discount.GreaterThan(*coupon.MaxDiscountAmount) {
		discount = *coupon.MaxDiscountAmount
	}
	if discount.GreaterThan(orderAmount) {
		discount = orderAmount
	}
	return discount.Round(2)
}

// RedeemCoupon durably records that a coupon was used for an order, with
// the discount amount that was actually applied. It must run inside the
// same finalization flow as the payment; the repository serializes the
// usage-count increment against concurrent redemptions. A usage row that
// already exists for the (coupon, order) pair is a conflict.
func (s *couponServiceImpl) RedeemCoupon(ctx context.Context, couponID, orderID, userID uuid.UUID, discountAmount decimal.Decimal) *ServiceError {
	return s.redeem(ctx, couponID, orderID, userID, discountAmount, false)
}

// EnsureRedeemed is the retry-safe variant used by payment confirmation: a
// usage row already recorded for the same (coupon, order) pair counts as
// success rather than a conflict, so a confirmation retried after a
// transient failure can still complete. Every other outcome matches
// RedeemCoupon.
func (s *couponServiceImpl) EnsureRedeemed(ctx context.Context, couponID, orderID, userID uuid.UUID, discountAmount decimal.Decimal) *ServiceError {
	return s.redeem(ctx, couponID, orderID, userID, discountAmount, true)
}

func (s *couponServiceImpl) redeem(ctx context.Context, couponID, orderID, userID uuid.UUID, discountAmount decimal.Decimal, tolerateRecorded bool) *ServiceError {
	coupon, err := s.repo.FindByID(ctx, couponID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return &ServiceError{StatusCode: 404, Message: "Coupon not found"}
		}
		s.logger.Error("Failed to load coupon", zap.String("coupon_id", couponID.String()), zap.Error(err))
		return &ServiceError{StatusCode: 500, Message: "Failed to redeem coupon"}
	}

	if _, err := s.orderRepo.FindByID(ctx, orderID); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return &ServiceError{StatusCode: 404, Message: "Order not found"}
		}
		s.logger.Error("Failed to load order", zap.String("order_id", orderID.String()), zap.Error(err))
		return &ServiceError{StatusCode: 500, Message: "Failed to redeem coupon"}
	}

	exists, err := s.repo.UsageExists(ctx, couponID, orderID)
	if err != nil {
		s.logger.Error("Failed to check coupon usage", zap.Error(err))
		return &ServiceError{StatusCode: 500, Message: "Failed to redeem coupon"}
	}
	if exists {
		if tolerateRecorded {
			return nil
		}
		return &ServiceError{StatusCode: 409, Message: "Coupon already applied to this order"}
	}

	usage := &models.CouponUsage{
		CouponID:       couponID,
		OrderID:        orderID,
		UserID:         userID,
		DiscountAmount: discountAmount,
	}
	if err := s.repo.RecordUsage(ctx, usage); err != nil {
		switch {
		case errors.Is(err, repository.ErrUsageAlreadyRecorded):
			if tolerateRecorded {
				return nil
			}
			return &ServiceError{StatusCode: 409, Message: "Coupon already applied to this order"}
		case errors.Is(err, repository.ErrUsageLimitReached):
			return &ServiceError{StatusCode: 409, Message: "Coupon usage limit reached"}
		case errors.Is(err, gorm.ErrRecordNotFound):
			return &ServiceError{StatusCode: 404, Message: "Coupon not found"}
		}
		s.logger.Error("Failed to record coupon usage", zap.Error(err))
		return &ServiceError{StatusCode: 500, Message: "Failed to redeem coupon"}
	}

	s.invalidateCache(ctx, coupon.Code)
	s.publishCouponAppliedEvent(ctx, coupon, orderID, userID, discountAmount)
	if err := s.metrics.RecordCount(ctx, aws.MetricCouponsRedeemed, nil); err != nil {
		s.logger.Warn("Failed to record redemption metric", zap.Error(err))
	}

	s.logger.Info("Coupon redeemed",
		zap.String("code", coupon.Code),
		zap.String("order_id", orderID.String()),
		zap.String("discount", discountAmount.StringFixed(2)),
	)
	return nil
}

// GetCoupon retrieves a coupon by code, read-through the Redis cache.
func (s *couponServiceImpl) GetCoupon(ctx context.Context, code string) (*models.Coupon, *ServiceError) {
	if cached, ok := s.couponCache.Get(ctx, code); ok {
		return cached, nil
	}

	coupon, err := s.repo.FindActiveByCode(ctx, code)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, &ServiceError{StatusCode: 404, Message: "Coupon not found"}
		}
		s.logger.Error("Failed to load coupon", zap.String("code", code), zap.Error(err))
		return nil, &ServiceError{StatusCode: 500, Message: "Failed to fetch coupon"}
	}

	s.couponCache.Set(ctx, coupon)
	return coupon, nil
}

// DeactivateCoupon deactivates a coupon by code.
func (s *couponServiceImpl) DeactivateCoupon(ctx context.Context, code string) *ServiceError {
	if err := s.repo.Deactivate(ctx, code); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return &ServiceError{StatusCode: 404, Message: "Coupon not found"}
		}
		s.logger.Error("Failed to deactivate coupon", zap.String("code", code), zap.Error(err))
		return &ServiceError{StatusCode: 500, Message: "Failed to deactivate coupon"}
	}

	s.invalidateCache(ctx, code)
	s.logger.Info("Coupon deactivated", zap.String("code", code))
	return nil
}

// ListCoupons returns paginated coupons.
func (s *couponServiceImpl) ListCoupons(ctx context.Context, page, limit int) ([]models.Coupon, int64, *ServiceError) {
	coupons, total, err := s.repo.FindAll(ctx, page, limit)
	if err != nil {
		s.logger.Error("Failed to list coupons", zap.Error(err))
		return nil, 0, &ServiceError{StatusCode: 500, Message: "Failed to list coupons"}
	}
	return coupons, total, nil
}

// checkCouponPolicy runs the creation-time checks shared by create and
// update. These are distinct from validation: they guard what may be
// persisted, not what may be applied.
func (s *couponServiceImpl) checkCouponPolicy(req *models.CreateCouponRequest) *ServiceError {
	if !req.DiscountValue.IsPositive() {
		return &ServiceError{StatusCode: 400, Message: "Discount value must be positive"}
	}
	if req.DiscountType == models.DiscountTypePercentage && req.DiscountValue.GreaterThan(oneHundred) {
		return &ServiceError{StatusCode: 400, Message: "Percentage discount cannot exceed 100"}
	}
	if !req.EndDate.After(req.StartDate) {
		return &ServiceError{StatusCode: 400, Message: "End date must be after start date"}
	}
	if req.MinPurchaseAmount.IsNegative() {
		return &ServiceError{StatusCode: 400, Message: "Minimum purchase amount cannot be negative"}
	}
	if req.MaxDiscountAmount != nil && !req.MaxDiscountAmount.IsPositive() {
		return &ServiceError{StatusCode: 400, Message: "Maximum discount amount must be positive"}
	}
	return nil
}

func couponFromRequest(req *models.CreateCouponRequest) *models.Coupon {
	return &models.Coupon{
		Code:              req.Code,
		Description:       req.Description,
		DiscountType:      req.DiscountType,
		DiscountValue:     req.DiscountValue,
		MinPurchaseAmount: req.MinPurchaseAmount,
		MaxDiscountAmount: req.MaxDiscountAmount,
		UsageLimit:        req.UsageLimit,
		PerUserLimit:      perUserLimitOrDefault(req.PerUserLimit),
		StartDate:         req.StartDate,
		EndDate:           req.EndDate,
		Active:            true,
		CategoryIDs:       req.CategoryIDs,
		ProductIDs:        req.ProductIDs,
	}
}

// perUserLimitOrDefault applies the default of one redemption per user when
// the request leaves the limit unset.
func perUserLimitOrDefault(limit *int) *int {
	if limit != nil {
		return limit
	}
	one := 1
	return &one
}

func invalid(code, message string) *models.ValidateCouponResponse {
	return &models.ValidateCouponResponse{Valid: false, Code: code, Message: message}
}

func (s *couponServiceImpl) invalidateCache(ctx context.Context, code string) {
	if err := s.couponCache.Invalidate(ctx, code); err != nil {
		s.logger.Warn("Failed to invalidate coupon cache", zap.String("code", code), zap.Error(err))
	}
}

// publishCouponAppliedEvent publishes a coupon_applied event to SNS,
// best-effort.
func (s *couponServiceImpl) publishCouponAppliedEvent(ctx context.Context, coupon *models.Coupon, orderID, userID uuid.UUID, discount decimal.Decimal) {
	if s.snsClient == nil || s.snsTopicArn == "" {
		return
	}

	event := models.CouponAppliedEvent{
		EventType:      "coupon_applied",
		CouponID:       coupon.ID.String(),
		CouponCode:     coupon.Code,
		OrderID:        orderID.String(),
		UserID:         userID.String(),
		DiscountAmount: discount.StringFixed(2),
		Timestamp:      time.Now(),
	}

	eventBytes, err := json.Marshal(event)
	if err != nil {
		s.logger.Error("Failed to marshal coupon_applied event", zap.Error(err))
		return
	}

	if err := s.snsClient.Publish(ctx, s.snsTopicArn, eventBytes); err != nil {
		s.logger.Error("Failed to publish coupon_applied event", zap.Error(err))
	}
}
