package services_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"checkout-service/models"
	"checkout-service/services"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// --- Mock ProductRepository ---

type mockProductRepo struct {
	products map[uuid.UUID]*models.Product
	variants map[uuid.UUID]*models.ProductVariant
}

func newMockProductRepo() *mockProductRepo {
	return &mockProductRepo{
		products: make(map[uuid.UUID]*models.Product),
		variants: make(map[uuid.UUID]*models.ProductVariant),
	}
}

func (m *mockProductRepo) FindProductByID(_ context.Context, id uuid.UUID) (*models.Product, error) {
	p, ok := m.products[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	return p, nil
}

func (m *mockProductRepo) FindVariantByID(_ context.Context, id uuid.UUID) (*models.ProductVariant, error) {
	v, ok := m.variants[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	return v, nil
}

func (m *mockProductRepo) addProduct(price string) *models.Product {
	p := &models.Product{ID: uuid.New(), Name: "test product", Price: dec(price)}
	m.products[p.ID] = p
	return p
}

func (m *mockProductRepo) addVariant(productID uuid.UUID, price *decimal.Decimal) *models.ProductVariant {
	v := &models.ProductVariant{ID: uuid.New(), ProductID: productID, Price: price}
	m.variants[v.ID] = v
	return v
}

// --- Mock PaymentRepository ---

type mockPaymentRepo struct {
	payments       map[uuid.UUID]*models.Payment // keyed by order id
	updateFailures int
}

func newMockPaymentRepo() *mockPaymentRepo {
	return &mockPaymentRepo{payments: make(map[uuid.UUID]*models.Payment)}
}

func (m *mockPaymentRepo) Create(_ context.Context, p *models.Payment) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	m.payments[p.OrderID] = p
	return nil
}

func (m *mockPaymentRepo) FindByOrderID(_ context.Context, orderID uuid.UUID) (*models.Payment, error) {
	p, ok := m.payments[orderID]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	copied := *p
	return &copied, nil
}

func (m *mockPaymentRepo) Update(_ context.Context, p *models.Payment) error {
	if m.updateFailures > 0 {
		m.updateFailures--
		return errors.New("connection reset by peer")
	}
	m.payments[p.OrderID] = p
	return nil
}

// --- Mock CouponService ---

type mockCouponService struct {
	validateResp *models.ValidateCouponResponse
	coupon       *models.Coupon
	redeemErr    *services.ServiceError
	redeemed     []uuid.UUID // order ids redeemed against
}

func (m *mockCouponService) CreateCoupon(_ context.Context, _ *models.CreateCouponRequest) (*models.Coupon, *services.ServiceError) {
	return nil, nil
}

func (m *mockCouponService) UpdateCoupon(_ context.Context, _ string, _ *models.CreateCouponRequest) (*models.Coupon, *services.ServiceError) {
	return nil, nil
}

func (m *mockCouponService) ValidateCoupon(_ context.Context, _ *models.ValidateCouponRequest) (*models.ValidateCouponResponse, *services.ServiceError) {
	return m.validateResp, nil
}

func (m *mockCouponService) RedeemCoupon(_ context.Context, _ uuid.UUID, orderID uuid.UUID, _ uuid.UUID, _ decimal.Decimal) *services.ServiceError {
	if m.redeemErr != nil {
		return m.redeemErr
	}
	for _, id := range m.redeemed {
		if id == orderID {
			return &services.ServiceError{StatusCode: 409, Message: "Coupon already applied to this order"}
		}
	}
	m.redeemed = append(m.redeemed, orderID)
	return nil
}

func (m *mockCouponService) EnsureRedeemed(_ context.Context, _ uuid.UUID, orderID uuid.UUID, _ uuid.UUID, _ decimal.Decimal) *services.ServiceError {
	if m.redeemErr != nil {
		return m.redeemErr
	}
	for _, id := range m.redeemed {
		if id == orderID {
			return nil
		}
	}
	m.redeemed = append(m.redeemed, orderID)
	return nil
}

func (m *mockCouponService) GetCoupon(_ context.Context, _ string) (*models.Coupon, *services.ServiceError) {
	if m.coupon == nil {
		return nil, &services.ServiceError{StatusCode: 404, Message: "Coupon not found"}
	}
	return m.coupon, nil
}

func (m *mockCouponService) DeactivateCoupon(_ context.Context, _ string) *services.ServiceError {
	return nil
}

func (m *mockCouponService) ListCoupons(_ context.Context, _, _ int) ([]models.Coupon, int64, *services.ServiceError) {
	return nil, 0, nil
}

// --- Helpers ---

type orderServiceFixture struct {
	orders   *mockOrderLookup
	products *mockProductRepo
	payments *mockPaymentRepo
	coupons  *mockCouponService
	sns      *mockSNSPublisher
	svc      services.OrderService
}

func newOrderServiceFixture() *orderServiceFixture {
	f := &orderServiceFixture{
		orders:   newMockOrderLookup(),
		products: newMockProductRepo(),
		payments: newMockPaymentRepo(),
		coupons:  &mockCouponService{},
		sns:      &mockSNSPublisher{},
	}
	logger, _ := zap.NewDevelopment()
	f.svc = services.NewOrderService(
		f.orders, f.products, f.payments, f.coupons, f.sns,
		"arn:aws:sns:us-east-1:000000000000:order-events",
		nil, dec("0.14"), dec("10.00"), logger,
	)
	return f
}

func (f *orderServiceFixture) seedOrder(userID uuid.UUID, status models.OrderStatus) *models.Order {
	order := &models.Order{
		UserID:   userID,
		Status:   status,
		Subtotal: dec("100.00"),
		Total:    dec("124.00"),
	}
	_ = f.orders.Create(context.Background(), order)
	return order
}

// --- Pricing ---

func TestCreateOrder_Totals(t *testing.T) {
	f := newOrderServiceFixture()
	product := f.products.addProduct("50.00")
	userID := uuid.New()

	order, svcErr := f.svc.CreateOrder(context.Background(), userID, "buyer@example.com", &models.CreateOrderRequest{
		Items: []models.OrderSelection{{ProductID: product.ID, Quantity: 2}},
	})

	assert.Nil(t, svcErr)
	assert.True(t, order.Subtotal.Equal(dec("100.00")), "subtotal %s", order.Subtotal)
	assert.True(t, order.ShippingCost.Equal(dec("10.00")), "shipping %s", order.ShippingCost)
	assert.True(t, order.Tax.Equal(dec("14.00")), "tax %s", order.Tax)
	assert.True(t, order.Discount.IsZero())
	assert.True(t, order.Total.Equal(dec("124.00")), "total %s", order.Total)

	// total == subtotal + shipping + tax - discount
	expected := order.Subtotal.Add(order.ShippingCost).Add(order.Tax).Sub(order.Discount)
	assert.True(t, order.Total.Equal(expected))

	assert.Equal(t, models.OrderStatusPending, order.Status)
	if assert.Len(t, order.StatusHistory, 1) {
		assert.Equal(t, models.OrderStatusPending, order.StatusHistory[0].Status)
		assert.Equal(t, "buyer@example.com", order.StatusHistory[0].Actor)
	}

	payment, err := f.payments.FindByOrderID(context.Background(), order.ID)
	assert.NoError(t, err)
	assert.Equal(t, models.PaymentStatusPending, payment.Status)
	assert.True(t, payment.Amount.Equal(order.Total))
}

func TestCreateOrder_CapturesPriceAtPurchase(t *testing.T) {
	f := newOrderServiceFixture()
	product := f.products.addProduct("19.99")

	order, svcErr := f.svc.CreateOrder(context.Background(), uuid.New(), "buyer@example.com", &models.CreateOrderRequest{
		Items: []models.OrderSelection{{ProductID: product.ID, Quantity: 3}},
	})
	assert.Nil(t, svcErr)

	// A later catalog price change must not affect the captured line.
	product.Price = dec("29.99")

	if assert.Len(t, order.Items, 1) {
		assert.True(t, order.Items[0].UnitPrice.Equal(dec("19.99")))
		assert.True(t, order.Items[0].TotalPrice.Equal(dec("59.97")))
	}
}

func TestCreateOrder_VariantPriceOverridesProductPrice(t *testing.T) {
	f := newOrderServiceFixture()
	product := f.products.addProduct("50.00")
	withPrice := f.products.addVariant(product.ID, decPtr("45.00"))
	withoutPrice := f.products.addVariant(product.ID, nil)

	order, svcErr := f.svc.CreateOrder(context.Background(), uuid.New(), "buyer@example.com", &models.CreateOrderRequest{
		Items: []models.OrderSelection{
			{ProductID: product.ID, VariantID: &withPrice.ID, Quantity: 1},
			{ProductID: product.ID, VariantID: &withoutPrice.ID, Quantity: 1},
		},
	})

	assert.Nil(t, svcErr)
	if assert.Len(t, order.Items, 2) {
		assert.True(t, order.Items[0].UnitPrice.Equal(dec("45.00")), "variant price wins")
		assert.True(t, order.Items[1].UnitPrice.Equal(dec("50.00")), "falls back to product price")
	}
}

func TestCreateOrder_VariantFromOtherProduct(t *testing.T) {
	f := newOrderServiceFixture()
	product := f.products.addProduct("50.00")
	other := f.products.addProduct("30.00")
	foreignVariant := f.products.addVariant(other.ID, nil)

	_, svcErr := f.svc.CreateOrder(context.Background(), uuid.New(), "buyer@example.com", &models.CreateOrderRequest{
		Items: []models.OrderSelection{{ProductID: product.ID, VariantID: &foreignVariant.ID, Quantity: 1}},
	})

	assert.NotNil(t, svcErr)
	assert.Equal(t, 409, svcErr.StatusCode)
}

func TestCreateOrder_ProductNotFound(t *testing.T) {
	f := newOrderServiceFixture()

	_, svcErr := f.svc.CreateOrder(context.Background(), uuid.New(), "buyer@example.com", &models.CreateOrderRequest{
		Items: []models.OrderSelection{{ProductID: uuid.New(), Quantity: 1}},
	})

	assert.NotNil(t, svcErr)
	assert.Equal(t, 404, svcErr.StatusCode)
}

func TestCreateOrder_WithCoupon(t *testing.T) {
	f := newOrderServiceFixture()
	product := f.products.addProduct("100.00")

	coupon := &models.Coupon{ID: uuid.New(), Code: "SAVE10"}
	discount := dec("10.00")
	final := dec("90.00")
	f.coupons.coupon = coupon
	f.coupons.validateResp = &models.ValidateCouponResponse{
		Valid: true, Code: "SAVE10", DiscountAmount: &discount, FinalAmount: &final,
	}

	order, svcErr := f.svc.CreateOrder(context.Background(), uuid.New(), "buyer@example.com", &models.CreateOrderRequest{
		Items:      []models.OrderSelection{{ProductID: product.ID, Quantity: 1}},
		CouponCode: "SAVE10",
	})

	assert.Nil(t, svcErr)
	assert.True(t, order.Discount.Equal(dec("10.00")))
	// 100 + 10 shipping + 14 tax - 10 discount
	assert.True(t, order.Total.Equal(dec("114.00")), "total %s", order.Total)
	if assert.NotNil(t, order.CouponID) {
		assert.Equal(t, coupon.ID, *order.CouponID)
	}
	assert.Empty(t, f.coupons.redeemed, "creation must not redeem the coupon")
}

func TestCreateOrder_RejectedCouponFailsOrder(t *testing.T) {
	f := newOrderServiceFixture()
	product := f.products.addProduct("20.00")
	f.coupons.validateResp = &models.ValidateCouponResponse{
		Valid: false, Code: "BIGSPEND", Message: "Minimum purchase amount of 50.00 required",
	}

	_, svcErr := f.svc.CreateOrder(context.Background(), uuid.New(), "buyer@example.com", &models.CreateOrderRequest{
		Items:      []models.OrderSelection{{ProductID: product.ID, Quantity: 1}},
		CouponCode: "BIGSPEND",
	})

	assert.NotNil(t, svcErr)
	assert.Equal(t, 400, svcErr.StatusCode)
	assert.Equal(t, "Minimum purchase amount of 50.00 required", svcErr.Message)
}

// --- State machine ---

func TestUpdateStatus_AllowedTransition(t *testing.T) {
	f := newOrderServiceFixture()
	order := f.seedOrder(uuid.New(), models.OrderStatusPending)

	updated, svcErr := f.svc.UpdateStatus(context.Background(), order.ID, models.OrderStatusProcessing, "picking started", "admin@example.com")

	assert.Nil(t, svcErr)
	assert.Equal(t, models.OrderStatusProcessing, updated.Status)
	if assert.Len(t, order.StatusHistory, 1) {
		assert.Equal(t, models.OrderStatusProcessing, order.StatusHistory[0].Status)
		assert.Equal(t, "admin@example.com", order.StatusHistory[0].Actor)
	}
}

func TestUpdateStatus_IllegalTransition(t *testing.T) {
	f := newOrderServiceFixture()
	order := f.seedOrder(uuid.New(), models.OrderStatusPending)

	_, svcErr := f.svc.UpdateStatus(context.Background(), order.ID, models.OrderStatusShipped, "", "admin@example.com")

	assert.NotNil(t, svcErr)
	assert.Equal(t, 409, svcErr.StatusCode)
	assert.Contains(t, svcErr.Message, "PENDING")
	assert.Contains(t, svcErr.Message, "SHIPPED")
	assert.Equal(t, models.OrderStatusPending, order.Status, "order unchanged after rejection")
	assert.Empty(t, order.StatusHistory, "no history row for rejected transition")
}

func TestUpdateStatus_DeliveredIsTerminal(t *testing.T) {
	f := newOrderServiceFixture()
	order := f.seedOrder(uuid.New(), models.OrderStatusDelivered)

	for _, target := range []models.OrderStatus{
		models.OrderStatusPending,
		models.OrderStatusProcessing,
		models.OrderStatusShipped,
		models.OrderStatusCancelled,
	} {
		_, svcErr := f.svc.UpdateStatus(context.Background(), order.ID, target, "", "admin@example.com")
		assert.NotNil(t, svcErr, "DELIVERED -> %s should be rejected", target)
		assert.Equal(t, 409, svcErr.StatusCode)
	}
}

func TestUpdateStatus_OrderNotFound(t *testing.T) {
	f := newOrderServiceFixture()

	_, svcErr := f.svc.UpdateStatus(context.Background(), uuid.New(), models.OrderStatusProcessing, "", "admin@example.com")

	assert.NotNil(t, svcErr)
	assert.Equal(t, 404, svcErr.StatusCode)
}

func TestCancelOrder_PendingOrder(t *testing.T) {
	f := newOrderServiceFixture()
	userID := uuid.New()
	order := f.seedOrder(userID, models.OrderStatusPending)

	cancelled, svcErr := f.svc.CancelOrder(context.Background(), userID, order.ID, "buyer@example.com")

	assert.Nil(t, svcErr)
	assert.Equal(t, models.OrderStatusCancelled, cancelled.Status)
}

func TestCancelOrder_ShippedOrderRejected(t *testing.T) {
	f := newOrderServiceFixture()
	userID := uuid.New()
	order := f.seedOrder(userID, models.OrderStatusShipped)

	_, svcErr := f.svc.CancelOrder(context.Background(), userID, order.ID, "buyer@example.com")

	assert.NotNil(t, svcErr)
	assert.Equal(t, 409, svcErr.StatusCode)
	assert.Contains(t, svcErr.Message, "SHIPPED")
}

func TestCancelOrder_ScopedToOwner(t *testing.T) {
	f := newOrderServiceFixture()
	order := f.seedOrder(uuid.New(), models.OrderStatusPending)

	_, svcErr := f.svc.CancelOrder(context.Background(), uuid.New(), order.ID, "stranger@example.com")

	assert.NotNil(t, svcErr)
	assert.Equal(t, 404, svcErr.StatusCode)
}

// --- Payment linkage ---

func TestConfirmPayment_AdvancesOrderAndRedeemsCoupon(t *testing.T) {
	f := newOrderServiceFixture()
	userID := uuid.New()
	order := f.seedOrder(userID, models.OrderStatusPending)
	couponID := uuid.New()
	order.CouponID = &couponID
	order.Discount = dec("10.00")
	_ = f.payments.Create(context.Background(), &models.Payment{
		OrderID: order.ID, UserID: userID, Amount: order.Total, Status: models.PaymentStatusPending,
	})

	svcErr := f.svc.ConfirmPayment(context.Background(), order.ID, "buyer@example.com")

	assert.Nil(t, svcErr)
	assert.Equal(t, []uuid.UUID{order.ID}, f.coupons.redeemed)
	assert.Equal(t, models.OrderStatusProcessing, order.Status)

	payment, _ := f.payments.FindByOrderID(context.Background(), order.ID)
	assert.Equal(t, models.PaymentStatusCompleted, payment.Status)
	assert.NotNil(t, payment.CompletedAt)
}

func TestConfirmPayment_RedemptionConflictLeavesPaymentPending(t *testing.T) {
	f := newOrderServiceFixture()
	userID := uuid.New()
	order := f.seedOrder(userID, models.OrderStatusPending)
	couponID := uuid.New()
	order.CouponID = &couponID
	f.coupons.redeemErr = &services.ServiceError{StatusCode: 409, Message: "Coupon usage limit reached"}
	_ = f.payments.Create(context.Background(), &models.Payment{
		OrderID: order.ID, UserID: userID, Amount: order.Total, Status: models.PaymentStatusPending,
	})

	svcErr := f.svc.ConfirmPayment(context.Background(), order.ID, "buyer@example.com")

	assert.NotNil(t, svcErr)
	assert.Equal(t, 409, svcErr.StatusCode)

	payment, _ := f.payments.FindByOrderID(context.Background(), order.ID)
	assert.Equal(t, models.PaymentStatusPending, payment.Status, "payment untouched when redemption fails")
	assert.Equal(t, models.OrderStatusPending, order.Status)
}

func TestConfirmPayment_RetrySucceedsAfterTransientFailure(t *testing.T) {
	f := newOrderServiceFixture()
	userID := uuid.New()
	order := f.seedOrder(userID, models.OrderStatusPending)
	couponID := uuid.New()
	order.CouponID = &couponID
	order.Discount = dec("10.00")
	_ = f.payments.Create(context.Background(), &models.Payment{
		OrderID: order.ID, UserID: userID, Amount: order.Total, Status: models.PaymentStatusPending,
	})

	// First attempt: the coupon redemption commits, then the payment
	// update fails.
	f.payments.updateFailures = 1
	svcErr := f.svc.ConfirmPayment(context.Background(), order.ID, "buyer@example.com")
	assert.NotNil(t, svcErr)
	assert.Equal(t, 500, svcErr.StatusCode)
	assert.Equal(t, []uuid.UUID{order.ID}, f.coupons.redeemed)

	payment, _ := f.payments.FindByOrderID(context.Background(), order.ID)
	assert.Equal(t, models.PaymentStatusPending, payment.Status)
	assert.Equal(t, models.OrderStatusPending, order.Status)

	// Retry: the already-recorded usage must not block confirmation.
	svcErr = f.svc.ConfirmPayment(context.Background(), order.ID, "buyer@example.com")
	assert.Nil(t, svcErr)
	assert.Equal(t, []uuid.UUID{order.ID}, f.coupons.redeemed, "redeemed exactly once")
	assert.Equal(t, models.OrderStatusProcessing, order.Status)

	payment, _ = f.payments.FindByOrderID(context.Background(), order.ID)
	assert.Equal(t, models.PaymentStatusCompleted, payment.Status)
	assert.NotNil(t, payment.CompletedAt)
}

func TestConfirmPayment_AlreadyCompleted(t *testing.T) {
	f := newOrderServiceFixture()
	userID := uuid.New()
	order := f.seedOrder(userID, models.OrderStatusProcessing)
	_ = f.payments.Create(context.Background(), &models.Payment{
		OrderID: order.ID, UserID: userID, Amount: order.Total, Status: models.PaymentStatusCompleted,
	})

	svcErr := f.svc.ConfirmPayment(context.Background(), order.ID, "buyer@example.com")

	assert.NotNil(t, svcErr)
	assert.Equal(t, 409, svcErr.StatusCode)
}

func TestRefundPayment_ForcesCancellation(t *testing.T) {
	f := newOrderServiceFixture()
	userID := uuid.New()
	order := f.seedOrder(userID, models.OrderStatusDelivered)
	now := time.Now()
	_ = f.payments.Create(context.Background(), &models.Payment{
		OrderID: order.ID, UserID: userID, Amount: order.Total,
		Status: models.PaymentStatusCompleted, CompletedAt: &now,
	})

	svcErr := f.svc.RefundPayment(context.Background(), order.ID, "admin@example.com")

	assert.Nil(t, svcErr)
	// Refund cancels even a DELIVERED order, bypassing the transition table.
	assert.Equal(t, models.OrderStatusCancelled, order.Status)
	if assert.Len(t, order.StatusHistory, 1) {
		assert.Equal(t, services.SystemActor, order.StatusHistory[0].Actor)
	}

	payment, _ := f.payments.FindByOrderID(context.Background(), order.ID)
	assert.Equal(t, models.PaymentStatusRefunded, payment.Status)
	assert.NotNil(t, payment.RefundedAt)
}

func TestRefundPayment_AlreadyCancelledOrderKeepsStatus(t *testing.T) {
	f := newOrderServiceFixture()
	userID := uuid.New()
	order := f.seedOrder(userID, models.OrderStatusCancelled)
	now := time.Now()
	_ = f.payments.Create(context.Background(), &models.Payment{
		OrderID: order.ID, UserID: userID, Amount: order.Total,
		Status: models.PaymentStatusCompleted, CompletedAt: &now,
	})

	svcErr := f.svc.RefundPayment(context.Background(), order.ID, "admin@example.com")

	assert.Nil(t, svcErr)
	assert.Equal(t, models.OrderStatusCancelled, order.Status)
	assert.Empty(t, order.StatusHistory, "no duplicate CANCELLED row")
}

func TestRefundPayment_RequiresCompletedPayment(t *testing.T) {
	f := newOrderServiceFixture()
	userID := uuid.New()
	order := f.seedOrder(userID, models.OrderStatusPending)
	_ = f.payments.Create(context.Background(), &models.Payment{
		OrderID: order.ID, UserID: userID, Amount: order.Total, Status: models.PaymentStatusPending,
	})

	svcErr := f.svc.RefundPayment(context.Background(), order.ID, "admin@example.com")

	assert.NotNil(t, svcErr)
	assert.Equal(t, 409, svcErr.StatusCode)
}
