// Package payments issues PayKeeper invoices for subscription plans and
// activates the plan when PayKeeper confirms the payment.
package payments

import (
	"context"
	"crypto/subtle"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/everliv/everliv-api/internal/config"
	"github.com/everliv/everliv-api/internal/database"
	svcerrors "github.com/everliv/everliv-api/internal/errors"
	"github.com/everliv/everliv-api/internal/logging"
	"github.com/everliv/everliv-api/internal/metrics"
)

// ProviderPayKeeper is the payments.provider value of PayKeeper invoices.
const ProviderPayKeeper = "paykeeper"

// Payment events.
const (
	EventInvoiceCreated = "invoice_created"
	EventSucceeded      = "succeeded"
	EventDuplicate      = "duplicate_callback"
	EventRejected       = "rejected"
	EventExpired        = "expired"
)

// Activator grants a plan after a successful payment.
type Activator interface {
	Activate(ctx context.Context, userID, planID string, months int, paymentID string) (*database.Subscription, error)
}

// Invoice is returned to the client after CreateInvoice.
type Invoice struct {
	PaymentID  string  `json:"payment_id"`
	InvoiceID  string  `json:"invoice_id"`
	PaymentURL string  `json:"payment_url"`
	Amount     float64 `json:"amount"`
	Currency   string  `json:"currency"`
	PlanID     string  `json:"plan_id"`
}

// Callback is a PayKeeper payment notification.
type Callback struct {
	ID       string
	Sum      string
	ClientID string
	OrderID  string
	Key      string
}

// Config wires the service.
type Config struct {
	Store     database.PaymentStore
	Gateway   Gateway
	Activator Activator
	Plans     *config.Plans
	Secret    string
	Metrics   *metrics.Metrics
	Logger    *logging.Logger
}

// Service implements invoices and payment notifications.
type Service struct {
	store     database.PaymentStore
	gateway   Gateway
	activator Activator
	plans     *config.Plans
	secret    string
	metrics   *metrics.Metrics
	logger    *logging.Logger
	now       func() time.Time
}

// New creates the payments service. Gateway may be nil when PayKeeper is not configured.
func New(cfg Config) (*Service, error) {
	if cfg.Store == nil || cfg.Activator == nil || cfg.Plans == nil {
		return nil, fmt.Errorf("payments: store, activator and plans are required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NewDiscard()
	}
	return &Service{
		store:     cfg.Store,
		gateway:   cfg.Gateway,
		activator: cfg.Activator,
		plans:     cfg.Plans,
		secret:    cfg.Secret,
		metrics:   cfg.Metrics,
		logger:    logger,
		now:       time.Now,
	}, nil
}

// CreateInvoice records a pending payment for planID and issues a PayKeeper invoice for it.
func (s *Service) CreateInvoice(ctx context.Context, userID, email, planID string) (*Invoice, error) {
	if s.gateway == nil {
		return nil, svcerrors.Unavailable("payments are not configured")
	}
	plan, ok := s.plans.Plan(planID)
	if !ok {
		return nil, svcerrors.BadRequest("unknown plan").WithDetails("plan", planID)
	}
	if !plan.IsPaid() {
		return nil, svcerrors.BadRequest("plan is free").WithDetails("plan", planID)
	}

	payment, err := s.store.CreatePayment(ctx, &database.Payment{
		UserID:   userID,
		PlanID:   plan.ID,
		Amount:   float64(plan.Price),
		Currency: s.plans.Currency,
		Status:   database.PaymentPending,
		Provider: ProviderPayKeeper,
	})
	if err != nil {
		return nil, fmt.Errorf("create payment: %w", err)
	}

	invoiceID, err := s.gateway.CreateInvoice(ctx, InvoiceRequest{
		Amount:      payment.Amount,
		ClientID:    userID,
		OrderID:     payment.ID,
		ServiceName: "EVERLIV " + plan.Name,
		ClientEmail: email,
	})
	if err != nil {
		failed := database.PaymentFailed
		if _, uerr := s.store.UpdatePayment(ctx, payment.ID, database.PaymentUpdate{Status: &failed}); uerr != nil {
			s.logger.WithContext(ctx).WithError(uerr).Warn("failed to mark payment failed")
		}
		return nil, svcerrors.Upstream(ProviderPayKeeper, err)
	}

	paymentURL := s.gateway.InvoiceURL(invoiceID)
	if _, err := s.store.UpdatePayment(ctx, payment.ID, database.PaymentUpdate{
		InvoiceID:  &invoiceID,
		PaymentURL: &paymentURL,
	}); err != nil {
		return nil, fmt.Errorf("store invoice: %w", err)
	}

	s.record(EventInvoiceCreated)
	s.logger.WithContext(ctx).WithFields(map[string]interface{}{
		"payment_id": payment.ID,
		"invoice_id": invoiceID,
		"plan":       plan.ID,
	}).Info("invoice created")

	return &Invoice{
		PaymentID:  payment.ID,
		InvoiceID:  invoiceID,
		PaymentURL: paymentURL,
		Amount:     payment.Amount,
		Currency:   payment.Currency,
		PlanID:     plan.ID,
	}, nil
}

// HandleCallback verifies a payment notification, activates the plan and returns
// the acknowledgement body. The payment is claimed before activation, so repeated
// or overlapping notifications for one order activate the plan once.
func (s *Service) HandleCallback(ctx context.Context, cb Callback) (string, error) {
	if s.secret == "" {
		return "", svcerrors.Unavailable("payments are not configured")
	}
	if cb.ID == "" || cb.Sum == "" || cb.OrderID == "" || cb.Key == "" {
		return "", svcerrors.BadRequest("id, sum, orderid and key are required")
	}

	expected := CallbackKey(cb.ID, cb.Sum, cb.ClientID, cb.OrderID, s.secret)
	if subtle.ConstantTimeCompare([]byte(strings.ToLower(cb.Key)), []byte(expected)) != 1 {
		s.record(EventRejected)
		s.logger.LogSecurityEvent(ctx, "paykeeper_bad_signature", map[string]interface{}{"order_id": cb.OrderID})
		return "", svcerrors.Forbidden("invalid signature")
	}

	payment, err := s.store.GetPayment(ctx, cb.OrderID)
	if database.IsNotFound(err) {
		s.record(EventRejected)
		return "", svcerrors.NotFound("payment")
	}
	if err != nil {
		return "", fmt.Errorf("get payment: %w", err)
	}

	ack := CallbackAck(cb.ID, s.secret)
	if payment.Status == database.PaymentSucceeded {
		s.record(EventDuplicate)
		return ack, nil
	}

	sum, err := strconv.ParseFloat(strings.ReplaceAll(strings.TrimSpace(cb.Sum), ",", "."), 64)
	if err != nil || math.Abs(sum-payment.Amount) > 0.005 {
		s.record(EventRejected)
		s.logger.LogSecurityEvent(ctx, "paykeeper_amount_mismatch", map[string]interface{}{
			"order_id": payment.ID,
			"expected": payment.Amount,
			"received": cb.Sum,
		})
		return "", svcerrors.BadRequest("amount does not match the invoice")
	}

	status := database.PaymentSucceeded
	paidAt := s.now().UTC()
	providerID := cb.ID
	_, err = s.store.ClaimPayment(ctx, payment.ID, payment.Status, database.PaymentUpdate{
		Status:            &status,
		ProviderPaymentID: &providerID,
		PaidAt:            &paidAt,
	})
	if database.IsNotFound(err) {
		// another notification for the same order got there first
		s.record(EventDuplicate)
		return ack, nil
	}
	if err != nil {
		return "", fmt.Errorf("claim payment: %w", err)
	}

	if _, err := s.activator.Activate(ctx, payment.UserID, payment.PlanID, 0, payment.ID); err != nil {
		s.release(ctx, payment)
		return "", fmt.Errorf("activate plan: %w", err)
	}

	s.record(EventSucceeded)
	s.logger.WithContext(ctx).WithFields(map[string]interface{}{
		"payment_id": payment.ID,
		"user_id":    payment.UserID,
		"plan":       payment.PlanID,
	}).Info("payment succeeded")
	return ack, nil
}

// release hands a claimed payment back so PayKeeper's retry can activate it.
func (s *Service) release(ctx context.Context, payment *database.Payment) {
	previous := payment.Status
	_, err := s.store.ClaimPayment(context.WithoutCancel(ctx), payment.ID, database.PaymentSucceeded,
		database.PaymentUpdate{Status: &previous})
	if err != nil {
		s.logger.WithContext(ctx).WithError(err).WithField("payment_id", payment.ID).
			Error("payment marked succeeded without an active plan")
	}
}

// ListPayments returns the payments of userID, newest first.
func (s *Service) ListPayments(ctx context.Context, userID string) ([]database.Payment, error) {
	return s.store.ListPayments(ctx, userID)
}

// ListByStatus returns payments in status for the back-office; "" lists every status.
func (s *Service) ListByStatus(ctx context.Context, status string, limit int) ([]database.Payment, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	payments, err := s.store.ListPaymentsByStatus(ctx, status, limit)
	if database.IsInvalidInput(err) {
		return nil, svcerrors.BadRequest(err.Error())
	}
	return payments, err
}

// ExpirePending expires invoices still pending since before olderThan.
func (s *Service) ExpirePending(ctx context.Context, olderThan time.Time) (int, error) {
	n, err := s.store.ExpirePendingPayments(ctx, olderThan)
	if err != nil {
		return 0, err
	}
	for i := 0; i < n; i++ {
		s.record(EventExpired)
	}
	return n, nil
}

func (s *Service) record(event string) {
	if s.metrics != nil {
		s.metrics.RecordPaymentEvent(event)
	}
}
