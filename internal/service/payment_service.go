package service

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/digkill/ImageForge/internal/database"
	"github.com/digkill/ImageForge/internal/models"
	"github.com/digkill/ImageForge/internal/repository"
)

const providerYooKassa = "yookassa"

const (
	paymentPending   = "pending"
	paymentSucceeded = "succeeded"
	paymentCanceled  = "canceled"
)

type PaymentConfig struct {
	ShopID    string
	SecretKey string
	ReturnURL string
	BaseURL   string
}

// PaymentService sells credit packages through YooKassa.
type PaymentService struct {
	db       *database.DB
	ledger   *LedgerService
	payments *repository.PaymentRepository
	plans    *PlanService
	cfg      PaymentConfig
	client   *http.Client
	log      *slog.Logger
	now      func() time.Time
}

type CheckoutResult struct {
	PaymentID       int64  `json:"payment_id"`
	Status          string `json:"status"`
	ConfirmationURL string `json:"confirmation_url"`
}

func NewPaymentService(db *database.DB, ledger *LedgerService, payments *repository.PaymentRepository, plans *PlanService, cfg PaymentConfig, log *slog.Logger) *PaymentService {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.yookassa.ru"
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &PaymentService{
		db:       db,
		ledger:   ledger,
		payments: payments,
		plans:    plans,
		cfg:      cfg,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
		log: log,
		now: utcNow,
	}
}

// Checkout opens a YooKassa payment for an active plan and records it as pending.
func (s *PaymentService) Checkout(ctx context.Context, accountID, planID int64) (*CheckoutResult, error) {
	plan, err := s.plans.GetByID(ctx, planID)
	if err != nil {
		return nil, err
	}
	if plan == nil || !plan.IsActive {
		return nil, notFound("plan")
	}

	payment, err := s.createYooKassaPayment(ctx, accountID, plan)
	if err != nil {
		return nil, err
	}

	now := s.now()
	record := &models.Payment{
		AccountID:      accountID,
		PlanID:         plan.ID,
		Provider:       providerYooKassa,
		ProviderCharge: payment.ID,
		Currency:       plan.Currency,
		Amount:         plan.PriceMinorUnits,
		Status:         paymentPending,
		RawPayload:     string(jsonMustMarshal(payment)),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.payments.Create(ctx, s.db, record); err != nil {
		return nil, fmt.Errorf("record payment: %w", err)
	}
	s.log.Info("checkout started", "payment_id", record.ID, "account_id", accountID, "plan_id", plan.ID, "charge_id", payment.ID)
	return &CheckoutResult{PaymentID: record.ID, Status: record.Status, ConfirmationURL: payment.Confirmation.URL}, nil
}

type yooPaymentResponse struct {
	ID           string `json:"id"`
	Status       string `json:"status"`
	Paid         bool   `json:"paid"`
	Confirmation struct {
		Type string `json:"type"`
		URL  string `json:"confirmation_url"`
	} `json:"confirmation"`
	Amount struct {
		Value    string `json:"value"`
		Currency string `json:"currency"`
	} `json:"amount"`
}

func (s *PaymentService) createYooKassaPayment(ctx context.Context, accountID int64, plan *models.Plan) (*yooPaymentResponse, error) {
	if s.cfg.ShopID == "" || s.cfg.SecretKey == "" {
		return nil, errors.New("yookassa credentials are not configured")
	}

	returnURL := s.cfg.ReturnURL
	if returnURL == "" {
		returnURL = "https://t.me"
	}
	payload := map[string]any{
		"amount": map[string]string{
			"value":    fmt.Sprintf("%d.%02d", plan.PriceMinorUnits/100, plan.PriceMinorUnits%100),
			"currency": plan.Currency,
		},
		"capture": true,
		"confirmation": map[string]string{
			"type":       "redirect",
			"return_url": returnURL,
		},
		"description": fmt.Sprintf("%s (%d credits)", plan.Title, plan.Credits),
		"metadata": map[string]string{
			"account_id": fmt.Sprint(accountID),
			"plan_id":    fmt.Sprint(plan.ID),
		},
	}

	body, _ := json.Marshal(payload)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.BaseURL+"/v3/payments", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build yookassa request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotence-Key", uuid.NewString())

	parsed, err := s.doYooKassa(req)
	if err != nil {
		return nil, err
	}
	if parsed.ID == "" || parsed.Confirmation.URL == "" {
		return nil, errors.New("invalid yookassa response (missing id or confirmation url)")
	}
	return parsed, nil
}

func (s *PaymentService) fetchYooKassaPayment(ctx context.Context, chargeID string) (*yooPaymentResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.cfg.BaseURL+"/v3/payments/"+chargeID, nil)
	if err != nil {
		return nil, fmt.Errorf("build yookassa request: %w", err)
	}
	parsed, err := s.doYooKassa(req)
	if err != nil {
		return nil, err
	}
	if parsed.ID != chargeID {
		return nil, fmt.Errorf("yookassa returned payment %q for %q", parsed.ID, chargeID)
	}
	return parsed, nil
}

func (s *PaymentService) doYooKassa(req *http.Request) (*yooPaymentResponse, error) {
	req.SetBasicAuth(s.cfg.ShopID, s.cfg.SecretKey)
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("yookassa request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read yookassa response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("yookassa status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	var parsed yooPaymentResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("decode yookassa response: %w", err)
	}
	return &parsed, nil
}

// HandleYooKassaWebhook settles a payment after confirming its state with
// the YooKassa API. The notification body itself is never trusted. A
// succeeded payment credits the plan's credits to the paid bucket once.
func (s *PaymentService) HandleYooKassaWebhook(ctx context.Context, payload []byte) error {
	var evt struct {
		Event  string `json:"event"`
		Object struct {
			ID string `json:"id"`
		} `json:"object"`
	}
	if err := json.Unmarshal(payload, &evt); err != nil {
		return invalid("body", "parse webhook: %v", err)
	}
	if evt.Object.ID == "" {
		return invalid("object.id", "webhook missing payment id")
	}

	pmt, err := s.payments.FindByProviderCharge(ctx, s.db, providerYooKassa, evt.Object.ID)
	if err != nil {
		return fmt.Errorf("find payment: %w", err)
	}
	if pmt == nil {
		return notFound("payment")
	}
	if pmt.Status != paymentPending {
		return nil
	}

	remote, err := s.fetchYooKassaPayment(ctx, pmt.ProviderCharge)
	if err != nil {
		return fmt.Errorf("confirm payment: %w", err)
	}
	raw := string(jsonMustMarshal(remote))

	switch remote.Status {
	case paymentSucceeded:
		return s.settle(ctx, pmt, raw)
	case paymentCanceled:
		if _, err := s.payments.UpdateStatus(ctx, s.db, pmt.ID, paymentPending, paymentCanceled, raw, s.now()); err != nil {
			return fmt.Errorf("update payment status: %w", err)
		}
		s.log.Info("payment canceled", "payment_id", pmt.ID, "account_id", pmt.AccountID)
		return nil
	default:
		s.log.Debug("payment still open", "payment_id", pmt.ID, "status", remote.Status)
		return nil
	}
}

func (s *PaymentService) settle(ctx context.Context, pmt *models.Payment, raw string) error {
	plan, err := s.plans.GetByID(ctx, pmt.PlanID)
	if err != nil {
		return fmt.Errorf("get plan: %w", err)
	}
	if plan == nil {
		return fmt.Errorf("plan %d not found for payment %d", pmt.PlanID, pmt.ID)
	}

	var credited bool
	err = s.db.WithTx(ctx, func(tx *sql.Tx) error {
		ok, err := s.payments.UpdateStatus(ctx, tx, pmt.ID, paymentPending, paymentSucceeded, raw, s.now())
		if err != nil || !ok {
			return err
		}
		ref := fmt.Sprintf("payment:%s:%s", pmt.Provider, pmt.ProviderCharge)
		credited, err = s.ledger.creditTx(ctx, tx, pmt.AccountID, models.Portions{Paid: plan.Credits}, models.EntryRecharge, "purchase: "+plan.Title, ref)
		return err
	})
	if err != nil {
		return fmt.Errorf("settle payment %d: %w", pmt.ID, err)
	}
	if credited {
		s.log.Info("payment settled", "payment_id", pmt.ID, "account_id", pmt.AccountID, "credits", plan.Credits)
	}
	return nil
}

func jsonMustMarshal(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return b
}
