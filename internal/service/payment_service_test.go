package service

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/digkill/ImageForge/internal/models"
	"github.com/digkill/ImageForge/internal/repository"
)

type stubYooKassa struct {
	mu     sync.Mutex
	status string
	bodies []map[string]any
}

func (s *stubYooKassa) setStatus(status string) {
	s.mu.Lock()
	s.status = status
	s.mu.Unlock()
}

func (s *stubYooKassa) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if user, pass, ok := r.BasicAuth(); !ok || user != "shop" || pass != "secret" {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case r.Method == http.MethodPost && r.URL.Path == "/v3/payments":
		if r.Header.Get("Idempotence-Key") == "" {
			http.Error(w, "missing idempotence key", http.StatusBadRequest)
			return
		}
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		s.bodies = append(s.bodies, body)
		w.Write([]byte(`{"id":"pay_1","status":"pending","confirmation":{"type":"redirect","confirmation_url":"https://yoomoney.example/confirm"}}`))
	case r.Method == http.MethodGet && r.URL.Path == "/v3/payments/pay_1":
		w.Write([]byte(`{"id":"pay_1","status":"` + s.status + `","paid":true}`))
	default:
		http.NotFound(w, r)
	}
}

func newPaymentFixture(t *testing.T) (*fixture, *PaymentService, *stubYooKassa, *models.Plan) {
	t.Helper()
	f := newFixture(t)
	stub := &stubYooKassa{status: "pending"}
	srv := httptest.NewServer(stub)
	t.Cleanup(srv.Close)

	plans := NewPlanService(f.db, repository.NewPlanRepository(f.db))
	plan, err := plans.Create(context.Background(), CreatePlanInput{Title: "Starter", Currency: "rub", PriceMinorUnits: 19900, Credits: 120})
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	payments := NewPaymentService(f.db, f.ledger, repository.NewPaymentRepository(f.db), plans,
		PaymentConfig{ShopID: "shop", SecretKey: "secret", BaseURL: srv.URL + "/"}, testLogger())
	return f, payments, stub, plan
}

func TestCheckoutAndWebhookCreditOnce(t *testing.T) {
	f, payments, stub, plan := newPaymentFixture(t)
	ctx := context.Background()
	acct := f.account(t, "buyer", 0, 0)

	res, err := payments.Checkout(ctx, acct, plan.ID)
	if err != nil {
		t.Fatalf("Checkout() error: %v", err)
	}
	if res.ConfirmationURL != "https://yoomoney.example/confirm" || res.Status != "pending" {
		t.Errorf("Checkout() = %+v", res)
	}
	amount := stub.bodies[0]["amount"].(map[string]any)
	if amount["value"] != "199.00" || amount["currency"] != "RUB" {
		t.Errorf("amount sent = %v", amount)
	}

	webhook := []byte(`{"event":"payment.succeeded","object":{"id":"pay_1","status":"succeeded"}}`)

	// the notification alone is not trusted
	if err := payments.HandleYooKassaWebhook(ctx, webhook); err != nil {
		t.Fatalf("HandleYooKassaWebhook() error: %v", err)
	}
	if b := f.balance(t, acct); b.Total() != 0 {
		t.Errorf("balance before confirmation = %+v", b)
	}

	stub.setStatus("succeeded")
	for range 3 {
		if err := payments.HandleYooKassaWebhook(ctx, webhook); err != nil {
			t.Fatalf("HandleYooKassaWebhook() error: %v", err)
		}
	}
	if b := f.balance(t, acct); b != (models.Balance{Paid: 120}) {
		t.Errorf("balance = %+v, want 120/0", b)
	}
	f.assertLedgerConsistent(t)
}

func TestWebhookCanceledPayment(t *testing.T) {
	f, payments, stub, plan := newPaymentFixture(t)
	ctx := context.Background()
	acct := f.account(t, "quitter", 0, 0)
	if _, err := payments.Checkout(ctx, acct, plan.ID); err != nil {
		t.Fatalf("Checkout() error: %v", err)
	}

	stub.setStatus("canceled")
	if err := payments.HandleYooKassaWebhook(ctx, []byte(`{"event":"payment.canceled","object":{"id":"pay_1"}}`)); err != nil {
		t.Fatalf("HandleYooKassaWebhook() error: %v", err)
	}
	// a late success for a canceled payment must not credit
	stub.setStatus("succeeded")
	if err := payments.HandleYooKassaWebhook(ctx, []byte(`{"object":{"id":"pay_1"}}`)); err != nil {
		t.Fatalf("HandleYooKassaWebhook() error: %v", err)
	}
	if b := f.balance(t, acct); b.Total() != 0 {
		t.Errorf("balance = %+v, want empty", b)
	}
}

func TestWebhookRejectsUnknownPayments(t *testing.T) {
	_, payments, _, _ := newPaymentFixture(t)
	ctx := context.Background()

	tests := []struct {
		name    string
		body    string
		wantErr error
	}{
		{"not json", `{`, ErrValidation},
		{"missing id", `{"object":{}}`, ErrValidation},
		{"unknown payment", `{"object":{"id":"pay_404"}}`, ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := payments.HandleYooKassaWebhook(ctx, []byte(tt.body))
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("HandleYooKassaWebhook() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestCheckoutInactivePlan(t *testing.T) {
	f, payments, _, plan := newPaymentFixture(t)
	acct := f.account(t, "late", 0, 0)
	plans := NewPlanService(f.db, repository.NewPlanRepository(f.db))
	inactive := false
	if _, err := plans.Update(context.Background(), plan.ID, UpdatePlanInput{IsActive: &inactive}); err != nil {
		t.Fatalf("Update() error: %v", err)
	}
	if _, err := payments.Checkout(context.Background(), acct, plan.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("Checkout() error = %v, want ErrNotFound", err)
	}
}

func TestPlanCreateValidation(t *testing.T) {
	f := newFixture(t)
	plans := NewPlanService(f.db, repository.NewPlanRepository(f.db))
	for _, in := range []CreatePlanInput{
		{Title: " ", PriceMinorUnits: 100, Credits: 1},
		{Title: "x", PriceMinorUnits: 0, Credits: 1},
		{Title: "x", PriceMinorUnits: 100, Credits: 0},
	} {
		if _, err := plans.Create(context.Background(), in); !errors.Is(err, ErrValidation) {
			t.Errorf("Create(%+v) error = %v, want ErrValidation", in, err)
		}
	}
	plan, err := plans.Create(context.Background(), CreatePlanInput{Title: "Pro", PriceMinorUnits: 100, Credits: 10})
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	if plan.Currency != defaultCurrency || !plan.IsActive || !strings.EqualFold(plan.Title, "pro") {
		t.Errorf("plan = %+v", plan)
	}
}
