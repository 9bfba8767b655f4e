package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/digkill/ImageForge/internal/database"
	"github.com/digkill/ImageForge/internal/fulfillment"
	"github.com/digkill/ImageForge/internal/pricing"
	"github.com/digkill/ImageForge/internal/repository"
	"github.com/digkill/ImageForge/internal/service"
	"github.com/digkill/ImageForge/internal/storage"
	"github.com/digkill/ImageForge/internal/telegram"
)

const testSecret = "test-secret"

type stubFulfiller struct {
	mu  sync.Mutex
	err error
}

func (f *stubFulfiller) fail(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

func (f *stubFulfiller) Fulfill(_ context.Context, req fulfillment.Request) (*fulfillment.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return &fulfillment.Result{TaskID: "t-" + req.CorrelationID, Outputs: []string{"https://cdn.example.com/a.png", "https://cdn.example.com/b.png"}}, nil
}

type stubUploads struct {
	uploaded []byte
}

func (u *stubUploads) Upload(_ context.Context, ownerID int64, data []byte, contentType string) (string, error) {
	u.uploaded = data
	return fmt.Sprintf("https://cdn.example.com/uploads/%d/x.png", ownerID), nil
}

func (u *stubUploads) PresignUpload(_ context.Context, ownerID int64, contentType string) (*storage.PresignedUpload, error) {
	if contentType != "image/png" {
		return nil, fmt.Errorf("%w: unsupported content type %q", storage.ErrInvalidRef, contentType)
	}
	return &storage.PresignedUpload{UploadURL: "https://s3.example.com/put", Method: http.MethodPut, PublicURL: "https://cdn.example.com/k.png", Key: "k.png"}, nil
}

type testEnv struct {
	srv       *httptest.Server
	ledger    *service.LedgerService
	fulfiller *stubFulfiller
	uploads   *stubUploads
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ctx := context.Background()
	db, err := database.Open(ctx, database.DriverSQLite, filepath.Join(t.TempDir(), "api.db"))
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := database.Migrate(ctx, db); err != nil {
		t.Fatalf("Migrate() error: %v", err)
	}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	prices := pricing.NewProvider(db, repository.NewPricingRepository(db), time.Minute, map[string]int64{
		pricing.KeyGeneration:      10,
		pricing.KeyGenerationRetry: 5,
		pricing.KeyEdit:            8,
		pricing.KeyWatermark:       3,
	}, log)
	accounts := repository.NewAccountRepository(db)
	jobRepo := repository.NewJobRepository(db)
	ledger := service.NewLedgerService(db, accounts, repository.NewLedgerRepository(db), prices, service.LedgerConfig{RegistrationBonus: 20, DailyReward: 5}, log)
	fulfiller := &stubFulfiller{}
	uploads := &stubUploads{}
	plans := service.NewPlanService(db, repository.NewPlanRepository(db))
	notifier := service.NopNotifier{}

	svc := Services{
		Ledger:      ledger,
		Jobs:        service.NewJobService(db, ledger, jobRepo, repository.NewLeaseRepository(db), prices, fulfiller, notifier, service.JobConfig{Timeout: 2 * time.Second}, log),
		Watermarks:  service.NewWatermarkService(db, ledger, repository.NewWatermarkRepository(db), prices, notifier, service.WatermarkConfig{}, log),
		Disputes:    service.NewDisputeService(db, ledger, jobRepo, repository.NewAppealRepository(db), notifier, log),
		Redemptions: service.NewRedemptionService(db, ledger, repository.NewRedemptionRepository(db), log),
		Plans:       plans,
		Payments:    service.NewPaymentService(db, ledger, repository.NewPaymentRepository(db), plans, service.PaymentConfig{ShopID: "shop", SecretKey: "secret"}, log),
		Pricing:     prices,
		Uploads:     uploads,
		LinkTokens:  telegram.NewLinkTokens(testSecret, time.Minute),
	}
	server := NewServer(Config{
		AdminUsername:      "admin",
		AdminPassword:      "pass",
		JWTSecret:          testSecret,
		CORSAllowedOrigins: []string{"https://app.example.com"},
	}, svc, log)

	srv := httptest.NewServer(server.Handler())
	t.Cleanup(srv.Close)
	return &testEnv{srv: srv, ledger: ledger, fulfiller: fulfiller, uploads: uploads}
}

func userToken(t *testing.T, subject string) string {
	t.Helper()
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return token
}

type call struct {
	method string
	path   string
	body   any
	token  string
	admin  bool
}

func (e *testEnv) do(t *testing.T, c call) (int, []byte) {
	t.Helper()
	var body io.Reader
	if c.body != nil {
		raw, err := json.Marshal(c.body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(c.method, e.srv.URL+c.path, body)
	if err != nil {
		t.Fatalf("NewRequest() error: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if c.admin {
		req.SetBasicAuth("admin", "pass")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", c.method, c.path, err)
	}
	defer resp.Body.Close()
	out, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, out
}

func decode[T any](t *testing.T, raw []byte) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		t.Fatalf("decode %s: %v", raw, err)
	}
	return v
}

type balanceBody struct {
	Paid  int64 `json:"paid"`
	Bonus int64 `json:"bonus"`
	Total int64 `json:"total"`
}

func TestBearerAuth(t *testing.T) {
	env := newTestEnv(t)

	expired, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "user-1",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
	}).SignedString([]byte(testSecret))
	forged, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "user-1",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}).SignedString([]byte("other"))

	link, _, _ := telegram.NewLinkTokens(testSecret, time.Minute).Issue(1)

	for name, token := range map[string]string{"missing": "", "expired": expired, "forged": forged, "garbage": "abc", "link token": link} {
		t.Run(name, func(t *testing.T) {
			status, _ := env.do(t, call{method: http.MethodGet, path: "/api/balance", token: token})
			if status != http.StatusUnauthorized {
				t.Errorf("status = %d, want 401", status)
			}
		})
	}

	status, body := env.do(t, call{method: http.MethodGet, path: "/api/balance", token: userToken(t, "user-1")})
	if status != http.StatusOK {
		t.Fatalf("status = %d, body %s", status, body)
	}
	if b := decode[balanceBody](t, body); b != (balanceBody{Bonus: 20, Total: 20}) {
		t.Errorf("first balance = %+v, want registration bonus only", b)
	}
}

func TestJobEndpoints(t *testing.T) {
	env := newTestEnv(t)
	token := userToken(t, "user-1")

	status, body := env.do(t, call{method: http.MethodPost, path: "/api/jobs", token: token, body: map[string]any{"prompt": "a lighthouse at dusk"}})
	if status != http.StatusCreated {
		t.Fatalf("submit status = %d, body %s", status, body)
	}
	out := decode[service.JobOutcome](t, body)
	if len(out.Job.Outputs) != 2 || out.Balance.Total() != 10 {
		t.Errorf("outcome = %+v", out)
	}

	status, body = env.do(t, call{method: http.MethodGet, path: fmt.Sprintf("/api/jobs/%d", out.Job.ID), token: token})
	if status != http.StatusOK {
		t.Fatalf("get status = %d, body %s", status, body)
	}
	status, _ = env.do(t, call{method: http.MethodGet, path: fmt.Sprintf("/api/jobs/%d", out.Job.ID), token: userToken(t, "someone-else")})
	if status != http.StatusNotFound {
		t.Errorf("foreign get status = %d, want 404", status)
	}

	env.fulfiller.fail(errors.New("upstream exploded"))
	status, body = env.do(t, call{method: http.MethodPost, path: "/api/jobs", token: token, body: map[string]any{"prompt": "again"}})
	if status != http.StatusBadGateway {
		t.Fatalf("failed submit status = %d, body %s", status, body)
	}
	if e := decode[errorResponse](t, body); e.Refunded == nil || !*e.Refunded || e.JobID == 0 {
		t.Errorf("error body = %s", body)
	}

	// 10 credits left, refund restored them; two more jobs cost 20
	env.fulfiller.fail(nil)
	env.do(t, call{method: http.MethodPost, path: "/api/jobs", token: token, body: map[string]any{"prompt": "one"}})
	status, _ = env.do(t, call{method: http.MethodPost, path: "/api/jobs", token: token, body: map[string]any{"prompt": "two"}})
	if status != http.StatusPaymentRequired {
		t.Errorf("broke submit status = %d, want 402", status)
	}

	status, _ = env.do(t, call{method: http.MethodPost, path: "/api/jobs", token: token, body: map[string]any{"prompt": " "}})
	if status != http.StatusBadRequest {
		t.Errorf("blank prompt status = %d, want 400", status)
	}
	status, _ = env.do(t, call{method: http.MethodPost, path: "/api/jobs", token: token, body: map[string]any{"prompt": "x", "surprise": 1}})
	if status != http.StatusBadRequest {
		t.Errorf("unknown field status = %d, want 400", status)
	}
}

func TestAdminEndpoints(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	acct, _, err := env.ledger.Ensure(ctx, "user-1")
	if err != nil {
		t.Fatalf("Ensure() error: %v", err)
	}

	status, _ := env.do(t, call{method: http.MethodGet, path: "/admin/pricing"})
	if status != http.StatusUnauthorized {
		t.Errorf("unauthenticated admin status = %d, want 401", status)
	}

	grant := call{method: http.MethodPost, path: fmt.Sprintf("/admin/accounts/%d/grants", acct.ID), admin: true,
		body: map[string]any{"paid": 100, "reference": "support:ticket-9"}}
	status, body := env.do(t, grant)
	if status != http.StatusCreated {
		t.Fatalf("grant status = %d, body %s", status, body)
	}
	status, _ = env.do(t, grant)
	if status != http.StatusOK {
		t.Errorf("repeated grant status = %d, want 200", status)
	}
	b, _ := env.ledger.Balance(ctx, acct.ID)
	if b.Paid != 100 {
		t.Errorf("paid = %d, want 100", b.Paid)
	}

	status, _ = env.do(t, call{method: http.MethodPost, path: "/admin/accounts/999/grants", admin: true, body: map[string]any{"paid": 1}})
	if status != http.StatusNotFound {
		t.Errorf("grant to unknown account status = %d, want 404", status)
	}
	status, _ = env.do(t, call{method: http.MethodPost, path: fmt.Sprintf("/admin/accounts/%d/grants", acct.ID), admin: true, body: map[string]any{"paid": 1, "kind": "CONSUME"}})
	if status != http.StatusBadRequest {
		t.Errorf("spending grant status = %d, want 400", status)
	}

	before, _ := env.ledger.Balance(ctx, acct.ID)
	refund := call{method: http.MethodPost, path: fmt.Sprintf("/admin/accounts/%d/grants", acct.ID), admin: true,
		body: map[string]any{"bonus": 4, "kind": "REFUND", "reference": "support:ticket-10"}}
	if status, body := env.do(t, refund); status != http.StatusCreated {
		t.Errorf("refund status = %d, body %s", status, body)
	}
	if status, _ := env.do(t, refund); status != http.StatusOK {
		t.Errorf("repeated refund status = %d, want 200", status)
	}
	if b, _ := env.ledger.Balance(ctx, acct.ID); b.Paid != before.Paid || b.Bonus != before.Bonus+4 {
		t.Errorf("balance after refund = %+v, want %d/%d", b, before.Paid, before.Bonus+4)
	}
	status, _ = env.do(t, call{method: http.MethodPost, path: fmt.Sprintf("/admin/accounts/%d/grants", acct.ID), admin: true, body: map[string]any{"bonus": 1, "kind": "REFUND"}})
	if status != http.StatusBadRequest {
		t.Errorf("refund without reference status = %d, want 400", status)
	}

	status, _ = env.do(t, call{method: http.MethodPut, path: "/admin/pricing", admin: true, body: map[string]any{"prices": map[string]int64{"edit": -1}}})
	if status != http.StatusBadRequest {
		t.Errorf("negative price status = %d, want 400", status)
	}
	status, _ = env.do(t, call{method: http.MethodPut, path: "/admin/pricing", admin: true, body: map[string]any{"prices": map[string]int64{"generation": 25}}})
	if status != http.StatusCreated {
		t.Fatalf("publish status = %d", status)
	}
	status, body = env.do(t, call{method: http.MethodGet, path: "/admin/pricing", admin: true})
	if snap := decode[pricing.Snapshot](t, body); status != http.StatusOK || snap.Prices[pricing.KeyGeneration] != 25 {
		t.Errorf("pricing = %d %s", status, body)
	}

	status, body = env.do(t, call{method: http.MethodGet, path: "/admin/reconcile", admin: true})
	if status != http.StatusOK || !strings.Contains(string(body), `"drifts":[]`) {
		t.Errorf("reconcile = %d %s", status, body)
	}
}

func TestAppealFlow(t *testing.T) {
	env := newTestEnv(t)
	token := userToken(t, "user-1")

	_, body := env.do(t, call{method: http.MethodPost, path: "/api/jobs", token: token, body: map[string]any{"prompt": "a cat"}})
	job := decode[service.JobOutcome](t, body).Job

	status, body := env.do(t, call{method: http.MethodPost, path: "/api/appeals", token: token, body: map[string]any{"job_id": job.ID, "reason": "wrong animal"}})
	if status != http.StatusCreated {
		t.Fatalf("appeal status = %d, body %s", status, body)
	}
	appeal := decode[struct {
		ID int64 `json:"id"`
	}](t, body)

	status, _ = env.do(t, call{method: http.MethodPost, path: "/api/appeals", token: token, body: map[string]any{"job_id": job.ID, "reason": "again"}})
	if status != http.StatusConflict {
		t.Errorf("duplicate appeal status = %d, want 409", status)
	}

	resolve := fmt.Sprintf("/admin/appeals/%d/resolve", appeal.ID)
	status, _ = env.do(t, call{method: http.MethodPost, path: resolve, admin: true, body: map[string]any{"action": "reject", "note": "no"}})
	if status != http.StatusBadRequest {
		t.Errorf("short reject note status = %d, want 400", status)
	}
	status, _ = env.do(t, call{method: http.MethodPost, path: resolve, admin: true, body: map[string]any{"action": "approve"}})
	if status != http.StatusOK {
		t.Fatalf("approve status = %d", status)
	}
	status, _ = env.do(t, call{method: http.MethodPost, path: resolve, admin: true, body: map[string]any{"action": "approve"}})
	if status != http.StatusConflict {
		t.Errorf("second approve status = %d, want 409", status)
	}

	_, body = env.do(t, call{method: http.MethodGet, path: "/api/balance", token: token})
	if b := decode[balanceBody](t, body); b != (balanceBody{Paid: 10, Bonus: 10, Total: 20}) {
		t.Errorf("balance after approval = %+v", b)
	}
}

func TestWatermarkAndQueueEndpoints(t *testing.T) {
	env := newTestEnv(t)
	token := userToken(t, "user-1")

	status, body := env.do(t, call{method: http.MethodPost, path: "/api/watermark", token: token,
		body: map[string]any{"refs": []string{"https://cdn.example.com/1.png", "https://cdn.example.com/2.png"}}})
	if status != http.StatusAccepted {
		t.Fatalf("submit status = %d, body %s", status, body)
	}
	status, body = env.do(t, call{method: http.MethodGet, path: "/api/watermark/queue", token: token})
	if status != http.StatusOK || !strings.Contains(string(body), `"pending_count":2`) {
		t.Errorf("queue = %d %s", status, body)
	}
	status, _ = env.do(t, call{method: http.MethodPost, path: "/api/watermark", token: token, body: map[string]any{"refs": []string{"ftp://nope"}}})
	if status != http.StatusBadRequest {
		t.Errorf("bad ref status = %d, want 400", status)
	}
}

func TestUploadsAndLinking(t *testing.T) {
	env := newTestEnv(t)
	token := userToken(t, "user-1")

	status, body := env.do(t, call{method: http.MethodPost, path: "/api/uploads", token: token, body: map[string]any{"content_type": "image/png"}})
	if status != http.StatusCreated || !strings.Contains(string(body), "https://s3.example.com/put") {
		t.Errorf("presign = %d %s", status, body)
	}
	status, _ = env.do(t, call{method: http.MethodPost, path: "/api/uploads", token: token, body: map[string]any{"content_type": "text/plain"}})
	if status != http.StatusBadRequest {
		t.Errorf("presign text status = %d, want 400", status)
	}

	req, _ := http.NewRequest(http.MethodPost, env.srv.URL+"/api/uploads", bytes.NewReader([]byte("\x89PNG fake")))
	req.Header.Set("Content-Type", "image/png")
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("direct upload: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated || string(env.uploads.uploaded) != "\x89PNG fake" {
		t.Errorf("direct upload status = %d", resp.StatusCode)
	}

	status, body = env.do(t, call{method: http.MethodPost, path: "/api/telegram/link", token: token})
	if status != http.StatusCreated {
		t.Fatalf("link status = %d", status)
	}
	link := decode[struct {
		Token string `json:"token"`
	}](t, body)
	if id, err := telegram.NewLinkTokens(testSecret, time.Minute).Parse(link.Token); err != nil || id == 0 {
		t.Errorf("issued link token does not parse: %d, %v", id, err)
	}
}

func TestDailyRewardAndUnlock(t *testing.T) {
	env := newTestEnv(t)
	token := userToken(t, "user-1")

	status, _ := env.do(t, call{method: http.MethodPost, path: "/api/daily-reward", token: token})
	if status != http.StatusOK {
		t.Fatalf("daily reward status = %d", status)
	}
	status, _ = env.do(t, call{method: http.MethodPost, path: "/api/daily-reward", token: token})
	if status != http.StatusConflict {
		t.Errorf("second daily reward status = %d, want 409", status)
	}
	status, _ = env.do(t, call{method: http.MethodPost, path: "/api/unlocks/hd_export", token: token})
	if status != http.StatusBadRequest {
		t.Errorf("unpriced unlock status = %d, want 400", status)
	}
}

func TestHealthAndMetrics(t *testing.T) {
	env := newTestEnv(t)
	for _, path := range []string{"/healthz", "/metrics"} {
		status, _ := env.do(t, call{method: http.MethodGet, path: path})
		if status != http.StatusOK {
			t.Errorf("GET %s status = %d", path, status)
		}
	}
}

func TestWriteErrorMapping(t *testing.T) {
	s := &Server{log: slog.New(slog.NewTextHandler(io.Discard, nil))}
	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("wrap: %w", service.ErrValidation), http.StatusBadRequest},
		{service.ErrInsufficientFunds, http.StatusPaymentRequired},
		{&service.FulfillmentError{JobID: 1, Refunded: true, Err: errors.New("boom")}, http.StatusBadGateway},
		{service.ErrConflict, http.StatusConflict},
		{service.ErrNotFound, http.StatusNotFound},
		{service.ErrLeaseBusy, http.StatusLocked},
		{storage.ErrInvalidRef, http.StatusBadRequest},
		{errors.New("disk on fire"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		rec := httptest.NewRecorder()
		s.writeError(rec, tt.err)
		if rec.Code != tt.want {
			t.Errorf("writeError(%v) = %d, want %d", tt.err, rec.Code, tt.want)
		}
	}
}
