package service

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/digkill/ImageForge/internal/database"
	"github.com/digkill/ImageForge/internal/fulfillment"
	"github.com/digkill/ImageForge/internal/models"
	"github.com/digkill/ImageForge/internal/pricing"
	"github.com/digkill/ImageForge/internal/repository"
)

func newTestDB(t *testing.T) *database.DB {
	t.Helper()
	ctx := context.Background()
	db, err := database.Open(ctx, database.DriverSQLite, filepath.Join(t.TempDir(), "service.db"))
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := database.Migrate(ctx, db); err != nil {
		t.Fatalf("Migrate() error: %v", err)
	}
	return db
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testPrices() pricing.Static {
	return pricing.Static{Version: 1, Prices: map[string]int64{
		pricing.KeyGeneration:          10,
		pricing.KeyGenerationRetry:     5,
		pricing.KeyEdit:                8,
		pricing.KeyWatermark:           3,
		pricing.UnlockKey("hd_export"): 50,
	}}
}

type fulfillFunc func(ctx context.Context, req fulfillment.Request) (*fulfillment.Result, error)

type fakeFulfiller struct {
	mu    sync.Mutex
	fn    fulfillFunc
	calls []fulfillment.Request
}

func (f *fakeFulfiller) Fulfill(ctx context.Context, req fulfillment.Request) (*fulfillment.Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	fn := f.fn
	f.mu.Unlock()
	if fn == nil {
		return &fulfillment.Result{TaskID: "t", Outputs: []string{"https://cdn.example.com/out-0.png"}}, nil
	}
	return fn(ctx, req)
}

func (f *fakeFulfiller) set(fn fulfillFunc) {
	f.mu.Lock()
	f.fn = fn
	f.mu.Unlock()
}

func (f *fakeFulfiller) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func outputs(refs ...string) fulfillFunc {
	return func(context.Context, fulfillment.Request) (*fulfillment.Result, error) {
		return &fulfillment.Result{TaskID: "t", Outputs: refs}, nil
	}
}

// blockUntilDone simulates a fulfillment call that never answers.
func blockUntilDone(ctx context.Context, _ fulfillment.Request) (*fulfillment.Result, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

type recordingNotifier struct {
	mu       sync.Mutex
	messages map[int64][]string
}

func (n *recordingNotifier) Notify(_ context.Context, chatID int64, text string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.messages == nil {
		n.messages = make(map[int64][]string)
	}
	n.messages[chatID] = append(n.messages[chatID], text)
	return nil
}

func (n *recordingNotifier) count(chatID int64) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.messages[chatID])
}

type countingWaker struct {
	mu sync.Mutex
	n  int
}

func (w *countingWaker) Wake() {
	w.mu.Lock()
	w.n++
	w.mu.Unlock()
}

type fixture struct {
	db          *database.DB
	accounts    *repository.AccountRepository
	entries     *repository.LedgerRepository
	jobRepo     *repository.JobRepository
	ledger      *LedgerService
	jobs        *JobService
	watermarks  *WatermarkService
	disputes    *DisputeService
	redemptions *RedemptionService
	fulfiller   *fakeFulfiller
	notifier    *recordingNotifier
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := newTestDB(t)
	log := testLogger()
	prices := testPrices()

	accounts := repository.NewAccountRepository(db)
	entries := repository.NewLedgerRepository(db)
	jobRepo := repository.NewJobRepository(db)
	ledger := NewLedgerService(db, accounts, entries, prices, LedgerConfig{DailyReward: 5}, log)
	fulfiller := &fakeFulfiller{}
	notifier := &recordingNotifier{}

	return &fixture{
		db:       db,
		accounts: accounts,
		entries:  entries,
		jobRepo:  jobRepo,
		ledger:   ledger,
		jobs: NewJobService(db, ledger, jobRepo, repository.NewLeaseRepository(db), prices, fulfiller, notifier,
			JobConfig{Timeout: 2 * time.Second, Grace: time.Second}, log),
		watermarks:  NewWatermarkService(db, ledger, repository.NewWatermarkRepository(db), prices, notifier, WatermarkConfig{MaxBatch: 5}, log),
		disputes:    NewDisputeService(db, ledger, jobRepo, repository.NewAppealRepository(db), notifier, log),
		redemptions: NewRedemptionService(db, ledger, repository.NewRedemptionRepository(db), log),
		fulfiller:   fulfiller,
		notifier:    notifier,
	}
}

// account creates an account holding paid and bonus credits, both backed by
// ledger entries.
func (f *fixture) account(t *testing.T, externalID string, paid, bonus int64) int64 {
	t.Helper()
	ctx := context.Background()
	acct, _, err := f.ledger.Ensure(ctx, externalID)
	if err != nil {
		t.Fatalf("Ensure() error: %v", err)
	}
	if paid > 0 {
		if _, err := f.ledger.Grant(ctx, acct.ID, models.Portions{Paid: paid}, models.EntryRecharge, "seed paid", ""); err != nil {
			t.Fatalf("Grant(paid) error: %v", err)
		}
	}
	if bonus > 0 {
		if _, err := f.ledger.Grant(ctx, acct.ID, models.Portions{Bonus: bonus}, models.EntrySystemReward, "seed bonus", ""); err != nil {
			t.Fatalf("Grant(bonus) error: %v", err)
		}
	}
	return acct.ID
}

func (f *fixture) balance(t *testing.T, accountID int64) models.Balance {
	t.Helper()
	b, err := f.ledger.Balance(context.Background(), accountID)
	if err != nil {
		t.Fatalf("Balance() error: %v", err)
	}
	return b
}

func (f *fixture) entryCount(t *testing.T, accountID int64) int {
	t.Helper()
	n, err := f.entries.CountByAccount(context.Background(), f.db, accountID)
	if err != nil {
		t.Fatalf("CountByAccount() error: %v", err)
	}
	return n
}

// assertLedgerConsistent fails the test if any account's snapshot disagrees
// with the sum of its entries.
func (f *fixture) assertLedgerConsistent(t *testing.T) {
	t.Helper()
	drifts, err := f.ledger.Reconcile(context.Background())
	if err != nil {
		t.Fatalf("Reconcile() error: %v", err)
	}
	for _, d := range drifts {
		t.Errorf("account %d drifted: snapshot %+v, ledger %+v", d.AccountID, d.Snapshot, d.Ledger)
	}
}

func (f *fixture) linkChat(t *testing.T, accountID, chatID int64) {
	t.Helper()
	if err := f.ledger.SetTelegramChatID(context.Background(), accountID, chatID); err != nil {
		t.Fatalf("SetTelegramChatID() error: %v", err)
	}
}

// completedJob runs a successful generation with n outputs for the account.
func (f *fixture) completedJob(t *testing.T, accountID int64, n int) *models.Job {
	t.Helper()
	refs := make([]string, n)
	for i := range refs {
		refs[i] = "https://cdn.example.com/out-" + string(rune('a'+i)) + ".png"
	}
	f.fulfiller.set(outputs(refs...))
	out, err := f.jobs.Submit(context.Background(), accountID, SubmitRequest{Prompt: "a red fox"})
	if err != nil {
		t.Fatalf("Submit() error: %v", err)
	}
	f.fulfiller.set(nil)
	return out.Job
}
