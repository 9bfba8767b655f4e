package service

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/digkill/ImageForge/internal/models"
)

func refs(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("https://cdn.example.com/wm-%d.png", i)
	}
	return out
}

func TestWatermarkSubmitSplitsChargePerTask(t *testing.T) {
	f := newFixture(t)
	waker := &countingWaker{}
	f.watermarks.SetWaker(waker)
	acct := f.account(t, "batcher", 10, 4)

	tasks, err := f.watermarks.Submit(context.Background(), acct, refs(3))
	if err != nil {
		t.Fatalf("Submit() error: %v", err)
	}
	want := []models.Portions{
		{Paid: 0, Bonus: 3},
		{Paid: 2, Bonus: 1},
		{Paid: 3, Bonus: 0},
	}
	if len(tasks) != len(want) {
		t.Fatalf("tasks = %d, want %d", len(tasks), len(want))
	}
	for i, task := range tasks {
		if task.Charged != want[i] {
			t.Errorf("task %d Charged = %+v, want %+v", i, task.Charged, want[i])
		}
		if task.Status != models.TaskPending || task.BatchID != tasks[0].BatchID {
			t.Errorf("task %d = %s batch %q", i, task.Status, task.BatchID)
		}
		if i > 0 && task.ID <= tasks[i-1].ID {
			t.Errorf("task ids not increasing: %d after %d", task.ID, tasks[i-1].ID)
		}
	}
	if b := f.balance(t, acct); b != (models.Balance{Paid: 5, Bonus: 0}) {
		t.Errorf("balance = %+v, want 5/0", b)
	}
	if waker.n != 1 {
		t.Errorf("Wake() calls = %d, want 1", waker.n)
	}
	f.assertLedgerConsistent(t)
}

func TestWatermarkSubmitRejects(t *testing.T) {
	tests := []struct {
		name    string
		paid    int64
		refs    []string
		wantErr error
	}{
		{"empty batch", 100, nil, ErrValidation},
		{"batch too large", 100, refs(6), ErrValidation},
		{"bad reference", 100, []string{"https://cdn.example.com/a.png", "not a url"}, ErrValidation},
		{"insufficient funds", 8, refs(3), ErrInsufficientFunds},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			waker := &countingWaker{}
			f.watermarks.SetWaker(waker)
			acct := f.account(t, "rejected", tt.paid, 0)

			_, err := f.watermarks.Submit(context.Background(), acct, tt.refs)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Submit() error = %v, want %v", err, tt.wantErr)
			}
			history, err := f.watermarks.History(context.Background(), acct, 10)
			if err != nil {
				t.Fatalf("History() error: %v", err)
			}
			if len(history) != 0 {
				t.Errorf("History() = %d tasks, want 0", len(history))
			}
			if waker.n != 0 {
				t.Errorf("Wake() calls = %d, want 0", waker.n)
			}
		})
	}
}

func TestWatermarkClaimIsFIFOAcrossOwners(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := f.account(t, "alice", 100, 0)
	bob := f.account(t, "bob", 100, 0)

	first, err := f.watermarks.Submit(ctx, alice, refs(1))
	if err != nil {
		t.Fatalf("Submit() error: %v", err)
	}
	second, err := f.watermarks.Submit(ctx, bob, refs(2))
	if err != nil {
		t.Fatalf("Submit() error: %v", err)
	}

	st, err := f.watermarks.QueueStatus(ctx, bob)
	if err != nil {
		t.Fatalf("QueueStatus() error: %v", err)
	}
	if st != (models.QueueStatus{PendingCount: 2, QueuePosition: 1}) {
		t.Errorf("QueueStatus(bob) = %+v", st)
	}

	order := []int64{first[0].ID, second[0].ID, second[1].ID}
	for i, wantID := range order {
		task, err := f.watermarks.ClaimNext(ctx)
		if err != nil {
			t.Fatalf("ClaimNext() error: %v", err)
		}
		if task == nil || task.ID != wantID {
			t.Fatalf("claim %d = %v, want task %d", i, task, wantID)
		}
	}
	task, err := f.watermarks.ClaimNext(ctx)
	if err != nil || task != nil {
		t.Errorf("ClaimNext() on empty queue = %v, %v", task, err)
	}

	st, err = f.watermarks.QueueStatus(ctx, bob)
	if err != nil {
		t.Fatalf("QueueStatus() error: %v", err)
	}
	if st != (models.QueueStatus{ProcessingCount: 2, QueuePosition: 0}) {
		t.Errorf("QueueStatus(bob) after claim = %+v", st)
	}
}

func TestWatermarkCompleteAndFail(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	acct := f.account(t, "settler", 10, 4)
	f.linkChat(t, acct, 77)

	if _, err := f.watermarks.Submit(ctx, acct, refs(2)); err != nil {
		t.Fatalf("Submit() error: %v", err)
	}
	done, err := f.watermarks.ClaimNext(ctx)
	if err != nil {
		t.Fatalf("ClaimNext() error: %v", err)
	}
	failed, err := f.watermarks.ClaimNext(ctx)
	if err != nil {
		t.Fatalf("ClaimNext() error: %v", err)
	}

	if err := f.watermarks.CompleteTask(ctx, done, "https://cdn.example.com/clean.png"); err != nil {
		t.Fatalf("CompleteTask() error: %v", err)
	}
	for range 2 {
		if err := f.watermarks.FailTask(ctx, failed, "upstream rejected the asset"); err != nil {
			t.Fatalf("FailTask() error: %v", err)
		}
	}

	// second task was charged 2 paid + 1 bonus; only its share comes back
	if b := f.balance(t, acct); b != (models.Balance{Paid: 10, Bonus: 1}) {
		t.Errorf("balance = %+v, want 10/1", b)
	}
	history, err := f.watermarks.History(ctx, acct, 10)
	if err != nil {
		t.Fatalf("History() error: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("History() = %d tasks", len(history))
	}
	if history[0].Status != models.TaskFailed || history[0].ErrorMessage == nil {
		t.Errorf("newest task = %s", history[0].Status)
	}
	if history[1].Status != models.TaskCompleted || history[1].ResultRef == nil || *history[1].ResultRef != "https://cdn.example.com/clean.png" {
		t.Errorf("oldest task = %+v", history[1])
	}
	if f.notifier.count(77) != 2 {
		t.Errorf("notifications = %d, want 2", f.notifier.count(77))
	}
	f.assertLedgerConsistent(t)
}

func TestWatermarkRequeueStale(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	acct := f.account(t, "stale", 10, 0)
	if _, err := f.watermarks.Submit(ctx, acct, refs(1)); err != nil {
		t.Fatalf("Submit() error: %v", err)
	}
	claimed, err := f.watermarks.ClaimNext(ctx)
	if err != nil || claimed == nil {
		t.Fatalf("ClaimNext() = %v, %v", claimed, err)
	}

	n, err := f.watermarks.RequeueStale(ctx)
	if err != nil || n != 0 {
		t.Fatalf("RequeueStale() = %d, %v; want 0", n, err)
	}

	f.watermarks.now = func() time.Time { return time.Now().UTC().Add(time.Hour) }
	n, err = f.watermarks.RequeueStale(ctx)
	if err != nil || n != 1 {
		t.Fatalf("RequeueStale() = %d, %v; want 1", n, err)
	}
	pending, err := f.watermarks.PendingCount(ctx)
	if err != nil || pending != 1 {
		t.Errorf("PendingCount() = %d, %v; want 1", pending, err)
	}
}
