package claims

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"merchrewards/models"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := models.AutoMigrate(db); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return db
}

const wallet = "0xab5801a7d398351b8be11c439e05c5b3259aec9b"

func newClaimable(t *testing.T, store *Store, deadline time.Time) *models.ClaimRecord {
	t.Helper()
	ctx := context.Background()
	record, err := store.CreatePending(ctx, models.ClassTaskReward, 100, wallet, "5000000000000000000", "task-42")
	if err != nil {
		t.Fatalf("create pending: %v", err)
	}
	if err := store.MarkClaimable(ctx, record.ID, "0xsig", `{"payload":true}`, "0xcontract", "0xtoken", deadline); err != nil {
		t.Fatalf("mark claimable: %v", err)
	}
	return record
}

func TestLifecycleHappyPath(t *testing.T) {
	db := setupTestDB(t)
	now := time.Date(2024, time.July, 10, 20, 0, 0, 0, time.UTC)
	store := NewStore(db, func() time.Time { return now })
	ctx := context.Background()

	record := newClaimable(t, store, now.Add(72*time.Hour))

	got, err := store.BeginProcessing(ctx, record.ID)
	if err != nil {
		t.Fatalf("begin processing: %v", err)
	}
	if got.Status != models.StatusProcessing {
		t.Fatalf("expected PROCESSING got %s", got.Status)
	}

	if err := store.MarkCompleted(ctx, record.ID, "0xABCDEF"); err != nil {
		t.Fatalf("mark completed: %v", err)
	}
	final, err := store.Get(ctx, record.ID)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if final.Status != models.StatusCompleted {
		t.Fatalf("expected COMPLETED got %s", final.Status)
	}
	if final.TransactionHash == nil || *final.TransactionHash != "0xabcdef" {
		t.Fatalf("expected lowercase tx hash, got %v", final.TransactionHash)
	}
}

func TestCompletedIsTerminal(t *testing.T) {
	db := setupTestDB(t)
	now := time.Date(2024, time.July, 10, 20, 0, 0, 0, time.UTC)
	store := NewStore(db, func() time.Time { return now })
	ctx := context.Background()

	record := newClaimable(t, store, now.Add(time.Hour))
	if _, err := store.BeginProcessing(ctx, record.ID); err != nil {
		t.Fatalf("begin processing: %v", err)
	}
	if err := store.MarkCompleted(ctx, record.ID, "0x01"); err != nil {
		t.Fatalf("mark completed: %v", err)
	}

	if err := store.RollbackToClaimable(ctx, record.ID); !errors.Is(err, ErrNotProcessing) {
		t.Fatalf("expected ErrNotProcessing, got %v", err)
	}
	if _, err := store.BeginProcessing(ctx, record.ID); err == nil {
		t.Fatal("expected error re-processing completed record")
	}
	if err := store.Expire(ctx, record.ID); err == nil {
		t.Fatal("expected error expiring completed record")
	}
	final, _ := store.Get(ctx, record.ID)
	if final.Status != models.StatusCompleted {
		t.Fatalf("completed record moved to %s", final.Status)
	}
}

func TestConcurrentBeginProcessingSingleWinner(t *testing.T) {
	db := setupTestDB(t)
	now := time.Date(2024, time.July, 10, 20, 0, 0, 0, time.UTC)
	store := NewStore(db, func() time.Time { return now })

	record := newClaimable(t, store, now.Add(time.Hour))

	var wg sync.WaitGroup
	results := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			_, results[slot] = store.BeginProcessing(context.Background(), record.ID)
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range results {
		if err == nil {
			succeeded++
		}
	}
	if succeeded != 1 {
		t.Fatalf("expected exactly one winner, got %d (errs: %v)", succeeded, results)
	}
}

func TestRollbackMakesRecordRetryable(t *testing.T) {
	db := setupTestDB(t)
	now := time.Date(2024, time.July, 10, 20, 0, 0, 0, time.UTC)
	store := NewStore(db, func() time.Time { return now })
	ctx := context.Background()

	record := newClaimable(t, store, now.Add(time.Hour))
	if _, err := store.BeginProcessing(ctx, record.ID); err != nil {
		t.Fatalf("begin processing: %v", err)
	}
	if err := store.RollbackToClaimable(ctx, record.ID); err != nil {
		t.Fatalf("rollback: %v", err)
	}
	if _, err := store.BeginProcessing(ctx, record.ID); err != nil {
		t.Fatalf("retry after rollback: %v", err)
	}
}

func TestBeginProcessingRejectsExpiredDeadline(t *testing.T) {
	db := setupTestDB(t)
	now := time.Date(2024, time.July, 10, 20, 0, 0, 0, time.UTC)
	store := NewStore(db, func() time.Time { return now })
	ctx := context.Background()

	record := newClaimable(t, store, now.Add(-time.Minute))
	if _, err := store.BeginProcessing(ctx, record.ID); !errors.Is(err, ErrDeadlinePassed) {
		t.Fatalf("expected ErrDeadlinePassed, got %v", err)
	}
}

func TestExpireDueSweepsOnlyPastDeadlines(t *testing.T) {
	db := setupTestDB(t)
	now := time.Date(2024, time.July, 10, 20, 0, 0, 0, time.UTC)
	store := NewStore(db, func() time.Time { return now })
	ctx := context.Background()

	stale := newClaimable(t, store, now.Add(-time.Minute))
	fresh := newClaimable(t, store, now.Add(time.Hour))

	count, err := store.ExpireDue(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 expired, got %d", count)
	}
	gotStale, _ := store.Get(ctx, stale.ID)
	if gotStale.Status != models.StatusExpired {
		t.Fatalf("stale record is %s", gotStale.Status)
	}
	gotFresh, _ := store.Get(ctx, fresh.ID)
	if gotFresh.Status != models.StatusClaimable {
		t.Fatalf("fresh record is %s", gotFresh.Status)
	}
}

func TestCreatePendingValidation(t *testing.T) {
	db := setupTestDB(t)
	store := NewStore(db, nil)
	ctx := context.Background()

	if _, err := store.CreatePending(ctx, models.ClassBountyPayout, 1, "garbage", "100", "b-1"); err == nil {
		t.Fatal("expected address validation error")
	}
	for _, amount := range []string{"", "0", "-5", "1.5", "1e18", "abc"} {
		if _, err := store.CreatePending(ctx, models.ClassBountyPayout, 1, wallet, amount, "b-1"); !errors.Is(err, ErrInvalidAmount) {
			t.Fatalf("amount %q: expected ErrInvalidAmount, got %v", amount, err)
		}
	}

	record, err := store.CreatePending(ctx, models.ClassBountyPayout, 1, wallet, " 10000000000000000000000 ", "b-1")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if record.Amount != "10000000000000000000000" {
		t.Fatalf("amount mangled: %s", record.Amount)
	}
	if uuid.Validate(record.ID.String()) != nil {
		t.Fatalf("bad id %s", record.ID)
	}
}
