package ledger

import (
	"path/filepath"
	"sync"
	"testing"

	"github.com/makerdesk/mm-core/internal/outbox"
	"github.com/shopspring/decimal"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func newTestService(t *testing.T) *Service {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "ledger_test.db")), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	err = db.AutoMigrate(&LedgerEntry{}, &Balance{}, &outbox.OutboxEvent{}, &outbox.ConsumerReceipt{})
	if err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return NewService(db, outbox.NewStore(db))
}

func assertBalance(t *testing.T, b *Balance, available, locked, total string) {
	t.Helper()
	if b.Available != available || b.Locked != locked || b.Total != total {
		t.Errorf("balance = available %s locked %s total %s, want %s/%s/%s",
			b.Available, b.Locked, b.Total, available, locked, total)
	}
}

func TestCreditDeposit(t *testing.T) {
	svc := newTestService(t)

	result, err := svc.CreditDeposit(MutationCommand{
		UserID:         "USER_1",
		AssetID:        "USDT",
		Amount:         "100",
		IdempotencyKey: "dep-1",
	})
	if err != nil {
		t.Fatalf("CreditDeposit failed: %v", err)
	}
	if !result.Applied {
		t.Error("expected first application to report applied")
	}
	assertBalance(t, result.Balance, "100", "0", "100")
}

func TestIdempotentDoubleApply(t *testing.T) {
	svc := newTestService(t)

	cmd := MutationCommand{
		UserID:         "USER_1",
		AssetID:        "USDT",
		Amount:         "100",
		IdempotencyKey: "dep-1",
	}
	if _, err := svc.CreditDeposit(cmd); err != nil {
		t.Fatalf("first apply failed: %v", err)
	}

	result, err := svc.CreditDeposit(cmd)
	if err != nil {
		t.Fatalf("second apply failed: %v", err)
	}
	if result.Applied {
		t.Error("second apply with same idempotency key must not re-apply")
	}
	assertBalance(t, result.Balance, "100", "0", "100")
}

func TestLockUnlockRoundTrip(t *testing.T) {
	svc := newTestService(t)

	base := MutationCommand{UserID: "USER_1", AssetID: "USDT"}

	deposit := base
	deposit.Amount, deposit.IdempotencyKey = "100", "dep-1"
	if _, err := svc.CreditDeposit(deposit); err != nil {
		t.Fatalf("deposit failed: %v", err)
	}

	lock := base
	lock.Amount, lock.IdempotencyKey = "40", "lock-1"
	if _, err := svc.LockFunds(lock); err != nil {
		t.Fatalf("lock failed: %v", err)
	}

	unlock := base
	unlock.Amount, unlock.IdempotencyKey = "10", "unlock-1"
	result, err := svc.UnlockFunds(unlock)
	if err != nil {
		t.Fatalf("unlock failed: %v", err)
	}
	assertBalance(t, result.Balance, "70", "30", "100")
}

func TestLockInsufficientFunds(t *testing.T) {
	svc := newTestService(t)

	deposit := MutationCommand{UserID: "USER_1", AssetID: "USDT", Amount: "10", IdempotencyKey: "dep-1"}
	if _, err := svc.CreditDeposit(deposit); err != nil {
		t.Fatalf("deposit failed: %v", err)
	}

	lock := MutationCommand{UserID: "USER_1", AssetID: "USDT", Amount: "50", IdempotencyKey: "lock-1"}
	if _, err := svc.LockFunds(lock); err == nil {
		t.Fatal("expected lock beyond available to fail")
	}

	balance, err := svc.GetBalance("USER_1", "USDT")
	if err != nil {
		t.Fatalf("GetBalance failed: %v", err)
	}
	assertBalance(t, balance, "10", "0", "10")
}

func TestUnlockBeyondLocked(t *testing.T) {
	svc := newTestService(t)

	deposit := MutationCommand{UserID: "USER_1", AssetID: "USDT", Amount: "100", IdempotencyKey: "dep-1"}
	if _, err := svc.CreditDeposit(deposit); err != nil {
		t.Fatalf("deposit failed: %v", err)
	}
	lock := MutationCommand{UserID: "USER_1", AssetID: "USDT", Amount: "20", IdempotencyKey: "lock-1"}
	if _, err := svc.LockFunds(lock); err != nil {
		t.Fatalf("lock failed: %v", err)
	}

	unlock := MutationCommand{UserID: "USER_1", AssetID: "USDT", Amount: "30", IdempotencyKey: "unlock-1"}
	if _, err := svc.UnlockFunds(unlock); err == nil {
		t.Fatal("expected unlock beyond locked to fail")
	}
}

func TestWithdrawDebitNegatedEntry(t *testing.T) {
	svc := newTestService(t)

	deposit := MutationCommand{UserID: "USER_1", AssetID: "USDT", Amount: "100", IdempotencyKey: "dep-1"}
	if _, err := svc.CreditDeposit(deposit); err != nil {
		t.Fatalf("deposit failed: %v", err)
	}

	withdraw := MutationCommand{UserID: "USER_1", AssetID: "USDT", Amount: "25", IdempotencyKey: "wdr-1"}
	result, err := svc.DebitWithdrawal(withdraw)
	if err != nil {
		t.Fatalf("withdraw failed: %v", err)
	}
	if result.Entry.Amount != "-25" {
		t.Errorf("debit entry amount = %s, want -25", result.Entry.Amount)
	}
	assertBalance(t, result.Balance, "75", "0", "75")
}

func TestSignedAdjustment(t *testing.T) {
	svc := newTestService(t)

	deposit := MutationCommand{UserID: "USER_1", AssetID: "USDT", Amount: "100", IdempotencyKey: "dep-1"}
	if _, err := svc.CreditDeposit(deposit); err != nil {
		t.Fatalf("deposit failed: %v", err)
	}

	adjust := MutationCommand{UserID: "USER_1", AssetID: "USDT", Amount: "-30", IdempotencyKey: "adj-1"}
	result, err := svc.Adjust(adjust)
	if err != nil {
		t.Fatalf("adjust failed: %v", err)
	}
	assertBalance(t, result.Balance, "70", "0", "70")

	// An adjustment that would drive the balance negative is rejected.
	overdraw := MutationCommand{UserID: "USER_1", AssetID: "USDT", Amount: "-1000", IdempotencyKey: "adj-2"}
	if _, err := svc.Adjust(overdraw); err == nil {
		t.Fatal("expected adjustment into negative to fail")
	}
}

func TestGetBalanceUntouchedPair(t *testing.T) {
	svc := newTestService(t)

	balance, err := svc.GetBalance("USER_NEW", "BTC")
	if err != nil {
		t.Fatalf("GetBalance failed: %v", err)
	}
	assertBalance(t, balance, "0", "0", "0")
}

func TestConcurrentLocksSerialized(t *testing.T) {
	svc := newTestService(t)

	deposit := MutationCommand{UserID: "USER_1", AssetID: "USDT", Amount: "100", IdempotencyKey: "dep-1"}
	if _, err := svc.CreditDeposit(deposit); err != nil {
		t.Fatalf("deposit failed: %v", err)
	}

	const workers = 10
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, err := svc.LockFunds(MutationCommand{
				UserID:         "USER_1",
				AssetID:        "USDT",
				Amount:         "10",
				IdempotencyKey: "lock-" + string(rune('a'+n)),
			})
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent lock failed: %v", err)
		}
	}

	balance, err := svc.GetBalance("USER_1", "USDT")
	if err != nil {
		t.Fatalf("GetBalance failed: %v", err)
	}
	assertBalance(t, balance, "0", "100", "100")

	// Invariant holds after concurrent mutation.
	available, _ := decimal.NewFromString(balance.Available)
	locked, _ := decimal.NewFromString(balance.Locked)
	total, _ := decimal.NewFromString(balance.Total)
	if !total.Equal(available.Add(locked)) {
		t.Errorf("invariant broken: total %s != available %s + locked %s", total, available, locked)
	}
}
