package outbox

import (
	"path/filepath"
	"sync"
	"testing"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func newTestStore(t *testing.T) (*Store, *gorm.DB) {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "outbox_test.db")), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	if err := db.AutoMigrate(&OutboxEvent{}, &ConsumerReceipt{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return NewStore(db), db
}

func TestMarkProcessedClaimsOnce(t *testing.T) {
	store, _ := newTestStore(t)

	claimed, err := store.MarkProcessed("executor", "unit-1")
	if err != nil {
		t.Fatalf("MarkProcessed failed: %v", err)
	}
	if !claimed {
		t.Fatal("first claim must succeed")
	}

	claimed, err = store.MarkProcessed("executor", "unit-1")
	if err != nil {
		t.Fatalf("second MarkProcessed failed: %v", err)
	}
	if claimed {
		t.Fatal("second claim must report already done")
	}

	done, err := store.IsProcessed("executor", "unit-1")
	if err != nil || !done {
		t.Fatalf("IsProcessed = %v, %v; want true", done, err)
	}

	// Different consumer, same key: independent unit of work.
	done, _ = store.IsProcessed("other-consumer", "unit-1")
	if done {
		t.Error("receipt must be scoped to the consumer name")
	}
}

func TestMarkProcessedConcurrentClaimants(t *testing.T) {
	store, _ := newTestStore(t)

	const claimants = 8
	var wg sync.WaitGroup
	results := make(chan bool, claimants)
	for i := 0; i < claimants; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			claimed, err := store.MarkProcessed("executor", "contested")
			if err != nil {
				t.Errorf("MarkProcessed failed: %v", err)
				return
			}
			results <- claimed
		}()
	}
	wg.Wait()
	close(results)

	winners := 0
	for claimed := range results {
		if claimed {
			winners++
		}
	}
	if winners != 1 {
		t.Errorf("winners = %d, want exactly 1", winners)
	}
}

func TestAppendEventJoinsTransaction(t *testing.T) {
	store, db := newTestStore(t)

	// A rolled-back transaction takes its event with it.
	tx := db.Begin()
	err := store.AppendEvent(tx, &OutboxEvent{
		Topic:         "ledger.entry",
		AggregateType: "balance",
		AggregateID:   "USER_1:USDT",
		Payload:       `{"amount":"100"}`,
	})
	if err != nil {
		t.Fatalf("AppendEvent failed: %v", err)
	}
	tx.Rollback()

	events, err := store.PendingEvents(10)
	if err != nil {
		t.Fatalf("PendingEvents failed: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("got %d events after rollback, want 0", len(events))
	}

	// A committed transaction persists it.
	tx = db.Begin()
	if err := store.AppendEvent(tx, &OutboxEvent{Topic: "ledger.entry"}); err != nil {
		t.Fatalf("AppendEvent failed: %v", err)
	}
	tx.Commit()

	events, _ = store.PendingEvents(10)
	if len(events) != 1 {
		t.Fatalf("got %d events after commit, want 1", len(events))
	}
	if events[0].EventID == "" {
		t.Error("event id must be assigned")
	}
}

func TestMarkPublished(t *testing.T) {
	store, _ := newTestStore(t)

	event := &OutboxEvent{Topic: "ledger.entry"}
	if err := store.AppendEvent(nil, event); err != nil {
		t.Fatalf("AppendEvent failed: %v", err)
	}

	if err := store.MarkPublished(event.EventID); err != nil {
		t.Fatalf("MarkPublished failed: %v", err)
	}

	events, _ := store.PendingEvents(10)
	if len(events) != 0 {
		t.Fatalf("got %d pending events after publish, want 0", len(events))
	}

	// Publishing twice is an error: the event is no longer pending.
	if err := store.MarkPublished(event.EventID); err == nil {
		t.Error("expected error republishing an already published event")
	}
}
