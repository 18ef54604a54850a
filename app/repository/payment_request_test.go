package repository

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/vibast-solutions/ms-go-mpesa/app/entity"

	_ "modernc.org/sqlite"
)

func openSQLiteStore(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", "file::memory:?_time_format=sqlite")
	if err != nil {
		t.Fatalf("open sqlite failed: %v", err)
	}
	// A single connection keeps every statement on the same in-memory database.
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	if err := Migrate(context.Background(), db, "sqlite"); err != nil {
		t.Fatalf("migrate failed: %v", err)
	}
	return db
}

func TestSQLCreateAndGet(t *testing.T) {
	repo := NewPaymentRequestRepository(openSQLiteStore(t))
	ctx := context.Background()
	now := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

	key := "order-1"
	request := newPendingRequest("ws_CO_1", now)
	request.IdempotencyKey = &key
	if err := repo.Create(ctx, request); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if request.ID == 0 {
		t.Fatal("expected id to be assigned")
	}

	got, err := repo.Get(ctx, "ws_CO_1")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got.Status != entity.StatusPending || got.Amount != 1000 || string(got.OrderSnapshot) != `{"total":1000}` {
		t.Fatalf("unexpected stored request: %+v", got)
	}
	if !got.CreatedAt.Equal(now) {
		t.Fatalf("unexpected created_at: %v", got.CreatedAt)
	}

	byKey, err := repo.FindByIdempotencyKey(ctx, key)
	if err != nil || byKey == nil || byKey.CorrelationID != "ws_CO_1" {
		t.Fatalf("unexpected idempotency lookup: %+v err=%v", byKey, err)
	}
	missing, err := repo.FindByIdempotencyKey(ctx, "nope")
	if err != nil || missing != nil {
		t.Fatalf("expected no request for unknown key, got %+v err=%v", missing, err)
	}
}

func TestSQLCreateDuplicates(t *testing.T) {
	repo := NewPaymentRequestRepository(openSQLiteStore(t))
	ctx := context.Background()
	now := time.Now().UTC()

	key := "order-1"
	first := newPendingRequest("ws_CO_1", now)
	first.IdempotencyKey = &key
	if err := repo.Create(ctx, first); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	if err := repo.Create(ctx, newPendingRequest("ws_CO_1", now)); !errors.Is(err, ErrDuplicateCorrelationID) {
		t.Fatalf("expected ErrDuplicateCorrelationID, got %v", err)
	}

	second := newPendingRequest("ws_CO_2", now)
	second.IdempotencyKey = &key
	if err := repo.Create(ctx, second); !errors.Is(err, ErrDuplicateIdempotencyKey) {
		t.Fatalf("expected ErrDuplicateIdempotencyKey, got %v", err)
	}
}

func TestSQLTransition(t *testing.T) {
	repo := NewPaymentRequestRepository(openSQLiteStore(t))
	ctx := context.Background()
	now := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

	if _, err := repo.Transition(ctx, "ws_CO_missing", entity.Completed("MPE1", nil, entity.ResolvedViaCallback), now); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	if err := repo.Create(ctx, newPendingRequest("ws_CO_1", now)); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	transactionAt := now.Add(-time.Minute)
	updated, err := repo.Transition(ctx, "ws_CO_1", entity.Completed("MPE123", &transactionAt, entity.ResolvedViaCallback), now)
	if err != nil {
		t.Fatalf("transition failed: %v", err)
	}
	if updated.Status != entity.StatusCompleted || updated.ReceiptReference == nil || *updated.ReceiptReference != "MPE123" {
		t.Fatalf("unexpected transitioned request: %+v", updated)
	}
	if updated.TransactionTimestamp == nil || !updated.TransactionTimestamp.Equal(transactionAt) {
		t.Fatalf("unexpected transaction timestamp: %v", updated.TransactionTimestamp)
	}
	if updated.FinalizeStatus != entity.FinalizePending {
		t.Fatalf("expected finalization queued, got %d", updated.FinalizeStatus)
	}

	current, err := repo.Transition(ctx, "ws_CO_1", entity.Failed("1032", "cancelled", entity.ResolvedViaPoll), now)
	if !errors.Is(err, ErrAlreadyResolved) {
		t.Fatalf("expected ErrAlreadyResolved, got %v", err)
	}
	if current.Status != entity.StatusCompleted || current.FailureCode != nil {
		t.Fatalf("second transition must not change the request: %+v", current)
	}
}

func TestSQLConcurrentTransitionsHaveOneWinner(t *testing.T) {
	repo := NewPaymentRequestRepository(openSQLiteStore(t))
	ctx := context.Background()
	now := time.Now().UTC()

	if err := repo.Create(ctx, newPendingRequest("ws_CO_race", now)); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := repo.Transition(ctx, "ws_CO_race", entity.Completed("MPE9", nil, entity.ResolvedViaCallback), now)
			if err == nil {
				mu.Lock()
				winners++
				mu.Unlock()
			} else if !errors.Is(err, ErrAlreadyResolved) {
				t.Errorf("unexpected transition error: %v", err)
			}
		}()
	}
	wg.Wait()

	if winners != 1 {
		t.Fatalf("expected exactly one winning transition, got %d", winners)
	}
}

func TestSQLFinalizationQueue(t *testing.T) {
	db := openSQLiteStore(t)
	repo := NewPaymentRequestRepository(db)
	ctx := context.Background()
	now := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

	_ = repo.Create(ctx, newPendingRequest("ws_CO_old", now.Add(-10*time.Minute)))
	_ = repo.Create(ctx, newPendingRequest("ws_CO_new", now))

	pending, err := repo.ListPendingBefore(ctx, now.Add(-time.Minute), 10)
	if err != nil {
		t.Fatalf("list pending failed: %v", err)
	}
	if len(pending) != 1 || pending[0].CorrelationID != "ws_CO_old" {
		t.Fatalf("unexpected pending list: %+v", pending)
	}

	if _, err := repo.Transition(ctx, "ws_CO_old", entity.Completed("MPE1", nil, entity.ResolvedViaPoll), now); err != nil {
		t.Fatalf("transition failed: %v", err)
	}

	due, err := repo.ListDueFinalization(ctx, now, 10)
	if err != nil {
		t.Fatalf("list due failed: %v", err)
	}
	if len(due) != 1 || due[0].CorrelationID != "ws_CO_old" {
		t.Fatalf("unexpected due list: %+v", due)
	}

	next := now.Add(5 * time.Minute)
	lastErr := "connection refused"
	due[0].FinalizeAttempts = 1
	due[0].FinalizeNextAt = &next
	due[0].FinalizeLastErr = &lastErr
	due[0].UpdatedAt = now
	if err := repo.UpdateFinalization(ctx, due[0]); err != nil {
		t.Fatalf("update finalization failed: %v", err)
	}

	if due, _ = repo.ListDueFinalization(ctx, now, 10); len(due) != 0 {
		t.Fatalf("expected retry to be deferred, got %d due", len(due))
	}
	if due, _ = repo.ListDueFinalization(ctx, next, 10); len(due) != 1 || due[0].FinalizeAttempts != 1 {
		t.Fatalf("expected retry to be due at next attempt time, got %+v", due)
	}
}

func TestSQLEventsAndCallbacks(t *testing.T) {
	db := openSQLiteStore(t)
	events := NewPaymentEventRepository(db)
	callbacks := NewPaymentCallbackRepository(db)
	ctx := context.Background()
	now := time.Now().UTC()

	correlationID := "ws_CO_1"
	key := "order-1"
	for _, eventType := range []string{entity.EventPushIndeterminate, entity.EventPaymentCreated} {
		event := &entity.PaymentEvent{
			CorrelationID:  &correlationID,
			IdempotencyKey: &key,
			EventType:      eventType,
			NewStatus:      entity.StatusPending,
			CreatedAt:      now,
		}
		if err := events.Create(ctx, event); err != nil {
			t.Fatalf("create event failed: %v", err)
		}
	}

	count, err := events.CountByIdempotencyKey(ctx, key, entity.EventPushIndeterminate)
	if err != nil || count != 1 {
		t.Fatalf("unexpected indeterminate count: %d err=%v", count, err)
	}
	listed, err := events.ListByCorrelationID(ctx, correlationID)
	if err != nil || len(listed) != 2 {
		t.Fatalf("unexpected event list: %d err=%v", len(listed), err)
	}

	callback := &entity.PaymentCallback{
		CorrelationID: &correlationID,
		PayloadJSON:   `{}`,
		Status:        entity.CallbackStatusProcessed,
		CreatedAt:     now,
	}
	if err := callbacks.Create(ctx, callback); err != nil {
		t.Fatalf("create callback failed: %v", err)
	}
	if callback.ID == 0 {
		t.Fatal("expected callback id to be assigned")
	}
}

type listingStore interface {
	Create(ctx context.Context, request *entity.PaymentRequest) error
	Transition(ctx context.Context, correlationID string, outcome entity.Outcome, now time.Time) (*entity.PaymentRequest, error)
	List(ctx context.Context, filter PaymentRequestFilter) ([]*entity.PaymentRequest, error)
}

func TestListNewestFirstWithFilters(t *testing.T) {
	stores := map[string]func(t *testing.T) listingStore{
		"memory": func(*testing.T) listingStore { return NewMemoryPaymentRequestRepository() },
		"sqlite": func(t *testing.T) listingStore { return NewPaymentRequestRepository(openSQLiteStore(t)) },
	}

	for name, open := range stores {
		t.Run(name, func(t *testing.T) {
			repo := open(t)
			ctx := context.Background()
			now := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

			for i, id := range []string{"ws_CO_1", "ws_CO_2", "ws_CO_3"} {
				if err := repo.Create(ctx, newPendingRequest(id, now.Add(time.Duration(i)*time.Minute))); err != nil {
					t.Fatalf("create %s failed: %v", id, err)
				}
			}
			other := newPendingRequest("ws_CO_4", now.Add(-time.Minute))
			other.Phone = "254700000001"
			if err := repo.Create(ctx, other); err != nil {
				t.Fatalf("create failed: %v", err)
			}
			if _, err := repo.Transition(ctx, "ws_CO_2", entity.Completed("MPE2", nil, entity.ResolvedViaCallback), now); err != nil {
				t.Fatalf("transition failed: %v", err)
			}

			all, err := repo.List(ctx, PaymentRequestFilter{Limit: 10})
			if err != nil {
				t.Fatalf("list failed: %v", err)
			}
			if got := correlationIDs(all); got != "ws_CO_3,ws_CO_2,ws_CO_1,ws_CO_4" {
				t.Fatalf("unexpected order: %s", got)
			}

			pending, _ := repo.List(ctx, PaymentRequestFilter{Status: entity.StatusPending, Limit: 10})
			if got := correlationIDs(pending); got != "ws_CO_3,ws_CO_1,ws_CO_4" {
				t.Fatalf("unexpected pending list: %s", got)
			}

			byPhone, _ := repo.List(ctx, PaymentRequestFilter{Phone: "254700000001", Limit: 10})
			if got := correlationIDs(byPhone); got != "ws_CO_4" {
				t.Fatalf("unexpected phone list: %s", got)
			}

			page, _ := repo.List(ctx, PaymentRequestFilter{Limit: 2, Offset: 1})
			if got := correlationIDs(page); got != "ws_CO_2,ws_CO_1" {
				t.Fatalf("unexpected page: %s", got)
			}

			empty, _ := repo.List(ctx, PaymentRequestFilter{Limit: 2, Offset: 10})
			if len(empty) != 0 {
				t.Fatalf("expected empty page, got %d", len(empty))
			}
		})
	}
}

func correlationIDs(items []*entity.PaymentRequest) string {
	ids := make([]string, 0, len(items))
	for _, item := range items {
		ids = append(ids, item.CorrelationID)
	}
	return strings.Join(ids, ",")
}

func TestDuplicateEntryOnlyMatchesUniqueViolations(t *testing.T) {
	db := openSQLiteStore(t)
	ctx := context.Background()
	repo := NewPaymentRequestRepository(db)

	if err := repo.Create(ctx, newPendingRequest("ws_CO_1", time.Now().UTC())); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	err := repo.Create(ctx, newPendingRequest("ws_CO_1", time.Now().UTC()))
	if !errors.Is(err, ErrDuplicateCorrelationID) {
		t.Fatalf("expected ErrDuplicateCorrelationID, got %v", err)
	}

	_, err = db.ExecContext(ctx, `INSERT INTO payment_requests (correlation_id) VALUES (?)`, "ws_CO_2")
	if err == nil {
		t.Fatal("expected a NOT NULL violation")
	}
	if isDuplicateEntryError(err) {
		t.Fatalf("NOT NULL violation reported as duplicate: %v", err)
	}
}
