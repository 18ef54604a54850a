package repository

import (
	"context"
	"database/sql"
	"sync"

	"github.com/vibast-solutions/ms-go-mpesa/app/entity"
)

type PaymentEventRepository struct {
	db DBTX
}

func NewPaymentEventRepository(db DBTX) *PaymentEventRepository {
	return &PaymentEventRepository{db: db}
}

func (r *PaymentEventRepository) Create(ctx context.Context, event *entity.PaymentEvent) error {
	query := `
		INSERT INTO payment_events (
			correlation_id, idempotency_key, event_type, old_status, new_status, payload_json, created_at
		)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	result, err := r.db.ExecContext(ctx, query,
		nullableStringValue(event.CorrelationID),
		nullableStringValue(event.IdempotencyKey),
		event.EventType,
		nullableStringValue(event.OldStatus),
		event.NewStatus,
		nullableStringValue(event.PayloadJSON),
		event.CreatedAt.UTC(),
	)
	if err != nil {
		return err
	}

	id, err := result.LastInsertId()
	if err != nil {
		return err
	}
	event.ID = uint64(id)

	return nil
}

func (r *PaymentEventRepository) CountByIdempotencyKey(ctx context.Context, key, eventType string) (int, error) {
	query := `SELECT COUNT(*) FROM payment_events WHERE idempotency_key = ? AND event_type = ?`

	var count int
	if err := r.db.QueryRowContext(ctx, query, key, eventType).Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

func (r *PaymentEventRepository) ListByCorrelationID(ctx context.Context, correlationID string) ([]*entity.PaymentEvent, error) {
	query := `
		SELECT id, correlation_id, idempotency_key, event_type, old_status, new_status, payload_json, created_at
		FROM payment_events
		WHERE correlation_id = ?
		ORDER BY id ASC
	`

	rows, err := r.db.QueryContext(ctx, query, correlationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	events := make([]*entity.PaymentEvent, 0)
	for rows.Next() {
		var correlation, idempotencyKey, oldStatus, payload sql.NullString
		event := &entity.PaymentEvent{}
		if err := rows.Scan(
			&event.ID,
			&correlation,
			&idempotencyKey,
			&event.EventType,
			&oldStatus,
			&event.NewStatus,
			&payload,
			&event.CreatedAt,
		); err != nil {
			return nil, err
		}
		event.CorrelationID = stringPtrFromNull(correlation)
		event.IdempotencyKey = stringPtrFromNull(idempotencyKey)
		event.OldStatus = stringPtrFromNull(oldStatus)
		event.PayloadJSON = stringPtrFromNull(payload)
		event.CreatedAt = event.CreatedAt.UTC()
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return events, nil
}

type MemoryPaymentEventRepository struct {
	mu     sync.Mutex
	events []entity.PaymentEvent
}

func NewMemoryPaymentEventRepository() *MemoryPaymentEventRepository {
	return &MemoryPaymentEventRepository{}
}

func (r *MemoryPaymentEventRepository) Create(_ context.Context, event *entity.PaymentEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	event.ID = uint64(len(r.events) + 1)
	r.events = append(r.events, *event)
	return nil
}

func (r *MemoryPaymentEventRepository) CountByIdempotencyKey(_ context.Context, key, eventType string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	count := 0
	for _, event := range r.events {
		if event.IdempotencyKey != nil && *event.IdempotencyKey == key && event.EventType == eventType {
			count++
		}
	}
	return count, nil
}

func (r *MemoryPaymentEventRepository) ListByCorrelationID(_ context.Context, correlationID string) ([]*entity.PaymentEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	events := make([]*entity.PaymentEvent, 0)
	for _, event := range r.events {
		if event.CorrelationID != nil && *event.CorrelationID == correlationID {
			item := event
			events = append(events, &item)
		}
	}
	return events, nil
}
