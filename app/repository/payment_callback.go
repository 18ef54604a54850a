package repository

import (
	"context"
	"sync"

	"github.com/vibast-solutions/ms-go-mpesa/app/entity"
)

type PaymentCallbackRepository struct {
	db DBTX
}

func NewPaymentCallbackRepository(db DBTX) *PaymentCallbackRepository {
	return &PaymentCallbackRepository{db: db}
}

func (r *PaymentCallbackRepository) Create(ctx context.Context, callback *entity.PaymentCallback) error {
	query := `
		INSERT INTO payment_callbacks (
			correlation_id, result_code, payload_json, status, error, created_at
		)
		VALUES (?, ?, ?, ?, ?, ?)
	`

	result, err := r.db.ExecContext(ctx, query,
		nullableStringValue(callback.CorrelationID),
		nullableStringValue(callback.ResultCode),
		callback.PayloadJSON,
		callback.Status,
		nullableStringValue(callback.Error),
		callback.CreatedAt.UTC(),
	)
	if err != nil {
		return err
	}

	id, err := result.LastInsertId()
	if err != nil {
		return err
	}
	callback.ID = uint64(id)

	return nil
}

type MemoryPaymentCallbackRepository struct {
	mu        sync.Mutex
	callbacks []entity.PaymentCallback
}

func NewMemoryPaymentCallbackRepository() *MemoryPaymentCallbackRepository {
	return &MemoryPaymentCallbackRepository{}
}

func (r *MemoryPaymentCallbackRepository) Create(_ context.Context, callback *entity.PaymentCallback) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	callback.ID = uint64(len(r.callbacks) + 1)
	r.callbacks = append(r.callbacks, *callback)
	return nil
}

// Statuses returns the audit status of every recorded callback, oldest first.
func (r *MemoryPaymentCallbackRepository) Statuses() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	statuses := make([]string, 0, len(r.callbacks))
	for _, callback := range r.callbacks {
		statuses = append(statuses, callback.Status)
	}
	return statuses
}
