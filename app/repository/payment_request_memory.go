package repository

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/vibast-solutions/ms-go-mpesa/app/entity"
)

// MemoryPaymentRequestRepository keeps requests in process memory. It is
// used when no database is configured and in tests. Records are copied on
// the way in and out so callers never share state with the store.
type MemoryPaymentRequestRepository struct {
	mu     sync.Mutex
	nextID uint64
	byID   map[string]*entity.PaymentRequest
	byKey  map[string]string
}

func NewMemoryPaymentRequestRepository() *MemoryPaymentRequestRepository {
	return &MemoryPaymentRequestRepository{
		byID:  map[string]*entity.PaymentRequest{},
		byKey: map[string]string{},
	}
}

func (r *MemoryPaymentRequestRepository) Create(_ context.Context, request *entity.PaymentRequest) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byID[request.CorrelationID]; exists {
		return ErrDuplicateCorrelationID
	}
	if request.IdempotencyKey != nil {
		if _, exists := r.byKey[*request.IdempotencyKey]; exists {
			return ErrDuplicateIdempotencyKey
		}
	}

	r.nextID++
	request.ID = r.nextID
	stored := clonePaymentRequest(request)
	r.byID[request.CorrelationID] = stored
	if request.IdempotencyKey != nil {
		r.byKey[*request.IdempotencyKey] = request.CorrelationID
	}
	return nil
}

func (r *MemoryPaymentRequestRepository) Transition(_ context.Context, correlationID string, outcome entity.Outcome, now time.Time) (*entity.PaymentRequest, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored, ok := r.byID[correlationID]
	if !ok {
		return nil, ErrNotFound
	}
	if stored.Status != entity.StatusPending {
		return clonePaymentRequest(stored), ErrAlreadyResolved
	}

	outcome.Apply(stored, now.UTC())
	return clonePaymentRequest(stored), nil
}

func (r *MemoryPaymentRequestRepository) Get(_ context.Context, correlationID string) (*entity.PaymentRequest, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored, ok := r.byID[correlationID]
	if !ok {
		return nil, ErrNotFound
	}
	return clonePaymentRequest(stored), nil
}

func (r *MemoryPaymentRequestRepository) FindByIdempotencyKey(_ context.Context, key string) (*entity.PaymentRequest, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	correlationID, ok := r.byKey[key]
	if !ok {
		return nil, nil
	}
	return clonePaymentRequest(r.byID[correlationID]), nil
}

// List returns requests newest first.
func (r *MemoryPaymentRequestRepository) List(_ context.Context, filter PaymentRequestFilter) ([]*entity.PaymentRequest, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	matched := make([]*entity.PaymentRequest, 0)
	for _, item := range r.byID {
		if filter.Status != "" && item.Status != filter.Status {
			continue
		}
		if filter.Phone != "" && item.Phone != filter.Phone {
			continue
		}
		matched = append(matched, clonePaymentRequest(item))
	}
	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.After(matched[j].CreatedAt)
		}
		return matched[i].ID > matched[j].ID
	})

	offset := int(filter.Offset)
	if offset >= len(matched) {
		return []*entity.PaymentRequest{}, nil
	}
	matched = matched[offset:]
	if filter.Limit > 0 && len(matched) > int(filter.Limit) {
		matched = matched[:filter.Limit]
	}
	return matched, nil
}

func (r *MemoryPaymentRequestRepository) ListPendingBefore(_ context.Context, before time.Time, limit int32) ([]*entity.PaymentRequest, error) {
	return r.filter(limit, func(item *entity.PaymentRequest) bool {
		return item.Status == entity.StatusPending && !item.CreatedAt.After(before)
	}), nil
}

func (r *MemoryPaymentRequestRepository) ListDueFinalization(_ context.Context, now time.Time, limit int32) ([]*entity.PaymentRequest, error) {
	return r.filter(limit, func(item *entity.PaymentRequest) bool {
		return item.FinalizeStatus == entity.FinalizePending &&
			(item.FinalizeNextAt == nil || !item.FinalizeNextAt.After(now))
	}), nil
}

func (r *MemoryPaymentRequestRepository) UpdateFinalization(_ context.Context, request *entity.PaymentRequest) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored, ok := r.byID[request.CorrelationID]
	if !ok {
		return ErrNotFound
	}
	stored.FinalizeStatus = request.FinalizeStatus
	stored.FinalizeAttempts = request.FinalizeAttempts
	stored.FinalizeNextAt = copyTimePtr(request.FinalizeNextAt)
	stored.FinalizeLastErr = copyStringPtr(request.FinalizeLastErr)
	stored.UpdatedAt = request.UpdatedAt
	return nil
}

func (r *MemoryPaymentRequestRepository) filter(limit int32, keep func(*entity.PaymentRequest) bool) []*entity.PaymentRequest {
	r.mu.Lock()
	defer r.mu.Unlock()

	matched := make([]*entity.PaymentRequest, 0)
	for _, item := range r.byID {
		if keep(item) {
			matched = append(matched, clonePaymentRequest(item))
		}
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].ID < matched[j].ID })
	if limit > 0 && len(matched) > int(limit) {
		matched = matched[:limit]
	}
	return matched
}

func clonePaymentRequest(in *entity.PaymentRequest) *entity.PaymentRequest {
	out := *in
	out.IdempotencyKey = copyStringPtr(in.IdempotencyKey)
	if in.OrderSnapshot != nil {
		out.OrderSnapshot = append(json.RawMessage(nil), in.OrderSnapshot...)
	}
	out.ReceiptReference = copyStringPtr(in.ReceiptReference)
	out.TransactionTimestamp = copyTimePtr(in.TransactionTimestamp)
	out.FailureCode = copyStringPtr(in.FailureCode)
	out.FailureReason = copyStringPtr(in.FailureReason)
	out.ResolvedVia = copyStringPtr(in.ResolvedVia)
	out.FinalizeNextAt = copyTimePtr(in.FinalizeNextAt)
	out.FinalizeLastErr = copyStringPtr(in.FinalizeLastErr)
	out.ResolvedAt = copyTimePtr(in.ResolvedAt)
	return &out
}

func copyStringPtr(v *string) *string {
	if v == nil {
		return nil
	}
	s := *v
	return &s
}

func copyTimePtr(v *time.Time) *time.Time {
	if v == nil {
		return nil
	}
	t := *v
	return &t
}
