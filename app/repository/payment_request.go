package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/vibast-solutions/ms-go-mpesa/app/entity"
)

const paymentRequestColumns = `
	id, correlation_id, secondary_id, idempotency_key, account_reference,
	amount, phone, narrative, order_snapshot_json,
	status, receipt_reference, transaction_at, failure_code, failure_reason, resolved_via,
	finalize_status, finalize_attempts, finalize_next_at, finalize_last_error,
	created_at, updated_at, resolved_at
`

type PaymentRequestFilter struct {
	Status string
	Phone  string
	Limit  int32
	Offset int32
}

// PaymentRequestRepository is the SQL correlation store. It runs unchanged on
// MySQL and SQLite.
type PaymentRequestRepository struct {
	db DBTX
}

func NewPaymentRequestRepository(db DBTX) *PaymentRequestRepository {
	return &PaymentRequestRepository{db: db}
}

func (r *PaymentRequestRepository) Create(ctx context.Context, request *entity.PaymentRequest) error {
	query := `
		INSERT INTO payment_requests (
			correlation_id, secondary_id, idempotency_key, account_reference,
			amount, phone, narrative, order_snapshot_json,
			status, finalize_status, finalize_attempts,
			created_at, updated_at
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	result, err := r.db.ExecContext(ctx, query,
		request.CorrelationID,
		request.SecondaryID,
		nullableStringValue(request.IdempotencyKey),
		request.AccountReference,
		request.Amount,
		request.Phone,
		request.Narrative,
		nullableBytesValue(request.OrderSnapshot),
		request.Status,
		request.FinalizeStatus,
		request.FinalizeAttempts,
		request.CreatedAt.UTC(),
		request.UpdatedAt.UTC(),
	)
	if err != nil {
		if isDuplicateEntryError(err) {
			if request.IdempotencyKey != nil && isIdempotencyKeyViolation(err) {
				return ErrDuplicateIdempotencyKey
			}
			return ErrDuplicateCorrelationID
		}
		return err
	}

	id, err := result.LastInsertId()
	if err != nil {
		return err
	}
	request.ID = uint64(id)
	return nil
}

// Transition moves a pending request to the outcome's terminal state with a
// single conditional UPDATE, so concurrent writers for the same correlation id
// cannot both win. The loser gets the stored request and ErrAlreadyResolved.
func (r *PaymentRequestRepository) Transition(ctx context.Context, correlationID string, outcome entity.Outcome, now time.Time) (*entity.PaymentRequest, error) {
	applied := &entity.PaymentRequest{}
	outcome.Apply(applied, now.UTC())

	query := `
		UPDATE payment_requests SET
			status = ?,
			receipt_reference = ?,
			transaction_at = ?,
			failure_code = ?,
			failure_reason = ?,
			resolved_via = ?,
			finalize_status = ?,
			finalize_attempts = ?,
			finalize_next_at = ?,
			finalize_last_error = NULL,
			updated_at = ?,
			resolved_at = ?
		WHERE correlation_id = ? AND status = ?
	`

	result, err := r.db.ExecContext(ctx, query,
		applied.Status,
		nullableStringValue(applied.ReceiptReference),
		nullableTimeValue(applied.TransactionTimestamp),
		nullableStringValue(applied.FailureCode),
		nullableStringValue(applied.FailureReason),
		nullableStringValue(applied.ResolvedVia),
		applied.FinalizeStatus,
		applied.FinalizeAttempts,
		nullableTimeValue(applied.FinalizeNextAt),
		applied.UpdatedAt,
		nullableTimeValue(applied.ResolvedAt),
		correlationID,
		entity.StatusPending,
	)
	if err != nil {
		return nil, err
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return nil, err
	}

	current, err := r.Get(ctx, correlationID)
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		return current, ErrAlreadyResolved
	}
	return current, nil
}

func (r *PaymentRequestRepository) Get(ctx context.Context, correlationID string) (*entity.PaymentRequest, error) {
	query := `SELECT ` + paymentRequestColumns + ` FROM payment_requests WHERE correlation_id = ? LIMIT 1`

	request := &entity.PaymentRequest{}
	if err := scanPaymentRequest(r.db.QueryRowContext(ctx, query, correlationID), request); errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, err
	}
	return request, nil
}

func (r *PaymentRequestRepository) FindByIdempotencyKey(ctx context.Context, key string) (*entity.PaymentRequest, error) {
	query := `SELECT ` + paymentRequestColumns + ` FROM payment_requests WHERE idempotency_key = ? LIMIT 1`

	request := &entity.PaymentRequest{}
	if err := scanPaymentRequest(r.db.QueryRowContext(ctx, query, key), request); errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	return request, nil
}

// List returns requests newest first.
func (r *PaymentRequestRepository) List(ctx context.Context, filter PaymentRequestFilter) ([]*entity.PaymentRequest, error) {
	query := `SELECT ` + paymentRequestColumns + ` FROM payment_requests`

	conditions := make([]string, 0, 2)
	args := make([]interface{}, 0, 4)

	if strings.TrimSpace(filter.Status) != "" {
		conditions = append(conditions, "status = ?")
		args = append(args, filter.Status)
	}
	if strings.TrimSpace(filter.Phone) != "" {
		conditions = append(conditions, "phone = ?")
		args = append(args, filter.Phone)
	}

	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}

	query += " ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?"
	args = append(args, filter.Limit, filter.Offset)

	return r.list(ctx, query, args...)
}

func (r *PaymentRequestRepository) ListPendingBefore(ctx context.Context, before time.Time, limit int32) ([]*entity.PaymentRequest, error) {
	query := `SELECT ` + paymentRequestColumns + `
		FROM payment_requests
		WHERE status = ? AND created_at <= ?
		ORDER BY created_at ASC
		LIMIT ?
	`
	return r.list(ctx, query, entity.StatusPending, before.UTC(), limit)
}

func (r *PaymentRequestRepository) ListDueFinalization(ctx context.Context, now time.Time, limit int32) ([]*entity.PaymentRequest, error) {
	query := `SELECT ` + paymentRequestColumns + `
		FROM payment_requests
		WHERE finalize_status = ?
		  AND (finalize_next_at IS NULL OR finalize_next_at <= ?)
		ORDER BY id ASC
		LIMIT ?
	`
	return r.list(ctx, query, entity.FinalizePending, now.UTC(), limit)
}

func (r *PaymentRequestRepository) UpdateFinalization(ctx context.Context, request *entity.PaymentRequest) error {
	query := `
		UPDATE payment_requests SET
			finalize_status = ?,
			finalize_attempts = ?,
			finalize_next_at = ?,
			finalize_last_error = ?,
			updated_at = ?
		WHERE correlation_id = ?
	`

	result, err := r.db.ExecContext(ctx, query,
		request.FinalizeStatus,
		request.FinalizeAttempts,
		nullableTimeValue(request.FinalizeNextAt),
		nullableStringValue(request.FinalizeLastErr),
		request.UpdatedAt.UTC(),
		request.CorrelationID,
	)
	if err != nil {
		return err
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PaymentRequestRepository) list(ctx context.Context, query string, args ...interface{}) ([]*entity.PaymentRequest, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	requests := make([]*entity.PaymentRequest, 0)
	for rows.Next() {
		item := &entity.PaymentRequest{}
		if err := scanPaymentRequest(rows, item); err != nil {
			return nil, err
		}
		requests = append(requests, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return requests, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanPaymentRequest(scan rowScanner, request *entity.PaymentRequest) error {
	var idempotencyKey sql.NullString
	var orderSnapshot sql.NullString
	var receiptReference sql.NullString
	var transactionAt sql.NullTime
	var failureCode sql.NullString
	var failureReason sql.NullString
	var resolvedVia sql.NullString
	var finalizeNextAt sql.NullTime
	var finalizeLastErr sql.NullString
	var resolvedAt sql.NullTime

	err := scan.Scan(
		&request.ID,
		&request.CorrelationID,
		&request.SecondaryID,
		&idempotencyKey,
		&request.AccountReference,
		&request.Amount,
		&request.Phone,
		&request.Narrative,
		&orderSnapshot,
		&request.Status,
		&receiptReference,
		&transactionAt,
		&failureCode,
		&failureReason,
		&resolvedVia,
		&request.FinalizeStatus,
		&request.FinalizeAttempts,
		&finalizeNextAt,
		&finalizeLastErr,
		&request.CreatedAt,
		&request.UpdatedAt,
		&resolvedAt,
	)
	if err != nil {
		return err
	}

	request.IdempotencyKey = stringPtrFromNull(idempotencyKey)
	if orderSnapshot.Valid && orderSnapshot.String != "" {
		request.OrderSnapshot = json.RawMessage(orderSnapshot.String)
	}
	request.ReceiptReference = stringPtrFromNull(receiptReference)
	request.TransactionTimestamp = timePtrFromNull(transactionAt)
	request.FailureCode = stringPtrFromNull(failureCode)
	request.FailureReason = stringPtrFromNull(failureReason)
	request.ResolvedVia = stringPtrFromNull(resolvedVia)
	request.FinalizeNextAt = timePtrFromNull(finalizeNextAt)
	request.FinalizeLastErr = stringPtrFromNull(finalizeLastErr)
	request.ResolvedAt = timePtrFromNull(resolvedAt)
	request.CreatedAt = request.CreatedAt.UTC()
	request.UpdatedAt = request.UpdatedAt.UTC()

	return nil
}
