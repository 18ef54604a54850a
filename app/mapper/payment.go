package mapper

import (
	"encoding/json"
	"time"

	"github.com/vibast-solutions/ms-go-mpesa/app/entity"
	"github.com/vibast-solutions/ms-go-mpesa/app/types"
)

func PaymentRequestToType(item *entity.PaymentRequest) *types.PaymentRequest {
	if item == nil {
		return nil
	}

	return &types.PaymentRequest{
		Id:               item.ID,
		CorrelationId:    item.CorrelationID,
		SecondaryId:      item.SecondaryID,
		AccountReference: item.AccountReference,
		Amount:           item.Amount,
		Phone:            item.Phone,
		Narrative:        item.Narrative,
		Status:           item.Status,
		ReceiptReference: derefString(item.ReceiptReference),
		TransactionAt:    formatTime(item.TransactionTimestamp),
		FailureCode:      derefString(item.FailureCode),
		FailureReason:    derefString(item.FailureReason),
		ResolvedVia:      derefString(item.ResolvedVia),
		FinalizeStatus:   FinalizeStatusName(item.FinalizeStatus),
		FinalizeAttempts: item.FinalizeAttempts,
		CreatedAt:        item.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:        item.UpdatedAt.UTC().Format(time.RFC3339),
		ResolvedAt:       formatTime(item.ResolvedAt),
		Order:            item.OrderSnapshot,
	}
}

func PaymentRequestsToType(items []*entity.PaymentRequest) []*types.PaymentRequest {
	result := make([]*types.PaymentRequest, 0, len(items))
	for _, item := range items {
		result = append(result, PaymentRequestToType(item))
	}
	return result
}

func PaymentEventsToType(items []*entity.PaymentEvent) []*types.PaymentEvent {
	result := make([]*types.PaymentEvent, 0, len(items))
	for _, item := range items {
		event := &types.PaymentEvent{
			Id:        item.ID,
			EventType: item.EventType,
			OldStatus: derefString(item.OldStatus),
			NewStatus: item.NewStatus,
			CreatedAt: item.CreatedAt.UTC().Format(time.RFC3339),
		}
		if item.PayloadJSON != nil && json.Valid([]byte(*item.PayloadJSON)) {
			event.Payload = json.RawMessage(*item.PayloadJSON)
		}
		result = append(result, event)
	}
	return result
}

// PaymentStatusData is the query view of a request. item is nil for
// correlation ids the store has never seen.
func PaymentStatusData(correlationID, status string, item *entity.PaymentRequest) *types.PaymentStatusData {
	data := &types.PaymentStatusData{CorrelationId: correlationID, Status: status}
	if item == nil {
		return data
	}

	data.SecondaryId = item.SecondaryID
	data.Amount = item.Amount
	data.ReceiptReference = derefString(item.ReceiptReference)
	data.TransactionAt = formatTime(item.TransactionTimestamp)
	data.FailureCode = derefString(item.FailureCode)
	data.FailureReason = derefString(item.FailureReason)
	data.ResolvedVia = derefString(item.ResolvedVia)
	data.ResolvedAt = formatTime(item.ResolvedAt)
	return data
}

func FinalizeStatusName(status int32) string {
	switch status {
	case entity.FinalizePending:
		return "pending"
	case entity.FinalizeDelivered:
		return "delivered"
	case entity.FinalizeFailed:
		return "failed"
	case entity.FinalizeSkipped:
		return "skipped"
	default:
		return "none"
	}
}

func derefString(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}

func formatTime(v *time.Time) string {
	if v == nil {
		return ""
	}
	return v.UTC().Format(time.RFC3339)
}
