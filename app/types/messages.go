package types

import "encoding/json"

type CustomerInfo struct {
	FirstName  string `json:"firstName"`
	LastName   string `json:"lastName"`
	Email      string `json:"email"`
	Phone      string `json:"phone"`
	Address    string `json:"address"`
	City       string `json:"city"`
	PostalCode string `json:"postalCode,omitempty"`
}

type OrderData struct {
	Items        []json.RawMessage `json:"items"`
	CustomerInfo *CustomerInfo     `json:"customerInfo"`
	Total        float64           `json:"total"`
}

type PushPaymentRequest struct {
	IdempotencyKey string     `json:"idempotencyKey,omitempty"`
	Amount         float64    `json:"amount"`
	Phone          string     `json:"phone"`
	Description    string     `json:"description"`
	OrderData      *OrderData `json:"orderData"`
}

func (r *PushPaymentRequest) GetIdempotencyKey() string {
	if r == nil {
		return ""
	}
	return r.IdempotencyKey
}

func (r *PushPaymentRequest) GetAmount() float64 {
	if r == nil {
		return 0
	}
	return r.Amount
}

func (r *PushPaymentRequest) GetPhone() string {
	if r == nil {
		return ""
	}
	return r.Phone
}

func (r *PushPaymentRequest) GetDescription() string {
	if r == nil {
		return ""
	}
	return r.Description
}

func (r *PushPaymentRequest) GetOrderData() *OrderData {
	if r == nil {
		return nil
	}
	return r.OrderData
}

type PushPaymentResponse struct {
	Success       bool   `json:"success"`
	Message       string `json:"message"`
	CorrelationId string `json:"correlationId"`
	SecondaryId   string `json:"secondaryId"`
	// Daraja names, kept for storefront clients written against them.
	CheckoutRequestId string `json:"checkoutRequestId"`
	MerchantRequestId string `json:"merchantRequestId"`
	CustomerMessage   string `json:"customerMessage,omitempty"`
	Replayed          bool   `json:"replayed,omitempty"`
}

type ErrorResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
	Status  string `json:"status,omitempty"`
}

type CallbackRequest struct {
	Payload []byte
}

func (r *CallbackRequest) GetPayload() []byte {
	if r == nil {
		return nil
	}
	return r.Payload
}

type CallbackAckResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

type QueryPaymentRequest struct {
	CorrelationId string `json:"correlationId"`
}

func (r *QueryPaymentRequest) GetCorrelationId() string {
	if r == nil {
		return ""
	}
	return r.CorrelationId
}

type PaymentStatusData struct {
	CorrelationId    string `json:"correlationId"`
	Status           string `json:"status"`
	SecondaryId      string `json:"secondaryId,omitempty"`
	Amount           int64  `json:"amount,omitempty"`
	ReceiptReference string `json:"receiptReference,omitempty"`
	TransactionAt    string `json:"transactionAt,omitempty"`
	FailureCode      string `json:"failureCode,omitempty"`
	FailureReason    string `json:"failureReason,omitempty"`
	ResolvedVia      string `json:"resolvedVia,omitempty"`
	ResolvedAt       string `json:"resolvedAt,omitempty"`
	AwaitCallback    bool   `json:"awaitCallback,omitempty"`
	GatewayConfirmed bool   `json:"gatewayConfirmed,omitempty"`
	ResultCode       string `json:"resultCode,omitempty"`
	ResultDesc       string `json:"resultDesc,omitempty"`
}

type QueryPaymentResponse struct {
	Success bool               `json:"success"`
	Data    *PaymentStatusData `json:"data"`
}

type PaymentRequest struct {
	Id               uint64          `json:"id"`
	CorrelationId    string          `json:"correlationId"`
	SecondaryId      string          `json:"secondaryId"`
	AccountReference string          `json:"accountReference"`
	Amount           int64           `json:"amount"`
	Phone            string          `json:"phone"`
	Narrative        string          `json:"narrative"`
	Status           string          `json:"status"`
	ReceiptReference string          `json:"receiptReference,omitempty"`
	TransactionAt    string          `json:"transactionAt,omitempty"`
	FailureCode      string          `json:"failureCode,omitempty"`
	FailureReason    string          `json:"failureReason,omitempty"`
	ResolvedVia      string          `json:"resolvedVia,omitempty"`
	FinalizeStatus   string          `json:"finalizeStatus"`
	FinalizeAttempts int32           `json:"finalizeAttempts"`
	CreatedAt        string          `json:"createdAt"`
	UpdatedAt        string          `json:"updatedAt"`
	ResolvedAt       string          `json:"resolvedAt,omitempty"`
	Order            json.RawMessage `json:"order,omitempty"`
}

type PaymentEvent struct {
	Id        uint64          `json:"id"`
	EventType string          `json:"eventType"`
	OldStatus string          `json:"oldStatus,omitempty"`
	NewStatus string          `json:"newStatus"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt string          `json:"createdAt"`
}

type PaymentRequestEnvelopeResponse struct {
	Success bool            `json:"success"`
	Data    *PaymentRequest `json:"data"`
	Events  []*PaymentEvent `json:"events"`
}

type ListPaymentRequestsRequest struct {
	Status string `json:"status,omitempty"`
	Phone  string `json:"phone,omitempty"`
	Limit  int32  `json:"limit,omitempty"`
	Offset int32  `json:"offset,omitempty"`
}

func (r *ListPaymentRequestsRequest) GetStatus() string {
	if r == nil {
		return ""
	}
	return r.Status
}

func (r *ListPaymentRequestsRequest) GetPhone() string {
	if r == nil {
		return ""
	}
	return r.Phone
}

func (r *ListPaymentRequestsRequest) GetLimit() int32 {
	if r == nil {
		return 0
	}
	return r.Limit
}

func (r *ListPaymentRequestsRequest) GetOffset() int32 {
	if r == nil {
		return 0
	}
	return r.Offset
}

type ListPaymentRequestsResponse struct {
	Success bool              `json:"success"`
	Data    []*PaymentRequest `json:"data"`
}

// OrderFinalization is the body POSTed to the order service once a payment
// request reaches a terminal state.
type OrderFinalization struct {
	Payment *PaymentRequest `json:"payment"`
	Order   json.RawMessage `json:"order,omitempty"`
}

type GatewayHealthResponse struct {
	Success           bool   `json:"success"`
	Message           string `json:"message"`
	Environment       string `json:"environment"`
	BusinessShortCode string `json:"businessShortCode,omitempty"`
	Gateway           string `json:"gateway"`
	HasAccessToken    bool   `json:"hasAccessToken"`
	Error             string `json:"error,omitempty"`

	Note             string          `json:"note,omitempty"`
	TestPhoneNumbers *MockTestPhones `json:"testPhoneNumbers,omitempty"`
}

// MockTestPhones lists the numbers with fixed behaviour on the mock gateway.
type MockTestPhones struct {
	Success  string `json:"success"`
	Failure  string `json:"failure"`
	AnyOther string `json:"anyOther"`
}

type HealthResponse struct {
	Status string `json:"status"`
}
