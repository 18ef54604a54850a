package types

import (
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/mail"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/vibast-solutions/ms-go-mpesa/app/entity"
)

const (
	HeaderIdempotencyKey = "Idempotency-Key"

	maxDescriptionLength = 100

	defaultListLimit = 50
	maxListLimit     = 500
)

func NewPushPaymentRequestFromContext(ctx echo.Context) (*PushPaymentRequest, error) {
	var body PushPaymentRequest
	if err := ctx.Bind(&body); err != nil {
		return nil, err
	}

	if strings.TrimSpace(body.IdempotencyKey) == "" {
		body.IdempotencyKey = ctx.Request().Header.Get(HeaderIdempotencyKey)
	}
	body.Normalize()

	return &body, nil
}

// Normalize trims free-text fields and rewrites the phone to 254XXXXXXXXX.
func (r *PushPaymentRequest) Normalize() {
	if r == nil {
		return
	}
	r.IdempotencyKey = strings.TrimSpace(r.IdempotencyKey)
	r.Phone = NormalizeMSISDN(r.Phone)
	r.Description = strings.TrimSpace(r.Description)
	if info := r.OrderData.GetCustomerInfo(); info != nil {
		info.FirstName = strings.TrimSpace(info.FirstName)
		info.LastName = strings.TrimSpace(info.LastName)
		info.Email = strings.TrimSpace(info.Email)
		info.Phone = strings.TrimSpace(info.Phone)
		info.Address = strings.TrimSpace(info.Address)
		info.City = strings.TrimSpace(info.City)
		info.PostalCode = strings.TrimSpace(info.PostalCode)
	}
}

// Validate checks the shape of the request. Amount bounds and the phone
// format are enforced by the payment request service.
func (r *PushPaymentRequest) Validate() error {
	if r.GetAmount() != math.Trunc(r.GetAmount()) {
		return errors.New("amount must be a whole number")
	}
	if r.GetPhone() == "" {
		return errors.New("phone is required")
	}
	if l := len(r.GetDescription()); l == 0 || l > maxDescriptionLength {
		return errors.New("description must be between 1 and 100 characters")
	}

	order := r.GetOrderData()
	if order == nil {
		return errors.New("orderData is required")
	}
	if order.Items == nil {
		return errors.New("orderData.items is required")
	}
	info := order.GetCustomerInfo()
	if info == nil {
		return errors.New("orderData.customerInfo is required")
	}
	if _, err := mail.ParseAddress(info.Email); err != nil {
		return errors.New("orderData.customerInfo.email is invalid")
	}

	return nil
}

func (o *OrderData) GetCustomerInfo() *CustomerInfo {
	if o == nil {
		return nil
	}
	return o.CustomerInfo
}

// Snapshot is the order data as stored with the payment request.
func (r *PushPaymentRequest) Snapshot() (json.RawMessage, error) {
	if r.GetOrderData() == nil {
		return nil, nil
	}
	return json.Marshal(r.GetOrderData())
}

// NormalizeMSISDN converts common Kenyan phone formats (07XXXXXXXX,
// +2547XXXXXXXX, 7XXXXXXXX) to 2547XXXXXXXX. Anything else is returned with
// separators stripped and left for validation to reject.
func NormalizeMSISDN(phone string) string {
	var b strings.Builder
	for _, r := range strings.TrimSpace(phone) {
		if strings.ContainsRune("+ -()", r) {
			continue
		}
		b.WriteRune(r)
	}
	digits := b.String()

	switch {
	case len(digits) == 10 && strings.HasPrefix(digits, "0"):
		return "254" + digits[1:]
	case len(digits) == 9 && (strings.HasPrefix(digits, "7") || strings.HasPrefix(digits, "1")):
		return "254" + digits
	default:
		return digits
	}
}

func NewCallbackRequestFromContext(ctx echo.Context) (*CallbackRequest, error) {
	rawBody, err := io.ReadAll(ctx.Request().Body)
	if err != nil {
		return nil, err
	}
	return &CallbackRequest{Payload: rawBody}, nil
}

func (r *CallbackRequest) Validate() error {
	if len(strings.TrimSpace(string(r.GetPayload()))) == 0 {
		return errors.New("payload is required")
	}
	return nil
}

func NewQueryPaymentRequestFromContext(ctx echo.Context) (*QueryPaymentRequest, error) {
	return &QueryPaymentRequest{CorrelationId: strings.TrimSpace(ctx.Param("correlationId"))}, nil
}

func (r *QueryPaymentRequest) Validate() error {
	if r.GetCorrelationId() == "" {
		return errors.New("correlation id is required")
	}
	if !entity.ValidCorrelationID(r.GetCorrelationId()) {
		return errors.New("correlation id is malformed")
	}
	return nil
}

func NewListPaymentRequestsRequestFromContext(ctx echo.Context) (*ListPaymentRequestsRequest, error) {
	req := &ListPaymentRequestsRequest{
		Status: strings.ToLower(strings.TrimSpace(ctx.QueryParam("status"))),
		Phone:  NormalizeMSISDN(strings.TrimSpace(ctx.QueryParam("phone"))),
		Limit:  defaultListLimit,
	}

	if limitRaw := strings.TrimSpace(ctx.QueryParam("limit")); limitRaw != "" {
		limit, err := strconv.ParseInt(limitRaw, 10, 32)
		if err != nil {
			return nil, err
		}
		req.Limit = int32(limit)
	}

	if offsetRaw := strings.TrimSpace(ctx.QueryParam("offset")); offsetRaw != "" {
		offset, err := strconv.ParseInt(offsetRaw, 10, 32)
		if err != nil {
			return nil, err
		}
		req.Offset = int32(offset)
	}

	return req, nil
}

func (r *ListPaymentRequestsRequest) Validate() error {
	if r.GetLimit() <= 0 || r.GetLimit() > maxListLimit {
		return errors.New("limit must be between 1 and 500")
	}
	if r.GetOffset() < 0 {
		return errors.New("offset must be >= 0")
	}
	switch r.GetStatus() {
	case "", entity.StatusPending, entity.StatusCompleted, entity.StatusFailed:
	default:
		return errors.New("invalid status")
	}
	return nil
}
