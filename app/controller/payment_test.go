package controller

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/vibast-solutions/ms-go-mpesa/app/entity"
	"github.com/vibast-solutions/ms-go-mpesa/app/provider"
	"github.com/vibast-solutions/ms-go-mpesa/app/repository"
	"github.com/vibast-solutions/ms-go-mpesa/app/service"
	"github.com/vibast-solutions/ms-go-mpesa/app/types"
	"github.com/vibast-solutions/ms-go-mpesa/config"
)

const validPushBody = `{"amount":1000,"phone":"0712345678","description":"Order #12","orderData":{"items":[{"sku":"tee-01","qty":1}],"customerInfo":{"firstName":"Jane","lastName":"Doe","email":"jane@example.com","phone":"0712345678","address":"1 Moi Ave","city":"Nairobi"},"total":1000}}`

type controllerGateway struct {
	mu      sync.Mutex
	authErr error
	pushErr error
	pushes  int
}

func (g *controllerGateway) Name() string {
	return "fake"
}

func (g *controllerGateway) Authenticate(context.Context) (*provider.AccessToken, error) {
	if g.authErr != nil {
		return nil, g.authErr
	}
	return &provider.AccessToken{Value: "token", ExpiresAt: time.Now().Add(time.Hour)}, nil
}

func (g *controllerGateway) PushPayment(context.Context, *provider.AccessToken, *provider.PushInput) (*provider.PushOutput, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.pushes++
	if g.pushErr != nil {
		return nil, g.pushErr
	}
	return &provider.PushOutput{
		CorrelationID:   fmt.Sprintf("ws_CO_%d", g.pushes),
		SecondaryID:     fmt.Sprintf("mr_%d", g.pushes),
		CustomerMessage: "Success. Request accepted for processing",
	}, nil
}

func (g *controllerGateway) QueryStatus(context.Context, *provider.AccessToken, string) (*provider.RawStatus, error) {
	return nil, provider.ErrUnsupportedOperation
}

func (g *controllerGateway) ParseCallback(payload []byte) (*provider.CallbackEvent, error) {
	return provider.NewMockGateway(provider.MockConfig{}).ParseCallback(payload)
}

func newControllerForTest(gateway *controllerGateway) *PaymentController {
	return newControllerWithGateway(gateway)
}

func newControllerWithGateway(gateway provider.Gateway) *PaymentController {
	store := repository.NewMemoryPaymentRequestRepository()
	events := repository.NewMemoryPaymentEventRepository()
	callbacks := repository.NewMemoryPaymentCallbackRepository()
	mpesaCfg := config.MpesaConfig{
		Environment:       "sandbox",
		BusinessShortCode: "174379",
		MinAmount:         1,
		MaxAmount:         70000,
		TestFailPhone:     "254708374148",
		AccountRefPrefix:  "StyleCo",
	}

	return NewPaymentController(
		service.NewPaymentRequestService(gateway, store, events, mpesaCfg),
		service.NewCallbackReconciler(gateway, store, events, callbacks),
		service.NewStatusQueryService(gateway, store, events),
		gateway,
		mpesaCfg,
	)
}

func doPush(t *testing.T, ctrl *PaymentController, body string) *httptest.ResponseRecorder {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/payment/push", bytes.NewBufferString(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	if err := ctrl.Push(e.NewContext(req, rec)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return rec
}

func doCallback(t *testing.T, ctrl *PaymentController, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/payment/callback", bytes.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	if err := ctrl.Callback(e.NewContext(req, rec)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return rec
}

func doQuery(t *testing.T, ctrl *PaymentController, correlationID string) *httptest.ResponseRecorder {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/payment/query/"+url.PathEscape(correlationID), nil)
	rec := httptest.NewRecorder()
	ctx := e.NewContext(req, rec)
	ctx.SetParamNames("correlationId")
	ctx.SetParamValues(correlationID)
	if err := ctrl.Query(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) types.ErrorResponse {
	t.Helper()
	var payload types.ErrorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	return payload
}

func TestPushBadBody(t *testing.T) {
	ctrl := newControllerForTest(&controllerGateway{})
	rec := doPush(t, ctrl, "{bad")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestPushSuccess(t *testing.T) {
	ctrl := newControllerForTest(&controllerGateway{})
	rec := doPush(t, ctrl, validPushBody)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", rec.Code, rec.Body.String())
	}

	var payload types.PushPaymentResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if !payload.Success || payload.CorrelationId != "ws_CO_1" || payload.SecondaryId != "mr_1" {
		t.Fatalf("unexpected payload: %+v", payload)
	}
	if payload.CheckoutRequestId != payload.CorrelationId {
		t.Fatalf("expected checkoutRequestId alias, got %+v", payload)
	}
}

func TestPushInvalidAmount(t *testing.T) {
	gateway := &controllerGateway{}
	ctrl := newControllerForTest(gateway)
	rec := doPush(t, ctrl, `{"amount":0,"phone":"0712345678","description":"Order","orderData":{"items":[],"customerInfo":{"email":"jane@example.com"}}}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if payload := decodeError(t, rec); payload.Success {
		t.Fatalf("unexpected payload: %+v", payload)
	}
	if gateway.pushes != 0 {
		t.Fatalf("expected no gateway call, got %d", gateway.pushes)
	}
}

func TestPushInvalidPhone(t *testing.T) {
	ctrl := newControllerForTest(&controllerGateway{})
	rec := doPush(t, ctrl, `{"amount":10,"phone":"12345","description":"Order","orderData":{"items":[],"customerInfo":{"email":"jane@example.com"}}}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestPushTestFailPhoneReturnsGatewayCode(t *testing.T) {
	gateway := &controllerGateway{}
	ctrl := newControllerForTest(gateway)
	rec := doPush(t, ctrl, `{"amount":1000,"phone":"254708374148","description":"Order","orderData":{"items":[],"customerInfo":{"email":"jane@example.com"}}}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if payload := decodeError(t, rec); payload.Code != "400.002.02" {
		t.Fatalf("unexpected payload: %+v", payload)
	}
	if gateway.pushes != 0 {
		t.Fatalf("expected no gateway call, got %d", gateway.pushes)
	}
}

func TestPushIndeterminate(t *testing.T) {
	ctrl := newControllerForTest(&controllerGateway{pushErr: errors.Join(provider.ErrIndeterminate, context.DeadlineExceeded)})
	rec := doPush(t, ctrl, validPushBody)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rec.Code)
	}
	if payload := decodeError(t, rec); payload.Status != "indeterminate" || payload.Success {
		t.Fatalf("unexpected payload: %+v", payload)
	}
}

func TestPushTransportFailure(t *testing.T) {
	ctrl := newControllerForTest(&controllerGateway{pushErr: &provider.TransportError{Op: "push", Err: errors.New("connection refused")}})
	rec := doPush(t, ctrl, validPushBody)
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", rec.Code)
	}
}

func TestCallbackThenQueryReportsCompleted(t *testing.T) {
	ctrl := newControllerForTest(&controllerGateway{})
	if rec := doPush(t, ctrl, validPushBody); rec.Code != http.StatusOK {
		t.Fatalf("push failed: %d", rec.Code)
	}

	amount := int64(1000)
	payload := provider.BuildCallbackPayload(&provider.CallbackEvent{
		CorrelationID:    "ws_CO_1",
		SecondaryID:      "mr_1",
		ResultCode:       provider.ResultCodeSuccess,
		ResultDesc:       "The service request is processed successfully.",
		Amount:           &amount,
		ReceiptReference: "MPE123",
	})
	if rec := doCallback(t, ctrl, payload); rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	rec := doQuery(t, ctrl, "ws_CO_1")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var response types.QueryPaymentResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &response); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if response.Data.Status != entity.StatusCompleted || response.Data.ReceiptReference != "MPE123" {
		t.Fatalf("unexpected data: %+v", response.Data)
	}
}

func TestCallbackMalformedPayload(t *testing.T) {
	ctrl := newControllerForTest(&controllerGateway{})
	if rec := doCallback(t, ctrl, []byte(`{"Body":"nope"}`)); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if rec := doCallback(t, ctrl, nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for empty body, got %d", rec.Code)
	}
}

func TestCallbackUnknownCorrelationIDIsAcknowledged(t *testing.T) {
	ctrl := newControllerForTest(&controllerGateway{})
	payload := provider.BuildCallbackPayload(&provider.CallbackEvent{
		CorrelationID: "ws_CO_foreign",
		ResultCode:    "1032",
		ResultDesc:    "Request cancelled by user",
	})
	if rec := doCallback(t, ctrl, payload); rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestQueryMalformedID(t *testing.T) {
	ctrl := newControllerForTest(&controllerGateway{})
	for _, id := range []string{"bad.id", "bad id!", ""} {
		if rec := doQuery(t, ctrl, id); rec.Code != http.StatusBadRequest {
			t.Fatalf("%q: expected 400, got %d", id, rec.Code)
		}
	}
}

func TestQueryPendingAwaitsCallback(t *testing.T) {
	ctrl := newControllerForTest(&controllerGateway{})
	doPush(t, ctrl, validPushBody)

	rec := doQuery(t, ctrl, "ws_CO_1")
	var response types.QueryPaymentResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &response); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if response.Data.Status != entity.StatusPending || !response.Data.AwaitCallback {
		t.Fatalf("unexpected data: %+v", response.Data)
	}
}

func TestQueryUnknownID(t *testing.T) {
	ctrl := newControllerForTest(&controllerGateway{})
	rec := doQuery(t, ctrl, "ws_CO_missing")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var response types.QueryPaymentResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &response); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if response.Data.Status != entity.StatusUnknown {
		t.Fatalf("unexpected status: %s", response.Data.Status)
	}
}

func TestGetRequestNotFound(t *testing.T) {
	ctrl := newControllerForTest(&controllerGateway{})
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/payment/requests/ws_CO_9", nil)
	rec := httptest.NewRecorder()
	ctx := e.NewContext(req, rec)
	ctx.SetParamNames("correlationId")
	ctx.SetParamValues("ws_CO_9")

	_ = ctrl.GetRequest(ctx)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestGatewayHealth(t *testing.T) {
	e := echo.New()

	ctrl := newControllerForTest(&controllerGateway{})
	rec := httptest.NewRecorder()
	_ = ctrl.GatewayHealth(e.NewContext(httptest.NewRequest(http.MethodGet, "/payment/healthcheck", nil), rec))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var payload types.GatewayHealthResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if !payload.HasAccessToken || payload.Environment != "sandbox" {
		t.Fatalf("unexpected payload: %+v", payload)
	}

	ctrl = newControllerForTest(&controllerGateway{authErr: &provider.AuthError{Err: errors.New("bad credentials")}})
	rec = httptest.NewRecorder()
	_ = ctrl.GatewayHealth(e.NewContext(httptest.NewRequest(http.MethodGet, "/payment/healthcheck", nil), rec))
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", rec.Code)
	}
}

func TestGatewayHealthReportsMockTestPhones(t *testing.T) {
	e := echo.New()
	ctrl := newControllerWithGateway(provider.NewMockGateway(provider.MockConfig{}))

	rec := httptest.NewRecorder()
	if err := ctrl.GatewayHealth(e.NewContext(httptest.NewRequest(http.MethodGet, "/payment/healthcheck", nil), rec)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var payload types.GatewayHealthResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if payload.Gateway != provider.MockGatewayName || payload.Environment != provider.MockGatewayName {
		t.Fatalf("unexpected gateway info: %+v", payload)
	}
	if payload.TestPhoneNumbers == nil || !strings.HasPrefix(payload.TestPhoneNumbers.Failure, "254708374148") {
		t.Fatalf("unexpected test phones: %+v", payload.TestPhoneNumbers)
	}
}

func doList(t *testing.T, ctrl *PaymentController, rawQuery string) *httptest.ResponseRecorder {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/payment/requests?"+rawQuery, nil)
	rec := httptest.NewRecorder()
	if err := ctrl.ListRequests(e.NewContext(req, rec)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return rec
}

func TestListRequestsNewestFirstWithStatusFilter(t *testing.T) {
	ctrl := newControllerForTest(&controllerGateway{})
	doPush(t, ctrl, validPushBody)
	doPush(t, ctrl, validPushBody)
	doCallback(t, ctrl, provider.BuildCallbackPayload(&provider.CallbackEvent{
		CorrelationID: "ws_CO_1",
		ResultCode:    "1032",
		ResultDesc:    "Request cancelled by user",
	}))

	rec := doList(t, ctrl, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var response types.ListPaymentRequestsResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &response); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if len(response.Data) != 2 || response.Data[0].CorrelationId != "ws_CO_2" {
		t.Fatalf("expected newest first, got %+v", response.Data)
	}

	rec = doList(t, ctrl, "status=failed")
	response = types.ListPaymentRequestsResponse{}
	if err := json.Unmarshal(rec.Body.Bytes(), &response); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if len(response.Data) != 1 || response.Data[0].CorrelationId != "ws_CO_1" {
		t.Fatalf("unexpected filtered list: %+v", response.Data)
	}
}

func TestListRequestsRejectsBadFilters(t *testing.T) {
	ctrl := newControllerForTest(&controllerGateway{})
	for _, query := range []string{"status=refunded", "limit=0", "limit=abc", "offset=-1"} {
		if rec := doList(t, ctrl, query); rec.Code != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d", query, rec.Code)
		}
	}
}
