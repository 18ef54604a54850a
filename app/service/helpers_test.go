package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/vibast-solutions/ms-go-mpesa/app/entity"
	"github.com/vibast-solutions/ms-go-mpesa/app/provider"
	"github.com/vibast-solutions/ms-go-mpesa/app/repository"
	"github.com/vibast-solutions/ms-go-mpesa/config"
)

type fakeGateway struct {
	mu sync.Mutex

	authErr   error
	pushErr   error
	pushDelay time.Duration
	queryErr  error
	status    *provider.RawStatus

	pushes  int
	queries int
	nextID  int
}

func (g *fakeGateway) Name() string {
	return "fake"
}

func (g *fakeGateway) Authenticate(context.Context) (*provider.AccessToken, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.authErr != nil {
		return nil, g.authErr
	}
	return &provider.AccessToken{Value: "token"}, nil
}

func (g *fakeGateway) PushPayment(context.Context, *provider.AccessToken, *provider.PushInput) (*provider.PushOutput, error) {
	g.mu.Lock()
	delay := g.pushDelay
	g.pushes++
	g.nextID++
	id := g.nextID
	err := g.pushErr
	g.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}
	if err != nil {
		return nil, err
	}
	return &provider.PushOutput{
		CorrelationID:   fmt.Sprintf("ws_CO_%d", id),
		SecondaryID:     fmt.Sprintf("mr_%d", id),
		CustomerMessage: "Success. Request accepted for processing",
	}, nil
}

func (g *fakeGateway) QueryStatus(context.Context, *provider.AccessToken, string) (*provider.RawStatus, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.queries++
	if g.queryErr != nil {
		return nil, g.queryErr
	}
	if g.status == nil {
		return &provider.RawStatus{Resolved: false}, nil
	}
	status := *g.status
	return &status, nil
}

func (g *fakeGateway) ParseCallback(payload []byte) (*provider.CallbackEvent, error) {
	return provider.NewMockGateway(provider.MockConfig{}).ParseCallback(payload)
}

func (g *fakeGateway) counts() (pushes, queries int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.pushes, g.queries
}

type harness struct {
	gateway    *fakeGateway
	store      *repository.MemoryPaymentRequestRepository
	events     *repository.MemoryPaymentEventRepository
	callbacks  *repository.MemoryPaymentCallbackRepository
	submit     *PaymentRequestService
	reconciler *CallbackReconciler
	query      *StatusQueryService
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		gateway:   &fakeGateway{},
		store:     repository.NewMemoryPaymentRequestRepository(),
		events:    repository.NewMemoryPaymentEventRepository(),
		callbacks: repository.NewMemoryPaymentCallbackRepository(),
	}
	h.submit = NewPaymentRequestService(h.gateway, h.store, h.events, testMpesaConfig())
	h.reconciler = NewCallbackReconciler(h.gateway, h.store, h.events, h.callbacks)
	h.query = NewStatusQueryService(h.gateway, h.store, h.events)
	return h
}

func testMpesaConfig() config.MpesaConfig {
	return config.MpesaConfig{
		MinAmount:        1,
		MaxAmount:        70000,
		TestFailPhone:    "254708374148",
		AccountRefPrefix: "StyleCo",
	}
}

// failingEvents fails writes of one event type and stores the rest.
type failingEvents struct {
	*repository.MemoryPaymentEventRepository
	failType string
}

func (f *failingEvents) Create(ctx context.Context, event *entity.PaymentEvent) error {
	if event.EventType == f.failType {
		return errors.New("event store unavailable")
	}
	return f.MemoryPaymentEventRepository.Create(ctx, event)
}

func (h *harness) mustSubmit(t *testing.T) *entity.PaymentRequest {
	t.Helper()
	result, err := h.submit.Submit(context.Background(), &SubmitInput{
		Amount:        1000,
		Phone:         "254712345678",
		Narrative:     "Order",
		OrderSnapshot: []byte(`{"total":1000}`),
	})
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	return result.Request
}

func successCallback(correlationID, receipt string) []byte {
	amount := int64(1000)
	at := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	return provider.BuildCallbackPayload(&provider.CallbackEvent{
		CorrelationID:    correlationID,
		SecondaryID:      "mr_1",
		ResultCode:       provider.ResultCodeSuccess,
		ResultDesc:       "The service request is processed successfully.",
		Amount:           &amount,
		ReceiptReference: receipt,
		TransactionAt:    &at,
		Phone:            "254712345678",
	})
}

func failureCallback(correlationID, code, desc string) []byte {
	return provider.BuildCallbackPayload(&provider.CallbackEvent{
		CorrelationID: correlationID,
		SecondaryID:   "mr_1",
		ResultCode:    code,
		ResultDesc:    desc,
	})
}

func countEvents(t *testing.T, events *repository.MemoryPaymentEventRepository, correlationID, eventType string) int {
	t.Helper()
	items, err := events.ListByCorrelationID(context.Background(), correlationID)
	if err != nil {
		t.Fatalf("list events failed: %v", err)
	}
	count := 0
	for _, item := range items {
		if item.EventType == eventType {
			count++
		}
	}
	return count
}
