package provider

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/vibast-solutions/ms-go-mpesa/app/factory"
)

// Scheduler runs fn after d. The mock gateway uses it to simulate the
// customer approving the prompt some time after the push.
type Scheduler interface {
	AfterFunc(d time.Duration, fn func())
}

type timerScheduler struct{}

func (timerScheduler) AfterFunc(d time.Duration, fn func()) {
	time.AfterFunc(d, fn)
}

// CallbackSink receives callback payloads emitted by the mock gateway, the way
// the real gateway would POST them to the callback URL.
type CallbackSink func(ctx context.Context, payload []byte)

const (
	MockGatewayName = "mock"
	// MockSuccessPhone always resolves to a successful payment.
	MockSuccessPhone = "254708374149"
)

type MockConfig struct {
	ResolveAfter     time.Duration
	DeliverCallbacks bool
	Scheduler        Scheduler
}

type mockPush struct {
	secondaryID string
	amount      int64
	phone       string
	resolved    bool
	receipt     string
	resolvedAt  time.Time
}

type MockGateway struct {
	cfg    MockConfig
	logger logrus.FieldLogger
	now    func() time.Time

	mu     sync.Mutex
	pushes map[string]*mockPush
	sink   CallbackSink
}

func NewMockGateway(cfg MockConfig) *MockGateway {
	if cfg.Scheduler == nil {
		cfg.Scheduler = timerScheduler{}
	}
	return &MockGateway{
		cfg:    cfg,
		logger: factory.NewModuleLogger("mpesa-mock"),
		now:    time.Now,
		pushes: map[string]*mockPush{},
	}
}

// SetCallbackSink wires the destination for simulated callbacks. It is set
// after construction because the reconciler that consumes callbacks itself
// depends on the gateway.
func (g *MockGateway) SetCallbackSink(sink CallbackSink) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.sink = sink
}

func (g *MockGateway) Name() string {
	return MockGatewayName
}

func (g *MockGateway) Authenticate(context.Context) (*AccessToken, error) {
	return &AccessToken{Value: "mock-token", ExpiresAt: g.now().Add(time.Hour)}, nil
}

func (g *MockGateway) PushPayment(ctx context.Context, _ *AccessToken, input *PushInput) (*PushOutput, error) {
	if err := ctx.Err(); err != nil {
		return nil, &TransportError{Op: "push", Err: err}
	}

	nowMillis := g.now().UnixMilli()
	correlationID := fmt.Sprintf("ws_CO_%d_%s", nowMillis, shortRandom())
	secondaryID := fmt.Sprintf("mr_%d_%s", nowMillis, shortRandom())

	g.mu.Lock()
	g.pushes[correlationID] = &mockPush{
		secondaryID: secondaryID,
		amount:      input.Amount,
		phone:       input.Phone,
	}
	g.mu.Unlock()

	g.logger.WithFields(logrus.Fields{
		"correlation_id": correlationID,
		"amount":         input.Amount,
	}).Info("Mock STK push accepted")

	if g.cfg.ResolveAfter > 0 {
		g.cfg.Scheduler.AfterFunc(g.cfg.ResolveAfter, func() {
			g.Resolve(correlationID)
		})
	}

	return &PushOutput{
		CorrelationID:       correlationID,
		SecondaryID:         secondaryID,
		ResponseDescription: "Success. Request accepted for processing",
		CustomerMessage:     "Success. Request accepted for processing",
	}, nil
}

// Resolve marks a push as paid on the gateway side and, when enabled, delivers
// the success callback. Unknown or already resolved ids are ignored.
func (g *MockGateway) Resolve(correlationID string) {
	g.mu.Lock()
	push, ok := g.pushes[correlationID]
	if !ok || push.resolved {
		g.mu.Unlock()
		return
	}
	push.resolved = true
	push.resolvedAt = g.now().UTC()
	push.receipt = fmt.Sprintf("MPE%d", push.resolvedAt.UnixMilli())
	event := &CallbackEvent{
		CorrelationID:    correlationID,
		SecondaryID:      push.secondaryID,
		ResultCode:       ResultCodeSuccess,
		ResultDesc:       "The service request is processed successfully.",
		Amount:           &push.amount,
		ReceiptReference: push.receipt,
		TransactionAt:    &push.resolvedAt,
		Phone:            push.phone,
	}
	sink := g.sink
	g.mu.Unlock()

	g.logger.WithField("correlation_id", correlationID).Info("Mock payment resolved")

	if g.cfg.DeliverCallbacks && sink != nil {
		sink(context.Background(), BuildCallbackPayload(event))
	}
}

func (g *MockGateway) QueryStatus(ctx context.Context, _ *AccessToken, correlationID string) (*RawStatus, error) {
	if err := ctx.Err(); err != nil {
		return nil, &TransportError{Op: "query", Err: err}
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	push, ok := g.pushes[correlationID]
	if !ok {
		return &RawStatus{Resolved: true, ResultCode: "1032", ResultDesc: "Request cancelled by user"}, nil
	}
	if !push.resolved {
		return &RawStatus{Resolved: false, ResultDesc: "The transaction is being processed"}, nil
	}
	resolvedAt := push.resolvedAt
	return &RawStatus{
		Resolved:         true,
		ResultCode:       ResultCodeSuccess,
		ResultDesc:       "The service request is processed successfully.",
		ReceiptReference: push.receipt,
		TransactionAt:    &resolvedAt,
	}, nil
}

func (g *MockGateway) ParseCallback(payload []byte) (*CallbackEvent, error) {
	return parseSTKCallback(payload)
}

func shortRandom() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:9]
}
