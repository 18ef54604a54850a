package grpc

import (
	"context"
	"errors"
	"net"
	"testing"

	"github.com/vibast-solutions/ms-go-mpesa/app/entity"
	"github.com/vibast-solutions/ms-go-mpesa/app/provider"
	"github.com/vibast-solutions/ms-go-mpesa/app/repository"
	"github.com/vibast-solutions/ms-go-mpesa/app/service"
	"github.com/vibast-solutions/ms-go-mpesa/config"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

type grpcGateway struct {
	pushErr error
}

func (g *grpcGateway) Name() string {
	return "fake"
}

func (g *grpcGateway) Authenticate(context.Context) (*provider.AccessToken, error) {
	return &provider.AccessToken{Value: "token"}, nil
}

func (g *grpcGateway) PushPayment(context.Context, *provider.AccessToken, *provider.PushInput) (*provider.PushOutput, error) {
	if g.pushErr != nil {
		return nil, g.pushErr
	}
	return &provider.PushOutput{CorrelationID: "ws_CO_1", SecondaryID: "mr_1"}, nil
}

func (g *grpcGateway) QueryStatus(context.Context, *provider.AccessToken, string) (*provider.RawStatus, error) {
	return &provider.RawStatus{Resolved: true, ResultCode: provider.ResultCodeSuccess, ReceiptReference: "MPE777"}, nil
}

func (g *grpcGateway) ParseCallback([]byte) (*provider.CallbackEvent, error) {
	return nil, provider.ErrInvalidCallback
}

func newServerForTest(gateway *grpcGateway) *Server {
	store := repository.NewMemoryPaymentRequestRepository()
	events := repository.NewMemoryPaymentEventRepository()
	cfg := config.MpesaConfig{MinAmount: 1, MaxAmount: 70000, TestFailPhone: "254708374148", AccountRefPrefix: "StyleCo"}
	return NewServer(
		service.NewPaymentRequestService(gateway, store, events, cfg),
		service.NewStatusQueryService(gateway, store, events),
	)
}

func pushStruct(t *testing.T, amount float64, phone string) *structpb.Struct {
	t.Helper()
	in, err := structpb.NewStruct(map[string]interface{}{
		"amount":      amount,
		"phone":       phone,
		"description": "Order",
		"orderData": map[string]interface{}{
			"items":        []interface{}{map[string]interface{}{"sku": "tee-01"}},
			"customerInfo": map[string]interface{}{"email": "jane@example.com"},
			"total":        amount,
		},
	})
	if err != nil {
		t.Fatalf("struct build failed: %v", err)
	}
	return in
}

func TestPushAndQuery(t *testing.T) {
	srv := newServerForTest(&grpcGateway{})

	out, err := srv.Push(context.Background(), pushStruct(t, 1000, "0712345678"))
	if err != nil {
		t.Fatalf("push failed: %v", err)
	}
	if out.GetFields()["correlationId"].GetStringValue() != "ws_CO_1" {
		t.Fatalf("unexpected push response: %v", out)
	}

	out, err = srv.Query(context.Background(), wrapperspb.String("ws_CO_1"))
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}
	data := out.GetFields()["data"].GetStructValue().GetFields()
	if data["status"].GetStringValue() != entity.StatusCompleted || data["receiptReference"].GetStringValue() != "MPE777" {
		t.Fatalf("unexpected query response: %v", out)
	}
}

func TestPushInvalidAmount(t *testing.T) {
	srv := newServerForTest(&grpcGateway{})
	_, err := srv.Push(context.Background(), pushStruct(t, 0, "0712345678"))
	if status.Code(err) != codes.InvalidArgument {
		t.Fatalf("expected InvalidArgument, got %v", err)
	}
}

func TestPushGatewayRejected(t *testing.T) {
	srv := newServerForTest(&grpcGateway{})
	_, err := srv.Push(context.Background(), pushStruct(t, 1000, "254708374148"))
	if status.Code(err) != codes.FailedPrecondition {
		t.Fatalf("expected FailedPrecondition, got %v", err)
	}
}

func TestPushTransportFailure(t *testing.T) {
	srv := newServerForTest(&grpcGateway{pushErr: &provider.TransportError{Op: "push", Err: errors.New("refused")}})
	_, err := srv.Push(context.Background(), pushStruct(t, 1000, "0712345678"))
	if status.Code(err) != codes.Unavailable {
		t.Fatalf("expected Unavailable, got %v", err)
	}
}

func TestPushIndeterminate(t *testing.T) {
	srv := newServerForTest(&grpcGateway{pushErr: provider.ErrIndeterminate})
	out, err := srv.Push(context.Background(), pushStruct(t, 1000, "0712345678"))
	if err != nil {
		t.Fatalf("expected indeterminate response, got %v", err)
	}
	if out.GetFields()["status"].GetStringValue() != "indeterminate" {
		t.Fatalf("unexpected response: %v", out)
	}
}

func TestQueryMalformedID(t *testing.T) {
	srv := newServerForTest(&grpcGateway{})
	_, err := srv.Query(context.Background(), wrapperspb.String("bad id"))
	if status.Code(err) != codes.InvalidArgument {
		t.Fatalf("expected InvalidArgument, got %v", err)
	}
}

func TestServiceDescOverTheWire(t *testing.T) {
	listener := bufconn.Listen(1 << 20)
	grpcServer := grpc.NewServer(grpc.ChainUnaryInterceptor(RecoveryInterceptor(), RequestIDInterceptor(), LoggingInterceptor()))
	RegisterPaymentsServiceServer(grpcServer, newServerForTest(&grpcGateway{}))
	go func() {
		_ = grpcServer.Serve(listener)
	}()
	defer grpcServer.Stop()

	conn, err := grpc.NewClient(
		"passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return listener.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()

	out := &structpb.Struct{}
	if err := conn.Invoke(context.Background(), "/mpesa.v1.PaymentsService/Health", &emptypb.Empty{}, out); err != nil {
		t.Fatalf("health failed: %v", err)
	}
	if out.GetFields()["status"].GetStringValue() != "ok" {
		t.Fatalf("unexpected health response: %v", out)
	}
}
