package grpc

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/vibast-solutions/ms-go-mpesa/app/mapper"
	"github.com/vibast-solutions/ms-go-mpesa/app/provider"
	"github.com/vibast-solutions/ms-go-mpesa/app/service"
	"github.com/vibast-solutions/ms-go-mpesa/app/types"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const serviceName = "mpesa.v1.PaymentsService"

// PaymentsServiceServer carries JSON-shaped messages as google.protobuf.Struct
// so the gRPC surface matches the HTTP bodies field for field.
type PaymentsServiceServer interface {
	Push(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	Query(ctx context.Context, req *wrapperspb.StringValue) (*structpb.Struct, error)
	Health(ctx context.Context, req *emptypb.Empty) (*structpb.Struct, error)
}

var PaymentsServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*PaymentsServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Push", Handler: pushHandler},
		{MethodName: "Query", Handler: queryHandler},
		{MethodName: "Health", Handler: healthHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "mpesa/v1/payments.proto",
}

func RegisterPaymentsServiceServer(registrar grpc.ServiceRegistrar, srv PaymentsServiceServer) {
	registrar.RegisterService(&PaymentsServiceDesc, srv)
}

type Server struct {
	payments *service.PaymentRequestService
	query    *service.StatusQueryService
}

func NewServer(payments *service.PaymentRequestService, query *service.StatusQueryService) *Server {
	return &Server{payments: payments, query: query}
}

func (s *Server) Health(context.Context, *emptypb.Empty) (*structpb.Struct, error) {
	return toStruct(&types.HealthResponse{Status: "ok"})
}

func (s *Server) Push(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	l := loggerWithContext(ctx)

	var req types.PushPaymentRequest
	if err := fromStruct(in, &req); err != nil {
		return nil, status.Error(codes.InvalidArgument, "invalid request body")
	}
	req.Normalize()
	if err := req.Validate(); err != nil {
		l.WithError(err).Debug("Push validation failed")
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	snapshot, err := req.Snapshot()
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, "invalid orderData")
	}

	result, err := s.payments.Submit(ctx, &service.SubmitInput{
		IdempotencyKey: req.GetIdempotencyKey(),
		Amount:         int64(req.GetAmount()),
		Phone:          req.GetPhone(),
		Narrative:      req.GetDescription(),
		OrderSnapshot:  snapshot,
	})
	if err != nil {
		var (
			rejected  *provider.GatewayRejectedError
			authErr   *provider.AuthError
			transport *provider.TransportError
		)
		switch {
		case errors.Is(err, service.ErrInvalidAmount), errors.Is(err, service.ErrInvalidPhone), errors.Is(err, service.ErrInvalidRequest):
			return nil, status.Error(codes.InvalidArgument, err.Error())
		case errors.As(err, &rejected):
			return nil, status.Errorf(codes.FailedPrecondition, "%s (code %s)", rejected.Message, rejected.Code)
		case errors.Is(err, service.ErrIndeterminate):
			return toStruct(&types.ErrorResponse{
				Success: false,
				Message: "Payment status unknown, we will confirm shortly",
				Status:  "indeterminate",
			})
		case errors.As(err, &authErr), errors.As(err, &transport):
			l.WithError(err).Error("Payment gateway unavailable")
			return nil, status.Error(codes.Unavailable, "payment gateway unavailable")
		default:
			l.WithError(err).Error("Push payment failed")
			return nil, status.Error(codes.Internal, "internal server error")
		}
	}

	return toStruct(&types.PushPaymentResponse{
		Success:           true,
		Message:           "Payment request sent to your phone",
		CorrelationId:     result.Request.CorrelationID,
		SecondaryId:       result.Request.SecondaryID,
		CheckoutRequestId: result.Request.CorrelationID,
		MerchantRequestId: result.Request.SecondaryID,
		CustomerMessage:   result.CustomerMessage,
		Replayed:          result.Replayed,
	})
}

func (s *Server) Query(ctx context.Context, in *wrapperspb.StringValue) (*structpb.Struct, error) {
	req := &types.QueryPaymentRequest{CorrelationId: in.GetValue()}
	if err := req.Validate(); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	result, err := s.query.Poll(ctx, req.GetCorrelationId())
	if err != nil {
		if errors.Is(err, service.ErrInvalidCorrelationID) {
			return nil, status.Error(codes.InvalidArgument, err.Error())
		}
		loggerWithContext(ctx).WithError(err).Error("Query payment failed")
		return nil, status.Error(codes.Internal, "internal server error")
	}

	data := mapper.PaymentStatusData(result.CorrelationID, result.Status, result.Request)
	data.AwaitCallback = result.AwaitCallback
	data.GatewayConfirmed = result.GatewayConfirmed
	data.ResultCode = result.GatewayResultCode
	data.ResultDesc = result.GatewayResultDesc

	return toStruct(&types.QueryPaymentResponse{Success: true, Data: data})
}

func toStruct(v interface{}) (*structpb.Struct, error) {
	encoded, err := json.Marshal(v)
	if err != nil {
		return nil, status.Error(codes.Internal, "internal server error")
	}
	out := &structpb.Struct{}
	if err := protojson.Unmarshal(encoded, out); err != nil {
		return nil, status.Error(codes.Internal, "internal server error")
	}
	return out, nil
}

func fromStruct(in *structpb.Struct, v interface{}) error {
	if in == nil {
		return errors.New("empty message")
	}
	encoded, err := protojson.Marshal(in)
	if err != nil {
		return err
	}
	return json.Unmarshal(encoded, v)
}

func pushHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(PaymentsServiceServer).Push(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/Push"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(PaymentsServiceServer).Push(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func queryHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(wrapperspb.StringValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(PaymentsServiceServer).Query(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/Query"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(PaymentsServiceServer).Query(ctx, req.(*wrapperspb.StringValue))
	}
	return interceptor(ctx, in, info, handler)
}

func healthHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(PaymentsServiceServer).Health(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/Health"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(PaymentsServiceServer).Health(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}
