package controller

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"
	"github.com/vibast-solutions/ms-go-mpesa/app/factory"
	"github.com/vibast-solutions/ms-go-mpesa/app/mapper"
	"github.com/vibast-solutions/ms-go-mpesa/app/provider"
	"github.com/vibast-solutions/ms-go-mpesa/app/service"
	"github.com/vibast-solutions/ms-go-mpesa/app/types"
	"github.com/vibast-solutions/ms-go-mpesa/config"
)

const (
	indeterminateMessage = "Payment status unknown, we will confirm shortly"
	callbackAckMessage   = "Callback received"
)

type PaymentController struct {
	payments  *service.PaymentRequestService
	callbacks *service.CallbackReconciler
	query     *service.StatusQueryService
	gateway   provider.Gateway
	mpesaCfg  config.MpesaConfig
	logger    logrus.FieldLogger
}

func NewPaymentController(
	payments *service.PaymentRequestService,
	callbacks *service.CallbackReconciler,
	query *service.StatusQueryService,
	gateway provider.Gateway,
	mpesaCfg config.MpesaConfig,
) *PaymentController {
	return &PaymentController{
		payments:  payments,
		callbacks: callbacks,
		query:     query,
		gateway:   gateway,
		mpesaCfg:  mpesaCfg,
		logger:    factory.NewModuleLogger("payments-controller"),
	}
}

func (c *PaymentController) Health(ctx echo.Context) error {
	return ctx.JSON(http.StatusOK, &types.HealthResponse{Status: "ok"})
}

func (c *PaymentController) Push(ctx echo.Context) error {
	req, err := types.NewPushPaymentRequestFromContext(ctx)
	if err != nil {
		return c.writeError(ctx, http.StatusBadRequest, "invalid request body", "")
	}
	if err := req.Validate(); err != nil {
		return c.writeError(ctx, http.StatusBadRequest, err.Error(), "")
	}

	snapshot, err := req.Snapshot()
	if err != nil {
		return c.writeError(ctx, http.StatusBadRequest, "invalid orderData", "")
	}

	result, err := c.payments.Submit(ctx.Request().Context(), &service.SubmitInput{
		IdempotencyKey: req.GetIdempotencyKey(),
		Amount:         int64(req.GetAmount()),
		Phone:          req.GetPhone(),
		Narrative:      req.GetDescription(),
		OrderSnapshot:  snapshot,
	})
	if err != nil {
		return c.writePushError(ctx, err)
	}

	message := "Payment request sent to your phone"
	if result.Replayed {
		message = "Payment request already sent for this checkout"
	}
	return ctx.JSON(http.StatusOK, &types.PushPaymentResponse{
		Success:           true,
		Message:           message,
		CorrelationId:     result.Request.CorrelationID,
		SecondaryId:       result.Request.SecondaryID,
		CheckoutRequestId: result.Request.CorrelationID,
		MerchantRequestId: result.Request.SecondaryID,
		CustomerMessage:   result.CustomerMessage,
		Replayed:          result.Replayed,
	})
}

func (c *PaymentController) writePushError(ctx echo.Context, err error) error {
	var (
		rejected  *provider.GatewayRejectedError
		authErr   *provider.AuthError
		transport *provider.TransportError
	)
	switch {
	case errors.Is(err, service.ErrInvalidAmount), errors.Is(err, service.ErrInvalidPhone), errors.Is(err, service.ErrInvalidRequest):
		return c.writeError(ctx, http.StatusBadRequest, err.Error(), "")
	case errors.As(err, &rejected):
		return c.writeError(ctx, http.StatusBadRequest, rejected.Message, rejected.Code)
	case errors.Is(err, service.ErrIndeterminate):
		return ctx.JSON(http.StatusAccepted, &types.ErrorResponse{
			Success: false,
			Message: indeterminateMessage,
			Status:  "indeterminate",
		})
	case errors.As(err, &authErr), errors.As(err, &transport):
		factory.LoggerWithContext(c.logger, ctx).WithError(err).Error("Payment gateway unavailable")
		return c.writeError(ctx, http.StatusBadGateway, "payment gateway unavailable, please try again", "")
	default:
		factory.LoggerWithContext(c.logger, ctx).WithError(err).Error("Push payment failed")
		return c.writeError(ctx, http.StatusInternalServerError, "internal server error", "")
	}
}

// Callback always acknowledges a parsed payload. The gateway treats any
// non-2xx as a reason to redeliver.
func (c *PaymentController) Callback(ctx echo.Context) error {
	req, err := types.NewCallbackRequestFromContext(ctx)
	if err != nil {
		return c.writeError(ctx, http.StatusBadRequest, "invalid request body", "")
	}
	if err := req.Validate(); err != nil {
		return c.writeError(ctx, http.StatusBadRequest, err.Error(), "")
	}

	logger := factory.LoggerWithContext(c.logger, ctx)
	result, err := c.callbacks.Handle(ctx.Request().Context(), req.GetPayload())
	if err != nil {
		if errors.Is(err, service.ErrCallbackRejected) {
			return c.writeError(ctx, http.StatusBadRequest, err.Error(), "")
		}
		logger.WithError(err).Error("Callback processing failed, acknowledging anyway")
		return ctx.JSON(http.StatusOK, &types.CallbackAckResponse{Success: true, Message: callbackAckMessage})
	}

	logger.WithFields(logrus.Fields{
		"correlation_id": result.CorrelationID,
		"disposition":    result.Disposition,
	}).Debug("Callback handled")

	return ctx.JSON(http.StatusOK, &types.CallbackAckResponse{Success: true, Message: callbackAckMessage})
}

func (c *PaymentController) Query(ctx echo.Context) error {
	req, err := types.NewQueryPaymentRequestFromContext(ctx)
	if err != nil {
		return c.writeError(ctx, http.StatusBadRequest, "invalid request", "")
	}
	if err := req.Validate(); err != nil {
		return c.writeError(ctx, http.StatusBadRequest, err.Error(), "")
	}

	result, err := c.query.Poll(ctx.Request().Context(), req.GetCorrelationId())
	if err != nil {
		if errors.Is(err, service.ErrInvalidCorrelationID) {
			return c.writeError(ctx, http.StatusBadRequest, err.Error(), "")
		}
		factory.LoggerWithContext(c.logger, ctx).WithError(err).Error("Query payment failed")
		return c.writeError(ctx, http.StatusInternalServerError, "internal server error", "")
	}

	data := mapper.PaymentStatusData(result.CorrelationID, result.Status, result.Request)
	data.AwaitCallback = result.AwaitCallback
	data.GatewayConfirmed = result.GatewayConfirmed
	data.ResultCode = result.GatewayResultCode
	data.ResultDesc = result.GatewayResultDesc

	return ctx.JSON(http.StatusOK, &types.QueryPaymentResponse{Success: true, Data: data})
}

func (c *PaymentController) GetRequest(ctx echo.Context) error {
	req, err := types.NewQueryPaymentRequestFromContext(ctx)
	if err != nil {
		return c.writeError(ctx, http.StatusBadRequest, "invalid request", "")
	}
	if err := req.Validate(); err != nil {
		return c.writeError(ctx, http.StatusBadRequest, err.Error(), "")
	}

	item, events, err := c.query.Get(ctx.Request().Context(), req.GetCorrelationId())
	if err != nil {
		switch {
		case errors.Is(err, service.ErrInvalidCorrelationID):
			return c.writeError(ctx, http.StatusBadRequest, err.Error(), "")
		case errors.Is(err, service.ErrPaymentNotFound):
			return c.writeError(ctx, http.StatusNotFound, "payment request not found", "")
		default:
			factory.LoggerWithContext(c.logger, ctx).WithError(err).Error("Get payment request failed")
			return c.writeError(ctx, http.StatusInternalServerError, "internal server error", "")
		}
	}

	return ctx.JSON(http.StatusOK, &types.PaymentRequestEnvelopeResponse{
		Success: true,
		Data:    mapper.PaymentRequestToType(item),
		Events:  mapper.PaymentEventsToType(events),
	})
}

func (c *PaymentController) ListRequests(ctx echo.Context) error {
	req, err := types.NewListPaymentRequestsRequestFromContext(ctx)
	if err != nil {
		return c.writeError(ctx, http.StatusBadRequest, "invalid request", "")
	}
	if err := req.Validate(); err != nil {
		return c.writeError(ctx, http.StatusBadRequest, err.Error(), "")
	}

	items, err := c.query.List(ctx.Request().Context(), service.ListInput{
		Status: req.GetStatus(),
		Phone:  req.GetPhone(),
		Limit:  req.GetLimit(),
		Offset: req.GetOffset(),
	})
	if err != nil {
		if errors.Is(err, service.ErrInvalidStatusFilter) {
			return c.writeError(ctx, http.StatusBadRequest, err.Error(), "")
		}
		factory.LoggerWithContext(c.logger, ctx).WithError(err).Error("List payment requests failed")
		return c.writeError(ctx, http.StatusInternalServerError, "internal server error", "")
	}

	return ctx.JSON(http.StatusOK, &types.ListPaymentRequestsResponse{
		Success: true,
		Data:    mapper.PaymentRequestsToType(items),
	})
}

// GatewayHealth checks that the gateway accepts our credentials. It does not
// touch the store.
func (c *PaymentController) GatewayHealth(ctx echo.Context) error {
	response := &types.GatewayHealthResponse{
		Environment:       c.mpesaCfg.Environment,
		BusinessShortCode: c.mpesaCfg.BusinessShortCode,
		Gateway:           c.gateway.Name(),
	}
	if c.gateway.Name() == provider.MockGatewayName {
		response.Environment = provider.MockGatewayName
		response.Note = "Mock gateway active, no real payment prompts are sent. Configure M-Pesa credentials for live payments."
		response.TestPhoneNumbers = &types.MockTestPhones{
			Success:  provider.MockSuccessPhone + " (always succeeds)",
			Failure:  c.mpesaCfg.TestFailPhone + " (always fails)",
			AnyOther: "Any other 254XXXXXXXXX number (succeeds)",
		}
	}

	token, err := c.gateway.Authenticate(ctx.Request().Context())
	if err != nil {
		factory.LoggerWithContext(c.logger, ctx).WithError(err).Warn("Gateway healthcheck failed")
		response.Message = "payment gateway unreachable"
		response.Error = err.Error()
		return ctx.JSON(http.StatusBadGateway, response)
	}

	response.Success = true
	response.Message = "payment gateway reachable"
	response.HasAccessToken = token != nil && token.Value != ""
	return ctx.JSON(http.StatusOK, response)
}

func (c *PaymentController) writeError(ctx echo.Context, statusCode int, message, code string) error {
	return ctx.JSON(statusCode, &types.ErrorResponse{Success: false, Message: message, Code: code})
}
