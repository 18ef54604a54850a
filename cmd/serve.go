package cmd

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	echomiddleware "github.com/labstack/echo/v4/middleware"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	authclient "github.com/vibast-solutions/lib-go-auth/client"
	authmiddleware "github.com/vibast-solutions/lib-go-auth/middleware"
	authlibservice "github.com/vibast-solutions/lib-go-auth/service"
	"github.com/vibast-solutions/ms-go-mpesa/app/controller"
	mpesagrpc "github.com/vibast-solutions/ms-go-mpesa/app/grpc"
	"github.com/vibast-solutions/ms-go-mpesa/config"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP and gRPC servers",
	Long:  "Start the HTTP (Echo) and gRPC servers and, unless disabled, the reconcile and finalize workers.",
	Run:   runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(_ *cobra.Command, _ []string) {
	app, cleanup := mustCreateApplication()
	defer cleanup()
	cfg := app.cfg

	paymentController := controller.NewPaymentController(app.payments, app.reconciler, app.query, app.gateway, cfg.Mpesa)
	grpcPaymentServer := mpesagrpc.NewServer(app.payments, app.query)

	var (
		echoAuth []echo.MiddlewareFunc
		grpcAuth []grpc.UnaryServerInterceptor
	)
	if addr := strings.TrimSpace(cfg.InternalEndpoints.AuthGRPCAddr); addr != "" {
		authGRPCClient, err := authclient.NewGRPCClientFromAddr(context.Background(), addr)
		if err != nil {
			logrus.WithError(err).Fatal("Failed to initialize auth gRPC client")
		}
		defer authGRPCClient.Close()

		internalAuthService := authlibservice.NewInternalAuthService(authGRPCClient)
		echoAuth = append(echoAuth, authmiddleware.NewEchoInternalAuthMiddleware(internalAuthService).RequireInternalAccess(cfg.App.ServiceName))
		grpcAuth = append(grpcAuth, authmiddleware.NewGRPCInternalAuthMiddleware(internalAuthService).UnaryRequireInternalAccess(cfg.App.ServiceName))
	} else {
		logrus.Warn("AUTH_SERVICE_GRPC_ADDR is not set, internal routes are unauthenticated")
	}

	e := setupHTTPServer(paymentController, echoAuth)
	grpcSrv, lis := setupGRPCServer(cfg, grpcPaymentServer, grpcAuth)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		httpAddr := net.JoinHostPort(cfg.HTTP.Host, cfg.HTTP.Port)
		logrus.WithField("addr", httpAddr).Info("Starting HTTP server")
		if err := e.Start(httpAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		logrus.WithField("addr", lis.Addr().String()).Info("Starting gRPC server")
		return grpcSrv.Serve(lis)
	})

	if cfg.Jobs.InProcess {
		g.Go(func() error {
			runTicker(gctx, "reconcile", cfg.Jobs.ReconcileInterval, app.jobs.RunReconcileBatch)
			return nil
		})
		g.Go(func() error {
			runTicker(gctx, "finalize_dispatch", cfg.Jobs.FinalizeDispatchInterval, app.jobs.RunFinalizeBatch)
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		logrus.Info("Shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := e.Shutdown(shutdownCtx); err != nil {
			logrus.WithError(err).Warn("HTTP shutdown error")
		}
		grpcSrv.GracefulStop()
		return nil
	})

	if err := g.Wait(); err != nil {
		logrus.WithError(err).Fatal("Server error")
	}
	logrus.Info("Server stopped")
}

func setupHTTPServer(paymentController *controller.PaymentController, internalAuth []echo.MiddlewareFunc) *echo.Echo {
	e := echo.New()
	e.HideBanner = true

	e.Use(requestID())
	e.Use(echomiddleware.RequestLoggerWithConfig(echomiddleware.RequestLoggerConfig{
		LogURI:       true,
		LogStatus:    true,
		LogMethod:    true,
		LogRemoteIP:  true,
		LogLatency:   true,
		LogUserAgent: true,
		LogError:     true,
		HandleError:  true,
		LogRequestID: true,
		LogValuesFunc: func(_ echo.Context, v echomiddleware.RequestLoggerValues) error {
			fields := logrus.Fields{
				"remote_ip":  v.RemoteIP,
				"host":       v.Host,
				"method":     v.Method,
				"uri":        v.URI,
				"status":     v.Status,
				"latency":    v.Latency.String(),
				"latency_ns": v.Latency.Nanoseconds(),
				"user_agent": v.UserAgent,
				"request_id": v.RequestID,
			}
			entry := logrus.WithFields(fields)
			if v.Error != nil {
				entry = entry.WithError(v.Error)
			}
			entry.Info("http_request")
			return nil
		},
	}))
	e.Use(echomiddleware.Recover())
	e.Use(echomiddleware.CORS())

	e.GET("/health", paymentController.Health)

	payment := e.Group("/payment")
	payment.POST("/push", paymentController.Push, internalAuth...)
	payment.GET("/query/:correlationId", paymentController.Query, internalAuth...)
	payment.GET("/requests", paymentController.ListRequests, internalAuth...)
	payment.GET("/requests/:correlationId", paymentController.GetRequest, internalAuth...)
	payment.GET("/healthcheck", paymentController.GatewayHealth)
	// The gateway posts here directly and cannot carry internal credentials.
	payment.POST("/callback", paymentController.Callback)

	return e
}

// requestID propagates X-Request-ID, generating one when the caller did not
// send it.
func requestID() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(ctx echo.Context) error {
			id := strings.TrimSpace(ctx.Request().Header.Get(echo.HeaderXRequestID))
			if id == "" {
				id = uuid.NewString()
				ctx.Request().Header.Set(echo.HeaderXRequestID, id)
			}
			ctx.Response().Header().Set(echo.HeaderXRequestID, id)
			return next(ctx)
		}
	}
}

func setupGRPCServer(
	cfg *config.Config,
	paymentServer *mpesagrpc.Server,
	internalAuth []grpc.UnaryServerInterceptor,
) (*grpc.Server, net.Listener) {
	grpcAddr := net.JoinHostPort(cfg.GRPC.Host, cfg.GRPC.Port)
	lis, err := net.Listen("tcp", grpcAddr)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to listen on gRPC port")
	}

	interceptors := []grpc.UnaryServerInterceptor{
		mpesagrpc.RecoveryInterceptor(),
		mpesagrpc.RequestIDInterceptor(),
		mpesagrpc.LoggingInterceptor(),
	}
	interceptors = append(interceptors, internalAuth...)

	grpcSrv := grpc.NewServer(grpc.ChainUnaryInterceptor(interceptors...))
	mpesagrpc.RegisterPaymentsServiceServer(grpcSrv, paymentServer)

	return grpcSrv, lis
}
