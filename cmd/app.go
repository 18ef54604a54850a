package cmd

import (
	"context"
	"database/sql"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/sirupsen/logrus"
	"github.com/vibast-solutions/ms-go-mpesa/app/entity"
	"github.com/vibast-solutions/ms-go-mpesa/app/provider"
	"github.com/vibast-solutions/ms-go-mpesa/app/repository"
	"github.com/vibast-solutions/ms-go-mpesa/app/service"
	"github.com/vibast-solutions/ms-go-mpesa/config"
	_ "modernc.org/sqlite"
)

type requestStore interface {
	Create(ctx context.Context, request *entity.PaymentRequest) error
	Transition(ctx context.Context, correlationID string, outcome entity.Outcome, now time.Time) (*entity.PaymentRequest, error)
	Get(ctx context.Context, correlationID string) (*entity.PaymentRequest, error)
	FindByIdempotencyKey(ctx context.Context, key string) (*entity.PaymentRequest, error)
	List(ctx context.Context, filter repository.PaymentRequestFilter) ([]*entity.PaymentRequest, error)
	ListPendingBefore(ctx context.Context, before time.Time, limit int32) ([]*entity.PaymentRequest, error)
	ListDueFinalization(ctx context.Context, now time.Time, limit int32) ([]*entity.PaymentRequest, error)
	UpdateFinalization(ctx context.Context, request *entity.PaymentRequest) error
}

type eventStore interface {
	Create(ctx context.Context, event *entity.PaymentEvent) error
	CountByIdempotencyKey(ctx context.Context, key, eventType string) (int, error)
	ListByCorrelationID(ctx context.Context, correlationID string) ([]*entity.PaymentEvent, error)
}

type callbackStore interface {
	Create(ctx context.Context, callback *entity.PaymentCallback) error
}

type stores struct {
	requests  requestStore
	events    eventStore
	callbacks callbackStore
	db        *sql.DB
}

type application struct {
	cfg        *config.Config
	gateway    provider.Gateway
	payments   *service.PaymentRequestService
	reconciler *service.CallbackReconciler
	query      *service.StatusQueryService
	jobs       *service.Jobs
}

func mustLoadConfig() *config.Config {
	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("Failed to load configuration")
	}
	if err := configureLogging(cfg); err != nil {
		logrus.WithError(err).Fatal("Failed to configure logging")
	}
	return cfg
}

func mustCreateApplication() (*application, func()) {
	cfg := mustLoadConfig()

	st, err := openStores(context.Background(), cfg.Store)
	if err != nil {
		logrus.WithError(err).WithField("driver", cfg.Store.Driver).Fatal("Failed to open store")
	}

	gateway := provider.NewFromConfig(cfg.Mpesa, cfg.Mock)
	payments := service.NewPaymentRequestService(gateway, st.requests, st.events, cfg.Mpesa)
	reconciler := service.NewCallbackReconciler(gateway, st.requests, st.events, st.callbacks)
	query := service.NewStatusQueryService(gateway, st.requests, st.events)
	jobs := service.NewJobs(st.requests, st.events, query, cfg.Payments, cfg.App.APIKey)

	if mock, ok := gateway.(*provider.MockGateway); ok {
		mock.SetCallbackSink(func(ctx context.Context, payload []byte) {
			if _, err := reconciler.Handle(ctx, payload); err != nil {
				logrus.WithError(err).Warn("Mock gateway callback was rejected")
			}
		})
		logrus.Warn("Gateway credentials are not configured, using the mock gateway")
	}

	logrus.WithFields(logrus.Fields{
		"gateway":     gateway.Name(),
		"environment": cfg.Mpesa.Environment,
		"store":       cfg.Store.Driver,
	}).Info("Application initialized")

	cleanup := func() {
		if st.db == nil {
			return
		}
		if err := st.db.Close(); err != nil {
			logrus.WithError(err).Warn("Failed to close database")
		}
	}

	return &application{
		cfg:        cfg,
		gateway:    gateway,
		payments:   payments,
		reconciler: reconciler,
		query:      query,
		jobs:       jobs,
	}, cleanup
}

func openStores(ctx context.Context, cfg config.StoreConfig) (*stores, error) {
	switch cfg.Driver {
	case config.StoreDriverMySQL, config.StoreDriverSQLite:
		db, err := openDatabase(ctx, cfg)
		if err != nil {
			return nil, err
		}
		if cfg.Driver == config.StoreDriverSQLite {
			if err := repository.Migrate(ctx, db, config.StoreDriverSQLite); err != nil {
				_ = db.Close()
				return nil, err
			}
		}
		return &stores{
			requests:  repository.NewPaymentRequestRepository(db),
			events:    repository.NewPaymentEventRepository(db),
			callbacks: repository.NewPaymentCallbackRepository(db),
			db:        db,
		}, nil
	default:
		logrus.Warn("Using the in-memory store, payment requests will not survive a restart")
		return &stores{
			requests:  repository.NewMemoryPaymentRequestRepository(),
			events:    repository.NewMemoryPaymentEventRepository(),
			callbacks: repository.NewMemoryPaymentCallbackRepository(),
		}, nil
	}
}

func openDatabase(ctx context.Context, cfg config.StoreConfig) (*sql.DB, error) {
	var (
		db  *sql.DB
		err error
	)
	if cfg.Driver == config.StoreDriverSQLite {
		db, err = sql.Open("sqlite", "file:"+cfg.SQLitePath+"?_time_format=sqlite&_pragma=busy_timeout(5000)")
		if err != nil {
			return nil, err
		}
		// SQLite serializes writers; one connection keeps transitions linear.
		db.SetMaxOpenConns(1)
	} else {
		db, err = sql.Open("mysql", cfg.MySQLDSN)
		if err != nil {
			return nil, err
		}
		db.SetMaxOpenConns(cfg.MaxOpenConns)
		db.SetMaxIdleConns(cfg.MaxIdleConns)
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}
