package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/vibast-solutions/ms-go-mpesa/app/entity"
	"github.com/vibast-solutions/ms-go-mpesa/app/factory"
	"github.com/vibast-solutions/ms-go-mpesa/app/mapper"
	"github.com/vibast-solutions/ms-go-mpesa/app/types"
	"github.com/vibast-solutions/ms-go-mpesa/config"
	"golang.org/x/sync/errgroup"
)

const defaultBatchSize = int32(100)

type Jobs struct {
	store      paymentRequestStore
	events     paymentEventRepository
	query      *StatusQueryService
	cfg        config.PaymentsConfig
	apiKey     string
	httpClient *http.Client
	logger     logrus.FieldLogger
	now        func() time.Time
}

func NewJobs(
	store paymentRequestStore,
	events paymentEventRepository,
	query *StatusQueryService,
	cfg config.PaymentsConfig,
	apiKey string,
) *Jobs {
	timeout := cfg.FinalizeHTTPTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &Jobs{
		store:      store,
		events:     events,
		query:      query,
		cfg:        cfg,
		apiKey:     strings.TrimSpace(apiKey),
		httpClient: &http.Client{Timeout: timeout},
		logger:     factory.NewModuleLogger("jobs"),
		now:        time.Now,
	}
}

// RunReconcileBatch polls the gateway for requests that have been pending
// longer than the configured staleness window.
func (j *Jobs) RunReconcileBatch(ctx context.Context) error {
	before := j.now().UTC().Add(-j.cfg.ReconcileStaleAfter)
	items, err := j.store.ListPendingBefore(ctx, before, j.batchSize())
	if err != nil {
		return err
	}

	concurrency := j.cfg.ReconcileConcurrency
	if concurrency <= 0 {
		concurrency = 1
	}

	var g errgroup.Group
	g.SetLimit(concurrency)
	for _, item := range items {
		correlationID := item.CorrelationID
		g.Go(func() error {
			result, err := j.query.Poll(ctx, correlationID)
			if err != nil {
				return fmt.Errorf("reconcile %s: %w", correlationID, err)
			}
			if result.Status != entity.StatusPending {
				j.logger.WithFields(logrus.Fields{
					"correlation_id": correlationID,
					"status":         result.Status,
				}).Info("Reconciled pending payment request")
			}
			return nil
		})
	}

	return g.Wait()
}

// RunFinalizeBatch delivers resolved payment requests to the order service.
func (j *Jobs) RunFinalizeBatch(ctx context.Context) error {
	now := j.now().UTC()
	items, err := j.store.ListDueFinalization(ctx, now, j.batchSize())
	if err != nil {
		return err
	}

	var firstErr error
	for _, item := range items {
		if item == nil {
			continue
		}
		if err := j.finalize(ctx, item, now); err != nil {
			firstErr = keepFirstErr(firstErr, err)
		}
	}

	return firstErr
}

func (j *Jobs) finalize(ctx context.Context, request *entity.PaymentRequest, now time.Time) error {
	url := strings.TrimSpace(j.cfg.OrderFinalizeURL)
	if url == "" {
		request.FinalizeStatus = entity.FinalizeSkipped
		request.FinalizeNextAt = nil
		request.UpdatedAt = now
		return j.store.UpdateFinalization(ctx, request)
	}

	body, err := json.Marshal(&types.OrderFinalization{
		Payment: mapper.PaymentRequestToType(request),
		Order:   request.OrderSnapshot,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return j.recordFinalizeFailure(ctx, request, now, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Request-ID", request.CorrelationID)
	if j.apiKey != "" {
		req.Header.Set("X-API-Key", j.apiKey)
	}

	resp, err := j.httpClient.Do(req)
	if err != nil {
		return j.recordFinalizeFailure(ctx, request, now, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return j.recordFinalizeFailure(ctx, request, now, fmt.Errorf("order service returned status=%d", resp.StatusCode))
	}

	request.FinalizeStatus = entity.FinalizeDelivered
	request.FinalizeNextAt = nil
	request.FinalizeLastErr = nil
	request.UpdatedAt = now

	if err := j.store.UpdateFinalization(ctx, request); err != nil {
		return err
	}

	_ = j.events.Create(ctx, &entity.PaymentEvent{
		CorrelationID:  &request.CorrelationID,
		IdempotencyKey: request.IdempotencyKey,
		EventType:      entity.EventOrderFinalized,
		NewStatus:      request.Status,
		CreatedAt:      now,
	})

	return nil
}

func (j *Jobs) recordFinalizeFailure(ctx context.Context, request *entity.PaymentRequest, now time.Time, finalizeErr error) error {
	request.FinalizeAttempts++
	trimmed := truncate(finalizeErr.Error(), 1024)
	request.FinalizeLastErr = &trimmed

	maxAttempts := j.cfg.FinalizeMaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	if request.FinalizeAttempts >= maxAttempts {
		request.FinalizeStatus = entity.FinalizeFailed
		request.FinalizeNextAt = nil
		j.logger.WithField("correlation_id", request.CorrelationID).WithError(finalizeErr).Error("Order finalization gave up")
	} else {
		retryInterval := j.cfg.FinalizeRetryInterval
		if retryInterval <= 0 {
			retryInterval = 5 * time.Minute
		}
		next := now.Add(retryInterval)
		request.FinalizeStatus = entity.FinalizePending
		request.FinalizeNextAt = &next
	}
	request.UpdatedAt = now

	if err := j.store.UpdateFinalization(ctx, request); err != nil {
		return err
	}

	_ = j.events.Create(ctx, &entity.PaymentEvent{
		CorrelationID:  &request.CorrelationID,
		IdempotencyKey: request.IdempotencyKey,
		EventType:      entity.EventFinalizeFailed,
		NewStatus:      request.Status,
		PayloadJSON:    marshalPayload(map[string]interface{}{"error": trimmed, "attempt": request.FinalizeAttempts}),
		CreatedAt:      now,
	})

	return finalizeErr
}

func (j *Jobs) batchSize() int32 {
	if j.cfg.JobBatchSize <= 0 {
		return defaultBatchSize
	}
	return j.cfg.JobBatchSize
}

func keepFirstErr(current error, candidate error) error {
	if current != nil {
		return current
	}
	return candidate
}
