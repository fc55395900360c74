package webhook

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/flowhook/flowhook/core"
	"github.com/flowhook/flowhook/secrets"
	"github.com/flowhook/flowhook/telemetry"
)

// Outbound delivery constants.
const (
	DeliveryTimeout  = 10 * time.Second
	DefaultUserAgent = "FlowHook-Webhook/1.0"
	defaultClaimTick = time.Second
)

// WorkerOptions configures a Worker.
type WorkerOptions struct {
	Queue       *Queue
	Webhooks    WebhookStore
	Deliveries  DeliveryStore
	Cipher      *secrets.Cipher
	Logger      core.Logger
	Telemetry   core.Telemetry
	Concurrency int
	UserAgent   string
	Client      *http.Client
	ClaimTick   time.Duration
}

// Worker drains the delivery queue: it signs each payload with the
// webhook's decrypted secret, POSTs it, records the attempt and applies
// the health transitions. Failed attempts re-enter the queue on the
// 0/30/60/120s schedule until the attempt budget runs out.
type Worker struct {
	queue       *Queue
	webhooks    WebhookStore
	deliveries  DeliveryStore
	cipher      *secrets.Cipher
	logger      core.Logger
	telemetry   core.Telemetry
	concurrency int
	userAgent   string
	client      *http.Client
	claimTick   time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewWorker creates a delivery worker pool.
func NewWorker(opts WorkerOptions) (*Worker, error) {
	if opts.Queue == nil || opts.Webhooks == nil || opts.Deliveries == nil || opts.Cipher == nil {
		return nil, &core.DomainError{
			Op:      "webhook.NewWorker",
			Kind:    core.KindValidation,
			Message: "queue, stores and cipher are required",
			Err:     core.ErrMissingConfiguration,
		}
	}
	if opts.Logger == nil {
		opts.Logger = &core.NoOpLogger{}
	}
	if opts.Telemetry == nil {
		opts.Telemetry = &core.NoOpTelemetry{}
	}
	if cl, ok := opts.Logger.(core.ComponentAwareLogger); ok {
		opts.Logger = cl.WithComponent("delivery-worker")
	}
	if opts.Concurrency < 1 {
		opts.Concurrency = 8
	}
	if opts.UserAgent == "" {
		opts.UserAgent = DefaultUserAgent
	}
	if opts.Client == nil {
		opts.Client = &http.Client{
			Timeout:   DeliveryTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}
	}
	if opts.ClaimTick <= 0 {
		opts.ClaimTick = defaultClaimTick
	}
	return &Worker{
		queue:       opts.Queue,
		webhooks:    opts.Webhooks,
		deliveries:  opts.Deliveries,
		cipher:      opts.Cipher,
		logger:      opts.Logger,
		telemetry:   opts.Telemetry,
		concurrency: opts.Concurrency,
		userAgent:   opts.UserAgent,
		client:      opts.Client,
		claimTick:   opts.ClaimTick,
	}, nil
}

// Start launches the claim loop. Jobs run on a bounded worker pool.
func (w *Worker) Start(ctx context.Context) {
	ctx, w.cancel = context.WithCancel(ctx)
	sem := make(chan struct{}, w.concurrency)

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		ticker := time.NewTicker(w.claimTick)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}

			jobs, err := w.queue.Claim(ctx, w.concurrency)
			if err != nil {
				w.logger.Warn("Delivery claim failed", map[string]interface{}{
					"operation": "claim_jobs",
					"error":     err.Error(),
				})
				continue
			}
			for _, job := range jobs {
				select {
				case sem <- struct{}{}:
				case <-ctx.Done():
					return
				}
				w.wg.Add(1)
				go func(job *Job) {
					defer w.wg.Done()
					defer func() { <-sem }()
					w.Deliver(ctx, job)
				}(job)
			}
		}
	}()
}

// Stop cancels the claim loop and waits for in-flight deliveries.
func (w *Worker) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	w.wg.Wait()
}

// Deliver runs one delivery attempt end to end.
func (w *Worker) Deliver(ctx context.Context, job *Job) {
	hook, err := w.webhooks.Lookup(ctx, job.WebhookID)
	if err != nil {
		w.logger.Warn("Dropping job for unknown webhook", map[string]interface{}{
			"operation":  "deliver",
			"job_id":     job.ID,
			"webhook_id": job.WebhookID,
		})
		return
	}
	if hook.Status != StatusActive {
		w.logger.Info("Dropping job for inactive webhook", map[string]interface{}{
			"operation":  "deliver",
			"job_id":     job.ID,
			"webhook_id": job.WebhookID,
			"status":     hook.Status,
		})
		return
	}

	secret, err := w.cipher.Decrypt(hook.SecretCiphertext)
	if err != nil {
		w.logger.Error("Cannot decrypt webhook secret", map[string]interface{}{
			"operation":  "deliver",
			"webhook_id": job.WebhookID,
			"error":      err.Error(),
		})
		return
	}

	body, err := json.Marshal(job.Payload)
	if err != nil {
		w.logger.Error("Cannot serialize delivery payload", map[string]interface{}{
			"operation":  "deliver",
			"job_id":     job.ID,
			"webhook_id": job.WebhookID,
			"error":      err.Error(),
		})
		return
	}
	signature := secrets.Sign(body, secret)
	hash := sha256.Sum256(body)

	delivery := &Delivery{
		WebhookID:   job.WebhookID,
		EventName:   job.EventName,
		PayloadHash: hex.EncodeToString(hash[:]),
		Signature:   signature,
		Attempt:     job.Attempt,
	}

	start := time.Now()
	statusCode, postErr := w.post(ctx, hook.URL, body, signature)
	delivery.ResponseTimeMS = time.Since(start).Milliseconds()
	delivery.StatusCode = statusCode

	if postErr == nil && statusCode >= 200 && statusCode < 300 {
		now := time.Now()
		delivery.Status = DeliveryDelivered
		delivery.DeliveredAt = &now
		w.record(ctx, delivery)
		if err := w.webhooks.RecordSuccess(ctx, job.WebhookID, delivery.ResponseTimeMS); err != nil {
			w.logger.Error("Failed to record delivery success", map[string]interface{}{
				"operation":  "deliver",
				"webhook_id": job.WebhookID,
				"error":      err.Error(),
			})
		}
		w.telemetry.RecordMetric(telemetry.MetricDeliveries, 1, map[string]string{"status": DeliveryDelivered})
		w.telemetry.RecordMetric(telemetry.MetricDeliveryLatency, float64(delivery.ResponseTimeMS), nil)
		return
	}

	delivery.Status = DeliveryFailed
	switch {
	case postErr != nil && isTimeout(postErr):
		delivery.ErrorMessage = "request_timeout"
	case postErr != nil:
		delivery.ErrorMessage = core.RedactString(postErr.Error())
	default:
		delivery.ErrorMessage = "unexpected status " + http.StatusText(statusCode)
	}
	w.record(ctx, delivery)
	w.telemetry.RecordMetric(telemetry.MetricDeliveries, 1, map[string]string{"status": DeliveryFailed})

	state, err := w.webhooks.RecordFailure(ctx, job.WebhookID)
	if err != nil {
		w.logger.Error("Failed to record delivery failure", map[string]interface{}{
			"operation":  "deliver",
			"webhook_id": job.WebhookID,
			"error":      err.Error(),
		})
		return
	}
	if state.Disabled {
		w.logger.Warn("Webhook disabled after repeated failures", map[string]interface{}{
			"operation":            "deliver",
			"webhook_id":           job.WebhookID,
			"consecutive_failures": state.ConsecutiveFailures,
		})
		return
	}

	if job.Attempt >= MaxDeliveryAttempts {
		w.logger.Warn("Delivery attempts exhausted", map[string]interface{}{
			"operation":  "deliver",
			"job_id":     job.ID,
			"webhook_id": job.WebhookID,
			"attempt":    job.Attempt,
		})
		return
	}

	retry := *job
	retry.Attempt = job.Attempt + 1
	priority := DeliveryPriority(state.HealthStatus)
	if err := w.queue.Enqueue(ctx, &retry, priority, RetryDelay(retry.Attempt)); err != nil {
		w.logger.Error("Failed to requeue delivery", map[string]interface{}{
			"operation":  "deliver",
			"job_id":     job.ID,
			"webhook_id": job.WebhookID,
			"error":      err.Error(),
		})
	}
}

func (w *Worker) post(ctx context.Context, url string, body []byte, signature string) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Signature", signature)
	req.Header.Set("User-Agent", w.userAgent)

	resp, err := w.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	return resp.StatusCode, nil
}

func (w *Worker) record(ctx context.Context, delivery *Delivery) {
	if err := w.deliveries.Record(ctx, delivery); err != nil {
		w.logger.Error("Failed to record delivery attempt", map[string]interface{}{
			"operation":  "record_delivery",
			"webhook_id": delivery.WebhookID,
			"error":      err.Error(),
		})
	}
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
