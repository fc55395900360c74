package webhook

import (
	"context"

	"github.com/flowhook/flowhook/core"
	"github.com/flowhook/flowhook/eventbus"
	"github.com/flowhook/flowhook/executor"
	"github.com/flowhook/flowhook/trigger"
)

// NewSendWebhookHandler returns the send_webhook action handler: it
// resolves the registered webhook named by the action config and
// enqueues a delivery job at the webhook's current health priority.
// Delivery itself is asynchronous; the action succeeds once the job is
// queued.
func NewSendWebhookHandler(queue *Queue, webhooks WebhookStore) executor.Handler {
	return executor.HandlerFunc(func(ctx context.Context, action *trigger.Action, event *eventbus.Event) (*executor.Result, error) {
		webhookID, _ := action.Config["webhook_id"].(string)
		if webhookID == "" {
			return nil, &core.DomainError{
				Op:      "webhook.SendWebhookHandler",
				Kind:    core.KindValidation,
				ID:      action.ID,
				Message: "action config requires webhook_id",
				Err:     core.ErrValidation,
			}
		}
		hook, err := webhooks.Lookup(ctx, webhookID)
		if err != nil {
			return nil, err
		}
		if hook.Status != StatusActive {
			return nil, &core.DomainError{
				Op:      "webhook.SendWebhookHandler",
				Kind:    core.KindValidation,
				ID:      action.ID,
				Message: "webhook is " + hook.Status,
				Err:     core.ErrValidation,
			}
		}

		job := &Job{
			WebhookID: webhookID,
			EventName: event.EventType,
			Payload: map[string]interface{}{
				"event":       event.EventType,
				"event_id":    event.ID,
				"entity_type": event.EntityType,
				"entity_id":   event.EntityID,
				"data":        event.Data,
			},
		}
		if err := queue.Enqueue(ctx, job, DeliveryPriority(hook.HealthStatus), 0); err != nil {
			return nil, err
		}
		return &executor.Result{
			Success: true,
			Data:    map[string]interface{}{"job_id": job.ID},
		}, nil
	})
}
