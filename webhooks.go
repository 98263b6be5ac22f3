/*
Copyright 2024 Innsync Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package innsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/hibiken/asynq"
	"github.com/innsync/innsync/config"
	"github.com/innsync/innsync/internal/request"
	"github.com/innsync/innsync/model"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const (
	EventActionApplied      = "action.applied"
	EventActionDuplicate    = "action.duplicate"
	EventActionRetrying     = "action.retrying"
	EventActionExpired      = "action.expired"
	EventActionDeadLettered = "action.dead_lettered"
	EventRoomConflict       = "room.conflict_resolved"
)

// NewWebhook represents the structure of a webhook notification.
type NewWebhook struct {
	Event   string      `json:"event"` // The event type that triggered the webhook.
	Payload interface{} `json:"data"`  // The data associated with the event.
}

// getEventFromStatus maps an action status to the webhook event announcing it.
func getEventFromStatus(status model.ActionStatus) string {
	switch status {
	case model.ActionStatusApplied:
		return EventActionApplied
	case model.ActionStatusDuplicate:
		return EventActionDuplicate
	case model.ActionStatusRetrying:
		return EventActionRetrying
	case model.ActionStatusExpired:
		return EventActionExpired
	case model.ActionStatusDeadLettered:
		return EventActionDeadLettered
	default:
		return "action.unknown"
	}
}

// processHTTP posts a webhook notification to the configured URL.
//
// Parameters:
// - ctx context.Context: The context for the request.
// - data NewWebhook: The webhook notification data to send.
//
// Returns:
// - error: An error if the request fails or the receiver answers with a retryable status.
func processHTTP(ctx context.Context, data NewWebhook) error {
	conf, err := config.Fetch()
	if err != nil {
		return err
	}

	req, err := request.NewJSONRequest(ctx, http.MethodPost, conf.Notification.Webhook.Url, data, conf.Notification.Webhook.Headers)
	if err != nil {
		return err
	}

	if _, err := request.Call(req, nil); err != nil {
		var statusErr *request.StatusError
		if errors.As(err, &statusErr) && !statusErr.Retryable() {
			logrus.WithError(err).WithField("event", data.Event).Warn("webhook rejected by receiver")
			return nil
		}
		return err
	}

	logrus.WithField("event", data.Event).Info("webhook notification sent")
	return nil
}

// SendWebhook enqueues a webhook notification on the webhook queue. It does
// nothing when no webhook URL is configured.
//
// Parameters:
// - ctx context.Context: The context for the operation.
// - newWebhook NewWebhook: The webhook notification data to enqueue.
//
// Returns:
// - error: An error if the task could not be enqueued.
func (q *Queue) SendWebhook(ctx context.Context, newWebhook NewWebhook) error {
	conf, err := config.Fetch()
	if err != nil {
		return err
	}
	if conf.Notification.Webhook.Url == "" {
		return nil
	}

	payload, err := json.Marshal(newWebhook)
	if err != nil {
		return err
	}
	task := asynq.NewTask(q.conf.WebhookQueue, payload, asynq.Queue(q.conf.WebhookQueue))
	if _, err := q.Client.EnqueueContext(ctx, task); err != nil {
		return err
	}
	return nil
}

// ProcessWebhook delivers a webhook notification task taken off the queue.
//
// Parameters:
// - ctx context.Context: The context for the operation.
// - task *asynq.Task: The task containing the webhook notification data.
//
// Returns:
// - error: An error if delivery failed and should be retried by asynq.
func ProcessWebhook(ctx context.Context, task *asynq.Task) error {
	conf, err := config.Fetch()
	if err != nil {
		return err
	}
	if conf.Notification.Webhook.Url == "" {
		return nil
	}

	var payload NewWebhook
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		logrus.WithError(err).Error("error unmarshaling webhook task payload")
		return fmt.Errorf("decode webhook task: %v: %w", err, asynq.SkipRetry)
	}

	ctx, span := tracer.Start(ctx, "Deliver Webhook",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("webhook.event", payload.Event)),
	)
	defer span.End()

	if err := processHTTP(ctx, payload); err != nil {
		span.RecordError(err)
		return err
	}
	return nil
}

// notifyOutcome announces a replay outcome. Delivery problems are logged and
// never fail the replay.
func (i *Innsync) notifyOutcome(ctx context.Context, outcome model.ActionOutcome) {
	err := i.queue.SendWebhook(ctx, NewWebhook{Event: getEventFromStatus(outcome.Status), Payload: outcome})
	if err != nil {
		logrus.WithError(err).WithField("action_id", outcome.ActionID).Error("failed to enqueue webhook")
	}
}
