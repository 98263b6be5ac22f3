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
	"time"

	"github.com/hibiken/asynq"
	"github.com/innsync/innsync/config"
	"github.com/innsync/innsync/internal/apierror"
	redlock "github.com/innsync/innsync/internal/lock"
	"github.com/innsync/innsync/internal/notification"
	"github.com/innsync/innsync/model"
	"github.com/innsync/innsync/offline"
	"github.com/sirupsen/logrus"
	"github.com/wacul/ptr"
	"go.opentelemetry.io/otel/attribute"
	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/log/global"
)

var outcomeLogger = global.Logger("innsync.replay")

var (
	ErrUnsupportedTable  = errors.New("unsupported table")
	ErrUnsupportedAction = errors.New("unsupported action type")
)

// permanentError marks a replay failure that no amount of retrying will fix,
// such as a malformed payload. Such actions are dead-lettered immediately.
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }

func (e *permanentError) Unwrap() error { return e.err }

func permanent(err error) error {
	return &permanentError{err: err}
}

func isPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// applyResult is what a table handler reports after a successful replay.
type applyResult struct {
	status     model.ActionStatus
	reason     string
	resolution *model.Resolution
}

func appliedKey(actionID string) string {
	return fmt.Sprintf("innsync:applied:%s", actionID)
}

// SubmitActions records a batch of offline actions from one device and replays
// them in priority order. Actions already recorded under the same ID are not
// stored twice: finished ones are reported as duplicates and unfinished ones
// are replayed from their stored copy.
//
// Parameters:
// - ctx context.Context: The context for the operation.
// - deviceID string: The device that queued the actions. Used when an action carries none.
// - actions []model.QueuedAction: The queued actions, in any order.
//
// Returns:
// - *model.ReplayReport: One outcome per submitted action.
// - error: An error if the batch is invalid or could not be recorded.
func (i *Innsync) SubmitActions(ctx context.Context, deviceID string, actions []model.QueuedAction) (*model.ReplayReport, error) {
	ctx, span := tracer.Start(ctx, "Submit Offline Actions")
	defer span.End()
	span.SetAttributes(attribute.Int("actions.count", len(actions)), attribute.String("device.id", deviceID))

	settings := i.settings()
	report := &model.ReplayReport{Outcomes: []model.ActionOutcome{}}
	if len(actions) == 0 {
		return report, nil
	}
	if len(actions) > settings.MaxBatchSize {
		return nil, apierror.NewAPIError(apierror.ErrBadRequest, fmt.Sprintf("batch of %d actions exceeds the limit of %d", len(actions), settings.MaxBatchSize), nil)
	}
	for _, action := range actions {
		if err := validateAction(action); err != nil {
			return nil, err
		}
	}

	now := i.now()
	pending := make([]model.QueuedAction, 0, len(actions))
	for _, action := range actions {
		normalizeAction(&action, deviceID, settings, now)

		inserted, err := i.datasource.RecordOfflineAction(ctx, &action)
		if err != nil {
			span.RecordError(err)
			return nil, err
		}
		if !inserted {
			existing, err := i.datasource.GetOfflineAction(ctx, action.ID)
			if err != nil {
				return nil, err
			}
			if existing.Status.IsTerminal() {
				report.Add(model.ActionOutcome{
					ActionID:   existing.ID,
					TableName:  existing.TableName,
					Status:     model.ActionStatusDuplicate,
					Reason:     fmt.Sprintf("already %s", existing.Status),
					RetryCount: existing.RetryCount,
				})
				continue
			}
			action = *existing
		}
		pending = append(pending, action)
	}

	for _, outcome := range i.ReplayActions(ctx, pending).Outcomes {
		report.Add(outcome)
	}
	return report, nil
}

// ReplayActions replays already recorded actions one at a time in priority
// order. When ctx is cancelled the remaining actions keep their stored status
// and are picked up by recovery later.
func (i *Innsync) ReplayActions(ctx context.Context, actions []model.QueuedAction) *model.ReplayReport {
	report := &model.ReplayReport{Outcomes: []model.ActionOutcome{}}
	for _, action := range offline.PrioritizeOfflineActions(actions) {
		if ctx.Err() != nil {
			logrus.WithError(ctx.Err()).Warn("replay interrupted, remaining actions left for recovery")
			break
		}
		report.Add(i.replayOne(ctx, action))
	}
	return report
}

// PreviewReplayOrder returns the order actions would be replayed in without
// touching any state.
func (i *Innsync) PreviewReplayOrder(actions []model.QueuedAction) []model.QueuedAction {
	return offline.PrioritizeOfflineActions(actions)
}

// ProcessRetry replays a stored action again. Actions that already reached a
// terminal status are reported as they stand.
func (i *Innsync) ProcessRetry(ctx context.Context, actionID string) (*model.ActionOutcome, error) {
	action, err := i.datasource.GetOfflineAction(ctx, actionID)
	if err != nil {
		return nil, err
	}
	if action.Status.IsTerminal() {
		return &model.ActionOutcome{
			ActionID:   action.ID,
			TableName:  action.TableName,
			Status:     action.Status,
			Reason:     action.LastError,
			RetryCount: action.RetryCount,
		}, nil
	}

	outcome := i.replayOne(ctx, *action)
	return &outcome, nil
}

// ProcessReplayTask is the asynq handler for scheduled retries. Tasks for a
// retry attempt that has since been superseded are dropped.
func (i *Innsync) ProcessReplayTask(ctx context.Context, task *asynq.Task) error {
	var payload RetryTaskPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("decode replay task: %v: %w", err, asynq.SkipRetry)
	}

	action, err := i.datasource.GetOfflineAction(ctx, payload.ActionID)
	if apierror.IsNotFound(err) {
		logrus.WithField("action_id", payload.ActionID).Warn("replay task for unknown action dropped")
		return nil
	}
	if err != nil {
		return err
	}
	if action.RetryCount != payload.RetryCount {
		logrus.WithFields(logrus.Fields{
			"action_id":    action.ID,
			"task_retry":   payload.RetryCount,
			"stored_retry": action.RetryCount,
		}).Info("stale replay task dropped")
		return nil
	}

	_, err = i.ProcessRetry(ctx, action.ID)
	return err
}

// GetOfflineAction returns a stored action with its replay status.
func (i *Innsync) GetOfflineAction(ctx context.Context, id string) (*model.QueuedAction, error) {
	return i.datasource.GetOfflineAction(ctx, id)
}

// GetDeadLetteredActions lists actions that were dropped, newest first.
func (i *Innsync) GetDeadLetteredActions(ctx context.Context, limit, offset int) ([]*model.QueuedAction, error) {
	return i.datasource.GetDeadLetteredActions(ctx, limit, offset)
}

// replayOne applies a single action and persists its new status.
func (i *Innsync) replayOne(ctx context.Context, action model.QueuedAction) model.ActionOutcome {
	ctx, span := tracer.Start(ctx, "Replay Offline Action")
	defer span.End()
	span.SetAttributes(
		attribute.String("action.id", action.ID),
		attribute.String("action.table", action.TableName),
		attribute.Int("action.retry_count", action.RetryCount),
	)

	settings := i.settings()
	now := i.now()

	if offline.IsExpiredAction(action.Timestamp, settings.MaxActionAgeHours, now) {
		return i.finish(ctx, action, applyResult{status: model.ActionStatusExpired, reason: offline.DropReasonExpired})
	}
	if i.alreadyApplied(ctx, action.ID) {
		return i.finish(ctx, action, applyResult{status: model.ActionStatusDuplicate, reason: "already applied"})
	}

	result, err := i.applyWithLock(ctx, action, settings)
	if err == nil {
		i.markApplied(ctx, action.ID, settings)
		return i.finish(ctx, action, result)
	}
	span.RecordError(err)

	if isPermanent(err) {
		notification.NotifyError(fmt.Errorf("offline action %s dead-lettered: %w", action.ID, err))
		return i.finish(ctx, action, applyResult{status: model.ActionStatusDeadLettered, reason: err.Error()})
	}

	decision := offline.DecideRetry(action, settings.MaxActionAgeHours, now)
	if !decision.Retry {
		status := model.ActionStatusDeadLettered
		if decision.Reason == offline.DropReasonExpired {
			status = model.ActionStatusExpired
		} else {
			notification.NotifyError(fmt.Errorf("offline action %s dead-lettered after %d retries: %w", action.ID, action.RetryCount, err))
		}
		return i.finish(ctx, decision.Action, applyResult{status: status, reason: fmt.Sprintf("%s: %v", decision.Reason, err)})
	}

	outcome := i.finish(ctx, decision.Action, applyResult{status: model.ActionStatusRetrying, reason: err.Error()})
	delay := offline.RetryDelay(action.RetryCount)
	if qErr := i.queue.EnqueueRetry(ctx, decision.Action, replayTarget(decision.Action), delay); qErr != nil {
		logrus.WithError(qErr).WithField("action_id", action.ID).Error("failed to schedule retry, leaving it to recovery")
	}
	return outcome
}

// applyWithLock holds the lock for the action's target record while the
// table handler runs, so concurrent replays of the same record are serial.
func (i *Innsync) applyWithLock(ctx context.Context, action model.QueuedAction, settings config.OfflineConfig) (applyResult, error) {
	locker := redlock.NewLocker(i.redis, redlock.TargetKey(action.TableName, replayTarget(action)), model.GenerateUUIDWithSuffix("lock"))
	lockTimeout := time.Duration(settings.LockTimeoutSec) * time.Second
	lockWait := time.Duration(settings.LockWaitSec) * time.Second
	if err := locker.WaitLock(ctx, lockTimeout, lockWait); err != nil {
		return applyResult{}, fmt.Errorf("acquire lock: %w", err)
	}
	defer func() {
		if err := locker.Unlock(context.Background()); err != nil {
			logrus.WithError(err).WithField("lock", locker.Key()).Warn("failed to release replay lock")
		}
	}()

	return i.apply(ctx, action)
}

// finish stores the action's new status and announces the outcome.
func (i *Innsync) finish(ctx context.Context, action model.QueuedAction, result applyResult) model.ActionOutcome {
	action.Status = result.status
	switch result.status {
	case model.ActionStatusRetrying, model.ActionStatusExpired, model.ActionStatusDeadLettered:
		action.LastError = result.reason
	}
	if result.status.IsTerminal() {
		action.ProcessedAt = ptr.Time(i.now())
	}
	if err := i.datasource.UpdateOfflineActionStatus(ctx, &action); err != nil {
		logrus.WithError(err).WithField("action_id", action.ID).Error("failed to persist offline action status")
	}

	outcome := model.ActionOutcome{
		ActionID:   action.ID,
		TableName:  action.TableName,
		Status:     result.status,
		Reason:     result.reason,
		RetryCount: action.RetryCount,
		Resolution: result.resolution,
	}
	logrus.WithFields(logrus.Fields{
		"action_id": action.ID,
		"table":     action.TableName,
		"status":    result.status,
		"retry":     action.RetryCount,
	}).Info(result.reason)
	emitOutcome(ctx, outcome, i.now())
	i.notifyOutcome(ctx, outcome)
	return outcome
}

func emitOutcome(ctx context.Context, outcome model.ActionOutcome, at time.Time) {
	var rec otellog.Record
	rec.SetTimestamp(at)
	rec.SetSeverity(outcomeSeverity(outcome.Status))
	rec.SetBody(otellog.StringValue(outcome.Reason))
	rec.AddAttributes(
		otellog.String("action_id", outcome.ActionID),
		otellog.String("table", outcome.TableName),
		otellog.String("status", string(outcome.Status)),
		otellog.Int("retry_count", outcome.RetryCount),
	)
	outcomeLogger.Emit(ctx, rec)
}

func outcomeSeverity(status model.ActionStatus) otellog.Severity {
	switch status {
	case model.ActionStatusDeadLettered:
		return otellog.SeverityError
	case model.ActionStatusRetrying, model.ActionStatusExpired:
		return otellog.SeverityWarn
	default:
		return otellog.SeverityInfo
	}
}

func (i *Innsync) alreadyApplied(ctx context.Context, actionID string) bool {
	var appliedAt time.Time
	found, err := i.cache.Get(ctx, appliedKey(actionID), &appliedAt)
	if err != nil {
		logrus.WithError(err).WithField("action_id", actionID).Warn("applied-action cache lookup failed")
		return false
	}
	return found
}

func (i *Innsync) markApplied(ctx context.Context, actionID string, settings config.OfflineConfig) {
	ttl := time.Duration(settings.AppliedCacheTTLMinutes) * time.Minute
	if err := i.cache.Set(ctx, appliedKey(actionID), i.now(), ttl); err != nil {
		logrus.WithError(err).WithField("action_id", actionID).Warn("failed to cache applied action")
	}
}

func validateAction(action model.QueuedAction) error {
	if action.TableName == "" {
		return apierror.NewAPIError(apierror.ErrInvalidInput, fmt.Sprintf("action %q has no table_name", action.ID), nil)
	}
	if !action.ActionType.IsValid() {
		return apierror.NewAPIError(apierror.ErrInvalidInput, fmt.Sprintf("action %q has unknown action_type %q", action.ID, action.ActionType), nil)
	}
	if action.Timestamp.IsZero() {
		return apierror.NewAPIError(apierror.ErrInvalidInput, fmt.Sprintf("action %q has no timestamp", action.ID), nil)
	}
	return nil
}

// normalizeAction fills defaults on a freshly submitted action and clamps its
// retry counter into [0, MaxRetries].
func normalizeAction(action *model.QueuedAction, deviceID string, settings config.OfflineConfig, now time.Time) {
	if action.ID == "" {
		action.ID = model.GenerateUUIDWithSuffix("act")
	}
	if action.DeviceID == "" {
		action.DeviceID = deviceID
	}
	if action.MaxRetries <= 0 {
		action.MaxRetries = settings.DefaultMaxRetries
	}
	if action.RetryCount < 0 {
		action.RetryCount = 0
	}
	if action.RetryCount > action.MaxRetries {
		action.RetryCount = action.MaxRetries
	}
	action.Timestamp = action.Timestamp.UTC()
	action.Status = model.ActionStatusPending
	action.LastError = ""
	action.ProcessedAt = nil
	action.CreatedAt = now
	action.UpdatedAt = now
}

// replayTarget is the record an action writes to: the room for room actions,
// the folio for payments and charges. Actions without one lock on themselves.
func replayTarget(action model.QueuedAction) string {
	key := "folio_id"
	if action.TableName == model.TableRooms {
		key = "room_id"
	}
	if target, ok := action.Payload[key].(string); ok && target != "" {
		return target
	}
	return action.ID
}
