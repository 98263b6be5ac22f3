package innsync

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/innsync/innsync/config"
	"github.com/innsync/innsync/internal/apierror"
	redlock "github.com/innsync/innsync/internal/lock"
	"github.com/innsync/innsync/model"
	"github.com/innsync/innsync/offline"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	otellog "go.opentelemetry.io/otel/log"
)

func TestSubmitActions_ReplaysInPriorityOrder(t *testing.T) {
	i, ds, _ := setupInnsync(t, nil)
	ctx := context.Background()

	room := roomAction(testNow.Add(-3*time.Hour), "101", model.RoomStatusClean)
	charge := chargeAction(testNow.Add(-2*time.Hour), "fol_1", "charge_a")
	payment := paymentAction(testNow.Add(-1 * time.Hour))

	ds.On("RecordOfflineAction", mock.Anything, mock.Anything).Return(true, nil)
	ds.On("RecordPayment", mock.Anything, mock.Anything).Return(true, nil)
	ds.On("GetFolioCharges", mock.Anything, "fol_1").Return([]model.Charge{}, nil)
	ds.On("RecordFolioCharge", mock.Anything, mock.Anything).Return(true, nil)
	ds.On("GetRoomState", mock.Anything, "101").Return(nil, apierror.NewAPIError(apierror.ErrNotFound, "not found", nil))
	ds.On("UpsertRoomState", mock.Anything, mock.Anything).Return(nil)
	expectStatus(ds, model.ActionStatusApplied)

	report, err := i.SubmitActions(ctx, "tablet-1", []model.QueuedAction{room, charge, payment})
	require.NoError(t, err)

	assert.Equal(t, 3, report.Applied)
	require.Len(t, report.Outcomes, 3)
	assert.Equal(t, model.TablePayments, report.Outcomes[0].TableName)
	assert.Equal(t, model.TableFolioCharges, report.Outcomes[1].TableName)
	assert.Equal(t, model.TableRooms, report.Outcomes[2].TableName)

	ds.AssertCalled(t, "RecordOfflineAction", mock.Anything, mock.MatchedBy(func(a *model.QueuedAction) bool {
		return a.ID == payment.ID && a.DeviceID == "tablet-1" && a.Status == model.ActionStatusPending && a.CreatedAt.Equal(testNow)
	}))
	ds.AssertExpectations(t)
}

func TestSubmitActions_Empty(t *testing.T) {
	i, ds, _ := setupInnsync(t, nil)

	report, err := i.SubmitActions(context.Background(), "tablet-1", nil)
	require.NoError(t, err)
	assert.Empty(t, report.Outcomes)
	ds.AssertNotCalled(t, "RecordOfflineAction", mock.Anything, mock.Anything)
}

func TestSubmitActions_RejectsOversizedBatch(t *testing.T) {
	i, ds, _ := setupInnsync(t, &config.Configuration{Offline: config.OfflineConfig{MaxBatchSize: 2}})

	actions := []model.QueuedAction{paymentAction(testNow), paymentAction(testNow), paymentAction(testNow)}
	_, err := i.SubmitActions(context.Background(), "tablet-1", actions)

	require.Error(t, err)
	assert.Equal(t, apierror.ErrBadRequest, err.(apierror.APIError).Code)
	ds.AssertNotCalled(t, "RecordOfflineAction", mock.Anything, mock.Anything)
}

func TestSubmitActions_ValidatesBeforeRecording(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*model.QueuedAction)
	}{
		{"missing table", func(a *model.QueuedAction) { a.TableName = "" }},
		{"unknown action type", func(a *model.QueuedAction) { a.ActionType = "upsert" }},
		{"missing timestamp", func(a *model.QueuedAction) { a.Timestamp = time.Time{} }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			i, ds, _ := setupInnsync(t, nil)
			bad := paymentAction(testNow)
			tt.mutate(&bad)

			_, err := i.SubmitActions(context.Background(), "tablet-1", []model.QueuedAction{paymentAction(testNow), bad})

			require.Error(t, err)
			assert.Equal(t, apierror.ErrInvalidInput, err.(apierror.APIError).Code)
			ds.AssertNotCalled(t, "RecordOfflineAction", mock.Anything, mock.Anything)
		})
	}
}

func TestSubmitActions_ClampsRetryCounter(t *testing.T) {
	i, ds, _ := setupInnsync(t, nil)
	action := paymentAction(testNow)
	action.MaxRetries = 0
	action.RetryCount = 9

	ds.On("RecordOfflineAction", mock.Anything, mock.Anything).Return(true, nil)
	ds.On("RecordPayment", mock.Anything, mock.Anything).Return(true, nil)
	expectStatus(ds, model.ActionStatusApplied)

	_, err := i.SubmitActions(context.Background(), "tablet-1", []model.QueuedAction{action})
	require.NoError(t, err)

	ds.AssertCalled(t, "RecordOfflineAction", mock.Anything, mock.MatchedBy(func(a *model.QueuedAction) bool {
		return a.MaxRetries == 3 && a.RetryCount == 3
	}))
}

func TestSubmitActions_ResubmittedFinishedActionIsDuplicate(t *testing.T) {
	i, ds, _ := setupInnsync(t, nil)
	action := paymentAction(testNow)

	stored := action
	stored.Status = model.ActionStatusApplied
	ds.On("RecordOfflineAction", mock.Anything, mock.Anything).Return(false, nil)
	ds.On("GetOfflineAction", mock.Anything, action.ID).Return(&stored, nil)

	report, err := i.SubmitActions(context.Background(), "tablet-1", []model.QueuedAction{action})
	require.NoError(t, err)

	assert.Equal(t, 1, report.Duplicates)
	assert.Equal(t, model.ActionStatusDuplicate, report.Outcomes[0].Status)
	assert.Contains(t, report.Outcomes[0].Reason, "applied")
	ds.AssertNotCalled(t, "RecordPayment", mock.Anything, mock.Anything)
}

func TestSubmitActions_ResubmittedPendingActionReplaysStoredCopy(t *testing.T) {
	i, ds, _ := setupInnsync(t, nil)
	action := paymentAction(testNow)

	stored := action
	stored.Status = model.ActionStatusRetrying
	stored.RetryCount = 2
	ds.On("RecordOfflineAction", mock.Anything, mock.Anything).Return(false, nil)
	ds.On("GetOfflineAction", mock.Anything, action.ID).Return(&stored, nil)
	ds.On("RecordPayment", mock.Anything, mock.Anything).Return(true, nil)
	expectStatus(ds, model.ActionStatusApplied)

	report, err := i.SubmitActions(context.Background(), "tablet-1", []model.QueuedAction{action})
	require.NoError(t, err)

	assert.Equal(t, 1, report.Applied)
	assert.Equal(t, 2, report.Outcomes[0].RetryCount)
}

func TestReplay_ExpiredActionIsDropped(t *testing.T) {
	i, ds, _ := setupInnsync(t, nil)
	action := paymentAction(testNow.Add(-25 * time.Hour))

	ds.On("UpdateOfflineActionStatus", mock.Anything, mock.MatchedBy(func(a *model.QueuedAction) bool {
		return a.Status == model.ActionStatusExpired && a.ProcessedAt != nil && a.LastError == offline.DropReasonExpired
	})).Return(nil)

	report := i.ReplayActions(context.Background(), []model.QueuedAction{action})

	assert.Equal(t, 1, report.Expired)
	ds.AssertNotCalled(t, "RecordPayment", mock.Anything, mock.Anything)
	ds.AssertExpectations(t)
}

func TestReplay_ConfiguredMaxAge(t *testing.T) {
	i, ds, _ := setupInnsync(t, &config.Configuration{Offline: config.OfflineConfig{MaxActionAgeHours: 48}})
	action := paymentAction(testNow.Add(-25 * time.Hour))

	ds.On("RecordPayment", mock.Anything, mock.Anything).Return(true, nil)
	expectStatus(ds, model.ActionStatusApplied)

	report := i.ReplayActions(context.Background(), []model.QueuedAction{action})
	assert.Equal(t, 1, report.Applied)
}

func TestReplay_PaymentDuplicate(t *testing.T) {
	i, ds, _ := setupInnsync(t, nil)

	ds.On("RecordPayment", mock.Anything, mock.Anything).Return(false, nil)
	expectStatus(ds, model.ActionStatusDuplicate)

	report := i.ReplayActions(context.Background(), []model.QueuedAction{paymentAction(testNow)})
	assert.Equal(t, 1, report.Duplicates)
	assert.Contains(t, report.Outcomes[0].Reason, "already recorded")
}

func TestReplay_AppliedActionIsNotReplayedTwice(t *testing.T) {
	i, ds, mr := setupInnsync(t, nil)
	action := paymentAction(testNow)

	ds.On("RecordPayment", mock.Anything, mock.Anything).Return(true, nil).Once()
	expectStatus(ds, model.ActionStatusApplied)
	expectStatus(ds, model.ActionStatusDuplicate)

	first := i.ReplayActions(context.Background(), []model.QueuedAction{action})
	second := i.ReplayActions(context.Background(), []model.QueuedAction{action})

	assert.Equal(t, 1, first.Applied)
	assert.Equal(t, 1, second.Duplicates)
	assert.True(t, mr.Exists(appliedKey(action.ID)))
	ds.AssertNumberOfCalls(t, "RecordPayment", 1)
}

func TestReplay_PermanentFailuresAreDeadLettered(t *testing.T) {
	unknownTable := paymentAction(testNow)
	unknownTable.TableName = "housekeeping_notes"

	misspelled := roomAction(testNow, "101", model.RoomStatusClean)
	misspelled.TableName = "romos"

	paymentUpdate := paymentAction(testNow)
	paymentUpdate.ActionType = model.ActionUpdate

	missingKey := paymentAction(testNow)
	delete(missingKey.Payload, "idempotency_key")

	roomDelete := roomAction(testNow, "101", model.RoomStatusClean)
	roomDelete.ActionType = model.ActionDelete

	tests := []struct {
		name   string
		action model.QueuedAction
		reason string
	}{
		{"unknown table", unknownTable, ErrUnsupportedTable.Error()},
		{"misspelled table", misspelled, "did you mean rooms?"},
		{"payment update", paymentUpdate, ErrUnsupportedAction.Error()},
		{"payment without key", missingKey, "idempotency_key"},
		{"room delete", roomDelete, ErrUnsupportedAction.Error()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			i, ds, _ := setupInnsync(t, nil)
			expectStatus(ds, model.ActionStatusDeadLettered)

			report := i.ReplayActions(context.Background(), []model.QueuedAction{tt.action})

			assert.Equal(t, 1, report.DeadLettered)
			assert.Contains(t, report.Outcomes[0].Reason, tt.reason)
			assert.Equal(t, 0, report.Outcomes[0].RetryCount)
		})
	}
}

func TestReplay_TransientFailureSchedulesRetry(t *testing.T) {
	i, ds, mr := setupInnsync(t, nil)
	action := paymentAction(testNow)
	folioID := action.Payload["folio_id"].(string)

	ds.On("RecordPayment", mock.Anything, mock.Anything).Return(false, errors.New("connection reset"))
	ds.On("UpdateOfflineActionStatus", mock.Anything, mock.MatchedBy(func(a *model.QueuedAction) bool {
		return a.Status == model.ActionStatusRetrying && a.RetryCount == 1 && a.LastError == "connection reset" && a.ProcessedAt == nil
	})).Return(nil)

	report := i.ReplayActions(context.Background(), []model.QueuedAction{action})

	require.Equal(t, 1, report.Retrying)
	assert.Equal(t, 1, report.Outcomes[0].RetryCount)
	ds.AssertExpectations(t)

	taskKey := fmt.Sprintf("asynq:{%s}:t:%s", i.queue.ReplayQueueName(folioID), retryTaskID(action.ID, 1))
	assert.True(t, mr.Exists(taskKey), "expected scheduled task %s, have %v", taskKey, mr.Keys())
}

func TestReplay_ExhaustedRetriesAreDeadLettered(t *testing.T) {
	i, ds, mr := setupInnsync(t, nil)
	action := paymentAction(testNow)
	action.RetryCount = 3

	ds.On("RecordPayment", mock.Anything, mock.Anything).Return(false, errors.New("connection reset"))
	ds.On("UpdateOfflineActionStatus", mock.Anything, mock.MatchedBy(func(a *model.QueuedAction) bool {
		return a.Status == model.ActionStatusDeadLettered && a.RetryCount == 3
	})).Return(nil)

	report := i.ReplayActions(context.Background(), []model.QueuedAction{action})

	assert.Equal(t, 1, report.DeadLettered)
	assert.Contains(t, report.Outcomes[0].Reason, offline.DropReasonExhausted)
	for _, key := range mr.Keys() {
		assert.NotContains(t, key, ":t:")
	}
}

func TestReplay_LockHeldElsewhereIsRetried(t *testing.T) {
	i, ds, mr := setupInnsync(t, nil)
	action := roomAction(testNow, "204", model.RoomStatusClean)

	require.NoError(t, mr.Set(redlock.TargetKey(model.TableRooms, "204"), "other-worker"))
	expectStatus(ds, model.ActionStatusRetrying)

	report := i.ReplayActions(context.Background(), []model.QueuedAction{action})

	require.Equal(t, 1, report.Retrying)
	assert.Contains(t, report.Outcomes[0].Reason, redlock.ErrWaitTimeout.Error())
	ds.AssertNotCalled(t, "GetRoomState", mock.Anything, mock.Anything)
}

func TestReplay_StopsWhenContextCancelled(t *testing.T) {
	i, ds, _ := setupInnsync(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report := i.ReplayActions(ctx, []model.QueuedAction{paymentAction(testNow)})

	assert.Empty(t, report.Outcomes)
	ds.AssertNotCalled(t, "RecordPayment", mock.Anything, mock.Anything)
}

func TestProcessRetry(t *testing.T) {
	t.Run("terminal action is left alone", func(t *testing.T) {
		i, ds, _ := setupInnsync(t, nil)
		action := paymentAction(testNow)
		action.Status = model.ActionStatusDeadLettered
		action.LastError = "retries exhausted: boom"
		ds.On("GetOfflineAction", mock.Anything, action.ID).Return(&action, nil)

		outcome, err := i.ProcessRetry(context.Background(), action.ID)
		require.NoError(t, err)
		assert.Equal(t, model.ActionStatusDeadLettered, outcome.Status)
		assert.Equal(t, "retries exhausted: boom", outcome.Reason)
		ds.AssertNotCalled(t, "RecordPayment", mock.Anything, mock.Anything)
	})

	t.Run("retrying action is replayed", func(t *testing.T) {
		i, ds, _ := setupInnsync(t, nil)
		action := paymentAction(testNow)
		action.Status = model.ActionStatusRetrying
		action.RetryCount = 1
		ds.On("GetOfflineAction", mock.Anything, action.ID).Return(&action, nil)
		ds.On("RecordPayment", mock.Anything, mock.Anything).Return(true, nil)
		expectStatus(ds, model.ActionStatusApplied)

		outcome, err := i.ProcessRetry(context.Background(), action.ID)
		require.NoError(t, err)
		assert.Equal(t, model.ActionStatusApplied, outcome.Status)
		assert.Equal(t, 1, outcome.RetryCount)
	})

	t.Run("unknown action", func(t *testing.T) {
		i, ds, _ := setupInnsync(t, nil)
		ds.On("GetOfflineAction", mock.Anything, "act_missing").Return(nil, apierror.NewAPIError(apierror.ErrNotFound, "not found", nil))

		_, err := i.ProcessRetry(context.Background(), "act_missing")
		assert.True(t, apierror.IsNotFound(err))
	})
}

func TestProcessReplayTask(t *testing.T) {
	t.Run("stale task is dropped", func(t *testing.T) {
		i, ds, _ := setupInnsync(t, nil)
		action := paymentAction(testNow)
		action.Status = model.ActionStatusRetrying
		action.RetryCount = 2
		ds.On("GetOfflineAction", mock.Anything, action.ID).Return(&action, nil)

		task := asynq.NewTask("replay_action", []byte(fmt.Sprintf(`{"action_id":%q,"retry_count":1}`, action.ID)))
		assert.NoError(t, i.ProcessReplayTask(context.Background(), task))
		ds.AssertNotCalled(t, "RecordPayment", mock.Anything, mock.Anything)
	})

	t.Run("unknown action is dropped", func(t *testing.T) {
		i, ds, _ := setupInnsync(t, nil)
		ds.On("GetOfflineAction", mock.Anything, "act_gone").Return(nil, apierror.NewAPIError(apierror.ErrNotFound, "not found", nil))

		task := asynq.NewTask("replay_action", []byte(`{"action_id":"act_gone","retry_count":1}`))
		assert.NoError(t, i.ProcessReplayTask(context.Background(), task))
	})

	t.Run("malformed payload skips asynq retries", func(t *testing.T) {
		i, _, _ := setupInnsync(t, nil)

		err := i.ProcessReplayTask(context.Background(), asynq.NewTask("replay_action", []byte(`{`)))
		assert.ErrorIs(t, err, asynq.SkipRetry)
	})

	t.Run("matching task replays the action", func(t *testing.T) {
		i, ds, _ := setupInnsync(t, nil)
		action := paymentAction(testNow)
		action.Status = model.ActionStatusRetrying
		action.RetryCount = 1
		ds.On("GetOfflineAction", mock.Anything, action.ID).Return(&action, nil)
		ds.On("RecordPayment", mock.Anything, mock.Anything).Return(true, nil)
		expectStatus(ds, model.ActionStatusApplied)

		task := asynq.NewTask("replay_action", []byte(fmt.Sprintf(`{"action_id":%q,"retry_count":1}`, action.ID)))
		assert.NoError(t, i.ProcessReplayTask(context.Background(), task))
		ds.AssertNumberOfCalls(t, "RecordPayment", 1)
	})
}

func TestPreviewReplayOrder(t *testing.T) {
	i, _, _ := setupInnsync(t, nil)
	room := roomAction(testNow, "101", model.RoomStatusDirty)
	payment := paymentAction(testNow.Add(time.Hour))
	actions := []model.QueuedAction{room, payment}

	ordered := i.PreviewReplayOrder(actions)

	assert.Equal(t, payment.ID, ordered[0].ID)
	assert.Equal(t, room.ID, actions[0].ID)
}

func TestReplayTarget(t *testing.T) {
	assert.Equal(t, "101", replayTarget(roomAction(testNow, "101", model.RoomStatusClean)))
	assert.Equal(t, "fol_9", replayTarget(chargeAction(testNow, "fol_9", "k")))

	orphan := model.QueuedAction{ID: "act_1", TableName: "notes"}
	assert.Equal(t, "act_1", replayTarget(orphan))
}

func TestOutcomeSeverity(t *testing.T) {
	assert.Equal(t, otellog.SeverityError, outcomeSeverity(model.ActionStatusDeadLettered))
	assert.Equal(t, otellog.SeverityWarn, outcomeSeverity(model.ActionStatusRetrying))
	assert.Equal(t, otellog.SeverityWarn, outcomeSeverity(model.ActionStatusExpired))
	assert.Equal(t, otellog.SeverityInfo, outcomeSeverity(model.ActionStatusApplied))
	assert.Equal(t, otellog.SeverityInfo, outcomeSeverity(model.ActionStatusDuplicate))
}
