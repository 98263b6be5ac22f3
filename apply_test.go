package innsync

import (
	"context"
	"testing"
	"time"

	"github.com/innsync/innsync/internal/apierror"
	"github.com/innsync/innsync/model"
	"github.com/innsync/innsync/offline"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func serverCharge(folioID, key string) model.Charge {
	return model.Charge{ID: model.GenerateUUIDWithSuffix("chg"), FolioID: folioID, Amount: decimal.NewFromInt(50), IdempotencyKey: key}
}

func TestApplyFolioCharges_AddsOnlyUnknownKeys(t *testing.T) {
	i, ds, _ := setupInnsync(t, nil)
	action := chargeAction(testNow, "fol_7", "minibar_1", "spa_1", "spa_1")

	ds.On("GetFolioCharges", mock.Anything, "fol_7").Return([]model.Charge{serverCharge("fol_7", "minibar_1")}, nil)
	ds.On("RecordFolioCharge", mock.Anything, mock.MatchedBy(func(c *model.Charge) bool {
		return c.IdempotencyKey == "spa_1" && c.FolioID == "fol_7" && c.CreatedAt.Equal(testNow)
	})).Return(true, nil).Once()
	expectStatus(ds, model.ActionStatusApplied)

	report := i.ReplayActions(context.Background(), []model.QueuedAction{action})

	require.Equal(t, 1, report.Applied)
	assert.Equal(t, "1 of 3 charges added to folio fol_7", report.Outcomes[0].Reason)
	ds.AssertNumberOfCalls(t, "RecordFolioCharge", 1)
}

func TestApplyFolioCharges_AllKnownIsDuplicate(t *testing.T) {
	i, ds, _ := setupInnsync(t, nil)
	action := chargeAction(testNow, "fol_7", "minibar_1")

	ds.On("GetFolioCharges", mock.Anything, "fol_7").Return([]model.Charge{serverCharge("fol_7", "minibar_1")}, nil)
	expectStatus(ds, model.ActionStatusDuplicate)

	report := i.ReplayActions(context.Background(), []model.QueuedAction{action})

	assert.Equal(t, 1, report.Duplicates)
	ds.AssertNotCalled(t, "RecordFolioCharge", mock.Anything, mock.Anything)
}

func TestApplyFolioCharges_SingleChargePayload(t *testing.T) {
	i, ds, _ := setupInnsync(t, nil)
	action := model.QueuedAction{
		ID:         "act_single",
		TableName:  model.TableFolioCharges,
		ActionType: model.ActionInsert,
		Timestamp:  testNow,
		MaxRetries: 3,
		Payload: map[string]interface{}{
			"folio_id":        "fol_2",
			"amount":          "12.50",
			"idempotency_key": "laundry_1",
		},
	}

	ds.On("GetFolioCharges", mock.Anything, "fol_2").Return([]model.Charge{}, nil)
	ds.On("RecordFolioCharge", mock.Anything, mock.MatchedBy(func(c *model.Charge) bool {
		return c.Amount.Equal(decimal.RequireFromString("12.50"))
	})).Return(true, nil)
	expectStatus(ds, model.ActionStatusApplied)

	report := i.ReplayActions(context.Background(), []model.QueuedAction{action})
	assert.Equal(t, 1, report.Applied)
}

func TestApplyFolioCharges_RaceLostIsDuplicate(t *testing.T) {
	i, ds, _ := setupInnsync(t, nil)
	action := chargeAction(testNow, "fol_3", "spa_9")

	ds.On("GetFolioCharges", mock.Anything, "fol_3").Return([]model.Charge{}, nil)
	ds.On("RecordFolioCharge", mock.Anything, mock.Anything).Return(false, nil)
	expectStatus(ds, model.ActionStatusDuplicate)

	report := i.ReplayActions(context.Background(), []model.QueuedAction{action})
	assert.Equal(t, 1, report.Duplicates)
}

func TestDecodeFolioCharges_Errors(t *testing.T) {
	noFolio := chargeAction(testNow, "", "k1")

	otherFolio := chargeAction(testNow, "fol_1", "k1")
	otherFolio.Payload["charges"] = []interface{}{map[string]interface{}{"folio_id": "fol_2", "idempotency_key": "k1", "amount": 1}}

	noKey := chargeAction(testNow, "fol_1", "")

	for name, action := range map[string]model.QueuedAction{"no folio": noFolio, "other folio": otherFolio, "no key": noKey} {
		t.Run(name, func(t *testing.T) {
			_, _, err := decodeFolioCharges(action)
			assert.Error(t, err)
		})
	}
}

func TestApplyRoomStatus_NoServerVersion(t *testing.T) {
	i, ds, _ := setupInnsync(t, nil)
	action := roomAction(testNow, "305", model.RoomStatusClean)

	ds.On("GetRoomState", mock.Anything, "305").Return(nil, apierror.NewAPIError(apierror.ErrNotFound, "not found", nil))
	ds.On("UpsertRoomState", mock.Anything, mock.MatchedBy(func(r *model.RoomState) bool {
		return r.Status == model.RoomStatusClean && r.UpdatedBy == "tablet-3"
	})).Return(nil)
	expectStatus(ds, model.ActionStatusApplied)

	report := i.ReplayActions(context.Background(), []model.QueuedAction{action})

	assert.Equal(t, 1, report.Applied)
	ds.AssertNotCalled(t, "RecordRoomConflict", mock.Anything, mock.Anything)
}

func TestApplyRoomStatus_ClientNewerWins(t *testing.T) {
	i, ds, _ := setupInnsync(t, nil)
	action := roomAction(testNow, "305", model.RoomStatusClean)
	server := &model.RoomState{RoomID: "305", Status: model.RoomStatusDirty, UpdatedAt: testNow.Add(-time.Hour)}

	ds.On("GetRoomState", mock.Anything, "305").Return(server, nil)
	ds.On("RecordRoomConflict", mock.Anything, mock.MatchedBy(func(r *model.RoomConflictRecord) bool {
		return r.Resolution == model.ResolutionClientWins && r.ActionID == action.ID && r.Reason == offline.ReasonClientNewer
	})).Return(nil)
	ds.On("UpsertRoomState", mock.Anything, mock.MatchedBy(func(r *model.RoomState) bool {
		return r.Status == model.RoomStatusClean
	})).Return(nil)
	expectStatus(ds, model.ActionStatusApplied)

	report := i.ReplayActions(context.Background(), []model.QueuedAction{action})

	require.Equal(t, 1, report.Applied)
	require.NotNil(t, report.Outcomes[0].Resolution)
	assert.Equal(t, model.ResolutionClientWins, *report.Outcomes[0].Resolution)
	ds.AssertExpectations(t)
}

func TestApplyRoomStatus_MaintenanceIsNeverOverwritten(t *testing.T) {
	i, ds, _ := setupInnsync(t, nil)
	action := roomAction(testNow, "412", model.RoomStatusAvailable)
	server := &model.RoomState{RoomID: "412", Status: model.RoomStatusMaintenance, UpdatedAt: testNow.Add(-48 * time.Hour)}

	ds.On("GetRoomState", mock.Anything, "412").Return(server, nil)
	ds.On("RecordRoomConflict", mock.Anything, mock.MatchedBy(func(r *model.RoomConflictRecord) bool {
		return r.Resolution == model.ResolutionServerWins && r.ServerData.Status == model.RoomStatusMaintenance
	})).Return(nil)
	expectStatus(ds, model.ActionStatusApplied)

	report := i.ReplayActions(context.Background(), []model.QueuedAction{action})

	require.Len(t, report.Outcomes, 1)
	assert.Contains(t, report.Outcomes[0].Reason, "safety priority")
	assert.Equal(t, model.ResolutionServerWins, *report.Outcomes[0].Resolution)
	ds.AssertNotCalled(t, "UpsertRoomState", mock.Anything, mock.Anything)
}

func TestApplyRoomStatus_SameVersionIsDuplicate(t *testing.T) {
	i, ds, _ := setupInnsync(t, nil)
	action := roomAction(testNow, "101", model.RoomStatusInspected)
	server := &model.RoomState{RoomID: "101", Status: model.RoomStatusInspected, UpdatedAt: testNow}

	ds.On("GetRoomState", mock.Anything, "101").Return(server, nil)
	expectStatus(ds, model.ActionStatusDuplicate)

	report := i.ReplayActions(context.Background(), []model.QueuedAction{action})

	assert.Equal(t, 1, report.Duplicates)
	ds.AssertNotCalled(t, "RecordRoomConflict", mock.Anything, mock.Anything)
}

func TestReconcileFolioCharges(t *testing.T) {
	i, ds, _ := setupInnsync(t, nil)
	server := []model.Charge{serverCharge("fol_1", "a"), serverCharge("fol_1", "b")}
	client := []model.Charge{serverCharge("fol_1", "b"), serverCharge("fol_1", "c")}
	ds.On("GetFolioCharges", mock.Anything, "fol_1").Return(server, nil)

	merged, fresh, err := i.ReconcileFolioCharges(context.Background(), "fol_1", client)
	require.NoError(t, err)

	require.Len(t, merged, 3)
	assert.Equal(t, server[1].ID, merged[1].ID)
	require.Len(t, fresh, 1)
	assert.Equal(t, "c", fresh[0].IdempotencyKey)
	ds.AssertNotCalled(t, "RecordFolioCharge", mock.Anything, mock.Anything)
}

func TestResolveRoomStatus(t *testing.T) {
	i, ds, _ := setupInnsync(t, nil)
	client := model.RoomState{RoomID: "9", Status: model.RoomStatusClean, UpdatedAt: testNow}

	ds.On("GetRoomState", mock.Anything, "9").Return(nil, apierror.NewAPIError(apierror.ErrNotFound, "not found", nil)).Once()
	res, err := i.ResolveRoomStatus(context.Background(), client)
	require.NoError(t, err)
	assert.Equal(t, model.ResolutionClientWins, res.Resolution)
	assert.Equal(t, reasonNoServerVersion, res.Reason)

	ds.On("GetRoomState", mock.Anything, "9").Return(&model.RoomState{RoomID: "9", Status: model.RoomStatusDirty, UpdatedAt: testNow}, nil).Once()
	res, err = i.ResolveRoomStatus(context.Background(), client)
	require.NoError(t, err)
	assert.Equal(t, model.ResolutionServerWins, res.Resolution)
	assert.Equal(t, model.RoomStatusDirty, res.FinalData.Status)
	ds.AssertNotCalled(t, "UpsertRoomState", mock.Anything, mock.Anything)
}

func TestGetRoomConflicts_ClampsLimit(t *testing.T) {
	i, ds, _ := setupInnsync(t, nil)
	ds.On("GetRoomConflicts", mock.Anything, "101", 20).Return([]model.RoomConflictRecord{}, nil)

	_, err := i.GetRoomConflicts(context.Background(), "101", 0)
	require.NoError(t, err)
	_, err = i.GetRoomConflicts(context.Background(), "101", 1000)
	require.NoError(t, err)
	ds.AssertNumberOfCalls(t, "GetRoomConflicts", 2)
}

func TestApplyRoomStatus_OffsetTimestampsStoredAsUTC(t *testing.T) {
	i, ds, _ := setupInnsync(t, nil)
	cest := time.FixedZone("CEST", 2*60*60)
	// 11:00+02:00 is 09:00Z, half an hour after the stored version.
	clientAt := time.Date(2024, 6, 1, 11, 0, 0, 0, cest)
	action := roomAction(clientAt, "305", model.RoomStatusClean)
	server := &model.RoomState{RoomID: "305", Status: model.RoomStatusDirty, UpdatedAt: time.Date(2024, 6, 1, 8, 30, 0, 0, time.UTC)}

	ds.On("GetRoomState", mock.Anything, "305").Return(server, nil)
	ds.On("RecordRoomConflict", mock.Anything, mock.MatchedBy(func(r *model.RoomConflictRecord) bool {
		return r.Resolution == model.ResolutionClientWins && r.ClientData.UpdatedAt.Location() == time.UTC
	})).Return(nil)
	ds.On("UpsertRoomState", mock.Anything, mock.MatchedBy(func(r *model.RoomState) bool {
		return r.UpdatedAt.Location() == time.UTC && r.UpdatedAt.Equal(time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC))
	})).Return(nil)
	expectStatus(ds, model.ActionStatusApplied)

	report := i.ReplayActions(context.Background(), []model.QueuedAction{action})

	require.Equal(t, 1, report.Applied)
	ds.AssertExpectations(t)
}

func TestApplyRoomStatus_OffsetTimestampOlderThanServerLoses(t *testing.T) {
	i, ds, _ := setupInnsync(t, nil)
	cest := time.FixedZone("CEST", 2*60*60)
	// 10:00+02:00 is 08:00Z, an hour before the stored version.
	action := roomAction(time.Date(2024, 6, 1, 10, 0, 0, 0, cest), "305", model.RoomStatusClean)
	server := &model.RoomState{RoomID: "305", Status: model.RoomStatusDirty, UpdatedAt: time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)}

	ds.On("GetRoomState", mock.Anything, "305").Return(server, nil)
	ds.On("RecordRoomConflict", mock.Anything, mock.MatchedBy(func(r *model.RoomConflictRecord) bool {
		return r.Resolution == model.ResolutionServerWins
	})).Return(nil)
	expectStatus(ds, model.ActionStatusApplied)

	report := i.ReplayActions(context.Background(), []model.QueuedAction{action})

	require.Len(t, report.Outcomes, 1)
	assert.Equal(t, model.ResolutionServerWins, *report.Outcomes[0].Resolution)
	ds.AssertNotCalled(t, "UpsertRoomState", mock.Anything, mock.Anything)
}

func TestSubmitActions_StoresActionTimestampAsUTC(t *testing.T) {
	i, ds, _ := setupInnsync(t, nil)
	ist := time.FixedZone("IST", 5*60*60+30*60)
	queuedAt := testNow.Add(-23 * time.Hour).In(ist)
	action := paymentAction(queuedAt)

	ds.On("RecordOfflineAction", mock.Anything, mock.MatchedBy(func(a *model.QueuedAction) bool {
		return a.Timestamp.Location() == time.UTC && a.Timestamp.Equal(queuedAt)
	})).Return(true, nil)
	ds.On("RecordPayment", mock.Anything, mock.Anything).Return(true, nil)
	expectStatus(ds, model.ActionStatusApplied)

	report, err := i.SubmitActions(context.Background(), "tablet-1", []model.QueuedAction{action})
	require.NoError(t, err)

	assert.Equal(t, 1, report.Applied, "a 23 hour old action is still inside the replay window")
	assert.Zero(t, report.Expired)
	ds.AssertExpectations(t)
}
