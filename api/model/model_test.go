package model

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateSubmitActions(t *testing.T) {
	valid := QueuedAction{TableName: "payments", ActionType: "insert", Timestamp: time.Now()}

	tests := []struct {
		name    string
		req     SubmitActions
		wantErr bool
	}{
		{"valid", SubmitActions{DeviceID: "tablet-1", Actions: []QueuedAction{valid}}, false},
		{"missing device", SubmitActions{Actions: []QueuedAction{valid}}, true},
		{"no actions", SubmitActions{DeviceID: "tablet-1"}, true},
		{"bad action type", SubmitActions{DeviceID: "tablet-1", Actions: []QueuedAction{{TableName: "rooms", ActionType: "upsert", Timestamp: time.Now()}}}, true},
		{"missing timestamp", SubmitActions{DeviceID: "tablet-1", Actions: []QueuedAction{{TableName: "rooms", ActionType: "update"}}}, true},
		{"negative retries", SubmitActions{DeviceID: "tablet-1", Actions: []QueuedAction{{TableName: "rooms", ActionType: "update", Timestamp: time.Now(), RetryCount: -1}}}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.req.ValidateSubmitActions()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestToQueuedActions(t *testing.T) {
	ts := time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)
	req := SubmitActions{DeviceID: "tablet-1", Actions: []QueuedAction{{ID: "act_1", TableName: "rooms", ActionType: "update", Timestamp: ts, MaxRetries: 5}}}

	actions := req.ToQueuedActions()

	require.Len(t, actions, 1)
	assert.Equal(t, "tablet-1", actions[0].DeviceID)
	assert.Equal(t, "update", string(actions[0].ActionType))
	assert.Equal(t, 5, actions[0].MaxRetries)
	assert.True(t, ts.Equal(actions[0].Timestamp))
}

func TestValidateReconcileCharges(t *testing.T) {
	ok := ReconcileCharges{Charges: []ClientCharge{{IdempotencyKey: "a", Amount: decimal.NewFromInt(10)}, {IdempotencyKey: "b"}}}
	assert.NoError(t, ok.ValidateReconcileCharges())

	dup := ReconcileCharges{Charges: []ClientCharge{{IdempotencyKey: "a"}, {IdempotencyKey: "a"}}}
	assert.Error(t, dup.ValidateReconcileCharges())

	missing := ReconcileCharges{Charges: []ClientCharge{{Description: "minibar"}}}
	assert.Error(t, missing.ValidateReconcileCharges())

	charges := ok.ToCharges("fol_1")
	assert.Equal(t, "fol_1", charges[1].FolioID)
}

func TestValidateResolveRoomStatus(t *testing.T) {
	ok := ResolveRoomStatus{Status: "clean", UpdatedAt: time.Now()}
	assert.NoError(t, ok.ValidateResolveRoomStatus())
	assert.Equal(t, "305", ok.ToRoomState("305").RoomID)

	unknown := ResolveRoomStatus{Status: "sparkling", UpdatedAt: time.Now()}
	assert.Error(t, unknown.ValidateResolveRoomStatus())

	undated := ResolveRoomStatus{Status: "clean"}
	assert.Error(t, undated.ValidateResolveRoomStatus())
}

func TestValidateCreateIdempotencyKey(t *testing.T) {
	ok := CreateIdempotencyKey{Operation: "payment", ResourceID: "fol_1"}
	assert.NoError(t, ok.ValidateCreateIdempotencyKey())

	missing := CreateIdempotencyKey{Operation: "payment"}
	assert.Error(t, missing.ValidateCreateIdempotencyKey())
}
