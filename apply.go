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
	"errors"
	"fmt"

	"github.com/innsync/innsync/internal/apierror"
	"github.com/innsync/innsync/model"
	"github.com/innsync/innsync/offline"
	"github.com/sirupsen/logrus"
)

// folioChargeBatch is the payload of a folio_charges action. A payload without
// a charges list is read as a single charge.
type folioChargeBatch struct {
	FolioID string         `json:"folio_id"`
	Charges []model.Charge `json:"charges"`
}

// apply routes an action to the handler for its table. Errors wrapped with
// permanent are not retried.
func (i *Innsync) apply(ctx context.Context, action model.QueuedAction) (applyResult, error) {
	switch action.TableName {
	case model.TablePayments:
		return i.applyPayment(ctx, action)
	case model.TableFolioCharges:
		return i.applyFolioCharges(ctx, action)
	case model.TableRooms:
		return i.applyRoomStatus(ctx, action)
	default:
		if suggestion, ok := offline.SuggestTable(action.TableName); ok {
			return applyResult{}, permanent(fmt.Errorf("%w: %s (did you mean %s?)", ErrUnsupportedTable, action.TableName, suggestion))
		}
		return applyResult{}, permanent(fmt.Errorf("%w: %s", ErrUnsupportedTable, action.TableName))
	}
}

// applyPayment records a payment once per idempotency key.
func (i *Innsync) applyPayment(ctx context.Context, action model.QueuedAction) (applyResult, error) {
	if action.ActionType != model.ActionInsert {
		return applyResult{}, permanent(fmt.Errorf("%w: payments accept only %s, got %s", ErrUnsupportedAction, model.ActionInsert, action.ActionType))
	}

	var payment model.Payment
	if err := model.DecodePayload(action.Payload, &payment); err != nil {
		return applyResult{}, permanent(err)
	}
	if payment.FolioID == "" || payment.IdempotencyKey == "" {
		return applyResult{}, permanent(errors.New("payment requires folio_id and idempotency_key"))
	}
	if payment.ID == "" {
		payment.ID = model.GenerateUUIDWithSuffix("pay")
	}
	if payment.CreatedAt.IsZero() {
		payment.CreatedAt = action.Timestamp
	}

	created, err := i.datasource.RecordPayment(ctx, &payment)
	if err != nil {
		return applyResult{}, err
	}
	if !created {
		return applyResult{status: model.ActionStatusDuplicate, reason: fmt.Sprintf("payment %s already recorded", payment.IdempotencyKey)}, nil
	}
	return applyResult{status: model.ActionStatusApplied, reason: "payment recorded"}, nil
}

// applyFolioCharges adds the client's charges that the folio does not have yet.
// Existing charges are never touched.
func (i *Innsync) applyFolioCharges(ctx context.Context, action model.QueuedAction) (applyResult, error) {
	if action.ActionType != model.ActionInsert {
		return applyResult{}, permanent(fmt.Errorf("%w: folio charges accept only %s, got %s", ErrUnsupportedAction, model.ActionInsert, action.ActionType))
	}

	folioID, clientCharges, err := decodeFolioCharges(action)
	if err != nil {
		return applyResult{}, permanent(err)
	}

	serverCharges, err := i.datasource.GetFolioCharges(ctx, folioID)
	if err != nil {
		return applyResult{}, err
	}

	fresh := offline.NewClientCharges(serverCharges, clientCharges)
	recorded := 0
	for idx := range fresh {
		created, err := i.datasource.RecordFolioCharge(ctx, &fresh[idx])
		if err != nil {
			return applyResult{}, err
		}
		if created {
			recorded++
		}
	}

	if recorded == 0 {
		return applyResult{status: model.ActionStatusDuplicate, reason: fmt.Sprintf("all %d charges already on folio %s", len(clientCharges), folioID)}, nil
	}
	return applyResult{status: model.ActionStatusApplied, reason: fmt.Sprintf("%d of %d charges added to folio %s", recorded, len(clientCharges), folioID)}, nil
}

func decodeFolioCharges(action model.QueuedAction) (string, []model.Charge, error) {
	var batch folioChargeBatch
	if err := model.DecodePayload(action.Payload, &batch); err != nil {
		return "", nil, err
	}
	if len(batch.Charges) == 0 {
		var single model.Charge
		if err := model.DecodePayload(action.Payload, &single); err != nil {
			return "", nil, err
		}
		batch.Charges = []model.Charge{single}
		batch.FolioID = single.FolioID
	}
	if batch.FolioID == "" {
		return "", nil, errors.New("folio charges require folio_id")
	}

	for idx := range batch.Charges {
		charge := &batch.Charges[idx]
		if charge.FolioID == "" {
			charge.FolioID = batch.FolioID
		}
		if charge.FolioID != batch.FolioID {
			return "", nil, fmt.Errorf("charge %q belongs to folio %s, not %s", charge.IdempotencyKey, charge.FolioID, batch.FolioID)
		}
		if charge.IdempotencyKey == "" {
			return "", nil, fmt.Errorf("charge %d has no idempotency_key", idx)
		}
		if charge.ID == "" {
			charge.ID = model.GenerateUUIDWithSuffix("chg")
		}
		if charge.CreatedAt.IsZero() {
			charge.CreatedAt = action.Timestamp
		}
	}
	return batch.FolioID, batch.Charges, nil
}

// applyRoomStatus writes a replayed room status. A room with no stored state
// takes the client's version; otherwise the room conflict rules decide and the
// decision is written to the conflict log.
func (i *Innsync) applyRoomStatus(ctx context.Context, action model.QueuedAction) (applyResult, error) {
	if action.ActionType == model.ActionDelete {
		return applyResult{}, permanent(fmt.Errorf("%w: rooms cannot be deleted offline", ErrUnsupportedAction))
	}

	var client model.RoomState
	if err := model.DecodePayload(action.Payload, &client); err != nil {
		return applyResult{}, permanent(err)
	}
	if client.RoomID == "" || client.Status == "" {
		return applyResult{}, permanent(errors.New("room update requires room_id and status"))
	}
	if client.UpdatedAt.IsZero() {
		client.UpdatedAt = action.Timestamp
	}
	client.UpdatedAt = client.UpdatedAt.UTC()
	if client.UpdatedBy == "" {
		client.UpdatedBy = action.DeviceID
	}

	server, err := i.datasource.GetRoomState(ctx, client.RoomID)
	if apierror.IsNotFound(err) {
		if err := i.datasource.UpsertRoomState(ctx, &client); err != nil {
			return applyResult{}, err
		}
		return applyResult{status: model.ActionStatusApplied, reason: reasonNoServerVersion}, nil
	}
	if err != nil {
		return applyResult{}, err
	}

	if server.Status == client.Status && server.UpdatedAt.Equal(client.UpdatedAt) {
		return applyResult{status: model.ActionStatusDuplicate, reason: "room already at this version"}, nil
	}

	resolution := offline.ResolveRoomStatusConflict(model.RoomStatusConflict{ServerData: *server, ClientData: client})
	record := model.RoomConflictRecord{
		ConflictID: model.GenerateUUIDWithSuffix("rcf"),
		RoomID:     client.RoomID,
		ActionID:   action.ID,
		ServerData: *server,
		ClientData: client,
		Resolution: resolution.Resolution,
		Reason:     resolution.Reason,
		ResolvedAt: i.now(),
	}
	if err := i.datasource.RecordRoomConflict(ctx, &record); err != nil {
		return applyResult{}, err
	}
	if resolution.Resolution == model.ResolutionClientWins {
		if err := i.datasource.UpsertRoomState(ctx, &resolution.FinalData); err != nil {
			return applyResult{}, err
		}
	}

	if err := i.queue.SendWebhook(ctx, NewWebhook{Event: EventRoomConflict, Payload: record}); err != nil {
		logrus.WithError(err).WithField("room_id", record.RoomID).Error("failed to enqueue room conflict webhook")
	}
	return applyResult{status: model.ActionStatusApplied, reason: resolution.Reason, resolution: &resolution.Resolution}, nil
}
