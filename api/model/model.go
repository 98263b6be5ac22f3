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

package model

import (
	"errors"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/innsync/innsync/model"
	"github.com/shopspring/decimal"
)

// SubmitActions is the body of POST /sync/actions.
type SubmitActions struct {
	DeviceID string         `json:"device_id"`
	Actions  []QueuedAction  `json:"actions"`
}

// QueuedAction is one offline write as sent by a device.
type QueuedAction struct {
	ID         string                 `json:"id"`
	TableName  string                 `json:"table_name"`
	ActionType string                 `json:"action_type"`
	Payload    map[string]interface{} `json:"payload"`
	Timestamp  time.Time              `json:"timestamp"`
	RetryCount int                    `json:"retry_count"`
	MaxRetries int                    `json:"max_retries"`
}

// ReconcileCharges is the body of POST /folios/:id/charges/reconcile.
type ReconcileCharges struct {
	Charges []ClientCharge `json:"charges"`
}

type ClientCharge struct {
	ID             string          `json:"id"`
	Amount         decimal.Decimal `json:"amount"`
	IdempotencyKey string          `json:"idempotency_key"`
	Description    string          `json:"description"`
	CreatedAt      time.Time       `json:"created_at"`
}

// ResolveRoomStatus is the body of POST /rooms/:id/status/resolve.
type ResolveRoomStatus struct {
	Status    string    `json:"status"`
	UpdatedAt time.Time `json:"updated_at"`
	UpdatedBy string    `json:"updated_by"`
}

// CreateIdempotencyKey is the body of POST /idempotency-keys.
type CreateIdempotencyKey struct {
	Operation  string `json:"operation"`
	ResourceID string `json:"resource_id"`
}

func (s *SubmitActions) ValidateSubmitActions() error {
	return validation.ValidateStruct(s,
		validation.Field(&s.DeviceID, validation.Required),
		validation.Field(&s.Actions, validation.Required),
	)
}

func (a QueuedAction) Validate() error {
	return validation.ValidateStruct(&a,
		validation.Field(&a.TableName, validation.Required),
		validation.Field(&a.ActionType, validation.Required, validation.In(
			string(model.ActionInsert), string(model.ActionUpdate), string(model.ActionDelete))),
		validation.Field(&a.Timestamp, validation.Required),
		validation.Field(&a.RetryCount, validation.Min(0)),
		validation.Field(&a.MaxRetries, validation.Min(0)),
	)
}

func (r *ReconcileCharges) ValidateReconcileCharges() error {
	return validation.ValidateStruct(r,
		validation.Field(&r.Charges, validation.By(uniqueKeys(r.Charges))),
	)
}

func (c ClientCharge) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.IdempotencyKey, validation.Required),
	)
}

func uniqueKeys(charges []ClientCharge) validation.RuleFunc {
	return func(value interface{}) error {
		seen := make(map[string]struct{}, len(charges))
		for _, charge := range charges {
			if _, ok := seen[charge.IdempotencyKey]; ok {
				return errors.New("idempotency keys must be unique within a request")
			}
			seen[charge.IdempotencyKey] = struct{}{}
		}
		return nil
	}
}

func (r *ResolveRoomStatus) ValidateResolveRoomStatus() error {
	return validation.ValidateStruct(r,
		validation.Field(&r.Status, validation.Required, validation.In(
			model.RoomStatusAvailable, model.RoomStatusOccupied, model.RoomStatusDirty, model.RoomStatusClean,
			model.RoomStatusInspected, model.RoomStatusMaintenance, model.RoomStatusOutOfOrder)),
		validation.Field(&r.UpdatedAt, validation.Required),
	)
}

func (k *CreateIdempotencyKey) ValidateCreateIdempotencyKey() error {
	return validation.ValidateStruct(k,
		validation.Field(&k.Operation, validation.Required, validation.Length(1, 64)),
		validation.Field(&k.ResourceID, validation.Required, validation.Length(1, 128)),
	)
}

// ToQueuedActions converts the request into domain actions.
func (s *SubmitActions) ToQueuedActions() []model.QueuedAction {
	actions := make([]model.QueuedAction, 0, len(s.Actions))
	for _, a := range s.Actions {
		actions = append(actions, model.QueuedAction{
			ID:         a.ID,
			DeviceID:   s.DeviceID,
			TableName:  a.TableName,
			ActionType: model.ActionType(a.ActionType),
			Payload:    a.Payload,
			Timestamp:  a.Timestamp.UTC(),
			RetryCount: a.RetryCount,
			MaxRetries: a.MaxRetries,
		})
	}
	return actions
}

// ToCharges converts the request into charges on folioID.
func (r *ReconcileCharges) ToCharges(folioID string) []model.Charge {
	charges := make([]model.Charge, 0, len(r.Charges))
	for _, c := range r.Charges {
		charges = append(charges, model.Charge{
			ID:             c.ID,
			FolioID:        folioID,
			Amount:         c.Amount,
			IdempotencyKey: c.IdempotencyKey,
			Description:    c.Description,
			CreatedAt:      c.CreatedAt.UTC(),
		})
	}
	return charges
}

// ToRoomState converts the request into the client's version of roomID.
func (r *ResolveRoomStatus) ToRoomState(roomID string) model.RoomState {
	return model.RoomState{RoomID: roomID, Status: r.Status, UpdatedAt: r.UpdatedAt.UTC(), UpdatedBy: r.UpdatedBy}
}
