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

package database

import (
	"context"
	"time"

	"github.com/innsync/innsync/model"
)

// IDataSource defines the interface for data source operations, grouping related functionalities.
type IDataSource interface {
	offlineAction // Interface for the replay log of client actions
	payment       // Interface for payment-related operations
	folioCharge   // Interface for folio charge operations
	room          // Interface for room status operations
}

// offlineAction defines methods for tracking replayed client actions.
type offlineAction interface {
	RecordOfflineAction(ctx context.Context, action *model.QueuedAction) (bool, error)                                          // Stores an action unless its ID is already known
	GetOfflineAction(ctx context.Context, id string) (*model.QueuedAction, error)                                               // Retrieves an action by ID
	UpdateOfflineActionStatus(ctx context.Context, action *model.QueuedAction) error                                            // Persists status, retry count, last error and processed time
	GetStuckOfflineActions(ctx context.Context, pendingBefore, retryingBefore time.Time, limit int) ([]*model.QueuedAction, error) // Retrieves actions that stopped making progress
	GetDeadLetteredActions(ctx context.Context, limit, offset int) ([]*model.QueuedAction, error)                                // Retrieves dead-lettered actions, newest first
}

// payment defines methods for handling payments.
type payment interface {
	RecordPayment(ctx context.Context, payment *model.Payment) (bool, error)                 // Inserts a payment unless its idempotency key exists
	GetPaymentByIdempotencyKey(ctx context.Context, key string) (*model.Payment, error) // Retrieves a payment by idempotency key
}

// folioCharge defines methods for handling folio charges.
type folioCharge interface {
	GetFolioCharges(ctx context.Context, folioID string) ([]model.Charge, error)  // Retrieves a folio's charges in creation order
	RecordFolioCharge(ctx context.Context, charge *model.Charge) (bool, error) // Inserts a charge unless its idempotency key exists
}

// room defines methods for handling room status.
type room interface {
	GetRoomState(ctx context.Context, roomID string) (*model.RoomState, error)    // Retrieves the current room state
	UpsertRoomState(ctx context.Context, state *model.RoomState) error           // Writes the room state
	RecordRoomConflict(ctx context.Context, record *model.RoomConflictRecord) error // Stores a resolved conflict for audit
	GetRoomConflicts(ctx context.Context, roomID string, limit int) ([]model.RoomConflictRecord, error)
}
