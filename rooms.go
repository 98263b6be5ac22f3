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

	"github.com/innsync/innsync/internal/apierror"
	"github.com/innsync/innsync/model"
	"github.com/innsync/innsync/offline"
)

const reasonNoServerVersion = "room has no server version"

// GetRoomState returns the stored status of a room.
func (i *Innsync) GetRoomState(ctx context.Context, roomID string) (*model.RoomState, error) {
	ctx, span := tracer.Start(ctx, "Get Room State")
	defer span.End()

	return i.datasource.GetRoomState(ctx, roomID)
}

// ResolveRoomStatus shows how a client's room version would be settled against
// the stored one. Nothing is written. A room with no stored state resolves to
// the client's version.
func (i *Innsync) ResolveRoomStatus(ctx context.Context, client model.RoomState) (model.ConflictResolution[model.RoomState], error) {
	ctx, span := tracer.Start(ctx, "Resolve Room Status")
	defer span.End()

	client.UpdatedAt = client.UpdatedAt.UTC()

	server, err := i.datasource.GetRoomState(ctx, client.RoomID)
	if apierror.IsNotFound(err) {
		return model.ConflictResolution[model.RoomState]{
			FinalData:  client,
			Resolution: model.ResolutionClientWins,
			Reason:     reasonNoServerVersion,
		}, nil
	}
	if err != nil {
		span.RecordError(err)
		return model.ConflictResolution[model.RoomState]{}, err
	}
	return offline.ResolveRoomStatusConflict(model.RoomStatusConflict{ServerData: *server, ClientData: client}), nil
}

// GetRoomConflicts lists the conflict log of a room, newest first.
func (i *Innsync) GetRoomConflicts(ctx context.Context, roomID string, limit int) ([]model.RoomConflictRecord, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	return i.datasource.GetRoomConflicts(ctx, roomID, limit)
}
