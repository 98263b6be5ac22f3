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
	"database/sql"
	"encoding/json"
	"fmt"

	"go.opentelemetry.io/otel"

	"github.com/innsync/innsync/internal/apierror"
	"github.com/innsync/innsync/model"
)

func (d Datasource) GetRoomState(ctx context.Context, roomID string) (*model.RoomState, error) {
	ctx, span := otel.Tracer("Rooms").Start(ctx, "Getting room state from db")
	defer span.End()

	state := &model.RoomState{}
	var updatedBy sql.NullString
	err := d.Conn.QueryRowContext(ctx, `
		SELECT room_id, status, updated_at, updated_by
		FROM innsync.rooms
		WHERE room_id = $1
	`, roomID).Scan(&state.RoomID, &state.Status, &state.UpdatedAt, &updatedBy)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("Room with ID '%s' not found", roomID), err)
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve room state", err)
	}
	state.UpdatedBy = updatedBy.String

	return state, nil
}

// UpsertRoomState writes a complete room version, replacing whatever was stored.
func (d Datasource) UpsertRoomState(ctx context.Context, state *model.RoomState) error {
	ctx, span := otel.Tracer("Rooms").Start(ctx, "Saving room state to db")
	defer span.End()

	_, err := d.Conn.ExecContext(ctx, `
		INSERT INTO innsync.rooms (room_id, status, updated_at, updated_by)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (room_id) DO UPDATE
		SET status = EXCLUDED.status, updated_at = EXCLUDED.updated_at, updated_by = EXCLUDED.updated_by
	`, state.RoomID, state.Status, state.UpdatedAt, state.UpdatedBy)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to save room state", err)
	}
	return nil
}

func (d Datasource) RecordRoomConflict(ctx context.Context, record *model.RoomConflictRecord) error {
	ctx, span := otel.Tracer("Rooms").Start(ctx, "Saving room conflict to db")
	defer span.End()

	serverJSON, err := json.Marshal(record.ServerData)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to marshal server data", err)
	}
	clientJSON, err := json.Marshal(record.ClientData)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to marshal client data", err)
	}

	_, err = d.Conn.ExecContext(ctx, `
		INSERT INTO innsync.room_status_conflicts (conflict_id, room_id, action_id, server_data, client_data, resolution, reason, resolved_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, record.ConflictID, record.RoomID, record.ActionID, serverJSON, clientJSON, record.Resolution, record.Reason, record.ResolvedAt)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to record room conflict", err)
	}
	return nil
}

// GetRoomConflicts returns the most recent conflict resolutions for a room.
func (d Datasource) GetRoomConflicts(ctx context.Context, roomID string, limit int) ([]model.RoomConflictRecord, error) {
	ctx, span := otel.Tracer("Rooms").Start(ctx, "Fetching room conflicts")
	defer span.End()

	rows, err := d.Conn.QueryContext(ctx, `
		SELECT conflict_id, room_id, action_id, server_data, client_data, resolution, reason, resolved_at
		FROM innsync.room_status_conflicts
		WHERE room_id = $1
		ORDER BY resolved_at DESC
		LIMIT $2
	`, roomID, limit)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve room conflicts", err)
	}
	defer rows.Close()

	records := []model.RoomConflictRecord{}
	for rows.Next() {
		record := model.RoomConflictRecord{}
		var (
			actionID, reason       sql.NullString
			serverJSON, clientJSON []byte
		)
		err = rows.Scan(&record.ConflictID, &record.RoomID, &actionID, &serverJSON, &clientJSON, &record.Resolution, &reason, &record.ResolvedAt)
		if err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to scan room conflict", err)
		}
		if err = json.Unmarshal(serverJSON, &record.ServerData); err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to unmarshal server data", err)
		}
		if err = json.Unmarshal(clientJSON, &record.ClientData); err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to unmarshal client data", err)
		}
		record.ActionID = actionID.String
		record.Reason = reason.String
		records = append(records, record)
	}

	if err = rows.Err(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Error occurred while iterating over room conflicts", err)
	}
	return records, nil
}
