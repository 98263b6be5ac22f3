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

import "time"

const (
	RoomStatusAvailable   = "available"
	RoomStatusOccupied    = "occupied"
	RoomStatusDirty       = "dirty"
	RoomStatusClean       = "clean"
	RoomStatusInspected   = "inspected"
	RoomStatusMaintenance = "maintenance"
	RoomStatusOutOfOrder  = "out_of_order"
)

// RoomState is one complete version of a room's housekeeping status.
type RoomState struct {
	RoomID    string    `json:"room_id"`
	Status    string    `json:"status"`
	UpdatedAt time.Time `json:"updated_at"`
	UpdatedBy string    `json:"updated_by,omitempty"`
}

func (r RoomState) GetStatus() string { return r.Status }

func (r RoomState) GetUpdatedAt() time.Time { return r.UpdatedAt }

// RoomStatusConflict pairs the stored room version with the one a client replayed.
type RoomStatusConflict struct {
	ServerData RoomState `json:"server_data"`
	ClientData RoomState `json:"client_data"`
}

// RoomConflictRecord is the audit row written for every resolved room conflict.
type RoomConflictRecord struct {
	ConflictID string     `json:"conflict_id"`
	RoomID     string     `json:"room_id"`
	ActionID   string     `json:"action_id"`
	ServerData RoomState  `json:"server_data"`
	ClientData RoomState  `json:"client_data"`
	Resolution Resolution `json:"resolution"`
	Reason     string     `json:"reason"`
	ResolvedAt time.Time  `json:"resolved_at"`
}
