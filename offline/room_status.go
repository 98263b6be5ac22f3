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

package offline

import (
	"fmt"
	"time"

	"github.com/innsync/innsync/model"
)

const (
	ReasonServerNewer = "server data is newer or equal"
	ReasonClientNewer = "client data is newer"
)

// Versioned is the part of an entity the last-writer resolver reads.
type Versioned interface {
	GetStatus() string
	GetUpdatedAt() time.Time
}

// ResolveStatusConflict picks one complete version of an entity written by two
// independent writers.
//
// If the server's status is one of the privileged values, the server wins no
// matter how old it is. Otherwise the newer UpdatedAt wins and ties go to the
// server. The result is never ResolutionMerged.
func ResolveStatusConflict[T Versioned](serverData, clientData T, privileged ...string) model.ConflictResolution[T] {
	serverStatus := serverData.GetStatus()
	for _, status := range privileged {
		if serverStatus == status {
			return model.ConflictResolution[T]{
				FinalData:  serverData,
				Resolution: model.ResolutionServerWins,
				Reason:     fmt.Sprintf("server status %q has safety priority", status),
			}
		}
	}

	if !serverData.GetUpdatedAt().Before(clientData.GetUpdatedAt()) {
		return model.ConflictResolution[T]{
			FinalData:  serverData,
			Resolution: model.ResolutionServerWins,
			Reason:     ReasonServerNewer,
		}
	}
	return model.ConflictResolution[T]{
		FinalData:  clientData,
		Resolution: model.ResolutionClientWins,
		Reason:     ReasonClientNewer,
	}
}

// ResolveRoomStatusConflict settles a room status conflict. A room the server
// holds in maintenance is never reopened by an offline write.
func ResolveRoomStatusConflict(conflict model.RoomStatusConflict) model.ConflictResolution[model.RoomState] {
	return ResolveStatusConflict(conflict.ServerData, conflict.ClientData, model.RoomStatusMaintenance)
}
