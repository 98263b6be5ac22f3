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

// Resolution tags which side of a conflict survived.
type Resolution string

const (
	ResolutionServerWins Resolution = "server_wins"
	ResolutionClientWins Resolution = "client_wins"
	// ResolutionMerged is reserved for field-level merge strategies. No current
	// resolver produces it.
	ResolutionMerged Resolution = "merged"
)

// ConflictResolution is the outcome of resolving two versions of one entity.
// FinalData is always one complete version, never a field-by-field blend.
// Reason is meant for logs and audit rows, not for parsing.
type ConflictResolution[T any] struct {
	FinalData  T          `json:"final_data"`
	Resolution Resolution `json:"resolution"`
	Reason     string     `json:"reason"`
}
