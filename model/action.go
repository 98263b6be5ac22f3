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

// Logical collections an offline client may write to.
const (
	TablePayments     = "payments"
	TableFolioCharges = "folio_charges"
	TableRooms        = "rooms"
)

// ActionType is the kind of mutation a queued action performs.
type ActionType string

const (
	ActionInsert ActionType = "insert"
	ActionUpdate ActionType = "update"
	ActionDelete ActionType = "delete"
)

// IsValid reports whether t is one of the known action types.
func (t ActionType) IsValid() bool {
	switch t {
	case ActionInsert, ActionUpdate, ActionDelete:
		return true
	}
	return false
}

// ActionStatus tracks a queued action through replay.
type ActionStatus string

const (
	ActionStatusPending      ActionStatus = "pending"
	ActionStatusApplied      ActionStatus = "applied"
	ActionStatusDuplicate    ActionStatus = "duplicate"
	ActionStatusRetrying     ActionStatus = "retrying"
	ActionStatusExpired      ActionStatus = "expired"
	ActionStatusDeadLettered ActionStatus = "dead_lettered"
)

// IsTerminal reports whether an action in this status will never be replayed again.
func (s ActionStatus) IsTerminal() bool {
	switch s {
	case ActionStatusApplied, ActionStatusDuplicate, ActionStatusExpired, ActionStatusDeadLettered:
		return true
	}
	return false
}

// QueuedAction is a client-originated mutation awaiting replay.
// RetryCount never exceeds MaxRetries.
type QueuedAction struct {
	ID          string                 `json:"id"`
	DeviceID    string                 `json:"device_id,omitempty"`
	TableName   string                 `json:"table_name"`
	ActionType  ActionType             `json:"action_type"`
	Payload     map[string]interface{} `json:"payload"`
	Timestamp   time.Time              `json:"timestamp"`
	RetryCount  int                    `json:"retry_count"`
	MaxRetries  int                    `json:"max_retries"`
	Status      ActionStatus           `json:"status,omitempty"`
	LastError   string                 `json:"last_error,omitempty"`
	CreatedAt   time.Time              `json:"created_at,omitempty"`
	UpdatedAt   time.Time              `json:"updated_at,omitempty"`
	ProcessedAt *time.Time             `json:"processed_at,omitempty"`
}

func (a QueuedAction) GetTableName() string { return a.TableName }

func (a QueuedAction) GetTimestamp() time.Time { return a.Timestamp }

// ActionOutcome is the per-action result of a replay pass.
type ActionOutcome struct {
	ActionID   string       `json:"action_id"`
	TableName  string       `json:"table_name"`
	Status     ActionStatus `json:"status"`
	Reason     string       `json:"reason,omitempty"`
	RetryCount int          `json:"retry_count"`
	Resolution *Resolution  `json:"resolution,omitempty"`
}

// ReplayReport summarises one replay pass.
type ReplayReport struct {
	Applied      int             `json:"applied"`
	Duplicates   int             `json:"duplicates"`
	Retrying     int             `json:"retrying"`
	Expired      int             `json:"expired"`
	DeadLettered int             `json:"dead_lettered"`
	Outcomes     []ActionOutcome `json:"outcomes"`
}

// Add records an outcome and bumps the matching counter.
func (r *ReplayReport) Add(outcome ActionOutcome) {
	switch outcome.Status {
	case ActionStatusApplied:
		r.Applied++
	case ActionStatusDuplicate:
		r.Duplicates++
	case ActionStatusRetrying:
		r.Retrying++
	case ActionStatusExpired:
		r.Expired++
	case ActionStatusDeadLettered:
		r.DeadLettered++
	}
	r.Outcomes = append(r.Outcomes, outcome)
}
