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
	"time"

	"go.opentelemetry.io/otel"

	"github.com/innsync/innsync/internal/apierror"
	"github.com/innsync/innsync/model"
)

const offlineActionColumns = `action_id, device_id, table_name, action_type, payload, action_timestamp, retry_count, max_retries, status, last_error, created_at, updated_at, processed_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

// RecordOfflineAction stores a replayed action. It returns false without error
// when an action with the same ID was already recorded.
func (d Datasource) RecordOfflineAction(ctx context.Context, action *model.QueuedAction) (bool, error) {
	ctx, span := otel.Tracer("Offline actions").Start(ctx, "Saving offline action to db")
	defer span.End()

	payloadJSON, err := json.Marshal(action.Payload)
	if err != nil {
		return false, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to marshal payload", err)
	}

	result, err := d.Conn.ExecContext(ctx, `
		INSERT INTO innsync.offline_actions (action_id, device_id, table_name, action_type, payload, action_timestamp, retry_count, max_retries, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $10)
		ON CONFLICT (action_id) DO NOTHING
	`, action.ID, action.DeviceID, action.TableName, action.ActionType, payloadJSON, action.Timestamp, action.RetryCount, action.MaxRetries, action.Status, action.CreatedAt)
	if err != nil {
		return false, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to record offline action", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to read affected rows", err)
	}
	return affected > 0, nil
}

func (d Datasource) GetOfflineAction(ctx context.Context, id string) (*model.QueuedAction, error) {
	ctx, span := otel.Tracer("Offline actions").Start(ctx, "Getting offline action from db")
	defer span.End()

	row := d.Conn.QueryRowContext(ctx, `
		SELECT `+offlineActionColumns+`
		FROM innsync.offline_actions
		WHERE action_id = $1
	`, id)

	action, err := scanOfflineAction(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("Offline action with ID '%s' not found", id), err)
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve offline action", err)
	}
	return action, nil
}

// UpdateOfflineActionStatus persists the replay state of an action: status,
// retry count, last error and processed time.
func (d Datasource) UpdateOfflineActionStatus(ctx context.Context, action *model.QueuedAction) error {
	ctx, span := otel.Tracer("Offline actions").Start(ctx, "Updating offline action status")
	defer span.End()

	result, err := d.Conn.ExecContext(ctx, `
		UPDATE innsync.offline_actions
		SET status = $2, retry_count = $3, last_error = $4, processed_at = $5, updated_at = NOW()
		WHERE action_id = $1
	`, action.ID, action.Status, action.RetryCount, action.LastError, action.ProcessedAt)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to update offline action", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to read affected rows", err)
	}
	if affected == 0 {
		return apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("Offline action with ID '%s' not found", action.ID), nil)
	}
	return nil
}

// GetStuckOfflineActions returns pending actions untouched since pendingBefore
// and retrying actions untouched since retryingBefore, oldest first.
func (d Datasource) GetStuckOfflineActions(ctx context.Context, pendingBefore, retryingBefore time.Time, limit int) ([]*model.QueuedAction, error) {
	ctx, span := otel.Tracer("Offline actions").Start(ctx, "Fetching stuck offline actions")
	defer span.End()

	rows, err := d.Conn.QueryContext(ctx, `
		SELECT `+offlineActionColumns+`
		FROM innsync.offline_actions
		WHERE (status = 'pending' AND updated_at < $1)
		   OR (status = 'retrying' AND updated_at < $2)
		ORDER BY updated_at ASC
		LIMIT $3
	`, pendingBefore, retryingBefore, limit)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve stuck offline actions", err)
	}
	defer rows.Close()

	return scanOfflineActions(rows)
}

func (d Datasource) GetDeadLetteredActions(ctx context.Context, limit, offset int) ([]*model.QueuedAction, error) {
	ctx, span := otel.Tracer("Offline actions").Start(ctx, "Fetching dead-lettered offline actions")
	defer span.End()

	rows, err := d.Conn.QueryContext(ctx, `
		SELECT `+offlineActionColumns+`
		FROM innsync.offline_actions
		WHERE status IN ('dead_lettered', 'expired')
		ORDER BY updated_at DESC
		LIMIT $1 OFFSET $2
	`, limit, offset)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve dead-lettered actions", err)
	}
	defer rows.Close()

	return scanOfflineActions(rows)
}

func scanOfflineActions(rows *sql.Rows) ([]*model.QueuedAction, error) {
	actions := []*model.QueuedAction{}
	for rows.Next() {
		action, err := scanOfflineAction(rows)
		if err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to scan offline action", err)
		}
		actions = append(actions, action)
	}
	if err := rows.Err(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Error occurred while iterating over offline actions", err)
	}
	return actions, nil
}

func scanOfflineAction(row rowScanner) (*model.QueuedAction, error) {
	action := &model.QueuedAction{}
	var (
		deviceID    sql.NullString
		lastError   sql.NullString
		payloadJSON []byte
	)
	err := row.Scan(
		&action.ID,
		&deviceID,
		&action.TableName,
		&action.ActionType,
		&payloadJSON,
		&action.Timestamp,
		&action.RetryCount,
		&action.MaxRetries,
		&action.Status,
		&lastError,
		&action.CreatedAt,
		&action.UpdatedAt,
		&action.ProcessedAt,
	)
	if err != nil {
		return nil, err
	}
	action.DeviceID = deviceID.String
	action.LastError = lastError.String

	if len(payloadJSON) > 0 {
		if err := json.Unmarshal(payloadJSON, &action.Payload); err != nil {
			return nil, err
		}
	}
	return action, nil
}
