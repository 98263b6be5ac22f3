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

// Package localqueue is the device-side store of offline writes waiting to be
// pushed to the server. It is a single SQLite file so that queued work
// survives app restarts.
package localqueue

import (
	"context"
	"database/sql"
	"encoding/json"
	"sync"
	"time"

	"github.com/innsync/innsync/model"
	"github.com/innsync/innsync/offline"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

const DefaultMaxRetries = 3

var ErrNotFound = errors.New("queued action not found")

const schema = `
CREATE TABLE IF NOT EXISTS queued_actions (
	id TEXT PRIMARY KEY,
	table_name TEXT NOT NULL,
	action_type TEXT NOT NULL,
	payload TEXT NOT NULL,
	action_timestamp TEXT NOT NULL,
	retry_count INTEGER NOT NULL DEFAULT 0,
	max_retries INTEGER NOT NULL DEFAULT 3,
	last_error TEXT,
	CHECK (retry_count >= 0 AND retry_count <= max_retries)
);

CREATE INDEX IF NOT EXISTS idx_queued_actions_timestamp ON queued_actions(action_timestamp);
`

// Queue is a SQLite-backed list of actions recorded while offline.
type Queue struct {
	db  *sql.DB
	mu  sync.Mutex
	now func() time.Time
}

// Open creates or opens the queue file at path.
func Open(path string) (*Queue, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, errors.Wrap(err, "open local queue")
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "create local queue schema")
	}
	return &Queue{db: db, now: time.Now}, nil
}

func (q *Queue) Close() error {
	return q.db.Close()
}

// Enqueue stores a new action stamped with the current time.
func (q *Queue) Enqueue(ctx context.Context, table string, actionType model.ActionType, payload map[string]interface{}, maxRetries int) (*model.QueuedAction, error) {
	if table == "" {
		return nil, errors.New("table is required")
	}
	if !actionType.IsValid() {
		return nil, errors.Errorf("unknown action type %q", actionType)
	}
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}

	action := &model.QueuedAction{
		ID:         model.GenerateUUIDWithSuffix("act"),
		TableName:  table,
		ActionType: actionType,
		Payload:    payload,
		Timestamp:  q.now().UTC(),
		MaxRetries: maxRetries,
		Status:     model.ActionStatusPending,
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, errors.Wrap(err, "encode payload")
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	_, err = q.db.ExecContext(ctx,
		`INSERT INTO queued_actions (id, table_name, action_type, payload, action_timestamp, retry_count, max_retries)
		 VALUES (?, ?, ?, ?, ?, 0, ?)`,
		action.ID, action.TableName, string(action.ActionType), string(raw), action.Timestamp.Format(time.RFC3339Nano), action.MaxRetries,
	)
	if err != nil {
		return nil, errors.Wrapf(err, "enqueue action %s", action.ID)
	}
	return action, nil
}

// Pending returns every queued action in replay order.
func (q *Queue) Pending(ctx context.Context) ([]model.QueuedAction, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	rows, err := q.db.QueryContext(ctx,
		`SELECT id, table_name, action_type, payload, action_timestamp, retry_count, max_retries, last_error
		 FROM queued_actions ORDER BY action_timestamp`)
	if err != nil {
		return nil, errors.Wrap(err, "list pending actions")
	}
	defer rows.Close()

	actions := []model.QueuedAction{}
	for rows.Next() {
		var (
			action     model.QueuedAction
			actionType string
			payload    string
			timestamp  string
			lastError  sql.NullString
		)
		if err := rows.Scan(&action.ID, &action.TableName, &actionType, &payload, &timestamp, &action.RetryCount, &action.MaxRetries, &lastError); err != nil {
			return nil, errors.Wrap(err, "scan pending action")
		}
		if err := json.Unmarshal([]byte(payload), &action.Payload); err != nil {
			return nil, errors.Wrapf(err, "decode payload of %s", action.ID)
		}
		action.Timestamp, err = time.Parse(time.RFC3339Nano, timestamp)
		if err != nil {
			return nil, errors.Wrapf(err, "decode timestamp of %s", action.ID)
		}
		action.ActionType = model.ActionType(actionType)
		action.LastError = lastError.String
		action.Status = model.ActionStatusPending
		actions = append(actions, action)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterate pending actions")
	}
	return offline.PrioritizeOfflineActions(actions), nil
}

// Delete removes an action the server has accepted.
func (q *Queue) Delete(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.delete(ctx, id)
}

func (q *Queue) delete(ctx context.Context, id string) error {
	res, err := q.db.ExecContext(ctx, `DELETE FROM queued_actions WHERE id = ?`, id)
	if err != nil {
		return errors.Wrapf(err, "delete action %s", id)
	}
	return requireRow(res, id)
}

// RecordFailure applies the retry budget to an action whose push failed. A
// retried action keeps its place with an incremented counter; an expired or
// exhausted one is removed from the queue.
func (q *Queue) RecordFailure(ctx context.Context, action model.QueuedAction, cause error, now time.Time, maxAgeHours int) (offline.RetryDecision, error) {
	decision := offline.DecideRetry(action, maxAgeHours, now)

	q.mu.Lock()
	defer q.mu.Unlock()

	if !decision.Retry {
		return decision, q.delete(ctx, action.ID)
	}

	lastError := ""
	if cause != nil {
		lastError = cause.Error()
	}
	res, err := q.db.ExecContext(ctx,
		`UPDATE queued_actions SET retry_count = ?, last_error = ? WHERE id = ?`,
		decision.Action.RetryCount, lastError, action.ID,
	)
	if err != nil {
		return decision, errors.Wrapf(err, "record failure of %s", action.ID)
	}
	return decision, requireRow(res, action.ID)
}

func requireRow(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "read affected rows")
	}
	if n == 0 {
		return errors.Wrap(ErrNotFound, id)
	}
	return nil
}
