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
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/hibiken/asynq"
	"github.com/innsync/innsync/config"
	redis_db "github.com/innsync/innsync/internal/redis-db"
	"github.com/innsync/innsync/model"
	"github.com/sirupsen/logrus"
)

// Queue schedules delayed replays and webhook deliveries on asynq.
type Queue struct {
	Client    *asynq.Client
	Inspector *asynq.Inspector
	conf      config.QueueConfig
}

// RetryTaskPayload is the body of a scheduled replay task. The worker reloads
// the action from the store, so only the identifier travels through Redis.
type RetryTaskPayload struct {
	ActionID   string `json:"action_id"`
	RetryCount int    `json:"retry_count"`
}

// NewQueue connects an asynq client and inspector to the configured Redis.
//
// Parameters:
// - conf *config.Configuration: The configuration holding the Redis address and queue names.
//
// Returns:
// - *Queue: The queue, ready to enqueue tasks.
// - error: An error if the Redis address cannot be parsed.
func NewQueue(conf *config.Configuration) (*Queue, error) {
	redisOption, err := redis_db.ParseRedisURL(conf.Redis.Dns, conf.Redis.SkipTLSVerify)
	if err != nil {
		return nil, fmt.Errorf("error parsing Redis URL: %w", err)
	}

	queueOptions := asynq.RedisClientOpt{Addr: redisOption.Addr, Password: redisOption.Password, DB: redisOption.DB, TLSConfig: redisOption.TLSConfig}
	return &Queue{
		Client:    asynq.NewClient(queueOptions),
		Inspector: asynq.NewInspector(queueOptions),
		conf:      conf.Queue.WithDefaults(),
	}, nil
}

// ReplayQueueName returns the replay queue that owns target. Every retry for
// one target lands on the same queue, so a worker with per-queue concurrency
// of one replays them in order.
func (q *Queue) ReplayQueueName(target string) string {
	index := hashTarget(target) % q.conf.NumberOfQueues
	return fmt.Sprintf("%s_%d", q.conf.ReplayQueue, index+1)
}

// ReplayQueueNames lists every replay queue, in index order.
func (q *Queue) ReplayQueueNames() []string {
	names := make([]string, 0, q.conf.NumberOfQueues)
	for i := 1; i <= q.conf.NumberOfQueues; i++ {
		names = append(names, fmt.Sprintf("%s_%d", q.conf.ReplayQueue, i))
	}
	return names
}

// EnqueueRetry schedules another replay of action after delay. The task ID is
// derived from the action ID and retry count, so scheduling the same attempt
// twice is a no-op.
//
// Parameters:
// - ctx context.Context: The context for the operation.
// - action model.QueuedAction: The action to replay, carrying its incremented RetryCount.
// - target string: The record the action writes to, used to pick the queue.
// - delay time.Duration: How long to wait before the replay.
//
// Returns:
// - error: An error if the task could not be enqueued.
func (q *Queue) EnqueueRetry(ctx context.Context, action model.QueuedAction, target string, delay time.Duration) error {
	ctx, span := tracer.Start(ctx, "Scheduling Offline Action Retry")
	defer span.End()

	payload, err := json.Marshal(RetryTaskPayload{ActionID: action.ID, RetryCount: action.RetryCount})
	if err != nil {
		return err
	}

	queueName := q.ReplayQueueName(target)
	task := asynq.NewTask(q.conf.ReplayQueue, payload,
		asynq.TaskID(retryTaskID(action.ID, action.RetryCount)),
		asynq.Queue(queueName),
		asynq.ProcessIn(delay),
		asynq.MaxRetry(5),
	)

	info, err := q.Client.EnqueueContext(ctx, task)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		return nil
	}
	if err != nil {
		span.RecordError(err)
		return err
	}
	logrus.WithFields(logrus.Fields{
		"action_id": action.ID,
		"queue":     info.Queue,
		"retry":     action.RetryCount,
		"delay":     delay.String(),
	}).Info("scheduled offline action retry")
	return nil
}

// ScheduledRetry returns the pending retry task for one attempt of an action,
// or nil when none is queued.
func (q *Queue) ScheduledRetry(actionID string, retryCount int, target string) (*RetryTaskPayload, error) {
	info, err := q.Inspector.GetTaskInfo(q.ReplayQueueName(target), retryTaskID(actionID, retryCount))
	if errors.Is(err, asynq.ErrTaskNotFound) || errors.Is(err, asynq.ErrQueueNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var payload RetryTaskPayload
	if err := json.Unmarshal(info.Payload, &payload); err != nil {
		return nil, err
	}
	return &payload, nil
}

// Close releases the client and inspector connections.
func (q *Queue) Close() error {
	if err := q.Inspector.Close(); err != nil {
		return err
	}
	return q.Client.Close()
}

func retryTaskID(actionID string, retryCount int) string {
	return fmt.Sprintf("%s:retry:%d", actionID, retryCount)
}

// hashTarget returns a consistent non-negative hash for a record identifier.
func hashTarget(target string) int {
	hasher := fnv.New32a()
	_, _ = hasher.Write([]byte(target))
	return int(hasher.Sum32())
}
