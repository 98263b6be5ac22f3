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
	"time"

	"github.com/innsync/innsync/model"
)

const (
	DropReasonExpired   = "expired"
	DropReasonExhausted = "retries exhausted"

	baseRetryDelay = time.Minute
	// MaxRetryDelay is the longest wait RetryDelay ever returns.
	MaxRetryDelay = time.Hour
)

// RetryDecision is what to do with an action whose replay just failed.
type RetryDecision struct {
	Retry  bool
	Reason string
	// Action carries the incremented RetryCount when Retry is true and is
	// unchanged otherwise.
	Action model.QueuedAction
}

// DecideRetry applies the retry budget to a failed action. Expired actions
// and actions that already used every retry are dropped; anything else is
// retried once more. RetryCount never passes MaxRetries.
func DecideRetry(action model.QueuedAction, maxAgeHours int, now time.Time) RetryDecision {
	if IsExpiredAction(action.Timestamp, maxAgeHours, now) {
		return RetryDecision{Reason: DropReasonExpired, Action: action}
	}
	if action.RetryCount >= action.MaxRetries {
		return RetryDecision{Reason: DropReasonExhausted, Action: action}
	}

	action.RetryCount++
	return RetryDecision{Retry: true, Action: action}
}

// RetryDelay is the wait before the given retry attempt: one minute doubled per
// attempt, capped at one hour.
func RetryDelay(retryCount int) time.Duration {
	if retryCount < 0 {
		retryCount = 0
	}
	if retryCount >= 6 {
		return MaxRetryDelay
	}
	delay := baseRetryDelay << uint(retryCount)
	if delay > MaxRetryDelay {
		return MaxRetryDelay
	}
	return delay
}
