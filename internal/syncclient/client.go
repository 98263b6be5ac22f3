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

// Package syncclient pushes a device's offline queue to the innsync server.
package syncclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/innsync/innsync/internal/request"
	"github.com/innsync/innsync/model"
	"github.com/innsync/innsync/offline"
	"github.com/sirupsen/logrus"
)

const (
	keyHeader    = "X-Innsync-Key"
	deviceHeader = "X-Innsync-Device"

	// DefaultBatchSize matches the server's default max_batch_size.
	DefaultBatchSize = 500
)

// Client talks to the sync endpoints of an innsync server.
type Client struct {
	baseURL   string
	secretKey string

	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxAttempts     uint64
	// BatchSize caps the actions sent in one push. It must not exceed the
	// server's max_batch_size.
	BatchSize int
}

type submitRequest struct {
	DeviceID string               `json:"device_id"`
	Actions  []model.QueuedAction `json:"actions"`
}

// New returns a client for the server at baseURL. secretKey may be empty when
// the server does not run in secure mode.
func New(baseURL, secretKey string) *Client {
	return &Client{
		baseURL:         strings.TrimRight(baseURL, "/"),
		secretKey:       secretKey,
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     30 * time.Second,
		MaxAttempts:     5,
		BatchSize:       DefaultBatchSize,
	}
}

func (c *Client) headers(deviceID string) map[string]string {
	headers := map[string]string{deviceHeader: deviceID}
	if c.secretKey != "" {
		headers[keyHeader] = c.secretKey
	}
	return headers
}

func (c *Client) backOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.InitialInterval
	b.MaxInterval = c.MaxInterval
	b.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(b, c.MaxAttempts), ctx)
}

// PushActions submits a batch and returns the server's replay report.
// Transport failures and 5xx/429 answers are retried with exponential
// backoff. Any other rejection is returned immediately.
func (c *Client) PushActions(ctx context.Context, deviceID string, actions []model.QueuedAction) (*model.ReplayReport, error) {
	payload := submitRequest{DeviceID: deviceID, Actions: actions}
	url := c.baseURL + "/sync/actions"

	var report model.ReplayReport
	operation := func() error {
		req, err := request.NewJSONRequest(ctx, http.MethodPost, url, payload, c.headers(deviceID))
		if err != nil {
			return backoff.Permanent(err)
		}
		report = model.ReplayReport{}
		_, err = request.Call(req, &report)
		if err == nil {
			return nil
		}
		var statusErr *request.StatusError
		if errors.As(err, &statusErr) && !statusErr.Retryable() {
			return backoff.Permanent(err)
		}
		return err
	}

	notify := func(err error, wait time.Duration) {
		logrus.WithFields(logrus.Fields{
			"device_id": deviceID,
			"actions":   len(actions),
			"wait":      wait.String(),
		}).WithError(err).Warn("push failed, retrying")
	}

	if err := backoff.RetryNotify(operation, c.backOff(ctx), notify); err != nil {
		return nil, fmt.Errorf("push %d actions: %w", len(actions), err)
	}
	return &report, nil
}

// Store is the device-side queue drained by Drain.
type Store interface {
	Pending(ctx context.Context) ([]model.QueuedAction, error)
	Delete(ctx context.Context, id string) error
	RecordFailure(ctx context.Context, action model.QueuedAction, cause error, now time.Time, maxAgeHours int) (offline.RetryDecision, error)
}

// DrainResult summarises one Drain call.
type DrainResult struct {
	Pushed  int
	Dropped []offline.RetryDecision
	Report  *model.ReplayReport
}

// Drain pushes everything in store in batches of at most BatchSize, in queue
// order. Once the server has accepted a batch it owns the retries, so the
// local copies are removed. When a batch fails on the transport, a 5xx or a
// 429, its actions are each charged one retry and expired or exhausted ones
// fall out of the queue. Any other rejection leaves the queue untouched. In
// both cases Drain stops at the failed batch.
func (c *Client) Drain(ctx context.Context, store Store, deviceID string, maxAgeHours int) (*DrainResult, error) {
	pending, err := store.Pending(ctx)
	if err != nil {
		return nil, err
	}
	result := &DrainResult{}
	if len(pending) == 0 {
		return result, nil
	}

	size := c.BatchSize
	if size <= 0 {
		size = DefaultBatchSize
	}

	for start := 0; start < len(pending); start += size {
		end := start + size
		if end > len(pending) {
			end = len(pending)
		}
		batch := pending[start:end]

		report, pushErr := c.PushActions(ctx, deviceID, batch)
		if pushErr != nil {
			if !chargeable(pushErr) {
				return result, pushErr
			}
			if err := c.recordFailures(ctx, store, batch, pushErr, maxAgeHours, result); err != nil {
				return result, err
			}
			return result, pushErr
		}

		for _, action := range batch {
			if err := store.Delete(ctx, action.ID); err != nil {
				return result, err
			}
			result.Pushed++
		}
		result.Report = mergeReports(result.Report, report)
	}
	return result, nil
}

func (c *Client) recordFailures(ctx context.Context, store Store, batch []model.QueuedAction, cause error, maxAgeHours int, result *DrainResult) error {
	now := time.Now()
	for _, action := range batch {
		decision, err := store.RecordFailure(ctx, action, cause, now, maxAgeHours)
		if err != nil {
			return err
		}
		if !decision.Retry {
			result.Dropped = append(result.Dropped, decision)
		}
	}
	return nil
}

// chargeable reports whether a failed push counts against the retry budget of
// the actions it carried. A request the server refused as a whole says
// nothing about the actions themselves.
func chargeable(err error) bool {
	var statusErr *request.StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Retryable()
	}
	return true
}

func mergeReports(into, next *model.ReplayReport) *model.ReplayReport {
	if next == nil {
		return into
	}
	if into == nil {
		merged := *next
		return &merged
	}
	into.Applied += next.Applied
	into.Duplicates += next.Duplicates
	into.Retrying += next.Retrying
	into.Expired += next.Expired
	into.DeadLettered += next.DeadLettered
	into.Outcomes = append(into.Outcomes, next.Outcomes...)
	return into
}
