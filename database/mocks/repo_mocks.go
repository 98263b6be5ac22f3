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
package mocks

import (
	"context"
	"time"

	"github.com/innsync/innsync/model"
	"github.com/stretchr/testify/mock"
)

// MockDataSource is a mock implementation of the IDataSource interface
type MockDataSource struct {
	mock.Mock
}

// Offline action methods

func (m *MockDataSource) RecordOfflineAction(ctx context.Context, action *model.QueuedAction) (bool, error) {
	args := m.Called(ctx, action)
	return args.Bool(0), args.Error(1)
}

func (m *MockDataSource) GetOfflineAction(ctx context.Context, id string) (*model.QueuedAction, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.QueuedAction), args.Error(1)
}

func (m *MockDataSource) UpdateOfflineActionStatus(ctx context.Context, action *model.QueuedAction) error {
	args := m.Called(ctx, action)
	return args.Error(0)
}

func (m *MockDataSource) GetStuckOfflineActions(ctx context.Context, pendingBefore, retryingBefore time.Time, limit int) ([]*model.QueuedAction, error) {
	args := m.Called(ctx, pendingBefore, retryingBefore, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*model.QueuedAction), args.Error(1)
}

func (m *MockDataSource) GetDeadLetteredActions(ctx context.Context, limit, offset int) ([]*model.QueuedAction, error) {
	args := m.Called(ctx, limit, offset)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*model.QueuedAction), args.Error(1)
}

// Payment methods

func (m *MockDataSource) RecordPayment(ctx context.Context, payment *model.Payment) (bool, error) {
	args := m.Called(ctx, payment)
	return args.Bool(0), args.Error(1)
}

func (m *MockDataSource) GetPaymentByIdempotencyKey(ctx context.Context, key string) (*model.Payment, error) {
	args := m.Called(ctx, key)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Payment), args.Error(1)
}

// Folio charge methods

func (m *MockDataSource) GetFolioCharges(ctx context.Context, folioID string) ([]model.Charge, error) {
	args := m.Called(ctx, folioID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.Charge), args.Error(1)
}

func (m *MockDataSource) RecordFolioCharge(ctx context.Context, charge *model.Charge) (bool, error) {
	args := m.Called(ctx, charge)
	return args.Bool(0), args.Error(1)
}

// Room methods

func (m *MockDataSource) GetRoomState(ctx context.Context, roomID string) (*model.RoomState, error) {
	args := m.Called(ctx, roomID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.RoomState), args.Error(1)
}

func (m *MockDataSource) UpsertRoomState(ctx context.Context, state *model.RoomState) error {
	args := m.Called(ctx, state)
	return args.Error(0)
}

func (m *MockDataSource) RecordRoomConflict(ctx context.Context, record *model.RoomConflictRecord) error {
	args := m.Called(ctx, record)
	return args.Error(0)
}

func (m *MockDataSource) GetRoomConflicts(ctx context.Context, roomID string, limit int) ([]model.RoomConflictRecord, error) {
	args := m.Called(ctx, roomID, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.RoomConflictRecord), args.Error(1)
}
