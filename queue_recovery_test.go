package innsync

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/innsync/innsync/config"
	"github.com/innsync/innsync/model"
	"github.com/innsync/innsync/offline"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func TestRecoverStuckActions(t *testing.T) {
	i, ds, _ := setupInnsync(t, nil)
	stuck := paymentAction(testNow.Add(-time.Hour))
	stuck.Status = model.ActionStatusPending

	pendingBefore := testNow.Add(-10 * time.Minute)
	ds.On("GetStuckOfflineActions", mock.Anything, pendingBefore, pendingBefore.Add(-offline.MaxRetryDelay), 1000).
		Return([]*model.QueuedAction{&stuck}, nil)
	ds.On("RecordPayment", mock.Anything, mock.Anything).Return(true, nil)
	expectStatus(ds, model.ActionStatusApplied)

	count, err := i.RecoverStuckActions(context.Background(), 10*time.Minute)

	require.NoError(t, err)
	assert.Equal(t, 1, count)
	ds.AssertExpectations(t)
}

func TestRecoverStuckActions_MinimumThreshold(t *testing.T) {
	i, ds, _ := setupInnsync(t, nil)

	ds.On("GetStuckOfflineActions", mock.Anything, testNow.Add(-MinRecoveryThreshold), mock.Anything, mock.Anything).
		Return([]*model.QueuedAction{}, nil)

	count, err := i.RecoverStuckActions(context.Background(), time.Second)

	require.NoError(t, err)
	assert.Equal(t, 0, count)
	ds.AssertExpectations(t)
}

func TestRecoverStuckActions_StoreError(t *testing.T) {
	i, ds, _ := setupInnsync(t, nil)
	ds.On("GetStuckOfflineActions", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(nil, errors.New("db down"))

	_, err := i.RecoverStuckActions(context.Background(), time.Hour)
	assert.EqualError(t, err, "db down")
}

func TestOfflineActionRecoveryProcessor_StartStop(t *testing.T) {
	i, ds, _ := setupInnsync(t, &config.Configuration{Offline: config.OfflineConfig{RecoveryIntervalSec: 1}})
	ds.On("GetStuckOfflineActions", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return([]*model.QueuedAction{}, nil).Maybe()

	p := NewOfflineActionRecoveryProcessor(i)
	assert.Equal(t, time.Second, p.pollInterval)
	assert.Equal(t, 15*time.Minute, p.stuckThreshold)

	p.Start(context.Background())
	p.Start(context.Background())
	assert.True(t, p.IsRunning())

	p.Stop()
	assert.False(t, p.IsRunning())
	p.Stop()
}

func TestOfflineActionRecoveryProcessor_StopsOnContextCancel(t *testing.T) {
	i, _, _ := setupInnsync(t, nil)
	p := NewOfflineActionRecoveryProcessor(i)
	ctx, cancel := context.WithCancel(context.Background())

	p.Start(ctx)
	cancel()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("processor did not exit after context cancel")
	}
}
