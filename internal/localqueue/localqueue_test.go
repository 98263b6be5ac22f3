package localqueue

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/innsync/innsync/model"
	"github.com/innsync/innsync/offline"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestQueue(t *testing.T) *Queue {
	t.Helper()
	q, err := Open(filepath.Join(t.TempDir(), "queue.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Close() })
	return q
}

func TestEnqueueAndPending(t *testing.T) {
	q := openTestQueue(t)
	ctx := context.Background()
	base := time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)

	q.now = func() time.Time { return base }
	room, err := q.Enqueue(ctx, model.TableRooms, model.ActionUpdate, map[string]interface{}{"room_id": "101", "status": "clean"}, 0)
	require.NoError(t, err)
	assert.Equal(t, DefaultMaxRetries, room.MaxRetries)

	q.now = func() time.Time { return base.Add(time.Minute) }
	payment, err := q.Enqueue(ctx, model.TablePayments, model.ActionInsert, map[string]interface{}{"folio_id": "fol_1", "idempotency_key": "k1"}, 5)
	require.NoError(t, err)

	pending, err := q.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 2)

	assert.Equal(t, payment.ID, pending[0].ID, "payments replay before rooms")
	assert.Equal(t, room.ID, pending[1].ID)
	assert.Equal(t, 5, pending[0].MaxRetries)
	assert.Equal(t, "101", pending[1].Payload["room_id"])
	assert.True(t, base.Equal(pending[1].Timestamp))
}

func TestEnqueue_Validation(t *testing.T) {
	q := openTestQueue(t)

	_, err := q.Enqueue(context.Background(), "", model.ActionInsert, nil, 0)
	assert.Error(t, err)

	_, err = q.Enqueue(context.Background(), model.TableRooms, "upsert", nil, 0)
	assert.Error(t, err)
}

func TestDelete(t *testing.T) {
	q := openTestQueue(t)
	ctx := context.Background()
	action, err := q.Enqueue(ctx, model.TablePayments, model.ActionInsert, map[string]interface{}{}, 0)
	require.NoError(t, err)

	require.NoError(t, q.Delete(ctx, action.ID))

	pending, err := q.Pending(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
	assert.True(t, errors.Is(q.Delete(ctx, action.ID), ErrNotFound))
}

func TestRecordFailure(t *testing.T) {
	q := openTestQueue(t)
	ctx := context.Background()
	now := time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)
	q.now = func() time.Time { return now }

	action, err := q.Enqueue(ctx, model.TableFolioCharges, model.ActionInsert, map[string]interface{}{"folio_id": "fol_1"}, 2)
	require.NoError(t, err)

	decision, err := q.RecordFailure(ctx, *action, errors.New("server unreachable"), now, 24)
	require.NoError(t, err)
	assert.True(t, decision.Retry)

	pending, err := q.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, 1, pending[0].RetryCount)
	assert.Equal(t, "server unreachable", pending[0].LastError)

	decision, err = q.RecordFailure(ctx, pending[0], errors.New("server unreachable"), now, 24)
	require.NoError(t, err)
	assert.True(t, decision.Retry)

	pending, err = q.Pending(ctx)
	require.NoError(t, err)
	decision, err = q.RecordFailure(ctx, pending[0], errors.New("server unreachable"), now, 24)
	require.NoError(t, err)
	assert.False(t, decision.Retry)
	assert.Equal(t, offline.DropReasonExhausted, decision.Reason)

	pending, err = q.Pending(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestRecordFailure_ExpiredIsDropped(t *testing.T) {
	q := openTestQueue(t)
	ctx := context.Background()
	queuedAt := time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)
	q.now = func() time.Time { return queuedAt }

	action, err := q.Enqueue(ctx, model.TableRooms, model.ActionUpdate, map[string]interface{}{"room_id": "7"}, 0)
	require.NoError(t, err)

	decision, err := q.RecordFailure(ctx, *action, nil, queuedAt.Add(25*time.Hour), 24)
	require.NoError(t, err)
	assert.False(t, decision.Retry)
	assert.Equal(t, offline.DropReasonExpired, decision.Reason)

	pending, err := q.Pending(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestRecordFailure_UnknownAction(t *testing.T) {
	q := openTestQueue(t)

	_, err := q.RecordFailure(context.Background(), model.QueuedAction{ID: "act_missing", MaxRetries: 3, Timestamp: time.Now()}, nil, time.Now(), 24)
	assert.True(t, errors.Is(err, ErrNotFound))
}
