package archive

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"github.com/aws/aws-sdk-go/service/s3/s3manager/s3manageriface"
	"github.com/innsync/innsync/config"
	"github.com/innsync/innsync/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeUploader struct {
	s3manageriface.UploaderAPI
	input *s3manager.UploadInput
	body  string
	err   error
}

func (f *fakeUploader) UploadWithContext(_ aws.Context, input *s3manager.UploadInput, _ ...func(*s3manager.Uploader)) (*s3manager.UploadOutput, error) {
	f.input = input
	raw, _ := io.ReadAll(input.Body)
	f.body = string(raw)
	if f.err != nil {
		return nil, f.err
	}
	return &s3manager.UploadOutput{Location: "https://bucket.s3.test/" + *input.Key}, nil
}

func TestNew_RequiresBucket(t *testing.T) {
	_, err := New(config.ArchiveConfig{Region: "eu-west-1"})
	assert.ErrorIs(t, err, ErrNoBucket)
}

func TestKey(t *testing.T) {
	a := NewWithUploader(&fakeUploader{}, "innsync-archive", "hotel-a")
	at := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	assert.Equal(t, "hotel-a/dead-letters/2024/06/01/"+"1717243200000000000.jsonl", a.Key(at))
}

func TestUpload(t *testing.T) {
	uploader := &fakeUploader{}
	a := NewWithUploader(uploader, "innsync-archive", "")
	a.now = func() time.Time { return time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC) }

	actions := []*model.QueuedAction{
		{ID: "act_1", TableName: model.TablePayments, Status: model.ActionStatusDeadLettered, LastError: "missing idempotency_key"},
		{ID: "act_2", TableName: model.TableRooms, Status: model.ActionStatusExpired},
	}

	location, err := a.Upload(context.Background(), actions)
	require.NoError(t, err)
	assert.Equal(t, "https://bucket.s3.test/dead-letters/2024/06/01/1717243200000000000.jsonl", location)
	assert.Equal(t, "innsync-archive", *uploader.input.Bucket)
	assert.Equal(t, "application/x-ndjson", *uploader.input.ContentType)

	var ids []string
	scanner := bufio.NewScanner(strings.NewReader(uploader.body))
	for scanner.Scan() {
		var action model.QueuedAction
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &action))
		ids = append(ids, action.ID)
	}
	assert.Equal(t, []string{"act_1", "act_2"}, ids)
}

func TestUpload_Empty(t *testing.T) {
	uploader := &fakeUploader{}
	location, err := NewWithUploader(uploader, "innsync-archive", "").Upload(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, location)
	assert.Nil(t, uploader.input)
}

func TestUpload_Error(t *testing.T) {
	uploader := &fakeUploader{err: errors.New("access denied")}
	_, err := NewWithUploader(uploader, "innsync-archive", "").Upload(context.Background(), []*model.QueuedAction{{ID: "act_1"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "access denied")
}
