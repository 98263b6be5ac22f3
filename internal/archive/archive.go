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

// Package archive exports dead-lettered offline actions to S3 so they can be
// reviewed and purged from the server.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"github.com/aws/aws-sdk-go/service/s3/s3manager/s3manageriface"
	"github.com/innsync/innsync/config"
	"github.com/innsync/innsync/model"
	"github.com/sirupsen/logrus"
)

var ErrNoBucket = errors.New("archive bucket is not configured")

// Archiver writes batches of actions as JSON lines objects.
type Archiver struct {
	uploader s3manageriface.UploaderAPI
	bucket   string
	prefix   string
	now      func() time.Time
}

// New builds an Archiver from configuration. Static credentials are used when
// given, otherwise the default AWS credential chain applies.
func New(conf config.ArchiveConfig) (*Archiver, error) {
	if conf.Bucket == "" {
		return nil, ErrNoBucket
	}

	awsConf := &aws.Config{}
	if conf.Region != "" {
		awsConf.Region = aws.String(conf.Region)
	}
	if conf.AccessKeyID != "" {
		awsConf.Credentials = credentials.NewStaticCredentials(conf.AccessKeyID, conf.SecretAccessKey, "")
	}

	sess, err := session.NewSession(awsConf)
	if err != nil {
		return nil, fmt.Errorf("create aws session: %w", err)
	}
	return NewWithUploader(s3manager.NewUploader(sess), conf.Bucket, conf.Prefix), nil
}

func NewWithUploader(uploader s3manageriface.UploaderAPI, bucket, prefix string) *Archiver {
	return &Archiver{uploader: uploader, bucket: bucket, prefix: prefix, now: time.Now}
}

// Key is the object key used for a batch written at t.
func (a *Archiver) Key(t time.Time) string {
	return path.Join(a.prefix, "dead-letters", t.UTC().Format("2006/01/02"), fmt.Sprintf("%d.jsonl", t.UnixNano()))
}

// Upload stores actions as one JSON document per line and returns the
// object location. An empty batch uploads nothing.
func (a *Archiver) Upload(ctx context.Context, actions []*model.QueuedAction) (string, error) {
	if len(actions) == 0 {
		return "", nil
	}

	var body bytes.Buffer
	enc := json.NewEncoder(&body)
	for _, action := range actions {
		if err := enc.Encode(action); err != nil {
			return "", fmt.Errorf("encode action %s: %w", action.ID, err)
		}
	}

	key := a.Key(a.now())
	out, err := a.uploader.UploadWithContext(ctx, &s3manager.UploadInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body.Bytes()),
		ContentType: aws.String("application/x-ndjson"),
	})
	if err != nil {
		return "", fmt.Errorf("upload %s: %w", key, err)
	}

	logrus.WithFields(logrus.Fields{
		"bucket":  a.bucket,
		"key":     key,
		"actions": len(actions),
	}).Info("dead letters archived")
	return out.Location, nil
}
