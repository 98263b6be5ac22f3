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
	"embed"
	"time"

	"github.com/innsync/innsync/config"
	"github.com/innsync/innsync/database"
	"github.com/innsync/innsync/internal/cache"
	redis_db "github.com/innsync/innsync/internal/redis-db"
	"github.com/innsync/innsync/offline"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
)

// Innsync replays queued offline writes against the property store.
type Innsync struct {
	queue      *Queue
	redis      redis.UniversalClient
	cache      cache.Cache
	datasource database.IDataSource
	keys       *offline.KeyGenerator
	now        func() time.Time
}

//go:embed sql/*.sql
var SQLFiles embed.FS

var tracer = otel.Tracer("innsync.replay")

// NewInnsync initializes a new instance of Innsync with the provided datasource.
// It fetches the configuration and connects Redis, the local cache and the queue.
//
// Parameters:
// - db database.IDataSource: The datasource for database operations.
//
// Returns:
// - *Innsync: A pointer to the newly created Innsync instance.
// - error: An error if any of the initialization steps fail.
func NewInnsync(db database.IDataSource) (*Innsync, error) {
	configuration, err := config.Fetch()
	if err != nil {
		return nil, err
	}
	redisClient, err := redis_db.NewRedisClient([]string{configuration.Redis.Dns}, configuration.Redis.SkipTLSVerify)
	if err != nil {
		return nil, err
	}
	newQueue, err := NewQueue(configuration)
	if err != nil {
		return nil, err
	}

	return &Innsync{
		datasource: db,
		queue:      newQueue,
		redis:      redisClient.Client(),
		cache:      cache.NewCache(redisClient.Client(), time.Minute),
		keys:       offline.NewKeyGenerator(nil, nil),
		now:        time.Now,
	}, nil
}

// Queue exposes the task queue, mainly for worker registration.
func (i *Innsync) Queue() *Queue {
	return i.queue
}

// GenerateIdempotencyKey mints a key clients can attach to a new payment or charge.
func (i *Innsync) GenerateIdempotencyKey(operation, resourceID string) string {
	return i.keys.Generate(operation, resourceID)
}

// Close releases the queue and Redis connections.
func (i *Innsync) Close() error {
	if err := i.queue.Close(); err != nil {
		return err
	}
	return i.redis.Close()
}

// settings returns the offline configuration with defaults filled in.
func (i *Innsync) settings() config.OfflineConfig {
	cnf, err := config.Fetch()
	if err != nil {
		return config.OfflineConfig{}.WithDefaults()
	}
	return cnf.Offline.WithDefaults()
}
