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

package main

import (
	"context"
	"fmt"
	"log"
	"net/http"

	"github.com/hibiken/asynq"
	"github.com/hibiken/asynqmon"
	"github.com/innsync/innsync"
	"github.com/innsync/innsync/config"
	redis_db "github.com/innsync/innsync/internal/redis-db"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"go.elastic.co/apm/module/apmlogrus/v2"
)

func init() {
	logrus.AddHook(&apmlogrus.Hook{})
}

// initializeQueues gives webhooks a higher weight than replay retries so
// outcome notifications do not queue behind a retry backlog.
func initializeQueues(q *innsync.Queue, conf config.QueueConfig) map[string]int {
	queues := map[string]int{conf.WebhookQueue: 3}
	for _, name := range q.ReplayQueueNames() {
		queues[name] = 1
	}
	return queues
}

func redisConnOpt(conf *config.Configuration) (asynq.RedisClientOpt, error) {
	redisOption, err := redis_db.ParseRedisURL(conf.Redis.Dns, conf.Redis.SkipTLSVerify)
	if err != nil {
		return asynq.RedisClientOpt{}, fmt.Errorf("error parsing Redis URL: %v", err)
	}
	return asynq.RedisClientOpt{
		Addr:      redisOption.Addr,
		Password:  redisOption.Password,
		DB:        redisOption.DB,
		TLSConfig: redisOption.TLSConfig,
	}, nil
}

func initializeWorkerServer(conf *config.Configuration, queues map[string]int) (*asynq.Server, error) {
	opt, err := redisConnOpt(conf)
	if err != nil {
		return nil, err
	}

	return asynq.NewServer(opt, asynq.Config{
		Concurrency: len(queues),
		Queues:      queues,
	}), nil
}

// initializeTaskHandlers routes tasks by type. Replay retries share one task
// type across all hashed queues.
func initializeTaskHandlers(i *innsync.Innsync, conf config.QueueConfig, mux *asynq.ServeMux) {
	mux.HandleFunc(conf.ReplayQueue, i.ProcessReplayTask)
	mux.HandleFunc(conf.WebhookQueue, innsync.ProcessWebhook)
}

// workerCommands defines the "workers" command which processes scheduled
// replay retries and outbound webhooks.
func workerCommands(app *innsyncInstance) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "workers",
		Short: "start innsync workers",
		Run: func(cmd *cobra.Command, args []string) {
			ctx := context.Background()
			conf := app.cnf
			queueConf := conf.Queue.WithDefaults()
			defer app.innsync.Close()

			phClient, shutdown, err := initializeObservability(ctx, conf, conf.ProjectName+" workers")
			if err != nil {
				log.Fatal(err)
			}
			defer func() {
				if err := shutdown(ctx); err != nil {
					log.Printf("Error during shutdown: %v", err)
				}
			}()
			if phClient != nil {
				defer phClient.Close()
			}

			queues := initializeQueues(app.innsync.Queue(), queueConf)
			srv, err := initializeWorkerServer(conf, queues)
			if err != nil {
				log.Fatal(err)
			}

			mux := asynq.NewServeMux()
			initializeTaskHandlers(app.innsync, queueConf, mux)

			opt, _ := redisConnOpt(conf)
			h := asynqmon.New(asynqmon.Options{
				RootPath:     "/monitoring",
				RedisConnOpt: opt,
			})

			go func() {
				monitoringAddr := fmt.Sprintf(":%s", queueConf.MonitoringPort)
				log.Printf("Asynqmon server listening on %s/monitoring", monitoringAddr)
				if err := http.ListenAndServe(monitoringAddr, h); err != nil {
					log.Fatalf("could not start asynqmon server: %v", err)
				}
			}()

			if err := srv.Run(mux); err != nil {
				log.Fatalf("could not run server: %v", err)
			}
		},
	}

	return cmd
}
