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
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/innsync/innsync/internal/localqueue"
	"github.com/innsync/innsync/internal/syncclient"
	"github.com/innsync/innsync/model"
	"github.com/innsync/innsync/offline"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

type queueOptions struct {
	file        string
	server      string
	key         string
	device      string
	maxAgeHours int
	batchSize   int
}

func parsePayload(raw string) (map[string]interface{}, error) {
	payload := map[string]interface{}{}
	if raw == "" {
		return payload, nil
	}
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return nil, fmt.Errorf("payload must be a JSON object: %w", err)
	}
	return payload, nil
}

func withLocalQueue(opts *queueOptions, fn func(q *localqueue.Queue) error) error {
	q, err := localqueue.Open(opts.file)
	if err != nil {
		return err
	}
	defer q.Close()
	return fn(q)
}

// queueCommands are run on a front-desk device. They never load the server
// configuration.
func queueCommands() *cobra.Command {
	opts := &queueOptions{}

	cmd := &cobra.Command{
		Use:   "queue",
		Short: "manage the local offline queue of this device",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return nil
		},
	}
	cmd.PersistentFlags().StringVar(&opts.file, "file", "./innsync-queue.db", "SQLite file holding queued actions")

	cmd.AddCommand(queueAddCommand(opts))
	cmd.AddCommand(queueListCommand(opts))
	cmd.AddCommand(queuePushCommand(opts))
	return cmd
}

func queueAddCommand(opts *queueOptions) *cobra.Command {
	var table, actionType, payload string
	var maxRetries int

	cmd := &cobra.Command{
		Use:   "add",
		Short: "record an action taken while offline",
		RunE: func(cmd *cobra.Command, args []string) error {
			if suggestion, ok := offline.SuggestTable(table); ok {
				logrus.Warnf("table %q is not replayable, did you mean %q?", table, suggestion)
			}
			data, err := parsePayload(payload)
			if err != nil {
				return err
			}
			return withLocalQueue(opts, func(q *localqueue.Queue) error {
				action, err := q.Enqueue(cmd.Context(), table, model.ActionType(actionType), data, maxRetries)
				if err != nil {
					return err
				}
				fmt.Println(action.ID)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&table, "table", "", "target table (payments, folio_charges, rooms)")
	cmd.Flags().StringVar(&actionType, "type", string(model.ActionInsert), "insert, update or delete")
	cmd.Flags().StringVar(&payload, "payload", "", "action payload as a JSON object")
	cmd.Flags().IntVar(&maxRetries, "max-retries", localqueue.DefaultMaxRetries, "retry budget of the action")
	_ = cmd.MarkFlagRequired("table")
	return cmd
}

func queueListCommand(opts *queueOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "show queued actions in replay order",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withLocalQueue(opts, func(q *localqueue.Queue) error {
				pending, err := q.Pending(cmd.Context())
				if err != nil {
					return err
				}
				w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "ID\tTABLE\tTYPE\tQUEUED AT\tRETRIES\tLAST ERROR")
				for _, a := range pending {
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d/%d\t%s\n", a.ID, a.TableName, a.ActionType, a.Timestamp.Format("2006-01-02 15:04:05"), a.RetryCount, a.MaxRetries, a.LastError)
				}
				return w.Flush()
			})
		},
	}
}

func queuePushCommand(opts *queueOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "push",
		Short: "send queued actions to the innsync server",
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.device == "" {
				host, err := os.Hostname()
				if err != nil {
					return fmt.Errorf("device id is required: %w", err)
				}
				opts.device = host
			}
			client := syncclient.New(opts.server, opts.key)
			client.BatchSize = opts.batchSize

			return withLocalQueue(opts, func(q *localqueue.Queue) error {
				result, err := client.Drain(context.Background(), q, opts.device, opts.maxAgeHours)
				if result != nil {
					for _, dropped := range result.Dropped {
						logrus.WithField("action_id", dropped.Action.ID).Warnf("dropped from local queue: %s", dropped.Reason)
					}
				}
				if err != nil {
					return err
				}
				if result.Report != nil {
					fmt.Printf("pushed %d: applied %d, duplicates %d, retrying %d, expired %d, dead-lettered %d\n",
						result.Pushed, result.Report.Applied, result.Report.Duplicates, result.Report.Retrying, result.Report.Expired, result.Report.DeadLettered)
				} else {
					fmt.Println("nothing to push")
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&opts.server, "server", "http://localhost:5004", "innsync server URL")
	cmd.Flags().StringVar(&opts.key, "key", os.Getenv("INNSYNC_SERVER_SECRET_KEY"), "server secret key")
	cmd.Flags().StringVar(&opts.device, "device", "", "device id reported to the server (defaults to the hostname)")
	cmd.Flags().IntVar(&opts.maxAgeHours, "max-age-hours", 24, "drop actions older than this")
	cmd.Flags().IntVar(&opts.batchSize, "batch-size", syncclient.DefaultBatchSize, "actions per push, at most the server's max_batch_size")
	return cmd
}
