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

	"github.com/innsync/innsync"
	"github.com/innsync/innsync/internal/archive"
	"github.com/innsync/innsync/model"
	"github.com/spf13/cobra"
)

const deadLetterPageSize = 100

type deadLetterSource interface {
	GetDeadLetteredActions(ctx context.Context, limit, offset int) ([]*model.QueuedAction, error)
}

// collectDeadLetters pages through every dead-lettered or expired action.
func collectDeadLetters(ctx context.Context, src deadLetterSource) ([]*model.QueuedAction, error) {
	var all []*model.QueuedAction
	for offset := 0; ; offset += deadLetterPageSize {
		page, err := src.GetDeadLetteredActions(ctx, deadLetterPageSize, offset)
		if err != nil {
			return nil, err
		}
		all = append(all, page...)
		if len(page) < deadLetterPageSize {
			return all, nil
		}
	}
}

func deadLetterCommands(app *innsyncInstance) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dead-letters",
		Short: "inspect and archive offline actions that will not be replayed",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "archive",
		Short: "upload every dead-lettered action to the configured S3 bucket",
		Run: func(cmd *cobra.Command, args []string) {
			ctx := context.Background()
			defer app.innsync.Close()

			archiver, err := archive.New(app.cnf.Archive)
			if err != nil {
				log.Fatal(err)
			}
			actions, err := collectDeadLetters(ctx, app.innsync)
			if err != nil {
				log.Fatalf("Error listing dead letters: %v", err)
			}
			location, err := archiver.Upload(ctx, actions)
			if err != nil {
				log.Fatalf("Error archiving dead letters: %v", err)
			}
			if location == "" {
				fmt.Println("No dead letters to archive")
				return
			}
			fmt.Printf("Archived %d actions to %s\n", len(actions), location)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "recover",
		Short: "replay actions stuck in pending or retrying",
		Run: func(cmd *cobra.Command, args []string) {
			defer app.innsync.Close()

			n, err := app.innsync.RecoverStuckActions(context.Background(), innsync.MinRecoveryThreshold)
			if err != nil {
				log.Fatalf("Error recovering actions: %v", err)
			}
			fmt.Printf("Recovered %d actions\n", n)
		},
	})

	return cmd
}
