package main

import (
	"encoding/json"
	"fmt"
	"log"

	"github.com/innsync/innsync/config"
	"github.com/spf13/cobra"
)

const redacted = "********"

// redactConfig returns a copy of cnf safe to print.
func redactConfig(cnf config.Configuration) config.Configuration {
	if cnf.Server.SecretKey != "" {
		cnf.Server.SecretKey = redacted
	}
	if cnf.Archive.SecretAccessKey != "" {
		cnf.Archive.SecretAccessKey = redacted
	}
	if cnf.Telemetry.PostHogKey != "" {
		cnf.Telemetry.PostHogKey = redacted
	}
	if len(cnf.Notification.Webhook.Headers) > 0 {
		headers := make(map[string]string, len(cnf.Notification.Webhook.Headers))
		for k := range cnf.Notification.Webhook.Headers {
			headers[k] = redacted
		}
		cnf.Notification.Webhook.Headers = headers
	}
	return cnf
}

func configCommands(app *innsyncInstance) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "print the computed configuration with secrets redacted",
		Run: func(cmd *cobra.Command, args []string) {
			data, err := json.MarshalIndent(redactConfig(*app.cnf), "", "    ")
			if err != nil {
				log.Fatalf("Error printing config: %v\n", err)
			}

			fmt.Println(string(data))
		},
	}
	return cmd
}
