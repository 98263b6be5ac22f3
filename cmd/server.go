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
	"os"
	"time"

	"github.com/caddyserver/certmagic"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/innsync/innsync"
	"github.com/innsync/innsync/api"
	"github.com/innsync/innsync/config"
	trace "github.com/innsync/innsync/internal/traces"
	"github.com/posthog/posthog-go"
	"github.com/spf13/cobra"
)

const heartbeatInterval = 5 * time.Minute

/*
serveTLS starts an HTTPS server whose certificates are obtained and renewed by
CertMagic. Without a configured domain the certificate is issued for localhost.
*/
func serveTLS(r *gin.Engine, conf config.ServerConfig) error {
	certmagic.DefaultACME.Agreed = true
	certmagic.DefaultACME.Email = conf.Email
	cfg := certmagic.NewDefault()
	cfg.Storage = &certmagic.FileStorage{Path: "certmagic"}

	domains := []string{conf.Domain}
	if conf.Domain == "" {
		log.Println("No domain specified, defaulting to localhost")
		domains = []string{"localhost"}
	}

	if err := cfg.ManageSync(context.Background(), domains); err != nil {
		return err
	}

	server := &http.Server{
		Addr:      ":" + conf.Port,
		Handler:   r,
		TLSConfig: cfg.TLSConfig(),
	}

	log.Printf("Starting HTTPS server on %s\n", conf.Port)
	if err := server.ListenAndServeTLS("", ""); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start HTTPS server: %w", err)
	}
	return nil
}

// sendHeartbeat reports that this server is alive every heartbeatInterval.
func sendHeartbeat(client posthog.Client, heartbeatID, projectName string) {
	ticker := time.NewTicker(heartbeatInterval)
	go func() {
		for range ticker.C {
			if err := client.Enqueue(posthog.Capture{
				DistinctId: heartbeatID,
				Event:      "server_heartbeat",
				Properties: map[string]interface{}{
					"project":   projectName,
					"timestamp": time.Now().UTC(),
				},
			}); err != nil {
				log.Printf("Failed to send heartbeat: %v", err)
			}
		}
	}()
}

func initializePostHog(cfg *config.Configuration) (posthog.Client, error) {
	if cfg.Telemetry.PostHogKey == "" {
		return nil, nil
	}
	client, err := posthog.NewWithConfig(cfg.Telemetry.PostHogKey, posthog.Config{Endpoint: cfg.Telemetry.PostHogEndpoint})
	if err != nil {
		return nil, fmt.Errorf("error creating posthog client: %v", err)
	}
	sendHeartbeat(client, uuid.New().String(), cfg.ProjectName)
	return client, nil
}

// initializeObservability sets up tracing, OpenTelemetry logs and the usage
// heartbeat. Everything is skipped unless telemetry is enabled.
func initializeObservability(ctx context.Context, cfg *config.Configuration, serviceName string) (posthog.Client, func(context.Context) error, error) {
	noop := func(context.Context) error { return nil }
	if !cfg.EnableTelemetry {
		return nil, noop, nil
	}

	shutdownTraces, err := trace.SetupOTelSDK(ctx, serviceName, cfg.Telemetry.OtlpEndpoint)
	if err != nil {
		return nil, noop, fmt.Errorf("error setting up OTel SDK: %v", err)
	}

	shutdownLogs, err := trace.SetupOTelLogs(serviceName, os.Stdout)
	if err != nil {
		_ = shutdownTraces(ctx)
		return nil, noop, fmt.Errorf("error setting up OTel logs: %v", err)
	}

	phClient, err := initializePostHog(cfg)
	if err != nil {
		log.Printf("PostHog initialization error: %v", err)
	}

	shutdown := func(ctx context.Context) error {
		if err := shutdownLogs(ctx); err != nil {
			return err
		}
		return shutdownTraces(ctx)
	}
	return phClient, shutdown, nil
}

func startServer(router *gin.Engine, cfg config.ServerConfig) error {
	if cfg.SSL {
		return serveTLS(router, cfg)
	}
	log.Printf("Starting server on http://localhost:%s", cfg.Port)
	return router.Run(":" + cfg.Port)
}

/*
serverCommands returns the "start" command. It serves the sync API and runs
the recovery processor that re-drives actions stuck in pending or retrying.
*/
func serverCommands(app *innsyncInstance) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start",
		Short: "start innsync server",
		Run: func(cmd *cobra.Command, args []string) {
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			defer app.innsync.Close()

			phClient, shutdown, err := initializeObservability(ctx, app.cnf, app.cnf.ProjectName)
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

			recovery := innsync.NewOfflineActionRecoveryProcessor(app.innsync)
			recovery.Start(ctx)
			defer recovery.Stop()

			router := api.NewAPI(app.innsync).Router()
			if err := startServer(router, app.cnf.Server); err != nil {
				log.Fatal(err)
			}
		},
	}

	return cmd
}
