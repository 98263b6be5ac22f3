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

package config

import (
	"encoding/json"
	"errors"
	"log"
	"os"
	"strings"
	"sync/atomic"

	"github.com/kelseyhightower/envconfig"

	"github.com/sirupsen/logrus"
)

const (
	DEFAULT_PORT            = "5004"
	DEFAULT_MONITORING_PORT = "5005"
)

var ConfigStore atomic.Value

type ServerConfig struct {
	SSL       bool   `json:"ssl" envconfig:"INNSYNC_SERVER_SSL"`
	Secure    bool   `json:"secure" envconfig:"INNSYNC_SERVER_SECURE"`
	SecretKey string `json:"secret_key" envconfig:"INNSYNC_SERVER_SECRET_KEY"`
	Domain    string `json:"domain" envconfig:"INNSYNC_SERVER_SSL_DOMAIN"`
	Email     string `json:"ssl_email" envconfig:"INNSYNC_SERVER_SSL_EMAIL"`
	Port      string `json:"port" envconfig:"INNSYNC_SERVER_PORT"`
}

type DataSourceConfig struct {
	Dns string `json:"dns" envconfig:"INNSYNC_DATA_SOURCE_DNS"`
}

type RedisConfig struct {
	Dns           string `json:"dns" envconfig:"INNSYNC_REDIS_DNS"`
	SkipTLSVerify bool   `json:"skip_tls_verify" envconfig:"INNSYNC_REDIS_SKIP_TLS_VERIFY"`
}

// QueueConfig names the asynq queues. Replay retries are spread over
// NumberOfQueues queues so that retries for one target row stay serial.
type QueueConfig struct {
	ReplayQueue    string `json:"replay_queue" envconfig:"INNSYNC_QUEUE_REPLAY"`
	WebhookQueue   string `json:"webhook_queue" envconfig:"INNSYNC_QUEUE_WEBHOOK"`
	NumberOfQueues int    `json:"number_of_queues" envconfig:"INNSYNC_QUEUE_NUMBER_OF_QUEUES"`
	MonitoringPort string `json:"monitoring_port" envconfig:"INNSYNC_QUEUE_MONITORING_PORT"`
}

// OfflineConfig controls how queued offline actions are replayed.
type OfflineConfig struct {
	MaxActionAgeHours      int `json:"max_action_age_hours" envconfig:"INNSYNC_OFFLINE_MAX_ACTION_AGE_HOURS"`
	DefaultMaxRetries      int `json:"default_max_retries" envconfig:"INNSYNC_OFFLINE_DEFAULT_MAX_RETRIES"`
	MaxBatchSize           int `json:"max_batch_size" envconfig:"INNSYNC_OFFLINE_MAX_BATCH_SIZE"`
	LockTimeoutSec         int `json:"lock_timeout_sec" envconfig:"INNSYNC_OFFLINE_LOCK_TIMEOUT_SEC"`
	LockWaitSec            int `json:"lock_wait_sec" envconfig:"INNSYNC_OFFLINE_LOCK_WAIT_SEC"`
	RecoveryIntervalSec    int `json:"recovery_interval_sec" envconfig:"INNSYNC_OFFLINE_RECOVERY_INTERVAL_SEC"`
	RecoveryThresholdSec   int `json:"recovery_threshold_sec" envconfig:"INNSYNC_OFFLINE_RECOVERY_THRESHOLD_SEC"`
	RecoveryMaxWorkers     int `json:"recovery_max_workers" envconfig:"INNSYNC_OFFLINE_RECOVERY_MAX_WORKERS"`
	AppliedCacheTTLMinutes int `json:"applied_cache_ttl_minutes" envconfig:"INNSYNC_OFFLINE_APPLIED_CACHE_TTL_MINUTES"`
}

type RateLimitConfig struct {
	RequestsPerSecond  *float64 `json:"requests_per_second" envconfig:"INNSYNC_RATE_LIMIT_RPS"`
	Burst              *int     `json:"burst" envconfig:"INNSYNC_RATE_LIMIT_BURST"`
	CleanupIntervalSec *int     `json:"cleanup_interval_sec" envconfig:"INNSYNC_RATE_LIMIT_CLEANUP_INTERVAL_SEC"`
}

type SlackWebhook struct {
	WebhookUrl string `json:"webhook_url" envconfig:"INNSYNC_SLACK_WEBHOOK_URL"`
}

type WebhookConfig struct {
	Url     string            `json:"url" envconfig:"INNSYNC_WEBHOOK_URL"`
	Headers map[string]string `json:"headers"`
}

type Notification struct {
	Slack   SlackWebhook  `json:"slack"`
	Webhook WebhookConfig `json:"webhook"`
}

type TelemetryConfig struct {
	OtlpEndpoint    string `json:"otlp_endpoint" envconfig:"INNSYNC_OTLP_ENDPOINT"`
	PostHogKey      string `json:"posthog_key" envconfig:"INNSYNC_POSTHOG_KEY"`
	PostHogEndpoint string `json:"posthog_endpoint" envconfig:"INNSYNC_POSTHOG_ENDPOINT"`
}

// ArchiveConfig points at the S3 bucket dead-lettered actions are exported to.
type ArchiveConfig struct {
	Bucket          string `json:"bucket" envconfig:"INNSYNC_ARCHIVE_BUCKET"`
	Prefix          string `json:"prefix" envconfig:"INNSYNC_ARCHIVE_PREFIX"`
	Region          string `json:"region" envconfig:"INNSYNC_ARCHIVE_REGION"`
	AccessKeyID     string `json:"access_key_id" envconfig:"INNSYNC_ARCHIVE_ACCESS_KEY_ID"`
	SecretAccessKey string `json:"secret_access_key" envconfig:"INNSYNC_ARCHIVE_SECRET_ACCESS_KEY"`
}

type Configuration struct {
	ProjectName     string           `json:"project_name" envconfig:"INNSYNC_PROJECT_NAME"`
	EnableTelemetry bool             `json:"enable_telemetry" envconfig:"INNSYNC_ENABLE_TELEMETRY"`
	Server          ServerConfig     `json:"server"`
	DataSource      DataSourceConfig `json:"data_source"`
	Redis           RedisConfig      `json:"redis"`
	Queue           QueueConfig      `json:"queue"`
	Offline         OfflineConfig    `json:"offline"`
	Notification    Notification     `json:"notification"`
	RateLimit       RateLimitConfig  `json:"rate_limit"`
	Telemetry       TelemetryConfig  `json:"telemetry"`
	Archive         ArchiveConfig    `json:"archive"`
}

func loadConfigFromFile(file string) error {
	var cnf Configuration
	_, err := os.Stat(file)
	if err == nil {
		f, err := os.Open(file)
		if err != nil {
			return err
		}
		defer f.Close()
		err = json.NewDecoder(f).Decode(&cnf)
		if err != nil {
			return err
		}

	} else if errors.Is(err, os.ErrNotExist) {
		log.Println("config json not passed, will use env variables")
	}

	// override config from environment variables
	err = envconfig.Process("innsync", &cnf)
	if err != nil {
		return err
	}

	err = cnf.validateAndAddDefaults()
	if err != nil {
		return err
	}

	ConfigStore.Store(&cnf)
	return err
}

func InitConfig(configFile string) error {
	logger()
	return loadConfigFromFile(configFile)
}

func Fetch() (*Configuration, error) {
	config := ConfigStore.Load()
	c, ok := config.(*Configuration)
	if !ok {
		return nil, errors.New("config not loaded from file. Create a json file called innsync.json with your config")
	}
	return c, nil
}

func (cnf *Configuration) validateAndAddDefaults() error {
	if cnf.ProjectName == "" {
		log.Println("Warning: Project name is empty. Setting a default name.")
		cnf.ProjectName = "Innsync Server"
	}

	if cnf.DataSource.Dns == "" {
		log.Println("Error: Data source DNS is empty. It's a required field.")
		return errors.New("data source DNS is required")
	}

	if cnf.Redis.Dns == "" {
		log.Println("Error: Redis DNS is empty. It's a required field.")
		return errors.New("redis DNS is required")
	}

	cnf.ProjectName = strings.TrimSpace(cnf.ProjectName)
	cnf.Server.Port = strings.TrimSpace(cnf.Server.Port)
	cnf.DataSource.Dns = strings.TrimSpace(cnf.DataSource.Dns)
	cnf.Redis.Dns = strings.TrimSpace(cnf.Redis.Dns)

	if cnf.Server.Port == "" {
		cnf.Server.Port = DEFAULT_PORT
		log.Printf("Warning: Port not specified in config. Setting default port: %s", DEFAULT_PORT)
	}

	cnf.Queue.setDefaults()
	cnf.Offline.setDefaults()

	// Rate limiting is disabled by default (when both RPS and Burst are nil)
	if cnf.RateLimit.RequestsPerSecond != nil && cnf.RateLimit.Burst == nil {
		defaultBurst := 2 * int(*cnf.RateLimit.RequestsPerSecond)
		cnf.RateLimit.Burst = &defaultBurst
		log.Printf("Warning: Rate limit burst not specified. Setting default value: %d", defaultBurst)
	}
	if cnf.RateLimit.RequestsPerSecond == nil && cnf.RateLimit.Burst != nil {
		defaultRPS := float64(*cnf.RateLimit.Burst) / 2
		cnf.RateLimit.RequestsPerSecond = &defaultRPS
		log.Printf("Warning: Rate limit RPS not specified. Setting default value: %.2f", defaultRPS)
	}
	if cnf.RateLimit.CleanupIntervalSec == nil {
		defaultCleanup := 10800 // 3 hours in seconds
		cnf.RateLimit.CleanupIntervalSec = &defaultCleanup
	}

	return nil
}

func (q *QueueConfig) setDefaults() {
	if q.ReplayQueue == "" {
		q.ReplayQueue = "replay_action"
	}
	if q.WebhookQueue == "" {
		q.WebhookQueue = "webhook_queue"
	}
	if q.NumberOfQueues <= 0 {
		q.NumberOfQueues = 4
	}
	if q.MonitoringPort == "" {
		q.MonitoringPort = DEFAULT_MONITORING_PORT
	}
}

func (o *OfflineConfig) setDefaults() {
	if o.MaxActionAgeHours <= 0 {
		o.MaxActionAgeHours = 24
	}
	if o.DefaultMaxRetries <= 0 {
		o.DefaultMaxRetries = 3
	}
	if o.MaxBatchSize <= 0 {
		o.MaxBatchSize = 500
	}
	if o.LockTimeoutSec <= 0 {
		o.LockTimeoutSec = 30
	}
	if o.LockWaitSec <= 0 {
		o.LockWaitSec = 5
	}
	if o.RecoveryIntervalSec <= 0 {
		o.RecoveryIntervalSec = 30
	}
	if o.RecoveryThresholdSec <= 0 {
		o.RecoveryThresholdSec = 900
	}
	if o.RecoveryMaxWorkers <= 0 {
		o.RecoveryMaxWorkers = 10
	}
	if o.AppliedCacheTTLMinutes <= 0 {
		o.AppliedCacheTTLMinutes = 24 * 60
	}
}

// WithDefaults returns a copy of q with every unset field defaulted.
func (q QueueConfig) WithDefaults() QueueConfig {
	q.setDefaults()
	return q
}

// WithDefaults returns a copy of o with every unset field defaulted.
func (o OfflineConfig) WithDefaults() OfflineConfig {
	o.setDefaults()
	return o
}

// MockConfig sets a mock configuration for testing purposes.
func MockConfig(mockConfig *Configuration) {
	ConfigStore.Store(mockConfig)
}

func logger() {
	logger := logrus.New()
	log.SetOutput(logger.Writer())
}
