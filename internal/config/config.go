// Package config defines the configuration of the carbon intensity ETL job.
// Configuration is loaded once per process and is immutable thereafter.
//
// Values are resolved via a priority chain:
//
//	OS Environment (Highest) -> Dotenv File -> AWS SSM Parameter Store (Lowest)
//
// Database credentials can alternatively come from a YAML connection file
// (DB_CONN_FILE), read once per connection attempt through a
// ConnectionProvider.
package config

import (
	"time"

	"carbonetl/internal/types"
)

// SecretString is an alias for types.SecretString.
type SecretString = types.SecretString

// Config is the top-level configuration struct. Components receive only the
// sub-struct they need.
type Config struct {
	Environment string `envconfig:"APP_ENV" default:"local" validate:"required,oneof=local dev staging prod"`
	Service     string `envconfig:"SERVICE_NAME" default:"carbon-intensity-etl"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info" validate:"oneof=debug info warn error"`

	Source   SourceConfig
	Database DatabaseConfig
	CSV      CSVConfig
	Pipeline PipelineConfig
	Server   ServerConfig
	AWS      AWSConfig

	// Injected via ldflags, not Env
	Build BuildInfo
}

// SourceConfig describes the upstream carbon intensity API.
type SourceConfig struct {
	BaseURL    string        `envconfig:"API_BASE_URL" default:"https://api.carbonintensity.org.uk/regional/intensity" validate:"required,url"`
	Timeout    time.Duration `envconfig:"HTTP_TIMEOUT" default:"30s" validate:"gt=0"`
	UserAgent  string        `envconfig:"HTTP_USER_AGENT" default:"Mozilla/5.0"`
	MaxRetries int           `envconfig:"HTTP_MAX_RETRIES" default:"0" validate:"min=0,max=5"`
}

// DatabaseConfig holds the PostgreSQL connection settings. When ConnFile is
// set, the host/user/database/password/port keys are read from that YAML
// file instead of the DB_* variables.
type DatabaseConfig struct {
	Enabled        bool          `envconfig:"DB_ENABLED" default:"true"`
	ConnFile       string        `envconfig:"DB_CONN_FILE"`
	Host           string        `envconfig:"DB_HOST" default:"localhost"`
	User           string        `envconfig:"DB_USER"`
	Name           string        `envconfig:"DB_NAME"`
	Password       SecretString  `envconfig:"DB_PASSWORD"`
	Port           int           `envconfig:"DB_PORT" default:"5432" validate:"min=1,max=65535"`
	ConnectTimeout time.Duration `envconfig:"DB_CONNECT_TIMEOUT" default:"10s"`
}

// CSVConfig controls the CSV loader.
type CSVConfig struct {
	Enabled bool   `envconfig:"CSV_ENABLED" default:"true"`
	Dir     string `envconfig:"CSV_DIR" default:"."`
	Stem    string `envconfig:"CSV_STEM" default:"carbon_intensity_data" validate:"required"`
	Gzip    bool   `envconfig:"CSV_GZIP" default:"false"`
}

// PipelineConfig holds task orchestration settings. The retry defaults match
// the daily DAG: one retry after five minutes.
type PipelineConfig struct {
	TaskRetries    int           `envconfig:"TASK_RETRIES" default:"1" validate:"min=0,max=10"`
	TaskRetryDelay time.Duration `envconfig:"TASK_RETRY_DELAY" default:"5m"`
	RunTimeout     time.Duration `envconfig:"RUN_TIMEOUT" default:"30m" validate:"gt=0"`
	HandoffDir     string        `envconfig:"HANDOFF_DIR" default:"var/handoff"`
	Schedule       string        `envconfig:"SCHEDULE" default:"@daily" validate:"required"`
}

// ServerConfig holds the HTTP trigger API settings.
type ServerConfig struct {
	Addr string `envconfig:"HTTP_ADDR" default:":8080"`
}

// AWSConfig holds optional AWS integrations: CloudWatch metrics and the
// run-completed SQS queue.
type AWSConfig struct {
	Region            string `envconfig:"AWS_REGION" default:"eu-west-2"`
	EndpointURL       string `envconfig:"AWS_ENDPOINT_URL"`
	MetricsEnabled    bool   `envconfig:"METRICS_ENABLED" default:"false"`
	MetricNamespace   string `envconfig:"METRIC_NAMESPACE" default:"CarbonETL"`
	RunEventsQueueURL string `envconfig:"RUN_EVENTS_QUEUE_URL" validate:"omitempty,url"`
}

// BuildInfo holds build-time metadata injected via ldflags.
type BuildInfo struct {
	Version   string
	Commit    string
	BuildTime string
}

// ConfigErrorType categorizes configuration loading failures.
type ConfigErrorType string

const (
	// ErrSSMResolution indicates a failure when fetching secrets from AWS SSM.
	ErrSSMResolution ConfigErrorType = "SSM_FAILURE"
	// ErrValidation indicates the configuration failed validation rules.
	ErrValidation ConfigErrorType = "VALIDATION_FAILED"
	// ErrParsing indicates an environment value could not be parsed.
	ErrParsing ConfigErrorType = "PARSING_FAILED"
	// ErrConnFile indicates the connection file could not be read or decoded.
	ErrConnFile ConfigErrorType = "CONN_FILE_FAILURE"
)
