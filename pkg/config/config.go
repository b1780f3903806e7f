package config

import (
	"fmt"
	"os"
	"regexp"
	"strconv"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is prepended to every recognized environment variable.
const EnvPrefix = "MATRX_"

var bucketNameRe = regexp.MustCompile(`^[a-z0-9][a-z0-9.-]{1,61}[a-z0-9]$`)

// Settings holds the full orchestrator configuration. Values are loaded
// from MATRX_-prefixed environment variables, optionally overlaid by a
// YAML config file.
type Settings struct {
	// API
	Host         string `yaml:"host"`
	Port         int    `yaml:"port"`
	Debug        bool   `yaml:"debug"`
	LogLevel     string `yaml:"log_level"`
	LogFormat    string `yaml:"log_format"`
	APIKey       string `yaml:"api_key"`
	APIKeyHeader string `yaml:"api_key_header"`

	// Docker
	SandboxImage         string  `yaml:"sandbox_image"`
	DockerNetwork        string  `yaml:"docker_network"`
	ContainerCPULimit    float64 `yaml:"container_cpu_limit"`
	ContainerMemoryLimit string  `yaml:"container_memory_limit"`
	ContainerDiskLimit   string  `yaml:"container_disk_limit"`

	// AWS / S3
	S3Bucket string `yaml:"s3_bucket"`
	S3Region string `yaml:"s3_region"`

	// Sandbox defaults
	MaxSessionDurationSeconds  int `yaml:"max_session_duration_seconds"`
	ShutdownTimeoutSeconds     int `yaml:"shutdown_timeout_seconds"`
	HealthcheckIntervalSeconds int `yaml:"healthcheck_interval_seconds"`
	MaxCommandLength           int `yaml:"max_command_length"`
	CommandTimeoutSeconds      int `yaml:"command_timeout_seconds"`

	// Store
	SandboxStore string `yaml:"sandbox_store"`
	DatabaseURL  string `yaml:"database_url"`
}

// Defaults returns a Settings populated with the documented defaults.
func Defaults() Settings {
	return Settings{
		Host:                       "0.0.0.0",
		Port:                       8000,
		LogLevel:                   "INFO",
		LogFormat:                  "json",
		APIKeyHeader:               "X-API-Key",
		SandboxImage:               "matrx-sandbox:latest",
		DockerNetwork:              "bridge",
		ContainerCPULimit:          2.0,
		ContainerMemoryLimit:       "4g",
		ContainerDiskLimit:         "20g",
		S3Region:                   "us-east-1",
		MaxSessionDurationSeconds:  7200,
		ShutdownTimeoutSeconds:     30,
		HealthcheckIntervalSeconds: 30,
		MaxCommandLength:           10000,
		CommandTimeoutSeconds:      30,
		SandboxStore:               "memory",
	}
}

// Load builds Settings from the environment on top of defaults.
func Load() (Settings, error) {
	s := Defaults()
	if err := s.fromEnv(); err != nil {
		return s, err
	}
	if err := s.Validate(); err != nil {
		return s, err
	}
	return s, nil
}

// LoadFile reads a YAML config file, then applies environment overrides
// on top of it. Environment always wins.
func LoadFile(path string) (Settings, error) {
	s := Defaults()
	data, err := os.ReadFile(path)
	if err != nil {
		return s, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &s); err != nil {
		return s, fmt.Errorf("failed to parse config file: %w", err)
	}
	if err := s.fromEnv(); err != nil {
		return s, err
	}
	if err := s.Validate(); err != nil {
		return s, err
	}
	return s, nil
}

func (s *Settings) fromEnv() error {
	var err error
	getStr(&s.Host, "HOST")
	if e := getInt(&s.Port, "PORT"); e != nil {
		err = e
	}
	if e := getBool(&s.Debug, "DEBUG"); e != nil {
		err = e
	}
	getStr(&s.LogLevel, "LOG_LEVEL")
	getStr(&s.LogFormat, "LOG_FORMAT")
	getStr(&s.APIKey, "API_KEY")
	getStr(&s.APIKeyHeader, "API_KEY_HEADER")
	getStr(&s.SandboxImage, "SANDBOX_IMAGE")
	getStr(&s.DockerNetwork, "DOCKER_NETWORK")
	if e := getFloat(&s.ContainerCPULimit, "CONTAINER_CPU_LIMIT"); e != nil {
		err = e
	}
	getStr(&s.ContainerMemoryLimit, "CONTAINER_MEMORY_LIMIT")
	getStr(&s.ContainerDiskLimit, "CONTAINER_DISK_LIMIT")
	getStr(&s.S3Bucket, "S3_BUCKET")
	getStr(&s.S3Region, "S3_REGION")
	if e := getInt(&s.MaxSessionDurationSeconds, "MAX_SESSION_DURATION_SECONDS"); e != nil {
		err = e
	}
	if e := getInt(&s.ShutdownTimeoutSeconds, "SHUTDOWN_TIMEOUT_SECONDS"); e != nil {
		err = e
	}
	if e := getInt(&s.HealthcheckIntervalSeconds, "HEALTHCHECK_INTERVAL_SECONDS"); e != nil {
		err = e
	}
	if e := getInt(&s.MaxCommandLength, "MAX_COMMAND_LENGTH"); e != nil {
		err = e
	}
	if e := getInt(&s.CommandTimeoutSeconds, "COMMAND_TIMEOUT_SECONDS"); e != nil {
		err = e
	}
	getStr(&s.SandboxStore, "SANDBOX_STORE")
	getStr(&s.DatabaseURL, "DATABASE_URL")
	return err
}

// Validate checks value constraints. Called by Load; exported so tests
// and the migrate tool can validate hand-built settings.
func (s Settings) Validate() error {
	err := validation.ValidateStruct(&s,
		validation.Field(&s.Port, validation.Required, validation.Min(1), validation.Max(65535)),
		validation.Field(&s.LogLevel, validation.In("DEBUG", "INFO", "WARNING", "ERROR", "CRITICAL")),
		validation.Field(&s.LogFormat, validation.In("json", "text")),
		validation.Field(&s.SandboxStore, validation.In("memory", "postgres")),
		validation.Field(&s.ContainerCPULimit, validation.Min(0.1)),
		validation.Field(&s.MaxCommandLength, validation.Min(1)),
		validation.Field(&s.ShutdownTimeoutSeconds, validation.Min(1)),
	)
	if err != nil {
		return err
	}
	if s.S3Bucket != "" && !bucketNameRe.MatchString(s.S3Bucket) {
		return fmt.Errorf("invalid S3 bucket name %q: must be 3-63 lowercase alphanumeric, dot or dash characters", s.S3Bucket)
	}
	if s.SandboxStore == "postgres" && s.DatabaseURL == "" {
		return fmt.Errorf("%sDATABASE_URL must be set when %sSANDBOX_STORE=postgres", EnvPrefix, EnvPrefix)
	}
	return nil
}

// Addr returns the host:port the API server binds to.
func (s Settings) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

func getStr(dst *string, key string) {
	if v, ok := os.LookupEnv(EnvPrefix + key); ok {
		*dst = v
	}
}

func getInt(dst *int, key string) error {
	v, ok := os.LookupEnv(EnvPrefix + key)
	if !ok {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("invalid %s%s: %w", EnvPrefix, key, err)
	}
	*dst = n
	return nil
}

func getFloat(dst *float64, key string) error {
	v, ok := os.LookupEnv(EnvPrefix + key)
	if !ok {
		return nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fmt.Errorf("invalid %s%s: %w", EnvPrefix, key, err)
	}
	*dst = f
	return nil
}

func getBool(dst *bool, key string) error {
	v, ok := os.LookupEnv(EnvPrefix + key)
	if !ok {
		return nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fmt.Errorf("invalid %s%s: %w", EnvPrefix, key, err)
	}
	*dst = b
	return nil
}
