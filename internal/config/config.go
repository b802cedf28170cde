// Package config provides centralized configuration for URLGuard.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Publish backends.
const (
	BackendKafka = "kafka"
	BackendRedis = "redis"
	BackendNone  = "none"
)

// Config holds the service configuration. Every field can be set in the
// YAML file and overridden by the environment variable named in EnvVarsDoc.
type Config struct {
	// Model artifact
	ModelS3Bucket  string `yaml:"model_s3_bucket"`
	ModelS3Key     string `yaml:"model_s3_key"`
	LocalModelDir  string `yaml:"local_model_dir"`
	ModelPath      string `yaml:"model_path"`
	ModelExtension string `yaml:"model_extension"`

	// ONNX Runtime
	ONNXLibraryPath       string        `yaml:"onnx_library_path"`
	ONNXThreads           int           `yaml:"onnx_threads"`
	ONNXSessions          int           `yaml:"onnx_sessions"`
	ONNXInputName         string        `yaml:"onnx_input_name"`
	ONNXLabelOutput       string        `yaml:"onnx_label_output"`
	ONNXProbabilityOutput string        `yaml:"onnx_probability_output"`
	ONNXAcquireTimeout    time.Duration `yaml:"onnx_acquire_timeout"`

	// Publishing
	PublishBackend  string `yaml:"publish_backend"`
	KafkaBroker     string `yaml:"kafka_broker"`
	PredictionTopic string `yaml:"prediction_topic"`
	RedisAddr       string `yaml:"redis_addr"`
	RedisStream     string `yaml:"redis_stream"`
	ConsumerGroup   string `yaml:"consumer_group"`
	ConsumerName    string `yaml:"consumer_name"`
	PublishBuffer   int    `yaml:"publish_buffer"`

	// Serving
	HTTPAddr       string  `yaml:"http_addr"`
	GRPCHealthAddr string  `yaml:"grpc_health_addr"`
	RateLimitRPS   float64 `yaml:"rate_limit_rps"`
	RateLimitBurst int     `yaml:"rate_limit_burst"`

	// Background jobs and storage
	IntegrityCheckSchedule string `yaml:"integrity_check_schedule"`
	HistoryDBPath          string `yaml:"history_db_path"`

	// Logging
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	// Profiling; both empty by default
	PprofAddr  string `yaml:"pprof_addr"`
	ProfileDir string `yaml:"profile_dir"`
}

// Default returns the configuration used when neither file nor environment
// set a value.
func Default() *Config {
	return &Config{
		ModelS3Bucket:          "malicious-url-project",
		ModelS3Key:             "url-model-xgboost/output/sagemaker-xgboost-2025-08-09-22-58-52-766/output/model.tar.gz",
		LocalModelDir:          "/tmp/modeldir",
		ModelExtension:         ".onnx",
		ONNXLibraryPath:        findONNXLibrary(),
		ONNXThreads:            1,
		ONNXSessions:           4,
		ONNXInputName:          "input",
		ONNXLabelOutput:        "label",
		ONNXProbabilityOutput:  "probabilities",
		ONNXAcquireTimeout:     2 * time.Second,
		PublishBackend:         BackendKafka,
		KafkaBroker:            "localhost:9092",
		PredictionTopic:        "url_predictions",
		RedisAddr:              "localhost:6379",
		RedisStream:            "url_predictions",
		ConsumerGroup:          "url-prediction-group",
		PublishBuffer:          1024,
		HTTPAddr:               ":8000",
		RateLimitRPS:           0,
		RateLimitBurst:         50,
		IntegrityCheckSchedule: "@every 10m",
		HistoryDBPath:          "./urlguard-history.db",
		LogLevel:               "info",
		LogFormat:              "text",
	}
}

// Load reads .env (if present), then the YAML file named by URLGUARD_CONFIG
// (default "urlguard.yaml", optional), then applies environment overrides.
func Load() (*Config, error) {
	_ = godotenv.Load()

	path := getEnvOrDefault("URLGUARD_CONFIG", "urlguard.yaml")
	cfg, err := LoadFile(path)
	if err != nil {
		return nil, err
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile returns Default overlaid with the YAML file at path. A missing
// file is not an error.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	envOverride(&c.ModelS3Bucket, "MODEL_S3_BUCKET")
	envOverride(&c.ModelS3Key, "MODEL_S3_KEY")
	envOverride(&c.LocalModelDir, "LOCAL_MODEL_DIR")
	envOverride(&c.ModelPath, "MODEL_PATH")
	envOverride(&c.ModelExtension, "MODEL_EXTENSION")
	envOverride(&c.ONNXLibraryPath, "URLGUARD_ONNX_LIBRARY_PATH")
	envOverride(&c.ONNXInputName, "ONNX_INPUT_NAME")
	envOverrideAllowEmpty(&c.ONNXLabelOutput, "ONNX_LABEL_OUTPUT")
	envOverride(&c.ONNXProbabilityOutput, "ONNX_PROBABILITY_OUTPUT")
	envOverride(&c.PublishBackend, "PUBLISH_BACKEND")
	envOverride(&c.KafkaBroker, "KAFKA_BROKER")
	envOverride(&c.PredictionTopic, "PREDICTION_TOPIC")
	envOverride(&c.RedisAddr, "REDIS_ADDR")
	envOverride(&c.RedisStream, "REDIS_STREAM")
	envOverride(&c.ConsumerGroup, "CONSUMER_GROUP")
	envOverride(&c.ConsumerName, "CONSUMER_NAME")
	envOverride(&c.HTTPAddr, "HTTP_ADDR")
	envOverrideAllowEmpty(&c.GRPCHealthAddr, "GRPC_HEALTH_ADDR")
	envOverrideAllowEmpty(&c.IntegrityCheckSchedule, "INTEGRITY_CHECK_SCHEDULE")
	envOverride(&c.HistoryDBPath, "HISTORY_DB_PATH")
	envOverride(&c.LogLevel, "LOG_LEVEL")
	envOverride(&c.LogFormat, "LOG_FORMAT")
	envOverrideAllowEmpty(&c.PprofAddr, "PPROF_ADDR")
	envOverrideAllowEmpty(&c.ProfileDir, "PROFILE_DIR")

	return errors.Join(
		envOverrideInt(&c.ONNXThreads, "ONNX_THREADS"),
		envOverrideInt(&c.ONNXSessions, "ONNX_SESSIONS"),
		envOverrideDuration(&c.ONNXAcquireTimeout, "ONNX_ACQUIRE_TIMEOUT"),
		envOverrideInt(&c.PublishBuffer, "PUBLISH_BUFFER"),
		envOverrideFloat(&c.RateLimitRPS, "RATE_LIMIT_RPS"),
		envOverrideInt(&c.RateLimitBurst, "RATE_LIMIT_BURST"),
	)
}

// Validate rejects configurations the service cannot start with.
func (c *Config) Validate() error {
	var errs []error

	switch c.PublishBackend {
	case BackendKafka, BackendRedis, BackendNone:
	default:
		errs = append(errs, fmt.Errorf("publish_backend must be %q, %q or %q, got %q",
			BackendKafka, BackendRedis, BackendNone, c.PublishBackend))
	}
	if c.ModelPath == "" && (c.ModelS3Bucket == "" || c.ModelS3Key == "") {
		errs = append(errs, errors.New("either model_path or both model_s3_bucket and model_s3_key are required"))
	}
	if !strings.HasPrefix(c.ModelExtension, ".") {
		errs = append(errs, fmt.Errorf("model_extension must start with '.', got %q", c.ModelExtension))
	}
	if c.ONNXLabelOutput == "" && c.ONNXProbabilityOutput == "" {
		errs = append(errs, errors.New("one of onnx_label_output and onnx_probability_output is required"))
	}
	if c.ONNXSessions < 1 {
		errs = append(errs, fmt.Errorf("invalid onnx_sessions '%d': must be >= 1", c.ONNXSessions))
	}
	if c.RateLimitRPS < 0 {
		errs = append(errs, fmt.Errorf("invalid rate_limit_rps '%v': must be >= 0", c.RateLimitRPS))
	}
	if c.RateLimitRPS > 0 && c.RateLimitBurst < 1 {
		errs = append(errs, fmt.Errorf("invalid rate_limit_burst '%d': must be >= 1", c.RateLimitBurst))
	}
	if c.PublishBuffer < 1 {
		errs = append(errs, fmt.Errorf("invalid publish_buffer '%d': must be >= 1", c.PublishBuffer))
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		errs = append(errs, fmt.Errorf("log_format must be 'text' or 'json', got %q", c.LogFormat))
	}

	return errors.Join(errs...)
}

// ArtifactPath is where the downloaded model tarball is stored.
func (c *Config) ArtifactPath() string {
	return filepath.Join(c.LocalModelDir, "model.tar.gz")
}

// getEnvOrDefault returns the environment variable value or the default.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func envOverride(field *string, envKey string) {
	if val := os.Getenv(envKey); val != "" {
		*field = val
	}
}

func envOverrideAllowEmpty(field *string, envKey string) {
	if val, ok := os.LookupEnv(envKey); ok {
		*field = val
	}
}

func envOverrideInt(field *int, envKey string) error {
	if val := os.Getenv(envKey); val != "" {
		parsed, err := strconv.Atoi(val)
		if err != nil {
			return fmt.Errorf("invalid %s '%s': %w", envKey, val, err)
		}
		*field = parsed
	}
	return nil
}

func envOverrideFloat(field *float64, envKey string) error {
	if val := os.Getenv(envKey); val != "" {
		parsed, err := strconv.ParseFloat(val, 64)
		if err != nil {
			return fmt.Errorf("invalid %s '%s': %w", envKey, val, err)
		}
		*field = parsed
	}
	return nil
}

func envOverrideDuration(field *time.Duration, envKey string) error {
	if val := os.Getenv(envKey); val != "" {
		parsed, err := time.ParseDuration(val)
		if err != nil {
			return fmt.Errorf("invalid %s '%s': %w", envKey, val, err)
		}
		*field = parsed
	}
	return nil
}

// findONNXLibrary searches for the ONNX Runtime library in common locations.
func findONNXLibrary() string {
	searchPaths := []string{
		"/usr/local/lib/libonnxruntime.so",
		"/usr/local/lib64/libonnxruntime.so",
		"/usr/lib/libonnxruntime.so",
		"/usr/lib64/libonnxruntime.so",
		"/usr/lib/x86_64-linux-gnu/libonnxruntime.so",
		"/usr/lib/aarch64-linux-gnu/libonnxruntime.so",
		"/opt/homebrew/lib/libonnxruntime.dylib",
	}

	for _, path := range searchPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}

	// Left to the runtime's own search path.
	return ""
}

// EnvVarsDoc documents the environment variables read by Load.
const EnvVarsDoc = `
URLGuard Environment Variables:

  URLGUARD_CONFIG             YAML config file (optional)
                              Default: urlguard.yaml

  MODEL_S3_BUCKET             Bucket holding the model artifact
                              Default: malicious-url-project
  MODEL_S3_KEY                Key of the model.tar.gz artifact
  LOCAL_MODEL_DIR             Download and extraction directory
                              Default: /tmp/modeldir
  MODEL_PATH                  Use this model file and skip S3
  MODEL_EXTENSION             Model file extension searched in the artifact
                              Default: .onnx

  URLGUARD_ONNX_LIBRARY_PATH  ONNX Runtime shared library (auto-detected)
  ONNX_THREADS                Intra-op threads per session (default 1)
  ONNX_SESSIONS               Concurrent inference sessions (default 4)
  ONNX_INPUT_NAME             Model input name (default input)
  ONNX_LABEL_OUTPUT           int64 class output; empty to use probabilities
                              Default: label
  ONNX_PROBABILITY_OUTPUT     float32 probability output (default probabilities)
  ONNX_ACQUIRE_TIMEOUT        Wait for a free session before failing (default 2s)

  PUBLISH_BACKEND             kafka, redis or none (default kafka)
  KAFKA_BROKER                Default: localhost:9092
  PREDICTION_TOPIC            Default: url_predictions
  REDIS_ADDR                  Default: localhost:6379
  REDIS_STREAM                Default: url_predictions
  CONSUMER_GROUP              Default: url-prediction-group
  CONSUMER_NAME               Redis consumer name; keep stable across restarts
                              Default: hostname
  PUBLISH_BUFFER              Pending publishes before dropping (default 1024)

  HTTP_ADDR                   Default: :8000
  GRPC_HEALTH_ADDR            gRPC health listener; empty disables
  RATE_LIMIT_RPS              Requests per second; 0 disables
  RATE_LIMIT_BURST            Default: 50

  INTEGRITY_CHECK_SCHEDULE    Cron spec for model re-hashing; empty disables
                              Default: @every 10m
  HISTORY_DB_PATH             Consumer SQLite database
                              Default: ./urlguard-history.db

  LOG_LEVEL                   debug, info, warn or error (default info)
  LOG_FORMAT                  text or json (default text)

  PPROF_ADDR                  pprof listener, e.g. localhost:6060; empty disables
  PROFILE_DIR                 Write CPU and heap profiles here on shutdown
`
