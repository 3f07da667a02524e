package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

const (
	envPrefix     = "TRANSCRIBEGATE_"
	configPathEnv = envPrefix + "CONFIG"
)

type Config struct {
	ListenAddr  string   `yaml:"listen_addr" validate:"required"`
	APIKeys     []string `yaml:"api_keys"`
	CORSOrigins []string `yaml:"cors_origins"`
	LogLevel    string   `yaml:"log_level" validate:"oneof=debug info warn warning error"`
	LogFormat   string   `yaml:"log_format" validate:"oneof=json text"`

	InputDir  string `yaml:"input_dir" validate:"required_if=BlobBackend fs"`
	OutputDir string `yaml:"output_dir" validate:"required_if=DocumentBackend fs"`

	DocumentBackend string `yaml:"document_backend" validate:"oneof=sqlite fs postgres redis"`
	DBPath          string `yaml:"db_path" validate:"required_if=DocumentBackend sqlite"`
	DatabaseURL     string `yaml:"database_url" validate:"required_if=DocumentBackend postgres"`
	RedisAddr       string `yaml:"redis_addr" validate:"required_if=DocumentBackend redis"`
	RedisPassword   string `yaml:"redis_password"`
	RedisDB         int    `yaml:"redis_db" validate:"gte=0"`
	RedisPrefix     string `yaml:"redis_prefix" validate:"required_if=DocumentBackend redis"`

	BlobBackend string `yaml:"blob_backend" validate:"oneof=fs s3"`
	S3Endpoint  string `yaml:"s3_endpoint" validate:"required_if=BlobBackend s3"`
	S3Bucket    string `yaml:"s3_bucket" validate:"required_if=BlobBackend s3"`
	S3AccessKey string `yaml:"s3_access_key" validate:"required_if=BlobBackend s3"`
	S3SecretKey string `yaml:"s3_secret_key" validate:"required_if=BlobBackend s3"`
	S3UseSSL    bool   `yaml:"s3_use_ssl"`

	Engine       string `yaml:"engine" validate:"oneof=whisper-cli http"`
	WhisperPath  string `yaml:"whisper_path" validate:"required_if=Engine whisper-cli"`
	FFmpegPath   string `yaml:"ffmpeg_path" validate:"required_if=Engine whisper-cli"`
	ModelPath    string `yaml:"model_path" validate:"required_if=Engine whisper-cli"`
	Language     string `yaml:"language"`
	BeamSize     int    `yaml:"beam_size" validate:"gte=0"`
	EngineURL    string `yaml:"engine_url" validate:"required_if=Engine http"`
	EngineAPIKey string `yaml:"engine_api_key"`
	EngineModel  string `yaml:"engine_model"`

	Concurrency    int           `yaml:"concurrency" validate:"gte=1"`
	QueueSize      int           `yaml:"queue_size" validate:"gte=0"`
	JobTimeout     time.Duration `yaml:"job_timeout" validate:"gt=0"`
	StaleAfter     time.Duration `yaml:"stale_after" validate:"gtfield=JobTimeout"`
	ReapInterval   time.Duration `yaml:"reap_interval" validate:"gt=0"`
	MaxUploadBytes int64         `yaml:"max_upload_bytes" validate:"gt=0"`
	RateLimitRPS   int           `yaml:"rate_limit_rps" validate:"gte=0"`

	AMQPURL        string `yaml:"amqp_url"`
	AMQPExchange   string `yaml:"amqp_exchange" validate:"required_with=AMQPURL"`
	AMQPRoutingKey string `yaml:"amqp_routing_key" validate:"required_with=AMQPURL"`
}

func defaults() *Config {
	return &Config{
		ListenAddr:      ":8000",
		CORSOrigins:     []string{"*"},
		LogLevel:        "info",
		LogFormat:       "json",
		InputDir:        "inputs",
		OutputDir:       "outputs",
		DocumentBackend: "sqlite",
		DBPath:          "transcribegate.db",
		RedisPrefix:     "transcribegate",
		BlobBackend:     "fs",
		Engine:          "whisper-cli",
		WhisperPath:     "whisper-cli",
		FFmpegPath:      "ffmpeg",
		ModelPath:       "models/ggml-medium.bin",
		Language:        "auto",
		BeamSize:        5,
		EngineModel:     "whisper-1",
		Concurrency:     1,
		QueueSize:       100,
		JobTimeout:      30 * time.Minute,
		ReapInterval:    time.Minute,
		MaxUploadBytes:  512 << 20,
		AMQPExchange:    "transcriptions",
		AMQPRoutingKey:  "transcription",
	}
}

// Load builds the configuration from defaults, the optional YAML file named by
// TRANSCRIBEGATE_CONFIG and TRANSCRIBEGATE_* environment variables, then validates it.
func Load() (*Config, error) {
	cfg := defaults()

	if path := os.Getenv(configPathEnv); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if cfg.StaleAfter == 0 {
		cfg.StaleAfter = cfg.JobTimeout + 5*time.Minute
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	c.ListenAddr = getEnv("LISTEN_ADDR", c.ListenAddr)
	c.APIKeys = getEnvList("API_KEYS", c.APIKeys)
	c.CORSOrigins = getEnvList("CORS_ORIGINS", c.CORSOrigins)
	c.LogLevel = strings.ToLower(getEnv("LOG_LEVEL", c.LogLevel))
	c.LogFormat = strings.ToLower(getEnv("LOG_FORMAT", c.LogFormat))
	c.InputDir = getEnv("INPUT_DIR", c.InputDir)
	c.OutputDir = getEnv("OUTPUT_DIR", c.OutputDir)

	c.DocumentBackend = getEnv("DOCUMENT_BACKEND", c.DocumentBackend)
	c.DBPath = getEnv("DB_PATH", c.DBPath)
	c.DatabaseURL = getEnv("DATABASE_URL", c.DatabaseURL)
	c.RedisAddr = getEnv("REDIS_ADDR", c.RedisAddr)
	c.RedisPassword = getEnv("REDIS_PASSWORD", c.RedisPassword)
	c.RedisPrefix = getEnv("REDIS_PREFIX", c.RedisPrefix)

	c.BlobBackend = getEnv("BLOB_BACKEND", c.BlobBackend)
	c.S3Endpoint = getEnv("S3_ENDPOINT", c.S3Endpoint)
	c.S3Bucket = getEnv("S3_BUCKET", c.S3Bucket)
	c.S3AccessKey = getEnv("S3_ACCESS_KEY", c.S3AccessKey)
	c.S3SecretKey = getEnv("S3_SECRET_KEY", c.S3SecretKey)

	c.Engine = getEnv("ENGINE", c.Engine)
	c.WhisperPath = getEnv("WHISPER_PATH", c.WhisperPath)
	c.FFmpegPath = getEnv("FFMPEG_PATH", c.FFmpegPath)
	c.ModelPath = getEnv("MODEL_PATH", c.ModelPath)
	c.Language = getEnv("LANGUAGE", c.Language)
	c.EngineURL = getEnv("ENGINE_URL", c.EngineURL)
	c.EngineAPIKey = getEnv("ENGINE_API_KEY", c.EngineAPIKey)
	c.EngineModel = getEnv("ENGINE_MODEL", c.EngineModel)

	c.AMQPURL = getEnv("AMQP_URL", c.AMQPURL)
	c.AMQPExchange = getEnv("AMQP_EXCHANGE", c.AMQPExchange)
	c.AMQPRoutingKey = getEnv("AMQP_ROUTING_KEY", c.AMQPRoutingKey)

	var err error
	if c.RedisDB, err = getEnvInt("REDIS_DB", c.RedisDB); err != nil {
		return err
	}
	if c.S3UseSSL, err = getEnvBool("S3_USE_SSL", c.S3UseSSL); err != nil {
		return err
	}
	if c.BeamSize, err = getEnvInt("BEAM_SIZE", c.BeamSize); err != nil {
		return err
	}
	if c.Concurrency, err = getEnvInt("CONCURRENCY", c.Concurrency); err != nil {
		return err
	}
	if c.QueueSize, err = getEnvInt("QUEUE_SIZE", c.QueueSize); err != nil {
		return err
	}
	if c.RateLimitRPS, err = getEnvInt("RATE_LIMIT_RPS", c.RateLimitRPS); err != nil {
		return err
	}
	if c.MaxUploadBytes, err = getEnvInt64("MAX_UPLOAD_BYTES", c.MaxUploadBytes); err != nil {
		return err
	}
	if c.JobTimeout, err = getEnvDuration("JOB_TIMEOUT", c.JobTimeout); err != nil {
		return err
	}
	if c.StaleAfter, err = getEnvDuration("STALE_AFTER", c.StaleAfter); err != nil {
		return err
	}
	if c.ReapInterval, err = getEnvDuration("REAP_INTERVAL", c.ReapInterval); err != nil {
		return err
	}
	return nil
}

var validate = validator.New()

// Validate checks field constraints and reports every violation at once.
func (c *Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s: failed %q (value %v)", fe.Field(), fe.ActualTag(), fe.Value()))
	}
	return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(envPrefix + key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) (int, error) {
	v := os.Getenv(envPrefix + key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s%s: invalid integer %q", envPrefix, key, v)
	}
	return n, nil
}

func getEnvInt64(key string, fallback int64) (int64, error) {
	v := os.Getenv(envPrefix + key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s%s: invalid integer %q", envPrefix, key, v)
	}
	return n, nil
}

func getEnvBool(key string, fallback bool) (bool, error) {
	v := os.Getenv(envPrefix + key)
	if v == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("%s%s: invalid boolean %q", envPrefix, key, v)
	}
	return b, nil
}

func getEnvDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(envPrefix + key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s%s: invalid duration %q", envPrefix, key, v)
	}
	return d, nil
}

// getEnvList splits a comma-separated variable, dropping empty items.
// The literal value "-" yields an empty list.
func getEnvList(key string, fallback []string) []string {
	v := os.Getenv(envPrefix + key)
	if v == "" {
		return fallback
	}
	if v == "-" {
		return nil
	}
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
