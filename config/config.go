// Package config loads process settings from the environment (and an
// optional .env file).
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/sirupsen/logrus"
)

type Config struct {
	Listen   string `envconfig:"LISTEN"`
	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`

	// Message log persistence: filesystem, sqlite or memory.
	StorageType    string `envconfig:"STORAGE_TYPE" default:"filesystem"`
	StoreFile      string `envconfig:"STORE_FILE" default:"store-data.json"`
	DataSourceName string `envconfig:"DATA_SOURCE_NAME" default:"msgboard.db"`
	MaxMessages    int    `envconfig:"MAX_MESSAGES" default:"100"`

	// Attachment storage: filesystem, sqlite, s3 or memory.
	BlobStorage string `envconfig:"BLOB_STORAGE" default:"filesystem"`
	BlobsDir    string `envconfig:"STORE_BLOBS_DIR" default:"store-blobs"`
	S3Bucket    string `envconfig:"S3_BUCKET_NAME"`
	S3Prefix    string `envconfig:"S3_PREFIX"`

	MaxTextBytes       int64 `envconfig:"MAX_TEXT_BYTES" default:"1048576"`
	MaxAttachmentBytes int64 `envconfig:"MAX_ATTACHMENT_BYTES" default:"10485760"`

	KeepAliveInterval time.Duration `envconfig:"KEEPALIVE_INTERVAL" default:"25s"`
	SinkWriteTimeout  time.Duration `envconfig:"SINK_WRITE_TIMEOUT" default:"10s"`
	SubscriberBuffer  int           `envconfig:"SUBSCRIBER_BUFFER" default:"64"`

	SweepSchedule string        `envconfig:"SWEEP_SCHEDULE" default:"@every 1h"`
	SweepGrace    time.Duration `envconfig:"SWEEP_GRACE" default:"10m"`

	AllowedOrigins []string `envconfig:"ALLOWED_ORIGINS" default:"*"`

	// Listen address parts used by older deployments.
	ServerHost string `envconfig:"SERVER_HOST"`
	ServerPort string `envconfig:"SERVER_PORT" default:"3000"`
}

// Load reads .env (if present) and the environment.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		logrus.WithError(err).Warn("Failed to read .env file")
	}

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return Config{}, fmt.Errorf("config error: %w", err)
	}
	if cfg.Listen == "" {
		cfg.Listen = net.JoinHostPort(cfg.ServerHost, cfg.ServerPort)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects settings the server cannot run with.
func (c Config) Validate() error {
	switch {
	case c.MaxMessages <= 0:
		return errors.New("MAX_MESSAGES must be positive")
	case c.MaxTextBytes <= 0:
		return errors.New("MAX_TEXT_BYTES must be positive")
	case c.MaxAttachmentBytes <= 0:
		return errors.New("MAX_ATTACHMENT_BYTES must be positive")
	case c.KeepAliveInterval <= 0:
		return errors.New("KEEPALIVE_INTERVAL must be positive")
	case c.SubscriberBuffer <= 0:
		return errors.New("SUBSCRIBER_BUFFER must be positive")
	case c.BlobStorage == "s3" && c.S3Bucket == "":
		return errors.New("S3_BUCKET_NAME environment variable must be set for s3 blob storage")
	}
	return nil
}
