// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package bufq

import (
	"bytes"
	"fmt"
	"os"
	"strings"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
)

// Config is the file form of pool options. Zero fields keep the builder
// defaults.
//
// Example:
//
//	name: preview
//	max_acquired_buffers: 2
//	max_buffer_count: 4
//	default_width: 1920
//	default_height: 1080
//	drop_window: 1s
//	log_level: debug
type Config struct {
	Name               string        `yaml:"name"`
	MaxAcquiredBuffers int           `yaml:"max_acquired_buffers"`
	MaxBufferCount     int           `yaml:"max_buffer_count"`
	AcquireOverflow    *int          `yaml:"acquire_overflow"`
	DefaultWidth       uint32        `yaml:"default_width"`
	DefaultHeight      uint32        `yaml:"default_height"`
	DefaultFormat      PixelFormat   `yaml:"default_format"`
	DefaultDataSpace   uint32        `yaml:"default_data_space"`
	ConsumerUsage      uint32        `yaml:"consumer_usage"`
	DropWindow         time.Duration `yaml:"drop_window"`
	Debug              bool          `yaml:"debug"`
	LogLevel           string        `yaml:"log_level"`
}

// ParseConfig decodes a YAML document. Unknown keys are rejected.
func ParseConfig(data []byte) (Config, error) {
	var c Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&c); err != nil {
		return Config{}, fmt.Errorf("bufq: parse config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// LoadConfig reads and decodes the YAML file at path.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("bufq: load config: %w", err)
	}
	return ParseConfig(data)
}

// Validate reports every out-of-range field.
func (c Config) Validate() error {
	var err error
	if c.MaxAcquiredBuffers < 0 || c.MaxAcquiredBuffers > MaxAcquiredLimit {
		err = multierr.Append(err, fmt.Errorf("%w: max_acquired_buffers %d not in [1, %d]",
			ErrInvalidArgument, c.MaxAcquiredBuffers, MaxAcquiredLimit))
	}
	if c.MaxBufferCount != 0 && (c.MaxBufferCount < 2 || c.MaxBufferCount > NumSlots) {
		err = multierr.Append(err, fmt.Errorf("%w: max_buffer_count %d not in [2, %d]",
			ErrInvalidArgument, c.MaxBufferCount, NumSlots))
	}
	if c.AcquireOverflow != nil && *c.AcquireOverflow < 0 {
		err = multierr.Append(err, fmt.Errorf("%w: acquire_overflow %d is negative",
			ErrInvalidArgument, *c.AcquireOverflow))
	}
	if (c.DefaultWidth == 0) != (c.DefaultHeight == 0) {
		err = multierr.Append(err, fmt.Errorf("%w: default size %dx%d has a zero dimension",
			ErrInvalidArgument, c.DefaultWidth, c.DefaultHeight))
	}
	if c.DropWindow < 0 {
		err = multierr.Append(err, fmt.Errorf("%w: drop_window %v is negative",
			ErrInvalidArgument, c.DropWindow))
	}
	if c.LogLevel != "" {
		if _, lerr := zapcore.ParseLevel(c.LogLevel); lerr != nil {
			err = multierr.Append(err, fmt.Errorf("%w: log_level: %v", ErrInvalidArgument, lerr))
		}
	}
	return err
}

// Logger builds a production logger at the configured level.
// An empty level means info.
func (c Config) Logger() (*zap.Logger, error) {
	return NewLogger(c.LogLevel)
}

// NewLogger builds a production zap logger at level.
func NewLogger(level string) (*zap.Logger, error) {
	if level == "" {
		level = "info"
	}
	lvl, err := zapcore.ParseLevel(strings.ToLower(level))
	if err != nil {
		return nil, err
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	return cfg.Build()
}
