// Package config loads camera session settings from YAML.
//
//	device: /dev/fw1
//	video:
//	  format: 0
//	  mode: 5
//	  rate: 4
//	acquisition:
//	  buffers: 6
//	  timeout_ms: 1000
//	  flags: [start-stream]
//	  drop_stale: true
//	retry:
//	  retries: 4
//	  backoff_ms: 10
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/adamlouis/dc1394/acquisition"
	"github.com/adamlouis/dc1394/regio"
)

// Config represents a camera session
type Config struct {
	Device      string            `yaml:"device"`       // cdev node, empty picks the first camera
	CommandBase uint32            `yaml:"command_base"` // overrides the config ROM when non-zero
	Reset       bool              `yaml:"reset"`        // reset the camera to factory defaults on init
	Video       *VideoConfig      `yaml:"video,omitempty"`
	Acquisition AcquisitionConfig `yaml:"acquisition"`
	Retry       RetryConfig       `yaml:"retry"`
}

// VideoConfig selects the video settings. Without it the camera keeps its
// current ones.
type VideoConfig struct {
	Format int `yaml:"format"`
	Mode   int `yaml:"mode"`
	Rate   int `yaml:"rate"` // ignored in format 7
}

// AcquisitionConfig contains the buffer ring settings
type AcquisitionConfig struct {
	Buffers   int      `yaml:"buffers"`
	TimeoutMS int      `yaml:"timeout_ms"` // negative waits forever
	Flags     []string `yaml:"flags"`      // start-stream, subscribe-only, dual-packet
	DropStale bool     `yaml:"drop_stale"`
}

// RetryConfig bounds the retries of busy register transactions
type RetryConfig struct {
	Retries   int `yaml:"retries"`
	BackoffMS int `yaml:"backoff_ms"`
}

// Default returns the settings used when no file is given.
func Default() *Config {
	acq := acquisition.DefaultConfig()
	retry := regio.DefaultRetryConfig()
	return &Config{
		Acquisition: AcquisitionConfig{
			Buffers:   acq.Buffers,
			TimeoutMS: int(acq.Timeout / time.Millisecond),
			Flags:     []string{acq.Flags.String()},
			DropStale: true,
		},
		Retry: RetryConfig{
			Retries:   retry.Retries,
			BackoffMS: int(retry.Backoff / time.Millisecond),
		},
	}
}

// Load reads and parses a YAML configuration file. Fields missing from the
// file keep their defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse parses YAML configuration data over the defaults.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Acquisition.Buffers < 1 {
		return fmt.Errorf("acquisition.buffers must be at least 1, got %d", c.Acquisition.Buffers)
	}
	if _, err := c.flags(); err != nil {
		return err
	}
	if c.Retry.Retries < 0 || c.Retry.BackoffMS < 0 {
		return fmt.Errorf("retry settings must not be negative")
	}
	if v := c.Video; v != nil {
		if (v.Format < 0 || v.Format > 2) && v.Format != 7 {
			return fmt.Errorf("video.format %d does not exist", v.Format)
		}
		if v.Mode < 0 || v.Mode > 7 {
			return fmt.Errorf("video.mode %d out of range", v.Mode)
		}
		if v.Format != 7 && (v.Rate < 0 || v.Rate > 7) {
			return fmt.Errorf("video.rate %d out of range", v.Rate)
		}
	}
	return nil
}

func (c *Config) flags() (acquisition.Flags, error) {
	var flags acquisition.Flags
	for _, name := range c.Acquisition.Flags {
		if name == "none" {
			continue
		}
		f, err := acquisition.ParseFlag(name)
		if err != nil {
			return 0, fmt.Errorf("acquisition.flags: %w", err)
		}
		flags |= f
	}
	return flags, nil
}

// AcquisitionConfig returns the engine configuration.
func (c *Config) AcquisitionConfig() (acquisition.Config, error) {
	flags, err := c.flags()
	if err != nil {
		return acquisition.Config{}, err
	}
	timeout := time.Duration(c.Acquisition.TimeoutMS) * time.Millisecond
	if c.Acquisition.TimeoutMS < 0 {
		timeout = -1
	}
	return acquisition.Config{
		Buffers: c.Acquisition.Buffers,
		Timeout: timeout,
		Flags:   flags,
	}, nil
}

// RetryConfig returns the register retry policy.
func (c *Config) RetryConfig() regio.RetryConfig {
	return regio.RetryConfig{
		Retries: c.Retry.Retries,
		Backoff: time.Duration(c.Retry.BackoffMS) * time.Millisecond,
	}
}
