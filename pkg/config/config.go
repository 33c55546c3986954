// Package config holds the runtime tunables. Defaults are safe for USB
// media; an optional YAML file overrides individual values.
package config

import (
	"os"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from YAML strings like
// "10s" as well as plain nanosecond integers.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err == nil {
		v, err := time.ParseDuration(s)
		if err != nil {
			return errors.Wrapf(err, "invalid duration %q", s)
		}
		*d = Duration(v)
		return nil
	}
	var n int64
	if err := value.Decode(&n); err != nil {
		return err
	}
	*d = Duration(n)
	return nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config tunes the engines and the orchestrator.
type Config struct {
	// ChunkSizeBytes is the network read and device write granularity.
	ChunkSizeBytes int `yaml:"chunkSizeBytes"`
	// ChunkBuffer bounds the chunks in flight between download and write.
	ChunkBuffer int `yaml:"chunkBuffer"`
	// UnmountAttempts is the per-volume unmount retry budget.
	UnmountAttempts int `yaml:"unmountAttempts"`
	// ResumeAttempts bounds download resumes after network interruptions.
	// Zero disables resuming entirely.
	ResumeAttempts int `yaml:"resumeAttempts"`
	// DialTimeout bounds connection establishment, not the download.
	DialTimeout Duration `yaml:"dialTimeout"`
	// ProgressInterval is the minimum spacing of progress events.
	ProgressInterval Duration `yaml:"progressInterval"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		ChunkSizeBytes:   4 << 20,
		ChunkBuffer:      4,
		UnmountAttempts:  3,
		ResumeAttempts:   3,
		DialTimeout:      Duration(30 * time.Second),
		ProgressInterval: Duration(200 * time.Millisecond),
	}
}

// Load reads path over the defaults. A missing file is not an error; a
// present but invalid one is.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, errors.Wrapf(err, "read config %s", path)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, errors.Wrapf(err, "parse config %s", path)
	}
	return cfg, cfg.Validate()
}

// Validate rejects values the engines cannot work with.
func (c Config) Validate() error {
	if c.ChunkSizeBytes < 4096 {
		return errors.Errorf("chunkSizeBytes %d is below the 4096 floor", c.ChunkSizeBytes)
	}
	if c.ChunkBuffer < 1 {
		return errors.Errorf("chunkBuffer must be at least 1, got %d", c.ChunkBuffer)
	}
	if c.UnmountAttempts < 1 {
		return errors.Errorf("unmountAttempts must be at least 1, got %d", c.UnmountAttempts)
	}
	if c.ResumeAttempts < 0 {
		return errors.Errorf("resumeAttempts cannot be negative, got %d", c.ResumeAttempts)
	}
	return nil
}
