package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so YAML values like "30s" parse.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler via time.ParseDuration.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// ServerConfig holds listener tuning.
type ServerConfig struct {
	ReadTimeout Duration `yaml:"read_timeout"`
	IdleTimeout Duration `yaml:"idle_timeout"`
}

// WebFetchConfig tunes proxy-side tool execution.
type WebFetchConfig struct {
	Timeout      Duration `yaml:"timeout"`
	MaxRedirects int      `yaml:"max_redirects"`
	MaxBodyBytes int      `yaml:"max_body_bytes"`
	// TruncationNotice is appended to fetched content cut at MaxBodyBytes.
	TruncationNotice string `yaml:"truncation_notice"`
}

// TelemetryConfig enables the JSONL request event log.
type TelemetryConfig struct {
	Path string `yaml:"path"`
}

// Config is the full runtime configuration: flags layered over an optional
// YAML file layered over defaults.
type Config struct {
	Listen    string          `yaml:"listen"`
	DBPath    string          `yaml:"db"`
	Dashboard bool            `yaml:"dashboard"`
	Server    ServerConfig    `yaml:"server"`
	WebFetch  WebFetchConfig  `yaml:"webfetch"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// Default returns a Config populated from the defaults file.
func Default() *Config {
	return &Config{
		Listen: DefaultListenAddr,
		DBPath: DefaultDBPath,
		Server: ServerConfig{
			ReadTimeout: Duration(DefaultServerReadTimeout),
			IdleTimeout: Duration(DefaultIdleTimeout),
		},
		WebFetch: WebFetchConfig{
			Timeout:          Duration(DefaultWebFetchTimeout),
			MaxRedirects:     DefaultWebFetchMaxRedirects,
			MaxBodyBytes:     DefaultWebFetchMaxBody,
			TruncationNotice: "\n\n[Content truncated at 2MB]",
		},
	}
}

// Load reads the YAML config file at path over the defaults. A missing file
// is not an error; callers pass the default path unconditionally.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if cfg.WebFetch.MaxBodyBytes <= 0 {
		cfg.WebFetch.MaxBodyBytes = DefaultWebFetchMaxBody
	}
	if cfg.WebFetch.Timeout <= 0 {
		cfg.WebFetch.Timeout = Duration(DefaultWebFetchTimeout)
	}
	return cfg, nil
}
