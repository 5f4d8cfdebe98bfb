package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

const DefaultProxyAddress = "localhost:8667"

type Config struct {
	Proxy   ProxyConfig   `yaml:"proxy"`
	Log     LogConfig     `yaml:"log"`
	Metrics MetricsConfig `yaml:"metrics"`
}

type ProxyConfig struct {
	// Address is the proxy server as typed by the user. It is normalized on
	// every connect attempt, so it may lack a scheme.
	Address          string        `yaml:"address"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	ConnectTimeout   time.Duration `yaml:"connect_timeout"`
	LoaderGrace      time.Duration `yaml:"loader_grace"`
	WriteTimeout     time.Duration `yaml:"write_timeout"`
	MaxMessageSize   int64         `yaml:"max_message_size"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	File   string `yaml:"file"`
}

type MetricsConfig struct {
	// Listen is the address of the /metrics endpoint. Empty disables it.
	Listen string `yaml:"listen"`
}

func defaultConfig() *Config {
	return &Config{
		Proxy: ProxyConfig{
			Address:          DefaultProxyAddress,
			HandshakeTimeout: 5 * time.Second,
			ConnectTimeout:   5 * time.Second,
			LoaderGrace:      500 * time.Millisecond,
			WriteTimeout:     10 * time.Second,
			MaxMessageSize:   1 << 20,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// Default returns the built-in configuration.
func Default() *Config {
	return defaultConfig()
}

// Load reads the YAML file at path on top of the defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := defaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// LoadOrDefault is Load, except that a missing file yields the defaults.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return defaultConfig(), nil
	}
	return cfg, err
}

func (c *Config) Validate() error {
	var errs []error
	for _, d := range []struct {
		name string
		v    time.Duration
	}{
		{"proxy.handshake_timeout", c.Proxy.HandshakeTimeout},
		{"proxy.connect_timeout", c.Proxy.ConnectTimeout},
		{"proxy.loader_grace", c.Proxy.LoaderGrace},
		{"proxy.write_timeout", c.Proxy.WriteTimeout},
	} {
		if d.v <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %v", d.name, d.v))
		}
	}
	if c.Proxy.MaxMessageSize <= 0 {
		errs = append(errs, fmt.Errorf("proxy.max_message_size must be positive, got %d", c.Proxy.MaxMessageSize))
	}
	switch strings.ToLower(c.Log.Format) {
	case "console", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format must be console or json, got %q", c.Log.Format))
	}
	return errors.Join(errs...)
}

// StaticSource is a fixed proxy address.
type StaticSource string

func (s StaticSource) ProxyAddress() string { return string(s) }

// FileSource reads the proxy address from a config file on every call, so
// edits take effect on the next connect attempt. While the file cannot be
// read or parsed the last good address is returned.
type FileSource struct {
	path string

	mu   sync.Mutex
	last string
	err  error
}

func NewFileSource(path, fallback string) *FileSource {
	return &FileSource{path: path, last: fallback}
}

func (s *FileSource) ProxyAddress() string {
	cfg, err := Load(s.path)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
	if err == nil {
		s.last = cfg.Proxy.Address
	}
	return s.last
}

// Err returns the error of the most recent read, if it failed.
func (s *FileSource) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}
