// Package config loads the optional config.toml from the .authkeeper/
// directory and layers environment overrides on top of it.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

const (
	configFile = "config.toml"

	envPrefix = "AUTHKEEPER_"

	// DefaultHTTPTimeout bounds every outbound credential call.
	DefaultHTTPTimeout = 30 * time.Second
)

// Config is the decoded config.toml.
type Config struct {
	LogLevel    string                 `toml:"log_level"`
	HTTPTimeout Duration               `toml:"http_timeout"`
	OAuth       map[string]OAuthClient `toml:"oauth"`
	Publisher   Publisher              `toml:"publisher"`
}

// OAuthClient overrides the client registration of one OAuth provider.
type OAuthClient struct {
	ClientID     string `toml:"client_id"`
	ClientSecret string `toml:"client_secret"`
	ProjectID    string `toml:"project_id"`
}

// Publisher selects where credential audit events go.
type Publisher struct {
	Kafka *Kafka `toml:"kafka"`
}

// Kafka configures the kafka audit publisher.
type Kafka struct {
	Brokers  []string `toml:"brokers"`
	Topic    string   `toml:"topic"`
	ClientID string   `toml:"client_id"`
}

// Duration decodes TOML strings such as "45s".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("parsing duration %q: %w", text, err)
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Load reads config.toml from dir. A missing file yields an empty Config.
func Load(dir string) (*Config, error) {
	return LoadFile(filepath.Join(dir, configFile))
}

// LoadFile reads an explicit config file path.
func LoadFile(path string) (*Config, error) {
	cfg := &Config{}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config: %w", err)
	}

	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	return cfg, nil
}

// EnvName returns the environment variable for setting on provider, e.g.
// EnvName("google-gemini-cli", "CLIENT_ID") is AUTHKEEPER_GOOGLE_GEMINI_CLI_CLIENT_ID.
func EnvName(provider, setting string) string {
	p := strings.ToUpper(strings.NewReplacer("-", "_", ".", "_").Replace(provider))
	return envPrefix + p + "_" + setting
}

// Client returns the effective client override for provider. Environment
// variables win over the file; GOOGLE_CLOUD_PROJECT is the last project fallback.
func (c *Config) Client(provider string) OAuthClient {
	var out OAuthClient
	if c != nil && c.OAuth != nil {
		out = c.OAuth[provider]
	}

	if v := os.Getenv(EnvName(provider, "CLIENT_ID")); v != "" {
		out.ClientID = v
	}
	if v := os.Getenv(EnvName(provider, "CLIENT_SECRET")); v != "" {
		out.ClientSecret = v
	}
	if v := os.Getenv(EnvName(provider, "PROJECT_ID")); v != "" {
		out.ProjectID = v
	}
	if out.ProjectID == "" {
		out.ProjectID = os.Getenv("GOOGLE_CLOUD_PROJECT")
	}

	return out
}

// Timeout returns the outbound HTTP timeout. AUTHKEEPER_HTTP_TIMEOUT wins
// over the file; unparsable or non-positive values fall back to the default.
func (c *Config) Timeout() time.Duration {
	if v := os.Getenv(envPrefix + "HTTP_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			return d
		}
	}
	if c != nil && c.HTTPTimeout.Duration > 0 {
		return c.HTTPTimeout.Duration
	}
	return DefaultHTTPTimeout
}

// KafkaPublisher returns the kafka settings, or nil when kafka is not
// configured. AUTHKEEPER_KAFKA_BROKERS (comma separated) and
// AUTHKEEPER_KAFKA_TOPIC override the file.
func (c *Config) KafkaPublisher() *Kafka {
	var out Kafka
	if c != nil && c.Publisher.Kafka != nil {
		out = *c.Publisher.Kafka
		out.Brokers = append([]string(nil), out.Brokers...)
	}

	if v := os.Getenv(envPrefix + "KAFKA_BROKERS"); v != "" {
		out.Brokers = nil
		for _, b := range strings.Split(v, ",") {
			if b = strings.TrimSpace(b); b != "" {
				out.Brokers = append(out.Brokers, b)
			}
		}
	}
	if v := os.Getenv(envPrefix + "KAFKA_TOPIC"); v != "" {
		out.Topic = v
	}

	if len(out.Brokers) == 0 || out.Topic == "" {
		return nil
	}
	return &out
}
