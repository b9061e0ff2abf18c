// Package config provides environment-variable-first configuration loading
// with optional YAML file fallback for the SMTP relay.
package config

import (
	"encoding/base64"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// defaultMaxMessageSize is 25 MB in bytes.
const defaultMaxMessageSize = 26214400

// defaultMaxConnections bounds the number of concurrent SMTP sessions.
const defaultMaxConnections = 100

// defaultListenAddr is the standard relay submission address.
const defaultListenAddr = "0.0.0.0:1025"

// Config holds the complete application configuration.
type Config struct {
	SMTP     SMTPConfig    `yaml:"smtp"`
	Provider string        `yaml:"provider"`
	ACS      ACSConfig     `yaml:"acs"`
	SES      SESConfig     `yaml:"ses"`
	Health   HealthConfig  `yaml:"health"`
	Logging  LoggingConfig `yaml:"logging"`
}

// SMTPConfig holds SMTP listener configuration.
type SMTPConfig struct {
	Listen         string `yaml:"listen"`
	Hostname       string `yaml:"hostname"`
	MaxMessageSize int64  `yaml:"max_message_size"`
	MaxConnections int64  `yaml:"max_connections"`
}

// ACSConfig holds Azure Communication Services email configuration.
type ACSConfig struct {
	// ConnectionString has the form "endpoint=<https-url>;accesskey=<base64>".
	ConnectionString string `yaml:"connection_string"`
	// Sender is the default sender address for relayed mail.
	Sender string `yaml:"sender"`
	// AllowedSenderDomains is a comma-separated list of lowercase domains
	// whose MAIL FROM addresses are passed through as the upstream sender.
	AllowedSenderDomains string `yaml:"allowed_sender_domains"`
}

// SESConfig holds AWS SES v2 configuration for the alternate backend.
type SESConfig struct {
	Region          string `yaml:"region"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	Sender          string `yaml:"sender"`
}

// HealthConfig holds the optional health/metrics HTTP listener address.
type HealthConfig struct {
	Listen string `yaml:"listen"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// ACSEndpoint is the parsed form of an ACS connection string.
type ACSEndpoint struct {
	// Endpoint is the https endpoint URL without a trailing slash.
	Endpoint string
	// AccessKey is the base64-encoded HMAC key.
	AccessKey string
}

// Load loads configuration from environment variables with sensible defaults.
func Load() (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()
	cfg.applyEnvVars()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromFile loads configuration from a YAML file as the base layer,
// then overrides with environment variables. Returns an error if the
// specified file path does not exist.
func LoadFromFile(path string) (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Environment variables always override YAML values
	cfg.applyEnvVars()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ACSConfigured returns true if both the connection string and the default
// sender are set.
func (c *Config) ACSConfigured() bool {
	return c.ACS.ConnectionString != "" && c.ACS.Sender != ""
}

// SESConfigured returns true if the region and sender for SES are set.
func (c *Config) SESConfigured() bool {
	return c.SES.Region != "" && c.SES.Sender != ""
}

// AllowedDomains returns the allow-list as a slice of lowercase domains.
func (c *Config) AllowedDomains() []string {
	if c.ACS.AllowedSenderDomains == "" {
		return nil
	}
	parts := strings.Split(c.ACS.AllowedSenderDomains, ",")
	domains := make([]string, 0, len(parts))
	for _, p := range parts {
		if d := strings.ToLower(strings.TrimSpace(p)); d != "" {
			domains = append(domains, d)
		}
	}
	return domains
}

// Validate checks every configured value that would otherwise fail at
// runtime. It runs before the listener opens so bad deployments die fast.
func (c *Config) Validate() error {
	if c.SMTP.MaxMessageSize <= 0 {
		return fmt.Errorf("max message size must be greater than 0")
	}
	if c.SMTP.MaxConnections <= 0 {
		return fmt.Errorf("max connections must be greater than 0")
	}

	if c.ACS.ConnectionString != "" {
		ep, err := ParseConnectionString(c.ACS.ConnectionString)
		if err != nil {
			return err
		}
		u, err := url.Parse(ep.Endpoint)
		if err != nil || u.Host == "" {
			return fmt.Errorf("invalid endpoint URL in connection string: %q", ep.Endpoint)
		}
		if _, err := base64.StdEncoding.DecodeString(ep.AccessKey); err != nil {
			return fmt.Errorf("access key is not valid base64")
		}
	}
	if c.ACS.Sender != "" && !isValidEmail(c.ACS.Sender) {
		return fmt.Errorf("invalid sender address: %q", c.ACS.Sender)
	}
	for _, d := range c.AllowedDomains() {
		if !isValidDomain(d) {
			return fmt.Errorf("invalid allowed sender domain: %q", d)
		}
	}
	return nil
}

// ParseConnectionString parses "endpoint=...;accesskey=..." into an
// ACSEndpoint. A trailing slash on the endpoint is trimmed so URL paths can
// be appended directly.
func ParseConnectionString(s string) (*ACSEndpoint, error) {
	var ep ACSEndpoint
	for _, part := range strings.Split(s, ";") {
		key, value, found := strings.Cut(part, "=")
		if !found {
			continue
		}
		switch strings.ToLower(strings.TrimSpace(key)) {
		case "endpoint":
			ep.Endpoint = strings.TrimRight(strings.TrimSpace(value), "/")
		case "accesskey":
			ep.AccessKey = strings.TrimSpace(value)
		}
	}
	if ep.Endpoint == "" {
		return nil, fmt.Errorf("connection string is missing endpoint")
	}
	if ep.AccessKey == "" {
		return nil, fmt.Errorf("connection string is missing accesskey")
	}
	return &ep, nil
}

// applyDefaults sets sensible default values for all configuration fields.
func (c *Config) applyDefaults() {
	c.SMTP.Listen = defaultListenAddr
	c.SMTP.Hostname = "localhost"
	c.SMTP.MaxMessageSize = defaultMaxMessageSize
	c.SMTP.MaxConnections = defaultMaxConnections
	c.Logging.Level = "info"
}

// applyEnvVars overrides configuration with environment variable values.
// Only non-empty environment variables override existing values.
func (c *Config) applyEnvVars() {
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		c.SMTP.Listen = v
	}
	if v := os.Getenv("SERVER_NAME"); v != "" {
		c.SMTP.Hostname = v
	}
	if v := os.Getenv("MAX_EMAIL_SIZE"); v != "" {
		if size, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.SMTP.MaxMessageSize = size
		}
	}
	if v := os.Getenv("MAX_CONNECTIONS"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.SMTP.MaxConnections = n
		}
	}

	if v := os.Getenv("PROVIDER"); v != "" {
		c.Provider = strings.ToLower(v)
	}

	if v := os.Getenv("ACS_CONNECTION_STRING"); v != "" {
		c.ACS.ConnectionString = v
	}
	if v := os.Getenv("ACS_SENDER_ADDRESS"); v != "" {
		c.ACS.Sender = v
	}
	if v := os.Getenv("ACS_ALLOWED_SENDER_DOMAINS"); v != "" {
		c.ACS.AllowedSenderDomains = v
	}

	if v := os.Getenv("SES_REGION"); v != "" {
		c.SES.Region = v
	}
	if v := os.Getenv("SES_ACCESS_KEY_ID"); v != "" {
		c.SES.AccessKeyID = v
	}
	if v := os.Getenv("SES_SECRET_ACCESS_KEY"); v != "" {
		c.SES.SecretAccessKey = v
	}
	if v := os.Getenv("SES_SENDER"); v != "" {
		c.SES.Sender = v
	}

	if v := os.Getenv("HEALTH_LISTEN"); v != "" {
		c.Health.Listen = v
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = strings.ToLower(v)
	}
}

// isValidEmail performs the lenient local-part@domain shape check used for
// configured addresses.
func isValidEmail(email string) bool {
	at := strings.Index(email, "@")
	return at > 0 && at < len(email)-1 && strings.Count(email, "@") == 1
}

// isValidDomain checks a configured allow-list entry.
func isValidDomain(domain string) bool {
	if domain == "" {
		return false
	}
	for _, r := range domain {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '.', r == '-':
		default:
			return false
		}
	}
	return !strings.HasPrefix(domain, ".") && !strings.HasSuffix(domain, ".") &&
		!strings.HasPrefix(domain, "-") && !strings.HasSuffix(domain, "-")
}
