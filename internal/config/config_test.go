package config

import (
	"os"
	"path/filepath"
	"testing"
)

const validConnString = "endpoint=https://example.communication.azure.com;accesskey=dGVzdEtleQ=="

func TestParseConnectionString(t *testing.T) {
	t.Parallel()

	ep, err := ParseConnectionString(validConnString)
	if err != nil {
		t.Fatalf("ParseConnectionString: %v", err)
	}
	if ep.Endpoint != "https://example.communication.azure.com" {
		t.Errorf("Endpoint: got %q", ep.Endpoint)
	}
	if ep.AccessKey != "dGVzdEtleQ==" {
		t.Errorf("AccessKey: got %q", ep.AccessKey)
	}
}

func TestParseConnectionString_TrimsTrailingSlash(t *testing.T) {
	t.Parallel()

	ep, err := ParseConnectionString("endpoint=https://example.communication.azure.com/;accesskey=dGVzdA==")
	if err != nil {
		t.Fatalf("ParseConnectionString: %v", err)
	}
	if ep.Endpoint != "https://example.communication.azure.com" {
		t.Errorf("Endpoint: got %q", ep.Endpoint)
	}
}

func TestParseConnectionString_MissingParts(t *testing.T) {
	t.Parallel()

	if _, err := ParseConnectionString("accesskey=dGVzdA=="); err == nil {
		t.Error("expected error for missing endpoint")
	}
	if _, err := ParseConnectionString("endpoint=https://example.com;"); err == nil {
		t.Error("expected error for missing access key")
	}
	if _, err := ParseConnectionString(""); err == nil {
		t.Error("expected error for empty string")
	}
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.SMTP.Listen != "0.0.0.0:1025" {
		t.Errorf("Listen default: got %q", cfg.SMTP.Listen)
	}
	if cfg.SMTP.MaxMessageSize != 26214400 {
		t.Errorf("MaxMessageSize default: got %d", cfg.SMTP.MaxMessageSize)
	}
	if cfg.SMTP.MaxConnections != 100 {
		t.Errorf("MaxConnections default: got %d", cfg.SMTP.MaxConnections)
	}
	if cfg.Logging.Level != "info" {
		t.Errorf("Logging level default: got %q", cfg.Logging.Level)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("LISTEN_ADDR", "127.0.0.1:2525")
	t.Setenv("MAX_EMAIL_SIZE", "1000")
	t.Setenv("MAX_CONNECTIONS", "7")
	t.Setenv("ACS_CONNECTION_STRING", validConnString)
	t.Setenv("ACS_SENDER_ADDRESS", "noreply@relay.example")
	t.Setenv("ACS_ALLOWED_SENDER_DOMAINS", "Tenant.Example, other.example")
	t.Setenv("LOG_LEVEL", "DEBUG")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.SMTP.Listen != "127.0.0.1:2525" {
		t.Errorf("Listen: got %q", cfg.SMTP.Listen)
	}
	if cfg.SMTP.MaxMessageSize != 1000 {
		t.Errorf("MaxMessageSize: got %d", cfg.SMTP.MaxMessageSize)
	}
	if cfg.SMTP.MaxConnections != 7 {
		t.Errorf("MaxConnections: got %d", cfg.SMTP.MaxConnections)
	}
	if !cfg.ACSConfigured() {
		t.Error("ACSConfigured: got false")
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("Logging level: got %q", cfg.Logging.Level)
	}

	domains := cfg.AllowedDomains()
	if len(domains) != 2 || domains[0] != "tenant.example" || domains[1] != "other.example" {
		t.Errorf("AllowedDomains: got %v", domains)
	}
}

func TestLoad_RejectsBadAccessKey(t *testing.T) {
	t.Setenv("ACS_CONNECTION_STRING", "endpoint=https://example.com;accesskey=!!!notbase64!!!")
	t.Setenv("ACS_SENDER_ADDRESS", "noreply@relay.example")

	if _, err := Load(); err == nil {
		t.Error("expected error for non-base64 access key")
	}
}

func TestLoad_RejectsBadSender(t *testing.T) {
	t.Setenv("ACS_CONNECTION_STRING", validConnString)
	t.Setenv("ACS_SENDER_ADDRESS", "not-an-address")

	if _, err := Load(); err == nil {
		t.Error("expected error for invalid sender address")
	}
}

func TestLoad_RejectsBadDomain(t *testing.T) {
	t.Setenv("ACS_CONNECTION_STRING", validConnString)
	t.Setenv("ACS_SENDER_ADDRESS", "noreply@relay.example")
	t.Setenv("ACS_ALLOWED_SENDER_DOMAINS", ".starts-with-dot.example")

	if _, err := Load(); err == nil {
		t.Error("expected error for invalid domain")
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := `
smtp:
  listen: ":3025"
  hostname: relay.test
  max_message_size: 2048
acs:
  connection_string: "` + validConnString + `"
  sender: noreply@relay.example
health:
  listen: ":8080"
logging:
  level: warn
`
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	// Environment always wins over the file
	t.Setenv("LISTEN_ADDR", ":4025")

	cfg, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("LoadFromFile: %v", err)
	}
	if cfg.SMTP.Listen != ":4025" {
		t.Errorf("Listen: got %q, want env override", cfg.SMTP.Listen)
	}
	if cfg.SMTP.Hostname != "relay.test" {
		t.Errorf("Hostname: got %q", cfg.SMTP.Hostname)
	}
	if cfg.SMTP.MaxMessageSize != 2048 {
		t.Errorf("MaxMessageSize: got %d", cfg.SMTP.MaxMessageSize)
	}
	if cfg.Health.Listen != ":8080" {
		t.Errorf("Health listen: got %q", cfg.Health.Listen)
	}
	if cfg.Logging.Level != "warn" {
		t.Errorf("Logging level: got %q", cfg.Logging.Level)
	}
}

func TestLoadFromFile_MissingFile(t *testing.T) {
	t.Parallel()

	if _, err := LoadFromFile("/nonexistent/config.yaml"); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestIsValidEmail(t *testing.T) {
	t.Parallel()

	tests := []struct {
		input string
		want  bool
	}{
		{"test@example.com", true},
		{"user+tag@domain.co.uk", true},
		{"@example.com", false},
		{"test@", false},
		{"test", false},
		{"a@b@c", false},
	}
	for _, tt := range tests {
		if got := isValidEmail(tt.input); got != tt.want {
			t.Errorf("isValidEmail(%q): got %v, want %v", tt.input, got, tt.want)
		}
	}
}

func TestIsValidDomain(t *testing.T) {
	t.Parallel()

	tests := []struct {
		input string
		want  bool
	}{
		{"example.com", true},
		{"sub.example.com", true},
		{".example.com", false},
		{"example.com.", false},
		{"-example.com", false},
		{"example.com-", false},
		{"exa mple.com", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := isValidDomain(tt.input); got != tt.want {
			t.Errorf("isValidDomain(%q): got %v, want %v", tt.input, got, tt.want)
		}
	}
}
