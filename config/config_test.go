package config

import (
	"os"
	"path/filepath"
	"testing"
)

const validYAML = `
destination:
  host: winrm.example.com
  port: 5986
  transport: Tls
auth:
  basic:
    username: alice
    password: hunter2
`

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	return path
}

func TestLoad_AppliesDefaults(t *testing.T) {
	path := writeTempConfig(t, validYAML)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.MaxEnvelopeKiB != 512 {
		t.Errorf("MaxEnvelopeKiB = %d, want 512", cfg.MaxEnvelopeKiB)
	}
	if cfg.OperationTimeoutMS != 60000 {
		t.Errorf("OperationTimeoutMS = %d, want 60000", cfg.OperationTimeoutMS)
	}
	if cfg.InitialRunspaces.Min != 1 || cfg.InitialRunspaces.Max != 1 {
		t.Errorf("InitialRunspaces = %+v", cfg.InitialRunspaces)
	}
	if cfg.Locale != "en-US" {
		t.Errorf("Locale = %q, want en-US", cfg.Locale)
	}
}

func TestLoad_EnvOverride(t *testing.T) {
	path := writeTempConfig(t, validYAML)
	t.Setenv("PSRP_HOST", "override.example.com")
	t.Setenv("PSRP_PORT", "5985")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Destination.Host != "override.example.com" {
		t.Errorf("Host = %q", cfg.Destination.Host)
	}
	if cfg.Destination.Port != 5985 {
		t.Errorf("Port = %d", cfg.Destination.Port)
	}
}

func TestValidate_RejectsNoAuthScheme(t *testing.T) {
	cfg := Default()
	cfg.Destination = Destination{Host: "h", Port: 5985, Transport: TransportTCP}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error with no auth scheme set")
	}
}

func TestValidate_RejectsMultipleAuthSchemes(t *testing.T) {
	cfg := Default()
	cfg.Destination = Destination{Host: "h", Port: 5985, Transport: TransportTCP}
	cfg.Auth = Auth{
		Basic:     &BasicAuth{Username: "a", Password: "b"},
		Negotiate: &NegotiateAuth{Username: "a", Password: "b"},
	}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error with two auth schemes set")
	}
}

func TestValidate_RejectsBadLocale(t *testing.T) {
	cfg := Default()
	cfg.Destination = Destination{Host: "h", Port: 5985, Transport: TransportTCP}
	cfg.Auth = Auth{Basic: &BasicAuth{Username: "a", Password: "b"}}
	cfg.Locale = "not a tag!!"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error with malformed locale")
	}
}

func TestValidate_AcceptsWellFormedConfig(t *testing.T) {
	cfg := Default()
	cfg.Destination = Destination{Host: "h", Port: 5985, Transport: TransportTCP}
	cfg.Auth = Auth{Basic: &BasicAuth{Username: "a", Password: "b"}}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
}
