package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadMissingFileYieldsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	def := Default()
	if cfg.Primary != def.Primary || cfg.Backup != def.Backup {
		t.Fatal("missing file must yield default nodes")
	}
	if cfg.HeartbeatInterval() != 5*time.Second || cfg.HeartbeatTimeout() != 15*time.Second {
		t.Fatalf("default heartbeat timings wrong: %v / %v", cfg.HeartbeatInterval(), cfg.HeartbeatTimeout())
	}
	if cfg.PrimaryConnectRetries != 5 {
		t.Fatalf("default retries = %d, want 5", cfg.PrimaryConnectRetries)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "config.yaml")

	cfg := Default()
	cfg.Primary.Host = "10.0.0.5"
	cfg.HeartbeatTimeoutSeconds = 30
	if err := cfg.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.Primary.Host != "10.0.0.5" {
		t.Fatalf("host = %q, want 10.0.0.5", got.Primary.Host)
	}
	if got.HeartbeatTimeoutSeconds != 30 {
		t.Fatalf("timeout = %d, want 30", got.HeartbeatTimeoutSeconds)
	}
}

func TestLoadKeepsDefaultsForAbsentKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("primary:\n  host: dispatch.internal\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Primary.Host != "dispatch.internal" {
		t.Fatalf("host = %q", cfg.Primary.Host)
	}
	if cfg.Primary.RegistrationPort != Default().Primary.RegistrationPort {
		t.Fatal("absent port must keep its default")
	}
}

func TestValidateRejectsSlowSweep(t *testing.T) {
	cfg := Default()
	cfg.HeartbeatIntervalSeconds = 10
	cfg.HeartbeatTimeoutSeconds = 15
	if err := cfg.Validate(); err == nil {
		t.Fatal("sweep period at 2/3 of the timeout must be rejected")
	}

	cfg.HeartbeatIntervalSeconds = 5
	cfg.HeartbeatTimeoutSeconds = 15
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default timings must validate: %v", err)
	}
}

func TestValidateRejectsNonPositive(t *testing.T) {
	cfg := Default()
	cfg.ServiceDurationSeconds = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("zero service duration must be rejected")
	}
}

func TestNodeEndpoints(t *testing.T) {
	n := Node{Host: "example.test", RegistrationPort: 6551, AssignPort: 6550}
	if got := n.Registration(); got != "tcp://example.test:6551" {
		t.Fatalf("Registration() = %q", got)
	}
	if got := n.Assignments(); got != "tcp://example.test:6550" {
		t.Fatalf("Assignments() = %q", got)
	}
}
