package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultsLoadWithoutFile(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Bus.Transport != "memory" {
		t.Fatalf("default transport %q", cfg.Bus.Transport)
	}
	if cfg.Severity.High != 0.8 || cfg.Severity.Medium != 0.5 {
		t.Fatalf("default severity thresholds: %+v", cfg.Severity)
	}
	if cfg.Detection.EmitThreshold != 0.3 {
		t.Fatalf("default emit threshold %v", cfg.Detection.EmitThreshold)
	}
	if cfg.Detection.FlowIdleTimeout.Std() != 30*time.Second {
		t.Fatalf("default flow idle timeout %v", cfg.Detection.FlowIdleTimeout.Std())
	}
	if cfg.Response.MinConfidenceIntrusive != 0.6 {
		t.Fatalf("default min confidence %v", cfg.Response.MinConfidenceIntrusive)
	}
	if cfg.Intel.Alpha != 0.4 {
		t.Fatalf("default alpha %v", cfg.Intel.Alpha)
	}
}

func TestFileValuesAndDurations(t *testing.T) {
	path := filepath.Join(t.TempDir(), "aegis.yaml")
	content := `
persistence_url: "file:test.db"
bus:
  transport: memory
  queue_size: 500
  publish_timeout: 250ms
detection:
  flow_idle_timeout: 10s
  max_flows: 1000
  batch_size: 16
  emit_threshold: 0.5
intel:
  alpha: 0.7
  providers:
    repnet:
      enabled: true
      credential: abc
      requests_per_day: 100
      burst: 5
      ttl: 30m
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Bus.PublishTimeout.Std() != 250*time.Millisecond {
		t.Fatalf("publish timeout %v", cfg.Bus.PublishTimeout.Std())
	}
	if cfg.Detection.FlowIdleTimeout.Std() != 10*time.Second {
		t.Fatalf("flow idle timeout %v", cfg.Detection.FlowIdleTimeout.Std())
	}
	if cfg.Intel.Alpha != 0.7 {
		t.Fatalf("alpha %v", cfg.Intel.Alpha)
	}
	p := cfg.Intel.Providers["repnet"]
	if !p.Enabled || p.TTL.Std() != 30*time.Minute || p.RequestsDay != 100 {
		t.Fatalf("provider config: %+v", p)
	}
	// Values not in the file keep their defaults.
	if cfg.Detection.FlushInterval.Std() != 2*time.Second {
		t.Fatalf("flush interval default lost: %v", cfg.Detection.FlushInterval.Std())
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("AEGIS_BUS", "broker")
	t.Setenv("AEGIS_BROKER_URL", "redis://localhost:6379/0")
	t.Setenv("AEGIS_EMIT_THRESHOLD", "0.45")
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Bus.Transport != "broker" || cfg.Bus.BrokerURL != "redis://localhost:6379/0" {
		t.Fatalf("env override lost: %+v", cfg.Bus)
	}
	if cfg.Detection.EmitThreshold != 0.45 {
		t.Fatalf("emit threshold override lost: %v", cfg.Detection.EmitThreshold)
	}
}

func TestUndecodableConfigIsFatal(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	os.WriteFile(path, []byte("bus: [not, a, mapping]"), 0o600)
	if _, err := Load(path); err == nil {
		t.Fatalf("undecodable config must fail")
	}
}

func TestUnknownFieldIsFatal(t *testing.T) {
	path := filepath.Join(t.TempDir(), "unknown.yaml")
	os.WriteFile(path, []byte("persistence_url: x\nno_such_knob: true\n"), 0o600)
	if _, err := Load(path); err == nil {
		t.Fatalf("unknown configuration key must fail")
	}
}

func TestInvalidTransportRejected(t *testing.T) {
	t.Setenv("AEGIS_BUS", "carrier-pigeon")
	if _, err := Load(""); err == nil {
		t.Fatalf("invalid transport must fail validation")
	}
}
