// Package config loads the immutable runtime configuration. Values come from
// a YAML file, overridden by AEGIS_* environment variables. Configuration is
// validated once at startup; a bad config aborts the process before any
// component starts. Changing configuration requires a restart.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that decodes from YAML strings like "30s".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler, accepting Go duration strings
// and bare integers (nanoseconds).
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw any
	if err := value.Decode(&raw); err != nil {
		return err
	}
	switch v := raw.(type) {
	case string:
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", v, err)
		}
		*d = Duration(parsed)
		return nil
	case int:
		*d = Duration(v)
		return nil
	case int64:
		*d = Duration(v)
		return nil
	default:
		return fmt.Errorf("invalid duration value %v", raw)
	}
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// SeverityThresholds maps a model score onto an alert severity. Comparisons
// are inclusive on the high side.
type SeverityThresholds struct {
	High   float64 `yaml:"high" validate:"gte=0,lte=1"`
	Medium float64 `yaml:"medium" validate:"gte=0,lte=1,ltefield=High"`
}

// VerdictThresholds maps a fused risk score onto a verdict.
type VerdictThresholds struct {
	Malicious  float64 `yaml:"malicious" validate:"gte=0,lte=1"`
	Suspicious float64 `yaml:"suspicious" validate:"gte=0,lte=1,ltefield=Malicious"`
}

// RiskThresholds maps a risk score onto the decision-matrix risk bucket.
type RiskThresholds struct {
	High   float64 `yaml:"high" validate:"gte=0,lte=1"`
	Medium float64 `yaml:"medium" validate:"gte=0,lte=1,ltefield=High"`
}

// ProviderConfig holds the knobs for one threat-intel provider.
type ProviderConfig struct {
	Enabled     bool          `yaml:"enabled"`
	Credential  string        `yaml:"credential"`
	RequestsDay int           `yaml:"requests_per_day" validate:"gte=0"`
	Burst       int           `yaml:"burst" validate:"gte=0"`
	TTL         Duration      `yaml:"ttl"`
	BaseURL     string        `yaml:"base_url"`
}

// DetectionConfig tunes flow aggregation and micro-batched scoring.
type DetectionConfig struct {
	FlowIdleTimeout Duration      `yaml:"flow_idle_timeout"`
	MaxFlows        int           `yaml:"max_flows" validate:"gt=0"`
	FlushInterval   Duration      `yaml:"flush_interval"`
	BatchSize       int           `yaml:"batch_size" validate:"gt=0"`
	BatchTimeout    Duration      `yaml:"batch_timeout"`
	EmitThreshold   float64       `yaml:"emit_threshold" validate:"gte=0,lte=1"`
	ScoringWorkers  int           `yaml:"scoring_workers" validate:"gte=0"`
	SensorID        string        `yaml:"sensor_id"`
}

// BusConfig selects and tunes the event-bus transport.
type BusConfig struct {
	Transport      string        `yaml:"transport" validate:"oneof=memory broker"`
	BrokerURL      string        `yaml:"broker_url"`
	QueueSize      int           `yaml:"queue_size" validate:"gt=0"`
	PublishTimeout Duration      `yaml:"publish_timeout"`
	DrainTimeout   Duration      `yaml:"drain_timeout"`
}

// IntelConfig tunes the investigation agent.
type IntelConfig struct {
	Alpha          float64                   `yaml:"alpha" validate:"gte=0,lte=1"`
	FanoutTimeout  Duration                  `yaml:"fanout_timeout"`
	MaxConcurrent  int                       `yaml:"max_concurrent" validate:"gt=0"`
	CacheCapacity  int                       `yaml:"cache_capacity" validate:"gt=0"`
	CacheURL       string                    `yaml:"cache_url"`
	OfflineMode    bool                      `yaml:"offline_mode"`
	Providers      map[string]ProviderConfig `yaml:"providers"`
	VerdictBuckets VerdictThresholds         `yaml:"verdict_thresholds"`
}

// ResponseConfig tunes the response engine and its safety gate.
type ResponseConfig struct {
	DecisionMatrix           map[string]map[string]string `yaml:"decision_matrix"`
	RiskBuckets              RiskThresholds               `yaml:"risk_thresholds"`
	IPWhitelist              []string                     `yaml:"ip_whitelist"`
	ManagementSubnets        []string                     `yaml:"management_subnets"`
	MinConfidenceIntrusive   float64                      `yaml:"min_confidence_for_intrusive_action" validate:"gte=0,lte=1"`
	ProductionActionsEnabled bool                         `yaml:"production_actions_enabled"`
	ActionTimeout            Duration                     `yaml:"action_timeout"`
	QuarantineDir            string                       `yaml:"quarantine_dir"`
	DockerNetwork            string                       `yaml:"docker_network"`
}

// Config is the whole runtime configuration tree.
type Config struct {
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	PersistenceURL string `yaml:"persistence_url" validate:"required"`
	ListenAddr     string `yaml:"listen_addr"`

	Bus       BusConfig          `yaml:"bus"`
	Severity  SeverityThresholds `yaml:"severity_thresholds"`
	Detection DetectionConfig    `yaml:"detection"`
	Intel     IntelConfig        `yaml:"intel"`
	Response  ResponseConfig     `yaml:"response"`
}

// Default returns the configuration used when no file or overrides are given.
func Default() Config {
	return Config{
		LogLevel:       "info",
		PersistenceURL: "file:aegis.db",
		ListenAddr:     ":7655",
		Bus: BusConfig{
			Transport:      "memory",
			QueueSize:      10000,
			PublishTimeout: Duration(100 * time.Millisecond),
			DrainTimeout:   Duration(5 * time.Second),
		},
		Severity: SeverityThresholds{High: 0.8, Medium: 0.5},
		Detection: DetectionConfig{
			FlowIdleTimeout: Duration(30 * time.Second),
			MaxFlows:        100000,
			FlushInterval:   Duration(2 * time.Second),
			BatchSize:       64,
			BatchTimeout:    Duration(100 * time.Millisecond),
			EmitThreshold:   0.3,
			SensorID:        "aegis-1",
		},
		Intel: IntelConfig{
			Alpha:          0.4,
			FanoutTimeout:  Duration(3 * time.Second),
			MaxConcurrent:  16,
			CacheCapacity:  8192,
			Providers:      map[string]ProviderConfig{},
			VerdictBuckets: VerdictThresholds{Malicious: 0.7, Suspicious: 0.4},
		},
		Response: ResponseConfig{
			DecisionMatrix:         DefaultDecisionMatrix(),
			RiskBuckets:            RiskThresholds{High: 0.7, Medium: 0.4},
			MinConfidenceIntrusive: 0.6,
			ActionTimeout:          Duration(5 * time.Second),
			QuarantineDir:          "/var/lib/aegis/quarantine",
			DockerNetwork:          "bridge",
		},
	}
}

// DefaultDecisionMatrix is the severity x risk table applied when none is
// configured.
func DefaultDecisionMatrix() map[string]map[string]string {
	return map[string]map[string]string{
		"low":    {"low": "log_only", "medium": "log_only", "high": "rate_limit"},
		"medium": {"low": "log_only", "medium": "rate_limit", "high": "block_ip"},
		"high":   {"low": "rate_limit", "medium": "block_ip", "high": "isolate_container"},
	}
}

// Load reads the optional YAML file at path, applies environment overrides,
// fills defaults, and validates. A missing file is not an error; an unreadable
// or undecodable one is fatal.
func Load(path string) (Config, error) {
	_ = godotenv.Load()

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return cfg, fmt.Errorf("read config %s: %w", path, err)
			}
			log.Debug().Str("path", path).Msg("Config file absent, using defaults")
		} else {
			dec := yaml.NewDecoder(strings.NewReader(string(data)))
			dec.KnownFields(true)
			if err := dec.Decode(&cfg); err != nil {
				return cfg, fmt.Errorf("decode config %s: %w", path, err)
			}
		}
	}

	applyEnvOverrides(&cfg)

	if err := validator.New().Struct(cfg); err != nil {
		return cfg, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("AEGIS_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("AEGIS_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("AEGIS_PERSISTENCE_URL"); v != "" {
		cfg.PersistenceURL = v
	}
	if v := os.Getenv("AEGIS_BUS"); v != "" {
		cfg.Bus.Transport = v
	}
	if v := os.Getenv("AEGIS_BROKER_URL"); v != "" {
		cfg.Bus.BrokerURL = v
	}
	if v := os.Getenv("AEGIS_OFFLINE_MODE"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Intel.OfflineMode = b
		}
	}
	if v := os.Getenv("AEGIS_PRODUCTION_ACTIONS"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Response.ProductionActionsEnabled = b
		}
	}
	if v := os.Getenv("AEGIS_EMIT_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Detection.EmitThreshold = f
		}
	}
}
